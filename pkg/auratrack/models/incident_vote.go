package models

import (
	"time"
)

// VoteType represents the direction of a vote on an incident
type VoteType string

const (
	VoteApprove    VoteType = "APPROVE"
	VoteDisapprove VoteType = "DISAPPROVE"
)

// IncidentVote records one user's vote on one incident.
// The composite unique index makes a voter's decision final: at most one
// vote per (incident, user), in either direction, never changed or retracted.
type IncidentVote struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	IncidentID uint      `gorm:"not null;uniqueIndex:idx_incident_voter" json:"incident_id"`
	UserID     uint      `gorm:"not null;uniqueIndex:idx_incident_voter" json:"user_id"`
	VoteType   VoteType  `gorm:"type:varchar(20);not null;default:'APPROVE'" json:"vote_type"`

	// Relationships
	Incident Incident `gorm:"foreignKey:IncidentID" json:"incident,omitempty"`
	User     User     `gorm:"foreignKey:UserID" json:"user,omitempty"`
}
