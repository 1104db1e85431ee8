package models

import (
	"time"
)

// Reason prefixes distinguish the mechanical cause of a ledger entry.
const (
	ReasonIncidentPrefix = "Incident: "
	ReasonOverridePrefix = "Admin Override: "
	ReasonManualUpdate   = "Admin Manual Update"
)

// AuraHistory is the append-only aura ledger: one row per aura-affecting
// event. Rows are never updated or deleted. CreatedAt is normally "now" but
// is backdated to the originating incident's creation time during backfill
// repair, so it is written explicitly rather than left to the database.
type AuraHistory struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	UserID     uint      `gorm:"not null;index" json:"user_id"`
	IncidentID *uint     `gorm:"index" json:"incident_id,omitempty"`
	GroupID    *uint     `json:"group_id,omitempty"`
	Delta      int       `gorm:"not null" json:"delta"`
	Reason     string    `gorm:"not null" json:"reason"`

	// Relationships
	User     User      `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Incident *Incident `gorm:"foreignKey:IncidentID" json:"incident,omitempty"`
	Group    *Group    `gorm:"foreignKey:GroupID" json:"group,omitempty"`
}
