package models

import (
	"time"
)

// Category classifies an incident by size and direction of its aura effect
type Category string

const (
	CategorySmallGain    Category = "SMALL_GAIN"
	CategoryModerateGain Category = "MODERATE_GAIN"
	CategoryHighGain     Category = "HIGH_GAIN"
	CategorySmallLoss    Category = "SMALL_LOSS"
	CategoryModerateLoss Category = "MODERATE_LOSS"
	CategoryHighLoss     Category = "HIGH_LOSS"
)

// Valid reports whether c is one of the six known categories
func (c Category) Valid() bool {
	switch c {
	case CategorySmallGain, CategoryModerateGain, CategoryHighGain,
		CategorySmallLoss, CategoryModerateLoss, CategoryHighLoss:
		return true
	}
	return false
}

// IsLoss reports whether the category reduces the target's aura
func (c Category) IsLoss() bool {
	switch c {
	case CategorySmallLoss, CategoryModerateLoss, CategoryHighLoss:
		return true
	}
	return false
}

// AuraDelta returns the signed aura change applied when an incident of
// this category is validated
func (c Category) AuraDelta() int {
	switch c {
	case CategorySmallGain:
		return 5
	case CategoryModerateGain:
		return 10
	case CategoryHighGain:
		return 20
	case CategorySmallLoss:
		return -5
	case CategoryModerateLoss:
		return -10
	case CategoryHighLoss:
		return -20
	}
	return 0
}

// GainCategories and LossCategories partition the category set by direction,
// for the daily directional admission caps.
var (
	GainCategories = []Category{CategorySmallGain, CategoryModerateGain, CategoryHighGain}
	LossCategories = []Category{CategorySmallLoss, CategoryModerateLoss, CategoryHighLoss}
)

// IncidentStatus represents an incident's lifecycle state.
// VALIDATED and EXPIRED are terminal; there is no resurrection.
type IncidentStatus string

const (
	IncidentPending   IncidentStatus = "PENDING"
	IncidentValidated IncidentStatus = "VALIDATED"
	IncidentExpired   IncidentStatus = "EXPIRED"
)

// Incident represents a reported claim that a target user's aura should change,
// subject to a group vote. Incidents are never deleted.
// RequiredVotes is snapshotted from the member count at creation time and is
// not recomputed as membership changes.
type Incident struct {
	ID            uint           `gorm:"primarykey" json:"id"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	GroupID       uint           `gorm:"not null;index" json:"group_id"`
	CreatedByID   uint           `gorm:"not null;index" json:"created_by_id"`
	TargetUserID  uint           `gorm:"not null;index" json:"target_user_id"`
	Category      Category       `gorm:"type:varchar(20);not null" json:"category"`
	Title         string         `gorm:"not null" json:"title"`
	Description   string         `json:"description"`
	Status        IncidentStatus `gorm:"type:varchar(20);not null;default:'PENDING';index" json:"status"`
	RequiredVotes int            `gorm:"not null" json:"required_votes"`
	ExpiresAt     time.Time      `gorm:"not null" json:"expires_at"`

	// Relationships
	Group      Group          `gorm:"foreignKey:GroupID" json:"group,omitempty"`
	CreatedBy  User           `gorm:"foreignKey:CreatedByID" json:"created_by,omitempty"`
	TargetUser User           `gorm:"foreignKey:TargetUserID" json:"target_user,omitempty"`
	Votes      []IncidentVote `gorm:"foreignKey:IncidentID" json:"votes,omitempty"`
}
