package models

import (
	"time"

	"gorm.io/gorm"
)

// Group represents a group of users reporting incidents about each other.
// While IsFrozen is set, no new incidents may be created and no votes may
// be cast in the group; already-terminal incidents are unaffected.
type Group struct {
	ID         uint           `gorm:"primarykey" json:"id"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
	Name       string         `gorm:"not null" json:"name"`
	OwnerID    uint           `gorm:"not null" json:"owner_id"`
	InviteCode string         `gorm:"uniqueIndex;not null" json:"invite_code"`
	IsFrozen   bool           `gorm:"not null;default:false" json:"is_frozen"`

	// Relationships
	Owner   User              `gorm:"foreignKey:OwnerID" json:"owner,omitempty"`
	Members []GroupMembership `gorm:"foreignKey:GroupID" json:"members,omitempty"`
}
