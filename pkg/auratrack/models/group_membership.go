package models

import (
	"time"

	"gorm.io/gorm"
)

// GroupMembership represents the many-to-many relationship between users and groups.
// Membership is the sole basis of per-group authorization (system admins bypass).
type GroupMembership struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	UserID    uint           `gorm:"not null;uniqueIndex:idx_user_group" json:"user_id"`
	GroupID   uint           `gorm:"not null;uniqueIndex:idx_user_group" json:"group_id"`

	// Relationships
	User  User  `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Group Group `gorm:"foreignKey:GroupID" json:"group,omitempty"`
}
