package models

import (
	"time"

	"gorm.io/gorm"
)

// Role represents a user's system-wide role
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// User represents a user in the system.
// Aura is a denormalized running total; the AuraHistory ledger is the
// source of truth and the two must agree outside an in-flight transaction.
type User struct {
	ID           uint           `gorm:"primarykey" json:"id"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
	Email        string         `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string         `json:"-"`
	Name         string         `gorm:"not null" json:"name"`
	Aura         int            `gorm:"not null;default:0" json:"aura"`
	Role         Role           `gorm:"type:varchar(20);default:'user'" json:"role"`

	// Relationships
	GroupMemberships []GroupMembership `gorm:"foreignKey:UserID" json:"group_memberships,omitempty"`
	AuraHistory      []AuraHistory     `gorm:"foreignKey:UserID" json:"aura_history,omitempty"`
}
