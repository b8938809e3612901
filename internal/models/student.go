package models

import (
	"strings"
	"time"
)

// Role describes what a chat participant is allowed to do.
type Role string

const (
	RoleStudent  Role = "STUDENT"
	RoleSubAdmin Role = "SUB_ADMIN"
	RoleAdmin    Role = "ADMIN"
)

// ParseRole normalises a role claim. Unknown values fall back to student.
func ParseRole(value string) Role {
	normalized := strings.ToUpper(strings.TrimSpace(value))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	switch Role(normalized) {
	case RoleAdmin:
		return RoleAdmin
	case RoleSubAdmin, "SUBADMIN", "STAFF":
		return RoleSubAdmin
	default:
		return RoleStudent
	}
}

// IsPrivileged reports whether the role is exempt from chat cost and cooldown.
func (r Role) IsPrivileged() bool {
	return r == RoleAdmin || r == RoleSubAdmin
}

// User is the chat participant as seen by a support session.
type User struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Role       Role       `json:"role"`
	Credits    int64      `json:"credits"`
	LastChatAt *time.Time `json:"last_chat_at,omitempty"`
}

// UserProfile persists the credit balance and cooldown stamp of a learner.
type UserProfile struct {
	ID         string     `gorm:"primaryKey;size:64" json:"id"`
	Name       string     `gorm:"size:255" json:"name"`
	Role       Role       `gorm:"size:16;not null;default:STUDENT" json:"role"`
	Credits    int64      `gorm:"not null;default:0" json:"credits"`
	LastChatAt *time.Time `json:"last_chat_at"`
	Version    int64      `gorm:"not null;default:0" json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ToUser converts the persisted profile to the session view.
func (p UserProfile) ToUser() User {
	return User{
		ID:         p.ID,
		Name:       p.Name,
		Role:       p.Role,
		Credits:    p.Credits,
		LastChatAt: p.LastChatAt,
	}
}

// UserProfileFromUser converts a session user back into a profile row.
func UserProfileFromUser(u User) UserProfile {
	return UserProfile{
		ID:         u.ID,
		Name:       u.Name,
		Role:       u.Role,
		Credits:    u.Credits,
		LastChatAt: u.LastChatAt,
	}
}

// ChatPricing overrides the configured cost and cooldown for a channel kind.
type ChatPricing struct {
	Kind            string    `gorm:"primaryKey;size:32" json:"kind"`
	Cost            int64     `gorm:"not null;default:0" json:"cost"`
	CooldownSeconds int64     `gorm:"not null;default:0" json:"cooldown_seconds"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName implements the GORM tabler interface.
func (ChatPricing) TableName() string { return "chat_pricing" }
