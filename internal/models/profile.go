// Package models defines the persisted entities of the loyalty ledger.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Profile roles.
const (
	RoleAdmin  = "admin"
	RoleClient = "client"
)

// Profile is a registered person holding the three point counters.
//
// Points is the spendable balance, TotalPointsAccumulated only grows on
// earn deltas and MonthlyPoints grows like it but is reset by the monthly
// rollover.
type Profile struct {
	ID                     string    `gorm:"primaryKey;size:36" json:"id"`
	FullName               string    `gorm:"size:255;not null" json:"full_name"`
	Email                  string    `gorm:"size:255;index" json:"email,omitempty"`
	Phone                  string    `gorm:"size:50" json:"phone,omitempty"`
	Role                   string    `gorm:"size:20;not null;default:client;index" json:"role"`
	Points                 int64     `gorm:"not null;default:0" json:"points"`
	MonthlyPoints          int64     `gorm:"not null;default:0;index" json:"monthly_points"`
	TotalPointsAccumulated int64     `gorm:"not null;default:0" json:"total_points_accumulated"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// TableName specifies the table name for Profile model.
func (Profile) TableName() string {
	return "profiles"
}

// BeforeCreate assigns a UUID when none was supplied.
func (p *Profile) BeforeCreate(_ *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Role == "" {
		p.Role = RoleClient
	}
	return nil
}

// IsAdmin reports whether the profile is excluded from rankings and churn.
func (p *Profile) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// NormalizeRole maps accepted role spellings onto the stored values.
// It returns false for unknown roles.
func NormalizeRole(role string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "", RoleClient, "user":
		return RoleClient, true
	case RoleAdmin:
		return RoleAdmin, true
	default:
		return "", false
	}
}
