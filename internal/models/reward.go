package models

import "time"

// Reward is a catalog item clients can redeem points for.
type Reward struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"uniqueIndex;not null;size:100" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	Cost        int64     `gorm:"not null" json:"cost"`
	Active      bool      `gorm:"not null" json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName specifies the table name for Reward model.
func (Reward) TableName() string {
	return "rewards"
}
