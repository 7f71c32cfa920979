package models

import "time"

// MonthlyWinner is one archived podium position for a closed month.
// FullName is a snapshot so history survives renames.
type MonthlyWinner struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Month     time.Time `gorm:"type:date;not null;uniqueIndex:idx_winners_month_rank,priority:1;uniqueIndex:idx_winners_month_user,priority:1" json:"month"`
	UserID    string    `gorm:"size:36;not null;uniqueIndex:idx_winners_month_user,priority:2" json:"user_id"`
	FullName  string    `gorm:"size:255;not null" json:"full_name"`
	Points    int64     `gorm:"not null" json:"points"`
	Rank      int       `gorm:"not null;uniqueIndex:idx_winners_month_rank,priority:2" json:"rank"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName specifies the table name for MonthlyWinner model.
func (MonthlyWinner) TableName() string {
	return "monthly_winners"
}

// RolloverRun marks a month as closed, including months nobody competed in.
type RolloverRun struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Month        time.Time `gorm:"type:date;not null;uniqueIndex" json:"month"`
	WinnersCount int       `gorm:"not null" json:"winners_count"`
	ResetCount   int64     `gorm:"not null" json:"reset_count"`
	CompletedAt  time.Time `gorm:"not null" json:"completed_at"`
}

// TableName specifies the table name for RolloverRun model.
func (RolloverRun) TableName() string {
	return "rollover_runs"
}

// MonthStart returns the period key for the month containing t as seen in loc.
// Keys are stored as UTC midnight so they compare equal across drivers.
func MonthStart(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// PreviousMonthStart returns the period key of the calendar month before the one containing t.
func PreviousMonthStart(t time.Time, loc *time.Location) time.Time {
	return MonthStart(t, loc).AddDate(0, -1, 0)
}
