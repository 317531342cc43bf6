package streak

import "time"

// Streak tracks consecutive daily check-ins per user. LastCheckinDate is
// stored as a UTC midnight timestamp so day arithmetic stays exact.
type Streak struct {
	UserID          string    `gorm:"column:user_id;primaryKey" json:"user_id"`
	CurrentStreak   int       `gorm:"column:current_streak;not null;default:0" json:"current_streak"`
	LongestStreak   int       `gorm:"column:longest_streak;not null;default:0" json:"longest_streak"`
	LastCheckinDate time.Time `gorm:"column:last_checkin_date" json:"last_checkin_date"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Streak) TableName() string {
	return "streaks"
}

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
