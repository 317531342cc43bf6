package badge

import (
	"fmt"
	"time"
)

// Stat names badges can reference in their predicates.
const (
	StatTotalPoints    = "total_points"
	StatLevel          = "level"
	StatVenuesSaved    = "venues_saved"
	StatVenuesShared   = "venues_shared"
	StatTicketsUsed    = "tickets_used"
	StatStoriesCreated = "stories_created"
	StatFriendsAdded   = "friends_added"
	StatDistinctVenues = "distinct_venues"
	StatCurrentStreak  = "current_streak"
	StatLongestStreak  = "longest_streak"
	StatReferrals      = "referrals"
)

// StatNames lists every stat exposed to badge predicates.
func StatNames() []string {
	return []string{
		StatTotalPoints,
		StatLevel,
		StatVenuesSaved,
		StatVenuesShared,
		StatTicketsUsed,
		StatStoriesCreated,
		StatFriendsAdded,
		StatDistinctVenues,
		StatCurrentStreak,
		StatLongestStreak,
		StatReferrals,
	}
}

// Badge is a catalog entry. Most badges are a simple threshold on one stat;
// Expression overrides the generated predicate for badges that need to
// combine stats.
type Badge struct {
	Slug         string    `gorm:"column:slug;primaryKey" json:"slug"`
	Name         string    `gorm:"column:name;not null" json:"name"`
	Description  string    `gorm:"column:description" json:"description"`
	Stat         string    `gorm:"column:stat;not null" json:"stat"`
	Threshold    int64     `gorm:"column:threshold;not null" json:"threshold"`
	Expression   string    `gorm:"column:expression" json:"expression,omitempty"`
	PointsReward int64     `gorm:"column:points_reward;not null;default:0" json:"points_reward"`
	Rarity       string    `gorm:"column:rarity;not null" json:"rarity"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Badge) TableName() string {
	return "badges"
}

// Predicate returns the CEL expression deciding whether the badge is earned.
func (b Badge) Predicate() string {
	if b.Expression != "" {
		return b.Expression
	}
	return fmt.Sprintf("%s >= %d", b.Stat, b.Threshold)
}

// RewardActionID is the ledger action used when the badge pays bonus points.
func (b Badge) RewardActionID() string {
	return "badge_" + b.Slug
}

// UserBadge records an earned badge. The composite unique index makes the
// award idempotent.
type UserBadge struct {
	ID        string    `gorm:"column:id;primaryKey" json:"id"`
	UserID    string    `gorm:"column:user_id;uniqueIndex:idx_user_badge;not null" json:"user_id"`
	BadgeSlug string    `gorm:"column:badge_slug;uniqueIndex:idx_user_badge;not null" json:"badge_slug"`
	AwardedAt time.Time `gorm:"column:awarded_at;autoCreateTime" json:"awarded_at"`
}

func (UserBadge) TableName() string {
	return "user_badges"
}

// DefaultCatalog returns the built-in badge set, seeded at startup.
func DefaultCatalog() []Badge {
	return []Badge{
		{Slug: "first_night", Name: "First Night Out", Description: "Use your first ticket", Stat: StatTicketsUsed, Threshold: 1, PointsReward: 10, Rarity: "common"},
		{Slug: "collector", Name: "Collector", Description: "Save 25 venues", Stat: StatVenuesSaved, Threshold: 25, PointsReward: 30, Rarity: "common"},
		{Slug: "socialite", Name: "Socialite", Description: "Add 10 friends", Stat: StatFriendsAdded, Threshold: 10, PointsReward: 30, Rarity: "common"},
		{Slug: "explorer", Name: "Explorer", Description: "Check in at 5 different venues", Stat: StatDistinctVenues, Threshold: 5, PointsReward: 50, Rarity: "rare"},
		{Slug: "storyteller", Name: "Storyteller", Description: "Post 10 stories", Stat: StatStoriesCreated, Threshold: 10, PointsReward: 40, Rarity: "rare"},
		{Slug: "regular", Name: "Regular", Description: "Use 10 tickets", Stat: StatTicketsUsed, Threshold: 10, PointsReward: 50, Rarity: "rare"},
		{Slug: "week_streak", Name: "Seven Nights", Description: "Check in 7 days in a row", Stat: StatLongestStreak, Threshold: 7, PointsReward: 50, Rarity: "rare"},
		{Slug: "month_streak", Name: "Creature of Habit", Description: "Check in 30 days in a row", Stat: StatLongestStreak, Threshold: 30, PointsReward: 150, Rarity: "epic"},
		{Slug: "ambassador", Name: "Ambassador", Description: "Bring in 5 friends", Stat: StatReferrals, Threshold: 5, PointsReward: 100, Rarity: "epic"},
		{Slug: "high_roller", Name: "High Roller", Description: "Earn 1000 lifetime points", Stat: StatTotalPoints, Threshold: 1000, PointsReward: 100, Rarity: "epic"},
		{
			Slug: "night_legend", Name: "Night Legend", Description: "Fifty tickets and a week-long streak",
			Stat: StatTicketsUsed, Threshold: 50,
			Expression:   fmt.Sprintf("%s >= 50 && %s >= 7", StatTicketsUsed, StatLongestStreak),
			PointsReward: 250, Rarity: "legendary",
		},
	}
}
