package ledger

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Transaction is an immutable credit applied to a user's points account.
// DedupKey carries the idempotency guarantee: one row per key, enforced by
// the unique index, so replays become no-ops at write time.
type Transaction struct {
	ID        string         `gorm:"column:id;primaryKey" json:"id"`
	UserID    string         `gorm:"column:user_id;index:idx_txn_user_action;not null" json:"user_id"`
	ActionID  string         `gorm:"column:action_id;index:idx_txn_user_action;not null" json:"action_id"`
	Points    int64          `gorm:"column:points;not null" json:"points"`
	DedupKey  string         `gorm:"column:dedup_key;uniqueIndex;not null" json:"dedup_key"`
	Metadata  datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (Transaction) TableName() string {
	return "points_transactions"
}

// Account is the per-user running balance. TotalPoints only ever grows;
// Level is derived from TotalPoints and updated in the same transaction
// as the increment.
type Account struct {
	UserID      string    `gorm:"column:user_id;primaryKey" json:"user_id"`
	TotalPoints int64     `gorm:"column:total_points;not null;default:0" json:"total_points"`
	Level       int       `gorm:"column:level;not null;default:1" json:"level"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "points_accounts"
}

// OnceKey builds the dedup key for actions that award at most once per user.
func OnceKey(userID, actionID string) string {
	return fmt.Sprintf("%s:%s", userID, actionID)
}

// EventKey builds the dedup key for repeatable actions, scoped to a single
// client-supplied or generated event ID.
func EventKey(userID, actionID, eventID string) string {
	return fmt.Sprintf("%s:%s:%s", userID, actionID, eventID)
}
