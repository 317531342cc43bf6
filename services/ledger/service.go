package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"nightowl-rewards/pkg/db/option"
	"nightowl-rewards/pkg/errutil"
	"nightowl-rewards/pkg/repository"
)

// Service owns the points ledger: append-only transactions plus the derived
// per-user account balance and level.
type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	txns     repository.Repository[Transaction]
	accounts repository.Repository[Account]
	logger   *zap.Logger
}

type ServiceParams struct {
	fx.In

	DB     *gorm.DB
	Node   *snowflake.Node
	Logger *zap.Logger `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.L()
	}
	return &Service{
		db:       p.DB,
		node:     p.Node,
		txns:     repository.ProvideStore[Transaction](p.DB),
		accounts: repository.ProvideStore[Account](p.DB),
		logger:   logger,
	}
}

// AwardParams describes a single credit. DedupKey must be unique per logical
// event; replays with the same key are absorbed without effect.
type AwardParams struct {
	UserID   string
	ActionID string
	Points   int64
	DedupKey string
	Metadata map[string]any
}

// AwardResult reports what the award did. Applied is false when the dedup
// key had already been recorded; Account then reflects the untouched balance.
type AwardResult struct {
	Transaction *Transaction
	Account     *Account
	Applied     bool
}

// Award credits points to the user inside its own database transaction.
func (s *Service) Award(ctx context.Context, p AwardParams) (*AwardResult, error) {
	var result *AwardResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.AwardTx(ctx, tx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AwardTx credits points within a caller-managed transaction so composite
// operations (referral milestones, redemption bonuses) commit atomically
// with their own state changes.
func (s *Service) AwardTx(ctx context.Context, tx *gorm.DB, p AwardParams) (*AwardResult, error) {
	if p.UserID == "" {
		return nil, errutil.BadRequest("user_id is required", nil)
	}
	if p.ActionID == "" {
		return nil, errutil.BadRequest("action_id is required", nil)
	}
	if p.Points <= 0 {
		return nil, errutil.BadRequest("points must be positive", nil)
	}
	if p.DedupKey == "" {
		return nil, errutil.BadRequest("dedup_key is required", nil)
	}

	txn := &Transaction{
		ID:       s.node.Generate().String(),
		UserID:   p.UserID,
		ActionID: p.ActionID,
		Points:   p.Points,
		DedupKey: p.DedupKey,
	}
	if len(p.Metadata) > 0 {
		raw, err := json.Marshal(p.Metadata)
		if err != nil {
			return nil, errutil.BadRequest("metadata is not serializable", err)
		}
		txn.Metadata = datatypes.JSON(raw)
	}

	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedup_key"}}, DoNothing: true}).
		Create(txn)
	if res.Error != nil {
		return nil, errutil.Internal("failed to record transaction", res.Error)
	}

	if res.RowsAffected == 0 {
		account, err := s.accountTx(ctx, tx, p.UserID, false)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("duplicate award absorbed",
			zap.String("user_id", p.UserID),
			zap.String("dedup_key", p.DedupKey),
		)
		return &AwardResult{Account: account, Applied: false}, nil
	}

	if err := s.incrementTx(ctx, tx, p.UserID, p.Points); err != nil {
		return nil, err
	}

	account, err := s.accountTx(ctx, tx, p.UserID, true)
	if err != nil {
		return nil, err
	}

	if level := LevelFor(account.TotalPoints); level != account.Level {
		if err := tx.WithContext(ctx).Model(&Account{}).
			Where("user_id = ?", p.UserID).
			Update("level", level).Error; err != nil {
			return nil, errutil.Internal("failed to update level", err)
		}
		s.logger.Info("level up",
			zap.String("user_id", p.UserID),
			zap.Int("from", account.Level),
			zap.Int("to", level),
		)
		account.Level = level
	}

	return &AwardResult{Transaction: txn, Account: account, Applied: true}, nil
}

// incrementTx bumps total_points in place, lazily creating the account row.
// The create uses an insert-or-ignore so two first-time writers cannot both
// succeed; the loser retries the increment against the winner's row.
func (s *Service) incrementTx(ctx context.Context, tx *gorm.DB, userID string, points int64) error {
	update := func() (int64, error) {
		res := tx.WithContext(ctx).Model(&Account{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{
				"total_points": gorm.Expr("total_points + ?", points),
				"updated_at":   time.Now().UTC(),
			})
		return res.RowsAffected, res.Error
	}

	affected, err := update()
	if err != nil {
		return errutil.Internal("failed to increment balance", err)
	}
	if affected > 0 {
		return nil
	}

	if err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&Account{UserID: userID, Level: 1}).Error; err != nil {
		return errutil.Internal("failed to create account", err)
	}

	affected, err = update()
	if err != nil {
		return errutil.Internal("failed to increment balance", err)
	}
	if affected == 0 {
		return errutil.Internal("account vanished during award", nil)
	}
	return nil
}

func (s *Service) accountTx(ctx context.Context, tx *gorm.DB, userID string, lock bool) (*Account, error) {
	opts := []option.QueryOption{}
	if lock {
		opts = append(opts, option.WithLockingUpdate())
	}
	account, err := s.accounts.WithTrx(tx).FindOne(ctx, &Account{UserID: userID}, opts...)
	if err != nil {
		return nil, errutil.Internal("failed to load account", err)
	}
	if account == nil {
		account = &Account{UserID: userID, TotalPoints: 0, Level: 1}
	}
	return account, nil
}

// GetAccount returns the user's balance. Users without any transactions get
// an empty level-1 account rather than a not-found error.
func (s *Service) GetAccount(ctx context.Context, userID string) (*Account, error) {
	if userID == "" {
		return nil, errutil.BadRequest("user_id is required", nil)
	}
	return s.accountTx(ctx, s.db, userID, false)
}

// ListTransactions returns the user's most recent transactions.
func (s *Service) ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if userID == "" {
		return nil, errutil.BadRequest("user_id is required", nil)
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	txns, err := s.txns.Find(ctx, &Transaction{UserID: userID},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc"}),
		option.WithLimit(limit),
	)
	if err != nil {
		return nil, errutil.Internal("failed to list transactions", err)
	}
	return txns, nil
}

// CountByAction counts how many times the user earned the given action.
func (s *Service) CountByAction(ctx context.Context, userID, actionID string) (int64, error) {
	return s.txns.Count(ctx, &Transaction{UserID: userID, ActionID: actionID})
}

// distinctScanBatch bounds how many rows DistinctMetadataValues holds in
// memory at once.
const distinctScanBatch = 500

// DistinctMetadataValues counts distinct values of a metadata key across the
// user's transactions for one action. The distinct pass happens in Go so the
// query stays portable across dialects; rows stream in batches with only the
// metadata column selected.
func (s *Service) DistinctMetadataValues(ctx context.Context, userID, actionID, key string) (int64, error) {
	seen := make(map[string]struct{})

	var rows []Transaction
	err := s.db.WithContext(ctx).Model(&Transaction{}).
		Select("id", "metadata").
		Where("user_id = ? AND action_id = ?", userID, actionID).
		FindInBatches(&rows, distinctScanBatch, func(_ *gorm.DB, _ int) error {
			for _, txn := range rows {
				if len(txn.Metadata) == 0 {
					continue
				}
				var meta map[string]any
				if err := json.Unmarshal(txn.Metadata, &meta); err != nil {
					continue
				}
				if v, ok := meta[key]; ok {
					raw, _ := json.Marshal(v)
					seen[string(raw)] = struct{}{}
				}
			}
			return nil
		}).Error
	if err != nil {
		return 0, errutil.Internal("failed to scan transactions", err)
	}
	return int64(len(seen)), nil
}

// Reconcile recomputes the account from the transaction log. The ledger is
// the source of truth; this repairs a drifted balance after manual surgery
// or a partial restore.
func (s *Service) Reconcile(ctx context.Context, userID string) (*Account, error) {
	if userID == "" {
		return nil, errutil.BadRequest("user_id is required", nil)
	}

	var account *Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var total int64
		if err := tx.WithContext(ctx).Model(&Transaction{}).
			Where("user_id = ?", userID).
			Select("COALESCE(SUM(points), 0)").
			Scan(&total).Error; err != nil {
			return errutil.Internal("failed to sum transactions", err)
		}

		level := LevelFor(total)
		res := tx.WithContext(ctx).Model(&Account{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{"total_points": total, "level": level})
		if res.Error != nil {
			return errutil.Internal("failed to reconcile account", res.Error)
		}
		if res.RowsAffected == 0 && total > 0 {
			if err := tx.WithContext(ctx).
				Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
				Create(&Account{UserID: userID, TotalPoints: total, Level: level}).Error; err != nil {
				return errutil.Internal("failed to create account", err)
			}
		}

		var err error
		account, err = s.accountTx(ctx, tx, userID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}
