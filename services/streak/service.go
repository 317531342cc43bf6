package streak

import (
	"context"
	"errors"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"nightowl-rewards/pkg/errutil"
	"nightowl-rewards/pkg/repository"
)

// BonusInterval is the cadence at which streaks unlock a bonus.
const BonusInterval = 7

type Service struct {
	db      *gorm.DB
	streaks repository.Repository[Streak]
	logger  *zap.Logger
}

type ServiceParams struct {
	fx.In

	DB     *gorm.DB
	Logger *zap.Logger `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.L()
	}
	return &Service{
		db:      p.DB,
		streaks: repository.ProvideStore[Streak](p.DB),
		logger:  logger,
	}
}

// CheckInResult reports how a check-in changed the streak. Extended is false
// when the user already checked in that day. BonusUnlocked fires on every
// BonusInterval-th consecutive day.
type CheckInResult struct {
	Streak        *Streak
	Extended      bool
	BonusUnlocked bool
}

// CheckIn records a daily check-in at the given time. A second check-in on
// the same calendar day is a no-op; a one-day gap extends the streak; a
// longer gap resets it to one.
func (s *Service) CheckIn(ctx context.Context, userID string, at time.Time) (*CheckInResult, error) {
	if userID == "" {
		return nil, errutil.BadRequest("user_id is required", nil)
	}

	today := Day(at)
	var result *CheckInResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Streak
		err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			First(&row).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = Streak{
				UserID:          userID,
				CurrentStreak:   1,
				LongestStreak:   1,
				LastCheckinDate: today,
			}
			res := tx.WithContext(ctx).
				Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
				Create(&row)
			if res.Error != nil {
				return errutil.Internal("failed to create streak", res.Error)
			}
			if res.RowsAffected > 0 {
				result = &CheckInResult{Streak: &row, Extended: true, BonusUnlocked: false}
				return nil
			}
			// A concurrent first check-in won the insert; load its row and
			// fall through to the normal path.
			err = tx.WithContext(ctx).
				Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("user_id = ?", userID).
				First(&row).Error
		}
		if err != nil {
			return errutil.Internal("failed to load streak", err)
		}

		last := Day(row.LastCheckinDate)
		if !today.After(last) {
			result = &CheckInResult{Streak: &row, Extended: false}
			return nil
		}

		if today.Sub(last) == 24*time.Hour {
			row.CurrentStreak++
		} else {
			row.CurrentStreak = 1
		}
		if row.CurrentStreak > row.LongestStreak {
			row.LongestStreak = row.CurrentStreak
		}
		row.LastCheckinDate = today

		if err := tx.WithContext(ctx).Model(&Streak{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{
				"current_streak":    row.CurrentStreak,
				"longest_streak":    row.LongestStreak,
				"last_checkin_date": row.LastCheckinDate,
			}).Error; err != nil {
			return errutil.Internal("failed to update streak", err)
		}

		result = &CheckInResult{
			Streak:        &row,
			Extended:      true,
			BonusUnlocked: row.CurrentStreak%BonusInterval == 0,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.BonusUnlocked {
		s.logger.Info("streak bonus unlocked",
			zap.String("user_id", userID),
			zap.Int("streak", result.Streak.CurrentStreak),
		)
	}
	return result, nil
}

// Current returns the user's streak, or a zeroed streak when none exists.
func (s *Service) Current(ctx context.Context, userID string) (*Streak, error) {
	if userID == "" {
		return nil, errutil.BadRequest("user_id is required", nil)
	}
	row, err := s.streaks.FindOne(ctx, &Streak{UserID: userID})
	if err != nil {
		return nil, errutil.Internal("failed to load streak", err)
	}
	if row == nil {
		return &Streak{UserID: userID}, nil
	}
	return row, nil
}
