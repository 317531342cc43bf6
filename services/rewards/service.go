package rewards

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"nightowl-rewards/pkg/task"
	"nightowl-rewards/pkg/taskname"
	"nightowl-rewards/services/badge"
	"nightowl-rewards/services/catalog"
	"nightowl-rewards/services/ledger"
	"nightowl-rewards/services/referral"
	"nightowl-rewards/services/streak"
)

const (
	dailyCheckinAction = "daily_checkin"
	enqueueTimeout     = 30 * time.Second
)

// Service is the call surface the app layer talks to. It composes the
// catalog, ledger, streak, badge, and referral modules and keeps badge
// evaluation off the hot path by pushing it to the task queue.
type Service struct {
	catalog  *catalog.Service
	ledger   *ledger.Service
	streak   *streak.Service
	badge    *badge.Service
	referral *referral.Service
	enqueuer task.Enqueuer
	node     *snowflake.Node
	logger   *zap.Logger
}

type ServiceParams struct {
	fx.In

	Catalog  *catalog.Service
	Ledger   *ledger.Service
	Streak   *streak.Service
	Badge    *badge.Service
	Referral *referral.Service
	Enqueuer task.Enqueuer `optional:"true"`
	Node     *snowflake.Node
	Logger   *zap.Logger `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.L()
	}
	return &Service{
		catalog:  p.Catalog,
		ledger:   p.Ledger,
		streak:   p.Streak,
		badge:    p.Badge,
		referral: p.Referral,
		enqueuer: p.Enqueuer,
		node:     p.Node,
		logger:   logger,
	}
}

// ReportActionParams describes an app event that may earn points. EventID is
// the caller's idempotency handle for repeatable actions; when absent, each
// report of a repeatable action counts as a fresh event.
type ReportActionParams struct {
	UserID   string
	ActionID string
	EventID  string
	Metadata map[string]any
}

// ActionResult is the outcome of a reported action.
type ActionResult struct {
	Applied     bool                `json:"applied"`
	Points      int64               `json:"points"`
	Transaction *ledger.Transaction `json:"transaction,omitempty"`
	Account     *ledger.Account     `json:"account"`
	NextLevelAt int64               `json:"next_level_at"`
}

// ReportAction awards points for the action and schedules follow-up work:
// badge evaluation always, and referrer milestone payout when the action is
// one of the referral milestones.
func (s *Service) ReportAction(ctx context.Context, p ReportActionParams) (*ActionResult, error) {
	def, err := s.catalog.Resolve(p.ActionID)
	if err != nil {
		return nil, err
	}

	var dedupKey string
	if def.Repeatable {
		eventID := p.EventID
		if eventID == "" {
			eventID = s.node.Generate().String()
		}
		dedupKey = ledger.EventKey(p.UserID, p.ActionID, eventID)
	} else {
		dedupKey = ledger.OnceKey(p.UserID, p.ActionID)
	}

	result, err := s.ledger.Award(ctx, ledger.AwardParams{
		UserID:   p.UserID,
		ActionID: p.ActionID,
		Points:   def.Points,
		DedupKey: dedupKey,
		Metadata: p.Metadata,
	})
	if err != nil {
		return nil, err
	}

	if result.Applied {
		s.enqueueEvaluateBadges(ctx, p.UserID)
		if referral.ValidMilestone(p.ActionID) {
			s.enqueueReferralMilestone(ctx, p.UserID, p.ActionID)
		}
	}

	out := &ActionResult{
		Applied:     result.Applied,
		Account:     result.Account,
		NextLevelAt: ledger.NextLevelAt(result.Account.Level),
	}
	if result.Applied {
		out.Points = def.Points
		out.Transaction = result.Transaction
	}
	return out, nil
}

// AccountView is the account plus derived level info.
type AccountView struct {
	Account     *ledger.Account `json:"account"`
	NextLevelAt int64           `json:"next_level_at"`
}

func (s *Service) GetAccount(ctx context.Context, userID string) (*AccountView, error) {
	account, err := s.ledger.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &AccountView{
		Account:     account,
		NextLevelAt: ledger.NextLevelAt(account.Level),
	}, nil
}

func (s *Service) ListTransactions(ctx context.Context, userID string, limit int) ([]*ledger.Transaction, error) {
	return s.ledger.ListTransactions(ctx, userID, limit)
}

// CheckInResult is the streak outcome plus any points the check-in earned.
type CheckInResult struct {
	Streak        *streak.Streak `json:"streak"`
	Extended      bool           `json:"extended"`
	BonusUnlocked bool           `json:"bonus_unlocked"`
	PointsAwarded int64          `json:"points_awarded"`
}

// CheckIn advances the daily streak and pays the daily check-in points on
// advancing days. A repeated check-in the same day earns nothing.
func (s *Service) CheckIn(ctx context.Context, userID string) (*CheckInResult, error) {
	now := time.Now()
	result, err := s.streak.CheckIn(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	out := &CheckInResult{
		Streak:        result.Streak,
		Extended:      result.Extended,
		BonusUnlocked: result.BonusUnlocked,
	}
	if !result.Extended {
		return out, nil
	}

	def, err := s.catalog.Resolve(dailyCheckinAction)
	if err != nil {
		return nil, err
	}

	day := streak.Day(now).Format("2006-01-02")
	award, err := s.ledger.Award(ctx, ledger.AwardParams{
		UserID:   userID,
		ActionID: dailyCheckinAction,
		Points:   def.Points,
		DedupKey: ledger.EventKey(userID, dailyCheckinAction, day),
		Metadata: map[string]any{"streak": result.Streak.CurrentStreak},
	})
	if err != nil {
		return nil, err
	}
	if award.Applied {
		out.PointsAwarded = def.Points
	}

	s.enqueueEvaluateBadges(ctx, userID)
	return out, nil
}

func (s *Service) IssueReferralCode(ctx context.Context, userID string) (*referral.Code, error) {
	return s.referral.IssueCode(ctx, userID)
}

// RedeemReferralCode redeems a code for the new user and schedules badge
// evaluation for both sides when it sticks.
func (s *Service) RedeemReferralCode(ctx context.Context, code, userID string) (*referral.RedeemResult, error) {
	result, err := s.referral.Redeem(ctx, code, userID)
	if err != nil {
		return nil, err
	}
	if result.Success {
		s.enqueueEvaluateBadges(ctx, userID)
		s.enqueueEvaluateBadges(ctx, result.Referral.ReferrerID)
	}
	return result, nil
}

// RewardMilestone pays the referrer for a milestone the referred user hit.
func (s *Service) RewardMilestone(ctx context.Context, userID, milestone string) (*referral.MilestoneResult, error) {
	result, err := s.referral.RewardMilestone(ctx, userID, milestone)
	if err != nil {
		return nil, err
	}
	if result.Rewarded {
		s.enqueueEvaluateBadges(ctx, result.ReferrerID)
	}
	return result, nil
}

func (s *Service) EvaluateBadges(ctx context.Context, userID string) ([]*badge.UserBadge, error) {
	return s.badge.Evaluate(ctx, userID)
}

func (s *Service) GetBadgeProgress(ctx context.Context, userID string) ([]badge.Progress, error) {
	return s.badge.GetProgress(ctx, userID)
}

// enqueueEvaluateBadges schedules a badge evaluation pass. Without a queue
// (tests, single-binary deployments) it evaluates inline; either way a
// failure is logged and absorbed, the award itself already committed.
func (s *Service) enqueueEvaluateBadges(ctx context.Context, userID string) {
	if s.enqueuer == nil {
		if _, err := s.badge.Evaluate(ctx, userID); err != nil {
			s.logger.Error("inline badge evaluation failed",
				zap.String("user_id", userID), zap.Error(err))
		}
		return
	}

	payload, err := json.Marshal(EvaluateBadgesPayload{UserID: userID})
	if err != nil {
		s.logger.Error("failed to encode badge evaluation payload", zap.Error(err))
		return
	}

	_, err = s.enqueuer.Enqueue(ctx,
		asynq.NewTask(taskname.RewardsEvaluateBadges, payload),
		asynq.Queue("default"),
		asynq.MaxRetry(5),
		asynq.Timeout(enqueueTimeout),
	)
	if err != nil && !errors.Is(err, asynq.ErrDuplicateTask) {
		s.logger.Error("failed to enqueue badge evaluation",
			zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *Service) enqueueReferralMilestone(ctx context.Context, userID, milestone string) {
	if s.enqueuer == nil {
		if _, err := s.RewardMilestone(ctx, userID, milestone); err != nil {
			s.logger.Error("inline referral milestone failed",
				zap.String("user_id", userID),
				zap.String("milestone", milestone),
				zap.Error(err))
		}
		return
	}

	payload, err := json.Marshal(ReferralMilestonePayload{UserID: userID, Milestone: milestone})
	if err != nil {
		s.logger.Error("failed to encode referral milestone payload", zap.Error(err))
		return
	}

	_, err = s.enqueuer.Enqueue(ctx,
		asynq.NewTask(taskname.RewardsReferralMilestone, payload),
		asynq.TaskID(taskname.RewardsReferralMilestone+":"+userID+":"+milestone),
		asynq.Queue("default"),
		asynq.MaxRetry(5),
		asynq.Timeout(enqueueTimeout),
	)
	if err != nil && !errors.Is(err, asynq.ErrDuplicateTask) {
		s.logger.Error("failed to enqueue referral milestone",
			zap.String("user_id", userID),
			zap.String("milestone", milestone),
			zap.Error(err))
	}
}
