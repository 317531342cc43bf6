package rewards

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"nightowl-rewards/pkg/taskname"
)

var TaskModule = fx.Module("task.rewards",
	fx.Provide(NewTask),
)

// Task hosts the asynq handlers for rewards background work. Handler errors
// propagate to asynq for retry; every operation behind them is idempotent,
// so at-least-once delivery is safe.
type Task struct {
	rewards *Service
}

type TaskParams struct {
	fx.In

	Rewards *Service
}

func NewTask(p TaskParams) *Task {
	return &Task{rewards: p.Rewards}
}

func (s *Task) HandleEvaluateBadges(ctx context.Context, t *asynq.Task) error {
	var payload EvaluateBadgesPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	awarded, err := s.rewards.EvaluateBadges(ctx, payload.UserID)
	if err != nil {
		zap.L().Error("badge evaluation task failed",
			zap.String("user_id", payload.UserID), zap.Error(err))
		return err
	}

	if len(awarded) > 0 {
		zap.L().Info("badge evaluation task awarded badges",
			zap.String("user_id", payload.UserID),
			zap.Int("count", len(awarded)),
		)
	}
	return nil
}

func (s *Task) HandleReferralMilestone(ctx context.Context, t *asynq.Task) error {
	var payload ReferralMilestonePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	result, err := s.rewards.RewardMilestone(ctx, payload.UserID, payload.Milestone)
	if err != nil {
		zap.L().Error("referral milestone task failed",
			zap.String("user_id", payload.UserID),
			zap.String("milestone", payload.Milestone),
			zap.Error(err))
		return err
	}

	if result.Rewarded {
		zap.L().Info("referral milestone task paid out",
			zap.String("user_id", payload.UserID),
			zap.String("milestone", payload.Milestone),
			zap.String("referrer_id", result.ReferrerID),
		)
	}
	return nil
}

// RegisterHandlers binds the rewards tasks onto the asynq mux.
func RegisterHandlers(mux *asynq.ServeMux, t *Task) {
	mux.HandleFunc(taskname.RewardsEvaluateBadges, t.HandleEvaluateBadges)
	mux.HandleFunc(taskname.RewardsReferralMilestone, t.HandleReferralMilestone)
}
