package rewards

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nightowl-rewards/services/badge"
	"nightowl-rewards/services/catalog"
	"nightowl-rewards/services/ledger"
	"nightowl-rewards/services/referral"
	"nightowl-rewards/services/streak"
	"nightowl-rewards/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeGenerator struct {
	next int
}

func (g *fakeGenerator) NextReferralCode(ctx context.Context) (string, error) {
	g.next++
	return fmt.Sprintf("NWCODE%d", g.next), nil
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{}, nil
}

func (f *fakeEnqueuer) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t.Type())
	}
	return out
}

func newFixture(t *testing.T, enqueuer *fakeEnqueuer) (*Service, *ledger.Service) {
	t.Helper()

	db := testutil.NewTestDB(t,
		&ledger.Transaction{}, &ledger.Account{},
		&streak.Streak{},
		&referral.Code{}, &referral.Referral{},
		&badge.Badge{}, &badge.UserBadge{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	actions := catalog.NewService(catalog.ServiceParams{})
	ledgerSvc := ledger.NewService(ledger.ServiceParams{DB: db, Node: node})
	streakSvc := streak.NewService(streak.ServiceParams{DB: db})
	referralSvc := referral.NewService(referral.ServiceParams{
		DB:        db,
		Node:      node,
		Generator: &fakeGenerator{},
		Catalog:   actions,
		Ledger:    ledgerSvc,
	})
	badgeSvc := badge.NewService(badge.ServiceParams{
		DB:       db,
		Node:     node,
		Ledger:   ledgerSvc,
		Streak:   streakSvc,
		Referral: referralSvc,
	})
	require.NoError(t, badgeSvc.Seed(context.Background(), actions))

	params := ServiceParams{
		Catalog:  actions,
		Ledger:   ledgerSvc,
		Streak:   streakSvc,
		Badge:    badgeSvc,
		Referral: referralSvc,
		Node:     node,
	}
	if enqueuer != nil {
		params.Enqueuer = enqueuer
	}
	return NewService(params), ledgerSvc
}

func TestReportActionRepeatable(t *testing.T) {
	svc, _ := newFixture(t, nil)
	ctx := context.Background()

	first, err := svc.ReportAction(ctx, ReportActionParams{
		UserID:   "user-1",
		ActionID: "venue_saved",
		EventID:  "evt-1",
	})
	require.NoError(t, err)
	require.True(t, first.Applied)
	require.Equal(t, int64(5), first.Points)
	require.Equal(t, int64(200), first.NextLevelAt)

	replay, err := svc.ReportAction(ctx, ReportActionParams{
		UserID:   "user-1",
		ActionID: "venue_saved",
		EventID:  "evt-1",
	})
	require.NoError(t, err)
	require.False(t, replay.Applied)
	require.Equal(t, int64(5), replay.Account.TotalPoints)
}

func TestReportActionNonRepeatable(t *testing.T) {
	svc, _ := newFixture(t, nil)
	ctx := context.Background()

	first, err := svc.ReportAction(ctx, ReportActionParams{
		UserID:   "user-1",
		ActionID: "profile_completed",
	})
	require.NoError(t, err)
	require.True(t, first.Applied)

	// No event ID needed: the action itself is the idempotency scope.
	second, err := svc.ReportAction(ctx, ReportActionParams{
		UserID:   "user-1",
		ActionID: "profile_completed",
		EventID:  "different-event",
	})
	require.NoError(t, err)
	require.False(t, second.Applied)
}

func TestReportActionUnknownAction(t *testing.T) {
	svc, _ := newFixture(t, nil)

	_, err := svc.ReportAction(context.Background(), ReportActionParams{
		UserID:   "user-1",
		ActionID: "time_travelled",
	})
	require.Error(t, err)
}

func TestReportActionTriggersBadges(t *testing.T) {
	svc, lsvc := newFixture(t, nil)
	ctx := context.Background()

	// Without a queue the facade evaluates badges inline: the first ticket
	// earns the first_night badge and its bonus.
	result, err := svc.ReportAction(ctx, ReportActionParams{
		UserID:   "user-1",
		ActionID: "ticket_used",
		EventID:  "evt-1",
	})
	require.NoError(t, err)
	require.True(t, result.Applied)

	account, err := lsvc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(20), account.TotalPoints) // 10 + 10 badge bonus

	progress, err := svc.GetBadgeProgress(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, progress[0].Earned)
	require.Equal(t, "first_night", progress[0].Badge.Slug)
}

func TestReportActionPaysReferralMilestone(t *testing.T) {
	svc, lsvc := newFixture(t, nil)
	ctx := context.Background()

	code, err := svc.IssueReferralCode(ctx, "referrer-1")
	require.NoError(t, err)
	redeemed, err := svc.RedeemReferralCode(ctx, code.Code, "friend-1")
	require.NoError(t, err)
	require.True(t, redeemed.Success)

	// friend-1 posting their first story pays them 20 and their referrer 25.
	_, err = svc.ReportAction(ctx, ReportActionParams{
		UserID:   "friend-1",
		ActionID: "first_story",
	})
	require.NoError(t, err)

	referrer, err := lsvc.GetAccount(ctx, "referrer-1")
	require.NoError(t, err)
	require.Equal(t, int64(25), referrer.TotalPoints)

	friend, err := lsvc.GetAccount(ctx, "friend-1")
	require.NoError(t, err)
	require.Equal(t, int64(120), friend.TotalPoints) // 100 welcome + 20 first story
}

func TestCheckInAwardsDailyPoints(t *testing.T) {
	svc, _ := newFixture(t, nil)
	ctx := context.Background()

	result, err := svc.CheckIn(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, result.Extended)
	require.Equal(t, int64(5), result.PointsAwarded)
	require.Equal(t, 1, result.Streak.CurrentStreak)

	// Second check-in the same day: streak unchanged, nothing earned.
	again, err := svc.CheckIn(ctx, "user-1")
	require.NoError(t, err)
	require.False(t, again.Extended)
	require.Equal(t, int64(0), again.PointsAwarded)

	view, err := svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(5), view.Account.TotalPoints)
}

func TestEnqueuedWorkUsesTaskQueue(t *testing.T) {
	enqueuer := &fakeEnqueuer{}
	svc, lsvc := newFixture(t, enqueuer)
	ctx := context.Background()

	code, err := svc.IssueReferralCode(ctx, "referrer-1")
	require.NoError(t, err)
	_, err = svc.RedeemReferralCode(ctx, code.Code, "friend-1")
	require.NoError(t, err)

	_, err = svc.ReportAction(ctx, ReportActionParams{
		UserID:   "friend-1",
		ActionID: "first_ticket",
	})
	require.NoError(t, err)

	types := enqueuer.types()
	require.Contains(t, types, "rewards:evaluate_badges")
	require.Contains(t, types, "rewards:referral_milestone")

	// Nothing ran inline: the referrer has no milestone payout yet.
	referrer, err := lsvc.GetAccount(ctx, "referrer-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), referrer.TotalPoints)
}

func TestTaskHandlersRoundTrip(t *testing.T) {
	svc, lsvc := newFixture(t, &fakeEnqueuer{})
	ctx := context.Background()

	code, err := svc.IssueReferralCode(ctx, "referrer-1")
	require.NoError(t, err)
	_, err = svc.RedeemReferralCode(ctx, code.Code, "friend-1")
	require.NoError(t, err)

	task := NewTask(TaskParams{Rewards: svc})

	payload := []byte(`{"user_id":"friend-1","milestone":"profile_completed"}`)
	err = task.HandleReferralMilestone(ctx, asynq.NewTask("rewards:referral_milestone", payload))
	require.NoError(t, err)

	referrer, err := lsvc.GetAccount(ctx, "referrer-1")
	require.NoError(t, err)
	require.Equal(t, int64(50), referrer.TotalPoints)

	// Redelivery is absorbed by the milestone guard.
	err = task.HandleReferralMilestone(ctx, asynq.NewTask("rewards:referral_milestone", payload))
	require.NoError(t, err)

	referrer, err = lsvc.GetAccount(ctx, "referrer-1")
	require.NoError(t, err)
	require.Equal(t, int64(50), referrer.TotalPoints)

	evalPayload := []byte(`{"user_id":"friend-1"}`)
	err = task.HandleEvaluateBadges(ctx, asynq.NewTask("rewards:evaluate_badges", evalPayload))
	require.NoError(t, err)

	err = task.HandleEvaluateBadges(ctx, asynq.NewTask("rewards:evaluate_badges", []byte("{")))
	require.Error(t, err)
}
