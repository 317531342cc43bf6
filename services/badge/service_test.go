package badge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

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

type fixture struct {
	svc      *Service
	ledger   *ledger.Service
	streak   *streak.Service
	referral *referral.Service
	actions  *catalog.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t,
		&Badge{}, &UserBadge{},
		&ledger.Transaction{}, &ledger.Account{},
		&streak.Streak{},
		&referral.Code{}, &referral.Referral{},
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

	svc := NewService(ServiceParams{
		DB:       db,
		Node:     node,
		Ledger:   ledgerSvc,
		Streak:   streakSvc,
		Referral: referralSvc,
	})
	require.NoError(t, svc.Seed(context.Background(), actions))

	return &fixture{
		svc:      svc,
		ledger:   ledgerSvc,
		streak:   streakSvc,
		referral: referralSvc,
		actions:  actions,
	}
}

func useTickets(t *testing.T, f *fixture, userID string, n int, venue string) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.ledger.Award(context.Background(), ledger.AwardParams{
			UserID:   userID,
			ActionID: "ticket_used",
			Points:   10,
			DedupKey: ledger.EventKey(userID, "ticket_used", fmt.Sprintf("%s-%d", venue, i)),
			Metadata: map[string]any{"venue_id": fmt.Sprintf("%s-%d", venue, i%3)},
		})
		require.NoError(t, err)
	}
}

func TestSeedRegistersRewardActions(t *testing.T) {
	f := newFixture(t)

	def, err := f.actions.Resolve("badge_explorer")
	require.NoError(t, err)
	require.Equal(t, int64(50), def.Points)
	require.False(t, def.Repeatable)
}

func TestEvaluateAwardsThresholdBadge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	useTickets(t, f, "user-1", 1, "venue")

	awarded, err := f.svc.Evaluate(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, awarded, 1)
	require.Equal(t, "first_night", awarded[0].BadgeSlug)

	// The badge bonus landed on the account: 10 for the ticket, 10 bonus.
	account, err := f.ledger.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(20), account.TotalPoints)
}

func TestEvaluateIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	useTickets(t, f, "user-1", 1, "venue")

	awarded, err := f.svc.Evaluate(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, awarded, 1)

	awarded, err = f.svc.Evaluate(ctx, "user-1")
	require.NoError(t, err)
	require.Empty(t, awarded)

	account, err := f.ledger.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(20), account.TotalPoints)
}

func TestEvaluateConcurrentSingleUnlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	useTickets(t, f, "user-1", 1, "venue")

	const workers = 10
	type outcome struct {
		awarded int
		err     error
	}
	outcomes := make(chan outcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			awarded, err := f.svc.Evaluate(ctx, "user-1")
			outcomes <- outcome{awarded: len(awarded), err: err}
		}()
	}
	wg.Wait()
	close(outcomes)

	unlocks := 0
	for o := range outcomes {
		require.NoError(t, o.err)
		unlocks += o.awarded
	}
	require.Equal(t, 1, unlocks)

	earned, err := f.svc.ListEarned(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, earned, 1)

	// The bonus paid exactly once: 10 for the ticket plus 10 for the badge.
	account, err := f.ledger.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(20), account.TotalPoints)
}

func TestEvaluateDistinctVenues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Ten check-ins across three distinct venues: "regular" fires (10
	// tickets) but "explorer" (5 distinct venues) does not.
	useTickets(t, f, "user-1", 10, "venue")

	awarded, err := f.svc.Evaluate(ctx, "user-1")
	require.NoError(t, err)

	slugs := make(map[string]bool)
	for _, ub := range awarded {
		slugs[ub.BadgeSlug] = true
	}
	require.True(t, slugs["regular"])
	require.True(t, slugs["first_night"])
	require.False(t, slugs["explorer"])
}

func TestEvaluateCompositeExpression(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	useTickets(t, f, "user-1", 50, "venue")

	// 50 tickets alone is not enough for night_legend.
	awarded, err := f.svc.Evaluate(ctx, "user-1")
	require.NoError(t, err)
	for _, ub := range awarded {
		require.NotEqual(t, "night_legend", ub.BadgeSlug)
	}

	// Build the 7-day streak half of the predicate.
	start := streak.Day(mustParse(t, "2026-09-01"))
	for i := 0; i < 7; i++ {
		_, err := f.streak.CheckIn(ctx, "user-1", start.AddDate(0, 0, i))
		require.NoError(t, err)
	}

	awarded, err = f.svc.Evaluate(ctx, "user-1")
	require.NoError(t, err)

	slugs := make(map[string]bool)
	for _, ub := range awarded {
		slugs[ub.BadgeSlug] = true
	}
	require.True(t, slugs["night_legend"])
	require.True(t, slugs["week_streak"])
}

func TestEvaluateReferralBadge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code, err := f.referral.IssueCode(ctx, "user-1")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		result, err := f.referral.Redeem(ctx, code.Code, fmt.Sprintf("friend-%d", i))
		require.NoError(t, err)
		require.True(t, result.Success)
	}

	awarded, err := f.svc.Evaluate(ctx, "user-1")
	require.NoError(t, err)

	slugs := make(map[string]bool)
	for _, ub := range awarded {
		slugs[ub.BadgeSlug] = true
	}
	require.True(t, slugs["ambassador"])
}

func TestGetProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	useTickets(t, f, "user-1", 4, "venue")

	_, err := f.svc.Evaluate(ctx, "user-1")
	require.NoError(t, err)

	progress, err := f.svc.GetProgress(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, progress, len(DefaultCatalog()))

	byName := make(map[string]Progress)
	for _, p := range progress {
		byName[p.Badge.Slug] = p
	}

	first := byName["first_night"]
	require.True(t, first.Earned)
	require.NotNil(t, first.AwardedAt)

	regular := byName["regular"]
	require.False(t, regular.Earned)
	require.Equal(t, int64(4), regular.Current)
	require.Equal(t, int64(10), regular.Target)

	// Earned badges sort ahead of unearned ones.
	require.True(t, progress[0].Earned)
}

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := time.Parse("2006-01-02", s)
	require.NoError(t, err)
	return parsed
}
