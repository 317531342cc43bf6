package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"nightowl-rewards/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &Transaction{}, &Account{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParams{DB: db, Node: node})
}

func TestAwardCreatesAccount(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	result, err := svc.Award(ctx, AwardParams{
		UserID:   "user-1",
		ActionID: "venue_saved",
		Points:   5,
		DedupKey: EventKey("user-1", "venue_saved", "evt-1"),
	})
	require.NoError(t, err)
	require.True(t, result.Applied)
	require.NotNil(t, result.Transaction)
	require.Equal(t, int64(5), result.Account.TotalPoints)
	require.Equal(t, 1, result.Account.Level)
}

func TestAwardIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	seed := AwardParams{
		UserID:   "user-1",
		ActionID: "venue_saved",
		Points:   65,
		DedupKey: EventKey("user-1", "venue_saved", "seed"),
	}
	_, err := svc.Award(ctx, seed)
	require.NoError(t, err)

	p := AwardParams{
		UserID:   "user-1",
		ActionID: "story_created",
		Points:   10,
		DedupKey: EventKey("user-1", "story_created", "evt-42"),
	}

	first, err := svc.Award(ctx, p)
	require.NoError(t, err)
	require.True(t, first.Applied)
	require.Equal(t, int64(75), first.Account.TotalPoints)

	replay, err := svc.Award(ctx, p)
	require.NoError(t, err)
	require.False(t, replay.Applied)
	require.Nil(t, replay.Transaction)
	require.Equal(t, int64(75), replay.Account.TotalPoints)

	count, err := svc.CountByAction(ctx, "user-1", "story_created")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestAwardOnceKey(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	p := AwardParams{
		UserID:   "user-1",
		ActionID: "profile_completed",
		Points:   25,
		DedupKey: OnceKey("user-1", "profile_completed"),
	}

	first, err := svc.Award(ctx, p)
	require.NoError(t, err)
	require.True(t, first.Applied)

	second, err := svc.Award(ctx, p)
	require.NoError(t, err)
	require.False(t, second.Applied)
	require.Equal(t, int64(25), second.Account.TotalPoints)
}

func TestAwardLevelUp(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	result, err := svc.Award(ctx, AwardParams{
		UserID:   "user-1",
		ActionID: "referral_redeemed",
		Points:   250,
		DedupKey: OnceKey("user-1", "referral_redeemed"),
	})
	require.NoError(t, err)
	require.Equal(t, 2, result.Account.Level)

	account, err := svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 2, account.Level)
	require.Equal(t, int64(250), account.TotalPoints)
}

func TestAwardValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Award(ctx, AwardParams{ActionID: "a", Points: 1, DedupKey: "k"})
	require.Error(t, err)

	_, err = svc.Award(ctx, AwardParams{UserID: "u", Points: 1, DedupKey: "k"})
	require.Error(t, err)

	_, err = svc.Award(ctx, AwardParams{UserID: "u", ActionID: "a", Points: 0, DedupKey: "k"})
	require.Error(t, err)

	_, err = svc.Award(ctx, AwardParams{UserID: "u", ActionID: "a", Points: 1})
	require.Error(t, err)
}

func TestAwardConcurrentDistinctEvents(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Award(ctx, AwardParams{
				UserID:   "user-1",
				ActionID: "venue_saved",
				Points:   5,
				DedupKey: EventKey("user-1", "venue_saved", fmt.Sprintf("evt-%d", i)),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	account, err := svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(workers*5), account.TotalPoints)
	require.Equal(t, LevelFor(account.TotalPoints), account.Level)
}

func TestAwardConcurrentSameKey(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	type outcome struct {
		applied bool
		err     error
	}
	outcomes := make(chan outcome, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := svc.Award(ctx, AwardParams{
				UserID:   "user-1",
				ActionID: "first_story",
				Points:   20,
				DedupKey: OnceKey("user-1", "first_story"),
			})
			if err != nil {
				outcomes <- outcome{err: err}
				return
			}
			outcomes <- outcome{applied: result.Applied}
		}()
	}
	wg.Wait()
	close(outcomes)

	wins := 0
	for o := range outcomes {
		require.NoError(t, o.err)
		if o.applied {
			wins++
		}
	}
	require.Equal(t, 1, wins)

	account, err := svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(20), account.TotalPoints)
}

func TestGetAccountUnknownUser(t *testing.T) {
	svc := newTestService(t)

	account, err := svc.GetAccount(context.Background(), "nobody")
	require.NoError(t, err)
	require.Equal(t, int64(0), account.TotalPoints)
	require.Equal(t, 1, account.Level)
}

func TestListTransactions(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Award(ctx, AwardParams{
			UserID:   "user-1",
			ActionID: "venue_saved",
			Points:   5,
			DedupKey: EventKey("user-1", "venue_saved", fmt.Sprintf("evt-%d", i)),
		})
		require.NoError(t, err)
	}

	txns, err := svc.ListTransactions(ctx, "user-1", 2)
	require.NoError(t, err)
	require.Len(t, txns, 2)
}

func TestDistinctMetadataValues(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	venues := []string{"venue-a", "venue-b", "venue-a"}
	for i, venue := range venues {
		_, err := svc.Award(ctx, AwardParams{
			UserID:   "user-1",
			ActionID: "ticket_used",
			Points:   10,
			DedupKey: EventKey("user-1", "ticket_used", fmt.Sprintf("evt-%d", i)),
			Metadata: map[string]any{"venue_id": venue},
		})
		require.NoError(t, err)
	}

	distinct, err := svc.DistinctMetadataValues(ctx, "user-1", "ticket_used", "venue_id")
	require.NoError(t, err)
	require.Equal(t, int64(2), distinct)
}

func TestDistinctMetadataValuesAcrossBatches(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// Enough rows to force more than one scan batch.
	n := distinctScanBatch + 50
	rows := make([]Transaction, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, Transaction{
			ID:       fmt.Sprintf("txn-%d", i),
			UserID:   "user-1",
			ActionID: "ticket_used",
			Points:   10,
			DedupKey: EventKey("user-1", "ticket_used", fmt.Sprintf("evt-%d", i)),
			Metadata: datatypes.JSON(fmt.Sprintf(`{"venue_id":"venue-%d"}`, i%7)),
		})
	}
	require.NoError(t, svc.db.CreateInBatches(rows, 200).Error)

	distinct, err := svc.DistinctMetadataValues(ctx, "user-1", "ticket_used", "venue_id")
	require.NoError(t, err)
	require.Equal(t, int64(7), distinct)
}

func TestReconcile(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Award(ctx, AwardParams{
		UserID:   "user-1",
		ActionID: "venue_saved",
		Points:   5,
		DedupKey: EventKey("user-1", "venue_saved", "evt-1"),
	})
	require.NoError(t, err)

	// Simulate drift.
	require.NoError(t, svc.db.Model(&Account{}).
		Where("user_id = ?", "user-1").
		Update("total_points", 999).Error)

	account, err := svc.Reconcile(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(5), account.TotalPoints)
	require.Equal(t, 1, account.Level)
}
