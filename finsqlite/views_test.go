package finsqlite

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mobiletoly/go-finsync/finsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchCategoryBudget_RecomputesOnEveryChange(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, newFakeRemote())

	view, err := c.WatchCategoryBudget(ctx, "2025-06", "food")
	require.NoError(t, err)
	defer view.Close()
	assert.True(t, view.Current().Budget.IsZero())

	var updates []CategoryBudget
	view.Subscribe(func(cb CategoryBudget) { updates = append(updates, cb) })

	_, err = c.SetBudget(ctx, "2025-06", "food", dec("500"))
	require.NoError(t, err)
	assert.True(t, view.Current().Remaining.Equal(dec("500")))

	_, err = c.AddExpense(ctx, expense("", "650", "food", "2025-06-03"))
	require.NoError(t, err)
	cur := view.Current()
	assert.True(t, cur.Spent.Equal(dec("650")))
	assert.True(t, cur.Remaining.Equal(dec("-150")))
	assert.True(t, cur.IsOverBudget)

	// Changes to unrelated types do not recompute
	before := len(updates)
	_, err = c.AddBucket(ctx, finsync.SavingsBucket{Name: "Trip"})
	require.NoError(t, err)
	assert.Len(t, updates, before)
	assert.GreaterOrEqual(t, before, 2)
	require.NoError(t, view.Err())
}

func TestWatchBucketStats_IncludesPendingEntries(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, newFakeRemote())

	bucket, err := c.AddBucket(ctx, finsync.SavingsBucket{Name: "House", GoalAmount: decPtr("1000")})
	require.NoError(t, err)

	view, err := c.WatchBucketStats(ctx, bucket.ID)
	require.NoError(t, err)
	defer view.Close()
	assert.Zero(t, view.Current().GoalProgress)

	_, err = c.AddEntry(ctx, finsync.SavingsEntry{BucketID: bucket.ID, Amount: dec("250"), EntryType: finsync.EntryDeposit, Date: "2025-06-01"})
	require.NoError(t, err)
	assert.True(t, view.Current().TotalBalance.Equal(dec("250")))
	assert.Equal(t, 25, view.Current().GoalProgress)
	assert.Equal(t, 1, view.Current().EntryCount)

	// Deleting the bucket leaves the last good value and records the error
	require.NoError(t, c.DeleteBucket(ctx, bucket.ID))
	require.ErrorIs(t, view.Err(), finsync.ErrNotFound)
	assert.Equal(t, 1, view.Current().EntryCount)
}

func TestWatchExpenses_CloseStopsUpdates(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, newFakeRemote())

	view, err := c.WatchExpenses(ctx, ExpenseFilter{Category: "food"})
	require.NoError(t, err)
	assert.Empty(t, view.Current())

	calls := 0
	cancel := view.Subscribe(func([]finsync.Expense) { calls++ })

	_, err = c.AddExpense(ctx, expense("", "1", "food", "2025-06-01"))
	require.NoError(t, err)
	_, err = c.AddExpense(ctx, expense("", "1", "rent", "2025-06-01"))
	require.NoError(t, err)
	assert.Len(t, view.Current(), 1)
	assert.Equal(t, 2, calls)

	cancel()
	_, err = c.AddExpense(ctx, expense("", "1", "food", "2025-06-02"))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, view.Current(), 2)

	view.Close()
	_, err = c.AddExpense(ctx, expense("", "1", "food", "2025-06-03"))
	require.NoError(t, err)
	assert.Len(t, view.Current(), 2)
}

func TestWatchBudgetsAndBuckets(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, newFakeRemote())

	budgets, err := c.WatchBudgets(ctx)
	require.NoError(t, err)
	defer budgets.Close()
	buckets, err := c.WatchBuckets(ctx)
	require.NoError(t, err)
	defer buckets.Close()

	_, err = c.SetBudget(ctx, "2025-06", "", dec("2000"))
	require.NoError(t, err)
	_, err = c.AddBucket(ctx, finsync.SavingsBucket{Name: "Car"})
	require.NoError(t, err)

	require.Len(t, budgets.Current(), 1)
	assert.Equal(t, finsync.SyncStatusPending, budgets.Current()[0].SyncStatus)
	require.Len(t, buckets.Current(), 1)
	assert.Equal(t, "Car", buckets.Current()[0].Name)

	_, err = c.WatchCategoryBudget(ctx, "June", "food")
	require.True(t, finsync.IsValidation(err))
}

func TestLiveView_SlowRecomputeDoesNotOverwriteNewer(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	v := &LiveView[int]{
		subs: make(map[int]func(int)),
		compute: func(ctx context.Context) (int, error) {
			if calls.Add(1) == 1 {
				close(entered)
				<-release
				return 1, nil
			}
			return 2, nil
		},
	}
	var (
		mu   sync.Mutex
		seen []int
	)
	v.Subscribe(func(n int) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, n)
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		v.refresh(context.Background())
	}()
	<-entered
	v.refresh(context.Background())
	close(release)
	wg.Wait()

	assert.Equal(t, 2, v.Current())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{2}, seen)
}
