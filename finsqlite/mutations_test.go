package finsqlite

import (
	"context"
	"testing"
	"time"

	"github.com/mobiletoly/go-finsync/finsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddExpense_ReadYourWriteWhileOffline(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.pingErr = finsync.NewRemoteError(finsync.ErrKindNetwork, "unreachable")
	c := newTestClient(t, remote)
	require.False(t, c.IsOnline())

	added, err := c.AddExpense(ctx, finsync.Expense{Amount: dec("18.20"), Category: "food", Date: "2025-06-10", Notes: "groceries"})
	require.NoError(t, err)
	assert.NotEmpty(t, added.ID)
	assert.Equal(t, testOwner, added.OwnerID)
	assert.Equal(t, finsync.KindExpense, added.Kind)
	assert.Equal(t, finsync.SyncStatusPending, added.SyncStatus)
	assert.True(t, added.CreatedAt.Equal(testNow))

	found, err := c.QueryLocal(ctx, finsync.EntityExpense, func(r finsync.Record) bool {
		return r.RecordID() == added.ID
	})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, finsync.SyncStatusPending, found[0].Status())

	assert.Equal(t, []string{"create:expense:" + added.ID}, queueKinds(t, c))
	assert.Empty(t, remote.callLog())
}

func TestMutations_ValidationIsSynchronousAndNeverQueued(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, newFakeRemote())

	_, err := c.AddExpense(ctx, finsync.Expense{Category: "food", Date: "2025-06-10"})
	require.True(t, finsync.IsValidation(err), "missing amount: %v", err)
	_, err = c.AddExpense(ctx, finsync.Expense{Amount: dec("1"), Category: "food", Date: "10/06/2025"})
	require.True(t, finsync.IsValidation(err), "bad date: %v", err)
	_, err = c.SetBudget(ctx, "June", "", dec("1"))
	require.True(t, finsync.IsValidation(err), "bad month: %v", err)
	_, err = c.AddBucket(ctx, finsync.SavingsBucket{Name: " "})
	require.True(t, finsync.IsValidation(err), "blank name: %v", err)
	_, err = c.AddEntry(ctx, finsync.SavingsEntry{BucketID: "missing", Amount: dec("1"), EntryType: finsync.EntryDeposit, Date: "2025-06-10"})
	require.True(t, finsync.IsValidation(err), "unknown bucket: %v", err)

	_, err = c.AddExpense(ctx, finsync.Expense{OwnerID: "intruder", Amount: dec("1"), Category: "food", Date: "2025-06-10"})
	require.ErrorIs(t, err, finsync.ErrOwnerMismatch)

	_, err = c.UpdateExpense(ctx, expense("nope", "1", "food", "2025-06-10"))
	require.ErrorIs(t, err, finsync.ErrNotFound)

	n, err := c.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpdateExpense_KeepsCreatedAtAndQueuesUpdate(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, newFakeRemote())

	added, err := c.AddExpense(ctx, expense("", "10", "food", "2025-06-10"))
	require.NoError(t, err)

	upd := *added
	upd.Amount = dec("11")
	upd.CreatedAt = time.Time{}
	upd.Kind = ""
	got, err := c.UpdateExpense(ctx, upd)
	require.NoError(t, err)
	assert.Equal(t, finsync.KindExpense, got.Kind)

	stored, err := c.Expense(ctx, added.ID)
	require.NoError(t, err)
	assert.True(t, stored.Amount.Equal(dec("11")))
	assert.True(t, stored.CreatedAt.Equal(testNow))
	assert.Equal(t, []string{"create:expense:" + added.ID, "update:expense:" + added.ID}, queueKinds(t, c))
}

func TestDeleteExpense_AbsentIsNoop(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, newFakeRemote())

	require.NoError(t, c.DeleteExpense(ctx, "missing"))
	require.NoError(t, c.DeleteEntry(ctx, "missing"))
	require.NoError(t, c.DeleteBucket(ctx, "missing"))
	assert.Empty(t, queueKinds(t, c))
}

func TestSetBudget_ReusesIDForSameKey(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, newFakeRemote())

	first, err := c.SetBudget(ctx, "2025-06", "food", dec("400"))
	require.NoError(t, err)
	second, err := c.SetBudget(ctx, "2025-06", "food", dec("500"))
	require.NoError(t, err)
	monthWide, err := c.SetBudget(ctx, "2025-06", "", dec("2000"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.NotEqual(t, first.ID, monthWide.ID)

	budgets, err := c.Budgets(ctx)
	require.NoError(t, err)
	require.Len(t, budgets, 2)

	food, err := c.BudgetFor(ctx, "2025-06", "food")
	require.NoError(t, err)
	assert.True(t, food.Amount.Equal(dec("500")))

	assert.Equal(t, []string{
		"create:budget:" + first.ID, "update:budget:" + first.ID, "create:budget:" + monthWide.ID,
	}, queueKinds(t, c))
}

func TestDeleteBucket_QueuesEntriesFirst(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, newFakeRemote())

	bucket, err := c.AddBucket(ctx, finsync.SavingsBucket{Name: "Trip"})
	require.NoError(t, err)
	e1, err := c.AddEntry(ctx, finsync.SavingsEntry{BucketID: bucket.ID, Amount: dec("50"), EntryType: finsync.EntryDeposit, Date: "2025-06-01"})
	require.NoError(t, err)
	e2, err := c.AddEntry(ctx, finsync.SavingsEntry{BucketID: bucket.ID, Amount: dec("20"), EntryType: finsync.EntryDeposit, Date: "2025-06-02"})
	require.NoError(t, err)

	require.NoError(t, c.DeleteBucket(ctx, bucket.ID))

	kinds := queueKinds(t, c)
	require.Len(t, kinds, 6)
	assert.Equal(t, []string{
		"delete:entry:" + e1.Entry.ID,
		"delete:entry:" + e2.Entry.ID,
		"delete:bucket:" + bucket.ID,
	}, kinds[3:])

	entries, err := c.Entries(ctx, bucket.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, err = c.Bucket(ctx, bucket.ID)
	require.ErrorIs(t, err, finsync.ErrNotFound)
}

func TestAddEntry_OverdraftIsFlaggedNotRejected(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, newFakeRemote())

	bucket, err := c.AddBucket(ctx, finsync.SavingsBucket{Name: "Emergency"})
	require.NoError(t, err)

	dep, err := c.AddEntry(ctx, finsync.SavingsEntry{BucketID: bucket.ID, Amount: dec("100"), EntryType: finsync.EntryDeposit, Date: "2025-06-01"})
	require.NoError(t, err)
	assert.False(t, dep.Overdraft)

	wd, err := c.AddEntry(ctx, finsync.SavingsEntry{BucketID: bucket.ID, Amount: dec("150"), EntryType: finsync.EntryWithdrawal, Date: "2025-06-02"})
	require.NoError(t, err)
	assert.True(t, wd.Overdraft)

	// Shrinking the withdrawal clears the flag
	fixed := *wd.Entry
	fixed.Amount = dec("60")
	res, err := c.UpdateEntry(ctx, fixed)
	require.NoError(t, err)
	assert.False(t, res.Overdraft)

	stats, err := c.BucketStats(ctx, bucket.ID)
	require.NoError(t, err)
	assert.True(t, stats.TotalContributed.Equal(dec("40")), stats.TotalContributed.String())
}

func TestDiscardAndRetryFailed(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c := newTestClient(t, remote)

	bad, err := c.AddExpense(ctx, expense("", "5", "food", "2025-06-01"))
	require.NoError(t, err)
	keep, err := c.AddExpense(ctx, expense("", "6", "food", "2025-06-02"))
	require.NoError(t, err)

	// Only records in error can be resolved
	err = c.RetryFailed(ctx, finsync.EntityExpense, bad.ID)
	require.True(t, finsync.IsValidation(err), "got %v", err)

	remote.failNext("CreateExpense", bad.ID, finsync.NewRemoteError(finsync.ErrKindValidation, "rejected"))
	remote.failNext("CreateExpense", keep.ID, finsync.NewRemoteError(finsync.ErrKindUnauthorized, "rejected"))
	c.SetOnline(true)
	_, err = c.SyncNow(ctx)
	require.ErrorIs(t, err, ErrSyncFailed)

	for _, id := range []string{bad.ID, keep.ID} {
		got, err := c.Expense(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, finsync.SyncStatusError, got.SyncStatus)
	}

	require.NoError(t, c.DiscardFailed(ctx, finsync.EntityExpense, bad.ID))
	_, err = c.Expense(ctx, bad.ID)
	require.ErrorIs(t, err, finsync.ErrNotFound)

	require.NoError(t, c.RetryFailed(ctx, finsync.EntityExpense, keep.ID))
	got, err := c.Expense(ctx, keep.ID)
	require.NoError(t, err)
	assert.Equal(t, finsync.SyncStatusPending, got.SyncStatus)
	assert.Equal(t, []string{"create:expense:" + keep.ID}, queueKinds(t, c))

	res, err := c.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	got, err = c.Expense(ctx, keep.ID)
	require.NoError(t, err)
	assert.Equal(t, finsync.SyncStatusSynced, got.SyncStatus)
}
