package finsqlite

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mobiletoly/go-finsync/finsync"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testOwner = "owner-1"

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

// remoteCall is one call observed by fakeRemote
type remoteCall struct {
	Method string
	ID     string
	OpID   string
	Amount string
}

// fakeRemote is a scripted in-memory Remote. Scripted errors are returned, in order, before
// the call is applied.
type fakeRemote struct {
	mu       sync.Mutex
	expenses map[string]finsync.Expense
	budgets  map[string]finsync.Budget
	buckets  map[string]finsync.SavingsBucket
	entries  map[string]finsync.SavingsEntry

	calls       []remoteCall
	failures    map[string][]error // "Method:id" -> errors
	pingErr     error
	snapshotErr error
	onCall      func(method, id string)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		expenses: map[string]finsync.Expense{},
		budgets:  map[string]finsync.Budget{},
		buckets:  map[string]finsync.SavingsBucket{},
		entries:  map[string]finsync.SavingsEntry{},
		failures: map[string][]error{},
	}
}

func (f *fakeRemote) failNext(method, id string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := method + ":" + id
	f.failures[key] = append(f.failures[key], errs...)
}

func (f *fakeRemote) callLog() []remoteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remoteCall(nil), f.calls...)
}

// enter records the call and returns a scripted error, if any. Called with f.mu held.
func (f *fakeRemote) enter(ctx context.Context, method, id string, amount decimal.Decimal) error {
	opID, _ := OperationID(ctx)
	f.calls = append(f.calls, remoteCall{Method: method, ID: id, OpID: opID, Amount: amount.String()})
	if f.onCall != nil {
		hook := f.onCall
		f.mu.Unlock()
		hook(method, id)
		f.mu.Lock()
	}
	key := method + ":" + id
	if errs := f.failures[key]; len(errs) > 0 {
		f.failures[key] = errs[1:]
		return errs[0]
	}
	return nil
}

func notFound(format string, args ...any) error {
	return finsync.NewRemoteError(finsync.ErrKindNotFound, format, args...)
}

func (f *fakeRemote) CreateExpense(ctx context.Context, e *finsync.Expense) (*finsync.Expense, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "CreateExpense", e.ID, e.Amount); err != nil {
		return nil, err
	}
	out := *e
	out.SyncStatus = ""
	f.expenses[out.ID] = out
	return &out, nil
}

func (f *fakeRemote) UpdateExpense(ctx context.Context, e *finsync.Expense) (*finsync.Expense, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "UpdateExpense", e.ID, e.Amount); err != nil {
		return nil, err
	}
	if _, ok := f.expenses[e.ID]; !ok {
		return nil, notFound("expense %s", e.ID)
	}
	out := *e
	out.SyncStatus = ""
	f.expenses[out.ID] = out
	return &out, nil
}

func (f *fakeRemote) DeleteExpense(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "DeleteExpense", id, decimal.Zero); err != nil {
		return err
	}
	if _, ok := f.expenses[id]; !ok {
		return notFound("expense %s", id)
	}
	delete(f.expenses, id)
	return nil
}

func (f *fakeRemote) upsertBudget(ctx context.Context, method string, b *finsync.Budget) (*finsync.Budget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, method, b.ID, b.Amount); err != nil {
		return nil, err
	}
	out := *b
	out.SyncStatus = ""
	for id, existing := range f.budgets {
		if existing.OwnerID == b.OwnerID && existing.Month == b.Month && existing.Category == b.Category {
			out.ID = id
		}
	}
	f.budgets[out.ID] = out
	return &out, nil
}

func (f *fakeRemote) CreateBudget(ctx context.Context, b *finsync.Budget) (*finsync.Budget, error) {
	return f.upsertBudget(ctx, "CreateBudget", b)
}

func (f *fakeRemote) UpdateBudget(ctx context.Context, b *finsync.Budget) (*finsync.Budget, error) {
	return f.upsertBudget(ctx, "UpdateBudget", b)
}

func (f *fakeRemote) CreateBucket(ctx context.Context, b *finsync.SavingsBucket) (*finsync.SavingsBucket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "CreateBucket", b.ID, decimal.Zero); err != nil {
		return nil, err
	}
	out := *b
	out.SyncStatus = ""
	f.buckets[out.ID] = out
	return &out, nil
}

func (f *fakeRemote) UpdateBucket(ctx context.Context, b *finsync.SavingsBucket) (*finsync.SavingsBucket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "UpdateBucket", b.ID, decimal.Zero); err != nil {
		return nil, err
	}
	if _, ok := f.buckets[b.ID]; !ok {
		return nil, notFound("bucket %s", b.ID)
	}
	out := *b
	out.SyncStatus = ""
	f.buckets[out.ID] = out
	return &out, nil
}

func (f *fakeRemote) DeleteBucket(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "DeleteBucket", id, decimal.Zero); err != nil {
		return err
	}
	if _, ok := f.buckets[id]; !ok {
		return notFound("bucket %s", id)
	}
	delete(f.buckets, id)
	for eid, e := range f.entries {
		if e.BucketID == id {
			delete(f.entries, eid)
		}
	}
	return nil
}

func (f *fakeRemote) CreateEntry(ctx context.Context, e *finsync.SavingsEntry) (*finsync.SavingsEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "CreateEntry", e.ID, e.Amount); err != nil {
		return nil, err
	}
	if _, ok := f.buckets[e.BucketID]; !ok {
		return nil, notFound("bucket %s", e.BucketID)
	}
	out := *e
	out.SyncStatus = ""
	f.entries[out.ID] = out
	return &out, nil
}

func (f *fakeRemote) UpdateEntry(ctx context.Context, e *finsync.SavingsEntry) (*finsync.SavingsEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "UpdateEntry", e.ID, e.Amount); err != nil {
		return nil, err
	}
	if _, ok := f.entries[e.ID]; !ok {
		return nil, notFound("entry %s", e.ID)
	}
	out := *e
	out.SyncStatus = ""
	f.entries[out.ID] = out
	return &out, nil
}

func (f *fakeRemote) DeleteEntry(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "DeleteEntry", id, decimal.Zero); err != nil {
		return err
	}
	if _, ok := f.entries[id]; !ok {
		return notFound("entry %s", id)
	}
	delete(f.entries, id)
	return nil
}

func (f *fakeRemote) FetchSnapshot(ctx context.Context, ownerID string) (*finsync.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "FetchSnapshot", ownerID, decimal.Zero); err != nil {
		return nil, err
	}
	if f.snapshotErr != nil {
		return nil, f.snapshotErr
	}
	snap := &finsync.Snapshot{}
	for _, e := range f.expenses {
		snap.Expenses = append(snap.Expenses, e)
	}
	for _, b := range f.budgets {
		snap.Budgets = append(snap.Budgets, b)
	}
	for _, b := range f.buckets {
		snap.Buckets = append(snap.Buckets, b)
	}
	for _, e := range f.entries {
		snap.Entries = append(snap.Entries, e)
	}
	sort.Slice(snap.Expenses, func(i, j int) bool { return snap.Expenses[i].ID < snap.Expenses[j].ID })
	sort.Slice(snap.Budgets, func(i, j int) bool { return snap.Budgets[i].ID < snap.Budgets[j].ID })
	sort.Slice(snap.Buckets, func(i, j int) bool { return snap.Buckets[i].ID < snap.Buckets[j].ID })
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].ID < snap.Entries[j].ID })
	return snap, nil
}

func (f *fakeRemote) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 2 * time.Second
	cfg.ReplayAttempts = 1
	cfg.BackoffMin = 0
	cfg.BackoffMax = 0
	cfg.ProbeInterval = 0
	cfg.RefreshInterval = 0
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Now = func() time.Time { return testNow }
	return cfg
}

// newTestClient opens an in-memory client for testOwner
func newTestClient(t *testing.T, remote Remote) *Client {
	t.Helper()
	return newTestClientWithConfig(t, remote, testConfig())
}

func newTestClientWithConfig(t *testing.T, remote Remote, cfg *Config) *Client {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	client, err := NewClient(db, testOwner, remote, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return client
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func floatPtr(f float64) *float64 { return &f }

func expense(id, amount, category, date string) finsync.Expense {
	return finsync.Expense{
		ID:        id,
		OwnerID:   testOwner,
		Amount:    dec(amount),
		Category:  category,
		Date:      date,
		Kind:      finsync.KindExpense,
		CreatedAt: testNow,
	}
}

// seedSynced stores rec locally as synced and on the remote, as after an earlier sync
func seedSynced(t *testing.T, c *Client, f *fakeRemote, rec finsync.Record) {
	t.Helper()
	require.NoError(t, c.UpsertLocal(context.Background(), rec, finsync.SyncStatusSynced))
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r := rec.(type) {
	case *finsync.Expense:
		f.expenses[r.ID] = *r
	case *finsync.Budget:
		f.budgets[r.ID] = *r
	case *finsync.SavingsBucket:
		f.buckets[r.ID] = *r
	case *finsync.SavingsEntry:
		f.entries[r.ID] = *r
	}
}

func queueKinds(t *testing.T, c *Client) []string {
	t.Helper()
	ops, err := c.ListPending(context.Background())
	require.NoError(t, err)
	out := make([]string, 0, len(ops))
	for _, op := range ops {
		out = append(out, string(op.Kind)+":"+string(op.EntityType)+":"+op.EntityID)
	}
	return out
}
