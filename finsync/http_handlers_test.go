package finsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryBackend is an in-memory FinanceBackend
type memoryBackend struct {
	mu       sync.Mutex
	expenses map[string]Expense
	budgets  map[string]Budget
	buckets  map[string]SavingsBucket
	entries  map[string]SavingsEntry
	calls    int
	pingErr  error
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{
		expenses: map[string]Expense{},
		budgets:  map[string]Budget{},
		buckets:  map[string]SavingsBucket{},
		entries:  map[string]SavingsEntry{},
	}
}

func (m *memoryBackend) CreateExpense(_ context.Context, ownerID string, e *Expense) (*Expense, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	out := *e
	out.OwnerID = ownerID
	if err := out.Validate(); err != nil {
		return nil, err
	}
	if prev, ok := m.expenses[out.ID]; ok && prev.OwnerID != ownerID {
		return nil, ErrOwnerMismatch
	}
	out.SyncStatus = SyncStatusSynced
	m.expenses[out.ID] = out
	return &out, nil
}

func (m *memoryBackend) UpdateExpense(_ context.Context, ownerID string, e *Expense) (*Expense, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	prev, ok := m.expenses[e.ID]
	if !ok || prev.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: expense %s", ErrNotFound, e.ID)
	}
	out := *e
	out.OwnerID = ownerID
	if err := out.Validate(); err != nil {
		return nil, err
	}
	out.SyncStatus = SyncStatusSynced
	m.expenses[out.ID] = out
	return &out, nil
}

func (m *memoryBackend) DeleteExpense(_ context.Context, ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	prev, ok := m.expenses[id]
	if !ok || prev.OwnerID != ownerID {
		return fmt.Errorf("%w: expense %s", ErrNotFound, id)
	}
	delete(m.expenses, id)
	return nil
}

func (m *memoryBackend) UpsertBudget(_ context.Context, ownerID string, b *Budget) (*Budget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	out := *b
	out.OwnerID = ownerID
	for _, existing := range m.budgets {
		if existing.OwnerID == ownerID && existing.Month == out.Month && existing.Category == out.Category {
			out.ID = existing.ID
		}
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	out.SyncStatus = SyncStatusSynced
	m.budgets[out.ID] = out
	return &out, nil
}

func (m *memoryBackend) CreateBucket(_ context.Context, ownerID string, b *SavingsBucket) (*SavingsBucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	out := *b
	out.OwnerID = ownerID
	if err := out.Validate(); err != nil {
		return nil, err
	}
	out.SyncStatus = SyncStatusSynced
	m.buckets[out.ID] = out
	return &out, nil
}

func (m *memoryBackend) UpdateBucket(ctx context.Context, ownerID string, b *SavingsBucket) (*SavingsBucket, error) {
	m.mu.Lock()
	_, ok := m.buckets[b.ID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: bucket %s", ErrNotFound, b.ID)
	}
	return m.CreateBucket(ctx, ownerID, b)
}

func (m *memoryBackend) DeleteBucket(_ context.Context, ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if _, ok := m.buckets[id]; !ok {
		return fmt.Errorf("%w: bucket %s", ErrNotFound, id)
	}
	delete(m.buckets, id)
	return nil
}

func (m *memoryBackend) CreateEntry(_ context.Context, ownerID string, e *SavingsEntry) (*SavingsEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if _, ok := m.buckets[e.BucketID]; !ok {
		return nil, fmt.Errorf("%w: bucket %s", ErrNotFound, e.BucketID)
	}
	out := *e
	out.OwnerID = ownerID
	if err := out.Validate(); err != nil {
		return nil, err
	}
	out.SyncStatus = SyncStatusSynced
	m.entries[out.ID] = out
	return &out, nil
}

func (m *memoryBackend) UpdateEntry(ctx context.Context, ownerID string, e *SavingsEntry) (*SavingsEntry, error) {
	return m.CreateEntry(ctx, ownerID, e)
}

func (m *memoryBackend) DeleteEntry(_ context.Context, ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if _, ok := m.entries[id]; !ok {
		return fmt.Errorf("%w: entry %s", ErrNotFound, id)
	}
	delete(m.entries, id)
	return nil
}

func (m *memoryBackend) FetchSnapshot(_ context.Context, ownerID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := &Snapshot{Expenses: []Expense{}, Budgets: []Budget{}, Buckets: []SavingsBucket{}, Entries: []SavingsEntry{}}
	for _, e := range m.expenses {
		if e.OwnerID == ownerID {
			snap.Expenses = append(snap.Expenses, e)
		}
	}
	for _, b := range m.budgets {
		if b.OwnerID == ownerID {
			snap.Budgets = append(snap.Budgets, b)
		}
	}
	return snap, nil
}

func (m *memoryBackend) Ping(context.Context) error { return m.pingErr }

var decimalComparer = cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) })

type staticOwner string

func (s staticOwner) GetOwnerID(*http.Request) (string, error) { return string(s), nil }

func newHandlersServer(t *testing.T, backend FinanceBackend, idem *IdempotencyStore) *httptest.Server {
	t.Helper()
	h := NewHTTPHandlers(backend, staticOwner("owner-1"), idem, slog.New(slog.NewTextHandler(io.Discard, nil)))
	mux := http.NewServeMux()
	h.RegisterRoutes(mux, nil)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) ErrorResponse {
	t.Helper()
	var er ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&er))
	return er
}

func TestHandlers_ExpenseLifecycle(t *testing.T) {
	backend := newMemoryBackend()
	srv := newHandlersServer(t, backend, nil)

	exp := Expense{ID: "e1", Amount: decimal.RequireFromString("9.99"), Category: "food", Date: "2025-03-01", Kind: KindExpense}
	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/expenses", exp, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created Expense
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "owner-1", created.OwnerID)
	assert.True(t, created.Amount.Equal(exp.Amount))

	exp.Amount = decimal.NewFromInt(20)
	resp = doJSON(t, http.MethodPut, srv.URL+"/v1/expenses/e1", exp, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/v1/expenses/e1", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/v1/expenses/e1", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, string(ErrKindNotFound), decodeError(t, resp).Error)
}

func TestHandlers_ValidationAndPathMismatch(t *testing.T) {
	srv := newHandlersServer(t, newMemoryBackend(), nil)

	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/expenses", Expense{ID: "e1", Category: "food", Date: "2025-03-01", Kind: KindExpense}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(ErrKindValidation), decodeError(t, resp).Error)

	resp = doJSON(t, http.MethodPut, srv.URL+"/v1/expenses/other", Expense{ID: "e1"}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/v1/entries",
		SavingsEntry{ID: "x1", BucketID: "missing", Amount: decimal.NewFromInt(1), EntryType: EntryDeposit, Date: "2025-01-01"}, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandlers_BudgetUpsertReturnsExistingID(t *testing.T) {
	srv := newHandlersServer(t, newMemoryBackend(), nil)

	first := doJSON(t, http.MethodPut, srv.URL+"/v1/budgets", BudgetRequest{ID: "b1", Month: "2025-03", Amount: decimal.NewFromInt(500)}, nil)
	require.Equal(t, http.StatusOK, first.StatusCode)

	second := doJSON(t, http.MethodPut, srv.URL+"/v1/budgets", BudgetRequest{ID: "b2", Month: "2025-03", Amount: decimal.NewFromInt(650)}, nil)
	require.Equal(t, http.StatusOK, second.StatusCode)
	var b Budget
	require.NoError(t, json.NewDecoder(second.Body).Decode(&b))
	assert.Equal(t, "b1", b.ID)
	assert.True(t, b.Amount.Equal(decimal.NewFromInt(650)))
}

func TestHandlers_Snapshot(t *testing.T) {
	backend := newMemoryBackend()
	srv := newHandlersServer(t, backend, nil)

	want := Expense{ID: "e1", OwnerID: "owner-1", Amount: decimal.NewFromInt(3), Category: "fun", Date: "2025-02-02",
		Kind: KindIncome, CreatedAt: time.Date(2025, 2, 2, 10, 0, 0, 0, time.UTC), SyncStatus: SyncStatusSynced}
	backend.expenses["e1"] = want
	backend.expenses["e2"] = Expense{ID: "e2", OwnerID: "someone-else"}

	resp := doJSON(t, http.MethodGet, srv.URL+"/v1/snapshot", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Len(t, snap.Expenses, 1)
	if diff := cmp.Diff(want, snap.Expenses[0], decimalComparer); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestHandlers_Health(t *testing.T) {
	backend := newMemoryBackend()
	srv := newHandlersServer(t, backend, nil)

	resp := doJSON(t, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	backend.pingErr = fmt.Errorf("db down")
	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandlers_IdempotentReplay(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	backend := newMemoryBackend()
	backend.buckets["s1"] = SavingsBucket{ID: "s1", OwnerID: "owner-1", Name: "Rainy day"}
	srv := newHandlersServer(t, backend, NewIdempotencyStore(rdb, time.Minute))

	headers := map[string]string{HeaderIdempotencyKey: "op-1"}
	resp := doJSON(t, http.MethodDelete, srv.URL+"/v1/buckets/s1", nil, headers)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// the bucket is gone, yet the replay reports the original outcome
	resp = doJSON(t, http.MethodDelete, srv.URL+"/v1/buckets/s1", nil, headers)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("Idempotent-Replayed"))
	assert.Equal(t, 1, backend.calls)

	// a different key is a different operation
	resp = doJSON(t, http.MethodDelete, srv.URL+"/v1/buckets/s1", nil, map[string]string{HeaderIdempotencyKey: "op-2"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	mr.FastForward(2 * time.Minute)
	resp = doJSON(t, http.MethodDelete, srv.URL+"/v1/buckets/s1", nil, headers)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIdempotencyStore_GetMissing(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := NewIdempotencyStore(rdb, 0)

	_, ok, err := store.Get(context.Background(), "owner", "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(context.Background(), "owner", "k", &CachedResponse{Status: 201, Body: json.RawMessage(`{"id":"a"}`)}))
	require.NoError(t, store.Put(context.Background(), "owner", "k", &CachedResponse{Status: 500}))
	got, ok, err := store.Get(context.Background(), "owner", "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 201, got.Status)
	assert.JSONEq(t, `{"id":"a"}`, string(got.Body))

	_, ok, err = store.Get(context.Background(), "other-owner", "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
