// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package finsqlite

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/mobiletoly/go-finsync/finsync"
)

// LiveView holds a value derived from the local store and recomputes it after every committed
// change to the entity types it depends on. Pending rows are included.
type LiveView[T any] struct {
	mu      sync.Mutex
	current T
	err     error
	nextID  int
	subs    map[int]func(T)
	compute func(ctx context.Context) (T, error)
	cancel  func()
	closed  bool

	// issued stamps each recompute as it starts; applied is the newest stored one
	issued  uint64
	applied uint64
}

func newLiveView[T any](ctx context.Context, c *Client, types []finsync.EntityType, compute func(ctx context.Context) (T, error)) (*LiveView[T], error) {
	v := &LiveView[T]{subs: make(map[int]func(T)), compute: compute}
	v.cancel = c.notifier.subscribe(func([]topic) { v.refresh(context.Background()) }, entityTopics(types)...)

	seq := v.stamp()
	current, err := compute(ctx)
	if err != nil {
		v.cancel()
		return nil, err
	}
	v.mu.Lock()
	if seq > v.applied {
		v.applied = seq
		v.current = current
	}
	v.mu.Unlock()
	return v, nil
}

func (v *LiveView[T]) stamp() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.issued++
	return v.issued
}

// refresh recomputes the value. A recompute that finishes after a newer one is discarded.
func (v *LiveView[T]) refresh(ctx context.Context) {
	seq := v.stamp()
	value, err := v.compute(ctx)

	v.mu.Lock()
	if v.closed || seq < v.applied {
		v.mu.Unlock()
		return
	}
	v.applied = seq
	v.err = err
	if err != nil {
		v.mu.Unlock()
		return
	}
	v.current = value
	ids := make([]int, 0, len(v.subs))
	for id := range v.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, v.subs[id])
	}
	v.mu.Unlock()

	for _, fn := range fns {
		fn(value)
	}
}

// Current returns the latest computed value
func (v *LiveView[T]) Current() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Err returns the error of the latest recompute, if it failed. Current keeps the last good value.
func (v *LiveView[T]) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

// Subscribe calls fn with every recomputed value
func (v *LiveView[T]) Subscribe(fn func(T)) (cancel func()) {
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.subs[id] = fn
	v.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.subs, id)
			v.mu.Unlock()
		})
	}
}

// Close detaches the view from the store
func (v *LiveView[T]) Close() {
	v.mu.Lock()
	v.closed = true
	v.subs = map[int]func(T){}
	v.mu.Unlock()
	v.cancel()
}

// WatchExpenses keeps the filtered expense list current
func (c *Client) WatchExpenses(ctx context.Context, filter ExpenseFilter) (*LiveView[[]finsync.Expense], error) {
	return newLiveView(ctx, c, []finsync.EntityType{finsync.EntityExpense}, func(ctx context.Context) ([]finsync.Expense, error) {
		return c.Expenses(ctx, filter)
	})
}

// WatchBudgets keeps the budget list current
func (c *Client) WatchBudgets(ctx context.Context) (*LiveView[[]finsync.Budget], error) {
	return newLiveView(ctx, c, []finsync.EntityType{finsync.EntityBudget}, c.Budgets)
}

// WatchBuckets keeps the bucket list current
func (c *Client) WatchBuckets(ctx context.Context) (*LiveView[[]finsync.SavingsBucket], error) {
	return newLiveView(ctx, c, []finsync.EntityType{finsync.EntityBucket}, c.Buckets)
}

// WatchCategoryBudget keeps budget, spent and remaining of one category in one month current
func (c *Client) WatchCategoryBudget(ctx context.Context, month, category string) (*LiveView[CategoryBudget], error) {
	if err := finsync.ValidateMonth(month); err != nil {
		return nil, err
	}
	types := []finsync.EntityType{finsync.EntityBudget, finsync.EntityExpense}
	return newLiveView(ctx, c, types, func(ctx context.Context) (CategoryBudget, error) {
		return c.CategoryBudget(ctx, month, category)
	})
}

// CategoryBudget computes budget, spent and remaining of one category in one month
func (c *Client) CategoryBudget(ctx context.Context, month, category string) (CategoryBudget, error) {
	budget, err := c.BudgetFor(ctx, month, category)
	if errors.Is(err, finsync.ErrNotFound) {
		budget, err = nil, nil
	}
	if err != nil {
		return CategoryBudget{}, err
	}
	expenses, err := c.Expenses(ctx, ExpenseFilter{Month: month, Category: category})
	if err != nil {
		return CategoryBudget{}, err
	}
	return CategoryBudgetWithSpent(budget, expenses, month, category), nil
}

// WatchBucketStats keeps the balance, interest and goal progress of one bucket current.
// Interest is computed as of the moment of each recompute.
func (c *Client) WatchBucketStats(ctx context.Context, bucketID string) (*LiveView[BucketStats], error) {
	types := []finsync.EntityType{finsync.EntityBucket, finsync.EntityEntry}
	return newLiveView(ctx, c, types, func(ctx context.Context) (BucketStats, error) {
		return c.BucketStats(ctx, bucketID)
	})
}

// BucketStats computes the current figures of one bucket
func (c *Client) BucketStats(ctx context.Context, bucketID string) (BucketStats, error) {
	bucket, err := c.Bucket(ctx, bucketID)
	if err != nil {
		return BucketStats{}, err
	}
	entries, err := c.Entries(ctx, bucketID)
	if err != nil {
		return BucketStats{}, err
	}
	return ComputeBucketStats(*bucket, entries, c.config.Now()), nil
}
