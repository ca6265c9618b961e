// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package finsqlite

import (
	"context"

	"github.com/mobiletoly/go-finsync/finsync"
)

// Remote is the data service the engine replays operations against. Failures should be
// *finsync.RemoteError; any other error is treated as a network failure.
type Remote interface {
	CreateExpense(ctx context.Context, e *finsync.Expense) (*finsync.Expense, error)
	UpdateExpense(ctx context.Context, e *finsync.Expense) (*finsync.Expense, error)
	DeleteExpense(ctx context.Context, id string) error

	// CreateBudget and UpdateBudget both upsert by (month, category). The returned id may
	// differ from the sent one when the server already holds a budget for the key.
	CreateBudget(ctx context.Context, b *finsync.Budget) (*finsync.Budget, error)
	UpdateBudget(ctx context.Context, b *finsync.Budget) (*finsync.Budget, error)

	CreateBucket(ctx context.Context, b *finsync.SavingsBucket) (*finsync.SavingsBucket, error)
	UpdateBucket(ctx context.Context, b *finsync.SavingsBucket) (*finsync.SavingsBucket, error)
	DeleteBucket(ctx context.Context, id string) error

	CreateEntry(ctx context.Context, e *finsync.SavingsEntry) (*finsync.SavingsEntry, error)
	UpdateEntry(ctx context.Context, e *finsync.SavingsEntry) (*finsync.SavingsEntry, error)
	DeleteEntry(ctx context.Context, id string) error

	FetchSnapshot(ctx context.Context, ownerID string) (*finsync.Snapshot, error)
	Ping(ctx context.Context) error
}

type opIDKey struct{}

// WithOperationID attaches the id of the queued operation being replayed
func WithOperationID(ctx context.Context, opID string) context.Context {
	return context.WithValue(ctx, opIDKey{}, opID)
}

// OperationID returns the operation id attached by WithOperationID
func OperationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(opIDKey{}).(string)
	return id, ok && id != ""
}
