// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package finsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-finsync/finsync"
	"github.com/shopspring/decimal"
)

// Mutation entry points. Each one validates its input, writes the row as pending and queues
// the operation in one transaction, then returns the optimistic record and wakes the engine.

// EntryResult is the outcome of a savings entry write
type EntryResult struct {
	Entry *finsync.SavingsEntry
	// Overdraft is set when the bucket's contributed balance is negative after the write.
	// Withdrawals are accepted regardless.
	Overdraft bool
}

func (c *Client) mutate(ctx context.Context, types []finsync.EntityType, fn func(tx *sql.Tx) error) error {
	if c.closed.Load() {
		return ErrClosed
	}
	start := c.stages.Start()
	err := c.withWrite(ctx, entityTopics(types, topicQueue), fn)
	c.stages.Observe(ctx, finsync.MetricsOpMutation, finsync.MetricsStageTotal, start, 1, 1, err != nil)
	if err != nil {
		return err
	}
	c.triggerSync()
	return nil
}

// claimOwner stamps the client owner on a new record, rejecting a foreign one
func (c *Client) claimOwner(owner *string) error {
	if *owner == "" {
		*owner = c.OwnerID
		return nil
	}
	if *owner != c.OwnerID {
		return fmt.Errorf("%w: %s", finsync.ErrOwnerMismatch, *owner)
	}
	return nil
}

// writeRecordTx stores rec as pending and queues kind for it
func (c *Client) writeRecordTx(ctx context.Context, tx *sql.Tx, kind finsync.OpKind, rec finsync.Record) error {
	if err := upsertTx(ctx, tx, rec, finsync.SyncStatusPending); err != nil {
		return err
	}
	_, err := c.enqueueRecordTx(ctx, tx, kind, withStatus(rec, ""))
	return err
}

// deleteRecordTx removes a row and queues its delete; an absent row is a no-op
func (c *Client) deleteRecordTx(ctx context.Context, tx *sql.Tx, entityType finsync.EntityType, id string) (bool, error) {
	if _, exists, err := recordStatus(ctx, tx, entityType, id); err != nil || !exists {
		return false, err
	}
	if err := deleteTx(ctx, tx, c.OwnerID, entityType, id); err != nil {
		return false, err
	}
	_, err := c.enqueueTx(ctx, tx, finsync.SyncOperation{EntityType: entityType, EntityID: id, Kind: finsync.OpDelete})
	return err == nil, err
}

// AddExpense records a new expense or income
func (c *Client) AddExpense(ctx context.Context, e finsync.Expense) (*finsync.Expense, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Kind == "" {
		e.Kind = finsync.KindExpense
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = c.config.Now().UTC()
	}
	if err := c.claimOwner(&e.OwnerID); err != nil {
		return nil, err
	}
	e.SyncStatus = finsync.SyncStatusPending
	if err := e.Validate(); err != nil {
		return nil, err
	}

	err := c.mutate(ctx, []finsync.EntityType{finsync.EntityExpense}, func(tx *sql.Tx) error {
		return c.writeRecordTx(ctx, tx, finsync.OpCreate, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateExpense overwrites an existing expense
func (c *Client) UpdateExpense(ctx context.Context, e finsync.Expense) (*finsync.Expense, error) {
	if err := c.claimOwner(&e.OwnerID); err != nil {
		return nil, err
	}
	e.SyncStatus = finsync.SyncStatusPending

	err := c.mutate(ctx, []finsync.EntityType{finsync.EntityExpense}, func(tx *sql.Tx) error {
		prev, err := loadRecord(ctx, tx, c.OwnerID, finsync.EntityExpense, e.ID)
		if err != nil {
			return err
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = prev.(*finsync.Expense).CreatedAt
		}
		if e.Kind == "" {
			e.Kind = prev.(*finsync.Expense).Kind
		}
		if err := e.Validate(); err != nil {
			return err
		}
		return c.writeRecordTx(ctx, tx, finsync.OpUpdate, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteExpense removes an expense; deleting an absent id is a no-op
func (c *Client) DeleteExpense(ctx context.Context, id string) error {
	return c.deleteOne(ctx, finsync.EntityExpense, id)
}

func (c *Client) deleteOne(ctx context.Context, entityType finsync.EntityType, id string) error {
	if id == "" {
		return &finsync.ValidationError{Field: "id", Message: "required"}
	}
	return c.mutate(ctx, []finsync.EntityType{entityType}, func(tx *sql.Tx) error {
		_, err := c.deleteRecordTx(ctx, tx, entityType, id)
		return err
	})
}

// SetBudget creates or overwrites the budget of month and category ("" for month-wide)
func (c *Client) SetBudget(ctx context.Context, month, category string, amount decimal.Decimal) (*finsync.Budget, error) {
	b := finsync.Budget{
		ID:         uuid.NewString(),
		OwnerID:    c.OwnerID,
		Month:      month,
		Category:   category,
		Amount:     amount,
		SyncStatus: finsync.SyncStatusPending,
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}

	err := c.mutate(ctx, []finsync.EntityType{finsync.EntityBudget}, func(tx *sql.Tx) error {
		kind := finsync.OpCreate
		prev, err := budgetByKey(ctx, tx, c.OwnerID, month, category)
		switch {
		case err == nil:
			b.ID = prev.ID
			kind = finsync.OpUpdate
		case !errors.Is(err, finsync.ErrNotFound):
			return err
		}
		return c.writeRecordTx(ctx, tx, kind, &b)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// AddBucket creates a savings bucket
func (c *Client) AddBucket(ctx context.Context, b finsync.SavingsBucket) (*finsync.SavingsBucket, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = c.config.Now().UTC()
	}
	if err := c.claimOwner(&b.OwnerID); err != nil {
		return nil, err
	}
	b.SyncStatus = finsync.SyncStatusPending
	if err := b.Validate(); err != nil {
		return nil, err
	}

	err := c.mutate(ctx, []finsync.EntityType{finsync.EntityBucket}, func(tx *sql.Tx) error {
		return c.writeRecordTx(ctx, tx, finsync.OpCreate, &b)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// UpdateBucket overwrites an existing savings bucket
func (c *Client) UpdateBucket(ctx context.Context, b finsync.SavingsBucket) (*finsync.SavingsBucket, error) {
	if err := c.claimOwner(&b.OwnerID); err != nil {
		return nil, err
	}
	b.SyncStatus = finsync.SyncStatusPending

	err := c.mutate(ctx, []finsync.EntityType{finsync.EntityBucket}, func(tx *sql.Tx) error {
		prev, err := loadRecord(ctx, tx, c.OwnerID, finsync.EntityBucket, b.ID)
		if err != nil {
			return err
		}
		if b.CreatedAt.IsZero() {
			b.CreatedAt = prev.(*finsync.SavingsBucket).CreatedAt
		}
		if err := b.Validate(); err != nil {
			return err
		}
		return c.writeRecordTx(ctx, tx, finsync.OpUpdate, &b)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// DeleteBucket removes a bucket with its entries. The entry deletes are queued first.
func (c *Client) DeleteBucket(ctx context.Context, id string) error {
	if id == "" {
		return &finsync.ValidationError{Field: "id", Message: "required"}
	}
	types := []finsync.EntityType{finsync.EntityBucket, finsync.EntityEntry}
	return c.mutate(ctx, types, func(tx *sql.Tx) error {
		if _, exists, err := recordStatus(ctx, tx, finsync.EntityBucket, id); err != nil || !exists {
			return err
		}
		entries, err := bucketEntries(ctx, tx, c.OwnerID, id)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if _, err := c.deleteRecordTx(ctx, tx, finsync.EntityEntry, e.ID); err != nil {
				return err
			}
		}
		_, err = c.deleteRecordTx(ctx, tx, finsync.EntityBucket, id)
		return err
	})
}

// AddEntry records a deposit or withdrawal in an existing bucket
func (c *Client) AddEntry(ctx context.Context, e finsync.SavingsEntry) (*EntryResult, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = c.config.Now().UTC()
	}
	if err := c.claimOwner(&e.OwnerID); err != nil {
		return nil, err
	}
	e.SyncStatus = finsync.SyncStatusPending
	if err := e.Validate(); err != nil {
		return nil, err
	}

	res := &EntryResult{Entry: &e}
	err := c.mutate(ctx, []finsync.EntityType{finsync.EntityEntry}, func(tx *sql.Tx) error {
		if err := c.requireBucketTx(ctx, tx, e.BucketID); err != nil {
			return err
		}
		if err := c.writeRecordTx(ctx, tx, finsync.OpCreate, &e); err != nil {
			return err
		}
		return c.checkOverdraftTx(ctx, tx, res)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// UpdateEntry overwrites an existing savings entry
func (c *Client) UpdateEntry(ctx context.Context, e finsync.SavingsEntry) (*EntryResult, error) {
	if err := c.claimOwner(&e.OwnerID); err != nil {
		return nil, err
	}
	e.SyncStatus = finsync.SyncStatusPending

	res := &EntryResult{Entry: &e}
	err := c.mutate(ctx, []finsync.EntityType{finsync.EntityEntry}, func(tx *sql.Tx) error {
		prev, err := loadRecord(ctx, tx, c.OwnerID, finsync.EntityEntry, e.ID)
		if err != nil {
			return err
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = prev.(*finsync.SavingsEntry).CreatedAt
		}
		if e.BucketID == "" {
			e.BucketID = prev.(*finsync.SavingsEntry).BucketID
		}
		if err := e.Validate(); err != nil {
			return err
		}
		if err := c.requireBucketTx(ctx, tx, e.BucketID); err != nil {
			return err
		}
		if err := c.writeRecordTx(ctx, tx, finsync.OpUpdate, &e); err != nil {
			return err
		}
		return c.checkOverdraftTx(ctx, tx, res)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DeleteEntry removes a savings entry; deleting an absent id is a no-op
func (c *Client) DeleteEntry(ctx context.Context, id string) error {
	return c.deleteOne(ctx, finsync.EntityEntry, id)
}

func (c *Client) requireBucketTx(ctx context.Context, tx *sql.Tx, bucketID string) error {
	_, err := loadRecord(ctx, tx, c.OwnerID, finsync.EntityBucket, bucketID)
	if errors.Is(err, finsync.ErrNotFound) {
		return &finsync.ValidationError{Field: "bucket_id", Message: fmt.Sprintf("bucket %s does not exist", bucketID)}
	}
	return err
}

func (c *Client) checkOverdraftTx(ctx context.Context, tx *sql.Tx, res *EntryResult) error {
	entries, err := bucketEntries(ctx, tx, c.OwnerID, res.Entry.BucketID)
	if err != nil {
		return err
	}
	res.Overdraft = ContributedBalance(entries).IsNegative()
	return nil
}

// DiscardFailed drops a record stuck in the error state together with anything still queued for it
func (c *Client) DiscardFailed(ctx context.Context, entityType finsync.EntityType, id string) error {
	if _, err := tableFor(entityType); err != nil {
		return err
	}
	return c.mutate(ctx, []finsync.EntityType{entityType}, func(tx *sql.Tx) error {
		status, exists, err := recordStatus(ctx, tx, entityType, id)
		if err != nil || !exists {
			return err
		}
		if status != finsync.SyncStatusError {
			return &finsync.ValidationError{Field: "sync_status", Message: fmt.Sprintf("%s %s is %s, not error", entityType, id, status)}
		}
		if err := deleteTx(ctx, tx, c.OwnerID, entityType, id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM _sync_queue WHERE entity_type = ? AND entity_id = ?`, string(entityType), id)
		if err != nil {
			return fmt.Errorf("failed to drop queued operations of %s %s: %w", entityType, id, err)
		}
		return nil
	})
}

// RetryFailed puts a record in the error state back in the queue as a create, which the server
// treats as an upsert. If operations are still queued for it, only its status is reset.
func (c *Client) RetryFailed(ctx context.Context, entityType finsync.EntityType, id string) error {
	return c.mutate(ctx, []finsync.EntityType{entityType}, func(tx *sql.Tx) error {
		rec, err := loadRecord(ctx, tx, c.OwnerID, entityType, id)
		if err != nil {
			return err
		}
		if rec.Status() != finsync.SyncStatusError {
			return &finsync.ValidationError{Field: "sync_status", Message: fmt.Sprintf("%s %s is %s, not error", entityType, id, rec.Status())}
		}
		queued, err := pendingCountTx(ctx, tx, entityType, id, "")
		if err != nil {
			return err
		}
		if queued > 0 {
			return setStatusTx(ctx, tx, entityType, id, finsync.SyncStatusPending)
		}
		return c.writeRecordTx(ctx, tx, finsync.OpCreate, rec)
	})
}

// withStatus returns a copy of rec carrying status
func withStatus(rec finsync.Record, status finsync.SyncStatus) finsync.Record {
	switch r := rec.(type) {
	case *finsync.Expense:
		cp := *r
		cp.SyncStatus = status
		return &cp
	case *finsync.Budget:
		cp := *r
		cp.SyncStatus = status
		return &cp
	case *finsync.SavingsBucket:
		cp := *r
		cp.SyncStatus = status
		return &cp
	case *finsync.SavingsEntry:
		cp := *r
		cp.SyncStatus = status
		return &cp
	}
	return rec
}

// decodeRecord parses a queued payload into the record type of entityType
func decodeRecord(entityType finsync.EntityType, payload json.RawMessage) (finsync.Record, error) {
	var rec finsync.Record
	switch entityType {
	case finsync.EntityExpense:
		rec = &finsync.Expense{}
	case finsync.EntityBudget:
		rec = &finsync.Budget{}
	case finsync.EntityBucket:
		rec = &finsync.SavingsBucket{}
	case finsync.EntityEntry:
		rec = &finsync.SavingsEntry{}
	default:
		_, err := tableFor(entityType)
		return nil, err
	}
	if err := json.Unmarshal(payload, rec); err != nil {
		return nil, &finsync.ValidationError{Field: "payload", Message: fmt.Sprintf("failed to decode %s: %v", entityType, err)}
	}
	return rec, nil
}
