// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package finsqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mobiletoly/go-finsync/finsync"
)

// SyncFailure is an operation the remote rejected for good. It was dropped from the queue and
// its record, if still present, is flagged error.
type SyncFailure struct {
	OpID       string
	EntityType finsync.EntityType
	EntityID   string
	Kind       finsync.OpKind
	Err        *finsync.RemoteError
}

type entityKey struct {
	t  finsync.EntityType
	id string
}

type replayOutcome int

const (
	outcomeApplied replayOutcome = iota
	outcomeTerminal
	outcomeRetry
)

// drain replays the operations queued when it starts, in enqueue order. Each round sends every
// eligible operation once; an entity whose operation failed retryably is skipped for the rest of
// the round and retried in the next one after a backoff, up to ReplayAttempts rounds. Other
// entities never wait on it. Operations queued while the drain runs are left for the next pass.
func (c *Client) drain(ctx context.Context, res *SyncResult) error {
	listed, err := c.ListPending(ctx)
	if err != nil {
		return err
	}
	initial := make(map[string]bool, len(listed))
	for _, op := range listed {
		initial[op.ID] = true
	}

	attempts := c.config.ReplayAttempts
	if attempts < 1 {
		attempts = 1
	}
	var retry map[entityKey]*finsync.RemoteError
	for round := 0; round < attempts; round++ {
		if round > 0 {
			if len(retry) == 0 {
				return nil
			}
			if !c.online.Load() {
				return ErrOffline
			}
			if err := finsync.SleepWithContext(ctx, finsync.Backoff(round-1, c.config.BackoffMin, c.config.BackoffMax)); err != nil {
				return err
			}
		}
		failed, err := c.drainRound(ctx, initial, retry, res)
		if err != nil {
			return err
		}
		retry = failed
	}

	for key, lastErr := range retry {
		c.logger.Error("Operation exhausted retries", "entity", key.t, "id", key.id,
			"attempts", attempts, "error", lastErr)
		err := c.withWrite(ctx, entityTopics([]finsync.EntityType{key.t}), func(tx *sql.Tx) error {
			return flagErrorTx(ctx, tx, key.t, key.id)
		})
		if err != nil {
			return err
		}
		res.Exhausted++
	}
	return nil
}

// drainRound sends each operation of initial once. When only is non-nil, entities outside it
// are skipped. It returns the entities whose operation failed retryably.
func (c *Client) drainRound(ctx context.Context, initial map[string]bool, only map[entityKey]*finsync.RemoteError, res *SyncResult) (map[entityKey]*finsync.RemoteError, error) {
	listed, err := c.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	failed := make(map[entityKey]*finsync.RemoteError)
	blocked := make(map[entityKey]bool)
	for _, l := range listed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !c.online.Load() {
			return nil, ErrOffline
		}
		if !initial[l.ID] {
			// queued after the drain started
			continue
		}
		key := entityKey{l.EntityType, l.EntityID}
		if blocked[key] {
			continue
		}
		if only != nil {
			if _, ok := only[key]; !ok {
				continue
			}
		}

		// Re-read: an earlier success may have dropped or re-keyed it
		op, err := loadOperation(ctx, c.DB, l.ID)
		if err != nil {
			return nil, err
		}
		if op == nil {
			continue
		}
		key = entityKey{op.EntityType, op.EntityID}

		outcome, rerr, err := c.replayOne(ctx, op, res)
		if err != nil {
			return nil, err
		}
		switch outcome {
		case outcomeApplied:
			res.Replayed++
		case outcomeRetry:
			failed[key] = rerr
			blocked[key] = true
		}
	}
	return failed, nil
}

// replayOne sends op once. A retryable failure is recorded on the operation, which stays queued.
func (c *Client) replayOne(ctx context.Context, op *finsync.SyncOperation, res *SyncResult) (replayOutcome, *finsync.RemoteError, error) {
	canonical, rerr := c.send(ctx, op)
	if rerr == nil {
		return outcomeApplied, nil, c.applySuccess(ctx, op, canonical)
	}
	if !rerr.Retryable() {
		return outcomeTerminal, rerr, c.failTerminal(ctx, op, rerr, res)
	}
	if err := c.MarkFailed(ctx, op.ID, rerr); err != nil {
		return 0, nil, err
	}
	c.logger.Debug("Replay attempt failed", "op", op.ID, "entity", op.EntityType, "id", op.EntityID,
		"retry_count", op.RetryCount+1, "error", rerr)
	return outcomeRetry, rerr, nil
}

// send performs the remote call of op and returns the canonical record (nil for deletes)
func (c *Client) send(ctx context.Context, op *finsync.SyncOperation) (finsync.Record, *finsync.RemoteError) {
	callCtx := WithOperationID(ctx, op.ID)
	if c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, c.config.RequestTimeout)
		defer cancel()
	}

	if op.Kind == finsync.OpDelete {
		var err error
		switch op.EntityType {
		case finsync.EntityExpense:
			err = c.Remote.DeleteExpense(callCtx, op.EntityID)
		case finsync.EntityBucket:
			err = c.Remote.DeleteBucket(callCtx, op.EntityID)
		case finsync.EntityEntry:
			err = c.Remote.DeleteEntry(callCtx, op.EntityID)
		default:
			return nil, finsync.NewRemoteError(finsync.ErrKindValidation, "%s records cannot be deleted", op.EntityType)
		}
		if err != nil {
			return nil, finsync.AsRemoteError(err)
		}
		return nil, nil
	}

	rec, err := decodeRecord(op.EntityType, op.Payload)
	if err != nil {
		return nil, finsync.AsRemoteError(err)
	}
	create := op.Kind == finsync.OpCreate
	switch r := rec.(type) {
	case *finsync.Expense:
		if create {
			return remoteResult(c.Remote.CreateExpense(callCtx, r))
		}
		return remoteResult(c.Remote.UpdateExpense(callCtx, r))
	case *finsync.Budget:
		if create {
			return remoteResult(c.Remote.CreateBudget(callCtx, r))
		}
		return remoteResult(c.Remote.UpdateBudget(callCtx, r))
	case *finsync.SavingsBucket:
		if create {
			return remoteResult(c.Remote.CreateBucket(callCtx, r))
		}
		return remoteResult(c.Remote.UpdateBucket(callCtx, r))
	case *finsync.SavingsEntry:
		if create {
			return remoteResult(c.Remote.CreateEntry(callCtx, r))
		}
		return remoteResult(c.Remote.UpdateEntry(callCtx, r))
	}
	return nil, finsync.NewRemoteError(finsync.ErrKindValidation, "unsupported record type %T", rec)
}

func remoteResult[T any, P interface {
	*T
	finsync.Record
}](out P, err error) (finsync.Record, *finsync.RemoteError) {
	if err != nil {
		return nil, finsync.AsRemoteError(err)
	}
	if out == nil {
		return nil, nil
	}
	return out, nil
}

// applySuccess dequeues op and stores the canonical record as synced, unless the record is gone
// locally or still has newer queued operations.
func (c *Client) applySuccess(ctx context.Context, op *finsync.SyncOperation, canonical finsync.Record) error {
	topics := entityTopics([]finsync.EntityType{op.EntityType}, topicQueue)
	return c.withWrite(ctx, topics, func(tx *sql.Tx) error {
		if err := dequeueTx(ctx, tx, op.ID); err != nil {
			return err
		}
		if canonical == nil {
			return nil
		}

		id := op.EntityID
		if newID := canonical.RecordID(); newID != "" && newID != id {
			c.logger.Info("Remote assigned a different id", "entity", op.EntityType, "id", id, "remote_id", newID)
			if err := rekeyRecordTx(ctx, tx, op.EntityType, id, newID); err != nil {
				return err
			}
			id = newID
		}

		if _, exists, err := recordStatus(ctx, tx, op.EntityType, id); err != nil || !exists {
			return err
		}
		later, err := pendingCountTx(ctx, tx, op.EntityType, id, op.ID)
		if err != nil || later > 0 {
			return err
		}
		if canonical.Owner() != c.OwnerID || canonical.Validate() != nil {
			c.logger.Warn("Ignoring malformed canonical record", "entity", op.EntityType, "id", id, "owner", canonical.Owner())
			return setStatusTx(ctx, tx, op.EntityType, id, finsync.SyncStatusSynced)
		}
		return upsertTx(ctx, tx, canonical, finsync.SyncStatusSynced)
	})
}

// rekeyRecordTx moves a local row and its queued operations from oldID to newID
func rekeyRecordTx(ctx context.Context, tx *sql.Tx, entityType finsync.EntityType, oldID, newID string) error {
	table, err := tableFor(entityType)
	if err != nil {
		return err
	}
	_, taken, err := recordStatus(ctx, tx, entityType, newID)
	if err != nil {
		return err
	}
	if taken {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, oldID); err != nil {
			return fmt.Errorf("failed to drop %s %s: %w", entityType, oldID, err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE `+table+` SET id = ? WHERE id = ?`, newID, oldID); err != nil {
			return fmt.Errorf("failed to re-key %s %s: %w", entityType, oldID, err)
		}
	}
	return rekeyTx(ctx, tx, entityType, oldID, newID)
}

// failTerminal drops op and flags its record error
func (c *Client) failTerminal(ctx context.Context, op *finsync.SyncOperation, rerr *finsync.RemoteError, res *SyncResult) error {
	c.logger.Warn("Operation rejected by remote", "op", op.ID, "entity", op.EntityType, "id", op.EntityID,
		"kind", op.Kind, "error", rerr)
	topics := entityTopics([]finsync.EntityType{op.EntityType}, topicQueue)
	err := c.withWrite(ctx, topics, func(tx *sql.Tx) error {
		if err := dequeueTx(ctx, tx, op.ID); err != nil {
			return err
		}
		return flagErrorTx(ctx, tx, op.EntityType, op.EntityID)
	})
	if err != nil {
		return err
	}
	res.Failures = append(res.Failures, SyncFailure{
		OpID:       op.ID,
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		Kind:       op.Kind,
		Err:        rerr,
	})
	return nil
}

func flagErrorTx(ctx context.Context, tx *sql.Tx, entityType finsync.EntityType, id string) error {
	if _, exists, err := recordStatus(ctx, tx, entityType, id); err != nil || !exists {
		return err
	}
	return setStatusTx(ctx, tx, entityType, id, finsync.SyncStatusError)
}
