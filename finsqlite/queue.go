// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package finsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-finsync/finsync"
)

// PendingGroup is the queued operations of one entity in seq order
type PendingGroup struct {
	EntityType finsync.EntityType
	EntityID   string
	Ops        []finsync.SyncOperation
}

// Enqueue appends op to the queue and returns its operation id
func (c *Client) Enqueue(ctx context.Context, op finsync.SyncOperation) (string, error) {
	if err := finsync.ValidateOperation(&op); err != nil {
		return "", err
	}
	var opID string
	err := c.withWrite(ctx, []topic{topicQueue}, func(tx *sql.Tx) error {
		var err error
		opID, err = c.enqueueTx(ctx, tx, op)
		return err
	})
	if err != nil {
		return "", err
	}
	c.triggerSync()
	return opID, nil
}

func (c *Client) enqueueTx(ctx context.Context, tx *sql.Tx, op finsync.SyncOperation) (string, error) {
	if err := finsync.ValidateOperation(&op); err != nil {
		return "", err
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	var payload any
	if op.Kind != finsync.OpDelete && len(op.Payload) > 0 {
		payload = string(op.Payload)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_queue (op_id, owner_id, entity_type, entity_id, kind, payload, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		op.ID, c.OwnerID, string(op.EntityType), op.EntityID, string(op.Kind), payload, formatTime(c.config.Now()))
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s %s %s: %w", op.Kind, op.EntityType, op.EntityID, err)
	}
	return op.ID, nil
}

// enqueueRecordTx queues a create or update carrying rec as payload
func (c *Client) enqueueRecordTx(ctx context.Context, tx *sql.Tx, kind finsync.OpKind, rec finsync.Record) (string, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s %s: %w", rec.EntityType(), rec.RecordID(), err)
	}
	return c.enqueueTx(ctx, tx, finsync.SyncOperation{
		EntityType: rec.EntityType(),
		EntityID:   rec.RecordID(),
		Kind:       kind,
		Payload:    payload,
	})
}

// Dequeue removes an operation; removing an unknown id is a no-op
func (c *Client) Dequeue(ctx context.Context, opID string) error {
	return c.withWrite(ctx, []topic{topicQueue}, func(tx *sql.Tx) error {
		return dequeueTx(ctx, tx, opID)
	})
}

func dequeueTx(ctx context.Context, q querier, opID string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM _sync_queue WHERE op_id = ?`, opID); err != nil {
		return fmt.Errorf("failed to dequeue %s: %w", opID, err)
	}
	return nil
}

// ListPending returns every queued operation in enqueue order
func (c *Client) ListPending(ctx context.Context) ([]finsync.SyncOperation, error) {
	return listPending(ctx, c.DB, c.OwnerID)
}

const queueSelect = `SELECT seq, op_id, owner_id, entity_type, entity_id, kind, payload, enqueued_at, retry_count, last_error FROM _sync_queue`

func scanOperation(row rowScanner) (*finsync.SyncOperation, error) {
	var (
		op                      finsync.SyncOperation
		entityType, kind, stamp string
		payload, lastErr        sql.NullString
	)
	if err := row.Scan(&op.Seq, &op.ID, &op.OwnerID, &entityType, &op.EntityID, &kind, &payload, &stamp, &op.RetryCount, &lastErr); err != nil {
		return nil, err
	}
	op.EntityType = finsync.EntityType(entityType)
	op.Kind = finsync.OpKind(kind)
	if payload.Valid {
		op.Payload = json.RawMessage(payload.String)
	}
	op.LastError = lastErr.String
	var err error
	if op.EnqueuedAt, err = parseTime(stamp); err != nil {
		return nil, err
	}
	return &op, nil
}

func listPending(ctx context.Context, q querier, ownerID string) ([]finsync.SyncOperation, error) {
	return queryRows(ctx, q, scanOperation, queueSelect+` WHERE owner_id = ? ORDER BY seq`, ownerID)
}

// loadOperation returns the queued operation or nil when it was dequeued meanwhile
func loadOperation(ctx context.Context, q querier, opID string) (*finsync.SyncOperation, error) {
	ops, err := queryRows(ctx, q, scanOperation, queueSelect+` WHERE op_id = ?`, opID)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}
	return &ops[0], nil
}

// PendingGroups returns queued operations grouped per entity, groups ordered by their first seq
func (c *Client) PendingGroups(ctx context.Context) ([]PendingGroup, error) {
	ops, err := c.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	type key struct {
		t  finsync.EntityType
		id string
	}
	index := make(map[key]int)
	var groups []PendingGroup
	for _, op := range ops {
		k := key{op.EntityType, op.EntityID}
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, PendingGroup{EntityType: op.EntityType, EntityID: op.EntityID})
		}
		groups[i].Ops = append(groups[i].Ops, op)
	}
	return groups, nil
}

// MarkFailed records a failed replay attempt; the operation stays queued
func (c *Client) MarkFailed(ctx context.Context, opID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return c.withWrite(ctx, []topic{topicQueue}, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE _sync_queue SET retry_count = retry_count + 1, last_error = ?
			WHERE op_id = ?`, msg, opID)
		if err != nil {
			return fmt.Errorf("failed to mark %s failed: %w", opID, err)
		}
		return nil
	})
}

// PendingCount returns the number of queued operations
func (c *Client) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := c.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM _sync_queue WHERE owner_id = ?`, c.OwnerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return n, nil
}

// pendingCountTx counts queued operations of one entity, excluding excludeOpID
func pendingCountTx(ctx context.Context, q querier, entityType finsync.EntityType, id, excludeOpID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _sync_queue
		WHERE entity_type = ? AND entity_id = ? AND op_id <> ?`,
		string(entityType), id, excludeOpID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending operations of %s %s: %w", entityType, id, err)
	}
	return n, nil
}

// rekeyTx moves queued operations of an entity to the id assigned by the server
func rekeyTx(ctx context.Context, q querier, entityType finsync.EntityType, oldID, newID string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE _sync_queue
		SET entity_id = ?,
		    payload = CASE WHEN payload IS NULL THEN NULL ELSE json_set(payload, '$.id', ?) END
		WHERE entity_type = ? AND entity_id = ?`,
		newID, newID, string(entityType), oldID)
	if err != nil {
		return fmt.Errorf("failed to re-key queued %s %s: %w", entityType, oldID, err)
	}
	return nil
}
