// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package finsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mobiletoly/go-finsync/finsync"
)

// ReconciliationConflict is a remote row that was not applied because the local record still
// has queued operations or is flagged error. Local state wins.
type ReconciliationConflict struct {
	EntityType finsync.EntityType
	EntityID   string
	Reason     string
}

// reconcile pulls the owner's snapshot and makes the local mirror match it, keeping every
// record that still has queued operations or awaits manual resolution.
func (c *Client) reconcile(ctx context.Context, res *SyncResult) error {
	callCtx := ctx
	if c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}
	snap, err := c.Remote.FetchSnapshot(callCtx, c.OwnerID)
	if err != nil {
		return fmt.Errorf("failed to fetch snapshot: %w", finsync.AsRemoteError(err))
	}
	if snap == nil {
		snap = &finsync.Snapshot{}
	}

	var conflicts []ReconciliationConflict
	err = c.withWrite(ctx, entityTopics(finsync.AllEntityTypes), func(tx *sql.Tx) error {
		conflicts = conflicts[:0]

		ops, err := listPending(ctx, tx, c.OwnerID)
		if err != nil {
			return err
		}
		pending := make(map[entityKey]bool, len(ops))
		for _, op := range ops {
			pending[entityKey{op.EntityType, op.EntityID}] = true
		}

		seen := make(map[entityKey]bool)
		for _, rec := range snap.Records() {
			key := entityKey{rec.EntityType(), rec.RecordID()}
			if rec.Owner() != c.OwnerID {
				c.logger.Warn("Skipping remote record of another owner", "entity", key.t, "id", key.id, "owner", rec.Owner())
				continue
			}
			seen[key] = true
			if err := rec.Validate(); err != nil {
				c.logger.Warn("Skipping malformed remote record", "entity", key.t, "id", key.id, "error", err)
				continue
			}
			if pending[key] {
				conflicts = append(conflicts, ReconciliationConflict{EntityType: key.t, EntityID: key.id, Reason: "local record has queued operations"})
				continue
			}
			// A rejected local edit stays until RetryFailed or DiscardFailed resolves it
			status, exists, err := recordStatus(ctx, tx, key.t, key.id)
			if err != nil {
				return err
			}
			if exists && status == finsync.SyncStatusError {
				conflicts = append(conflicts, ReconciliationConflict{EntityType: key.t, EntityID: key.id, Reason: "local record awaits resolution of a failed sync"})
				continue
			}
			if b, ok := rec.(*finsync.Budget); ok {
				skip, err := c.resolveBudgetKeyTx(ctx, tx, b, pending)
				if err != nil {
					return err
				}
				if skip {
					conflicts = append(conflicts, ReconciliationConflict{EntityType: key.t, EntityID: key.id,
						Reason: fmt.Sprintf("local budget for %s/%s has queued operations", b.Month, b.Category)})
					continue
				}
			}
			if err := upsertTx(ctx, tx, rec, finsync.SyncStatusSynced); err != nil {
				return err
			}
		}

		for _, t := range finsync.AllEntityTypes {
			local, err := loadAll(ctx, tx, c.OwnerID, t)
			if err != nil {
				return err
			}
			for _, rec := range local {
				key := entityKey{t, rec.RecordID()}
				if seen[key] || pending[key] || rec.Status() == finsync.SyncStatusError {
					continue
				}
				if err := deleteTx(ctx, tx, c.OwnerID, t, key.id); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, cf := range conflicts {
		c.logger.Info("Reconciliation conflict, keeping local state", "entity", cf.EntityType, "id", cf.EntityID, "reason", cf.Reason)
	}
	res.Conflicts = append(res.Conflicts, conflicts...)
	return nil
}

// resolveBudgetKeyTx clears a local budget holding the remote budget's (month, category) under a
// different id. It reports skip when that local budget is still pending.
func (c *Client) resolveBudgetKeyTx(ctx context.Context, tx *sql.Tx, remote *finsync.Budget, pending map[entityKey]bool) (bool, error) {
	local, err := budgetByKey(ctx, tx, c.OwnerID, remote.Month, remote.Category)
	if errors.Is(err, finsync.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if local.ID == remote.ID {
		return false, nil
	}
	if pending[entityKey{finsync.EntityBudget, local.ID}] || local.SyncStatus == finsync.SyncStatusError {
		return true, nil
	}
	return false, deleteTx(ctx, tx, c.OwnerID, finsync.EntityBudget, local.ID)
}
