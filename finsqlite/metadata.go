// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package finsqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mobiletoly/go-finsync/finsync"
)

// SyncMetadataPatch updates selected fields of the metadata singleton; nil fields are kept
type SyncMetadataPatch struct {
	LastSyncedAt *time.Time
	Online       *bool
	Status       *finsync.EngineState
	LastError    *string
}

// SyncMetadata returns the persisted sync singleton
func (c *Client) SyncMetadata(ctx context.Context) (*finsync.SyncMetadata, error) {
	return readMeta(ctx, c.DB)
}

func readMeta(ctx context.Context, q querier) (*finsync.SyncMetadata, error) {
	var (
		meta   finsync.SyncMetadata
		synced sql.NullString
		online int
		status string
	)
	err := q.QueryRowContext(ctx, `
		SELECT owner_id, last_synced_at, online, status, last_error
		FROM _sync_meta WHERE id = 1`).Scan(&meta.OwnerID, &synced, &online, &status, &meta.LastError)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync metadata: %w", err)
	}
	if synced.Valid {
		t, err := parseTime(synced.String)
		if err != nil {
			return nil, err
		}
		meta.LastSyncedAt = &t
	}
	meta.Online = online == 1
	meta.Status = finsync.EngineState(status)
	return &meta, nil
}

// SetSyncMetadata applies patch to the singleton and notifies status watchers. A patched Online
// flag goes through SetOnline, so the running engine sees it too.
func (c *Client) SetSyncMetadata(ctx context.Context, patch SyncMetadataPatch) error {
	if err := c.writeMeta(ctx, patch); err != nil {
		return err
	}
	if patch.Online != nil {
		c.SetOnline(*patch.Online)
	}
	return nil
}

func (c *Client) writeMeta(ctx context.Context, patch SyncMetadataPatch) error {
	return c.withWrite(ctx, []topic{topicMeta}, func(tx *sql.Tx) error {
		return setMetaTx(ctx, tx, patch)
	})
}

func setMetaTx(ctx context.Context, q querier, patch SyncMetadataPatch) error {
	var (
		sets []string
		args []any
	)
	if patch.LastSyncedAt != nil {
		sets = append(sets, "last_synced_at = ?")
		args = append(args, formatTime(*patch.LastSyncedAt))
	}
	if patch.Online != nil {
		v := 0
		if *patch.Online {
			v = 1
		}
		sets = append(sets, "online = ?")
		args = append(args, v)
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *patch.LastError)
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE _sync_meta SET " + strings.Join(sets, ", ") + " WHERE id = 1"
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update sync metadata: %w", err)
	}
	return nil
}
