// Package finsqlite provides the offline-first SQLite client for go-finsync:
// a local mirror of finance records, a durable mutation queue, the sync engine
// that replays the queue against a Remote and reconciles full snapshots, and
// live views derived from local state.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package finsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mobiletoly/go-finsync/finsync"
)

var (
	// ErrOffline is returned by SyncNow when connectivity is unavailable; the queue is untouched
	ErrOffline = errors.New("offline")
	// ErrSyncFailed reports a sync run that ended in the error state
	ErrSyncFailed = errors.New("sync failed")
	// ErrSyncPaused is returned by SyncNow while sync is paused
	ErrSyncPaused = errors.New("sync paused")
	// ErrClosed is returned after Close or SignOut
	ErrClosed = errors.New("client closed")
)

// Client is the local store, mutation queue and sync engine of one signed-in owner
type Client struct {
	DB      *sql.DB
	OwnerID string
	Remote  Remote
	config  *Config
	logger  *slog.Logger
	stages  finsync.StageObserver

	writeMu sync.Mutex // Serialize write operations to prevent SQLite locking issues
	syncMu  sync.Mutex // One sync run at a time

	notifier *notifier
	wake     chan struct{}
	online   atomic.Bool
	closed   atomic.Bool

	// Pause switch (atomic): allow callers to suspend sync activity deterministically
	syncPaused int32
}

// Config holds configuration for the SQLite finance client
type Config struct {
	RequestTimeout  time.Duration // bound on each remote call; 15s
	ReplayAttempts  int           // tries per operation per drain; 3
	BackoffMin      time.Duration // 1s
	BackoffMax      time.Duration // 60s
	ProbeInterval   time.Duration // connectivity probe in Run; 3s, 0 disables
	RefreshInterval time.Duration // periodic full sync in Run; 5m, 0 disables

	StageMetrics    finsync.StageMetricsRecorder
	LogStageTimings bool
	Logger          *slog.Logger
	Now             func() time.Time
}

// DefaultConfig returns the default client configuration
func DefaultConfig() *Config {
	return &Config{
		RequestTimeout:  15 * time.Second,
		ReplayAttempts:  3,
		BackoffMin:      1 * time.Second,
		BackoffMax:      60 * time.Second,
		ProbeInterval:   3 * time.Second,
		RefreshInterval: 5 * time.Minute,
	}
}

// Open opens (or creates) the SQLite database at path and signs ownerID in
func Open(path, ownerID string, remote Remote, config *Config) (*Client, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	client, err := NewClient(db, ownerID, remote, config)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return client, nil
}

// NewClient signs ownerID in on an open database. If the database holds another owner's
// data, all of it (records and queue) is wiped first.
func NewClient(db *sql.DB, ownerID string, remote Remote, config *Config) (*Client, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("ownerID must be provided")
	}
	if remote == nil {
		return nil, fmt.Errorf("remote must be provided")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.ReplayAttempts <= 0 {
		config.ReplayAttempts = 1
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// SQLite allows one writer; a single connection also keeps :memory: databases coherent
	db.SetMaxOpenConns(1)

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	client := &Client{
		DB:       db,
		OwnerID:  ownerID,
		Remote:   remote,
		config:   config,
		logger:   logger,
		stages:   finsync.StageObserver{Recorder: config.StageMetrics, LogTiming: config.LogStageTimings, Logger: logger},
		notifier: newNotifier(),
		wake:     make(chan struct{}, 1),
	}

	if err := client.signIn(context.Background()); err != nil {
		return nil, err
	}
	return client, nil
}

// initializeDatabase creates the mirror, queue and metadata tables
func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS expenses (
			id          TEXT PRIMARY KEY,
			owner_id    TEXT NOT NULL,
			amount      TEXT NOT NULL,  -- decimal string
			category    TEXT NOT NULL,
			date        TEXT NOT NULL,  -- YYYY-MM-DD
			notes       TEXT NOT NULL DEFAULT '',
			kind        TEXT NOT NULL CHECK (kind IN ('expense','income')),
			created_at  TEXT NOT NULL,
			sync_status TEXT NOT NULL DEFAULT 'pending' CHECK (sync_status IN ('synced','pending','error'))
		)`,
		`CREATE INDEX IF NOT EXISTS expenses_owner_date ON expenses (owner_id, date)`,

		`CREATE TABLE IF NOT EXISTS budgets (
			id          TEXT PRIMARY KEY,
			owner_id    TEXT NOT NULL,
			month       TEXT NOT NULL,  -- YYYY-MM
			category    TEXT NOT NULL DEFAULT '',
			amount      TEXT NOT NULL,
			sync_status TEXT NOT NULL DEFAULT 'pending' CHECK (sync_status IN ('synced','pending','error')),
			UNIQUE (owner_id, month, category)
		)`,

		`CREATE TABLE IF NOT EXISTS savings_buckets (
			id            TEXT PRIMARY KEY,
			owner_id      TEXT NOT NULL,
			name          TEXT NOT NULL,
			color         TEXT NOT NULL DEFAULT '',
			goal_amount   TEXT,
			interest_rate REAL,
			created_at    TEXT NOT NULL,
			sync_status   TEXT NOT NULL DEFAULT 'pending' CHECK (sync_status IN ('synced','pending','error'))
		)`,

		`CREATE TABLE IF NOT EXISTS savings_entries (
			id          TEXT PRIMARY KEY,
			owner_id    TEXT NOT NULL,
			bucket_id   TEXT NOT NULL,
			amount      TEXT NOT NULL,
			entry_type  TEXT NOT NULL CHECK (entry_type IN ('deposit','withdrawal')),
			date        TEXT NOT NULL,
			notes       TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			sync_status TEXT NOT NULL DEFAULT 'pending' CHECK (sync_status IN ('synced','pending','error'))
		)`,
		`CREATE INDEX IF NOT EXISTS savings_entries_bucket ON savings_entries (bucket_id)`,

		// Mutation queue: append-only, replayed in seq order
		`CREATE TABLE IF NOT EXISTS _sync_queue (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			op_id        TEXT NOT NULL UNIQUE,
			owner_id     TEXT NOT NULL,
			entity_type  TEXT NOT NULL,
			entity_id    TEXT NOT NULL,
			kind         TEXT NOT NULL CHECK (kind IN ('create','update','delete')),
			payload      TEXT,  -- record snapshot, NULL for deletes
			enqueued_at  TEXT NOT NULL,
			retry_count  INTEGER NOT NULL DEFAULT 0,
			last_error   TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS _sync_queue_entity ON _sync_queue (entity_type, entity_id, seq)`,

		// Process-wide singleton
		`CREATE TABLE IF NOT EXISTS _sync_meta (
			id             INTEGER PRIMARY KEY CHECK (id = 1),
			owner_id       TEXT NOT NULL DEFAULT '',
			last_synced_at TEXT,
			online         INTEGER NOT NULL DEFAULT 0,
			status         TEXT NOT NULL DEFAULT 'offline',
			last_error     TEXT NOT NULL DEFAULT ''
		)`,
		`INSERT OR IGNORE INTO _sync_meta (id) VALUES (1)`,
	}

	for _, stmt := range tables {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}

// signIn binds the database to c.OwnerID, wiping another owner's data. Connectivity starts
// unknown, so the persisted state is reset to offline until SetOnline or a probe says otherwise.
func (c *Client) signIn(ctx context.Context) error {
	var storedOwner string
	if err := c.DB.QueryRowContext(ctx, `SELECT owner_id FROM _sync_meta WHERE id = 1`).Scan(&storedOwner); err != nil {
		return fmt.Errorf("failed to read sync metadata: %w", err)
	}

	return c.withWrite(ctx, allTopics(), func(tx *sql.Tx) error {
		if storedOwner != "" && storedOwner != c.OwnerID {
			c.logger.Info("Owner changed, clearing local data", "previous_owner", storedOwner, "owner", c.OwnerID)
			if err := wipeTx(ctx, tx); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE _sync_meta SET owner_id = ?, online = 0, status = ?
			WHERE id = 1`, c.OwnerID, string(finsync.StateOffline))
		if err != nil {
			return fmt.Errorf("failed to bind owner: %w", err)
		}
		return nil
	})
}

func wipeTx(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`DELETE FROM expenses`,
		`DELETE FROM budgets`,
		`DELETE FROM savings_entries`,
		`DELETE FROM savings_buckets`,
		`DELETE FROM _sync_queue`,
		`UPDATE _sync_meta SET owner_id = '', last_synced_at = NULL, online = 0, status = 'offline', last_error = '' WHERE id = 1`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to clear local data: %w", err)
		}
	}
	return nil
}

// SignOut clears every record, the queue and the metadata, then closes the client
func (c *Client) SignOut(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	err := c.withWrite(ctx, allTopics(), func(tx *sql.Tx) error {
		return wipeTx(ctx, tx)
	})
	if err != nil {
		return err
	}
	c.logger.Info("Signed out, local data cleared", "owner", c.OwnerID)
	c.online.Store(false)
	c.closed.Store(true)
	return nil
}

// Close releases the database
func (c *Client) Close() error {
	c.closed.Store(true)
	return c.DB.Close()
}

// PauseSync suspends sync activity (SyncNow and the background loop respect this flag)
func (c *Client) PauseSync() { atomic.StoreInt32(&c.syncPaused, 1) }

// ResumeSync resumes sync activity
func (c *Client) ResumeSync() {
	atomic.StoreInt32(&c.syncPaused, 0)
	c.triggerSync()
}

func (c *Client) syncIsPaused() bool { return atomic.LoadInt32(&c.syncPaused) == 1 }

// withWrite runs fn in a transaction under the write lock and notifies subscribers of
// topics after commit, once the lock is released.
func (c *Client) withWrite(ctx context.Context, topics []topic, fn func(tx *sql.Tx) error) error {
	if err := c.writeTx(ctx, fn); err != nil {
		return err
	}
	c.notifier.publish(topics...)
	return nil
}

func (c *Client) writeTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
