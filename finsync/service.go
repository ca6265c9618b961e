// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package finsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// FinanceService is the remote data service: owner-scoped CRUD over the finance tables
// plus the full snapshot used by client reconciliation.
type FinanceService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig
	stages StageObserver

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the finance service
type ServiceConfig struct {
	AppName        string        // Application name reported by the status endpoint
	SkipMigrations bool          // Do not run embedded goose migrations on start
	MaxTxAttempts  int           // Attempts for transactions failing with serialization or deadlock errors
	TxRetryBackoff time.Duration // Initial backoff between transaction attempts

	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
}

// DefaultServiceConfig returns the default service configuration
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		AppName:        "go-finsync-app",
		MaxTxAttempts:  3,
		TxRetryBackoff: 25 * time.Millisecond,
	}
}

// NewFinanceService creates the service from an existing pool and applies migrations
func NewFinanceService(ctx context.Context, pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*FinanceService, error) {
	if config == nil {
		config = DefaultServiceConfig()
	}
	if config.MaxTxAttempts <= 0 {
		config.MaxTxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &FinanceService{
		pool:   pool,
		logger: logger,
		config: config,
		stages: StageObserver{Recorder: config.StageMetrics, LogTiming: config.LogStageTimings, Logger: logger},
	}

	if !config.SkipMigrations {
		if err := s.initializeSchema(ctx); err != nil {
			logger.Error("Failed to initialize database schema", "error", err)
			return nil, fmt.Errorf("failed to initialize finance service: %w", err)
		}
		logger.Debug("Database schema initialized successfully")
	}
	return s, nil
}

// Close marks the service closed. It does NOT close the pool.
func (s *FinanceService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Pool returns the underlying database connection pool
func (s *FinanceService) Pool() *pgxpool.Pool {
	return s.pool
}

// AppName returns the configured application name
func (s *FinanceService) AppName() string {
	return s.config.AppName
}

// Ping checks database connectivity
func (s *FinanceService) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *FinanceService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("finance service has been closed")
	}
	return nil
}

var readWriteTx = pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}

// inTx runs fn in a transaction, retrying serialization and deadlock failures
func (s *FinanceService) inTx(ctx context.Context, opts pgx.TxOptions, op string, fn func(tx pgx.Tx) error) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	var err error
	for attempt := 1; ; attempt++ {
		start := s.stages.Start()
		err = pgx.BeginTxFunc(ctx, s.pool, opts, fn)
		s.stages.Observe(ctx, op, MetricsStageTx, start, 1, attempt, err != nil)
		if err == nil || !isRetryablePGTxError(err) || attempt >= s.config.MaxTxAttempts {
			break
		}
		s.logger.Debug("Retrying transaction", "op", op, "attempt", attempt, "error", err)
		if serr := SleepWithContext(ctx, Backoff(attempt-1, s.config.TxRetryBackoff, time.Second)); serr != nil {
			return serr
		}
	}
	if isUniqueViolation(err) {
		return invalid("id", "conflicts with an existing record")
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse %s %q: %w", field, s, err)
	}
	return d, nil
}

func optionalDecimalParam(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func createdAtOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

// Expenses

const expenseColumns = `id, owner_id, amount::text, category, to_char(date, 'YYYY-MM-DD'), notes, kind, created_at`

func scanExpense(row rowScanner) (*Expense, error) {
	var e Expense
	var amount, kind string
	if err := row.Scan(&e.ID, &e.OwnerID, &amount, &e.Category, &e.Date, &e.Notes, &kind, &e.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if e.Amount, err = parseDecimal("amount", amount); err != nil {
		return nil, err
	}
	e.Kind = ExpenseKind(kind)
	e.CreatedAt = e.CreatedAt.UTC()
	e.SyncStatus = SyncStatusSynced
	return &e, nil
}

// CreateExpense inserts an expense. Replaying the same id overwrites it, so retries are idempotent.
func (s *FinanceService) CreateExpense(ctx context.Context, ownerID string, in *Expense) (*Expense, error) {
	e := *in
	e.OwnerID = ownerID
	if err := e.Validate(); err != nil {
		return nil, err
	}
	var out *Expense
	err := s.inTx(ctx, readWriteTx, "create_expense", func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO expenses (id, owner_id, amount, category, date, notes, kind, created_at)
			VALUES ($1, $2, $3::numeric, $4, $5::date, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				amount = EXCLUDED.amount, category = EXCLUDED.category, date = EXCLUDED.date,
				notes = EXCLUDED.notes, kind = EXCLUDED.kind, updated_at = now()
			WHERE expenses.owner_id = EXCLUDED.owner_id
			RETURNING `+expenseColumns,
			e.ID, ownerID, e.Amount.String(), e.Category, e.Date, e.Notes, string(e.Kind), createdAtOrNow(e.CreatedAt))
		var err error
		out, err = scanExpense(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOwnerMismatch
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateExpense overwrites an existing owned expense
func (s *FinanceService) UpdateExpense(ctx context.Context, ownerID string, in *Expense) (*Expense, error) {
	e := *in
	e.OwnerID = ownerID
	if err := e.Validate(); err != nil {
		return nil, err
	}
	var out *Expense
	err := s.inTx(ctx, readWriteTx, "update_expense", func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE expenses SET amount = $3::numeric, category = $4, date = $5::date, notes = $6, kind = $7, updated_at = now()
			WHERE id = $1 AND owner_id = $2
			RETURNING `+expenseColumns,
			e.ID, ownerID, e.Amount.String(), e.Category, e.Date, e.Notes, string(e.Kind))
		var err error
		out, err = scanExpense(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: expense %s", ErrNotFound, e.ID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteExpense removes an owned expense
func (s *FinanceService) DeleteExpense(ctx context.Context, ownerID, id string) error {
	return s.deleteOwned(ctx, "delete_expense", "expenses", ownerID, id)
}

// Budgets

const budgetColumns = `id, owner_id, month, category, amount::text`

func scanBudget(row rowScanner) (*Budget, error) {
	var b Budget
	var amount string
	if err := row.Scan(&b.ID, &b.OwnerID, &b.Month, &b.Category, &amount); err != nil {
		return nil, err
	}
	var err error
	if b.Amount, err = parseDecimal("amount", amount); err != nil {
		return nil, err
	}
	b.SyncStatus = SyncStatusSynced
	return &b, nil
}

// UpsertBudget creates or overwrites the budget of (owner, month, category). The returned
// record carries the id already stored for that key, which may differ from the requested one.
func (s *FinanceService) UpsertBudget(ctx context.Context, ownerID string, in *Budget) (*Budget, error) {
	b := *in
	b.OwnerID = ownerID
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	var out *Budget
	err := s.inTx(ctx, readWriteTx, "upsert_budget", func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO budgets (id, owner_id, month, category, amount)
			VALUES ($1, $2, $3, $4, $5::numeric)
			ON CONFLICT (owner_id, month, category) DO UPDATE SET amount = EXCLUDED.amount, updated_at = now()
			RETURNING `+budgetColumns,
			b.ID, ownerID, b.Month, b.Category, b.Amount.String())
		var err error
		out, err = scanBudget(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Savings buckets

const bucketColumns = `id, owner_id, name, color, goal_amount::text, interest_rate, created_at`

func scanBucket(row rowScanner) (*SavingsBucket, error) {
	var b SavingsBucket
	var goal *string
	if err := row.Scan(&b.ID, &b.OwnerID, &b.Name, &b.Color, &goal, &b.InterestRate, &b.CreatedAt); err != nil {
		return nil, err
	}
	if goal != nil {
		d, err := parseDecimal("goal_amount", *goal)
		if err != nil {
			return nil, err
		}
		b.GoalAmount = &d
	}
	b.CreatedAt = b.CreatedAt.UTC()
	b.SyncStatus = SyncStatusSynced
	return &b, nil
}

// CreateBucket inserts a savings bucket, idempotent on id
func (s *FinanceService) CreateBucket(ctx context.Context, ownerID string, in *SavingsBucket) (*SavingsBucket, error) {
	b := *in
	b.OwnerID = ownerID
	if err := b.Validate(); err != nil {
		return nil, err
	}
	var out *SavingsBucket
	err := s.inTx(ctx, readWriteTx, "create_bucket", func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO savings_buckets (id, owner_id, name, color, goal_amount, interest_rate, created_at)
			VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name, color = EXCLUDED.color, goal_amount = EXCLUDED.goal_amount,
				interest_rate = EXCLUDED.interest_rate, updated_at = now()
			WHERE savings_buckets.owner_id = EXCLUDED.owner_id
			RETURNING `+bucketColumns,
			b.ID, ownerID, b.Name, b.Color, optionalDecimalParam(b.GoalAmount), b.InterestRate, createdAtOrNow(b.CreatedAt))
		var err error
		out, err = scanBucket(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOwnerMismatch
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateBucket overwrites an existing owned bucket
func (s *FinanceService) UpdateBucket(ctx context.Context, ownerID string, in *SavingsBucket) (*SavingsBucket, error) {
	b := *in
	b.OwnerID = ownerID
	if err := b.Validate(); err != nil {
		return nil, err
	}
	var out *SavingsBucket
	err := s.inTx(ctx, readWriteTx, "update_bucket", func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE savings_buckets SET name = $3, color = $4, goal_amount = $5::numeric, interest_rate = $6, updated_at = now()
			WHERE id = $1 AND owner_id = $2
			RETURNING `+bucketColumns,
			b.ID, ownerID, b.Name, b.Color, optionalDecimalParam(b.GoalAmount), b.InterestRate)
		var err error
		out, err = scanBucket(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: bucket %s", ErrNotFound, b.ID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteBucket removes an owned bucket together with its entries
func (s *FinanceService) DeleteBucket(ctx context.Context, ownerID, id string) error {
	return s.deleteOwned(ctx, "delete_bucket", "savings_buckets", ownerID, id)
}

// Savings entries

const entryColumns = `id, owner_id, bucket_id, amount::text, entry_type, to_char(date, 'YYYY-MM-DD'), notes, created_at`

func scanEntry(row rowScanner) (*SavingsEntry, error) {
	var e SavingsEntry
	var amount, entryType string
	if err := row.Scan(&e.ID, &e.OwnerID, &e.BucketID, &amount, &entryType, &e.Date, &e.Notes, &e.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if e.Amount, err = parseDecimal("amount", amount); err != nil {
		return nil, err
	}
	e.EntryType = EntryType(entryType)
	e.CreatedAt = e.CreatedAt.UTC()
	e.SyncStatus = SyncStatusSynced
	return &e, nil
}

func requireOwnedBucket(ctx context.Context, tx pgx.Tx, ownerID, bucketID string) error {
	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM savings_buckets WHERE id = $1 AND owner_id = $2)`,
		bucketID, ownerID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", bucketID, err)
	}
	if !exists {
		return fmt.Errorf("%w: bucket %s", ErrNotFound, bucketID)
	}
	return nil
}

// CreateEntry inserts a savings entry into an owned bucket, idempotent on id
func (s *FinanceService) CreateEntry(ctx context.Context, ownerID string, in *SavingsEntry) (*SavingsEntry, error) {
	e := *in
	e.OwnerID = ownerID
	if err := e.Validate(); err != nil {
		return nil, err
	}
	var out *SavingsEntry
	err := s.inTx(ctx, readWriteTx, "create_entry", func(tx pgx.Tx) error {
		if err := requireOwnedBucket(ctx, tx, ownerID, e.BucketID); err != nil {
			return err
		}
		row := tx.QueryRow(ctx, `
			INSERT INTO savings_entries (id, owner_id, bucket_id, amount, entry_type, date, notes, created_at)
			VALUES ($1, $2, $3, $4::numeric, $5, $6::date, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				bucket_id = EXCLUDED.bucket_id, amount = EXCLUDED.amount, entry_type = EXCLUDED.entry_type,
				date = EXCLUDED.date, notes = EXCLUDED.notes, updated_at = now()
			WHERE savings_entries.owner_id = EXCLUDED.owner_id
			RETURNING `+entryColumns,
			e.ID, ownerID, e.BucketID, e.Amount.String(), string(e.EntryType), e.Date, e.Notes, createdAtOrNow(e.CreatedAt))
		var err error
		out, err = scanEntry(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOwnerMismatch
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateEntry overwrites an existing owned savings entry
func (s *FinanceService) UpdateEntry(ctx context.Context, ownerID string, in *SavingsEntry) (*SavingsEntry, error) {
	e := *in
	e.OwnerID = ownerID
	if err := e.Validate(); err != nil {
		return nil, err
	}
	var out *SavingsEntry
	err := s.inTx(ctx, readWriteTx, "update_entry", func(tx pgx.Tx) error {
		if err := requireOwnedBucket(ctx, tx, ownerID, e.BucketID); err != nil {
			return err
		}
		row := tx.QueryRow(ctx, `
			UPDATE savings_entries SET bucket_id = $3, amount = $4::numeric, entry_type = $5, date = $6::date, notes = $7, updated_at = now()
			WHERE id = $1 AND owner_id = $2
			RETURNING `+entryColumns,
			e.ID, ownerID, e.BucketID, e.Amount.String(), string(e.EntryType), e.Date, e.Notes)
		var err error
		out, err = scanEntry(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: entry %s", ErrNotFound, e.ID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteEntry removes an owned savings entry
func (s *FinanceService) DeleteEntry(ctx context.Context, ownerID, id string) error {
	return s.deleteOwned(ctx, "delete_entry", "savings_entries", ownerID, id)
}

// deleteOwned deletes one row of table; table is always a package constant
func (s *FinanceService) deleteOwned(ctx context.Context, op, table, ownerID, id string) error {
	if id == "" {
		return invalid("id", "required")
	}
	return s.inTx(ctx, readWriteTx, op, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE id = $1 AND owner_id = $2`, id, ownerID)
		if err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s %s", ErrNotFound, table, id)
		}
		return nil
	})
}

// Snapshot

// FetchSnapshot reads every row of the owner in one consistent read-only transaction
func (s *FinanceService) FetchSnapshot(ctx context.Context, ownerID string) (*Snapshot, error) {
	snap := &Snapshot{
		Expenses: []Expense{},
		Budgets:  []Budget{},
		Buckets:  []SavingsBucket{},
		Entries:  []SavingsEntry{},
	}
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err := s.inTx(ctx, opts, MetricsOpSnapshot, func(tx pgx.Tx) error {
		snap.Expenses = snap.Expenses[:0]
		snap.Budgets = snap.Budgets[:0]
		snap.Buckets = snap.Buckets[:0]
		snap.Entries = snap.Entries[:0]

		if err := collect(ctx, tx, `SELECT `+expenseColumns+` FROM expenses WHERE owner_id = $1 ORDER BY date, created_at, id`,
			ownerID, scanExpense, &snap.Expenses); err != nil {
			return fmt.Errorf("failed to read expenses: %w", err)
		}
		if err := collect(ctx, tx, `SELECT `+budgetColumns+` FROM budgets WHERE owner_id = $1 ORDER BY month, category`,
			ownerID, scanBudget, &snap.Budgets); err != nil {
			return fmt.Errorf("failed to read budgets: %w", err)
		}
		if err := collect(ctx, tx, `SELECT `+bucketColumns+` FROM savings_buckets WHERE owner_id = $1 ORDER BY created_at, id`,
			ownerID, scanBucket, &snap.Buckets); err != nil {
			return fmt.Errorf("failed to read buckets: %w", err)
		}
		if err := collect(ctx, tx, `SELECT `+entryColumns+` FROM savings_entries WHERE owner_id = $1 ORDER BY date, created_at, id`,
			ownerID, scanEntry, &snap.Entries); err != nil {
			return fmt.Errorf("failed to read entries: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func collect[T any](ctx context.Context, tx pgx.Tx, query, ownerID string, scan func(rowScanner) (*T, error), out *[]T) error {
	rows, err := tx.Query(ctx, query, ownerID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return err
		}
		*out = append(*out, *v)
	}
	return rows.Err()
}
