// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package finsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mobiletoly/go-finsync/finsync"
	"github.com/shopspring/decimal"
)

const timeLayout = time.RFC3339Nano

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Predicate filters records returned by QueryLocal; nil matches everything
type Predicate func(finsync.Record) bool

// ExpenseFilter narrows Expenses; empty fields match everything
type ExpenseFilter struct {
	Month    string // YYYY-MM
	Category string
	Kind     finsync.ExpenseKind
}

func tableFor(t finsync.EntityType) (string, error) {
	switch t {
	case finsync.EntityExpense:
		return "expenses", nil
	case finsync.EntityBudget:
		return "budgets", nil
	case finsync.EntityBucket:
		return "savings_buckets", nil
	case finsync.EntityEntry:
		return "savings_entries", nil
	}
	return "", &finsync.ValidationError{Field: "entity_type", Message: fmt.Sprintf("unknown entity type %q", t)}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// UpsertLocal inserts or overwrites rec by id with the given sync status
func (c *Client) UpsertLocal(ctx context.Context, rec finsync.Record, status finsync.SyncStatus) error {
	if err := c.checkRecord(rec); err != nil {
		return err
	}
	return c.withWrite(ctx, entityTopics([]finsync.EntityType{rec.EntityType()}), func(tx *sql.Tx) error {
		return upsertTx(ctx, tx, rec, status)
	})
}

// DeleteLocal removes a record; deleting an absent id is a no-op
func (c *Client) DeleteLocal(ctx context.Context, entityType finsync.EntityType, id string) error {
	if _, err := tableFor(entityType); err != nil {
		return err
	}
	return c.withWrite(ctx, entityTopics([]finsync.EntityType{entityType}), func(tx *sql.Tx) error {
		return deleteTx(ctx, tx, c.OwnerID, entityType, id)
	})
}

// QueryLocal returns the owner's records of entityType that match pred
func (c *Client) QueryLocal(ctx context.Context, entityType finsync.EntityType, pred Predicate) ([]finsync.Record, error) {
	recs, err := loadAll(ctx, c.DB, c.OwnerID, entityType)
	if err != nil {
		return nil, err
	}
	if pred == nil {
		return recs, nil
	}
	out := recs[:0]
	for _, r := range recs {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (c *Client) checkRecord(rec finsync.Record) error {
	if rec == nil {
		return &finsync.ValidationError{Message: "record is nil"}
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.Owner() != c.OwnerID {
		return fmt.Errorf("%w: %s %s owned by %s", finsync.ErrOwnerMismatch, rec.EntityType(), rec.RecordID(), rec.Owner())
	}
	return nil
}

func upsertTx(ctx context.Context, q querier, rec finsync.Record, status finsync.SyncStatus) error {
	var err error
	switch r := rec.(type) {
	case *finsync.Expense:
		_, err = q.ExecContext(ctx, `
			INSERT INTO expenses (id, owner_id, amount, category, date, notes, kind, created_at, sync_status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				amount = excluded.amount, category = excluded.category, date = excluded.date,
				notes = excluded.notes, kind = excluded.kind, created_at = excluded.created_at,
				sync_status = excluded.sync_status`,
			r.ID, r.OwnerID, r.Amount.String(), r.Category, r.Date, r.Notes, string(r.Kind), formatTime(r.CreatedAt), string(status))
	case *finsync.Budget:
		_, err = q.ExecContext(ctx, `
			INSERT INTO budgets (id, owner_id, month, category, amount, sync_status)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				month = excluded.month, category = excluded.category, amount = excluded.amount,
				sync_status = excluded.sync_status`,
			r.ID, r.OwnerID, r.Month, r.Category, r.Amount.String(), string(status))
	case *finsync.SavingsBucket:
		var goal any
		if r.GoalAmount != nil {
			goal = r.GoalAmount.String()
		}
		var rate any
		if r.InterestRate != nil {
			rate = *r.InterestRate
		}
		_, err = q.ExecContext(ctx, `
			INSERT INTO savings_buckets (id, owner_id, name, color, goal_amount, interest_rate, created_at, sync_status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name, color = excluded.color, goal_amount = excluded.goal_amount,
				interest_rate = excluded.interest_rate, created_at = excluded.created_at,
				sync_status = excluded.sync_status`,
			r.ID, r.OwnerID, r.Name, r.Color, goal, rate, formatTime(r.CreatedAt), string(status))
	case *finsync.SavingsEntry:
		_, err = q.ExecContext(ctx, `
			INSERT INTO savings_entries (id, owner_id, bucket_id, amount, entry_type, date, notes, created_at, sync_status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				bucket_id = excluded.bucket_id, amount = excluded.amount, entry_type = excluded.entry_type,
				date = excluded.date, notes = excluded.notes, created_at = excluded.created_at,
				sync_status = excluded.sync_status`,
			r.ID, r.OwnerID, r.BucketID, r.Amount.String(), string(r.EntryType), r.Date, r.Notes, formatTime(r.CreatedAt), string(status))
	default:
		return &finsync.ValidationError{Message: fmt.Sprintf("unsupported record type %T", rec)}
	}
	if err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", rec.EntityType(), rec.RecordID(), err)
	}
	return nil
}

func deleteTx(ctx context.Context, q querier, ownerID string, entityType finsync.EntityType, id string) error {
	table, err := tableFor(entityType)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ? AND owner_id = ?`, id, ownerID); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", entityType, id, err)
	}
	return nil
}

// recordStatus returns the sync status of a row and whether it exists
func recordStatus(ctx context.Context, q querier, entityType finsync.EntityType, id string) (finsync.SyncStatus, bool, error) {
	table, err := tableFor(entityType)
	if err != nil {
		return "", false, err
	}
	var status string
	err = q.QueryRowContext(ctx, `SELECT sync_status FROM `+table+` WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read status of %s %s: %w", entityType, id, err)
	}
	return finsync.SyncStatus(status), true, nil
}

// failedCount counts the owner's rows flagged error across all entity types
func failedCount(ctx context.Context, q querier, ownerID string) (int, error) {
	total := 0
	for _, t := range finsync.AllEntityTypes {
		table, err := tableFor(t)
		if err != nil {
			return 0, err
		}
		var n int
		err = q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE owner_id = ? AND sync_status = ?`,
			ownerID, string(finsync.SyncStatusError)).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("failed to count failed %s: %w", t, err)
		}
		total += n
	}
	return total, nil
}

func setStatusTx(ctx context.Context, q querier, entityType finsync.EntityType, id string, status finsync.SyncStatus) error {
	table, err := tableFor(entityType)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `UPDATE `+table+` SET sync_status = ? WHERE id = ?`, string(status), id); err != nil {
		return fmt.Errorf("failed to set status of %s %s: %w", entityType, id, err)
	}
	return nil
}

// Row scanners

type rowScanner interface {
	Scan(dest ...any) error
}

const (
	expenseSelect = `SELECT id, owner_id, amount, category, date, notes, kind, created_at, sync_status FROM expenses`
	budgetSelect  = `SELECT id, owner_id, month, category, amount, sync_status FROM budgets`
	bucketSelect  = `SELECT id, owner_id, name, color, goal_amount, interest_rate, created_at, sync_status FROM savings_buckets`
	entrySelect   = `SELECT id, owner_id, bucket_id, amount, entry_type, date, notes, created_at, sync_status FROM savings_entries`
)

func scanExpense(row rowScanner) (*finsync.Expense, error) {
	var e finsync.Expense
	var amount, kind, created, status string
	if err := row.Scan(&e.ID, &e.OwnerID, &amount, &e.Category, &e.Date, &e.Notes, &kind, &created, &status); err != nil {
		return nil, err
	}
	var err error
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("failed to parse amount of expense %s: %w", e.ID, err)
	}
	if e.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	e.Kind = finsync.ExpenseKind(kind)
	e.SyncStatus = finsync.SyncStatus(status)
	return &e, nil
}

func scanBudget(row rowScanner) (*finsync.Budget, error) {
	var b finsync.Budget
	var amount, status string
	if err := row.Scan(&b.ID, &b.OwnerID, &b.Month, &b.Category, &amount, &status); err != nil {
		return nil, err
	}
	var err error
	if b.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("failed to parse amount of budget %s: %w", b.ID, err)
	}
	b.SyncStatus = finsync.SyncStatus(status)
	return &b, nil
}

func scanBucket(row rowScanner) (*finsync.SavingsBucket, error) {
	var b finsync.SavingsBucket
	var goal sql.NullString
	var rate sql.NullFloat64
	var created, status string
	if err := row.Scan(&b.ID, &b.OwnerID, &b.Name, &b.Color, &goal, &rate, &created, &status); err != nil {
		return nil, err
	}
	if goal.Valid {
		d, err := decimal.NewFromString(goal.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse goal of bucket %s: %w", b.ID, err)
		}
		b.GoalAmount = &d
	}
	if rate.Valid {
		r := rate.Float64
		b.InterestRate = &r
	}
	var err error
	if b.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	b.SyncStatus = finsync.SyncStatus(status)
	return &b, nil
}

func scanEntry(row rowScanner) (*finsync.SavingsEntry, error) {
	var e finsync.SavingsEntry
	var amount, entryType, created, status string
	if err := row.Scan(&e.ID, &e.OwnerID, &e.BucketID, &amount, &entryType, &e.Date, &e.Notes, &created, &status); err != nil {
		return nil, err
	}
	var err error
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("failed to parse amount of entry %s: %w", e.ID, err)
	}
	if e.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	e.EntryType = finsync.EntryType(entryType)
	e.SyncStatus = finsync.SyncStatus(status)
	return &e, nil
}

func queryRows[T any](ctx context.Context, q querier, scan func(rowScanner) (*T, error), query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query local records: %w", err)
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan local record: %w", err)
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate local records: %w", err)
	}
	return out, nil
}

// loadRecord returns one record by id, or finsync.ErrNotFound
func loadRecord(ctx context.Context, q querier, ownerID string, entityType finsync.EntityType, id string) (finsync.Record, error) {
	var (
		rec finsync.Record
		err error
	)
	switch entityType {
	case finsync.EntityExpense:
		rec, err = scanExpense(q.QueryRowContext(ctx, expenseSelect+` WHERE id = ? AND owner_id = ?`, id, ownerID))
	case finsync.EntityBudget:
		rec, err = scanBudget(q.QueryRowContext(ctx, budgetSelect+` WHERE id = ? AND owner_id = ?`, id, ownerID))
	case finsync.EntityBucket:
		rec, err = scanBucket(q.QueryRowContext(ctx, bucketSelect+` WHERE id = ? AND owner_id = ?`, id, ownerID))
	case finsync.EntityEntry:
		rec, err = scanEntry(q.QueryRowContext(ctx, entrySelect+` WHERE id = ? AND owner_id = ?`, id, ownerID))
	default:
		_, err = tableFor(entityType)
		return nil, err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", finsync.ErrNotFound, entityType, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s %s: %w", entityType, id, err)
	}
	return rec, nil
}

// loadAll returns every record of the owner for entityType
func loadAll(ctx context.Context, q querier, ownerID string, entityType finsync.EntityType) ([]finsync.Record, error) {
	var out []finsync.Record
	switch entityType {
	case finsync.EntityExpense:
		rows, err := queryRows(ctx, q, scanExpense, expenseSelect+` WHERE owner_id = ? ORDER BY date DESC, created_at DESC`, ownerID)
		if err != nil {
			return nil, err
		}
		for i := range rows {
			out = append(out, &rows[i])
		}
	case finsync.EntityBudget:
		rows, err := queryRows(ctx, q, scanBudget, budgetSelect+` WHERE owner_id = ? ORDER BY month, category`, ownerID)
		if err != nil {
			return nil, err
		}
		for i := range rows {
			out = append(out, &rows[i])
		}
	case finsync.EntityBucket:
		rows, err := queryRows(ctx, q, scanBucket, bucketSelect+` WHERE owner_id = ? ORDER BY created_at, id`, ownerID)
		if err != nil {
			return nil, err
		}
		for i := range rows {
			out = append(out, &rows[i])
		}
	case finsync.EntityEntry:
		rows, err := queryRows(ctx, q, scanEntry, entrySelect+` WHERE owner_id = ? ORDER BY date, created_at`, ownerID)
		if err != nil {
			return nil, err
		}
		for i := range rows {
			out = append(out, &rows[i])
		}
	default:
		_, err := tableFor(entityType)
		return nil, err
	}
	return out, nil
}

// Typed reads

// Expenses returns the owner's expenses, newest first
func (c *Client) Expenses(ctx context.Context, filter ExpenseFilter) ([]finsync.Expense, error) {
	query := expenseSelect + ` WHERE owner_id = ?`
	args := []any{c.OwnerID}
	if filter.Month != "" {
		query += ` AND substr(date, 1, 7) = ?`
		args = append(args, filter.Month)
	}
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, filter.Category)
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	query += ` ORDER BY date DESC, created_at DESC`
	return queryRows(ctx, c.DB, scanExpense, query, args...)
}

// Expense returns one expense or finsync.ErrNotFound
func (c *Client) Expense(ctx context.Context, id string) (*finsync.Expense, error) {
	rec, err := loadRecord(ctx, c.DB, c.OwnerID, finsync.EntityExpense, id)
	if err != nil {
		return nil, err
	}
	return rec.(*finsync.Expense), nil
}

// Budgets returns the owner's budgets ordered by month and category
func (c *Client) Budgets(ctx context.Context) ([]finsync.Budget, error) {
	return queryRows(ctx, c.DB, scanBudget, budgetSelect+` WHERE owner_id = ? ORDER BY month, category`, c.OwnerID)
}

// BudgetFor returns the budget of month and category ("" for month-wide) or finsync.ErrNotFound
func (c *Client) BudgetFor(ctx context.Context, month, category string) (*finsync.Budget, error) {
	return budgetByKey(ctx, c.DB, c.OwnerID, month, category)
}

func budgetByKey(ctx context.Context, q querier, ownerID, month, category string) (*finsync.Budget, error) {
	b, err := scanBudget(q.QueryRowContext(ctx, budgetSelect+` WHERE owner_id = ? AND month = ? AND category = ?`,
		ownerID, month, category))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: budget %s/%s", finsync.ErrNotFound, month, category)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load budget %s/%s: %w", month, category, err)
	}
	return b, nil
}

// Buckets returns the owner's savings buckets in creation order
func (c *Client) Buckets(ctx context.Context) ([]finsync.SavingsBucket, error) {
	return queryRows(ctx, c.DB, scanBucket, bucketSelect+` WHERE owner_id = ? ORDER BY created_at, id`, c.OwnerID)
}

// Bucket returns one bucket or finsync.ErrNotFound
func (c *Client) Bucket(ctx context.Context, id string) (*finsync.SavingsBucket, error) {
	rec, err := loadRecord(ctx, c.DB, c.OwnerID, finsync.EntityBucket, id)
	if err != nil {
		return nil, err
	}
	return rec.(*finsync.SavingsBucket), nil
}

// Entries returns the entries of a bucket in date order, or all entries when bucketID is empty
func (c *Client) Entries(ctx context.Context, bucketID string) ([]finsync.SavingsEntry, error) {
	return bucketEntries(ctx, c.DB, c.OwnerID, bucketID)
}

func bucketEntries(ctx context.Context, q querier, ownerID, bucketID string) ([]finsync.SavingsEntry, error) {
	if bucketID == "" {
		return queryRows(ctx, q, scanEntry, entrySelect+` WHERE owner_id = ? ORDER BY date, created_at`, ownerID)
	}
	return queryRows(ctx, q, scanEntry, entrySelect+` WHERE owner_id = ? AND bucket_id = ? ORDER BY date, created_at`, ownerID, bucketID)
}

// Entry returns one savings entry or finsync.ErrNotFound
func (c *Client) Entry(ctx context.Context, id string) (*finsync.SavingsEntry, error) {
	rec, err := loadRecord(ctx, c.DB, c.OwnerID, finsync.EntityEntry, id)
	if err != nil {
		return nil, err
	}
	return rec.(*finsync.SavingsEntry), nil
}
