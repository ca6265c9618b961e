// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package finsync

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Models shared by the SQLite client and the remote data service.
// The same structs travel over HTTP as JSON and live in the local mirror.

// Record is implemented by every synchronized entity
type Record interface {
	EntityType() EntityType
	RecordID() string
	Owner() string
	Status() SyncStatus
	Validate() error
}

// Expense is a single spending or income record
type Expense struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"owner_id"`
	Amount     decimal.Decimal `json:"amount"`
	Category   string          `json:"category"`
	Date       string          `json:"date"` // YYYY-MM-DD
	Notes      string          `json:"notes,omitempty"`
	Kind       ExpenseKind     `json:"kind"`
	CreatedAt  time.Time       `json:"created_at"`
	SyncStatus SyncStatus      `json:"sync_status,omitempty"`
}

// Budget is the spending limit of an owner for a month, optionally narrowed to a category.
// An empty category is the month-wide budget.
type Budget struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"owner_id"`
	Month      string          `json:"month"` // YYYY-MM
	Category   string          `json:"category,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	SyncStatus SyncStatus      `json:"sync_status,omitempty"`
}

// SavingsBucket groups savings entries toward an optional goal
type SavingsBucket struct {
	ID           string           `json:"id"`
	OwnerID      string           `json:"owner_id"`
	Name         string           `json:"name"`
	Color        string           `json:"color,omitempty"`
	GoalAmount   *decimal.Decimal `json:"goal_amount,omitempty"`
	InterestRate *float64         `json:"interest_rate,omitempty"` // yearly percent
	CreatedAt    time.Time        `json:"created_at"`
	SyncStatus   SyncStatus       `json:"sync_status,omitempty"`
}

// SavingsEntry is a deposit into or a withdrawal from a bucket
type SavingsEntry struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"owner_id"`
	BucketID   string          `json:"bucket_id"`
	Amount     decimal.Decimal `json:"amount"`
	EntryType  EntryType       `json:"entry_type"`
	Date       string          `json:"date"` // YYYY-MM-DD
	Notes      string          `json:"notes,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	SyncStatus SyncStatus      `json:"sync_status,omitempty"`
}

func (e *Expense) EntityType() EntityType { return EntityExpense }
func (e *Expense) RecordID() string       { return e.ID }
func (e *Expense) Owner() string          { return e.OwnerID }
func (e *Expense) Status() SyncStatus     { return e.SyncStatus }

func (b *Budget) EntityType() EntityType { return EntityBudget }
func (b *Budget) RecordID() string       { return b.ID }
func (b *Budget) Owner() string          { return b.OwnerID }
func (b *Budget) Status() SyncStatus     { return b.SyncStatus }

func (b *SavingsBucket) EntityType() EntityType { return EntityBucket }
func (b *SavingsBucket) RecordID() string       { return b.ID }
func (b *SavingsBucket) Owner() string          { return b.OwnerID }
func (b *SavingsBucket) Status() SyncStatus     { return b.SyncStatus }

func (e *SavingsEntry) EntityType() EntityType { return EntityEntry }
func (e *SavingsEntry) RecordID() string       { return e.ID }
func (e *SavingsEntry) Owner() string          { return e.OwnerID }
func (e *SavingsEntry) Status() SyncStatus     { return e.SyncStatus }

// SyncOperation is one queued mutation awaiting remote confirmation
type SyncOperation struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"seq"`
	OwnerID    string          `json:"owner_id"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Kind       OpKind          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"` // record snapshot at enqueue time, null for deletes
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error,omitempty"`
}

// SyncMetadata is the process-wide sync singleton
type SyncMetadata struct {
	OwnerID      string      `json:"owner_id"`
	LastSyncedAt *time.Time  `json:"last_synced_at,omitempty"`
	Online       bool        `json:"online"`
	Status       EngineState `json:"status"`
	LastError    string      `json:"last_error,omitempty"`
}

// Snapshot is the authoritative server state of one owner
type Snapshot struct {
	Expenses []Expense       `json:"expenses"`
	Budgets  []Budget        `json:"budgets"`
	Buckets  []SavingsBucket `json:"buckets"`
	Entries  []SavingsEntry  `json:"entries"`
}

// Records flattens the snapshot into records, parents first
func (s *Snapshot) Records() []Record {
	out := make([]Record, 0, len(s.Expenses)+len(s.Budgets)+len(s.Buckets)+len(s.Entries))
	for i := range s.Expenses {
		out = append(out, &s.Expenses[i])
	}
	for i := range s.Budgets {
		out = append(out, &s.Budgets[i])
	}
	for i := range s.Buckets {
		out = append(out, &s.Buckets[i])
	}
	for i := range s.Entries {
		out = append(out, &s.Entries[i])
	}
	return out
}

// BudgetRequest is the upsert body for PUT /v1/budgets
type BudgetRequest struct {
	ID       string          `json:"id,omitempty"`
	Month    string          `json:"month"`
	Category string          `json:"category,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusResponse represents service status response
type StatusResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	AppName string `json:"app_name"`
}
