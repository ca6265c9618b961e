// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package finsync

// EntityType names one of the synchronized record collections
type EntityType string

const (
	EntityExpense EntityType = "expense"
	EntityBudget  EntityType = "budget"
	EntityBucket  EntityType = "bucket"
	EntityEntry   EntityType = "entry"
)

// AllEntityTypes lists every synchronized collection in parent-first order
var AllEntityTypes = []EntityType{EntityExpense, EntityBudget, EntityBucket, EntityEntry}

// Valid reports whether t is a known entity type
func (t EntityType) Valid() bool {
	switch t {
	case EntityExpense, EntityBudget, EntityBucket, EntityEntry:
		return true
	}
	return false
}

// OpKind is the kind of a queued mutation
type OpKind string

// Operation constants for queued mutations
const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Valid reports whether k is a known operation kind
func (k OpKind) Valid() bool {
	return k == OpCreate || k == OpUpdate || k == OpDelete
}

// SyncStatus is the per-record remote confirmation state
type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusError   SyncStatus = "error"
)

// EngineState is the process-wide sync state exposed to the UI
type EngineState string

const (
	StateOnline  EngineState = "online"
	StateOffline EngineState = "offline"
	StateSyncing EngineState = "syncing"
	StateError   EngineState = "error"
)

// ExpenseKind distinguishes spending from income
type ExpenseKind string

const (
	KindExpense ExpenseKind = "expense"
	KindIncome  ExpenseKind = "income"
)

// EntryType distinguishes money added to a bucket from money taken out
type EntryType string

const (
	EntryDeposit    EntryType = "deposit"
	EntryWithdrawal EntryType = "withdrawal"
)

// Layouts for date-only values
const (
	DateLayout  = "2006-01-02"
	MonthLayout = "2006-01"
)

// Header carrying the client operation id on mutating requests
const HeaderIdempotencyKey = "Idempotency-Key"
