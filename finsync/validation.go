// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package finsync

import (
	"strings"
	"time"
)

// Validate checks the fields required of an expense
func (e *Expense) Validate() error {
	if err := requireIdentity(e.ID, e.OwnerID); err != nil {
		return err
	}
	if !e.Amount.IsPositive() {
		return invalid("amount", "must be positive, got %s", e.Amount.String())
	}
	if strings.TrimSpace(e.Category) == "" {
		return invalid("category", "required")
	}
	if err := validateDate("date", e.Date); err != nil {
		return err
	}
	if e.Kind != KindExpense && e.Kind != KindIncome {
		return invalid("kind", "unknown kind %q", e.Kind)
	}
	return nil
}

// Validate checks the fields required of a budget
func (b *Budget) Validate() error {
	if err := requireIdentity(b.ID, b.OwnerID); err != nil {
		return err
	}
	if err := ValidateMonth(b.Month); err != nil {
		return err
	}
	if b.Amount.IsNegative() {
		return invalid("amount", "must not be negative, got %s", b.Amount.String())
	}
	return nil
}

// Validate checks the fields required of a savings bucket
func (b *SavingsBucket) Validate() error {
	if err := requireIdentity(b.ID, b.OwnerID); err != nil {
		return err
	}
	if strings.TrimSpace(b.Name) == "" {
		return invalid("name", "required")
	}
	if b.GoalAmount != nil && !b.GoalAmount.IsPositive() {
		return invalid("goal_amount", "must be positive when set, got %s", b.GoalAmount.String())
	}
	if b.InterestRate != nil && *b.InterestRate < 0 {
		return invalid("interest_rate", "must not be negative, got %v", *b.InterestRate)
	}
	return nil
}

// Validate checks the fields required of a savings entry
func (e *SavingsEntry) Validate() error {
	if err := requireIdentity(e.ID, e.OwnerID); err != nil {
		return err
	}
	if e.BucketID == "" {
		return invalid("bucket_id", "required")
	}
	if !e.Amount.IsPositive() {
		return invalid("amount", "must be positive, got %s", e.Amount.String())
	}
	if e.EntryType != EntryDeposit && e.EntryType != EntryWithdrawal {
		return invalid("entry_type", "unknown entry type %q", e.EntryType)
	}
	return validateDate("date", e.Date)
}

// ValidateMonth checks a YYYY-MM month key
func ValidateMonth(month string) error {
	if _, err := time.Parse(MonthLayout, month); err != nil {
		return invalid("month", "expected YYYY-MM, got %q", month)
	}
	return nil
}

// ValidateOperation checks the shape of a queued mutation
func ValidateOperation(op *SyncOperation) error {
	if !op.EntityType.Valid() {
		return invalid("entity_type", "unknown entity type %q", op.EntityType)
	}
	if op.EntityID == "" {
		return invalid("entity_id", "required")
	}
	if !op.Kind.Valid() {
		return invalid("kind", "unknown operation kind %q", op.Kind)
	}
	if op.EntityType == EntityBudget && op.Kind == OpDelete {
		return invalid("kind", "budgets cannot be deleted")
	}
	if op.Kind != OpDelete && len(op.Payload) == 0 {
		return invalid("payload", "required for %s", op.Kind)
	}
	return nil
}

func requireIdentity(id, owner string) error {
	if id == "" {
		return invalid("id", "required")
	}
	if owner == "" {
		return invalid("owner_id", "required")
	}
	return nil
}

func validateDate(field, value string) error {
	if _, err := time.Parse(DateLayout, value); err != nil {
		return invalid(field, "expected YYYY-MM-DD, got %q", value)
	}
	return nil
}

// MonthOf returns the YYYY-MM month of a YYYY-MM-DD date, or "" for malformed input
func MonthOf(date string) string {
	if len(date) < 7 {
		return ""
	}
	return date[:7]
}
