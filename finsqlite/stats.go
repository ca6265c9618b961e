// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package finsqlite

import (
	"math"
	"time"

	"github.com/mobiletoly/go-finsync/finsync"
	"github.com/shopspring/decimal"
)

// CategoryBudget is the budget of one category in one month with what was spent against it
type CategoryBudget struct {
	Month        string
	Category     string
	BudgetID     string // empty when no budget is set
	Budget       decimal.Decimal
	Spent        decimal.Decimal
	Remaining    decimal.Decimal
	IsOverBudget bool
}

// BucketStats are the read-time figures of a savings bucket
type BucketStats struct {
	Bucket           finsync.SavingsBucket
	TotalContributed decimal.Decimal
	TotalBalance     decimal.Decimal
	InterestEarned   decimal.Decimal
	GoalProgress     int // percent, at most 100; negative when overdrawn
	EntryCount       int
}

// CategoryBudgetWithSpent sums non-income expenses of category in month against budget.
// A nil budget counts as zero.
func CategoryBudgetWithSpent(budget *finsync.Budget, expenses []finsync.Expense, month, category string) CategoryBudget {
	out := CategoryBudget{Month: month, Category: category, Budget: decimal.Zero, Spent: decimal.Zero}
	if budget != nil {
		out.BudgetID = budget.ID
		out.Budget = budget.Amount
	}
	for _, e := range expenses {
		if e.Kind == finsync.KindIncome || e.Category != category || finsync.MonthOf(e.Date) != month {
			continue
		}
		out.Spent = out.Spent.Add(e.Amount)
	}
	out.Remaining = out.Budget.Sub(out.Spent)
	out.IsOverBudget = out.Remaining.IsNegative()
	return out
}

// ContributedBalance is deposits minus withdrawals, without interest
func ContributedBalance(entries []finsync.SavingsEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		switch e.EntryType {
		case finsync.EntryDeposit:
			total = total.Add(e.Amount)
		case finsync.EntryWithdrawal:
			total = total.Sub(e.Amount)
		}
	}
	return total
}

// ComputeBucketStats derives the balance of bucket from its entries as of now. Deposits grow by
// (1 + rate/100)^(daysHeld/365) when the bucket has a positive rate; withdrawals never grow.
func ComputeBucketStats(bucket finsync.SavingsBucket, entries []finsync.SavingsEntry, now time.Time) BucketStats {
	rate := 0.0
	if bucket.InterestRate != nil {
		rate = *bucket.InterestRate
	}

	stats := BucketStats{Bucket: bucket, TotalBalance: decimal.Zero}
	for _, e := range entries {
		if e.BucketID != bucket.ID {
			continue
		}
		stats.EntryCount++
		switch e.EntryType {
		case finsync.EntryWithdrawal:
			stats.TotalBalance = stats.TotalBalance.Sub(e.Amount)
		case finsync.EntryDeposit:
			stats.TotalBalance = stats.TotalBalance.Add(grownDeposit(e, rate, now))
		}
	}
	stats.TotalContributed = ContributedBalance(filterBucket(entries, bucket.ID))
	stats.InterestEarned = stats.TotalBalance.Sub(stats.TotalContributed)
	stats.GoalProgress = GoalProgress(bucket.GoalAmount, stats.TotalBalance)
	return stats
}

func grownDeposit(e finsync.SavingsEntry, rate float64, now time.Time) decimal.Decimal {
	if rate <= 0 {
		return e.Amount
	}
	days := daysHeld(e.Date, now)
	if days == 0 {
		return e.Amount
	}
	factor := math.Pow(1+rate/100, float64(days)/365)
	return decimal.NewFromFloat(e.Amount.InexactFloat64() * factor)
}

// daysHeld is the whole days between date (UTC midnight) and now, never negative
func daysHeld(date string, now time.Time) int {
	d, err := time.Parse(finsync.DateLayout, date)
	if err != nil {
		return 0
	}
	held := now.Sub(d)
	if held <= 0 {
		return 0
	}
	return int(held / (24 * time.Hour))
}

func filterBucket(entries []finsync.SavingsEntry, bucketID string) []finsync.SavingsEntry {
	out := make([]finsync.SavingsEntry, 0, len(entries))
	for _, e := range entries {
		if e.BucketID == bucketID {
			out = append(out, e)
		}
	}
	return out
}

// GoalProgress is min(100, round(balance/goal*100)), or 0 when no goal is set. An overdrawn
// bucket reports a negative percentage.
func GoalProgress(goal *decimal.Decimal, balance decimal.Decimal) int {
	if goal == nil || !goal.IsPositive() {
		return 0
	}
	pct := balance.Div(*goal).Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	if pct > 100 {
		return 100
	}
	return int(pct)
}
