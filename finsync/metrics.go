// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package finsync

import (
	"context"
	"log/slog"
	"time"
)

const (
	MetricsOpSync     = "sync"
	MetricsOpMutation = "mutation"
	MetricsOpSnapshot = "snapshot"

	MetricsStageTotal = "total"

	// Client sync stages.
	MetricsStageReplay    = "replay"
	MetricsStageReconcile = "reconcile"

	// Server stages.
	MetricsStageTx = "tx"
)

type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Attempt   int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// StageObserver forwards stage timings to a recorder and optionally to a debug log
type StageObserver struct {
	Recorder  StageMetricsRecorder
	LogTiming bool
	Logger    *slog.Logger
}

func (o StageObserver) enabled() bool {
	return o.Recorder != nil || o.LogTiming
}

// Start returns the zero time when nothing observes stages
func (o StageObserver) Start() time.Time {
	if !o.enabled() {
		return time.Time{}
	}
	return time.Now()
}

// Observe reports a stage started at start
func (o StageObserver) Observe(ctx context.Context, op, stage string, start time.Time, count, attempt int, hadError bool) {
	if start.IsZero() {
		return
	}

	timing := StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  time.Since(start),
		Count:     count,
		Attempt:   attempt,
		Error:     hadError,
	}

	if o.Recorder != nil {
		o.Recorder.ObserveStage(ctx, timing)
	}
	if o.LogTiming && o.Logger != nil {
		o.Logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"attempt", timing.Attempt,
			"error", timing.Error,
		)
	}
}
