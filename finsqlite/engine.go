// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package finsqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mobiletoly/go-finsync/finsync"
)

// SyncResult summarizes one SyncNow run
type SyncResult struct {
	Replayed  int // operations confirmed by the remote
	Exhausted int // operations left queued after running out of attempts
	Remaining int // queue length after the run
	Failures  []SyncFailure
	Conflicts []ReconciliationConflict
}

// Status is what the UI shows about sync. State describes the latest run; records left in
// error by earlier runs are counted in FailedCount until they are retried or discarded.
type Status struct {
	State        finsync.EngineState
	Online       bool
	PendingCount int
	FailedCount  int
	LastSyncedAt *time.Time
	LastError    string
}

// SyncNow drains the queue and reconciles against the remote snapshot. It returns ErrOffline
// without touching the queue when connectivity is unavailable, and an error wrapping
// ErrSyncFailed when the run ends in the error state.
func (c *Client) SyncNow(ctx context.Context) (*SyncResult, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if c.syncIsPaused() {
		return nil, ErrSyncPaused
	}
	if !c.online.Load() {
		return nil, ErrOffline
	}

	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if !c.online.Load() {
		return nil, ErrOffline
	}

	start := c.stages.Start()
	res := &SyncResult{}
	c.setState(ctx, finsync.StateSyncing, nil)
	err := c.runSync(ctx, res)
	if n, cerr := c.PendingCount(ctx); cerr == nil {
		res.Remaining = n
	}
	c.stages.Observe(ctx, finsync.MetricsOpSync, finsync.MetricsStageTotal, start, res.Replayed, 1, err != nil)
	return res, err
}

func (c *Client) runSync(ctx context.Context, res *SyncResult) error {
	replayStart := c.stages.Start()
	drainErr := c.drain(ctx, res)
	c.stages.Observe(ctx, finsync.MetricsOpSync, finsync.MetricsStageReplay, replayStart, res.Replayed, 1, drainErr != nil)

	if errors.Is(drainErr, ErrOffline) {
		c.logger.Info("Connectivity lost during sync, remaining operations stay queued")
		c.setState(ctx, finsync.StateOffline, nil)
		return ErrOffline
	}
	if drainErr != nil {
		c.setState(ctx, finsync.StateError, drainErr)
		return fmt.Errorf("%w: %w", ErrSyncFailed, drainErr)
	}
	if !c.online.Load() {
		c.setState(ctx, finsync.StateOffline, nil)
		return ErrOffline
	}

	reconcileStart := c.stages.Start()
	reconcileErr := c.reconcile(ctx, res)
	c.stages.Observe(ctx, finsync.MetricsOpSync, finsync.MetricsStageReconcile, reconcileStart, len(res.Conflicts), 1, reconcileErr != nil)
	if reconcileErr != nil && !c.online.Load() {
		c.setState(ctx, finsync.StateOffline, nil)
		return ErrOffline
	}

	var problems []error
	if len(res.Failures) > 0 {
		problems = append(problems, fmt.Errorf("%d operations rejected by remote", len(res.Failures)))
	}
	if res.Exhausted > 0 {
		problems = append(problems, fmt.Errorf("%d operations exhausted retries", res.Exhausted))
	}
	if reconcileErr != nil {
		c.logger.Error("Reconciliation failed", "error", reconcileErr)
		problems = append(problems, reconcileErr)
	}

	patch := SyncMetadataPatch{}
	if reconcileErr == nil {
		now := c.config.Now().UTC()
		patch.LastSyncedAt = &now
	}
	if len(problems) == 0 {
		c.applyState(ctx, patch, finsync.StateOnline, nil)
		c.logger.Debug("Sync completed", "replayed", res.Replayed, "conflicts", len(res.Conflicts))
		return nil
	}
	joined := errors.Join(problems...)
	c.applyState(ctx, patch, finsync.StateError, joined)
	return fmt.Errorf("%w: %w", ErrSyncFailed, joined)
}

func (c *Client) setState(ctx context.Context, state finsync.EngineState, cause error) {
	c.applyState(ctx, SyncMetadataPatch{}, state, cause)
}

// applyState persists the engine state; failures are logged since the run outcome is already known
func (c *Client) applyState(ctx context.Context, patch SyncMetadataPatch, state finsync.EngineState, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if state != finsync.StateSyncing {
		patch.LastError = &msg
	}
	patch.Status = &state
	if err := c.writeMeta(context.WithoutCancel(ctx), patch); err != nil {
		c.logger.Warn("Failed to persist sync state", "state", state, "error", err)
	}
}

// SetOnline feeds the environment's connectivity signal. Regaining connectivity wakes a sync
// when operations are queued or the last run ended in error.
func (c *Client) SetOnline(online bool) {
	if c.closed.Load() || c.online.Swap(online) == online {
		return
	}
	ctx := context.Background()
	c.logger.Info("Connectivity changed", "online", online)

	meta, err := c.SyncMetadata(ctx)
	if err != nil {
		c.logger.Warn("Failed to read sync state", "error", err)
		return
	}
	patch := SyncMetadataPatch{Online: &online}
	if !online {
		state := finsync.StateOffline
		patch.Status = &state
	} else if meta.Status == finsync.StateOffline {
		state := finsync.StateOnline
		patch.Status = &state
	}
	if err := c.writeMeta(ctx, patch); err != nil {
		c.logger.Warn("Failed to persist connectivity", "online", online, "error", err)
	}
	if !online {
		return
	}

	pending, err := c.PendingCount(ctx)
	if err != nil {
		c.logger.Warn("Failed to count pending operations", "error", err)
		return
	}
	if pending > 0 || meta.Status == finsync.StateError {
		c.triggerSync()
	}
}

// IsOnline reports the last connectivity signal
func (c *Client) IsOnline() bool { return c.online.Load() }

// triggerSync wakes Run without blocking
func (c *Client) triggerSync() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run is the background sync loop: it syncs when woken by a mutation or regained connectivity,
// probes the remote every ProbeInterval and refreshes every RefreshInterval. Failed runs back
// off exponentially. Run returns when ctx is done.
func (c *Client) Run(ctx context.Context) {
	var probe, refresh <-chan time.Time
	if c.config.ProbeInterval > 0 {
		t := time.NewTicker(c.config.ProbeInterval)
		defer t.Stop()
		probe = t.C
	}
	if c.config.RefreshInterval > 0 {
		t := time.NewTicker(c.config.RefreshInterval)
		defer t.Stop()
		refresh = t.C
	}

	c.triggerSync()
	backoff := c.config.BackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		case <-probe:
			c.probe(ctx)
			continue
		case <-c.wake:
		case <-refresh:
		}

		if c.closed.Load() {
			return
		}
		// Respect pause switch in background loop
		if c.syncIsPaused() || !c.online.Load() {
			continue
		}

		_, err := c.SyncNow(ctx)
		switch {
		case err == nil, errors.Is(err, ErrOffline), errors.Is(err, ErrSyncPaused):
			backoff = c.config.BackoffMin
		case errors.Is(err, ErrClosed):
			return
		default:
			c.logger.Warn("Background sync failed", "error", err, "retry_in", backoff)
			if finsync.SleepWithContext(ctx, backoff) != nil {
				return
			}
			backoff *= 2
			if backoff > c.config.BackoffMax {
				backoff = c.config.BackoffMax
			}
			c.triggerSync()
		}
	}
}

func (c *Client) probe(ctx context.Context) {
	callCtx := ctx
	if c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}
	err := c.Remote.Ping(callCtx)
	if err != nil && ctx.Err() != nil {
		return
	}
	if err != nil {
		c.logger.Debug("Connectivity probe failed", "error", err)
	}
	c.SetOnline(err == nil)
}

// Status returns the current sync status
func (c *Client) Status(ctx context.Context) (Status, error) {
	meta, err := c.SyncMetadata(ctx)
	if err != nil {
		return Status{}, err
	}
	pending, err := c.PendingCount(ctx)
	if err != nil {
		return Status{}, err
	}
	failed, err := failedCount(ctx, c.DB, c.OwnerID)
	if err != nil {
		return Status{}, err
	}
	return Status{
		State:        meta.Status,
		Online:       c.online.Load(),
		PendingCount: pending,
		FailedCount:  failed,
		LastSyncedAt: meta.LastSyncedAt,
		LastError:    meta.LastError,
	}, nil
}

// WatchStatus calls fn with the current status now and after every queue or state change
func (c *Client) WatchStatus(fn func(Status)) (cancel func()) {
	emit := func() {
		st, err := c.Status(context.Background())
		if err != nil {
			c.logger.Warn("Failed to read sync status", "error", err)
			return
		}
		fn(st)
	}
	cancel = c.notifier.subscribe(func([]topic) { emit() }, topicQueue, topicMeta)
	emit()
	return cancel
}
