// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package finsqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mobiletoly/go-finsync/finsync"
)

// HTTPRemote talks to the finsync HTTP API
type HTTPRemote struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns JWT
	HTTP    *http.Client
	logger  *slog.Logger
}

var _ Remote = (*HTTPRemote)(nil)

// NewHTTPRemote creates an HTTP remote for baseURL. logger may be nil.
func NewHTTPRemote(baseURL string, token func(context.Context) (string, error), logger *slog.Logger) *HTTPRemote {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRemote{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

func (r *HTTPRemote) CreateExpense(ctx context.Context, e *finsync.Expense) (*finsync.Expense, error) {
	var out finsync.Expense
	return &out, r.do(ctx, http.MethodPost, "/v1/expenses", e, &out)
}

func (r *HTTPRemote) UpdateExpense(ctx context.Context, e *finsync.Expense) (*finsync.Expense, error) {
	var out finsync.Expense
	return &out, r.do(ctx, http.MethodPut, "/v1/expenses/"+url.PathEscape(e.ID), e, &out)
}

func (r *HTTPRemote) DeleteExpense(ctx context.Context, id string) error {
	return r.do(ctx, http.MethodDelete, "/v1/expenses/"+url.PathEscape(id), nil, nil)
}

func (r *HTTPRemote) CreateBudget(ctx context.Context, b *finsync.Budget) (*finsync.Budget, error) {
	return r.putBudget(ctx, b)
}

func (r *HTTPRemote) UpdateBudget(ctx context.Context, b *finsync.Budget) (*finsync.Budget, error) {
	return r.putBudget(ctx, b)
}

func (r *HTTPRemote) putBudget(ctx context.Context, b *finsync.Budget) (*finsync.Budget, error) {
	req := finsync.BudgetRequest{ID: b.ID, Month: b.Month, Category: b.Category, Amount: b.Amount}
	var out finsync.Budget
	return &out, r.do(ctx, http.MethodPut, "/v1/budgets", &req, &out)
}

func (r *HTTPRemote) CreateBucket(ctx context.Context, b *finsync.SavingsBucket) (*finsync.SavingsBucket, error) {
	var out finsync.SavingsBucket
	return &out, r.do(ctx, http.MethodPost, "/v1/buckets", b, &out)
}

func (r *HTTPRemote) UpdateBucket(ctx context.Context, b *finsync.SavingsBucket) (*finsync.SavingsBucket, error) {
	var out finsync.SavingsBucket
	return &out, r.do(ctx, http.MethodPut, "/v1/buckets/"+url.PathEscape(b.ID), b, &out)
}

func (r *HTTPRemote) DeleteBucket(ctx context.Context, id string) error {
	return r.do(ctx, http.MethodDelete, "/v1/buckets/"+url.PathEscape(id), nil, nil)
}

func (r *HTTPRemote) CreateEntry(ctx context.Context, e *finsync.SavingsEntry) (*finsync.SavingsEntry, error) {
	var out finsync.SavingsEntry
	return &out, r.do(ctx, http.MethodPost, "/v1/entries", e, &out)
}

func (r *HTTPRemote) UpdateEntry(ctx context.Context, e *finsync.SavingsEntry) (*finsync.SavingsEntry, error) {
	var out finsync.SavingsEntry
	return &out, r.do(ctx, http.MethodPut, "/v1/entries/"+url.PathEscape(e.ID), e, &out)
}

func (r *HTTPRemote) DeleteEntry(ctx context.Context, id string) error {
	return r.do(ctx, http.MethodDelete, "/v1/entries/"+url.PathEscape(id), nil, nil)
}

// FetchSnapshot returns the snapshot of the token's owner. ownerID is checked against the
// records returned.
func (r *HTTPRemote) FetchSnapshot(ctx context.Context, ownerID string) (*finsync.Snapshot, error) {
	var snap finsync.Snapshot
	if err := r.do(ctx, http.MethodGet, "/v1/snapshot", nil, &snap); err != nil {
		return nil, err
	}
	for _, rec := range snap.Records() {
		if rec.Owner() != ownerID {
			return nil, finsync.NewRemoteError(finsync.ErrKindUnauthorized,
				"snapshot holds %s %s of owner %s", rec.EntityType(), rec.RecordID(), rec.Owner())
		}
	}
	return &snap, nil
}

// Ping checks that the service answers its health endpoint
func (r *HTTPRemote) Ping(ctx context.Context) error {
	return r.do(ctx, http.MethodGet, "/v1/health", nil, nil)
}

// do sends one JSON request. Every failure comes back as *finsync.RemoteError.
func (r *HTTPRemote) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return finsync.NewRemoteError(finsync.ErrKindValidation, "failed to marshal request: %v", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, r.BaseURL+path, body)
	if err != nil {
		return finsync.NewRemoteError(finsync.ErrKindValidation, "failed to create HTTP request: %v", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if r.Token != nil {
		token, err := r.Token(ctx)
		if err != nil {
			return finsync.NewRemoteError(finsync.ErrKindUnauthorized, "failed to get JWT token: %v", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if opID, ok := OperationID(ctx); ok && method != http.MethodGet {
		httpReq.Header.Set(finsync.HeaderIdempotencyKey, opID)
	}

	resp, err := r.HTTP.Do(httpReq)
	if err != nil {
		return finsync.AsRemoteError(fmt.Errorf("failed to send HTTP request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return r.decodeError(method, path, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return finsync.NewRemoteError(finsync.ErrKindServer, "failed to decode %s %s response: %v", method, path, err)
	}
	return nil
}

func (r *HTTPRemote) decodeError(method, path string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	kind := finsync.StatusKind(resp.StatusCode)
	msg := strings.TrimSpace(string(raw))

	var er finsync.ErrorResponse
	if json.Unmarshal(raw, &er) == nil && er.Error != "" {
		switch k := finsync.ErrorKind(er.Error); k {
		case finsync.ErrKindNetwork, finsync.ErrKindValidation, finsync.ErrKindNotFound,
			finsync.ErrKindUnauthorized, finsync.ErrKindServer:
			kind = k
		}
		msg = er.Message
	}
	r.logger.Debug("Remote request failed", "method", method, "path", path, "status", resp.StatusCode, "kind", kind)
	return finsync.NewRemoteError(kind, "server returned status %d: %s", resp.StatusCode, msg)
}
