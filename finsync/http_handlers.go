// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package finsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

const maxRequestBodyBytes = 1 << 20

// OwnerAuthenticator extracts the authenticated owner from HTTP requests
type OwnerAuthenticator interface {
	GetOwnerID(r *http.Request) (string, error)
}

// FinanceBackend is the storage behind the HTTP API. *FinanceService implements it.
type FinanceBackend interface {
	CreateExpense(ctx context.Context, ownerID string, e *Expense) (*Expense, error)
	UpdateExpense(ctx context.Context, ownerID string, e *Expense) (*Expense, error)
	DeleteExpense(ctx context.Context, ownerID, id string) error
	UpsertBudget(ctx context.Context, ownerID string, b *Budget) (*Budget, error)
	CreateBucket(ctx context.Context, ownerID string, b *SavingsBucket) (*SavingsBucket, error)
	UpdateBucket(ctx context.Context, ownerID string, b *SavingsBucket) (*SavingsBucket, error)
	DeleteBucket(ctx context.Context, ownerID, id string) error
	CreateEntry(ctx context.Context, ownerID string, e *SavingsEntry) (*SavingsEntry, error)
	UpdateEntry(ctx context.Context, ownerID string, e *SavingsEntry) (*SavingsEntry, error)
	DeleteEntry(ctx context.Context, ownerID, id string) error
	FetchSnapshot(ctx context.Context, ownerID string) (*Snapshot, error)
	Ping(ctx context.Context) error
}

var _ FinanceBackend = (*FinanceService)(nil)

// HTTPHandlers provides HTTP handlers for the finance records API
type HTTPHandlers struct {
	backend       FinanceBackend
	authenticator OwnerAuthenticator
	idempotency   *IdempotencyStore
	appName       string
	logger        *slog.Logger
}

// NewHTTPHandlers creates handlers. idempotency may be nil to disable response replay.
func NewHTTPHandlers(backend FinanceBackend, authenticator OwnerAuthenticator, idempotency *IdempotencyStore, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	appName := "go-finsync-app"
	if svc, ok := backend.(*FinanceService); ok {
		appName = svc.AppName()
	}
	return &HTTPHandlers{
		backend:       backend,
		authenticator: authenticator,
		idempotency:   idempotency,
		appName:       appName,
		logger:        logger,
	}
}

// RegisterRoutes mounts the API on mux. Every route except health goes through protect.
func (h *HTTPHandlers) RegisterRoutes(mux *http.ServeMux, protect func(http.Handler) http.Handler) {
	if protect == nil {
		protect = func(next http.Handler) http.Handler { return next }
	}
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, protect(fn))
	}

	mux.HandleFunc("GET /v1/health", h.HandleHealth)
	route("GET /v1/snapshot", h.HandleSnapshot)

	route("POST /v1/expenses", h.HandleCreateExpense)
	route("PUT /v1/expenses/{id}", h.HandleUpdateExpense)
	route("DELETE /v1/expenses/{id}", h.HandleDeleteExpense)

	route("PUT /v1/budgets", h.HandleUpsertBudget)

	route("POST /v1/buckets", h.HandleCreateBucket)
	route("PUT /v1/buckets/{id}", h.HandleUpdateBucket)
	route("DELETE /v1/buckets/{id}", h.HandleDeleteBucket)

	route("POST /v1/entries", h.HandleCreateEntry)
	route("PUT /v1/entries/{id}", h.HandleUpdateEntry)
	route("DELETE /v1/entries/{id}", h.HandleDeleteEntry)
}

// HandleHealth reports service and database health
func (h *HTTPHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Status: "healthy", Version: "v1", AppName: h.appName}
	status := http.StatusOK
	if err := h.backend.Ping(r.Context()); err != nil {
		h.logger.Warn("Health check failed", "error", err)
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// HandleSnapshot returns every record of the authenticated owner
func (h *HTTPHandlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	ownerID, err := h.authenticator.GetOwnerID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, ErrKindUnauthorized, err.Error())
		return
	}
	snap, err := h.backend.FetchSnapshot(r.Context(), ownerID)
	if err != nil {
		status, kind := errorStatus(err)
		h.logger.Error("Failed to fetch snapshot", "error", err, "owner_id", ownerID)
		h.writeError(w, status, kind, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleCreateExpense creates (or idempotently re-creates) an expense
func (h *HTTPHandlers) HandleCreateExpense(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, http.StatusCreated, func(ctx context.Context, ownerID string) (any, error) {
		var e Expense
		if err := decodeBody(w, r, &e); err != nil {
			return nil, err
		}
		return h.backend.CreateExpense(ctx, ownerID, &e)
	})
}

// HandleUpdateExpense overwrites an expense
func (h *HTTPHandlers) HandleUpdateExpense(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, http.StatusOK, func(ctx context.Context, ownerID string) (any, error) {
		var e Expense
		if err := decodeBody(w, r, &e); err != nil {
			return nil, err
		}
		if err := bindPathID(r, &e.ID); err != nil {
			return nil, err
		}
		return h.backend.UpdateExpense(ctx, ownerID, &e)
	})
}

// HandleDeleteExpense deletes an expense
func (h *HTTPHandlers) HandleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, http.StatusNoContent, func(ctx context.Context, ownerID string) (any, error) {
		return nil, h.backend.DeleteExpense(ctx, ownerID, r.PathValue("id"))
	})
}

// HandleUpsertBudget creates or overwrites the budget of a month and category
func (h *HTTPHandlers) HandleUpsertBudget(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, http.StatusOK, func(ctx context.Context, ownerID string) (any, error) {
		var req BudgetRequest
		if err := decodeBody(w, r, &req); err != nil {
			return nil, err
		}
		return h.backend.UpsertBudget(ctx, ownerID, &Budget{
			ID:       req.ID,
			Month:    req.Month,
			Category: req.Category,
			Amount:   req.Amount,
		})
	})
}

// HandleCreateBucket creates a savings bucket
func (h *HTTPHandlers) HandleCreateBucket(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, http.StatusCreated, func(ctx context.Context, ownerID string) (any, error) {
		var b SavingsBucket
		if err := decodeBody(w, r, &b); err != nil {
			return nil, err
		}
		return h.backend.CreateBucket(ctx, ownerID, &b)
	})
}

// HandleUpdateBucket overwrites a savings bucket
func (h *HTTPHandlers) HandleUpdateBucket(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, http.StatusOK, func(ctx context.Context, ownerID string) (any, error) {
		var b SavingsBucket
		if err := decodeBody(w, r, &b); err != nil {
			return nil, err
		}
		if err := bindPathID(r, &b.ID); err != nil {
			return nil, err
		}
		return h.backend.UpdateBucket(ctx, ownerID, &b)
	})
}

// HandleDeleteBucket deletes a savings bucket and its entries
func (h *HTTPHandlers) HandleDeleteBucket(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, http.StatusNoContent, func(ctx context.Context, ownerID string) (any, error) {
		return nil, h.backend.DeleteBucket(ctx, ownerID, r.PathValue("id"))
	})
}

// HandleCreateEntry creates a savings entry
func (h *HTTPHandlers) HandleCreateEntry(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, http.StatusCreated, func(ctx context.Context, ownerID string) (any, error) {
		var e SavingsEntry
		if err := decodeBody(w, r, &e); err != nil {
			return nil, err
		}
		return h.backend.CreateEntry(ctx, ownerID, &e)
	})
}

// HandleUpdateEntry overwrites a savings entry
func (h *HTTPHandlers) HandleUpdateEntry(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, http.StatusOK, func(ctx context.Context, ownerID string) (any, error) {
		var e SavingsEntry
		if err := decodeBody(w, r, &e); err != nil {
			return nil, err
		}
		if err := bindPathID(r, &e.ID); err != nil {
			return nil, err
		}
		return h.backend.UpdateEntry(ctx, ownerID, &e)
	})
}

// HandleDeleteEntry deletes a savings entry
func (h *HTTPHandlers) HandleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, http.StatusNoContent, func(ctx context.Context, ownerID string) (any, error) {
		return nil, h.backend.DeleteEntry(ctx, ownerID, r.PathValue("id"))
	})
}

// mutate authenticates, consults the idempotency store, runs fn and records its outcome
func (h *HTTPHandlers) mutate(w http.ResponseWriter, r *http.Request, okStatus int, fn func(ctx context.Context, ownerID string) (any, error)) {
	ownerID, err := h.authenticator.GetOwnerID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, ErrKindUnauthorized, err.Error())
		return
	}

	ctx := r.Context()
	key := r.Header.Get(HeaderIdempotencyKey)
	if key != "" && h.idempotency != nil {
		cached, ok, err := h.idempotency.Get(ctx, ownerID, key)
		if err != nil {
			h.logger.Warn("Idempotency lookup failed", "error", err, "owner_id", ownerID, "key", key)
		} else if ok {
			h.logger.Debug("Replaying cached response", "owner_id", ownerID, "key", key, "status", cached.Status)
			w.Header().Set("Idempotent-Replayed", "true")
			writeRaw(w, cached.Status, cached.Body)
			return
		}
	}

	status := okStatus
	var body any
	result, err := fn(ctx, ownerID)
	if err != nil {
		var kind ErrorKind
		status, kind = errorStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Request failed", "error", err, "owner_id", ownerID, "path", r.URL.Path)
		} else {
			h.logger.Debug("Request rejected", "error", err, "owner_id", ownerID, "path", r.URL.Path)
		}
		body = ErrorResponse{Error: string(kind), Message: err.Error()}
	} else if status != http.StatusNoContent {
		body = result
	}

	var raw []byte
	if body != nil {
		if raw, err = json.Marshal(body); err != nil {
			h.logger.Error("Failed to encode response", "error", err, "owner_id", ownerID)
			h.writeError(w, http.StatusInternalServerError, ErrKindServer, "failed to encode response")
			return
		}
	}
	if key != "" && h.idempotency != nil && status < http.StatusInternalServerError {
		if err := h.idempotency.Put(ctx, ownerID, key, &CachedResponse{Status: status, Body: raw}); err != nil {
			h.logger.Warn("Failed to remember response", "error", err, "owner_id", ownerID, "key", key)
		}
	}
	writeRaw(w, status, raw)
}

// errorStatus maps a domain error to an HTTP status and error kind
func errorStatus(err error) (int, ErrorKind) {
	var re *RemoteError
	switch {
	case errors.As(err, &re):
		switch re.Kind {
		case ErrKindValidation:
			return http.StatusBadRequest, re.Kind
		case ErrKindNotFound:
			return http.StatusNotFound, re.Kind
		case ErrKindUnauthorized:
			return http.StatusForbidden, re.Kind
		}
		return http.StatusInternalServerError, ErrKindServer
	case IsValidation(err):
		return http.StatusBadRequest, ErrKindValidation
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, ErrKindNotFound
	case errors.Is(err, ErrOwnerMismatch), errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden, ErrKindUnauthorized
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, ErrKindServer
	}
	return http.StatusInternalServerError, ErrKindServer
}

// StatusKind maps an HTTP status to the error kind a client should assume
func StatusKind(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrKindUnauthorized
	case status == http.StatusNotFound || status == http.StatusGone:
		return ErrKindNotFound
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return ErrKindNetwork
	case status >= 400 && status < 500:
		return ErrKindValidation
	}
	return ErrKindServer
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := dec.Decode(v); err != nil {
		return invalid("", "failed to parse request body: %v", err)
	}
	return nil
}

func bindPathID(r *http.Request, id *string) error {
	pathID := r.PathValue("id")
	if *id == "" {
		*id = pathID
		return nil
	}
	if *id != pathID {
		return invalid("id", "body id %q does not match path id %q", *id, pathID)
	}
	return nil
}

func (h *HTTPHandlers) writeError(w http.ResponseWriter, status int, kind ErrorKind, message string) {
	writeJSONError(w, status, kind, message)
}

func writeJSONError(w http.ResponseWriter, status int, kind ErrorKind, message string) {
	writeJSON(w, status, ErrorResponse{Error: string(kind), Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	if len(body) > 0 {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	if len(body) > 0 {
		_, _ = w.Write(body)
	}
}
