// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package finsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultIdempotencyTTL bounds how long a mutating response is remembered
const DefaultIdempotencyTTL = 24 * time.Hour

// CachedResponse is a stored response of a mutating request
type CachedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// IdempotencyStore remembers responses per (owner, Idempotency-Key) so a client replaying an
// operation whose response was lost gets the original outcome instead of a second write.
type IdempotencyStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewIdempotencyStore wraps a redis client. ttl <= 0 selects DefaultIdempotencyTTL.
func NewIdempotencyStore(client redis.UniversalClient, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyStore{client: client, ttl: ttl, prefix: "finsync:idem:"}
}

func (s *IdempotencyStore) key(ownerID, key string) string {
	return s.prefix + ownerID + ":" + key
}

// Get returns the cached response, or false when none is stored
func (s *IdempotencyStore) Get(ctx context.Context, ownerID, key string) (*CachedResponse, bool, error) {
	raw, err := s.client.Get(ctx, s.key(ownerID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	var resp CachedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached response: %w", err)
	}
	return &resp, true, nil
}

// Put stores resp unless a response for the key already exists
func (s *IdempotencyStore) Put(ctx context.Context, ownerID, key string, resp *CachedResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode cached response: %w", err)
	}
	if err := s.client.SetNX(ctx, s.key(ownerID, key), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store idempotency key: %w", err)
	}
	return nil
}
