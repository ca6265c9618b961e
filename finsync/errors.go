// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package finsync

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinels shared by the client and the server
var (
	ErrNotFound      = errors.New("not found")
	ErrOwnerMismatch = errors.New("record belongs to a different owner")
	ErrUnauthorized  = errors.New("unauthorized")
)

// ValidationError reports malformed mutation input. It is returned synchronously and the
// mutation is never queued.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err carries a *ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ErrorKind classifies a remote failure
type ErrorKind string

const (
	ErrKindNetwork      ErrorKind = "network"
	ErrKindValidation   ErrorKind = "validation"
	ErrKindNotFound     ErrorKind = "notFound"
	ErrKindUnauthorized ErrorKind = "unauthorized"
	ErrKindServer       ErrorKind = "server"
)

// Retryable reports whether an operation failing with this kind should stay queued
func (k ErrorKind) Retryable() bool {
	return k == ErrKindNetwork || k == ErrKindServer
}

// RemoteError is the error shape consumed from the remote data service
type RemoteError struct {
	Kind    ErrorKind `json:"error"`
	Message string    `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s error: %s", e.Kind, e.Message)
}

// Retryable reports whether the failure is transient
func (e *RemoteError) Retryable() bool { return e.Kind.Retryable() }

// NewRemoteError builds a RemoteError
func NewRemoteError(kind ErrorKind, format string, args ...any) *RemoteError {
	return &RemoteError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsRemoteError converts any error returned by a remote call into a RemoteError.
// Timeouts and transport errors become network errors; unknown errors are treated
// as network errors too so the operation is retried rather than dropped.
func AsRemoteError(err error) *RemoteError {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &RemoteError{Kind: ErrKindNetwork, Message: "request timed out: " + err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &RemoteError{Kind: ErrKindNetwork, Message: netErr.Error()}
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return &RemoteError{Kind: ErrKindNotFound, Message: err.Error()}
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrOwnerMismatch):
		return &RemoteError{Kind: ErrKindUnauthorized, Message: err.Error()}
	case IsValidation(err):
		return &RemoteError{Kind: ErrKindValidation, Message: err.Error()}
	}
	return &RemoteError{Kind: ErrKindNetwork, Message: err.Error()}
}
