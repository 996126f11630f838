// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for Server Knocker.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrBackendUnavailable indicates the backend command could not be spawned.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrStartupTimeout indicates the backend never became reachable within
	// the startup deadline.
	ErrStartupTimeout = errors.New("backend failed to start")

	// ErrBackendCrashed indicates the backend process exited unexpectedly.
	ErrBackendCrashed = errors.New("backend crashed")

	// ErrSessionLimit indicates the UDP session limit was reached.
	ErrSessionLimit = errors.New("session limit reached")

	// ErrSessionRateLimited indicates session creation was rate limited.
	ErrSessionRateLimited = errors.New("session creation rate limited")

	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// KnockError wraps an error with additional context.
type KnockError struct {
	Op         string // Operation that failed
	Protocol   string // Transport (tcp, udp)
	SessionID  string // Session or connection identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *KnockError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Protocol, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Protocol, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *KnockError) Unwrap() error {
	return e.Err
}

// New creates a new KnockError.
func New(op, protocol, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &KnockError{
		Op:         op,
		Protocol:   protocol,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
