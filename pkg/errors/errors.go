// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the shared error taxonomy for edgemux.
//
// The taxonomy keeps three outcomes apart everywhere bytes are decoded:
// the input is incomplete (retry with more bytes), the input is a
// different protocol or shape than expected (proceed with a default
// policy), or the input is structurally invalid. None of these may abort
// the process; every failure path is a typed value.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrNeedMoreData indicates the input ended before a complete value.
	// Not a failure: the caller should retry with more bytes.
	ErrNeedMoreData = errors.New("need more data")

	// ErrNotApplicable indicates well-formed input that does not match
	// the expected protocol or shape.
	ErrNotApplicable = errors.New("not applicable")

	// ErrMalformed indicates structurally invalid input.
	ErrMalformed = errors.New("malformed input")

	// ErrRateLimited indicates the connection limit was exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrBackendUnavailable indicates the upstream target is unavailable.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrInvalidConfig indicates a filter configuration that failed validation.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// FilterError wraps an error with connection and filter context.
type FilterError struct {
	Op         string // Operation that failed
	Filter     string // Filter kind (ipaccess, tlsinspect, redis, waf, ...)
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *FilterError) Error() string {
	switch {
	case e.SessionID != "":
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Filter, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	case e.RemoteAddr != "":
		return fmt.Sprintf("%s %s %s: %v", e.Filter, e.Op, e.RemoteAddr, e.Err)
	default:
		return fmt.Sprintf("%s %s: %v", e.Filter, e.Op, e.Err)
	}
}

// Unwrap returns the underlying error.
func (e *FilterError) Unwrap() error {
	return e.Err
}

// New creates a new FilterError.
func New(op, filter, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &FilterError{
		Op:         op,
		Filter:     filter,
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
