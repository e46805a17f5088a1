/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

// Package orcherr defines the error taxonomy shared by every gateway and
// control-plane component, matching the propagation policy: CAS misses are
// absorbed by retry loops, TIMEOUT/PROVIDER_ERROR/PARSE_ERROR/TRANSIENT map
// to the escalation ladder with should_retry=true, BUDGET_EXCEEDED escalates
// directly, INVARIANT_VIOLATION is surfaced to the operator only.
package orcherr

import (
	"errors"
	"fmt"
)

// Code identifies a taxonomy member. Codes are never surfaced to end users
// directly — the review/escalation layer translates them to human text.
type Code string

const (
	NotFound           Code = "NOT_FOUND"
	Conflict           Code = "CONFLICT"
	Forbidden          Code = "FORBIDDEN"
	InvariantViolation Code = "INVARIANT_VIOLATION"
	Timeout            Code = "TIMEOUT"
	ProviderError      Code = "PROVIDER_ERROR"
	ParseError         Code = "PARSE_ERROR"
	Transient          Code = "TRANSIENT"
	BudgetExceeded     Code = "BUDGET_EXCEEDED"
	Cycle              Code = "CYCLE"
)

// Error wraps an underlying cause with a taxonomy code.
type Error struct {
	code Code
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// CodeOf returns the taxonomy code for err, or "" if err does not carry one.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return ""
}

// New constructs a tagged error.
func New(code Code, msg string) error {
	return &Error{code: code, msg: msg}
}

// Wrap tags an existing error with a taxonomy code.
func Wrap(code Code, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, msg: msg, err: err}
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// ShouldRetry reports whether the escalation ladder should treat err as
// retryable.
func ShouldRetry(err error) bool {
	switch CodeOf(err) {
	case Timeout, ProviderError, ParseError, Transient, Conflict:
		return true
	default:
		return false
	}
}
