// Package provider abstracts the external model backend workers call to
// perform stage work. The rest of the system treats it as an opaque
// capability: a request goes in, text with an evidence block comes out.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Request is one unit of stage work sent to the backend.
type Request struct {
	System string
	Prompt string
}

// Response carries the backend's raw output plus accounting data.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// Provider is the external capability backend.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	Name() string
}

// transientError marks a failure worth retrying within the same attempt.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err should be retried within the attempt
// rather than failing it. Context cancellation is never transient: the
// deadline belongs to the attempt, not the call.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *transientError
	return errors.As(err, &te)
}

// Classify inspects a raw backend error and wraps rate limits, timeouts
// and 5xx-style failures as transient. Everything else, bad requests and
// auth failures included, stays permanent.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"429", "rate limit", "rate_limit",
		"500", "502", "503", "504",
		"overloaded", "timeout", "temporarily unavailable",
		"connection refused", "connection reset", "eof",
	} {
		if strings.Contains(msg, marker) {
			return Transient(fmt.Errorf("backend transient failure: %w", err))
		}
	}
	return err
}
