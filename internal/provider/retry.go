package provider

import (
	"context"
	"time"
)

// Retrier wraps a Provider with bounded retries for transient failures.
// Retries burn wall clock inside the same pipeline attempt; a permanent
// error or retry exhaustion surfaces to the caller, who fails the attempt.
type Retrier struct {
	Inner Provider
	// Limit is the maximum number of calls, not extra retries.
	Limit     int
	BaseDelay time.Duration
}

func NewRetrier(inner Provider, limit int) *Retrier {
	if limit <= 0 {
		limit = 3
	}
	return &Retrier{Inner: inner, Limit: limit, BaseDelay: 500 * time.Millisecond}
}

func (r *Retrier) Name() string {
	return r.Inner.Name()
}

func (r *Retrier) Generate(ctx context.Context, req Request) (*Response, error) {
	delay := r.BaseDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	var err error
	for call := 1; call <= r.Limit; call++ {
		var resp *Response
		resp, err = r.Inner.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !IsTransient(err) || call == r.Limit {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, err
}
