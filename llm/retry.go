package llm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryOption tunes WithRetry.
type RetryOption func(*retryClient)

// WithInitialInterval sets the first backoff delay.
func WithInitialInterval(d time.Duration) RetryOption {
	return func(r *retryClient) {
		if d > 0 {
			r.initial = d
		}
	}
}

type retryClient struct {
	next       Client
	maxRetries uint64
	initial    time.Duration
}

// WithRetry retries failed Generate calls up to maxRetries times with
// exponential backoff. Context cancellation stops retrying immediately.
func WithRetry(client Client, maxRetries uint64, opts ...RetryOption) Client {
	if maxRetries == 0 {
		return client
	}
	r := &retryClient{next: client, maxRetries: maxRetries, initial: 500 * time.Millisecond}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *retryClient) Generate(ctx context.Context, req Request) (string, error) {
	var answer string
	operation := func() error {
		out, err := r.next.Generate(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		answer = out
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initial
	b.MaxElapsedTime = 0

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, r.maxRetries), ctx)); err != nil {
		return "", err
	}
	return answer, nil
}

// Ping forwards to the wrapped client when it supports it.
func (r *retryClient) Ping(ctx context.Context) error {
	if p, ok := r.next.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

var (
	_ Client = (*retryClient)(nil)
	_ Pinger = (*retryClient)(nil)
)
