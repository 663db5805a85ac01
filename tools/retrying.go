package tools

import (
	"context"
	"time"

	"github.com/deepnoodle-ai/tradeflow/retry"
)

// Retrying wraps an Invoker with a retry policy. Only timeout and unavailable
// failures are retried. Every attempt produces its own record, stamped with
// its attempt number.
type Retrying struct {
	next    Invoker
	options []retry.Option
}

// WithRetry returns an Invoker that retries recoverable failures of next.
func WithRetry(next Invoker, opts ...retry.Option) *Retrying {
	return &Retrying{next: next, options: opts}
}

func (r *Retrying) Invoke(ctx context.Context, operation string, args map[string]any, timeout time.Duration) (*Record, error) {
	var rec *Record
	err := retry.DoAttempt(ctx, func(attempt int) error {
		var callErr error
		rec, callErr = r.next.Invoke(withAttempt(ctx, attempt), operation, args, timeout)
		return callErr
	}, r.options...)
	return rec, err
}
