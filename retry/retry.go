package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Options controls how Do retries a failing function.
type Options struct {
	MaxRetries  int
	BaseWait    time.Duration
	MaxWait     time.Duration
	Jitter      bool
	ShouldRetry func(err error) bool
	OnRetry     func(attempt int, err error)
}

// Option customizes Options.
type Option func(*Options)

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(o *Options) { o.MaxRetries = n }
}

// WithBaseWait sets the wait before the first retry. Later waits double.
func WithBaseWait(d time.Duration) Option {
	return func(o *Options) { o.BaseWait = d }
}

// WithMaxWait caps the wait between attempts.
func WithMaxWait(d time.Duration) Option {
	return func(o *Options) { o.MaxWait = d }
}

// WithJitter randomizes each wait by up to half its length.
func WithJitter(enabled bool) Option {
	return func(o *Options) { o.Jitter = enabled }
}

// WithShouldRetry replaces IsRecoverable as the retry predicate.
func WithShouldRetry(fn func(err error) bool) Option {
	return func(o *Options) { o.ShouldRetry = fn }
}

// WithOnRetry registers a hook called before each retry.
func WithOnRetry(fn func(attempt int, err error)) Option {
	return func(o *Options) { o.OnRetry = fn }
}

func defaultOptions() Options {
	return Options{
		MaxRetries:  2,
		BaseWait:    100 * time.Millisecond,
		MaxWait:     5 * time.Second,
		ShouldRetry: IsRecoverable,
	}
}

// Do calls fn until it succeeds, returns a non-recoverable error, or the
// retry budget is spent. The last error is returned unchanged.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	return DoAttempt(ctx, func(int) error { return fn() }, opts...)
}

// DoAttempt is Do with the zero-based attempt number passed to fn.
func DoAttempt(ctx context.Context, fn func(attempt int) error, opts ...Option) error {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.ShouldRetry == nil {
		options.ShouldRetry = IsRecoverable
	}

	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt >= options.MaxRetries || !options.ShouldRetry(err) {
			return err
		}
		if options.OnRetry != nil {
			options.OnRetry(attempt+1, err)
		}
		timer := time.NewTimer(backoff(options, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

func backoff(o Options, attempt int) time.Duration {
	wait := o.MaxWait
	if attempt < 32 {
		if w := o.BaseWait << attempt; w > 0 && (o.MaxWait <= 0 || w < o.MaxWait) {
			wait = w
		}
	}
	if o.Jitter && wait > 0 {
		half := int64(wait / 2)
		wait = time.Duration(half + rand.Int64N(half+1))
	}
	return wait
}
