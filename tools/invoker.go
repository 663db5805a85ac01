package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Invoker performs named operations against external systems.
type Invoker interface {
	// Invoke makes exactly one call. The returned record is never nil and is
	// already persisted; err is non-nil (and an *Error) when the call failed.
	Invoke(ctx context.Context, operation string, args map[string]any, timeout time.Duration) (*Record, error)
}

// Func implements one operation.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Registry maps operation names to their implementations.
type Registry map[string]Func

// Typed adapts a function taking a decoded argument struct. Arguments that do
// not decode into TArgs fail with KindInvalidArguments.
func Typed[TArgs, TResult any](fn func(ctx context.Context, args TArgs) (TResult, error)) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		var typed TArgs
		data, err := json.Marshal(args)
		if err != nil {
			return nil, InvalidArguments("encode arguments: %v", err)
		}
		if err := json.Unmarshal(data, &typed); err != nil {
			return nil, InvalidArguments("decode arguments: %v", err)
		}
		return fn(ctx, typed)
	}
}

// LocalOptions configures a Local invoker.
type LocalOptions struct {
	Registry       Registry
	Recorder       Recorder
	Metrics        *Metrics
	Logger         *slog.Logger
	DefaultTimeout time.Duration
	Clock          func() time.Time
}

// Local invokes in-process tool functions. Each call runs in its own
// goroutine so a panic becomes a failed record. When the call's context is
// done Invoke still waits for the function to return before recording the
// call, so functions must honor ctx.
type Local struct {
	registry       Registry
	recorder       Recorder
	metrics        *Metrics
	logger         *slog.Logger
	defaultTimeout time.Duration
	clock          func() time.Time
}

// NewLocal creates a Local invoker.
func NewLocal(opts LocalOptions) *Local {
	if opts.Recorder == nil {
		opts.Recorder = NewNullRecorder()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	registry := make(Registry, len(opts.Registry))
	maps.Copy(registry, opts.Registry)
	return &Local{
		registry:       registry,
		recorder:       opts.Recorder,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		defaultTimeout: opts.DefaultTimeout,
		clock:          opts.Clock,
	}
}

// Operations returns the registered operation names.
func (l *Local) Operations() []string {
	names := make([]string, 0, len(l.registry))
	for name := range l.registry {
		names = append(names, name)
	}
	return names
}

type outcome struct {
	result any
	err    error
}

func (l *Local) Invoke(ctx context.Context, operation string, args map[string]any, timeout time.Duration) (*Record, error) {
	scope := ScopeFrom(ctx)
	rec := &Record{
		ID:         uuid.NewString(),
		RunID:      scope.RunID,
		Step:       scope.Step,
		Operation:  operation,
		Arguments:  maps.Clone(args),
		RetryCount: scope.Attempt,
		StartedAt:  l.clock(),
	}

	var result any
	var callErr error
	if fn, ok := l.registry[operation]; !ok {
		callErr = Rejected("unknown operation %q", operation)
	} else {
		result, callErr = l.call(ctx, operation, fn, args, timeout)
	}
	rec.EndedAt = l.clock()

	if callErr != nil {
		rec.Status = StatusFailed
		rec.Error = classify(operation, callErr)
	} else {
		rec.Status = StatusSucceeded
		rec.Result = result
	}
	if err := l.recorder.Append(context.WithoutCancel(ctx), rec); err != nil {
		l.logger.Error("failed to record tool call",
			slog.String("operation", operation),
			slog.String("run_id", rec.RunID),
			slog.String("error", err.Error()))
	}
	if l.metrics != nil {
		l.metrics.observe(rec)
	}
	if rec.Error != nil {
		return rec, rec.Error
	}
	return rec, nil
}

func (l *Local) call(ctx context.Context, operation string, fn Func, args map[string]any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = l.defaultTimeout
	}
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: Unavailable("panic in %s: %v", operation, r)}
			}
		}()
		result, err := fn(callCtx, maps.Clone(args))
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil || callCtx.Err() == nil {
			return out.result, out.err
		}
	case <-callCtx.Done():
		// The result of a call that outlived its context is discarded.
		<-done
	}
	if ctx.Err() == nil || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, timeoutError(timeout, callCtx.Err())
	}
	return nil, Unavailable("call cancelled: %v", ctx.Err())
}

func timeoutError(timeout time.Duration, err error) *Error {
	msg := "deadline exceeded"
	if timeout > 0 {
		msg = fmt.Sprintf("no response within %s", timeout)
	}
	return &Error{Kind: KindTimeout, Message: msg, Err: err}
}
