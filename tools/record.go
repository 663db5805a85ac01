package tools

import (
	"context"
	"time"
)

// Status of a completed tool call.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Record is the audit entry written for every tool call, whatever its outcome.
type Record struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	Step       string         `json:"step,omitempty"`
	Operation  string         `json:"operation"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Status     Status         `json:"status"`
	Result     any            `json:"result,omitempty"`
	Error      *Error         `json:"error,omitempty"`
	RetryCount int            `json:"retry_count"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at"`
}

// Succeeded reports whether the call returned a result.
func (r *Record) Succeeded() bool {
	return r.Status == StatusSucceeded
}

// Duration of the call.
func (r *Record) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

type scopeKey struct{}

// Scope identifies the run and step a tool call is made on behalf of.
type Scope struct {
	RunID   string
	Step    string
	Attempt int
}

// WithScope attaches the calling run and step to ctx so that records can be
// keyed by run id.
func WithScope(ctx context.Context, runID, step string) context.Context {
	return context.WithValue(ctx, scopeKey{}, Scope{RunID: runID, Step: step})
}

// ScopeFrom returns the scope attached to ctx, if any.
func ScopeFrom(ctx context.Context) Scope {
	scope, _ := ctx.Value(scopeKey{}).(Scope)
	return scope
}

func withAttempt(ctx context.Context, attempt int) context.Context {
	scope := ScopeFrom(ctx)
	scope.Attempt = attempt
	return context.WithValue(ctx, scopeKey{}, scope)
}
