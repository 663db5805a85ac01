package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/deepnoodle-ai/tradeflow"
	"github.com/deepnoodle-ai/tradeflow/risk"
)

// Desk is where reviewers answer approval requests. It discovers requests
// from the suspended runs in the engine's checkpoint store, so requests
// raised by another process are visible too, and resumes the run once the
// ledger has resolved a response.
type Desk struct {
	engine *tradeflow.Engine
	ledger *risk.Ledger
	logger *slog.Logger

	mutex sync.Mutex
	runs  map[string]string // request id -> top-level run id
}

// NewDesk returns a desk over engine that resolves responses with ledger.
func NewDesk(engine *tradeflow.Engine, ledger *risk.Ledger, logger *slog.Logger) *Desk {
	return &Desk{
		engine: engine,
		ledger: ledger,
		logger: logger,
		runs:   map[string]string{},
	}
}

// Ledger returns the approval ledger.
func (d *Desk) Ledger() *risk.Ledger {
	return d.ledger
}

// Pending lists the requests still waiting for a response, oldest first.
func (d *Desk) Pending(ctx context.Context) ([]*risk.ApprovalRequest, error) {
	live, err := d.sync(ctx)
	if err != nil {
		return nil, err
	}
	var out []*risk.ApprovalRequest
	for _, req := range d.ledger.Pending() {
		if live[req.ID] {
			out = append(out, req)
		}
	}
	return out, nil
}

// RunFor returns the top-level run waiting on a request.
func (d *Desk) RunFor(ctx context.Context, requestID string) (string, error) {
	d.mutex.Lock()
	runID, ok := d.runs[requestID]
	d.mutex.Unlock()
	if ok {
		return runID, nil
	}
	if _, err := d.sync(ctx); err != nil {
		return "", err
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if runID, ok = d.runs[requestID]; !ok {
		return "", &tradeflow.StaleApprovalError{RequestID: requestID, Reason: "unknown request"}
	}
	return runID, nil
}

// Submission is the result of submitting a response.
type Submission struct {
	Resolution *risk.Resolution
	Execution  *tradeflow.Execution
}

// Submit resolves a response and resumes the waiting run with the
// resolution. A response to an unknown or already resolved request fails
// with a *tradeflow.StaleApprovalError and changes nothing. A rejection
// cancels the run; that is reported through the execution status rather
// than as an error.
func (d *Desk) Submit(ctx context.Context, resp risk.ApprovalResponse) (*Submission, error) {
	runID, err := d.RunFor(ctx, resp.RequestID)
	if err != nil {
		return nil, err
	}
	res, err := d.ledger.Resolve(resp)
	if err != nil {
		var stale *tradeflow.StaleApprovalError
		if errors.As(err, &stale) && stale.RunID == "" {
			stale.RunID = runID
		}
		return nil, err
	}
	d.logger.Info("approval resolved",
		"run_id", runID,
		"request_id", res.RequestID,
		"status", res.Status,
		"execute", res.Execute)

	exec, err := d.engine.Resume(ctx, runID, resp.RequestID, res)
	sub := &Submission{Resolution: res, Execution: exec}
	if err != nil && exec != nil && exec.Status() == tradeflow.ExecutionStatusCancelled && !res.Execute {
		err = nil
	}
	return sub, err
}

// sync tracks the approval request of every suspended top-level run and
// returns the set of live request ids.
func (d *Desk) sync(ctx context.Context) (map[string]bool, error) {
	runs, err := d.engine.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	live := map[string]bool{}
	found := map[string]string{}
	for _, run := range runs {
		if run.Status != tradeflow.ExecutionStatusSuspended {
			continue
		}
		cp, err := d.engine.Inspect(ctx, run.RunID)
		if err != nil {
			if errors.Is(err, tradeflow.ErrRunNotFound) {
				continue
			}
			return nil, err
		}
		if cp.ParentRunID != "" || cp.Suspension == nil || cp.Status != tradeflow.ExecutionStatusSuspended {
			continue
		}
		req, err := risk.DecodeRequest(cp.Suspension.Payload)
		if err != nil {
			d.logger.Warn("suspended run has no approval request", "run_id", cp.RunID, "error", err)
			continue
		}
		d.ledger.Track(req)
		found[req.ID] = cp.RunID
		live[req.ID] = true
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	for requestID, runID := range found {
		d.runs[requestID] = runID
	}
	return live, nil
}
