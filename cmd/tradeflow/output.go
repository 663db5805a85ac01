package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/deepnoodle-ai/tradeflow"
	"github.com/deepnoodle-ai/tradeflow/pipeline"
	"github.com/deepnoodle-ai/tradeflow/progress"
	"github.com/deepnoodle-ai/tradeflow/risk"
	"github.com/fatih/color"
)

var (
	colorOK    = color.New(color.FgGreen)
	colorWarn  = color.New(color.FgYellow)
	colorError = color.New(color.FgRed)
	colorInfo  = color.New(color.FgCyan)
	colorDim   = color.New(color.FgWhite)
)

// printer writes command results, and live progress when not in JSON mode.
type printer struct {
	w     io.Writer
	json  bool
	mutex sync.Mutex
}

// OnEvent prints progress as runs advance.
func (p *printer) OnEvent(ctx context.Context, event progress.Event) {
	if p.json {
		return
	}
	switch event.Kind {
	case progress.KindPartialContent:
		p.line(colorDim, "  %s", event.Text)
	case progress.KindStageComplete:
		if event.Workflow == pipeline.SupervisorWorkflow {
			p.line(colorInfo, "✓ %s", event.Stage)
		}
	}
}

func (p *printer) line(c *color.Color, format string, args ...any) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	c.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) encode(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	_, err = fmt.Fprintln(p.w, string(data))
	return err
}

// execution prints where a run ended up and returns runErr when it failed.
func (p *printer) execution(exec *tradeflow.Execution, runErr error) error {
	summary, _ := pipeline.SummaryOf(exec)
	if p.json {
		if err := p.encode(map[string]any{
			"run":     exec.Report(),
			"summary": summary,
		}); err != nil {
			return err
		}
	} else {
		switch exec.Status() {
		case tradeflow.ExecutionStatusCompleted:
			if summary != nil {
				p.line(colorOK, "%s", summary.Text)
			}
			p.line(colorDim, "Run %s completed", exec.ID())
		case tradeflow.ExecutionStatusSuspended:
			p.suspension(exec.ID(), exec.Suspension())
		case tradeflow.ExecutionStatusCancelled:
			p.line(colorWarn, "Run %s cancelled", exec.ID())
		default:
			p.line(colorError, "Run %s %s", exec.ID(), exec.Status())
		}
	}
	if exec.Status() == tradeflow.ExecutionStatusFailed {
		return runErr
	}
	return nil
}

func (p *printer) suspension(runID string, s *tradeflow.Suspension) {
	if s == nil {
		return
	}
	p.line(colorWarn, "Run %s is waiting for approval", runID)
	if req, err := risk.DecodeRequest(s.Payload); err == nil {
		p.request(req)
	} else {
		p.line(colorDim, "  %s", s.Reason)
	}
	p.line(colorDim, "Answer with: tradeflow approve|reject|modify %s", s.RequestID)
}

func (p *printer) request(req *risk.ApprovalRequest) {
	p.line(colorInfo, "%s  %s", req.ID, req.Action)
	p.line(colorDim, "  run %s, raised %s", req.RunID, req.CreatedAt.Format(time.RFC3339))
	p.line(colorDim, "  notional %.2f, risk score %.2f, confidence %.2f",
		req.Metrics.Notional, req.Metrics.RiskScore, req.Metrics.Confidence)
	for _, reason := range req.Reasons {
		p.line(colorWarn, "  - %s", reason.Message)
	}
}

func (p *printer) requests(requests []*risk.ApprovalRequest) error {
	if p.json {
		if requests == nil {
			requests = []*risk.ApprovalRequest{}
		}
		return p.encode(requests)
	}
	if len(requests) == 0 {
		p.line(colorDim, "No pending approvals")
		return nil
	}
	for _, req := range requests {
		p.request(req)
	}
	return nil
}

func (p *printer) resolution(res *risk.Resolution) {
	if p.json || res == nil {
		return
	}
	c := colorOK
	if !res.Execute {
		c = colorWarn
	}
	p.line(c, "Request %s %s: %s", res.RequestID, res.Status, res.Action)
	if res.Reason != "" {
		p.line(colorDim, "  %s", res.Reason)
	}
}

func (p *printer) runs(runs []*tradeflow.RunSummary) error {
	if p.json {
		if runs == nil {
			runs = []*tradeflow.RunSummary{}
		}
		return p.encode(runs)
	}
	if len(runs) == 0 {
		p.line(colorDim, "No runs")
		return nil
	}
	for _, run := range runs {
		c := colorDim
		switch run.Status {
		case tradeflow.ExecutionStatusSuspended:
			c = colorWarn
		case tradeflow.ExecutionStatusFailed:
			c = colorError
		case tradeflow.ExecutionStatusCompleted:
			c = colorOK
		}
		p.line(c, "%-40s %-10s %-10s %s", run.RunID, run.WorkflowName, run.Status, run.StartTime.Format(time.RFC3339))
	}
	return nil
}

func (p *printer) checkpoint(cp *tradeflow.Checkpoint) error {
	if p.json {
		return p.encode(cp)
	}
	p.line(colorInfo, "Run %s (%s)", cp.RunID, cp.WorkflowName)
	p.line(colorDim, "  status %s at step %q after %d steps", cp.Status, cp.Node, cp.Steps)
	if cp.ParentRunID != "" {
		p.line(colorDim, "  parent %s", cp.ParentRunID)
	}
	if cp.Error != "" {
		p.line(colorError, "  error: %s", cp.Error)
	}
	if len(cp.Fields) > 0 {
		p.line(colorDim, "  fields: %s", strings.Join(slices.Sorted(maps.Keys(cp.Fields)), ", "))
	}
	p.suspension(cp.RunID, cp.Suspension)
	return nil
}
