package tradeflow

import (
	"fmt"
	"maps"
	"slices"
)

// ChildOptions configures a step that runs another registered workflow as
// a sub-step.
type ChildOptions struct {
	Name        string
	Description string
	Announce    string

	// Workflow is the registered name of the child workflow.
	Workflow string

	// Inputs maps child input fields to the parent fields they are read
	// from.
	Inputs map[string]string

	// Outputs maps parent fields to the child fields copied into them when
	// the child completes.
	Outputs map[string]string

	Next      []*Edge
	Route     func(state StateReader) string
	OnError   string
	MaxVisits int

	// ResumeInto is the parent field that receives the response for a
	// suspended child. The response is forwarded to the child run. Leave it
	// empty for children that never suspend.
	ResumeInto string
}

// ChildRunID returns the id of the child run started by step on the given
// visit of the parent run.
func ChildRunID(parentRunID, step string, visit int) string {
	if visit <= 1 {
		return parentRunID + "." + step
	}
	return fmt.Sprintf("%s.%s.%d", parentRunID, step, visit)
}

// ChildStep returns a step that runs a child workflow to completion or
// suspension. A suspended child suspends the parent with the same request,
// and resuming the parent resumes the child. A cancelled child cancels the
// parent; a failed child fails the step.
func ChildStep(opts ChildOptions) *Step {
	reads := slices.Sorted(maps.Values(opts.Inputs))
	writes := slices.Sorted(maps.Keys(opts.Outputs))
	step := &Step{
		Name:        opts.Name,
		Description: opts.Description,
		Announce:    opts.Announce,
		Reads:       slices.Compact(reads),
		Writes:      writes,
		Next:        opts.Next,
		Route:       opts.Route,
		OnError:     opts.OnError,
		MaxVisits:   opts.MaxVisits,
		ResumeInto:  opts.ResumeInto,
	}
	step.Run = func(ctx Context) Result {
		sc, ok := ctx.(*stepContext)
		if !ok {
			return Fail(fmt.Errorf("child step %q requires an engine context", opts.Name))
		}
		inputs := map[string]any{}
		for childField, parentField := range opts.Inputs {
			if v, ok := ctx.Get(parentField); ok {
				inputs[childField] = v
			}
		}
		exec, err := sc.exec.engine.Start(ctx, ExecutionOptions{
			WorkflowName: opts.Workflow,
			Inputs:       inputs,
			RunID:        ChildRunID(ctx.RunID(), opts.Name, ctx.Visit()),
			ParentRunID:  ctx.RunID(),
		})
		return childResult(opts, exec, err)
	}
	if opts.ResumeInto != "" {
		step.Continue = func(ctx Context) Result {
			sc, ok := ctx.(*stepContext)
			if !ok {
				return Fail(fmt.Errorf("child step %q requires an engine context", opts.Name))
			}
			payload, _ := ctx.Get(opts.ResumeInto)
			sc.exec.mutex.RLock()
			requestID := sc.exec.resumedWith
			sc.exec.mutex.RUnlock()
			childID := ChildRunID(ctx.RunID(), opts.Name, ctx.Visit())
			exec, err := sc.exec.engine.Resume(ctx, childID, requestID, payload)
			return childResult(opts, exec, err)
		}
	}
	return step
}

func childResult(opts ChildOptions, exec *Execution, err error) Result {
	if exec == nil {
		return Fail(err)
	}
	switch exec.Status() {
	case ExecutionStatusCompleted:
		u := Update{}
		for parentField, childField := range opts.Outputs {
			if v, ok := exec.Get(childField); ok {
				u[parentField] = v
			}
		}
		return Continue(u).WithSummary(map[string]any{"run_id": exec.ID(), "workflow": opts.Workflow})
	case ExecutionStatusSuspended:
		if opts.ResumeInto == "" {
			exec.logger.Warn("child suspended but parent step cannot resume it", "step", opts.Name)
			return Fail(&ValidationError{Step: opts.Name, Reason: "child run suspended but the step declares no ResumeInto"})
		}
		s := exec.Suspension()
		res := Suspend(s.Reason, s.RequestID, s.Payload)
		res.suspension.ChildRunID = exec.ID()
		return res
	case ExecutionStatusCancelled:
		return Cancel(fmt.Sprintf("child run %s cancelled: %v", exec.ID(), err))
	default:
		if err == nil {
			err = fmt.Errorf("child run %s ended %s", exec.ID(), exec.Status())
		}
		return Fail(err)
	}
}
