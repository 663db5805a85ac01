package tradeflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deepnoodle-ai/tradeflow/progress"
	"github.com/deepnoodle-ai/tradeflow/tools"
	"go.jetify.com/typeid"
)

func newID(prefix string) string {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewRunID returns a new run id, e.g. run_01h455vb4pex5vsknk084sn02q.
func NewRunID() string {
	return newID("run")
}

// NewCheckpointID returns a new checkpoint id.
func NewCheckpointID() string {
	return newID("ckpt")
}

// NewRequestID returns a new suspension request id.
func NewRequestID() string {
	return newID("req")
}

// ExecutionStatus represents the status of a run
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSuspended ExecutionStatus = "suspended"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether a run with this status can make no more
// progress.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// ExecutionOptions configures a new run
type ExecutionOptions struct {
	// Workflow to run. When nil, WorkflowName is looked up in the engine's
	// registry.
	Workflow     *Workflow
	WorkflowName string
	Inputs       map[string]any
	RunID        string
	ParentRunID  string

	// Timeout overrides the workflow and engine run timeouts.
	Timeout time.Duration
}

type resumeInput struct {
	requestID string
	payload   any
}

// Execution is one run of a workflow. A single goroutine drives it; a
// suspended run is resumed through Engine.Resume, usually on a fresh
// Execution restored from its checkpoint.
type Execution struct {
	engine    *Engine
	workflow  *Workflow
	id        string
	parentID  string
	inputs    map[string]any
	state     *State
	logger    *slog.Logger
	callbacks ExecutionCallbacks

	mutex        sync.RWMutex
	status       ExecutionStatus
	node         string
	visits       map[string]int
	steps        int
	suspension   *Suspension
	startTime    time.Time
	endTime      time.Time
	timeout      time.Duration
	deadline     time.Time
	seq          int
	lastGoodID   string
	err          error
	cancelReason string
	cancelled    atomic.Bool

	// resumedWith is the request id of the response being applied.
	resumedWith string
}

// ID returns the run id
func (e *Execution) ID() string {
	return e.id
}

// Workflow returns the workflow being run
func (e *Execution) Workflow() *Workflow {
	return e.workflow
}

// Status returns the current run status
func (e *Execution) Status() ExecutionStatus {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.status
}

// Suspension returns what a suspended run is waiting for.
func (e *Execution) Suspension() *Suspension {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	if e.suspension == nil {
		return nil
	}
	s := *e.suspension
	return &s
}

// Get reads a field of the run's state.
func (e *Execution) Get(name string) (any, bool) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.state.Get(name)
}

// Report is the outcome of a run, or of its latest segment for a
// suspended run.
type Report struct {
	RunID            string          `json:"run_id"`
	WorkflowName     string          `json:"workflow_name"`
	Status           ExecutionStatus `json:"status"`
	Fields           map[string]any  `json:"fields"`
	Errors           []StepError     `json:"errors"`
	Log              []StateEvent    `json:"log"`
	Suspension       *Suspension     `json:"suspension,omitempty"`
	LastCheckpointID string          `json:"last_checkpoint_id,omitempty"`
	Error            string          `json:"error,omitempty"`
	StartTime        time.Time       `json:"start_time"`
	EndTime          time.Time       `json:"end_time,omitzero"`
}

// Report returns the final state and status of the run. For failed runs
// LastCheckpointID names the last checkpoint taken before the failure.
func (e *Execution) Report() *Report {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	r := &Report{
		RunID:            e.id,
		WorkflowName:     e.workflow.Name(),
		Status:           e.status,
		Fields:           e.state.Values(),
		Errors:           e.state.Errors(),
		Log:              e.state.Log(),
		LastCheckpointID: e.lastGoodID,
		StartTime:        e.startTime,
		EndTime:          e.endTime,
	}
	if e.suspension != nil {
		s := *e.suspension
		r.Suspension = &s
	}
	if e.err != nil {
		r.Error = e.err.Error()
	}
	return r
}

// Cancel asks the run to stop. It takes effect at the next step boundary,
// after any in-flight parallel branches have returned.
func (e *Execution) Cancel(reason string) {
	e.mutex.Lock()
	if e.cancelReason == "" {
		e.cancelReason = reason
	}
	e.mutex.Unlock()
	e.cancelled.Store(true)
}

// Run executes the workflow from its entry step. It returns nil when the
// run completes or suspends, and a *RunError when it fails or is cancelled.
func (e *Execution) Run(ctx context.Context) error {
	e.mutex.Lock()
	if e.status != ExecutionStatusPending {
		e.mutex.Unlock()
		return fmt.Errorf("run %s already started", e.id)
	}
	e.status = ExecutionStatusRunning
	e.startTime = e.engine.now()
	if e.timeout > 0 {
		e.deadline = e.startTime.Add(e.timeout)
	}
	e.state.record(EventStarted, e.node, nil, "", e.startTime)
	e.mutex.Unlock()

	e.logger.Info("starting run", "workflow", e.workflow.Name(), "entry", e.node)
	return e.drive(ctx, nil)
}

func (e *Execution) drive(ctx context.Context, resume *resumeInput) (err error) {
	e.engine.track(e)
	defer e.engine.untrack(e)

	ctx = WithLogger(ctx, e.logger)
	ctx, span := e.startRunSpan(ctx, resume != nil)
	segmentStart := e.engine.now()
	e.callbacks.BeforeWorkflowExecution(ctx, e.workflowEvent(segmentStart, resume != nil, nil))
	defer func() {
		endRunSpan(span, e.Status(), err)
		e.callbacks.AfterWorkflowExecution(ctx, e.workflowEvent(segmentStart, resume != nil, err))
	}()

	if resume != nil {
		if done, err := e.resumeStep(ctx, resume); done {
			return err
		}
	}
	for {
		if done, err := e.boundary(ctx); done {
			return err
		}
		step := e.workflow.stepsByName[e.node]
		visit := e.visit(step.Name)
		if step.MaxVisits > 0 && visit > step.MaxVisits {
			err := fmt.Errorf("%w: step %q visited more than %d times", ErrStepLimit, step.Name, step.MaxVisits)
			return e.failRun(ctx, step.Name, err, false)
		}
		res, pending := e.executeStep(ctx, step, visit)
		if done, err := e.handle(ctx, step, res, pending); done {
			return err
		}
	}
}

func (e *Execution) workflowEvent(start time.Time, resumed bool, err error) *WorkflowExecutionEvent {
	now := e.engine.now()
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return &WorkflowExecutionEvent{
		ExecutionID:  e.id,
		WorkflowName: e.workflow.Name(),
		Status:       e.status,
		StartTime:    start,
		EndTime:      now,
		Duration:     now.Sub(start),
		Inputs:       maps.Clone(e.inputs),
		Fields:       e.state.Values(),
		Resumed:      resumed,
		Error:        err,
	}
}

// boundary runs the checks made before every step. It reports true when
// the run has ended.
func (e *Execution) boundary(ctx context.Context) (bool, error) {
	e.mutex.RLock()
	node, steps, deadline, reason := e.node, e.steps, e.deadline, e.cancelReason
	e.mutex.RUnlock()

	if node == End {
		return true, e.complete(ctx)
	}
	if e.cancelled.Load() {
		return true, e.finishCancelled(ctx, reason)
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return true, e.failRun(ctx, node, fmt.Errorf("%w: %w", ErrDeadlineExceeded, err), false)
		}
		return true, e.finishCancelled(ctx, "context cancelled")
	}
	if !deadline.IsZero() && !e.engine.now().Before(deadline) {
		return true, e.failRun(ctx, node, ErrDeadlineExceeded, false)
	}
	if steps >= e.workflow.maxSteps {
		err := fmt.Errorf("%w: more than %d steps", ErrStepLimit, e.workflow.maxSteps)
		return true, e.failRun(ctx, node, err, false)
	}
	return false, nil
}

func (e *Execution) visit(step string) int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.visits[step]++
	e.steps++
	return e.visits[step]
}

// executeStep runs a step's parallel branches, merges them, then runs the
// step itself as the join.
func (e *Execution) executeStep(ctx context.Context, step *Step, visit int) (Result, []StepError) {
	return e.observeStep(ctx, step, visit, false, func(ctx context.Context) (Result, []StepError) {
		e.logger.Debug("executing step", "step", step.Name, "visit", visit)
		e.announce(ctx, step)
		return e.runStep(ctx, step, visit)
	})
}

// observeStep wraps one segment of a step, either its first run or the
// Continue after a resume, in a span and the step callbacks.
func (e *Execution) observeStep(ctx context.Context, step *Step, visit int, resumed bool, run func(context.Context) (Result, []StepError)) (Result, []StepError) {
	ctx, span := e.startStepSpan(ctx, step.Name, visit, false)
	start := e.engine.now()
	e.callbacks.BeforeStepExecution(ctx, &StepExecutionEvent{
		ExecutionID:  e.id,
		WorkflowName: e.workflow.Name(),
		StepName:     step.Name,
		Visit:        visit,
		Resumed:      resumed,
		StartTime:    start,
	})

	res, pending := run(ctx)

	end := e.engine.now()
	endStepSpan(span, res.kind.String(), res.err)
	e.callbacks.AfterStepExecution(ctx, &StepExecutionEvent{
		ExecutionID:  e.id,
		WorkflowName: e.workflow.Name(),
		StepName:     step.Name,
		Visit:        visit,
		Resumed:      resumed,
		StartTime:    start,
		EndTime:      end,
		Duration:     end.Sub(start),
		Outcome:      res.kind.String(),
		Error:        res.err,
	})
	return res, pending
}

func (e *Execution) runStep(ctx context.Context, step *Step, visit int) (Result, []StepError) {
	if len(step.Parallel) > 0 {
		if err := e.runBranches(ctx, step, visit); err != nil {
			res := Fail(err)
			res.logged = true
			return res, nil
		}
		if e.cancelled.Load() {
			e.mutex.RLock()
			reason := e.cancelReason
			e.mutex.RUnlock()
			return Cancel(reason), nil
		}
	}
	if step.Run == nil {
		return Continue(nil), nil
	}
	return e.call(ctx, step, visit, step.Run)
}

// call runs fn with a fresh step context and turns panics into failures.
func (e *Execution) call(ctx context.Context, step *Step, visit int, fn StepFunc) (res Result, pending []StepError) {
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}
	sc := &stepContext{
		Context: ctx,
		view:    view{state: e.state, visible: step.visible()},
		exec:    e,
		step:    step.Name,
		visit:   visit,
		logger:  e.logger.With("step", step.Name),
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("step panicked", "step", step.Name, "panic", r)
			res = Fail(NewWorkflowError(ErrorTypeStepFailed, fmt.Sprintf("step %q panicked: %v", step.Name, r)))
		}
		if res.kind == resultFail && res.err == nil {
			res.err = NewWorkflowError(ErrorTypeStepFailed, fmt.Sprintf("step %q failed", step.Name))
		}
		var failure error
		if res.kind == resultFail {
			failure = res.err
			res.logged = true
		}
		pending = sc.pending(failure)
	}()
	return fn(sc), nil
}

// runBranches dispatches the parallel branches of parent, waits for all of
// them and merges their updates in declared order. Branches see the state as
// it was before any of them ran. The returned error joins the failures of
// every failed branch.
func (e *Execution) runBranches(ctx context.Context, parent *Step, visit int) error {
	type outcome struct {
		res     Result
		pending []StepError
		start   time.Time
		end     time.Time
	}
	outcomes := make([]outcome, len(parent.Parallel))

	var wg sync.WaitGroup
	for i, name := range parent.Parallel {
		branch := e.workflow.stepsByName[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			bctx, span := e.startStepSpan(ctx, name, visit, true)
			start := e.engine.now()
			e.callbacks.BeforeStepExecution(bctx, &StepExecutionEvent{
				ExecutionID:  e.id,
				WorkflowName: e.workflow.Name(),
				StepName:     name,
				Visit:        visit,
				Branch:       true,
				StartTime:    start,
			})
			res, pending := e.call(bctx, branch, visit, branch.Run)
			endStepSpan(span, res.kind.String(), res.err)
			outcomes[i] = outcome{res: res, pending: pending, start: start, end: e.engine.now()}
		}()
	}
	wg.Wait()

	var failures []error
	for i, name := range parent.Parallel {
		branch := e.workflow.stepsByName[name]
		o := outcomes[i]
		var written []string
		var err error
		switch o.res.kind {
		case resultContinue:
			written, err = e.commit(name, o.res.update, branch.writable(), o.pending)
		case resultFail:
			_, _ = e.commit(name, nil, nil, o.pending)
			err = o.res.err
		default:
			err = &ValidationError{Step: name, Reason: fmt.Sprintf("branch steps cannot %s", o.res.kind)}
			_, _ = e.commit(name, nil, nil, append(o.pending, e.stepError(name, err)))
		}
		if err != nil {
			e.logger.Warn("branch failed", "step", parent.Name, "branch", name, "error", err)
			failures = append(failures, fmt.Errorf("branch %q: %w", name, err))
		}
		e.callbacks.AfterStepExecution(ctx, &StepExecutionEvent{
			ExecutionID:  e.id,
			WorkflowName: e.workflow.Name(),
			StepName:     name,
			Visit:        visit,
			Branch:       true,
			StartTime:    o.start,
			EndTime:      o.end,
			Duration:     o.end.Sub(o.start),
			Outcome:      o.res.kind.String(),
			Written:      written,
			Error:        err,
		})
	}
	return errors.Join(failures...)
}

// commit merges a step's update together with its pending errors and logs
// one merged event naming every field written. A rejected update is not
// applied; the rejection itself is appended to the errors field.
func (e *Execution) commit(step string, u Update, allowed map[string]bool, pending []StepError) ([]string, error) {
	now := e.engine.now()
	e.mutex.Lock()
	defer e.mutex.Unlock()

	var written []string
	var failure error
	if len(u) > 0 {
		names, err := e.state.merge(step, u, allowed)
		if err != nil {
			failure = err
			pending = append(pending, e.stepError(step, err))
		}
		written = names
	}
	if len(pending) > 0 {
		if _, err := e.state.merge(step, Update{ErrorsField: pending}, nil); err != nil {
			e.logger.Error("failed to record step errors", "step", step, "error", err)
		} else if !slices.Contains(written, ErrorsField) {
			written = append(written, ErrorsField)
			slices.Sort(written)
		}
	}
	if len(written) > 0 {
		e.state.record(EventMerged, step, written, "", now)
	}
	return written, failure
}

func (e *Execution) stepError(step string, err error) StepError {
	se := StepError{
		Step:    step,
		Type:    ClassifyError(err).Type,
		Message: err.Error(),
		At:      e.engine.now(),
	}
	var toolErr *tools.Error
	if errors.As(err, &toolErr) {
		se.Kind = string(toolErr.Kind)
		se.Operation = toolErr.Operation
	}
	return se
}

// handle applies a step result. It reports true when the run has stopped,
// either terminally or by suspending.
func (e *Execution) handle(ctx context.Context, step *Step, res Result, pending []StepError) (bool, error) {
	switch res.kind {
	case resultContinue, resultAdvance:
		if _, err := e.commit(step.Name, res.update, step.writable(), pending); err != nil {
			return e.failStep(ctx, step, err, nil, true)
		}
		next, err := e.next(ctx, step, res)
		if err != nil {
			return e.failStep(ctx, step, err, nil, false)
		}
		e.setNode(next)
		e.emit(ctx, progress.StageComplete(e.id, step.Name, res.summary))
		if err := e.checkpoint(ctx); err != nil {
			return true, e.failRun(ctx, step.Name, err, false)
		}
		return false, nil

	case resultSuspend:
		if step.Continue == nil {
			err := &ValidationError{Step: step.Name, Reason: "step cannot suspend without a Continue function"}
			return e.failStep(ctx, step, err, pending, false)
		}
		if _, err := e.commit(step.Name, res.update, step.writable(), pending); err != nil {
			return e.failStep(ctx, step, err, nil, true)
		}
		return true, e.suspend(ctx, step, res.suspension)

	case resultCancel:
		if len(pending) > 0 {
			_, _ = e.commit(step.Name, nil, nil, pending)
		}
		return true, e.finishCancelled(ctx, res.reason)

	default:
		return e.failStep(ctx, step, res.err, pending, res.logged)
	}
}

// next resolves the successor of a step that continued or advanced.
func (e *Execution) next(ctx context.Context, step *Step, res Result) (string, error) {
	if res.kind == resultAdvance {
		if !step.isSuccessor(res.next) {
			return "", &ValidationError{Step: step.Name, Reason: fmt.Sprintf("%q is not a declared successor", res.next)}
		}
		return res.next, nil
	}
	if step.Route != nil {
		e.mutex.RLock()
		target := step.Route(view{state: e.state, visible: step.visible()})
		e.mutex.RUnlock()
		if !step.isSuccessor(target) {
			return "", &ValidationError{Step: step.Name, Reason: fmt.Sprintf("route selected undeclared successor %q", target)}
		}
		return target, nil
	}
	var values map[string]any
	for _, edge := range e.workflow.edges[step.Name] {
		if edge.condition == nil {
			return edge.step, nil
		}
		if values == nil {
			values = e.visibleValues(step)
		}
		ok, err := edge.condition.Test(ctx, values)
		if err != nil {
			return "", fmt.Errorf("edge condition %q: %w", edge.condition.Source(), err)
		}
		if ok {
			return edge.step, nil
		}
	}
	return End, nil
}

func (e *Execution) visibleValues(step *Step) map[string]any {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	values := map[string]any{}
	for name := range step.visible() {
		if v, ok := e.state.Get(name); ok {
			values[name] = v
		}
	}
	return values
}

func (e *Execution) announce(ctx context.Context, step *Step) {
	tmpl, ok := e.workflow.announce[step.Name]
	if !ok {
		return
	}
	text, err := tmpl.Render(ctx, e.visibleValues(step))
	if err != nil {
		e.logger.Warn("failed to render announcement", "step", step.Name, "error", err)
		return
	}
	e.emit(ctx, progress.PartialContent(e.id, text))
}

func (e *Execution) setNode(name string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.node = name
}

func (e *Execution) suspend(ctx context.Context, step *Step, s *Suspension) error {
	suspension := *s
	suspension.Step = step.Name
	if suspension.RequestID == "" {
		suspension.RequestID = NewRequestID()
	}
	now := e.engine.now()
	e.mutex.Lock()
	e.status = ExecutionStatusSuspended
	e.suspension = &suspension
	e.state.record(EventSuspended, step.Name, nil, suspension.Reason, now)
	e.mutex.Unlock()

	if err := e.checkpoint(ctx); err != nil {
		return e.failRun(ctx, step.Name, err, false)
	}
	e.logger.Info("run suspended", "step", step.Name, "reason", suspension.Reason, "request_id", suspension.RequestID)
	e.emit(ctx, progress.Suspended(e.id, step.Name, &suspension))
	return nil
}

// resumeStep merges the response into the suspended step's ResumeInto field
// and runs its Continue function.
func (e *Execution) resumeStep(ctx context.Context, resume *resumeInput) (bool, error) {
	e.mutex.Lock()
	step := e.workflow.stepsByName[e.node]
	visit := e.visits[step.Name]
	e.status = ExecutionStatusRunning
	e.suspension = nil
	e.resumedWith = resume.requestID
	var written []string
	value, err := e.workflow.schema.Restore(step.ResumeInto, resume.payload)
	if err == nil {
		written, err = e.state.merge(step.Name, Update{step.ResumeInto: value}, nil)
	}
	e.state.record(EventResumed, step.Name, written, "request "+resume.requestID, e.engine.now())
	e.mutex.Unlock()

	e.logger.Info("resuming run", "step", step.Name, "request_id", resume.requestID)
	if err != nil {
		return e.failStep(ctx, step, err, nil, false)
	}

	res, pending := e.observeStep(ctx, step, visit, true, func(ctx context.Context) (Result, []StepError) {
		return e.call(ctx, step, visit, step.Continue)
	})
	return e.handle(ctx, step, res, pending)
}

// failStep records a step failure and routes to the error handler, or
// fails the run when there is none.
func (e *Execution) failStep(ctx context.Context, step *Step, err error, pending []StepError, logged bool) (bool, error) {
	if !logged {
		pending = append(pending, e.stepError(step.Name, err))
	}
	if len(pending) > 0 {
		_, _ = e.commit(step.Name, nil, nil, pending)
	}
	e.mutex.Lock()
	e.state.record(EventFailed, step.Name, nil, err.Error(), e.engine.now())
	e.mutex.Unlock()

	handler := e.errorHandler(step, err)
	if handler == "" {
		return true, e.failRun(ctx, step.Name, err, true)
	}
	e.logger.Warn("step failed, routing to error handler", "step", step.Name, "handler", handler, "error", err)
	e.setNode(handler)
	if err := e.checkpoint(ctx); err != nil {
		return true, e.failRun(ctx, step.Name, err, false)
	}
	return false, nil
}

func (e *Execution) errorHandler(step *Step, err error) string {
	if ClassifyError(err).Type == ErrorTypeFatal {
		return ""
	}
	if step.OnError != "" && catches(step.Catch, err) {
		return step.OnError
	}
	if e.workflow.onError != step.Name {
		return e.workflow.onError
	}
	return ""
}

func catches(types []string, err error) bool {
	if len(types) == 0 {
		return MatchesErrorType(err, ErrorTypeAll)
	}
	return slices.ContainsFunc(types, func(t string) bool {
		return MatchesErrorType(err, t)
	})
}

// failRun ends the run as failed. The latest good checkpoint is kept for
// inspection and a failed checkpoint is appended after it.
func (e *Execution) failRun(ctx context.Context, step string, err error, logged bool) error {
	ctx = context.WithoutCancel(ctx)
	if !logged {
		_, _ = e.commit(step, nil, nil, []StepError{e.stepError(step, err)})
	}
	now := e.engine.now()
	e.mutex.Lock()
	e.status = ExecutionStatusFailed
	e.endTime = now
	e.err = err
	e.state.record(EventFailed, "", nil, err.Error(), now)
	e.mutex.Unlock()

	if cpErr := e.checkpoint(ctx); cpErr != nil {
		e.logger.Error("failed to save final checkpoint", "error", cpErr)
	}
	e.logger.Error("run failed", "step", step, "error", err)
	e.emit(ctx, progress.Failed(e.id, err))
	e.release()

	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return &RunError{
		RunID:            e.id,
		Status:           ExecutionStatusFailed,
		Errors:           e.state.Errors(),
		LastCheckpointID: e.lastGoodID,
		Err:              err,
	}
}

// finishCancelled ends the run as cancelled and discards its checkpoints.
func (e *Execution) finishCancelled(ctx context.Context, reason string) error {
	ctx = context.WithoutCancel(ctx)
	if reason == "" {
		reason = "cancelled"
	}
	err := fmt.Errorf("%w: %s", ErrCancelled, reason)
	now := e.engine.now()
	e.mutex.Lock()
	e.status = ExecutionStatusCancelled
	e.endTime = now
	e.err = err
	e.suspension = nil
	e.state.record(EventCancelled, "", nil, reason, now)
	errs := e.state.Errors()
	e.mutex.Unlock()

	if delErr := e.engine.checkpointer.DeleteCheckpoint(ctx, e.id); delErr != nil {
		e.logger.Error("failed to delete checkpoints", "error", delErr)
	}
	e.logger.Info("run cancelled", "reason", reason)
	e.emit(ctx, progress.Failed(e.id, err))
	e.release()
	return &RunError{RunID: e.id, Status: ExecutionStatusCancelled, Errors: errs, Err: err}
}

func (e *Execution) complete(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	now := e.engine.now()
	e.mutex.Lock()
	e.status = ExecutionStatusCompleted
	e.endTime = now
	e.state.record(EventCompleted, "", nil, "", now)
	fields := e.state.Values()
	e.mutex.Unlock()

	if err := e.checkpoint(ctx); err != nil {
		e.logger.Error("failed to save final checkpoint", "error", err)
	}
	e.logger.Info("run completed", "duration", now.Sub(e.startTime))
	e.emit(ctx, progress.Completed(e.id, fields))
	e.release()
	return nil
}

// checkpoint appends a snapshot of the run to the checkpoint store.
func (e *Execution) checkpoint(ctx context.Context) error {
	now := e.engine.now()
	e.mutex.Lock()
	e.seq++
	cp := &Checkpoint{
		ID:           NewCheckpointID(),
		RunID:        e.id,
		ParentRunID:  e.parentID,
		WorkflowName: e.workflow.Name(),
		Status:       e.status,
		Seq:          e.seq,
		Node:         e.node,
		Inputs:       maps.Clone(e.inputs),
		Fields:       e.state.Values(),
		Log:          e.state.Log(),
		Visits:       maps.Clone(e.visits),
		Steps:        e.steps,
		Suspension:   e.suspension,
		StartTime:    e.startTime,
		EndTime:      e.endTime,
		Deadline:     e.deadline,
		CheckpointAt: now,
	}
	if e.err != nil {
		cp.Error = e.err.Error()
	}
	e.mutex.Unlock()

	if err := e.engine.checkpointer.SaveCheckpoint(context.WithoutCancel(ctx), cp); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()
	if cp.Status == ExecutionStatusRunning || cp.Status == ExecutionStatusSuspended {
		e.lastGoodID = cp.ID
	}
	return nil
}

// release drops per-run engine state once the run has ended and its last
// event is published.
func (e *Execution) release() {
	if e.engine.progress != nil {
		e.engine.progress.Release(e.id)
	}
	e.engine.releaseClaim(e.id)
}

func (e *Execution) emit(ctx context.Context, event progress.Event) {
	if e.engine.progress == nil {
		return
	}
	event.Workflow = e.workflow.Name()
	e.engine.progress.Emit(ctx, event)
}
