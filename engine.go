package tradeflow

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/deepnoodle-ai/tradeflow/progress"
	"github.com/deepnoodle-ai/tradeflow/tools"
	"go.opentelemetry.io/otel/trace"
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	// Workflows is the registry runs are resolved against. Defaults to an
	// empty MemoryWorkflowRegistry.
	Workflows WorkflowRegistry

	// Checkpointer stores run snapshots. Defaults to a MemoryCheckpointer.
	Checkpointer Checkpointer

	// Tools serves Context.Invoke calls.
	Tools tools.Invoker

	// Progress receives the progress events of every run.
	Progress *progress.Bus

	// Callbacks observe run, step and tool call events. They may be called
	// from several goroutines at once.
	Callbacks ExecutionCallbacks

	Logger *slog.Logger

	// Clock defaults to time.Now.
	Clock func() time.Time

	// RunTimeout is the default run deadline for workflows that do not set
	// their own.
	RunTimeout time.Duration

	// Tracer defaults to the global OpenTelemetry tracer provider.
	Tracer trace.Tracer
}

// Engine starts, resumes and cancels runs. It holds no per-run state beyond
// the set of runs currently executing in this process.
type Engine struct {
	workflows    WorkflowRegistry
	checkpointer Checkpointer
	tools        tools.Invoker
	progress     *progress.Bus
	callbacks    ExecutionCallbacks
	logger       *slog.Logger
	clock        func() time.Time
	runTimeout   time.Duration
	tracer       trace.Tracer

	mutex  sync.Mutex
	active map[string]*Execution
	// claims holds, per run, the checkpoint consumed by a resume when the
	// store cannot claim on its own.
	claims map[string]string
}

// NewEngine returns an engine with defaults filled in.
func NewEngine(opts EngineOptions) *Engine {
	if opts.Workflows == nil {
		opts.Workflows = NewMemoryWorkflowRegistry()
	}
	if opts.Checkpointer == nil {
		opts.Checkpointer = NewMemoryCheckpointer()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseExecutionCallbacks{}
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Tracer == nil {
		opts.Tracer = defaultTracer()
	}
	return &Engine{
		workflows:    opts.Workflows,
		checkpointer: opts.Checkpointer,
		tools:        opts.Tools,
		progress:     opts.Progress,
		callbacks:    opts.Callbacks,
		logger:       opts.Logger,
		clock:        opts.Clock,
		runTimeout:   opts.RunTimeout,
		tracer:       opts.Tracer,
		active:       map[string]*Execution{},
		claims:       map[string]string{},
	}
}

func (eng *Engine) now() time.Time {
	return eng.clock()
}

// Register adds workflows to the engine's registry.
func (eng *Engine) Register(workflows ...*Workflow) error {
	for _, w := range workflows {
		if err := eng.workflows.Register(w); err != nil {
			return err
		}
	}
	return nil
}

// Workflow returns a registered workflow by name.
func (eng *Engine) Workflow(name string) (*Workflow, bool) {
	return eng.workflows.Get(name)
}

// Checkpointer returns the engine's checkpoint store.
func (eng *Engine) Checkpointer() Checkpointer {
	return eng.checkpointer
}

// Progress returns the engine's progress bus, which may be nil.
func (eng *Engine) Progress() *progress.Bus {
	return eng.progress
}

// NewExecution prepares a run without starting it. Inputs are validated
// against the workflow schema.
func (eng *Engine) NewExecution(opts ExecutionOptions) (*Execution, error) {
	w := opts.Workflow
	if w == nil {
		var ok bool
		if w, ok = eng.workflows.Get(opts.WorkflowName); !ok {
			return nil, fmt.Errorf("workflow %q not registered", opts.WorkflowName)
		}
	}
	state, err := newState(w.Schema(), opts.Inputs)
	if err != nil {
		return nil, err
	}
	if opts.RunID == "" {
		opts.RunID = NewRunID()
	}
	exec := eng.newExecution(w, opts.RunID, opts.ParentRunID, opts.Inputs, state)
	exec.status = ExecutionStatusPending
	exec.node = w.Entry().Name
	exec.timeout = opts.Timeout
	if exec.timeout == 0 {
		exec.timeout = w.Timeout()
	}
	if exec.timeout == 0 {
		exec.timeout = eng.runTimeout
	}
	return exec, nil
}

func (eng *Engine) newExecution(w *Workflow, runID, parentID string, inputs map[string]any, state *State) *Execution {
	return &Execution{
		engine:    eng,
		workflow:  w,
		id:        runID,
		parentID:  parentID,
		inputs:    maps.Clone(inputs),
		state:     state,
		logger:    eng.logger.With("run_id", runID, "workflow", w.Name()),
		callbacks: eng.callbacks,
		visits:    map[string]int{},
	}
}

// Start creates and runs a new run. The execution is returned even when the
// run fails, so callers can inspect its report.
func (eng *Engine) Start(ctx context.Context, opts ExecutionOptions) (*Execution, error) {
	exec, err := eng.NewExecution(opts)
	if err != nil {
		return nil, err
	}
	return exec, exec.Run(ctx)
}

// Resume delivers the response to a suspended run and continues it. The
// checkpoint is claimed first, so a response is applied at most once; an
// unknown run, a request id that does not match, or a checkpoint that was
// already consumed yields a *StaleApprovalError.
func (eng *Engine) Resume(ctx context.Context, runID, requestID string, payload any) (*Execution, error) {
	cp, err := eng.claim(ctx, runID, requestID)
	if err != nil {
		return nil, err
	}
	exec, err := eng.restore(cp)
	if err != nil {
		eng.releaseClaim(runID)
		return nil, err
	}
	// Time spent suspended does not count against the run deadline.
	if !exec.deadline.IsZero() {
		exec.deadline = exec.deadline.Add(eng.now().Sub(cp.CheckpointAt))
	}
	return exec, exec.drive(ctx, &resumeInput{requestID: requestID, payload: payload})
}

func (eng *Engine) claim(ctx context.Context, runID, requestID string) (*Checkpoint, error) {
	if claimer, ok := eng.checkpointer.(Claimer); ok {
		cp, err := claimer.ClaimCheckpoint(ctx, runID, requestID)
		if err != nil {
			return nil, err
		}
		if cp == nil {
			return nil, &StaleApprovalError{RunID: runID, RequestID: requestID, Reason: "run not found"}
		}
		return cp, nil
	}

	eng.mutex.Lock()
	defer eng.mutex.Unlock()
	cp, err := eng.checkpointer.LoadCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, &StaleApprovalError{RunID: runID, RequestID: requestID, Reason: "run not found"}
	}
	if err := cp.Claimable(requestID); err != nil {
		return nil, err
	}
	if eng.claims[runID] == cp.ID {
		return nil, &StaleApprovalError{RunID: runID, RequestID: requestID, Reason: "request already resolved"}
	}
	eng.claims[runID] = cp.ID
	return cp, nil
}

// releaseClaim forgets the in-process claim on a run. It is called when the
// run ends and when a claimed checkpoint could not be restored, so the
// response can be delivered again.
func (eng *Engine) releaseClaim(runID string) {
	eng.mutex.Lock()
	defer eng.mutex.Unlock()
	delete(eng.claims, runID)
}

func (eng *Engine) restore(cp *Checkpoint) (*Execution, error) {
	w, ok := eng.workflows.Get(cp.WorkflowName)
	if !ok {
		return nil, fmt.Errorf("workflow %q not registered", cp.WorkflowName)
	}
	if _, ok := w.GetStep(cp.Node); !ok {
		return nil, fmt.Errorf("checkpoint %s: step %q not in workflow %q", cp.ID, cp.Node, w.Name())
	}
	state, err := restoreState(w.Schema(), cp.Fields, cp.Log)
	if err != nil {
		return nil, err
	}
	exec := eng.newExecution(w, cp.RunID, cp.ParentRunID, cp.Inputs, state)
	exec.status = cp.Status
	exec.node = cp.Node
	if cp.Visits != nil {
		exec.visits = cp.Visits
	}
	exec.steps = cp.Steps
	exec.suspension = cp.Suspension
	exec.startTime = cp.StartTime
	exec.deadline = cp.Deadline
	exec.seq = cp.Seq
	exec.lastGoodID = cp.ID
	return exec, nil
}

// Cancel stops a run. A run executing in this process stops at its next
// step boundary; a suspended run is cancelled immediately, along with a
// suspended child run it is waiting on. Cancelled runs lose their
// checkpoints.
func (eng *Engine) Cancel(ctx context.Context, runID, reason string) error {
	eng.mutex.Lock()
	exec := eng.active[runID]
	eng.mutex.Unlock()
	if exec != nil {
		exec.Cancel(reason)
		return nil
	}

	cp, err := eng.checkpointer.LoadCheckpoint(ctx, runID)
	if err != nil {
		return err
	}
	if cp == nil {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if cp.Status != ExecutionStatusSuspended {
		return fmt.Errorf("run %s is %s", runID, cp.Status)
	}
	if cp, err = eng.claim(ctx, runID, cp.RequestID()); err != nil {
		return err
	}
	if child := cp.Suspension.ChildRunID; child != "" {
		if err := eng.Cancel(ctx, child, reason); err != nil {
			eng.logger.Warn("failed to cancel child run", "run_id", child, "error", err)
		}
	}
	exec, err = eng.restore(cp)
	if err != nil {
		eng.releaseClaim(runID)
		return err
	}
	_ = exec.finishCancelled(ctx, reason)
	return nil
}

// Inspect returns the latest checkpoint of a run.
func (eng *Engine) Inspect(ctx context.Context, runID string) (*Checkpoint, error) {
	cp, err := eng.checkpointer.LoadCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return cp, nil
}

// ListRuns summarizes the runs in the checkpoint store, when the store
// supports listing.
func (eng *Engine) ListRuns(ctx context.Context) ([]*RunSummary, error) {
	lister, ok := eng.checkpointer.(RunLister)
	if !ok {
		return nil, fmt.Errorf("checkpointer %T cannot list runs", eng.checkpointer)
	}
	return lister.ListRuns(ctx)
}

func (eng *Engine) track(exec *Execution) {
	eng.mutex.Lock()
	defer eng.mutex.Unlock()
	eng.active[exec.id] = exec
}

func (eng *Engine) untrack(exec *Execution) {
	eng.mutex.Lock()
	defer eng.mutex.Unlock()
	if eng.active[exec.id] == exec {
		delete(eng.active, exec.id)
	}
}
