package tradeflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/deepnoodle-ai/tradeflow/progress"
	"github.com/deepnoodle-ai/tradeflow/tools"
)

type ContextKey string

const (
	LoggerContextKey ContextKey = "logger"
)

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

func GetLoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(LoggerContextKey).(*slog.Logger)
	return logger, ok
}

// Context is passed to step functions. It is a context.Context that is
// cancelled when the run is cancelled or the step times out, plus a
// read-only view of the fields the step declared.
type Context interface {
	context.Context
	StateReader

	// RunID returns the ID of the current run.
	RunID() string

	// StepName returns the name of the running step.
	StepName() string

	// Visit returns how many times the step has run in this run, including
	// the current execution.
	Visit() int

	// Logger returns a logger annotated with the run and step.
	Logger() *slog.Logger

	// Now returns the engine clock's current time.
	Now() time.Time

	// Invoke calls a tool through the engine's invoker. Failed calls are
	// appended to the errors field when the step completes.
	Invoke(operation string, args map[string]any, timeout time.Duration) (*tools.Record, error)

	// Emit publishes partial content for the run.
	Emit(text string)

	// RecordError appends err to the errors field when the step completes
	// without failing the step.
	RecordError(err error)
}

type stepContext struct {
	context.Context
	view
	exec   *Execution
	step   string
	visit  int
	logger *slog.Logger

	mutex    sync.Mutex
	errs     []StepError
	recorded []error
}

func (c *stepContext) RunID() string {
	return c.exec.id
}

func (c *stepContext) StepName() string {
	return c.step
}

func (c *stepContext) Visit() int {
	return c.visit
}

func (c *stepContext) Logger() *slog.Logger {
	return c.logger
}

func (c *stepContext) Now() time.Time {
	return c.exec.engine.now()
}

func (c *stepContext) Invoke(operation string, args map[string]any, timeout time.Duration) (*tools.Record, error) {
	invoker := c.exec.engine.tools
	if invoker == nil {
		err := tools.Unavailable("no tool invoker configured")
		c.RecordError(err)
		return nil, err
	}
	ctx := tools.WithScope(c.Context, c.exec.id, c.step)
	rec, err := invoker.Invoke(ctx, operation, args, timeout)
	if rec != nil {
		c.exec.callbacks.AfterToolCall(c, &ToolCallEvent{
			ExecutionID:  c.exec.id,
			WorkflowName: c.exec.workflow.Name(),
			StepName:     c.step,
			Record:       rec,
		})
	}
	if err != nil {
		c.RecordError(err)
	}
	return rec, err
}

func (c *stepContext) Emit(text string) {
	c.exec.emit(c, progress.PartialContent(c.exec.id, text))
}

func (c *stepContext) RecordError(err error) {
	if err == nil {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.recorded = append(c.recorded, err)
	c.errs = append(c.errs, c.exec.stepError(c.step, err))
}

// pending returns the recorded errors plus err, unless err was already
// recorded.
func (c *stepContext) pending(err error) []StepError {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	out := append([]StepError{}, c.errs...)
	if err == nil {
		return out
	}
	for _, seen := range c.recorded {
		if errors.Is(err, seen) {
			return out
		}
	}
	return append(out, c.exec.stepError(c.step, err))
}
