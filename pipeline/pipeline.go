// Package pipeline assembles the trading workflows on top of the engine.
// A supervisor run gathers market data, analyzes it into an integrated
// decision and executes the resulting order, each stage as a child run.
// Orders that breach risk limits pause the run until a reviewer answers
// through the Desk.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/deepnoodle-ai/tradeflow"
	"github.com/deepnoodle-ai/tradeflow/config"
	"github.com/deepnoodle-ai/tradeflow/progress"
	"github.com/deepnoodle-ai/tradeflow/providers"
	"github.com/deepnoodle-ai/tradeflow/quality"
	"github.com/deepnoodle-ai/tradeflow/retry"
	"github.com/deepnoodle-ai/tradeflow/risk"
	"github.com/deepnoodle-ai/tradeflow/signals"
	"github.com/deepnoodle-ai/tradeflow/tools"
)

// Registered workflow names.
const (
	GatherWorkflow     = "gather"
	AnalyzeWorkflow    = "analyze"
	ExecuteWorkflow    = "execute"
	SupervisorWorkflow = "supervisor"
)

// Pattern selects how far a supervisor run goes.
type Pattern string

const (
	DataOnly     Pattern = "DATA_ONLY"
	DataAnalysis Pattern = "DATA_ANALYSIS"
	FullWorkflow Pattern = "FULL_WORKFLOW"
)

// ParsePattern accepts a pattern name in any case. An empty name selects
// FullWorkflow.
func ParsePattern(name string) (Pattern, error) {
	switch p := Pattern(strings.ToUpper(strings.TrimSpace(name))); p {
	case "":
		return FullWorkflow, nil
	case DataOnly, DataAnalysis, FullWorkflow:
		return p, nil
	}
	return "", &tradeflow.ValidationError{Field: "pattern", Reason: fmt.Sprintf("unknown pattern %q", name)}
}

// Options configures a Pipeline.
type Options struct {
	// Config defaults to config.DefaultConfig().
	Config *config.Config

	// Invoker serves tool calls. When nil, an invoker is built over Tools,
	// or over the providers selected by Config when Tools is nil too.
	Invoker tools.Invoker
	Tools   tools.Registry

	// Recorder and Metrics are used by the invoker built from Tools.
	Recorder tools.Recorder
	Metrics  *tools.Metrics

	// RetryWait is the base backoff between tool call attempts.
	RetryWait time.Duration

	Checkpointer tradeflow.Checkpointer
	Progress     *progress.Bus
	Callbacks    tradeflow.ExecutionCallbacks
	Logger       *slog.Logger
	Clock        func() time.Time
}

// Pipeline owns the engine the trading workflows run on.
type Pipeline struct {
	cfg    *config.Config
	engine *tradeflow.Engine
	desk   *Desk
	logger *slog.Logger
}

// New validates the configuration, builds the four workflows and registers
// them with a new engine.
func New(opts Options) (*Pipeline, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	invoker := opts.Invoker
	if invoker == nil {
		var err error
		if invoker, err = newInvoker(cfg, opts); err != nil {
			return nil, err
		}
	}

	integrator, err := signals.NewIntegrator(cfg.Signals.Weights)
	if err != nil {
		return nil, fmt.Errorf("invalid signal weights: %w", err)
	}
	scorer := quality.NewScorer(cfg.Quality.DefaultFields, cfg.Quality.Required)

	builders := []func() (*tradeflow.Workflow, error){
		func() (*tradeflow.Workflow, error) { return newGatherWorkflow(cfg, scorer) },
		func() (*tradeflow.Workflow, error) { return newAnalyzeWorkflow(cfg, integrator) },
		func() (*tradeflow.Workflow, error) { return newExecuteWorkflow(cfg) },
		func() (*tradeflow.Workflow, error) { return newSupervisorWorkflow(cfg) },
	}
	workflows := make([]*tradeflow.Workflow, 0, len(builders))
	for _, build := range builders {
		w, err := build()
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}

	engine := tradeflow.NewEngine(tradeflow.EngineOptions{
		Checkpointer: opts.Checkpointer,
		Tools:        invoker,
		Progress:     opts.Progress,
		Callbacks:    opts.Callbacks,
		Logger:       opts.Logger,
		Clock:        opts.Clock,
		RunTimeout:   cfg.Engine.RunTimeout,
	})
	if err := engine.Register(workflows...); err != nil {
		return nil, err
	}

	ledger := risk.NewLedger(cfg.Risk, risk.WithClock(opts.Clock), risk.WithLogger(opts.Logger))
	return &Pipeline{
		cfg:    cfg,
		engine: engine,
		desk:   NewDesk(engine, ledger, opts.Logger),
		logger: opts.Logger,
	}, nil
}

func newInvoker(cfg *config.Config, opts Options) (tools.Invoker, error) {
	registry := opts.Tools
	if registry == nil {
		var err error
		if registry, err = providers.FromConfig(cfg.Providers, opts.Logger); err != nil {
			return nil, err
		}
	}
	local := tools.NewLocal(tools.LocalOptions{
		Registry:       registry,
		Recorder:       opts.Recorder,
		Metrics:        opts.Metrics,
		Logger:         opts.Logger,
		DefaultTimeout: cfg.Engine.ToolTimeout,
		Clock:          opts.Clock,
	})
	retryOpts := []retry.Option{
		retry.WithMaxRetries(cfg.Engine.ToolAttempts - 1),
		retry.WithOnRetry(func(attempt int, err error) {
			opts.Logger.Warn("retrying tool call", "attempt", attempt, "error", err)
		}),
	}
	if opts.RetryWait > 0 {
		retryOpts = append(retryOpts, retry.WithBaseWait(opts.RetryWait), retry.WithMaxWait(8*opts.RetryWait))
	}
	return tools.WithRetry(local, retryOpts...), nil
}

// Engine returns the engine the workflows are registered with.
func (p *Pipeline) Engine() *tradeflow.Engine {
	return p.engine
}

// Desk returns the approval desk for suspended runs.
func (p *Pipeline) Desk() *Desk {
	return p.desk
}

// Config returns the validated configuration.
func (p *Pipeline) Config() *config.Config {
	return p.cfg
}

// Request starts a supervisor run.
type Request struct {
	Symbol  string
	Pattern Pattern

	// Budget is the order value to size towards. Zero leaves sizing to the
	// provider's default.
	Budget float64

	// RunID is optional.
	RunID string
}

// Run starts a supervisor run and drives it until it completes, fails or
// suspends for approval. The execution is returned even when the run
// fails, so its report can be inspected.
func (p *Pipeline) Run(ctx context.Context, req Request) (*tradeflow.Execution, error) {
	inputs := map[string]any{symbolKey.Name(): req.Symbol}
	if req.Pattern != "" {
		inputs[patternKey.Name()] = string(req.Pattern)
	}
	if req.Budget > 0 {
		inputs[budgetKey.Name()] = req.Budget
	}
	p.logger.Info("starting pipeline run", "symbol", req.Symbol, "pattern", req.Pattern)
	return p.engine.Start(ctx, tradeflow.ExecutionOptions{
		WorkflowName: SupervisorWorkflow,
		Inputs:       inputs,
		RunID:        req.RunID,
	})
}

// SummaryOf returns the summary written by a completed supervisor run.
func SummaryOf(exec *tradeflow.Execution) (*Summary, bool) {
	if exec == nil {
		return nil, false
	}
	return summaryKey.Get(exec)
}
