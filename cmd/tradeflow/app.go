package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/deepnoodle-ai/tradeflow"
	"github.com/deepnoodle-ai/tradeflow/config"
	"github.com/deepnoodle-ai/tradeflow/pipeline"
	"github.com/deepnoodle-ai/tradeflow/postgres"
	"github.com/deepnoodle-ai/tradeflow/progress"
	"github.com/deepnoodle-ai/tradeflow/redisstore"
	"github.com/deepnoodle-ai/tradeflow/risk"
	"github.com/deepnoodle-ai/tradeflow/tools"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	cli "github.com/urfave/cli/v3"
)

// app holds what the root command sets up for its subcommands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	pipeline *pipeline.Pipeline
	out      *printer
	closers  []io.Closer

	metrics     *prometheus.Registry
	metricsFile string
}

func (a *app) setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	if path := cmd.String("env-file"); path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err != nil {
				return ctx, fmt.Errorf("failed to load %s: %w", path, err)
			}
		}
	}

	cfg := config.DefaultConfig()
	if path := cmd.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return ctx, err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	cfg.Merge(&config.Config{
		Storage: config.StorageConfig{
			Backend: cmd.String("storage"),
			Path:    cmd.String("storage-path"),
		},
		Log: config.LogConfig{Level: cmd.String("log-level")},
	})
	if err := cfg.Validate(); err != nil {
		return ctx, err
	}
	a.cfg = cfg
	a.logger = newLogger(cfg.Log, os.Stderr)
	a.out = &printer{w: cmd.Writer, json: cmd.Bool("json")}

	checkpointer, err := a.openStore(ctx)
	if err != nil {
		return ctx, err
	}
	var recorder tools.Recorder
	if dir := cmd.String("records"); dir != "" {
		recorder = tools.NewFileRecorder(dir)
	}

	var metrics *tools.Metrics
	if a.metricsFile = cmd.String("metrics-file"); a.metricsFile != "" {
		a.metrics = prometheus.NewRegistry()
		if metrics, err = tools.NewMetrics(a.metrics); err != nil {
			return ctx, err
		}
	}

	a.pipeline, err = pipeline.New(pipeline.Options{
		Config:       cfg,
		Recorder:     recorder,
		Metrics:      metrics,
		Checkpointer: checkpointer,
		Progress:     progress.NewBus(progress.Multi{progress.NewLogObserver(a.logger), a.out}),
		Logger:       a.logger,
	})
	if err != nil {
		return ctx, err
	}
	return ctx, nil
}

func (a *app) close(ctx context.Context, cmd *cli.Command) error {
	var errs []error
	if a.metrics != nil {
		errs = append(errs, prometheus.WriteToTextfile(a.metricsFile, a.metrics))
	}
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := tradeflow.ParseLevel(cfg.Level)
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return tradeflow.NewLoggerWithLevel(w, level)
}

// openStore opens the checkpoint store selected by the storage config. Only
// the file, postgres and redis backends survive the process.
func (a *app) openStore(ctx context.Context) (tradeflow.Checkpointer, error) {
	storage := a.cfg.Storage
	switch storage.Backend {
	case "file":
		return tradeflow.NewFileCheckpointer(storage.Path)
	case "postgres":
		store, err := postgres.Open(ctx, a.logger, storage.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store)
		return store, nil
	case "redis":
		store, err := redisstore.Dial(ctx, storage.RedisAddr, "", 0)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store)
		return store, nil
	}
	return tradeflow.NewMemoryCheckpointer(), nil
}

func (a *app) run(ctx context.Context, cmd *cli.Command) error {
	symbol, err := requireArg(cmd, "SYMBOL")
	if err != nil {
		return err
	}
	pattern, err := pipeline.ParsePattern(cmd.String("pattern"))
	if err != nil {
		return err
	}
	exec, err := a.pipeline.Run(ctx, pipeline.Request{
		Symbol:  symbol,
		Pattern: pattern,
		Budget:  cmd.Float("budget"),
		RunID:   cmd.String("run-id"),
	})
	if exec == nil {
		return err
	}
	if exec.Status() == tradeflow.ExecutionStatusSuspended && a.cfg.Storage.Backend == "memory" {
		a.logger.Warn("run is waiting for approval but the memory store does not outlive this process; use --storage file to answer it later")
	}
	return a.out.execution(exec, err)
}

func (a *app) pending(ctx context.Context, cmd *cli.Command) error {
	requests, err := a.pipeline.Desk().Pending(ctx)
	if err != nil {
		return err
	}
	return a.out.requests(requests)
}

func (a *app) respond(kind risk.ResponseKind) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		requestID, err := requireArg(cmd, "REQUEST_ID")
		if err != nil {
			return err
		}
		desk := a.pipeline.Desk()
		resp := risk.ApprovalResponse{
			RequestID: requestID,
			Kind:      kind,
			Actor:     cmd.String("actor"),
			Comment:   cmd.String("comment"),
		}
		if kind == risk.Modify {
			if _, err := desk.RunFor(ctx, requestID); err != nil {
				return err
			}
			req, ok := desk.Ledger().Request(requestID)
			if !ok {
				return &tradeflow.StaleApprovalError{RequestID: requestID, Reason: "unknown request"}
			}
			modified := req.Action
			modified.Quantity = cmd.Float("quantity")
			if price := cmd.Float("price"); price > 0 {
				modified.Price = price
			}
			resp.Modified = &modified
		}
		sub, err := desk.Submit(ctx, resp)
		if sub == nil {
			return err
		}
		a.out.resolution(sub.Resolution)
		if sub.Execution == nil {
			return err
		}
		return a.out.execution(sub.Execution, err)
	}
}

func (a *app) runs(ctx context.Context, cmd *cli.Command) error {
	runs, err := a.pipeline.Engine().ListRuns(ctx)
	if err != nil {
		return err
	}
	return a.out.runs(runs)
}

func (a *app) inspect(ctx context.Context, cmd *cli.Command) error {
	runID, err := requireArg(cmd, "RUN_ID")
	if err != nil {
		return err
	}
	cp, err := a.pipeline.Engine().Inspect(ctx, runID)
	if err != nil {
		return err
	}
	return a.out.checkpoint(cp)
}

func (a *app) cancel(ctx context.Context, cmd *cli.Command) error {
	runID, err := requireArg(cmd, "RUN_ID")
	if err != nil {
		return err
	}
	if err := a.pipeline.Engine().Cancel(ctx, runID, cmd.String("reason")); err != nil {
		return err
	}
	a.out.line(colorOK, "Cancelled %s", runID)
	return nil
}
