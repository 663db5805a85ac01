package pipeline

import (
	"time"

	"github.com/deepnoodle-ai/tradeflow"
	"github.com/deepnoodle-ai/tradeflow/config"
	"github.com/deepnoodle-ai/tradeflow/providers"
	"github.com/deepnoodle-ai/tradeflow/quality"
)

// newGatherWorkflow fetches every market data source in parallel and scores
// the result. When the score is below the configured minimum the failed
// sources are fetched again, up to MaxAttempts rounds in total.
//
//	fetch (fetch_quote | fetch_history | ...) -> score -> fetch | end
func newGatherWorkflow(cfg *config.Config, scorer *quality.Scorer) (*tradeflow.Workflow, error) {
	timeout := cfg.Engine.ToolTimeout
	minScore := cfg.Quality.MinScore
	maxAttempts := cfg.Quality.MaxAttempts

	branches := make([]string, 0, len(providers.DataOperations))
	steps := []*tradeflow.Step{
		{
			Name:        "fetch",
			Description: "Fetch every market data source in parallel",
			Announce:    "Collecting market data for ${state.symbol}",
			Reads:       []string{symbolKey.Name()},
			MaxVisits:   maxAttempts,
			Next:        tradeflow.Then("score"),
		},
		{
			Name:        "score",
			Description: "Score the completeness of the fetched data",
			Reads:       []string{sourcesKey.Name()},
			Writes:      []string{qualityKey.Name(), attemptsKey.Name()},
			Run: func(ctx tradeflow.Context) tradeflow.Result {
				report := scorer.Score(sourcesKey.Value(ctx))
				ctx.Logger().Info("scored market data",
					"score", report.Score,
					"grade", report.Grade,
					"failed", report.Failed)
				u := tradeflow.Update{}
				qualityKey.Set(u, &report)
				attemptsKey.Set(u, ctx.Visit())
				return tradeflow.Continue(u).WithSummary(map[string]any{
					"score":     report.Score,
					"grade":     report.Grade,
					"usability": report.Usability,
					"attempt":   ctx.Visit(),
				})
			},
			Next: []*tradeflow.Edge{{Step: "fetch"}, {Step: tradeflow.End}},
			Route: func(state tradeflow.StateReader) string {
				report := qualityKey.Value(state)
				if report != nil && report.Score < minScore && attemptsKey.Value(state) < maxAttempts {
					return "fetch"
				}
				return tradeflow.End
			},
		},
	}
	for _, op := range providers.DataOperations {
		name := "fetch_" + op
		branches = append(branches, name)
		steps = append(steps, &tradeflow.Step{
			Name:   name,
			Reads:  []string{symbolKey.Name(), sourcesKey.Name()},
			Writes: []string{sourcesKey.Name()},
			Run:    fetchSource(op, timeout),
		})
	}
	steps[0].Parallel = branches

	return tradeflow.New(tradeflow.Options{
		Name:        GatherWorkflow,
		Description: "Collect market data for a symbol and score its quality",
		Fields: []tradeflow.Field{
			symbolKey.Field().AsRequired(),
			sourcesKey.Field().WithMerge(mergeSources).AsOptional(),
			qualityKey.Field(),
			attemptsKey.Field(),
		},
		Steps:    steps,
		MaxSteps: cfg.Engine.MaxSteps,
	})
}

// fetchSource calls one data operation. A source that was fetched
// successfully in an earlier round is kept. A failed call is recorded as a
// failed source rather than failing the step.
func fetchSource(op string, timeout time.Duration) tradeflow.StepFunc {
	return func(ctx tradeflow.Context) tradeflow.Result {
		if prev, ok := sourcesKey.Value(ctx)[op]; ok && prev.OK {
			return tradeflow.Continue(nil)
		}
		rec, err := ctx.Invoke(op, map[string]any{"symbol": symbolKey.Value(ctx)}, timeout)
		if err != nil {
			ctx.Logger().Warn("market data source failed", "operation", op, "error", err)
		}
		u := tradeflow.Update{}
		sourcesKey.Set(u, Sources{op: quality.OutcomeFromRecord(rec)})
		return tradeflow.Continue(u)
	}
}
