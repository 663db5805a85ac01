package pipeline

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/deepnoodle-ai/tradeflow"
	"github.com/deepnoodle-ai/tradeflow/config"
	"github.com/deepnoodle-ai/tradeflow/signals"
)

// newAnalyzeWorkflow runs one analysis per signal category in parallel and
// integrates the signals into a decision. A category whose analysis fails
// is left out and its weight is redistributed.
//
//	analyze (analyze_technical | analyze_fundamental | ...) -> integrate
func newAnalyzeWorkflow(cfg *config.Config, integrator *signals.Integrator) (*tradeflow.Workflow, error) {
	timeout := cfg.Engine.ToolTimeout

	categories := slices.Sorted(maps.Keys(integrator.Weights()))

	analyze := &tradeflow.Step{
		Name:        "analyze",
		Description: "Run every analysis in parallel",
		Announce:    "Analyzing ${state.symbol}",
		Reads:       []string{symbolKey.Name()},
		Next:        tradeflow.Then("integrate"),
	}
	steps := []*tradeflow.Step{
		analyze,
		{
			Name:        "integrate",
			Description: "Combine the signals into one decision",
			Reads:       []string{signalsKey.Name()},
			Writes:      []string{decisionKey.Name(), actionKey.Name()},
			Run: func(ctx tradeflow.Context) tradeflow.Result {
				decision, err := integrator.Integrate(signalsKey.Value(ctx))
				if err != nil {
					return tradeflow.Fail(err)
				}
				action := decision.Action()
				ctx.Logger().Info("integrated signals",
					"direction", decision.Direction,
					"score", decision.Score,
					"confidence", decision.Confidence,
					"action", action)
				u := tradeflow.Update{}
				decisionKey.Set(u, &decision)
				actionKey.Set(u, action)
				return tradeflow.Continue(u).WithSummary(map[string]any{
					"direction":  decision.Direction,
					"score":      decision.Score,
					"confidence": decision.Confidence,
					"action":     action,
				})
			},
		},
	}
	for _, category := range categories {
		name := "analyze_" + string(category)
		analyze.Parallel = append(analyze.Parallel, name)
		steps = append(steps, &tradeflow.Step{
			Name:   name,
			Reads:  []string{symbolKey.Name()},
			Writes: []string{signalsKey.Name()},
			Run:    analyzeCategory(category, timeout),
		})
	}

	return tradeflow.New(tradeflow.Options{
		Name:        AnalyzeWorkflow,
		Description: "Analyze a symbol and integrate the signals into a decision",
		Fields: []tradeflow.Field{
			symbolKey.Field().AsRequired(),
			signalsKey.Field().WithMerge(tradeflow.AppendMerge[signals.Signal]()).AsOptional(),
			decisionKey.Field(),
			actionKey.Field(),
		},
		Steps:    steps,
		MaxSteps: cfg.Engine.MaxSteps,
	})
}

func analyzeCategory(category signals.Category, timeout time.Duration) tradeflow.StepFunc {
	op := "analyze_" + string(category)
	return func(ctx tradeflow.Context) tradeflow.Result {
		rec, err := ctx.Invoke(op, map[string]any{"symbol": symbolKey.Value(ctx)}, timeout)
		if err != nil {
			ctx.Logger().Warn("analysis failed", "operation", op, "error", err)
			return tradeflow.Continue(nil)
		}
		signal, err := decode[signals.Signal](rec.Result)
		if err == nil {
			err = checkSignal(category, &signal)
		}
		if err != nil {
			ctx.RecordError(fmt.Errorf("%s returned an unusable signal: %w", op, err))
			return tradeflow.Continue(nil)
		}
		u := tradeflow.Update{}
		signalsKey.Set(u, []signals.Signal{signal})
		return tradeflow.Continue(u)
	}
}

// checkSignal fills in a missing category and rejects values the
// integrator would refuse.
func checkSignal(category signals.Category, s *signals.Signal) error {
	if s.Category == "" {
		s.Category = category
	}
	if s.Category != category {
		return fmt.Errorf("category %q does not match %q", s.Category, category)
	}
	s.Direction = signals.Direction(strings.ToLower(string(s.Direction)))
	if _, ok := s.Direction.Score(); !ok {
		return fmt.Errorf("unknown direction %q", s.Direction)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", s.Confidence)
	}
	return nil
}
