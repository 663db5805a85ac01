package pipeline

import (
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/tradeflow"
	"github.com/deepnoodle-ai/tradeflow/config"
	"github.com/deepnoodle-ai/tradeflow/quality"
	"github.com/deepnoodle-ai/tradeflow/risk"
	"github.com/deepnoodle-ai/tradeflow/signals"
)

// Summary is the final report of a supervisor run.
type Summary struct {
	Symbol     string            `json:"symbol"`
	Pattern    Pattern           `json:"pattern"`
	Quality    float64           `json:"quality_score"`
	Grade      quality.Grade     `json:"quality_grade,omitempty"`
	Usability  quality.Usability `json:"usability,omitempty"`
	Direction  signals.Direction `json:"direction,omitempty"`
	Action     signals.Action    `json:"action,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
	Outcome    string            `json:"outcome"`
	Approval   risk.Status       `json:"approval,omitempty"`
	OrderID    string            `json:"order_id,omitempty"`
	Text       string            `json:"text"`
}

// newSupervisorWorkflow runs the stages the pattern asks for as child
// workflows and stops early when the data is unusable or there is nothing
// to trade.
//
//	plan -> gather -> triage -> analyze -> decide -> execute -> report
//	                        \-> report           \-> report
func newSupervisorWorkflow(cfg *config.Config) (*tradeflow.Workflow, error) {
	steps := []*tradeflow.Step{
		{
			Name:        "plan",
			Description: "Normalize the request",
			Announce:    "Planning ${state.pattern} run for ${state.symbol}",
			Reads:       []string{symbolKey.Name(), patternKey.Name()},
			Writes:      []string{symbolKey.Name(), patternKey.Name()},
			Next:        tradeflow.Then("gather"),
			Run: func(ctx tradeflow.Context) tradeflow.Result {
				symbol := strings.ToUpper(strings.TrimSpace(symbolKey.Value(ctx)))
				if symbol == "" {
					return tradeflow.Fail(&tradeflow.ValidationError{Step: "plan", Field: symbolKey.Name(), Reason: "symbol is required"})
				}
				pattern, err := ParsePattern(string(patternKey.Value(ctx)))
				if err != nil {
					return tradeflow.Fail(err)
				}
				u := tradeflow.Update{}
				symbolKey.Set(u, symbol)
				patternKey.Set(u, pattern)
				return tradeflow.Continue(u)
			},
		},
		tradeflow.ChildStep(tradeflow.ChildOptions{
			Name:        "gather",
			Description: "Collect and score market data",
			Workflow:    GatherWorkflow,
			Inputs:      map[string]string{symbolKey.Name(): symbolKey.Name()},
			Outputs: map[string]string{
				sourcesKey.Name(): sourcesKey.Name(),
				qualityKey.Name(): qualityKey.Name(),
			},
			Next: tradeflow.Then("triage"),
		}),
		{
			Name:        "triage",
			Description: "Decide whether the data supports analysis",
			Reads:       []string{patternKey.Name(), qualityKey.Name(), sourcesKey.Name()},
			Writes:      []string{priceKey.Name()},
			Next: []*tradeflow.Edge{
				{Step: "report", Condition: "state.pattern == 'DATA_ONLY'"},
				{Step: "report", Condition: "state.quality.insufficient_data || state.quality.usability == 'INSUFFICIENT'"},
				{Step: "analyze"},
			},
			Run: func(ctx tradeflow.Context) tradeflow.Result {
				price, ok := sourcesKey.Value(ctx).Price()
				if !ok {
					ctx.Logger().Warn("no usable quote price")
				}
				u := tradeflow.Update{}
				priceKey.Set(u, price)
				return tradeflow.Continue(u)
			},
		},
		tradeflow.ChildStep(tradeflow.ChildOptions{
			Name:        "analyze",
			Description: "Analyze the symbol and integrate the signals",
			Workflow:    AnalyzeWorkflow,
			Inputs:      map[string]string{symbolKey.Name(): symbolKey.Name()},
			Outputs: map[string]string{
				decisionKey.Name(): decisionKey.Name(),
				actionKey.Name():   actionKey.Name(),
			},
			Next: tradeflow.Then("decide"),
		}),
		{
			Name:        "decide",
			Description: "Decide whether the decision leads to an order",
			Reads:       []string{patternKey.Name(), decisionKey.Name(), actionKey.Name(), priceKey.Name()},
			Writes:      []string{confidenceKey.Name()},
			Next: []*tradeflow.Edge{
				{Step: "report", Condition: "state.pattern == 'DATA_ANALYSIS'"},
				{Step: "report", Condition: "state.action == 'HOLD'"},
				{Step: "report", Condition: "state.price <= 0"},
				{Step: "execute"},
			},
			Run: func(ctx tradeflow.Context) tradeflow.Result {
				var confidence float64
				if d := decisionKey.Value(ctx); d != nil {
					confidence = d.Confidence
				}
				u := tradeflow.Update{}
				confidenceKey.Set(u, confidence)
				return tradeflow.Continue(u)
			},
		},
		tradeflow.ChildStep(tradeflow.ChildOptions{
			Name:        "execute",
			Description: "Size, risk check and submit the order",
			Workflow:    ExecuteWorkflow,
			Inputs: map[string]string{
				symbolKey.Name():     symbolKey.Name(),
				actionKey.Name():     actionKey.Name(),
				priceKey.Name():      priceKey.Name(),
				confidenceKey.Name(): confidenceKey.Name(),
				budgetKey.Name():     budgetKey.Name(),
			},
			Outputs: map[string]string{
				proposalKey.Name(): proposalKey.Name(),
				orderKey.Name():    orderKey.Name(),
				outcomeKey.Name():  outcomeKey.Name(),
			},
			ResumeInto: approvalKey.Name(),
			Next:       tradeflow.Then("report"),
		}),
		{
			Name:        "report",
			Description: "Summarize the run",
			Reads: []string{
				symbolKey.Name(), patternKey.Name(), qualityKey.Name(), decisionKey.Name(),
				actionKey.Name(), priceKey.Name(), approvalKey.Name(), orderKey.Name(), outcomeKey.Name(),
			},
			Writes: []string{summaryKey.Name()},
			Run: func(ctx tradeflow.Context) tradeflow.Result {
				summary := summarize(ctx)
				ctx.Emit(summary.Text)
				u := tradeflow.Update{}
				summaryKey.Set(u, summary)
				return tradeflow.Continue(u).WithSummary(summary)
			},
		},
	}

	return tradeflow.New(tradeflow.Options{
		Name:        SupervisorWorkflow,
		Description: "Gather, analyze and execute a trade for one symbol",
		Fields: []tradeflow.Field{
			symbolKey.Field().AsRequired(),
			patternKey.Field().WithDefault(FullWorkflow).AsInput(),
			budgetKey.Field().WithDefault(0.0).AsInput(),
			sourcesKey.Field().AsOptional(),
			qualityKey.Field().AsOptional(),
			priceKey.Field().AsOptional(),
			decisionKey.Field().AsOptional(),
			actionKey.Field().AsOptional(),
			confidenceKey.Field().AsOptional(),
			approvalKey.Field().AsOptional(),
			proposalKey.Field().AsOptional(),
			orderKey.Field().AsOptional(),
			outcomeKey.Field().AsOptional(),
			summaryKey.Field(),
		},
		Steps:    steps,
		MaxSteps: cfg.Engine.MaxSteps,
	})
}

func summarize(state tradeflow.StateReader) *Summary {
	s := &Summary{
		Symbol:  symbolKey.Value(state),
		Pattern: patternKey.Value(state),
		Action:  actionKey.Value(state),
		Outcome: outcomeKey.Value(state),
	}
	report := qualityKey.Value(state)
	if report != nil {
		s.Quality = report.Score
		s.Grade = report.Grade
		s.Usability = report.Usability
	}
	decision := decisionKey.Value(state)
	if decision != nil {
		s.Direction = decision.Direction
		s.Confidence = decision.Confidence
	}
	if res := approvalKey.Value(state); res != nil {
		s.Approval = res.Status
	}
	if id, ok := orderKey.Value(state)["order_id"].(string); ok {
		s.OrderID = id
	}

	if s.Outcome == "" {
		switch {
		case s.Pattern == DataOnly:
			s.Outcome = OutcomeDataOnly
		case report == nil || report.InsufficientData || report.Usability == quality.UsabilityInsufficient:
			s.Outcome = OutcomeInsufficientData
		case s.Pattern == DataAnalysis:
			s.Outcome = OutcomeAnalysisOnly
		default:
			s.Outcome = OutcomeNoTrade
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: data quality %.2f", s.Symbol, s.Quality)
	if s.Grade != "" {
		fmt.Fprintf(&b, " (%s)", s.Grade)
	}
	if decision != nil {
		fmt.Fprintf(&b, ", %s at %.2f confidence", s.Action, s.Confidence)
	}
	switch s.Outcome {
	case OutcomeExecuted:
		fmt.Fprintf(&b, ", order %s executed", s.OrderID)
		if s.Approval != "" {
			fmt.Fprintf(&b, " after %s review", s.Approval)
		}
	case OutcomeAutoRejected:
		b.WriteString(", order rejected above the risk ceiling")
	case OutcomeInsufficientData:
		b.WriteString(", insufficient data for analysis")
	case OutcomeNoTrade:
		if price := priceKey.Value(state); price <= 0 {
			b.WriteString(", no trade: no usable price")
		} else {
			b.WriteString(", no trade")
		}
	case OutcomeSkipped:
		b.WriteString(", no trade")
	}
	s.Text = b.String()
	return s
}
