package pipeline

import (
	"fmt"

	"github.com/deepnoodle-ai/tradeflow"
	"github.com/deepnoodle-ai/tradeflow/config"
	"github.com/deepnoodle-ai/tradeflow/providers"
	"github.com/deepnoodle-ai/tradeflow/risk"
	"github.com/deepnoodle-ai/tradeflow/signals"
)

// newExecuteWorkflow sizes an order, checks it against the risk policy and
// submits it. Orders outside the policy suspend for approval; orders above
// the hard risk ceiling are rejected without asking.
//
//	size -> assess -> submit
//	              \-> approve -> submit
//	              \-> blocked
func newExecuteWorkflow(cfg *config.Config) (*tradeflow.Workflow, error) {
	timeout := cfg.Engine.ToolTimeout
	policy := cfg.Risk

	steps := []*tradeflow.Step{
		{
			Name:        "size",
			Description: "Size the position for the recommended action",
			Announce:    "Sizing ${state.action} order for ${state.symbol}",
			Reads:       []string{symbolKey.Name(), actionKey.Name(), priceKey.Name(), budgetKey.Name()},
			Writes:      []string{proposalKey.Name(), outcomeKey.Name()},
			Next:        tradeflow.Then("assess"),
			Run: func(ctx tradeflow.Context) tradeflow.Result {
				symbol, action := symbolKey.Value(ctx), actionKey.Value(ctx)
				if action == signals.Hold {
					u := tradeflow.Update{}
					outcomeKey.Set(u, OutcomeSkipped)
					return tradeflow.AdvanceTo(tradeflow.End, u)
				}
				price := priceKey.Value(ctx)
				rec, err := ctx.Invoke(providers.OpSizePosition, map[string]any{
					"symbol": symbol,
					"action": string(action),
					"price":  price,
					"budget": budgetKey.Value(ctx),
				}, timeout)
				if err != nil {
					return tradeflow.Fail(err)
				}
				sized, err := decode[struct {
					Quantity float64 `json:"quantity"`
				}](rec.Result)
				if err != nil {
					return tradeflow.Fail(fmt.Errorf("decode %s result: %w", providers.OpSizePosition, err))
				}
				proposal := &risk.ProposedAction{Symbol: symbol, Action: action, Quantity: sized.Quantity, Price: price}
				if err := proposal.Validate(); err != nil {
					return tradeflow.Fail(err)
				}
				u := tradeflow.Update{}
				proposalKey.Set(u, proposal)
				return tradeflow.Continue(u).WithSummary(map[string]any{
					"proposal": proposal.String(),
					"notional": proposal.Notional(),
				})
			},
		},
		{
			Name:        "assess",
			Description: "Check the proposed order against the risk policy",
			Reads:       []string{symbolKey.Name(), proposalKey.Name(), confidenceKey.Name()},
			Writes:      []string{evaluationKey.Name()},
			Next: []*tradeflow.Edge{
				{Step: "submit"},
				{Step: "approve"},
				{Step: "blocked"},
			},
			Route: func(state tradeflow.StateReader) string {
				eval := evaluationKey.Value(state)
				switch {
				case eval == nil:
					return tradeflow.End
				case eval.Blocked:
					return "blocked"
				case eval.RequiresApproval:
					return "approve"
				}
				return "submit"
			},
			Run: func(ctx tradeflow.Context) tradeflow.Result {
				proposal := proposalKey.Value(ctx)
				rec, err := ctx.Invoke(providers.OpAssessRisk, map[string]any{
					"symbol":   proposal.Symbol,
					"quantity": proposal.Quantity,
					"price":    proposal.Price,
				}, timeout)
				if err != nil {
					return tradeflow.Fail(err)
				}
				metrics, err := decode[risk.Metrics](rec.Result)
				if err != nil {
					return tradeflow.Fail(fmt.Errorf("decode %s result: %w", providers.OpAssessRisk, err))
				}
				metrics.Confidence = confidenceKey.Value(ctx)
				eval := risk.Evaluate(*proposal, metrics, policy)
				ctx.Logger().Info("assessed order risk",
					"order", proposal.String(),
					"risk_score", eval.Metrics.RiskScore,
					"requires_approval", eval.RequiresApproval,
					"blocked", eval.Blocked)
				u := tradeflow.Update{}
				evaluationKey.Set(u, &eval)
				return tradeflow.Continue(u).WithSummary(map[string]any{
					"requires_approval": eval.RequiresApproval,
					"blocked":           eval.Blocked,
					"reasons":           eval.Summary(),
				})
			},
		},
		{
			Name:        "approve",
			Description: "Wait for a reviewer to approve, reject or modify the order",
			Reads:       []string{evaluationKey.Name()},
			Writes:      []string{proposalKey.Name()},
			ResumeInto:  approvalKey.Name(),
			Next:        tradeflow.Then("submit"),
			Run: func(ctx tradeflow.Context) tradeflow.Result {
				eval := evaluationKey.Value(ctx)
				req := risk.NewRequest(ctx.RunID(), *eval, ctx.Now())
				ctx.Emit(fmt.Sprintf("Approval required for %s: %s", eval.Action, eval.Summary()))
				return tradeflow.Suspend(eval.Summary(), req.ID, req)
			},
			Continue: func(ctx tradeflow.Context) tradeflow.Result {
				res := approvalKey.Value(ctx)
				if res == nil {
					return tradeflow.Fail(&tradeflow.ValidationError{Step: "approve", Field: approvalKey.Name(), Reason: "no resolution delivered"})
				}
				if !res.Execute {
					reason := res.Reason
					if reason == "" {
						reason = "order " + string(res.Status)
					}
					return tradeflow.Cancel(reason)
				}
				action := res.Action
				u := tradeflow.Update{}
				proposalKey.Set(u, &action)
				return tradeflow.Continue(u).WithSummary(map[string]any{
					"status":   res.Status,
					"proposal": action.String(),
				})
			},
		},
		{
			Name:        "blocked",
			Description: "Reject an order above the hard risk ceiling",
			Reads:       []string{evaluationKey.Name()},
			Writes:      []string{outcomeKey.Name()},
			Run: func(ctx tradeflow.Context) tradeflow.Result {
				eval := evaluationKey.Value(ctx)
				ctx.Logger().Warn("order blocked", "order", eval.Action.String(), "reasons", eval.Summary())
				ctx.Emit(fmt.Sprintf("Order %s rejected: %s", eval.Action, eval.Summary()))
				u := tradeflow.Update{}
				outcomeKey.Set(u, OutcomeAutoRejected)
				return tradeflow.Continue(u)
			},
		},
		{
			Name:        "submit",
			Description: "Submit the order",
			Announce:    "Submitting order for ${state.symbol}",
			Reads:       []string{symbolKey.Name(), proposalKey.Name()},
			Writes:      []string{orderKey.Name(), outcomeKey.Name()},
			Run: func(ctx tradeflow.Context) tradeflow.Result {
				proposal := proposalKey.Value(ctx)
				rec, err := ctx.Invoke(providers.OpSubmitOrder, map[string]any{
					"symbol":   proposal.Symbol,
					"action":   string(proposal.Action),
					"quantity": proposal.Quantity,
					"price":    proposal.Price,
				}, timeout)
				if err != nil {
					return tradeflow.Fail(err)
				}
				order, err := decode[map[string]any](rec.Result)
				if err != nil {
					return tradeflow.Fail(fmt.Errorf("decode %s result: %w", providers.OpSubmitOrder, err))
				}
				u := tradeflow.Update{}
				orderKey.Set(u, order)
				outcomeKey.Set(u, OutcomeExecuted)
				return tradeflow.Continue(u).WithSummary(map[string]any{"order_id": order["order_id"]})
			},
		},
	}

	return tradeflow.New(tradeflow.Options{
		Name:        ExecuteWorkflow,
		Description: "Size, risk check and submit an order",
		Fields: []tradeflow.Field{
			symbolKey.Field().AsRequired(),
			actionKey.Field().AsRequired(),
			priceKey.Field().AsRequired(),
			confidenceKey.Field().AsRequired(),
			budgetKey.Field().WithDefault(0.0).AsInput(),
			proposalKey.Field(),
			evaluationKey.Field(),
			approvalKey.Field(),
			orderKey.Field(),
			outcomeKey.Field(),
		},
		Steps:    steps,
		MaxSteps: cfg.Engine.MaxSteps,
	})
}
