// Package risk decides whether a proposed trade may proceed on its own, needs
// a human decision, or must be refused outright.
package risk

import (
	"fmt"
	"math"
	"strings"

	"github.com/deepnoodle-ai/tradeflow/signals"
)

// Policy holds the thresholds a proposed action is checked against.
type Policy struct {
	// MaxRiskScore is the risk score above which approval is required.
	MaxRiskScore float64 `json:"max_risk_score" yaml:"max_risk_score" toml:"max_risk_score" validate:"gt=0,lte=1"`

	// BlockRiskScore is the risk score above which the action is refused
	// without asking. A blocked evaluation still requires approval, but no
	// approval can release it.
	BlockRiskScore float64 `json:"block_risk_score" yaml:"block_risk_score" toml:"block_risk_score" validate:"gtefield=MaxRiskScore,lte=1"`

	// MaxNotional caps the order value that may execute unattended.
	MaxNotional float64 `json:"max_notional" yaml:"max_notional" toml:"max_notional" validate:"gt=0"`

	// MinConfidence is the decision confidence below which approval is
	// required.
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence" toml:"min_confidence" validate:"gte=0,lte=1"`

	// MaxPositionWeight is the largest share of the portfolio a single
	// name may reach after the trade.
	MaxPositionWeight float64 `json:"max_position_weight" yaml:"max_position_weight" toml:"max_position_weight" validate:"gt=0,lte=1"`
}

// DefaultPolicy returns the standard desk limits.
func DefaultPolicy() Policy {
	return Policy{
		MaxRiskScore:      0.7,
		BlockRiskScore:    0.9,
		MaxNotional:       10_000_000,
		MinConfidence:     0.4,
		MaxPositionWeight: 0.2,
	}
}

// ProposedAction is the order the analysis stage wants to place.
type ProposedAction struct {
	Symbol   string         `json:"symbol"`
	Action   signals.Action `json:"action"`
	Quantity float64        `json:"quantity"`
	Price    float64        `json:"price"`
}

// Notional is the order value.
func (a ProposedAction) Notional() float64 {
	return math.Abs(a.Quantity * a.Price)
}

func (a ProposedAction) String() string {
	return fmt.Sprintf("%s %g %s @ %.2f", a.Action, a.Quantity, a.Symbol, a.Price)
}

// Validate checks that the action can be evaluated at all.
func (a ProposedAction) Validate() error {
	switch {
	case strings.TrimSpace(a.Symbol) == "":
		return fmt.Errorf("symbol is required")
	case a.Action == signals.Hold:
		return fmt.Errorf("a HOLD decision is not an order")
	case a.Quantity <= 0 || math.IsNaN(a.Quantity):
		return fmt.Errorf("quantity must be positive, got %v", a.Quantity)
	case a.Price <= 0 || math.IsNaN(a.Price):
		return fmt.Errorf("price must be positive, got %v", a.Price)
	}
	return nil
}

// Metrics are the risk measurements attached to a proposed action.
type Metrics struct {
	RiskScore      float64 `json:"risk_score"`
	Notional       float64 `json:"notional"`
	Confidence     float64 `json:"confidence"`
	PositionWeight float64 `json:"position_weight"`
	Volatility     float64 `json:"volatility,omitempty"`
}

// ReasonCode identifies which limit an action breached.
type ReasonCode string

const (
	ReasonRiskScore      ReasonCode = "risk_score"
	ReasonBlocked        ReasonCode = "risk_ceiling"
	ReasonNotional       ReasonCode = "notional"
	ReasonConfidence     ReasonCode = "confidence"
	ReasonPositionWeight ReasonCode = "position_weight"
)

// Reason is one breached limit.
type Reason struct {
	Code    ReasonCode `json:"code"`
	Message string     `json:"message"`
}

// Evaluation is the outcome of checking an action against a policy.
type Evaluation struct {
	Action           ProposedAction `json:"action"`
	Metrics          Metrics        `json:"metrics"`
	RequiresApproval bool           `json:"requires_approval"`
	Blocked          bool           `json:"blocked"`
	Reasons          []Reason       `json:"reasons,omitempty"`
}

// AutoApproved reports whether the action may proceed without a human.
func (e Evaluation) AutoApproved() bool {
	return !e.RequiresApproval
}

// Summary joins the reason messages.
func (e Evaluation) Summary() string {
	if len(e.Reasons) == 0 {
		return "within limits"
	}
	parts := make([]string, 0, len(e.Reasons))
	for _, r := range e.Reasons {
		parts = append(parts, r.Message)
	}
	return strings.Join(parts, "; ")
}

// Evaluate checks action against policy. When metrics carry no notional the
// action's own notional is used. Evaluate has no side effects.
func Evaluate(action ProposedAction, metrics Metrics, policy Policy) Evaluation {
	if metrics.Notional == 0 {
		metrics.Notional = action.Notional()
	}
	eval := Evaluation{Action: action, Metrics: metrics}
	add := func(code ReasonCode, format string, args ...any) {
		eval.Reasons = append(eval.Reasons, Reason{Code: code, Message: fmt.Sprintf(format, args...)})
	}

	if metrics.RiskScore > policy.BlockRiskScore {
		eval.Blocked = true
		add(ReasonBlocked, "risk score %.2f above ceiling %.2f", metrics.RiskScore, policy.BlockRiskScore)
	} else if metrics.RiskScore > policy.MaxRiskScore {
		add(ReasonRiskScore, "risk score %.2f above %.2f", metrics.RiskScore, policy.MaxRiskScore)
	}
	if metrics.Notional > policy.MaxNotional {
		add(ReasonNotional, "notional %.0f above cap %.0f", metrics.Notional, policy.MaxNotional)
	}
	if metrics.Confidence < policy.MinConfidence {
		add(ReasonConfidence, "confidence %.2f below floor %.2f", metrics.Confidence, policy.MinConfidence)
	}
	if metrics.PositionWeight > policy.MaxPositionWeight {
		add(ReasonPositionWeight, "position weight %.2f above limit %.2f", metrics.PositionWeight, policy.MaxPositionWeight)
	}
	eval.RequiresApproval = len(eval.Reasons) > 0
	return eval
}
