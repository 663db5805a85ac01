package pipeline

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/deepnoodle-ai/tradeflow"
	"github.com/deepnoodle-ai/tradeflow/quality"
	"github.com/deepnoodle-ai/tradeflow/risk"
	"github.com/deepnoodle-ai/tradeflow/signals"
)

// State fields shared by the pipeline workflows. A child run's fields are
// copied into the supervisor's fields of the same name.
var (
	symbolKey     = tradeflow.NewKey[string]("symbol")
	patternKey    = tradeflow.NewKey[Pattern]("pattern")
	budgetKey     = tradeflow.NewKey[float64]("budget")
	sourcesKey    = tradeflow.NewKey[Sources]("sources")
	qualityKey    = tradeflow.NewKey[*quality.Report]("quality")
	attemptsKey   = tradeflow.NewKey[int]("attempts")
	priceKey      = tradeflow.NewKey[float64]("price")
	signalsKey    = tradeflow.NewKey[[]signals.Signal]("signals")
	decisionKey   = tradeflow.NewKey[*signals.Decision]("decision")
	actionKey     = tradeflow.NewKey[signals.Action]("action")
	confidenceKey = tradeflow.NewKey[float64]("confidence")
	proposalKey   = tradeflow.NewKey[*risk.ProposedAction]("proposal")
	evaluationKey = tradeflow.NewKey[*risk.Evaluation]("evaluation")
	approvalKey   = tradeflow.NewKey[*risk.Resolution]("approval")
	orderKey      = tradeflow.NewKey[map[string]any]("order")
	outcomeKey    = tradeflow.NewKey[string]("outcome")
	summaryKey    = tradeflow.NewKey[*Summary]("summary")
)

// Outcomes of the execute stage, recorded in the outcome field.
const (
	OutcomeExecuted     = "executed"
	OutcomeSkipped      = "skipped"
	OutcomeAutoRejected = "auto_rejected"
)

// Outcomes of supervisor runs that stop before execution.
const (
	OutcomeDataOnly         = "data_only"
	OutcomeAnalysisOnly     = "analysis_only"
	OutcomeInsufficientData = "insufficient_data"
	OutcomeNoTrade          = "no_trade"
)

// Sources maps a data source name to the outcome of fetching it.
type Sources map[string]quality.Outcome

// Price returns the last price from the quote source.
func (s Sources) Price() (float64, bool) {
	quote, ok := s["quote"]
	if !ok || !quote.OK {
		return 0, false
	}
	price, ok := quote.Payload["price"].(float64)
	return price, ok && price > 0
}

// mergeSources overlays updated sources on the current ones. Parallel fetch
// branches each contribute one entry.
func mergeSources(current, update any) (any, error) {
	out := Sources{}
	if current != nil {
		cur, ok := current.(Sources)
		if !ok {
			return nil, fmt.Errorf("current value %T is not Sources", current)
		}
		maps.Copy(out, cur)
	}
	switch u := update.(type) {
	case Sources:
		maps.Copy(out, u)
	case map[string]quality.Outcome:
		maps.Copy(out, u)
	default:
		return nil, fmt.Errorf("cannot merge %T into Sources", update)
	}
	return out, nil
}

// decode converts a generic tool result into T through its JSON form.
func decode[T any](v any) (T, error) {
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}
