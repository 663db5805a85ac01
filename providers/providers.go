// Package providers supplies the tool operations the trading pipeline calls:
// an offline market simulator and an HTTP transport to real data services.
package providers

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/deepnoodle-ai/tradeflow/config"
	"github.com/deepnoodle-ai/tradeflow/tools"
)

// Market data operations fetched by the gather workflow.
const (
	OpQuote        = "quote"
	OpHistory      = "history"
	OpFundamentals = "fundamentals"
	OpNews         = "news"
	OpMacro        = "macro"
	OpFlows        = "flows"
)

// Analysis operations, one per signal category. Each returns a signal
// object: category, direction, confidence and rationale.
const (
	OpAnalyzeTechnical   = "analyze_technical"
	OpAnalyzeFundamental = "analyze_fundamental"
	OpAnalyzeMacro       = "analyze_macro"
	OpAnalyzeSentiment   = "analyze_sentiment"
	OpAnalyzeFlow        = "analyze_flow"
)

// Execution operations.
const (
	OpSizePosition = "size_position"
	OpAssessRisk   = "assess_risk"
	OpSubmitOrder  = "submit_order"
)

// DataOperations lists the market data sources in fetch order.
var DataOperations = []string{OpQuote, OpHistory, OpFundamentals, OpNews, OpMacro, OpFlows}

// AnalysisOperations lists the analysis operations.
var AnalysisOperations = []string{
	OpAnalyzeTechnical,
	OpAnalyzeFundamental,
	OpAnalyzeMacro,
	OpAnalyzeSentiment,
	OpAnalyzeFlow,
}

// ExecutionOperations lists the operations used to size, check and place an
// order.
var ExecutionOperations = []string{OpSizePosition, OpAssessRisk, OpSubmitOrder}

// Operations returns every operation the pipeline may call.
func Operations() []string {
	out := append([]string{}, DataOperations...)
	out = append(out, AnalysisOperations...)
	return append(out, ExecutionOperations...)
}

// FromConfig builds the tool registry selected by cfg.
func FromConfig(cfg config.ProvidersConfig, logger *slog.Logger) (tools.Registry, error) {
	switch cfg.Mode {
	case "", "offline":
		return NewSimulator(SimulatorOptions{Seed: cfg.Seed}).Registry(), nil
	case "http":
		h, err := NewHTTPTool(HTTPOptions{
			BaseURL: cfg.BaseURL,
			Client:  &http.Client{Timeout: cfg.Timeout},
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		return h.Registry(Operations()...), nil
	}
	return nil, fmt.Errorf("unknown provider mode %q", cfg.Mode)
}
