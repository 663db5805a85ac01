package risk

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deepnoodle-ai/tradeflow"
	"github.com/deepnoodle-ai/tradeflow/signals"
	"github.com/stretchr/testify/require"
)

func buy(quantity, price float64) ProposedAction {
	return ProposedAction{Symbol: "ACME", Action: signals.Buy, Quantity: quantity, Price: price}
}

func codes(eval Evaluation) []ReasonCode {
	var out []ReasonCode
	for _, r := range eval.Reasons {
		out = append(out, r.Code)
	}
	return out
}

func TestEvaluate(t *testing.T) {
	policy := DefaultPolicy()

	tests := []struct {
		name     string
		action   ProposedAction
		metrics  Metrics
		approval bool
		blocked  bool
		codes    []ReasonCode
	}{
		{
			name:    "within limits",
			action:  buy(1000, 100),
			metrics: Metrics{RiskScore: 0.3, Confidence: 0.8, PositionWeight: 0.05},
		},
		{
			name:     "risk score above threshold",
			action:   buy(1000, 100),
			metrics:  Metrics{RiskScore: 0.75, Confidence: 0.8},
			approval: true,
			codes:    []ReasonCode{ReasonRiskScore},
		},
		{
			name:     "risk score on the threshold passes",
			action:   buy(1000, 100),
			metrics:  Metrics{RiskScore: 0.7, Confidence: 0.8},
			approval: false,
		},
		{
			name:     "notional above cap with high confidence",
			action:   buy(120_000, 100),
			metrics:  Metrics{RiskScore: 0.2, Confidence: 0.99},
			approval: true,
			codes:    []ReasonCode{ReasonNotional},
		},
		{
			name:     "low confidence",
			action:   buy(10, 100),
			metrics:  Metrics{RiskScore: 0.2, Confidence: 0.1},
			approval: true,
			codes:    []ReasonCode{ReasonConfidence},
		},
		{
			name:     "position limit",
			action:   buy(10, 100),
			metrics:  Metrics{Confidence: 0.9, PositionWeight: 0.25},
			approval: true,
			codes:    []ReasonCode{ReasonPositionWeight},
		},
		{
			name:     "risk ceiling blocks",
			action:   buy(10, 100),
			metrics:  Metrics{RiskScore: 0.95, Confidence: 0.9},
			approval: true,
			blocked:  true,
			codes:    []ReasonCode{ReasonBlocked},
		},
		{
			name:     "every limit at once",
			action:   buy(200_000, 100),
			metrics:  Metrics{RiskScore: 0.8, Confidence: 0.2, PositionWeight: 0.5},
			approval: true,
			codes:    []ReasonCode{ReasonRiskScore, ReasonNotional, ReasonConfidence, ReasonPositionWeight},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval := Evaluate(tt.action, tt.metrics, policy)
			require.Equal(t, tt.approval, eval.RequiresApproval)
			require.Equal(t, tt.blocked, eval.Blocked)
			require.Equal(t, !tt.approval, eval.AutoApproved())
			require.Equal(t, tt.codes, codes(eval))
		})
	}
}

func TestEvaluateUsesActionNotional(t *testing.T) {
	eval := Evaluate(buy(120_000, 100), Metrics{Confidence: 1}, DefaultPolicy())
	require.Equal(t, 12_000_000.0, eval.Metrics.Notional)
	require.Equal(t, "notional 12000000 above cap 10000000", eval.Summary())

	eval = Evaluate(buy(1, 1), Metrics{Notional: 11_000_000, Confidence: 1}, DefaultPolicy())
	require.True(t, eval.RequiresApproval)
}

func TestProposedActionValidate(t *testing.T) {
	require.NoError(t, buy(1, 1).Validate())
	require.ErrorContains(t, ProposedAction{Action: signals.Buy, Quantity: 1, Price: 1}.Validate(), "symbol")
	require.ErrorContains(t, ProposedAction{Symbol: "ACME", Action: signals.Hold, Quantity: 1, Price: 1}.Validate(), "HOLD")
	require.ErrorContains(t, buy(0, 1).Validate(), "quantity")
	require.ErrorContains(t, buy(1, -2).Validate(), "price")
}

func pendingRequest(t *testing.T, ledger *Ledger, action ProposedAction, metrics Metrics) *ApprovalRequest {
	t.Helper()
	eval := Evaluate(action, metrics, DefaultPolicy())
	require.True(t, eval.RequiresApproval)
	req := NewRequest("run_test", eval, time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC))
	ledger.Track(req)
	return req
}

func TestLedgerApprove(t *testing.T) {
	ledger := NewLedger(DefaultPolicy())
	req := pendingRequest(t, ledger, buy(120_000, 100), Metrics{Confidence: 0.9})
	require.Equal(t, []ResponseKind{Approve, Reject, Modify}, req.AllowedResponses)
	require.Len(t, ledger.Pending(), 1)

	res, err := ledger.Resolve(ApprovalResponse{RequestID: req.ID, Kind: Approve, Actor: "desk"})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, res.Status)
	require.True(t, res.Execute)
	require.Equal(t, req.Action, res.Action)
	require.Empty(t, ledger.Pending())

	status, ok := ledger.Status(req.ID)
	require.True(t, ok)
	require.Equal(t, StatusApproved, status)
}

func TestLedgerRejectsStaleResponses(t *testing.T) {
	ledger := NewLedger(DefaultPolicy())
	req := pendingRequest(t, ledger, buy(120_000, 100), Metrics{Confidence: 0.9})

	first, err := ledger.Resolve(ApprovalResponse{RequestID: req.ID, Kind: Reject, Comment: "too large"})
	require.NoError(t, err)
	require.Equal(t, StatusRejected, first.Status)
	require.False(t, first.Execute)
	require.Equal(t, "rejected by reviewer: too large", first.Reason)

	var stale *tradeflow.StaleApprovalError
	_, err = ledger.Resolve(ApprovalResponse{RequestID: req.ID, Kind: Approve})
	require.ErrorAs(t, err, &stale)
	require.Equal(t, "request already rejected", stale.Reason)
	require.Equal(t, "run_test", stale.RunID)

	// The original resolution is untouched.
	status, _ := ledger.Status(req.ID)
	require.Equal(t, StatusRejected, status)
	res, ok := ledger.Resolution(req.ID)
	require.True(t, ok)
	require.Same(t, first, res)

	_, err = ledger.Resolve(ApprovalResponse{RequestID: "apr_unknown", Kind: Approve})
	require.ErrorAs(t, err, &stale)
	require.Equal(t, "unknown request", stale.Reason)
}

func TestLedgerInvalidResponseKeepsRequestPending(t *testing.T) {
	ledger := NewLedger(DefaultPolicy())
	req := pendingRequest(t, ledger, buy(120_000, 100), Metrics{Confidence: 0.9})

	var verr *tradeflow.ValidationError
	_, err := ledger.Resolve(ApprovalResponse{RequestID: req.ID, Kind: "escalate"})
	require.ErrorAs(t, err, &verr)
	_, err = ledger.Resolve(ApprovalResponse{RequestID: req.ID, Kind: Modify})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "modified_action", verr.Field)

	status, _ := ledger.Status(req.ID)
	require.Equal(t, StatusPending, status)
}

func TestLedgerModify(t *testing.T) {
	t.Run("modified action within limits executes", func(t *testing.T) {
		ledger := NewLedger(DefaultPolicy())
		req := pendingRequest(t, ledger, buy(120_000, 100), Metrics{RiskScore: 0.3, Confidence: 0.9, PositionWeight: 0.1})
		smaller := buy(50_000, 100)
		res, err := ledger.Resolve(ApprovalResponse{RequestID: req.ID, Kind: Modify, Modified: &smaller})
		require.NoError(t, err)
		require.Equal(t, StatusModified, res.Status)
		require.True(t, res.Execute)
		require.Equal(t, smaller, res.Action)
		require.NotNil(t, res.Reevaluation)
		require.Equal(t, 5_000_000.0, res.Reevaluation.Metrics.Notional)
	})

	t.Run("second breach auto-rejects", func(t *testing.T) {
		ledger := NewLedger(DefaultPolicy())
		req := pendingRequest(t, ledger, buy(120_000, 100), Metrics{RiskScore: 0.3, Confidence: 0.9})
		stillLarge := buy(110_000, 100)
		res, err := ledger.Resolve(ApprovalResponse{RequestID: req.ID, Kind: Modify, Modified: &stillLarge})
		require.NoError(t, err)
		require.Equal(t, StatusModified, res.Status)
		require.False(t, res.Execute)
		require.Contains(t, res.Reason, "still breaches limits")
		require.Empty(t, ledger.Pending(), "a failed modification is not sent back for approval")
	})
}

func TestLedgerApproveCannotReleaseBlockedAction(t *testing.T) {
	ledger := NewLedger(DefaultPolicy())
	req := pendingRequest(t, ledger, buy(10, 100), Metrics{RiskScore: 0.95, Confidence: 0.9})
	res, err := ledger.Resolve(ApprovalResponse{RequestID: req.ID, Kind: Approve})
	require.NoError(t, err)
	require.Equal(t, StatusRejected, res.Status)
	require.False(t, res.Execute)
}

func TestLedgerConcurrentResolve(t *testing.T) {
	ledger := NewLedger(DefaultPolicy())
	req := pendingRequest(t, ledger, buy(120_000, 100), Metrics{Confidence: 0.9})

	var wg sync.WaitGroup
	var resolved atomic.Int32
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.Resolve(ApprovalResponse{RequestID: req.ID, Kind: Approve}); err == nil {
				resolved.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, resolved.Load())
}

func TestDecodeRequest(t *testing.T) {
	eval := Evaluate(buy(120_000, 100), Metrics{Confidence: 0.9}, DefaultPolicy())
	req := NewRequest("run_x", eval, time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC))

	same, err := DecodeRequest(req)
	require.NoError(t, err)
	require.Same(t, req, same)

	decoded, err := DecodeRequest(map[string]any{
		"request_id":      req.ID,
		"run_id":          "run_x",
		"proposed_action": map[string]any{"symbol": "ACME", "action": "BUY", "quantity": 120000.0, "price": 100.0},
		"risk_metrics":    map[string]any{"notional": 12_000_000.0, "confidence": 0.9},
	})
	require.NoError(t, err)
	require.Equal(t, req.ID, decoded.ID)
	require.Equal(t, signals.Buy, decoded.Action.Action)
	require.Equal(t, 12_000_000.0, decoded.Metrics.Notional)

	_, err = DecodeRequest(nil)
	require.Error(t, err)
	_, err = DecodeRequest(map[string]any{"other": 1})
	require.ErrorContains(t, err, "not an approval request")
}
