package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/deepnoodle-ai/tradeflow/config"
	"github.com/deepnoodle-ai/tradeflow/signals"
	"github.com/deepnoodle-ai/tradeflow/tools"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

func newSimulator(opts SimulatorOptions) *Simulator {
	opts.Clock = func() time.Time { return fixedTime }
	return NewSimulator(opts)
}

func TestSimulatorIsDeterministic(t *testing.T) {
	ctx := context.Background()
	a := newSimulator(SimulatorOptions{Seed: 7}).Registry()
	b := newSimulator(SimulatorOptions{Seed: 7}).Registry()
	for _, op := range append(append([]string{}, DataOperations...), AnalysisOperations...) {
		args := map[string]any{"symbol": "ACME"}
		ra, err := a[op](ctx, args)
		require.NoError(t, err, op)
		rb, err := b[op](ctx, args)
		require.NoError(t, err, op)
		require.Equal(t, ra, rb, op)
	}

	other, err := newSimulator(SimulatorOptions{Seed: 8}).Registry()[OpFundamentals](ctx, map[string]any{"symbol": "ACME"})
	require.NoError(t, err)
	same, err := a[OpFundamentals](ctx, map[string]any{"symbol": "ACME"})
	require.NoError(t, err)
	require.NotEqual(t, same, other)
}

func TestSimulatorProfiles(t *testing.T) {
	ctx := context.Background()
	sim := newSimulator(SimulatorOptions{Profiles: map[string]Profile{
		"ACME": {
			Price:      125,
			Directions: map[signals.Category]signals.Direction{signals.Technical: signals.StrongPositive},
			Confidence: 0.8,
			RiskScore:  0.35,
		},
	}})
	registry := sim.Registry()

	quote, err := registry[OpQuote](ctx, map[string]any{"symbol": "ACME"})
	require.NoError(t, err)
	require.Equal(t, 125.0, quote.(map[string]any)["price"])

	signal, err := registry[OpAnalyzeTechnical](ctx, map[string]any{"symbol": "ACME"})
	require.NoError(t, err)
	require.Equal(t, "strong_positive", signal.(map[string]any)["direction"])
	require.Equal(t, "technical", signal.(map[string]any)["category"])

	size, err := registry[OpSizePosition](ctx, map[string]any{"symbol": "ACME", "price": 125.0, "budget": 12_000_000.0})
	require.NoError(t, err)
	require.Equal(t, 96_000.0, size.(map[string]any)["quantity"])
	require.Equal(t, 12_000_000.0, size.(map[string]any)["notional"])

	risk, err := registry[OpAssessRisk](ctx, map[string]any{"symbol": "ACME", "quantity": 96_000.0, "price": 125.0})
	require.NoError(t, err)
	require.Equal(t, 0.35, risk.(map[string]any)["risk_score"])
	require.Equal(t, 0.24, risk.(map[string]any)["position_weight"])
}

func TestSimulatorArgumentErrors(t *testing.T) {
	ctx := context.Background()
	registry := newSimulator(SimulatorOptions{}).Registry()

	_, err := registry[OpQuote](ctx, map[string]any{})
	kind, ok := tools.KindOf(err)
	require.True(t, ok)
	require.Equal(t, tools.KindInvalidArguments, kind)

	_, err = registry[OpQuote](ctx, map[string]any{"symbol": 42})
	kind, _ = tools.KindOf(err)
	require.Equal(t, tools.KindInvalidArguments, kind)

	_, err = registry[OpSizePosition](ctx, map[string]any{"symbol": "ACME", "price": 10.0, "budget": 5.0})
	kind, _ = tools.KindOf(err)
	require.Equal(t, tools.KindRejected, kind)

	_, err = registry[OpSubmitOrder](ctx, map[string]any{"symbol": "ACME", "action": "HOLD", "quantity": 1.0, "price": 1.0})
	kind, _ = tools.KindOf(err)
	require.Equal(t, tools.KindInvalidArguments, kind)
}

func TestSimulatorFaults(t *testing.T) {
	ctx := context.Background()
	sim := newSimulator(SimulatorOptions{
		FailFirst: map[string]int{OpNews: 1},
		Omit:      map[string][]string{OpQuote: {"volume"}},
	})
	registry := sim.Registry()

	_, err := registry[OpNews](ctx, map[string]any{"symbol": "ACME"})
	kind, _ := tools.KindOf(err)
	require.Equal(t, tools.KindUnavailable, kind)
	_, err = registry[OpNews](ctx, map[string]any{"symbol": "ACME"})
	require.NoError(t, err)
	require.Equal(t, 2, sim.Calls(OpNews))

	quote, err := registry[OpQuote](ctx, map[string]any{"symbol": "ACME"})
	require.NoError(t, err)
	require.NotContains(t, quote.(map[string]any), "volume")
}

func TestSimulatorOrders(t *testing.T) {
	ctx := context.Background()
	sim := newSimulator(SimulatorOptions{})
	result, err := sim.Registry()[OpSubmitOrder](ctx, map[string]any{
		"symbol": "ACME", "action": "BUY", "quantity": 100.0, "price": 12.5,
	})
	require.NoError(t, err)
	require.Equal(t, "ord-0001", result.(map[string]any)["order_id"])

	orders := sim.Orders()
	require.Len(t, orders, 1)
	require.Equal(t, Order{
		ID: "ord-0001", Symbol: "ACME", Action: signals.Buy, Quantity: 100, Price: 12.5,
		Status: "filled", FilledAt: fixedTime,
	}, orders[0])
}

func TestHTTPToolStatusMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/quote":
			var args map[string]any
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, &args)
			if r.Header.Get("X-Api-Key") != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"symbol": args["symbol"], "price": 101.5})
		case "/api/bad":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"symbol missing"}`))
		case "/api/forbidden":
			w.WriteHeader(http.StatusForbidden)
		case "/api/conflict":
			w.WriteHeader(http.StatusConflict)
		case "/api/unprocessable":
			w.WriteHeader(http.StatusUnprocessableEntity)
		case "/api/down":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("maintenance"))
		case "/api/garbage":
			_, _ = w.Write([]byte("not json"))
		case "/api/slow":
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	h, err := NewHTTPTool(HTTPOptions{BaseURL: server.URL + "/api", Headers: map[string]string{"X-Api-Key": "secret"}})
	require.NoError(t, err)
	invoker := tools.NewLocal(tools.LocalOptions{
		Registry: h.Registry("quote", "bad", "forbidden", "conflict", "unprocessable", "down", "garbage", "slow", "missing"),
	})
	ctx := context.Background()

	rec, err := invoker.Invoke(ctx, "quote", map[string]any{"symbol": "ACME"}, time.Second)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"symbol": "ACME", "price": 101.5}, rec.Result)

	tests := []struct {
		operation string
		kind      tools.Kind
		message   string
	}{
		{"bad", tools.KindInvalidArguments, "status 400: symbol missing"},
		{"forbidden", tools.KindRejected, "status 403: Forbidden"},
		{"conflict", tools.KindRejected, "status 409"},
		{"unprocessable", tools.KindRejected, "status 422"},
		{"missing", tools.KindRejected, "status 404"},
		{"down", tools.KindUnavailable, "status 503: maintenance"},
		{"garbage", tools.KindUnavailable, "not valid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.operation, func(t *testing.T) {
			rec, err := invoker.Invoke(ctx, tt.operation, nil, time.Second)
			require.Error(t, err)
			require.Equal(t, tools.StatusFailed, rec.Status)
			require.Equal(t, tt.kind, rec.Error.Kind)
			require.Contains(t, rec.Error.Message, tt.message)
		})
	}

	t.Run("deadline", func(t *testing.T) {
		rec, err := invoker.Invoke(ctx, "slow", nil, 50*time.Millisecond)
		require.Error(t, err)
		require.Equal(t, tools.KindTimeout, rec.Error.Kind)
	})
}

func TestHTTPToolTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	h, err := NewHTTPTool(HTTPOptions{BaseURL: url})
	require.NoError(t, err)
	_, err = h.Call(context.Background(), "quote", map[string]any{"symbol": "ACME"})
	kind, ok := tools.KindOf(err)
	require.True(t, ok)
	require.Equal(t, tools.KindUnavailable, kind)
}

func TestNewHTTPToolValidation(t *testing.T) {
	_, err := NewHTTPTool(HTTPOptions{})
	require.ErrorContains(t, err, "cannot be empty")
	_, err = NewHTTPTool(HTTPOptions{BaseURL: "ftp://feeds"})
	require.ErrorContains(t, err, "scheme")
}

func TestFromConfig(t *testing.T) {
	registry, err := FromConfig(config.DefaultConfig().Providers, nil)
	require.NoError(t, err)
	for _, op := range Operations() {
		require.Contains(t, registry, op)
	}

	registry, err = FromConfig(config.ProvidersConfig{Mode: "http", BaseURL: "http://localhost:9"}, nil)
	require.NoError(t, err)
	require.Len(t, registry, len(Operations()))

	_, err = FromConfig(config.ProvidersConfig{Mode: "carrier-pigeon"}, nil)
	require.Error(t, err)
}
