package tools

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/tradeflow/retry"
)

func newTestInvoker(t *testing.T, registry Registry) (*Local, *MemoryRecorder) {
	t.Helper()
	recorder := NewMemoryRecorder()
	return NewLocal(LocalOptions{Registry: registry, Recorder: recorder}), recorder
}

func TestInvokeSuccessIsRecorded(t *testing.T) {
	inv, recorder := newTestInvoker(t, Registry{
		"get_stock_price": func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"symbol": args["symbol"], "price": 101.5}, nil
		},
	})
	ctx := WithScope(context.Background(), "run_1", "fetch_price")

	rec, err := inv.Invoke(ctx, "get_stock_price", map[string]any{"symbol": "ACME"}, time.Second)
	require.NoError(t, err)
	require.True(t, rec.Succeeded())
	require.Equal(t, "run_1", rec.RunID)
	require.Equal(t, "fetch_price", rec.Step)
	require.Equal(t, 101.5, rec.Result.(map[string]any)["price"])

	records, err := recorder.Records(ctx, "run_1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, rec.ID, records[0].ID)
}

func TestInvokeUnknownOperationIsRejected(t *testing.T) {
	inv, recorder := newTestInvoker(t, Registry{})
	ctx := WithScope(context.Background(), "run_2", "s")

	rec, err := inv.Invoke(ctx, "launch_rockets", nil, 0)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindRejected, kind)
	require.Equal(t, StatusFailed, rec.Status)
	require.Equal(t, "launch_rockets", rec.Error.Operation)

	records, _ := recorder.Records(ctx, "run_2")
	require.Len(t, records, 1)
}

func TestInvokeTimeout(t *testing.T) {
	inv, recorder := newTestInvoker(t, Registry{
		"slow": func(ctx context.Context, args map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		"stubborn": func(ctx context.Context, args map[string]any) (any, error) {
			time.Sleep(200 * time.Millisecond)
			return "late", nil
		},
	})
	ctx := WithScope(context.Background(), "run_3", "s")

	for _, op := range []string{"slow", "stubborn"} {
		t.Run(op, func(t *testing.T) {
			rec, err := inv.Invoke(ctx, op, nil, 20*time.Millisecond)
			require.Error(t, err)
			kind, _ := KindOf(err)
			require.Equal(t, KindTimeout, kind)
			require.True(t, rec.Error.IsRecoverable())
		})
	}
	records, _ := recorder.Records(ctx, "run_3")
	require.Len(t, records, 2)
}

func TestCancelledCallIsRecordedAfterTheToolReturns(t *testing.T) {
	var mutex sync.Mutex
	var returned time.Time
	started := make(chan struct{})
	inv, recorder := newTestInvoker(t, Registry{
		"submit_order": func(ctx context.Context, args map[string]any) (any, error) {
			close(started)
			time.Sleep(100 * time.Millisecond)
			mutex.Lock()
			defer mutex.Unlock()
			returned = time.Now()
			return "filled", nil
		},
	})
	ctx, cancel := context.WithCancel(WithScope(context.Background(), "run_9", "submit"))
	go func() {
		<-started
		cancel()
	}()

	rec, err := inv.Invoke(ctx, "submit_order", nil, time.Second)
	require.Error(t, err)
	kind, _ := KindOf(err)
	require.Equal(t, KindUnavailable, kind)
	require.Nil(t, rec.Result)

	mutex.Lock()
	defer mutex.Unlock()
	require.False(t, returned.IsZero(), "Invoke returned before the tool did")
	require.False(t, rec.EndedAt.Before(returned))

	records, _ := recorder.Records(context.Background(), "run_9")
	require.Len(t, records, 1)
	require.Equal(t, StatusFailed, records[0].Status)
}

func TestInvokeClassifiesFailures(t *testing.T) {
	inv, _ := newTestInvoker(t, Registry{
		"bad_args": func(ctx context.Context, args map[string]any) (any, error) {
			return nil, InvalidArguments("symbol is required")
		},
		"down": func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("connection refused")
		},
		"panics": func(ctx context.Context, args map[string]any) (any, error) {
			panic("boom")
		},
	})
	tests := map[string]Kind{
		"bad_args": KindInvalidArguments,
		"down":     KindUnavailable,
		"panics":   KindUnavailable,
	}
	for op, want := range tests {
		t.Run(op, func(t *testing.T) {
			rec, err := inv.Invoke(context.Background(), op, nil, time.Second)
			require.Error(t, err)
			require.Equal(t, want, rec.Error.Kind)
		})
	}
}

func TestTypedDecodesArguments(t *testing.T) {
	type quoteArgs struct {
		Symbol string `json:"symbol"`
		Days   int    `json:"days"`
	}
	fn := Typed(func(ctx context.Context, args quoteArgs) (string, error) {
		return args.Symbol, nil
	})
	inv, _ := newTestInvoker(t, Registry{"quote": fn})

	rec, err := inv.Invoke(context.Background(), "quote", map[string]any{"symbol": "ACME", "days": 5}, 0)
	require.NoError(t, err)
	require.Equal(t, "ACME", rec.Result)

	_, err = inv.Invoke(context.Background(), "quote", map[string]any{"days": "five"}, 0)
	kind, _ := KindOf(err)
	require.Equal(t, KindInvalidArguments, kind)
}

func TestConcurrentInvocationsRecordEveryCall(t *testing.T) {
	inv, recorder := newTestInvoker(t, Registry{
		"echo": func(ctx context.Context, args map[string]any) (any, error) { return args["n"], nil },
	})
	ctx := WithScope(context.Background(), "run_4", "fanout")
	var wg sync.WaitGroup
	for i := range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = inv.Invoke(ctx, "echo", map[string]any{"n": i}, time.Second)
		}()
	}
	wg.Wait()
	records, _ := recorder.Records(ctx, "run_4")
	require.Len(t, records, 25)
}

func TestWithRetryStampsAttempts(t *testing.T) {
	calls := 0
	inv, recorder := newTestInvoker(t, Registry{
		"flaky": func(ctx context.Context, args map[string]any) (any, error) {
			calls++
			if calls < 3 {
				return nil, Unavailable("try again")
			}
			return "ok", nil
		},
		"refused": func(ctx context.Context, args map[string]any) (any, error) {
			calls++
			return nil, Rejected("market closed")
		},
	})
	retrying := WithRetry(inv, retry.WithMaxRetries(3), retry.WithBaseWait(time.Millisecond))
	ctx := WithScope(context.Background(), "run_5", "s")

	rec, err := retrying.Invoke(ctx, "flaky", nil, time.Second)
	require.NoError(t, err)
	require.Equal(t, 2, rec.RetryCount)

	records, _ := recorder.Records(ctx, "run_5")
	require.Len(t, records, 3)
	for i, r := range records {
		require.Equal(t, i, r.RetryCount)
	}

	calls = 0
	_, err = retrying.Invoke(ctx, "refused", nil, time.Second)
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestMetricsObserveOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)
	inv := NewLocal(LocalOptions{
		Metrics: metrics,
		Registry: Registry{
			"ok": func(ctx context.Context, args map[string]any) (any, error) { return 1, nil },
		},
	})
	_, _ = inv.Invoke(context.Background(), "ok", nil, 0)
	_, _ = inv.Invoke(context.Background(), "missing", nil, 0)

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.calls.WithLabelValues("ok", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.calls.WithLabelValues("missing", "rejected")))
}
