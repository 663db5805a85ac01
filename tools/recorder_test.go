package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFileRecorderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	recorder := NewFileRecorder(dir)
	ctx := context.Background()

	start := time.Date(2026, 1, 2, 9, 30, 0, 0, time.UTC)
	first := &Record{ID: "a", RunID: "run_x", Operation: "get_stock_price", Status: StatusSucceeded,
		Result: "101.5", StartedAt: start, EndedAt: start.Add(time.Second)}
	second := &Record{ID: "b", RunID: "run_x", Operation: "get_stock_news", Status: StatusFailed,
		Error: &Error{Kind: KindTimeout, Message: "slow"}, StartedAt: start, EndedAt: start}
	require.NoError(t, recorder.Append(ctx, first))
	require.NoError(t, recorder.Append(ctx, second))
	require.NoError(t, recorder.Append(ctx, &Record{ID: "c", RunID: "run_y"}))

	records, err := recorder.Records(ctx, "run_x")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "a", records[0].ID)
	require.Equal(t, time.Second, records[0].Duration())
	require.Equal(t, KindTimeout, records[1].Error.Kind)

	missing, err := recorder.Records(ctx, "run_none")
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestMemoryRecorderReturnsCopies(t *testing.T) {
	recorder := NewMemoryRecorder()
	ctx := context.Background()
	rec := &Record{ID: "a", RunID: "r"}
	require.NoError(t, recorder.Append(ctx, rec))
	rec.ID = "mutated"

	records, err := recorder.Records(ctx, "r")
	require.NoError(t, err)
	require.Equal(t, "a", records[0].ID)
}
