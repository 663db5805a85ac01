package progress

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mutex  sync.Mutex
	events []Event
}

func (c *collector) OnEvent(ctx context.Context, e Event) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) forRun(runID string) []Event {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	var out []Event
	for _, e := range c.events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

func TestBusAssignsPerRunSequence(t *testing.T) {
	c := &collector{}
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	bus := NewBus(c, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	bus.Emit(ctx, PartialContent("a", "fetching"))
	bus.Emit(ctx, PartialContent("b", "fetching"))
	bus.Emit(ctx, StageComplete("a", "gather", nil))
	last := bus.Emit(ctx, Completed("a", "done"))

	require.Equal(t, 3, last.Seq)
	require.Equal(t, now, last.Time)
	a := c.forRun("a")
	require.Len(t, a, 3)
	for i, e := range a {
		require.Equal(t, i+1, e.Seq)
	}
	require.Equal(t, 1, c.forRun("b")[0].Seq)
}

func TestReleaseDropsRunState(t *testing.T) {
	bus := NewBus(nil)
	ctx := context.Background()

	bus.Emit(ctx, PartialContent("a", "fetching"))
	bus.Emit(ctx, Completed("a", "done"))
	bus.Emit(ctx, PartialContent("b", "fetching"))
	require.Equal(t, 2, bus.Active())

	bus.Release("a")
	require.Equal(t, 1, bus.Active())
	bus.Release("a")
	require.Equal(t, 1, bus.Active())

	require.Equal(t, 1, bus.Emit(ctx, PartialContent("a", "again")).Seq)
}

func TestBusConcurrentEmittersKeepOrder(t *testing.T) {
	c := &collector{}
	bus := NewBus(c)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				bus.Emit(context.Background(), PartialContent("run", "tick"))
			}
		}()
	}
	wg.Wait()

	events := c.forRun("run")
	require.Len(t, events, 400)
	for i, e := range events {
		require.Equal(t, i+1, e.Seq)
	}
}

func TestSubscribeIncludesChildRuns(t *testing.T) {
	bus := NewBus(nil)
	c := &collector{}
	unsubscribe := bus.Subscribe("run_1", c)
	ctx := context.Background()

	bus.Emit(ctx, PartialContent("run_1", "parent"))
	bus.Emit(ctx, PartialContent("run_1.gather", "child"))
	bus.Emit(ctx, PartialContent("run_10", "other"))
	unsubscribe()
	bus.Emit(ctx, PartialContent("run_1", "after"))

	c.mutex.Lock()
	defer c.mutex.Unlock()
	require.Len(t, c.events, 2)
	require.Equal(t, "run_1.gather", c.events[1].RunID)
}

func TestStreamWaitReturnsFinalEvent(t *testing.T) {
	bus := NewBus(nil)
	stream := NewStream("run", 4)
	bus.Subscribe("run", stream)
	ctx := context.Background()

	go func() {
		bus.Emit(ctx, StageComplete("run", "gather", map[string]any{"score": 0.9}))
		bus.Emit(ctx, StageComplete("run.analyze", "integrate", nil))
		bus.Emit(ctx, Failed("run", errors.New("broker down")))
		bus.Emit(ctx, PartialContent("run", "ignored"))
	}()

	final, err := stream.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, KindFailed, final.Kind)
	require.Equal(t, "broker down", final.Error)
	require.Equal(t, 2, final.Seq)
}

func TestStreamDropsPartialContentWhenFull(t *testing.T) {
	stream := NewStream("run", 1)
	ctx := context.Background()
	stream.OnEvent(ctx, PartialContent("run", "one"))
	stream.OnEvent(ctx, PartialContent("run", "two"))
	require.Equal(t, 1, stream.Dropped())

	e := <-stream.Events()
	require.Equal(t, "one", e.Text)
	stream.OnEvent(ctx, Completed("run", nil))
	e, ok := <-stream.Events()
	require.True(t, ok)
	require.Equal(t, KindCompleted, e.Kind)
	_, ok = <-stream.Events()
	require.False(t, ok)
}

func TestPublisherForwardsToWatermill(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 10,
		Persistent:          true,
	}, watermill.NopLogger{})
	defer pubSub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	messages, err := pubSub.Subscribe(ctx, DefaultTopic)
	require.NoError(t, err)

	bus := NewBus(NewPublisher(pubSub, "", nil))
	bus.Emit(ctx, Suspended("run_9", "approve", map[string]any{"id": "apr_1"}))

	select {
	case msg := <-messages:
		msg.Ack()
		require.Equal(t, "run_9", msg.Metadata.Get("run_id"))
		require.Equal(t, "suspended", msg.Metadata.Get("kind"))
		var event Event
		require.NoError(t, json.Unmarshal(msg.Payload, &event))
		require.Equal(t, "approve", event.Stage)
		require.Equal(t, 1, event.Seq)
	case <-ctx.Done():
		t.Fatal("no message published")
	}
}
