package progress

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Observer receives progress events. OnEvent is called at most once per
// event, in per-run emission order.
type Observer interface {
	OnEvent(ctx context.Context, event Event)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(ctx context.Context, event Event)

func (f ObserverFunc) OnEvent(ctx context.Context, event Event) {
	f(ctx, event)
}

// Multi fans an event out to several observers in order.
type Multi []Observer

func (m Multi) OnEvent(ctx context.Context, event Event) {
	for _, o := range m {
		if o != nil {
			o.OnEvent(ctx, event)
		}
	}
}

type lane struct {
	mutex sync.Mutex
	seq   int
}

type subscription struct {
	id       int
	runID    string
	observer Observer
}

// Bus assigns per-run sequence numbers and delivers events. Emission for one
// run is serialized, so observers see each run's events in emission order.
// Different runs are delivered independently.
type Bus struct {
	observer Observer
	clock    func() time.Time

	mutex  sync.Mutex
	lanes  map[string]*lane
	subs   []subscription
	nextID int
}

// BusOption customizes a Bus.
type BusOption func(*Bus)

// WithClock sets the clock used to stamp events.
func WithClock(clock func() time.Time) BusOption {
	return func(b *Bus) { b.clock = clock }
}

// NewBus creates a bus delivering every event to observer, which may be nil.
func NewBus(observer Observer, opts ...BusOption) *Bus {
	b := &Bus{observer: observer, clock: time.Now, lanes: map[string]*lane{}}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit stamps and delivers an event, returning it as delivered.
func (b *Bus) Emit(ctx context.Context, event Event) Event {
	l, observers := b.route(event.RunID)

	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.seq++
	event.Seq = l.seq
	event.Time = b.clock()
	for _, o := range observers {
		o.OnEvent(ctx, event)
	}
	return event
}

// Subscribe registers observer for the events of runID and of its child
// runs. The returned function removes the subscription.
func (b *Bus) Subscribe(runID string, observer Observer) func() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, runID: runID, observer: observer})
	return func() {
		b.mutex.Lock()
		defer b.mutex.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Release drops the sequence state of a finished run.
func (b *Bus) Release(runID string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	delete(b.lanes, runID)
}

// Active reports how many runs the bus holds sequence state for.
func (b *Bus) Active() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.lanes)
}

func (b *Bus) route(runID string) (*lane, []Observer) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	l, ok := b.lanes[runID]
	if !ok {
		l = &lane{}
		b.lanes[runID] = l
	}
	var observers []Observer
	if b.observer != nil {
		observers = append(observers, b.observer)
	}
	for _, s := range b.subs {
		if s.runID == runID || strings.HasPrefix(runID, s.runID+".") {
			observers = append(observers, s.observer)
		}
	}
	return l, observers
}
