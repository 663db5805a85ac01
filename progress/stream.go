package progress

import (
	"context"
	"errors"
	"sync"
)

// ErrStreamClosed is returned by Wait when the stream ended without a final
// event for its run.
var ErrStreamClosed = errors.New("progress stream closed")

// Stream buffers the events of one run (and its child runs) for a consumer
// that reads them incrementally or waits for the final result. Partial
// content is dropped when the buffer is full; every other kind blocks the
// emitter until there is room.
type Stream struct {
	runID  string
	events chan Event

	mutex   sync.Mutex
	closed  bool
	dropped int
}

// NewStream creates a stream that closes after the final event of runID.
func NewStream(runID string, buffer int) *Stream {
	if buffer <= 0 {
		buffer = 64
	}
	return &Stream{runID: runID, events: make(chan Event, buffer)}
}

func (s *Stream) OnEvent(ctx context.Context, event Event) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return
	}
	if event.Kind == KindPartialContent {
		select {
		case s.events <- event:
		default:
			s.dropped++
		}
	} else {
		select {
		case s.events <- event:
		case <-ctx.Done():
		}
	}
	if event.RunID == s.runID && event.Kind.Final() {
		s.closed = true
		close(s.events)
	}
}

// Events returns the channel of buffered events. It is closed after the
// run's final event.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Dropped returns how many partial content events were discarded.
func (s *Stream) Dropped() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.dropped
}

// Wait consumes the stream until the final event of its run.
func (s *Stream) Wait(ctx context.Context) (Event, error) {
	for {
		select {
		case event, ok := <-s.events:
			if !ok {
				return Event{}, ErrStreamClosed
			}
			if event.RunID == s.runID && event.Kind.Final() {
				return event, nil
			}
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}
