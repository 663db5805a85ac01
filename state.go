package tradeflow

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"
)

// Update is the set of field values a step writes. A field appears at most
// once per update by construction.
type Update map[string]any

// Set writes a field and returns the update for chaining.
func (u Update) Set(name string, value any) Update {
	u[name] = value
	return u
}

// StateReader gives read access to workflow state.
type StateReader interface {
	Get(name string) (any, bool)
}

// StepError is one entry of the built-in errors field.
type StepError struct {
	Step      string    `json:"step"`
	Type      string    `json:"type"`
	Kind      string    `json:"kind,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// EventKind labels an entry of the state event log.
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventMerged    EventKind = "merged"
	EventSuspended EventKind = "suspended"
	EventResumed   EventKind = "resumed"
	EventFailed    EventKind = "failed"
	EventCompleted EventKind = "completed"
	EventCancelled EventKind = "cancelled"
)

// StateEvent is one entry of the append-only state log. Every merged update
// produces one event naming the fields it wrote.
type StateEvent struct {
	Seq    int       `json:"seq"`
	Kind   EventKind `json:"kind"`
	Step   string    `json:"step,omitempty"`
	Fields []string  `json:"fields,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// State holds the field values of one run plus its event log. It is owned by
// the goroutine driving the run; parallel branches only read it.
type State struct {
	schema *Schema
	values map[string]any
	log    []StateEvent
}

func newState(schema *Schema, inputs map[string]any) (*State, error) {
	s := &State{schema: schema, values: map[string]any{}}
	for _, name := range schema.Names() {
		f, _ := schema.Field(name)
		if f.Default != nil {
			s.values[name] = f.Default
		}
	}
	for name, value := range inputs {
		f, ok := schema.Field(name)
		if !ok || !f.Input {
			return nil, &ValidationError{Field: name, Reason: "unknown input"}
		}
		v, err := schema.Restore(name, value)
		if err != nil {
			return nil, err
		}
		s.values[name] = v
	}
	for _, name := range schema.Names() {
		f, _ := schema.Field(name)
		if _, ok := s.values[name]; f.Required && !ok {
			return nil, &ValidationError{Field: name, Reason: "required input is missing"}
		}
	}
	return s, nil
}

func restoreState(schema *Schema, fields map[string]any, log []StateEvent) (*State, error) {
	s := &State{schema: schema, values: map[string]any{}, log: slices.Clone(log)}
	for name, value := range fields {
		v, err := schema.Restore(name, value)
		if err != nil {
			return nil, fmt.Errorf("restore state: %w", err)
		}
		s.values[name] = v
	}
	return s, nil
}

func (s *State) Get(name string) (any, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Values returns a copy of all field values.
func (s *State) Values() map[string]any {
	return maps.Clone(s.values)
}

// Log returns a copy of the event log.
func (s *State) Log() []StateEvent {
	return slices.Clone(s.log)
}

// Errors returns the accumulated step errors.
func (s *State) Errors() []StepError {
	errs, _ := s.values[ErrorsField].([]StepError)
	return slices.Clone(errs)
}

// merge validates every field of u before applying any of them, so an
// update is either fully applied or not at all. allowed limits the fields
// the writer may touch; nil allows every declared field. It returns the
// sorted names of the fields written.
func (s *State) merge(step string, u Update, allowed map[string]bool) ([]string, error) {
	if len(u) == 0 {
		return nil, nil
	}
	staged := make(map[string]any, len(u))
	for name, value := range u {
		if allowed != nil && !allowed[name] {
			return nil, &ValidationError{Step: step, Field: name, Reason: "step does not declare a write to this field"}
		}
		f, ok := s.schema.Field(name)
		if !ok {
			return nil, &ValidationError{Step: step, Field: name, Reason: "field is not declared"}
		}
		if f.Merge != nil {
			merged, err := f.Merge(s.values[name], value)
			if err != nil {
				return nil, &ValidationError{Step: step, Field: name, Reason: err.Error()}
			}
			value = merged
		}
		v, err := s.schema.Check(name, value)
		if err != nil {
			verr := err.(*ValidationError)
			verr.Step = step
			return nil, verr
		}
		staged[name] = v
	}
	names := make([]string, 0, len(staged))
	for name, v := range staged {
		s.values[name] = v
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *State) record(kind EventKind, step string, fields []string, detail string, at time.Time) {
	s.log = append(s.log, StateEvent{
		Seq:    len(s.log) + 1,
		Kind:   kind,
		Step:   step,
		Fields: fields,
		Detail: detail,
		At:     at,
	})
}

// view is the read-only window a step gets onto state.
type view struct {
	state   *State
	visible map[string]bool
}

func (v view) Get(name string) (any, bool) {
	if v.visible != nil && !v.visible[name] {
		return nil, false
	}
	return v.state.Get(name)
}
