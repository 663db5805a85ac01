package tradeflow

import (
	"slices"
	"time"
)

// End is the successor that terminates a run successfully.
const End = "end"

// StepFunc is the logic of a step.
type StepFunc func(ctx Context) Result

// Edge is used to configure a next step in a workflow. Edges are evaluated
// in order and the first whose condition holds is taken; an edge without a
// condition always matches.
type Edge struct {
	Step      string `json:"step"`
	Condition string `json:"condition,omitempty"`
}

// Then returns a single unconditional edge to step.
func Then(step string) []*Edge {
	return []*Edge{{Step: step}}
}

// Step is a node of a workflow graph.
type Step struct {
	Name        string
	Description string

	// Announce is emitted as partial content when the step starts. It may
	// contain ${...} expressions over state, e.g. "Scoring ${state.symbol}".
	Announce string

	// Run is the step logic. For a step with Parallel branches it runs
	// after all branches have merged, as the join.
	Run StepFunc

	// Parallel names branch steps dispatched concurrently before Run.
	// Branch steps have no edges of their own.
	Parallel []string

	// Reads and Writes declare the fields the step may see and update.
	Reads  []string
	Writes []string

	// Next lists the outgoing edges. With no edges, or when no edge
	// condition holds, the run ends after the step.
	Next []*Edge

	// Route selects the next step in Go instead of edge conditions. It must
	// return one of the Next edge targets.
	Route func(state StateReader) string

	// OnError is the step to route to when this step fails. It overrides the
	// workflow's OnError.
	OnError string

	// Catch limits OnError to these error types (ErrorTypeTimeout,
	// ErrorTypeTool and so on). Other failures fall through to the
	// workflow's OnError. Empty catches every non-fatal error.
	Catch []string

	// MaxVisits bounds how often the step may run in one run. A cycle in
	// the graph is only allowed when one of its steps sets MaxVisits.
	MaxVisits int

	// Timeout bounds a single execution of Run, Continue or a branch.
	Timeout time.Duration

	// Continue runs when a suspended run is resumed at this step, after the
	// response payload has been merged into ResumeInto. Steps that may
	// suspend must set both.
	Continue   StepFunc
	ResumeInto string
}

func (s *Step) successors() []string {
	out := make([]string, 0, len(s.Next))
	for _, e := range s.Next {
		out = append(out, e.Step)
	}
	return out
}

func (s *Step) isSuccessor(name string) bool {
	if name == End {
		return true
	}
	return slices.Contains(s.successors(), name)
}

// visible is the set of fields the step can read.
func (s *Step) visible() map[string]bool {
	out := map[string]bool{ErrorsField: true}
	for _, f := range s.Reads {
		out[f] = true
	}
	for _, f := range s.Writes {
		out[f] = true
	}
	if s.ResumeInto != "" {
		out[s.ResumeInto] = true
	}
	return out
}

// writable is the set of fields the step may update.
func (s *Step) writable() map[string]bool {
	out := map[string]bool{ErrorsField: true}
	for _, f := range s.Writes {
		out[f] = true
	}
	return out
}
