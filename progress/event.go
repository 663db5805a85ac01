// Package progress delivers ordered, per-run progress events from running
// workflows to observers.
package progress

import "time"

// Kind of a progress event.
type Kind string

const (
	KindPartialContent Kind = "partial_content"
	KindStageComplete  Kind = "stage_complete"
	KindSuspended      Kind = "suspended"
	KindCompleted      Kind = "completed"
	KindFailed         Kind = "failed"
)

// Final reports whether an event of this kind ends the current run segment.
// A suspended run may emit again after it is resumed.
func (k Kind) Final() bool {
	switch k {
	case KindSuspended, KindCompleted, KindFailed:
		return true
	}
	return false
}

// Event is one progress notification. Seq and Time are assigned by the Bus.
type Event struct {
	RunID    string    `json:"run_id"`
	Workflow string    `json:"workflow,omitempty"`
	Seq      int       `json:"seq"`
	Kind     Kind      `json:"kind"`
	Stage    string    `json:"stage,omitempty"`
	Text     string    `json:"text,omitempty"`
	Summary  any       `json:"summary,omitempty"`
	Request  any       `json:"request,omitempty"`
	Result   any       `json:"result,omitempty"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

func PartialContent(runID, text string) Event {
	return Event{RunID: runID, Kind: KindPartialContent, Text: text}
}

func StageComplete(runID, stage string, summary any) Event {
	return Event{RunID: runID, Kind: KindStageComplete, Stage: stage, Summary: summary}
}

func Suspended(runID, stage string, request any) Event {
	return Event{RunID: runID, Kind: KindSuspended, Stage: stage, Request: request}
}

func Completed(runID string, result any) Event {
	return Event{RunID: runID, Kind: KindCompleted, Result: result}
}

func Failed(runID string, err error) Event {
	e := Event{RunID: runID, Kind: KindFailed}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}
