package tradeflow

import "time"

// Checkpoint contains a complete snapshot of a run. Checkpoints are
// immutable once saved; a run appends a new one at every step boundary.
type Checkpoint struct {
	ID           string          `json:"id"`
	RunID        string          `json:"run_id"`
	ParentRunID  string          `json:"parent_run_id,omitempty"`
	WorkflowName string          `json:"workflow_name"`
	Status       ExecutionStatus `json:"status"`
	Seq          int             `json:"seq"`

	// Node is the next step to run, or the suspended step.
	Node       string         `json:"node"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Fields     map[string]any `json:"fields"`
	Log        []StateEvent   `json:"log"`
	Visits     map[string]int `json:"visits,omitempty"`
	Steps      int            `json:"steps"`
	Suspension *Suspension    `json:"suspension,omitempty"`
	Error      string         `json:"error,omitempty"`

	StartTime    time.Time `json:"start_time,omitzero"`
	EndTime      time.Time `json:"end_time,omitzero"`
	Deadline     time.Time `json:"deadline,omitzero"`
	CheckpointAt time.Time `json:"checkpoint_at"`

	// ClaimedAt is set when a suspended checkpoint has been consumed by a
	// resume. A claimed checkpoint cannot be resumed again.
	ClaimedAt time.Time `json:"claimed_at,omitzero"`
}

// RequestID returns the id of the request a suspended checkpoint waits on.
func (c *Checkpoint) RequestID() string {
	if c.Suspension == nil {
		return ""
	}
	return c.Suspension.RequestID
}

// Claimable reports whether a resume with requestID may consume the
// checkpoint. It returns a *StaleApprovalError otherwise.
func (c *Checkpoint) Claimable(requestID string) error {
	switch {
	case c.Status != ExecutionStatusSuspended:
		return &StaleApprovalError{RunID: c.RunID, RequestID: requestID, Reason: "run is " + string(c.Status)}
	case !c.ClaimedAt.IsZero():
		return &StaleApprovalError{RunID: c.RunID, RequestID: requestID, Reason: "request already resolved"}
	case c.RequestID() != requestID:
		return &StaleApprovalError{RunID: c.RunID, RequestID: requestID, Reason: "unknown request"}
	}
	return nil
}

// RunSummary provides a summary view of a run
type RunSummary struct {
	RunID        string          `json:"run_id"`
	WorkflowName string          `json:"workflow_name"`
	Status       ExecutionStatus `json:"status"`
	Node         string          `json:"node,omitempty"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      time.Time       `json:"end_time,omitzero"`
	Duration     time.Duration   `json:"duration"`
	Error        string          `json:"error,omitempty"`
}

// Summarize builds a RunSummary from the latest checkpoint of a run.
func Summarize(checkpoint *Checkpoint) *RunSummary {
	end := checkpoint.EndTime
	if end.IsZero() {
		end = checkpoint.CheckpointAt
	}
	return &RunSummary{
		RunID:        checkpoint.RunID,
		WorkflowName: checkpoint.WorkflowName,
		Status:       checkpoint.Status,
		Node:         checkpoint.Node,
		StartTime:    checkpoint.StartTime,
		EndTime:      checkpoint.EndTime,
		Duration:     end.Sub(checkpoint.StartTime),
		Error:        checkpoint.Error,
	}
}
