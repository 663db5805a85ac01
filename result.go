package tradeflow

type resultKind int

const (
	resultContinue resultKind = iota
	resultAdvance
	resultSuspend
	resultFail
	resultCancel
)

func (k resultKind) String() string {
	switch k {
	case resultContinue:
		return "continue"
	case resultAdvance:
		return "advance"
	case resultSuspend:
		return "suspend"
	case resultFail:
		return "fail"
	case resultCancel:
		return "cancel"
	}
	return "unknown"
}

// Suspension describes why a run paused and what it is waiting for.
type Suspension struct {
	Step      string `json:"step"`
	Reason    string `json:"reason"`
	RequestID string `json:"request_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`

	// ChildRunID is set when the suspension was propagated from a child
	// workflow run.
	ChildRunID string `json:"child_run_id,omitempty"`
}

// Result is what a step returns: how the run proceeds plus the step's
// state update.
type Result struct {
	kind       resultKind
	update     Update
	next       string
	suspension *Suspension
	err        error
	reason     string
	summary    any

	// logged is set once err has been appended to the errors field.
	logged bool
}

// Continue follows the step's outgoing edges after merging u.
func Continue(u Update) Result {
	return Result{kind: resultContinue, update: u}
}

// AdvanceTo moves to step, which must be one of the step's declared
// successors or End, after merging u.
func AdvanceTo(step string, u Update) Result {
	return Result{kind: resultAdvance, next: step, update: u}
}

// Suspend pauses the run at this step until a response for requestID is
// delivered through Engine.Resume. Only steps that declare a Continue
// function may suspend.
func Suspend(reason, requestID string, payload any) Result {
	return Result{kind: resultSuspend, suspension: &Suspension{Reason: reason, RequestID: requestID, Payload: payload}}
}

// Fail records err and routes to the error handling step, if any.
func Fail(err error) Result {
	return Result{kind: resultFail, err: err}
}

// Cancel ends the run as cancelled.
func Cancel(reason string) Result {
	return Result{kind: resultCancel, reason: reason}
}

// With attaches a state update to the result. Updates on Fail results are
// discarded.
func (r Result) With(u Update) Result {
	r.update = u
	return r
}

// WithSummary sets the summary carried by the stage_complete progress event.
func (r Result) WithSummary(summary any) Result {
	r.summary = summary
	return r
}

// Err returns the error of a Fail result.
func (r Result) Err() error {
	return r.err
}
