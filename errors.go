package tradeflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/tradeflow/tools"
)

// Error type constants for classification and matching
const (
	// ErrorTypeAll acts as a wildcard that matches any error except fatal errors
	ErrorTypeAll = "all"

	// ErrorTypeStepFailed matches any error except timeouts and fatal errors
	ErrorTypeStepFailed = "step_failed"

	// ErrorTypeTimeout matches tool timeouts and context deadlines
	ErrorTypeTimeout = "timeout"

	// ErrorTypeValidation is a schema violation in a state update
	ErrorTypeValidation = "validation"

	// ErrorTypeTool is a tool failure other than a timeout
	ErrorTypeTool = "tool"

	// ErrorTypeFatal marks errors that must not be routed to an error
	// handling step, such as an exceeded run deadline.
	ErrorTypeFatal = "fatal_error"
)

var (
	// ErrDeadlineExceeded is the failure of a run whose deadline passed.
	ErrDeadlineExceeded = &WorkflowError{Type: ErrorTypeFatal, Cause: "run deadline exceeded"}

	// ErrCancelled is returned by Run for cancelled runs.
	ErrCancelled = errors.New("run cancelled")

	// ErrStepLimit is the failure of a run that exceeded its step budget or a
	// step's visit limit.
	ErrStepLimit = &WorkflowError{Type: ErrorTypeFatal, Cause: "step limit exceeded"}

	// ErrRunNotFound is returned for run ids without checkpoints.
	ErrRunNotFound = errors.New("run not found")
)

// ToolError is the typed failure of a tool call.
type ToolError = tools.Error

// WorkflowError represents a structured error with classification
type WorkflowError struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	Details any    `json:"details,omitempty"`
	Wrapped error  `json:"-"`
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

func (e *WorkflowError) Unwrap() error {
	return e.Wrapped
}

// NewWorkflowError creates a WorkflowError with the given type and cause.
func NewWorkflowError(errorType, cause string) *WorkflowError {
	return &WorkflowError{Type: errorType, Cause: cause}
}

// ClassifyError converts any error into a WorkflowError.
func ClassifyError(err error) *WorkflowError {
	var workflowError *WorkflowError
	if errors.As(err, &workflowError) {
		return workflowError
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return &WorkflowError{Type: ErrorTypeValidation, Cause: err.Error(), Wrapped: err}
	}
	if kind, ok := tools.KindOf(err); ok {
		errorType := ErrorTypeTool
		if kind == tools.KindTimeout {
			errorType = ErrorTypeTimeout
		}
		return &WorkflowError{Type: errorType, Cause: err.Error(), Details: string(kind), Wrapped: err}
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return &WorkflowError{Type: ErrorTypeTimeout, Cause: err.Error(), Wrapped: err}
	}
	return &WorkflowError{Type: ErrorTypeStepFailed, Cause: err.Error(), Wrapped: err}
}

// MatchesErrorType checks if an error matches a specified error type pattern
func MatchesErrorType(err error, errorType string) bool {
	wErr := ClassifyError(err)
	if wErr.Type == ErrorTypeFatal {
		return errorType == ErrorTypeFatal
	}
	switch errorType {
	case ErrorTypeAll:
		return true
	case ErrorTypeStepFailed:
		return wErr.Type != ErrorTypeTimeout
	default:
		return wErr.Type == errorType
	}
}

// ValidationError reports a value that does not fit the declared schema or
// an input the caller should not have sent.
type ValidationError struct {
	Step   string `json:"step,omitempty"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation failed")
	if e.Step != "" {
		fmt.Fprintf(&b, " in step %q", e.Step)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " for %s", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// StaleApprovalError is returned when a response targets a request that does
// not exist or was already resolved. Nothing is mutated when it is returned.
type StaleApprovalError struct {
	RunID     string `json:"run_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Reason    string `json:"reason"`
}

func (e *StaleApprovalError) Error() string {
	return fmt.Sprintf("stale approval %q for run %q: %s", e.RequestID, e.RunID, e.Reason)
}

// GraphConstructionError reports an invalid workflow definition.
type GraphConstructionError struct {
	Workflow string
	Step     string
	Reason   string
}

func (e *GraphConstructionError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("workflow %q: %s", e.Workflow, e.Reason)
	}
	return fmt.Sprintf("workflow %q step %q: %s", e.Workflow, e.Step, e.Reason)
}

// RunError is returned by Run and Resume when a run ends failed or cancelled.
type RunError struct {
	RunID            string
	Status           ExecutionStatus
	Errors           []StepError
	LastCheckpointID string
	Err              error
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("run %s %s: %v", e.RunID, e.Status, e.Err)
	if e.LastCheckpointID != "" {
		msg += fmt.Sprintf(" (last checkpoint %s)", e.LastCheckpointID)
	}
	return msg
}

func (e *RunError) Unwrap() error {
	return e.Err
}
