package tradeflow

import (
	"context"
	"time"

	"github.com/deepnoodle-ai/tradeflow/tools"
)

// ExecutionCallbacks defines the callback interface for run events
type ExecutionCallbacks interface {
	// Run-level callbacks
	BeforeWorkflowExecution(ctx context.Context, event *WorkflowExecutionEvent)
	AfterWorkflowExecution(ctx context.Context, event *WorkflowExecutionEvent)

	// Step-level callbacks
	BeforeStepExecution(ctx context.Context, event *StepExecutionEvent)
	AfterStepExecution(ctx context.Context, event *StepExecutionEvent)

	// Tool-level callbacks
	AfterToolCall(ctx context.Context, event *ToolCallEvent)
}

// WorkflowExecutionEvent provides context for run-level events. It fires
// around every segment of a run: the initial start and each resume.
type WorkflowExecutionEvent struct {
	ExecutionID  string
	WorkflowName string
	Status       ExecutionStatus
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Inputs       map[string]any
	Fields       map[string]any
	Resumed      bool
	Error        error
}

// StepExecutionEvent provides context for step-level events
type StepExecutionEvent struct {
	ExecutionID  string
	WorkflowName string
	StepName     string
	Visit        int
	Branch       bool
	// Resumed is set for the segment that runs Continue after a resume.
	Resumed      bool
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Outcome      string
	Written      []string
	Error        error
}

// ToolCallEvent provides context for each tool invocation made by a step
type ToolCallEvent struct {
	ExecutionID  string
	WorkflowName string
	StepName     string
	Record       *tools.Record
}

// BaseExecutionCallbacks provides a default implementation that does nothing
type BaseExecutionCallbacks struct{}

func (n *BaseExecutionCallbacks) BeforeWorkflowExecution(ctx context.Context, event *WorkflowExecutionEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) AfterWorkflowExecution(ctx context.Context, event *WorkflowExecutionEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) BeforeStepExecution(ctx context.Context, event *StepExecutionEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) AfterStepExecution(ctx context.Context, event *StepExecutionEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) AfterToolCall(ctx context.Context, event *ToolCallEvent) {
	// noop
}

// NewBaseExecutionCallbacks creates a new no-op callbacks implementation.
// Embed this in your own callbacks to get a default implementation that does nothing.
func NewBaseExecutionCallbacks() ExecutionCallbacks {
	return &BaseExecutionCallbacks{}
}

// CallbackChain allows chaining multiple callback implementations
type CallbackChain struct {
	callbacks []ExecutionCallbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...ExecutionCallbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain
func (c *CallbackChain) Add(callback ExecutionCallbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeWorkflowExecution(ctx context.Context, event *WorkflowExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeWorkflowExecution(ctx, event)
	}
}

func (c *CallbackChain) AfterWorkflowExecution(ctx context.Context, event *WorkflowExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.AfterWorkflowExecution(ctx, event)
	}
}

func (c *CallbackChain) BeforeStepExecution(ctx context.Context, event *StepExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeStepExecution(ctx, event)
	}
}

func (c *CallbackChain) AfterStepExecution(ctx context.Context, event *StepExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.AfterStepExecution(ctx, event)
	}
}

func (c *CallbackChain) AfterToolCall(ctx context.Context, event *ToolCallEvent) {
	for _, callback := range c.callbacks {
		callback.AfterToolCall(ctx, event)
	}
}
