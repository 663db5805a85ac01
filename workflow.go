package tradeflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/deepnoodle-ai/tradeflow/script"
)

// DefaultMaxSteps bounds the number of step executions in one run.
const DefaultMaxSteps = 1000

// Options are used to configure a workflow.
type Options struct {
	Name        string
	Description string
	Fields      []Field
	Steps       []*Step

	// Entry is the first step. Defaults to the first of Steps.
	Entry string

	// OnError is the error handling step for steps that do not set their
	// own.
	OnError string

	// MaxSteps bounds step executions per run. Defaults to DefaultMaxSteps.
	MaxSteps int

	// Timeout is the run deadline, checked at every step boundary.
	Timeout time.Duration

	// ScriptCompiler compiles edge conditions and announcements. Defaults
	// to the Risor engine.
	ScriptCompiler script.Compiler
}

type compiledEdge struct {
	step      string
	condition *script.Condition
}

// Workflow is a validated, immutable graph of steps over a typed schema.
type Workflow struct {
	name        string
	description string
	schema      *Schema
	steps       []*Step
	stepsByName map[string]*Step
	entry       *Step
	onError     string
	maxSteps    int
	timeout     time.Duration
	branchOf    map[string]string
	edges       map[string][]compiledEdge
	announce    map[string]*script.Template
}

// New validates the options and returns a Workflow. Every structural
// problem is reported as a *GraphConstructionError.
func New(opts Options) (*Workflow, error) {
	if opts.Name == "" {
		return nil, &GraphConstructionError{Reason: "workflow name required"}
	}
	if len(opts.Steps) == 0 {
		return nil, &GraphConstructionError{Workflow: opts.Name, Reason: "steps required"}
	}
	schema, err := NewSchema(opts.Fields...)
	if err != nil {
		return nil, &GraphConstructionError{Workflow: opts.Name, Reason: err.Error()}
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	if opts.ScriptCompiler == nil {
		opts.ScriptCompiler = script.NewDefaultEngine()
	}

	w := &Workflow{
		name:        opts.Name,
		description: opts.Description,
		schema:      schema,
		steps:       opts.Steps,
		stepsByName: make(map[string]*Step, len(opts.Steps)),
		onError:     opts.OnError,
		maxSteps:    opts.MaxSteps,
		timeout:     opts.Timeout,
		branchOf:    map[string]string{},
		edges:       map[string][]compiledEdge{},
		announce:    map[string]*script.Template{},
	}
	if err := w.validate(opts.Entry); err != nil {
		return nil, err
	}
	if err := w.compile(opts.ScriptCompiler); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Workflow) compile(compiler script.Compiler) error {
	ctx := context.Background()
	for _, step := range w.steps {
		for _, edge := range step.Next {
			ce := compiledEdge{step: edge.Step}
			if edge.Condition != "" {
				cond, err := script.CompileCondition(ctx, compiler, edge.Condition)
				if err != nil {
					return w.graphError(step.Name, "%v", err)
				}
				ce.condition = cond
			}
			w.edges[step.Name] = append(w.edges[step.Name], ce)
		}
		if step.Announce != "" {
			tmpl, err := script.NewTemplate(ctx, compiler, step.Announce)
			if err != nil {
				return w.graphError(step.Name, "%v", err)
			}
			w.announce[step.Name] = tmpl
		}
	}
	return nil
}

func (w *Workflow) graphError(step, format string, args ...any) error {
	return &GraphConstructionError{Workflow: w.name, Step: step, Reason: fmt.Sprintf(format, args...)}
}

// Name returns the workflow name
func (w *Workflow) Name() string {
	return w.name
}

// Description returns the workflow description
func (w *Workflow) Description() string {
	return w.description
}

// Schema returns the state schema, including the built-in errors field.
func (w *Workflow) Schema() *Schema {
	return w.schema
}

// Steps returns the workflow steps
func (w *Workflow) Steps() []*Step {
	return w.steps
}

// Entry returns the first step.
func (w *Workflow) Entry() *Step {
	return w.entry
}

// Timeout returns the run deadline configured for the workflow.
func (w *Workflow) Timeout() time.Duration {
	return w.timeout
}

// GetStep returns a step by name
func (w *Workflow) GetStep(name string) (*Step, bool) {
	step, ok := w.stepsByName[name]
	return step, ok
}

// StepNames returns the names of all steps in the workflow
func (w *Workflow) StepNames() []string {
	names := make([]string, 0, len(w.stepsByName))
	for name := range w.stepsByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WorkflowRegistry manages a collection of workflow definitions
type WorkflowRegistry interface {
	Register(workflow *Workflow) error
	Get(name string) (*Workflow, bool)
	List() []string
}

// MemoryWorkflowRegistry implements WorkflowRegistry using in-memory storage
type MemoryWorkflowRegistry struct {
	mutex     sync.RWMutex
	workflows map[string]*Workflow
}

func NewMemoryWorkflowRegistry() *MemoryWorkflowRegistry {
	return &MemoryWorkflowRegistry{workflows: make(map[string]*Workflow)}
}

func (r *MemoryWorkflowRegistry) Register(workflow *Workflow) error {
	if workflow == nil {
		return fmt.Errorf("workflow cannot be nil")
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.workflows[workflow.Name()]; exists {
		return fmt.Errorf("workflow %q already registered", workflow.Name())
	}
	r.workflows[workflow.Name()] = workflow
	return nil
}

func (r *MemoryWorkflowRegistry) Get(name string) (*Workflow, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	workflow, exists := r.workflows[name]
	return workflow, exists
}

func (r *MemoryWorkflowRegistry) List() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
