package tradeflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deepnoodle-ai/tradeflow/progress"
	"github.com/deepnoodle-ai/tradeflow/tools"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

func mustWorkflow(t *testing.T, opts Options) *Workflow {
	t.Helper()
	wf, err := New(opts)
	require.NoError(t, err)
	return wf
}

func testEngine(t *testing.T, opts EngineOptions, workflows ...*Workflow) *Engine {
	t.Helper()
	eng := NewEngine(opts)
	require.NoError(t, eng.Register(workflows...))
	return eng
}

func eventKinds(log []StateEvent) []string {
	var out []string
	for _, event := range log {
		if event.Step != "" {
			out = append(out, string(event.Kind)+":"+event.Step)
		} else {
			out = append(out, string(event.Kind))
		}
	}
	return out
}

func TestLinearRun(t *testing.T) {
	wf := mustWorkflow(t, Options{
		Name: "quote",
		Fields: []Field{
			FieldOf[string]("symbol").AsRequired(),
			FieldOf[float64]("price"),
			FieldOf[string]("summary"),
		},
		Steps: []*Step{
			{
				Name:   "fetch",
				Reads:  []string{"symbol"},
				Writes: []string{"price"},
				Run: func(ctx Context) Result {
					return Continue(Update{"price": 3})
				},
				Next: Then("report"),
			},
			{
				Name:   "report",
				Reads:  []string{"symbol", "price"},
				Writes: []string{"summary"},
				Run: func(ctx Context) Result {
					symbol, _ := ctx.Get("symbol")
					price, _ := ctx.Get("price")
					return Continue(Update{"summary": fmt.Sprintf("%s trades at %.2f", symbol, price)})
				},
			},
		},
	})
	eng := testEngine(t, EngineOptions{}, wf)

	exec, err := eng.Start(context.Background(), ExecutionOptions{
		WorkflowName: "quote",
		Inputs:       map[string]any{"symbol": "ACME"},
	})
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusCompleted, exec.Status())

	report := exec.Report()
	require.Equal(t, 3.0, report.Fields["price"])
	require.Equal(t, "ACME trades at 3.00", report.Fields["summary"])
	require.Empty(t, report.Errors)
	require.Equal(t, []string{"started:fetch", "merged:fetch", "merged:report", "completed"}, eventKinds(report.Log))
	require.Equal(t, []string{"price"}, report.Log[1].Fields)

	require.Error(t, exec.Run(context.Background()), "a run cannot be started twice")
}

func TestInputValidation(t *testing.T) {
	wf := mustWorkflow(t, Options{
		Name: "inputs",
		Fields: []Field{
			FieldOf[string]("symbol").AsRequired(),
			FieldOf[float64]("quantity").AsInput().WithDefault(1),
		},
		Steps: []*Step{{Name: "noop", Run: noop, Reads: []string{"symbol", "quantity"}}},
	})
	eng := testEngine(t, EngineOptions{}, wf)

	var verr *ValidationError
	_, err := eng.NewExecution(ExecutionOptions{Workflow: wf, Inputs: map[string]any{}})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "symbol", verr.Field)

	_, err = eng.NewExecution(ExecutionOptions{Workflow: wf, Inputs: map[string]any{"symbol": "ACME", "side": "buy"}})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "unknown input", verr.Reason)

	_, err = eng.NewExecution(ExecutionOptions{WorkflowName: "missing"})
	require.Error(t, err)

	exec, err := eng.NewExecution(ExecutionOptions{Workflow: wf, Inputs: map[string]any{"symbol": "ACME", "quantity": 5}})
	require.NoError(t, err)
	quantity, _ := exec.Get("quantity")
	require.Equal(t, 5.0, quantity)
	require.Equal(t, ExecutionStatusPending, exec.Status())
}

func TestConditionalEdges(t *testing.T) {
	wf := mustWorkflow(t, Options{
		Name: "router",
		Fields: []Field{
			FieldOf[string]("pattern").AsRequired(),
			FieldOf[string]("route"),
		},
		Steps: []*Step{
			{
				Name:  "classify",
				Run:   noop,
				Reads: []string{"pattern"},
				Next: []*Edge{
					{Step: "data", Condition: "state.pattern == 'DATA_ONLY'"},
					{Step: "analysis", Condition: "state.pattern == 'DATA_ANALYSIS'"},
					{Step: "full"},
				},
			},
			{Name: "data", Writes: []string{"route"}, Run: func(ctx Context) Result { return Continue(Update{"route": "data"}) }},
			{Name: "analysis", Writes: []string{"route"}, Run: func(ctx Context) Result { return Continue(Update{"route": "analysis"}) }},
			{Name: "full", Writes: []string{"route"}, Run: func(ctx Context) Result { return Continue(Update{"route": "full"}) }},
		},
	})
	eng := testEngine(t, EngineOptions{}, wf)

	tests := map[string]string{
		"DATA_ONLY":     "data",
		"DATA_ANALYSIS": "analysis",
		"FULL_WORKFLOW": "full",
	}
	for pattern, want := range tests {
		t.Run(pattern, func(t *testing.T) {
			exec, err := eng.Start(context.Background(), ExecutionOptions{
				Workflow: wf,
				Inputs:   map[string]any{"pattern": pattern},
			})
			require.NoError(t, err)
			route, _ := exec.Get("route")
			require.Equal(t, want, route)
		})
	}
}

func TestNoMatchingEdgeEndsRun(t *testing.T) {
	ran := false
	wf := mustWorkflow(t, Options{
		Name:   "guarded",
		Fields: []Field{FieldOf[bool]("ready").AsRequired()},
		Steps: []*Step{
			{Name: "check", Run: noop, Reads: []string{"ready"}, Next: []*Edge{{Step: "act", Condition: "state.ready"}}},
			{Name: "act", Run: func(ctx Context) Result { ran = true; return Continue(nil) }},
		},
	})
	eng := testEngine(t, EngineOptions{}, wf)
	exec, err := eng.Start(context.Background(), ExecutionOptions{Workflow: wf, Inputs: map[string]any{"ready": false}})
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusCompleted, exec.Status())
	require.False(t, ran)
}

func TestRouteAndAdvanceTo(t *testing.T) {
	newWorkflow := func(route func(StateReader) string) *Workflow {
		return mustWorkflow(t, Options{
			Name: "decide",
			Fields: []Field{
				FieldOf[float64]("score").AsRequired(),
				FieldOf[string]("action"),
			},
			Steps: []*Step{
				{Name: "decide", Run: noop, Reads: []string{"score"}, Route: route, Next: []*Edge{{Step: "buy"}, {Step: "hold"}}},
				{Name: "buy", Writes: []string{"action"}, Run: func(ctx Context) Result { return Continue(Update{"action": "BUY"}) }},
				{Name: "hold", Writes: []string{"action"}, Run: func(ctx Context) Result { return Continue(Update{"action": "HOLD"}) }},
			},
		})
	}

	wf := newWorkflow(func(state StateReader) string {
		if score, _ := state.Get("score"); score.(float64) > 0.5 {
			return "buy"
		}
		return "hold"
	})
	eng := testEngine(t, EngineOptions{})
	exec, err := eng.Start(context.Background(), ExecutionOptions{Workflow: wf, Inputs: map[string]any{"score": 0.8}})
	require.NoError(t, err)
	action, _ := exec.Get("action")
	require.Equal(t, "BUY", action)

	wf = newWorkflow(func(StateReader) string { return "sell" })
	exec, err = eng.Start(context.Background(), ExecutionOptions{Workflow: wf, Inputs: map[string]any{"score": 0.8}})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Reason, `undeclared successor "sell"`)
	require.Equal(t, ExecutionStatusFailed, exec.Status())

	advance := mustWorkflow(t, Options{
		Name:   "advance",
		Fields: []Field{FieldOf[string]("action")},
		Steps: []*Step{
			{Name: "decide", Run: func(ctx Context) Result { return AdvanceTo("hold", nil) }, Next: []*Edge{{Step: "buy"}, {Step: "hold"}}},
			{Name: "buy", Writes: []string{"action"}, Run: func(ctx Context) Result { return Continue(Update{"action": "BUY"}) }},
			{Name: "hold", Writes: []string{"action"}, Run: func(ctx Context) Result { return Continue(Update{"action": "HOLD"}) }},
		},
	})
	exec, err = eng.Start(context.Background(), ExecutionOptions{Workflow: advance})
	require.NoError(t, err)
	action, _ = exec.Get("action")
	require.Equal(t, "HOLD", action)

	undeclared := mustWorkflow(t, Options{
		Name:  "advance-undeclared",
		Steps: []*Step{{Name: "decide", Run: func(ctx Context) Result { return AdvanceTo("elsewhere", nil) }}},
	})
	_, err = eng.Start(context.Background(), ExecutionOptions{Workflow: undeclared})
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Reason, "not a declared successor")
}

func TestParallelBranchesMergeInDeclaredOrder(t *testing.T) {
	branch := func(name string, delay time.Duration) *Step {
		return &Step{
			Name:   name,
			Writes: []string{"notes"},
			Run: func(ctx Context) Result {
				time.Sleep(delay)
				return Continue(Update{"notes": name})
			},
		}
	}
	wf := mustWorkflow(t, Options{
		Name: "fanout",
		Fields: []Field{
			FieldOf[[]string]("notes").WithMerge(AppendMerge[string]()),
			FieldOf[string]("summary"),
		},
		Steps: []*Step{
			{
				Name:     "gather",
				Parallel: []string{"a", "b", "c"},
				Reads:    []string{"notes"},
				Writes:   []string{"summary"},
				Run: func(ctx Context) Result {
					notes, _ := ctx.Get("notes")
					return Continue(Update{"summary": strings.Join(notes.([]string), ",")})
				},
			},
			branch("a", 30*time.Millisecond),
			branch("b", 15*time.Millisecond),
			branch("c", 0),
		},
	})
	eng := testEngine(t, EngineOptions{}, wf)
	exec, err := eng.Start(context.Background(), ExecutionOptions{Workflow: wf})
	require.NoError(t, err)

	report := exec.Report()
	require.Equal(t, []string{"a", "b", "c"}, report.Fields["notes"])
	require.Equal(t, "a,b,c", report.Fields["summary"])
	require.Equal(t, []string{"started:gather", "merged:a", "merged:b", "merged:c", "merged:gather", "completed"}, eventKinds(report.Log))
}

func TestBranchFailureFailsParent(t *testing.T) {
	joined := false
	wf := mustWorkflow(t, Options{
		Name: "fanout",
		Fields: []Field{
			FieldOf[float64]("price"),
			FieldOf[float64]("sentiment"),
		},
		Steps: []*Step{
			{
				Name:     "gather",
				Parallel: []string{"quote", "news"},
				Reads:    []string{"price", "sentiment"},
				Run:      func(ctx Context) Result { joined = true; return Continue(nil) },
			},
			{Name: "quote", Writes: []string{"price"}, Run: func(ctx Context) Result { return Continue(Update{"price": 101.5}) }},
			{Name: "news", Writes: []string{"sentiment"}, Run: func(ctx Context) Result { return Fail(errors.New("news feed down")) }},
		},
	})
	eng := testEngine(t, EngineOptions{}, wf)
	exec, err := eng.Start(context.Background(), ExecutionOptions{Workflow: wf})

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	require.Equal(t, ExecutionStatusFailed, runErr.Status)
	require.Contains(t, err.Error(), "news feed down")
	require.False(t, joined)

	report := exec.Report()
	require.Equal(t, 101.5, report.Fields["price"])
	require.NotContains(t, report.Fields, "sentiment")
	require.Len(t, report.Errors, 1)
	require.Equal(t, "news", report.Errors[0].Step)
	require.Equal(t, ErrorTypeStepFailed, report.Errors[0].Type)
}

func TestErrorHandlerRouting(t *testing.T) {
	wf := mustWorkflow(t, Options{
		Name: "fallback",
		Fields: []Field{
			FieldOf[float64]("price"),
			FieldOf[string]("source"),
		},
		Steps: []*Step{
			{
				Name:    "fetch",
				Writes:  []string{"price", "source"},
				Run:     func(ctx Context) Result { return Fail(errors.New("feed down")) },
				OnError: "fallback",
				Next:    Then("report"),
			},
			{
				Name:   "fallback",
				Writes: []string{"price", "source"},
				Run: func(ctx Context) Result {
					errs, _ := ctx.Get(ErrorsField)
					if len(errs.([]StepError)) != 1 {
						return Fail(errors.New("expected the fetch error"))
					}
					return Continue(Update{"price": 100.0, "source": "cache"})
				},
				Next: Then("report"),
			},
			{Name: "report", Reads: []string{"price", "source"}, Run: noop},
		},
	})
	eng := testEngine(t, EngineOptions{}, wf)
	exec, err := eng.Start(context.Background(), ExecutionOptions{Workflow: wf})
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusCompleted, exec.Status())

	report := exec.Report()
	require.Equal(t, "cache", report.Fields["source"])
	require.Len(t, report.Errors, 1)
	require.Equal(t, "fetch", report.Errors[0].Step)
	require.Equal(t, "feed down", report.Errors[0].Message)
}

func TestCatchLimitsErrorHandler(t *testing.T) {
	build := func(failure error) *Workflow {
		return mustWorkflow(t, Options{
			Name:    "catch",
			Fields:  []Field{FieldOf[string]("source")},
			OnError: "alert",
			Steps: []*Step{
				{
					Name:    "fetch",
					Writes:  []string{"source"},
					Run:     func(ctx Context) Result { return Fail(failure) },
					OnError: "cache",
					Catch:   []string{ErrorTypeTimeout},
					Next:    Then("report"),
				},
				{
					Name:   "cache",
					Writes: []string{"source"},
					Run:    func(ctx Context) Result { return Continue(Update{"source": "cache"}) },
					Next:   Then("report"),
				},
				{
					Name:   "alert",
					Writes: []string{"source"},
					Run:    func(ctx Context) Result { return Continue(Update{"source": "alert"}) },
				},
				{Name: "report", Reads: []string{"source"}, Run: noop},
			},
		})
	}

	tests := []struct {
		name    string
		failure error
		want    string
	}{
		{"timeout is caught", &tools.Error{Kind: tools.KindTimeout, Message: "no response within 1s"}, "cache"},
		{"other failures fall through", tools.Unavailable("feed down"), "alert"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := build(tt.failure)
			exec, err := testEngine(t, EngineOptions{}, wf).Start(context.Background(), ExecutionOptions{Workflow: wf})
			require.NoError(t, err)
			require.Equal(t, ExecutionStatusCompleted, exec.Status())
			require.Equal(t, tt.want, exec.Report().Fields["source"])
		})
	}
}

func TestToolErrorsAreRecorded(t *testing.T) {
	recorder := tools.NewMemoryRecorder()
	invoker := tools.NewLocal(tools.LocalOptions{
		Recorder: recorder,
		Registry: tools.Registry{
			"quote": func(ctx context.Context, args map[string]any) (any, error) {
				return nil, tools.Unavailable("feed down")
			},
			"slow": func(ctx context.Context, args map[string]any) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
	})

	wf := mustWorkflow(t, Options{
		Name:   "tools",
		Fields: []Field{FieldOf[float64]("price").AsOptional()},
		Steps: []*Step{
			{
				Name:   "fetch",
				Writes: []string{"price"},
				Run: func(ctx Context) Result {
					if _, err := ctx.Invoke("quote", map[string]any{"symbol": "ACME"}, time.Second); err != nil {
						return Continue(nil)
					}
					return Continue(Update{"price": 1.0})
				},
				Next: Then("slow"),
			},
			{
				Name: "slow",
				Run: func(ctx Context) Result {
					_, _ = ctx.Invoke("slow", nil, 20*time.Millisecond)
					return Continue(nil)
				},
			},
		},
	})
	eng := testEngine(t, EngineOptions{Tools: invoker}, wf)
	exec, err := eng.Start(context.Background(), ExecutionOptions{Workflow: wf, RunID: "run_tools"})
	require.NoError(t, err)

	errs := exec.Report().Errors
	require.Len(t, errs, 2)
	require.Equal(t, "fetch", errs[0].Step)
	require.Equal(t, ErrorTypeTool, errs[0].Type)
	require.Equal(t, string(tools.KindUnavailable), errs[0].Kind)
	require.Equal(t, "quote", errs[0].Operation)
	require.Equal(t, "slow", errs[1].Step)
	require.Equal(t, ErrorTypeTimeout, errs[1].Type)

	records, err := recorder.Records(context.Background(), "run_tools")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "fetch", records[0].Step)
	require.Equal(t, tools.StatusFailed, records[0].Status)
}

func TestFailingWithToolErrorRecordsItOnce(t *testing.T) {
	invoker := tools.NewLocal(tools.LocalOptions{
		Registry: tools.Registry{
			"submit": func(ctx context.Context, args map[string]any) (any, error) {
				return nil, tools.Rejected("market closed")
			},
		},
	})
	wf := mustWorkflow(t, Options{
		Name: "submit",
		Steps: []*Step{{
			Name: "submit",
			Run: func(ctx Context) Result {
				if _, err := ctx.Invoke("submit", nil, 0); err != nil {
					return Fail(err)
				}
				return Continue(nil)
			},
		}},
	})
	eng := testEngine(t, EngineOptions{Tools: invoker}, wf)
	exec, err := eng.Start(context.Background(), ExecutionOptions{Workflow: wf})
	require.Error(t, err)
	kind, ok := tools.KindOf(err)
	require.True(t, ok)
	require.Equal(t, tools.KindRejected, kind)
	require.Len(t, exec.Report().Errors, 1)
}

func TestMissingInvoker(t *testing.T) {
	wf := mustWorkflow(t, Options{
		Name: "no-tools",
		Steps: []*Step{{
			Name: "call",
			Run: func(ctx Context) Result {
				_, err := ctx.Invoke("quote", nil, 0)
				return Fail(err)
			},
		}},
	})
	eng := testEngine(t, EngineOptions{})
	_, err := eng.Start(context.Background(), ExecutionOptions{Workflow: wf})
	kind, ok := tools.KindOf(err)
	require.True(t, ok)
	require.Equal(t, tools.KindUnavailable, kind)
}

func TestPanicBecomesStepFailure(t *testing.T) {
	wf := mustWorkflow(t, Options{
		Name:  "panics",
		Steps: []*Step{{Name: "explode", Run: func(ctx Context) Result { panic("boom") }}},
	})
	eng := testEngine(t, EngineOptions{})
	exec, err := eng.Start(context.Background(), ExecutionOptions{Workflow: wf})
	require.Error(t, err)
	require.Equal(t, ExecutionStatusFailed, exec.Status())
	errs := exec.Report().Errors
	require.Len(t, errs, 1)
	require.Contains(t, errs[0].Message, `step "explode" panicked: boom`)
}

func TestInvalidUpdateIsRejected(t *testing.T) {
	wf := mustWorkflow(t, Options{
		Name: "updates",
		Fields: []Field{
			FieldOf[float64]("price"),
			FieldOf[string]("note").AsOptional(),
		},
		Steps: []*Step{{
			Name:   "write",
			Writes: []string{"price"},
			Run: func(ctx Context) Result {
				return Continue(Update{"price": "abc"})
			},
		}},
	})
	eng := testEngine(t, EngineOptions{})
	exec, err := eng.Start(context.Background(), ExecutionOptions{Workflow: wf})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "price", verr.Field)
	require.NotContains(t, exec.Report().Fields, "price")
	require.Len(t, exec.Report().Errors, 1)
	require.Equal(t, ErrorTypeValidation, exec.Report().Errors[0].Type)

	undeclared := mustWorkflow(t, Options{
		Name:   "undeclared-write",
		Fields: []Field{FieldOf[string]("note")},
		Steps: []*Step{{
			Name: "write",
			Run:  func(ctx Context) Result { return Continue(Update{"note": "hi"}) },
		}},
	})
	_, err = eng.Start(context.Background(), ExecutionOptions{Workflow: undeclared})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "step does not declare a write to this field", verr.Reason)
}

func TestStepsOnlySeeDeclaredFields(t *testing.T) {
	var seen bool
	wf := mustWorkflow(t, Options{
		Name: "visibility",
		Fields: []Field{
			FieldOf[string]("secret").AsRequired(),
			FieldOf[string]("public").AsRequired(),
		},
		Steps: []*Step{{
			Name:  "peek",
			Reads: []string{"public"},
			Run: func(ctx Context) Result {
				_, seen = ctx.Get("secret")
				return Continue(nil)
			},
		}},
	})
	eng := testEngine(t, EngineOptions{})
	_, err := eng.Start(context.Background(), ExecutionOptions{Workflow: wf, Inputs: map[string]any{"secret": "s", "public": "p"}})
	require.NoError(t, err)
	require.False(t, seen)
}

func TestRunDeadlineIsFatal(t *testing.T) {
	clock := newFakeClock()
	handled := false
	wf := mustWorkflow(t, Options{
		Name:    "deadline",
		Timeout: 10 * time.Minute,
		OnError: "handler",
		Steps: []*Step{
			{Name: "slow", Run: func(ctx Context) Result { clock.Advance(11 * time.Minute); return Continue(nil) }, Next: Then("report")},
			{Name: "report", Run: noop},
			{Name: "handler", Run: func(ctx Context) Result { handled = true; return Continue(nil) }},
		},
	})
	checkpointer := NewMemoryCheckpointer()
	eng := testEngine(t, EngineOptions{Clock: clock.Now, Checkpointer: checkpointer}, wf)
	exec, err := eng.Start(context.Background(), ExecutionOptions{Workflow: wf, RunID: "run_deadline"})

	require.ErrorIs(t, err, ErrDeadlineExceeded)
	require.False(t, handled)
	require.Equal(t, ExecutionStatusFailed, exec.Status())

	history := checkpointer.History("run_deadline")
	require.Len(t, history, 2)
	require.Equal(t, ExecutionStatusRunning, history[0].Status)
	require.Equal(t, ExecutionStatusFailed, history[1].Status)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	require.Equal(t, history[0].ID, runErr.LastCheckpointID)
	require.Equal(t, history[0].ID, exec.Report().LastCheckpointID)
	require.Equal(t, ErrorTypeFatal, exec.Report().Errors[0].Type)
}

func TestStepLimits(t *testing.T) {
	var count int
	loop := func(maxVisits, maxSteps int) *Workflow {
		count = 0
		return mustWorkflow(t, Options{
			Name:     "loop",
			MaxSteps: maxSteps,
			Steps: []*Step{{
				Name:      "loop",
				MaxVisits: maxVisits,
				Run:       func(ctx Context) Result { count++; return Continue(nil) },
				Next:      Then("loop"),
			}},
		})
	}
	eng := testEngine(t, EngineOptions{})

	_, err := eng.Start(context.Background(), ExecutionOptions{Workflow: loop(3, 0)})
	require.ErrorIs(t, err, ErrStepLimit)
	require.Equal(t, 3, count)

	_, err = eng.Start(context.Background(), ExecutionOptions{Workflow: loop(100, 5)})
	require.ErrorIs(t, err, ErrStepLimit)
	require.Equal(t, 5, count)
}

func approvalWorkflow(t *testing.T, executed *atomic.Int32, continued *atomic.Int32) *Workflow {
	return mustWorkflow(t, Options{
		Name: "approval",
		Fields: []Field{
			FieldOf[float64]("notional").AsRequired(),
			FieldOf[string]("decision"),
			FieldOf[string]("outcome"),
		},
		Steps: []*Step{
			{
				Name:       "approve",
				Reads:      []string{"notional"},
				Writes:     []string{"outcome"},
				ResumeInto: "decision",
				Run: func(ctx Context) Result {
					notional, _ := ctx.Get("notional")
					if notional.(float64) > 10_000_000 {
						return Suspend("notional above cap", "apr_1", map[string]any{"notional": notional})
					}
					return Continue(Update{"outcome": "auto"})
				},
				Continue: func(ctx Context) Result {
					if continued != nil {
						continued.Add(1)
					}
					decision, _ := ctx.Get("decision")
					if decision == "reject" {
						return Cancel("rejected by desk")
					}
					return Continue(Update{"outcome": "approved"})
				},
				Next: Then("execute"),
			},
			{
				Name:  "execute",
				Reads: []string{"outcome"},
				Run: func(ctx Context) Result {
					executed.Add(1)
					return Continue(nil)
				},
			},
		},
	})
}

func TestSuspendAndResume(t *testing.T) {
	var executed atomic.Int32
	wf := approvalWorkflow(t, &executed, nil)
	checkpointer := NewMemoryCheckpointer()
	eng := testEngine(t, EngineOptions{Checkpointer: checkpointer}, wf)
	ctx := context.Background()

	exec, err := eng.Start(ctx, ExecutionOptions{WorkflowName: "approval", Inputs: map[string]any{"notional": 12_000_000.0}})
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusSuspended, exec.Status())
	require.Equal(t, "apr_1", exec.Suspension().RequestID)
	require.Equal(t, "approve", exec.Suspension().Step)
	require.Zero(t, executed.Load())

	cp, err := eng.Inspect(ctx, exec.ID())
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusSuspended, cp.Status)
	require.Equal(t, "approve", cp.Node)

	var stale *StaleApprovalError
	_, err = eng.Resume(ctx, exec.ID(), "apr_other", "approve")
	require.ErrorAs(t, err, &stale)
	require.Equal(t, "unknown request", stale.Reason)

	resumed, err := eng.Resume(ctx, exec.ID(), "apr_1", "approve")
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusCompleted, resumed.Status())
	outcome, _ := resumed.Get("outcome")
	require.Equal(t, "approved", outcome)
	require.EqualValues(t, 1, executed.Load())

	kinds := eventKinds(resumed.Report().Log)
	require.Equal(t, []string{"started:approve", "suspended:approve", "resumed:approve", "merged:approve", "completed"}, kinds)

	_, err = eng.Resume(ctx, exec.ID(), "apr_1", "approve")
	require.ErrorAs(t, err, &stale)
	require.Equal(t, "run is completed", stale.Reason)
	require.EqualValues(t, 1, executed.Load())

	_, err = eng.Resume(ctx, "run_unknown", "apr_1", "approve")
	require.ErrorAs(t, err, &stale)
	require.Equal(t, "run not found", stale.Reason)
}

func TestRejectCancelsWithoutExecuting(t *testing.T) {
	var executed atomic.Int32
	wf := approvalWorkflow(t, &executed, nil)
	eng := testEngine(t, EngineOptions{}, wf)
	ctx := context.Background()

	exec, err := eng.Start(ctx, ExecutionOptions{Workflow: wf, Inputs: map[string]any{"notional": 12_000_000.0}})
	require.NoError(t, err)

	resumed, err := eng.Resume(ctx, exec.ID(), "apr_1", "reject")
	require.ErrorIs(t, err, ErrCancelled)
	require.Equal(t, ExecutionStatusCancelled, resumed.Status())
	require.Zero(t, executed.Load())

	_, err = eng.Inspect(ctx, exec.ID())
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestConcurrentResumesApplyOnce(t *testing.T) {
	var executed, continued atomic.Int32
	wf := approvalWorkflow(t, &executed, &continued)
	eng := testEngine(t, EngineOptions{}, wf)
	ctx := context.Background()

	exec, err := eng.Start(ctx, ExecutionOptions{Workflow: wf, Inputs: map[string]any{"notional": 12_000_000.0}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var wins, stale atomic.Int32
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Resume(ctx, exec.ID(), "apr_1", "approve")
			var staleErr *StaleApprovalError
			switch {
			case err == nil:
				wins.Add(1)
			case errors.As(err, &staleErr):
				stale.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())
	require.EqualValues(t, 7, stale.Load())
	require.EqualValues(t, 1, continued.Load())
	require.EqualValues(t, 1, executed.Load())
}

// plainStore hides the Claimer methods of the store it wraps.
type plainStore struct {
	Checkpointer
}

func TestInProcessClaimsAreReleased(t *testing.T) {
	var executed atomic.Int32
	wf := approvalWorkflow(t, &executed, nil)
	store := plainStore{NewMemoryCheckpointer()}
	ctx := context.Background()

	exec, err := testEngine(t, EngineOptions{Checkpointer: store}, wf).
		Start(ctx, ExecutionOptions{WorkflowName: "approval", Inputs: map[string]any{"notional": 12_000_000.0}})
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusSuspended, exec.Status())

	desk := NewEngine(EngineOptions{Checkpointer: store})
	_, err = desk.Resume(ctx, exec.ID(), "apr_1", "approve")
	require.ErrorContains(t, err, `workflow "approval" not registered`)

	require.NoError(t, desk.Register(wf))
	resumed, err := desk.Resume(ctx, exec.ID(), "apr_1", "approve")
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusCompleted, resumed.Status())
	require.EqualValues(t, 1, executed.Load())
	require.Empty(t, desk.claims)

	var stale *StaleApprovalError
	_, err = desk.Resume(ctx, exec.ID(), "apr_1", "approve")
	require.ErrorAs(t, err, &stale)
	require.EqualValues(t, 1, executed.Load())
}

func TestSuspendRequiresContinue(t *testing.T) {
	wf := mustWorkflow(t, Options{
		Name:  "bad-suspend",
		Steps: []*Step{{Name: "wait", Run: func(ctx Context) Result { return Suspend("waiting", "", nil) }}},
	})
	eng := testEngine(t, EngineOptions{})
	_, err := eng.Start(context.Background(), ExecutionOptions{Workflow: wf})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Reason, "without a Continue function")
}

func TestCancelWaitsForInFlightBranches(t *testing.T) {
	recorder := tools.NewMemoryRecorder()
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	invoker := tools.NewLocal(tools.LocalOptions{
		Recorder: recorder,
		Registry: tools.Registry{
			"quote": func(ctx context.Context, args map[string]any) (any, error) {
				started <- struct{}{}
				select {
				case <-release:
					return args["symbol"], nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
		},
	})

	var mutex sync.Mutex
	var events []progress.Event
	recordsAtFinal := -1
	bus := progress.NewBus(progress.ObserverFunc(func(ctx context.Context, event progress.Event) {
		mutex.Lock()
		defer mutex.Unlock()
		events = append(events, event)
		if event.Kind.Final() {
			records, _ := recorder.Records(ctx, event.RunID)
			recordsAtFinal = 0
			for _, rec := range records {
				if rec.Status == tools.StatusSucceeded || rec.Status == tools.StatusFailed {
					recordsAtFinal++
				}
			}
		}
	}))

	branch := func(name string) *Step {
		return &Step{
			Name:   name,
			Writes: []string{"quotes"},
			Run: func(ctx Context) Result {
				rec, err := ctx.Invoke("quote", map[string]any{"symbol": name}, 0)
				if err != nil {
					return Fail(err)
				}
				return Continue(Update{"quotes": rec.Result.(string)})
			},
		}
	}
	executed := false
	wf := mustWorkflow(t, Options{
		Name:   "cancel",
		Fields: []Field{FieldOf[[]string]("quotes").WithMerge(AppendMerge[string]())},
		Steps: []*Step{
			{Name: "gather", Parallel: []string{"a", "b"}, Next: Then("execute")},
			branch("a"),
			branch("b"),
			{Name: "execute", Run: func(ctx Context) Result { executed = true; return Continue(nil) }},
		},
	})
	checkpointer := NewMemoryCheckpointer()
	eng := testEngine(t, EngineOptions{Tools: invoker, Progress: bus, Checkpointer: checkpointer}, wf)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := eng.Start(ctx, ExecutionOptions{Workflow: wf, RunID: "run_cancel"})
		done <- err
	}()
	<-started
	<-started
	require.NoError(t, eng.Cancel(ctx, "run_cancel", "operator stop"))
	close(release)

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	require.Equal(t, ExecutionStatusCancelled, runErr.Status)
	require.ErrorIs(t, err, ErrCancelled)
	require.Contains(t, err.Error(), "operator stop")
	require.False(t, executed)

	mutex.Lock()
	defer mutex.Unlock()
	require.Equal(t, 2, recordsAtFinal)
	last := events[len(events)-1]
	require.Equal(t, progress.KindFailed, last.Kind)
	for _, event := range events {
		require.NotEqual(t, progress.KindStageComplete, event.Kind)
	}
	require.Empty(t, checkpointer.History("run_cancel"))

	require.ErrorIs(t, eng.Cancel(ctx, "run_cancel", "again"), ErrRunNotFound)
}

func TestCancelledContextCancelsRun(t *testing.T) {
	wf := mustWorkflow(t, Options{Name: "ctx", Steps: []*Step{{Name: "a", Run: noop}}})
	eng := testEngine(t, EngineOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exec, err := eng.Start(ctx, ExecutionOptions{Workflow: wf})
	require.ErrorIs(t, err, ErrCancelled)
	require.Equal(t, ExecutionStatusCancelled, exec.Status())
}

func TestCancelSuspendedRun(t *testing.T) {
	var executed atomic.Int32
	wf := approvalWorkflow(t, &executed, nil)
	eng := testEngine(t, EngineOptions{}, wf)
	ctx := context.Background()

	exec, err := eng.Start(ctx, ExecutionOptions{Workflow: wf, Inputs: map[string]any{"notional": 12_000_000.0}})
	require.NoError(t, err)
	require.NoError(t, eng.Cancel(ctx, exec.ID(), "desk closed"))

	var stale *StaleApprovalError
	_, err = eng.Resume(ctx, exec.ID(), "apr_1", "approve")
	require.ErrorAs(t, err, &stale)
	require.Zero(t, executed.Load())

	completed, err := eng.Start(ctx, ExecutionOptions{Workflow: wf, Inputs: map[string]any{"notional": 1.0}})
	require.NoError(t, err)
	err = eng.Cancel(ctx, completed.ID(), "too late")
	require.Error(t, err)
	require.Contains(t, err.Error(), "is completed")
}

func childWorkflows(t *testing.T) (*Workflow, *Workflow) {
	child := mustWorkflow(t, Options{
		Name: "sign-off",
		Fields: []Field{
			FieldOf[float64]("amount").AsRequired(),
			FieldOf[string]("response"),
			FieldOf[string]("decision"),
		},
		Steps: []*Step{{
			Name:       "ask",
			Reads:      []string{"amount"},
			Writes:     []string{"decision"},
			ResumeInto: "response",
			Run: func(ctx Context) Result {
				amount, _ := ctx.Get("amount")
				return Suspend("sign-off required", "", map[string]any{"amount": amount})
			},
			Continue: func(ctx Context) Result {
				response, _ := ctx.Get("response")
				return Continue(Update{"decision": response})
			},
		}},
	})
	parent := mustWorkflow(t, Options{
		Name: "trade",
		Fields: []Field{
			FieldOf[float64]("amount").AsRequired(),
			FieldOf[string]("answer"),
			FieldOf[string]("decision"),
		},
		Steps: []*Step{
			ChildStep(ChildOptions{
				Name:       "sign-off",
				Workflow:   "sign-off",
				Inputs:     map[string]string{"amount": "amount"},
				Outputs:    map[string]string{"decision": "decision"},
				ResumeInto: "answer",
				Next:       Then("done"),
			}),
			{Name: "done", Reads: []string{"decision"}, Run: noop},
		},
	})
	return parent, child
}

func TestChildSuspensionPropagates(t *testing.T) {
	parent, child := childWorkflows(t)
	eng := testEngine(t, EngineOptions{}, parent, child)
	ctx := context.Background()

	exec, err := eng.Start(ctx, ExecutionOptions{WorkflowName: "trade", Inputs: map[string]any{"amount": 5.0}})
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusSuspended, exec.Status())

	suspension := exec.Suspension()
	childID := ChildRunID(exec.ID(), "sign-off", 1)
	require.Equal(t, childID, suspension.ChildRunID)
	require.True(t, strings.HasPrefix(suspension.RequestID, "req_"))

	childCP, err := eng.Inspect(ctx, childID)
	require.NoError(t, err)
	require.Equal(t, exec.ID(), childCP.ParentRunID)
	require.Equal(t, suspension.RequestID, childCP.RequestID())

	resumed, err := eng.Resume(ctx, exec.ID(), suspension.RequestID, "approved")
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusCompleted, resumed.Status())
	decision, _ := resumed.Get("decision")
	require.Equal(t, "approved", decision)

	childCP, err = eng.Inspect(ctx, childID)
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusCompleted, childCP.Status)
}

func TestCancelSuspendedParentCancelsChild(t *testing.T) {
	parent, child := childWorkflows(t)
	eng := testEngine(t, EngineOptions{}, parent, child)
	ctx := context.Background()

	exec, err := eng.Start(ctx, ExecutionOptions{Workflow: parent, Inputs: map[string]any{"amount": 5.0}})
	require.NoError(t, err)
	require.NoError(t, eng.Cancel(ctx, exec.ID(), "withdrawn"))

	_, err = eng.Inspect(ctx, exec.ID())
	require.ErrorIs(t, err, ErrRunNotFound)
	_, err = eng.Inspect(ctx, ChildRunID(exec.ID(), "sign-off", 1))
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestProgressEvents(t *testing.T) {
	var mutex sync.Mutex
	var events []progress.Event
	bus := progress.NewBus(progress.ObserverFunc(func(ctx context.Context, event progress.Event) {
		mutex.Lock()
		defer mutex.Unlock()
		events = append(events, event)
	}))
	wf := mustWorkflow(t, Options{
		Name:   "announce",
		Fields: []Field{FieldOf[string]("symbol").AsRequired()},
		Steps: []*Step{
			{
				Name:     "collect",
				Announce: "Collecting data for ${state.symbol}",
				Reads:    []string{"symbol"},
				Run: func(ctx Context) Result {
					ctx.Emit("quote received")
					return Continue(nil).WithSummary("1 quote")
				},
			},
		},
	})
	eng := testEngine(t, EngineOptions{Progress: bus}, wf)
	exec, err := eng.Start(context.Background(), ExecutionOptions{Workflow: wf, Inputs: map[string]any{"symbol": "ACME"}})
	require.NoError(t, err)

	mutex.Lock()
	defer mutex.Unlock()
	require.Len(t, events, 4)
	require.Equal(t, "Collecting data for ACME", events[0].Text)
	require.Equal(t, "quote received", events[1].Text)
	require.Equal(t, progress.KindStageComplete, events[2].Kind)
	require.Equal(t, "collect", events[2].Stage)
	require.Equal(t, "1 quote", events[2].Summary)
	require.Equal(t, progress.KindCompleted, events[3].Kind)
	for i, event := range events {
		require.Equal(t, i+1, event.Seq)
		require.Equal(t, exec.ID(), event.RunID)
		require.Equal(t, "announce", event.Workflow)
	}
}

func TestEndedRunsReleaseProgressState(t *testing.T) {
	var executed atomic.Int32
	bus := progress.NewBus(nil)
	eng := testEngine(t, EngineOptions{Progress: bus}, approvalWorkflow(t, &executed, nil))
	ctx := context.Background()

	for range 3 {
		_, err := eng.Start(ctx, ExecutionOptions{WorkflowName: "approval", Inputs: map[string]any{"notional": 1_000.0}})
		require.NoError(t, err)
	}
	require.Zero(t, bus.Active())

	exec, err := eng.Start(ctx, ExecutionOptions{WorkflowName: "approval", Inputs: map[string]any{"notional": 12_000_000.0}})
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusSuspended, exec.Status())
	require.Equal(t, 1, bus.Active())

	_, err = eng.Resume(ctx, exec.ID(), "apr_1", "reject")
	require.ErrorIs(t, err, ErrCancelled)
	require.Zero(t, bus.Active())
}

func TestRunsAreDeterministicWithInjectedClock(t *testing.T) {
	build := func() *Workflow {
		return mustWorkflow(t, Options{
			Name: "deterministic",
			Fields: []Field{
				FieldOf[[]string]("notes").WithMerge(AppendMerge[string]()),
				FieldOf[string]("route"),
			},
			Steps: []*Step{
				{Name: "fan", Parallel: []string{"x", "y"}, Reads: []string{"notes"}, Run: noop, Next: []*Edge{
					{Step: "long", Condition: "len(state.notes) > 1"},
					{Step: "short"},
				}},
				{Name: "x", Writes: []string{"notes"}, Run: func(ctx Context) Result { return Continue(Update{"notes": "x"}) }},
				{Name: "y", Writes: []string{"notes"}, Run: func(ctx Context) Result { return Continue(Update{"notes": "y"}) }},
				{Name: "long", Writes: []string{"route"}, Run: func(ctx Context) Result { return Continue(Update{"route": "long"}) }},
				{Name: "short", Writes: []string{"route"}, Run: func(ctx Context) Result { return Continue(Update{"route": "short"}) }},
			},
		})
	}
	run := func() *Report {
		clock := newFakeClock()
		eng := testEngine(t, EngineOptions{Clock: clock.Now})
		exec, err := eng.Start(context.Background(), ExecutionOptions{Workflow: build(), RunID: "run_same"})
		require.NoError(t, err)
		return exec.Report()
	}
	first, second := run(), run()
	require.Equal(t, first.Fields, second.Fields)
	require.Equal(t, first.Log, second.Log)
	require.Equal(t, "long", first.Fields["route"])
}

func TestListRuns(t *testing.T) {
	var executed atomic.Int32
	wf := approvalWorkflow(t, &executed, nil)
	eng := testEngine(t, EngineOptions{}, wf)
	ctx := context.Background()

	_, err := eng.Start(ctx, ExecutionOptions{Workflow: wf, Inputs: map[string]any{"notional": 1.0}})
	require.NoError(t, err)
	_, err = eng.Start(ctx, ExecutionOptions{Workflow: wf, Inputs: map[string]any{"notional": 20_000_000.0}})
	require.NoError(t, err)

	runs, err := eng.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	statuses := map[ExecutionStatus]int{}
	for _, run := range runs {
		statuses[run.Status]++
	}
	require.Equal(t, map[ExecutionStatus]int{ExecutionStatusCompleted: 1, ExecutionStatusSuspended: 1}, statuses)

	_, err = NewEngine(EngineOptions{Checkpointer: NewNullCheckpointer()}).ListRuns(ctx)
	require.Error(t, err)
}
