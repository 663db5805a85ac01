package tradeflow

import (
	"sort"
	"strings"
)

// validate checks the graph structure. It runs once, in New, so a Workflow
// that exists is always well formed.
func (w *Workflow) validate(entry string) error {
	for _, step := range w.steps {
		if step == nil {
			return w.graphError("", "nil step")
		}
		if step.Name == "" {
			return w.graphError("", "step name required")
		}
		if step.Name == End {
			return w.graphError(step.Name, "step name %q is reserved", End)
		}
		if _, dup := w.stepsByName[step.Name]; dup {
			return w.graphError(step.Name, "duplicate step name")
		}
		w.stepsByName[step.Name] = step
	}

	if entry == "" {
		entry = w.steps[0].Name
	}
	start, ok := w.stepsByName[entry]
	if !ok {
		return w.graphError(entry, "entry step not found")
	}
	w.entry = start

	if err := w.validateBranches(); err != nil {
		return err
	}
	if err := w.validateEdges(); err != nil {
		return err
	}
	if err := w.validateFields(); err != nil {
		return err
	}
	if err := w.validateCycles(); err != nil {
		return err
	}
	return w.validateDataflow()
}

func (w *Workflow) validateBranches() error {
	for _, step := range w.steps {
		for _, name := range step.Parallel {
			if name == step.Name {
				return w.graphError(step.Name, "step cannot be its own branch")
			}
			if _, ok := w.stepsByName[name]; !ok {
				return w.graphError(step.Name, "branch step %q not found", name)
			}
			if owner, taken := w.branchOf[name]; taken {
				return w.graphError(name, "branch step is shared by %q and %q", owner, step.Name)
			}
			w.branchOf[name] = step.Name
		}
	}
	for name := range w.branchOf {
		b := w.stepsByName[name]
		switch {
		case b.Run == nil:
			return w.graphError(name, "branch step has no Run function")
		case len(b.Parallel) > 0:
			return w.graphError(name, "branch steps cannot nest parallel branches")
		case len(b.Next) > 0, b.Route != nil, b.OnError != "", len(b.Catch) > 0:
			return w.graphError(name, "branch steps cannot declare edges")
		case b.Continue != nil, b.ResumeInto != "":
			return w.graphError(name, "branch steps cannot suspend")
		case name == w.entry.Name:
			return w.graphError(name, "entry step cannot be a branch step")
		}
	}
	return nil
}

func (w *Workflow) validateEdges() error {
	target := func(from, to, what string) error {
		if to == End {
			return nil
		}
		if _, ok := w.stepsByName[to]; !ok {
			return w.graphError(from, "%s %q not found", what, to)
		}
		if owner, isBranch := w.branchOf[to]; isBranch {
			return w.graphError(from, "%s %q is a branch of %q", what, to, owner)
		}
		return nil
	}
	if w.onError != "" {
		if w.onError == End {
			return w.graphError("", "error handler cannot be %q", End)
		}
		if err := target("", w.onError, "error handler"); err != nil {
			return err
		}
	}
	for _, step := range w.steps {
		if _, isBranch := w.branchOf[step.Name]; isBranch {
			continue
		}
		if step.Run == nil && len(step.Parallel) == 0 {
			return w.graphError(step.Name, "step has no Run function")
		}
		for _, edge := range step.Next {
			if edge == nil {
				return w.graphError(step.Name, "nil edge")
			}
			if err := target(step.Name, edge.Step, "next step"); err != nil {
				return err
			}
			if step.Route != nil && edge.Condition != "" {
				return w.graphError(step.Name, "routed steps cannot use edge conditions")
			}
		}
		if step.Route != nil && len(step.Next) == 0 {
			return w.graphError(step.Name, "routed step declares no successors")
		}
		if len(step.Catch) > 0 && step.OnError == "" {
			return w.graphError(step.Name, "Catch requires OnError")
		}
		for _, t := range step.Catch {
			switch t {
			case ErrorTypeAll, ErrorTypeStepFailed, ErrorTypeTimeout, ErrorTypeValidation, ErrorTypeTool:
			default:
				return w.graphError(step.Name, "cannot catch error type %q", t)
			}
		}
		if step.OnError != "" {
			if step.OnError == End {
				return w.graphError(step.Name, "error handler cannot be %q", End)
			}
			if err := target(step.Name, step.OnError, "error handler"); err != nil {
				return err
			}
		}
		if (step.Continue == nil) != (step.ResumeInto == "") {
			return w.graphError(step.Name, "Continue and ResumeInto must be set together")
		}
	}
	return nil
}

func (w *Workflow) validateFields() error {
	for _, step := range w.steps {
		declared := append(append([]string{}, step.Reads...), step.Writes...)
		if step.ResumeInto != "" {
			declared = append(declared, step.ResumeInto)
		}
		for _, name := range declared {
			if _, ok := w.schema.Field(name); !ok {
				return w.graphError(step.Name, "field %q is not declared in the schema", name)
			}
		}
		// Siblings may only both write a field when updates can be merged.
		writers := map[string]string{}
		for _, name := range step.Parallel {
			for _, field := range w.stepsByName[name].Writes {
				f, _ := w.schema.Field(field)
				if other, seen := writers[field]; seen && f.Merge == nil {
					return w.graphError(step.Name, "branches %q and %q both write non-mergeable field %q", other, name, field)
				}
				writers[field] = name
			}
		}
	}
	return nil
}

// flow returns the control successors of a step. Error edges are returned
// separately because a failed step contributes no writes.
func (w *Workflow) flow(step *Step) (next, onError []string) {
	for _, edge := range step.Next {
		if edge.Step != End {
			next = append(next, edge.Step)
		}
	}
	if step.OnError != "" {
		onError = append(onError, step.OnError)
	}
	if (step.OnError == "" || len(step.Catch) > 0) && w.onError != "" && w.onError != step.Name {
		onError = append(onError, w.onError)
	}
	return next, onError
}

// validateCycles rejects cycles that no step bounds with MaxVisits.
func (w *Workflow) validateCycles() error {
	var nodes []string
	for _, step := range w.steps {
		if _, isBranch := w.branchOf[step.Name]; !isBranch {
			nodes = append(nodes, step.Name)
		}
	}

	// Tarjan's strongly connected components.
	index := map[string]int{}
	low := map[string]int{}
	onStack := map[string]bool{}
	var stack []string
	var components [][]string
	counter := 0

	var connect func(v string)
	connect = func(v string) {
		index[v] = counter
		low[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		next, onError := w.flow(w.stepsByName[v])
		for _, u := range append(next, onError...) {
			if _, seen := index[u]; !seen {
				connect(u)
				low[v] = min(low[v], low[u])
			} else if onStack[u] {
				low[v] = min(low[v], index[u])
			}
		}
		if low[v] == index[v] {
			var component []string
			for {
				u := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[u] = false
				component = append(component, u)
				if u == v {
					break
				}
			}
			components = append(components, component)
		}
	}
	for _, v := range nodes {
		if _, seen := index[v]; !seen {
			connect(v)
		}
	}

	for _, component := range components {
		if !w.cyclic(component) {
			continue
		}
		bounded := false
		for _, name := range component {
			if w.stepsByName[name].MaxVisits > 0 {
				bounded = true
				break
			}
		}
		if !bounded {
			sort.Strings(component)
			return w.graphError(component[0], "cycle through %s has no step with MaxVisits", strings.Join(component, ", "))
		}
	}
	return nil
}

func (w *Workflow) cyclic(component []string) bool {
	if len(component) > 1 {
		return true
	}
	next, onError := w.flow(w.stepsByName[component[0]])
	for _, u := range append(next, onError...) {
		if u == component[0] {
			return true
		}
	}
	return false
}

type fieldSet map[string]bool

func (s fieldSet) clone() fieldSet {
	out := make(fieldSet, len(s))
	for k := range s {
		out[k] = true
	}
	return out
}

func (s fieldSet) intersect(other fieldSet) {
	for k := range s {
		if !other[k] {
			delete(s, k)
		}
	}
}

func (s fieldSet) equal(other fieldSet) bool {
	if len(s) != len(other) {
		return false
	}
	for k := range s {
		if !other[k] {
			return false
		}
	}
	return true
}

// validateDataflow checks that every declared read is written on every path
// reaching the reader, unless the field has a value from the start or is
// optional. It is a forward must-write analysis over the step graph.
func (w *Workflow) validateDataflow() error {
	initial := fieldSet{}
	all := fieldSet{}
	for _, name := range w.schema.Names() {
		f, _ := w.schema.Field(name)
		all[name] = true
		if f.readable() {
			initial[name] = true
		}
	}

	gen := map[string]fieldSet{}
	type arc struct {
		from    string
		onError bool
	}
	preds := map[string][]arc{}
	reachable := map[string]bool{}
	queue := []string{w.entry.Name}
	reachable[w.entry.Name] = true
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		step := w.stepsByName[name]

		written := fieldSet{}
		for _, f := range step.Writes {
			written[f] = true
		}
		for _, b := range step.Parallel {
			for _, f := range w.stepsByName[b].Writes {
				written[f] = true
			}
		}
		if step.ResumeInto != "" {
			written[step.ResumeInto] = true
		}
		gen[name] = written

		next, onError := w.flow(step)
		for _, u := range next {
			preds[u] = append(preds[u], arc{from: name})
		}
		for _, u := range onError {
			preds[u] = append(preds[u], arc{from: name, onError: true})
		}
		for _, u := range append(next, onError...) {
			if !reachable[u] {
				reachable[u] = true
				queue = append(queue, u)
			}
		}
	}

	in := map[string]fieldSet{}
	for name := range reachable {
		if name == w.entry.Name {
			in[name] = initial.clone()
		} else {
			in[name] = all.clone()
		}
	}
	for changed := true; changed; {
		changed = false
		for name := range reachable {
			next := all.clone()
			if name == w.entry.Name {
				next = initial.clone()
			}
			for _, p := range preds[name] {
				contribution := in[p.from].clone()
				if !p.onError {
					for f := range gen[p.from] {
						contribution[f] = true
					}
				}
				next.intersect(contribution)
			}
			if !next.equal(in[name]) {
				in[name] = next
				changed = true
			}
		}
	}

	for _, step := range w.steps {
		if !reachable[step.Name] {
			continue
		}
		available := in[step.Name]
		check := func(reader *Step, fields []string, extra fieldSet) error {
			for _, field := range fields {
				f, _ := w.schema.Field(field)
				if available[field] || extra[field] || f.Optional {
					continue
				}
				return w.graphError(reader.Name, "reads field %q which is not written on every path to it", field)
			}
			return nil
		}
		// Branches see the state as it was when their parent started.
		for _, b := range step.Parallel {
			if err := check(w.stepsByName[b], w.stepsByName[b].Reads, nil); err != nil {
				return err
			}
		}
		joined := fieldSet{}
		for _, b := range step.Parallel {
			for _, f := range w.stepsByName[b].Writes {
				joined[f] = true
			}
		}
		if err := check(step, step.Reads, joined); err != nil {
			return err
		}
	}
	return nil
}
