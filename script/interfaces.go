// Package script evaluates small Risor expressions against workflow state.
// Workflows use it for declarative branch conditions and progress message
// templates.
package script

import (
	"context"
)

// Value is the result of evaluating a script.
type Value interface {
	// Value returns the result as a plain Go value.
	Value() any

	// String renders the result for display.
	String() string

	// IsTruthy reports whether the result counts as true in a condition.
	IsTruthy() bool
}

// Script is compiled code that can be evaluated many times.
type Script interface {
	Evaluate(ctx context.Context, globals map[string]any) (Value, error)
}

// Compiler compiles source code into a Script.
type Compiler interface {
	Compile(ctx context.Context, code string) (Script, error)
}
