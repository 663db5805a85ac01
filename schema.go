package tradeflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
)

// ErrorsField is the built-in mergeable field collecting step errors.
const ErrorsField = "errors"

// MergeFunc combines the current value of a mergeable field with an update.
// current is nil when the field has no value yet.
type MergeFunc func(current, update any) (any, error)

// Field declares one named, typed slot of workflow state.
type Field struct {
	Name        string
	Type        reflect.Type
	Default     any
	Description string

	// Input fields may be supplied by the caller when a run starts.
	Input bool

	// Required input fields must be supplied by the caller.
	Required bool

	// Optional fields may be read before any step writes them; readers
	// must handle the missing value.
	Optional bool

	// Merge makes the field mergeable: updates are combined with the
	// current value instead of replacing it, and parallel branches may
	// write it concurrently.
	Merge MergeFunc
}

// FieldOf declares a field holding values of type T.
func FieldOf[T any](name string) Field {
	return Field{Name: name, Type: reflect.TypeFor[T]()}
}

// WithDefault sets the initial value of the field.
func (f Field) WithDefault(v any) Field {
	f.Default = v
	return f
}

// AsInput marks the field as a caller-supplied input.
func (f Field) AsInput() Field {
	f.Input = true
	return f
}

// AsRequired marks the field as a required caller-supplied input.
func (f Field) AsRequired() Field {
	f.Input = true
	f.Required = true
	return f
}

// AsOptional allows the field to be read before it is written.
func (f Field) AsOptional() Field {
	f.Optional = true
	return f
}

// WithMerge makes the field mergeable.
func (f Field) WithMerge(fn MergeFunc) Field {
	f.Merge = fn
	return f
}

// WithDescription documents the field.
func (f Field) WithDescription(text string) Field {
	f.Description = text
	return f
}

// readable reports whether the field has a value before any step runs.
func (f Field) readable() bool {
	return f.Default != nil || f.Required || f.Optional
}

// AppendMerge returns a MergeFunc for []T fields that appends an update of
// either []T or T.
func AppendMerge[T any]() MergeFunc {
	return func(current, update any) (any, error) {
		var out []T
		if current != nil {
			cur, ok := current.([]T)
			if !ok {
				return nil, fmt.Errorf("current value %T is not %s", current, reflect.TypeFor[[]T]())
			}
			out = slices.Clone(cur)
		}
		switch u := update.(type) {
		case []T:
			return append(out, u...), nil
		case T:
			return append(out, u), nil
		}
		return nil, fmt.Errorf("cannot append %T to %s", update, reflect.TypeFor[[]T]())
	}
}

// Key gives typed access to a schema field.
type Key[T any] struct {
	name string
}

// NewKey returns a key for the field called name.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

// Name of the field.
func (k Key[T]) Name() string {
	return k.name
}

// Field declares a schema field for this key.
func (k Key[T]) Field() Field {
	return FieldOf[T](k.name)
}

// Get reads the field from r.
func (k Key[T]) Get(r StateReader) (T, bool) {
	var zero T
	v, ok := r.Get(k.name)
	if !ok || v == nil {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

// Value reads the field from r, returning the zero value when unset.
func (k Key[T]) Value(r StateReader) T {
	v, _ := k.Get(r)
	return v
}

// Set writes v to the update.
func (k Key[T]) Set(u Update, v T) Update {
	u[k.name] = v
	return u
}

// Schema is the set of fields a workflow's state may hold.
type Schema struct {
	fields map[string]Field
	order  []string
}

// NewSchema validates the fields and adds the built-in errors field.
func NewSchema(fields ...Field) (*Schema, error) {
	s := &Schema{fields: map[string]Field{}}
	for _, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("field name is required")
		}
		if f.Name == ErrorsField {
			return nil, fmt.Errorf("field %q is reserved", ErrorsField)
		}
		if _, dup := s.fields[f.Name]; dup {
			return nil, fmt.Errorf("duplicate field %q", f.Name)
		}
		if f.Type == nil {
			return nil, fmt.Errorf("field %q has no type", f.Name)
		}
		if f.Default != nil {
			v, err := coerce(f.Type, f.Default)
			if err != nil {
				return nil, fmt.Errorf("default for field %q: %w", f.Name, err)
			}
			f.Default = v
		}
		s.fields[f.Name] = f
		s.order = append(s.order, f.Name)
	}
	s.fields[ErrorsField] = FieldOf[[]StepError](ErrorsField).
		WithDefault([]StepError{}).
		WithMerge(AppendMerge[StepError]())
	s.order = append(s.order, ErrorsField)
	return s, nil
}

// Field returns the named field.
func (s *Schema) Field(name string) (Field, bool) {
	f, ok := s.fields[name]
	return f, ok
}

// Names returns the field names in declaration order.
func (s *Schema) Names() []string {
	return slices.Clone(s.order)
}

// Check validates a value written by a step. Values must be assignable to
// the field type, with two exceptions: numbers convert between numeric kinds
// when no precision is lost, and JSON-shaped maps and slices decode into the
// declared type.
func (s *Schema) Check(name string, value any) (any, error) {
	f, ok := s.fields[name]
	if !ok {
		return nil, &ValidationError{Field: name, Reason: "field is not declared"}
	}
	v, err := check(f.Type, value)
	if err != nil {
		return nil, &ValidationError{Field: name, Reason: err.Error()}
	}
	return v, nil
}

// Restore converts a value decoded from a checkpoint or a resume payload
// back to the field's declared type.
func (s *Schema) Restore(name string, value any) (any, error) {
	f, ok := s.fields[name]
	if !ok {
		return nil, &ValidationError{Field: name, Reason: "field is not declared"}
	}
	v, err := coerce(f.Type, value)
	if err != nil {
		return nil, &ValidationError{Field: name, Reason: err.Error()}
	}
	return v, nil
}

func check(t reflect.Type, value any) (any, error) {
	if value == nil {
		return coerce(t, nil)
	}
	vt := reflect.TypeOf(value)
	if vt.AssignableTo(t) {
		return value, nil
	}
	if numeric(vt.Kind()) && numeric(t.Kind()) {
		rv := reflect.ValueOf(value)
		converted := rv.Convert(t)
		if converted.Convert(vt).Equal(rv) {
			return converted.Interface(), nil
		}
		return nil, fmt.Errorf("%v does not fit in %s", value, t)
	}
	switch value.(type) {
	case map[string]any, []any:
		return coerce(t, value)
	}
	return nil, fmt.Errorf("%T is not a valid %s", value, t)
}

func numeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func nilable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
		return true
	}
	return false
}

// coerce returns value as type t. Assignable values pass through; anything
// else goes through a JSON round trip, which is also how checkpointed values
// regain their declared types.
func coerce(t reflect.Type, value any) (any, error) {
	if value == nil {
		if nilable(t) {
			return reflect.Zero(t).Interface(), nil
		}
		return nil, fmt.Errorf("nil is not a valid %s", t)
	}
	if reflect.TypeOf(value).AssignableTo(t) {
		return value, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%T is not a valid %s", value, t)
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("%T is not a valid %s", value, t)
	}
	return ptr.Elem().Interface(), nil
}
