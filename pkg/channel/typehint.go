package channel

import (
	"encoding/json"
	"fmt"
	"reflect"
)

const anyName = "any"

// TypeHint describes the values a channel accepts. The zero value accepts
// anything.
type TypeHint struct {
	name string
	typ  reflect.Type
}

// AnyType accepts every value.
var AnyType = TypeHint{}

// TypeOf returns the hint for values assignable to T.
func TypeOf[T any]() TypeHint {
	return hintFor(reflect.TypeFor[T]())
}

func hintFor(t reflect.Type) TypeHint {
	if t == nil || (t.Kind() == reflect.Interface && t.NumMethod() == 0) {
		return AnyType
	}
	return TypeHint{name: t.String(), typ: t}
}

// Name returns the Go type name of the hint, or "any".
func (h TypeHint) Name() string {
	if h.typ == nil {
		return anyName
	}
	return h.name
}

// IsAny reports whether the hint accepts every value.
func (h TypeHint) IsAny() bool {
	return h.typ == nil
}

// Type returns the underlying reflect type, nil for AnyType.
func (h TypeHint) Type() reflect.Type {
	return h.typ
}

// String implements fmt.Stringer.
func (h TypeHint) String() string {
	return h.Name()
}

// Check returns ErrTypeMismatch unless v is assignable to the hinted type.
// A nil value is only accepted by hints whose type can hold nil.
func (h TypeHint) Check(v any) error {
	if h.typ == nil {
		return nil
	}
	if v == nil {
		switch h.typ.Kind() {
		case reflect.Interface, reflect.Map, reflect.Slice, reflect.Pointer, reflect.Func, reflect.Chan:
			return nil
		}
		return fmt.Errorf("%w: expected %s, got nil", ErrTypeMismatch, h.name)
	}
	vt := reflect.TypeOf(v)
	if vt.AssignableTo(h.typ) {
		return nil
	}
	return fmt.Errorf("%w: expected %s, got %s", ErrTypeMismatch, h.name, vt)
}

// Decode converts a value read back from a serialized snapshot into the
// hinted type. Values that already match are returned unchanged.
func (h TypeHint) Decode(v any) (any, error) {
	if h.typ == nil || v == nil {
		return v, nil
	}
	if h.Check(v) == nil {
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	ptr := reflect.New(h.typ)
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("%w: decode into %s: %v", ErrTypeMismatch, h.name, err)
	}
	return ptr.Elem().Interface(), nil
}

var knownHints = func() map[string]TypeHint {
	hints := []TypeHint{
		TypeOf[string](),
		TypeOf[bool](),
		TypeOf[int](),
		TypeOf[int32](),
		TypeOf[int64](),
		TypeOf[uint64](),
		TypeOf[float32](),
		TypeOf[float64](),
		TypeOf[[]byte](),
		TypeOf[[]any](),
		TypeOf[[]string](),
		TypeOf[[]int](),
		TypeOf[[]float64](),
		TypeOf[map[string]any](),
		TypeOf[map[string]string](),
	}
	m := make(map[string]TypeHint, len(hints)+1)
	for _, h := range hints {
		m[h.Name()] = h
	}
	m[anyName] = AnyType
	return m
}()

// LookupTypeHint resolves a hint by the name recorded in a snapshot. Only
// builtin scalar, slice and map types are known.
func LookupTypeHint(name string) (TypeHint, bool) {
	if name == "" {
		return AnyType, true
	}
	h, ok := knownHints[name]
	return h, ok
}
