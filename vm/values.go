// Package vm provides the embedding object space for the Synapse bridge:
// prototype-based objects, collector retain/release hooks, and SQLite
// persistence. The bridge pins objects here while foreign references exist.
package vm

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind represents the type of a vm value.
type Kind int

const (
	KindNil Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
	KindObject
	KindNative
)

// NativeFunc is the signature for native slot implementations. It runs
// under the object space's run lock; implementations must not call back
// into Perform on another goroutine.
type NativeFunc func(space *ObjectSpace, self *Object, args []Value) (Value, error)

// Value is the Go representation of an object-space value.
// Numbers are always float64; there is no separate integer kind.
type Value struct {
	Kind Kind
	Bool bool
	Num  float64
	Str  string
	List []Value
	Map  map[string]Value
	Obj  *Object
	Fn   NativeFunc
}

// NilValue returns a nil value.
func NilValue() Value {
	return Value{Kind: KindNil}
}

// BoolValue creates a boolean value.
func BoolValue(b bool) Value {
	return Value{Kind: KindBool, Bool: b}
}

// NumberValue creates a number value.
func NumberValue(f float64) Value {
	return Value{Kind: KindNumber, Num: f}
}

// StringValue creates a string value.
func StringValue(s string) Value {
	return Value{Kind: KindString, Str: s}
}

// ListValue creates a list value.
func ListValue(elems ...Value) Value {
	return Value{Kind: KindList, List: elems}
}

// MapValue creates a map value.
func MapValue(m map[string]Value) Value {
	return Value{Kind: KindMap, Map: m}
}

// ObjectValue creates an object reference value.
func ObjectValue(obj *Object) Value {
	return Value{Kind: KindObject, Obj: obj}
}

// NativeValue creates a native function value.
func NativeValue(fn NativeFunc) Value {
	return Value{Kind: KindNative, Fn: fn}
}

// IsNil reports whether the value is nil.
func (v Value) IsNil() bool {
	return v.Kind == KindNil
}

// AsString returns a display string for the value.
func (v Value) AsString() string {
	switch v.Kind {
	case KindNil:
		return "nil"
	case KindBool:
		if v.Bool {
			return "true"
		}
		return "false"
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindString:
		return v.Str
	case KindList:
		parts := make([]string, len(v.List))
		for i, e := range v.List {
			parts[i] = e.AsString()
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case KindMap:
		return fmt.Sprintf("map[%d]", len(v.Map))
	case KindObject:
		if v.Obj == nil {
			return "object(nil)"
		}
		return "object(" + v.Obj.ID + ")"
	case KindNative:
		return "native"
	}
	return "?"
}

// Equal compares two values structurally. Objects compare by identity,
// natives never compare equal.
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNil:
		return true
	case KindBool:
		return a.Bool == b.Bool
	case KindNumber:
		return a.Num == b.Num
	case KindString:
		return a.Str == b.Str
	case KindList:
		if len(a.List) != len(b.List) {
			return false
		}
		for i := range a.List {
			if !Equal(a.List[i], b.List[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.Map) != len(b.Map) {
			return false
		}
		for k, av := range a.Map {
			bv, ok := b.Map[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	case KindObject:
		return a.Obj == b.Obj
	}
	return false
}
