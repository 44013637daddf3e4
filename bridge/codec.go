package bridge

import (
	"bytes"
	"encoding/json"
)

// ValueKind tags a wire value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is the tree-shaped wire model for task payloads and slot
// values. All numbers are doubles; object member order is not
// preserved across a round trip.
type Value struct {
	Kind ValueKind
	Bool bool
	Num  float64
	Str  string
	Arr  []Value
	Obj  map[string]Value
}

// NullValue returns a null wire value.
func NullValue() Value {
	return Value{Kind: KindNull}
}

// BoolValue creates a boolean wire value.
func BoolValue(b bool) Value {
	return Value{Kind: KindBool, Bool: b}
}

// NumberValue creates a number wire value.
func NumberValue(f float64) Value {
	return Value{Kind: KindNumber, Num: f}
}

// StringValue creates a string wire value.
func StringValue(s string) Value {
	return Value{Kind: KindString, Str: s}
}

// ArrayValue creates an array wire value.
func ArrayValue(elems ...Value) Value {
	return Value{Kind: KindArray, Arr: elems}
}

// ObjectValue creates an object wire value.
func ObjectValue(members map[string]Value) Value {
	return Value{Kind: KindObject, Obj: members}
}

// Equal compares two wire values structurally. Numbers compare as
// doubles.
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNull:
		return true
	case KindBool:
		return a.Bool == b.Bool
	case KindNumber:
		return a.Num == b.Num
	case KindString:
		return a.Str == b.Str
	case KindArray:
		if len(a.Arr) != len(b.Arr) {
			return false
		}
		for i := range a.Arr {
			if !Equal(a.Arr[i], b.Arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(a.Obj) != len(b.Obj) {
			return false
		}
		for k, av := range a.Obj {
			bv, ok := b.Obj[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// Encode serializes a wire value to UTF-8 JSON.
func Encode(v Value) ([]byte, error) {
	data, err := json.Marshal(toTree(v))
	if err != nil {
		return nil, Errf(CodeParseFailure, "encode: %v", err)
	}
	return data, nil
}

// Decode parses UTF-8 JSON into a wire value.
func Decode(data []byte) (Value, error) {
	var x any
	if err := json.Unmarshal(data, &x); err != nil {
		return NullValue(), Errf(CodeParseFailure, "decode: %v", err)
	}
	return fromTree(x), nil
}

func toTree(v Value) any {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindNumber:
		return v.Num
	case KindString:
		return v.Str
	case KindArray:
		out := make([]any, len(v.Arr))
		for i, e := range v.Arr {
			out[i] = toTree(e)
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.Obj))
		for k, e := range v.Obj {
			out[k] = toTree(e)
		}
		return out
	}
	return nil
}

func fromTree(x any) Value {
	switch t := x.(type) {
	case bool:
		return BoolValue(t)
	case float64:
		return NumberValue(t)
	case string:
		return StringValue(t)
	case []any:
		elems := make([]Value, len(t))
		for i, e := range t {
			elems[i] = fromTree(e)
		}
		return ArrayValue(elems...)
	case map[string]any:
		members := make(map[string]Value, len(t))
		for k, e := range t {
			members[k] = fromTree(e)
		}
		return ObjectValue(members)
	}
	return NullValue()
}

// ---------------------------------------------------------------------------
// Shared memory buffer I/O
// ---------------------------------------------------------------------------

// WriteValue encodes v and writes it NUL-terminated into the handle's
// region. If the encoding plus terminator exceeds the region the buffer
// is left untouched.
func WriteValue(pools *PoolTable, h Handle, v Value) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}
	if uint64(len(data))+1 > h.Size {
		return Errf(CodeSharedMemoryFailure,
			"write: encoded payload needs %d bytes, buffer holds %d", len(data)+1, h.Size)
	}

	buf, err := pools.Map(h)
	if err != nil {
		return err
	}
	defer pools.Unmap(h, buf)

	copy(buf, data)
	buf[len(data)] = 0
	return nil
}

// ReadValue decodes the NUL-terminated JSON payload in the handle's
// region. A region with no terminator is a corrupt payload, never an
// out-of-bounds read.
func ReadValue(pools *PoolTable, h Handle) (Value, error) {
	buf, err := pools.Map(h)
	if err != nil {
		return NullValue(), err
	}
	defer pools.Unmap(h, buf)

	end := bytes.IndexByte(buf, 0)
	if end < 0 {
		return NullValue(), Errf(CodeSharedMemoryFailure,
			"read: payload in %q is not NUL-terminated within %d bytes", h.Name, h.Size)
	}
	return Decode(buf[:end])
}
