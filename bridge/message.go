package bridge

import (
	"github.com/chazu/synapse/vm"
)

// ---------------------------------------------------------------------------
// Wire <-> object space value conversion
// ---------------------------------------------------------------------------

// valueToVM converts a wire value to an object-space value.
func valueToVM(space *vm.ObjectSpace, v Value) vm.Value {
	switch v.Kind {
	case KindBool:
		return vm.BoolValue(v.Bool)
	case KindNumber:
		return vm.NumberValue(v.Num)
	case KindString:
		return vm.StringValue(v.Str)
	case KindArray:
		elems := make([]vm.Value, len(v.Arr))
		for i, e := range v.Arr {
			elems[i] = valueToVM(space, e)
		}
		return vm.ListValue(elems...)
	case KindObject:
		// {"$object": id} references a live object; anything else is a
		// plain map.
		if ref, ok := v.Obj["$object"]; ok && ref.Kind == KindString && len(v.Obj) == 1 {
			if obj := space.Lookup(ref.Str); obj != nil {
				return vm.ObjectValue(obj)
			}
			return vm.NilValue()
		}
		m := make(map[string]vm.Value, len(v.Obj))
		for k, e := range v.Obj {
			m[k] = valueToVM(space, e)
		}
		return vm.MapValue(m)
	}
	return vm.NilValue()
}

// valueFromVM converts an object-space value to a wire value. Object
// references serialize as {"$object": id}; natives are not
// serializable.
func valueFromVM(v vm.Value) (Value, error) {
	switch v.Kind {
	case vm.KindNil:
		return NullValue(), nil
	case vm.KindBool:
		return BoolValue(v.Bool), nil
	case vm.KindNumber:
		return NumberValue(v.Num), nil
	case vm.KindString:
		return StringValue(v.Str), nil
	case vm.KindList:
		elems := make([]Value, len(v.List))
		for i, e := range v.List {
			converted, err := valueFromVM(e)
			if err != nil {
				return NullValue(), err
			}
			elems[i] = converted
		}
		return ArrayValue(elems...), nil
	case vm.KindMap:
		members := make(map[string]Value, len(v.Map))
		for k, e := range v.Map {
			converted, err := valueFromVM(e)
			if err != nil {
				return NullValue(), err
			}
			members[k] = converted
		}
		return ObjectValue(members), nil
	case vm.KindObject:
		if v.Obj == nil {
			return NullValue(), nil
		}
		return ObjectValue(map[string]Value{"$object": StringValue(v.Obj.ID)}), nil
	case vm.KindNative:
		return NullValue(), Errf(CodeRuntimeException, "cannot marshal a native slot across the bridge")
	}
	return NullValue(), nil
}

// ---------------------------------------------------------------------------
// Message/slot bridge functions
// ---------------------------------------------------------------------------

// SendMessage performs selector against the target object. Arguments
// arrive pre-serialized as a JSON array in argsHandle (nil for none);
// the result is re-serialized into resultHandle (nil to discard). The
// call runs synchronously under the object space's run lock.
func (b *Bridge) SendMessage(targetID, selector string, argsHandle, resultHandle *Handle) error {
	d, err := b.deps()
	if err != nil {
		return b.fail(err)
	}
	if selector == "" {
		return b.fail(Errf(CodeNullPointer, "send message: empty selector"))
	}
	target, err := resolveTarget(b.space, d.pins, targetID)
	if err != nil {
		return b.fail(err)
	}

	var args []vm.Value
	if argsHandle != nil {
		argsValue, err := ReadValue(d.pools, *argsHandle)
		if err != nil {
			return b.fail(err)
		}
		if argsValue.Kind != KindArray {
			return b.fail(Errf(CodeParseFailure, "send message: arguments must be a JSON array"))
		}
		args = make([]vm.Value, len(argsValue.Arr))
		for i, a := range argsValue.Arr {
			args[i] = valueToVM(b.space, a)
		}
	}

	var result vm.Value
	err = b.space.RunExclusive(func() error {
		var perr error
		result, perr = b.space.Perform(target, selector, args)
		return perr
	})
	if err != nil {
		// Embedding space exceptions cross the boundary as text, never
		// as a raw panic or Go error type.
		if CodeOf(err) == CodeRuntimeException {
			return b.fail(Errf(CodeRuntimeException, "%s", err.Error()))
		}
		return b.fail(err)
	}

	if resultHandle == nil {
		return nil
	}
	wire, err := valueFromVM(result)
	if err != nil {
		return b.fail(err)
	}
	if err := WriteValue(d.pools, *resultHandle, wire); err != nil {
		return b.fail(err)
	}
	return nil
}

// GetSlotValue performs a non-activating slot read on the target (the
// prototype chain is consulted, but nothing is invoked) and writes the
// value into resultHandle.
func (b *Bridge) GetSlotValue(targetID, name string, resultHandle Handle) error {
	d, err := b.deps()
	if err != nil {
		return b.fail(err)
	}
	if name == "" {
		return b.fail(Errf(CodeNullPointer, "get slot: empty slot name"))
	}
	target, err := resolveTarget(b.space, d.pins, targetID)
	if err != nil {
		return b.fail(err)
	}

	var wire Value
	err = b.space.RunExclusive(func() error {
		v, _, ok := b.space.GetSlot(target, name)
		if !ok {
			return Errf(CodeSlotNotFound, "get slot: %s has no slot %q", targetID, name)
		}
		converted, cerr := valueFromVM(v)
		if cerr != nil {
			return cerr
		}
		wire = converted
		return nil
	})
	if err != nil {
		return b.fail(err)
	}

	if err := WriteValue(d.pools, resultHandle, wire); err != nil {
		return b.fail(err)
	}
	return nil
}

// SetSlotValue decodes the JSON payload in valueHandle and stores it
// directly into the target's local slot table.
func (b *Bridge) SetSlotValue(targetID, name string, valueHandle Handle) error {
	d, err := b.deps()
	if err != nil {
		return b.fail(err)
	}
	if name == "" {
		return b.fail(Errf(CodeNullPointer, "set slot: empty slot name"))
	}
	target, err := resolveTarget(b.space, d.pins, targetID)
	if err != nil {
		return b.fail(err)
	}

	wire, err := ReadValue(d.pools, valueHandle)
	if err != nil {
		return b.fail(err)
	}

	err = b.space.RunExclusive(func() error {
		target.SetSlot(name, valueToVM(b.space, wire))
		return nil
	})
	if err != nil {
		return b.fail(err)
	}
	return nil
}

// resolveTarget finds a live object by ID, preferring pinned objects.
func resolveTarget(space *vm.ObjectSpace, pins *PinRegistry, id string) (*vm.Object, error) {
	if id == "" {
		return nil, Errf(CodeNullPointer, "empty target id")
	}
	if obj := pins.Resolve(id); obj != nil {
		return obj, nil
	}
	if obj := space.Lookup(id); obj != nil {
		return obj, nil
	}
	return nil, Errf(CodeInvalidHandle, "unknown target %q", id)
}
