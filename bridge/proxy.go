package bridge

import (
	"sync"

	"github.com/chazu/synapse/vm"
)

// Selectors the proxy forwards for slot mutation and miss notification.
const (
	selSetSlot          = "setSlot"
	selRemoveSlot       = "removeSlot"
	selDidNotUnderstand = "proxyDidNotUnderstand"
)

// Forwarder delivers messages from the substrate side to a master
// object in the embedding space. A slot miss must come back as a
// SlotNotFound-coded error, not as text to be matched.
type Forwarder interface {
	Forward(masterID, selector string, args []Value) (Value, error)
}

// Proxy is a substrate-side stand-in for an embedding-space object. It
// holds a GC pin on the master, a local differential slot cache, and a
// forwarder used on cache miss. Local reads are always consistent with
// local writes; the master may lag until propagation completes.
type Proxy struct {
	token *PinToken
	fwd   Forwarder

	mu     sync.Mutex
	local  map[string]Value
	closed bool
}

// NewProxy wraps a pinned master object. The proxy takes ownership of
// the token and releases it on Close.
func NewProxy(token *PinToken, fwd Forwarder) (*Proxy, error) {
	if token == nil {
		return nil, Errf(CodeNullPointer, "proxy: nil pin token")
	}
	if fwd == nil {
		return nil, Errf(CodeNullPointer, "proxy: nil forwarder")
	}
	return &Proxy{
		token: token,
		fwd:   fwd,
		local: make(map[string]Value),
	}, nil
}

// MasterID returns the pinned master object's ID.
func (p *Proxy) MasterID() string {
	return p.token.ID()
}

// Get looks up a slot: local differential cache first, then the master
// via the forwarder. A structured slot miss triggers a best-effort
// proxyDidNotUnderstand notification before the miss is returned; any
// other forward error propagates untouched.
func (p *Proxy) Get(name string) (Value, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return NullValue(), Errf(CodeInvalidHandle, "proxy for %q is closed", p.token.ID())
	}
	if v, ok := p.local[name]; ok {
		p.mu.Unlock()
		return v, nil
	}
	p.mu.Unlock()

	v, err := p.fwd.Forward(p.token.ID(), name, nil)
	if err == nil {
		return v, nil
	}
	if CodeOf(err) != CodeSlotNotFound {
		return NullValue(), err
	}

	// Best-effort: tell the embedding space which slot went missing.
	if _, nerr := p.fwd.Forward(p.token.ID(), selDidNotUnderstand,
		[]Value{StringValue(name), StringValue(p.token.ID())}); nerr != nil {
		log.Debugf("proxyDidNotUnderstand notification failed for %s.%s: %v", p.token.ID(), name, nerr)
	}
	return NullValue(), Errf(CodeSlotNotFound, "proxy: %s has no slot %q", p.token.ID(), name)
}

// Set writes the slot into the local differential cache, then
// propagates to the master best-effort. The local write is durable from
// the caller's view even when propagation fails.
func (p *Proxy) Set(name string, v Value) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Errf(CodeInvalidHandle, "proxy for %q is closed", p.token.ID())
	}
	p.local[name] = v
	p.mu.Unlock()

	if _, err := p.fwd.Forward(p.token.ID(), selSetSlot, []Value{StringValue(name), v}); err != nil {
		log.Errorf("propagating %s.%s to master failed: %v", p.token.ID(), name, err)
	}
	return nil
}

// Delete removes the slot from the local cache and forwards removeSlot
// to the master best-effort.
func (p *Proxy) Delete(name string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Errf(CodeInvalidHandle, "proxy for %q is closed", p.token.ID())
	}
	delete(p.local, name)
	p.mu.Unlock()

	if _, err := p.fwd.Forward(p.token.ID(), selRemoveSlot, []Value{StringValue(name)}); err != nil {
		log.Errorf("propagating removal of %s.%s failed: %v", p.token.ID(), name, err)
	}
	return nil
}

// LocalSlotCount returns the number of uncommitted differential slots.
func (p *Proxy) LocalSlotCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.local)
}

// Close releases the master pin exactly once and discards the local
// cache. Uncommitted local writes are lost; there is no teardown
// propagation.
func (p *Proxy) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Errf(CodeInvalidHandle, "proxy for %q already closed", p.token.ID())
	}
	p.closed = true
	p.local = nil
	p.mu.Unlock()

	return p.token.Release()
}

// ---------------------------------------------------------------------------
// Object-space forwarder
// ---------------------------------------------------------------------------

// spaceForwarder is the concrete Forwarder that calls into the
// embedding object space under its run lock.
type spaceForwarder struct {
	space *vm.ObjectSpace
	pins  *PinRegistry
}

// NewSpaceForwarder creates a forwarder over a pin registry.
func NewSpaceForwarder(space *vm.ObjectSpace, pins *PinRegistry) Forwarder {
	return &spaceForwarder{space: space, pins: pins}
}

func (f *spaceForwarder) Forward(masterID, selector string, args []Value) (Value, error) {
	master := f.pins.Resolve(masterID)
	if master == nil {
		master = f.space.Lookup(masterID)
	}
	if master == nil {
		return NullValue(), Errf(CodeInvalidHandle, "forward: unknown master %q", masterID)
	}

	var out Value
	err := f.space.RunExclusive(func() error {
		switch selector {
		case selSetSlot:
			if len(args) != 2 || args[0].Kind != KindString {
				return Errf(CodeRuntimeException, "forward: setSlot wants (name, value)")
			}
			master.SetSlot(args[0].Str, valueToVM(f.space, args[1]))
			out = NullValue()
			return nil

		case selRemoveSlot:
			if len(args) != 1 || args[0].Kind != KindString {
				return Errf(CodeRuntimeException, "forward: removeSlot wants (name)")
			}
			master.RemoveSlot(args[0].Str)
			out = NullValue()
			return nil

		case selDidNotUnderstand:
			// Only deliver the notification if the master opts in.
			if _, _, ok := f.space.GetSlot(master, selDidNotUnderstand); !ok {
				out = NullValue()
				return nil
			}
			vmArgs := make([]vm.Value, len(args))
			for i, a := range args {
				vmArgs[i] = valueToVM(f.space, a)
			}
			if _, err := f.space.Perform(master, selDidNotUnderstand, vmArgs); err != nil {
				return Errf(CodeRuntimeException, "forward: %v", err)
			}
			out = NullValue()
			return nil

		default:
			// Full prototype-chain lookup in the embedding space.
			v, _, ok := f.space.GetSlot(master, selector)
			if !ok {
				return Errf(CodeSlotNotFound, "forward: %s has no slot %q", masterID, selector)
			}
			converted, err := valueFromVM(v)
			if err != nil {
				return err
			}
			out = converted
			return nil
		}
	})
	if err != nil {
		return NullValue(), err
	}
	return out, nil
}
