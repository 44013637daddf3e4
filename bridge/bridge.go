package bridge

import (
	"sort"
	"sync"

	"github.com/chazu/synapse/vm"
)

// State is the bridge lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateShuttingDown:
		return "shutting down"
	}
	return "unknown"
}

// Bridge is the process-wide bridge context: lifecycle state, the
// last-error slot, the pool table, the binding table, the worker
// gateway, and the pin registry. The original design kept this as a
// hidden global; it is an explicit object here, threaded through every
// entry point, with the C ABI edge owning the one process singleton.
type Bridge struct {
	mu    sync.Mutex
	state State
	cfg   Config

	space    *vm.ObjectSpace
	pools    *PoolTable
	gateway  *Gateway
	pins     *PinRegistry
	fwd      Forwarder
	bindings map[string]string

	// errMu guards only the last-error slot. Readers of the slot race
	// with concurrently failing calls from other threads; that is a
	// known limitation of the two-call protocol, kept for
	// compatibility rather than fixed with thread-local errors.
	errMu   sync.Mutex
	lastErr []byte
}

// New creates an uninitialized bridge over the given object space.
func New(space *vm.ObjectSpace) *Bridge {
	if space == nil {
		space = vm.NewObjectSpace()
	}
	return &Bridge{
		space: space,
		state: StateUninitialized,
	}
}

// Space returns the embedding object space.
func (b *Bridge) Space() *vm.ObjectSpace {
	return b.space
}

// Gateway returns the worker gateway, or nil before Initialize.
func (b *Bridge) Gateway() *Gateway {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gateway
}

// Pins returns the pin registry, or nil before Initialize.
func (b *Bridge) Pins() *PinRegistry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pins
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Initialize brings the bridge to the Initialized state: pool table,
// pin registry, bindings, and the worker gateway. Re-initializing
// without an intervening Shutdown is idempotent success; a differing
// worker count is ignored (the pool keeps its original size).
func (b *Bridge) Initialize(cfg Config) error {
	cfg.applyFloors()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateInitialized {
		if cfg.Bridge.MaxWorkers != b.cfg.Bridge.MaxWorkers {
			log.Noticef("initialize: already initialized with %d workers, ignoring %d",
				b.cfg.Bridge.MaxWorkers, cfg.Bridge.MaxWorkers)
		}
		return nil
	}

	b.cfg = cfg
	b.pools = NewPoolTable(cfg.Bridge.SegmentDir, cfg.Bridge.MaxPools)
	b.pins = NewPinRegistry(b.space)
	b.fwd = NewSpaceForwarder(b.space, b.pins)
	b.bindings = make(map[string]string)
	b.errMu.Lock()
	b.lastErr = make([]byte, 0, cfg.Bridge.ErrorCapacity)
	b.errMu.Unlock()

	gateway := NewGateway()
	gateway.Register("slots", b.slotsTask)
	if err := gateway.Start(cfg.Bridge.MaxWorkers); err != nil {
		return b.fail(err)
	}
	b.gateway = gateway

	b.state = StateInitialized
	log.Infof("bridge initialized (%d workers, %d pool slots)", cfg.Bridge.MaxWorkers, cfg.Bridge.MaxPools)
	return nil
}

// Shutdown releases all pools, bindings, and pins unconditionally and
// returns the bridge to Uninitialized. Always succeeds from the
// caller's perspective.
func (b *Bridge) Shutdown() error {
	b.mu.Lock()
	if b.state != StateInitialized {
		b.mu.Unlock()
		return nil
	}
	b.state = StateShuttingDown
	gateway := b.gateway
	pools := b.pools
	pins := b.pins
	b.mu.Unlock()

	if gateway != nil {
		gateway.Shutdown()
	}
	if pins != nil {
		pins.ReleaseAll()
	}
	if pools != nil {
		pools.DestroyAll()
	}

	b.mu.Lock()
	b.gateway = nil
	b.pools = nil
	b.pins = nil
	b.fwd = nil
	b.bindings = nil
	b.state = StateUninitialized
	b.mu.Unlock()

	log.Info("bridge shut down")
	return nil
}

// collaborators is the set of live components an operation works with.
// Captured in the same critical section as the state check, so a call
// racing Shutdown sees either all of them or NotInitialized, never a
// nil field.
type collaborators struct {
	pools   *PoolTable
	gateway *Gateway
	pins    *PinRegistry
	fwd     Forwarder
}

// deps fails fast with NotInitialized before any shared resource is
// touched, and returns the live collaborators otherwise.
func (b *Bridge) deps() (collaborators, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateInitialized {
		return collaborators{}, Errf(CodeNotInitialized, "bridge is %s", b.state)
	}
	return collaborators{
		pools:   b.pools,
		gateway: b.gateway,
		pins:    b.pins,
		fwd:     b.fwd,
	}, nil
}

// ---------------------------------------------------------------------------
// Two-call error protocol
// ---------------------------------------------------------------------------

// fail records err in the last-error slot and returns it. The slot is
// overwritten on each failure, not queued.
func (b *Bridge) fail(err error) error {
	if err == nil {
		return nil
	}
	b.errMu.Lock()
	capacity := cap(b.lastErr)
	if capacity == 0 {
		capacity = DefaultErrorCapacity
		b.lastErr = make([]byte, 0, capacity)
	}
	msg := err.Error()
	if len(msg) > capacity-1 {
		msg = msg[:capacity-1]
	}
	b.lastErr = append(b.lastErr[:0], msg...)
	b.errMu.Unlock()

	log.Errorf("%s: %s", CodeOf(err), err.Error())
	return err
}

// LastError copies the last error text into buf, truncating as needed.
// The result is always NUL-terminated when buf is non-empty. Returns
// the number of text bytes copied (excluding the terminator).
func (b *Bridge) LastError(buf []byte) int {
	if len(buf) == 0 {
		return 0
	}
	b.errMu.Lock()
	defer b.errMu.Unlock()

	n := copy(buf[:len(buf)-1], b.lastErr)
	buf[n] = 0
	return n
}

// LastErrorString returns the last error text.
func (b *Bridge) LastErrorString() string {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return string(b.lastErr)
}

// ClearError resets the last-error slot.
func (b *Bridge) ClearError() {
	b.errMu.Lock()
	b.lastErr = b.lastErr[:0]
	b.errMu.Unlock()
}

// ---------------------------------------------------------------------------
// Shared memory operations
// ---------------------------------------------------------------------------

// CreateSharedMemory allocates a new pool of exactly size bytes.
func (b *Bridge) CreateSharedMemory(size uint64) (Handle, error) {
	d, err := b.deps()
	if err != nil {
		return Handle{}, b.fail(err)
	}
	h, err := d.pools.Create(size)
	if err != nil {
		return Handle{}, b.fail(err)
	}
	return h, nil
}

// DestroySharedMemory releases the pool behind the handle and zeroes it.
func (b *Bridge) DestroySharedMemory(h *Handle) error {
	d, err := b.deps()
	if err != nil {
		return b.fail(err)
	}
	if err := d.pools.Destroy(h); err != nil {
		return b.fail(err)
	}
	return nil
}

// MapSharedMemory attaches to the handle's byte range.
func (b *Bridge) MapSharedMemory(h Handle) ([]byte, error) {
	d, err := b.deps()
	if err != nil {
		return nil, b.fail(err)
	}
	buf, err := d.pools.Map(h)
	if err != nil {
		return nil, b.fail(err)
	}
	return buf, nil
}

// UnmapSharedMemory detaches a previous mapping.
func (b *Bridge) UnmapSharedMemory(h Handle, ptr []byte) error {
	d, err := b.deps()
	if err != nil {
		return b.fail(err)
	}
	if err := d.pools.Unmap(h, ptr); err != nil {
		return b.fail(err)
	}
	return nil
}

// WriteJSON writes a wire value through the codec into the handle.
func (b *Bridge) WriteJSON(h Handle, v Value) error {
	d, err := b.deps()
	if err != nil {
		return b.fail(err)
	}
	if err := WriteValue(d.pools, h, v); err != nil {
		return b.fail(err)
	}
	return nil
}

// ReadJSON reads a wire value through the codec from the handle.
func (b *Bridge) ReadJSON(h Handle) (Value, error) {
	d, err := b.deps()
	if err != nil {
		return NullValue(), b.fail(err)
	}
	v, err := ReadValue(d.pools, h)
	if err != nil {
		return NullValue(), b.fail(err)
	}
	return v, nil
}

// ---------------------------------------------------------------------------
// Task submission
// ---------------------------------------------------------------------------

// Submit sends a task object to the worker pool and blocks for the
// result.
func (b *Bridge) Submit(task Value) (Value, error) {
	d, err := b.deps()
	if err != nil {
		return NullValue(), b.fail(err)
	}
	result, err := d.gateway.Submit(task)
	if err != nil {
		return NullValue(), b.fail(err)
	}
	return result, nil
}

// SubmitJSONTask reads the request payload from requestHandle, executes
// it on a worker, and writes the response into responseHandle.
func (b *Bridge) SubmitJSONTask(requestHandle, responseHandle Handle) error {
	d, err := b.deps()
	if err != nil {
		return b.fail(err)
	}
	task, err := ReadValue(d.pools, requestHandle)
	if err != nil {
		return b.fail(err)
	}
	result, err := d.gateway.Submit(task)
	if err != nil {
		return b.fail(err)
	}
	if err := WriteValue(d.pools, responseHandle, result); err != nil {
		return b.fail(err)
	}
	return nil
}

// slotsTask is the built-in introspection handler: it lists the local
// slot names of a live object, sorted for stable output.
func (b *Bridge) slotsTask(task Value) (Value, error) {
	d, err := b.deps()
	if err != nil {
		return NullValue(), err
	}
	target, ok := task.Obj["target"]
	if !ok || target.Kind != KindString {
		return NullValue(), Errf(CodeRuntimeException, "worker: slots task wants a string \"target\"")
	}
	obj, err := resolveTarget(b.space, d.pins, target.Str)
	if err != nil {
		return NullValue(), err
	}

	var names []string
	rerr := b.space.RunExclusive(func() error {
		names = obj.SlotNames()
		return nil
	})
	if rerr != nil {
		return NullValue(), rerr
	}
	sort.Strings(names)

	elems := make([]Value, len(names))
	for i, n := range names {
		elems[i] = StringValue(n)
	}
	return ArrayValue(elems...), nil
}

// ---------------------------------------------------------------------------
// Pinning and proxies
// ---------------------------------------------------------------------------

// Pin pins the object with the given ID and returns its release token.
func (b *Bridge) Pin(objectID string) (*PinToken, error) {
	d, err := b.deps()
	if err != nil {
		return nil, b.fail(err)
	}
	token, err := d.pins.PinID(objectID)
	if err != nil {
		return nil, b.fail(err)
	}
	return token, nil
}

// Unpin decrements the pin count for the object ID.
func (b *Bridge) Unpin(objectID string) error {
	d, err := b.deps()
	if err != nil {
		return b.fail(err)
	}
	if err := d.pins.Unpin(objectID); err != nil {
		return b.fail(err)
	}
	return nil
}

// NewProxy pins the master object and wraps it in a proxy backed by the
// bridge's object-space forwarder.
func (b *Bridge) NewProxy(masterID string) (*Proxy, error) {
	d, err := b.deps()
	if err != nil {
		return nil, b.fail(err)
	}
	token, err := d.pins.PinID(masterID)
	if err != nil {
		return nil, b.fail(err)
	}
	proxy, err := NewProxy(token, d.fwd)
	if err != nil {
		token.Release()
		return nil, b.fail(err)
	}
	return proxy, nil
}

// ---------------------------------------------------------------------------
// Binding table
// ---------------------------------------------------------------------------

// Bind associates a name with a pinned object ID in the fixed-capacity
// binding table. The binding holds its own pin until Unbind or
// Shutdown. The pin is taken first and rolled back if the insert loses:
// the check and the insert share one critical section so two racing
// binds of the same name cannot both land (and leak a pin each).
func (b *Bridge) Bind(name, objectID string) error {
	d, err := b.deps()
	if err != nil {
		return b.fail(err)
	}
	if name == "" {
		return b.fail(Errf(CodeNullPointer, "bind: empty name"))
	}

	if _, err := d.pins.PinID(objectID); err != nil {
		return b.fail(err)
	}

	b.mu.Lock()
	_, exists := b.bindings[name]
	switch {
	case b.state != StateInitialized:
		err = Errf(CodeNotInitialized, "bridge is %s", b.state)
	case exists:
		err = Errf(CodeInvalidHandle, "bind: name %q already bound", name)
	case len(b.bindings) >= b.cfg.Bridge.MaxBindings:
		err = Errf(CodeResourceExhausted, "binding table full (%d bindings)", b.cfg.Bridge.MaxBindings)
	default:
		b.bindings[name] = objectID
	}
	b.mu.Unlock()

	if err != nil {
		d.pins.Unpin(objectID)
		return b.fail(err)
	}
	return nil
}

// Resolve returns the object ID bound to name.
func (b *Bridge) Resolve(name string) (string, error) {
	b.mu.Lock()
	if b.state != StateInitialized {
		state := b.state
		b.mu.Unlock()
		return "", b.fail(Errf(CodeNotInitialized, "bridge is %s", state))
	}
	id, ok := b.bindings[name]
	b.mu.Unlock()

	if !ok {
		return "", b.fail(Errf(CodeInvalidHandle, "resolve: no binding %q", name))
	}
	return id, nil
}

// Unbind removes a binding and releases its pin.
func (b *Bridge) Unbind(name string) error {
	b.mu.Lock()
	if b.state != StateInitialized {
		state := b.state
		b.mu.Unlock()
		return b.fail(Errf(CodeNotInitialized, "bridge is %s", state))
	}
	pins := b.pins
	id, ok := b.bindings[name]
	if ok {
		delete(b.bindings, name)
	}
	b.mu.Unlock()

	if !ok {
		return b.fail(Errf(CodeInvalidHandle, "unbind: no binding %q", name))
	}
	if err := pins.Unpin(id); err != nil {
		return b.fail(err)
	}
	return nil
}
