package vm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("synapse.vm")

// ErrSlotNotFound indicates a slot lookup failed on the object and its
// entire prototype chain.
var ErrSlotNotFound = errors.New("slot not found")

// Object is a prototype-based object: a bag of named slots plus an
// ordered list of prototypes consulted on lookup misses.
type Object struct {
	ID string

	mu     sync.RWMutex
	slots  map[string]Value
	protos []*Object
}

// GetLocalSlot returns the slot value stored directly on the object,
// without consulting prototypes.
func (o *Object) GetLocalSlot(name string) (Value, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.slots[name]
	return v, ok
}

// SetSlot stores a value directly on the object.
func (o *Object) SetSlot(name string, v Value) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.slots[name] = v
}

// RemoveSlot deletes a local slot. Returns false if the slot was not
// present locally; prototypes are never modified.
func (o *Object) RemoveSlot(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.slots[name]
	delete(o.slots, name)
	return ok
}

// SlotNames returns the names of all local slots.
func (o *Object) SlotNames() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, 0, len(o.slots))
	for name := range o.slots {
		names = append(names, name)
	}
	return names
}

// Slots returns a copy of the local slot table.
func (o *Object) Slots() map[string]Value {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]Value, len(o.slots))
	for k, v := range o.slots {
		out[k] = v
	}
	return out
}

// Protos returns a snapshot of the object's prototypes.
func (o *Object) Protos() []*Object {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*Object, len(o.protos))
	copy(out, o.protos)
	return out
}

// AppendProto adds a prototype to the end of the lookup chain.
func (o *Object) AppendProto(p *Object) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.protos = append(o.protos, p)
}

// ObjectSpace manages all live objects and the collector's root set.
// All message activation must be serialized through RunExclusive; the
// object model itself is not internally synchronized beyond per-object
// slot access.
type ObjectSpace struct {
	objMu   sync.RWMutex
	objects map[string]*Object

	// keepAlive holds the collector's external roots: objects pinned by
	// the bridge while a foreign reference exists.
	keepMu    sync.Mutex
	keepAlive map[*Object]struct{}

	// runMu serializes activation, mirroring a single-threaded
	// cooperative interpreter.
	runMu sync.Mutex
}

// NewObjectSpace creates an empty object space.
func NewObjectSpace() *ObjectSpace {
	return &ObjectSpace{
		objects:   make(map[string]*Object),
		keepAlive: make(map[*Object]struct{}),
	}
}

// NewObject creates and registers an object with the given prototypes.
func (s *ObjectSpace) NewObject(protos ...*Object) *Object {
	obj := &Object{
		ID:     "obj-" + uuid.New().String(),
		slots:  make(map[string]Value),
		protos: protos,
	}
	s.objMu.Lock()
	s.objects[obj.ID] = obj
	s.objMu.Unlock()
	return obj
}

// Lookup retrieves an object by ID, or nil.
func (s *ObjectSpace) Lookup(id string) *Object {
	s.objMu.RLock()
	defer s.objMu.RUnlock()
	return s.objects[id]
}

// ObjectCount returns the number of live objects.
func (s *ObjectSpace) ObjectCount() int {
	s.objMu.RLock()
	defer s.objMu.RUnlock()
	return len(s.objects)
}

// RunExclusive runs fn under the space's activation lock. Every bridge
// entry point that touches object state goes through here.
func (s *ObjectSpace) RunExclusive(fn func() error) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return fn()
}

// ---------------------------------------------------------------------------
// Collector hooks
// ---------------------------------------------------------------------------

// Retain registers obj as a collector root so it survives Collect.
// Called by the pinning registry on the 0 -> 1 retain transition.
func (s *ObjectSpace) Retain(obj *Object) {
	if obj == nil {
		return
	}
	s.keepMu.Lock()
	s.keepAlive[obj] = struct{}{}
	s.keepMu.Unlock()
}

// Release removes obj from the collector's root set, making it
// collectible again. Called on the 1 -> 0 retain transition.
func (s *ObjectSpace) Release(obj *Object) {
	if obj == nil {
		return
	}
	s.keepMu.Lock()
	delete(s.keepAlive, obj)
	s.keepMu.Unlock()
}

// Retained reports whether obj is currently a collector root.
func (s *ObjectSpace) Retained(obj *Object) bool {
	s.keepMu.Lock()
	defer s.keepMu.Unlock()
	_, ok := s.keepAlive[obj]
	return ok
}

// RetainedCount returns the number of objects in the root set.
func (s *ObjectSpace) RetainedCount() int {
	s.keepMu.Lock()
	defer s.keepMu.Unlock()
	return len(s.keepAlive)
}

// Collect performs a mark phase from the keepAlive roots and sweeps
// unreachable objects from the space. Returns the number swept.
func (s *ObjectSpace) Collect() int {
	marked := make(map[*Object]struct{})

	s.keepMu.Lock()
	roots := make([]*Object, 0, len(s.keepAlive))
	for obj := range s.keepAlive {
		roots = append(roots, obj)
	}
	s.keepMu.Unlock()

	for _, root := range roots {
		s.mark(root, marked)
	}

	s.objMu.Lock()
	defer s.objMu.Unlock()
	swept := 0
	for id, obj := range s.objects {
		if _, ok := marked[obj]; !ok {
			delete(s.objects, id)
			swept++
		}
	}
	if swept > 0 {
		log.Debugf("collected %d objects, %d live", swept, len(s.objects))
	}
	return swept
}

func (s *ObjectSpace) mark(obj *Object, marked map[*Object]struct{}) {
	if obj == nil {
		return
	}
	if _, ok := marked[obj]; ok {
		return
	}
	marked[obj] = struct{}{}
	for _, p := range obj.Protos() {
		s.mark(p, marked)
	}
	for _, v := range obj.Slots() {
		s.markValue(v, marked)
	}
}

func (s *ObjectSpace) markValue(v Value, marked map[*Object]struct{}) {
	switch v.Kind {
	case KindObject:
		s.mark(v.Obj, marked)
	case KindList:
		for _, e := range v.List {
			s.markValue(e, marked)
		}
	case KindMap:
		for _, e := range v.Map {
			s.markValue(e, marked)
		}
	}
}

// ---------------------------------------------------------------------------
// Slot lookup and activation
// ---------------------------------------------------------------------------

// GetSlot looks up a slot on obj and its prototype chain in depth-first
// order. The second result is the object the slot was found on. Cycles
// in the prototype graph are tolerated.
func (s *ObjectSpace) GetSlot(obj *Object, name string) (Value, *Object, bool) {
	return s.getSlot(obj, name, make(map[*Object]struct{}))
}

func (s *ObjectSpace) getSlot(obj *Object, name string, seen map[*Object]struct{}) (Value, *Object, bool) {
	if obj == nil {
		return NilValue(), nil, false
	}
	if _, ok := seen[obj]; ok {
		return NilValue(), nil, false
	}
	seen[obj] = struct{}{}

	if v, ok := obj.GetLocalSlot(name); ok {
		return v, obj, true
	}
	for _, p := range obj.Protos() {
		if v, owner, ok := s.getSlot(p, name, seen); ok {
			return v, owner, true
		}
	}
	return NilValue(), nil, false
}

// Perform sends a message: it looks up selector on obj's prototype
// chain and activates the result. Native slots are invoked with args;
// data slots are returned as-is (args must be empty). The caller must
// hold the run lock via RunExclusive.
func (s *ObjectSpace) Perform(obj *Object, selector string, args []Value) (Value, error) {
	if obj == nil {
		return NilValue(), fmt.Errorf("perform %q: nil receiver", selector)
	}
	v, _, ok := s.GetSlot(obj, selector)
	if !ok {
		return NilValue(), fmt.Errorf("%s does not respond to %q: %w", obj.ID, selector, ErrSlotNotFound)
	}
	if v.Kind == KindNative {
		return v.Fn(s, obj, args)
	}
	if len(args) > 0 {
		return NilValue(), fmt.Errorf("slot %q on %s is not activatable", selector, obj.ID)
	}
	return v, nil
}
