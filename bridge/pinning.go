package bridge

import (
	"sync"
	"time"

	"github.com/chazu/synapse/vm"
)

// pinRecord associates an object with its retain count.
type pinRecord struct {
	obj      *vm.Object
	count    int
	lastUsed time.Time
}

// PinRegistry marks object-space objects as externally referenced so
// the collector will not reclaim them while a foreign handle exists.
// The 0 -> 1 transition registers the object as a collector root; the
// 1 -> 0 transition deregisters it.
type PinRegistry struct {
	mu      sync.Mutex
	space   *vm.ObjectSpace
	records map[string]*pinRecord
}

// NewPinRegistry creates a registry over the given object space.
func NewPinRegistry(space *vm.ObjectSpace) *PinRegistry {
	return &PinRegistry{
		space:   space,
		records: make(map[string]*pinRecord),
	}
}

// Pin increments the object's retain count and returns a release token.
func (r *PinRegistry) Pin(obj *vm.Object) (*PinToken, error) {
	if obj == nil {
		return nil, Errf(CodeNullPointer, "pin: nil object")
	}
	if err := r.retain(obj); err != nil {
		return nil, err
	}
	return &PinToken{registry: r, id: obj.ID}, nil
}

// PinID pins the object with the given ID, looking it up in the space.
func (r *PinRegistry) PinID(id string) (*PinToken, error) {
	if id == "" {
		return nil, Errf(CodeNullPointer, "pin: empty object id")
	}
	obj := r.space.Lookup(id)
	if obj == nil {
		return nil, Errf(CodeInvalidHandle, "pin: unknown object %q", id)
	}
	return r.Pin(obj)
}

func (r *PinRegistry) retain(obj *vm.Object) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[obj.ID]
	if !ok {
		rec = &pinRecord{obj: obj}
		r.records[obj.ID] = rec
	}
	rec.count++
	rec.lastUsed = time.Now()
	if rec.count == 1 {
		r.space.Retain(obj)
	}
	return nil
}

// Unpin decrements the retain count for the given object ID. The count
// reaching zero deregisters the collector root. Unpinning below zero is
// a caller bug and is rejected, since clamping it would mask
// use-after-free.
func (r *PinRegistry) Unpin(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return Errf(CodeInvalidHandle, "unpin: object %q is not pinned", id)
	}
	rec.count--
	rec.lastUsed = time.Now()
	if rec.count == 0 {
		delete(r.records, id)
		r.space.Release(rec.obj)
	}
	return nil
}

// Count returns the current retain count for an object ID (0 if not
// pinned).
func (r *PinRegistry) Count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		return rec.count
	}
	return 0
}

// Resolve returns the pinned object for an ID, or nil.
func (r *PinRegistry) Resolve(id string) *vm.Object {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		rec.lastUsed = time.Now()
		return rec.obj
	}
	return nil
}

// ReleaseAll force-releases every pin. Used by bridge shutdown.
func (r *PinRegistry) ReleaseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rec := range r.records {
		r.space.Release(rec.obj)
		delete(r.records, id)
	}
}

// Sweep force-releases pins that haven't been touched within the TTL.
// Returns the number of pins released.
func (r *PinRegistry) Sweep(ttl time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for id, rec := range r.records {
		if rec.lastUsed.Before(cutoff) {
			r.space.Release(rec.obj)
			delete(r.records, id)
			removed++
		}
	}
	if removed > 0 {
		log.Noticef("pin sweep released %d stale pins", removed)
	}
	return removed
}

// StartSweeper runs periodic TTL sweeps in the background. Returns a
// stop function.
func (r *PinRegistry) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				r.Sweep(ttl)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

// pinMeta describes one pin for snapshots.
type pinMeta struct {
	ObjectID string `cbor:"object_id"`
	Count    int    `cbor:"count"`
}

func (r *PinRegistry) metadata() []pinMeta {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]pinMeta, 0, len(r.records))
	for id, rec := range r.records {
		out = append(out, pinMeta{ObjectID: id, Count: rec.count})
	}
	return out
}

// PinToken is an ownership guard for one pin. Release reverses exactly
// one Pin; a second Release on the same token is rejected rather than
// silently decrementing someone else's pin.
type PinToken struct {
	mu       sync.Mutex
	registry *PinRegistry
	id       string
	released bool
}

// ID returns the pinned object's ID.
func (t *PinToken) ID() string {
	return t.id
}

// Release unpins the object. Exactly once.
func (t *PinToken) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return Errf(CodeInvalidHandle, "pin token for %q already released", t.id)
	}
	t.released = true
	return t.registry.Unpin(t.id)
}
