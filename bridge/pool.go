package bridge

import (
	"sync"

	"github.com/google/uuid"
)

// Handle identifies a byte range inside a named OS-backed segment. A
// handle is valid only between a successful Create and the matching
// Destroy; Map/Unmap never invalidate it.
type Handle struct {
	Name   string
	Offset uint64
	Size   uint64
}

// pool owns one live segment and its attach bookkeeping.
type pool struct {
	name string
	size uint64
	seg  *segment

	// attach bookkeeping: Map is an idempotent attach, Unmap a
	// reference-tracked detach. The OS mapping itself is created once
	// at pool creation and released once at destroy.
	attachCount int
}

// checkRange validates a handle's byte range against the pool. Handles
// arrive from foreign callers, so the subtraction form guards against
// offsets large enough to wrap the addition.
func (p *pool) checkRange(h Handle) error {
	if h.Size == 0 || h.Offset > p.size || h.Size > p.size-h.Offset {
		return Errf(CodeSharedMemoryFailure,
			"shared memory: range [%d,+%d) exceeds pool size %d", h.Offset, h.Size, p.size)
	}
	return nil
}

// PoolTable allocates, tracks, and destroys shared memory pools in a
// fixed-capacity table.
type PoolTable struct {
	mu    sync.Mutex
	dir   string
	max   int
	pools map[string]*pool
}

// NewPoolTable creates an empty pool table with the given capacity.
func NewPoolTable(dir string, max int) *PoolTable {
	if dir == "" {
		dir = defaultSegmentDir()
	}
	if max <= 0 {
		max = DefaultMaxPools
	}
	return &PoolTable{dir: dir, max: max, pools: make(map[string]*pool)}
}

// Create allocates a uniquely named segment of exactly size bytes, maps
// it, and registers it. Partial failure (segment created, mapping
// failed) is rolled back inside newSegment.
func (t *PoolTable) Create(size uint64) (Handle, error) {
	if size == 0 {
		return Handle{}, Errf(CodeNullPointer, "create shared memory: size must be positive")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.pools) >= t.max {
		return Handle{}, Errf(CodeResourceExhausted, "pool table full (%d pools)", t.max)
	}

	name := "synapse-" + uuid.New().String()
	seg, err := newSegment(t.dir, name, size)
	if err != nil {
		return Handle{}, Errf(CodeSharedMemoryFailure, "create shared memory: %v", err)
	}

	t.pools[name] = &pool{name: name, size: size, seg: seg}
	log.Debugf("created pool %s (%d bytes)", name, size)
	return Handle{Name: name, Offset: 0, Size: size}, nil
}

// Destroy unmaps and releases the pool backing the handle, then zeroes
// the caller's handle fields so reuse is detectable.
func (t *PoolTable) Destroy(h *Handle) error {
	if h == nil {
		return Errf(CodeNullPointer, "destroy shared memory: nil handle")
	}

	t.mu.Lock()
	p, ok := t.pools[h.Name]
	if ok {
		delete(t.pools, h.Name)
	}
	t.mu.Unlock()

	if !ok {
		return Errf(CodeInvalidHandle, "destroy shared memory: unknown pool %q", h.Name)
	}

	err := p.seg.close()
	*h = Handle{}
	if err != nil {
		return Errf(CodeSharedMemoryFailure, "destroy shared memory: %v", err)
	}
	log.Debugf("destroyed pool %s", p.name)
	return nil
}

// Map returns the byte range [Offset, Offset+Size) of the handle's
// pool. Mapping the same handle twice does not double-allocate OS
// resources; each Map increments the attach count that Unmap decrements.
func (t *PoolTable) Map(h Handle) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pools[h.Name]
	if !ok {
		return nil, Errf(CodeInvalidHandle, "map shared memory: unknown pool %q", h.Name)
	}
	if err := p.checkRange(h); err != nil {
		return nil, err
	}

	p.attachCount++
	return p.seg.bytes()[h.Offset : h.Offset+h.Size : h.Offset+h.Size], nil
}

// Unmap releases one attach. The pointer must be the one returned by
// the matching Map call; a mismatch is reported and nothing is changed.
func (t *PoolTable) Unmap(h Handle, ptr []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pools[h.Name]
	if !ok {
		return Errf(CodeInvalidHandle, "unmap shared memory: unknown pool %q", h.Name)
	}
	if err := p.checkRange(h); err != nil {
		return err
	}
	if p.attachCount == 0 {
		return Errf(CodeSharedMemoryFailure, "unmap shared memory: pool %q is not mapped", h.Name)
	}
	if len(ptr) == 0 || &ptr[0] != &p.seg.bytes()[h.Offset] {
		return Errf(CodeSharedMemoryFailure, "unmap shared memory: pointer does not match mapping for %q", h.Name)
	}

	p.attachCount--
	return nil
}

// Count returns the number of live pools.
func (t *PoolTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pools)
}

// DestroyAll releases every live pool. Used by bridge shutdown.
func (t *PoolTable) DestroyAll() {
	t.mu.Lock()
	pools := make([]*pool, 0, len(t.pools))
	for _, p := range t.pools {
		pools = append(pools, p)
	}
	t.pools = make(map[string]*pool)
	t.mu.Unlock()

	for _, p := range pools {
		if err := p.seg.close(); err != nil {
			log.Errorf("releasing pool %s: %v", p.name, err)
		}
	}
}

// poolMeta describes a live pool for snapshots.
type poolMeta struct {
	Name        string `cbor:"name"`
	Size        uint64 `cbor:"size"`
	AttachCount int    `cbor:"attach_count"`
}

func (t *PoolTable) metadata() []poolMeta {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]poolMeta, 0, len(t.pools))
	for _, p := range t.pools {
		out = append(out, poolMeta{Name: p.name, Size: p.size, AttachCount: p.attachCount})
	}
	return out
}
