package bridge

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical encoding so snapshots of the same state
// are byte-identical.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bridge: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Snapshot is a point-in-time diagnostic dump of bridge state: live
// pool metadata, the binding table, and pin counts. It carries no
// payload bytes, only bookkeeping.
type Snapshot struct {
	TakenAt  time.Time         `cbor:"taken_at"`
	State    string            `cbor:"state"`
	Workers  int               `cbor:"workers"`
	Pools    []poolMeta        `cbor:"pools"`
	Bindings map[string]string `cbor:"bindings"`
	Pins     []pinMeta         `cbor:"pins"`
}

// TakeSnapshot captures the current bridge bookkeeping.
func (b *Bridge) TakeSnapshot() Snapshot {
	snap := Snapshot{
		TakenAt: time.Now().UTC(),
	}

	b.mu.Lock()
	snap.State = b.state.String()
	if b.gateway != nil {
		snap.Workers = b.gateway.Workers()
	}
	snap.Bindings = make(map[string]string, len(b.bindings))
	for k, v := range b.bindings {
		snap.Bindings[k] = v
	}
	pools := b.pools
	pins := b.pins
	b.mu.Unlock()

	if pools != nil {
		snap.Pools = pools.metadata()
	}
	if pins != nil {
		snap.Pins = pins.metadata()
	}
	return snap
}

// MarshalSnapshot serializes a snapshot to canonical CBOR.
func MarshalSnapshot(s Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(&s)
}

// UnmarshalSnapshot deserializes a snapshot from CBOR bytes.
func UnmarshalSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("bridge: unmarshal snapshot: %w", err)
	}
	return s, nil
}
