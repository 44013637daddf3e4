// Package bridge implements the Synaptic Bridge: a lifecycle-managed
// communication layer between an embedding object space and a worker
// pool substrate. It covers shared memory pools for zero-copy payload
// transfer, a JSON codec over those buffers, a synchronous task
// gateway, object pinning against the space's collector, prototypal
// proxy objects with differential local caching, and the message/slot
// functions exposed across the C ABI.
package bridge

import "github.com/tliron/commonlog"

var log = commonlog.GetLogger("synapse.bridge")
