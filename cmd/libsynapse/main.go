// Package main builds libsynapse - the shared bridge runtime.
// This is built with -buildmode=c-shared.
package main

/*
#include <stdlib.h>
#include <stdint.h>
#include <string.h>

// SynapseResult is the enumerated result code returned by every
// bridge operation. Human-readable detail is retrieved separately
// via Synapse_GetLastError (two-call protocol).
typedef enum {
    SYNAPSE_OK = 0,
    SYNAPSE_ERR_NULL_POINTER = 1,
    SYNAPSE_ERR_INVALID_HANDLE = 2,
    SYNAPSE_ERR_RESOURCE_EXHAUSTED = 3,
    SYNAPSE_ERR_MEMORY_ALLOCATION = 4,
    SYNAPSE_ERR_SHARED_MEMORY = 5,
    SYNAPSE_ERR_RUNTIME_EXCEPTION = 6,
    SYNAPSE_ERR_NOT_INITIALIZED = 7,
    SYNAPSE_ERR_PARSE_FAILURE = 8,
    SYNAPSE_ERR_SLOT_NOT_FOUND = 9,
    SYNAPSE_ERR_TIMEOUT = 10,
    SYNAPSE_ERR_ALREADY_INITIALIZED = 11,
} SynapseResult;

// SynapseHandle identifies a byte range inside a named shared memory
// segment. Valid only between a successful create and the matching
// destroy; destroy zeroes the struct.
typedef struct {
    char     name[64];
    uint64_t offset;
    uint64_t size;
} SynapseHandle;
*/
import "C"

import (
	"sync"
	"unsafe"

	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/synapse/bridge"
	"github.com/chazu/synapse/vm"
)

func main() {}

// The C ABI owns the one process-wide bridge instance. The Go library
// itself has no hidden global; this is the singleton edge.
var (
	globalMu     sync.Mutex
	globalBridge *bridge.Bridge
)

func currentBridge() *bridge.Bridge {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalBridge == nil {
		globalBridge = bridge.New(vm.NewObjectSpace())
	}
	return globalBridge
}

// resultOf converts a bridge error to a C result code.
func resultOf(err error) C.int {
	return C.int(bridge.CodeOf(err))
}

// ============================================================================
// Handle conversion helpers
// ============================================================================

func handleFromC(ch *C.SynapseHandle) bridge.Handle {
	if ch == nil {
		return bridge.Handle{}
	}
	return bridge.Handle{
		Name:   C.GoString(&ch.name[0]),
		Offset: uint64(ch.offset),
		Size:   uint64(ch.size),
	}
}

func handleToC(h bridge.Handle, ch *C.SynapseHandle) {
	if ch == nil {
		return
	}
	C.memset(unsafe.Pointer(&ch.name[0]), 0, C.size_t(len(ch.name)))
	name := h.Name
	if len(name) >= len(ch.name) {
		name = name[:len(ch.name)-1]
	}
	for i := 0; i < len(name); i++ {
		ch.name[i] = C.char(name[i])
	}
	ch.offset = C.uint64_t(h.Offset)
	ch.size = C.uint64_t(h.Size)
}

// ============================================================================
// Lifecycle
// ============================================================================

//export Synapse_Initialize
func Synapse_Initialize(maxWorkers C.int) C.int {
	cfg := bridge.DefaultConfig()
	if maxWorkers > 0 {
		cfg.Bridge.MaxWorkers = int(maxWorkers)
	}
	return resultOf(currentBridge().Initialize(cfg))
}

//export Synapse_Shutdown
func Synapse_Shutdown() C.int {
	return resultOf(currentBridge().Shutdown())
}

//export Synapse_GetLastError
func Synapse_GetLastError(buf *C.char, size C.size_t) C.int {
	if buf == nil || size == 0 {
		return C.int(bridge.CodeNullPointer)
	}
	goBuf := make([]byte, int(size))
	n := currentBridge().LastError(goBuf)
	C.memcpy(unsafe.Pointer(buf), unsafe.Pointer(&goBuf[0]), C.size_t(n+1))
	return C.int(bridge.CodeSuccess)
}

//export Synapse_ClearError
func Synapse_ClearError() {
	currentBridge().ClearError()
}

// ============================================================================
// Shared memory
// ============================================================================

//export Synapse_CreateSharedMemory
func Synapse_CreateSharedMemory(size C.uint64_t, out *C.SynapseHandle) C.int {
	if out == nil {
		return C.int(bridge.CodeNullPointer)
	}
	h, err := currentBridge().CreateSharedMemory(uint64(size))
	if err != nil {
		return resultOf(err)
	}
	handleToC(h, out)
	return C.int(bridge.CodeSuccess)
}

//export Synapse_DestroySharedMemory
func Synapse_DestroySharedMemory(ch *C.SynapseHandle) C.int {
	if ch == nil {
		return C.int(bridge.CodeNullPointer)
	}
	h := handleFromC(ch)
	err := currentBridge().DestroySharedMemory(&h)
	// Zero the caller's handle so reuse is detectable.
	handleToC(h, ch)
	return resultOf(err)
}

//export Synapse_MapSharedMemory
func Synapse_MapSharedMemory(ch *C.SynapseHandle, out *unsafe.Pointer) C.int {
	if ch == nil || out == nil {
		return C.int(bridge.CodeNullPointer)
	}
	buf, err := currentBridge().MapSharedMemory(handleFromC(ch))
	if err != nil {
		return resultOf(err)
	}
	*out = unsafe.Pointer(&buf[0])
	return C.int(bridge.CodeSuccess)
}

//export Synapse_UnmapSharedMemory
func Synapse_UnmapSharedMemory(ch *C.SynapseHandle, ptr unsafe.Pointer) C.int {
	if ch == nil || ptr == nil {
		return C.int(bridge.CodeNullPointer)
	}
	h := handleFromC(ch)
	buf := unsafe.Slice((*byte)(ptr), int(h.Size))
	return resultOf(currentBridge().UnmapSharedMemory(h, buf))
}

// ============================================================================
// Task submission
// ============================================================================

//export Synapse_SubmitJSONTask
func Synapse_SubmitJSONTask(request, response *C.SynapseHandle) C.int {
	if request == nil || response == nil {
		return C.int(bridge.CodeNullPointer)
	}
	return resultOf(currentBridge().SubmitJSONTask(handleFromC(request), handleFromC(response)))
}

// ============================================================================
// Pinning
// ============================================================================

//export Synapse_Pin
func Synapse_Pin(objectID *C.char) C.int {
	if objectID == nil {
		return C.int(bridge.CodeNullPointer)
	}
	_, err := currentBridge().Pin(C.GoString(objectID))
	return resultOf(err)
}

//export Synapse_Unpin
func Synapse_Unpin(objectID *C.char) C.int {
	if objectID == nil {
		return C.int(bridge.CodeNullPointer)
	}
	return resultOf(currentBridge().Unpin(C.GoString(objectID)))
}

// ============================================================================
// Message/slot functions
// ============================================================================

//export Synapse_SendMessage
func Synapse_SendMessage(target, selector *C.char, args, result *C.SynapseHandle) C.int {
	if target == nil || selector == nil {
		return C.int(bridge.CodeNullPointer)
	}
	var argsHandle, resultHandle *bridge.Handle
	if args != nil {
		h := handleFromC(args)
		argsHandle = &h
	}
	if result != nil {
		h := handleFromC(result)
		resultHandle = &h
	}
	return resultOf(currentBridge().SendMessage(
		C.GoString(target), C.GoString(selector), argsHandle, resultHandle))
}

//export Synapse_GetSlot
func Synapse_GetSlot(target, name *C.char, result *C.SynapseHandle) C.int {
	if target == nil || name == nil || result == nil {
		return C.int(bridge.CodeNullPointer)
	}
	return resultOf(currentBridge().GetSlotValue(
		C.GoString(target), C.GoString(name), handleFromC(result)))
}

//export Synapse_SetSlot
func Synapse_SetSlot(target, name *C.char, value *C.SynapseHandle) C.int {
	if target == nil || name == nil || value == nil {
		return C.int(bridge.CodeNullPointer)
	}
	return resultOf(currentBridge().SetSlotValue(
		C.GoString(target), C.GoString(name), handleFromC(value)))
}
