package bridge

import (
	"strings"
	"sync"
	"testing"

	"github.com/chazu/synapse/vm"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Bridge.MaxWorkers = 2
	cfg.Bridge.SegmentDir = t.TempDir()
	return cfg
}

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	b := New(vm.NewObjectSpace())
	if err := b.Initialize(testConfig(t)); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}
	t.Cleanup(func() { b.Shutdown() })
	return b
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestBridge_OperationsFailBeforeInitialize(t *testing.T) {
	b := New(nil)

	if _, err := b.CreateSharedMemory(64); CodeOf(err) != CodeNotInitialized {
		t.Errorf("CreateSharedMemory code = %v, want NotInitialized", CodeOf(err))
	}
	if _, err := b.Submit(echoTask(1)); CodeOf(err) != CodeNotInitialized {
		t.Errorf("Submit code = %v, want NotInitialized", CodeOf(err))
	}
	if _, err := b.Pin("obj-x"); CodeOf(err) != CodeNotInitialized {
		t.Errorf("Pin code = %v, want NotInitialized", CodeOf(err))
	}
	if err := b.SendMessage("obj-x", "greet", nil, nil); CodeOf(err) != CodeNotInitialized {
		t.Errorf("SendMessage code = %v, want NotInitialized", CodeOf(err))
	}
}

func TestBridge_InitializeShutdownCycle(t *testing.T) {
	b := New(nil)
	cfg := testConfig(t)

	if err := b.Initialize(cfg); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}
	if b.State() != StateInitialized {
		t.Fatalf("state = %v, want initialized", b.State())
	}

	h, err := b.CreateSharedMemory(128)
	if err != nil {
		t.Fatalf("CreateSharedMemory returned error: %v", err)
	}

	if err := b.Shutdown(); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
	if b.State() != StateUninitialized {
		t.Errorf("state after Shutdown = %v, want uninitialized", b.State())
	}

	// Everything fails fast again, including use of the stale handle.
	if _, err := b.MapSharedMemory(h); CodeOf(err) != CodeNotInitialized {
		t.Errorf("MapSharedMemory after Shutdown code = %v, want NotInitialized", CodeOf(err))
	}

	// Shutdown is safe to repeat, and the bridge can come back up.
	if err := b.Shutdown(); err != nil {
		t.Fatalf("second Shutdown returned error: %v", err)
	}
	if err := b.Initialize(cfg); err != nil {
		t.Fatalf("re-Initialize returned error: %v", err)
	}
	defer b.Shutdown()
	if _, err := b.Submit(echoTask(2)); err != nil {
		t.Errorf("Submit after re-Initialize returned error: %v", err)
	}
}

// Double initialize leaves one pool and both calls succeed, even with a
// differing worker count.
func TestBridge_InitializeIsIdempotent(t *testing.T) {
	b := newTestBridge(t)

	cfg := testConfig(t)
	cfg.Bridge.MaxWorkers = 8
	if err := b.Initialize(cfg); err != nil {
		t.Fatalf("second Initialize returned error: %v", err)
	}
	if got := b.Gateway().Workers(); got != 2 {
		t.Errorf("workers after re-initialize = %d, want the original 2", got)
	}
}

// ---------------------------------------------------------------------------
// Two-call error protocol
// ---------------------------------------------------------------------------

func TestBridge_LastErrorRecordsMostRecentFailure(t *testing.T) {
	b := newTestBridge(t)

	if _, err := b.Pin("obj-missing"); err == nil {
		t.Fatal("Pin of unknown object succeeded")
	}
	first := b.LastErrorString()
	if !strings.Contains(first, "obj-missing") {
		t.Errorf("last error = %q, want it to name the object", first)
	}

	if err := b.Unbind("nope"); err == nil {
		t.Fatal("Unbind of unknown name succeeded")
	}
	if b.LastErrorString() == first {
		t.Error("last error was not overwritten by the newer failure")
	}

	b.ClearError()
	if b.LastErrorString() != "" {
		t.Errorf("last error after ClearError = %q, want empty", b.LastErrorString())
	}
}

func TestBridge_LastErrorTruncatesAndTerminates(t *testing.T) {
	b := newTestBridge(t)
	if _, err := b.Pin("obj-missing"); err == nil {
		t.Fatal("Pin of unknown object succeeded")
	}

	buf := make([]byte, 8)
	n := b.LastError(buf)
	if n != 7 {
		t.Fatalf("LastError copied %d bytes into an 8-byte buffer, want 7", n)
	}
	if buf[7] != 0 {
		t.Error("truncated error is not NUL-terminated")
	}
	full := b.LastErrorString()
	if string(buf[:n]) != full[:n] {
		t.Errorf("truncated text = %q, want prefix of %q", buf[:n], full)
	}
}

func TestBridge_ErrorCapacityBoundsStoredText(t *testing.T) {
	b := New(nil)
	cfg := testConfig(t)
	cfg.Bridge.ErrorCapacity = 16
	if err := b.Initialize(cfg); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}
	defer b.Shutdown()

	if _, err := b.Pin("obj-very-long-identifier-that-does-not-exist"); err == nil {
		t.Fatal("Pin of unknown object succeeded")
	}
	if got := len(b.LastErrorString()); got > 15 {
		t.Errorf("stored error is %d bytes, want at most capacity-1 = 15", got)
	}
}

// ---------------------------------------------------------------------------
// Shared memory and task submission end to end
// ---------------------------------------------------------------------------

func TestBridge_SubmitJSONTask(t *testing.T) {
	b := newTestBridge(t)

	req, err := b.CreateSharedMemory(256)
	if err != nil {
		t.Fatalf("CreateSharedMemory returned error: %v", err)
	}
	resp, err := b.CreateSharedMemory(256)
	if err != nil {
		t.Fatalf("CreateSharedMemory returned error: %v", err)
	}

	task := echoTask(42)
	if err := b.WriteJSON(req, task); err != nil {
		t.Fatalf("WriteJSON returned error: %v", err)
	}
	if err := b.SubmitJSONTask(req, resp); err != nil {
		t.Fatalf("SubmitJSONTask returned error: %v", err)
	}

	result, err := b.ReadJSON(resp)
	if err != nil {
		t.Fatalf("ReadJSON returned error: %v", err)
	}
	if !Equal(task, result) {
		t.Errorf("echo response = %+v, want the request unchanged", result)
	}
}

func TestBridge_SubmitJSONTask_ResultTooLarge(t *testing.T) {
	b := newTestBridge(t)

	req, err := b.CreateSharedMemory(256)
	if err != nil {
		t.Fatalf("CreateSharedMemory returned error: %v", err)
	}
	resp, err := b.CreateSharedMemory(8)
	if err != nil {
		t.Fatalf("CreateSharedMemory returned error: %v", err)
	}

	if err := b.WriteJSON(req, echoTask(12345678)); err != nil {
		t.Fatalf("WriteJSON returned error: %v", err)
	}
	if err := b.SubmitJSONTask(req, resp); CodeOf(err) != CodeSharedMemoryFailure {
		t.Errorf("oversized response code = %v, want SharedMemoryFailure", CodeOf(err))
	}
}

func TestBridge_SlotsTask(t *testing.T) {
	b := newTestBridge(t)
	obj := b.Space().NewObject()
	obj.SetSlot("beta", vm.NumberValue(2))
	obj.SetSlot("alpha", vm.NumberValue(1))

	result, err := b.Submit(ObjectValue(map[string]Value{
		"operation": StringValue("slots"),
		"target":    StringValue(obj.ID),
	}))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	want := ArrayValue(StringValue("alpha"), StringValue("beta"))
	if !Equal(result, want) {
		t.Errorf("slots task = %+v, want sorted names %+v", result, want)
	}

	_, err = b.Submit(ObjectValue(map[string]Value{
		"operation": StringValue("slots"),
		"target":    StringValue("obj-missing"),
	}))
	if CodeOf(err) != CodeInvalidHandle {
		t.Errorf("slots task for unknown target code = %v, want InvalidHandle", CodeOf(err))
	}
}

// ---------------------------------------------------------------------------
// Pinning against the collector
// ---------------------------------------------------------------------------

func TestBridge_PinnedObjectSurvivesCollection(t *testing.T) {
	b := newTestBridge(t)
	space := b.Space()
	obj := space.NewObject()

	tok, err := b.Pin(obj.ID)
	if err != nil {
		t.Fatalf("Pin returned error: %v", err)
	}

	space.Collect()
	if space.Lookup(obj.ID) == nil {
		t.Fatal("pinned object was collected")
	}

	if err := tok.Release(); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	space.Collect()
	if space.Lookup(obj.ID) != nil {
		t.Error("unpinned object survived collection")
	}
}

// ---------------------------------------------------------------------------
// Binding table
// ---------------------------------------------------------------------------

func TestBridge_BindResolveUnbind(t *testing.T) {
	b := newTestBridge(t)
	obj := b.Space().NewObject()

	if err := b.Bind("lobby", obj.ID); err != nil {
		t.Fatalf("Bind returned error: %v", err)
	}
	id, err := b.Resolve("lobby")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if id != obj.ID {
		t.Errorf("Resolve = %q, want %q", id, obj.ID)
	}

	// The binding pins its object.
	b.Space().Collect()
	if b.Space().Lookup(obj.ID) == nil {
		t.Fatal("bound object was collected")
	}

	if err := b.Bind("lobby", obj.ID); CodeOf(err) != CodeInvalidHandle {
		t.Errorf("duplicate Bind code = %v, want InvalidHandle", CodeOf(err))
	}

	if err := b.Unbind("lobby"); err != nil {
		t.Fatalf("Unbind returned error: %v", err)
	}
	if _, err := b.Resolve("lobby"); CodeOf(err) != CodeInvalidHandle {
		t.Errorf("Resolve after Unbind code = %v, want InvalidHandle", CodeOf(err))
	}
	if err := b.Unbind("lobby"); CodeOf(err) != CodeInvalidHandle {
		t.Errorf("double Unbind code = %v, want InvalidHandle", CodeOf(err))
	}

	b.Space().Collect()
	if b.Space().Lookup(obj.ID) != nil {
		t.Error("unbound object survived collection")
	}
}

func TestBridge_BindingTableCapacity(t *testing.T) {
	b := New(nil)
	cfg := testConfig(t)
	cfg.Bridge.MaxBindings = 1
	if err := b.Initialize(cfg); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}
	defer b.Shutdown()

	a := b.Space().NewObject()
	c := b.Space().NewObject()

	if err := b.Bind("first", a.ID); err != nil {
		t.Fatalf("Bind returned error: %v", err)
	}
	if err := b.Bind("second", c.ID); CodeOf(err) != CodeResourceExhausted {
		t.Errorf("Bind beyond capacity code = %v, want ResourceExhausted", CodeOf(err))
	}

	// Unbinding frees the slot.
	if err := b.Unbind("first"); err != nil {
		t.Fatalf("Unbind returned error: %v", err)
	}
	if err := b.Bind("second", c.ID); err != nil {
		t.Errorf("Bind after Unbind returned error: %v", err)
	}
}

// A Bind that loses (duplicate name, full table) must roll back the pin
// it took, or the object leaks as a collector root.
func TestBridge_FailedBindReleasesPin(t *testing.T) {
	b := New(nil)
	cfg := testConfig(t)
	cfg.Bridge.MaxBindings = 1
	if err := b.Initialize(cfg); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}
	defer b.Shutdown()

	first := b.Space().NewObject()
	second := b.Space().NewObject()

	if err := b.Bind("lobby", first.ID); err != nil {
		t.Fatalf("Bind returned error: %v", err)
	}
	if got := b.Pins().Count(first.ID); got != 1 {
		t.Fatalf("pin count after Bind = %d, want 1", got)
	}

	// Duplicate name: pin rolled back.
	if err := b.Bind("lobby", first.ID); CodeOf(err) != CodeInvalidHandle {
		t.Fatalf("duplicate Bind code = %v, want InvalidHandle", CodeOf(err))
	}
	if got := b.Pins().Count(first.ID); got != 1 {
		t.Errorf("pin count after duplicate Bind = %d, want 1 (no leak)", got)
	}

	// Full table: pin rolled back and the object stays collectible.
	if err := b.Bind("annex", second.ID); CodeOf(err) != CodeResourceExhausted {
		t.Fatalf("Bind beyond capacity code = %v, want ResourceExhausted", CodeOf(err))
	}
	if got := b.Pins().Count(second.ID); got != 0 {
		t.Errorf("pin count after rejected Bind = %d, want 0", got)
	}
	b.Space().Collect()
	if b.Space().Lookup(second.ID) != nil {
		t.Error("object pinned by a rejected Bind survived collection")
	}
}

// Operations racing a concurrent Shutdown must come back with an error
// code, never a crash from a collaborator torn down mid-call.
func TestBridge_OperationsRacingShutdownReturnErrors(t *testing.T) {
	b := New(nil)
	if err := b.Initialize(testConfig(t)); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}
	obj := b.Space().NewObject()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			if _, err := b.CreateSharedMemory(32); CodeOf(err) == CodeNotInitialized {
				return
			}
			b.Submit(echoTask(1))
			b.Pin(obj.ID)
			b.Unpin(obj.ID)
		}
	}()

	b.Shutdown()
	wg.Wait()

	if _, err := b.CreateSharedMemory(32); CodeOf(err) != CodeNotInitialized {
		t.Errorf("CreateSharedMemory after Shutdown code = %v, want NotInitialized", CodeOf(err))
	}
}

func TestBridge_BindUnknownObject(t *testing.T) {
	b := newTestBridge(t)
	if err := b.Bind("ghost", "obj-missing"); CodeOf(err) != CodeInvalidHandle {
		t.Errorf("Bind of unknown object code = %v, want InvalidHandle", CodeOf(err))
	}
}

// ---------------------------------------------------------------------------
// Proxy creation through the bridge
// ---------------------------------------------------------------------------

func TestBridge_NewProxy(t *testing.T) {
	b := newTestBridge(t)
	master := b.Space().NewObject()
	master.SetSlot("answer", vm.NumberValue(42))

	p, err := b.NewProxy(master.ID)
	if err != nil {
		t.Fatalf("NewProxy returned error: %v", err)
	}
	defer p.Close()

	v, err := p.Get("answer")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if v.Num != 42 {
		t.Errorf("Get(answer) = %v, want 42", v.Num)
	}
	if b.Pins().Count(master.ID) != 1 {
		t.Errorf("pin count = %d, want 1", b.Pins().Count(master.ID))
	}

	if _, err := b.NewProxy("obj-missing"); CodeOf(err) != CodeInvalidHandle {
		t.Errorf("NewProxy of unknown master code = %v, want InvalidHandle", CodeOf(err))
	}
}
