package bridge

import (
	"testing"

	"github.com/chazu/synapse/vm"
)

// recordingForwarder counts forwards and can fail specific selectors.
type recordingForwarder struct {
	inner Forwarder
	calls []string
	fail  map[string]error
}

func (f *recordingForwarder) Forward(masterID, selector string, args []Value) (Value, error) {
	f.calls = append(f.calls, selector)
	if err, ok := f.fail[selector]; ok {
		return NullValue(), err
	}
	if f.inner != nil {
		return f.inner.Forward(masterID, selector, args)
	}
	return NullValue(), nil
}

func newTestProxy(t *testing.T) (*Proxy, *vm.Object, *vm.ObjectSpace, *recordingForwarder) {
	t.Helper()
	space := vm.NewObjectSpace()
	pins := NewPinRegistry(space)
	master := space.NewObject()
	master.SetSlot("greeting", vm.StringValue("hello"))

	tok, err := pins.Pin(master)
	if err != nil {
		t.Fatalf("Pin returned error: %v", err)
	}
	fwd := &recordingForwarder{inner: NewSpaceForwarder(space, pins)}
	p, err := NewProxy(tok, fwd)
	if err != nil {
		t.Fatalf("NewProxy returned error: %v", err)
	}
	return p, master, space, fwd
}

// ---------------------------------------------------------------------------
// Resolution order
// ---------------------------------------------------------------------------

func TestProxy_GetForwardsToMaster(t *testing.T) {
	p, _, _, _ := newTestProxy(t)
	defer p.Close()

	v, err := p.Get("greeting")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if v.Kind != KindString || v.Str != "hello" {
		t.Errorf("Get(greeting) = %+v, want string \"hello\"", v)
	}
}

// A local write shadows the master even when the master link is dead.
func TestProxy_LocalSlotShadowsMaster(t *testing.T) {
	p, master, _, fwd := newTestProxy(t)
	defer p.Close()

	if err := p.Set("greeting", StringValue("local")); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	// Sever the master link. The local read must still work.
	fwd.fail = map[string]error{"greeting": Errf(CodeRuntimeException, "link down")}
	master.SetSlot("greeting", vm.StringValue("stale"))

	v, err := p.Get("greeting")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if v.Str != "local" {
		t.Errorf("Get(greeting) = %q, want the local value", v.Str)
	}
}

func TestProxy_SetPropagatesToMaster(t *testing.T) {
	p, master, space, _ := newTestProxy(t)
	defer p.Close()

	if err := p.Set("mood", NumberValue(7)); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	v, _, ok := space.GetSlot(master, "mood")
	if !ok {
		t.Fatal("slot did not propagate to the master")
	}
	if v.Kind != vm.KindNumber || v.Num != 7 {
		t.Errorf("master slot = %+v, want number 7", v)
	}
	if p.LocalSlotCount() != 1 {
		t.Errorf("local slot count = %d, want 1", p.LocalSlotCount())
	}
}

// The local write survives a propagation failure.
func TestProxy_SetSurvivesPropagationFailure(t *testing.T) {
	p, _, _, fwd := newTestProxy(t)
	defer p.Close()
	fwd.fail = map[string]error{selSetSlot: Errf(CodeRuntimeException, "master unreachable")}

	if err := p.Set("mood", NumberValue(7)); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	v, err := p.Get("mood")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if v.Num != 7 {
		t.Errorf("Get(mood) = %v, want 7", v.Num)
	}
}

func TestProxy_Delete(t *testing.T) {
	p, master, space, _ := newTestProxy(t)
	defer p.Close()

	if err := p.Set("mood", NumberValue(7)); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	if err := p.Delete("mood"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if p.LocalSlotCount() != 0 {
		t.Errorf("local slot count after delete = %d, want 0", p.LocalSlotCount())
	}
	if _, _, ok := space.GetSlot(master, "mood"); ok {
		t.Error("removal did not propagate to the master")
	}
}

// ---------------------------------------------------------------------------
// Miss handling
// ---------------------------------------------------------------------------

func TestProxy_MissReturnsSlotNotFound(t *testing.T) {
	p, _, _, fwd := newTestProxy(t)
	defer p.Close()

	_, err := p.Get("nonesuch")
	if CodeOf(err) != CodeSlotNotFound {
		t.Fatalf("Get miss code = %v, want SlotNotFound", CodeOf(err))
	}

	// The master does not implement proxyDidNotUnderstand, but the
	// proxy must still have attempted the notification.
	want := []string{"nonesuch", selDidNotUnderstand}
	if len(fwd.calls) != len(want) {
		t.Fatalf("forward calls = %v, want %v", fwd.calls, want)
	}
	for i := range want {
		if fwd.calls[i] != want[i] {
			t.Errorf("forward call %d = %q, want %q", i, fwd.calls[i], want[i])
		}
	}
}

func TestProxy_MissDeliversDidNotUnderstand(t *testing.T) {
	p, master, _, _ := newTestProxy(t)
	defer p.Close()

	var gotName, gotID string
	master.SetSlot(selDidNotUnderstand, vm.NativeValue(func(space *vm.ObjectSpace, self *vm.Object, args []vm.Value) (vm.Value, error) {
		if len(args) == 2 {
			gotName = args[0].Str
			gotID = args[1].Str
		}
		return vm.NilValue(), nil
	}))

	if _, err := p.Get("missing"); CodeOf(err) != CodeSlotNotFound {
		t.Fatalf("Get miss code = %v, want SlotNotFound", CodeOf(err))
	}
	if gotName != "missing" {
		t.Errorf("notified slot name = %q, want %q", gotName, "missing")
	}
	if gotID != p.MasterID() {
		t.Errorf("notified proxy id = %q, want %q", gotID, p.MasterID())
	}
}

// Non-miss failures propagate untouched and never trigger the
// didNotUnderstand notification.
func TestProxy_OtherErrorsPropagateWithoutNotify(t *testing.T) {
	p, _, _, fwd := newTestProxy(t)
	defer p.Close()
	fwd.fail = map[string]error{"flaky": Errf(CodeTimeout, "master did not answer")}

	_, err := p.Get("flaky")
	if CodeOf(err) != CodeTimeout {
		t.Fatalf("Get code = %v, want Timeout", CodeOf(err))
	}
	for _, sel := range fwd.calls {
		if sel == selDidNotUnderstand {
			t.Error("didNotUnderstand was sent for a non-miss failure")
		}
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestProxy_CloseReleasesPin(t *testing.T) {
	space := vm.NewObjectSpace()
	pins := NewPinRegistry(space)
	master := space.NewObject()

	tok, err := pins.Pin(master)
	if err != nil {
		t.Fatalf("Pin returned error: %v", err)
	}
	p, err := NewProxy(tok, NewSpaceForwarder(space, pins))
	if err != nil {
		t.Fatalf("NewProxy returned error: %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if pins.Count(master.ID) != 0 {
		t.Errorf("pin count after Close = %d, want 0", pins.Count(master.ID))
	}

	if err := p.Close(); CodeOf(err) != CodeInvalidHandle {
		t.Errorf("second Close code = %v, want InvalidHandle", CodeOf(err))
	}
	if _, err := p.Get("x"); CodeOf(err) != CodeInvalidHandle {
		t.Errorf("Get on closed proxy code = %v, want InvalidHandle", CodeOf(err))
	}
	if err := p.Set("x", NullValue()); CodeOf(err) != CodeInvalidHandle {
		t.Errorf("Set on closed proxy code = %v, want InvalidHandle", CodeOf(err))
	}
}

func TestNewProxy_NilArguments(t *testing.T) {
	space := vm.NewObjectSpace()
	pins := NewPinRegistry(space)
	tok, err := pins.Pin(space.NewObject())
	if err != nil {
		t.Fatalf("Pin returned error: %v", err)
	}

	if _, err := NewProxy(nil, NewSpaceForwarder(space, pins)); CodeOf(err) != CodeNullPointer {
		t.Errorf("NewProxy(nil token) code = %v, want NullPointer", CodeOf(err))
	}
	if _, err := NewProxy(tok, nil); CodeOf(err) != CodeNullPointer {
		t.Errorf("NewProxy(nil forwarder) code = %v, want NullPointer", CodeOf(err))
	}
}
