package vm

import (
	"errors"
	"path/filepath"
	"testing"
)

func newTestPersistence(t *testing.T) (*Persistence, *ObjectSpace) {
	t.Helper()
	space := NewObjectSpace()
	p, err := NewPersistence(filepath.Join(t.TempDir(), "objects.db"), space)
	if err != nil {
		t.Fatalf("NewPersistence returned error: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p, space
}

func TestPersistence_SaveLoadRoundTrip(t *testing.T) {
	p, space := newTestPersistence(t)

	obj := space.NewObject()
	obj.SetSlot("name", StringValue("alpha"))
	obj.SetSlot("count", NumberValue(3))
	obj.SetSlot("flags", ListValue(BoolValue(true), NilValue()))

	if err := p.Save(obj); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	// Drop the live object so Load reconstructs from the store.
	space.objMu.Lock()
	delete(space.objects, obj.ID)
	space.objMu.Unlock()

	loaded, err := p.Load(obj.ID)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if v, _ := loaded.GetLocalSlot("name"); v.Str != "alpha" {
		t.Errorf("loaded name = %q, want %q", v.Str, "alpha")
	}
	if v, _ := loaded.GetLocalSlot("count"); v.Num != 3 {
		t.Errorf("loaded count = %v, want 3", v.Num)
	}
	if v, _ := loaded.GetLocalSlot("flags"); len(v.List) != 2 || !v.List[0].Bool {
		t.Errorf("loaded flags = %v, want [true, nil]", v.AsString())
	}
}

func TestPersistence_LoadPrefersLiveObject(t *testing.T) {
	p, space := newTestPersistence(t)

	obj := space.NewObject()
	loaded, err := p.Load(obj.ID)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if loaded != obj {
		t.Error("Load should return the live object when present")
	}
}

func TestPersistence_ObjectReferenceRelinks(t *testing.T) {
	p, space := newTestPersistence(t)

	target := space.NewObject()
	obj := space.NewObject()
	obj.SetSlot("ref", ObjectValue(target))

	if err := p.Save(obj); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	space.objMu.Lock()
	delete(space.objects, obj.ID)
	space.objMu.Unlock()

	loaded, err := p.Load(obj.ID)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	v, _ := loaded.GetLocalSlot("ref")
	if v.Kind != KindObject || v.Obj != target {
		t.Errorf("loaded ref = %s, want the live target object", v.AsString())
	}
}

func TestPersistence_NativeSlotsAreDropped(t *testing.T) {
	p, space := newTestPersistence(t)

	obj := space.NewObject()
	obj.SetSlot("fn", NativeValue(func(_ *ObjectSpace, _ *Object, _ []Value) (Value, error) {
		return NilValue(), nil
	}))
	obj.SetSlot("kept", NumberValue(1))

	if err := p.Save(obj); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	space.objMu.Lock()
	delete(space.objects, obj.ID)
	space.objMu.Unlock()

	loaded, err := p.Load(obj.ID)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if _, ok := loaded.GetLocalSlot("fn"); ok {
		t.Error("native slot should not survive persistence")
	}
	if _, ok := loaded.GetLocalSlot("kept"); !ok {
		t.Error("data slot should survive persistence")
	}
}

func TestPersistence_LoadMissing(t *testing.T) {
	p, _ := newTestPersistence(t)

	if _, err := p.Load("obj-missing"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Load missing = %v, want ErrObjectNotFound", err)
	}
}

func TestPersistence_Delete(t *testing.T) {
	p, space := newTestPersistence(t)

	obj := space.NewObject()
	if err := p.Save(obj); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if err := p.Delete(obj.ID); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}

	space.objMu.Lock()
	delete(space.objects, obj.ID)
	space.objMu.Unlock()

	if _, err := p.Load(obj.ID); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Load after Delete = %v, want ErrObjectNotFound", err)
	}
}
