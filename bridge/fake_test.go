package bridge

import (
	"context"
	"strings"
	"testing"

	nepsign "github.com/wippyai/nep-sign"
	"github.com/wippyai/nep-sign/engine"
	"github.com/wippyai/nep-sign/errors"
	"github.com/wippyai/nep-sign/resource"
)

const fakeEnv = 0xfeed

// fakeVM is an in-memory GuestVM. Its "native" joins the string arguments.
type fakeVM struct {
	table       *resource.Table
	symbolicErr error
	directErr   error
	module      nepsign.Module
	symbolic    int
	direct      int
	frames      []nepsign.CallFrame
	closed      bool
}

func newFakeVM() *fakeVM {
	return &fakeVM{
		table:  resource.NewTable(),
		module: nepsign.Module{Path: "fake", BuildID: "fake-build", Base: 0x1000, Size: 0x1000},
	}
}

func (f *fakeVM) Module() nepsign.Module                  { return f.module }
func (f *fakeVM) Init(context.Context) (uint32, error)    { return 0x00010006, nil }
func (f *fakeVM) EnvHandle() uint64                       { return fakeEnv }
func (f *fakeVM) LiveObjects() int                        { return f.table.Len() }
func (f *fakeVM) PushLocalFrame() int                     { return f.table.PushFrame() }
func (f *fakeVM) PopLocalFrame() (int, error)             { return f.table.PopFrame() }
func (f *fakeVM) SetCallOutHandler(engine.CallOutHandler) {}

func (f *fakeVM) Close(context.Context) error {
	f.closed = true
	return f.table.Close()
}

func (f *fakeVM) AllocString(s string) (nepsign.Ref, error) {
	return f.table.NewLocal(resource.ClassString, s)
}

func (f *fakeVM) NewObject(class string, value any) (nepsign.Ref, error) {
	return f.table.NewLocal(class, value)
}

func (f *fakeVM) DerefString(ref nepsign.Ref) (string, error) {
	obj, err := f.table.GetTyped(ref, resource.ClassString)
	if err != nil {
		return "", errors.TypeMismatch(errors.PhaseDecode, "deref", resource.ClassString, obj.Class)
	}
	return obj.Value.(string), nil
}

func (f *fakeVM) ReleaseLocal(ref nepsign.Ref) bool {
	_, ok := f.table.Remove(ref)
	return ok
}

func (f *fakeVM) join(args []nepsign.Ref) (nepsign.Ref, error) {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == 0 {
			parts = append(parts, "null")
			continue
		}
		s, err := f.DerefString(a)
		if err != nil {
			return 0, err
		}
		parts = append(parts, s)
	}
	return f.table.NewLocal(resource.ClassString, strings.Join(parts, ","))
}

func (f *fakeVM) CallStaticMethod(_ context.Context, class, name, desc string, args ...nepsign.Ref) (nepsign.Ref, error) {
	f.symbolic++
	if f.symbolicErr != nil {
		return 0, f.symbolicErr
	}
	return f.join(args)
}

func (f *fakeVM) Call(_ context.Context, addr uint64, frame nepsign.CallFrame) (nepsign.Ref, error) {
	f.direct++
	f.frames = append(f.frames, frame)
	if f.directErr != nil {
		return 0, f.directErr
	}
	args := make([]nepsign.Ref, 0, len(frame))
	for _, v := range frame[2:] {
		args = append(args, nepsign.Ref(v))
	}
	return f.join(args)
}

func newFakeBridge(t *testing.T, vm *fakeVM) *Bridge {
	t.Helper()
	b, err := New(context.Background(), DefaultConfig(), Static(vm))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestFallback_SameResultAsSymbolic(t *testing.T) {
	ok := newFakeVM()
	want, _, path, err := signPost(newFakeBridge(t, ok), "https://x/y", "{}")
	if err != nil || path != PathSymbolic {
		t.Fatalf("symbolic: %q %v %v", want, path, err)
	}

	failing := newFakeVM()
	failing.symbolicErr = errors.NotFound(errors.PhaseResolve, "native method", "getPostMethodSignatures")
	got, found, path, err := signPost(newFakeBridge(t, failing), "https://x/y", "{}")
	if err != nil {
		t.Fatalf("fallback failed: %v", err)
	}
	if !found || got != want {
		t.Errorf("fallback = %q, symbolic = %q", got, want)
	}
	if path != PathDirect || failing.direct != 1 {
		t.Errorf("path = %q, direct calls = %d", path, failing.direct)
	}

	frame := failing.frames[0]
	if len(frame) != 4 || frame[0] != fakeEnv || frame[1] != 0 {
		t.Errorf("frame = %v, want [env, 0, url, content]", frame)
	}
}

func TestFallback_AbortNotRetried(t *testing.T) {
	vm := newFakeVM()
	vm.symbolicErr = errors.Trap("getPostMethodSignatures", nil)
	b := newFakeBridge(t, vm)

	_, _, _, err := signPost(b, "u", "c")
	if errors.KindOf(err) != errors.KindTrap {
		t.Fatalf("expected trap, got %v", err)
	}
	if vm.direct != 0 {
		t.Errorf("aborted symbolic call must not fall back, direct calls = %d", vm.direct)
	}
}

func TestFallback_AbortRetriedWithoutReload(t *testing.T) {
	vm := newFakeVM()
	vm.symbolicErr = errors.Trap("getPostMethodSignatures", nil)
	cfg := DefaultConfig()
	cfg.ReloadOnAbort = false
	b, err := New(context.Background(), cfg, Static(vm))
	if err != nil {
		t.Fatal(err)
	}

	got, ok, path, err := signPost(b, "u", "c")
	if err != nil || !ok || got != "u,c" || path != PathDirect {
		t.Errorf("signPost = %q %v %q %v", got, ok, path, err)
	}
}

func TestFallback_ClosedGuestNotRetried(t *testing.T) {
	for _, symErr := range []error{
		errors.Timeout("getPostMethodSignatures", nil),
		errors.Canceled("getPostMethodSignatures", nil),
		errors.New(errors.PhaseInvoke, errors.KindClosed).Detail("module closed").Build(),
	} {
		t.Run(string(errors.KindOf(symErr)), func(t *testing.T) {
			vm := newFakeVM()
			vm.symbolicErr = symErr
			cfg := DefaultConfig()
			cfg.ReloadOnAbort = false
			b, err := New(context.Background(), cfg, Static(vm))
			if err != nil {
				t.Fatal(err)
			}

			_, _, path, err := signPost(b, "u", "c")
			if errors.KindOf(err) != errors.KindOf(symErr) {
				t.Fatalf("expected %s, got %v", errors.KindOf(symErr), err)
			}
			if vm.direct != 0 || path != PathSymbolic {
				t.Errorf("closed guest must not fall back: direct calls = %d, path = %q", vm.direct, path)
			}
			st := b.Stats()
			if st.Fallbacks != 0 {
				t.Errorf("fallbacks = %d, want 0", st.Fallbacks)
			}
			if !st.Poisoned {
				t.Error("a closed guest always poisons")
			}
		})
	}
}

func TestGet_DirectOnly(t *testing.T) {
	vm := newFakeVM()
	b := newFakeBridge(t, vm)

	got, ok, err := signGet(b, "https://x/y", nil)
	if err != nil || !ok {
		t.Fatalf("signGet: %v", err)
	}
	if got != "https://x/y,null" {
		t.Errorf("result = %q", got)
	}
	if vm.symbolic != 0 {
		t.Errorf("GET must not try the symbolic path, got %d attempts", vm.symbolic)
	}
	wantAddr := vm.module.Base + uint64(DefaultConfig().Offsets[OpGet])
	if addr, _ := b.Resolve(OpGet); addr != wantAddr {
		t.Errorf("get address = %#x, want %#x", addr, wantAddr)
	}
}

func TestFake_NoLeakOnDirectFailure(t *testing.T) {
	vm := newFakeVM()
	vm.symbolicErr = errors.NotFound(errors.PhaseResolve, "native method", "x")
	vm.directErr = errors.InvalidInput(errors.PhaseInvoke, "bad frame")
	b := newFakeBridge(t, vm)

	before := vm.LiveObjects()
	for i := 0; i < 10; i++ {
		if _, _, _, err := signPost(b, "u", "c"); err == nil {
			t.Fatal("expected error")
		}
	}
	if vm.LiveObjects() != before {
		t.Errorf("live objects = %d, want %d", vm.LiveObjects(), before)
	}
	if b.Stats().Poisoned {
		t.Error("non-abort errors must not poison")
	}
}

func TestScope(t *testing.T) {
	vm := newFakeVM()
	s := OpenScope(vm)

	ref, err := s.ToGuest("hello")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ToGuest("\xff"); errors.KindOf(err) != errors.KindInvalidInput {
		t.Errorf("invalid UTF-8: expected invalid input, got %v", err)
	}
	m, err := s.ToGuestMap(map[string]string{"a": "b"})
	if err != nil || m == 0 {
		t.Fatalf("ToGuestMap = %d, %v", m, err)
	}
	if null, err := s.ToGuestMap(nil); err != nil || null != 0 {
		t.Errorf("nil map = %d, %v; want null", null, err)
	}

	text, ok, err := s.FromGuest(ref)
	if err != nil || !ok || text != "hello" {
		t.Errorf("FromGuest = %q, %v, %v", text, ok, err)
	}
	if _, ok, err := s.FromGuest(0); ok || err != nil {
		t.Errorf("FromGuest(0) = %v, %v; want no result", ok, err)
	}
	if s.Created() != 2 {
		t.Errorf("created = %d, want 2", s.Created())
	}

	released, err := s.Close()
	if err != nil {
		t.Fatal(err)
	}
	if released != 2 {
		t.Errorf("released = %d, want 2", released)
	}
	if vm.LiveObjects() != 0 {
		t.Errorf("live objects = %d", vm.LiveObjects())
	}
	if n, err := s.Close(); n != 0 || err != nil {
		t.Errorf("second Close = %d, %v", n, err)
	}

	if _, err := s.ToGuest("x"); errors.KindOf(err) != errors.KindReleased {
		t.Errorf("ToGuest after Close: %v", err)
	}
	if _, _, err := s.FromGuest(ref); errors.KindOf(err) != errors.KindReleased {
		t.Errorf("FromGuest after Close: %v", err)
	}
}
