package bridge

import (
	"context"
	"sync"

	nepsign "github.com/wippyai/nep-sign"
	"github.com/wippyai/nep-sign/engine"
	"github.com/wippyai/nep-sign/errors"
)

// GuestVM is the guest execution service the bridge drives.
// Implementations are not safe for concurrent use.
type GuestVM interface {
	Module() nepsign.Module
	Init(ctx context.Context) (uint32, error)
	CallStaticMethod(ctx context.Context, class, name, desc string, args ...nepsign.Ref) (nepsign.Ref, error)
	Call(ctx context.Context, addr uint64, frame nepsign.CallFrame) (nepsign.Ref, error)
	AllocString(s string) (nepsign.Ref, error)
	NewObject(class string, value any) (nepsign.Ref, error)
	DerefString(ref nepsign.Ref) (string, error)
	ReleaseLocal(ref nepsign.Ref) bool
	PushLocalFrame() int
	PopLocalFrame() (int, error)
	EnvHandle() uint64
	LiveObjects() int
	SetCallOutHandler(h engine.CallOutHandler)
	Close(ctx context.Context) error
}

var _ GuestVM = (*engine.VM)(nil)

// Loader produces a fresh guest VM. The bridge calls it at construction and
// again for every reload.
type Loader func(ctx context.Context) (GuestVM, error)

// EngineLoader loads the module described by opts on every call.
func EngineLoader(opts engine.Options) Loader {
	return func(ctx context.Context) (GuestVM, error) {
		vm, err := engine.Load(ctx, opts)
		if err != nil {
			return nil, err
		}
		return vm, nil
	}
}

// Static hands out vm once. Later calls fail, so a bridge built on it
// cannot reload.
func Static(vm GuestVM) Loader {
	var once sync.Once
	return func(context.Context) (GuestVM, error) {
		var out GuestVM
		once.Do(func() { out = vm })
		if out == nil {
			return nil, errors.New(errors.PhaseLoad, errors.KindUnsupported).
				Detail("static guest cannot be reloaded").
				Build()
		}
		return out, nil
	}
}
