package bridge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	nepsign "github.com/wippyai/nep-sign"
	"github.com/wippyai/nep-sign/errors"
)

// Resolver turns operation names into absolute guest addresses.
// It does not check that an address points at the intended function.
type Resolver struct {
	offsets Offsets
	module  nepsign.Module
}

// NewResolver creates a resolver for a loaded module.
func NewResolver(module nepsign.Module, offsets Offsets) *Resolver {
	return &Resolver{module: module, offsets: offsets}
}

// Resolve returns module.Base + offsets[op].
func (r *Resolver) Resolve(op string) (uint64, error) {
	off, ok := r.offsets[op]
	if !ok {
		return 0, errors.NotFound(errors.PhaseResolve, "offset for operation", op)
	}
	return r.module.Base + uint64(off), nil
}

// Module returns the module the resolver computes addresses for.
func (r *Resolver) Module() nepsign.Module {
	return r.module
}

// Offsets returns the offset table in use.
func (r *Resolver) Offsets() Offsets {
	return r.offsets
}

// InitStatus records the outcome of the module initialization call.
type InitStatus struct {
	Err     error
	Version uint32
}

// OK reports whether initialization succeeded.
func (s InitStatus) OK() bool {
	return s.Err == nil
}

func (s InitStatus) String() string {
	if s.Err != nil {
		return "failed: " + s.Err.Error()
	}
	return fmt.Sprintf("ok (JNI version %#x)", s.Version)
}

// Initialize runs the module initializer. Failure is logged and returned in
// the status, never as an error: the target functions work without it.
func (r *Resolver) Initialize(ctx context.Context, vm GuestVM) InitStatus {
	version, err := vm.Init(ctx)
	if err != nil {
		Logger().Warn("module initialization failed, continuing",
			zap.String("build_id", r.module.BuildID),
			zap.Error(err))
		return InitStatus{Version: version, Err: err}
	}
	Logger().Info("module initialized",
		zap.String("build_id", r.module.BuildID),
		zap.String("jni_version", fmt.Sprintf("%#x", version)))
	return InitStatus{Version: version}
}
