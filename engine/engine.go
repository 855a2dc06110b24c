package engine

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	nepsign "github.com/wippyai/nep-sign"
	"github.com/wippyai/nep-sign/errors"
	"github.com/wippyai/nep-sign/resource"
)

const (
	// DefaultBase is where a module is mapped when no base is configured.
	DefaultBase = 0x40000000

	// DefaultMemoryLimitPages caps guest memory at 16MB.
	DefaultMemoryLimitPages = 256

	// DefaultModuleName is the wazero instance name of the guest.
	DefaultModuleName = "libnep"

	// OnLoadExport is the optional initializer export.
	OnLoadExport = "JNI_OnLoad"

	memoryExport = "memory"

	// Opaque pointers handed to the guest. They never dereference.
	envHandle    = 0xfffff000
	javaVMHandle = 0xffffe000
)

// SupportedVersions lists the JNI versions JNI_OnLoad may return.
var SupportedVersions = []uint32{0x00010001, 0x00010002, 0x00010004, 0x00010006, 0x00010008}

// Options configures Load.
type Options struct {
	// Path to the module image. Ignored when Image is set.
	Path string

	// Image is the raw module bytes.
	Image []byte

	// Name of the guest instance. Defaults to DefaultModuleName.
	Name string

	// Base is the mapping address. 0 means DefaultBase.
	Base uint64

	// MemoryLimitPages caps guest memory in 64KB pages.
	// 0 means DefaultMemoryLimitPages.
	MemoryLimitPages uint32
}

// VM is a loaded guest module plus the host object table it calls into.
type VM struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	mod      api.Module
	objects  *resource.Table
	handler  CallOutHandler
	call     *callState
	exports  map[uint32]string
	classes  map[string]nepsign.Ref
	globals  map[nepsign.Ref]struct{}
	natives  map[string]uint64
	info     nepsign.Module
}

// callState tracks the guest call in progress.
type callState struct {
	err      error
	op       string
	callouts int
}

// Export describes one addressable guest function.
type Export struct {
	Name    string
	Address uint64
	Offset  uint32
	Params  int
}

// Native describes a method registered by the guest through register_natives.
type Native struct {
	Key     string
	Address uint64
}

// Load reads, validates and instantiates a guest module.
func Load(ctx context.Context, opts Options) (*VM, error) {
	image := opts.Image
	if image == nil {
		if opts.Path == "" {
			return nil, errors.InvalidInput(errors.PhaseLoad, "module path is empty")
		}
		b, err := os.ReadFile(opts.Path)
		if err != nil {
			return nil, errors.Load("read "+opts.Path, err)
		}
		image = b
	}

	id, err := BuildID(image)
	if err != nil {
		return nil, err
	}

	base := opts.Base
	if base == 0 {
		base = DefaultBase
	}
	pages := opts.MemoryLimitPages
	if pages == 0 {
		pages = DefaultMemoryLimitPages
	}
	name := opts.Name
	if name == "" {
		name = DefaultModuleName
	}

	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(pages)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	vm := &VM{
		runtime: rt,
		objects: resource.NewTable(),
		handler: BaseHandler{},
		exports: make(map[uint32]string),
		classes: make(map[string]nepsign.Ref),
		globals: make(map[nepsign.Ref]struct{}),
		natives: make(map[string]uint64),
		info: nepsign.Module{
			Path:    opts.Path,
			BuildID: id,
			Base:    base,
			Size:    uint64(len(image)),
		},
	}

	compiled, err := rt.CompileModule(ctx, image)
	if err != nil {
		_ = vm.Close(ctx)
		return nil, errors.Load("compile module", err)
	}
	vm.compiled = compiled

	if err := validateABI(compiled); err != nil {
		_ = vm.Close(ctx)
		return nil, err
	}

	if err := vm.instantiateJNI(ctx); err != nil {
		_ = vm.Close(ctx)
		return nil, errors.Instantiation(err)
	}

	if importsModule(compiled, wasi_snapshot_preview1.ModuleName) {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
			_ = vm.Close(ctx)
			return nil, errors.Instantiation(err)
		}
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions())
	if err != nil {
		_ = vm.Close(ctx)
		return nil, errors.Instantiation(err)
	}
	vm.mod = mod

	for exportName, def := range compiled.ExportedFunctions() {
		idx := def.Index()
		if prev, ok := vm.exports[idx]; !ok || exportName < prev {
			vm.exports[idx] = exportName
		}
	}

	Logger().Info("module loaded",
		zap.String("build_id", id),
		zap.String("base", fmt.Sprintf("%#x", base)),
		zap.Int("size", len(image)),
		zap.Int("exports", len(vm.exports)))

	return vm, nil
}

// Module describes where the guest is mapped.
func (vm *VM) Module() nepsign.Module {
	return vm.info
}

// EnvHandle is the JNIEnv value passed as the first argument of every native.
func (vm *VM) EnvHandle() uint64 {
	return envHandle
}

// Init runs JNI_OnLoad and returns the JNI version it reports.
func (vm *VM) Init(ctx context.Context) (uint32, error) {
	if vm.Closed() {
		return 0, errors.New(errors.PhaseInit, errors.KindClosed).Op(OnLoadExport).Build()
	}
	fn := vm.mod.ExportedFunction(OnLoadExport)
	if fn == nil {
		return 0, errors.NotFound(errors.PhaseInit, "export", OnLoadExport)
	}

	res, err := vm.invoke(ctx, OnLoadExport, fn, []uint64{javaVMHandle, 0})
	if err != nil {
		return 0, err
	}

	version := api.DecodeU32(res[0])
	if !slices.Contains(SupportedVersions, version) {
		return version, errors.New(errors.PhaseInit, errors.KindUnsupported).
			Op(OnLoadExport).
			Got(fmt.Sprintf("JNI version %#x", version)).
			Build()
	}
	return version, nil
}

// FindClass returns the global reference for a class, creating it on first use.
func (vm *VM) FindClass(name string) (nepsign.Ref, error) {
	if ref, ok := vm.classes[name]; ok {
		return ref, nil
	}
	ref, err := vm.objects.NewGlobal(resource.ClassClass, name)
	if err != nil {
		return 0, errors.AllocationFailed(errors.PhaseResolve, "class "+name, err)
	}
	vm.classes[name] = ref
	vm.globals[ref] = struct{}{}
	return ref, nil
}

// ResolveMethod finds the address of a native method by name.
// Methods registered by the guest win over JNI-mangled exports.
func (vm *VM) ResolveMethod(class, name, desc string) (uint64, error) {
	key := NativeKey(class, name, desc)
	if addr, ok := vm.natives[key]; ok {
		return addr, nil
	}

	defs := vm.compiled.ExportedFunctions()
	for _, long := range []bool{false, true} {
		if def, ok := defs[MangledName(class, name, desc, long)]; ok {
			return vm.info.Base + uint64(def.Index()), nil
		}
	}
	return 0, errors.NotFound(errors.PhaseResolve, "native method", key)
}

// CallStaticMethod resolves a static native method symbolically and calls it
// with the class reference in the class slot.
func (vm *VM) CallStaticMethod(ctx context.Context, class, name, desc string, args ...nepsign.Ref) (nepsign.Ref, error) {
	addr, err := vm.ResolveMethod(class, name, desc)
	if err != nil {
		return 0, err
	}
	cls, err := vm.FindClass(class)
	if err != nil {
		return 0, err
	}
	return vm.Call(ctx, addr, nepsign.NewCallFrame(envHandle, cls, args...))
}

// Call invokes the function mapped at addr with frame as its arguments.
func (vm *VM) Call(ctx context.Context, addr uint64, frame nepsign.CallFrame) (nepsign.Ref, error) {
	if vm.Closed() {
		return 0, errors.New(errors.PhaseInvoke, errors.KindClosed).Detail("module is closed").Build()
	}
	if !vm.info.Contains(addr) {
		return 0, errors.New(errors.PhaseResolve, errors.KindOutOfBounds).
			Value(addr).
			Detail("address %#x outside %s", addr, vm.info).
			Build()
	}

	idx := uint32(addr - vm.info.Base)
	name, ok := vm.exports[idx]
	if !ok {
		return 0, errors.New(errors.PhaseResolve, errors.KindNotFound).
			Value(addr).
			Detail("no exported function at %#x (index %d)", addr, idx).
			Build()
	}

	fn := vm.mod.ExportedFunction(name)
	if fn == nil {
		return 0, errors.NotFound(errors.PhaseResolve, "export", name)
	}
	if err := checkNativeSignature(name, fn.Definition(), len(frame)); err != nil {
		return 0, err
	}

	res, err := vm.invoke(ctx, name, fn, frame)
	if err != nil {
		return 0, err
	}
	if len(res) == 0 {
		return 0, nil
	}
	return nepsign.Ref(api.DecodeU32(res[0])), nil
}

// invoke runs fn and turns aborts into trap, timeout or canceled errors.
func (vm *VM) invoke(ctx context.Context, op string, fn api.Function, params []uint64) ([]uint64, error) {
	st := &callState{op: op}
	prev := vm.call
	vm.call = st
	defer func() { vm.call = prev }()

	res, err := fn.Call(ctx, params...)
	if st.callouts > 0 {
		Logger().Debug("guest call finished",
			zap.String("op", op),
			zap.Int("callouts", st.callouts),
			zap.Error(err))
	}
	if err == nil {
		return res, nil
	}

	var exit *sys.ExitError
	if errors.As(err, &exit) {
		switch exit.ExitCode() {
		case sys.ExitCodeDeadlineExceeded:
			return nil, errors.Timeout(op, err)
		case sys.ExitCodeContextCanceled:
			return nil, errors.Canceled(op, err)
		}
	}
	if st.err != nil {
		return nil, errors.Trap(op, st.err)
	}
	return nil, errors.Trap(op, err)
}

// AllocString creates a local string object.
func (vm *VM) AllocString(s string) (nepsign.Ref, error) {
	ref, err := vm.objects.NewLocal(resource.ClassString, s)
	if err != nil {
		return 0, errors.AllocationFailed(errors.PhaseMarshal, "string", err)
	}
	return ref, nil
}

// NewObject creates a local object of the given class.
func (vm *VM) NewObject(class string, value any) (nepsign.Ref, error) {
	ref, err := vm.objects.NewLocal(class, value)
	if err != nil {
		return 0, errors.AllocationFailed(errors.PhaseCallOut, class, err)
	}
	return ref, nil
}

// Object returns the object behind ref.
func (vm *VM) Object(ref nepsign.Ref) (resource.Object, error) {
	obj, err := vm.objects.Get(ref)
	if err != nil {
		return resource.Object{}, tableError(errors.PhaseDecode, ref, err)
	}
	return obj, nil
}

// DerefString returns the content of a string object.
func (vm *VM) DerefString(ref nepsign.Ref) (string, error) {
	obj, err := vm.objects.GetTyped(ref, resource.ClassString)
	if err != nil {
		var mismatch *resource.ClassMismatchError
		if errors.As(err, &mismatch) {
			return "", errors.TypeMismatch(errors.PhaseDecode, "deref string", mismatch.Want, mismatch.Got)
		}
		return "", tableError(errors.PhaseDecode, ref, err)
	}
	s, ok := obj.Value.(string)
	if !ok {
		return "", errors.TypeMismatch(errors.PhaseDecode, "deref string", "string value", fmt.Sprintf("%T", obj.Value))
	}
	return s, nil
}

// ReleaseLocal drops a local reference. Globals and stale refs are ignored.
func (vm *VM) ReleaseLocal(ref nepsign.Ref) bool {
	if _, ok := vm.globals[ref]; ok {
		return false
	}
	_, ok := vm.objects.Remove(ref)
	return ok
}

// PushLocalFrame opens a local reference frame.
func (vm *VM) PushLocalFrame() int {
	return vm.objects.PushFrame()
}

// PopLocalFrame releases every local created since the matching push.
func (vm *VM) PopLocalFrame() (int, error) {
	n, err := vm.objects.PopFrame()
	if err != nil {
		return 0, errors.Wrap(errors.PhaseRuntime, errors.KindInvalidInput, err, "pop local frame")
	}
	return n, nil
}

// LiveObjects returns the number of objects in the table, globals included.
func (vm *VM) LiveObjects() int {
	return vm.objects.Len()
}

// SetCallOutHandler replaces the handler that answers guest call-outs.
// A nil handler restores BaseHandler.
func (vm *VM) SetCallOutHandler(h CallOutHandler) {
	if h == nil {
		h = BaseHandler{}
	}
	vm.handler = h
}

// CallOutHandler returns the active call-out handler.
func (vm *VM) CallOutHandler() CallOutHandler {
	return vm.handler
}

// Exports lists the addressable functions ordered by address.
func (vm *VM) Exports() []Export {
	defs := vm.compiled.ExportedFunctions()
	out := make([]Export, 0, len(vm.exports))
	for idx, name := range vm.exports {
		out = append(out, Export{
			Name:    name,
			Address: vm.info.Base + uint64(idx),
			Offset:  idx,
			Params:  len(defs[name].ParamTypes()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Natives lists the methods the guest registered, ordered by key.
func (vm *VM) Natives() []Native {
	out := make([]Native, 0, len(vm.natives))
	for key, addr := range vm.natives {
		out = append(out, Native{Key: key, Address: addr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Closed reports whether the guest instance is gone, e.g. after a timeout.
func (vm *VM) Closed() bool {
	return vm.mod == nil || vm.mod.IsClosed()
}

// Close tears down the guest and the object table.
func (vm *VM) Close(ctx context.Context) error {
	var result *multierror.Error
	if err := vm.runtime.Close(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := vm.objects.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// NativeKey is the lookup key of a registered native.
func NativeKey(class, name, desc string) string {
	return class + "->" + name + desc
}

func tableError(phase errors.Phase, ref nepsign.Ref, err error) error {
	switch {
	case errors.Is(err, resource.ErrReleased):
		return errors.Released(phase, uint32(ref))
	case errors.Is(err, resource.ErrClosed):
		return errors.New(phase, errors.KindClosed).Value(ref).Cause(err).Build()
	default:
		return errors.New(phase, errors.KindNotFound).
			Value(ref).
			Detail("invalid reference %d", ref).
			Cause(err).
			Build()
	}
}
