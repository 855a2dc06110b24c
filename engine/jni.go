package engine

import (
	"context"
	"slices"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	nepsign "github.com/wippyai/nep-sign"
	"github.com/wippyai/nep-sign/errors"
	"github.com/wippyai/nep-sign/resource"
)

// JNIModule is the import module name of the host object model.
const JNIModule = "jni"

const i32 = api.ValueTypeI32

type hostFunc struct {
	fn      func(*VM, context.Context, api.Module, []uint64)
	name    string
	params  []api.ValueType
	results []api.ValueType
}

var jniFuncs = []hostFunc{
	{(*VM).newStringUTF, "new_string_utf", []api.ValueType{i32, i32}, []api.ValueType{i32}},
	{(*VM).getStringUTFLength, "get_string_utf_length", []api.ValueType{i32}, []api.ValueType{i32}},
	{(*VM).getStringUTFChars, "get_string_utf_chars", []api.ValueType{i32, i32, i32}, []api.ValueType{i32}},
	{(*VM).findClass, "find_class", []api.ValueType{i32, i32}, []api.ValueType{i32}},
	{(*VM).registerNatives, "register_natives", []api.ValueType{i32, i32, i32, i32, i32, i32}, []api.ValueType{i32}},
	{(*VM).callObjectMethod, "call_object_method", []api.ValueType{i32, i32, i32}, []api.ValueType{i32}},
	{(*VM).callStaticObjectMethod, "call_static_object_method", []api.ValueType{i32, i32, i32}, []api.ValueType{i32}},
	{(*VM).callIntMethod, "call_int_method", []api.ValueType{i32, i32, i32}, []api.ValueType{i32}},
	{(*VM).deleteLocalRef, "delete_local_ref", []api.ValueType{i32}, nil},
	{(*VM).logWrite, "log_write", []api.ValueType{i32, i32, i32, i32, i32}, nil},
}

func (vm *VM) instantiateJNI(ctx context.Context) error {
	builder := vm.runtime.NewHostModuleBuilder(JNIModule)
	for _, h := range jniFuncs {
		fn := h.fn
		builder = builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, m api.Module, stack []uint64) {
				fn(vm, ctx, m, stack)
			}), h.params, h.results).
			Export(h.name)
	}
	_, err := builder.Instantiate(ctx)
	return err
}

// fail aborts the running guest call. The panic is recovered by wazero and
// surfaces from Call as an error; the recorded cause is reported instead.
func (vm *VM) fail(err error) {
	if vm.call != nil && vm.call.err == nil {
		vm.call.err = err
	}
	panic(err)
}

func (vm *VM) readString(m api.Module, ptr, n uint32) string {
	b, ok := m.Memory().Read(ptr, n)
	if !ok {
		vm.fail(errors.OutOfBounds(errors.PhaseCallOut, ptr, n))
	}
	return string(b)
}

func (vm *VM) newStringUTF(_ context.Context, m api.Module, stack []uint64) {
	s := vm.readString(m, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	ref, err := vm.objects.NewLocal(resource.ClassString, s)
	if err != nil {
		vm.fail(errors.AllocationFailed(errors.PhaseCallOut, "string", err))
	}
	stack[0] = api.EncodeU32(uint32(ref))
}

func (vm *VM) getStringUTFLength(_ context.Context, _ api.Module, stack []uint64) {
	obj, err := vm.objects.GetTyped(nepsign.Ref(api.DecodeU32(stack[0])), resource.ClassString)
	if err != nil {
		stack[0] = api.EncodeI32(-1)
		return
	}
	s, _ := obj.Value.(string)
	stack[0] = api.EncodeI32(int32(len(s)))
}

func (vm *VM) getStringUTFChars(_ context.Context, m api.Module, stack []uint64) {
	buf, limit := api.DecodeU32(stack[1]), api.DecodeU32(stack[2])
	obj, err := vm.objects.GetTyped(nepsign.Ref(api.DecodeU32(stack[0])), resource.ClassString)
	if err != nil {
		stack[0] = api.EncodeI32(-1)
		return
	}
	s, _ := obj.Value.(string)
	if uint32(len(s)) < limit {
		limit = uint32(len(s))
	}
	if !m.Memory().WriteString(buf, s[:limit]) {
		vm.fail(errors.OutOfBounds(errors.PhaseCallOut, buf, limit))
	}
	stack[0] = api.EncodeI32(int32(limit))
}

func (vm *VM) findClass(_ context.Context, m api.Module, stack []uint64) {
	name := vm.readString(m, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	ref, err := vm.FindClass(name)
	if err != nil {
		vm.fail(err)
	}
	stack[0] = api.EncodeU32(uint32(ref))
}

func (vm *VM) registerNatives(_ context.Context, m api.Module, stack []uint64) {
	obj, err := vm.objects.GetTyped(nepsign.Ref(api.DecodeU32(stack[0])), resource.ClassClass)
	if err != nil {
		stack[0] = api.EncodeI32(-1)
		return
	}
	class, _ := obj.Value.(string)
	name := vm.readString(m, api.DecodeU32(stack[1]), api.DecodeU32(stack[2]))
	desc := vm.readString(m, api.DecodeU32(stack[3]), api.DecodeU32(stack[4]))
	offset := api.DecodeU32(stack[5])

	key := NativeKey(class, name, desc)
	vm.natives[key] = vm.info.Base + uint64(offset)
	Logger().Debug("native registered",
		zap.String("method", key),
		zap.Uint32("offset", offset))
	stack[0] = 0
}

func (vm *VM) callObjectMethod(_ context.Context, m api.Module, stack []uint64) {
	c := vm.callOut(m, CallOutObject, stack)
	ref, err := vm.handler.CallObjectMethod(vm, c)
	if err != nil {
		vm.fail(err)
	}
	stack[0] = api.EncodeU32(uint32(ref))
}

func (vm *VM) callStaticObjectMethod(_ context.Context, m api.Module, stack []uint64) {
	c := vm.callOut(m, CallOutStatic, stack)
	ref, err := vm.handler.CallObjectMethod(vm, c)
	if err != nil {
		vm.fail(err)
	}
	stack[0] = api.EncodeU32(uint32(ref))
}

func (vm *VM) callIntMethod(_ context.Context, m api.Module, stack []uint64) {
	c := vm.callOut(m, CallOutInt, stack)
	n, err := vm.handler.CallIntMethod(vm, c)
	if err != nil {
		vm.fail(err)
	}
	stack[0] = api.EncodeI32(n)
}

// callOut decodes (target, sig_ptr, sig_len) into a CallOut.
func (vm *VM) callOut(m api.Module, kind CallOutKind, stack []uint64) CallOut {
	target := nepsign.Ref(api.DecodeU32(stack[0]))
	method := vm.readString(m, api.DecodeU32(stack[1]), api.DecodeU32(stack[2]))

	obj, err := vm.objects.Get(target)
	if err != nil {
		vm.fail(tableError(errors.PhaseCallOut, target, err))
	}
	class := obj.Class
	if kind == CallOutStatic {
		if obj.Class != resource.ClassClass {
			vm.fail(errors.TypeMismatch(errors.PhaseCallOut, method, resource.ClassClass, obj.Class))
		}
		class, _ = obj.Value.(string)
	}

	if vm.call != nil {
		vm.call.callouts++
	}
	c := CallOut{
		Kind:      kind,
		Class:     class,
		Method:    method,
		Signature: class + "->" + method,
		This:      target,
	}
	Logger().Debug("call-out", zap.Stringer("kind", kind), zap.String("signature", c.Signature))
	return c
}

func (vm *VM) deleteLocalRef(_ context.Context, _ api.Module, stack []uint64) {
	vm.ReleaseLocal(nepsign.Ref(api.DecodeU32(stack[0])))
}

func (vm *VM) logWrite(_ context.Context, m api.Module, stack []uint64) {
	prio := api.DecodeI32(stack[0])
	tag := vm.readString(m, api.DecodeU32(stack[1]), api.DecodeU32(stack[2]))
	msg := vm.readString(m, api.DecodeU32(stack[3]), api.DecodeU32(stack[4]))
	if ce := Logger().Check(guestLogLevel(prio), msg); ce != nil {
		ce.Write(zap.String("tag", tag), zap.String("module", vm.info.BuildID))
	}
}

// validateABI checks the memory export, the initializer signature and that
// every import is one the host provides with a matching signature.
func validateABI(mod wazero.CompiledModule) error {
	if _, ok := mod.ExportedMemories()[memoryExport]; !ok {
		return errors.New(errors.PhaseLoad, errors.KindNotFound).
			Detail("module does not export %q", memoryExport).
			Build()
	}

	if def, ok := mod.ExportedFunctions()[OnLoadExport]; ok {
		want := []api.ValueType{i32, i32}
		if !slices.Equal(def.ParamTypes(), want) || !slices.Equal(def.ResultTypes(), []api.ValueType{i32}) {
			return errors.TypeMismatch(errors.PhaseLoad, OnLoadExport,
				signatureString(want, []api.ValueType{i32}),
				signatureString(def.ParamTypes(), def.ResultTypes()))
		}
	}

	for _, def := range mod.ImportedFunctions() {
		moduleName, name, _ := def.Import()
		switch moduleName {
		case JNIModule:
		case wasi_snapshot_preview1.ModuleName:
			continue
		default:
			return errors.Unsupported(errors.PhaseLoad, "import module "+moduleName)
		}

		idx := slices.IndexFunc(jniFuncs, func(h hostFunc) bool { return h.name == name })
		if idx < 0 {
			return errors.NotFound(errors.PhaseLoad, "host function", JNIModule+"."+name)
		}
		h := jniFuncs[idx]
		if !slices.Equal(def.ParamTypes(), h.params) || !slices.Equal(def.ResultTypes(), h.results) {
			return errors.TypeMismatch(errors.PhaseLoad, JNIModule+"."+name,
				signatureString(h.params, h.results),
				signatureString(def.ParamTypes(), def.ResultTypes()))
		}
	}
	return nil
}

// checkNativeSignature verifies fn can take frame as its argument list.
func checkNativeSignature(name string, def api.FunctionDefinition, frameLen int) error {
	params, results := def.ParamTypes(), def.ResultTypes()
	if len(params) != frameLen {
		return errors.New(errors.PhaseInvoke, errors.KindInvalidInput).
			Op(name).
			Want(signatureString(params, results)).
			Detail("call frame has %d values", frameLen).
			Build()
	}
	for _, p := range params {
		if p != i32 {
			return errors.Unsupported(errors.PhaseInvoke, name+" takes non-i32 parameters")
		}
	}
	if len(results) > 1 || (len(results) == 1 && results[0] != i32) {
		return errors.Unsupported(errors.PhaseInvoke, name+" does not return a reference")
	}
	return nil
}

func importsModule(mod wazero.CompiledModule, name string) bool {
	for _, def := range mod.ImportedFunctions() {
		if moduleName, _, _ := def.Import(); moduleName == name {
			return true
		}
	}
	return false
}

func signatureString(params, results []api.ValueType) string {
	var b strings.Builder
	b.WriteByte('(')
	for i, p := range params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(api.ValueTypeName(p))
	}
	b.WriteString(") -> (")
	for i, r := range results {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(api.ValueTypeName(r))
	}
	b.WriteByte(')')
	return b.String()
}
