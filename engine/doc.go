// Package engine runs the signing library as a sandboxed guest.
//
// The library is a core WebAssembly module executed by wazero. It talks to
// the host through a JNI-shaped import module named "jni": strings, classes
// and collections live in a host object table and the guest only ever sees
// opaque 32-bit references to them.
//
// # Guest ABI
//
// Imports (module "jni"):
//
//	new_string_utf(ptr, len) -> ref
//	get_string_utf_length(ref) -> len | -1
//	get_string_utf_chars(ref, buf, cap) -> written | -1
//	find_class(ptr, len) -> ref
//	register_natives(cls, name_ptr, name_len, sig_ptr, sig_len, fn_offset) -> 0 | -1
//	call_object_method(obj, sig_ptr, sig_len) -> ref
//	call_static_object_method(cls, sig_ptr, sig_len) -> ref
//	call_int_method(obj, sig_ptr, sig_len) -> int
//	delete_local_ref(ref)
//	log_write(prio, tag_ptr, tag_len, msg_ptr, msg_len)
//
// Exports:
//
//	memory                      linear memory, required
//	JNI_OnLoad(vm, reserved)    optional initializer returning a JNI version
//	<any>(env, cls, args...)    native methods, every parameter an i32
//
// # Addresses
//
// A loaded module is mapped at a base address. The address of a defined
// function is base plus its index in the module's function index space, so
// an offset recovered by disassembly is simply a function index. Only
// exported functions can be called by address.
//
// # Call-outs
//
// Whenever the guest invokes a method on a host object (call_*_method), the
// VM asks its CallOutHandler for the answer. BaseHandler implements the few
// methods the object model supports natively and rejects everything else,
// which aborts the guest call.
//
// # Thread Safety
//
// VM is NOT safe for concurrent use. Callers serialize access.
package engine
