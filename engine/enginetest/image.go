// Package enginetest builds small guest images that speak the engine's JNI
// ABI. They stand in for the real signing library in tests.
//
// Every image exports the same functions at fixed offsets:
//
//	OffsetOnLoad   JNI_OnLoad: resolves the Tools class, optionally registers
//	               the POST native, returns Options.Version
//	OffsetPost     (env, cls, url, content) -> url + "|post|" + content
//	OffsetGet      (env, cls, url, headers) -> url + "|get", followed by
//	               headers.keySet().toString() when headers is not null
//	OffsetNull     returns null
//	OffsetTrap     executes unreachable
//	OffsetMismatch returns a java/lang/Class reference instead of a string
//	OffsetSpin     never returns
//	OffsetLeak     creates two locals it never deletes, returns url[:3]
//	OffsetCallOut  calls url.keySet(), which no handler supports
package enginetest

// Class and method names the images use.
const (
	Class         = "com/netease/nep/Tools"
	PostMethod    = "getPostMethodSignatures"
	PostDesc      = "(Ljava/lang/String;Ljava/lang/String;)Ljava/lang/String;"
	GetMethod     = "getGetMethodSignatures"
	GetDesc       = "(Ljava/lang/String;Ljava/util/HashMap;)Ljava/lang/String;"
	MangledPost   = "Java_com_netease_nep_Tools_getPostMethodSignatures"
	KeySetMethod  = "keySet()Ljava/util/Set;"
	ToString      = "toString()Ljava/lang/String;"
	PostSeparator = "|post|"
	GetSuffix     = "|get"
	LogTag        = "nep"
	LogMessage    = "sign"
	JNIVersion16  = 0x00010006
)

// Function offsets, relative to the module base.
const (
	OffsetOnLoad uint32 = iota + importCount
	OffsetPost
	OffsetGet
	OffsetNull
	OffsetTrap
	OffsetMismatch
	OffsetSpin
	OffsetLeak
	OffsetCallOut
)

// Export names of the offset functions.
var exportNames = map[uint32]string{
	OffsetPost:     "nep_a",
	OffsetGet:      "nep_b",
	OffsetNull:     "nep_c",
	OffsetTrap:     "nep_d",
	OffsetMismatch: "nep_e",
	OffsetSpin:     "nep_f",
	OffsetLeak:     "nep_g",
	OffsetCallOut:  "nep_h",
}

// Options varies the generated image.
type Options struct {
	// Version is what JNI_OnLoad returns. 0 means JNIVersion16.
	Version int32

	// Register makes JNI_OnLoad register the POST native.
	Register bool

	// InitTraps makes JNI_OnLoad execute unreachable.
	InitTraps bool

	// NoInit omits the JNI_OnLoad export.
	NoInit bool

	// Mangled also exports the POST function under its JNI symbol.
	Mangled bool

	// NoMemory omits the memory export.
	NoMemory bool

	// ExtraImport adds an import the host does not provide.
	ExtraImport string
}

// Default returns an image whose initializer registers the POST native.
func Default() []byte {
	return Build(Options{Register: true})
}

const (
	valI32 = 0x7f
	funcT  = 0x60

	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionExport   = 7
	sectionCode     = 10
	sectionData     = 11

	kindFunc   = 0x00
	kindMemory = 0x02
)

// Function types.
const (
	typePair = iota
	typeUnary
	typeTriple
	typeRegister
	typeRelease
	typeLog
	typeNative
)

var types = [][2]int{
	typePair:     {2, 1},
	typeUnary:    {1, 1},
	typeTriple:   {3, 1},
	typeRegister: {6, 1},
	typeRelease:  {1, 0},
	typeLog:      {5, 0},
	typeNative:   {4, 1},
}

// Imports in function index order.
const (
	fnNewString = iota
	fnStringLength
	fnStringChars
	fnFindClass
	fnRegisterNatives
	fnCallObject
	fnCallStatic
	fnCallInt
	fnDeleteLocal
	fnLogWrite
	importCount
)

var imports = []struct {
	name string
	typ  uint32
}{
	{"new_string_utf", typePair},
	{"get_string_utf_length", typeUnary},
	{"get_string_utf_chars", typeTriple},
	{"find_class", typePair},
	{"register_natives", typeRegister},
	{"call_object_method", typeTriple},
	{"call_static_object_method", typeTriple},
	{"call_int_method", typeTriple},
	{"delete_local_ref", typeRelease},
	{"log_write", typeLog},
}

// Static data layout.
const (
	scratch = 1024
	maxCopy = 16384
)

type datum struct {
	off int32
	s   string
}

var (
	dClass    = datum{16, Class}
	dPostName = datum{64, PostMethod}
	dPostDesc = datum{96, PostDesc}
	dKeySet   = datum{160, KeySetMethod}
	dPostSep  = datum{192, PostSeparator}
	dGetSep   = datum{208, GetSuffix}
	dTag      = datum{224, LogTag}
	dMsg      = datum{232, LogMessage}
	dToString = datum{240, ToString}
)

func (d datum) push(c *code) *code {
	return c.i32(d.off).i32(int32(len(d.s)))
}

// Build assembles a guest image.
func Build(opts Options) []byte {
	version := opts.Version
	if version == 0 {
		version = JNIVersion16
	}

	var w writer
	w.U32LE(0x6d736100) // \0asm
	w.U32LE(1)

	var sec writer
	sec.U32(uint32(len(types)))
	for _, t := range types {
		sec.Byte(funcT)
		for _, n := range t {
			sec.U32(uint32(n))
			for range n {
				sec.Byte(valI32)
			}
		}
	}
	w.Section(sectionType, &sec)

	sec = writer{}
	n := len(imports)
	if opts.ExtraImport != "" {
		n++
	}
	sec.U32(uint32(n))
	for _, imp := range imports {
		sec.Name("jni")
		sec.Name(imp.name)
		sec.Byte(kindFunc)
		sec.U32(imp.typ)
	}
	if opts.ExtraImport != "" {
		sec.Name("jni")
		sec.Name(opts.ExtraImport)
		sec.Byte(kindFunc)
		sec.U32(typeRelease)
	}
	w.Section(sectionImport, &sec)

	bodies := functions(opts, version)
	sec = writer{}
	sec.U32(uint32(len(bodies)))
	for _, b := range bodies {
		sec.U32(b.typ)
	}
	w.Section(sectionFunction, &sec)

	sec = writer{}
	sec.U32(1)
	sec.Byte(0x00)
	sec.U32(1)
	w.Section(sectionMemory, &sec)

	// Function indices shift when an extra import is present.
	shift := uint32(n - len(imports))
	type export struct {
		name string
		kind byte
		idx  uint32
	}
	var exports []export
	if !opts.NoMemory {
		exports = append(exports, export{"memory", kindMemory, 0})
	}
	if !opts.NoInit {
		exports = append(exports, export{"JNI_OnLoad", kindFunc, OffsetOnLoad + shift})
	}
	for off := OffsetPost; off <= OffsetCallOut; off++ {
		exports = append(exports, export{exportNames[off], kindFunc, off + shift})
	}
	if opts.Mangled {
		exports = append(exports, export{MangledPost, kindFunc, OffsetPost + shift})
	}
	sec = writer{}
	sec.U32(uint32(len(exports)))
	for _, e := range exports {
		sec.Name(e.name)
		sec.Byte(e.kind)
		sec.U32(e.idx)
	}
	w.Section(sectionExport, &sec)

	sec = writer{}
	sec.U32(uint32(len(bodies)))
	for _, b := range bodies {
		var body writer
		if b.locals > 0 {
			body.U32(1)
			body.U32(b.locals)
			body.Byte(valI32)
		} else {
			body.U32(0)
		}
		body.Byte(b.code.Bytes()...)
		sec.Vec(body.Bytes())
	}
	w.Section(sectionCode, &sec)

	sec = writer{}
	sec.U32(1)
	sec.U32(0)
	sec.Byte(opI32Const)
	sec.S32(0)
	sec.Byte(opEnd)
	sec.Vec(dataSegment())
	w.Section(sectionData, &sec)

	return w.Bytes()
}

type body struct {
	code   *code
	typ    uint32
	locals uint32
}

// functions returns the defined function bodies, in offset order.
// Call targets refer to imports only, so they are unaffected by ExtraImport
// as long as the extra import is appended after the fixed ones.
func functions(opts Options, version int32) []body {
	onLoad := &code{}
	switch {
	case opts.InitTraps:
		onLoad.unreachable().end()
	default:
		dClass.push(onLoad).call(fnFindClass).set(2)
		if opts.Register {
			dPostDesc.push(dPostName.push(onLoad.get(2))).
				i32(int32(OffsetPost)).
				call(fnRegisterNatives).
				drop()
		}
		onLoad.i32(version).end()
	}

	post := &code{}
	post.get(2).i32(scratch).i32(maxCopy).call(fnStringChars).set(4)
	dPostSep.push(post.i32(scratch).get(4).add()).memcpy()
	post.get(3).i32(scratch).get(4).add().i32(int32(len(PostSeparator))).add().i32(maxCopy).call(fnStringChars).set(5)
	dMsg.push(dTag.push(post.i32(3))).call(fnLogWrite)
	post.i32(scratch).get(4).i32(int32(len(PostSeparator))).add().get(5).add().call(fnNewString).end()

	get := &code{}
	get.get(2).i32(scratch).i32(maxCopy).call(fnStringChars).set(4)
	dGetSep.push(get.i32(scratch).get(4).add()).memcpy()
	get.get(4).i32(int32(len(GetSuffix))).add().set(4)
	dKeySet.push(get.get(3).ifThen().get(3)).call(fnCallObject).set(5)
	dToString.push(get.get(5)).call(fnCallObject).set(6)
	get.get(6).i32(scratch).get(4).add().i32(maxCopy).call(fnStringChars).get(4).add().set(4)
	get.get(5).call(fnDeleteLocal).get(6).call(fnDeleteLocal).end()
	get.i32(scratch).get(4).call(fnNewString).end()

	null := &code{}
	null.i32(0).end()

	trap := &code{}
	trap.unreachable().end()

	mismatch := &code{}
	dClass.push(mismatch).call(fnFindClass).end()

	spin := &code{}
	spin.loop().br(0).end().unreachable().end()

	leak := &code{}
	dClass.push(leak).call(fnNewString).drop()
	dPostName.push(leak).call(fnNewString).drop()
	leak.get(2).i32(scratch).i32(3).call(fnStringChars).drop()
	leak.i32(scratch).i32(3).call(fnNewString).end()

	callOut := &code{}
	dKeySet.push(callOut.get(2)).call(fnCallObject).end()

	return []body{
		{code: onLoad, typ: typePair, locals: 1},
		{code: post, typ: typeNative, locals: 2},
		{code: get, typ: typeNative, locals: 3},
		{code: null, typ: typeNative},
		{code: trap, typ: typeNative},
		{code: mismatch, typ: typeNative},
		{code: spin, typ: typeNative},
		{code: leak, typ: typeNative},
		{code: callOut, typ: typeNative},
	}
}

func dataSegment() []byte {
	all := []datum{dClass, dPostName, dPostDesc, dKeySet, dPostSep, dGetSep, dTag, dMsg, dToString}
	size := int32(0)
	for _, d := range all {
		if end := d.off + int32(len(d.s)); end > size {
			size = end
		}
	}
	seg := make([]byte, size)
	for _, d := range all {
		copy(seg[d.off:], d.s)
	}
	return seg
}
