package resource

import nepsign "github.com/wippyai/nep-sign"

// Handle is an opaque reference to an object in a table.
// Handle 0 is reserved and always invalid.
type Handle = nepsign.Ref

// Well-known guest classes.
const (
	ClassString  = "java/lang/String"
	ClassObject  = "java/lang/Object"
	ClassClass   = "java/lang/Class"
	ClassHashMap = "java/util/HashMap"
	ClassHashSet = "java/util/HashSet"
)

// Object is a table entry: a host value tagged with its guest class.
type Object struct {
	Value any
	Class string
}

// Dropper is optionally implemented by values that need cleanup on release.
type Dropper interface {
	Drop()
}

// A handle packs a slot index in the low bits and the slot generation in
// the high bits. Handles stay 32 bits wide because the guest stores them in
// i32 values.
const (
	indexBits = 20
	genBits   = 32 - indexBits
	indexMask = 1<<indexBits - 1
	genMask   = 1<<genBits - 1
)

func makeHandle(slot uint32, gen uint16) Handle {
	return Handle(uint32(gen)<<indexBits | (slot+1)&indexMask)
}

func splitHandle(h Handle) (slot uint32, gen uint16) {
	return uint32(h)&indexMask - 1, uint16(uint32(h) >> indexBits & genMask)
}
