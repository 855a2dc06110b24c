package nepsign

import "fmt"

// Ref is an opaque handle to an object in the guest object table.
// Ref 0 is null.
type Ref uint32

// Module describes a loaded native image.
type Module struct {
	Path    string
	BuildID string
	Base    uint64
	Size    uint64
}

// Contains reports whether addr falls inside the module image.
func (m Module) Contains(addr uint64) bool {
	return addr >= m.Base && addr < m.Base+m.Size
}

func (m Module) String() string {
	return fmt.Sprintf("%s base=0x%x size=%d build=%s", m.Path, m.Base, m.Size, m.BuildID)
}

// CallFrame is the ordered argument list for one native invocation:
// environment handle, class marker, then marshalled arguments.
type CallFrame []uint64

// NewCallFrame builds a frame for a static native method.
// A zero class marker is valid for functions that never touch their class argument.
func NewCallFrame(env uint64, class Ref, args ...Ref) CallFrame {
	f := make(CallFrame, 0, 2+len(args))
	f = append(f, env, uint64(class))
	for _, a := range args {
		f = append(f, uint64(a))
	}
	return f
}
