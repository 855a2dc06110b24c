package resource

import (
	"errors"
	"sync"
)

// ErrNoFrame is returned by PopFrame when no frame is active.
var ErrNoFrame = errors.New("no local frame to pop")

// Table is the guest object table with nested local reference frames.
type Table struct {
	backend *LocalBackend
	frames  [][]Handle
	mu      sync.Mutex
}

// NewTable creates a new table with a LocalBackend.
func NewTable() *Table {
	return &Table{
		backend: NewLocalBackend(),
	}
}

// PushFrame opens a local reference frame and returns the new depth.
func (t *Table) PushFrame() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = append(t.frames, nil)
	return len(t.frames)
}

// PopFrame releases every object still live in the innermost frame and
// returns how many were released.
func (t *Table) PopFrame() (int, error) {
	t.mu.Lock()
	n := len(t.frames)
	if n == 0 {
		t.mu.Unlock()
		return 0, ErrNoFrame
	}
	top := t.frames[n-1]
	t.frames = t.frames[:n-1]
	t.mu.Unlock()

	released := 0
	for _, h := range top {
		if _, ok := t.Remove(h); ok {
			released++
		}
	}
	return released, nil
}

// FrameDepth returns the number of active frames.
func (t *Table) FrameDepth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames)
}

// NewLocal inserts an object owned by the innermost frame.
// With no active frame it behaves like NewGlobal.
func (t *Table) NewLocal(class string, value any) (Handle, error) {
	h, err := t.backend.Create(Object{Class: class, Value: value})
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	if n := len(t.frames); n > 0 {
		t.frames[n-1] = append(t.frames[n-1], h)
	}
	t.mu.Unlock()

	return h, nil
}

// NewGlobal inserts an object that lives until removed.
func (t *Table) NewGlobal(class string, value any) (Handle, error) {
	return t.backend.Create(Object{Class: class, Value: value})
}

// Get retrieves an object by handle.
func (t *Table) Get(h Handle) (Object, error) {
	return t.backend.Get(h)
}

// GetTyped retrieves a value only if its object has the expected class.
// On a class mismatch the actual object is returned alongside the error.
func (t *Table) GetTyped(h Handle, class string) (Object, error) {
	obj, err := t.backend.Get(h)
	if err != nil {
		return Object{}, err
	}
	if obj.Class != class {
		return obj, &ClassMismatchError{Want: class, Got: obj.Class}
	}
	return obj, nil
}

// Remove releases a handle and returns (object, true) if it was live.
// Removing a handle that is already released is a no-op.
func (t *Table) Remove(h Handle) (Object, bool) {
	obj, err := t.backend.Drop(h)
	if err != nil {
		return Object{}, false
	}
	if d, ok := obj.Value.(Dropper); ok {
		d.Drop()
	}
	return obj, true
}

// Len returns the number of live objects.
func (t *Table) Len() int {
	return t.backend.Len()
}

// Each iterates over all live objects.
func (t *Table) Each(fn func(Handle, Object) bool) {
	t.backend.Each(fn)
}

// Close releases all objects and stops accepting inserts.
func (t *Table) Close() error {
	t.mu.Lock()
	t.frames = nil
	t.mu.Unlock()
	return t.backend.Close()
}

// ClassMismatchError is returned by GetTyped when the object has another class.
type ClassMismatchError struct {
	Want string
	Got  string
}

func (e *ClassMismatchError) Error() string {
	return "class mismatch: want " + e.Want + ", got " + e.Got
}
