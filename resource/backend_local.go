package resource

import (
	"errors"
	"sync"
)

var (
	ErrClosed   = errors.New("object table closed")
	ErrFull     = errors.New("object table full")
	ErrReleased = errors.New("handle used after release")
	ErrInvalid  = errors.New("invalid handle")
)

const maxSlots = indexMask - 1

// LocalBackend is the in-memory slot store behind a Table.
// Released slots are reused with a bumped generation. A slot whose
// generation is exhausted is retired instead, so a handle value is never
// issued twice.
type LocalBackend struct {
	entries  []entry
	freeList []uint32
	live     int
	retired  int
	mu       sync.RWMutex
	closed   bool
}

type entry struct {
	obj   Object
	gen   uint16
	valid bool
}

// NewLocalBackend creates a new in-memory backend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{
		entries:  make([]entry, 0, 64),
		freeList: make([]uint32, 0, 16),
	}
}

// Create stores an object and returns its handle.
func (b *LocalBackend) Create(obj Object) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}

	if n := len(b.freeList); n > 0 {
		slot := b.freeList[n-1]
		b.freeList = b.freeList[:n-1]
		e := &b.entries[slot]
		e.obj = obj
		e.valid = true
		b.live++
		return makeHandle(slot, e.gen), nil
	}

	if len(b.entries) >= maxSlots {
		return 0, ErrFull
	}

	b.entries = append(b.entries, entry{obj: obj, valid: true})
	b.live++
	return makeHandle(uint32(len(b.entries)-1), 0), nil
}

// Get retrieves an object by handle.
func (b *LocalBackend) Get(h Handle) (Object, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, err := b.lookup(h)
	if err != nil {
		return Object{}, err
	}
	return e.obj, nil
}

// Drop releases a handle and returns the object it held.
func (b *LocalBackend) Drop(h Handle) (Object, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.lookup(h)
	if err != nil {
		return Object{}, err
	}

	obj := e.obj
	slot, _ := splitHandle(h)
	e.obj = Object{}
	e.valid = false
	b.live--
	if e.gen == genMask {
		b.retired++
		return obj, nil
	}
	e.gen++
	b.freeList = append(b.freeList, slot)

	return obj, nil
}

// lookup must be called with b.mu held.
func (b *LocalBackend) lookup(h Handle) (*entry, error) {
	if b.closed {
		return nil, ErrClosed
	}
	if uint32(h)&indexMask == 0 {
		return nil, ErrInvalid
	}
	slot, gen := splitHandle(h)
	if int(slot) >= len(b.entries) {
		return nil, ErrInvalid
	}
	e := &b.entries[slot]
	if !e.valid || e.gen != gen {
		return nil, ErrReleased
	}
	return e, nil
}

// Len returns the number of live objects.
func (b *LocalBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.live
}

// Retired returns the number of slots taken out of reuse.
func (b *LocalBackend) Retired() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.retired
}

// Each iterates over all live objects.
func (b *LocalBackend) Each(fn func(Handle, Object) bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for i, e := range b.entries {
		if e.valid {
			if !fn(makeHandle(uint32(i), e.gen), e.obj) {
				break
			}
		}
	}
}

// Close releases all objects.
func (b *LocalBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for i := range b.entries {
		if b.entries[i].valid {
			if d, ok := b.entries[i].obj.Value.(Dropper); ok {
				d.Drop()
			}
		}
	}

	b.entries = nil
	b.freeList = nil
	b.live = 0
	return nil
}
