package resource

import (
	"sync"
	"testing"
)

func TestLocalBackend_Basic(t *testing.T) {
	b := NewLocalBackend()

	h, err := b.Create(Object{Class: ClassString, Value: "test value"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if h == 0 {
		t.Fatal("Expected non-zero handle")
	}

	obj, err := b.Get(h)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if obj.Value != "test value" {
		t.Fatalf("Expected 'test value', got %v", obj.Value)
	}

	if _, err := b.Drop(h); err != nil {
		t.Fatalf("Drop failed: %v", err)
	}
	if _, err := b.Get(h); err == nil {
		t.Fatal("Expected Get to fail after Drop")
	}
	if _, err := b.Drop(h); err == nil {
		t.Fatal("Expected second Drop to fail")
	}
}

func TestLocalBackend_HandleEncoding(t *testing.T) {
	for _, tc := range []struct {
		slot uint32
		gen  uint16
	}{
		{0, 0},
		{1, 0},
		{0, 1},
		{12345, 200},
		{maxSlots - 1, genMask},
	} {
		h := makeHandle(tc.slot, tc.gen)
		if h == 0 {
			t.Fatalf("makeHandle(%d, %d) = 0", tc.slot, tc.gen)
		}
		slot, gen := splitHandle(h)
		if slot != tc.slot || gen != tc.gen {
			t.Fatalf("splitHandle(makeHandle(%d, %d)) = (%d, %d)", tc.slot, tc.gen, slot, gen)
		}
	}
}

func TestLocalBackend_Concurrent(t *testing.T) {
	b := NewLocalBackend()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h, err := b.Create(Object{Class: ClassString, Value: j})
				if err != nil {
					t.Error(err)
					return
				}
				if _, err := b.Drop(h); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if b.Len() != 0 {
		t.Fatalf("Len = %d, want 0", b.Len())
	}
}

func TestLocalBackend_RetiresExhaustedSlot(t *testing.T) {
	b := NewLocalBackend()

	first, err := b.Create(Object{Class: ClassString, Value: "first"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	seen := map[Handle]bool{first: true}
	if _, err := b.Drop(first); err != nil {
		t.Fatalf("Drop failed: %v", err)
	}

	// Cycle the same slot through every generation it has.
	for i := 1; i <= genMask; i++ {
		h, err := b.Create(Object{Class: ClassString, Value: i})
		if err != nil {
			t.Fatalf("Create #%d failed: %v", i, err)
		}
		if seen[h] {
			t.Fatalf("handle %#x issued twice", uint32(h))
		}
		seen[h] = true
		if _, err := b.Drop(h); err != nil {
			t.Fatalf("Drop #%d failed: %v", i, err)
		}
	}
	if b.Retired() != 1 {
		t.Fatalf("Retired = %d, want 1", b.Retired())
	}

	later, err := b.Create(Object{Class: ClassString, Value: "later"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if seen[later] {
		t.Fatalf("handle %#x issued twice", uint32(later))
	}
	if _, err := b.Get(first); err != ErrReleased {
		t.Fatalf("Get(stale) error = %v, want %v", err, ErrReleased)
	}
	obj, err := b.Get(later)
	if err != nil || obj.Value != "later" {
		t.Fatalf("Get(later) = %v, %v", obj, err)
	}
}
