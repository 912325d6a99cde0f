package galloc

import (
	"testing"

	"rvkernel/internal/hal"
	"rvkernel/internal/heap"
	"rvkernel/internal/mem"
)

func newTestAllocator(t *testing.T, pages int) *Allocator {
	t.Helper()
	a, err := hal.NewArena(pages * hal.PageSize)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	p, err := mem.NewPool(a, a.Base(), a.End(), 1)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	h := heap.New(p, 0)
	return New(p, h, 0)
}

func TestSmallAllocRoutesToHeap(t *testing.T) {
	g := newTestAllocator(t, 4)
	pa, err := g.Alloc(64, 8)
	if err != nil {
		t.Fatal(err)
	}
	if pa%hal.PageSize == 0 {
		t.Fatalf("expected a sub-page address, got page-aligned %#x", pa)
	}
	g.Free(pa, 64, 8)
}

func TestLargeAllocRoutesToPages(t *testing.T) {
	g := newTestAllocator(t, 4)
	pa, err := g.Alloc(hal.PageSize*2, 8)
	if err != nil {
		t.Fatal(err)
	}
	if pa%hal.PageSize != 0 {
		t.Fatalf("expected page-aligned address, got %#x", pa)
	}
	g.Free(pa, hal.PageSize*2, 8)
}

func TestOversizedAlignmentIsFatal(t *testing.T) {
	g := newTestAllocator(t, 4)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for oversized alignment")
		}
	}()
	g.Alloc(16, hal.PageSize*2)
}

func TestAllocZeroedClearsSubPage(t *testing.T) {
	g := newTestAllocator(t, 4)
	pa, err := g.Alloc(32, 8)
	if err != nil {
		t.Fatal(err)
	}
	arena := g.pool.Arena()
	copy(arena.Bytes(pa, 32), []byte{1, 2, 3, 4})
	g.Free(pa, 32, 8)
	pa2, err := g.AllocZeroed(32, 8)
	if err != nil {
		t.Fatal(err)
	}
	for i, b := range arena.Bytes(pa2, 32) {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %#x", i, b)
		}
	}
}

func TestZeroSizeAllocIsFatal(t *testing.T) {
	g := newTestAllocator(t, 4)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for a zero-size allocation")
		}
	}()
	g.Alloc(0, 8)
}
