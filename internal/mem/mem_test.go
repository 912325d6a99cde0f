package mem

import (
	"errors"
	"testing"

	"rvkernel/internal/hal"
	"rvkernel/internal/kerrors"
)

func newTestPool(t *testing.T, pages int) (*Pool, *hal.Arena) {
	t.Helper()
	a, err := hal.NewArena(pages * hal.PageSize)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	p, err := NewPool(a, a.Base(), a.End(), 2)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return p, a
}

func TestAllocZeroesPage(t *testing.T) {
	p, a := newTestPool(t, 4)
	e, err := p.Alloc(0, 1)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	a.Bytes(e.Start, hal.PageSize)[10] = 0xFF
	p.Free(0, e)
	p.DrainAll()
	e2, err := p.Alloc(1, 1) // different hart, bypasses the cache that just absorbed e
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	for i, b := range a.Bytes(e2.Start, hal.PageSize) {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %#x", i, b)
		}
	}
}

func TestAllocSplitsAndCoalesces(t *testing.T) {
	p, _ := newTestPool(t, 4)
	total := p.FreePages()
	e1, err := p.Alloc(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	e2, err := p.Alloc(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if p.FreePages() != total-2 {
		t.Fatalf("expected %d free, got %d", total-2, p.FreePages())
	}
	p.Free(0, e1)
	p.Free(0, e2)
	if p.FreePages() != total {
		t.Fatalf("expected all pages free again, got %d/%d", p.FreePages(), total)
	}
	extents := p.FreeExtents()
	if len(extents) != 1 || extents[0].NPages != total {
		t.Fatalf("expected fully coalesced single extent, got %+v", extents)
	}
}

func TestAllocOOM(t *testing.T) {
	p, _ := newTestPool(t, 2)
	_, err := p.Alloc(0, 3)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, kerrors.ErrOOM) {
		t.Fatalf("expected OOM, got %v", err)
	}
}
