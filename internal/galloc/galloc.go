// Package galloc is the global allocator facade: the single entry
// point for dynamic memory, routing a (size, align) request to either
// the sub-page heap (internal/heap) or the page pool (internal/mem).
package galloc

import (
	"rvkernel/internal/hal"
	"rvkernel/internal/heap"
	"rvkernel/internal/kerrors"
	"rvkernel/internal/mem"
	"rvkernel/internal/util"
)

// Allocator routes allocation requests:
//   - align > PageSize is unsupported and fatal.
//   - size in [1, heap.MaxAlloc] with align <= 8 goes to the sub-page
//     heap.
//   - everything else goes to the page pool, rounded up to whole
//     pages, which are always page-aligned.
type Allocator struct {
	pool *mem.Pool
	heap *heap.Heap
	hart int
}

// New constructs a facade over pool and heap, on behalf of hart (used
// for the pool's per-hart cache key when a request is page-granular).
func New(pool *mem.Pool, h *heap.Heap, hart int) *Allocator {
	return &Allocator{pool: pool, heap: h, hart: hart}
}

// Alloc returns a physical address for a live allocation of at least
// size bytes, aligned to align (a power of two).
func (g *Allocator) Alloc(size int, align int) (hal.PA, error) {
	if align > hal.PageSize {
		kerrors.Fatal("galloc: alignment %d exceeds page size, unsupported", align)
	}
	if size <= 0 {
		kerrors.Fatal("galloc: allocation of %d bytes", size)
	}
	if size <= heap.MaxAlloc && align <= 8 {
		return g.heap.Alloc(size)
	}
	n := (size + hal.PageSize - 1) / hal.PageSize
	e, err := g.pool.Alloc(g.hart, n)
	if err != nil {
		return 0, err
	}
	return e.Start, nil
}

// AllocZeroed is like Alloc but guarantees the returned payload is
// zero-filled. Page-granular allocations are already zeroed by the
// page pool; only sub-page allocations need an explicit clear here.
func (g *Allocator) AllocZeroed(size int, align int) (hal.PA, error) {
	pa, err := g.Alloc(size, align)
	if err != nil {
		return 0, err
	}
	if size <= heap.MaxAlloc && align <= 8 {
		g.pool.Arena().Zero(pa, util.Roundup(size, 8))
	}
	return pa, nil
}

// Free releases an allocation previously returned by Alloc/AllocZeroed.
// The caller must report the same (size, align) it allocated with so
// Free can route to the same backing subsystem.
func (g *Allocator) Free(pa hal.PA, size int, align int) {
	if size <= 0 {
		kerrors.Fatal("galloc: free of %d bytes", size)
	}
	if size <= heap.MaxAlloc && align <= 8 {
		g.heap.Free(pa)
		return
	}
	n := (size + hal.PageSize - 1) / hal.PageSize
	g.pool.Free(g.hart, mem.Extent{Start: pa, NPages: n})
}

// Realloc reallocates via allocate-copy-free; there is no in-place
// growth.
func (g *Allocator) Realloc(old hal.PA, oldSize, oldAlign, newSize int) (hal.PA, error) {
	newPA, err := g.Alloc(newSize, oldAlign)
	if err != nil {
		return 0, err
	}
	n := oldSize
	if newSize < n {
		n = newSize
	}
	if n > 0 {
		copy(g.pool.Arena().Bytes(newPA, n), g.pool.Arena().Bytes(old, n))
	}
	g.Free(old, oldSize, oldAlign)
	return newPA, nil
}
