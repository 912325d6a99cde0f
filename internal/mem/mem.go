// Package mem implements the page pool: a first-fit, coalescing
// allocator over a contiguous physical region, handing out and
// reclaiming page-granular extents. Newly allocated pages are always
// zero-filled before they are returned, since both the page-table
// walker (internal/sv39) and the ELF loader (internal/elfload) depend
// on that.
//
// A small per-hart cache of single-page extents (percpuCache) sits in
// front of the global free list to cut lock contention without
// changing the externally observable first-fit/coalesce contract; the
// cache is drained back to the global pool on overflow and on Drain.
package mem

import (
	"sort"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"rvkernel/internal/hal"
	"rvkernel/internal/kerrors"
)

// Extent is a contiguous run of physical pages, identified by its
// start address and page count.
type Extent struct {
	Start  hal.PA
	NPages int
}

// End returns the address one past the last byte of the extent.
func (e Extent) End() hal.PA { return e.Start + hal.PA(e.NPages*hal.PageSize) }

// percpuCap bounds how many single-page extents a hart may hoard
// before it must spill back to the global free list.
const percpuCap = 32

type percpuCache struct {
	mu    sync.Mutex
	pages []hal.PA
}

// Pool is the page pool: the sole owner of a physical region, handed
// out as Extents and reclaimed on Free. Every Pool method is safe for
// concurrent use across harts.
type Pool struct {
	arena *hal.Arena

	mu   sync.Mutex
	free []Extent // sorted by Start, non-overlapping, non-adjacent

	percpu []percpuCache
}

// NewPool constructs a page pool over the half-open physical range
// [start, end), backed by arena. start and end must be page-aligned;
// nhart sizes the per-hart cache array.
func NewPool(arena *hal.Arena, start, end hal.PA, nhart int) (*Pool, error) {
	if start%hal.PageSize != 0 || end%hal.PageSize != 0 {
		return nil, kerrors.New(kerrors.InvalidArgument, "mem: pool bounds [%#x,%#x) not page-aligned", start, end)
	}
	if end <= start {
		return nil, kerrors.New(kerrors.InvalidArgument, "mem: empty pool range [%#x,%#x)", start, end)
	}
	p := &Pool{
		arena:  arena,
		free:   []Extent{{Start: start, NPages: int(end-start) / hal.PageSize}},
		percpu: make([]percpuCache, nhart),
	}
	return p, nil
}

// Arena returns the backing physical-memory arena, for callers (the
// sub-page heap, the page-table walker) that need raw byte access to
// pages this pool has handed out.
func (p *Pool) Arena() *hal.Arena { return p.arena }

// Alloc hands out n contiguous pages, first-fit over the free list,
// splitting the matched extent and pushing the remainder back. A
// single-page request is first served from hart's local cache.
func (p *Pool) Alloc(hart int, n int) (Extent, error) {
	if n <= 0 {
		return Extent{}, kerrors.New(kerrors.InvalidArgument, "mem: alloc of %d pages", n)
	}
	if n == 1 && hart >= 0 && hart < len(p.percpu) {
		if pa, ok := p.percpuPop(hart); ok {
			p.arena.Zero(pa, hal.PageSize)
			return Extent{Start: pa, NPages: 1}, nil
		}
	}
	e, err := p.allocGlobal(n)
	if err != nil {
		return Extent{}, err
	}
	p.arena.Zero(e.Start, n*hal.PageSize)
	return e, nil
}

func (p *Pool) allocGlobal(n int) (Extent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.free {
		if e.NPages < n {
			continue
		}
		got := Extent{Start: e.Start, NPages: n}
		if e.NPages == n {
			p.free = append(p.free[:i], p.free[i+1:]...)
		} else {
			p.free[i] = Extent{Start: e.Start + hal.PA(n*hal.PageSize), NPages: e.NPages - n}
		}
		return got, nil
	}
	return Extent{}, kerrors.New(kerrors.OutOfMemory, "mem: no extent of >= %d pages", n)
}

// Free returns e to the pool. Single-page extents go through hart's
// local cache first; everything else is coalesced directly into the
// global free list.
func (p *Pool) Free(hart int, e Extent) {
	if e.NPages <= 0 {
		kerrors.Fatal("mem: free of non-positive extent %+v", e)
	}
	if e.NPages == 1 && hart >= 0 && hart < len(p.percpu) {
		if p.percpuPush(hart, e.Start) {
			return
		}
	}
	p.freeGlobal(e)
}

func (p *Pool) freeGlobal(e Extent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.insertCoalesce(e)
}

// insertCoalesce inserts e into the address-ordered free list, merging
// with an adjacent predecessor and/or successor. Caller holds p.mu.
func (p *Pool) insertCoalesce(e Extent) {
	i := sort.Search(len(p.free), func(i int) bool { return p.free[i].Start >= e.Start })
	// merge with predecessor if adjacent
	if i > 0 && p.free[i-1].End() == e.Start {
		i--
		e = Extent{Start: p.free[i].Start, NPages: p.free[i].NPages + e.NPages}
		p.free = append(p.free[:i], p.free[i+1:]...)
	}
	// merge with successor if adjacent
	if i < len(p.free) && e.End() == p.free[i].Start {
		e = Extent{Start: e.Start, NPages: e.NPages + p.free[i].NPages}
		p.free = append(p.free[:i], p.free[i+1:]...)
	}
	p.free = append(p.free, Extent{})
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = e
}

func (p *Pool) percpuPop(hart int) (hal.PA, bool) {
	c := &p.percpu[hart]
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pages) == 0 {
		return 0, false
	}
	pa := c.pages[len(c.pages)-1]
	c.pages = c.pages[:len(c.pages)-1]
	return pa, true
}

// percpuPush caches pa locally, returning false (and leaving the
// cache untouched) if the hart's cache is already at percpuCap, in
// which case the caller falls back to the global free list.
func (p *Pool) percpuPush(hart int, pa hal.PA) bool {
	c := &p.percpu[hart]
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pages) >= percpuCap {
		return false
	}
	c.pages = append(c.pages, pa)
	return true
}

// Drain returns every page cached by hart's local free list back to
// the global free list. Called on hart shutdown and before checking
// whole-pool invariants in tests.
func (p *Pool) Drain(hart int) {
	if hart < 0 || hart >= len(p.percpu) {
		return
	}
	c := &p.percpu[hart]
	c.mu.Lock()
	pages := c.pages
	c.pages = nil
	c.mu.Unlock()
	for _, pa := range pages {
		p.freeGlobal(Extent{Start: pa, NPages: 1})
	}
}

// DrainAll drains every hart's local cache into the global free list.
func (p *Pool) DrainAll() {
	for i := range p.percpu {
		p.Drain(i)
	}
}

// FreeExtents returns a snapshot of the global free list (after
// draining all per-hart caches), for invariant checks in tests.
func (p *Pool) FreeExtents() []Extent {
	p.DrainAll()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Extent, len(p.free))
	copy(out, p.free)
	return out
}

// FreePages reports the total number of free pages across the global
// list and every hart's local cache.
func (p *Pool) FreePages() int {
	total := 0
	p.mu.Lock()
	for _, e := range p.free {
		total += e.NPages
	}
	p.mu.Unlock()
	for i := range p.percpu {
		c := &p.percpu[i]
		c.mu.Lock()
		total += len(c.pages)
		c.mu.Unlock()
	}
	return total
}

// Stats formats a human-readable free-page report, grouping large
// counts with locale-aware digit separators for operator-facing
// output.
func (p *Pool) Stats() string {
	total := p.FreePages()
	p.mu.Lock()
	nextents := len(p.free)
	p.mu.Unlock()
	printer := message.NewPrinter(language.English)
	return printer.Sprintf("%d free pages across %d extent(s)", total, nextents)
}
