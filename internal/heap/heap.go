// Package heap implements the sub-page heap: a zone/chunk
// suballocator layered on internal/mem, serving allocations of 1 to
// 4080 bytes. This zone design is the single heap the kernel ships,
// built against internal/mem's Extent/Pool rather than a raw
// allocator.
package heap

import (
	"sync"

	"rvkernel/internal/hal"
	"rvkernel/internal/kerrors"
	"rvkernel/internal/mem"
	"rvkernel/internal/util"
)

const (
	wordSize        = 8
	zoneHeaderSize  = wordSize
	chunkHeaderSize = wordSize

	// MaxAlloc is the largest payload this heap serves: a page minus
	// the zone header and one chunk header.
	MaxAlloc = hal.PageSize - zoneHeaderSize - chunkHeaderSize

	usedBit  = uint64(1) << 12
	sizeMask = uint64(0xFFF)

	zoneRefMask = uint64(0xFFF)
	zoneMaxRefs = 510
)

// Heap is the sub-page allocator: a singly linked list of zone pages
// drawn from a mem.Pool, each carved into chunks.
type Heap struct {
	pool *mem.Pool
	hart int

	mu        sync.Mutex
	firstZone hal.PA // 0 until the first page is requested
}

// New constructs an empty heap drawing pages from pool on behalf of
// hart (used for the pool's per-hart fast-path cache).
func New(pool *mem.Pool, hart int) *Heap {
	return &Heap{pool: pool, hart: hart}
}

func (h *Heap) arena() *hal.Arena { return h.pool.Arena() }

// zone word layout: next-zone base in the upper 52 bits (page
// aligned, so the low 12 bits are free), live-chunk refcount in the
// low 12 bits.
func zoneWord(next hal.PA, refs int) uint64 {
	return uint64(next) | (uint64(refs) & zoneRefMask)
}

func zoneNext(word uint64) hal.PA { return hal.PA(word &^ zoneRefMask) }
func zoneRefs(word uint64) int    { return int(word & zoneRefMask) }

// chunk header: size in the low 12 bits, used flag at bit 12.
func chunkHeader(size int, used bool) uint64 {
	w := uint64(size) & sizeMask
	if used {
		w |= usedBit
	}
	return w
}

func chunkSize(h uint64) int  { return int(h & sizeMask) }
func chunkUsed(h uint64) bool { return h&usedBit != 0 }

// Alloc returns a pointer to a payload of at least size bytes, rounded
// up to a multiple of 8. size must be in [1, MaxAlloc].
func (h *Heap) Alloc(size int) (hal.PA, error) {
	if size <= 0 {
		return 0, kerrors.ErrVoid
	}
	size = util.Roundup(size, wordSize)
	if size > MaxAlloc {
		return 0, kerrors.New(kerrors.InvalidArgument, "heap: alloc of %d exceeds MaxAlloc %d", size, MaxAlloc)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if ptr, ok := h.allocFromZones(size); ok {
		return ptr, nil
	}
	return h.allocNewZone(size)
}

// allocFromZones walks the existing zone list for a first-fit chunk.
// Caller holds h.mu.
func (h *Heap) allocFromZones(size int) (hal.PA, bool) {
	a := h.arena()
	for zone := h.firstZone; zone != 0; zone = zoneNext(a.ReadUint64(zone)) {
		chunk := zone + zoneHeaderSize
		zoneEnd := zone + hal.PageSize
		for chunk < zoneEnd {
			hdr := a.ReadUint64(chunk)
			sz := chunkSize(hdr)
			if !chunkUsed(hdr) && sz >= size {
				h.splitAndTake(zone, chunk, sz, size)
				return chunk + chunkHeaderSize, true
			}
			chunk += hal.PA(chunkHeaderSize + sz)
		}
	}
	return 0, false
}

// splitAndTake marks the chunk at chunk used for size bytes, splitting
// off a trailing free chunk with the remainder when there is room for
// at least a header and a non-empty payload. Caller holds h.mu.
func (h *Heap) splitAndTake(zone, chunk hal.PA, freeSize, size int) {
	a := h.arena()
	remainder := freeSize - size
	if remainder > chunkHeaderSize {
		remainderPayload := remainder - chunkHeaderSize
		a.WriteUint64(chunk+hal.PA(chunkHeaderSize+size), chunkHeader(remainderPayload, false))
		a.WriteUint64(chunk, chunkHeader(size, true))
	} else {
		// No room for a usable remainder chunk: the whole free run
		// becomes the used chunk (internal fragmentation up to one
		// header + 7 bytes).
		a.WriteUint64(chunk, chunkHeader(freeSize, true))
	}
	zw := a.ReadUint64(zone)
	refs := zoneRefs(zw) + 1
	if refs > zoneMaxRefs {
		kerrors.Fatal("heap: zone %#x refcount %d exceeds %d", zone, refs, zoneMaxRefs)
	}
	a.WriteUint64(zone, zoneWord(zoneNext(zw), refs))
}

// allocNewZone draws a fresh page from the pool, links it as the new
// tail zone, and allocates size bytes from its single max-sized chunk.
// Caller holds h.mu.
func (h *Heap) allocNewZone(size int) (hal.PA, error) {
	e, err := h.pool.Alloc(h.hart, 1)
	if err != nil {
		return 0, err
	}
	zone := e.Start
	a := h.arena()
	a.WriteUint64(zone, zoneWord(0, 0))
	maxPayload := hal.PageSize - zoneHeaderSize - chunkHeaderSize
	a.WriteUint64(zone+zoneHeaderSize, chunkHeader(maxPayload, false))

	if h.firstZone == 0 {
		h.firstZone = zone
	} else {
		tail := h.lastZone()
		tw := a.ReadUint64(tail)
		a.WriteUint64(tail, zoneWord(zone, zoneRefs(tw)))
	}

	chunk := zone + zoneHeaderSize
	h.splitAndTake(zone, chunk, maxPayload, size)
	return chunk + chunkHeaderSize, nil
}

// lastZone returns the current tail zone's base. Caller holds h.mu
// and the zone list is non-empty.
func (h *Heap) lastZone() hal.PA {
	a := h.arena()
	zone := h.firstZone
	for {
		next := zoneNext(a.ReadUint64(zone))
		if next == 0 {
			return zone
		}
		zone = next
	}
}

// Free releases the allocation at ptr (as returned by Alloc). A
// double free, detected by the used bit already being clear, is a
// fatal programmer error.
func (h *Heap) Free(ptr hal.PA) {
	h.mu.Lock()
	defer h.mu.Unlock()

	a := h.arena()
	zone := ptr &^ hal.PA(hal.PageSize-1)
	chunk := ptr - chunkHeaderSize
	hdr := a.ReadUint64(chunk)
	if !chunkUsed(hdr) {
		kerrors.Fatal("heap: double free at %#x", ptr)
	}
	size := chunkSize(hdr)
	a.WriteUint64(chunk, chunkHeader(size, false))

	// Forward coalesce: merge with the next chunk if it is free and
	// still within the zone.
	zoneEnd := zone + hal.PageSize
	next := chunk + hal.PA(chunkHeaderSize+size)
	for next < zoneEnd {
		nh := a.ReadUint64(next)
		if chunkUsed(nh) {
			break
		}
		size += chunkHeaderSize + chunkSize(nh)
		a.WriteUint64(chunk, chunkHeader(size, false))
		next = chunk + hal.PA(chunkHeaderSize+size)
	}

	zw := a.ReadUint64(zone)
	refs := zoneRefs(zw) - 1
	if refs < 0 {
		kerrors.Fatal("heap: zone refcount underflow at %#x", zone)
	}
	a.WriteUint64(zone, zoneWord(zoneNext(zw), refs))

	if refs == 0 && zone != h.firstZone {
		h.unlinkZone(zone)
		h.pool.Free(h.hart, mem.Extent{Start: zone, NPages: 1})
	}
}

// unlinkZone patches the predecessor's next pointer to skip zone.
// Caller holds h.mu; zone is not the first zone.
func (h *Heap) unlinkZone(zone hal.PA) {
	a := h.arena()
	prev := h.firstZone
	for {
		pw := a.ReadUint64(prev)
		next := zoneNext(pw)
		if next == zone {
			nw := a.ReadUint64(zone)
			a.WriteUint64(prev, zoneWord(zoneNext(nw), zoneRefs(pw)))
			return
		}
		prev = next
		if prev == 0 {
			kerrors.Fatal("heap: zone %#x not found in list during unlink", zone)
		}
	}
}

// ZoneCount reports how many zones are currently linked, for test
// assertions.
func (h *Heap) ZoneCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	a := h.arena()
	n := 0
	for z := h.firstZone; z != 0; z = zoneNext(a.ReadUint64(z)) {
		n++
	}
	return n
}
