// Package sv39 implements the page table abstraction: a three-level
// Sv39 installer that walks and creates
// intermediate tables on demand, maps/unmaps page-granular ranges
// with permission bits, and produces the encoded value written into
// the translation register (satp) on a context switch.
//
// Sv39 defines a 39-bit virtual address split into three 9-bit level
// indices (VPN[2], VPN[1], VPN[0]) plus a 12-bit page offset, and a
// 64-bit PTE carrying V/R/W/X/U/G/A/D bits and a 44-bit physical page
// number.
package sv39

import (
	"sync"

	"rvkernel/internal/hal"
	"rvkernel/internal/kerrors"
	"rvkernel/internal/mem"
	"rvkernel/internal/util"
)

// Flags is the permission/attribute bit set of a PTE.
type Flags uint64

const (
	FlagV Flags = 1 << 0 // valid
	FlagR Flags = 1 << 1 // readable
	FlagW Flags = 1 << 2 // writable
	FlagX Flags = 1 << 3 // executable
	FlagU Flags = 1 << 4 // user-accessible
	FlagG Flags = 1 << 5 // global
	FlagA Flags = 1 << 6 // accessed
	FlagD Flags = 1 << 7 // dirty
)

const (
	ppnShift = 10
	ppnBits  = 44
	ppnMask  = (uint64(1)<<ppnBits - 1) << ppnShift

	// VABits is the width of the Sv39 virtual address space; ranges
	// must not cross this canonical boundary.
	VABits = 39

	// SatpModeSv39 is the MODE field value selecting Sv39 in satp.
	SatpModeSv39 = 8
)

// KernelFlags builds the flag set for a kernel (Global) mapping with
// the given permissions.
func KernelFlags(r, w, x bool) Flags {
	f := FlagV | FlagG
	return f | permBits(r, w, x)
}

// UserFlags builds the flag set for a user-accessible mapping with
// the given permissions.
func UserFlags(r, w, x bool) Flags {
	f := FlagV | FlagU
	return f | permBits(r, w, x)
}

func permBits(r, w, x bool) Flags {
	var f Flags
	if r {
		f |= FlagR
	}
	if w {
		f |= FlagW
	}
	if x {
		f |= FlagX
	}
	return f
}

func isLeafFlags(f Flags) bool { return f&(FlagR|FlagW|FlagX) != 0 }

func ptePPN(pa hal.PA) uint64        { return (uint64(pa) >> hal.PageShift) << ppnShift }
func ppnToPA(pte uint64) hal.PA      { return hal.PA((pte & ppnMask) >> ppnShift << hal.PageShift) }
func vpn(va hal.PA, level int) uint64 {
	shift := uint(12 + 9*level)
	return (uint64(va) >> shift) & 0x1FF
}

// Table is one process's (or the kernel's) Sv39 page table: a root
// PTE page plus every intermediate PTE page synthesized while
// mapping, tracked so Destroy can return them all to the page pool.
type Table struct {
	pool *mem.Pool
	hart int

	mu    sync.Mutex
	Root  hal.PA
	owned []mem.Extent
}

// New allocates a fresh, zeroed root page and returns an empty table.
func New(pool *mem.Pool, hart int) (*Table, error) {
	e, err := pool.Alloc(hart, 1)
	if err != nil {
		return nil, err
	}
	return &Table{pool: pool, hart: hart, Root: e.Start, owned: []mem.Extent{e}}, nil
}

func (t *Table) allocPage() (hal.PA, error) {
	e, err := t.pool.Alloc(t.hart, 1)
	if err != nil {
		return 0, err
	}
	t.owned = append(t.owned, e)
	return e.Start, nil
}

// walk returns the address of the leaf PTE slot for va, synthesizing
// intermediate (level 2, level 1) tables along the way when create is
// true. Caller holds t.mu.
func (t *Table) walk(va hal.PA, create bool) (hal.PA, error) {
	a := t.pool.Arena()
	table := t.Root
	for level := 2; level >= 1; level-- {
		idx := vpn(va, level)
		entryAddr := table + hal.PA(idx*8)
		pte := a.ReadUint64(entryAddr)
		if pte&uint64(FlagV) == 0 {
			if !create {
				return 0, kerrors.ErrInvalid // NotMapped, distinguished by caller via Translate's own check
			}
			next, err := t.allocPage()
			if err != nil {
				return 0, err
			}
			a.WriteUint64(entryAddr, ptePPN(next)|uint64(FlagV))
			table = next
			continue
		}
		if isLeafFlags(Flags(pte)) {
			return 0, kerrors.New(kerrors.InvalidArgument, "sv39: %#x already mapped by a superpage at level %d", va, level)
		}
		table = ppnToPA(pte)
	}
	idx0 := vpn(va, 0)
	return table + hal.PA(idx0*8), nil
}

// checkRange validates the common preconditions for Map/Unmap/Translate.
func checkRange(va hal.PA, length int) error {
	if uint64(va)%hal.PageSize != 0 {
		return kerrors.New(kerrors.InvalidArgument, "sv39: va %#x is not page-aligned", va)
	}
	if uint64(va)+uint64(length) > (uint64(1) << VABits) {
		return kerrors.New(kerrors.InvalidArgument, "sv39: range [%#x,%#x) crosses the Sv39 canonical boundary", va, uint64(va)+uint64(length))
	}
	return nil
}

// Map installs 4 KiB leaf mappings across [va, va+length) → [pa, pa+length)
// with the given flags, rounding length up to a page multiple and
// synthesizing intermediate tables as needed.
func (t *Table) Map(va, pa hal.PA, length int, flags Flags) error {
	if !isLeafFlags(flags) {
		return kerrors.New(kerrors.InvalidArgument, "sv39: leaf flags %#x grant none of R/W/X", flags)
	}
	if uint64(pa)%hal.PageSize != 0 {
		return kerrors.New(kerrors.InvalidArgument, "sv39: pa %#x is not page-aligned", pa)
	}
	length = util.Roundup(length, hal.PageSize)
	if err := checkRange(va, length); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	npages := length / hal.PageSize
	a := t.pool.Arena()
	for i := 0; i < npages; i++ {
		curVA := va + hal.PA(i*hal.PageSize)
		curPA := pa + hal.PA(i*hal.PageSize)
		leaf, err := t.walk(curVA, true)
		if err != nil {
			return err
		}
		existing := a.ReadUint64(leaf)
		if existing&uint64(FlagV) != 0 {
			if existing != (ptePPN(curPA) | uint64(flags) | uint64(FlagV)) {
				return kerrors.New(kerrors.InvalidArgument, "sv39: %#x already mapped with different flags/target", curVA)
			}
			continue
		}
		a.WriteUint64(leaf, ptePPN(curPA)|uint64(flags|FlagV))
	}
	return nil
}

// Unmap clears leaf mappings across [va, va+length). Ranges that were
// never mapped are silently skipped; no level-collapse is performed.
func (t *Table) Unmap(va hal.PA, length int) error {
	length = util.Roundup(length, hal.PageSize)
	if err := checkRange(va, length); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	a := t.pool.Arena()
	npages := length / hal.PageSize
	for i := 0; i < npages; i++ {
		curVA := va + hal.PA(i*hal.PageSize)
		leaf, err := t.walk(curVA, false)
		if err != nil {
			continue // never mapped; nothing to clear
		}
		a.WriteUint64(leaf, 0)
	}
	return nil
}

// ErrNotMapped is returned by Translate when va has no valid mapping.
var ErrNotMapped = kerrors.New(kerrors.InvalidArgument, "sv39: not mapped")

// Translate performs a software walk of va, for debugging and for the
// ELF loader's sanity checks.
func (t *Table) Translate(va hal.PA) (hal.PA, Flags, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	leaf, err := t.walk(va, false)
	if err != nil {
		return 0, 0, ErrNotMapped
	}
	a := t.pool.Arena()
	pte := a.ReadUint64(leaf)
	if pte&uint64(FlagV) == 0 {
		return 0, 0, ErrNotMapped
	}
	off := uint64(va) & (hal.PageSize - 1)
	return ppnToPA(pte) + hal.PA(off), Flags(pte) &^ (FlagV), nil
}

// Satp encodes (Sv39 mode, ASID=0, ppn=root>>12) for a caller to
// install into the translation register, followed by a full TLB
// fence.
func (t *Table) Satp() uint64 {
	return uint64(SatpModeSv39)<<60 | (uint64(t.Root) >> hal.PageShift)
}

// Destroy returns every page this table owns (the root and every
// synthesized intermediate table) to the page pool. It does not free
// the leaf-mapped pages themselves; those are owned by whatever
// process or subsystem the table maps them for.
func (t *Table) Destroy() {
	t.mu.Lock()
	owned := t.owned
	t.owned = nil
	t.mu.Unlock()
	for _, e := range owned {
		t.pool.Free(t.hart, e)
	}
}
