// Package hal is the hardware abstraction boundary. It defines the
// physical memory layout and the MMIO/CSR contracts the rest of the
// kernel programs against (internal/hal/devio), plus a faithful
// in-process backend (internal/hal/simhal) standing in for the qemu
// "virt" target's registers and DRAM.
//
// A real riscv64 build swaps simhal for a backend that pokes real
// registers behind the same interfaces; nothing in mem, heap, sv39,
// elfload, process, sched, or trap needs to change.
package hal

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PageSize is the hardware page size for Sv39.
const PageSize = 4096

// PageShift is the base-2 exponent of PageSize.
const PageShift = 12

// PA is a physical address in the qemu-virt DRAM window, not a host
// virtual address. All arithmetic on physical addresses in
// this kernel happens in this space, never in host pointer space.
type PA uint64

// DRAMBase mirrors the qemu "virt" machine's DRAM origin.
const DRAMBase PA = 0x8000_0000

// Arena is the simulated physical DRAM backing store: the contiguous
// region between the end of .bss and the end of usable memory that
// the page pool owns.
type Arena struct {
	mem []byte // mmap'd backing store; mem[0] corresponds to DRAMBase
}

// NewArena allocates an anonymous, zero-filled mapping of size bytes
// to act as physical DRAM. The whole simulated region comes from the
// host kernel via mmap rather than modeling a second layer of host
// physical memory.
func NewArena(size int) (*Arena, error) {
	if size <= 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("hal: arena size %d is not a positive page multiple", size)
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("hal: mmap arena: %w", err)
	}
	return &Arena{mem: b}, nil
}

// Close releases the backing mapping. Only ever called at kernel
// shutdown/test teardown.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}

// Size reports the arena's total byte length.
func (a *Arena) Size() int { return len(a.mem) }

// Base returns the physical address of the first byte of the arena.
func (a *Arena) Base() PA { return DRAMBase }

// End returns the physical address one past the last byte of the
// arena, the role the memory-end linker symbol plays on real
// hardware.
func (a *Arena) End() PA { return a.Base() + PA(len(a.mem)) }

func (a *Arena) offset(pa PA) int {
	if pa < a.Base() || pa >= a.End() {
		panic(fmt.Sprintf("hal: physical address %#x outside arena [%#x, %#x)", pa, a.Base(), a.End()))
	}
	return int(pa - a.Base())
}

// Bytes returns a mutable view of length bytes starting at pa. The
// slice aliases the arena; callers must not retain it past a Free of
// the underlying page.
func (a *Arena) Bytes(pa PA, length int) []byte {
	off := a.offset(pa)
	if off+length > len(a.mem) {
		panic(fmt.Sprintf("hal: range [%#x, %#x) exceeds arena", pa, pa+PA(length)))
	}
	return a.mem[off : off+length]
}

// Zero clears length bytes starting at pa. Invoked by the page pool
// before handing a page to a caller; every allocated page is
// zero-filled.
func (a *Arena) Zero(pa PA, length int) {
	b := a.Bytes(pa, length)
	for i := range b {
		b[i] = 0
	}
}

// ReadUint64 and WriteUint64 give the page-table walker and the
// sub-page heap raw word-at-a-physical-address access for PTEs and
// chunk headers.
func (a *Arena) ReadUint64(pa PA) uint64 {
	b := a.Bytes(pa, 8)
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func (a *Arena) WriteUint64(pa PA, v uint64) {
	b := a.Bytes(pa, 8)
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}
