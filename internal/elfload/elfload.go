// Package elfload implements the ELF loader: it parses a 64-bit
// little-endian ELF executable, validates it, copies
// each LOAD segment into freshly allocated pages, and builds the
// process's page table (via internal/sv39), including the kernel's
// own identity mappings, which the trap handler needs reachable while
// the process's SATP is still loaded.
package elfload

import (
	"encoding/binary"

	"rvkernel/internal/hal"
	"rvkernel/internal/kerrors"
	"rvkernel/internal/mem"
	"rvkernel/internal/sv39"
	"rvkernel/internal/util"
)

const (
	ehdrSize = 64
	phdrSize = 56

	eiClass64 = 2
	eiDataLE  = 1

	etExec    = 2
	emRISCV   = 0xF3
	ptLoad    = 1
	zeroPage  = 0x1000
	maxAlign  = 0x1000

	pfX = 0x1
	pfW = 0x2
	pfR = 0x4

	defaultStackPages = 2
)

var magic = [4]byte{0x7F, 'E', 'L', 'F'}

type phdr struct {
	Type    uint32
	Flags   uint32
	Offset  uint64
	Vaddr   uint64
	Paddr   uint64
	Filesz  uint64
	Memsz   uint64
	Align   uint64
}

// Loaded is the result of successfully loading and mapping an ELF
// image for one process.
type Loaded struct {
	Table   *sv39.Table
	Entry   hal.PA
	StackSP hal.PA
	// Pages lists every extent this load allocated that is owned by
	// the process (LOAD segments plus the stack). Kernel identity
	// mappings installed alongside these are not included; the kernel
	// owns those pages.
	Pages []mem.Extent
}

// Load validates img as an ELF64 executable for this kernel's target
// and builds a fresh page table mapping its LOAD segments, a 2-page
// user stack, and the kernel's identity-mapped sections from layout.
func Load(pool *mem.Pool, hart int, img []byte, layout hal.Layout) (*Loaded, error) {
	if err := validateHeader(img); err != nil {
		return nil, err
	}

	ehEntry := binary.LittleEndian.Uint64(img[24:32])
	ehPhoff := binary.LittleEndian.Uint64(img[32:40])
	ehPhnum := binary.LittleEndian.Uint16(img[56:58])

	phdrs, err := parsePhdrs(img, ehPhoff, ehPhnum)
	if err != nil {
		return nil, err
	}

	tbl, err := sv39.New(pool, hart)
	if err != nil {
		return nil, err
	}
	loaded := &Loaded{Table: tbl, Entry: hal.PA(ehEntry)}

	type rounded struct{ start, end hal.PA }
	var ranges []rounded

	for _, ph := range phdrs {
		if ph.Type != ptLoad {
			continue
		}
		if err := validateLoad(ph, layout); err != nil {
			tbl.Destroy()
			return nil, err
		}
		start := util.Rounddown(hal.PA(ph.Vaddr), hal.PA(hal.PageSize))
		end := util.Roundup(hal.PA(ph.Vaddr)+hal.PA(ph.Memsz), hal.PA(hal.PageSize))
		for _, r := range ranges {
			if start < r.end && end > r.start {
				tbl.Destroy()
				return nil, kerrors.New(kerrors.MalformedProgram, "elfload: overlapping LOAD segments at %#x", ph.Vaddr)
			}
		}
		ranges = append(ranges, rounded{start, end})

		npages := int((ph.Memsz + hal.PageSize - 1) / hal.PageSize)
		e, err := pool.Alloc(hart, npages)
		if err != nil {
			tbl.Destroy()
			return nil, err
		}
		loaded.Pages = append(loaded.Pages, e)

		if ph.Filesz > 0 {
			if ph.Offset+ph.Filesz > uint64(len(img)) {
				tbl.Destroy()
				return nil, kerrors.New(kerrors.MalformedProgram, "elfload: segment at offset %#x exceeds image", ph.Offset)
			}
			copy(pool.Arena().Bytes(e.Start, int(ph.Filesz)), img[ph.Offset:ph.Offset+ph.Filesz])
		}

		flags := sv39.UserFlags(ph.Flags&pfR != 0, ph.Flags&pfW != 0, ph.Flags&pfX != 0)
		if err := tbl.Map(hal.PA(ph.Vaddr), e.Start, int(ph.Memsz), flags); err != nil {
			tbl.Destroy()
			return nil, err
		}
	}

	stackE, err := pool.Alloc(hart, defaultStackPages)
	if err != nil {
		tbl.Destroy()
		return nil, err
	}
	loaded.Pages = append(loaded.Pages, stackE)
	stackVA := layout.TextStart - hal.PA(defaultStackPages*hal.PageSize)
	if err := tbl.Map(stackVA, stackE.Start, defaultStackPages*hal.PageSize, sv39.UserFlags(true, true, false)); err != nil {
		tbl.Destroy()
		return nil, err
	}
	loaded.StackSP = stackVA + hal.PA(defaultStackPages*hal.PageSize)

	if err := installKernelIdentity(tbl, layout); err != nil {
		tbl.Destroy()
		return nil, err
	}

	return loaded, nil
}

func validateHeader(img []byte) error {
	if len(img) < ehdrSize {
		return kerrors.New(kerrors.MalformedProgram, "elfload: image too short for an ELF header")
	}
	if [4]byte(img[0:4]) != magic {
		return kerrors.New(kerrors.MalformedProgram, "elfload: bad magic %v", img[0:4])
	}
	if img[4] != eiClass64 {
		return kerrors.New(kerrors.MalformedProgram, "elfload: not a 64-bit ELF")
	}
	if img[5] != eiDataLE {
		return kerrors.New(kerrors.MalformedProgram, "elfload: not little-endian")
	}
	etype := binary.LittleEndian.Uint16(img[16:18])
	if etype != etExec {
		return kerrors.New(kerrors.MalformedProgram, "elfload: e_type %d is not ET_EXEC", etype)
	}
	machine := binary.LittleEndian.Uint16(img[18:20])
	if machine != emRISCV {
		return kerrors.New(kerrors.MalformedProgram, "elfload: e_machine %#x is not RISC-V", machine)
	}
	phentsize := binary.LittleEndian.Uint16(img[54:56])
	if phentsize != phdrSize {
		return kerrors.New(kerrors.MalformedProgram, "elfload: e_phentsize %d != %d", phentsize, phdrSize)
	}
	return nil
}

func parsePhdrs(img []byte, off uint64, n uint16) ([]phdr, error) {
	out := make([]phdr, 0, n)
	for i := uint16(0); i < n; i++ {
		base := off + uint64(i)*phdrSize
		if base+phdrSize > uint64(len(img)) {
			return nil, kerrors.New(kerrors.MalformedProgram, "elfload: program header %d out of bounds", i)
		}
		b := img[base : base+phdrSize]
		out = append(out, phdr{
			Type:   binary.LittleEndian.Uint32(b[0:4]),
			Flags:  binary.LittleEndian.Uint32(b[4:8]),
			Offset: binary.LittleEndian.Uint64(b[8:16]),
			Vaddr:  binary.LittleEndian.Uint64(b[16:24]),
			Paddr:  binary.LittleEndian.Uint64(b[24:32]),
			Filesz: binary.LittleEndian.Uint64(b[32:40]),
			Memsz:  binary.LittleEndian.Uint64(b[40:48]),
			Align:  binary.LittleEndian.Uint64(b[48:56]),
		})
	}
	return out, nil
}

func validateLoad(ph phdr, layout hal.Layout) error {
	if ph.Vaddr < zeroPage {
		return kerrors.New(kerrors.MalformedProgram, "elfload: LOAD vaddr %#x maps the zero page", ph.Vaddr)
	}
	kernelLo, kernelHi := uint64(layout.TextStart), uint64(layout.TextEnd)
	loLo, loHi := ph.Vaddr, ph.Vaddr+ph.Memsz
	if loLo < kernelHi && loHi > kernelLo {
		return kerrors.New(kerrors.MalformedProgram, "elfload: LOAD [%#x,%#x) overlaps kernel text", loLo, loHi)
	}
	if ph.Filesz != ph.Memsz {
		return kerrors.New(kerrors.MalformedProgram, "elfload: p_filesz != p_memsz (bss tail unsupported)")
	}
	if ph.Align > maxAlign {
		return kerrors.New(kerrors.MalformedProgram, "elfload: p_align %#x exceeds page size", ph.Align)
	}
	return nil
}

// installKernelIdentity maps the kernel's own sections into the
// process's page table with the Global bit set, identity (VA == PA),
// so that a trap taken while this process's SATP is still loaded can
// still reach the trap vector, stack, and handler.
// These pages are not tracked in Loaded.Pages: they are owned by the
// kernel, not the process.
func installKernelIdentity(tbl *sv39.Table, l hal.Layout) error {
	type region struct {
		start, end hal.PA
		r, w, x    bool
	}
	regions := []region{
		{l.TextStart, l.TextEnd, true, false, true},
		{l.RodataStart, l.RodataEnd, true, false, false},
		{l.DataStart, l.DataEnd, true, true, false},
		{l.BssStart, l.BssEnd, true, true, false},
		{l.StacksStart, l.StacksEnd, true, true, false},
		{l.IntStacksStart, l.IntStacksEnd, true, true, false},
		{l.HeapStart, l.MemoryEnd, true, true, false},
	}
	for _, reg := range regions {
		if reg.end <= reg.start {
			continue
		}
		flags := sv39.KernelFlags(reg.r, reg.w, reg.x)
		if err := tbl.Map(reg.start, reg.start, int(reg.end-reg.start), flags); err != nil {
			return err
		}
	}
	return nil
}
