package elfload

import (
	"encoding/binary"
	"testing"

	"rvkernel/internal/hal"
	"rvkernel/internal/mem"
)

func newTestPool(t *testing.T, pages int) (*mem.Pool, *hal.Arena) {
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
	return p, a
}

func testLayout(a *hal.Arena) hal.Layout {
	return hal.DefaultLayout(a)
}

// buildELF constructs a minimal well-formed ELF64 RISC-V executable
// with a single LOAD segment, for test use.
func buildELF(t *testing.T, vaddr uint64, payload []byte, corruptMagic bool) []byte {
	t.Helper()
	const phoff = ehdrSize
	img := make([]byte, phoff+phdrSize+len(payload))

	copy(img[0:4], magic[:])
	if corruptMagic {
		img[3] = 'X'
	}
	img[4] = eiClass64
	img[5] = eiDataLE
	binary.LittleEndian.PutUint16(img[16:18], etExec)
	binary.LittleEndian.PutUint16(img[18:20], emRISCV)
	binary.LittleEndian.PutUint64(img[24:32], vaddr) // entry == segment start
	binary.LittleEndian.PutUint64(img[32:40], phoff)
	binary.LittleEndian.PutUint16(img[54:56], phdrSize)
	binary.LittleEndian.PutUint16(img[56:58], 1)

	ph := img[phoff : phoff+phdrSize]
	binary.LittleEndian.PutUint32(ph[0:4], ptLoad)
	binary.LittleEndian.PutUint32(ph[4:8], pfR|pfX)
	binary.LittleEndian.PutUint64(ph[8:16], phoff+phdrSize)
	binary.LittleEndian.PutUint64(ph[16:24], vaddr)
	binary.LittleEndian.PutUint64(ph[32:40], uint64(len(payload)))
	binary.LittleEndian.PutUint64(ph[40:48], uint64(len(payload)))
	binary.LittleEndian.PutUint64(ph[48:56], hal.PageSize)

	copy(img[phoff+phdrSize:], payload)
	return img
}

func TestLoadValidELF(t *testing.T) {
	pool, a := newTestPool(t, 64)
	layout := testLayout(a)
	img := buildELF(t, 0x10000, []byte{1, 2, 3, 4}, false)

	loaded, err := Load(pool, 0, img, layout)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer loaded.Table.Destroy()

	if loaded.Entry != 0x10000 {
		t.Fatalf("entry = %#x, want 0x10000", loaded.Entry)
	}
	pa, _, err := loaded.Table.Translate(0x10000)
	if err != nil {
		t.Fatalf("translate entry: %v", err)
	}
	got := a.Bytes(pa, 4)
	if got[0] != 1 || got[3] != 4 {
		t.Fatalf("segment contents not copied: %v", got)
	}
	if loaded.StackSP == 0 {
		t.Fatal("expected a mapped stack")
	}
}

// TestLoadRejectsBadMagic corrupts the last magic byte and expects
// the loader to refuse the image.
func TestLoadRejectsBadMagic(t *testing.T) {
	pool, a := newTestPool(t, 64)
	layout := testLayout(a)
	img := buildELF(t, 0x10000, []byte{1}, true)

	_, err := Load(pool, 0, img, layout)
	if err == nil {
		t.Fatal("expected MalformedProgram for bad magic")
	}
}

func TestLoadRejectsZeroPage(t *testing.T) {
	pool, a := newTestPool(t, 64)
	layout := testLayout(a)
	img := buildELF(t, 0x100, []byte{1}, false)

	_, err := Load(pool, 0, img, layout)
	if err == nil {
		t.Fatal("expected MalformedProgram for zero-page vaddr")
	}
}
