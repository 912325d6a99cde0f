package hal

// NHart is the number of harts the kernel schedules across. There is
// no hart-affinity load balancing: each hart runs a local round robin
// over the shared queue.
const NHart = 2

// Layout mirrors the linker-script symbols a real build would get:
// delimiters for the kernel's text/rodata/data/bss sections and the
// per-hart stack regions, all expressed as physical addresses inside
// an Arena. A real build reads these from the linker; this hosted
// build carves them out of the arena at boot in the same relative
// order (text, rodata, data, bss, stacks, trap-stacks, then the
// remainder is free for the page pool / kernel heap).
type Layout struct {
	TextStart, TextEnd     PA
	RodataStart, RodataEnd PA
	DataStart, DataEnd     PA
	BssStart, BssEnd       PA

	// StacksStart is the base of the per-hart kernel stack region:
	// each hart gets 2 pages, laid out back to back.
	StacksStart, StacksEnd PA

	// IntStacksStart is the base of the per-hart trap-stack region.
	// Per hart i the 4-page interrupt region is
	// [M-guard][M-stack][S-guard][S-stack].
	IntStacksStart, IntStacksEnd PA

	// MemoryEnd is the end of usable physical memory (the arena end).
	MemoryEnd PA

	// HeapStart is the first page available to the page pool (C1).
	HeapStart PA
}

// per-hart kernel stack size in pages.
const hartStackPages = 2

// per-hart trap region size in pages: M-guard, M-stack, S-guard, S-stack.
const hartIntRegionPages = 4

// DefaultLayout reserves fixed-size text/rodata/data/bss sections at
// the front of the arena (standing in for the real linker sections,
// which this hosted build has none of) followed by the per-hart stack
// and trap-stack regions, and returns the remainder as heap/page-pool
// territory.
func DefaultLayout(a *Arena) Layout {
	const (
		textPages   = 4
		rodataPages = 2
		dataPages   = 2
		bssPages    = 2
	)

	cur := a.Base()
	l := Layout{}

	l.TextStart = cur
	cur += PA(textPages * PageSize)
	l.TextEnd = cur

	l.RodataStart = cur
	cur += PA(rodataPages * PageSize)
	l.RodataEnd = cur

	l.DataStart = cur
	cur += PA(dataPages * PageSize)
	l.DataEnd = cur

	l.BssStart = cur
	cur += PA(bssPages * PageSize)
	l.BssEnd = cur

	l.StacksStart = cur
	cur += PA(NHart * hartStackPages * PageSize)
	l.StacksEnd = cur

	l.IntStacksStart = cur
	cur += PA(NHart * hartIntRegionPages * PageSize)
	l.IntStacksEnd = cur

	l.HeapStart = cur
	l.MemoryEnd = a.End()
	return l
}

// HartStack returns the [start, end) physical range of hart i's
// 2-page kernel stack.
func (l Layout) HartStack(i int) (PA, PA) {
	start := l.StacksStart + PA(i*hartStackPages*PageSize)
	return start, start + PA(hartStackPages*PageSize)
}

// HartMStack returns hart i's 1-page M-mode trap stack (after its
// guard page).
func (l Layout) HartMStack(i int) (PA, PA) {
	base := l.IntStacksStart + PA(i*hartIntRegionPages*PageSize)
	start := base + PA(PageSize) // skip M-guard
	return start, start + PA(PageSize)
}

// HartSStack returns hart i's 1-page S-mode trap stack (after its
// guard page).
func (l Layout) HartSStack(i int) (PA, PA) {
	base := l.IntStacksStart + PA(i*hartIntRegionPages*PageSize)
	start := base + PA(3*PageSize) // skip M-guard, M-stack, S-guard
	return start, start + PA(PageSize)
}
