// Package pid implements the kernel's id generator: a counter plus a
// set of currently-allocated ids. Generation advances the counter,
// skipping ids already in the set, and inserts; release removes, and
// a double release is a fatal error. Process ids and per-process
// resource-local ids both use this shape.
package pid

import (
	"sync"

	"rvkernel/internal/kerrors"
)

// ID is a PID or process-local resource id: a unique non-zero integer.
type ID uint64

// Generator hands out the smallest unused positive integer and tracks
// which ids are currently live.
type Generator struct {
	mu   sync.Mutex
	next ID
	live map[ID]bool
}

// NewGenerator constructs a generator that starts issuing ids at 1.
func NewGenerator() *Generator {
	return &Generator{next: 1, live: make(map[ID]bool)}
}

// Alloc returns the smallest unused id, marks it live, and advances
// the counter past it.
func (g *Generator) Alloc() ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.live[g.next] {
		g.next++
	}
	id := g.next
	g.live[id] = true
	g.next++
	return id
}

// Free releases id so it may be reissued. Double-free is a
// programmer error and panics.
func (g *Generator) Free(id ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.live[id] {
		kerrors.Fatal("pid: double free of id %d", id)
	}
	delete(g.live, id)
	if id < g.next {
		g.next = id
	}
}

// Live reports whether id is currently allocated. Test/diagnostic use.
func (g *Generator) Live(id ID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.live[id]
}
