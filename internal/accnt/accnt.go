// Package accnt tracks per-process user/system time. Every process
// owns an Accnt, updated by the trap dispatcher on entry/exit.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"
)

// Accnt accumulates nanoseconds of user and system time for one
// process. The embedded mutex lets callers take a consistent snapshot
// when reporting usage.
type Accnt struct {
	mu     sync.Mutex
	Userns int64
	Sysns  int64
}

// AddUser adds delta nanoseconds of user-mode execution time.
func (a *Accnt) AddUser(delta time.Duration) {
	atomic.AddInt64(&a.Userns, int64(delta))
}

// AddSys adds delta nanoseconds of kernel-mode execution time.
func (a *Accnt) AddSys(delta time.Duration) {
	atomic.AddInt64(&a.Sysns, int64(delta))
}

// Snapshot returns a consistent copy of the accumulated user/system
// durations.
func (a *Accnt) Snapshot() (user, sys time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Duration(atomic.LoadInt64(&a.Userns)), time.Duration(atomic.LoadInt64(&a.Sysns))
}

// Merge folds another process's usage into this one, for when a
// child's resource usage is attributed back to a reaping parent.
func (a *Accnt) Merge(n *Accnt) {
	u, s := n.Snapshot()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Userns += int64(u)
	a.Sysns += int64(s)
}
