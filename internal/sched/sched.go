// Package sched implements the round-robin scheduler: a FIFO queue
// of processes shared by every hart, guarded by a single global lock.
// NextReady is the only path that dequeues a process;
// it re-examines Blocked/Sleep processes on every visit to the head
// and re-enqueues them at the tail until they become runnable.
package sched

import (
	"sync"
	"sync/atomic"

	"rvkernel/internal/kerrors"
	"rvkernel/internal/process"
	"rvkernel/internal/resource"
)

// Scheduler is the global round-robin queue. The zero value is not
// usable; construct with New.
type Scheduler struct {
	mu    sync.Mutex
	queue []*process.Process

	tick atomic.Uint64
}

// New constructs an empty scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// Insert accepts only Ready or Unstarted processes and enqueues them
// at the tail.
func (s *Scheduler) Insert(p *process.Process) {
	switch p.State().Kind {
	case process.Ready, process.Unstarted:
	default:
		kerrors.Fatal("sched: Insert of process %d in state %s", p.ID, p.State().Kind)
	}
	s.enqueueTail(p)
}

func (s *Scheduler) enqueueTail(p *process.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, p)
}

// InsertForTest enqueues p without validating its state. It exists
// for tests that seed a process directly into Blocked or Sleep
// (states NextReady re-examines but Insert itself would reject),
// mirroring how a real Blocked/Sleep transition happens via Pause
// rather than Insert.
func (s *Scheduler) InsertForTest(p *process.Process) {
	s.enqueueTail(p)
}

// NextReady dequeues the head of the queue and returns the first
// process found runnable, re-enqueueing and re-examining
// Blocked/Sleep processes along the way. An empty queue or a process
// found in an impossible state (Uninitialized, Running, Dead) is a
// fatal scheduler invariant violation.
func (s *Scheduler) NextReady() *process.Process {
	for {
		p := s.dequeue()
		switch p.State().Kind {
		case process.Ready, process.Unstarted:
			return p
		case process.Blocked:
			st := p.State()
			if g, ok := resource.Acquire(st.Resource, st.Mode); ok {
				p.RecordAcquired(g)
				return p
			}
			s.enqueueTail(p)
		case process.Sleep:
			if s.Tick() >= p.State().Deadline {
				p.WakeFromSleep()
				return p
			}
			s.enqueueTail(p)
		default:
			kerrors.Fatal("sched: process %d found in queue with invalid state %s", p.ID, p.State().Kind)
		}
	}
}

func (s *Scheduler) dequeue() *process.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		kerrors.Fatal("sched: empty queue, root process exited")
	}
	p := s.queue[0]
	s.queue = s.queue[1:]
	return p
}

// Len reports the current queue length, for test/diagnostic use.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Tick returns the scheduler's current tick counter.
func (s *Scheduler) Tick() uint64 { return s.tick.Load() }

// AdvanceTick moves the tick counter forward by one, as driven by the
// M-mode timer handler's software interrupt, and returns the new
// value.
func (s *Scheduler) AdvanceTick() uint64 { return s.tick.Add(1) }

// SetTick forces the tick counter to an exact value. Test use only.
func (s *Scheduler) SetTick(v uint64) { s.tick.Store(v) }
