// Package process implements the process object: saved PC/SP,
// lifecycle state, the root page table, owned physical extents, and
// the held-resources map a blocked process parks its resource guard
// in until the scheduler hands it back.
package process

import (
	"sync"

	"rvkernel/internal/accnt"
	"rvkernel/internal/elfload"
	"rvkernel/internal/hal"
	"rvkernel/internal/kerrors"
	"rvkernel/internal/mem"
	"rvkernel/internal/pid"
	"rvkernel/internal/resource"
	"rvkernel/internal/sv39"
)

// Kind is one of the process lifecycle states.
type Kind int

const (
	Uninitialized Kind = iota
	Unstarted
	Ready
	Running
	Blocked
	Sleep
	Dead
)

func (k Kind) String() string {
	switch k {
	case Uninitialized:
		return "Uninitialized"
	case Unstarted:
		return "Unstarted"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Blocked:
		return "Blocked"
	case Sleep:
		return "Sleep"
	case Dead:
		return "Dead"
	default:
		return "?"
	}
}

// State is the process's current lifecycle state. Resource/Mode are
// meaningful only when Kind == Blocked; Deadline only when Kind ==
// Sleep. Go has no sum type, so this struct plays that role.
type State struct {
	Kind     Kind
	Resource resource.Resource
	Mode     resource.Mode
	Deadline uint64
}

// Held is one entry of a process's held-resources map: the external
// id the resource assigned its guard, plus the guard itself.
type Held struct {
	ExternalID uint64
	Guard      *resource.Guard
}

// Process is one schedulable unit of execution.
type Process struct {
	mu sync.Mutex

	ID    pid.ID
	state State

	Pgtbl     *sv39.Table
	SavedPC   hal.PA
	SavedSP   hal.PA
	PhysPages []mem.Extent

	// Regs is the saved user register file, the state a real build
	// would park on the per-process trap stack between slices. Written
	// only by the trap package's U-mode stepper. Regs[2] is sp.
	Regs [32]uint64

	HeldResources map[pid.ID]Held
	resIDs        *pid.Generator

	Accnt accnt.Accnt

	pool *mem.Pool
	hart int
	pids *pid.Generator
}

// NewUninit constructs a zero-cost Uninitialized process, drawing its
// PID from pids.
func NewUninit(pids *pid.Generator, pool *mem.Pool, hart int) *Process {
	return &Process{
		ID:            pids.Alloc(),
		state:         State{Kind: Uninitialized},
		HeldResources: make(map[pid.ID]Held),
		resIDs:        pid.NewGenerator(),
		pool:          pool,
		hart:          hart,
		pids:          pids,
	}
}

// State returns a snapshot of the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Initialize loads img as this process's program image: legal from
// Uninitialized, Ready, Unstarted, or Sleep; releases
// any previously held resources; rebuilds phys_pages and reinstalls
// kernel mappings by constructing a brand new page table. Illegal
// (fatal) from Running or Blocked.
func (p *Process) Initialize(img []byte, layout hal.Layout) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state.Kind {
	case Uninitialized, Ready, Unstarted, Sleep:
	default:
		kerrors.Fatal("process: illegal Initialize from state %s", p.state.Kind)
	}

	p.releaseAllLocked()
	if len(p.PhysPages) > 0 {
		for _, e := range p.PhysPages {
			p.pool.Free(p.hart, e)
		}
		p.PhysPages = nil
	}
	if p.Pgtbl != nil {
		p.Pgtbl.Destroy()
		p.Pgtbl = nil
	}

	loaded, err := elfload.Load(p.pool, p.hart, img, layout)
	if err != nil {
		return err
	}
	p.Pgtbl = loaded.Table
	p.SavedPC = loaded.Entry
	p.SavedSP = loaded.StackSP
	p.PhysPages = loaded.Pages
	p.Regs = [32]uint64{}
	p.state = State{Kind: Unstarted}
	return nil
}

// releaseAllLocked releases every currently held resource guard and
// frees its process-local id. Caller holds p.mu.
func (p *Process) releaseAllLocked() {
	for localID, h := range p.HeldResources {
		h.Guard.Release()
		p.resIDs.Free(localID)
		delete(p.HeldResources, localID)
	}
}

// Start transitions Unstarted → Running and reports the satp value
// the calling hart loop should install before transferring control to
// SavedPC/SavedSP. It is a programmer error to call Start from any
// state but Unstarted.
func (p *Process) Start() (satp uint64, sp, pc hal.PA, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Kind != Unstarted {
		kerrors.Fatal("process: Start from state %s, want Unstarted", p.state.Kind)
	}
	p.state = State{Kind: Running}
	return p.Pgtbl.Satp(), p.SavedSP, p.SavedPC, nil
}

// Resume transitions Ready → Running, restoring the saved PC/SP the
// way Start does for a never-yet-run process.
func (p *Process) Resume() (satp uint64, sp, pc hal.PA, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Kind != Ready {
		kerrors.Fatal("process: Resume from state %s, want Ready", p.state.Kind)
	}
	p.state = State{Kind: Running}
	return p.Pgtbl.Satp(), p.SavedSP, p.SavedPC, nil
}

// Pause records a trap-driven suspension: the caller (the trap
// dispatcher) supplies the saved PC/SP and the new state (Ready,
// Blocked, or Sleep). Only legal from Running.
func (p *Process) Pause(pc, sp hal.PA, next State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Kind != Running {
		kerrors.Fatal("process: Pause from state %s, want Running", p.state.Kind)
	}
	p.SavedPC, p.SavedSP = pc, sp
	p.state = next
}

// RecordAcquired transitions Blocked → Ready after the scheduler has
// successfully reacquired this process's pending resource, filing the
// guard under a freshly minted process-local resource id.
func (p *Process) RecordAcquired(g *resource.Guard) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Kind != Blocked {
		kerrors.Fatal("process: RecordAcquired from state %s, want Blocked", p.state.Kind)
	}
	localID := p.resIDs.Alloc()
	p.HeldResources[localID] = Held{ExternalID: g.ID, Guard: g}
	p.state = State{Kind: Ready}
}

// WakeFromSleep transitions Sleep → Ready once the scheduler observes
// the current tick has reached the process's deadline.
func (p *Process) WakeFromSleep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Kind != Sleep {
		kerrors.Fatal("process: WakeFromSleep from state %s, want Sleep", p.state.Kind)
	}
	p.state = State{Kind: Ready}
}

// Exit tears the process down: fatal if Running, otherwise every
// owned extent is returned to the pool, held resources are released,
// the page table is destroyed, and the PID is released for reuse.
// Ordinary callers (the scheduler retiring a non-Running process, test
// teardown) use this; the trap dispatcher's exit-syscall/fault paths
// use ExitFromTrap instead, since there the process is Running by
// construction.
func (p *Process) Exit() {
	p.mu.Lock()
	if p.state.Kind == Running {
		p.mu.Unlock()
		kerrors.Fatal("process: Exit while Running")
	}
	p.teardownLocked()
	p.mu.Unlock()
	p.pids.Free(p.ID)
}

// ExitFromTrap is the sanctioned way to retire a process that trapped
// into the kernel via the exit syscall or an unrecoverable fault: it
// is the one path allowed to tear down a Running process, since the
// trap dispatcher is the sole caller and the process is, by
// definition, the one currently occupying the hart that called in.
func (p *Process) ExitFromTrap() {
	p.mu.Lock()
	if p.state.Kind != Running {
		p.mu.Unlock()
		kerrors.Fatal("process: ExitFromTrap from state %s, want Running", p.state.Kind)
	}
	p.teardownLocked()
	p.mu.Unlock()
	p.pids.Free(p.ID)
}

// teardownLocked releases resources, owned pages, and the page table,
// and marks the process Dead. Caller holds p.mu.
func (p *Process) teardownLocked() {
	p.releaseAllLocked()
	for _, e := range p.PhysPages {
		p.pool.Free(p.hart, e)
	}
	p.PhysPages = nil
	if p.Pgtbl != nil {
		p.Pgtbl.Destroy()
		p.Pgtbl = nil
	}
	p.state = State{Kind: Dead}
}

// ForceStateForTest sets the process's state directly, bypassing the
// lifecycle transition checks Start/Resume/Pause enforce. It exists
// so internal/sched's tests can drive a process into Blocked/Sleep/
// Ready without threading a full ELF load through every scenario.
func (p *Process) ForceStateForTest(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}
