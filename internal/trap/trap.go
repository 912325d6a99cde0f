// Package trap implements the trap dispatcher: the M-mode timer
// handler that arms the next tick and raises an S-mode software
// interrupt, and the single S-mode entry point that distinguishes
// syscalls, software interrupts (scheduler yield), and external
// interrupts (PLIC claim/dispatch). It is the only path that ever
// starts or resumes a process, besides test setup.
//
// A real riscv64 build takes an actual trap here (ecall, timer
// interrupt, external interrupt) and hands scause/sepc/the saved
// register file to these same methods; this hosted build's U-mode
// stepper (RunUser) synthesizes equivalent Event values instead of a
// real stvec vector.
package trap

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/arch/riscv64/riscv64asm"

	"rvkernel/internal/hal"
	"rvkernel/internal/hal/devio"
	"rvkernel/internal/klog"
	"rvkernel/internal/process"
	"rvkernel/internal/sched"
)

// Linux-riscv syscall numbers this kernel implements. All others
// trap as "uncaught".
const (
	SysSchedYield uint64 = 124
	SysExit       uint64 = 93
)

// switchesToKernel decides, per syscall number, whether the handler
// needs the kernel stack and page table: a syscall that can be
// serviced without touching kernel-owned data runs in-process;
// everything else requires a SATP/stack switch before the full
// handler runs. sched_yield and exit both touch the scheduler/process
// table, so both switch.
var switchesToKernel = map[uint64]bool{
	SysSchedYield: true,
	SysExit:       true,
}

// SwitchesToKernel reports whether syscall num requires the kernel
// stack/page-table prologue before dispatch.
func SwitchesToKernel(num uint64) bool { return switchesToKernel[num] }

// EventKind distinguishes what drove an S-mode trap entry.
type EventKind int

const (
	EventSyscall EventKind = iota
	EventSoftwareInterrupt
	EventExternalInterrupt
	EventIllegalInstruction
)

// Event is the synthesized trap-entry payload RunUser constructs in
// place of real scause/sepc/register-file state.
type Event struct {
	Kind       EventKind
	SyscallNum uint64
	Args       [6]uint64
	PC, SP     hal.PA
	Fault      uint32 // raw instruction word, for EventIllegalInstruction
}

// Dispatcher mediates between the simulated CLINT/PLIC and the
// scheduler. One Dispatcher serves every hart.
type Dispatcher struct {
	sched *sched.Scheduler
	clint devio.CLINT
	plic  devio.PLIC
	uart  devio.UART
	block devio.VirtioBlock
	arena *hal.Arena

	pendingSoftware []atomic.Bool // per-hart SIP.SSIE simulation

	mu sync.Mutex
}

// New constructs a dispatcher wired to the scheduler and the given
// device contracts (swap in real register-poking backends for a
// qemu-virt build; cmd/kernel wires internal/hal/simhal's defaults).
func New(s *sched.Scheduler, clint devio.CLINT, plic devio.PLIC, uart devio.UART, block devio.VirtioBlock, arena *hal.Arena, nhart int) *Dispatcher {
	return &Dispatcher{
		sched:           s,
		clint:           clint,
		plic:            plic,
		uart:            uart,
		block:           block,
		arena:           arena,
		pendingSoftware: make([]atomic.Bool, nhart),
	}
}

// MTimerTick is the M-mode minimal handler: it advances mtimecmp by
// the tick interval and raises a pending S-mode software interrupt
// for hart. It must never touch Go-level (S-mode) kernel data beyond
// this flag; the real handler only saves/restores a0..a7 via a
// per-hart scratchpad.
func (d *Dispatcher) MTimerTick(hart int) {
	now := d.clint.ReadMTime()
	d.clint.WriteMTimeCmp(hart, now+devio.TimerInterval)
	d.pendingSoftware[hart].Store(true)
}

// TakeSoftwareInterrupt reports and clears hart's pending software
// interrupt flag, matching the real handler's scause==STI path
// ("clear pending bit; call the scheduler's yield path").
func (d *Dispatcher) TakeSoftwareInterrupt(hart int) bool {
	return d.pendingSoftware[hart].CompareAndSwap(true, false)
}

// HandleSoftwareInterrupt implements the timer-driven yield path:
// pause the running process as Ready and hand control to whatever the
// scheduler returns next.
func (d *Dispatcher) HandleSoftwareInterrupt(p *process.Process, pc, sp hal.PA) *process.Process {
	start := time.Now()
	defer func() { p.Accnt.AddSys(time.Since(start)) }()
	p.Pause(pc, sp, process.State{Kind: process.Ready})
	d.sched.Insert(p)
	return d.sched.NextReady()
}

// HandleSyscall dispatches a syscall entered with p's page table
// still active. sched_yield and exit are implemented directly;
// anything else is logged and reported unhandled, and the caller
// decides what an uncaught trap means for the process (the hart loop
// retires it via HandleUncaughtSyscall).
func (d *Dispatcher) HandleSyscall(p *process.Process, num uint64, args [6]uint64, retPC, sp hal.PA) (next *process.Process, handled bool) {
	start := time.Now()
	defer func() { p.Accnt.AddSys(time.Since(start)) }()
	switch num {
	case SysSchedYield:
		return d.schedYield(p, retPC, sp), true
	case SysExit:
		return d.exit(p), true
	default:
		klog.Warningf("trap: uncaught syscall %d from pid %d", num, p.ID)
		return nil, false
	}
}

// schedYield keeps the strict drop-before-resume discipline: Insert
// and NextReady each take and release the scheduler's lock
// internally, so by the time this function returns no lock is held
// across the eventual Start/Resume transfer of control performed by
// the caller (cmd/kernel's hart loop).
func (d *Dispatcher) schedYield(p *process.Process, retPC, sp hal.PA) *process.Process {
	p.Pause(retPC+4, sp, process.State{Kind: process.Ready})
	d.sched.Insert(p)
	return d.sched.NextReady()
}

func (d *Dispatcher) exit(p *process.Process) *process.Process {
	p.ExitFromTrap()
	return d.sched.NextReady()
}

// HandleUncaughtSyscall retires a process whose syscall number
// HandleSyscall reported as unhandled; there is no error return path
// to user code, so the trap is terminal for the process.
func (d *Dispatcher) HandleUncaughtSyscall(p *process.Process, num uint64) *process.Process {
	klog.Errorf("trap: pid %d retired on uncaught syscall %d", p.ID, num)
	return d.exit(p)
}

// HandleExternalInterrupt claims a pending IRQ from the PLIC and
// dispatches it to the UART or VIRTIO block collaborator, completing
// the claim afterward. Byte-level UART handling and the VIRTIO block
// protocol itself live with the devices; only the
// claim/dispatch/complete shape is here.
func (d *Dispatcher) HandleExternalInterrupt(hart int) {
	irq, ok := d.plic.Claim(hart)
	if !ok {
		return
	}
	switch irq {
	case devio.UARTIRQ:
		if d.uart != nil {
			if b, ok := d.uart.ReadByte(); ok {
				klog.Debugf("trap: uart rx %q", b)
			}
		}
	case devio.VirtioIRQ:
		if d.block != nil {
			d.block.HandleUsed()
		}
	default:
		klog.Warningf("trap: external interrupt for unknown irq %d", irq)
	}
	d.plic.Complete(hart, irq)
}

// DecodeFault disassembles the faulting instruction word for
// diagnostic logging on an illegal-instruction trap, using the same
// riscv64 decoder a real debug build would reach for.
func DecodeFault(word uint32) string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], word)
	inst, err := riscv64asm.Decode(b[:])
	if err != nil {
		return "undecodable instruction"
	}
	return inst.String()
}

// HandleIllegalInstruction logs the decoded faulting instruction and
// terminates the offending process; there is no recovery path for a
// trap this kernel doesn't otherwise understand.
func (d *Dispatcher) HandleIllegalInstruction(p *process.Process, fault uint32) *process.Process {
	klog.Errorf("trap: illegal instruction in pid %d: %s (raw %#08x)", p.ID, DecodeFault(fault), fault)
	return d.exit(p)
}
