package trap

import (
	"encoding/binary"
	"testing"

	"rvkernel/internal/hal"
	"rvkernel/internal/hal/simhal"
	"rvkernel/internal/mem"
	"rvkernel/internal/pid"
	"rvkernel/internal/process"
	"rvkernel/internal/sched"
)

// liA7 encodes addi a7, x0, imm (the li pseudo-instruction for the
// syscall-number register).
func liA7(imm uint32) uint32 { return imm<<20 | 17<<7 | 0x13 }

// addi encodes addi rd, rs1, imm.
func addi(rd, rs1, imm uint32) uint32 { return imm<<20 | rs1<<15 | rd<<7 | 0x13 }

// jalSelf is jal x0, 0: an infinite self-loop.
const jalSelf = 0x0000006F

// buildProgELF wraps the given instruction words in a minimal ELF64
// RISC-V executable with one R|X LOAD segment entering at vaddr.
func buildProgELF(vaddr uint64, words []uint32) []byte {
	const ehdrSize, phdrSize = 64, 56
	payload := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(payload[4*i:], w)
	}
	img := make([]byte, ehdrSize+phdrSize+len(payload))
	copy(img[0:4], []byte{0x7F, 'E', 'L', 'F'})
	img[4] = 2 // EI_CLASS64
	img[5] = 1 // EI_DATA LE
	binary.LittleEndian.PutUint16(img[16:18], 2)        // ET_EXEC
	binary.LittleEndian.PutUint16(img[18:20], 0xF3)     // EM_RISCV
	binary.LittleEndian.PutUint64(img[24:32], vaddr)    // e_entry
	binary.LittleEndian.PutUint64(img[32:40], ehdrSize) // e_phoff
	binary.LittleEndian.PutUint16(img[54:56], phdrSize)
	binary.LittleEndian.PutUint16(img[56:58], 1)

	ph := img[ehdrSize : ehdrSize+phdrSize]
	binary.LittleEndian.PutUint32(ph[0:4], 1) // PT_LOAD
	binary.LittleEndian.PutUint32(ph[4:8], 5) // R|X
	binary.LittleEndian.PutUint64(ph[8:16], ehdrSize+phdrSize)
	binary.LittleEndian.PutUint64(ph[16:24], vaddr)
	binary.LittleEndian.PutUint64(ph[32:40], uint64(len(payload)))
	binary.LittleEndian.PutUint64(ph[40:48], uint64(len(payload)))
	binary.LittleEndian.PutUint64(ph[48:56], hal.PageSize)
	copy(img[ehdrSize+phdrSize:], payload)
	return img
}

// newUserEnv builds a dispatcher plus a loader environment for
// processes with real mapped programs.
func newUserEnv(t *testing.T) (*Dispatcher, *sched.Scheduler, *mem.Pool, hal.Layout, *pid.Generator) {
	t.Helper()
	a, err := hal.NewArena(128 * hal.PageSize)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	layout := hal.DefaultLayout(a)
	pool, err := mem.NewPool(a, layout.HeapStart, layout.MemoryEnd, 1)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	s := sched.New()
	d := New(s, simhal.NewCLINT(1), simhal.NewPLIC(1), simhal.NewUART(), nil, a, 1)
	return d, s, pool, layout, pid.NewGenerator()
}

func loadProc(t *testing.T, pool *mem.Pool, pids *pid.Generator, layout hal.Layout, img []byte) *process.Process {
	t.Helper()
	p := process.NewUninit(pids, pool, 0)
	if err := p.Initialize(img, layout); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return p
}

// TestUserProgramYieldsThenExits drives two loaded programs through
// the full ecall path: the first yields and the dispatcher hands the
// hart to the second, which exits; the first then resumes past its
// ecall and exits too.
func TestUserProgramYieldsThenExits(t *testing.T) {
	d, s, pool, layout, pids := newUserEnv(t)

	p1 := loadProc(t, pool, pids, layout, buildProgELF(0x10000, []uint32{
		liA7(uint32(SysSchedYield)), // 0x10000
		instrECALL,                  // 0x10004
		liA7(uint32(SysExit)),       // 0x10008
		instrECALL,                  // 0x1000C
	}))
	p2 := loadProc(t, pool, pids, layout, buildProgELF(0x20000, []uint32{
		liA7(uint32(SysExit)),
		instrECALL,
	}))
	s.Insert(p1)
	s.Insert(p2)

	got := s.NextReady()
	if got != p1 {
		t.Fatal("expected p1 dequeued first")
	}
	_, sp, pc, err := p1.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ev := d.RunUser(p1, pc, sp, 64)
	if ev.Kind != EventSyscall || ev.SyscallNum != SysSchedYield {
		t.Fatalf("expected sched_yield ecall, got kind=%d num=%d", ev.Kind, ev.SyscallNum)
	}
	if ev.PC != 0x10004 {
		t.Fatalf("ecall pc = %#x, want 0x10004", ev.PC)
	}

	next, handled := d.HandleSyscall(p1, ev.SyscallNum, ev.Args, ev.PC, ev.SP)
	if !handled || next != p2 {
		t.Fatal("expected yield to hand the hart to p2")
	}
	if p1.State().Kind != process.Ready || p1.SavedPC != 0x10008 {
		t.Fatalf("expected p1 Ready at 0x10008, got %s at %#x", p1.State().Kind, p1.SavedPC)
	}

	_, sp, pc, err = p2.Start()
	if err != nil {
		t.Fatalf("Start p2: %v", err)
	}
	ev = d.RunUser(p2, pc, sp, 64)
	if ev.Kind != EventSyscall || ev.SyscallNum != SysExit {
		t.Fatalf("expected exit ecall from p2, got kind=%d num=%d", ev.Kind, ev.SyscallNum)
	}
	next, handled = d.HandleSyscall(p2, ev.SyscallNum, ev.Args, ev.PC, ev.SP)
	if !handled || next != p1 {
		t.Fatal("expected p2's exit to hand the hart back to p1")
	}
	if p2.State().Kind != process.Dead {
		t.Fatalf("expected p2 Dead, got %s", p2.State().Kind)
	}
	if pids.Live(p2.ID) {
		t.Fatal("expected p2's PID released")
	}

	_, sp, pc, err = p1.Resume()
	if err != nil {
		t.Fatalf("Resume p1: %v", err)
	}
	if pc != 0x10008 {
		t.Fatalf("resumed pc = %#x, want 0x10008", pc)
	}
	ev = d.RunUser(p1, pc, sp, 64)
	if ev.Kind != EventSyscall || ev.SyscallNum != SysExit {
		t.Fatalf("expected exit ecall after resume, got kind=%d num=%d", ev.Kind, ev.SyscallNum)
	}
}

// TestUserProgramIllegalInstructionRetiresProcess feeds a program
// whose second word decodes to nothing and checks the dispatcher
// retires it through the illegal-instruction path.
func TestUserProgramIllegalInstructionRetiresProcess(t *testing.T) {
	d, s, pool, layout, pids := newUserEnv(t)

	bad := loadProc(t, pool, pids, layout, buildProgELF(0x10000, []uint32{
		addi(5, 0, 7),
		0xFFFF_FFFF,
	}))
	survivor := loadProc(t, pool, pids, layout, buildProgELF(0x20000, []uint32{
		jalSelf,
	}))
	s.Insert(bad)
	s.Insert(survivor)

	if got := s.NextReady(); got != bad {
		t.Fatal("expected the faulting process dequeued first")
	}
	_, sp, pc, err := bad.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ev := d.RunUser(bad, pc, sp, 64)
	if ev.Kind != EventIllegalInstruction {
		t.Fatalf("expected illegal-instruction event, got kind=%d", ev.Kind)
	}
	if ev.PC != 0x10004 || ev.Fault != 0xFFFF_FFFF {
		t.Fatalf("fault at pc=%#x word=%#x, want 0x10004/0xffffffff", ev.PC, ev.Fault)
	}

	next := d.HandleIllegalInstruction(bad, ev.Fault)
	if next != survivor {
		t.Fatal("expected the hart handed to the surviving process")
	}
	if bad.State().Kind != process.Dead {
		t.Fatalf("expected faulting process Dead, got %s", bad.State().Kind)
	}
	if pids.Live(bad.ID) {
		t.Fatal("expected faulting process's PID released")
	}
}

// TestRunUserBudgetEndsSliceAsSoftwareInterrupt checks a program that
// never traps is cut off at the instruction budget with the timer
// path's event, its pc parked inside the loop.
func TestRunUserBudgetEndsSliceAsSoftwareInterrupt(t *testing.T) {
	d, s, pool, layout, pids := newUserEnv(t)

	p := loadProc(t, pool, pids, layout, buildProgELF(0x10000, []uint32{
		addi(5, 5, 1), // 0x10000
		addi(6, 5, 0), // 0x10004
		jalSelf,       // 0x10008
	}))
	s.Insert(p)
	if got := s.NextReady(); got != p {
		t.Fatal("expected p dequeued")
	}
	_, sp, pc, err := p.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ev := d.RunUser(p, pc, sp, 9)
	if ev.Kind != EventSoftwareInterrupt {
		t.Fatalf("expected the slice to end on the timer path, got kind=%d", ev.Kind)
	}
	if ev.PC != 0x10008 {
		t.Fatalf("preempted pc = %#x, want 0x10008 (the self-loop)", ev.PC)
	}
	if p.Regs[5] != 1 || p.Regs[6] != 1 {
		t.Fatalf("register file not advanced: x5=%d x6=%d, want 1,1", p.Regs[5], p.Regs[6])
	}
}

// TestUserProgramUncaughtSyscallRetiresProcess drives a syscall number
// the kernel does not implement through HandleSyscall's unhandled
// return and the HandleUncaughtSyscall teardown the hart loop applies.
func TestUserProgramUncaughtSyscallRetiresProcess(t *testing.T) {
	d, s, pool, layout, pids := newUserEnv(t)

	p := loadProc(t, pool, pids, layout, buildProgELF(0x10000, []uint32{
		liA7(999),
		instrECALL,
	}))
	survivor := loadProc(t, pool, pids, layout, buildProgELF(0x20000, []uint32{
		jalSelf,
	}))
	s.Insert(p)
	s.Insert(survivor)

	if got := s.NextReady(); got != p {
		t.Fatal("expected p dequeued first")
	}
	_, sp, pc, err := p.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ev := d.RunUser(p, pc, sp, 64)
	if ev.Kind != EventSyscall || ev.SyscallNum != 999 {
		t.Fatalf("expected ecall with a7=999, got kind=%d num=%d", ev.Kind, ev.SyscallNum)
	}
	if _, handled := d.HandleSyscall(p, ev.SyscallNum, ev.Args, ev.PC, ev.SP); handled {
		t.Fatal("expected syscall 999 to be reported unhandled")
	}
	next := d.HandleUncaughtSyscall(p, ev.SyscallNum)
	if next != survivor {
		t.Fatal("expected the hart handed to the surviving process")
	}
	if p.State().Kind != process.Dead {
		t.Fatalf("expected process Dead after uncaught syscall, got %s", p.State().Kind)
	}
}
