package trap

import (
	"encoding/binary"

	"rvkernel/internal/hal"
	"rvkernel/internal/process"
	"rvkernel/internal/sv39"
)

// instrECALL is the one fixed encoding the stepper special-cases: the
// environment call that enters the kernel.
const instrECALL = 0x00000073

// RunUser executes up to budget instructions of p's program starting
// at pc/sp, fetching through p's page table and keeping the register
// file in p.Regs, and returns the Event that ended the slice: a
// syscall, an illegal instruction (including a fetch from unmapped or
// non-executable memory, which reads as the illegal all-zero word),
// or a software interrupt once the budget runs out and the timer
// takes over. The caller is cmd/kernel's hart loop; on real silicon
// this is the stretch of U-mode execution between sret and the next
// trap, and the returned Event is what stvec entry would find in
// scause/sepc and the saved register file.
func (d *Dispatcher) RunUser(p *process.Process, pc, sp hal.PA, budget int) Event {
	regs := &p.Regs
	regs[2] = uint64(sp)
	for i := 0; i < budget; i++ {
		word, ok := d.fetch(p, pc)
		if !ok {
			return Event{Kind: EventIllegalInstruction, PC: pc, SP: hal.PA(regs[2])}
		}
		if word == instrECALL {
			return Event{
				Kind:       EventSyscall,
				SyscallNum: regs[17],
				Args:       [6]uint64{regs[10], regs[11], regs[12], regs[13], regs[14], regs[15]},
				PC:         pc,
				SP:         hal.PA(regs[2]),
			}
		}
		next, ok := execute(regs, pc, word)
		if !ok {
			return Event{Kind: EventIllegalInstruction, PC: pc, SP: hal.PA(regs[2]), Fault: word}
		}
		pc = next
	}
	return Event{Kind: EventSoftwareInterrupt, PC: pc, SP: hal.PA(regs[2])}
}

// fetch translates pc through the process's page table and reads the
// instruction word. The page must be mapped user-executable, the same
// check the MMU applies on an instruction fetch.
func (d *Dispatcher) fetch(p *process.Process, pc hal.PA) (uint32, bool) {
	pa, flags, err := p.Pgtbl.Translate(pc)
	if err != nil || flags&sv39.FlagX == 0 || flags&sv39.FlagU == 0 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(d.arena.Bytes(pa, 4)), true
}

// execute interprets one base-ISA integer instruction, returning the
// next pc. The subset covers what the user test programs are built
// from (addi/add/sub, lui/auipc, jal/jalr); anything outside it is
// reported as illegal and retires the process.
func execute(regs *[32]uint64, pc hal.PA, w uint32) (hal.PA, bool) {
	op := w & 0x7F
	rd := (w >> 7) & 0x1F
	f3 := (w >> 12) & 0x7
	rs1 := (w >> 15) & 0x1F
	rs2 := (w >> 20) & 0x1F

	set := func(r uint32, v uint64) {
		if r != 0 { // x0 is hardwired zero
			regs[r] = v
		}
	}

	switch {
	case op == 0x13 && f3 == 0: // addi
		set(rd, regs[rs1]+uint64(signExtend(uint64(w)>>20, 12)))
	case op == 0x33 && f3 == 0 && w>>25 == 0: // add
		set(rd, regs[rs1]+regs[rs2])
	case op == 0x33 && f3 == 0 && w>>25 == 0x20: // sub
		set(rd, regs[rs1]-regs[rs2])
	case op == 0x37: // lui
		set(rd, uint64(int64(int32(w&0xFFFF_F000))))
	case op == 0x17: // auipc
		set(rd, uint64(pc)+uint64(int64(int32(w&0xFFFF_F000))))
	case op == 0x6F: // jal
		set(rd, uint64(pc)+4)
		return hal.PA(uint64(int64(pc) + jImm(w))), true
	case op == 0x67 && f3 == 0: // jalr
		target := (regs[rs1] + uint64(signExtend(uint64(w)>>20, 12))) &^ 1
		set(rd, uint64(pc)+4)
		return hal.PA(target), true
	default:
		return 0, false
	}
	return pc + 4, true
}

// jImm reassembles the scrambled J-type immediate: imm[20|10:1|11|19:12].
func jImm(w uint32) int64 {
	imm := uint64(w>>31&1)<<20 |
		uint64(w>>21&0x3FF)<<1 |
		uint64(w>>20&1)<<11 |
		uint64(w>>12&0xFF)<<12
	return signExtend(imm, 21)
}

func signExtend(v uint64, bits uint) int64 {
	shift := 64 - bits
	return int64(v<<shift) >> shift
}
