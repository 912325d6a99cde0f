// Package simhal is the default HAL backend: it is faithful to the
// MMIO protocol named in devio (timer interval, ring size, register
// offsets) without requiring real qemu-virt silicon. It is what
// cmd/kernel wires up; a real riscv64 backend implements the same
// devio interfaces against actual memory-mapped registers.
package simhal

import (
	"sync"
	"sync/atomic"

	"rvkernel/internal/hal/devio"
)

// CLINT simulates the core-local interrupter: a free-running cycle
// counter and one mtimecmp register per hart.
type CLINT struct {
	mtime    atomic.Uint64
	mtimecmp []atomic.Uint64
}

// NewCLINT constructs a simulated CLINT for nhart harts.
func NewCLINT(nhart int) *CLINT {
	return &CLINT{mtimecmp: make([]atomic.Uint64, nhart)}
}

func (c *CLINT) ReadMTime() uint64 { return c.mtime.Load() }

func (c *CLINT) WriteMTimeCmp(hart int, value uint64) {
	c.mtimecmp[hart].Store(value)
}

// Tick advances the simulated timer by one interval and reports which
// harts now have an expired mtimecmp: the M-mode minimal handler's
// contract: advance mtimecmp, raise an S-mode software interrupt,
// return.
func (c *CLINT) Tick() (expiredHarts []int) {
	now := c.mtime.Add(devio.TimerInterval)
	for i := range c.mtimecmp {
		if now >= c.mtimecmp[i].Load() {
			expiredHarts = append(expiredHarts, i)
		}
	}
	return expiredHarts
}

var _ devio.CLINT = (*CLINT)(nil)

// PLIC simulates the platform-level interrupt controller: a pending
// set and a threshold per hart. Claim/Complete implement the minimal
// single-claimant contract the trap dispatcher's external-interrupt
// path needs.
type PLIC struct {
	mu        sync.Mutex
	pending   map[uint32]bool
	threshold []uint32
}

// NewPLIC constructs a simulated PLIC for nhart harts, threshold 0
// (accept everything).
func NewPLIC(nhart int) *PLIC {
	return &PLIC{
		pending:   make(map[uint32]bool),
		threshold: make([]uint32, nhart),
	}
}

// Raise marks irq pending, as an external device would via its
// interrupt line.
func (p *PLIC) Raise(irq uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[irq] = true
}

func (p *PLIC) Claim(hart int) (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for irq, pending := range p.pending {
		if !pending {
			continue
		}
		if irq < p.threshold[hart] {
			continue
		}
		p.pending[irq] = false
		return irq, true
	}
	return 0, false
}

func (p *PLIC) Complete(hart int, irq uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, irq)
}

var _ devio.PLIC = (*PLIC)(nil)

// uartFIFODepth mirrors the 16-byte TX/RX FIFO the NS16550A exposes
// once FCR's FIFO-enable bit is set, the same depth a real qemu-virt
// UART would report, not an arbitrary buffer size.
const uartFIFODepth = 16

// UART is a byte-stream sink/source backed by two fixed-depth FIFOs,
// standing in for the NS16550A (the IER/FCR/LCR init sequence is
// implied by Init, not replayed register-by-register, since there is
// no real device to program). A full TX FIFO drops the
// byte and a full RX FIFO drops the injected byte, matching real FIFO
// overrun behavior rather than growing without bound.
type UART struct {
	mu  sync.Mutex
	tx  *ringBuffer
	rx  *ringBuffer
	out []byte // everything ever drained from tx, for test assertions
}

func NewUART() *UART {
	return &UART{tx: newRingBuffer(uartFIFODepth), rx: newRingBuffer(uartFIFODepth)}
}

func (u *UART) Init() {
	// Real init: disable interrupts (IER=0), 8N1 (LCR=3), divisor
	// 0x0003 for 38.4k baud, enable FIFO + TX/RX interrupts (FCR=2).
	// Nothing to program against a simulated sink.
}

// WriteByte enqueues b on the TX FIFO, draining it into out
// immediately. A real UART drains via its shift register at baud
// rate; this sink has no rate to model, so it drains on every write.
func (u *UART) WriteByte(b byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.tx.Push(b) {
		return // FIFO overrun: byte dropped, matching real hardware
	}
	if drained, ok := u.tx.Pop(); ok {
		u.out = append(u.out, drained)
	}
}

func (u *UART) ReadByte() (byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rx.Pop()
}

// Feed injects bytes as if received over the wire, for tests driving
// the external-interrupt dispatch path. A byte arriving when the RX
// FIFO is full is dropped, matching real overrun behavior.
func (u *UART) Feed(b ...byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, c := range b {
		u.rx.Push(c)
	}
}

// Written returns everything written so far, for test assertions.
func (u *UART) Written() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]byte, len(u.out))
	copy(out, u.out)
	return out
}

var _ devio.UART = (*UART)(nil)
