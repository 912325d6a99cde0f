// Command kernel boots the hosted rv64 kernel model: it carves a
// simulated physical arena into the fixed layout internal/hal
// describes, wires the page pool, scheduler, and trap dispatcher
// together, loads one process per ELF image named on the command
// line, and runs each hart as a supervised goroutine pulling work from
// the shared scheduler queue, the Go stand-in for N harts trapping
// into a shared S-mode handler.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sync/errgroup"

	"rvkernel/internal/hal"
	"rvkernel/internal/hal/simhal"
	"rvkernel/internal/klog"
	"rvkernel/internal/mem"
	"rvkernel/internal/pid"
	"rvkernel/internal/process"
	"rvkernel/internal/sched"
	"rvkernel/internal/trap"
)

func main() {
	if err := run(); err != nil {
		klog.Errorf("kernel: %v", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		memPages = flag.Int("mem-pages", 4096, "physical arena size, in pages")
		harts    = flag.Int("harts", hal.NHart, "number of harts to simulate")
		ticks    = flag.Int("ticks", 64, "M-mode timer ticks to run per hart before shutdown")
	)
	flag.Parse()

	images := flag.Args()
	if len(images) == 0 {
		return errors.New("usage: kernel [flags] <elf-image>...")
	}

	arena, err := hal.NewArena(*memPages * hal.PageSize)
	if err != nil {
		return fmt.Errorf("arena: %w", err)
	}
	defer arena.Close()

	layout := hal.DefaultLayout(arena)
	pool, err := mem.NewPool(arena, layout.HeapStart, layout.MemoryEnd, *harts)
	if err != nil {
		return fmt.Errorf("page pool: %w", err)
	}

	pids := pid.NewGenerator()
	scheduler := sched.New()

	for i, path := range images {
		img, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		hart := i % *harts
		p := process.NewUninit(pids, pool, hart)
		if err := p.Initialize(img, layout); err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
		klog.Infof("kernel: loaded %s as pid %d on hart %d", path, p.ID, hart)
		scheduler.Insert(p)
	}

	clint := simhal.NewCLINT(*harts)
	plic := simhal.NewPLIC(*harts)
	uart := simhal.NewUART()
	uart.Init()
	dispatcher := trap.New(scheduler, clint, plic, uart, nil, arena, *harts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for hart := 0; hart < *harts; hart++ {
		hart := hart
		g.Go(func() error {
			return hartLoop(ctx, hart, dispatcher, scheduler, *ticks)
		})
	}
	return g.Wait()
}

// userInstrBudget is how many user instructions a process may retire
// per slice before the timer interrupt catches it, standing in for
// the real tick interval.
const userInstrBudget = 64

// hartLoop simulates one hart's M-mode/S-mode cycle: pull the next
// runnable process, hand it the hart for one slice (Start and Resume
// return here rather than truly diverging, since a goroutine modeling
// a hart must hand control back), run its program until it traps, and
// dispatch the trap exactly as the stvec entry would: syscalls and
// illegal instructions first, then the timer-driven software
// interrupt once the slice budget is spent.
func hartLoop(ctx context.Context, hart int, d *trap.Dispatcher, s *sched.Scheduler, ticks int) error {
	p := s.NextReady()
	for i := 0; i < ticks; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		satp, sp, pc, err := resumeOrStart(p)
		if err != nil {
			return fmt.Errorf("hart %d: %w", hart, err)
		}
		klog.Debugf("hart %d: running pid %d (satp=%#x pc=%#x sp=%#x)", hart, p.ID, satp, pc, sp)

		ev := d.RunUser(p, pc, sp, userInstrBudget)
		switch ev.Kind {
		case trap.EventSyscall:
			next, handled := d.HandleSyscall(p, ev.SyscallNum, ev.Args, ev.PC, ev.SP)
			if !handled {
				next = d.HandleUncaughtSyscall(p, ev.SyscallNum)
			}
			p = next
		case trap.EventIllegalInstruction:
			p = d.HandleIllegalInstruction(p, ev.Fault)
		case trap.EventSoftwareInterrupt:
			d.HandleExternalInterrupt(hart)
			d.MTimerTick(hart)
			if d.TakeSoftwareInterrupt(hart) {
				next := d.HandleSoftwareInterrupt(p, ev.PC, ev.SP)
				klog.Debugf("hart %d: timer preempted pid %d, scheduled pid %d", hart, p.ID, next.ID)
				p = next
			} else {
				p.Pause(ev.PC, ev.SP, process.State{Kind: process.Ready})
			}
		}
	}
	// Park the dequeued process back in the queue so the remaining
	// harts still have work after this one winds down.
	s.Insert(p)
	return nil
}

// resumeOrStart calls whichever of Start/Resume matches p's current
// lifecycle state: a never-yet-run process is Unstarted, a
// rescheduled one is Ready.
func resumeOrStart(p *process.Process) (satp uint64, sp, pc hal.PA, err error) {
	if p.State().Kind == process.Unstarted {
		return p.Start()
	}
	return p.Resume()
}
