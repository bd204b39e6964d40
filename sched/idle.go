package sched

import "fmt"

// Idle is the lowest-priority task a PCPU falls back to when its ready
// bitmap is empty. Unlike every other task it is never placed on a ready
// list — PCPU.pickNextLocked returns it directly — and its goroutine is
// the CPU's scheduling loop itself rather than guest or service work.

// newIdleTask builds (but does not start) the idle task for pcpu.
func (s *Scheduler) newIdleTask(pcpu *PCPU) *Task {
	t := &Task{
		Tid:      0,
		Name:     fmt.Sprintf("idle/%d", pcpu.ID),
		Priority: IdlePriority,
		Affinity: pcpu.ID,
		Flags:    FlagIdle | FlagKernel,
		homeCPU:  pcpu.ID,
		baton:    make(chan struct{}, 1),
		done:     make(chan struct{}),
		sched:    s,
	}
	t.setState(StateRunning)
	pcpu.current = t
	return t
}

// runIdle is the idle task's goroutine body: whenever the ready bitmap is
// non-empty it hands off immediately; otherwise it parks until enqueue
// pokes idleWake, which is this scheduler's analogue of a WFI instruction.
func runIdle(p *PCPU) {
	for {
		p.mu.Lock()
		hasWork := p.readyBitmap != 0
		p.mu.Unlock()

		if hasWork {
			p.resched(p.idle)
			continue
		}

		select {
		case <-p.idleStop:
			return
		case <-p.idleWake:
			continue
		}
	}
}
