package sched

import (
	"container/list"
	"sync"
	"sync/atomic"

	"hyperkern/timerdev"
)

// PCPU is one physical CPU's scheduling state: a ready list per priority
// plus a bitmap of which priorities are non-empty, mirroring the
// bitmap-accelerated "find highest non-empty ready list" search the
// original scheduler uses instead of a linear priority scan.
type PCPU struct {
	ID int

	mu          sync.Mutex
	ready       [MaxPriority + 1]list.List
	readyBitmap uint8
	current     *Task

	idle     *Task
	idleWake chan struct{}
	idleStop chan struct{}
	timers   *timerdev.Queue
	kworker  *kworker

	needResched int32 // atomic

	// IPI is called to interrupt a remote CPU that is running a lower
	// priority task than one just made ready on it. Nothing in this module
	// sets it; it stays nil unless the caller installs one (through
	// Scheduler.CPU), and while nil no remote CPU is kicked.
	IPI func()
}

func newPCPU(id int) *PCPU {
	p := &PCPU{
		ID:       id,
		timers:   timerdev.New(),
		idleWake: make(chan struct{}, 1),
		idleStop: make(chan struct{}),
	}
	for i := range p.ready {
		p.ready[i].Init()
	}
	p.kworker = newKworker()
	return p
}

func (p *PCPU) enqueueReadyLocked(t *Task) {
	t.readyElem = p.ready[t.Priority].PushBack(t)
	p.readyBitmap |= 1 << uint(t.Priority)
}

func (p *PCPU) removeReadyLocked(t *Task) {
	if t.readyElem == nil {
		return
	}
	lst := &p.ready[t.Priority]
	lst.Remove(t.readyElem)
	t.readyElem = nil
	if lst.Len() == 0 {
		p.readyBitmap &^= 1 << uint(t.Priority)
	}
}

// pickNextLocked returns the highest-priority ready task (numerically
// lowest Priority value), or the idle task if none is ready.
func (p *PCPU) pickNextLocked() *Task {
	if p.readyBitmap == 0 {
		return p.idle
	}
	for prio := 0; prio <= MaxPriority; prio++ {
		if p.readyBitmap&(1<<uint(prio)) == 0 {
			continue
		}
		lst := &p.ready[prio]
		front := lst.Front()
		t := front.Value.(*Task)
		lst.Remove(front)
		t.readyElem = nil
		if lst.Len() == 0 {
			p.readyBitmap &^= 1 << uint(prio)
		}
		return t
	}
	return p.idle
}

// enqueue makes t ready on p and requests a reschedule if t now outranks
// whoever is currently running.
func (p *PCPU) enqueue(t *Task) {
	p.mu.Lock()
	p.enqueueReadyLocked(t)
	cur := p.current
	p.mu.Unlock()

	if cur == nil || t.Priority < cur.Priority || cur == p.idle {
		atomic.StoreInt32(&p.needResched, 1)
		if cur == p.idle {
			select {
			case p.idleWake <- struct{}{}:
			default:
			}
		} else if p.IPI != nil && cur != nil && cur != t {
			p.IPI()
		}
	}
}

// resched hands control from the calling task (caller's own goroutine) to
// whichever task is now highest priority, parking the caller on its baton
// until it is chosen again. The caller must already have removed itself
// from any ready list (it is either blocked, exiting, or about to be
// re-added by Yield before calling this).
func (p *PCPU) resched(caller *Task) {
	p.mu.Lock()
	next := p.pickNextLocked()
	p.current = next
	atomic.StoreInt32(&p.needResched, 0)
	p.mu.Unlock()

	if next == caller {
		if caller.State() != StateStopped {
			caller.setState(StateRunning)
		}
		return
	}

	if next.State() != StateStopped {
		next.setState(StateRunning)
	}
	next.baton <- struct{}{}

	if caller.State() == StateStopped {
		return
	}
	<-caller.baton
}

// Yield re-enqueues the calling task as ready (unless it has since been
// stopped) and reschedules.
func (p *PCPU) Yield(t *Task) {
	if t.State() == StateRunning {
		p.mu.Lock()
		p.enqueueReadyLocked(t)
		p.mu.Unlock()
	}
	p.resched(t)
}

// NeedResched reports whether a higher-priority task became ready since
// the last resched on this CPU — the cooperative analogue of the kernel's
// TIF_NEED_RESCHED flag, polled at the preemption checkpoints a task's own
// code passes through (syscall return, IRQ return, explicit PreemptEnable).
func (p *PCPU) NeedResched() bool {
	return atomic.LoadInt32(&p.needResched) != 0
}
