// Package sched implements the task/scheduler core (§4.C) and the generic
// event/wait primitive (§4.D): priority-based per-CPU scheduling, event
// waits, timed sleeps, preemption discipline, and IPI-driven reschedule.
//
// A Task's architectural context is, in the original kernel, a saved
// register/stack frame resumed by an assembly context switch. This repo has
// no assembly context switch to give it; instead each Task owns a goroutine
// and a one-slot "baton" channel, and PCPU.resched hands control between tasks
// by signalling the next task's baton and blocking on the current task's
// own baton — the same cooperative-handoff shape the teacher's VCPU.Run
// goroutine uses against vm.stopChan, generalized to N cooperating tasks
// per CPU instead of one.
package sched

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"

	"hyperkern/errno"
)

// State is a task's run state.
type State int32

const (
	StateNew State = iota
	StateRunning
	StateWaitEvent
	StateWaking // transient, see Scheduler.wake
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateRunning:
		return "RUNNING"
	case StateWaitEvent:
		return "WAIT_EVENT"
	case StateWaking:
		return "WAKING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// PendStatus is the outcome of a wait, written into the task before waking.
type PendStatus int32

const (
	PendOK PendStatus = iota
	PendTimedOut
	PendAborted
)

// Flags is a bitmask of the static attributes assigned at creation.
type Flags uint32

const (
	FlagKernel Flags = 1 << iota
	FlagDriver
	FlagVCPU
	FlagIdle
	FlagNoAutoStart
	FlagRoot
)

// Affinity ANY means "any CPU may run this task"; any other value pins the
// task permanently to that CPU index.
const AffinityAny = -1

// DefaultPriority is substituted for an out-of-range requested priority.
const (
	MinPriority     = 0
	MaxPriority     = 7
	IdlePriority    = 7
	DefaultPriority = 4
)

// Task is one schedulable unit of execution.
type Task struct {
	Tid      int
	Pid      *int
	Name     string
	Priority int
	Affinity int
	Flags    Flags

	state    int32 // atomic State
	pendStat int32 // atomic PendStatus

	// waitMask is the bitmask of event kinds this task will accept a wake
	// for; waitToken is opaque data a waker can cross-check.
	waitMask  uint32
	waitToken uint64

	mu        sync.Mutex
	waitEvent *Event
	waitElem  *list.Element

	// Result carries the IPC return code __wake_up writes into "user
	// regs" — the value a blocked syscall sees on resume.
	Result int

	delay *delayTimer

	homeCPU int

	preemptCount int32 // atomic; incremented by PreemptDisable/DoNotPreempt
	noPreempt    int32 // atomic; DoNotPreempt additionally inhibits resched

	baton chan struct{} // one-slot: signalled when this task is scheduled in
	entry func(self *Task, arg any)
	arg   any
	done  chan struct{}

	sched *Scheduler

	readyElem *list.Element // linkage into a PCPU ready list, own-CPU only
}

// State returns the task's current run state.
func (t *Task) State() State { return State(atomic.LoadInt32(&t.state)) }

func (t *Task) setState(s State) { atomic.StoreInt32(&t.state, int32(s)) }

// PendStat returns the outcome recorded by the last wake.
func (t *Task) PendStat() PendStatus { return PendStatus(atomic.LoadInt32(&t.pendStat)) }

func (t *Task) pendStatStore(p PendStatus) { atomic.StoreInt32(&t.pendStat, int32(p)) }

// compareAndSwapState performs the WAIT_EVENT -> WAKING transition
// atomically; it is the single point where a race between an explicit
// wake and a timeout expiry is decided, whichever calls it first wins.
func compareAndSwapState(t *Task, from, to State) bool {
	return atomic.CompareAndSwapInt32(&t.state, int32(from), int32(to))
}

// PreemptDisable increments the preempt count; PreemptEnable decrements it
// and, if it reaches zero and a resched is pending, calls the scheduler.
func (t *Task) PreemptDisable() { atomic.AddInt32(&t.preemptCount, 1) }

// PreemptEnable balances PreemptDisable. If this is the last nested call and
// a reschedule was requested while preemption was off, it yields through
// Scheduler.maybeResched.
func (t *Task) PreemptEnable() {
	if atomic.AddInt32(&t.preemptCount, -1) == 0 {
		if t.sched != nil {
			t.sched.maybeResched(t)
		}
	}
}

// DoNotPreempt covers the micro-window between marking WAIT_EVENT and
// calling PCPU.resched. It increments the preempt count as PreemptDisable
// does, plus a separate no-preempt count. Only the preempt count gates
// rescheduling: the no-preempt count is read by preemptible(), which no
// scheduling path calls, so resched requests are not inhibited beyond what
// PreemptDisable does.
func (t *Task) DoNotPreempt() {
	t.PreemptDisable()
	atomic.AddInt32(&t.noPreempt, 1)
}

// EndDoNotPreempt balances DoNotPreempt.
func (t *Task) EndDoNotPreempt() {
	atomic.AddInt32(&t.noPreempt, -1)
	t.PreemptEnable()
}

func (t *Task) preemptible() bool {
	return atomic.LoadInt32(&t.preemptCount) == 0 && atomic.LoadInt32(&t.noPreempt) == 0
}

// Exit transitions the task to STOPPED. The task is not reclaimed here;
// that happens out of IRQ context via the owning PCPU's kworker.
func (t *Task) Exit() {
	t.setState(StateStopped)
	close(t.done)
}

// Spec reserves tid 0 and the top of the id space; TidAllocator enforces
// this.
const (
	minTid = 1
)

// TidAllocator hands out unique task ids from a fixed-size bitmap, process
// wide, guarded by its own lock per the design note against implicit init
// order and shared global state.
type TidAllocator struct {
	mu    sync.Mutex
	bits  []bool
	limit int
}

// NewTidAllocator creates an allocator for ids in [1, nTasks).
func NewTidAllocator(nTasks int) *TidAllocator {
	return &TidAllocator{bits: make([]bool, nTasks), limit: nTasks}
}

// Alloc returns the lowest free tid, or an error if the space is exhausted.
func (a *TidAllocator) Alloc() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := minTid; i < a.limit; i++ {
		if !a.bits[i] {
			a.bits[i] = true
			return i, nil
		}
	}
	return 0, fmt.Errorf("sched: tid space exhausted (%d tasks): %w", a.limit, errno.ErrNoSpc)
}

// Free releases a tid back to the pool.
func (a *TidAllocator) Free(tid int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if tid >= minTid && tid < a.limit {
		a.bits[tid] = false
	}
}
