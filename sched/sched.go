package sched

import (
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"hyperkern/errno"
	"hyperkern/timerdev"
)

// Scheduler owns the set of PCPUs and the process-wide tid space. One
// Scheduler backs one VM (or the host root partition); VCPUs and kernel
// service tasks alike are sched.Task values running on it.
type Scheduler struct {
	mu   sync.Mutex
	cpus []*PCPU
	tids *TidAllocator
	log  *log.Logger

	idleGroup *errgroup.Group
}

// NewScheduler creates a scheduler with nCPUs PCPUs and a tid space sized
// for maxTasks concurrently-alive tasks. Each PCPU's idle task starts
// immediately, its run loop joined through an errgroup the same way the
// teacher's VirtualMachine brings up one goroutine per vCPU and waits for
// all of them on shutdown.
func NewScheduler(nCPUs, maxTasks int, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	var g errgroup.Group
	s := &Scheduler{tids: NewTidAllocator(maxTasks), log: logger, idleGroup: &g}
	for i := 0; i < nCPUs; i++ {
		pcpu := newPCPU(i)
		s.cpus = append(s.cpus, pcpu)
		pcpu.kworker.start(func(t *Task) { s.reclaim(t) })
		pcpu.idle = s.newIdleTask(pcpu)
		g.Go(func() error {
			runIdle(pcpu)
			return nil
		})
	}
	return s
}

func (s *Scheduler) cpu(id int) *PCPU {
	return s.cpus[id]
}

func (s *Scheduler) timerQueueFor(cpuID int) *timerdev.Queue {
	return s.cpus[cpuID].timers
}

// NumCPUs returns the number of PCPUs this scheduler manages.
func (s *Scheduler) NumCPUs() int { return len(s.cpus) }

// CPU exposes a PCPU for callers (e.g. vcpu) that need to set its IPI hook
// or inspect NeedResched directly.
func (s *Scheduler) CPU(id int) *PCPU { return s.cpus[id] }

func (s *Scheduler) pickHomeCPU(affinity int) (int, error) {
	if affinity != AffinityAny {
		if affinity < 0 || affinity >= len(s.cpus) {
			return 0, fmt.Errorf("sched: affinity %d out of range [0,%d): %w", affinity, len(s.cpus), errno.ErrInval)
		}
		return affinity, nil
	}
	// Simple least-loaded-by-ready-count placement; good enough absent a
	// dedicated load balancer, which is out of scope.
	best, bestLoad := 0, -1
	for i, p := range s.cpus {
		p.mu.Lock()
		load := 0
		for prio := 0; prio <= MaxPriority; prio++ {
			load += p.ready[prio].Len()
		}
		p.mu.Unlock()
		if bestLoad < 0 || load < bestLoad {
			best, bestLoad = i, load
		}
	}
	return best, nil
}

// CreateTask allocates a tid and builds a Task in state NEW. It does not
// start running until StartTask is called (unless FlagNoAutoStart is
// clear and the caller relies on StartTask immediately after, which is
// the normal pattern).
func (s *Scheduler) CreateTask(name string, priority, affinity int, flags Flags, fn func(self *Task, arg any), arg any) (*Task, error) {
	if priority < MinPriority || priority > MaxPriority {
		priority = DefaultPriority
	}
	tid, err := s.tids.Alloc()
	if err != nil {
		return nil, err
	}
	home, err := s.pickHomeCPU(affinity)
	if err != nil {
		s.tids.Free(tid)
		return nil, err
	}
	t := &Task{
		Tid:      tid,
		Name:     name,
		Priority: priority,
		Affinity: affinity,
		Flags:    flags,
		homeCPU:  home,
		baton:    make(chan struct{}, 1),
		done:     make(chan struct{}),
		entry:    fn,
		arg:      arg,
		sched:    s,
	}
	t.setState(StateNew)
	s.log.Printf("sched: created task %q tid=%d prio=%d cpu=%d", name, tid, priority, home)
	return t, nil
}

// StartTask makes t ready to run on its home CPU. Tasks created with
// FlagNoAutoStart must be started explicitly by their owner (e.g. a VCPU
// waits for the guest's PSCI CPU_ON before starting a secondary).
func (s *Scheduler) StartTask(t *Task) {
	t.setState(StateRunning)
	go func() {
		<-t.baton
		if t.State() == StateStopped {
			return
		}
		t.entry(t, t.arg)
		if t.State() != StateStopped {
			t.Exit()
		}
		pcpu := s.cpu(t.homeCPU)
		pcpu.kworker.Submit(t)
		pcpu.resched(t)
	}()
	s.cpu(t.homeCPU).enqueue(t)
}

// reclaim runs on the owning PCPU's kworker, out of the scheduling path:
// it frees the tid and logs the reclaim.
func (s *Scheduler) reclaim(t *Task) {
	s.tids.Free(t.Tid)
	s.log.Printf("sched: reclaimed task %q tid=%d", t.Name, t.Tid)
}

// maybeResched is called from Task.PreemptEnable when the nesting count
// returns to zero; if the owning CPU has a pending reschedule and the
// caller is in fact its current task, it yields.
func (s *Scheduler) maybeResched(t *Task) {
	p := s.cpu(t.homeCPU)
	if !p.NeedResched() {
		return
	}
	p.mu.Lock()
	isCurrent := p.current == t
	p.mu.Unlock()
	if isCurrent && t.State() == StateRunning {
		p.Yield(t)
	}
}

// wake implements __wake_up: it performs the WAIT_EVENT -> RUNNING
// transition exactly once regardless of how many callers race to wake the
// same task (an explicit waker and a timeout firing concurrently, chiefly),
// records the outcome and result, unlinks the task from its event's
// waiter list, cancels any pending timeout, and makes it ready on its home
// CPU. It reports whether this call won the race.
func (s *Scheduler) wake(t *Task, result int, pend PendStatus) bool {
	if !compareAndSwapState(t, StateWaitEvent, StateWaking) {
		return false
	}
	t.Result = result
	t.pendStatStore(pend)

	t.mu.Lock()
	ev := t.waitEvent
	t.waitEvent = nil
	delay := t.delay
	t.delay = nil
	t.mu.Unlock()

	if ev != nil {
		ev.removeWaiter(t)
	}
	if delay != nil {
		delay.cancel()
	}

	t.setState(StateRunning)
	s.cpu(t.homeCPU).enqueue(t)
	return true
}

// wakeTimeout is the callback a timerdev entry invokes when a bounded
// Event.Wait's deadline elapses without an explicit wake winning first.
func (s *Scheduler) wakeTimeout(t *Task) {
	s.wake(t, 0, PendTimedOut)
}

// Sleep blocks the calling task for d on a private, single-use event —
// the same msleep-on-a-throwaway-event idiom the original scheduler uses
// instead of a dedicated sleep queue. It always returns PendTimedOut
// unless something else aborts the task first.
func (s *Scheduler) Sleep(t *Task, d time.Duration) PendStatus {
	ev := NewEvent(KindTimer)
	return ev.Wait(t, KindTimer, d)
}

// WakeUp is the exported form of wake, for callers outside this package
// that hold a direct Task reference (e.g. vcpu.Kick waking a blocked
// VCPU's idle wait).
func (s *Scheduler) WakeUp(t *Task, result int) bool {
	return s.wake(t, result, PendOK)
}

// Abort wakes t with PendAborted regardless of what it is waiting on.
func (s *Scheduler) Abort(t *Task) bool {
	return s.wake(t, -1, PendAborted)
}

// Stop halts every PCPU's idle loop and kworker. Scheduled tasks still
// mid-run are not forcibly killed; callers should drain them first.
func (s *Scheduler) Stop() {
	for _, p := range s.cpus {
		close(p.idleStop)
	}
	s.idleGroup.Wait() // joins every runIdle goroutine, mirroring VirtualMachine.Stop
	for _, p := range s.cpus {
		p.kworker.Stop()
		p.timers.Stop()
	}
}
