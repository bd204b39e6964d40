package sched

import (
	"container/list"
	"sync"
	"time"
)

// Kind is a bitmask identifying what a waiter is prepared to be woken for.
// A waker and a waiter only complete a match if kind&waiter.mask != 0.
type Kind uint32

const (
	KindSignal Kind = 1 << iota
	KindMailbox
	KindFlag
	KindSemaphore
	KindMutex
	KindPoll
	KindTimer
	KindStartup
	KindEndpoint
	KindReply
	KindIRQ
	KindFutex

	KindAny Kind = 0xffffffff
)

// Event is the generic wait/wake primitive every higher-level IPC object
// (mailbox, semaphore, mutex, poll set, ...) is built from. Waiters queue
// FIFO; a waker walks the queue in order and wakes the first task whose
// mask intersects the kind mask the waker passes, skipping waiters whose
// mask does not match. The kind given to NewEvent is not consulted when
// matching.
type Event struct {
	mu      sync.Mutex
	kind    Kind
	waiters list.List // of *Task
	Data    any       // payload a specific IPC object attaches, e.g. mailbox slot
}

// NewEvent creates an event tagged with the given kind. Wake matching uses
// the mask passed to WakeOne, not this tag.
func NewEvent(kind Kind) *Event {
	return &Event{kind: kind}
}

// delayTimer pairs a timer queue with the entry it scheduled, so a task can
// cancel its own timeout once woken some other way.
type delayTimer struct {
	cancel func() bool
}

// Wait parks t on ev until woken, aborted, or timeout elapses (timeout <= 0
// means wait forever). It returns the outcome written by whichever wake
// path won the race. The caller must be t's own goroutine.
func (ev *Event) Wait(t *Task, mask Kind, timeout time.Duration) PendStatus {
	t.DoNotPreempt()

	ev.mu.Lock()
	t.mu.Lock()
	t.waitEvent = ev
	t.waitMask = uint32(mask)
	t.setState(StateWaitEvent)
	t.waitElem = ev.waiters.PushBack(t)
	t.mu.Unlock()
	ev.mu.Unlock()

	if timeout > 0 {
		sch := t.sched
		q := sch.timerQueueFor(t.homeCPU)
		entry := q.After(timeout, func() { sch.wakeTimeout(t) })
		t.mu.Lock()
		t.delay = &delayTimer{cancel: func() bool { return q.Cancel(entry) }}
		t.mu.Unlock()
	}

	t.EndDoNotPreempt()

	t.sched.cpu(t.homeCPU).resched(t)
	return t.PendStat()
}

// removeWaiter unlinks t from ev's waiter list. Safe to call even if t was
// already removed (e.g. by a concurrent timeout).
func (ev *Event) removeWaiter(t *Task) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	if t.waitElem != nil {
		ev.waiters.Remove(t.waitElem)
		t.waitElem = nil
	}
}

// popFIFO removes and returns the task at the head of the waiter list, or
// nil if empty.
func (ev *Event) popFIFO() *Task {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	front := ev.waiters.Front()
	if front == nil {
		return nil
	}
	ev.waiters.Remove(front)
	t := front.Value.(*Task)
	t.mu.Lock()
	t.waitElem = nil
	t.mu.Unlock()
	return t
}

// WakeOne wakes the longest-waiting task accepted by mask, writing result
// as its IPC return value. It reports whether any task was woken; a false
// return means no waiter's mask matched KindAny-filtered mask, or the
// queue was empty — callers (e.g. a mailbox post) use this to decide
// whether to buffer the message instead.
func (ev *Event) WakeOne(result int, mask Kind) bool {
	ev.mu.Lock()
	var candidates []*list.Element
	for e := ev.waiters.Front(); e != nil; e = e.Next() {
		candidates = append(candidates, e)
	}
	ev.mu.Unlock()

	for _, e := range candidates {
		t := e.Value.(*Task)
		if Kind(t.waitMask)&mask == 0 {
			continue
		}
		if t.sched.wake(t, result, PendOK) {
			return true
		}
		// Lost the race (e.g. concurrent timeout) — try the next waiter.
	}
	return false
}

// Abort wakes every current waiter with PendAborted, e.g. on object
// destruction.
func (ev *Event) Abort() {
	for {
		t := ev.popFIFO()
		if t == nil {
			return
		}
		t.sched.wake(t, -1, PendAborted)
	}
}
