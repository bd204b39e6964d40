package sched_test

import (
	"sync"
	"testing"
	"time"

	"hyperkern/sched"
)

func TestTidUniqueness(t *testing.T) {
	s := sched.NewScheduler(1, 64, nil)
	defer s.Stop()

	seen := map[int]bool{}
	var tasks []*sched.Task
	for i := 0; i < 10; i++ {
		task, err := s.CreateTask("worker", sched.DefaultPriority, 0, sched.FlagKernel,
			func(self *sched.Task, arg any) {}, nil)
		if err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		if seen[task.Tid] {
			t.Fatalf("duplicate tid %d", task.Tid)
		}
		seen[task.Tid] = true
		tasks = append(tasks, task)
	}
	for _, task := range tasks {
		s.StartTask(task)
	}
}

// TestFIFOWake reproduces testable property 4: three tasks block on the
// same event in order; a single-result wake must resume them in the order
// they arrived.
func TestFIFOWake(t *testing.T) {
	s := sched.NewScheduler(1, 64, nil)
	defer s.Stop()

	ev := sched.NewEvent(sched.KindSignal)

	const n = 3
	order := make(chan int, n)
	arrived := make(chan struct{}, n)

	for i := 0; i < n; i++ {
		idx := i
		task, err := s.CreateTask("waiter", sched.DefaultPriority, 0, sched.FlagKernel,
			func(self *sched.Task, arg any) {
				arrived <- struct{}{}
				ev.Wait(self, sched.KindSignal, 0)
				order <- idx
			}, nil)
		if err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		s.StartTask(task)
		<-arrived // ensure tasks join the waiter queue in index order
		time.Sleep(5 * time.Millisecond)
	}

	for i := 0; i < n; i++ {
		if !ev.WakeOne(0, sched.KindAny) {
			t.Fatalf("WakeOne %d: no waiter woke", i)
		}
		select {
		case got := <-order:
			if got != i {
				t.Errorf("wake %d resumed task %d, want %d", i, got, i)
			}
		case <-time.After(time.Second):
			t.Fatalf("wake %d: timed out waiting for resumption", i)
		}
	}
}

// TestWakeWinsOverTimeout reproduces testable property 5: when an explicit
// wake and a timeout both race to resolve the same wait, exactly one
// outcome is recorded, never both and never neither.
func TestWakeWinsOverTimeout(t *testing.T) {
	s := sched.NewScheduler(1, 64, nil)
	defer s.Stop()

	for i := 0; i < 50; i++ {
		ev := sched.NewEvent(sched.KindSignal)
		resultCh := make(chan sched.PendStatus, 1)
		started := make(chan struct{})

		task, err := s.CreateTask("racer", sched.DefaultPriority, 0, sched.FlagKernel,
			func(self *sched.Task, arg any) {
				close(started)
				resultCh <- ev.Wait(self, sched.KindSignal, 2*time.Millisecond)
			}, nil)
		if err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		s.StartTask(task)
		<-started

		ev.WakeOne(1, sched.KindAny) // may race the timeout; either outcome is valid

		select {
		case status := <-resultCh:
			if status != sched.PendOK && status != sched.PendTimedOut {
				t.Fatalf("unexpected pend status %v", status)
			}
		case <-time.After(time.Second):
			t.Fatal("racer never resolved")
		}
	}
}

// TestPreemptDisableEnableRoundTrip checks that a task running a
// disable/enable pair around a section of work completes that section
// without deadlocking.
func TestPreemptDisableEnableRoundTrip(t *testing.T) {
	s := sched.NewScheduler(1, 64, nil)
	defer s.Stop()

	var mu sync.Mutex
	var ranLow bool

	low, err := s.CreateTask("low", sched.MaxPriority-1, 0, sched.FlagKernel,
		func(self *sched.Task, arg any) {
			self.PreemptDisable()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			ranLow = true
			mu.Unlock()
			self.PreemptEnable()
		}, nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	s.StartTask(low)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if !ranLow {
		t.Fatal("low priority task never completed its preempt-disabled section")
	}
}
