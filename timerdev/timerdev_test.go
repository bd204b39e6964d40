package timerdev_test

import (
	"sync/atomic"
	"testing"
	"time"

	"hyperkern/timerdev"
)

func TestScheduleFires(t *testing.T) {
	q := timerdev.New()
	defer q.Stop()

	done := make(chan struct{})
	q.After(10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestCancelPreventsFire(t *testing.T) {
	q := timerdev.New()
	defer q.Stop()

	var fired int32
	e := q.After(50*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	if !q.Cancel(e) {
		t.Fatal("Cancel reported false on an unfired entry")
	}
	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("canceled entry fired anyway")
	}
}

func TestOrderingEarliestFirst(t *testing.T) {
	q := timerdev.New()
	defer q.Stop()

	var order []int
	ch := make(chan struct{}, 3)
	record := func(n int) func() {
		return func() {
			order = append(order, n)
			ch <- struct{}{}
		}
	}
	q.After(30*time.Millisecond, record(3))
	q.After(10*time.Millisecond, record(1))
	q.After(20*time.Millisecond, record(2))

	for i := 0; i < 3; i++ {
		<-ch
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("fired out of order: %v", order)
	}
}
