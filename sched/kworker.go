package sched

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// kworkerMaxConcurrent bounds how many reclaims a single kworker runs at
// once; reclaim bodies are tiny (a tid free, a log line) but an unbounded
// fan-out on a reclaim storm (mass VM teardown) would still spray goroutines
// pointlessly.
const kworkerMaxConcurrent = 8

// kworker reclaims exited tasks' resources (tid, bookkeeping) off the
// scheduling path, mirroring the original kernel's deferred-work pattern
// for anything that must not run with a CPU's ready-list lock held. Reclaims
// run concurrently, bounded by a weighted semaphore, rather than serially,
// so one slow reclaim (or a burst of them) can't back up the submit channel
// behind it.
type kworker struct {
	submitCh chan *Task
	stop     chan struct{}
	done     chan struct{}
	sem      *semaphore.Weighted
}

func newKworker() *kworker {
	return &kworker{
		submitCh: make(chan *Task, 64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		sem:      semaphore.NewWeighted(kworkerMaxConcurrent),
	}
}

func (k *kworker) start(reclaim func(*Task)) {
	go func() {
		defer close(k.done)
		var wg sync.WaitGroup
		run := func(t *Task) {
			k.sem.Acquire(context.Background(), 1)
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer k.sem.Release(1)
				reclaim(t)
			}()
		}
		for {
			select {
			case t := <-k.submitCh:
				run(t)
			case <-k.stop:
				for {
					select {
					case t := <-k.submitCh:
						run(t)
					default:
						wg.Wait()
						return
					}
				}
			}
		}
	}()
}

// Submit queues a stopped task for reclamation.
func (k *kworker) Submit(t *Task) {
	k.submitCh <- t
}

// Stop drains any queued work and halts the worker goroutine.
func (k *kworker) Stop() {
	close(k.stop)
	<-k.done
}
