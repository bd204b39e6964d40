package kobject

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"hyperkern/errno"
	"hyperkern/sched"
)

// PollEvent is one notification posted to a Poller: which handle fired,
// what kind of event, and up to PollEventDataSize bytes of payload —
// the Go shape of the original's `struct poll_event`.
type PollEvent struct {
	Handle Handle
	Event  uint32
	Data   [PollEventDataSize]byte
	DataLen int
}

// PollEventDataSize bounds a PollEvent's inline payload, matching the
// original's POLL_EVENT_DATA_SIZE.
const PollEventDataSize = 16

const pollEventWireSize = 4 + 4 + 4 + PollEventDataSize // handle + event + datalen + data

func encodePollEvent(ev PollEvent) []byte {
	buf := make([]byte, pollEventWireSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(ev.Handle))
	binary.LittleEndian.PutUint32(buf[4:8], ev.Event)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(ev.DataLen))
	copy(buf[12:12+PollEventDataSize], ev.Data[:])
	return buf
}

// Poller is the supplemented poll/wait-multiplexing kobject: a task
// blocks on it in Recv and learns which of several subscribed handles
// produced an event, built directly on the §4.D sched.Event primitive
// rather than re-implemented from scratch, per
// original_source/kernel/kobjects/poll.c's poll_hub.
type Poller struct {
	Base

	name string
	task *sched.Task

	mu        sync.Mutex
	pending   list.List // of PollEvent
	waitingOn bool

	ev *sched.Event
}

// NewPollerCreateFunc returns a CreateFunc for registering the "poller"
// type on a Table; task is the caller Recv blocks as.
func NewPollerCreateFunc(task *sched.Task) CreateFunc {
	return func(name string, right Right) (Object, error) {
		return &Poller{
			name: name,
			task: task,
			ev:   sched.NewEvent(sched.KindPoll),
		}, nil
	}
}

func (p *Poller) Type() string { return "poller" }

// Notify posts an event to the poller, waking a blocked Recv caller if
// one is waiting, the Go analogue of poll_event_send.
func (p *Poller) Notify(ev PollEvent) {
	p.mu.Lock()
	p.pending.PushBack(ev)
	p.mu.Unlock()
	p.ev.WakeOne(0, sched.KindPoll)
}

// Recv drains up to len(data)/pollEventWireSize queued events into data.
// timeout == 0 is a non-blocking poll (ErrAgain if nothing is queued),
// matching the original poll_hub_read's timeout-0 fast path; timeout < 0
// blocks forever; timeout > 0 blocks up to that long. This differs from
// sched.Event.Wait's own "<=0 means forever" convention deliberately, to
// preserve poll(2)-style non-blocking semantics at this one call site.
// Only one task may be blocked in Recv on a given Poller at a time,
// matching the original's single `peh->task` owner field.
func (p *Poller) Recv(data []byte, timeout time.Duration) (int, error) {
	maxEvents := len(data) / pollEventWireSize
	if maxEvents <= 0 {
		return 0, fmt.Errorf("kobject: poller %q: recv buffer too small: %w", p.name, errno.ErrInval)
	}

	for {
		p.mu.Lock()
		if p.waitingOn {
			p.mu.Unlock()
			return 0, fmt.Errorf("kobject: poller %q: already has a blocked recv: %w", p.name, errno.ErrInval)
		}
		if p.pending.Len() > 0 {
			n := 0
			off := 0
			for e := p.pending.Front(); e != nil && n < maxEvents; {
				next := e.Next()
				ev := e.Value.(PollEvent)
				copy(data[off:off+pollEventWireSize], encodePollEvent(ev))
				off += pollEventWireSize
				p.pending.Remove(e)
				n++
				e = next
			}
			p.mu.Unlock()
			return n, nil
		}
		if timeout == 0 {
			p.mu.Unlock()
			return 0, fmt.Errorf("kobject: poller %q: recv: %w", p.name, errno.ErrAgain)
		}
		p.waitingOn = true
		p.mu.Unlock()

		status := p.ev.Wait(p.task, sched.KindPoll, timeout)

		p.mu.Lock()
		p.waitingOn = false
		p.mu.Unlock()

		switch status {
		case sched.PendOK:
			continue
		case sched.PendTimedOut:
			return 0, fmt.Errorf("kobject: poller %q: recv: %w", p.name, errno.ErrTimedOut)
		default:
			return 0, fmt.Errorf("kobject: poller %q: recv: %w", p.name, errno.ErrAbort)
		}
	}
}

func (p *Poller) Close() error {
	p.ev.Abort()
	return nil
}
