package kobject

import (
	"fmt"
	"sync"
	"time"

	"hyperkern/errno"
	"hyperkern/sched"
)

// message is one queued Send payload, copied so the sender's buffer can
// be reused immediately after Send returns.
type message struct {
	data []byte
}

// Endpoint is a rendezvous IPC object: kobject_send enqueues a message
// and wakes a blocked kobject_recv waiter FIFO, exactly the §4.D event
// primitive's wake/wait contract applied to a byte-slice mailbox.
type Endpoint struct {
	Base

	name string
	task *sched.Task // the task bound to this endpoint's Recv/ReplyRecv calls

	mu      sync.Mutex
	mailbox []message

	ev *sched.Event

	pendingReply chan []byte // set while a ReplyRecv caller awaits its reply
}

// NewEndpointCreateFunc returns a CreateFunc an owning Table can register
// under a type name (e.g. "endpoint"); task is the calling task Recv/
// ReplyRecv block as, matching the original's "current" task binding.
func NewEndpointCreateFunc(task *sched.Task) CreateFunc {
	return func(name string, right Right) (Object, error) {
		return &Endpoint{
			name: name,
			task: task,
			ev:   sched.NewEvent(sched.KindEndpoint),
		}, nil
	}
}

func (e *Endpoint) Type() string { return "endpoint" }

// Send enqueues data and wakes a blocked receiver if one is waiting,
// otherwise the message sits buffered for the next Recv.
func (e *Endpoint) Send(data []byte) error {
	cp := append([]byte(nil), data...)
	e.mu.Lock()
	e.mailbox = append(e.mailbox, message{data: cp})
	e.mu.Unlock()
	e.ev.WakeOne(0, sched.KindEndpoint)
	return nil
}

// Recv blocks (up to timeout, <=0 meaning forever) until a message is
// available, then copies it into data.
func (e *Endpoint) Recv(data []byte, timeout time.Duration) (int, error) {
	for {
		e.mu.Lock()
		if len(e.mailbox) > 0 {
			msg := e.mailbox[0]
			e.mailbox = e.mailbox[1:]
			e.mu.Unlock()
			n := copy(data, msg.data)
			return n, nil
		}
		e.mu.Unlock()

		status := e.ev.Wait(e.task, sched.KindEndpoint, timeout)
		switch status {
		case sched.PendOK:
			continue
		case sched.PendTimedOut:
			return 0, fmt.Errorf("kobject: endpoint %q recv: %w", e.name, errno.ErrTimedOut)
		default:
			return 0, fmt.Errorf("kobject: endpoint %q recv: %w", e.name, errno.ErrAbort)
		}
	}
}

// Reply delivers data to whichever task is blocked in ReplyRecv awaiting
// a reply on this endpoint.
func (e *Endpoint) Reply(data []byte) error {
	e.mu.Lock()
	ch := e.pendingReply
	e.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("kobject: endpoint %q: no pending reply_recv to answer: %w", e.name, errno.ErrInval)
	}
	cp := append([]byte(nil), data...)
	ch <- cp
	return nil
}

// ReplyRecv atomically replies to the caller's previous request (if
// reply is non-empty) and blocks for the next inbound message, the
// single-syscall combination the original avoids a race on.
func (e *Endpoint) ReplyRecv(reply, data []byte, timeout time.Duration) (int, error) {
	if len(reply) > 0 {
		if err := e.Reply(reply); err != nil {
			return 0, err
		}
	}
	return e.Recv(data, timeout)
}

// AwaitReply registers a reply channel and blocks for a Reply call, the
// client side of the Reply/ReplyRecv pairing.
func (e *Endpoint) AwaitReply(timeout time.Duration) ([]byte, error) {
	ch := make(chan []byte, 1)
	e.mu.Lock()
	e.pendingReply = ch
	e.mu.Unlock()

	if timeout <= 0 {
		return <-ch, nil
	}
	select {
	case data := <-ch:
		return data, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("kobject: endpoint %q: await reply: %w", e.name, errno.ErrTimedOut)
	}
}

func (e *Endpoint) Close() error {
	e.ev.Abort()
	return nil
}
