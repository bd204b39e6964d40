// Package kobject implements the opaque-handle syscall/IPC surface §6
// describes: kobject_create/open/close/recv/send/reply/reply_recv/ctl/
// mmap/munmap/grant, dispatched through one handle-keyed table guarded by
// a single lock, the handle-table analogue of the teacher's
// devices/iobus.go port-keyed dispatch table.
package kobject

import (
	"fmt"
	"sync"
	"time"

	"hyperkern/errno"
)

// Right is the access-rights bitmask a handle carries; Grant can only
// narrow rights, never widen them.
type Right uint32

const (
	RightRead Right = 1 << iota
	RightWrite
	RightExec
	RightGrant

	RightRW = RightRead | RightWrite
)

// Handle is an opaque per-table reference, the user-visible analogue of
// the kernel's `handle_t`.
type Handle int32

const InvalidHandle Handle = -1

// Object is the behavior every concrete kobject (endpoint, poller,
// mailbox, ...) implements. Most kobjects only support a handful of
// these operations; Base supplies ErrInval-returning defaults for the
// rest so a concrete type only overrides what it actually does, the Go
// shape of the original's per-type `kobject_ops` vtable.
type Object interface {
	Type() string
	Close() error
	Recv(data []byte, timeout time.Duration) (int, error)
	Send(data []byte) error
	Reply(data []byte) error
	ReplyRecv(reply []byte, data []byte, timeout time.Duration) (int, error)
	Ctl(cmd int, arg uintptr) (uintptr, error)
	Mmap(offset, size uint64) (uint64, error)
	Munmap(offset, size uint64) error
}

// Base provides default "operation not supported" implementations; embed
// it in a concrete kobject and override only what it supports.
type Base struct{}

func (Base) Close() error { return nil }
func (Base) Recv(data []byte, timeout time.Duration) (int, error) {
	return 0, fmt.Errorf("kobject: recv not supported: %w", errno.ErrInval)
}
func (Base) Send(data []byte) error {
	return fmt.Errorf("kobject: send not supported: %w", errno.ErrInval)
}
func (Base) Reply(data []byte) error {
	return fmt.Errorf("kobject: reply not supported: %w", errno.ErrInval)
}
func (Base) ReplyRecv(reply, data []byte, timeout time.Duration) (int, error) {
	return 0, fmt.Errorf("kobject: reply_recv not supported: %w", errno.ErrInval)
}
func (Base) Ctl(cmd int, arg uintptr) (uintptr, error) {
	return 0, fmt.Errorf("kobject: ctl not supported: %w", errno.ErrInval)
}
func (Base) Mmap(offset, size uint64) (uint64, error) {
	return 0, fmt.Errorf("kobject: mmap not supported: %w", errno.ErrInval)
}
func (Base) Munmap(offset, size uint64) error {
	return fmt.Errorf("kobject: munmap not supported: %w", errno.ErrInval)
}

// CreateFunc constructs a new kobject of a registered type.
type CreateFunc func(name string, right Right) (Object, error)

type entry struct {
	obj    Object
	right  Right
	refs   int
}

// Table is a process's (or the kernel's) handle table: every live handle
// maps to an {object, rights, refcount} entry under one lock, mirroring
// how the teacher's IOBus keeps one lock over its whole dispatch table
// rather than per-entry locks.
type Table struct {
	mu      sync.Mutex
	entries map[Handle]*entry
	next    Handle

	typesMu sync.RWMutex
	types   map[string]CreateFunc
}

// NewTable creates an empty handle table.
func NewTable() *Table {
	return &Table{
		entries: make(map[Handle]*entry),
		types:   make(map[string]CreateFunc),
	}
}

// RegisterType installs a constructor for a kobject type name, the Go
// analogue of the original's DEFINE_KOBJECT registration macro.
func (tbl *Table) RegisterType(typ string, create CreateFunc) {
	tbl.typesMu.Lock()
	defer tbl.typesMu.Unlock()
	tbl.types[typ] = create
}

// Create makes a new kobject of typ and returns a handle to it with the
// given rights.
func (tbl *Table) Create(typ, name string, right Right) (Handle, error) {
	tbl.typesMu.RLock()
	create, ok := tbl.types[typ]
	tbl.typesMu.RUnlock()
	if !ok {
		return InvalidHandle, fmt.Errorf("kobject: unknown type %q: %w", typ, errno.ErrInval)
	}

	obj, err := create(name, right)
	if err != nil {
		return InvalidHandle, err
	}

	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	h := tbl.next
	tbl.next++
	tbl.entries[h] = &entry{obj: obj, right: right, refs: 1}
	return h, nil
}

func (tbl *Table) lookup(h Handle) (*entry, error) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	e, ok := tbl.entries[h]
	if !ok {
		return nil, fmt.Errorf("kobject: handle %d: %w", h, errno.ErrNoEnt)
	}
	return e, nil
}

func (tbl *Table) requireRight(h Handle, want Right) (*entry, error) {
	e, err := tbl.lookup(h)
	if err != nil {
		return nil, err
	}
	if e.right&want != want {
		return nil, fmt.Errorf("kobject: handle %d lacks right %v: %w", h, want, errno.ErrPerm)
	}
	return e, nil
}

// Open increments the handle's refcount and returns the same handle
// value (kobject_open is ref-counting, not a dup-to-new-handle in this
// single-table model).
func (tbl *Table) Open(h Handle) (Handle, error) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	e, ok := tbl.entries[h]
	if !ok {
		return InvalidHandle, fmt.Errorf("kobject: handle %d: %w", h, errno.ErrNoEnt)
	}
	e.refs++
	return h, nil
}

// Close drops one reference, calling the object's Close and removing it
// from the table once the refcount reaches zero.
func (tbl *Table) Close(h Handle) error {
	tbl.mu.Lock()
	e, ok := tbl.entries[h]
	if !ok {
		tbl.mu.Unlock()
		return fmt.Errorf("kobject: handle %d: %w", h, errno.ErrNoEnt)
	}
	e.refs--
	if e.refs > 0 {
		tbl.mu.Unlock()
		return nil
	}
	delete(tbl.entries, h)
	tbl.mu.Unlock()
	return e.obj.Close()
}

// Grant creates a new handle over the same underlying object with rights
// narrowed to the intersection of the source handle's rights and want,
// the handle-table shape of the syscall table's "transfer rights" entry.
func (tbl *Table) Grant(h Handle, want Right) (Handle, error) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	e, ok := tbl.entries[h]
	if !ok {
		return InvalidHandle, fmt.Errorf("kobject: handle %d: %w", h, errno.ErrNoEnt)
	}
	if e.right&RightGrant == 0 {
		return InvalidHandle, fmt.Errorf("kobject: handle %d lacks grant right: %w", h, errno.ErrPerm)
	}
	nh := tbl.next
	tbl.next++
	tbl.entries[nh] = &entry{obj: e.obj, right: e.right & want, refs: 1}
	return nh, nil
}

// Recv, Send, Reply, ReplyRecv, Ctl, Mmap, Munmap dispatch to the
// looked-up object, checking the rights the operation requires.

func (tbl *Table) Recv(h Handle, data []byte, timeout time.Duration) (int, error) {
	e, err := tbl.requireRight(h, RightRead)
	if err != nil {
		return 0, err
	}
	return e.obj.Recv(data, timeout)
}

func (tbl *Table) Send(h Handle, data []byte) error {
	e, err := tbl.requireRight(h, RightWrite)
	if err != nil {
		return err
	}
	return e.obj.Send(data)
}

func (tbl *Table) Reply(h Handle, data []byte) error {
	e, err := tbl.requireRight(h, RightWrite)
	if err != nil {
		return err
	}
	return e.obj.Reply(data)
}

func (tbl *Table) ReplyRecv(h Handle, reply, data []byte, timeout time.Duration) (int, error) {
	e, err := tbl.requireRight(h, RightRW)
	if err != nil {
		return 0, err
	}
	return e.obj.ReplyRecv(reply, data, timeout)
}

func (tbl *Table) Ctl(h Handle, cmd int, arg uintptr) (uintptr, error) {
	e, err := tbl.lookup(h)
	if err != nil {
		return 0, err
	}
	return e.obj.Ctl(cmd, arg)
}

func (tbl *Table) Mmap(h Handle, offset, size uint64) (uint64, error) {
	e, err := tbl.requireRight(h, RightRead)
	if err != nil {
		return 0, err
	}
	return e.obj.Mmap(offset, size)
}

func (tbl *Table) Munmap(h Handle, offset, size uint64) error {
	e, err := tbl.lookup(h)
	if err != nil {
		return err
	}
	return e.obj.Munmap(offset, size)
}

// Object looks up the Object behind h without touching rights, for a
// caller (e.g. Poller.Add) that needs to hand the underlying kobject to
// another subsystem rather than invoke an op on it directly.
func (tbl *Table) Object(h Handle) (Object, error) {
	e, err := tbl.lookup(h)
	if err != nil {
		return nil, err
	}
	return e.obj, nil
}
