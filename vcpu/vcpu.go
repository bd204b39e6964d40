// Package vcpu implements the vCPU runtime (§4.E): a sched.Task wrapping a
// guest context, mode tracking with release/acquire semantics around world
// switches, and kick_vcpu's wake-or-IPI delivery.
//
// The run loop shape — enter guest, run until exit, invoke hooks, repeat —
// is the direct descendant of the teacher's VCPU.Run KVM_RUN loop
// (vcpu.go), restructured around this core's vgic/vtimer entry-exit hooks
// instead of KVM_EXIT_* dispatch.
package vcpu

import (
	"fmt"
	"sync/atomic"

	"hyperkern/errno"
	"hyperkern/sched"
	"hyperkern/vgic"
	"hyperkern/vtimer"
)

// Mode is the vCPU's current position in the world-switch state machine.
// Written with a release fence, read with an acquire fence, so that
// Kick's IPI-vs-world-switch race (§5) resolves correctly: if Kick reads
// OutsideRoot, the world switch is guaranteed to observe the pending virq
// set before Kick's read, or to still be on its way into the guest and
// will pick the virq up once vgic.EntryToGuest runs.
type Mode int32

const (
	ModeInRoot Mode = iota
	ModeOutsideRoot
	ModeInGuest
	ModeOutsideGuest
)

func (m Mode) String() string {
	switch m {
	case ModeInRoot:
		return "IN_ROOT"
	case ModeOutsideRoot:
		return "OUTSIDE_ROOT"
	case ModeInGuest:
		return "IN_GUEST"
	case ModeOutsideGuest:
		return "OUTSIDE_GUEST"
	default:
		return "UNKNOWN"
	}
}

// KickReason documents why Kick was called, for logging only.
type KickReason int

const (
	KickIRQ KickReason = iota
	KickFreeze
	KickStop
	KickGeneric
)

// Hooks are the OS_HOOK_ENTER_TO_GUEST / OS_HOOK_EXIT_FROM_GUEST chains:
// small function-pointer capability records, per the design note on
// "deep inheritance" — no subclassing, just fields a caller installs.
type Hooks struct {
	EnterToGuest func(*VCPU)
	ExitFromGuest func(*VCPU)
}

// VCPU wraps one sched.Task as the scheduled unit for a guest vCPU.
type VCPU struct {
	ID      int
	VMID    int
	Task    *sched.Task
	Virq    *vgic.Struct
	Timer   *vtimer.Context
	NativeWFI bool // VM_FLAGS_NATIVE_WFI: always take the IPI path on kick

	mode     int32 // atomic Mode
	vmcsIRQ  int   // host-side doorbell fd/token, -1 if none

	idleEvent *sched.Event
	sched     *sched.Scheduler
	hooks     Hooks

	offline func() bool // reports whether the owning VM has gone offline
}

// New creates a VCPU bound to an already-created sched.Task. The caller
// (vm package) is responsible for giving the task FlagVCPU and wiring its
// entry function to call Run.
func New(id, vmid int, task *sched.Task, s *sched.Scheduler, virq *vgic.Struct, timer *vtimer.Context, hooks Hooks, offline func() bool) *VCPU {
	v := &VCPU{
		ID:        id,
		VMID:      vmid,
		Task:      task,
		Virq:      virq,
		Timer:     timer,
		vmcsIRQ:   -1,
		idleEvent: sched.NewEvent(sched.KindIRQ),
		sched:     s,
		hooks:     hooks,
		offline:   offline,
	}
	atomic.StoreInt32(&v.mode, int32(ModeInRoot))
	return v
}

// Mode returns the vCPU's current world-switch position with acquire
// semantics.
func (v *VCPU) Mode() Mode { return Mode(atomic.LoadInt32(&v.mode)) }

func (v *VCPU) setMode(m Mode) { atomic.StoreInt32(&v.mode, int32(m)) } // release (atomic store)

// EnterGuest transitions IN_ROOT -> OUTSIDE_ROOT -> IN_GUEST, running the
// vgic list-register population and then the caller's EnterToGuest hook
// between the two steps. It does not restore the vtimer itself: Timer is
// only touched if the EnterToGuest hook does so.
func (v *VCPU) EnterGuest() {
	v.setMode(ModeOutsideRoot)
	if v.Virq != nil {
		v.Virq.EntryToGuest()
	}
	if v.hooks.EnterToGuest != nil {
		v.hooks.EnterToGuest(v)
	}
	v.setMode(ModeInGuest)
}

// ExitGuest transitions IN_GUEST -> OUTSIDE_GUEST -> IN_ROOT, invoking the
// vgic reconciliation hook with the chip-observed-state callback the
// caller supplies.
func (v *VCPU) ExitGuest(observed func(vno uint32) vgic.ChipObservedState) {
	v.setMode(ModeOutsideGuest)
	if v.Virq != nil {
		v.Virq.ExitFromGuest(observed)
	}
	if v.hooks.ExitFromGuest != nil {
		v.hooks.ExitFromGuest(v)
	}
	v.setMode(ModeInRoot)
}

// Kick implements kick_vcpu (§4.E): wake the vCPU's idle blocker, and if
// that wake did nothing (the vCPU wasn't idly waiting) and it is currently
// outside root, send a physical IPI to its pinned CPU so the next world
// switch reconciles state. Native-WFI VMs always take the IPI path even
// when the wake already succeeded, per the VM_FLAGS_NATIVE_WFI quirk
// (Open Question 2: treated as unconditionally safe and idempotent).
func (v *VCPU) Kick(reason KickReason) {
	woke := v.idleEvent.WakeOne(int(reason), sched.KindIRQ)

	needIPI := (!woke && v.Mode() == ModeOutsideRoot) || v.NativeWFI
	if needIPI {
		if p := v.sched.CPU(v.Task.Affinity); p != nil && p.IPI != nil {
			p.IPI()
		}
	}
}

// Idle suspends the calling vCPU task on its idle blocker until the VM
// goes offline, the task has a freeze/stop request (checked via
// stopRequested), or HasIRQ reports a pending unmasked virq, per §4.E's
// vcpu-idle policy.
func (v *VCPU) Idle(stopRequested func() bool) {
	for {
		if v.offline != nil && v.offline() {
			return
		}
		if stopRequested != nil && stopRequested() {
			return
		}
		if v.Virq != nil && v.Virq.HasIRQ() {
			return
		}
		v.idleEvent.Wait(v.Task, sched.KindIRQ, 0)
	}
}

// RequestVirq wraps Virq.RequestVirq with VCPU bookkeeping and then Kicks
// the vCPU, implementing the "request_virq followed by kick_vcpu" pairing
// testable property 8 describes.
func (v *VCPU) RequestVirq(vno uint32, priority uint8) error {
	if v.Virq == nil {
		return fmt.Errorf("vcpu: vcpu %d has no virq struct: %w", v.ID, errno.ErrInval)
	}
	if _, err := v.Virq.RequestVirq(vno, priority); err != nil {
		return err
	}
	v.Kick(KickIRQ)
	return nil
}

// VmcsIRQ returns the host-side doorbell token, or -1 if none is bound.
func (v *VCPU) VmcsIRQ() int { return v.vmcsIRQ }

// SetVmcsIRQ binds the host-side doorbell used to interrupt a running
// guest (e.g. to force a trap).
func (v *VCPU) SetVmcsIRQ(irq int) { v.vmcsIRQ = irq }
