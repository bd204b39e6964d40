// Package vtimer implements the per-vCPU virtual timer (§4.G): save/restore
// of guest timer state across vCPU context switches, and host-side timer
// emulation that delivers virtual interrupts when the guest is descheduled.
//
// There is no real hardware register backing CTL/CVAL here — per §1 this
// core models the architecture abstractly — so the vtimer itself IS the
// register state; "save" and "restore" reduce to arming/disarming the host
// timerdev.Queue (§4.B) that stands in for the physical distributor
// waking a descheduled vCPU. The register-state-struct-mutated-by-trapped-
// reads-and-writes shape follows the teacher's devices/pit.go and
// devices/rtc.go.
package vtimer

import (
	"sync"
	"time"

	"hyperkern/timerdev"
)

// CTL bits, matching the architecture's CNTx_CTL_EL0 layout.
const (
	CTLEnable uint32 = 1 << iota
	CTLIMask
	CTLIStatus
)

// Reg is one vtimer's guest-visible register state.
type Reg struct {
	CTL  uint32
	CVAL uint64
}

func (r Reg) enabled() bool  { return r.CTL&CTLEnable != 0 }
func (r Reg) masked() bool   { return r.CTL&CTLIMask != 0 }
func (r Reg) istatus() bool  { return r.CTL&CTLIStatus != 0 }
func (r *Reg) setIStatus(v bool) {
	if v {
		r.CTL |= CTLIStatus
	} else {
		r.CTL &^= CTLIStatus
	}
}

// InjectFunc requests delivery of a virtual IRQ to the owning vCPU — bound
// to vgic.Struct.RequestVirq by the caller assembling a VCPU.
type InjectFunc func(vno uint32, priority uint8) error

// WakeFunc wakes the vCPU's idle/WFI wait — bound to the owning vCPU's
// event by the caller.
type WakeFunc func()

type vtimer struct {
	mu   sync.Mutex
	reg  Reg
	vno  uint32
	freq uint64

	hostTimer *timerdev.Entry
}

// Context holds one vCPU's two vtimers (virtual and physical) plus the
// time_offset pinning the guest's view of "boot", per §3's vtimer_context.
type Context struct {
	VirtualVno  uint32
	PhysicalVno uint32
	Freq        uint64
	TimeOffset  int64 // guest ticks added to host clock ticks

	// OSQuirkBSD carries the supplemented BSD-guest CTL-read special case
	// (§4.G "Quirk"): the original source keys this off the VM's declared
	// OS type. Set true for VMs whose os_type reports a BSD-family kernel.
	OSQuirkBSD bool

	virtual  vtimer
	physical vtimer

	inject InjectFunc
	wake   WakeFunc
	now    func() uint64 // host clock ticks (wall-clock UnixNano by default)

	fastIRQContext bool // set around the window that models a fast-interrupt-handler CTL read
}

// New creates a vtimer context for one vCPU.
func New(virtualVno, physicalVno uint32, freq uint64, inject InjectFunc, wake WakeFunc) *Context {
	c := &Context{
		VirtualVno:  virtualVno,
		PhysicalVno: physicalVno,
		Freq:        freq,
		inject:      inject,
		wake:        wake,
		now:         func() uint64 { return uint64(time.Now().UnixNano()) },
	}
	c.virtual.vno = virtualVno
	c.virtual.freq = freq
	c.physical.vno = physicalVno
	c.physical.freq = freq
	return c
}

func (c *Context) ticksToNS(ticks uint64) time.Duration {
	if c.Freq == 0 {
		return time.Duration(ticks)
	}
	return time.Duration(ticks) * time.Second / time.Duration(c.Freq)
}

// WriteVirtualCVAL and WriteVirtualCTL implement the guest's direct writes
// to CNTV_CVAL_EL0/CNTV_CTL_EL0 (not trapped on real hardware, but routed
// here since this core has no register file to write into directly).
func (c *Context) WriteVirtualCVAL(v uint64) { c.virtual.mu.Lock(); c.virtual.reg.CVAL = v; c.virtual.mu.Unlock() }
func (c *Context) WriteVirtualCTL(v uint32)  { c.virtual.mu.Lock(); c.virtual.reg.CTL = v; c.virtual.mu.Unlock() }
func (c *Context) ReadVirtualCVAL() uint64 {
	c.virtual.mu.Lock()
	defer c.virtual.mu.Unlock()
	return c.virtual.reg.CVAL
}
func (c *Context) ReadVirtualCTL() uint32 {
	c.virtual.mu.Lock()
	defer c.virtual.mu.Unlock()
	return c.virtual.reg.CTL
}

// SaveOnSchedOut captures the virtual vtimer's CVAL/CTL and, if it is
// enabled and unmasked, arms a host timer on q to wake the vCPU's idle
// wait at the deadline the guest programmed, per §4.G's state-save
// algorithm. alive is false once the owning task has exited, in which
// case no timer is armed regardless of CTL.
func (c *Context) SaveOnSchedOut(q *timerdev.Queue, alive bool) {
	c.virtual.mu.Lock()
	reg := c.virtual.reg
	c.virtual.mu.Unlock()

	if !alive || !reg.enabled() || reg.masked() {
		return
	}
	deadlineTicks := int64(reg.CVAL) + c.TimeOffset - int64(c.now())
	if deadlineTicks < 0 {
		deadlineTicks = 0
	}
	entry := q.After(c.ticksToNS(uint64(deadlineTicks)), func() {
		if c.wake != nil {
			c.wake()
		}
	})
	c.virtual.mu.Lock()
	c.virtual.hostTimer = entry
	c.virtual.mu.Unlock()
}

// RestoreOnSchedIn cancels the host timer armed by SaveOnSchedOut; the
// register state itself needs no write-back since this model never copies
// it out of Context in the first place.
func (c *Context) RestoreOnSchedIn(q *timerdev.Queue) {
	c.virtual.mu.Lock()
	entry := c.virtual.hostTimer
	c.virtual.hostTimer = nil
	c.virtual.mu.Unlock()
	if entry != nil {
		q.Cancel(entry)
	}
}

// --- physical timer trap emulation ---

// PhysicalRead/PhysicalWrite model the trap-and-emulate path for the
// guest's CNTP* registers (always trapped, per §4.G, unlike the virtual
// timer). reg selects CTL, CVAL, or TVAL.
type PhysReg int

const (
	PhysCTL PhysReg = iota
	PhysCVAL
	PhysTVAL
)

// PhysicalWrite emulates a guest write to a physical-timer register,
// updating ISTATUS and re-arming or stopping the host timer that, on
// firing, injects the physical-timer virq.
func (c *Context) PhysicalWrite(q *timerdev.Queue, reg PhysReg, val uint64) {
	c.physical.mu.Lock()
	switch reg {
	case PhysCTL:
		c.physical.reg.CTL = uint32(val) &^ CTLIStatus // guest cannot set ISTATUS directly
	case PhysCVAL:
		c.physical.reg.CVAL = val
	case PhysTVAL:
		c.physical.reg.CVAL = c.now() + val
	}
	c.physical.mu.Unlock()
	c.reconcilePhysical(q)
}

// PhysicalRead emulates a guest read of a physical-timer register. A
// BSD-family guest's conventional EOI path reads CTL from inside its
// fast-interrupt handler; per the supplemented §4.G quirk, that specific
// read clears ISTATUS as a side effect. It does not withdraw the
// physical-timer virq already requested through the inject callback.
func (c *Context) PhysicalRead(reg PhysReg) uint64 {
	c.physical.mu.Lock()
	defer c.physical.mu.Unlock()

	switch reg {
	case PhysCTL:
		val := uint64(c.physical.reg.CTL)
		if c.OSQuirkBSD && c.fastIRQContext {
			c.physical.reg.setIStatus(false)
			val = uint64(c.physical.reg.CTL)
		}
		return val
	case PhysCVAL:
		return c.physical.reg.CVAL
	case PhysTVAL:
		return c.physical.reg.CVAL - c.now()
	}
	return 0
}

// EnterFastIRQContext/ExitFastIRQContext bracket the window during which
// PhysicalRead(PhysCTL) applies the BSD CTL-read quirk — the caller (the
// IRQ dispatch path) sets this around invoking the guest's registered
// fast-interrupt handler for the physical timer virq.
func (c *Context) EnterFastIRQContext() { c.fastIRQContext = true }
func (c *Context) ExitFastIRQContext()  { c.fastIRQContext = false }

// reconcilePhysical recomputes ISTATUS (asserted while CVAL <= now and the
// timer is enabled and unmasked) and arms or stops the host timer that
// injects the physical virq when ISTATUS would newly assert.
func (c *Context) reconcilePhysical(q *timerdev.Queue) {
	c.physical.mu.Lock()
	reg := c.physical.reg
	now := c.now()
	asserted := reg.enabled() && !reg.masked() && reg.CVAL <= now
	reg.setIStatus(asserted)
	c.physical.reg = reg
	oldTimer := c.physical.hostTimer
	c.physical.hostTimer = nil
	c.physical.mu.Unlock()

	if oldTimer != nil {
		q.Cancel(oldTimer)
	}

	if asserted {
		if c.inject != nil {
			c.inject(c.PhysicalVno, 0)
		}
		return
	}
	if !reg.enabled() || reg.masked() {
		return
	}
	deadline := reg.CVAL - now
	entry := q.After(c.ticksToNS(deadline), func() {
		c.physical.mu.Lock()
		c.physical.reg.setIStatus(true)
		c.physical.mu.Unlock()
		if c.inject != nil {
			c.inject(c.PhysicalVno, 0)
		}
	})
	c.physical.mu.Lock()
	c.physical.hostTimer = entry
	c.physical.mu.Unlock()
}
