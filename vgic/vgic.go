// Package vgic implements the virtual interrupt controller state machine
// (§4.F): per-vCPU pending/active virq lists, list-register allocation,
// injection on guest entry, and state reconciliation on guest exit.
//
// Per §5, a vCPU's virq lists need no lock: they are only touched by code
// running on that vCPU's pinned CPU (entry/exit hooks, and that CPU's IRQ
// handlers). Cross-CPU injection goes through RequestVirq's atomic pending
// flag plus the caller's own IPI (vcpu.Kick), not a lock here. This
// mirrors the teacher's devices/pic.go IRR/ISR/EOI dance — "pending
// becomes active on injection, active clears on EOI" — generalized from a
// fixed 8-line IRR/ISR byte to a per-virq descriptor list with explicit
// list-register allocation.
package vgic

import (
	"container/list"
	"fmt"

	"hyperkern/errno"
	"hyperkern/irqchip"
)

// State is a virq's position in the lifecycle diagram in §4.F.
type State int

const (
	StateInactive State = iota
	StatePending
	StateActive
	StatePendingActive
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "INACTIVE"
	case StatePending:
		return "PENDING"
	case StateActive:
		return "ACTIVE"
	case StatePendingActive:
		return "PENDING_ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// InvalidID marks a virq_desc with no list register assigned.
const InvalidID = -1

// Desc is one virq_desc: a virtual IRQ number and its current place in a
// vCPU's pending/active bookkeeping.
type Desc struct {
	Vno      uint32
	ID       int // list-register index, or InvalidID
	HW       bool
	State    State
	Pending  bool
	Enabled  bool
	Priority uint8
	Target   *Struct

	elem *list.Element // linkage into pending_list or active_list
}

// Struct is one vCPU's virq_struct: pending/active lists plus the free
// descriptor pools and the list-register bitmap. SGIs/PPIs get a per-vCPU
// free pool; SPIs draw from the VM-scoped pool passed in at construction,
// per the "keep the pools disjoint" resolution of Open Question 3.
type Struct struct {
	chip irqchip.Chip
	cpu  int
	nLRs int

	pending list.List // of *Desc, awaiting a free LR
	active  list.List // of *Desc, installed in an LR

	privFree map[uint32]*Desc // SGI/PPI free pool, keyed by vno
	spiFree  *spiPool         // shared with the owning VM

	lrsTable uint64 // bitmap, bit i set means LR i is in use

	byVno map[uint32]*Desc // all descriptors currently live (pending or active), by vno
}

// spiPool is the VM-scoped free pool of SPI descriptors, shared by every
// vCPU belonging to the VM so that SPI routing is consistent VM-wide.
type spiPool struct {
	descs map[uint32]*Desc
}

// NewSPIPool creates an empty VM-scoped SPI descriptor pool.
func NewSPIPool() *spiPool {
	return &spiPool{descs: make(map[uint32]*Desc)}
}

// New creates a virq_struct for one vCPU, backed by chip with nLRs list
// registers, and sharing spiPool with its VM's other vCPUs.
func New(chip irqchip.Chip, cpu, nLRs int, spiPool *spiPool) *Struct {
	return &Struct{
		chip:     chip,
		cpu:      cpu,
		nLRs:     nLRs,
		privFree: make(map[uint32]*Desc),
		spiFree:  spiPool,
		byVno:    make(map[uint32]*Desc),
	}
}

func isSPI(vno uint32) bool { return vno >= irqchip.SPIBase }

func (s *Struct) poolFor(vno uint32) map[uint32]*Desc {
	if isSPI(vno) {
		return s.spiFree.descs
	}
	return s.privFree
}

// RequestVirq marks vno pending for this vCPU, allocating a descriptor
// from the correct pool (SGI/PPI: per-vCPU; SPI: VM-scoped) if one isn't
// already live. It is safe to call from any CPU; the actual list/LR
// manipulation only ever happens from this vCPU's own entry/exit hooks,
// so this only sets the software pending bit and returns the descriptor
// for the caller (vcpu.Kick) to use in deciding whether an IPI is needed.
func (s *Struct) RequestVirq(vno uint32, priority uint8) (*Desc, error) {
	if d, ok := s.byVno[vno]; ok {
		d.Pending = true
		if d.State == StateActive {
			d.State = StatePendingActive
		} else if d.State == StateInactive {
			d.State = StatePending
			d.elem = s.pending.PushBack(d)
		}
		return d, nil
	}

	pool := s.poolFor(vno)
	d, ok := pool[vno]
	if !ok {
		d = &Desc{Vno: vno, ID: InvalidID, Target: s}
		pool[vno] = d
	}
	if d.State != StateInactive {
		return nil, fmt.Errorf("vgic: vno %d already live with state %s: %w", vno, d.State, errno.ErrInval)
	}
	d.Pending = true
	d.Enabled = true
	d.Priority = priority
	d.State = StatePending
	s.byVno[vno] = d
	d.elem = s.pending.PushBack(d)
	return d, nil
}

func (s *Struct) allocLR() int {
	for i := 0; i < s.nLRs; i++ {
		if s.lrsTable&(1<<uint(i)) == 0 {
			s.lrsTable |= 1 << uint(i)
			return i
		}
	}
	return InvalidID
}

func (s *Struct) freeLR(id int) {
	if id != InvalidID {
		s.lrsTable &^= 1 << uint(id)
	}
}

func (s *Struct) releaseToPool(d *Desc) {
	delete(s.byVno, d.Vno)
	d.State = StateInactive
	d.ID = InvalidID
	d.Pending = false
	d.elem = nil
}

// EntryToGuest walks the pending list, allocating list registers and
// programming the chip for as many virqs as LR space allows, per §4.F's
// entry-to-guest algorithm. It stops (rather than erroring) once the LR
// space is full; the remaining pending virqs wait for the next exit.
func (s *Struct) EntryToGuest() {
	var next *list.Element
	for e := s.pending.Front(); e != nil; e = next {
		next = e.Next()
		d := e.Value.(*Desc)

		if !d.Pending {
			// Raced: no longer pending by the time we got to service it.
			s.pending.Remove(e)
			if d.ID != InvalidID {
				s.freeLR(d.ID)
			}
			s.chip.ClearPending(d.Vno)
			s.releaseToPool(d)
			continue
		}

		if d.ID == InvalidID {
			id := s.allocLR()
			if id == InvalidID {
				break // LR space full; remaining virqs wait for next exit.
			}
			d.ID = id
		}

		s.chip.RequestIRQ(d.Vno, s.cpu)
		d.State = StatePending
		d.Pending = false

		s.pending.Remove(e)
		d.elem = s.active.PushBack(d)
	}
}

// ChipObservedState reports what the chip currently shows for d's hardware
// line: active (still asserted at the distributor) and pending-again
// (re-asserted while the guest had it active). ExitFromGuest receives it
// from a callback its caller supplies, which is how a guest EOI becomes
// visible to reconciliation.
type ChipObservedState struct {
	Active  bool
	Pending bool
}

// Eoi is called when the guest completes its EOI/deactivate sequence for
// vno on this vCPU; it sets the live descriptor's State to INACTIVE.
// ExitFromGuest does not read that State: it decides from the observed
// callback and overwrites State for the descriptors it keeps.
func (s *Struct) Eoi(vno uint32) {
	if d, ok := s.byVno[vno]; ok {
		d.State = StateInactive // tentative; ExitFromGuest reconciles below
	}
}

// ExitFromGuest reconciles the active list against chip-observed state,
// per §4.F's exit-from-guest algorithm: a virq the chip now shows inactive
// and not re-pending is fully retired; one shown inactive but re-pending
// moves back onto the pending list keeping its LR; anything else (still
// active, or active-and-pending) stays on the active list unchanged,
// recording the observed state.
func (s *Struct) ExitFromGuest(observed func(vno uint32) ChipObservedState) {
	var next *list.Element
	for e := s.active.Front(); e != nil; e = next {
		next = e.Next()
		d := e.Value.(*Desc)

		obs := observed(d.Vno)
		if !obs.Active {
			s.active.Remove(e)
			s.freeLR(d.ID)
			if obs.Pending {
				d.ID = InvalidID
				d.Pending = true
				d.State = StatePending
				d.elem = s.pending.PushBack(d)
			} else {
				s.releaseToPool(d)
			}
			continue
		}
		if obs.Pending {
			d.State = StatePendingActive
		} else {
			d.State = StateActive
		}
	}
}

// LRsInUse reports the number of set bits in the list-register bitmap —
// testable property 6 checks this equals len(active_list) after every
// reconciliation.
func (s *Struct) LRsInUse() int {
	n := 0
	for i := 0; i < s.nLRs; i++ {
		if s.lrsTable&(1<<uint(i)) != 0 {
			n++
		}
	}
	return n
}

// ActiveCount returns the number of descriptors currently on active_list.
func (s *Struct) ActiveCount() int { return s.active.Len() }

// PendingCount returns the number of descriptors currently on pending_list.
func (s *Struct) PendingCount() int { return s.pending.Len() }

// HasIRQ reports whether any live virq is pending-and-unmasked for this
// vCPU — the predicate vcpu_idle blocks on (§4.E).
func (s *Struct) HasIRQ() bool {
	for e := s.pending.Front(); e != nil; e = e.Next() {
		d := e.Value.(*Desc)
		if d.Pending && d.Enabled {
			return true
		}
	}
	return false
}

// Lookup returns the live descriptor for vno, if any.
func (s *Struct) Lookup(vno uint32) (*Desc, bool) {
	d, ok := s.byVno[vno]
	return d, ok
}
