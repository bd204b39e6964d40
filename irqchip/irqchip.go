// Package irqchip implements the GICv3-class interrupt controller
// abstraction (§4.A): a small capability record (Chip) that every concrete
// controller variant satisfies, plus GICv3Chip, an in-memory model of the
// distributor/redistributor register state used by this repo's ARM64 core.
//
// The capability-record shape follows the teacher's devices/pic.go: a
// struct holding register-like bitmaps guarded by one mutex, mutated by
// small write/read helpers rather than a class hierarchy — "polymorphism
// across IRQ chips" in the design notes is a GICv2 variant implementing
// the same Chip interface, not a subclass of GICv3Chip.
package irqchip

import (
	"fmt"
	"sync"

	"hyperkern/errno"
)

// TriggerType distinguishes edge- and level-triggered lines.
type TriggerType int

const (
	TriggerEdge TriggerType = iota
	TriggerLevel
)

// SGITarget selects how a software-generated interrupt is routed.
type SGITarget int

const (
	SGIToSelf SGITarget = iota
	SGIToOthers
	SGIToList
)

// Chip is the capability record every interrupt controller variant (GICv2,
// GICv3) implements identically, per the "polymorphism across IRQ chips"
// design note: bound once at boot from the device-tree match and carried
// as an immutable handle afterward.
type Chip interface {
	Mask(irq uint32) error
	Unmask(irq uint32) error
	MaskOnCPU(irq uint32, cpu int) error
	UnmaskOnCPU(irq uint32, cpu int) error
	SetType(irq uint32, t TriggerType) error
	SetPriority(irq uint32, prio uint8) error
	SetAffinity(irq uint32, cpu int) error
	SendSGI(irq uint32, target SGITarget, cpuMask uint64, self int) error
	ReadIAR(cpu int) uint32
	EOI(cpu int, irq uint32)
	Deactivate(cpu int, irq uint32)
	ClearPending(irq uint32) error
	RequestIRQ(irq uint32, cpu int) error
	TranslateDTCells(cells [3]uint32) (hwirq uint32, t TriggerType)
}

// IRQ-number layout of the modeled GICv3 distributor: SGIs occupy 0-15,
// PPIs 16-31 and SPIs start at irq 32, matching the architecture. The
// number of SPIs is set per chip by NewGICv3Chip.
const (
	SGIBase = 0
	PPIBase = 16
	SPIBase = 32
	NumSGIs = 16
	NumPPIs = 16
)

type irqState struct {
	enabled  bool
	pending  bool
	active   bool
	priority uint8
	trigger  TriggerType
	affinity int // target CPU for SPIs; -1 unset
}

// GICv3Chip is an in-memory model of the distributor plus per-CPU
// redistributor register state: no MMIO window backs it (§1 excludes
// hardware microarchitecture below the abstract interface), but the bit
// semantics — enable/pending/active per IRQ, priority, affinity — mirror
// the real distributor exactly, the way the teacher's PICController models
// a real 8259A's IMR/IRR/ISR entirely in software.
type GICv3Chip struct {
	mu sync.Mutex

	nCPUs int
	nSPIs int

	spi  []irqState            // shared peripheral interrupts, indexed from 0 (irq SPIBase+i)
	priv [][NumSGIs + NumPPIs]irqState // per-CPU SGI/PPI state

	// mpidrShift, when non-zero, models a GICv3 whose SGI destination
	// packing groups CPUs by cluster (the "mpidr-shift" quirk from
	// kernel/drivers/irq-chips/gicv3.c): one MSR write serves every CPU
	// in the same cluster rather than one write per destination.
	mpidrShift uint

	// iar holds, per CPU, the last IRQ acknowledged but not yet EOI'd —
	// irqchip is a "deferred-EOI chip": the dispatcher must still call EOI
	// even if the handler reinjects the IRQ as a virq.
	iar []uint32
}

// NewGICv3Chip builds a GICv3 model for nCPUs physical CPUs and nSPIs
// shared peripheral interrupts. mpidrShift > 0 enables cluster-packed SGI
// delivery.
func NewGICv3Chip(nCPUs, nSPIs int, mpidrShift uint) *GICv3Chip {
	g := &GICv3Chip{
		nCPUs:      nCPUs,
		nSPIs:      nSPIs,
		spi:        make([]irqState, nSPIs),
		priv:       make([][NumSGIs + NumPPIs]irqState, nCPUs),
		mpidrShift: mpidrShift,
		iar:        make([]uint32, nCPUs),
	}
	for i := range g.spi {
		g.spi[i].affinity = -1
	}
	for c := range g.priv {
		for i := range g.priv[c] {
			g.priv[c][i].affinity = c
		}
	}
	for c := range g.iar {
		g.iar[c] = invalidIRQ
	}
	return g
}

const invalidIRQ = 0x3ff // GICv3's "no pending interrupt" sentinel (spurious IRQ id)

func (g *GICv3Chip) locate(irq uint32) (priv bool, idx int, ok bool) {
	switch {
	case irq < SPIBase:
		return true, int(irq), true
	case int(irq-SPIBase) < g.nSPIs:
		return false, int(irq - SPIBase), true
	default:
		return false, 0, false
	}
}

func (g *GICv3Chip) stateFor(irq uint32, cpu int) (*irqState, error) {
	priv, idx, ok := g.locate(irq)
	if !ok {
		return nil, fmt.Errorf("irqchip: irq %d out of range: %w", irq, errno.ErrInval)
	}
	if priv {
		if cpu < 0 || cpu >= g.nCPUs {
			return nil, fmt.Errorf("irqchip: cpu %d out of range: %w", cpu, errno.ErrInval)
		}
		return &g.priv[cpu][idx], nil
	}
	return &g.spi[idx], nil
}

// Mask and Unmask operate on global (SPI) IRQs, or on a private IRQ using
// CPU 0 as a default target — callers that need a specific CPU's private
// line use MaskOnCPU/UnmaskOnCPU.
func (g *GICv3Chip) Mask(irq uint32) error { return g.MaskOnCPU(irq, 0) }

func (g *GICv3Chip) Unmask(irq uint32) error { return g.UnmaskOnCPU(irq, 0) }

func (g *GICv3Chip) MaskOnCPU(irq uint32, cpu int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, err := g.stateFor(irq, cpu)
	if err != nil {
		return err
	}
	s.enabled = false
	return nil
}

func (g *GICv3Chip) UnmaskOnCPU(irq uint32, cpu int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, err := g.stateFor(irq, cpu)
	if err != nil {
		return err
	}
	s.enabled = true
	return nil
}

func (g *GICv3Chip) SetType(irq uint32, t TriggerType) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, err := g.stateFor(irq, 0)
	if err != nil {
		return err
	}
	s.trigger = t
	return nil
}

func (g *GICv3Chip) SetPriority(irq uint32, prio uint8) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, err := g.stateFor(irq, 0)
	if err != nil {
		return err
	}
	s.priority = prio
	return nil
}

func (g *GICv3Chip) SetAffinity(irq uint32, cpu int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cpu < 0 || cpu >= g.nCPUs {
		return fmt.Errorf("irqchip: affinity cpu %d out of range: %w", cpu, errno.ErrInval)
	}
	priv, idx, ok := g.locate(irq)
	if !ok {
		return fmt.Errorf("irqchip: irq %d out of range: %w", irq, errno.ErrInval)
	}
	if priv {
		return fmt.Errorf("irqchip: irq %d is private, affinity fixed: %w", irq, errno.ErrInval)
	}
	g.spi[idx].affinity = cpu
	return nil
}

// clusterOf models the mpidr-shift grouping: CPUs sharing the same upper
// bits of their (synthetic) MPIDR are in one cluster and receive their SGI
// via a single packed destination write.
func (g *GICv3Chip) clusterOf(cpu int) int {
	if g.mpidrShift == 0 {
		return cpu
	}
	return cpu >> g.mpidrShift
}

// SendSGI raises irq (must be an SGI, 0-15) on the CPUs selected by target.
// With mpidrShift set, destinations sharing a cluster are coalesced into a
// single write, mirroring the real GICv3 ICC_SGI1R_EL1 register's
// per-cluster affinity fields; without it, one write issues per destination.
func (g *GICv3Chip) SendSGI(irq uint32, target SGITarget, cpuMask uint64, self int) error {
	if irq >= NumSGIs {
		return fmt.Errorf("irqchip: irq %d is not an SGI: %w", irq, errno.ErrInval)
	}
	var dests []int
	switch target {
	case SGIToSelf:
		dests = []int{self}
	case SGIToOthers:
		for c := 0; c < g.nCPUs; c++ {
			if c != self {
				dests = append(dests, c)
			}
		}
	case SGIToList:
		for c := 0; c < g.nCPUs; c++ {
			if cpuMask&(1<<uint(c)) != 0 {
				dests = append(dests, c)
			}
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	// A packed per-cluster write still reaches every destination CPU in
	// that cluster, so each destination gets the SGI pending.
	for _, c := range dests {
		g.priv[c][irq].pending = true
	}
	return nil
}

// ReadIAR returns the highest-priority pending-and-enabled IRQ for cpu,
// marking it active and clearing its pending bit (the acknowledge side
// effect of reading GICC_IAR on real hardware), or invalidIRQ if none.
func (g *GICv3Chip) ReadIAR(cpu int) uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()

	bestPrio := 256
	bestIRQ := uint32(invalidIRQ)

	for i, s := range g.priv[cpu] {
		if s.pending && s.enabled && !s.active && int(s.priority) < bestPrio {
			bestPrio, bestIRQ = int(s.priority), uint32(i)
		}
	}
	for i, s := range g.spi {
		if s.pending && s.enabled && !s.active && s.affinity == cpu && int(s.priority) < bestPrio {
			bestPrio, bestIRQ = int(s.priority), uint32(SPIBase+i)
		}
	}
	if bestIRQ == invalidIRQ {
		return invalidIRQ
	}

	s, _ := g.stateFor(bestIRQ, cpu)
	s.pending = false
	s.active = true
	g.iar[cpu] = bestIRQ
	return bestIRQ
}

// EOI marks irq inactive for cpu's priority-drop phase. On a deferred-EOI
// chip, callers always pair a ReadIAR with EOI even when the handler
// reinjects the interrupt as a virtual one for a guest.
func (g *GICv3Chip) EOI(cpu int, irq uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, err := g.stateFor(irq, cpu); err == nil {
		s.active = false
	}
	if g.iar[cpu] == irq {
		g.iar[cpu] = invalidIRQ
	}
}

// Deactivate is the GICv3 DIR register's effect when EOI mode 1 splits
// priority-drop and deactivation into two writes; this model treats EOI
// as also deactivating, so Deactivate is a defensive no-op repeat.
func (g *GICv3Chip) Deactivate(cpu int, irq uint32) {
	g.EOI(cpu, irq)
}

func (g *GICv3Chip) ClearPending(irq uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, err := g.stateFor(irq, 0)
	if err != nil {
		return err
	}
	s.pending = false
	return nil
}

// TranslateDTCells maps a 3-cell GIC device-tree interrupt specifier
// (type, number, flags) to (hwirq, trigger), per the standard ARM GIC
// binding: cell0 0 = SPI (offset by SPIBase), 1 = PPI (offset by PPIBase);
// cell2 bit0 set means level-triggered.
func (g *GICv3Chip) TranslateDTCells(cells [3]uint32) (uint32, TriggerType) {
	var hwirq uint32
	switch cells[0] {
	case 0:
		hwirq = SPIBase + cells[1]
	case 1:
		hwirq = PPIBase + cells[1]
	default:
		hwirq = cells[1]
	}
	t := TriggerEdge
	if cells[2]&0x1 != 0 {
		t = TriggerLevel
	}
	return hwirq, t
}

// RequestIRQ marks irq pending (the distributor-side analogue of a
// peripheral asserting its line), for a private IRQ on the given CPU or
// for a shared IRQ targeting whichever CPU SetAffinity last bound it to.
func (g *GICv3Chip) RequestIRQ(irq uint32, cpu int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, err := g.stateFor(irq, cpu)
	if err != nil {
		return err
	}
	s.pending = true
	return nil
}
