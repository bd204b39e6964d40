package vgic_test

import (
	"testing"

	"hyperkern/irqchip"
	"hyperkern/vgic"
)

// TestVirqLifecycle reproduces scenario S4: a vCPU with 2 list registers
// receives virqs 32, 33, 34. The first entry installs 32 and 33 (LR space
// exhausted) and leaves 34 pending. The guest EOIs 32; the next exit frees
// its LR and the following entry installs 34.
func TestVirqLifecycle(t *testing.T) {
	chip := irqchip.NewGICv3Chip(1, 8, 0)
	pool := vgic.NewSPIPool()
	s := vgic.New(chip, 0, 2, pool)

	for _, vno := range []uint32{32, 33, 34} {
		if _, err := s.RequestVirq(vno, 0); err != nil {
			t.Fatalf("RequestVirq(%d): %v", vno, err)
		}
	}

	s.EntryToGuest()
	if got := s.ActiveCount(); got != 2 {
		t.Fatalf("after first entry: active count = %d, want 2", got)
	}
	if got := s.PendingCount(); got != 1 {
		t.Fatalf("after first entry: pending count = %d, want 1 (vno 34 waits)", got)
	}
	if got := s.LRsInUse(); got != 2 {
		t.Fatalf("LRs in use = %d, want 2", got)
	}

	// Guest EOIs 32: the chip now reports it inactive and not re-pending.
	s.Eoi(32)
	observed := func(vno uint32) vgic.ChipObservedState {
		if vno == 32 {
			return vgic.ChipObservedState{Active: false, Pending: false}
		}
		return vgic.ChipObservedState{Active: true, Pending: false}
	}
	s.ExitFromGuest(observed)

	if got := s.LRsInUse(); got != 1 {
		t.Fatalf("after exit: LRs in use = %d, want 1", got)
	}
	if _, ok := s.Lookup(32); ok {
		t.Fatal("vno 32 should have been retired to the free pool")
	}

	s.EntryToGuest()
	if got := s.ActiveCount(); got != 2 {
		t.Fatalf("after second entry: active count = %d, want 2 (33 and 34)", got)
	}
	if got := s.PendingCount(); got != 0 {
		t.Fatalf("after second entry: pending count = %d, want 0", got)
	}
	d34, ok := s.Lookup(34)
	if !ok {
		t.Fatal("vno 34 should now be live")
	}
	if d34.State != vgic.StatePending {
		t.Fatalf("vno 34 state = %s, want PENDING (installed but not yet chip-observed active)", d34.State)
	}
}

func TestRacedPendingClearedBeforeEntry(t *testing.T) {
	chip := irqchip.NewGICv3Chip(1, 8, 0)
	pool := vgic.NewSPIPool()
	s := vgic.New(chip, 0, 4, pool)

	d, err := s.RequestVirq(40, 0)
	if err != nil {
		t.Fatalf("RequestVirq: %v", err)
	}
	d.Pending = false // simulate a race: withdrawn before EntryToGuest serviced it

	s.EntryToGuest()
	if s.LRsInUse() != 0 {
		t.Fatalf("raced virq should not consume an LR")
	}
	if _, ok := s.Lookup(40); ok {
		t.Fatal("raced virq should have been returned to the free pool")
	}
}
