package irqchip_test

import (
	"testing"

	"hyperkern/irqchip"
)

func TestReadIARPicksHighestPriority(t *testing.T) {
	g := irqchip.NewGICv3Chip(1, 64, 0)
	if err := g.SetAffinity(irqchip.SPIBase+0, 0); err != nil {
		t.Fatalf("SetAffinity: %v", err)
	}
	if err := g.SetAffinity(irqchip.SPIBase+1, 0); err != nil {
		t.Fatalf("SetAffinity: %v", err)
	}
	if err := g.UnmaskOnCPU(irqchip.SPIBase+0, 0); err != nil {
		t.Fatalf("UnmaskOnCPU: %v", err)
	}
	if err := g.UnmaskOnCPU(irqchip.SPIBase+1, 0); err != nil {
		t.Fatalf("UnmaskOnCPU: %v", err)
	}
	if err := g.SetPriority(irqchip.SPIBase+0, 10); err != nil {
		t.Fatalf("SetPriority: %v", err)
	}
	if err := g.SetPriority(irqchip.SPIBase+1, 5); err != nil {
		t.Fatalf("SetPriority: %v", err)
	}
	if err := g.RequestIRQ(irqchip.SPIBase+0, 0); err != nil {
		t.Fatalf("RequestIRQ: %v", err)
	}
	if err := g.RequestIRQ(irqchip.SPIBase+1, 0); err != nil {
		t.Fatalf("RequestIRQ: %v", err)
	}

	got := g.ReadIAR(0)
	if got != irqchip.SPIBase+1 {
		t.Fatalf("ReadIAR = %d, want the lower-priority-number (higher priority) irq %d", got, irqchip.SPIBase+1)
	}
	g.EOI(0, got)
}

func TestSendSGIToSelf(t *testing.T) {
	g := irqchip.NewGICv3Chip(2, 0, 0)
	if err := g.UnmaskOnCPU(3, 0); err != nil {
		t.Fatalf("UnmaskOnCPU: %v", err)
	}
	if err := g.SendSGI(3, irqchip.SGIToSelf, 0, 0); err != nil {
		t.Fatalf("SendSGI: %v", err)
	}
	if got := g.ReadIAR(0); got != 3 {
		t.Fatalf("ReadIAR = %d, want 3", got)
	}
	if got := g.ReadIAR(1); got != 0x3ff {
		t.Fatalf("ReadIAR on cpu1 = %d, want no pending irq", got)
	}
}

func TestMaskPreventsAcknowledge(t *testing.T) {
	g := irqchip.NewGICv3Chip(1, 4, 0)
	if err := g.SetAffinity(irqchip.SPIBase, 0); err != nil {
		t.Fatalf("SetAffinity: %v", err)
	}
	if err := g.RequestIRQ(irqchip.SPIBase, 0); err != nil {
		t.Fatalf("RequestIRQ: %v", err)
	}
	if got := g.ReadIAR(0); got != 0x3ff {
		t.Fatalf("ReadIAR on masked irq = %d, want no pending irq", got)
	}
}
