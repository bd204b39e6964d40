package vtimer_test

import (
	"sync/atomic"
	"testing"
	"time"

	"hyperkern/timerdev"
	"hyperkern/vtimer"
)

// TestVirtualTimerWakeOnSchedOut reproduces scenario S5: the guest sets
// CNTV_CTL.ENABLE with CVAL = now+deadline, then is descheduled. The host
// timer armed by SaveOnSchedOut must fire and invoke the wake callback,
// and the programmed CVAL must read back unchanged after the round trip.
func TestVirtualTimerWakeOnSchedOut(t *testing.T) {
	q := timerdev.New()
	defer q.Stop()

	var woken int32
	ctx := vtimer.New(27, 30, 1_000_000_000, nil, func() { atomic.AddInt32(&woken, 1) })

	// now+50ms: the context's default clock counts UnixNano, one tick per ns at 1GHz.
	cval := uint64(time.Now().Add(50 * time.Millisecond).UnixNano())
	ctx.WriteVirtualCVAL(cval)
	ctx.WriteVirtualCTL(vtimer.CTLEnable)

	ctx.SaveOnSchedOut(q, true)

	deadline := time.After(time.Second)
	for atomic.LoadInt32(&woken) == 0 {
		select {
		case <-deadline:
			t.Fatal("host timer never woke the vCPU")
		case <-time.After(time.Millisecond):
		}
	}

	if got := ctx.ReadVirtualCVAL(); got != cval {
		t.Fatalf("CVAL after round trip = %d, want %d", got, cval)
	}
}

func TestRestoreOnSchedInCancelsTimer(t *testing.T) {
	q := timerdev.New()
	defer q.Stop()

	var woken int32
	ctx := vtimer.New(27, 30, 1_000_000_000, nil, func() { atomic.AddInt32(&woken, 1) })
	ctx.WriteVirtualCVAL(uint64(time.Now().Add(time.Hour).UnixNano()))
	ctx.WriteVirtualCTL(vtimer.CTLEnable)

	ctx.SaveOnSchedOut(q, true)
	ctx.RestoreOnSchedIn(q)

	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&woken) != 0 {
		t.Fatal("restore should have canceled the host timer before it could fire")
	}
}

func TestPhysicalTimerInjectsOnExpiry(t *testing.T) {
	q := timerdev.New()
	defer q.Stop()

	injected := make(chan uint32, 1)
	ctx := vtimer.New(27, 30, 1_000_000_000, func(vno uint32, prio uint8) error {
		injected <- vno
		return nil
	}, nil)

	ctx.PhysicalWrite(q, vtimer.PhysCTL, uint64(vtimer.CTLEnable))
	ctx.PhysicalWrite(q, vtimer.PhysTVAL, uint64(20*time.Millisecond))

	select {
	case vno := <-injected:
		if vno != 30 {
			t.Fatalf("injected vno %d, want 30", vno)
		}
	case <-time.After(time.Second):
		t.Fatal("physical timer never injected its virq")
	}
}

func TestBSDCTLReadQuirkClearsIStatus(t *testing.T) {
	q := timerdev.New()
	defer q.Stop()

	ctx := vtimer.New(27, 30, 1_000_000_000, func(uint32, uint8) error { return nil }, nil)
	ctx.OSQuirkBSD = true

	ctx.PhysicalWrite(q, vtimer.PhysCTL, uint64(vtimer.CTLEnable))
	ctx.PhysicalWrite(q, vtimer.PhysCVAL, 0) // already expired: ISTATUS should be asserted

	if ctx.PhysicalRead(vtimer.PhysCTL)&uint64(vtimer.CTLIStatus) == 0 {
		t.Fatal("ISTATUS should be asserted before the quirked read")
	}

	ctx.EnterFastIRQContext()
	defer ctx.ExitFastIRQContext()
	got := ctx.PhysicalRead(vtimer.PhysCTL)
	if got&uint64(vtimer.CTLIStatus) != 0 {
		t.Fatal("BSD quirk should have cleared ISTATUS on CTL read inside fast-IRQ context")
	}
}
