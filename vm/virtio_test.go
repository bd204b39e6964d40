package vm_test

import (
	"testing"

	"hyperkern/vm"
)

func rd32(d *vm.VirtioMMIODevice, off uint64) uint32 {
	var buf [4]byte
	if err := d.HandleMMIO(off, buf[:], false); err != nil {
		panic(err)
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

func wr32(d *vm.VirtioMMIODevice, off uint64, val uint32) {
	buf := []byte{byte(val), byte(val >> 8), byte(val >> 16), byte(val >> 24)}
	if err := d.HandleMMIO(off, buf, true); err != nil {
		panic(err)
	}
}

func TestVirtioIdentification(t *testing.T) {
	d := vm.NewVirtioMMIODevice(1, 2, 256, make([]byte, 16), nil)

	if got := rd32(d, vm.RegMagicValue); got != 0x74726976 {
		t.Fatalf("MagicValue = 0x%x", got)
	}
	if got := rd32(d, vm.RegVersion); got != 2 {
		t.Fatalf("Version = %d, want 2", got)
	}
	if got := rd32(d, vm.RegDeviceID); got != 1 {
		t.Fatalf("DeviceID = %d, want 1", got)
	}
}

// TestQueueSelectClearsShadowRegisters exercises §6's bit-exact requirement
// that selecting a queue clears its shadow registers.
func TestQueueSelectClearsShadowRegisters(t *testing.T) {
	d := vm.NewVirtioMMIODevice(1, 2, 256, nil, nil)

	wr32(d, vm.RegQueueSel, 0)
	wr32(d, vm.RegQueueNum, 128)
	wr32(d, vm.RegQueueDescLow, 0xdead0000)
	wr32(d, vm.RegQueueReady, 1)

	_, _, _, _, _, _, num, ready, ok := d.QueueState(0)
	if !ok || num != 128 || !ready {
		t.Fatalf("queue 0 state before reselect: num=%d ready=%v ok=%v", num, ready, ok)
	}

	// Reselecting queue 0 must clear its shadow registers back to zero.
	wr32(d, vm.RegQueueSel, 0)
	_, _, _, _, _, _, num, ready, ok = d.QueueState(0)
	if !ok || num != 0 || ready {
		t.Fatalf("queue 0 state after reselect: num=%d ready=%v, want cleared", num, ready)
	}
}

// TestStatusWriteDelta exercises the delta-written-back status semantics:
// a non-zero write sets the full value and the callback observes the
// before/after pair, while a zero write performs a full reset.
func TestStatusWriteDelta(t *testing.T) {
	d := vm.NewVirtioMMIODevice(1, 1, 256, nil, nil)

	var seenOld, seenNew uint32
	d.OnStatusChange(func(old, new uint32) { seenOld, seenNew = old, new })

	wr32(d, vm.RegStatus, vm.StatusAcknowledge)
	if seenNew != vm.StatusAcknowledge || seenOld != 0 {
		t.Fatalf("after first status write: old=0x%x new=0x%x", seenOld, seenNew)
	}

	wr32(d, vm.RegStatus, vm.StatusAcknowledge|vm.StatusDriver)
	if seenOld != vm.StatusAcknowledge || seenNew != vm.StatusAcknowledge|vm.StatusDriver {
		t.Fatalf("after second status write: old=0x%x new=0x%x", seenOld, seenNew)
	}

	wr32(d, vm.RegStatus, 0)
	if got := rd32(d, vm.RegStatus); got != 0 {
		t.Fatalf("Status after zero write = 0x%x, want reset to 0", got)
	}
}

// TestQueueNotifyForwardedAsTrapEvent exercises §6's requirement that
// queue-notify (and reads of QUEUE_READY) are forwarded to the device
// thread as trap events rather than handled inline.
func TestQueueNotifyForwardedAsTrapEvent(t *testing.T) {
	d := vm.NewVirtioMMIODevice(1, 2, 256, nil, nil)

	wr32(d, vm.RegQueueNotify, 1)

	select {
	case ev := <-d.Events():
		if ev.Read || ev.Queue != 1 {
			t.Fatalf("got event %+v, want QueueNotify for queue 1", ev)
		}
	default:
		t.Fatal("expected a trap event from QueueNotify write")
	}

	rd32(d, vm.RegQueueReady)
	select {
	case ev := <-d.Events():
		if !ev.Read {
			t.Fatalf("got event %+v, want a QueueReady read event", ev)
		}
	default:
		t.Fatal("expected a trap event from QueueReady read")
	}
}

func TestInterruptStatusACK(t *testing.T) {
	d := vm.NewVirtioMMIODevice(1, 1, 256, nil, nil)
	d.RaiseUsedBufferInterrupt()
	if got := rd32(d, vm.RegInterruptStatus); got&1 == 0 {
		t.Fatalf("InterruptStatus = 0x%x, want bit 0 set", got)
	}
	wr32(d, vm.RegInterruptACK, 1)
	if got := rd32(d, vm.RegInterruptStatus); got != 0 {
		t.Fatalf("InterruptStatus after ACK = 0x%x, want 0", got)
	}
}
