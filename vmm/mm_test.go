package vmm_test

import (
	"testing"

	"hyperkern/vmm"
)

type fakePT struct {
	mem map[uint64][]byte
}

func newFakePT() *fakePT { return &fakePT{mem: map[uint64][]byte{}} }

func (f *fakePT) Map(ipa, pa, size uint64, flags vmm.AreaFlags) error { return nil }
func (f *fakePT) Unmap(ipa, size uint64) error                       { return nil }
func (f *fakePT) ReadAt(pa uint64, dst []byte) error {
	for i := range dst {
		dst[i] = 0
	}
	return nil
}
func (f *fakePT) WriteAt(pa uint64, src []byte) error { return nil }

type fakeIOMMU struct{ flushes int }

func (f *fakeIOMMU) FlushIOTLB(vmid int) { f.flushes++ }

func sumAreaSpans(t *testing.T, m *vmm.MM, window uint64) {
	t.Helper()
	free := m.FreeAreas()
	used := m.UsedAreas()

	type span struct{ start, end uint64 }
	var all []span
	for _, a := range free {
		all = append(all, span{a.Start, a.End})
	}
	for _, a := range used {
		all = append(all, span{a.Start, a.End})
	}

	var total uint64
	for i, s := range all {
		if s.end <= s.start {
			t.Fatalf("area[%d] = %+v has non-positive size", i, s)
		}
		total += s.end - s.start
		for j, o := range all {
			if i == j {
				continue
			}
			if s.start < o.end && o.start < s.end {
				t.Fatalf("areas overlap: %+v and %+v", s, o)
			}
		}
	}
	if total != window {
		t.Fatalf("free+used coverage = 0x%x, want window 0x%x", total, window)
	}
}

// TestAreaConservation reproduces testable property 1: across a sequence
// of split/alloc/release operations, free+used always covers the whole
// window with pairwise-disjoint intervals.
func TestAreaConservation(t *testing.T) {
	pt := newFakePT()
	iommu := &fakeIOMMU{}
	blocks := vmm.NewBlockAllocator(nil)
	if err := blocks.AddSection(0, 16*vmm.BlockSize); err != nil {
		t.Fatalf("AddSection: %v", err)
	}
	const window = vmm.Window32
	m := vmm.New(1, window, pt, iommu, blocks, nil)

	sumAreaSpans(t, m, window)

	a1, err := m.SplitArea(0x10000, 0x4000, vmm.FlagRead|vmm.FlagWrite, vmm.MapLinear)
	if err != nil {
		t.Fatalf("SplitArea: %v", err)
	}
	sumAreaSpans(t, m, window)

	a2, err := m.AllocArea(vmm.BlockSize, vmm.BlockMask, vmm.FlagRead|vmm.FlagWrite, vmm.MapBK)
	if err != nil {
		t.Fatalf("AllocArea: %v", err)
	}
	sumAreaSpans(t, m, window)

	if err := m.MapBlockBacked(a2); err != nil {
		t.Fatalf("MapBlockBacked: %v", err)
	}

	if err := m.ReleaseArea(a1); err != nil {
		t.Fatalf("ReleaseArea a1: %v", err)
	}
	sumAreaSpans(t, m, window)

	if err := m.ReleaseArea(a2); err != nil {
		t.Fatalf("ReleaseArea a2: %v", err)
	}
	sumAreaSpans(t, m, window)

	// After releasing everything, coalescing should leave exactly one free
	// area spanning the whole window again.
	free := m.FreeAreas()
	if len(free) != 1 || free[0].Start != 0 || free[0].End != window {
		t.Fatalf("after releasing everything, free list = %+v, want one area spanning the window", free)
	}
}

// TestCoalescenceIdempotence reproduces testable property 2: after release
// completes, no two adjacent free areas share an endpoint.
func TestCoalescenceIdempotence(t *testing.T) {
	pt := newFakePT()
	iommu := &fakeIOMMU{}
	blocks := vmm.NewBlockAllocator(nil)
	m := vmm.New(1, vmm.Window32, pt, iommu, blocks, nil)

	a, err := m.SplitArea(0x1000, 0x1000, vmm.FlagRead, vmm.MapLinear)
	if err != nil {
		t.Fatalf("SplitArea: %v", err)
	}
	b, err := m.SplitArea(0x2000, 0x1000, vmm.FlagRead, vmm.MapLinear)
	if err != nil {
		t.Fatalf("SplitArea: %v", err)
	}

	if err := m.ReleaseArea(a); err != nil {
		t.Fatalf("ReleaseArea a: %v", err)
	}
	if err := m.ReleaseArea(b); err != nil {
		t.Fatalf("ReleaseArea b: %v", err)
	}

	free := m.FreeAreas()
	for i, x := range free {
		for j, y := range free {
			if i == j {
				continue
			}
			if x.End == y.Start || y.End == x.Start {
				t.Fatalf("adjacent free areas %+v and %+v were not coalesced", x, y)
			}
		}
	}
}

// TestHVMShmemMapTeardown reproduces scenario S6: destroying a guest VM
// releases exactly the host-VM areas tagged with that guest's vmid.
func TestHVMShmemMapTeardown(t *testing.T) {
	pt := newFakePT()
	iommu := &fakeIOMMU{}
	blocks := vmm.NewBlockAllocator(nil)
	hostMM := vmm.New(0, vmm.Window40, pt, iommu, blocks, nil)

	const guestVMID = 3
	a, err := vmm.CreateHVMShmemMap(hostMM, guestVMID, 0x9000_0000, vmm.PageSize)
	if err != nil {
		t.Fatalf("CreateHVMShmemMap: %v", err)
	}
	if a.Flags&vmm.FlagGuestShmem == 0 || a.Flags&vmm.FlagShared == 0 {
		t.Fatalf("shmem area flags = %v, want GuestShmem|Shared", a.Flags)
	}

	before := len(hostMM.UsedAreas())
	if before == 0 {
		t.Fatal("expected the shmem area on the used list before teardown")
	}

	if err := hostMM.ReleaseForVM(guestVMID); err != nil {
		t.Fatalf("ReleaseForVM: %v", err)
	}
	for _, u := range hostMM.UsedAreas() {
		if u.OwnerVMID == guestVMID {
			t.Fatalf("area %+v tagged with torn-down vmid %d survived ReleaseForVM", u, guestVMID)
		}
	}
}
