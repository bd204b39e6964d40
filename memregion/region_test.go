package memregion_test

import (
	"testing"

	"hyperkern/memregion"
)

// TestRegionSplit reproduces scenario S1: register one Normal region,
// split a VM sub-region out of its front, expect exactly two fragments
// left: {base, splitSize, VM} and {base+splitSize, remainder, Normal}.
func TestRegionSplit(t *testing.T) {
	reg := memregion.NewRegistry(nil)

	const base = 0x40000000
	const total = 0x40000000
	if err := reg.AddRegion(base, total, memregion.KindNormal); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}

	const splitSize = 0x10000000
	if err := reg.SplitRegion(base, splitSize, memregion.KindVM); err != nil {
		t.Fatalf("SplitRegion: %v", err)
	}

	got := reg.Regions()
	want := []memregion.Region{
		{Base: 0x40000000, Size: 0x10000000, Flags: memregion.KindVM},
		{Base: 0x50000000, Size: 0x30000000, Flags: memregion.KindNormal},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d regions, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("region[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestAddRegionOverlapPanics(t *testing.T) {
	reg := memregion.NewRegistry(nil)
	if err := reg.AddRegion(0x1000, 0x1000, memregion.KindNormal); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on overlapping region")
		}
	}()
	_ = reg.AddRegion(0x1800, 0x1000, memregion.KindReserved)
}

func TestSplitMiddleProducesThreeFragments(t *testing.T) {
	reg := memregion.NewRegistry(nil)
	if err := reg.AddRegion(0, 0x3000, memregion.KindNormal); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	if err := reg.SplitRegion(0x1000, 0x1000, memregion.KindReserved); err != nil {
		t.Fatalf("SplitRegion: %v", err)
	}
	got := reg.Regions()
	if len(got) != 3 {
		t.Fatalf("got %d fragments, want 3: %+v", len(got), got)
	}
	if got[1].Flags != memregion.KindReserved || got[1].Base != 0x1000 || got[1].Size != 0x1000 {
		t.Errorf("middle fragment = %+v, unexpected", got[1])
	}
}
