// Package memregion implements the early-boot physical memory map: a
// fixed-capacity table of memory regions, reserved and split at init time,
// immutable at steady state afterward (§4.I).
package memregion

import (
	"fmt"
	"log"
	"sync"

	"hyperkern/errno"
)

// Kind classifies a memory region's purpose.
type Kind int

const (
	KindNormal Kind = iota
	KindDMA
	KindReserved
	KindVM
	KindDTB
	KindKernel
	KindRamDisk
)

func (k Kind) String() string {
	switch k {
	case KindNormal:
		return "Normal"
	case KindDMA:
		return "DMA"
	case KindReserved:
		return "Reserved"
	case KindVM:
		return "VM"
	case KindDTB:
		return "DTB"
	case KindKernel:
		return "Kernel"
	case KindRamDisk:
		return "RamDisk"
	default:
		return "Unknown"
	}
}

// Region is a single immutable-at-steady-state entry in the table.
type Region struct {
	Base  uint64
	Size  uint64
	Flags Kind
}

func (r Region) end() uint64 { return r.Base + r.Size }

func (r Region) overlaps(base, size uint64) bool {
	end := base + size
	return base < r.end() && end > r.Base
}

// MaxRegions is the fixed capacity of the early-boot region table.
const MaxRegions = 32

// Registry is the process-wide memory region table. Encapsulated behind
// its own lock per the "no implicit init order" design note; callers get
// one through NewRegistry, never a package-level global.
type Registry struct {
	mu      sync.Mutex
	regions []Region
	log     *log.Logger
}

// NewRegistry creates an empty region registry.
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{log: logger}
}

// AddRegion registers a new region. Overlap with any existing region is a
// structural bug at boot and panics, per §7 ("structural invariants ...
// panic").
func (r *Registry) AddRegion(base, size uint64, flags Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("memregion: zero-size region at 0x%x: %w", base, errno.ErrInval)
	}
	if len(r.regions) >= MaxRegions {
		return fmt.Errorf("memregion: table full (%d regions): %w", MaxRegions, errno.ErrNoSpc)
	}
	for _, existing := range r.regions {
		if existing.overlaps(base, size) {
			panic(fmt.Sprintf("memregion: region [0x%x,0x%x) overlaps existing [0x%x,0x%x)",
				base, base+size, existing.Base, existing.end()))
		}
	}
	r.regions = append(r.regions, Region{Base: base, Size: size, Flags: flags})
	r.log.Printf("memregion: added [0x%x,0x%x) %s", base, base+size, flags)
	return nil
}

// SplitRegion carves [base,base+size) with new flags out of whichever
// registered region fully contains it. The containing region is replaced
// by up to three: an unchanged-flags prefix, the new sub-region, and an
// unchanged-flags suffix — exact-match, prefix-only, suffix-only, or all
// three depending on alignment.
func (r *Registry) SplitRegion(base, size uint64, flags Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("memregion: zero-size split at 0x%x: %w", base, errno.ErrInval)
	}
	reqEnd := base + size

	for i, existing := range r.regions {
		if base < existing.Base || reqEnd > existing.end() {
			continue
		}
		// existing fully contains [base, reqEnd).
		var replacement []Region
		if base > existing.Base {
			replacement = append(replacement, Region{Base: existing.Base, Size: base - existing.Base, Flags: existing.Flags})
		}
		replacement = append(replacement, Region{Base: base, Size: size, Flags: flags})
		if reqEnd < existing.end() {
			replacement = append(replacement, Region{Base: reqEnd, Size: existing.end() - reqEnd, Flags: existing.Flags})
		}

		r.regions = append(r.regions[:i], append(replacement, r.regions[i+1:]...)...)
		r.log.Printf("memregion: split [0x%x,0x%x) %s out of region, %d fragment(s) remain",
			base, reqEnd, flags, len(replacement))
		return nil
	}
	return fmt.Errorf("memregion: no region contains [0x%x,0x%x): %w", base, reqEnd, errno.ErrNoEnt)
}

// Regions returns a snapshot copy of the current table, in insertion
// (now post-split) order.
func (r *Registry) Regions() []Region {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Region, len(r.regions))
	copy(out, r.regions)
	return out
}
