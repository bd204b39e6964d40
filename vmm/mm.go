// Package vmm implements the guest memory manager (§4.H): IPA
// address-space bookkeeping via a free/used vmm_area interval allocator,
// block-allocated guest RAM, and shared mappings into the host VM for
// paravirtual I/O.
//
// Map requests are plain (ipa, pa, size, flags) calls on PageTable; the
// teacher's hypervisor/paging.go PDE/PTE bit-packing helpers and its x86
// 32-bit paging format have no ARM64 stage-2 analog and are not carried
// over (see DESIGN.md).
package vmm

import (
	"container/list"
	"fmt"
	"log"
	"sync"

	"hyperkern/errno"
)

// MapType selects how an Area's IPA range is backed, per §4.H.
type MapType int

const (
	MapPT MapType = iota // pass-through: IPA == PA
	MapBK                // block-backed: MEM_BLOCK_SIZE chunks with huge-page hint
	MapLinear            // caller-supplied single physical base
)

// AreaFlags mirror §3's vmm_area flag bits: memory type, access, and
// ownership/sharing.
type AreaFlags uint32

const (
	FlagRead AreaFlags = 1 << iota
	FlagWrite
	FlagExec
	FlagDevice // memory type Device (vs. Normal, the zero value)
	FlagGuest
	FlagHost
	FlagShared
	FlagGuestShmem
)

// BadPhys marks an Area with no physical backing assigned yet.
const BadPhys = ^uint64(0)

// Window32 and Window40 are the two IPA window sizes §4.H names: 32-bit
// guests get a 4 GiB window, 64-bit guests get the full 2^40 window.
const (
	Window32 = uint64(1) << 32
	Window40 = uint64(1) << 40
)

const (
	PageMask  = PageSize - 1
	BlockMask = BlockSize - 1
)

// Area is one vmm_area: a half-open IPA interval with attached mapping
// metadata.
type Area struct {
	Start, End uint64
	PhyStart   uint64
	Flags      AreaFlags
	MapType    MapType
	OwnerVMID  int // for GuestShmem areas mapped cross-VM
	Blocks     []*MemBlock

	elem *list.Element
}

// Size returns the interval's length.
func (a *Area) Size() uint64 { return a.End - a.Start }

// PageTable is the abstract "map/unmap IPA->PA with flags" back-end §1
// names as the boundary of this spec's scope; the real stage-2 page-table
// microarchitecture lives behind it.
type PageTable interface {
	Map(ipa, pa, size uint64, flags AreaFlags) error
	Unmap(ipa, size uint64) error
}

// IOMMU models the SMMU/IOMMU IO-TLB that must be flushed after every
// map/unmap, per §4.H.
type IOMMU interface {
	FlushIOTLB(vmid int)
}

// MM is one VM's guest memory manager: the free/used area lists plus the
// page-table and IOMMU back-ends bound at construction.
type MM struct {
	mu    sync.Mutex
	free  list.List // of *Area
	used  list.List // of *Area
	blocks *BlockAllocator
	pt    PageTable
	iommu IOMMU
	vmid  int
	log   *log.Logger
}

// New creates an MM whose single initial free area spans [0, window),
// per §4.H.
func New(vmid int, window uint64, pt PageTable, iommu IOMMU, blocks *BlockAllocator, logger *log.Logger) *MM {
	if logger == nil {
		logger = log.Default()
	}
	m := &MM{pt: pt, iommu: iommu, blocks: blocks, vmid: vmid, log: logger}
	m.free.Init()
	m.used.Init()
	m.free.PushBack(&Area{Start: 0, End: window})
	return m
}

// findFreeContaining returns the free-list element whose interval fully
// contains [base, base+size), or nil.
func (m *MM) findFreeContaining(base, size uint64) *list.Element {
	end := base + size
	for e := m.free.Front(); e != nil; e = e.Next() {
		a := e.Value.(*Area)
		if base >= a.Start && end <= a.End {
			return e
		}
	}
	return nil
}

// SplitArea locates the free area containing [base,base+size), splits off
// up to two residual free neighbours, and moves the carved piece onto the
// used list with the given flags. Returns an error if no single free area
// covers the request (the interval straddles a used area, or lies outside
// any free area), per §4.H.
func (m *MM) SplitArea(base, size uint64, flags AreaFlags, mapType MapType) (*Area, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.splitAreaLocked(base, size, flags, mapType)
}

func (m *MM) splitAreaLocked(base, size uint64, flags AreaFlags, mapType MapType) (*Area, error) {
	if size == 0 {
		return nil, fmt.Errorf("vmm: zero-size split at 0x%x: %w", base, errno.ErrInval)
	}
	e := m.findFreeContaining(base, size)
	if e == nil {
		return nil, fmt.Errorf("vmm: no free area covers [0x%x,0x%x): %w", base, base+size, errno.ErrNoMem)
	}
	free := e.Value.(*Area)
	end := base + size

	if base > free.Start {
		m.free.InsertBefore(&Area{Start: free.Start, End: base}, e)
	}
	if end < free.End {
		m.free.InsertBefore(&Area{Start: end, End: free.End}, e)
	}
	m.free.Remove(e)

	used := &Area{Start: base, End: end, PhyStart: BadPhys, Flags: flags, MapType: mapType}
	used.elem = m.used.PushBack(used)
	return used, nil
}

// AllocArea first-fits size (aligned to alignMask+1) out of the free list
// and splits it off as a used area, per §4.H's alloc_free_vmm_area.
func (m *MM) AllocArea(size, alignMask uint64, flags AreaFlags, mapType MapType) (*Area, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for e := m.free.Front(); e != nil; e = e.Next() {
		a := e.Value.(*Area)
		base := (a.Start + alignMask) &^ alignMask
		if base+size <= a.End && base >= a.Start {
			return m.splitAreaLocked(base, size, flags, mapType)
		}
	}
	return nil, fmt.Errorf("vmm: no free area fits size 0x%x aligned to 0x%x: %w", size, alignMask+1, errno.ErrNoMem)
}

// coalesceLocked merges every pair of adjacent free areas until no two
// share an endpoint, per testable property 2.
func (m *MM) coalesceLocked() {
	for {
		merged := false
		for e := m.free.Front(); e != nil; e = e.Next() {
			a := e.Value.(*Area)
			for o := m.free.Front(); o != nil; o = o.Next() {
				if o == e {
					continue
				}
				b := o.Value.(*Area)
				if a.End == b.Start {
					a.End = b.End
					m.free.Remove(o)
					merged = true
					break
				}
			}
			if merged {
				break
			}
		}
		if !merged {
			return
		}
	}
}

// ReleaseArea frees a used area's backing memory (block chain, unless
// SHARED, in which case the owning party is responsible) and moves it
// back onto the free list, coalescing with adjacent free neighbours.
func (m *MM) ReleaseArea(a *Area) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseAreaLocked(a)
}

func (m *MM) releaseAreaLocked(a *Area) error {
	if a.elem == nil {
		return fmt.Errorf("vmm: area [0x%x,0x%x) not on the used list: %w", a.Start, a.End, errno.ErrInval)
	}
	if err := m.pt.Unmap(a.Start, a.Size()); err != nil {
		return fmt.Errorf("vmm: unmap [0x%x,0x%x): %w", a.Start, a.End, err)
	}
	m.iommu.FlushIOTLB(m.vmid)

	if a.Flags&FlagShared == 0 {
		for _, b := range a.Blocks {
			m.blocks.Free(b)
		}
	}
	a.Blocks = nil

	m.used.Remove(a.elem)
	a.elem = nil
	m.free.PushBack(&Area{Start: a.Start, End: a.End})
	m.coalesceLocked()
	return nil
}

// ReleaseForVM walks the used list and releases exactly the areas tagged
// with ownerVMID — the host-VM shared-mapping teardown walk §4.H and
// scenario S6 describe, used when destroying a guest VM to reclaim its
// mappings into the host VM's address space.
func (m *MM) ReleaseForVM(ownerVMID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var victims []*Area
	for e := m.used.Front(); e != nil; e = e.Next() {
		a := e.Value.(*Area)
		if a.Flags&FlagGuestShmem != 0 && a.OwnerVMID == ownerVMID {
			victims = append(victims, a)
		}
	}
	for _, a := range victims {
		if err := m.releaseAreaLocked(a); err != nil {
			return err
		}
	}
	return nil
}

// FreeAreas and UsedAreas return snapshot copies, for tests asserting the
// area-conservation and coalescence-idempotence properties.
func (m *MM) FreeAreas() []Area {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Area
	for e := m.free.Front(); e != nil; e = e.Next() {
		out = append(out, *e.Value.(*Area))
	}
	return out
}

func (m *MM) UsedAreas() []Area {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Area
	for e := m.used.Front(); e != nil; e = e.Next() {
		out = append(out, *e.Value.(*Area))
	}
	return out
}
