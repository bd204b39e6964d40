package vmm

import (
	"fmt"

	"hyperkern/errno"
)

// MapPassThrough installs a pass-through mapping (IPA == PA) for area,
// per §4.H's PT map type: a single call into the page-table back-end.
func (m *MM) MapPassThrough(a *Area) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.MapType != MapPT {
		return fmt.Errorf("vmm: area [0x%x,0x%x) is not PT-mapped: %w", a.Start, a.End, errno.ErrInval)
	}
	a.PhyStart = a.Start
	if err := m.pt.Map(a.Start, a.Start, a.Size(), a.Flags); err != nil {
		return err
	}
	m.iommu.FlushIOTLB(m.vmid)
	return nil
}

// MapLinear installs a single linear mapping at the caller-supplied
// physical base, per §4.H's linear map type.
func (m *MM) MapLinear(a *Area, phyBase uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.MapType != MapLinear {
		return fmt.Errorf("vmm: area [0x%x,0x%x) is not linear-mapped: %w", a.Start, a.End, errno.ErrInval)
	}
	a.PhyStart = phyBase
	if err := m.pt.Map(a.Start, phyBase, a.Size(), a.Flags); err != nil {
		return err
	}
	m.iommu.FlushIOTLB(m.vmid)
	return nil
}

// MapBlockBacked allocates a's backing from the block allocator and maps
// each 2 MiB block at successive IPA offsets with a huge-page hint,
// requiring the area be block-aligned and sized, per §4.H's BK map type.
func (m *MM) MapBlockBacked(a *Area) error {
	if a.MapType != MapBK {
		return fmt.Errorf("vmm: area [0x%x,0x%x) is not block-backed: %w", a.Start, a.End, errno.ErrInval)
	}
	if a.Start&BlockMask != 0 || a.Size()&BlockMask != 0 {
		return fmt.Errorf("vmm: BK area [0x%x,0x%x) is not block-aligned: %w", a.Start, a.End, errno.ErrInval)
	}

	nBlocks := int(a.Size() / BlockSize)
	blocks := make([]*MemBlock, 0, nBlocks)
	for i := 0; i < nBlocks; i++ {
		b, err := m.blocks.Alloc()
		if err != nil {
			for _, alloc := range blocks {
				m.blocks.Free(alloc)
			}
			return fmt.Errorf("vmm: BK area [0x%x,0x%x) block %d/%d: %w", a.Start, a.End, i, nBlocks, err)
		}
		blocks = append(blocks, b)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var mapped uint64
	for i, b := range blocks {
		ipa := a.Start + uint64(i)*BlockSize
		if err := m.pt.Map(ipa, b.PA(), BlockSize, a.Flags); err != nil {
			return fmt.Errorf("vmm: BK area [0x%x,0x%x) map block %d: %w", a.Start, a.End, i, err)
		}
		mapped += BlockSize
	}
	if mapped != a.Size() {
		return fmt.Errorf("vmm: BK area [0x%x,0x%x) mapped 0x%x of 0x%x: %w", a.Start, a.End, mapped, a.Size(), errno.ErrInval)
	}
	a.Blocks = blocks
	a.PhyStart = blocks[0].PA()
	m.iommu.FlushIOTLB(m.vmid)
	return nil
}

// CreateHVMShmemMap allocates a free area in the host VM's mm tagged with
// ownerVMID and maps phy/size into it with GUEST_SHMEM|SHARED|RW flags,
// per §4.H and scenario S6. It returns the host-side Area so the caller
// can hand the host IPA back to the paravirtual device needing it.
func CreateHVMShmemMap(hostMM *MM, ownerVMID int, phy, size uint64) (*Area, error) {
	flags := FlagGuestShmem | FlagShared | FlagRead | FlagWrite
	a, err := hostMM.AllocArea(size, PageMask, flags, MapLinear)
	if err != nil {
		return nil, fmt.Errorf("vmm: create_hvm_shmem_map: %w", err)
	}
	a.OwnerVMID = ownerVMID
	if err := hostMM.MapLinear(a, phy); err != nil {
		return nil, err
	}
	return a, nil
}

// GuestTranslate resolves a guest IPA to a physical address by walking
// guestMM's used list for the area containing ipa, the way vm_mmap
// translates each block's guest IPA to PA via the guest's page tables.
func GuestTranslate(guestMM *MM, ipa uint64) (uint64, error) {
	guestMM.mu.Lock()
	defer guestMM.mu.Unlock()
	for e := guestMM.used.Front(); e != nil; e = e.Next() {
		a := e.Value.(*Area)
		if ipa >= a.Start && ipa < a.End {
			if a.PhyStart == BadPhys {
				return 0, fmt.Errorf("vmm: area [0x%x,0x%x) has no physical backing: %w", a.Start, a.End, errno.ErrFault)
			}
			return a.PhyStart + (ipa - a.Start), nil
		}
	}
	return 0, fmt.Errorf("vmm: ipa 0x%x not mapped: %w", ipa, errno.ErrFault)
}

// CopyFromGuestPage resolves one guest page's IPA to PA, temporarily maps
// it read-only into the host's window, copies it into dst, then unmaps it
// again, per §4.H's "copy from guest" page-at-a-time walk. hostMM supplies
// scratch IPA space for the temporary mapping.
func CopyFromGuestPage(guestMM, hostMM *MM, guestIPA uint64, dst []byte) error {
	if len(dst) > PageSize {
		return fmt.Errorf("vmm: copy-from-guest page chunk exceeds PAGE_SIZE: %w", errno.ErrInval)
	}
	pa, err := GuestTranslate(guestMM, guestIPA)
	if err != nil {
		return err
	}

	scratch, err := hostMM.AllocArea(PageSize, PageMask, FlagRead, MapLinear)
	if err != nil {
		return fmt.Errorf("vmm: copy-from-guest scratch alloc: %w", err)
	}
	defer hostMM.ReleaseArea(scratch)

	if err := hostMM.MapLinear(scratch, pa&^PageMask); err != nil {
		return fmt.Errorf("vmm: copy-from-guest scratch map: %w", err)
	}

	return hostMM.ReadScratch(scratch, pa&PageMask, dst)
}

// ReadScratch is the seam through which CopyFromGuestPage reads the bytes
// behind a temporarily-mapped scratch area; a real host would read the
// mapped host virtual address, which this model exposes via the page
// table's Map call having already recorded the backing bytes through
// whatever PageTable implementation the caller supplies (e.g. a
// byte-slice-backed fake in tests).
func (m *MM) ReadScratch(a *Area, offset uint64, dst []byte) error {
	r, ok := m.pt.(interface {
		ReadAt(pa uint64, dst []byte) error
	})
	if !ok {
		return fmt.Errorf("vmm: page table does not support direct reads: %w", errno.ErrPerm)
	}
	return r.ReadAt(a.PhyStart+offset, dst)
}

// WriteScratch is ReadScratch's write-side counterpart, used by
// CopyToGuestPage to deposit bytes at a temporarily-mapped scratch area.
func (m *MM) WriteScratch(a *Area, offset uint64, src []byte) error {
	w, ok := m.pt.(interface {
		WriteAt(pa uint64, src []byte) error
	})
	if !ok {
		return fmt.Errorf("vmm: page table does not support direct writes: %w", errno.ErrPerm)
	}
	return w.WriteAt(a.PhyStart+offset, src)
}

// CopyToGuestPage is CopyFromGuestPage's write-side counterpart: it maps
// the guest page containing guestIPA into host scratch space and writes
// src into it, page-at-a-time, the path a virtio device's RX completion
// uses to deposit an inbound packet into a guest-supplied buffer.
func CopyToGuestPage(guestMM, hostMM *MM, guestIPA uint64, src []byte) error {
	if len(src) > PageSize {
		return fmt.Errorf("vmm: copy-to-guest page chunk exceeds PAGE_SIZE: %w", errno.ErrInval)
	}
	pa, err := GuestTranslate(guestMM, guestIPA)
	if err != nil {
		return err
	}

	scratch, err := hostMM.AllocArea(PageSize, PageMask, FlagRead|FlagWrite, MapLinear)
	if err != nil {
		return fmt.Errorf("vmm: copy-to-guest scratch alloc: %w", err)
	}
	defer hostMM.ReleaseArea(scratch)

	if err := hostMM.MapLinear(scratch, pa&^PageMask); err != nil {
		return fmt.Errorf("vmm: copy-to-guest scratch map: %w", err)
	}

	return hostMM.WriteScratch(scratch, pa&PageMask, src)
}
