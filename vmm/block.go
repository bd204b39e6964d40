package vmm

import (
	"fmt"
	"log"
	"sync"

	"hyperkern/errno"
)

// BlockSize is the 2 MiB guest-RAM allocation granule (§3 "block").
const BlockSize = 2 * 1024 * 1024

// PageSize is the smallest mapping unit (§3 invariants).
const PageSize = 4096

// MemBlock is the allocation handle for one 2 MiB block, holding its block
// frame number (bfn).
type MemBlock struct {
	section *blockSection
	bit     int
}

// BFN returns the block frame number (the block index within its section,
// offset by the section's base-block number).
func (b *MemBlock) BFN() uint64 {
	return b.section.baseBFN + uint64(b.bit)
}

// PA returns the physical base address this block backs.
func (b *MemBlock) PA() uint64 {
	return b.section.base + uint64(b.bit)*BlockSize
}

// blockSection guards one contiguous run of post-boot free physical RAM,
// tracked as a bit-per-block bitmap with a rotating allocation cursor.
type blockSection struct {
	base    uint64
	baseBFN uint64
	nBlocks int
	bitmap  []bool
	free    int
	cursor  int
}

// BlockAllocator is the ordered list (a slice) of block_sections described in
// §4.H: scan sections in order, within each advance a rotating cursor and
// wrap on end.
type BlockAllocator struct {
	mu       sync.Mutex
	sections []*blockSection
	log      *log.Logger
}

// NewBlockAllocator creates an empty block allocator.
func NewBlockAllocator(logger *log.Logger) *BlockAllocator {
	if logger == nil {
		logger = log.Default()
	}
	return &BlockAllocator{log: logger}
}

// AddSection registers a block-aligned, block-sized range of free physical
// RAM as a new section available to Alloc.
func (a *BlockAllocator) AddSection(base, size uint64) error {
	if base%BlockSize != 0 || size%BlockSize != 0 || size == 0 {
		return fmt.Errorf("vmm: section [0x%x,+0x%x) is not block-aligned: %w", base, size, errno.ErrInval)
	}
	n := int(size / BlockSize)
	var baseBFN uint64
	for _, s := range a.sections {
		baseBFN += uint64(s.nBlocks)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sections = append(a.sections, &blockSection{
		base: base, baseBFN: baseBFN, nBlocks: n, bitmap: make([]bool, n), free: n,
	})
	a.log.Printf("vmm: block section [0x%x,0x%x) registered, %d blocks", base, base+size, n)
	return nil
}

// Alloc scans sections in order, returning the first free block found
// (advancing that section's rotating cursor past it), or an error if every
// section is exhausted.
func (a *BlockAllocator) Alloc() (*MemBlock, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range a.sections {
		if s.free == 0 {
			continue
		}
		for i := 0; i < s.nBlocks; i++ {
			idx := (s.cursor + i) % s.nBlocks
			if !s.bitmap[idx] {
				s.bitmap[idx] = true
				s.free--
				s.cursor = (idx + 1) % s.nBlocks
				return &MemBlock{section: s, bit: idx}, nil
			}
		}
	}
	return nil, fmt.Errorf("vmm: block allocator exhausted: %w", errno.ErrNoMem)
}

// Free releases a block back to its section.
func (a *BlockAllocator) Free(b *MemBlock) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b.section.bitmap[b.bit] {
		b.section.bitmap[b.bit] = false
		b.section.free++
	}
}

// FreeCount returns the total number of free blocks across all sections.
func (a *BlockAllocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, s := range a.sections {
		n += s.free
	}
	return n
}
