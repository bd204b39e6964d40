package vmm

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"hyperkern/errno"
)

// HostMemory is a concrete PageTable backed by one anonymous mmap'd region
// standing in for host physical RAM. Map only bounds-checks the request
// and Unmap does nothing (the stage-2 walk itself is out of scope per §1); ReadAt/WriteAt
// index straight into the mmap'd bytes by physical address, the real
// counterpart to the byte-slice PageTable fakes this package's own tests
// use.
type HostMemory struct {
	mu  sync.Mutex
	mem []byte
}

// NewHostMemory mmaps an anonymous, zero-filled region of size bytes.
func NewHostMemory(size uint64) (*HostMemory, error) {
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("vmm: mmap host memory (0x%x bytes): %w", size, err)
	}
	return &HostMemory{mem: b}, nil
}

// Map bounds-checks that [pa,pa+size) lies within the backing mmap; ipa and
// flags are recorded by the caller's Area bookkeeping, not here.
func (h *HostMemory) Map(ipa, pa, size uint64, flags AreaFlags) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if pa+size > uint64(len(h.mem)) {
		return fmt.Errorf("vmm: map pa [0x%x,0x%x) exceeds host memory size 0x%x: %w", pa, pa+size, len(h.mem), errno.ErrInval)
	}
	return nil
}

// Unmap is a no-op: HostMemory has no per-mapping state to tear down.
func (h *HostMemory) Unmap(ipa, size uint64) error { return nil }

// ReadAt copies len(dst) bytes starting at physical address pa, the
// interface CopyFromGuestPage's scratch-map read path requires.
func (h *HostMemory) ReadAt(pa uint64, dst []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if pa+uint64(len(dst)) > uint64(len(h.mem)) {
		return fmt.Errorf("vmm: read at 0x%x len %d exceeds host memory: %w", pa, len(dst), errno.ErrFault)
	}
	copy(dst, h.mem[pa:pa+uint64(len(dst))])
	return nil
}

// WriteAt is ReadAt's write-side counterpart, CopyToGuestPage's scratch-map
// write path.
func (h *HostMemory) WriteAt(pa uint64, src []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if pa+uint64(len(src)) > uint64(len(h.mem)) {
		return fmt.Errorf("vmm: write at 0x%x len %d exceeds host memory: %w", pa, len(src), errno.ErrFault)
	}
	copy(h.mem[pa:pa+uint64(len(src))], src)
	return nil
}

// Close unmaps the backing region.
func (h *HostMemory) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return unix.Munmap(h.mem)
}
