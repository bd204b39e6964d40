package vmm_test

import (
	"bytes"
	"testing"

	"hyperkern/vmm"
)

func TestHostMemoryReadWriteRoundTrip(t *testing.T) {
	h, err := vmm.NewHostMemory(64 * 1024)
	if err != nil {
		t.Fatalf("NewHostMemory: %v", err)
	}
	defer h.Close()

	if err := h.Map(0, 0x1000, 0x1000, vmm.FlagRead|vmm.FlagWrite); err != nil {
		t.Fatalf("Map: %v", err)
	}

	want := []byte("hello from host memory")
	if err := h.WriteAt(0x1000, want); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, len(want))
	if err := h.ReadAt(0x1000, got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("ReadAt = %q, want %q", got, want)
	}
}

func TestHostMemoryOutOfBoundsRejected(t *testing.T) {
	h, err := vmm.NewHostMemory(4096)
	if err != nil {
		t.Fatalf("NewHostMemory: %v", err)
	}
	defer h.Close()

	if err := h.Map(0, 0, 8192, vmm.FlagRead); err == nil {
		t.Fatal("expected Map beyond the backing region to fail")
	}
	if err := h.WriteAt(4096, []byte{1}); err == nil {
		t.Fatal("expected WriteAt beyond the backing region to fail")
	}
	if err := h.ReadAt(4090, make([]byte, 16)); err == nil {
		t.Fatal("expected ReadAt straddling past the end to fail")
	}
}
