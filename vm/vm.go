// Package vm composes the subsystems (sched, vcpu, vgic, vtimer, vmm) into
// one running virtual machine: the VM struct §3 describes, its vdev_list
// and MMIO trap dispatch, and the virtio-mmio paravirtual I/O path.
//
// The VM struct's shape — device registration, HandleIO/HandleMMIO
// dispatch, InjectInterrupt, ordered Close teardown — is adapted from the
// teacher's virtual_machine.go, generalized from one fixed x86/KVM memory
// region and port-I/O bus to an ARM64 VM's vmm.MM-backed IPA space and
// MMIOBus.
package vm

import (
	"fmt"
	"log"
	"sync"

	"hyperkern/errno"
	"hyperkern/sched"
	"hyperkern/vcpu"
	"hyperkern/vgic"
	"hyperkern/vmm"
)

// Flags are a VM's static attributes, per §3.
type Flags uint32

const (
	FlagHost Flags = 1 << iota
	FlagNative
	FlagGuest
	Flag32Bit
	FlagNativeWFI
	FlagCanReset
)

// State is a VM's run state.
type State int32

const (
	StateOffline State = iota
	StateOnline
)

func (s State) String() string {
	if s == StateOnline {
		return "ONLINE"
	}
	return "OFFLINE"
}

// RamdiskFiles names the kernel/dtb/initrd files looked up by name in the
// boot ramdisk, per §6.
type RamdiskFiles struct {
	Kernel string
	DTB    string
	Initrd string
}

// VM is one virtual machine: the host, a native partition, or a guest.
type VM struct {
	VMID  int
	Name  string
	Flags Flags

	mu    sync.Mutex
	state State

	VCPUs []*vcpu.VCPU
	MM    *vmm.MM

	MMIOBus *MMIOBus
	vdevs   []VDev

	TimeOffset int64

	EntryAddr uint64
	SetupAddr uint64
	LoadAddr  uint64
	Ramdisk   RamdiskFiles

	SPIPool *vgic.Struct // placeholder not used directly; per-vcpu Structs share a pool via vgic package

	log *log.Logger
}

// VDev is the small capability record every paravirtual device
// (virtio-mmio devices, vmboxes) implements so VM.Destroy can tear them
// down uniformly, per the "function-pointer ops table" design note.
type VDev interface {
	Name() string
	Close() error
}

// New creates an offline VM. Callers finish wiring it (vcpus, mm, devices)
// before calling Start.
func New(vmid int, name string, flags Flags, mm *vmm.MM, logger *log.Logger) *VM {
	if logger == nil {
		logger = log.Default()
	}
	return &VM{
		VMID:    vmid,
		Name:    name,
		Flags:   flags,
		MM:      mm,
		MMIOBus: NewMMIOBus(),
		log:     logger,
	}
}

// AddVCPU registers a vcpu with the VM. It does not start the backing
// task; Start does that.
func (v *VM) AddVCPU(vc *vcpu.VCPU) {
	v.mu.Lock()
	v.VCPUs = append(v.VCPUs, vc)
	v.mu.Unlock()
}

// AddVDev registers a paravirtual device for teardown bookkeeping.
func (v *VM) AddVDev(d VDev) {
	v.mu.Lock()
	v.vdevs = append(v.vdevs, d)
	v.mu.Unlock()
}

// Offline reports whether the VM has gone offline — the predicate
// vcpu.VCPU.Idle polls, per §4.E's vcpu-idle policy.
func (v *VM) Offline() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state == StateOffline
}

// Start brings the VM online and starts every vcpu task that isn't
// already running (e.g. secondaries awaiting PSCI CPU_ON stay parked).
func (v *VM) Start(s *sched.Scheduler) error {
	if v.Flags&FlagHost != 0 {
		// The host VM is brought up once at boot by the caller directly;
		// Start on it is a guest-VM-only operation.
	}
	v.mu.Lock()
	v.state = StateOnline
	v.mu.Unlock()

	for _, vc := range v.VCPUs {
		if vc.Task.State() == sched.StateNew && vc.Task.Flags&sched.FlagNoAutoStart == 0 {
			s.StartTask(vc.Task)
		}
	}
	v.log.Printf("vm: %q (vmid=%d) started, %d vcpu(s)", v.Name, v.VMID, len(v.VCPUs))
	return nil
}

// Stop marks the VM offline and kicks every vcpu so a blocked Idle wait
// observes the transition.
func (v *VM) Stop() {
	v.mu.Lock()
	v.state = StateOffline
	v.mu.Unlock()
	for _, vc := range v.VCPUs {
		vc.Kick(vcpu.KickStop)
	}
}

// Destroy rejects destruction of the host VM (§7: "Destroy of the host VM
// is explicitly rejected"), otherwise tears every vdev down, releases
// vcpu tasks, frees the VM's memory, and clears its vmid bit via release.
func (v *VM) Destroy(release func()) error {
	if v.Flags&FlagHost != 0 {
		return fmt.Errorf("vm: refusing to destroy the host VM: %w", errno.ErrPerm)
	}

	v.Stop()

	var firstErr error
	for _, d := range v.vdevs {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("vm: closing vdev %q: %w", d.Name(), err)
		}
	}
	v.vdevs = nil

	for _, vc := range v.VCPUs {
		vc.Task.Exit()
	}
	v.VCPUs = nil

	if release != nil {
		release()
	}
	v.log.Printf("vm: %q (vmid=%d) destroyed", v.Name, v.VMID)
	return firstErr
}

// InjectInterrupt requests vno on the VM's vcpu index target, the VM-level
// convenience wrapper around vcpu.VCPU.RequestVirq a vdev's completion
// handler calls (e.g. "raise the virtio used-buffer interrupt").
func (v *VM) InjectInterrupt(vcpuIdx int, vno uint32, priority uint8) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if vcpuIdx < 0 || vcpuIdx >= len(v.VCPUs) {
		return fmt.Errorf("vm: vcpu index %d out of range: %w", vcpuIdx, errno.ErrInval)
	}
	return v.VCPUs[vcpuIdx].RequestVirq(vno, priority)
}
