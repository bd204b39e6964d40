package vm

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"

	"hyperkern/errno"
)

// Virtio-mmio register offsets, honoured bit-exactly per §6.
const (
	RegMagicValue        = 0x000
	RegVersion           = 0x004
	RegDeviceID          = 0x008
	RegVendorID          = 0x00c
	RegDeviceFeatures    = 0x010
	RegDeviceFeaturesSel = 0x014
	RegDriverFeatures    = 0x020
	RegDriverFeaturesSel = 0x024
	RegQueueSel          = 0x030
	RegQueueNumMax       = 0x034
	RegQueueNum          = 0x038
	RegQueueReady        = 0x044
	RegQueueNotify       = 0x050
	RegInterruptStatus   = 0x060
	RegInterruptACK      = 0x064
	RegStatus            = 0x070
	RegQueueDescLow      = 0x080
	RegQueueDescHigh     = 0x084
	RegQueueDriverLow    = 0x090
	RegQueueDriverHigh   = 0x094
	RegQueueDeviceLow    = 0x0a0
	RegQueueDeviceHigh   = 0x0a4
	RegConfigGeneration  = 0x0fc
	RegConfigBase        = 0x100

	virtioMagic = 0x74726976 // "virt" little-endian
)

// Status bits, per the virtio specification.
const (
	StatusAcknowledge uint32 = 1 << iota
	StatusDriver
	StatusDriverOK
	StatusFeaturesOK
	_
	_
	StatusDeviceNeedsReset
	StatusFailed
)

// TrapEvent is a queue-notify or queue-ready-read access forwarded to the
// owning device's consumer goroutine rather than handled inline in the
// trap handler, per §6: "queue-notify and reads of QUEUE_READY are
// forwarded to the device thread as trap events."
type TrapEvent struct {
	Queue int
	Read  bool // true for a QueueReady read, false for a QueueNotify write
}

type virtQueue struct {
	numMax  uint32
	num     uint32
	ready   uint32
	descLo, descHi     uint32
	driverLo, driverHi uint32
	deviceLo, deviceHi uint32
}

func (q *virtQueue) clearShadow() {
	q.num, q.ready = 0, 0
	q.descLo, q.descHi = 0, 0
	q.driverLo, q.driverHi = 0, 0
	q.deviceLo, q.deviceHi = 0, 0
}

// VirtioMMIODevice is the generic virtio-mmio register file: magic/version/
// device-id identification, feature negotiation, per-queue shadow
// registers, status, and the config space a concrete device (net, block)
// overlays. It is the generalization of the teacher's devices/ne2000.go
// flat port-register NIC model to virtio's config-space-plus-queue shape.
type VirtioMMIODevice struct {
	mu sync.Mutex

	deviceID uint32
	vendorID uint32

	deviceFeatures [2]uint32
	driverFeatures [2]uint32
	featuresSel    uint32

	queueSel uint32
	queues   []virtQueue

	status          uint32
	interruptStatus uint32
	configGen       uint32
	config          []byte

	trapEvents chan TrapEvent
	log        *log.Logger

	onStatusChange func(old, new uint32)
}

// NewVirtioMMIODevice creates a virtio-mmio register file for deviceID
// (e.g. 1 = net, 2 = block) with nQueues queues each capped at
// queueNumMax entries and a config space of len(config) bytes.
func NewVirtioMMIODevice(deviceID uint32, nQueues int, queueNumMax uint32, config []byte, logger *log.Logger) *VirtioMMIODevice {
	if logger == nil {
		logger = log.Default()
	}
	qs := make([]virtQueue, nQueues)
	for i := range qs {
		qs[i].numMax = queueNumMax
	}
	return &VirtioMMIODevice{
		deviceID:   deviceID,
		vendorID:   0x1af4, // the conventional virtio vendor id
		config:     config,
		queues:     qs,
		trapEvents: make(chan TrapEvent, 64),
		log:        logger,
	}
}

// SetDeviceFeatures installs the device's offered feature bits (low/high
// 32-bit halves, selected via DeviceFeaturesSel).
func (d *VirtioMMIODevice) SetDeviceFeatures(low, high uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deviceFeatures[0], d.deviceFeatures[1] = low, high
}

// OnStatusChange installs a callback invoked with the full before/after
// status word whenever a Status write changes it.
func (d *VirtioMMIODevice) OnStatusChange(fn func(old, new uint32)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onStatusChange = fn
}

// Events exposes the trap-event channel a device's consumer goroutine
// drains.
func (d *VirtioMMIODevice) Events() <-chan TrapEvent { return d.trapEvents }

// QueueState returns a snapshot of queue idx's shadow registers, for a
// concrete device to build its descriptor-ring view from.
func (d *VirtioMMIODevice) QueueState(idx int) (descLo, descHi, driverLo, driverHi, deviceLo, deviceHi uint32, num uint32, ready bool, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if idx < 0 || idx >= len(d.queues) {
		return 0, 0, 0, 0, 0, 0, 0, false, false
	}
	q := &d.queues[idx]
	return q.descLo, q.descHi, q.driverLo, q.driverHi, q.deviceLo, q.deviceHi, q.num, q.ready != 0, true
}

// RaiseUsedBufferInterrupt sets InterruptStatus bit 0 (used buffer
// notification), the bit HandleMMIO's InterruptACK write clears.
func (d *VirtioMMIODevice) RaiseUsedBufferInterrupt() {
	d.mu.Lock()
	d.interruptStatus |= 1
	d.mu.Unlock()
}

func (d *VirtioMMIODevice) readReg(off uint64) (uint32, error) {
	switch off {
	case RegMagicValue:
		return virtioMagic, nil
	case RegVersion:
		return 2, nil
	case RegDeviceID:
		return d.deviceID, nil
	case RegVendorID:
		return d.vendorID, nil
	case RegDeviceFeatures:
		return d.deviceFeatures[d.featuresSel&1], nil
	case RegQueueNumMax:
		return d.currentQueue().numMax, nil
	case RegQueueReady:
		d.sendTrapEvent(TrapEvent{Queue: int(d.queueSel), Read: true})
		return d.currentQueue().ready, nil
	case RegInterruptStatus:
		return d.interruptStatus, nil
	case RegStatus:
		return d.status, nil
	case RegConfigGeneration:
		return d.configGen, nil
	}
	if off >= RegConfigBase && int(off-RegConfigBase)+4 <= len(d.config) {
		return binary.LittleEndian.Uint32(d.config[off-RegConfigBase:]), nil
	}
	if off >= RegConfigBase && int(off-RegConfigBase) < len(d.config) {
		// Tail read narrower than 4 bytes at the end of config space.
		var buf [4]byte
		copy(buf[:], d.config[off-RegConfigBase:])
		return binary.LittleEndian.Uint32(buf[:]), nil
	}
	return 0, fmt.Errorf("vm: virtio-mmio read of unhandled register 0x%x: %w", off, errno.ErrInval)
}

func (d *VirtioMMIODevice) currentQueue() *virtQueue {
	idx := int(d.queueSel)
	if idx < 0 || idx >= len(d.queues) {
		return &virtQueue{}
	}
	return &d.queues[idx]
}

// sendTrapEvent forwards a trap event without blocking the caller holding
// d.mu; when the event channel is full the new event is logged and
// dropped, and the events already queued are kept (the device's consumer
// goroutine is expected to keep up, and a dropped QueueReady-read trap is
// purely advisory).
func (d *VirtioMMIODevice) sendTrapEvent(ev TrapEvent) {
	select {
	case d.trapEvents <- ev:
	default:
		d.log.Printf("vm: virtio-mmio trap event channel full, dropping %+v", ev)
	}
}

func (d *VirtioMMIODevice) writeReg(off uint64, val uint32) error {
	switch off {
	case RegDeviceFeaturesSel:
		d.featuresSel = val
	case RegDriverFeatures:
		d.driverFeatures[d.featuresSel&1] = val
	case RegDriverFeaturesSel:
		d.featuresSel = val
	case RegQueueSel:
		// Selecting the queue clears all queue-specific shadow registers,
		// per §6: the driver is expected to reprogram them from scratch.
		d.queueSel = val
		d.currentQueue().clearShadow()
	case RegQueueNum:
		d.currentQueue().num = val
	case RegQueueReady:
		d.currentQueue().ready = val
	case RegQueueNotify:
		d.sendTrapEvent(TrapEvent{Queue: int(val), Read: false})
	case RegInterruptACK:
		d.interruptStatus &^= val
	case RegStatus:
		old := d.status
		if val == 0 {
			d.resetLocked()
		} else {
			delta := val &^ old
			d.status = val
			if delta != 0 {
				d.log.Printf("vm: virtio-mmio status delta 0x%x (full 0x%x)", delta, val)
			}
		}
		if d.onStatusChange != nil {
			fn := d.onStatusChange
			newStatus := d.status
			d.mu.Unlock()
			fn(old, newStatus)
			d.mu.Lock()
		}
	case RegQueueDescLow:
		d.currentQueue().descLo = val
	case RegQueueDescHigh:
		d.currentQueue().descHi = val
	case RegQueueDriverLow:
		d.currentQueue().driverLo = val
	case RegQueueDriverHigh:
		d.currentQueue().driverHi = val
	case RegQueueDeviceLow:
		d.currentQueue().deviceLo = val
	case RegQueueDeviceHigh:
		d.currentQueue().deviceHi = val
	default:
		if off >= RegConfigBase && int(off-RegConfigBase)+4 <= len(d.config) {
			binary.LittleEndian.PutUint32(d.config[off-RegConfigBase:], val)
			return nil
		}
		return fmt.Errorf("vm: virtio-mmio write of unhandled register 0x%x: %w", off, errno.ErrInval)
	}
	return nil
}

func (d *VirtioMMIODevice) resetLocked() {
	d.status = 0
	d.interruptStatus = 0
	d.featuresSel = 0
	d.driverFeatures = [2]uint32{}
	for i := range d.queues {
		d.queues[i].clearShadow()
	}
}

// HandleMMIO implements MMIODevice for the virtio-mmio register window.
// All registers are 32-bit per the spec; a narrower access is zero-padded
// on read and ignored beyond the register width on write.
func (d *VirtioMMIODevice) HandleMMIO(offset uint64, data []byte, isWrite bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	aligned := offset &^ 0x3
	if isWrite {
		var val uint32
		for i := 0; i < len(data) && i < 4; i++ {
			val |= uint32(data[i]) << uint(8*i)
		}
		return d.writeReg(aligned, val)
	}

	val, err := d.readReg(aligned)
	if err != nil {
		return err
	}
	for i := 0; i < len(data) && i < 4; i++ {
		data[i] = byte(val >> uint(8*i))
	}
	return nil
}
