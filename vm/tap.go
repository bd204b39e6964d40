package vm

import (
	"fmt"
	"syscall"
	"unsafe"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// HostNetInterface is the host-side packet pipe a virtio-net device reads
// inbound frames from and writes outbound frames to, the ARM64/virtio
// analogue of the teacher's network.HostNetInterface.
type HostNetInterface interface {
	ReadPacket() ([]byte, error)
	WritePacket(packet []byte) error
	Close() error
}

// TapDevice is a Linux TUN/TAP-backed HostNetInterface, adapted from the
// teacher's network/tap_device.go: same /dev/net/tun open plus TUNSETIFF
// ioctl, with interface bring-up done for real via netlink instead of the
// teacher's ConfigureTapInterface placeholder.
type TapDevice struct {
	fd   int
	name string
}

// NewTapDevice opens /dev/net/tun and attaches it to the named TAP
// interface (creating it if it doesn't already exist), in Ethernet-framed,
// no-packet-info mode.
func NewTapDevice(name string) (*TapDevice, error) {
	fd, err := syscall.Open("/dev/net/tun", syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("vm: open /dev/net/tun: %w", err)
	}

	var ifr struct {
		Name  [16]byte
		Flags uint16
		_     [2]byte
	}
	copy(ifr.Name[:], name)
	ifr.Flags = unix.IFF_TAP | unix.IFF_NO_PI

	_, _, eno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr)))
	if eno != 0 {
		syscall.Close(fd)
		return nil, fmt.Errorf("vm: TUNSETIFF ioctl for %s: %w", name, eno)
	}

	return &TapDevice{fd: fd, name: name}, nil
}

// ReadPacket reads one Ethernet frame, returning (nil, nil) on EAGAIN for
// a non-blocking fd, matching the teacher's "no data right now" contract.
func (t *TapDevice) ReadPacket() ([]byte, error) {
	buf := make([]byte, 65536)
	n, err := syscall.Read(t.fd, buf)
	if err != nil {
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return nil, nil
		}
		return nil, fmt.Errorf("vm: read tap device %s: %w", t.name, err)
	}
	return buf[:n], nil
}

// WritePacket writes one Ethernet frame to the TAP device.
func (t *TapDevice) WritePacket(packet []byte) error {
	if _, err := syscall.Write(t.fd, packet); err != nil {
		return fmt.Errorf("vm: write tap device %s: %w", t.name, err)
	}
	return nil
}

// Close closes the TAP file descriptor.
func (t *TapDevice) Close() error {
	return syscall.Close(t.fd)
}

// ConfigureTapInterface brings the named TAP link up and assigns it a
// /24 address via netlink, replacing the teacher's conceptual
// ConfigureTapInterface (which only printed the equivalent `ip` commands)
// with the real rtnetlink calls.
func ConfigureTapInterface(name string, ipAddr string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("vm: lookup tap link %s: %w", name, err)
	}

	addr, err := netlink.ParseAddr(ipAddr + "/24")
	if err != nil {
		return fmt.Errorf("vm: parse tap address %s: %w", ipAddr, err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil && err != unix.EEXIST {
		return fmt.Errorf("vm: assign address %s to %s: %w", ipAddr, name, err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("vm: bring up tap link %s: %w", name, err)
	}
	return nil
}

// RandomLocalMAC returns a locally-administered unicast MAC for a
// virtio-net device that wasn't handed one explicitly.
func RandomLocalMAC(seed byte) [6]byte {
	return [6]byte{0x52, 0x54, 0x00, seed, seed, seed}
}
