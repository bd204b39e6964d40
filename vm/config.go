package vm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"hyperkern/errno"
)

// VMConfig is one `/vms/*` definition from the boot-time manifest, the
// YAML-ingested stand-in for the device-tree VM node §6 describes.
type VMConfig struct {
	VMID  int      `yaml:"vmid"`
	Name  string   `yaml:"name"`
	Flags []string `yaml:"flags"` // "host","native","guest","32bit","native_wfi","can_reset"

	EntryAddr uint64 `yaml:"entry_addr"`
	SetupAddr uint64 `yaml:"setup_addr"`
	LoadAddr  uint64 `yaml:"load_addr"`

	NumVCPUs int `yaml:"num_vcpus"`

	Ramdisk struct {
		Kernel string `yaml:"kernel"`
		DTB    string `yaml:"dtb"`
		Initrd string `yaml:"initrd"`
	} `yaml:"ramdisk"`

	Net *NetConfig `yaml:"net,omitempty"`
}

// NetConfig names a virtio-net device's TAP backend and guest-visible MAC.
type NetConfig struct {
	TapName string `yaml:"tap"`
	MAC     string `yaml:"mac"`
	IPAddr  string `yaml:"ip_addr,omitempty"`
}

// VMBoxConfig is one `/vmboxs/*` definition: a paravirtual inter-VM
// mailbox endpoint pairing two VMs by name.
type VMBoxConfig struct {
	Name   string `yaml:"name"`
	Left   string `yaml:"left"`
	Right  string `yaml:"right"`
	RingKB int    `yaml:"ring_kb"`
}

// Manifest is the top-level boot-time document: the VM and vmbox
// definitions a ramdisk-embedded YAML file carries in place of raw
// device-tree VM/vmbox nodes.
type Manifest struct {
	VMs    []VMConfig    `yaml:"vms"`
	VMBoxs []VMBoxConfig `yaml:"vmboxs"`
}

// LoadManifest reads and decodes a boot-time VM/vmbox manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vm: read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("vm: parse manifest %s: %w", path, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	seen := map[int]bool{}
	for _, vc := range m.VMs {
		if seen[vc.VMID] {
			return fmt.Errorf("vm: manifest declares vmid %d twice: %w", vc.VMID, errno.ErrInval)
		}
		seen[vc.VMID] = true
		if vc.NumVCPUs <= 0 {
			return fmt.Errorf("vm: %q declares %d vcpus: %w", vc.Name, vc.NumVCPUs, errno.ErrInval)
		}
	}
	byName := map[string]bool{}
	for _, vc := range m.VMs {
		byName[vc.Name] = true
	}
	for _, bx := range m.VMBoxs {
		if !byName[bx.Left] || !byName[bx.Right] {
			return fmt.Errorf("vm: vmbox %q references unknown vm (left=%q right=%q): %w", bx.Name, bx.Left, bx.Right, errno.ErrInval)
		}
	}
	return nil
}

// ResolveFlags translates the manifest's string flag list into a Flags
// bitmask.
func (c *VMConfig) ResolveFlags() Flags {
	var f Flags
	for _, s := range c.Flags {
		switch s {
		case "host":
			f |= FlagHost
		case "native":
			f |= FlagNative
		case "guest":
			f |= FlagGuest
		case "32bit":
			f |= Flag32Bit
		case "native_wfi":
			f |= FlagNativeWFI
		case "can_reset":
			f |= FlagCanReset
		}
	}
	return f
}
