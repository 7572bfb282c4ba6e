package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrNoDeviceAvailable is returned when the inventory is empty or no
	// device satisfies the selection criteria.
	ErrNoDeviceAvailable = errors.New("no compute device available")
	// ErrNotBuilt indicates the binary was built without OpenCL support.
	ErrNotBuilt = errors.New("opencl support requires building with '-tags gpu'")
)

// Prober enumerates platforms and their devices.
type Prober func() ([]PlatformInfo, error)

// Inventory is an immutable snapshot of the platforms found on the host.
type Inventory struct {
	platforms []PlatformInfo
}

// NewInventory builds an inventory from already enumerated platforms and
// derives flops and extension fix-ups for every device.
func NewInventory(platforms []PlatformInfo) *Inventory {
	cp := make([]PlatformInfo, len(platforms))
	for i, p := range platforms {
		cp[i] = p
		cp[i].Devices = append([]DeviceInfo(nil), p.Devices...)
		for j := range cp[i].Devices {
			cp[i].Devices[j].Extensions = cloneExtensions(cp[i].Devices[j].Extensions)
		}
	}
	finalize(cp)
	return &Inventory{platforms: cp}
}

// Probe runs the prober and builds an inventory. A failing prober yields an
// empty inventory so that selection reports ErrNoDeviceAvailable.
func Probe(probe Prober) *Inventory {
	platforms, err := probe()
	if err != nil {
		slog.Debug("Device probe failed", "error", err)
		return NewInventory(nil)
	}
	return NewInventory(platforms)
}

var defaultInventory = sync.OnceValue(func() *Inventory {
	inv := Probe(probeOpenCL)
	slog.Debug("Device inventory ready", "platforms", len(inv.platforms))
	return inv
})

// Default returns the process-wide OpenCL inventory, enumerated on first use.
func Default() *Inventory {
	return defaultInventory()
}

// Platforms returns the platforms in enumeration order.
func (inv *Inventory) Platforms() []PlatformInfo {
	return inv.platforms
}

// Empty reports whether no device was found.
func (inv *Inventory) Empty() bool {
	for _, p := range inv.platforms {
		if len(p.Devices) > 0 {
			return false
		}
	}
	return true
}

// Platform returns the platform at index id.
func (inv *Inventory) Platform(id int) (PlatformInfo, bool) {
	if id < 0 || id >= len(inv.platforms) {
		return PlatformInfo{}, false
	}
	return inv.platforms[id], true
}

// Lookup resolves a selection to its platform and device records.
func (inv *Inventory) Lookup(sel Selection) (PlatformInfo, DeviceInfo, error) {
	p, ok := inv.Platform(sel.Platform)
	if !ok {
		return PlatformInfo{}, DeviceInfo{}, fmt.Errorf("%w: platform %d", ErrNoDeviceAvailable, sel.Platform)
	}
	d, ok := p.Device(sel.Device)
	if !ok {
		return PlatformInfo{}, DeviceInfo{}, fmt.Errorf("%w: device %d on platform %d", ErrNoDeviceAvailable, sel.Device, sel.Platform)
	}
	return p, d, nil
}

func cloneExtensions(e ExtensionSet) ExtensionSet {
	out := make(ExtensionSet, len(e))
	for k := range e {
		out[k] = struct{}{}
	}
	return out
}
