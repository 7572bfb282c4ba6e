package device

import (
	"sort"
	"strings"
)

// Type describes the class of a compute device.
type Type string

const (
	TypeGPU         Type = "GPU"
	TypeCPU         Type = "CPU"
	TypeAccelerator Type = "Accelerator"
	TypeDefault     Type = "Default"
	TypeUnknown     Type = "Unknown"
)

// ComputeCapability is the NVIDIA compute capability pair.
type ComputeCapability struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// ExtensionSet is the set of extension tokens advertised by a device or platform.
type ExtensionSet map[string]struct{}

// ParseExtensions splits a space separated extension string into a set.
func ParseExtensions(s string) ExtensionSet {
	set := make(ExtensionSet)
	for _, tok := range strings.Fields(s) {
		set[tok] = struct{}{}
	}
	return set
}

// Has reports whether the token is present.
func (e ExtensionSet) Has(token string) bool {
	_, ok := e[token]
	return ok
}

// HasAll reports whether every token is present.
func (e ExtensionSet) HasAll(tokens []string) bool {
	for _, t := range tokens {
		if !e.Has(t) {
			return false
		}
	}
	return true
}

// Add inserts tokens into the set.
func (e ExtensionSet) Add(tokens ...string) {
	for _, t := range tokens {
		e[t] = struct{}{}
	}
}

// Sorted returns the tokens in lexical order.
func (e ExtensionSet) Sorted() []string {
	out := make([]string, 0, len(e))
	for t := range e {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// DeviceInfo captures metadata about a compute device.
type DeviceInfo struct {
	ID                int                `json:"id"`
	Name              string             `json:"name"`
	Vendor            string             `json:"vendor"`
	Version           string             `json:"version"`
	DriverVersion     string             `json:"driverVersion"`
	Type              Type               `json:"type"`
	Extensions        ExtensionSet       `json:"-"`
	GlobalMemory      uint64             `json:"globalMemory"`
	Available         bool               `json:"available"`
	MaxComputeUnits   uint32             `json:"maxComputeUnits"`
	MaxClockMHz       uint32             `json:"maxClockMHz"`
	MaxWorkGroupSize  int                `json:"maxWorkGroupSize"`
	MaxWorkItemSizes  []int              `json:"maxWorkItemSizes"`
	ComputeCapability *ComputeCapability `json:"computeCapability,omitempty"`
	Flops             float64            `json:"flops"`
}

// MaxWorkItemSize returns the work-item limit along dimension dim, falling
// back to MaxWorkGroupSize when the device did not report per-dimension limits.
func (d DeviceInfo) MaxWorkItemSize(dim int) int {
	if dim < len(d.MaxWorkItemSizes) && d.MaxWorkItemSizes[dim] > 0 {
		return d.MaxWorkItemSizes[dim]
	}
	if d.MaxWorkGroupSize > 0 {
		return d.MaxWorkGroupSize
	}
	return 1
}

// IsVendor does a case-insensitive substring match on the vendor string.
func (d DeviceInfo) IsVendor(name string) bool {
	return strings.Contains(strings.ToLower(d.Vendor), strings.ToLower(name))
}

// PlatformInfo captures metadata about a platform and its devices.
type PlatformInfo struct {
	ID         int          `json:"id"`
	Name       string       `json:"name"`
	Vendor     string       `json:"vendor"`
	Version    string       `json:"version"`
	Extensions ExtensionSet `json:"-"`
	Devices    []DeviceInfo `json:"devices"`
}

// Device returns the device with the given index.
func (p PlatformInfo) Device(id int) (DeviceInfo, bool) {
	if id < 0 || id >= len(p.Devices) {
		return DeviceInfo{}, false
	}
	return p.Devices[id], true
}

// DeviceByName returns the first device whose trimmed name matches.
func (p PlatformInfo) DeviceByName(name string) (DeviceInfo, bool) {
	name = strings.TrimSpace(name)
	for _, d := range p.Devices {
		if strings.TrimSpace(d.Name) == name {
			return d, true
		}
	}
	return DeviceInfo{}, false
}
