package device

import (
	"fmt"
	"strings"
)

// Kind is the device class requested by a selection.
type Kind string

const (
	KindAny     Kind = "any"
	KindDefault Kind = "default"
	KindCPU     Kind = "cpu"
	KindGPU     Kind = "gpu"
	KindACC     Kind = "acc"
)

// ParseKind maps arbitrary user input to a canonical kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any", "all":
		return KindAny, nil
	case "default", "def":
		return KindDefault, nil
	case "cpu":
		return KindCPU, nil
	case "gpu":
		return KindGPU, nil
	case "acc", "accelerator":
		return KindACC, nil
	default:
		return "", fmt.Errorf("unknown device kind %q", s)
	}
}

// Matches reports whether a device of type t satisfies the kind filter.
func (k Kind) Matches(t Type) bool {
	switch k {
	case KindAny, KindDefault, "":
		return true
	case KindCPU:
		return t == TypeCPU
	case KindGPU:
		return t == TypeGPU
	case KindACC:
		return t == TypeAccelerator
	}
	return false
}

// Criteria constrains device selection.
type Criteria struct {
	Kind       Kind
	MinMemory  uint64
	Extensions []string
	// Best selects the qualifying device with the highest flops estimate
	// instead of the first one.
	Best bool
}

// Selection identifies a device by platform and device index.
type Selection struct {
	Platform int `json:"platform" yaml:"platform"`
	Device   int `json:"device" yaml:"device"`
}

func (s Selection) String() string {
	return fmt.Sprintf("%d,%d", s.Platform, s.Device)
}

// Qualifies reports whether the device satisfies the criteria.
func (c Criteria) Qualifies(d DeviceInfo) bool {
	if !c.Kind.Matches(d.Type) {
		return false
	}
	if d.GlobalMemory < c.MinMemory {
		return false
	}
	return d.Extensions.HasAll(c.Extensions)
}

// Select walks platforms then devices in enumeration order and returns the
// first qualifier, or the highest-flops qualifier when Best is set.
func (inv *Inventory) Select(c Criteria) (Selection, error) {
	var (
		best      Selection
		bestFlops float64
		found     bool
	)
	for _, p := range inv.platforms {
		for _, d := range p.Devices {
			if !c.Qualifies(d) {
				continue
			}
			sel := Selection{Platform: p.ID, Device: d.ID}
			if !c.Best {
				return sel, nil
			}
			if !found || d.Flops > bestFlops {
				best, bestFlops, found = sel, d.Flops, true
			}
		}
	}
	if !found {
		return Selection{}, fmt.Errorf("%w: kind=%s memory>=%d extensions=%v", ErrNoDeviceAvailable, c.Kind, c.MinMemory, c.Extensions)
	}
	return best, nil
}
