package device

import "strings"

// Per-core throughput factors used to rank devices. These only need to be
// right relative to each other.
var (
	// flopPerCore is the generic factor by device kind.
	flopPerCore = map[Type]float64{
		TypeCPU: 4,
	}

	// nvidiaFlopPerCore is indexed by compute capability.
	nvidiaFlopPerCore = map[ComputeCapability]float64{
		{1, 0}: 24, {1, 1}: 24, {1, 2}: 24, {1, 3}: 24,
		{2, 0}: 64, {2, 1}: 96,
		{3, 0}: 384, {3, 2}: 384, {3, 5}: 384, {3, 7}: 384,
		{5, 0}: 256, {5, 2}: 256, {5, 3}: 256,
		{6, 0}: 128, {6, 1}: 128, {6, 2}: 128,
		{7, 0}: 128, {7, 2}: 128, {7, 5}: 128,
		{8, 0}: 128, {8, 6}: 256, {8, 9}: 256,
		{9, 0}: 256,
	}

	amdFlopPerCore = 160.0
)

const (
	extFP64            = "cl_khr_fp64"
	extInt64Base       = "cl_khr_int64_base_atomics"
	extInt64Extended   = "cl_khr_int64_extended_atomics"
	defaultFlopPerCore = 1.0
	vendorNVIDIA       = "nvidia"
	vendorAMD          = "advanced micro devices"
	vendorAMDShort     = "amd"
)

func minNvidiaFactor() float64 {
	m := 0.0
	for _, v := range nvidiaFlopPerCore {
		if m == 0 || v < m {
			m = v
		}
	}
	return m
}

func isAMD(d DeviceInfo) bool {
	v := strings.ToLower(d.Vendor)
	return strings.Contains(v, vendorAMD) || strings.Contains(v, vendorAMDShort)
}

// FlopPerCore returns the per-core factor for the device, first match wins.
func FlopPerCore(d DeviceInfo) float64 {
	switch {
	case d.Type == TypeGPU && d.IsVendor(vendorNVIDIA):
		if d.ComputeCapability != nil {
			if k, ok := nvidiaFlopPerCore[*d.ComputeCapability]; ok {
				return k
			}
		}
		return minNvidiaFactor()
	case d.Type == TypeGPU && isAMD(d):
		return amdFlopPerCore
	}
	if k, ok := flopPerCore[d.Type]; ok {
		return k
	}
	return defaultFlopPerCore
}

// EstimateFlops computes cores × frequency × per-core factor. When cores
// or frequency are unknown only the factor is returned.
func EstimateFlops(d DeviceInfo) float64 {
	k := FlopPerCore(d)
	if d.MaxComputeUnits == 0 || d.MaxClockMHz == 0 {
		return k
	}
	return float64(d.MaxComputeUnits) * float64(d.MaxClockMHz) * k
}

// augmentExtensions adds the 64-bit atomic tokens that NVIDIA drivers
// support but do not advertise.
func augmentExtensions(d *DeviceInfo) {
	if d.Extensions == nil {
		d.Extensions = make(ExtensionSet)
	}
	if d.Type != TypeGPU || !d.IsVendor(vendorNVIDIA) || d.ComputeCapability == nil {
		return
	}
	if d.Extensions.Has(extFP64) {
		d.Extensions.Add(extInt64Base, extInt64Extended)
	}
}

// finalize derives the computed fields of every device in place.
func finalize(platforms []PlatformInfo) {
	for i := range platforms {
		platforms[i].ID = i
		if platforms[i].Extensions == nil {
			platforms[i].Extensions = make(ExtensionSet)
		}
		for j := range platforms[i].Devices {
			d := &platforms[i].Devices[j]
			d.ID = j
			augmentExtensions(d)
			d.Flops = EstimateFlops(*d)
		}
	}
}
