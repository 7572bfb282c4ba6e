package device

import (
	"errors"
	"testing"
)

func testPlatforms() []PlatformInfo {
	return []PlatformInfo{
		{
			Name:   "Portable Computing Language",
			Vendor: "The pocl project",
			Devices: []DeviceInfo{
				{Name: "pthread-cpu", Vendor: "GenuineIntel", Type: TypeCPU, GlobalMemory: 16 << 30, MaxComputeUnits: 8, MaxClockMHz: 3000, Extensions: ParseExtensions("cl_khr_fp64")},
			},
		},
		{
			Name:   "NVIDIA CUDA",
			Vendor: "NVIDIA Corporation",
			Devices: []DeviceInfo{
				{Name: "GeForce GTX 1080", Vendor: "NVIDIA Corporation", Type: TypeGPU, GlobalMemory: 8 << 30, MaxComputeUnits: 20, MaxClockMHz: 1733,
					ComputeCapability: &ComputeCapability{6, 1}, Extensions: ParseExtensions("cl_khr_fp64 cl_khr_global_int32_base_atomics")},
				{Name: "GeForce GT 710", Vendor: "NVIDIA Corporation", Type: TypeGPU, GlobalMemory: 1 << 30, MaxComputeUnits: 1, MaxClockMHz: 954,
					ComputeCapability: &ComputeCapability{3, 5}},
			},
		},
		{
			Name:   "AMD Accelerated Parallel Processing",
			Vendor: "Advanced Micro Devices, Inc.",
			Devices: []DeviceInfo{
				{Name: "gfx906", Vendor: "Advanced Micro Devices, Inc.", Type: TypeGPU, GlobalMemory: 16 << 30, MaxComputeUnits: 60, MaxClockMHz: 1725},
			},
		},
	}
}

func TestFlopPerCore(t *testing.T) {
	tests := []struct {
		name string
		dev  DeviceInfo
		want float64
	}{
		{"nvidia known", DeviceInfo{Type: TypeGPU, Vendor: "NVIDIA Corporation", ComputeCapability: &ComputeCapability{6, 1}}, 128},
		{"nvidia unknown pair", DeviceInfo{Type: TypeGPU, Vendor: "NVIDIA Corporation", ComputeCapability: &ComputeCapability{42, 0}}, 24},
		{"nvidia no capability", DeviceInfo{Type: TypeGPU, Vendor: "NVIDIA"}, 24},
		{"amd gpu", DeviceInfo{Type: TypeGPU, Vendor: "Advanced Micro Devices, Inc."}, 160},
		{"cpu", DeviceInfo{Type: TypeCPU, Vendor: "GenuineIntel"}, 4},
		{"amd cpu", DeviceInfo{Type: TypeCPU, Vendor: "AuthenticAMD"}, 4},
		{"intel gpu", DeviceInfo{Type: TypeGPU, Vendor: "Intel(R) Corporation"}, 1},
		{"accelerator", DeviceInfo{Type: TypeAccelerator, Vendor: "Xilinx"}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FlopPerCore(tt.dev); got != tt.want {
				t.Errorf("FlopPerCore() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEstimateFlops(t *testing.T) {
	d := DeviceInfo{Type: TypeCPU, MaxComputeUnits: 8, MaxClockMHz: 3000}
	if got := EstimateFlops(d); got != 8*3000*4 {
		t.Errorf("EstimateFlops() = %v, want %v", got, 8*3000*4)
	}

	d.MaxClockMHz = 0
	if got := EstimateFlops(d); got != 4 {
		t.Errorf("EstimateFlops() without clock = %v, want 4", got)
	}
}

func TestNvidiaExtensionAugmentation(t *testing.T) {
	inv := NewInventory(testPlatforms())

	p, ok := inv.Platform(1)
	if !ok {
		t.Fatal("platform 1 missing")
	}

	gtx := p.Devices[0]
	for _, ext := range []string{"cl_khr_fp64", "cl_khr_int64_base_atomics", "cl_khr_int64_extended_atomics"} {
		if !gtx.Extensions.Has(ext) {
			t.Errorf("expected %s after inventory, have %v", ext, gtx.Extensions.Sorted())
		}
	}

	// No fp64, no augmentation.
	gt := p.Devices[1]
	if gt.Extensions.Has("cl_khr_int64_base_atomics") {
		t.Error("device without cl_khr_fp64 must not be augmented")
	}

	// The CPU advertises fp64 but is not NVIDIA.
	cpu := inv.Platforms()[0].Devices[0]
	if cpu.Extensions.Has("cl_khr_int64_base_atomics") {
		t.Error("non-NVIDIA device must not be augmented")
	}
}

func TestNewInventoryDoesNotAliasInput(t *testing.T) {
	platforms := testPlatforms()
	NewInventory(platforms)
	if platforms[1].Devices[0].Extensions.Has("cl_khr_int64_base_atomics") {
		t.Error("NewInventory mutated the caller's extension set")
	}
}

func TestSelect(t *testing.T) {
	inv := NewInventory(testPlatforms())

	tests := []struct {
		name     string
		criteria Criteria
		want     Selection
	}{
		{"first any", Criteria{Kind: KindAny}, Selection{0, 0}},
		{"first gpu", Criteria{Kind: KindGPU}, Selection{1, 0}},
		{"best gpu", Criteria{Kind: KindGPU, Best: true}, Selection{2, 0}},
		{"best any", Criteria{Kind: KindDefault, Best: true}, Selection{2, 0}},
		{"gpu with memory", Criteria{Kind: KindGPU, MinMemory: 12 << 30}, Selection{2, 0}},
		{"gpu with int64 atomics", Criteria{Kind: KindGPU, Extensions: []string{"cl_khr_int64_base_atomics"}}, Selection{1, 0}},
		{"cpu", Criteria{Kind: KindCPU, Best: true}, Selection{0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := inv.Select(tt.criteria)
			if err != nil {
				t.Fatalf("Select() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Select() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSelectTieKeepsFirstSeen(t *testing.T) {
	platforms := []PlatformInfo{{
		Name: "twins",
		Devices: []DeviceInfo{
			{Name: "a", Type: TypeGPU, MaxComputeUnits: 4, MaxClockMHz: 1000},
			{Name: "b", Type: TypeGPU, MaxComputeUnits: 4, MaxClockMHz: 1000},
		},
	}}
	got, err := NewInventory(platforms).Select(Criteria{Kind: KindGPU, Best: true})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got != (Selection{0, 0}) {
		t.Errorf("Select() = %v, want first-seen device", got)
	}
}

func TestSelectNoQualifier(t *testing.T) {
	inv := NewInventory(testPlatforms())
	_, err := inv.Select(Criteria{Kind: KindACC})
	if !errors.Is(err, ErrNoDeviceAvailable) {
		t.Fatalf("expected ErrNoDeviceAvailable, got %v", err)
	}
}

func TestEmptyInventory(t *testing.T) {
	inv := Probe(func() ([]PlatformInfo, error) { return nil, ErrNotBuilt })
	if !inv.Empty() {
		t.Fatal("expected empty inventory")
	}
	for _, kind := range []Kind{KindAny, KindCPU, KindGPU, KindDefault} {
		if _, err := inv.Select(Criteria{Kind: kind}); !errors.Is(err, ErrNoDeviceAvailable) {
			t.Errorf("kind %s: expected ErrNoDeviceAvailable, got %v", kind, err)
		}
	}
}

func TestLookup(t *testing.T) {
	inv := NewInventory(testPlatforms())
	p, d, err := inv.Lookup(Selection{1, 1})
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if p.Name != "NVIDIA CUDA" || d.Name != "GeForce GT 710" {
		t.Errorf("Lookup() = %s/%s", p.Name, d.Name)
	}
	if _, _, err := inv.Lookup(Selection{5, 0}); !errors.Is(err, ErrNoDeviceAvailable) {
		t.Errorf("expected ErrNoDeviceAvailable for bad platform, got %v", err)
	}
}

func TestParseKind(t *testing.T) {
	tests := map[string]Kind{
		"":            KindAny,
		"GPU":         KindGPU,
		" cpu ":       KindCPU,
		"default":     KindDefault,
		"accelerator": KindACC,
	}
	for in, want := range tests {
		got, err := ParseKind(in)
		if err != nil {
			t.Errorf("ParseKind(%q) error = %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseKind(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParseKind("fpga"); err == nil {
		t.Error("expected error for unknown kind")
	}
}
