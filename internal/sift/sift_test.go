package sift

import (
	"errors"
	"math"
	"slices"
	"testing"
	"time"

	"github.com/cwbudde/siftcl/internal/compute"
	"github.com/cwbudde/siftcl/internal/compute/host"
	"github.com/cwbudde/siftcl/internal/device"
)

func TestScalePyramid(t *testing.T) {
	tests := []struct {
		name   string
		w, h   int
		border int
		want   int
	}{
		{"256 square", 256, 256, 5, 5},
		{"512 square", 512, 512, 5, 6},
		{"at bound", 12, 12, 5, 0},
		{"just above bound", 13, 13, 5, 1},
		{"wide", 640, 20, 5, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shapes := ScalePyramid(tt.w, tt.h, tt.border)
			if len(shapes) != tt.want {
				t.Fatalf("ScalePyramid(%d, %d) has %d octaves, want %d: %v", tt.w, tt.h, len(shapes), tt.want, shapes)
			}
			if len(shapes) > 0 && (shapes[0].Width != tt.w || shapes[0].Height != tt.h) {
				t.Errorf("first octave = %v, want %dx%d", shapes[0], tt.w, tt.h)
			}
			for i := 1; i < len(shapes); i++ {
				if shapes[i].Width != shapes[i-1].Width/2 || shapes[i].Height != shapes[i-1].Height/2 {
					t.Errorf("octave %d = %v is not half of %v", i, shapes[i], shapes[i-1])
				}
			}
		})
	}
}

func TestGaussianValues(t *testing.T) {
	for _, sigma := range []float32{0.5, 1.226, 1.6, 3.09, 7} {
		values := GaussianValues(sigma)
		want := 2*int(math.Ceil(float64(4*sigma))) + 1
		if len(values) != want || len(values)%2 == 0 {
			t.Fatalf("sigma %g: length %d, want odd %d", sigma, len(values), want)
		}
		var sum float64
		for i, v := range values {
			sum += float64(v)
			if mirror := values[len(values)-1-i]; math.Abs(float64(v-mirror)) > 1e-7 {
				t.Errorf("sigma %g: not symmetric at %d: %g vs %g", sigma, i, v, mirror)
			}
		}
		if math.Abs(sum-1) > 1e-5 {
			t.Errorf("sigma %g: sum = %g, want 1", sigma, sum)
		}
		center := len(values) / 2
		if slices.Max(values) != values[center] {
			t.Errorf("sigma %g: maximum not at center", sigma)
		}
	}
}

func TestBlurPlan(t *testing.T) {
	p := DefaultParams()
	plan := newBlurPlan(p, 1.6)
	if want := float32(math.Sqrt(1.6*1.6 - 0.25)); math.Abs(float64(plan.pre-want)) > 1e-6 {
		t.Errorf("pre-blur = %g, want %g", plan.pre, want)
	}
	if len(plan.steps) != p.Scales+2 {
		t.Fatalf("got %d blur steps, want %d", len(plan.steps), p.Scales+2)
	}
	// Composing the steps doubles the blur every Scales levels.
	total := 1.6 * 1.6
	for i, s := range plan.steps {
		total += float64(s) * float64(s)
		if i == p.Scales-1 {
			if got := math.Sqrt(total); math.Abs(got-3.2) > 1e-4 {
				t.Errorf("blur after %d steps = %g, want 3.2", p.Scales, got)
			}
		}
	}

	double := p
	double.DoubleImSize = true
	if plan := newBlurPlan(double, 0.9); plan.pre != 0 {
		t.Errorf("input blur below prior should skip the pre-blur, got %g", plan.pre)
	}
	if n := len(plan.sigmas()); n != p.Scales+3 {
		t.Errorf("distinct sigmas = %d, want %d", n, p.Scales+3)
	}
}

func TestParamsDefines(t *testing.T) {
	got := DefaultParams().defines()
	want := "-DSCALES=3 -DBORDER_DIST=5 -DMAX_INTERP_MOVES=5 -DMAX_OFFSET=1.0f " +
		"-DORI_HIST_THRESH=0.8f -DMAG_FACTOR=3.0f -DMAX_INDEX_VAL=0.2f"
	if got != want {
		t.Errorf("defines =\n%s\nwant\n%s", got, want)
	}
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
		ok     bool
	}{
		{"defaults", func(*Params) {}, true},
		{"no scales", func(p *Params) { p.Scales = 0 }, false},
		{"negative peak", func(p *Params) { p.PeakThresh = -1 }, false},
		{"clip above one", func(p *Params) { p.MaxIndexVal = 1.5 }, false},
		{"zero orientation sigma", func(p *Params) { p.OriSigma = 0 }, false},
		{"no interpolation moves", func(p *Params) { p.MaxInterpMoves = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.mutate(&p)
			err := p.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestCalcSize(t *testing.T) {
	tests := []struct {
		shape, wg, want []int
	}{
		{[]int{100, 37}, []int{64, 1}, []int{128, 37}},
		{[]int{128, 128}, []int{128, 1}, []int{128, 128}},
		{[]int{5}, []int{1}, []int{5}},
		{[]int{7, 3}, []int{4}, []int{8, 3}},
	}
	for _, tt := range tests {
		if got := CalcSize(tt.shape, tt.wg); !slices.Equal(got, tt.want) {
			t.Errorf("CalcSize(%v, %v) = %v, want %v", tt.shape, tt.wg, got, tt.want)
		}
	}
}

func TestPlanWorkSizes(t *testing.T) {
	octaves := []OctaveShape{{256, 256}, {100, 50}, {3, 3}}
	plans := PlanWorkSizes(octaves, 128)
	want := []WorkSize{
		{Global: [2]int{256, 256}, Local: [2]int{128, 1}},
		{Global: [2]int{128, 50}, Local: [2]int{128, 1}},
		{Global: [2]int{4, 3}, Local: [2]int{4, 1}},
	}
	if !slices.Equal(plans, want) {
		t.Errorf("PlanWorkSizes = %v, want %v", plans, want)
	}

	for _, ws := range PlanWorkSizes(octaves, 1) {
		if ws.Local != [2]int{1, 1} {
			t.Errorf("maxWG=1 gave local %v", ws.Local)
		}
	}
}

func TestEffectiveMaxWG(t *testing.T) {
	dev := device.DeviceInfo{MaxWorkGroupSize: 1024, MaxWorkItemSizes: []int{64, 64, 64}}
	tests := []struct {
		name     string
		platform device.PlatformInfo
		info     device.DeviceInfo
		ceiling  int
		want     int
	}{
		{"device limit", device.PlatformInfo{Vendor: "NVIDIA Corporation"}, dev, 128, 64},
		{"ceiling", device.PlatformInfo{Vendor: "NVIDIA Corporation"}, device.DeviceInfo{MaxWorkGroupSize: 1024, MaxWorkItemSizes: []int{1024}}, 128, 128},
		{"apple", device.PlatformInfo{Name: "Apple", Vendor: "Apple"}, dev, 128, 1},
		{"no ceiling", device.PlatformInfo{}, dev, 0, 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EffectiveMaxWG(tt.platform, tt.info, tt.ceiling); got != tt.want {
				t.Errorf("EffectiveMaxWG = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestEstimateMemory(t *testing.T) {
	p := DefaultParams()
	shape := Shape{Width: 100, Height: 100, Channels: 1}
	layout := MemoryLayout{PixPerKP: 10, MaxWG: 128, InitSigma: 1.6}

	f32 := EstimateMemory(shape, Float32, p, layout)
	if f32 <= memoryReserve {
		t.Fatalf("estimate %d does not include the reserve", f32)
	}
	if u8 := EstimateMemory(shape, Uint8, p, layout); u8-f32 != 100*100 {
		t.Errorf("uint8 raw buffer adds %d bytes, want %d", u8-f32, 100*100)
	}
	rgb := shape
	rgb.Channels = 3
	if got := EstimateMemory(rgb, Uint8, p, layout) - f32; got != 3*100*100 {
		t.Errorf("rgb raw buffer adds %d bytes, want %d", got, 3*100*100)
	}

	// Pyramid and DoG stack dominate: (Scales+3 + Scales+2 + 2) planes.
	planes := uint64(p.Scales+3+p.Scales+2+2) * 100 * 100 * 4
	k := uint64(Capacity(shape, 10))
	if f32 < memoryReserve+planes+k*(32+128) {
		t.Errorf("estimate %d misses pyramid or keypoint storage", f32)
	}
}

func TestCapacity(t *testing.T) {
	if got := Capacity(Shape{Width: 512, Height: 512}, 10); got != 26215 {
		t.Errorf("Capacity = %d, want ceil(262144/10) = 26215", got)
	}
	if got := Capacity(Shape{Width: 10, Height: 10}, 10); got != 10 {
		t.Errorf("Capacity = %d, want 10", got)
	}
}

func TestReductionSize(t *testing.T) {
	tests := []struct {
		w, h, maxWG, want int
	}{
		{512, 512, 128, 128},
		{20, 20, 128, 32},
		{100, 100, 1, 1},
		{64, 64, 100, 64},
	}
	for _, tt := range tests {
		if got := reductionSize(Shape{Width: tt.w, Height: tt.h}, tt.maxWG); got != tt.want {
			t.Errorf("reductionSize(%dx%d, %d) = %d, want %d", tt.w, tt.h, tt.maxWG, got, tt.want)
		}
	}
}

func TestImageValidate(t *testing.T) {
	tests := []struct {
		name string
		img  Image
		want error
	}{
		{"float ok", Image{Shape: Shape{Width: 2, Height: 2}, Type: Float32, Pix: make([]float32, 4)}, nil},
		{"rgb ok", Image{Shape: Shape{Width: 2, Height: 2, Channels: 3}, Type: Uint8, Pix: make([]uint8, 12)}, nil},
		{"rgb uint16", Image{Shape: Shape{Width: 2, Height: 2, Channels: 3}, Type: Uint16, Pix: make([]uint16, 12)}, ErrUnsupportedFormat},
		{"short", Image{Shape: Shape{Width: 2, Height: 2}, Type: Uint16, Pix: make([]uint16, 3)}, ErrShapeMismatch},
		{"type mismatch", Image{Shape: Shape{Width: 2, Height: 2}, Type: Int32, Pix: make([]float32, 4)}, ErrUnsupportedFormat},
		{"unknown type", Image{Shape: Shape{Width: 2, Height: 2}, Type: "complex64", Pix: make([]float32, 4)}, ErrUnsupportedFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.img.Validate()
			if tt.want == nil && err != nil {
				t.Fatalf("Validate() = %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseImageType(t *testing.T) {
	for in, want := range map[string]ImageType{"u8": Uint8, "FLOAT": Float32, "s64": Int64, "uint16": Uint16} {
		got, err := ParseImageType(in)
		if err != nil || got != want {
			t.Errorf("ParseImageType(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseImageType("f16"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("ParseImageType(f16) error = %v", err)
	}
}

func TestKeypointRecords(t *testing.T) {
	kps := []Keypoint{{X: 1, Y: 2, Scale: 3, Angle: 0.5}, {X: 4, Y: 5, Scale: 6, Angle: -1}}
	kps[0].Desc[0] = 7
	kps[1].Desc[127] = 9

	geom, desc := KeypointsToRecords(kps)
	if len(geom) != 8 || len(desc) != 256 {
		t.Fatalf("records sized %d/%d, want 8/256", len(geom), len(desc))
	}
	if geom[4] != 4 || geom[7] != -1 || desc[0] != 7 || desc[255] != 9 {
		t.Errorf("records out of order: %v", geom)
	}
	if back := RecordsToKeypoints(geom, desc); !slices.Equal(back, kps) {
		t.Errorf("RecordsToKeypoints did not restore the keypoints")
	}
}

type fakeEvent struct {
	start, end int64
	err        error
}

func (e fakeEvent) Wait() error                  { return e.err }
func (e fakeEvent) Times() (int64, int64, error) { return e.start, e.end, e.err }

func TestProfilerReport(t *testing.T) {
	p := NewProfiler(true)
	p.Append("copy H->D", fakeEvent{start: 0, end: 100})
	p.Append("orientation_assignment 0 1", fakeEvent{start: 100, end: 400})
	p.Append("descriptors 0 1", fakeEvent{start: 400, end: 1000})
	p.Append("copy H->D", fakeEvent{start: 1000, end: 1050})
	p.Append("failed", fakeEvent{err: compute.NewStatusError("Run", compute.StatusProfilingInfoUnavailable)})

	if p.Len() != 5 {
		t.Fatalf("Len = %d, want 5", p.Len())
	}
	rep := p.Report()
	if rep.Total != 1050*time.Nanosecond {
		t.Errorf("Total = %v, want 1050ns", rep.Total)
	}
	if rep.Orientation != 300*time.Nanosecond || rep.Descriptors != 600*time.Nanosecond {
		t.Errorf("Orientation/Descriptors = %v/%v", rep.Orientation, rep.Descriptors)
	}
	if rep.ByLabel["copy H->D"] != 150*time.Nanosecond {
		t.Errorf("copy H->D = %v, want 150ns", rep.ByLabel["copy H->D"])
	}
	if want := []string{"copy H->D", "orientation_assignment 0 1", "descriptors 0 1"}; !slices.Equal(rep.Order, want) {
		t.Errorf("Order = %v, want %v", rep.Order, want)
	}

	p.Reset()
	if p.Len() != 0 || len(p.Events()) != 0 {
		t.Errorf("Reset left %d events", p.Len())
	}
}

func TestProfilerDisabled(t *testing.T) {
	p := NewProfiler(false)
	p.Append("copy H->D", fakeEvent{start: 0, end: 100})
	if p.Len() != 0 {
		t.Errorf("disabled profiler recorded %d events", p.Len())
	}
	if rep := p.Report(); rep.Total != 0 || len(rep.Order) != 0 {
		t.Errorf("disabled profiler reported %+v", rep)
	}
	p.Log(nil)
}

func TestProgramLadder(t *testing.T) {
	tests := []struct {
		name      string
		failBuild []string
		useCPU    bool
		want      DescriptorBackend
		wantErr   error
	}{
		{"all build", nil, false, Gpu2, nil},
		{"gpu2 fails", []string{"keypoints_gpu2"}, false, Gpu1, nil},
		{"both gpu fail", []string{"keypoints_gpu2", "keypoints_gpu1"}, false, Cpu, nil},
		{"cpu device", nil, true, Cpu, nil},
		{"cpu kernel fails", []string{"keypoints_cpu"}, true, Cpu, ErrCompileFailed},
		{"everything fails", []string{"keypoints_gpu2", "keypoints_gpu1", "keypoints_cpu"}, false, Cpu, ErrCompileFailed},
		{"image program fails", []string{"image"}, false, Gpu2, ErrCompileFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := host.NewContext(host.Config{Type: device.TypeGPU, FailBuild: tt.failBuild})
			defer ctx.Close()
			pc := newProgramCache(ctx, 128, DefaultParams())
			err := pc.buildAll(tt.useCPU)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("buildAll() = %v, want %v", err, tt.wantErr)
				}
				if !compute.IsBuildError(err) {
					t.Errorf("error %v does not carry the build error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("buildAll() = %v", err)
			}
			if pc.descriptor != tt.want {
				t.Errorf("descriptor backend = %v, want %v", pc.descriptor, tt.want)
			}
			if tt.want.LowEnd() != int(tt.want) {
				t.Errorf("LowEnd = %d", tt.want.LowEnd())
			}
		})
	}
}

func TestProgramDemote(t *testing.T) {
	ctx := host.NewContext(host.Config{Type: device.TypeGPU})
	defer ctx.Close()
	pc := newProgramCache(ctx, 128, DefaultParams())
	if err := pc.buildAll(false); err != nil {
		t.Fatal(err)
	}
	cause := errors.New("out of resources")
	if err := pc.demote(cause); err != nil {
		t.Fatalf("demote from gpu2: %v", err)
	}
	if pc.descriptor != Gpu1 {
		t.Fatalf("descriptor = %v, want gpu1", pc.descriptor)
	}
	if _, err := pc.kernel("keypoints_gpu1", "descriptor"); err != nil {
		t.Errorf("gpu1 kernel not built: %v", err)
	}
	if err := pc.demote(cause); err != nil || pc.descriptor != Cpu {
		t.Fatalf("demote from gpu1: %v, %v", err, pc.descriptor)
	}
	if err := pc.demote(cause); err != cause {
		t.Errorf("demote from cpu = %v, want the cause", err)
	}
}

func TestWorkgroupSize(t *testing.T) {
	tests := []struct {
		program string
		maxWG   int
		want    int
	}{
		{"convolution", 128, 128},
		{"convolution", 2048, 1024},
		{"orientation_gpu", 1024, 128},
		{"keypoints_cpu", 128, 1},
		{"keypoints_gpu2", 256, 256},
	}
	for _, tt := range tests {
		if got := workgroupSize(tt.program, tt.maxWG); got != tt.want {
			t.Errorf("workgroupSize(%s, %d) = %d, want %d", tt.program, tt.maxWG, got, tt.want)
		}
	}
}
