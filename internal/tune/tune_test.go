package tune

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/cwbudde/siftcl/internal/sift"
)

// Sphere function: f(x) = sum(x_i^2), minimum at origin
func sphere(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return sum
}

func TestMayflyOnSphere(t *testing.T) {
	optimizer := NewMayfly(100, 20, 42)

	lower := []float64{-10, -10, -10}
	upper := []float64{10, 10, 10}
	best, cost, err := optimizer.Run(sphere, lower, upper)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(best) != 3 {
		t.Fatalf("Expected 3 parameters, got %d", len(best))
	}
	if cost > 0.1 {
		t.Errorf("Expected cost near 0, got %f", cost)
	}
	for i, v := range best {
		if math.Abs(v) > 1.0 {
			t.Errorf("Parameter %d = %f, expected near 0", i, v)
		}
	}
}

func TestMayflyAsymmetricBounds(t *testing.T) {
	// minimum at (3, 0.05), outside the unit cube in the first dimension
	f := func(x []float64) float64 {
		return (x[0]-3)*(x[0]-3) + 100*(x[1]-0.05)*(x[1]-0.05)
	}
	best, _, err := NewMayfly(80, 20, 7).Run(f, []float64{0.5, 0.01}, []float64{20, 0.2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if math.Abs(best[0]-3) > 0.5 || math.Abs(best[1]-0.05) > 0.02 {
		t.Errorf("best = %v, want near (3, 0.05)", best)
	}
	if best[0] < 0.5 || best[0] > 20 || best[1] < 0.01 || best[1] > 0.2 {
		t.Errorf("best %v outside the box", best)
	}
}

func TestMayflyDeterministic(t *testing.T) {
	lower := []float64{-5, -5}
	upper := []float64{5, 5}

	_, cost1, _ := NewMayfly(50, 20, 123).Run(sphere, lower, upper)
	_, cost2, _ := NewMayfly(50, 20, 123).Run(sphere, lower, upper)
	if cost1 != cost2 {
		t.Errorf("Non-deterministic: cost1=%f, cost2=%f", cost1, cost2)
	}
}

func TestMayflyBadBounds(t *testing.T) {
	if _, _, err := NewMayfly(10, 20, 1).Run(sphere, []float64{1}, []float64{0}); err == nil {
		t.Error("expected an error for inverted bounds")
	}
	if _, _, err := NewMayfly(10, 20, 1).Run(sphere, nil, nil); err == nil {
		t.Error("expected an error for empty bounds")
	}
}

// fakeDetector yields 1000/peak keypoints per image.
type fakeDetector struct {
	peak, edge0, edge float32
	calls             int
	err               error
}

func (f *fakeDetector) SetThresholds(peak, edge0, edge float32) {
	f.peak, f.edge0, f.edge = peak, edge0, edge
}

func (f *fakeDetector) Detect(context.Context, *sift.Image) ([]sift.Keypoint, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return make([]sift.Keypoint, int(1000/f.peak)), nil
}

func testImage(t *testing.T) *sift.Image {
	t.Helper()
	img, err := sift.NewImage(sift.Shape{Width: 16, Height: 16}, sift.Float32)
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func TestTunerFindsTarget(t *testing.T) {
	det := &fakeDetector{}
	tuner, err := New(det, sift.DefaultParams(), DefaultOptions(100))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := tuner.Run(context.Background(), []*sift.Image{testImage(t), testImage(t)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if math.Abs(res.MeanCount-100) > 10 {
		t.Errorf("mean count %g, want about 100 (peak %g)", res.MeanCount, res.PeakThresh)
	}
	if det.peak != res.PeakThresh || det.edge != res.EdgeThresh {
		t.Errorf("detector left at (%g, %g), result (%g, %g)", det.peak, det.edge, res.PeakThresh, res.EdgeThresh)
	}
	p := sift.DefaultParams()
	wantEdge0 := res.EdgeThresh * p.EdgeThresh0 / p.EdgeThresh
	if math.Abs(float64(res.EdgeThresh0-wantEdge0)) > 1e-6 {
		t.Errorf("edge0 = %g, want %g", res.EdgeThresh0, wantEdge0)
	}
	if res.Evaluations == 0 || det.calls < 2*res.Evaluations {
		t.Errorf("evaluations %d, detect calls %d", res.Evaluations, det.calls)
	}
}

func TestTunerErrors(t *testing.T) {
	if _, err := New(&fakeDetector{}, sift.DefaultParams(), Options{}); err == nil {
		t.Error("New accepted a zero target")
	}

	tuner, _ := New(&fakeDetector{}, sift.DefaultParams(), DefaultOptions(10))
	if _, err := tuner.Run(context.Background(), nil); err == nil {
		t.Error("Run accepted no images")
	}

	boom := errors.New("device lost")
	tuner, _ = New(&fakeDetector{err: boom}, sift.DefaultParams(), DefaultOptions(10))
	if _, err := tuner.Run(context.Background(), []*sift.Image{testImage(t)}); !errors.Is(err, boom) {
		t.Errorf("Run() = %v, want %v", err, boom)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	det := &fakeDetector{}
	tuner, _ = New(det, sift.DefaultParams(), DefaultOptions(10))
	if _, err := tuner.Run(ctx, []*sift.Image{testImage(t)}); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
	if det.calls != 0 {
		t.Errorf("cancelled run called Detect %d times", det.calls)
	}
}

func TestTunerOnPipeline(t *testing.T) {
	cfg := sift.DefaultConfig(64, 64)
	p, err := sift.NewPipeline(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	defer p.Close()

	img, _ := sift.NewImage(sift.Shape{Width: 64, Height: 64}, sift.Float32)
	pix := img.Pix.([]float32)
	for y := 28; y <= 34; y++ {
		for x := 28; x <= 34; x++ {
			pix[y*64+x] = 1
		}
	}

	opts := DefaultOptions(1)
	opts.Iters = 2
	tuner, err := New(p, cfg.Params, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := tuner.Run(context.Background(), []*sift.Image{img})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.PeakThresh < 0.5 || res.PeakThresh > 20 {
		t.Errorf("peak threshold %g outside the search box", res.PeakThresh)
	}
}
