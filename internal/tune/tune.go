// Package tune searches detection thresholds that yield a target number of
// keypoints.
package tune

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cwbudde/siftcl/internal/sift"
)

// Detector is the part of a pipeline the tuner drives.
type Detector interface {
	SetThresholds(peak, edge0, edge float32)
	Detect(ctx context.Context, img *sift.Image) ([]sift.Keypoint, error)
}

// Options configure a search.
type Options struct {
	// Target is the wanted mean keypoint count per image.
	Target  int
	Iters   int
	PopSize int
	Seed    int64

	PeakRange [2]float64
	EdgeRange [2]float64
}

// DefaultOptions returns the search box used by the CLI.
func DefaultOptions(target int) Options {
	return Options{
		Target:    target,
		Iters:     20,
		PopSize:   minPopulation,
		Seed:      1,
		PeakRange: [2]float64{0.5, 20},
		EdgeRange: [2]float64{0.01, 0.2},
	}
}

// Result is the outcome of a search.
type Result struct {
	PeakThresh  float32       `json:"peakThresh"`
	EdgeThresh  float32       `json:"edgeThresh"`
	EdgeThresh0 float32       `json:"edgeThresh0"`
	MeanCount   float64       `json:"meanCount"`
	Cost        float64       `json:"cost"`
	Evaluations int           `json:"evaluations"`
	Duration    time.Duration `json:"duration"`
}

// Tuner runs threshold searches against one detector.
type Tuner struct {
	det  Detector
	base sift.Params
	opts Options
	opt  Optimizer
}

// New creates a tuner. base supplies the edge threshold ratio between the
// first octave and the others.
func New(det Detector, base sift.Params, opts Options) (*Tuner, error) {
	if opts.Target <= 0 {
		return nil, fmt.Errorf("target must be positive, got %d", opts.Target)
	}
	if opts.PeakRange == ([2]float64{}) {
		opts.PeakRange = DefaultOptions(opts.Target).PeakRange
	}
	if opts.EdgeRange == ([2]float64{}) {
		opts.EdgeRange = DefaultOptions(opts.Target).EdgeRange
	}
	if opts.Iters <= 0 {
		opts.Iters = DefaultOptions(opts.Target).Iters
	}
	return &Tuner{
		det:  det,
		base: base,
		opts: opts,
		opt:  NewMayfly(opts.Iters, opts.PopSize, opts.Seed),
	}, nil
}

// thresholds maps a search position to (peak, edge0, edge).
func (t *Tuner) thresholds(x []float64) (float32, float32, float32) {
	peak, edge := float32(x[0]), float32(x[1])
	edge0 := edge
	if t.base.EdgeThresh > 0 {
		edge0 = edge * t.base.EdgeThresh0 / t.base.EdgeThresh
	}
	return peak, edge0, edge
}

// Run searches thresholds over images and leaves the detector configured
// with the best ones found.
func (t *Tuner) Run(ctx context.Context, images []*sift.Image) (Result, error) {
	if len(images) == 0 {
		return Result{}, errors.New("no images to tune on")
	}
	start := time.Now()
	target := float64(t.opts.Target)

	var (
		evals    int
		firstErr error
	)
	mean := func(x []float64) (float64, error) {
		t.det.SetThresholds(t.thresholds(x))
		total := 0
		for _, img := range images {
			kps, err := t.det.Detect(ctx, img)
			if err != nil {
				return 0, err
			}
			total += len(kps)
		}
		return float64(total) / float64(len(images)), nil
	}
	eval := func(x []float64) float64 {
		if firstErr != nil || ctx.Err() != nil {
			return math.Inf(1)
		}
		evals++
		m, err := mean(x)
		if err != nil {
			firstErr = err
			return math.Inf(1)
		}
		return math.Abs(m-target) / target
	}

	lower := []float64{t.opts.PeakRange[0], t.opts.EdgeRange[0]}
	upper := []float64{t.opts.PeakRange[1], t.opts.EdgeRange[1]}
	best, cost, err := t.opt.Run(eval, lower, upper)
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if firstErr != nil {
		return Result{}, fmt.Errorf("detect: %w", firstErr)
	}

	count, err := mean(best)
	if err != nil {
		return Result{}, fmt.Errorf("detect: %w", err)
	}
	peak, edge0, edge := t.thresholds(best)
	res := Result{
		PeakThresh:  peak,
		EdgeThresh:  edge,
		EdgeThresh0: edge0,
		MeanCount:   count,
		Cost:        cost,
		Evaluations: evals,
		Duration:    time.Since(start),
	}
	slog.Info("Threshold search finished",
		"peakThresh", peak,
		"edgeThresh", edge,
		"meanCount", count,
		"target", t.opts.Target,
		"evaluations", evals,
		"duration", res.Duration,
	)
	return res, nil
}
