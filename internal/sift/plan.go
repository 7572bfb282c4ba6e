// Package sift implements the SIFT keypoint extraction pipeline on top of
// a compute device.
//
// A Pipeline is built for one image shape and element type. Construction
// selects a device, estimates and allocates every device buffer, builds the
// kernel programs and uploads the Gaussian kernels; Detect then only
// enqueues dispatches and reads back small counters and the final
// keypoints.
package sift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cwbudde/siftcl/internal/compute"
	"github.com/cwbudde/siftcl/internal/compute/host"
	"github.com/cwbudde/siftcl/internal/compute/opencl"
	"github.com/cwbudde/siftcl/internal/device"
)

// Config describes a pipeline.
type Config struct {
	// Shape and Type of the images passed to Detect. Template, when set,
	// provides both.
	Shape    Shape
	Type     ImageType
	Template *Image

	// Backend is "host" or "opencl".
	Backend    compute.Backend
	DeviceKind device.Kind
	// DeviceID overrides kind-based selection.
	DeviceID *device.Selection
	// Context reuses an existing device context. The pipeline does not
	// close it.
	Context   compute.Context
	KernelDir string
	Host      host.Config

	PixPerKP         int
	MaxWorkgroupSize int
	InitSigma        float32
	Profile          bool
	Params           Params
}

// DefaultConfig returns a host-backend configuration for a w×h float image.
func DefaultConfig(w, h int) Config {
	return Config{
		Shape:            Shape{Width: w, Height: h, Channels: 1},
		Type:             Float32,
		Backend:          compute.BackendHost,
		DeviceKind:       device.KindAny,
		Host:             host.DefaultConfig(),
		PixPerKP:         10,
		MaxWorkgroupSize: 128,
		InitSigma:        1.6,
		Params:           DefaultParams(),
	}
}

func (c Config) withDefaults() (Config, error) {
	if c.Template != nil {
		c.Shape = c.Template.Shape
		c.Type = c.Template.Type
	}
	if c.Shape.Channels == 0 {
		c.Shape.Channels = 1
	}
	if c.Type == "" {
		c.Type = Float32
	}
	if c.Backend == "" {
		c.Backend = compute.BackendHost
	}
	c.Backend = compute.NormalizeBackend(string(c.Backend))
	if c.DeviceKind == "" {
		c.DeviceKind = device.KindAny
	}
	if c.PixPerKP <= 0 {
		c.PixPerKP = 10
	}
	if c.MaxWorkgroupSize <= 0 {
		c.MaxWorkgroupSize = 128
	}
	if c.InitSigma <= 0 {
		c.InitSigma = 1.6
	}
	if c.Params == (Params{}) {
		c.Params = DefaultParams()
	}
	if err := checkFormat(c.Shape, c.Type); err != nil {
		return c, err
	}
	if err := c.Params.Validate(); err != nil {
		return c, fmt.Errorf("invalid parameters: %w", err)
	}
	return c, nil
}

// Pipeline owns the device resources for one image shape. Detect calls are
// serialized.
type Pipeline struct {
	mu sync.Mutex

	cfg         Config
	ctx         compute.Context
	ownsContext bool
	queue       compute.Queue
	platform    device.PlatformInfo
	info        device.DeviceInfo

	maxWG    int
	useCPU   bool
	octaves  []OctaveShape
	work     []WorkSize
	capacity int
	redSize  int
	blur     blurPlan

	pool     *bufferPool
	bufs     *buffers
	programs *programCache
	kernels  *kernelCache
	profiler *Profiler

	peak, edge0, edge float32
	counts            []int
	closed            bool
}

// NewPipeline selects a device and allocates everything Detect needs.
func NewPipeline(ctx context.Context, cfg Config) (*Pipeline, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	dev, owns, err := openContext(cfg)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		cfg:         cfg,
		ctx:         dev,
		ownsContext: owns,
		platform:    dev.Platform(),
		info:        dev.Info(),
		peak:        cfg.Params.PeakThresh,
		edge0:       cfg.Params.EdgeThresh0,
		edge:        cfg.Params.EdgeThresh,
		profiler:    NewProfiler(cfg.Profile),
		kernels:     newKernelCache(),
	}
	if err := p.init(ctx); err != nil {
		p.release()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) init(ctx context.Context) error {
	cfg := p.cfg
	p.maxWG = EffectiveMaxWG(p.platform, p.info, cfg.MaxWorkgroupSize)
	p.useCPU = p.info.Type == device.TypeCPU || p.maxWG == 1
	p.octaves = ScalePyramid(cfg.Shape.Width, cfg.Shape.Height, cfg.Params.BorderDist)
	p.work = PlanWorkSizes(p.octaves, p.maxWG)
	p.capacity = Capacity(cfg.Shape, cfg.PixPerKP)
	p.redSize = reductionSize(cfg.Shape, p.maxWG)
	p.blur = newBlurPlan(cfg.Params, cfg.InitSigma)

	layout := MemoryLayout{PixPerKP: cfg.PixPerKP, MaxWG: p.maxWG, InitSigma: cfg.InitSigma}
	need := EstimateMemory(cfg.Shape, cfg.Type, cfg.Params, layout)
	if p.info.GlobalMemory > 0 && need > p.info.GlobalMemory {
		return fmt.Errorf("%w: need %d bytes, device %q has %d", ErrInsufficientMemory, need, p.info.Name, p.info.GlobalMemory)
	}

	slog.Info("Building SIFT pipeline",
		"device", p.info.Name,
		"platform", p.platform.Name,
		"shape", cfg.Shape.String(),
		"type", cfg.Type,
		"octaves", len(p.octaves),
		"maxWorkgroupSize", p.maxWG,
		"cpuKernels", p.useCPU,
		"memory", need,
	)

	queue, err := p.ctx.NewQueue(cfg.Profile)
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}
	p.queue = queue

	p.pool = newBufferPool(p.ctx)
	p.bufs, err = allocBuffers(p.pool, cfg.Shape, cfg.Type, cfg.Params, p.capacity, p.redSize)
	if err != nil {
		return err
	}
	p.programs = newProgramCache(p.ctx, p.maxWG, cfg.Params)
	if err := p.programs.buildAll(p.useCPU); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.kernels.load(p, p.blur.sigmas()); err != nil {
		return err
	}
	if err := p.setConstant(); err != nil {
		return err
	}
	return p.sync()
}

func (p *Pipeline) setConstant() error {
	ev, err := p.queue.Write(p.bufs.c255, []float32{255})
	if err != nil {
		return dispatchError("copy 255", err)
	}
	p.profiler.Append("copy H->D", ev)
	return nil
}

// openContext returns the device context and whether the pipeline owns it.
func openContext(cfg Config) (compute.Context, bool, error) {
	if cfg.Context != nil {
		return cfg.Context, false, nil
	}
	// the effective ceiling is not known before selection; the configured
	// one bounds the reduction buffer from above
	need := EstimateMemory(cfg.Shape, cfg.Type, cfg.Params, MemoryLayout{
		PixPerKP:  cfg.PixPerKP,
		MaxWG:     cfg.MaxWorkgroupSize,
		InitSigma: cfg.InitSigma,
	})
	switch cfg.Backend {
	case compute.BackendHost:
		inv := device.NewInventory(cfg.Host.Platforms())
		if _, err := selectDevice(inv, cfg.DeviceKind, cfg.DeviceID, need); err != nil {
			return nil, false, err
		}
		return host.NewContext(cfg.Host), true, nil
	case compute.BackendOpenCL:
		if !opencl.Available() {
			return nil, false, fmt.Errorf("%w: %w", ErrNoDeviceAvailable, device.ErrNotBuilt)
		}
		sel, err := selectDevice(device.Default(), cfg.DeviceKind, cfg.DeviceID, need)
		if err != nil {
			return nil, false, err
		}
		dev, err := opencl.NewContext(opencl.Options{Selection: sel, KernelDir: cfg.KernelDir})
		if err != nil {
			return nil, false, err
		}
		return dev, true, nil
	default:
		return nil, false, fmt.Errorf("%w: %q (supported: %v)", compute.ErrUnknownBackend, cfg.Backend, compute.SupportedBackends())
	}
}

// selectDevice honours an explicit id, otherwise picks the fastest device
// of the requested kind with at least need bytes of global memory and
// falls back to any kind with a warning. When only the memory requirement
// rules every device out, the error wraps ErrInsufficientMemory.
func selectDevice(inv *device.Inventory, kind device.Kind, id *device.Selection, need uint64) (device.Selection, error) {
	if id != nil {
		if _, _, err := inv.Lookup(*id); err != nil {
			return device.Selection{}, err
		}
		return *id, nil
	}
	sel, err := inv.Select(device.Criteria{Kind: kind, MinMemory: need, Best: true})
	if err == nil {
		return sel, nil
	}
	if kind != device.KindAny && kind != device.KindDefault {
		relaxed, relaxErr := inv.Select(device.Criteria{Kind: device.KindAny, MinMemory: need, Best: true})
		if relaxErr == nil {
			_, info, _ := inv.Lookup(relaxed)
			slog.Warn("No device of requested kind, falling back",
				"kind", kind,
				"device", info.Name,
				"selection", relaxed.String(),
				"memory", need,
			)
			return relaxed, nil
		}
		err = errors.Join(err, relaxErr)
	}
	if fastest, ferr := inv.Select(device.Criteria{Kind: device.KindAny, Best: true}); ferr == nil {
		_, info, _ := inv.Lookup(fastest)
		return device.Selection{}, fmt.Errorf("%w: need %d bytes, device %q has %d: %w",
			ErrInsufficientMemory, need, info.Name, info.GlobalMemory, err)
	}
	return device.Selection{}, err
}

// Info returns the selected device.
func (p *Pipeline) Info() device.DeviceInfo { return p.info }

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Octaves returns the octave shapes searched by Detect.
func (p *Pipeline) Octaves() []OctaveShape { return append([]OctaveShape(nil), p.octaves...) }

// WorkSizes returns the per-octave ND-ranges.
func (p *Pipeline) WorkSizes() []WorkSize { return append([]WorkSize(nil), p.work...) }

// MaxWorkgroupSize returns the effective workgroup ceiling.
func (p *Pipeline) MaxWorkgroupSize() int { return p.maxWG }

// Capacity returns the keypoint capacity per octave.
func (p *Pipeline) Capacity() int { return p.capacity }

// UsesCPUKernels reports whether the single work-item orientation and
// descriptor kernels are used.
func (p *Pipeline) UsesCPUKernels() bool { return p.useCPU }

// DescriptorBackend returns the current descriptor variant.
func (p *Pipeline) DescriptorBackend() DescriptorBackend {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.programs.descriptor
}

// Stats returns buffer pool statistics.
func (p *Pipeline) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool == nil {
		return PoolStats{}
	}
	st := p.pool.stats()
	p.kernels.addStats(&st)
	return st
}

// OctaveCounts returns the keypoints found per octave by the last Detect.
func (p *Pipeline) OctaveCounts() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.counts...)
}

// Profile returns the profiler of the pipeline.
func (p *Pipeline) Profile() *Profiler { return p.profiler }

// ResetProfile clears the recorded events.
func (p *Pipeline) ResetProfile() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profiler.Reset()
}

// SetThresholds changes the detection thresholds used by later Detect
// calls.
func (p *Pipeline) SetThresholds(peak, edge0, edge float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peak, p.edge0, p.edge = peak, edge0, edge
}

// Close releases every device resource. It is safe to call more than once.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.release()
}

func (p *Pipeline) release() error {
	var errs []error
	if p.queue != nil {
		if err := p.queue.Finish(); err != nil {
			slog.Debug("Queue drained with error", "error", err)
		}
	}
	if p.pool != nil {
		errs = append(errs, p.pool.release())
	}
	if p.kernels != nil {
		clear(p.kernels.entries)
	}
	if p.programs != nil {
		p.programs.release()
	}
	if p.queue != nil {
		errs = append(errs, p.queue.Release())
		p.queue = nil
	}
	if p.ownsContext && p.ctx != nil {
		errs = append(errs, p.ctx.Close())
	}
	p.ctx = nil
	return errors.Join(errs...)
}

// sync waits for the queue and clears any failure it recorded.
func (p *Pipeline) sync() error {
	if err := p.queue.Finish(); err != nil {
		return dispatchError("finish", err)
	}
	return nil
}

func dispatchError(stage string, err error) error {
	if errors.Is(err, ErrDispatchFailed) || errors.Is(err, ErrCompileFailed) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrDispatchFailed, stage, err)
}
