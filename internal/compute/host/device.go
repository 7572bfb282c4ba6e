// Package host implements compute.Context entirely in Go. It emulates an
// OpenCL device closely enough for the SIFT pipeline: programs are looked up
// in a registry of Go kernels, dispatches are validated against the emulated
// device limits, and an in-order queue executes commands on a worker
// goroutine.
package host

import (
	"fmt"
	"runtime"
	"slices"
	"sync"

	"github.com/cwbudde/siftcl/internal/compute"
	"github.com/cwbudde/siftcl/internal/device"
	"golang.org/x/sys/cpu"
)

const (
	defaultName     = "siftcl host device"
	defaultPlatform = "siftcl host"
	vendor          = "siftcl"
)

// Config describes the emulated device.
type Config struct {
	Name             string      `yaml:"name" json:"name"`
	Platform         string      `yaml:"platform" json:"platform"`
	Type             device.Type `yaml:"type" json:"type"`
	GlobalMemory     uint64      `yaml:"globalMemory" json:"globalMemory"`
	ComputeUnits     uint32      `yaml:"computeUnits" json:"computeUnits"`
	ClockMHz         uint32      `yaml:"clockMHz" json:"clockMHz"`
	MaxWorkGroupSize int         `yaml:"maxWorkGroupSize" json:"maxWorkGroupSize"`
	MaxWorkItemSizes []int       `yaml:"maxWorkItemSizes" json:"maxWorkItemSizes"`

	// FailBuild lists programs whose build is rejected.
	FailBuild []string `yaml:"failBuild,omitempty" json:"failBuild,omitempty"`
	// FailDispatch lists programs whose dispatches are rejected at enqueue time.
	FailDispatch []string `yaml:"failDispatch,omitempty" json:"failDispatch,omitempty"`
}

// DefaultConfig returns a CPU-class device sized after the current machine.
func DefaultConfig() Config {
	return Config{
		Name:             defaultName,
		Platform:         defaultPlatform,
		Type:             device.TypeCPU,
		GlobalMemory:     4 << 30,
		ComputeUnits:     uint32(runtime.NumCPU()),
		ClockMHz:         1000,
		MaxWorkGroupSize: 1024,
		MaxWorkItemSizes: []int{1024, 1024, 64},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.Platform == "" {
		c.Platform = def.Platform
	}
	if c.Type == "" {
		c.Type = def.Type
	}
	if c.GlobalMemory == 0 {
		c.GlobalMemory = def.GlobalMemory
	}
	if c.ComputeUnits == 0 {
		c.ComputeUnits = def.ComputeUnits
	}
	if c.ClockMHz == 0 {
		c.ClockMHz = def.ClockMHz
	}
	if c.MaxWorkGroupSize <= 0 {
		c.MaxWorkGroupSize = def.MaxWorkGroupSize
	}
	if len(c.MaxWorkItemSizes) == 0 {
		c.MaxWorkItemSizes = []int{c.MaxWorkGroupSize, c.MaxWorkGroupSize, min(c.MaxWorkGroupSize, 64)}
	}
	return c
}

// Platforms returns the inventory view of the emulated device.
func (c Config) Platforms() []device.PlatformInfo {
	c = c.withDefaults()
	info := device.DeviceInfo{
		Name:             c.Name,
		Vendor:           vendor,
		Version:          "OpenCL 1.2 " + vendor,
		DriverVersion:    runtime.Version(),
		Type:             c.Type,
		Extensions:       hostExtensions(),
		GlobalMemory:     c.GlobalMemory,
		Available:        true,
		MaxComputeUnits:  c.ComputeUnits,
		MaxClockMHz:      c.ClockMHz,
		MaxWorkGroupSize: c.MaxWorkGroupSize,
		MaxWorkItemSizes: slices.Clone(c.MaxWorkItemSizes),
	}
	return []device.PlatformInfo{{
		Name:       c.Platform,
		Vendor:     vendor,
		Version:    "OpenCL 1.2 " + vendor,
		Extensions: device.ParseExtensions("cl_khr_icd"),
		Devices:    []device.DeviceInfo{info},
	}}
}

// Prober returns a device prober reporting only the emulated device.
func (c Config) Prober() device.Prober {
	return func() ([]device.PlatformInfo, error) {
		return c.Platforms(), nil
	}
}

func hostExtensions() device.ExtensionSet {
	ext := device.ParseExtensions("cl_khr_fp64 cl_khr_byte_addressable_store " +
		"cl_khr_global_int32_base_atomics cl_khr_local_int32_base_atomics " +
		"cl_khr_int64_base_atomics cl_khr_int64_extended_atomics")
	switch {
	case cpu.X86.HasAVX2:
		ext.Add("cl_siftcl_host_avx2")
	case cpu.ARM64.HasASIMD:
		ext.Add("cl_siftcl_host_neon")
	}
	return ext
}

// Context is the emulated device context.
type Context struct {
	cfg      Config
	platform device.PlatformInfo
	info     device.DeviceInfo

	mu         sync.Mutex
	allocated  uint64
	dispatches map[string]int
	closed     bool
}

var _ compute.Context = (*Context)(nil)

// NewContext creates a context on the emulated device.
func NewContext(cfg Config) *Context {
	cfg = cfg.withDefaults()
	inv := device.NewInventory(cfg.Platforms())
	platform := inv.Platforms()[0]
	return &Context{
		cfg:        cfg,
		platform:   platform,
		info:       platform.Devices[0],
		dispatches: make(map[string]int),
	}
}

// Platform returns the emulated platform record.
func (c *Context) Platform() device.PlatformInfo { return c.platform }

// Info returns the emulated device record.
func (c *Context) Info() device.DeviceInfo { return c.info }

// NewQueue creates an in-order queue.
func (c *Context) NewQueue(profile bool) (compute.Queue, error) {
	if err := c.check("NewQueue"); err != nil {
		return nil, err
	}
	return newQueue(c, profile), nil
}

// Alloc reserves size bytes of emulated device memory.
func (c *Context) Alloc(size int) (compute.Buffer, error) {
	if size <= 0 {
		return nil, compute.NewStatusError("Alloc", compute.StatusInvalidBufferSize)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("Alloc: %w", compute.ErrReleased)
	}
	if c.allocated+uint64(size) > c.cfg.GlobalMemory {
		return nil, compute.NewStatusError("Alloc", compute.StatusMemObjectAllocFailure)
	}
	c.allocated += uint64(size)
	return newBuffer(c, size), nil
}

// Allocated returns the number of bytes currently held by live buffers.
func (c *Context) Allocated() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocated
}

// Dispatches returns how many kernels of the given program were enqueued.
func (c *Context) Dispatches(program string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatches[program]
}

// Close releases the context. Buffers still alive are accounted as freed.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.allocated = 0
	return nil
}

func (c *Context) check(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%s: %w", op, compute.ErrReleased)
	}
	return nil
}

func (c *Context) free(size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.allocated -= uint64(size)
}

func (c *Context) countDispatch(program string) {
	c.mu.Lock()
	c.dispatches[program]++
	c.mu.Unlock()
}
