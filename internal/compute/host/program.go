package host

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/cwbudde/siftcl/internal/compute"
)

// KernelFunc executes one ND-range dispatch.
type KernelFunc func(c *Call) error

// registry maps program name to its kernels, mirroring the .cl files loaded
// by the OpenCL backend.
var registry = map[string]map[string]KernelFunc{
	"memset": {
		"memset_float": memsetFloat,
		"memset_int":   memsetInt,
	},
	"gaussian": {
		"gaussian": gaussianKernel,
	},
	"preprocess": {
		"u8_to_float":  u8ToFloat,
		"u16_to_float": u16ToFloat,
		"s32_to_float": s32ToFloat,
		"s64_to_float": s64ToFloat,
		"rgb_to_float": rgbToFloat,
		"normalizes":   normalizes,
		"shrink":       shrink,
	},
	"reductions": {
		"max_min_global_stage1": maxMinStage1,
		"max_min_global_stage2": maxMinStage2,
	},
	"convolution": {
		"horizontal_convolution": horizontalConvolution,
		"vertical_convolution":   verticalConvolution,
	},
	"algebra": {
		"combine": combine,
		"compact": compact,
	},
	"image": {
		"local_maxmin":                 localMaxMin,
		"interp_keypoint":              interpKeypoint,
		"compute_gradient_orientation": gradientOrientation,
	},
	"orientation_cpu": {"orientation_assignment": orientationAssignment},
	"orientation_gpu": {"orientation_assignment": orientationAssignment},
	"keypoints_cpu":   {"descriptor": descriptor},
	"keypoints_gpu1":  {"descriptor": descriptor},
	"keypoints_gpu2":  {"descriptor": descriptor},
}

// Programs returns the names of the programs the host device can build.
func Programs() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Program is a built set of host kernels.
type Program struct {
	ctx      *Context
	name     string
	defines  map[string]string
	kernels  map[string]KernelFunc
	released atomic.Bool
}

var _ compute.Program = (*Program)(nil)

// Name returns the program name.
func (p *Program) Name() string { return p.name }

// Kernel looks up an entry point.
func (p *Program) Kernel(name string) (compute.Kernel, error) {
	fn, ok := p.kernels[name]
	if !ok {
		return nil, compute.NewStatusError(p.name+"."+name, compute.StatusInvalidKernelName)
	}
	return &Kernel{prog: p, name: name, fn: fn}, nil
}

// Release marks the program unusable.
func (p *Program) Release() error {
	p.released.Store(true)
	return nil
}

// Kernel is a host kernel entry point.
type Kernel struct {
	prog *Program
	name string
	fn   KernelFunc
}

var _ compute.Kernel = (*Kernel)(nil)

func (k *Kernel) Name() string    { return k.name }
func (k *Kernel) Program() string { return k.prog.name }

// Build resolves a program from the registry. Options follow the OpenCL
// compiler syntax; only -D definitions and -cl-* flags are accepted.
// WORKGROUP_SIZE, when defined, must be a positive integer.
func (c *Context) Build(name, options string) (compute.Program, error) {
	if err := c.check("Build"); err != nil {
		return nil, err
	}
	kernels, ok := registry[name]
	if !ok {
		return nil, &compute.BuildError{
			Program: name,
			Options: options,
			Log:     fmt.Sprintf("no host implementation for program %q", name),
			Err:     compute.NewStatusError("Build", compute.StatusBuildProgramFailure),
		}
	}
	if slices.Contains(c.cfg.FailBuild, name) {
		return nil, &compute.BuildError{
			Program: name,
			Options: options,
			Log:     "build rejected by device configuration",
			Err:     compute.NewStatusError("Build", compute.StatusBuildProgramFailure),
		}
	}

	defines, err := parseOptions(options)
	if err != nil {
		return nil, &compute.BuildError{
			Program: name,
			Options: options,
			Log:     err.Error(),
			Err:     compute.NewStatusError("Build", compute.StatusInvalidBuildOptions),
		}
	}
	if v, ok := defines["WORKGROUP_SIZE"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, &compute.BuildError{
				Program: name,
				Options: options,
				Log:     fmt.Sprintf("WORKGROUP_SIZE must be a positive integer, got %q", v),
				Err:     compute.NewStatusError("Build", compute.StatusBuildProgramFailure),
			}
		}
	}
	return &Program{ctx: c, name: name, defines: defines, kernels: kernels}, nil
}

func parseOptions(options string) (map[string]string, error) {
	defines := make(map[string]string)
	fields := strings.Fields(options)
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		switch {
		case f == "-D":
			if i+1 >= len(fields) {
				return nil, fmt.Errorf("missing definition after -D")
			}
			i++
			addDefine(defines, fields[i])
		case strings.HasPrefix(f, "-D"):
			addDefine(defines, strings.TrimPrefix(f, "-D"))
		case strings.HasPrefix(f, "-cl-"):
		default:
			return nil, fmt.Errorf("unsupported build option %q", f)
		}
	}
	return defines, nil
}

func addDefine(defines map[string]string, def string) {
	name, value, ok := strings.Cut(def, "=")
	if !ok {
		value = "1"
	}
	defines[name] = value
}

// Call carries the ND-range and arguments of one dispatch. Argument
// accessors record the first mismatch in the call error and return zero
// values; kernels check Err before touching data.
type Call struct {
	Kernel string
	Global []int
	Local  []int

	defines map[string]string
	args    []any
	err     error
}

// Err returns the first argument error.
func (c *Call) Err() error { return c.err }

func (c *Call) fail(i int, want string) {
	if c.err == nil {
		c.err = fmt.Errorf("%w: argument %d is not %s",
			compute.NewStatusError(c.Kernel, compute.StatusInvalidKernelArgs), i, want)
	}
}

func (c *Call) buffer(i int) *Buffer {
	if i >= len(c.args) {
		c.fail(i, "present")
		return nil
	}
	b, ok := c.args[i].(*Buffer)
	if !ok {
		c.fail(i, "a buffer")
		return nil
	}
	return b
}

func bufferArg[T element](c *Call, i int) []T {
	b := c.buffer(i)
	if b == nil {
		return nil
	}
	return view[T](b)
}

func (c *Call) floats(i int) []float32 { return bufferArg[float32](c, i) }
func (c *Call) ints(i int) []int32     { return bufferArg[int32](c, i) }
func (c *Call) bytes(i int) []uint8    { return bufferArg[uint8](c, i) }

func (c *Call) intArg(i int) int {
	if i >= len(c.args) {
		c.fail(i, "present")
		return 0
	}
	switch v := c.args[i].(type) {
	case int32:
		return int(v)
	case uint32:
		return int(v)
	}
	c.fail(i, "an integer")
	return 0
}

func (c *Call) floatArg(i int) float32 {
	if i >= len(c.args) {
		c.fail(i, "present")
		return 0
	}
	v, ok := c.args[i].(float32)
	if !ok {
		c.fail(i, "a float")
		return 0
	}
	return v
}

// defineInt returns a compile-time integer definition or the fallback.
func (c *Call) defineInt(name string, fallback int) int {
	if v, ok := c.defines[name]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// defineFloat returns a compile-time float definition or the fallback.
func (c *Call) defineFloat(name string, fallback float32) float32 {
	if v, ok := c.defines[name]; ok {
		if f, err := strconv.ParseFloat(strings.TrimSuffix(v, "f"), 32); err == nil {
			return float32(f)
		}
	}
	return fallback
}
