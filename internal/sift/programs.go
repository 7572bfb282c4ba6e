package sift

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cwbudde/siftcl/internal/compute"
)

// kernelLimit is the largest local size a program supports. Tuple limits
// describe 3-D descriptor kernels.
type kernelLimit struct {
	scalar int
	tuple  [3]int
}

var kernelTable = map[string]kernelLimit{
	"convolution":     {scalar: 1024},
	"preprocess":      {scalar: 1024},
	"algebra":         {scalar: 1024},
	"image":           {scalar: 1024},
	"gaussian":        {scalar: 1024},
	"reductions":      {scalar: 1024},
	"memset":          {scalar: 1024},
	"orientation_cpu": {scalar: 1},
	"keypoints_cpu":   {scalar: 1},
	"orientation_gpu": {scalar: 128},
	"keypoints_gpu1":  {tuple: [3]int{8, 4, 4}},
	"keypoints_gpu2":  {tuple: [3]int{8, 8, 8}},
}

var basePrograms = []string{"memset", "gaussian", "preprocess", "reductions", "convolution", "algebra", "image"}

// workgroupSize is the WORKGROUP_SIZE a program is compiled with.
func workgroupSize(program string, maxWG int) int {
	lim := kernelTable[program]
	if lim.scalar == 0 {
		return maxWG
	}
	return min(lim.scalar, maxWG)
}

// DescriptorBackend selects the descriptor kernel. Lower variants are
// slower but build on more devices; the pipeline only ever moves down.
type DescriptorBackend int

const (
	Gpu2 DescriptorBackend = iota
	Gpu1
	Cpu
)

var descriptorTable = [...]struct {
	program string
	local   [3]int
}{
	Gpu2: {program: "keypoints_gpu2", local: [3]int{8, 8, 8}},
	Gpu1: {program: "keypoints_gpu1", local: [3]int{8, 4, 4}},
	Cpu:  {program: "keypoints_cpu", local: [3]int{1, 1, 1}},
}

func (b DescriptorBackend) String() string {
	switch b {
	case Gpu2:
		return "gpu2"
	case Gpu1:
		return "gpu1"
	case Cpu:
		return "cpu"
	}
	return fmt.Sprintf("DescriptorBackend(%d)", int(b))
}

// LowEnd is the number of demotions from Gpu2.
func (b DescriptorBackend) LowEnd() int { return int(b) }

// Program returns the name of the program implementing the variant.
func (b DescriptorBackend) Program() string { return descriptorTable[b].program }

// ranges returns the descriptor ND-range for n keypoints.
func (b DescriptorBackend) ranges(n int) (global, local []int) {
	l := descriptorTable[b].local
	if b == Cpu {
		return []int{max(n, 1)}, []int{1}
	}
	return []int{max(n, 1) * l[0], l[1], l[2]}, l[:]
}

// programCache builds and retains the programs of a pipeline.
type programCache struct {
	ctx     compute.Context
	maxWG   int
	defines string

	progs   map[string]compute.Program
	kernels map[string]compute.Kernel

	orientation string
	descriptor  DescriptorBackend
}

func newProgramCache(ctx compute.Context, maxWG int, p Params) *programCache {
	return &programCache{
		ctx:     ctx,
		maxWG:   maxWG,
		defines: p.defines(),
		progs:   make(map[string]compute.Program),
		kernels: make(map[string]compute.Kernel),
	}
}

func (pc *programCache) options(program string) string {
	return fmt.Sprintf("-D WORKGROUP_SIZE=%d %s", workgroupSize(program, pc.maxWG), pc.defines)
}

func (pc *programCache) build(program string) error {
	if _, ok := pc.progs[program]; ok {
		return nil
	}
	prog, err := pc.ctx.Build(program, pc.options(program))
	if err != nil {
		return err
	}
	pc.progs[program] = prog
	return nil
}

// buildAll compiles every program the pipeline dispatches. useCPU selects
// the single work-item orientation and descriptor variants.
func (pc *programCache) buildAll(useCPU bool) error {
	for _, name := range basePrograms {
		if err := pc.build(name); err != nil {
			return fmt.Errorf("%w: %w", ErrCompileFailed, err)
		}
	}

	pc.orientation = "orientation_gpu"
	if useCPU {
		pc.orientation = "orientation_cpu"
	}
	if err := pc.build(pc.orientation); err != nil {
		return fmt.Errorf("%w: %w", ErrCompileFailed, err)
	}

	pc.descriptor = Gpu2
	if useCPU {
		pc.descriptor = Cpu
	}
	return pc.ensureDescriptor()
}

// ensureDescriptor builds the current descriptor program, demoting on
// build failures. Failing to build keypoints_cpu is fatal.
func (pc *programCache) ensureDescriptor() error {
	for {
		err := pc.build(pc.descriptor.Program())
		if err == nil {
			return nil
		}
		if pc.descriptor == Cpu || !compute.IsBuildError(err) {
			return fmt.Errorf("%w: %w", ErrCompileFailed, err)
		}
		var be *compute.BuildError
		errors.As(err, &be)
		slog.Warn("Descriptor program failed to build, falling back",
			"program", pc.descriptor.Program(),
			"fallback", descriptorTable[pc.descriptor+1].program,
			"log", be.Log,
		)
		pc.descriptor++
	}
}

// demote moves to the next descriptor variant after a dispatch failure.
func (pc *programCache) demote(cause error) error {
	if pc.descriptor == Cpu {
		return cause
	}
	slog.Warn("Descriptor dispatch failed, falling back",
		"program", pc.descriptor.Program(),
		"fallback", descriptorTable[pc.descriptor+1].program,
		"error", cause,
	)
	pc.descriptor++
	return pc.ensureDescriptor()
}

func (pc *programCache) kernel(program, name string) (compute.Kernel, error) {
	key := program + "." + name
	if k, ok := pc.kernels[key]; ok {
		return k, nil
	}
	prog, ok := pc.progs[program]
	if !ok {
		return nil, fmt.Errorf("%w: program %s not built", ErrCompileFailed, program)
	}
	k, err := prog.Kernel(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompileFailed, err)
	}
	pc.kernels[key] = k
	return k, nil
}

func (pc *programCache) release() {
	for name, prog := range pc.progs {
		if err := prog.Release(); err != nil {
			slog.Warn("Failed to release program", "program", name, "error", err)
		}
	}
	pc.progs = make(map[string]compute.Program)
	pc.kernels = make(map[string]compute.Kernel)
}
