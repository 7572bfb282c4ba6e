package sift

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cwbudde/siftcl/internal/compute"
)

// PoolStats summarizes the device allocations of a pipeline.
type PoolStats struct {
	Buffers int    `json:"buffers"`
	Bytes   uint64 `json:"bytes"`

	// Gaussian kernel cache, part of the totals above. HostKernels counts
	// kernels too long for a workgroup that were computed on the host.
	Kernels     int    `json:"kernels"`
	KernelBytes uint64 `json:"kernelBytes"`
	HostKernels int    `json:"hostKernels"`
}

// bufferPool owns every device buffer of a pipeline. Buffers are allocated
// once at construction and released together.
type bufferPool struct {
	ctx   compute.Context
	bufs  map[string]compute.Buffer
	order []string
	bytes uint64
}

func newBufferPool(ctx compute.Context) *bufferPool {
	return &bufferPool{ctx: ctx, bufs: make(map[string]compute.Buffer)}
}

func (bp *bufferPool) alloc(name string, size int) (compute.Buffer, error) {
	if _, ok := bp.bufs[name]; ok {
		return nil, fmt.Errorf("buffer %q allocated twice", name)
	}
	buf, err := bp.ctx.Alloc(size)
	if err != nil {
		var status *compute.StatusError
		if errors.As(err, &status) && status.Code == compute.StatusMemObjectAllocFailure {
			return nil, fmt.Errorf("%w: allocating %s (%d bytes): %w", ErrInsufficientMemory, name, size, err)
		}
		return nil, fmt.Errorf("allocate %s: %w", name, err)
	}
	bp.bufs[name] = buf
	bp.order = append(bp.order, name)
	bp.bytes += uint64(size)
	return buf, nil
}

func (bp *bufferPool) stats() PoolStats {
	return PoolStats{Buffers: len(bp.bufs), Bytes: bp.bytes}
}

// release frees every buffer in reverse allocation order and reports the
// first failure. Calling it again is a no-op.
func (bp *bufferPool) release() error {
	var first error
	for i := len(bp.order) - 1; i >= 0; i-- {
		name := bp.order[i]
		if err := bp.bufs[name].Release(); err != nil {
			slog.Warn("Failed to release buffer", "buffer", name, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	bp.bufs = make(map[string]compute.Buffer)
	bp.order = nil
	bp.bytes = 0
	return first
}

// buffers is the typed view of the pool used by the dispatch code.
type buffers struct {
	raw     compute.Buffer
	pyramid []compute.Buffer
	dogs    compute.Buffer
	tmp     compute.Buffer
	ori     compute.Buffer
	kp1     compute.Buffer
	kp2     compute.Buffer
	desc    compute.Buffer
	cnt     compute.Buffer
	maxMin  compute.Buffer
	min     compute.Buffer
	max     compute.Buffer
	c255    compute.Buffer
}

func allocBuffers(bp *bufferPool, shape Shape, typ ImageType, p Params, capacity, redSize int) (*buffers, error) {
	pix := shape.Pixels()
	b := &buffers{}
	var err error
	alloc := func(dst *compute.Buffer, name string, size int) {
		if err != nil {
			return
		}
		*dst, err = bp.alloc(name, size)
	}

	if typ != Float32 {
		alloc(&b.raw, "raw", pix*typ.Size()*shape.channels())
	}
	b.pyramid = make([]compute.Buffer, p.Scales+3)
	for i := range b.pyramid {
		alloc(&b.pyramid[i], fmt.Sprintf("pyramid_%d", i), 4*pix)
	}
	alloc(&b.dogs, "dogs", 4*pix*(p.Scales+2))
	alloc(&b.tmp, "tmp", 4*pix)
	alloc(&b.ori, "ori", 4*pix)
	alloc(&b.kp1, "Kp_1", 4*4*capacity)
	alloc(&b.kp2, "Kp_2", 4*4*capacity)
	alloc(&b.desc, "descriptors", 128*capacity)
	alloc(&b.cnt, "cnt", 4)
	alloc(&b.maxMin, "max_min", 4*2*redSize)
	alloc(&b.min, "min", 4)
	alloc(&b.max, "max", 4)
	alloc(&b.c255, "255", 4)
	if err != nil {
		return nil, err
	}
	return b, nil
}
