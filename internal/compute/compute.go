// Package compute defines the small device API the SIFT pipeline is written
// against: contexts, in-order queues, buffers, programs and events.
//
// Two implementations exist. The host backend runs every kernel in Go on
// the calling machine. The opencl backend (built with -tags gpu) compiles
// kernel sources with the platform's OpenCL compiler.
package compute

import "github.com/cwbudde/siftcl/internal/device"

// Buffer is a device allocation.
type Buffer interface {
	// Size returns the allocation size in bytes.
	Size() int
	// Release frees the allocation. Releasing twice is a no-op.
	Release() error
}

// Kernel is an entry point of a built program.
type Kernel interface {
	Name() string
	Program() string
}

// Program is a compiled set of kernels.
type Program interface {
	Name() string
	Kernel(name string) (Kernel, error)
	Release() error
}

// Event tracks the completion of an enqueued command.
type Event interface {
	// Wait blocks until the command completed and returns its error.
	Wait() error
	// Times returns device timestamps in nanoseconds. Profiling must have
	// been enabled on the queue.
	Times() (start, end int64, err error)
}

// Queue is an in-order command queue. Commands are executed in submission
// order; each command observes the effects of every earlier one.
type Queue interface {
	// Write copies a typed host slice into dst.
	Write(dst Buffer, src any) (Event, error)
	// Read blocks until every earlier command finished, then copies src into
	// the typed host slice dst.
	Read(dst any, src Buffer) (Event, error)
	// Copy enqueues a device-to-device copy of min(dst, src) bytes.
	Copy(dst, src Buffer) (Event, error)
	// Run enqueues an ND-range dispatch. Arguments are Buffer, int32,
	// uint32 or float32 values in kernel ABI order.
	Run(k Kernel, global, local []int, args ...any) (Event, error)
	// Finish blocks until the queue is drained.
	Finish() error
	Release() error
}

// Context owns device resources.
type Context interface {
	Platform() device.PlatformInfo
	Info() device.DeviceInfo
	NewQueue(profile bool) (Queue, error)
	Alloc(size int) (Buffer, error)
	// Build compiles the named program with the given compiler options
	// (for instance "-D WORKGROUP_SIZE=128").
	Build(program, options string) (Program, error)
	Close() error
}
