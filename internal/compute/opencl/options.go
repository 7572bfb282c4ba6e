// Package opencl implements compute.Context on top of an OpenCL runtime.
// It requires building with -tags gpu; without the tag NewContext reports
// device.ErrNotBuilt.
package opencl

import (
	"github.com/cwbudde/siftcl/internal/device"
)

// Options selects the device and the directory holding the <program>.cl
// sources.
type Options struct {
	Selection device.Selection
	KernelDir string
}

// Available reports whether OpenCL support was compiled in.
func Available() bool { return available }
