//go:build !gpu

package opencl

import (
	"github.com/cwbudde/siftcl/internal/compute"
	"github.com/cwbudde/siftcl/internal/device"
)

const available = false

// NewContext returns an error when GPU support is not compiled in.
func NewContext(Options) (compute.Context, error) {
	return nil, device.ErrNotBuilt
}
