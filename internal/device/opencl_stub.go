//go:build !gpu

package device

func probeOpenCL() ([]PlatformInfo, error) {
	return nil, ErrNotBuilt
}
