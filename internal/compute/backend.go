package compute

import "strings"

// Backend identifies a compute implementation.
type Backend string

const (
	BackendHost   Backend = "host"
	BackendOpenCL Backend = "opencl"
)

// NormalizeBackend maps arbitrary user input to a canonical backend identifier.
func NormalizeBackend(name string) Backend {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "host", "go", "cpu":
		return BackendHost
	case "gpu", "opencl", "cl":
		return BackendOpenCL
	default:
		return Backend(name)
	}
}

// SupportedBackends returns the list of backends understood by the factories.
func SupportedBackends() []Backend {
	return []Backend{BackendHost, BackendOpenCL}
}
