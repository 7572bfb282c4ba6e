package compute

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownBackend is returned when the name does not match a known backend.
	ErrUnknownBackend = errors.New("unknown compute backend")
	// ErrBackendUnavailable indicates the backend is not available in this build.
	ErrBackendUnavailable = errors.New("compute backend unavailable")
	// ErrReleased is returned when a released object is used.
	ErrReleased = errors.New("compute object already released")
	// ErrUnsupportedArg is returned for kernel arguments of an unknown type.
	ErrUnsupportedArg = errors.New("unsupported kernel argument")
)

// Status codes shared by both backends. The values match OpenCL.
const (
	StatusSuccess                  = 0
	StatusMemObjectAllocFailure    = -4
	StatusOutOfResources           = -5
	StatusBuildProgramFailure      = -11
	StatusInvalidValue             = -30
	StatusInvalidMemObject         = -38
	StatusInvalidBuildOptions      = -43
	StatusInvalidKernelName        = -46
	StatusInvalidArgIndex          = -49
	StatusInvalidArgValue          = -50
	StatusInvalidKernelArgs        = -52
	StatusInvalidWorkDimension     = -53
	StatusInvalidWorkGroupSize     = -54
	StatusInvalidWorkItemSize      = -55
	StatusInvalidOperation         = -59
	StatusInvalidBufferSize        = -61
	StatusProfilingInfoUnavailable = -7
)

var statusNames = map[int]string{
	StatusSuccess:                  "CL_SUCCESS",
	StatusMemObjectAllocFailure:    "CL_MEM_OBJECT_ALLOCATION_FAILURE",
	StatusOutOfResources:           "CL_OUT_OF_RESOURCES",
	StatusProfilingInfoUnavailable: "CL_PROFILING_INFO_NOT_AVAILABLE",
	StatusBuildProgramFailure:      "CL_BUILD_PROGRAM_FAILURE",
	StatusInvalidValue:             "CL_INVALID_VALUE",
	StatusInvalidMemObject:         "CL_INVALID_MEM_OBJECT",
	StatusInvalidBuildOptions:      "CL_INVALID_BUILD_OPTIONS",
	StatusInvalidKernelName:        "CL_INVALID_KERNEL_NAME",
	StatusInvalidArgIndex:          "CL_INVALID_ARG_INDEX",
	StatusInvalidArgValue:          "CL_INVALID_ARG_VALUE",
	StatusInvalidKernelArgs:        "CL_INVALID_KERNEL_ARGS",
	StatusInvalidWorkDimension:     "CL_INVALID_WORK_DIMENSION",
	StatusInvalidWorkGroupSize:     "CL_INVALID_WORK_GROUP_SIZE",
	StatusInvalidWorkItemSize:      "CL_INVALID_WORK_ITEM_SIZE",
	StatusInvalidOperation:         "CL_INVALID_OPERATION",
	StatusInvalidBufferSize:        "CL_INVALID_BUFFER_SIZE",
}

// StatusName returns the symbolic name of a status code.
func StatusName(code int) string {
	if name, ok := statusNames[code]; ok {
		return name
	}
	return "CL_UNKNOWN_ERROR"
}

// StatusError is a runtime failure reported by a backend.
type StatusError struct {
	Op   string
	Code int
	Name string
}

// NewStatusError builds a StatusError, filling in the symbolic name.
func NewStatusError(op string, code int) *StatusError {
	return &StatusError{Op: op, Code: code, Name: StatusName(code)}
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Op, e.Name, e.Code)
}

// BuildError reports a program that failed to compile.
type BuildError struct {
	Program string
	Options string
	Log     string
	Err     error
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("build %s %q failed", e.Program, e.Options)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BuildError) Unwrap() error { return e.Err }

// IsBuildError reports whether err is or wraps a BuildError.
func IsBuildError(err error) bool {
	var be *BuildError
	return errors.As(err, &be)
}
