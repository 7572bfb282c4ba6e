//go:build gpu

package opencl

/*
#cgo LDFLAGS: -lOpenCL
#define CL_TARGET_OPENCL_VERSION 120
#define CL_USE_DEPRECATED_OPENCL_1_2_APIS
#include <stdlib.h>
#include <CL/cl.h>

static const char* siftcl_cl_error_string(cl_int status) {
	switch (status) {
	case CL_SUCCESS: return "CL_SUCCESS";
	case CL_DEVICE_NOT_FOUND: return "CL_DEVICE_NOT_FOUND";
	case CL_DEVICE_NOT_AVAILABLE: return "CL_DEVICE_NOT_AVAILABLE";
	case CL_COMPILER_NOT_AVAILABLE: return "CL_COMPILER_NOT_AVAILABLE";
	case CL_MEM_OBJECT_ALLOCATION_FAILURE: return "CL_MEM_OBJECT_ALLOCATION_FAILURE";
	case CL_OUT_OF_RESOURCES: return "CL_OUT_OF_RESOURCES";
	case CL_OUT_OF_HOST_MEMORY: return "CL_OUT_OF_HOST_MEMORY";
	case CL_PROFILING_INFO_NOT_AVAILABLE: return "CL_PROFILING_INFO_NOT_AVAILABLE";
	case CL_MEM_COPY_OVERLAP: return "CL_MEM_COPY_OVERLAP";
	case CL_BUILD_PROGRAM_FAILURE: return "CL_BUILD_PROGRAM_FAILURE";
	case CL_EXEC_STATUS_ERROR_FOR_EVENTS_IN_WAIT_LIST: return "CL_EXEC_STATUS_ERROR_FOR_EVENTS_IN_WAIT_LIST";
	case CL_INVALID_VALUE: return "CL_INVALID_VALUE";
	case CL_INVALID_PLATFORM: return "CL_INVALID_PLATFORM";
	case CL_INVALID_DEVICE: return "CL_INVALID_DEVICE";
	case CL_INVALID_CONTEXT: return "CL_INVALID_CONTEXT";
	case CL_INVALID_QUEUE_PROPERTIES: return "CL_INVALID_QUEUE_PROPERTIES";
	case CL_INVALID_COMMAND_QUEUE: return "CL_INVALID_COMMAND_QUEUE";
	case CL_INVALID_HOST_PTR: return "CL_INVALID_HOST_PTR";
	case CL_INVALID_MEM_OBJECT: return "CL_INVALID_MEM_OBJECT";
	case CL_INVALID_BINARY: return "CL_INVALID_BINARY";
	case CL_INVALID_BUILD_OPTIONS: return "CL_INVALID_BUILD_OPTIONS";
	case CL_INVALID_PROGRAM: return "CL_INVALID_PROGRAM";
	case CL_INVALID_PROGRAM_EXECUTABLE: return "CL_INVALID_PROGRAM_EXECUTABLE";
	case CL_INVALID_KERNEL_NAME: return "CL_INVALID_KERNEL_NAME";
	case CL_INVALID_KERNEL_DEFINITION: return "CL_INVALID_KERNEL_DEFINITION";
	case CL_INVALID_KERNEL: return "CL_INVALID_KERNEL";
	case CL_INVALID_ARG_INDEX: return "CL_INVALID_ARG_INDEX";
	case CL_INVALID_ARG_VALUE: return "CL_INVALID_ARG_VALUE";
	case CL_INVALID_ARG_SIZE: return "CL_INVALID_ARG_SIZE";
	case CL_INVALID_KERNEL_ARGS: return "CL_INVALID_KERNEL_ARGS";
	case CL_INVALID_WORK_DIMENSION: return "CL_INVALID_WORK_DIMENSION";
	case CL_INVALID_WORK_GROUP_SIZE: return "CL_INVALID_WORK_GROUP_SIZE";
	case CL_INVALID_WORK_ITEM_SIZE: return "CL_INVALID_WORK_ITEM_SIZE";
	case CL_INVALID_GLOBAL_OFFSET: return "CL_INVALID_GLOBAL_OFFSET";
	case CL_INVALID_EVENT_WAIT_LIST: return "CL_INVALID_EVENT_WAIT_LIST";
	case CL_INVALID_EVENT: return "CL_INVALID_EVENT";
	case CL_INVALID_OPERATION: return "CL_INVALID_OPERATION";
	case CL_INVALID_BUFFER_SIZE: return "CL_INVALID_BUFFER_SIZE";
	case CL_INVALID_GLOBAL_WORK_SIZE: return "CL_INVALID_GLOBAL_WORK_SIZE";
	default: return "CL_UNKNOWN_ERROR";
	}
}

static cl_command_queue siftcl_create_queue(cl_context ctx, cl_device_id dev, int profile, cl_int* err) {
	cl_command_queue_properties props = profile ? CL_QUEUE_PROFILING_ENABLE : 0;
	return clCreateCommandQueue(ctx, dev, props, err);
}
*/
import "C"

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"unsafe"

	"github.com/cwbudde/siftcl/internal/compute"
	"github.com/cwbudde/siftcl/internal/device"
)

const available = true

// Context wraps a cl_context bound to a single device.
type Context struct {
	platformID C.cl_platform_id
	deviceID   C.cl_device_id
	context    C.cl_context
	kernelDir  string

	platform device.PlatformInfo
	info     device.DeviceInfo

	mu     sync.Mutex
	closed bool
}

// NewContext creates an OpenCL context on the selected device.
func NewContext(opts Options) (compute.Context, error) {
	platform, info, err := device.Default().Lookup(opts.Selection)
	if err != nil {
		return nil, err
	}

	var numPlatforms C.cl_uint
	if status := C.clGetPlatformIDs(0, nil, &numPlatforms); status != C.CL_SUCCESS {
		return nil, statusError("clGetPlatformIDs(count)", status)
	}
	if int(numPlatforms) <= opts.Selection.Platform {
		return nil, fmt.Errorf("%w: platform %d", device.ErrNoDeviceAvailable, opts.Selection.Platform)
	}
	platformIDs := make([]C.cl_platform_id, numPlatforms)
	if status := C.clGetPlatformIDs(numPlatforms, &platformIDs[0], nil); status != C.CL_SUCCESS {
		return nil, statusError("clGetPlatformIDs(list)", status)
	}
	pid := platformIDs[opts.Selection.Platform]

	var numDevices C.cl_uint
	if status := C.clGetDeviceIDs(pid, C.CL_DEVICE_TYPE_ALL, 0, nil, &numDevices); status != C.CL_SUCCESS {
		return nil, statusError("clGetDeviceIDs(count)", status)
	}
	if int(numDevices) <= opts.Selection.Device {
		return nil, fmt.Errorf("%w: device %d on platform %d", device.ErrNoDeviceAvailable, opts.Selection.Device, opts.Selection.Platform)
	}
	deviceIDs := make([]C.cl_device_id, numDevices)
	if status := C.clGetDeviceIDs(pid, C.CL_DEVICE_TYPE_ALL, numDevices, &deviceIDs[0], nil); status != C.CL_SUCCESS {
		return nil, statusError("clGetDeviceIDs(list)", status)
	}
	did := deviceIDs[opts.Selection.Device]

	var status C.cl_int
	ctx := C.clCreateContext(nil, 1, &did, nil, nil, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateContext", status)
	}

	slog.Info("OpenCL context created",
		"platform", platform.Name,
		"device", info.Name,
		"selection", opts.Selection.String(),
	)

	return &Context{
		platformID: pid,
		deviceID:   did,
		context:    ctx,
		kernelDir:  opts.KernelDir,
		platform:   platform,
		info:       info,
	}, nil
}

func (c *Context) Platform() device.PlatformInfo { return c.platform }

func (c *Context) Info() device.DeviceInfo { return c.info }

func (c *Context) NewQueue(profile bool) (compute.Queue, error) {
	if err := c.check("create queue"); err != nil {
		return nil, err
	}
	p := C.int(0)
	if profile {
		p = 1
	}
	var status C.cl_int
	q := C.siftcl_create_queue(c.context, c.deviceID, p, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateCommandQueue", status)
	}
	return &Queue{ctx: c, queue: q, profile: profile}, nil
}

func (c *Context) Alloc(size int) (compute.Buffer, error) {
	if err := c.check("alloc"); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, compute.NewStatusError("clCreateBuffer", compute.StatusInvalidBufferSize)
	}
	var status C.cl_int
	mem := C.clCreateBuffer(c.context, C.CL_MEM_READ_WRITE, C.size_t(size), nil, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateBuffer", status)
	}
	return &Buffer{mem: mem, size: size}, nil
}

// Build compiles <kernelDir>/<program>.cl. On failure the compiler log is
// logged and carried by the returned BuildError.
func (c *Context) Build(program, options string) (compute.Program, error) {
	if err := c.check("build"); err != nil {
		return nil, err
	}
	path := filepath.Join(c.kernelDir, program+".cl")
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, &compute.BuildError{Program: program, Options: options, Err: err}
	}

	csrc := C.CString(string(src))
	defer C.free(unsafe.Pointer(csrc))
	length := C.size_t(len(src))
	var status C.cl_int
	prog := C.clCreateProgramWithSource(c.context, 1, &csrc, &length, &status)
	if status != C.CL_SUCCESS {
		return nil, &compute.BuildError{Program: program, Options: options, Err: statusError("clCreateProgramWithSource", status)}
	}

	copts := C.CString(options)
	defer C.free(unsafe.Pointer(copts))
	if status := C.clBuildProgram(prog, 1, &c.deviceID, copts, nil, nil); status != C.CL_SUCCESS {
		log := c.buildLog(prog)
		C.clReleaseProgram(prog)
		slog.Error("OpenCL program build failed",
			"program", program,
			"options", options,
			"status", C.GoString(C.siftcl_cl_error_string(status)),
		)
		slog.Debug("OpenCL build log", "program", program, "log", log)
		return nil, &compute.BuildError{Program: program, Options: options, Log: log, Err: statusError("clBuildProgram", status)}
	}
	return &Program{name: program, prog: prog, kernels: map[string]*Kernel{}}, nil
}

func (c *Context) buildLog(prog C.cl_program) string {
	var size C.size_t
	if C.clGetProgramBuildInfo(prog, c.deviceID, C.CL_PROGRAM_BUILD_LOG, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	if C.clGetProgramBuildInfo(prog, c.deviceID, C.CL_PROGRAM_BUILD_LOG, size, unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return ""
	}
	return trimNull(buf)
}

func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.context != nil {
		C.clReleaseContext(c.context)
		c.context = nil
	}
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

// Buffer is a cl_mem allocation.
type Buffer struct {
	mu       sync.Mutex
	mem      C.cl_mem
	size     int
	released bool
}

func (b *Buffer) Size() int { return b.size }

func (b *Buffer) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil
	}
	b.released = true
	if status := C.clReleaseMemObject(b.mem); status != C.CL_SUCCESS {
		return statusError("clReleaseMemObject", status)
	}
	return nil
}

func asBuffer(b compute.Buffer, op string) (*Buffer, error) {
	buf, ok := b.(*Buffer)
	if !ok {
		return nil, compute.NewStatusError(op, compute.StatusInvalidMemObject)
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.released {
		return nil, fmt.Errorf("%s: %w", op, compute.ErrReleased)
	}
	return buf, nil
}

// Program holds a built cl_program and its kernel objects.
type Program struct {
	name    string
	prog    C.cl_program
	mu      sync.Mutex
	kernels map[string]*Kernel
}

func (p *Program) Name() string { return p.name }

func (p *Program) Kernel(name string) (compute.Kernel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if k, ok := p.kernels[name]; ok {
		return k, nil
	}
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	var status C.cl_int
	kern := C.clCreateKernel(p.prog, cname, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateKernel "+name, status)
	}
	k := &Kernel{prog: p.name, name: name, kernel: kern}
	p.kernels[name] = k
	return k, nil
}

func (p *Program) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, k := range p.kernels {
		C.clReleaseKernel(k.kernel)
		delete(p.kernels, name)
	}
	if p.prog != nil {
		C.clReleaseProgram(p.prog)
		p.prog = nil
	}
	return nil
}

// Kernel is a cl_kernel. Argument binding and enqueue happen under mu
// since cl_kernel argument state is shared.
type Kernel struct {
	prog   string
	name   string
	mu     sync.Mutex
	kernel C.cl_kernel
}

func (k *Kernel) Name() string    { return k.name }
func (k *Kernel) Program() string { return k.prog }

// Event wraps a cl_event.
type Event struct {
	event   C.cl_event
	profile bool
}

func newEvent(ev C.cl_event, profile bool) *Event {
	e := &Event{event: ev, profile: profile}
	runtime.SetFinalizer(e, func(e *Event) { C.clReleaseEvent(e.event) })
	return e
}

func (e *Event) Wait() error {
	if status := C.clWaitForEvents(1, &e.event); status != C.CL_SUCCESS {
		return statusError("clWaitForEvents", status)
	}
	var exec C.cl_int
	status := C.clGetEventInfo(e.event, C.CL_EVENT_COMMAND_EXECUTION_STATUS, C.size_t(unsafe.Sizeof(exec)), unsafe.Pointer(&exec), nil)
	if status != C.CL_SUCCESS {
		return statusError("clGetEventInfo", status)
	}
	if exec < 0 {
		return statusError("command execution", exec)
	}
	return nil
}

func (e *Event) Times() (int64, int64, error) {
	if !e.profile {
		return 0, 0, compute.NewStatusError("clGetEventProfilingInfo", compute.StatusProfilingInfoUnavailable)
	}
	if err := e.Wait(); err != nil {
		return 0, 0, err
	}
	var start, end C.cl_ulong
	size := C.size_t(unsafe.Sizeof(start))
	if status := C.clGetEventProfilingInfo(e.event, C.CL_PROFILING_COMMAND_START, size, unsafe.Pointer(&start), nil); status != C.CL_SUCCESS {
		return 0, 0, statusError("clGetEventProfilingInfo(start)", status)
	}
	if status := C.clGetEventProfilingInfo(e.event, C.CL_PROFILING_COMMAND_END, size, unsafe.Pointer(&end), nil); status != C.CL_SUCCESS {
		return 0, 0, statusError("clGetEventProfilingInfo(end)", status)
	}
	return int64(start), int64(end), nil
}

// Queue is an in-order cl_command_queue.
type Queue struct {
	ctx     *Context
	queue   C.cl_command_queue
	profile bool

	mu       sync.Mutex
	released bool
}

// Write is blocking so the host slice need not outlive the call.
func (q *Queue) Write(dst compute.Buffer, src any) (compute.Event, error) {
	buf, err := asBuffer(dst, "clEnqueueWriteBuffer")
	if err != nil {
		return nil, err
	}
	data, err := hostBytes(src)
	if err != nil {
		return nil, err
	}
	n := min(len(data), buf.size)
	if n == 0 {
		return q.marker()
	}
	var ev C.cl_event
	status := C.clEnqueueWriteBuffer(q.queue, buf.mem, C.CL_TRUE, 0, C.size_t(n), unsafe.Pointer(&data[0]), 0, nil, &ev)
	if status != C.CL_SUCCESS {
		return nil, statusError("clEnqueueWriteBuffer", status)
	}
	return newEvent(ev, q.profile), nil
}

func (q *Queue) Read(dst any, src compute.Buffer) (compute.Event, error) {
	buf, err := asBuffer(src, "clEnqueueReadBuffer")
	if err != nil {
		return nil, err
	}
	data, err := hostBytes(dst)
	if err != nil {
		return nil, err
	}
	n := min(len(data), buf.size)
	if n == 0 {
		return q.marker()
	}
	var ev C.cl_event
	status := C.clEnqueueReadBuffer(q.queue, buf.mem, C.CL_TRUE, 0, C.size_t(n), unsafe.Pointer(&data[0]), 0, nil, &ev)
	if status != C.CL_SUCCESS {
		return nil, statusError("clEnqueueReadBuffer", status)
	}
	return newEvent(ev, q.profile), nil
}

func (q *Queue) Copy(dst, src compute.Buffer) (compute.Event, error) {
	d, err := asBuffer(dst, "clEnqueueCopyBuffer")
	if err != nil {
		return nil, err
	}
	s, err := asBuffer(src, "clEnqueueCopyBuffer")
	if err != nil {
		return nil, err
	}
	var ev C.cl_event
	status := C.clEnqueueCopyBuffer(q.queue, s.mem, d.mem, 0, 0, C.size_t(min(d.size, s.size)), 0, nil, &ev)
	if status != C.CL_SUCCESS {
		return nil, statusError("clEnqueueCopyBuffer", status)
	}
	return newEvent(ev, q.profile), nil
}

func (q *Queue) Run(k compute.Kernel, global, local []int, args ...any) (compute.Event, error) {
	kern, ok := k.(*Kernel)
	if !ok {
		return nil, compute.NewStatusError("clEnqueueNDRangeKernel", compute.StatusInvalidKernelArgs)
	}
	if len(global) == 0 || len(global) > 3 || len(local) != len(global) {
		return nil, compute.NewStatusError("clEnqueueNDRangeKernel", compute.StatusInvalidWorkDimension)
	}

	kern.mu.Lock()
	defer kern.mu.Unlock()
	for i, arg := range args {
		if err := setArg(kern, i, arg); err != nil {
			return nil, err
		}
	}

	gws := make([]C.size_t, len(global))
	lws := make([]C.size_t, len(local))
	for i := range global {
		gws[i] = C.size_t(global[i])
		lws[i] = C.size_t(local[i])
	}
	var ev C.cl_event
	status := C.clEnqueueNDRangeKernel(q.queue, kern.kernel, C.cl_uint(len(gws)), nil, &gws[0], &lws[0], 0, nil, &ev)
	if status != C.CL_SUCCESS {
		return nil, statusError("clEnqueueNDRangeKernel "+kern.name, status)
	}
	return newEvent(ev, q.profile), nil
}

func setArg(k *Kernel, idx int, arg any) error {
	var status C.cl_int
	switch v := arg.(type) {
	case compute.Buffer:
		buf, err := asBuffer(v, "clSetKernelArg")
		if err != nil {
			return err
		}
		mem := buf.mem
		status = C.clSetKernelArg(k.kernel, C.cl_uint(idx), C.size_t(unsafe.Sizeof(mem)), unsafe.Pointer(&mem))
	case int32:
		cv := C.cl_int(v)
		status = C.clSetKernelArg(k.kernel, C.cl_uint(idx), C.size_t(unsafe.Sizeof(cv)), unsafe.Pointer(&cv))
	case uint32:
		cv := C.cl_uint(v)
		status = C.clSetKernelArg(k.kernel, C.cl_uint(idx), C.size_t(unsafe.Sizeof(cv)), unsafe.Pointer(&cv))
	case float32:
		cv := C.cl_float(v)
		status = C.clSetKernelArg(k.kernel, C.cl_uint(idx), C.size_t(unsafe.Sizeof(cv)), unsafe.Pointer(&cv))
	default:
		return fmt.Errorf("%w: %w: argument %d of %s has type %T",
			compute.NewStatusError("clSetKernelArg", compute.StatusInvalidArgValue), compute.ErrUnsupportedArg, idx, k.name, arg)
	}
	if status != C.CL_SUCCESS {
		return statusError(fmt.Sprintf("clSetKernelArg(%s, %d)", k.name, idx), status)
	}
	return nil
}

func (q *Queue) marker() (compute.Event, error) {
	var ev C.cl_event
	if status := C.clEnqueueMarker(q.queue, &ev); status != C.CL_SUCCESS {
		return nil, statusError("clEnqueueMarker", status)
	}
	return newEvent(ev, q.profile), nil
}

func (q *Queue) Finish() error {
	if status := C.clFinish(q.queue); status != C.CL_SUCCESS {
		return statusError("clFinish", status)
	}
	return nil
}

func (q *Queue) Release() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.released {
		return nil
	}
	q.released = true
	C.clFinish(q.queue)
	if status := C.clReleaseCommandQueue(q.queue); status != C.CL_SUCCESS {
		return statusError("clReleaseCommandQueue", status)
	}
	return nil
}

// hostBytes views a typed host slice as bytes.
func hostBytes(v any) ([]byte, error) {
	switch s := v.(type) {
	case []byte:
		return s, nil
	case []float32:
		return sliceBytes(s), nil
	case []int32:
		return sliceBytes(s), nil
	case []uint32:
		return sliceBytes(s), nil
	case []uint16:
		return sliceBytes(s), nil
	case []int64:
		return sliceBytes(s), nil
	case []float64:
		return sliceBytes(s), nil
	default:
		return nil, fmt.Errorf("%w: host data of type %T", compute.ErrUnsupportedArg, v)
	}
}

func sliceBytes[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(unsafe.Sizeof(zero)))
}

func trimNull(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

func statusError(prefix string, status C.cl_int) error {
	return &compute.StatusError{
		Op:   prefix,
		Code: int(status),
		Name: C.GoString(C.siftcl_cl_error_string(status)),
	}
}
