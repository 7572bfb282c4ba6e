//go:build gpu

package device

/*
#cgo LDFLAGS: -lOpenCL
#define CL_TARGET_OPENCL_VERSION 120
#define CL_USE_DEPRECATED_OPENCL_1_2_APIS
#include <CL/cl.h>

#ifndef CL_DEVICE_COMPUTE_CAPABILITY_MAJOR_NV
#define CL_DEVICE_COMPUTE_CAPABILITY_MAJOR_NV 0x4000
#endif
#ifndef CL_DEVICE_COMPUTE_CAPABILITY_MINOR_NV
#define CL_DEVICE_COMPUTE_CAPABILITY_MINOR_NV 0x4001
#endif

static const char* siftcl_probe_error_string(cl_int status) {
	switch (status) {
	case CL_SUCCESS: return "CL_SUCCESS";
	case CL_DEVICE_NOT_FOUND: return "CL_DEVICE_NOT_FOUND";
	case CL_DEVICE_NOT_AVAILABLE: return "CL_DEVICE_NOT_AVAILABLE";
	case CL_OUT_OF_RESOURCES: return "CL_OUT_OF_RESOURCES";
	case CL_OUT_OF_HOST_MEMORY: return "CL_OUT_OF_HOST_MEMORY";
	case CL_INVALID_VALUE: return "CL_INVALID_VALUE";
	case CL_INVALID_PLATFORM: return "CL_INVALID_PLATFORM";
	case CL_INVALID_DEVICE: return "CL_INVALID_DEVICE";
	case CL_INVALID_DEVICE_TYPE: return "CL_INVALID_DEVICE_TYPE";
	case -1001: return "CL_PLATFORM_NOT_FOUND_KHR";
	default: return "CL_UNKNOWN_ERROR";
	}
}
*/
import "C"

import (
	"fmt"
	"log/slog"
	"unsafe"
)

func probeOpenCL() ([]PlatformInfo, error) {
	var count C.cl_uint
	status := C.clGetPlatformIDs(0, nil, &count)
	if status != C.CL_SUCCESS {
		return nil, statusError("clGetPlatformIDs(count)", status)
	}
	if count == 0 {
		return nil, nil
	}

	ids := make([]C.cl_platform_id, int(count))
	status = C.clGetPlatformIDs(count, &ids[0], nil)
	if status != C.CL_SUCCESS {
		return nil, statusError("clGetPlatformIDs(list)", status)
	}

	platforms := make([]PlatformInfo, 0, len(ids))
	for _, pid := range ids {
		info := PlatformInfo{
			Name:       platformString(pid, C.CL_PLATFORM_NAME),
			Vendor:     platformString(pid, C.CL_PLATFORM_VENDOR),
			Version:    platformString(pid, C.CL_PLATFORM_VERSION),
			Extensions: ParseExtensions(platformString(pid, C.CL_PLATFORM_EXTENSIONS)),
		}
		info.Devices = probeDevices(pid, info.Name)
		platforms = append(platforms, info)
	}
	return platforms, nil
}

func probeDevices(pid C.cl_platform_id, platformName string) []DeviceInfo {
	var count C.cl_uint
	status := C.clGetDeviceIDs(pid, C.CL_DEVICE_TYPE_ALL, 0, nil, &count)
	if status != C.CL_SUCCESS || count == 0 {
		if status != C.CL_DEVICE_NOT_FOUND && status != C.CL_SUCCESS {
			slog.Warn("OpenCL: device enumeration failed", "platform", platformName, "err", statusError("clGetDeviceIDs", status))
		}
		return nil
	}

	ids := make([]C.cl_device_id, int(count))
	status = C.clGetDeviceIDs(pid, C.CL_DEVICE_TYPE_ALL, count, &ids[0], nil)
	if status != C.CL_SUCCESS {
		slog.Warn("OpenCL: device enumeration failed", "platform", platformName, "err", statusError("clGetDeviceIDs(list)", status))
		return nil
	}

	devices := make([]DeviceInfo, 0, len(ids))
	for i, id := range ids {
		info, err := buildDeviceInfo(id)
		if err != nil {
			slog.Warn("OpenCL: skipping device", "platform", platformName, "index", i, "err", err)
			continue
		}
		devices = append(devices, info)
	}
	return devices
}

func buildDeviceInfo(id C.cl_device_id) (DeviceInfo, error) {
	name, err := deviceString(id, C.CL_DEVICE_NAME)
	if err != nil {
		return DeviceInfo{}, err
	}

	var rawType C.cl_device_type
	if status := C.clGetDeviceInfo(id, C.CL_DEVICE_TYPE, C.size_t(unsafe.Sizeof(rawType)), unsafe.Pointer(&rawType), nil); status != C.CL_SUCCESS {
		return DeviceInfo{}, statusError("clGetDeviceInfo(type)", status)
	}

	var computeUnits, clock C.cl_uint
	if status := C.clGetDeviceInfo(id, C.CL_DEVICE_MAX_COMPUTE_UNITS, C.size_t(unsafe.Sizeof(computeUnits)), unsafe.Pointer(&computeUnits), nil); status != C.CL_SUCCESS {
		return DeviceInfo{}, statusError("clGetDeviceInfo(computeUnits)", status)
	}
	if status := C.clGetDeviceInfo(id, C.CL_DEVICE_MAX_CLOCK_FREQUENCY, C.size_t(unsafe.Sizeof(clock)), unsafe.Pointer(&clock), nil); status != C.CL_SUCCESS {
		return DeviceInfo{}, statusError("clGetDeviceInfo(clock)", status)
	}

	var memory C.cl_ulong
	if status := C.clGetDeviceInfo(id, C.CL_DEVICE_GLOBAL_MEM_SIZE, C.size_t(unsafe.Sizeof(memory)), unsafe.Pointer(&memory), nil); status != C.CL_SUCCESS {
		return DeviceInfo{}, statusError("clGetDeviceInfo(globalMem)", status)
	}

	var available C.cl_bool
	if status := C.clGetDeviceInfo(id, C.CL_DEVICE_AVAILABLE, C.size_t(unsafe.Sizeof(available)), unsafe.Pointer(&available), nil); status != C.CL_SUCCESS {
		return DeviceInfo{}, statusError("clGetDeviceInfo(available)", status)
	}

	var wgSize C.size_t
	if status := C.clGetDeviceInfo(id, C.CL_DEVICE_MAX_WORK_GROUP_SIZE, C.size_t(unsafe.Sizeof(wgSize)), unsafe.Pointer(&wgSize), nil); status != C.CL_SUCCESS {
		return DeviceInfo{}, statusError("clGetDeviceInfo(maxWorkGroupSize)", status)
	}

	var dims C.cl_uint
	if status := C.clGetDeviceInfo(id, C.CL_DEVICE_MAX_WORK_ITEM_DIMENSIONS, C.size_t(unsafe.Sizeof(dims)), unsafe.Pointer(&dims), nil); status != C.CL_SUCCESS {
		return DeviceInfo{}, statusError("clGetDeviceInfo(workItemDims)", status)
	}
	itemSizes := make([]int, int(dims))
	if dims > 0 {
		raw := make([]C.size_t, int(dims))
		if status := C.clGetDeviceInfo(id, C.CL_DEVICE_MAX_WORK_ITEM_SIZES, C.size_t(int(unsafe.Sizeof(raw[0]))*int(dims)), unsafe.Pointer(&raw[0]), nil); status != C.CL_SUCCESS {
			return DeviceInfo{}, statusError("clGetDeviceInfo(workItemSizes)", status)
		}
		for i, s := range raw {
			itemSizes[i] = int(s)
		}
	}

	vendor, _ := deviceString(id, C.CL_DEVICE_VENDOR)
	version, _ := deviceString(id, C.CL_DEVICE_VERSION)
	driver, _ := deviceString(id, C.CL_DRIVER_VERSION)
	extensions, _ := deviceString(id, C.CL_DEVICE_EXTENSIONS)

	info := DeviceInfo{
		Name:             name,
		Vendor:           vendor,
		Version:          version,
		DriverVersion:    driver,
		Type:             mapDeviceType(rawType),
		Extensions:       ParseExtensions(extensions),
		GlobalMemory:     uint64(memory),
		Available:        available == C.CL_TRUE,
		MaxComputeUnits:  uint32(computeUnits),
		MaxClockMHz:      uint32(clock),
		MaxWorkGroupSize: int(wgSize),
		MaxWorkItemSizes: itemSizes,
	}

	if info.IsVendor(vendorNVIDIA) {
		var major, minor C.cl_uint
		s1 := C.clGetDeviceInfo(id, C.CL_DEVICE_COMPUTE_CAPABILITY_MAJOR_NV, C.size_t(unsafe.Sizeof(major)), unsafe.Pointer(&major), nil)
		s2 := C.clGetDeviceInfo(id, C.CL_DEVICE_COMPUTE_CAPABILITY_MINOR_NV, C.size_t(unsafe.Sizeof(minor)), unsafe.Pointer(&minor), nil)
		if s1 == C.CL_SUCCESS && s2 == C.CL_SUCCESS {
			info.ComputeCapability = &ComputeCapability{Major: int(major), Minor: int(minor)}
		}
	}

	return info, nil
}

func platformString(id C.cl_platform_id, param C.cl_platform_info) string {
	var size C.size_t
	if status := C.clGetPlatformInfo(id, param, 0, nil, &size); status != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, int(size))
	if status := C.clGetPlatformInfo(id, param, size, unsafe.Pointer(&buf[0]), nil); status != C.CL_SUCCESS {
		return ""
	}
	return trimNull(buf)
}

func deviceString(id C.cl_device_id, param C.cl_device_info) (string, error) {
	var size C.size_t
	status := C.clGetDeviceInfo(id, param, 0, nil, &size)
	if status != C.CL_SUCCESS {
		return "", statusError("clGetDeviceInfo(size)", status)
	}
	if size == 0 {
		return "", nil
	}

	buf := make([]byte, int(size))
	status = C.clGetDeviceInfo(id, param, size, unsafe.Pointer(&buf[0]), nil)
	if status != C.CL_SUCCESS {
		return "", statusError("clGetDeviceInfo(value)", status)
	}
	return trimNull(buf), nil
}

func trimNull(buf []byte) string {
	if len(buf) == 0 {
		return ""
	}
	if buf[len(buf)-1] == 0 {
		buf = buf[:len(buf)-1]
	}
	return string(buf)
}

func mapDeviceType(dt C.cl_device_type) Type {
	switch {
	case dt&C.CL_DEVICE_TYPE_GPU != 0:
		return TypeGPU
	case dt&C.CL_DEVICE_TYPE_CPU != 0:
		return TypeCPU
	case dt&C.CL_DEVICE_TYPE_ACCELERATOR != 0:
		return TypeAccelerator
	case dt&C.CL_DEVICE_TYPE_DEFAULT != 0:
		return TypeDefault
	default:
		return TypeUnknown
	}
}

func statusError(prefix string, status C.cl_int) error {
	return fmt.Errorf("%s: %s (%d)", prefix, C.GoString(C.siftcl_probe_error_string(status)), int(status))
}
