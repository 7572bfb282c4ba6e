package sift

import (
	"errors"

	"github.com/cwbudde/siftcl/internal/device"
)

var (
	// ErrNoDeviceAvailable is returned when no device satisfies the
	// selection, even after relaxing the kind filter.
	ErrNoDeviceAvailable = device.ErrNoDeviceAvailable
	// ErrUnsupportedFormat is returned for element types without a converter.
	ErrUnsupportedFormat = errors.New("unsupported image format")
	// ErrShapeMismatch is returned when an image does not match the shape
	// the pipeline was built for.
	ErrShapeMismatch = errors.New("image shape mismatch")
	// ErrInsufficientMemory is returned when the memory estimate exceeds the
	// device's global memory.
	ErrInsufficientMemory = errors.New("insufficient device memory")
	// ErrCompileFailed wraps a program build failure that no fallback covers.
	ErrCompileFailed = errors.New("program compilation failed")
	// ErrDispatchFailed wraps runtime errors from the device queue.
	ErrDispatchFailed = errors.New("kernel dispatch failed")
	// ErrClosed is returned by a pipeline after Close.
	ErrClosed = errors.New("pipeline closed")
)
