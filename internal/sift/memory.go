package sift

import (
	"math"
)

// memoryReserve is kept free for the runtime and other processes.
const memoryReserve = 75 << 20

// MemoryLayout are the sizing inputs of the buffer pool besides the image.
type MemoryLayout struct {
	PixPerKP  int
	MaxWG     int
	InitSigma float32
}

// Capacity returns the keypoint capacity ceil(W·H/PixPerKP).
func Capacity(shape Shape, pixPerKP int) int {
	n := shape.Pixels()
	return (n + pixPerKP - 1) / pixPerKP
}

// reductionSize is the number of partial (max, min) pairs of the first
// reduction stage: a power of two near √(W·H) bounded by maxWG.
func reductionSize(shape Shape, maxWG int) int {
	root := int(math.Sqrt(float64(shape.Pixels())))
	red := nextPow2(max(1, min(maxWG, root)))
	for red > 1 && red > maxWG {
		red /= 2
	}
	return red
}

// EstimateMemory returns the device memory needed by a pipeline for the
// given image, including the reserve.
func EstimateMemory(shape Shape, typ ImageType, p Params, layout MemoryLayout) uint64 {
	pix := uint64(shape.Pixels())
	mem := uint64(memoryReserve)

	if typ != Float32 {
		mem += pix * uint64(typ.Size()) * uint64(shape.channels())
	}
	mem += uint64(p.Scales+3) * pix * 4
	mem += uint64(p.Scales+2) * pix * 4
	mem += 2 * pix * 4

	k := uint64(Capacity(shape, layout.PixPerKP))
	mem += 2 * k * 4 * 4
	mem += k * 128

	mem += uint64(2*reductionSize(shape, layout.MaxWG)) * 4
	mem += 4 + 3*4

	for _, sigma := range newBlurPlan(p, layout.InitSigma).sigmas() {
		mem += uint64(GaussianLength(sigma)) * 4
	}
	return mem
}
