package host

import (
	"math"

	"github.com/cwbudde/siftcl/internal/compute"
)

// memset_float(buffer, value, count)
func memsetFloat(c *Call) error {
	buf, value, count := c.floats(0), c.floatArg(1), c.intArg(2)
	if c.err != nil {
		return c.err
	}
	count = min(count, len(buf))
	for i := range buf[:count] {
		buf[i] = value
	}
	return nil
}

// memset_int(buffer, value, count)
func memsetInt(c *Call) error {
	buf, value, count := c.ints(0), c.intArg(1), c.intArg(2)
	if c.err != nil {
		return c.err
	}
	count = min(count, len(buf))
	for i := range buf[:count] {
		buf[i] = int32(value)
	}
	return nil
}

// gaussian(data, sigma, size) writes a normalized Gaussian of odd length size.
func gaussianKernel(c *Call) error {
	data, sigma, size := c.floats(0), c.floatArg(1), c.intArg(2)
	if c.err != nil {
		return c.err
	}
	if size <= 0 || size > len(data) || sigma <= 0 {
		return compute.NewStatusError(c.Kernel, compute.StatusInvalidValue)
	}
	center := float32(size-1) / 2
	var sum float32
	for i := range data[:size] {
		x := (float32(i) - center) / sigma
		g := float32(math.Exp(float64(-x * x / 2)))
		data[i] = g
		sum += g
	}
	for i := range data[:size] {
		data[i] /= sum
	}
	return nil
}

func convert[T element](c *Call) error {
	in, out, w, h := bufferArg[T](c, 0), c.floats(1), c.intArg(2), c.intArg(3)
	if c.err != nil {
		return c.err
	}
	return parallelFor(c, h, func(lo, hi int) {
		for i := lo * w; i < hi*w; i++ {
			out[i] = float32(in[i])
		}
	})
}

// u8_to_float(raw, out, width, height) and friends.
func u8ToFloat(c *Call) error  { return convert[uint8](c) }
func u16ToFloat(c *Call) error { return convert[uint16](c) }
func s32ToFloat(c *Call) error { return convert[int32](c) }
func s64ToFloat(c *Call) error { return convert[int64](c) }

// rgb_to_float(raw, out, width, height) mixes interleaved RGB bytes to luminance.
func rgbToFloat(c *Call) error {
	in, out, w, h := c.bytes(0), c.floats(1), c.intArg(2), c.intArg(3)
	if c.err != nil {
		return c.err
	}
	return parallelFor(c, h, func(lo, hi int) {
		for i := lo * w; i < hi*w; i++ {
			p := in[3*i : 3*i+3]
			out[i] = 0.299*float32(p[0]) + 0.587*float32(p[1]) + 0.114*float32(p[2])
		}
	})
}

// normalizes(image, min, max, scale, width, height) rescales image in place
// to [0, scale]. A flat image becomes zero.
func normalizes(c *Call) error {
	img, minBuf, maxBuf, scaleBuf, w, h := c.floats(0), c.floats(1), c.floats(2), c.floats(3), c.intArg(4), c.intArg(5)
	if c.err != nil {
		return c.err
	}
	lo, hi, scale := minBuf[0], maxBuf[0], scaleBuf[0]
	n := w * h
	if hi == lo {
		clear(img[:n])
		return nil
	}
	k := scale / (hi - lo)
	return parallelFor(c, h, func(r0, r1 int) {
		for i := r0 * w; i < r1*w; i++ {
			img[i] = k * (img[i] - lo)
		}
	})
}

// shrink(in, out, scale_w, scale_h, in_w, in_h, out_w, out_h) subsamples.
func shrink(c *Call) error {
	in, out := c.floats(0), c.floats(1)
	sw, sh := c.intArg(2), c.intArg(3)
	inW, inH := c.intArg(4), c.intArg(5)
	outW, outH := c.intArg(6), c.intArg(7)
	if c.err != nil {
		return c.err
	}
	return parallelFor(c, outH, func(lo, hi int) {
		for y := lo; y < hi; y++ {
			sy := min(y*sh, inH-1)
			for x := 0; x < outW; x++ {
				out[y*outW+x] = in[sy*inW+min(x*sw, inW-1)]
			}
		}
	})
}

// max_min_global_stage1(data, max_min, size): each workgroup reduces a
// strided slice of data into a (max, min) pair.
func maxMinStage1(c *Call) error {
	data, out, size := c.floats(0), c.floats(1), c.intArg(2)
	if c.err != nil {
		return c.err
	}
	global, local := c.Global[0], c.Local[0]
	groups := global / local
	return parallelFor(c, groups, func(lo, hi int) {
		for g := lo; g < hi; g++ {
			mx := float32(math.Inf(-1))
			mn := float32(math.Inf(1))
			for l := 0; l < local; l++ {
				for i := g*local + l; i < size; i += global {
					v := data[i]
					mx = max(mx, v)
					mn = min(mn, v)
				}
			}
			out[2*g], out[2*g+1] = mx, mn
		}
	})
}

// max_min_global_stage2(max_min, max, min) reduces the partial pairs.
func maxMinStage2(c *Call) error {
	pairs, maxOut, minOut := c.floats(0), c.floats(1), c.floats(2)
	if c.err != nil {
		return c.err
	}
	mx := float32(math.Inf(-1))
	mn := float32(math.Inf(1))
	for g := 0; g < c.Global[0]; g++ {
		mx = max(mx, pairs[2*g])
		mn = min(mn, pairs[2*g+1])
	}
	maxOut[0], minOut[0] = mx, mn
	return nil
}

// horizontal_convolution(in, out, filter, filter_size, width, height)
func horizontalConvolution(c *Call) error {
	in, out, filter, size, w, h := c.floats(0), c.floats(1), c.floats(2), c.intArg(3), c.intArg(4), c.intArg(5)
	if c.err != nil {
		return c.err
	}
	half := size / 2
	filter = filter[:size]
	return parallelFor(c, h, func(lo, hi int) {
		for y := lo; y < hi; y++ {
			row := in[y*w : (y+1)*w]
			for x := 0; x < w; x++ {
				var sum float32
				for i, f := range filter {
					sum += f * row[clamp(x+i-half, 0, w-1)]
				}
				out[y*w+x] = sum
			}
		}
	})
}

// vertical_convolution(in, out, filter, filter_size, width, height)
func verticalConvolution(c *Call) error {
	in, out, filter, size, w, h := c.floats(0), c.floats(1), c.floats(2), c.intArg(3), c.intArg(4), c.intArg(5)
	if c.err != nil {
		return c.err
	}
	half := size / 2
	filter = filter[:size]
	return parallelFor(c, h, func(lo, hi int) {
		for y := lo; y < hi; y++ {
			for x := 0; x < w; x++ {
				var sum float32
				for i, f := range filter {
					sum += f * in[clamp(y+i-half, 0, h-1)*w+x]
				}
				out[y*w+x] = sum
			}
		}
	})
}

// combine(u, a, v, b, out, plane, width, height) writes a*u + b*v into the
// given plane of a stacked output.
func combine(c *Call) error {
	u, a, v, b := c.floats(0), c.floatArg(1), c.floats(2), c.floatArg(3)
	out, plane, w, h := c.floats(4), c.intArg(5), c.intArg(6), c.intArg(7)
	if c.err != nil {
		return c.err
	}
	dst := out[plane*w*h : (plane+1)*w*h]
	return parallelFor(c, h, func(lo, hi int) {
		for i := lo * w; i < hi*w; i++ {
			dst[i] = a*u[i] + b*v[i]
		}
	})
}

// compact(keypoints, output, counter, start, end) copies [0, start)
// unchanged and appends the surviving entries of [start, end) at counter.
func compact(c *Call) error {
	kp, out, counter, start, end := c.floats(0), c.floats(1), c.ints(2), c.intArg(3), c.intArg(4)
	if c.err != nil {
		return c.err
	}
	capacity := min(len(kp), len(out)) / 4
	end = min(end, capacity)
	start = min(start, end)
	copy(out[:4*start], kp[:4*start])

	cnt := int(counter[0])
	for gid := start; gid < end; gid++ {
		k := kp[4*gid : 4*gid+4]
		if k[1] == -1 {
			continue
		}
		old := cnt
		cnt++
		if old < end {
			copy(out[4*old:4*old+4], k)
		}
	}
	counter[0] = int32(cnt)
	return nil
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
