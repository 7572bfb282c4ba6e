package host

import (
	"math"
)

const (
	oriBins       = 36
	oriSmoothings = 6
	indexSize     = 4
	descOriBins   = 8
	descLength    = indexSize * indexSize * descOriBins
	quantScale    = 255
)

type orientation struct {
	primary [4]float32
	extra   []float32
}

// orientation_assignment(keypoints, grad, ori, counter, octsize, ori_sigma,
// nb_keypoints, start, end, width, height)
//
// Assigns the dominant histogram orientation to every keypoint of
// [start, end) and scales it back to the image frame. Secondary peaks above
// ORI_HIST_THRESH of the maximum are appended at counter in keypoint order.
func orientationAssignment(c *Call) error {
	kp, grad, ori, counter := c.floats(0), c.floats(1), c.floats(2), c.ints(3)
	octsize, oriSigma := c.intArg(4), c.floatArg(5)
	capacity, start, end := c.intArg(6), c.intArg(7), c.intArg(8)
	w, h := c.intArg(9), c.intArg(10)
	if c.err != nil {
		return c.err
	}
	histThresh := c.defineFloat("ORI_HIST_THRESH", defOriHistThresh)

	capacity = min(capacity, len(kp)/4)
	end = min(end, capacity)
	if start >= end {
		return nil
	}
	results := make([]orientation, end-start)
	err := parallelFor(c, end-start, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			k := kp[4*(start+i) : 4*(start+i)+4]
			if k[1] == -1 {
				results[i].primary = [4]float32{-1, -1, -1, -1}
				continue
			}
			results[i] = assignOrientation(k, grad, ori, w, h, float32(octsize), oriSigma, histThresh)
		}
	})
	if err != nil {
		return err
	}

	cnt := int(counter[0])
	for i, res := range results {
		gid := start + i
		copy(kp[4*gid:4*gid+4], res.primary[:])
		for _, angle := range res.extra {
			old := cnt
			cnt++
			if old < capacity {
				kp[4*old] = res.primary[0]
				kp[4*old+1] = res.primary[1]
				kp[4*old+2] = res.primary[2]
				kp[4*old+3] = angle
			}
		}
	}
	counter[0] = int32(cnt)
	return nil
}

func assignOrientation(k []float32, grad, ori []float32, w, h int, octsize, oriSigma, histThresh float32) orientation {
	x, y, scale := k[0], k[1], k[2]
	row := int(y + 0.5)
	col := int(x + 0.5)
	sigma := oriSigma * scale
	radius := int(sigma * 3)
	rmin, rmax := max(1, row-radius), min(row+radius, h-2)
	cmin, cmax := max(1, col-radius), min(col+radius, w-2)
	radius2 := float32(radius*radius) + 0.5
	sigma2 := 2 * sigma * sigma

	var hist [oriBins]float32
	for r := rmin; r <= rmax; r++ {
		for cc := cmin; cc <= cmax; cc++ {
			gval := grad[r*w+cc]
			dr := float32(r) - y
			dc := float32(cc) - x
			distsq := dr*dr + dc*dc
			if gval <= 0 || distsq >= radius2+0.5 {
				continue
			}
			weight := float32(math.Exp(float64(-distsq / sigma2)))
			angle := ori[r*w+cc]
			bin := int(oriBins * (angle + math.Pi + 0.001) / (2 * math.Pi))
			if bin >= 0 && bin <= oriBins {
				hist[min(bin, oriBins-1)] += weight * gval
			}
		}
	}

	for range oriSmoothings {
		prev := hist[oriBins-1]
		for i := range hist {
			temp := hist[i]
			hist[i] = (prev + temp + hist[(i+1)%oriBins]) / 3
			prev = temp
		}
	}

	argmax := 0
	for i, v := range hist {
		if v > hist[argmax] {
			argmax = i
		}
	}
	maxval := hist[argmax]

	res := orientation{primary: [4]float32{x * octsize, y * octsize, scale * octsize, binAngle(hist, argmax)}}
	for i := range hist {
		prev := hist[(i+oriBins-1)%oriBins]
		next := hist[(i+1)%oriBins]
		if i != argmax && hist[i] > prev && hist[i] > next && hist[i] >= histThresh*maxval {
			res.extra = append(res.extra, binAngle(hist, i))
		}
	}
	return res
}

// binAngle refines a histogram peak with a parabola through its neighbours
// and returns the angle in [-pi, pi).
func binAngle(hist [oriBins]float32, bin int) float32 {
	l := hist[(bin+oriBins-1)%oriBins]
	m := hist[bin]
	r := hist[(bin+1)%oriBins]
	var offset float32
	if d := l - 2*m + r; d != 0 {
		offset = 0.5 * (l - r) / d
	}
	return 2*math.Pi*(float32(bin)+0.5+offset)/oriBins - math.Pi
}

// descriptor(keypoints, descriptors, grad, ori, octsize, start, counter,
// width, height)
//
// Computes the 4x4x8 orientation histogram descriptor of every keypoint
// from start up to the value held in counter.
func descriptor(c *Call) error {
	kp, desc, grad, ori := c.floats(0), c.bytes(1), c.floats(2), c.floats(3)
	octsize, start, counter := c.intArg(4), c.intArg(5), c.ints(6)
	w, h := c.intArg(7), c.intArg(8)
	if c.err != nil {
		return c.err
	}
	magFactor := c.defineFloat("MAG_FACTOR", defMagFactor)
	maxIndexVal := c.defineFloat("MAX_INDEX_VAL", defMaxIndexVal)

	end := min(int(counter[0]), len(kp)/4, len(desc)/descLength)
	if start >= end {
		return nil
	}
	return parallelFor(c, end-start, func(lo, hi int) {
		for gid := start + lo; gid < start+hi; gid++ {
			k := kp[4*gid : 4*gid+4]
			out := desc[descLength*gid : descLength*(gid+1)]
			if k[1] == -1 {
				clear(out)
				continue
			}
			vec := sampleDescriptor(k, grad, ori, w, h, float32(octsize), magFactor)
			normalizeDescriptor(&vec, maxIndexVal)
			quantize(&vec, out)
		}
	})
}

func sampleDescriptor(k []float32, grad, ori []float32, w, h int, octsize, magFactor float32) [descLength]float32 {
	var vec [descLength]float32
	r0, c0 := k[1]/octsize, k[0]/octsize
	scale, angle := k[2]/octsize, k[3]
	irow, icol := int(r0+0.5), int(c0+0.5)
	sine := float32(math.Sin(float64(angle)))
	cosine := float32(math.Cos(float64(angle)))
	spacing := magFactor * scale
	fracr := r0 - float32(irow)
	fracc := c0 - float32(icol)
	iradius := int(1.414*spacing*(indexSize+1)/2 + 0.5)

	for i := -iradius; i <= iradius; i++ {
		for j := -iradius; j <= iradius; j++ {
			fi, fj := float32(i), float32(j)
			rpos := ((cosine*fi + sine*fj) - fracr) / spacing
			cpos := ((-sine*fi + cosine*fj) - fracc) / spacing
			rx := rpos + indexSize/2.0 - 0.5
			cx := cpos + indexSize/2.0 - 0.5
			if rx <= -1 || rx >= indexSize || cx <= -1 || cx >= indexSize {
				continue
			}
			r, cc := irow+i, icol+j
			if r < 1 || r >= h-1 || cc < 1 || cc >= w-1 {
				continue
			}
			weight := float32(math.Exp(float64(-0.125 * (rpos*rpos + cpos*cpos))))
			mag := weight * grad[r*w+cc]
			o := ori[r*w+cc] - angle
			for o >= 2*math.Pi {
				o -= 2 * math.Pi
			}
			for o < 0 {
				o += 2 * math.Pi
			}
			placeInIndex(&vec, mag, o, rx, cx)
		}
	}
	return vec
}

// placeInIndex distributes a sample over the eight neighbouring bins with
// trilinear weights.
func placeInIndex(vec *[descLength]float32, mag, o, rx, cx float32) {
	oval := descOriBins * o / (2 * math.Pi)
	ri := int(math.Floor(float64(rx)))
	ci := int(math.Floor(float64(cx)))
	oi := int(math.Floor(float64(oval)))
	rfrac := rx - float32(ri)
	cfrac := cx - float32(ci)
	ofrac := oval - float32(oi)

	for dr := 0; dr < 2; dr++ {
		rindex := ri + dr
		if rindex < 0 || rindex >= indexSize {
			continue
		}
		rweight := mag * (1 - rfrac)
		if dr == 1 {
			rweight = mag * rfrac
		}
		for dc := 0; dc < 2; dc++ {
			cindex := ci + dc
			if cindex < 0 || cindex >= indexSize {
				continue
			}
			cweight := rweight * (1 - cfrac)
			if dc == 1 {
				cweight = rweight * cfrac
			}
			for do := 0; do < 2; do++ {
				oindex := (oi + do) % descOriBins
				oweight := cweight * (1 - ofrac)
				if do == 1 {
					oweight = cweight * ofrac
				}
				vec[(rindex*indexSize+cindex)*descOriBins+oindex] += oweight
			}
		}
	}
}

// normalizeDescriptor scales to unit length, clips at maxVal and
// renormalizes.
func normalizeDescriptor(vec *[descLength]float32, maxVal float32) {
	unit(vec)
	clipped := false
	for i, v := range vec {
		if v > maxVal {
			vec[i] = maxVal
			clipped = true
		}
	}
	if clipped {
		unit(vec)
	}
}

func unit(vec *[descLength]float32) {
	var sq float64
	for _, v := range vec {
		sq += float64(v) * float64(v)
	}
	if sq == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sq))
	for i := range vec {
		vec[i] *= inv
	}
}

// quantize rounds a unit vector to bytes scaled by 255 and then nudges the
// entries with the largest rounding residual until the squared byte norm is
// within 255²/128 of 255².
func quantize(vec *[descLength]float32, out []uint8) {
	const target = quantScale * quantScale
	const tol = target / 128

	var q [descLength]int
	sum := 0
	for i, v := range vec {
		n := min(int(quantScale*v+0.5), quantScale)
		q[i] = n
		sum += n * n
	}
	for sum != 0 && (sum < target-tol || sum > target+tol) {
		grow := sum < target
		best, bestRes := -1, float32(0)
		for i, n := range q {
			res := quantScale*vec[i] - float32(n)
			if !grow {
				res = -res
			}
			if res > bestRes && ((grow && n < quantScale) || (!grow && n > 0)) {
				best, bestRes = i, res
			}
		}
		if best < 0 {
			break
		}
		n := q[best]
		if grow {
			q[best]++
		} else {
			q[best]--
		}
		sum += q[best]*q[best] - n*n
	}
	for i, n := range q {
		out[i] = uint8(n)
	}
}
