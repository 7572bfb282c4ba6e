package host

import (
	"math"
)

// Compile-time constants of the image and keypoint programs, overridable
// with -D definitions.
const (
	defScales         = 3
	defBorderDist     = 5
	defMaxInterpMoves = 5
	defMaxOffset      = 1.0
	defOriHistThresh  = 0.8
	defMagFactor      = 3.0
	defMaxIndexVal    = 0.2
)

type candidate struct {
	val  float32
	r, c int
}

// local_maxmin(dogs, output, border_dist, peak_thresh, octsize, edge_thresh0,
// edge_thresh, counter, nb_keypoints, scale, width, height)
//
// Appends every extremum of DoG plane scale against its 26 neighbours as
// (value, row, col, scale). Candidates are appended in raster order.
func localMaxMin(c *Call) error {
	dogs, out := c.floats(0), c.floats(1)
	border, peak, octsize := c.intArg(2), c.floatArg(3), c.intArg(4)
	edge0, edge := c.floatArg(5), c.floatArg(6)
	counter, capacity, scale := c.ints(7), c.intArg(8), c.intArg(9)
	w, h := c.intArg(10), c.intArg(11)
	if c.err != nil {
		return c.err
	}

	plane := w * h
	prev := dogs[(scale-1)*plane : scale*plane]
	cur := dogs[scale*plane : (scale+1)*plane]
	next := dogs[(scale+1)*plane : (scale+2)*plane]
	planes := [3][]float32{prev, cur, next}
	thresh := edge
	if octsize <= 1 {
		thresh = edge0
	}

	rows := make([][]candidate, h)
	err := parallelFor(c, h, func(lo, hi int) {
		for r := max(lo, border); r < min(hi, h-border); r++ {
			for col := border; col < w-border; col++ {
				v := cur[r*w+col]
				if abs32(v) <= 0.8*peak {
					continue
				}
				if !isExtremum(planes, w, r, col, v) {
					continue
				}
				h00 := cur[(r-1)*w+col] - 2*v + cur[(r+1)*w+col]
				h11 := cur[r*w+col-1] - 2*v + cur[r*w+col+1]
				h01 := ((cur[(r+1)*w+col+1] - cur[(r+1)*w+col-1]) - (cur[(r-1)*w+col+1] - cur[(r-1)*w+col-1])) / 4
				det := h00*h11 - h01*h01
				trace := h00 + h11
				if det < thresh*trace*trace {
					continue
				}
				rows[r] = append(rows[r], candidate{val: v, r: r, c: col})
			}
		}
	})
	if err != nil {
		return err
	}

	cnt := int(counter[0])
	for _, row := range rows {
		for _, cand := range row {
			old := cnt
			cnt++
			if old < capacity {
				copy(out[4*old:4*old+4], []float32{cand.val, float32(cand.r), float32(cand.c), float32(scale)})
			}
		}
	}
	counter[0] = int32(cnt)
	return nil
}

func isExtremum(planes [3][]float32, w, r, col int, v float32) bool {
	isMax, isMin := true, true
	for s, p := range planes {
		for dr := -1; dr <= 1; dr++ {
			for dc := -1; dc <= 1; dc++ {
				if s == 1 && dr == 0 && dc == 0 {
					continue
				}
				n := p[(r+dr)*w+col+dc]
				if n > v {
					isMax = false
				}
				if n < v {
					isMin = false
				}
				if !isMax && !isMin {
					return false
				}
			}
		}
	}
	return true
}

// interp_keypoint(dogs, keypoints, start, end, peak_thresh, init_sigma,
// width, height)
//
// Refines candidates in [start, end) by fitting a 3-D quadratic to the DoG
// neighbourhood. Survivors become (x, y, sigma, peak) in octave
// coordinates, rejects are overwritten with -1.
func interpKeypoint(c *Call) error {
	dogs, kp := c.floats(0), c.floats(1)
	start, end := c.intArg(2), c.intArg(3)
	peak, initSigma := c.floatArg(4), c.floatArg(5)
	w, h := c.intArg(6), c.intArg(7)
	if c.err != nil {
		return c.err
	}
	scales := float32(c.defineInt("SCALES", defScales))
	border := c.defineInt("BORDER_DIST", defBorderDist)
	moves := c.defineInt("MAX_INTERP_MOVES", defMaxInterpMoves)
	maxOffset := c.defineFloat("MAX_OFFSET", defMaxOffset)

	end = min(end, len(kp)/4)
	if start >= end {
		return nil
	}
	d := dogView{data: dogs, w: w, plane: w * h}
	return parallelFor(c, end-start, func(lo, hi int) {
		for gid := start + lo; gid < start+hi; gid++ {
			k := kp[4*gid : 4*gid+4]
			if k[1] == -1 {
				continue
			}
			r, col, s := int(k[1]), int(k[2]), int(k[3])

			var x, g [3]float32
			for left := moves; ; left-- {
				var hess [3][3]float32
				g, hess = d.derivatives(s, r, col)
				x = solve3(hess, g)
				newR, newC := r, col
				if x[1] > 0.6 && r < h-border-1 {
					newR++
				} else if x[1] < -0.6 && r > border {
					newR--
				}
				if x[2] > 0.6 && col < w-border-1 {
					newC++
				} else if x[2] < -0.6 && col > border {
					newC--
				}
				if left <= 0 || (newR == r && newC == col) {
					break
				}
				r, col = newR, newC
			}

			peakVal := d.at(s, r, col) + 0.5*(x[0]*g[0]+x[1]*g[1]+x[2]*g[2])
			px := float32(col) + x[2]
			py := float32(r) + x[1]
			reject := abs32(x[0]) > maxOffset || abs32(x[1]) > maxOffset || abs32(x[2]) > maxOffset ||
				abs32(peakVal) < peak ||
				px < float32(border) || px >= float32(w-border) ||
				py < float32(border) || py >= float32(h-border)
			if reject {
				k[0], k[1], k[2], k[3] = -1, -1, -1, -1
				continue
			}
			sigma := initSigma * float32(math.Pow(2, float64((float32(s)+x[0])/scales)))
			k[0], k[1], k[2], k[3] = px, py, sigma, peakVal
		}
	})
}

type dogView struct {
	data     []float32
	w, plane int
}

func (d dogView) at(s, r, c int) float32 {
	return d.data[s*d.plane+r*d.w+c]
}

// derivatives returns the gradient and Hessian of the DoG stack at (s, r, c)
// in (scale, row, col) order, using central differences.
func (d dogView) derivatives(s, r, c int) ([3]float32, [3][3]float32) {
	v := d.at(s, r, c)
	g := [3]float32{
		(d.at(s+1, r, c) - d.at(s-1, r, c)) / 2,
		(d.at(s, r+1, c) - d.at(s, r-1, c)) / 2,
		(d.at(s, r, c+1) - d.at(s, r, c-1)) / 2,
	}
	var hs [3][3]float32
	hs[0][0] = d.at(s-1, r, c) - 2*v + d.at(s+1, r, c)
	hs[1][1] = d.at(s, r-1, c) - 2*v + d.at(s, r+1, c)
	hs[2][2] = d.at(s, r, c-1) - 2*v + d.at(s, r, c+1)
	hs[0][1] = ((d.at(s+1, r+1, c) - d.at(s+1, r-1, c)) - (d.at(s-1, r+1, c) - d.at(s-1, r-1, c))) / 4
	hs[0][2] = ((d.at(s+1, r, c+1) - d.at(s+1, r, c-1)) - (d.at(s-1, r, c+1) - d.at(s-1, r, c-1))) / 4
	hs[1][2] = ((d.at(s, r+1, c+1) - d.at(s, r+1, c-1)) - (d.at(s, r-1, c+1) - d.at(s, r-1, c-1))) / 4
	hs[1][0], hs[2][0], hs[2][1] = hs[0][1], hs[0][2], hs[1][2]
	return g, hs
}

// solve3 solves H x = -g by Gaussian elimination with partial pivoting.
// A singular system yields the zero offset.
func solve3(hs [3][3]float32, g [3]float32) [3]float32 {
	a := hs
	b := [3]float32{-g[0], -g[1], -g[2]}
	for col := 0; col < 3; col++ {
		pivot := col
		for row := col + 1; row < 3; row++ {
			if abs32(a[row][col]) > abs32(a[pivot][col]) {
				pivot = row
			}
		}
		if abs32(a[pivot][col]) < 1e-10 {
			return [3]float32{}
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]
		for row := col + 1; row < 3; row++ {
			f := a[row][col] / a[col][col]
			for k := col; k < 3; k++ {
				a[row][k] -= f * a[col][k]
			}
			b[row] -= f * b[col]
		}
	}
	var x [3]float32
	for row := 2; row >= 0; row-- {
		sum := b[row]
		for k := row + 1; k < 3; k++ {
			sum -= a[row][k] * x[k]
		}
		x[row] = sum / a[row][row]
	}
	return x
}

// compute_gradient_orientation(image, grad, ori, width, height)
//
// Central differences inside the image, doubled one-sided differences on
// the border. Orientation is atan2(-dy, dx) with dy = up - down.
func gradientOrientation(c *Call) error {
	img, grad, ori, w, h := c.floats(0), c.floats(1), c.floats(2), c.intArg(3), c.intArg(4)
	if c.err != nil {
		return c.err
	}
	return parallelFor(c, h, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			for col := 0; col < w; col++ {
				var dx, dy float32
				switch {
				case w == 1:
				case col == 0:
					dx = 2 * (img[r*w+1] - img[r*w])
				case col == w-1:
					dx = 2 * (img[r*w+col] - img[r*w+col-1])
				default:
					dx = img[r*w+col+1] - img[r*w+col-1]
				}
				switch {
				case h == 1:
				case r == 0:
					dy = 2 * (img[col] - img[w+col])
				case r == h-1:
					dy = 2 * (img[(r-1)*w+col] - img[r*w+col])
				default:
					dy = img[(r-1)*w+col] - img[(r+1)*w+col]
				}
				grad[r*w+col] = float32(math.Sqrt(float64(dx*dx + dy*dy)))
				ori[r*w+col] = float32(math.Atan2(float64(-dy), float64(dx)))
			}
		}
	})
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
