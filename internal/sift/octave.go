package sift

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/siftcl/internal/compute"
)

// Detect extracts keypoints from img. The image must match the shape and
// element type the pipeline was built for. Keypoints are returned in the
// image frame, octave by octave.
func (p *Pipeline) Detect(ctx context.Context, img *Image) ([]Keypoint, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	if err := p.checkInput(img.Shape, img.Type); err != nil {
		return nil, err
	}
	return p.detect(ctx, func() error { return p.upload(img) })
}

// DetectBuffer runs the pipeline on data already resident on the device.
// buf holds an image of the configured shape and type; it is read but not
// modified.
func (p *Pipeline) DetectBuffer(ctx context.Context, buf compute.Buffer) ([]Keypoint, error) {
	return p.detect(ctx, func() error { return p.convert(buf) })
}

func (p *Pipeline) checkInput(shape Shape, typ ImageType) error {
	if shape.channels() != p.cfg.Shape.channels() || shape.Width != p.cfg.Shape.Width || shape.Height != p.cfg.Shape.Height {
		return fmt.Errorf("%w: got %s, pipeline built for %s", ErrShapeMismatch, shape, p.cfg.Shape)
	}
	if typ != p.cfg.Type {
		return fmt.Errorf("%w: got %s, pipeline built for %s", ErrUnsupportedFormat, typ, p.cfg.Type)
	}
	return nil
}

func (p *Pipeline) detect(ctx context.Context, load func() error) ([]Keypoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	p.profiler.Reset()
	p.counts = make([]int, len(p.octaves))

	start := time.Now()
	if len(p.octaves) == 0 {
		slog.Info("Image too small for any octave", "shape", p.cfg.Shape.String())
		return []Keypoint{}, nil
	}

	kps, err := p.runAll(ctx, load)
	if err != nil {
		// Drain the queue so the next call starts from a clean state.
		if ferr := p.queue.Finish(); ferr != nil {
			slog.Debug("Discarded queue failure", "error", ferr)
		}
		return nil, err
	}
	slog.Info("SIFT detection finished",
		"keypoints", len(kps),
		"perOctave", p.counts,
		"duration", time.Since(start),
	)
	return kps, nil
}

func (p *Pipeline) runAll(ctx context.Context, load func() error) ([]Keypoint, error) {
	if err := load(); err != nil {
		return nil, err
	}
	if err := p.normalize(); err != nil {
		return nil, err
	}
	if p.blur.pre > 0 {
		if err := p.blurInto(p.bufs.pyramid[0], p.bufs.pyramid[0], p.blur.pre, 0); err != nil {
			return nil, err
		}
	}

	kps := make([]Keypoint, 0)
	for o := range p.octaves {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found, err := p.octave(o)
		if err != nil {
			return nil, err
		}
		p.counts[o] = len(found)
		slog.Debug("Octave done", "octave", o, "keypoints", len(found))
		kps = append(kps, found...)
	}
	return kps, nil
}

// dispatch enqueues one kernel and records its event under label.
func (p *Pipeline) dispatch(label, program, kernel string, global, local []int, args ...any) error {
	k, err := p.programs.kernel(program, kernel)
	if err != nil {
		return err
	}
	ev, err := p.queue.Run(k, global, local, args...)
	if err != nil {
		return dispatchError(label, err)
	}
	p.profiler.Append(label, ev)
	return nil
}

func (p *Pipeline) image2D(o int) ([]int, []int) {
	ws := p.work[o]
	return ws.Global[:], ws.Local[:]
}

func (p *Pipeline) upload(img *Image) error {
	dst := p.bufs.pyramid[0]
	if p.cfg.Type != Float32 {
		dst = p.bufs.raw
	}
	ev, err := p.queue.Write(dst, img.Pix)
	if err != nil {
		return dispatchError("copy H->D", err)
	}
	p.profiler.Append("copy H->D", ev)
	if p.cfg.Type == Float32 {
		return nil
	}
	return p.convert(p.bufs.raw)
}

// convert turns src into the float image in pyramid[0].
func (p *Pipeline) convert(src compute.Buffer) error {
	w, h := int32(p.cfg.Shape.Width), int32(p.cfg.Shape.Height)
	global, local := p.image2D(0)
	switch {
	case p.cfg.Shape.channels() == 3:
		return p.dispatch("RGB -> float", "preprocess", "rgb_to_float", global, local, src, p.bufs.pyramid[0], w, h)
	case p.cfg.Type == Float32:
		if src == p.bufs.pyramid[0] {
			return nil
		}
		ev, err := p.queue.Copy(p.bufs.pyramid[0], src)
		if err != nil {
			return dispatchError("copy D->D", err)
		}
		p.profiler.Append("copy D->D", ev)
		return nil
	default:
		name := p.cfg.Type.converter()
		if name == "" {
			return fmt.Errorf("%w: %s", ErrUnsupportedFormat, p.cfg.Type)
		}
		return p.dispatch("convert -> float", "preprocess", name, global, local, src, p.bufs.pyramid[0], w, h)
	}
}

// normalize rescales pyramid[0] to [0, 255] using a two-stage min/max
// reduction.
func (p *Pipeline) normalize() error {
	red := p.redSize
	img := p.bufs.pyramid[0]
	if err := p.dispatch("max_min_stage1", "reductions", "max_min_global_stage1",
		[]int{red * red}, []int{red}, img, p.bufs.maxMin, uint32(p.cfg.Shape.Pixels())); err != nil {
		return err
	}
	if err := p.dispatch("max_min_stage2", "reductions", "max_min_global_stage2",
		[]int{red}, []int{red}, p.bufs.maxMin, p.bufs.max, p.bufs.min); err != nil {
		return err
	}
	global, local := p.image2D(0)
	return p.dispatch("normalize", "preprocess", "normalizes", global, local,
		img, p.bufs.min, p.bufs.max, p.bufs.c255, int32(p.cfg.Shape.Width), int32(p.cfg.Shape.Height))
}

// blurInto convolves src with the Gaussian of sigma, horizontally into tmp
// then vertically into dst, at octave o's size.
func (p *Pipeline) blurInto(src, dst compute.Buffer, sigma float32, o int) error {
	g, err := p.kernels.get(sigma)
	if err != nil {
		return err
	}
	oct := p.octaves[o]
	w, h := int32(oct.Width), int32(oct.Height)
	global, local := p.image2D(o)
	label := fmt.Sprintf("Blur sigma %g octave %d", sigma, o)
	if err := p.dispatch(label, "convolution", "horizontal_convolution", global, local,
		src, p.bufs.tmp, g.buf, int32(g.length), w, h); err != nil {
		return err
	}
	return p.dispatch(label, "convolution", "vertical_convolution", global, local,
		p.bufs.tmp, dst, g.buf, int32(g.length), w, h)
}

func (p *Pipeline) memsetFloat(label string, buf compute.Buffer, value float32, n int) error {
	global, local := linear(n, workgroupSize("memset", p.maxWG))
	return p.dispatch(label, "memset", "memset_float", global, local, buf, value, int32(n))
}

func (p *Pipeline) readCount(label string) (int, error) {
	cnt := make([]int32, 1)
	ev, err := p.queue.Read(cnt, p.bufs.cnt)
	if err != nil {
		return 0, dispatchError(label, err)
	}
	p.profiler.Append(label, ev)
	return int(cnt[0]), nil
}

func (p *Pipeline) writeCount(label string, n int) error {
	ev, err := p.queue.Write(p.bufs.cnt, []int32{int32(n)})
	if err != nil {
		return dispatchError(label, err)
	}
	p.profiler.Append(label, ev)
	return nil
}

// octave runs detection on octave o and returns its keypoints. When a
// further octave follows, pyramid[0] is replaced by the downsampled image.
func (p *Pipeline) octave(o int) ([]Keypoint, error) {
	par := p.cfg.Params
	oct := p.octaves[o]
	w, h := int32(oct.Width), int32(oct.Height)
	octsize := int32(1) << o
	global, local := p.image2D(o)
	b := p.bufs

	if err := p.memsetFloat("memset 1", b.kp1, -1, 4*p.capacity); err != nil {
		return nil, err
	}
	cg, cl := linear(1, 1)
	if err := p.dispatch("memset cnt", "memset", "memset_int", cg, cl, b.cnt, int32(0), int32(1)); err != nil {
		return nil, err
	}

	for s, sigma := range p.blur.steps {
		if err := p.blurInto(b.pyramid[s], b.pyramid[s+1], sigma, o); err != nil {
			return nil, err
		}
	}
	for s := range par.Scales + 2 {
		if err := p.dispatch(fmt.Sprintf("DoG %d %d", o, s), "algebra", "combine", global, local,
			b.pyramid[s+1], float32(-1), b.pyramid[s], float32(1), b.dogs, int32(s), w, h); err != nil {
			return nil, err
		}
	}

	lastStart := 0
	for s := 1; s <= par.Scales; s++ {
		if err := p.dispatch(fmt.Sprintf("local_maxmin %d %d", o, s), "image", "local_maxmin", global, local,
			b.dogs, b.kp1, int32(par.BorderDist), p.peak, octsize, p.edge0, p.edge,
			b.cnt, int32(p.capacity), int32(s), w, h); err != nil {
			return nil, err
		}
		cnt, err := p.readCount("get cnt")
		if err != nil {
			return nil, err
		}
		if cnt > lastStart {
			if lastStart, err = p.refine(o, s, lastStart, cnt); err != nil {
				return nil, err
			}
		} else {
			lastStart = min(cnt, p.capacity)
		}
	}

	if o < len(p.octaves)-1 {
		next := p.octaves[o+1]
		ng, nl := p.image2D(o + 1)
		if err := p.dispatch("shrink", "preprocess", "shrink", ng, nl,
			b.pyramid[par.Scales], b.pyramid[0], int32(2), int32(2), w, h,
			int32(next.Width), int32(next.Height)); err != nil {
			return nil, err
		}
	}
	return p.gather(lastStart)
}

// refine takes the candidates [start, cnt) of scale s through
// interpolation, compaction, orientation and descriptors. It returns the
// number of keypoints held in Kp_1 afterwards.
func (p *Pipeline) refine(o, s, start, cnt int) (int, error) {
	par := p.cfg.Params
	oct := p.octaves[o]
	w, h := int32(oct.Width), int32(oct.Height)
	octsize := int32(1) << o
	global, local := p.image2D(o)
	b := p.bufs

	if cnt >= p.capacity*9/10 {
		slog.Warn("Keypoint buffer nearly full, extra candidates are dropped",
			"octave", o, "scale", s, "count", cnt, "capacity", p.capacity)
	}
	end := min(cnt, p.capacity)

	lg, ll := linear(p.capacity, workgroupSize("image", p.maxWG))
	if err := p.dispatch(fmt.Sprintf("interp_keypoint %d %d", o, s), "image", "interp_keypoint", lg, ll,
		b.dogs, b.kp1, int32(start), int32(end), p.peak, p.cfg.InitSigma, w, h); err != nil {
		return 0, err
	}

	if err := p.writeCount("copy cnt H->D", start); err != nil {
		return 0, err
	}
	ag, al := linear(p.capacity, workgroupSize("algebra", p.maxWG))
	if err := p.dispatch("compact", "algebra", "compact", ag, al,
		b.kp1, b.kp2, b.cnt, int32(start), int32(end)); err != nil {
		return 0, err
	}
	newcnt, err := p.readCount("copy cnt D->H")
	if err != nil {
		return 0, err
	}
	b.kp1, b.kp2 = b.kp2, b.kp1
	if err := p.memsetFloat("memset 2", b.kp2, -1, 4*p.capacity); err != nil {
		return 0, err
	}
	if newcnt <= start {
		return start, nil
	}

	if err := p.dispatch(fmt.Sprintf("compute_gradient_orientation %d %d", o, s), "image", "compute_gradient_orientation",
		global, local, b.pyramid[s], b.tmp, b.ori, w, h); err != nil {
		return 0, err
	}

	og, ol := linear(newcnt, 1)
	if !p.useCPU {
		wg := workgroupSize("orientation_gpu", p.maxWG)
		og, ol = []int{newcnt * wg}, []int{wg}
	}
	if err := p.dispatch(fmt.Sprintf("orientation_assignment %d %d", o, s), p.programs.orientation, "orientation_assignment", og, ol,
		b.kp1, b.tmp, b.ori, b.cnt, octsize, par.OriSigma, int32(p.capacity), int32(start), int32(newcnt), w, h); err != nil {
		return 0, err
	}
	total, err := p.readCount("copy cnt D->H")
	if err != nil {
		return 0, err
	}
	if total > p.capacity {
		slog.Warn("Orientation keypoints dropped at capacity",
			"octave", o, "scale", s, "count", total, "capacity", p.capacity)
		total = p.capacity
		if err := p.writeCount("copy cnt H->D", total); err != nil {
			return 0, err
		}
	}

	if err := p.descriptors(o, s, start, total); err != nil {
		return 0, err
	}
	return total, nil
}

// descriptors dispatches the current descriptor variant for [start, end).
// A rejected dispatch demotes the variant once and retries.
func (p *Pipeline) descriptors(o, s, start, end int) error {
	oct := p.octaves[o]
	b := p.bufs
	label := fmt.Sprintf("descriptors %d %d", o, s)
	run := func() error {
		backend := p.programs.descriptor
		global, local := backend.ranges(end)
		return p.dispatch(label, backend.Program(), "descriptor", global, local,
			b.kp1, b.desc, b.tmp, b.ori, int32(1)<<o, int32(start), b.cnt,
			int32(oct.Width), int32(oct.Height))
	}
	err := run()
	if err == nil {
		return nil
	}
	if derr := p.programs.demote(err); derr != nil {
		return derr
	}
	return run()
}

// gather copies the first n keypoints and descriptors of the octave back to
// the host.
func (p *Pipeline) gather(n int) ([]Keypoint, error) {
	if n == 0 {
		return nil, nil
	}
	raw := make([]float32, 4*n)
	ev, err := p.queue.Read(raw, p.bufs.kp1)
	if err != nil {
		return nil, dispatchError("copy D->H", err)
	}
	p.profiler.Append("copy D->H", ev)
	desc := make([]byte, 128*n)
	ev, err = p.queue.Read(desc, p.bufs.desc)
	if err != nil {
		return nil, dispatchError("copy D->H", err)
	}
	p.profiler.Append("copy D->H", ev)

	kps := make([]Keypoint, 0, n)
	for i := range n {
		r := raw[4*i : 4*i+4]
		if r[1] == -1 {
			continue
		}
		k := Keypoint{X: r[0], Y: r[1], Scale: r[2], Angle: r[3]}
		copy(k.Desc[:], desc[128*i:128*(i+1)])
		kps = append(kps, k)
	}
	return kps, nil
}
