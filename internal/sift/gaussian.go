package sift

import (
	"fmt"
	"math"

	"github.com/cwbudde/siftcl/internal/compute"
)

// GaussianKernel is a normalized 1-D convolution kernel.
type GaussianKernel struct {
	Sigma  float32   `json:"sigma"`
	Values []float32 `json:"values"`
}

// GaussianLength returns 2*ceil(4σ)+1.
func GaussianLength(sigma float32) int {
	return 2*int(math.Ceil(float64(4*sigma))) + 1
}

// GaussianValues samples exp(-x²/2σ²) over ±4σ and normalizes the sum to 1.
func GaussianValues(sigma float32) []float32 {
	n := GaussianLength(sigma)
	values := make([]float32, n)
	center := float32(n-1) / 2
	var sum float32
	for i := range values {
		x := (float32(i) - center) / sigma
		g := float32(math.Exp(float64(-x * x / 2)))
		values[i] = g
		sum += g
	}
	for i := range values {
		values[i] /= sum
	}
	return values
}

// blurPlan lists the sigmas of one octave. pre is the blur applied once to
// the input (0 when the input is already blurred enough); steps[s] takes
// pyramid[s] to pyramid[s+1].
type blurPlan struct {
	pre   float32
	steps []float32
}

func newBlurPlan(p Params, initSigma float32) blurPlan {
	var plan blurPlan
	prior := p.priorSigma()
	if initSigma > prior {
		plan.pre = float32(math.Sqrt(float64(initSigma*initSigma - prior*prior)))
	}
	r := math.Pow(2, 1/float64(p.Scales))
	prev := float64(initSigma)
	for range p.Scales + 2 {
		plan.steps = append(plan.steps, float32(prev*math.Sqrt(r*r-1)))
		prev *= r
	}
	return plan
}

// sigmas returns the distinct sigmas in first-use order.
func (b blurPlan) sigmas() []float32 {
	var out []float32
	seen := make(map[float32]bool)
	add := func(s float32) {
		if s > 0 && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	add(b.pre)
	for _, s := range b.steps {
		add(s)
	}
	return out
}

type cachedKernel struct {
	sigma  float32
	length int
	buf    compute.Buffer
	onHost bool
}

// kernelCache holds one device buffer per sigma.
type kernelCache struct {
	entries map[float32]*cachedKernel
}

func newKernelCache() *kernelCache {
	return &kernelCache{entries: make(map[float32]*cachedKernel)}
}

// load fills the cache for every sigma. Kernels whose padded length fits a
// workgroup are generated on the device, the others are computed on the
// host and uploaded.
func (kc *kernelCache) load(p *Pipeline, sigmas []float32) error {
	for _, sigma := range sigmas {
		if _, ok := kc.entries[sigma]; ok {
			continue
		}
		n := GaussianLength(sigma)
		buf, err := p.pool.alloc(fmt.Sprintf("gaussian_%g", sigma), 4*n)
		if err != nil {
			return err
		}
		entry := &cachedKernel{sigma: sigma, length: n, buf: buf}

		wg := nextPow2(n)
		if wg <= p.maxWG {
			k, err := p.programs.kernel("gaussian", "gaussian")
			if err != nil {
				return err
			}
			ev, err := p.queue.Run(k, []int{wg}, []int{wg}, buf, sigma, int32(n))
			if err != nil {
				return dispatchError("gaussian", err)
			}
			p.profiler.Append(fmt.Sprintf("gaussian %g", sigma), ev)
		} else {
			entry.onHost = true
			ev, err := p.queue.Write(buf, GaussianValues(sigma))
			if err != nil {
				return dispatchError("gaussian upload", err)
			}
			p.profiler.Append(fmt.Sprintf("gaussian %g", sigma), ev)
		}
		kc.entries[sigma] = entry
	}
	return nil
}

func (kc *kernelCache) get(sigma float32) (*cachedKernel, error) {
	entry, ok := kc.entries[sigma]
	if !ok {
		return nil, fmt.Errorf("no gaussian kernel for sigma %g", sigma)
	}
	return entry, nil
}

// bytes returns the device storage of all cached kernels.
func (kc *kernelCache) bytes() int {
	total := 0
	for _, e := range kc.entries {
		total += 4 * e.length
	}
	return total
}

// addStats fills the kernel fields of st.
func (kc *kernelCache) addStats(st *PoolStats) {
	st.Kernels = len(kc.entries)
	st.KernelBytes = uint64(kc.bytes())
	for _, e := range kc.entries {
		if e.onHost {
			st.HostKernels++
		}
	}
}
