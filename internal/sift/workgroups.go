package sift

import (
	"strings"

	"github.com/cwbudde/siftcl/internal/device"
)

// WorkSize is the ND-range of the image kernels of one octave, ordered
// (x=width, y=height).
type WorkSize struct {
	Global [2]int `json:"global"`
	Local  [2]int `json:"local"`
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// CalcSize rounds every dimension of shape up to a multiple of the
// matching workgroup dimension.
func CalcSize(shape, workgroup []int) []int {
	out := make([]int, len(shape))
	for i, s := range shape {
		w := 1
		if i < len(workgroup) && workgroup[i] > 0 {
			w = workgroup[i]
		}
		out[i] = (s + w - 1) / w * w
	}
	return out
}

// EffectiveMaxWG caps the configured ceiling by the device's first
// work-item dimension. Apple's runtime rejects 2-D ranges with a local size
// above one, so it is forced to 1 there.
func EffectiveMaxWG(platform device.PlatformInfo, info device.DeviceInfo, ceiling int) int {
	if isApple(platform) {
		return 1
	}
	wg := info.MaxWorkItemSize(0)
	if ceiling > 0 {
		wg = min(wg, ceiling)
	}
	return max(wg, 1)
}

func isApple(p device.PlatformInfo) bool {
	return strings.Contains(strings.ToLower(p.Vendor), "apple") ||
		strings.Contains(strings.ToLower(p.Name), "apple")
}

// PlanWorkSizes returns one work size per octave with local (wg, 1),
// wg = min(nextPow2(W_o), maxWG).
func PlanWorkSizes(octaves []OctaveShape, maxWG int) []WorkSize {
	plans := make([]WorkSize, len(octaves))
	for i, o := range octaves {
		wg := min(nextPow2(o.Width), maxWG)
		global := CalcSize([]int{o.Width, o.Height}, []int{wg, 1})
		plans[i] = WorkSize{
			Global: [2]int{global[0], global[1]},
			Local:  [2]int{wg, 1},
		}
	}
	return plans
}

// linear returns a 1-D range of at least n items in groups of wg.
func linear(n, wg int) ([]int, []int) {
	wg = max(wg, 1)
	return []int{(max(n, 1) + wg - 1) / wg * wg}, []int{wg}
}
