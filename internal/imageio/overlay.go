package imageio

import (
	"image"
	"image/color"
	"math"

	"github.com/cwbudde/siftcl/internal/sift"
	"github.com/disintegration/imaging"
)

var overlayColor = color.NRGBA{R: 255, G: 40, B: 40, A: 255}

// Overlay draws every keypoint onto a copy of src as a circle of radius
// 3·scale with a line along its orientation.
func Overlay(src image.Image, kps []sift.Keypoint) *image.NRGBA {
	dst := imaging.Clone(src)
	for _, k := range kps {
		r := 3 * float64(k.Scale)
		if r < 2 {
			r = 2
		}
		cx, cy := float64(k.X), float64(k.Y)
		steps := int(2*math.Pi*r) + 8
		for i := 0; i < steps; i++ {
			a := 2 * math.Pi * float64(i) / float64(steps)
			set(dst, cx+r*math.Cos(a), cy+r*math.Sin(a))
		}
		sin, cos := math.Sincos(float64(k.Angle))
		for d := 0.0; d <= r; d += 0.5 {
			set(dst, cx+d*cos, cy+d*sin)
		}
	}
	return dst
}

// SaveOverlay writes the overlay to path; the format follows the extension.
func SaveOverlay(path string, src image.Image, kps []sift.Keypoint) error {
	return imaging.Save(Overlay(src, kps), path)
}

func set(img *image.NRGBA, x, y float64) {
	px, py := int(math.Round(x)), int(math.Round(y))
	if !(image.Point{X: px, Y: py}).In(img.Rect) {
		return
	}
	img.SetNRGBA(px, py, overlayColor)
}
