// Package imageio decodes image files into pipeline images and renders
// keypoint overlays.
package imageio

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"strings"

	// Register the formats imaging does not pull in itself.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"github.com/cwbudde/siftcl/internal/sift"
	"github.com/disintegration/imaging"
)

// Mode selects the channel layout of a loaded image.
type Mode string

const (
	// ModeAuto keeps grayscale sources gray and loads color sources as RGB.
	ModeAuto Mode = "auto"
	ModeGray Mode = "gray"
	ModeRGB  Mode = "rgb"
)

// ParseMode maps user input to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ModeAuto, nil
	case "gray", "grey", "l":
		return ModeGray, nil
	case "rgb", "color":
		return ModeRGB, nil
	}
	return "", fmt.Errorf("unknown image mode %q (want auto, gray or rgb)", s)
}

// Options control decoding.
type Options struct {
	Mode Mode
	// AutoOrient applies the EXIF orientation tag.
	AutoOrient bool
	// MaxDim downscales images whose larger side exceeds it. Zero keeps the
	// original size.
	MaxDim int
}

// Load decodes the file at path.
func Load(path string, opts Options) (*sift.Image, image.Image, error) {
	src, err := imaging.Open(path, imaging.AutoOrientation(opts.AutoOrient))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return convert(src, opts)
}

// Decode reads an encoded image from r.
func Decode(r io.Reader, opts Options) (*sift.Image, image.Image, error) {
	src, err := imaging.Decode(r, imaging.AutoOrientation(opts.AutoOrient))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return convert(src, opts)
}

func convert(src image.Image, opts Options) (*sift.Image, image.Image, error) {
	b := src.Bounds()
	if opts.MaxDim > 0 && (b.Dx() > opts.MaxDim || b.Dy() > opts.MaxDim) {
		src = imaging.Fit(src, opts.MaxDim, opts.MaxDim, imaging.Lanczos)
	}
	img, err := FromImage(src, opts.Mode)
	if err != nil {
		return nil, nil, err
	}
	return img, src, nil
}

// FromImage converts a decoded image. 16-bit grayscale sources load as
// Uint16; everything else loads as Uint8 because RGB input must be 8-bit.
func FromImage(src image.Image, mode Mode) (*sift.Image, error) {
	if mode == "" {
		mode = ModeAuto
	}
	if mode == ModeAuto {
		mode = ModeRGB
		if isGray(src) {
			mode = ModeGray
		}
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("%w: empty image", sift.ErrShapeMismatch)
	}

	switch mode {
	case ModeGray:
		if g16, ok := src.(*image.Gray16); ok || is16Bit(src) {
			img, _ := sift.NewImage(sift.Shape{Width: w, Height: h, Channels: 1}, sift.Uint16)
			pix := img.Pix.([]uint16)
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					var v uint16
					if g16 != nil {
						v = g16.Gray16At(b.Min.X+x, b.Min.Y+y).Y
					} else {
						v = color.Gray16Model.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16).Y
					}
					pix[y*w+x] = v
				}
			}
			return img, nil
		}
		img, _ := sift.NewImage(sift.Shape{Width: w, Height: h, Channels: 1}, sift.Uint8)
		pix := img.Pix.([]uint8)
		if g, ok := src.(*image.Gray); ok {
			for y := 0; y < h; y++ {
				copy(pix[y*w:(y+1)*w], g.Pix[(y+b.Min.Y-g.Rect.Min.Y)*g.Stride+(b.Min.X-g.Rect.Min.X):])
			}
			return img, nil
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				pix[y*w+x] = color.GrayModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
			}
		}
		return img, nil

	case ModeRGB:
		nrgba := imaging.Clone(src)
		img, _ := sift.NewImage(sift.Shape{Width: w, Height: h, Channels: 3}, sift.Uint8)
		pix := img.Pix.([]uint8)
		for i := 0; i < w*h; i++ {
			copy(pix[3*i:3*i+3], nrgba.Pix[4*i:4*i+3])
		}
		return img, nil
	}
	return nil, fmt.Errorf("%w: image mode %q", sift.ErrUnsupportedFormat, mode)
}

func isGray(src image.Image) bool {
	switch src.ColorModel() {
	case color.GrayModel, color.Gray16Model:
		return true
	}
	return false
}

func is16Bit(src image.Image) bool {
	switch src.(type) {
	case *image.Gray16, *image.RGBA64, *image.NRGBA64:
		return true
	}
	return false
}
