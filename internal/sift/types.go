package sift

import (
	"fmt"
	"strings"
)

// ImageType is the element type of an input image.
type ImageType string

const (
	Float32 ImageType = "float32"
	Uint8   ImageType = "uint8"
	Uint16  ImageType = "uint16"
	Int32   ImageType = "int32"
	Int64   ImageType = "int64"
)

// ParseImageType maps user input such as "u8" or "float" to an ImageType.
func ParseImageType(s string) (ImageType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float32", "float", "f32":
		return Float32, nil
	case "uint8", "u8", "byte":
		return Uint8, nil
	case "uint16", "u16":
		return Uint16, nil
	case "int32", "s32", "i32":
		return Int32, nil
	case "int64", "s64", "i64":
		return Int64, nil
	default:
		return "", fmt.Errorf("%w: element type %q", ErrUnsupportedFormat, s)
	}
}

// Size returns the element size in bytes, or 0 for an unknown type.
func (t ImageType) Size() int {
	switch t {
	case Float32, Int32:
		return 4
	case Uint8:
		return 1
	case Uint16:
		return 2
	case Int64:
		return 8
	}
	return 0
}

// converter names the preprocess kernel turning t into float32.
func (t ImageType) converter() string {
	switch t {
	case Uint8:
		return "u8_to_float"
	case Uint16:
		return "u16_to_float"
	case Int32:
		return "s32_to_float"
	case Int64:
		return "s64_to_float"
	}
	return ""
}

// Shape is the geometry of an input image. Channels is 1 or 3; three
// channels are only valid for Uint8 images.
type Shape struct {
	Width    int `json:"width" yaml:"width"`
	Height   int `json:"height" yaml:"height"`
	Channels int `json:"channels,omitempty" yaml:"channels,omitempty"`
}

func (s Shape) channels() int {
	if s.Channels == 0 {
		return 1
	}
	return s.Channels
}

// Pixels returns Width*Height.
func (s Shape) Pixels() int { return s.Width * s.Height }

func (s Shape) String() string {
	if s.channels() == 1 {
		return fmt.Sprintf("%dx%d", s.Width, s.Height)
	}
	return fmt.Sprintf("%dx%dx%d", s.Width, s.Height, s.channels())
}

// Image is a host image. Pix holds the typed pixel slice in row-major
// order with interleaved channels.
type Image struct {
	Shape Shape
	Type  ImageType
	Pix   any
}

// NewImage allocates a zeroed image.
func NewImage(shape Shape, typ ImageType) (*Image, error) {
	if err := checkFormat(shape, typ); err != nil {
		return nil, err
	}
	n := shape.Pixels() * shape.channels()
	img := &Image{Shape: shape, Type: typ}
	switch typ {
	case Float32:
		img.Pix = make([]float32, n)
	case Uint8:
		img.Pix = make([]uint8, n)
	case Uint16:
		img.Pix = make([]uint16, n)
	case Int32:
		img.Pix = make([]int32, n)
	case Int64:
		img.Pix = make([]int64, n)
	}
	return img, nil
}

// Validate checks that Pix matches Shape and Type.
func (img *Image) Validate() error {
	if err := checkFormat(img.Shape, img.Type); err != nil {
		return err
	}
	want := img.Shape.Pixels() * img.Shape.channels()
	var got int
	switch pix := img.Pix.(type) {
	case []float32:
		got = typedLen(img.Type, Float32, len(pix))
	case []uint8:
		got = typedLen(img.Type, Uint8, len(pix))
	case []uint16:
		got = typedLen(img.Type, Uint16, len(pix))
	case []int32:
		got = typedLen(img.Type, Int32, len(pix))
	case []int64:
		got = typedLen(img.Type, Int64, len(pix))
	default:
		return fmt.Errorf("%w: pixel data of type %T", ErrUnsupportedFormat, img.Pix)
	}
	if got < 0 {
		return fmt.Errorf("%w: pixel data %T does not hold %s", ErrUnsupportedFormat, img.Pix, img.Type)
	}
	if got != want {
		return fmt.Errorf("%w: %d pixels for shape %s", ErrShapeMismatch, got, img.Shape)
	}
	return nil
}

func typedLen(declared, actual ImageType, n int) int {
	if declared != actual {
		return -1
	}
	return n
}

func checkFormat(shape Shape, typ ImageType) error {
	if typ.Size() == 0 {
		return fmt.Errorf("%w: element type %q", ErrUnsupportedFormat, typ)
	}
	switch shape.channels() {
	case 1:
	case 3:
		if typ != Uint8 {
			return fmt.Errorf("%w: RGB input must be uint8, got %s", ErrUnsupportedFormat, typ)
		}
	default:
		return fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, shape.Channels)
	}
	if shape.Width <= 0 || shape.Height <= 0 {
		return fmt.Errorf("%w: invalid shape %s", ErrShapeMismatch, shape)
	}
	return nil
}

// OctaveShape is the size of one pyramid level.
type OctaveShape struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Keypoint is a detected feature in the original image frame.
type Keypoint struct {
	X     float32   `json:"x"`
	Y     float32   `json:"y"`
	Scale float32   `json:"scale"`
	Angle float32   `json:"angle"`
	Desc  [128]byte `json:"-"`
}

// RawKeypoint is a keypoint without descriptor.
type RawKeypoint struct {
	X     float32 `json:"x"`
	Y     float32 `json:"y"`
	Scale float32 `json:"scale"`
	Angle float32 `json:"angle"`
}

// Raw drops the descriptor.
func (k Keypoint) Raw() RawKeypoint {
	return RawKeypoint{X: k.X, Y: k.Y, Scale: k.Scale, Angle: k.Angle}
}
