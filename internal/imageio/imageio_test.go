package imageio

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/cwbudde/siftcl/internal/sift"
	"golang.org/x/image/tiff"
)

func grayImage(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(i % 251)
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeAuto, false},
		{"GRAY", ModeGray, false},
		{"grey", ModeGray, false},
		{"color", ModeRGB, false},
		{"cmyk", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseMode(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestDecodeGray(t *testing.T) {
	src := grayImage(31, 17)
	img, _, err := Decode(bytes.NewReader(encodePNG(t, src)), Options{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if img.Type != sift.Uint8 || img.Shape != (sift.Shape{Width: 31, Height: 17, Channels: 1}) {
		t.Fatalf("got %s %s", img.Type, img.Shape)
	}
	pix := img.Pix.([]uint8)
	for i, v := range src.Pix {
		if pix[i] != v {
			t.Fatalf("pixel %d = %d, want %d", i, pix[i], v)
		}
	}
}

func TestDecodeColorAuto(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	src.SetNRGBA(1, 2, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	img, _, err := Decode(bytes.NewReader(encodePNG(t, src)), Options{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if img.Shape.Channels != 3 || img.Type != sift.Uint8 {
		t.Fatalf("got %s %s", img.Type, img.Shape)
	}
	i := 3 * (2*4 + 1)
	if got := img.Pix.([]uint8)[i : i+3]; !bytes.Equal(got, []byte{10, 20, 30}) {
		t.Errorf("pixel (1,2) = %v", got)
	}
}

func TestForceGray(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	for i := range src.Pix {
		src.Pix[i] = 255
	}
	img, err := FromImage(src, ModeGray)
	if err != nil {
		t.Fatalf("FromImage: %v", err)
	}
	if img.Shape.Channels != 1 || img.Pix.([]uint8)[0] != 255 {
		t.Errorf("got %s %v", img.Shape, img.Pix)
	}
}

func TestLoadTIFF16(t *testing.T) {
	src := image.NewGray16(image.Rect(0, 0, 8, 8))
	src.SetGray16(3, 4, color.Gray16{Y: 40000})

	path := filepath.Join(t.TempDir(), "frame.tif")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := tiff.Encode(f, src, nil); err != nil {
		t.Fatal(err)
	}
	f.Close()

	img, _, err := Load(path, Options{Mode: ModeAuto})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if img.Type != sift.Uint16 || img.Shape.Channels != 1 {
		t.Fatalf("got %s %s", img.Type, img.Shape)
	}
	if v := img.Pix.([]uint16)[4*8+3]; v != 40000 {
		t.Errorf("pixel = %d, want 40000", v)
	}
	if err := img.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestMaxDim(t *testing.T) {
	img, src, err := Decode(bytes.NewReader(encodePNG(t, grayImage(200, 100))), Options{MaxDim: 50})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if img.Shape.Width != 50 || img.Shape.Height != 25 {
		t.Errorf("shape = %s, want 50x25", img.Shape)
	}
	if b := src.Bounds(); b.Dx() != 50 {
		t.Errorf("source width = %d", b.Dx())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, _, err := Load(filepath.Join(t.TempDir(), "missing.png"), Options{}); err == nil {
		t.Error("expected an error")
	}
}

func TestOverlay(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 64, 64))
	kps := []sift.Keypoint{{X: 32, Y: 32, Scale: 4, Angle: 0}}
	out := Overlay(src, kps)

	// circle of radius 12 and the orientation line along +x
	if c := out.NRGBAAt(44, 32); c != overlayColor {
		t.Errorf("circle pixel = %v", c)
	}
	if c := out.NRGBAAt(38, 32); c != overlayColor {
		t.Errorf("orientation pixel = %v", c)
	}
	if c := out.NRGBAAt(5, 5); c == overlayColor {
		t.Error("background pixel painted")
	}

	path := filepath.Join(t.TempDir(), "overlay.png")
	if err := SaveOverlay(path, src, kps); err != nil {
		t.Fatalf("SaveOverlay: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("overlay not written: %v", err)
	}
}
