package preprocessing

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/fedcare/hospital-node/device"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

func solidImage(width, height int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// createTestImageFile writes img with the encoder matching the extension.
func createTestImageFile(t *testing.T, path string, img image.Image) {
	t.Helper()
	var buf bytes.Buffer
	var err error
	switch filepath.Ext(path) {
	case ".png":
		err = png.Encode(&buf, img)
	case ".jpg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95})
	case ".bmp":
		err = bmp.Encode(&buf, img)
	case ".tif":
		err = tiff.Encode(&buf, img, nil)
	default:
		t.Fatalf("no encoder for %s", path)
	}
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func normalized(v uint8, c int) float32 {
	return (float32(v)/255 - ImageNetMean[c]) / ImageNetStd[c]
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := []Config{
		{ResizeSize: 0, CropSize: 224, Std: ImageNetStd},
		{ResizeSize: 256, CropSize: -1, Std: ImageNetStd},
		{ResizeSize: 256, CropSize: 224},
	}
	for i, cfg := range bad {
		if _, err := NewPipeline(cfg); err == nil {
			t.Errorf("config %d should be rejected", i)
		}
	}
}

func TestResizeShortSide(t *testing.T) {
	tests := []struct {
		w, h, size int
		ow, oh     int
	}{
		{100, 50, 20, 40, 20},
		{50, 100, 20, 20, 40},
		{33, 47, 16, 16, 22},
		{300, 300, 256, 256, 256},
		{10, 12, 256, 256, 307},
	}
	for _, tt := range tests {
		out := ResizeShortSide(solidImage(tt.w, tt.h, color.RGBA{10, 20, 30, 255}), tt.size)
		if out.Bounds().Dx() != tt.ow || out.Bounds().Dy() != tt.oh {
			t.Errorf("%dx%d -> %d: got %dx%d, want %dx%d", tt.w, tt.h, tt.size, out.Bounds().Dx(), out.Bounds().Dy(), tt.ow, tt.oh)
		}
		// a flat image stays flat under bilinear interpolation
		if c := out.RGBAAt(out.Bounds().Dx()/2, out.Bounds().Dy()/2); c.R != 10 || c.G != 20 || c.B != 30 {
			t.Errorf("%dx%d: center pixel %v", tt.w, tt.h, c)
		}
	}
}

func TestCenterCrop(t *testing.T) {
	// encode the coordinates in the pixel values
	img := image.NewRGBA(image.Rect(0, 0, 7, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 7; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8(x), uint8(y), 0, 255})
		}
	}

	t.Run("Crop", func(t *testing.T) {
		out := CenterCrop(img, 3)
		// left = round(4/2) = 2, top = round(3/2) = 2 (half to even)
		if c := out.RGBAAt(0, 0); c.R != 2 || c.G != 2 {
			t.Errorf("top-left maps to source (%d,%d), want (2,2)", c.R, c.G)
		}
		if c := out.RGBAAt(2, 2); c.R != 4 || c.G != 4 {
			t.Errorf("bottom-right maps to source (%d,%d), want (4,4)", c.R, c.G)
		}
	})

	t.Run("Pad", func(t *testing.T) {
		out := CenterCrop(solidImage(2, 2, color.RGBA{200, 200, 200, 255}), 5)
		if out.Bounds().Dx() != 5 || out.Bounds().Dy() != 5 {
			t.Fatalf("size %v", out.Bounds())
		}
		// (5-2)/2 = 1 pixel of padding on the top and left
		for _, p := range []image.Point{{0, 0}, {3, 3}, {4, 1}} {
			if c := out.RGBAAt(p.X, p.Y); c.R != 0 || c.A != 255 {
				t.Errorf("pad pixel %v = %v", p, c)
			}
		}
		for _, p := range []image.Point{{1, 1}, {2, 2}} {
			if c := out.RGBAAt(p.X, p.Y); c.R != 200 {
				t.Errorf("image pixel %v = %v", p, c)
			}
		}
	})
}

func TestCropOffsetsRoundHalfToEven(t *testing.T) {
	for _, tt := range []struct{ n, size, src, dst int }{
		{4, 3, 0, 0},
		{6, 3, 2, 0},
		{256, 224, 16, 0},
		{2, 5, 0, 1},
		{3, 6, 0, 1},
	} {
		src, dst := cropOffsets(tt.n, tt.size)
		if src != tt.src || dst != tt.dst {
			t.Errorf("cropOffsets(%d, %d) = %d, %d; want %d, %d", tt.n, tt.size, src, dst, tt.src, tt.dst)
		}
	}
}

func TestToTensor(t *testing.T) {
	img := solidImage(2, 3, color.RGBA{255, 0, 128, 255})
	data := ToTensor(img, ImageNetMean, ImageNetStd)
	if len(data) != 3*2*3 {
		t.Fatalf("len = %d", len(data))
	}
	want := [3]float32{normalized(255, 0), normalized(0, 1), normalized(128, 2)}
	for c := 0; c < 3; c++ {
		for i := 0; i < 6; i++ {
			if got := data[c*6+i]; math.Abs(float64(got-want[c])) > 1e-6 {
				t.Fatalf("channel %d value %v, want %v", c, got, want[c])
			}
		}
	}
}

func TestProcessFileFormats(t *testing.T) {
	pipeline, err := NewPipeline(Config{ResizeSize: 16, CropSize: 8, Mean: ImageNetMean, Std: ImageNetStd})
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	gray := color.RGBA{128, 128, 128, 255}
	for _, ext := range []string{".png", ".jpg", ".bmp", ".tif"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(dir, "scan"+ext)
			createTestImageFile(t, path, solidImage(40, 24, gray))
			out, err := pipeline.ProcessFile(path)
			if err != nil {
				t.Fatalf("ProcessFile: %v", err)
			}
			if out.Channels != 3 || out.Width != 8 || out.Height != 8 || len(out.Data) != 3*8*8 {
				t.Fatalf("shape %dx%dx%d, %d values", out.Channels, out.Height, out.Width, len(out.Data))
			}
			for c := 0; c < 3; c++ {
				want := normalized(128, c)
				if got := out.Data[c*64+27]; math.Abs(float64(got-want)) > 0.05 {
					t.Errorf("channel %d = %v, want %v", c, got, want)
				}
			}
		})
	}
}

func TestTransparentPixelsKeepColour(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for i := 0; i < len(img.Pix); i += 4 {
		copy(img.Pix[i:], []byte{200, 100, 50, 0})
	}
	rgb := toRGB(img)
	if c := rgb.RGBAAt(1, 1); c != (color.RGBA{200, 100, 50, 255}) {
		t.Errorf("toRGB = %v", c)
	}
}

func TestProcessRejectsCorruptImage(t *testing.T) {
	pipeline, _ := NewPipeline(DefaultConfig())
	path := filepath.Join(t.TempDir(), "broken.png")
	if err := os.WriteFile(path, []byte("not really a png"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := pipeline.ProcessFile(path)
	var de *DecodeError
	if !errors.As(err, &de) || de.Path != path {
		t.Fatalf("err = %v, want DecodeError for %s", err, path)
	}

	if _, err := pipeline.Process(io.LimitReader(bytes.NewReader(nil), 0)); err == nil {
		t.Error("expected error for empty input")
	}
	if _, err := pipeline.ProcessFile(filepath.Join(t.TempDir(), "missing.png")); err == nil {
		t.Error("expected open error")
	}
}

func TestProcessFilesPreservesOrder(t *testing.T) {
	pipeline, _ := NewPipeline(Config{ResizeSize: 8, CropSize: 8, Mean: [3]float32{}, Std: [3]float32{1, 1, 1}})
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 9; i++ {
		path := filepath.Join(dir, string(rune('a'+i))+".png")
		createTestImageFile(t, path, solidImage(8, 8, color.RGBA{uint8(10 * i), 0, 0, 255}))
		paths = append(paths, path)
	}

	out, err := pipeline.ProcessFiles(paths, device.New(device.Accelerated, 4))
	if err != nil {
		t.Fatal(err)
	}
	for i, img := range out {
		if got, want := img.Data[0], float32(10*i)/255; math.Abs(float64(got-want)) > 1e-6 {
			t.Errorf("image %d red = %v, want %v", i, got, want)
		}
	}

	paths = append(paths, filepath.Join(dir, "gone.png"))
	if _, err := pipeline.ProcessFiles(paths, nil); err == nil {
		t.Error("expected error for missing file")
	}
}
