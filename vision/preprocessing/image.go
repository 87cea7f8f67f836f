package preprocessing

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // register decoders
	_ "image/png"
	"io"
	"math"
	"os"

	"github.com/fedcare/hospital-node/device"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ImageNet statistics used by the pretrained backbone.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Config describes the evaluation-style transform: resize the shorter side,
// center crop, scale to [0,1], normalize per channel.
type Config struct {
	ResizeSize int
	CropSize   int
	Mean       [3]float32
	Std        [3]float32
}

// DefaultConfig is the standard 256/224 ImageNet transform.
func DefaultConfig() Config {
	return Config{ResizeSize: 256, CropSize: 224, Mean: ImageNetMean, Std: ImageNetStd}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ResizeSize <= 0 {
		return fmt.Errorf("resize size must be positive, got %d", c.ResizeSize)
	}
	if c.CropSize <= 0 {
		return fmt.Errorf("crop size must be positive, got %d", c.CropSize)
	}
	for i, s := range c.Std {
		if s <= 0 {
			return fmt.Errorf("std[%d] must be positive, got %v", i, s)
		}
	}
	return nil
}

// DecodeError reports an image that could not be decoded.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("failed to decode image: %v", e.Err)
	}
	return fmt.Sprintf("failed to decode image %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float32 // CHW
	Width    int
	Height   int
	Channels int
}

// Pipeline turns encoded images into normalized CHW tensors. It holds no
// mutable state and is safe for concurrent use.
type Pipeline struct {
	cfg Config
}

// NewPipeline validates cfg and returns a pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{cfg: cfg}, nil
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// OutputShape is the [C H W] shape of processed images.
func (p *Pipeline) OutputShape() []int {
	return []int{3, p.cfg.CropSize, p.cfg.CropSize}
}

// Process decodes and transforms one image.
func (p *Pipeline) Process(r io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return p.Transform(img), nil
}

// ProcessFile is Process on a file.
func (p *Pipeline) ProcessFile(path string) (*ProcessedImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()

	out, err := p.Process(file)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			de.Path = path
		}
		return nil, err
	}
	return out, nil
}

// Transform applies resize, crop and normalization to a decoded image.
func (p *Pipeline) Transform(img image.Image) *ProcessedImage {
	rgb := toRGB(img)
	resized := ResizeShortSide(rgb, p.cfg.ResizeSize)
	cropped := CenterCrop(resized, p.cfg.CropSize)
	return &ProcessedImage{
		Data:     ToTensor(cropped, p.cfg.Mean, p.cfg.Std),
		Width:    p.cfg.CropSize,
		Height:   p.cfg.CropSize,
		Channels: 3,
	}
}

// ProcessFiles preprocesses images concurrently on dev, preserving order.
// The first failure (in path order) is returned.
func (p *Pipeline) ProcessFiles(paths []string, dev *device.Device) ([]*ProcessedImage, error) {
	results := make([]*ProcessedImage, len(paths))
	errs := make([]error, len(paths))
	dev.ForEach(len(paths), func(i int) {
		results[i], errs[i] = p.ProcessFile(paths[i])
	})
	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to process image %d: %w", i, err)
		}
	}
	return results, nil
}

// toRGB drops the alpha channel without compositing, the same as converting
// a picture to plain RGB.
func toRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return dst
	}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := dst.PixOffset(x, y)
			dst.Pix[i+0] = c.R
			dst.Pix[i+1] = c.G
			dst.Pix[i+2] = c.B
			dst.Pix[i+3] = 0xff
		}
	}
	return dst
}

// ResizeShortSide scales img with a bilinear kernel so that its shorter
// side equals size, keeping the aspect ratio (long side truncated).
func ResizeShortSide(img *image.RGBA, size int) *image.RGBA {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	ow, oh := size, size
	switch {
	case w <= h:
		oh = int(float64(size) * float64(h) / float64(w))
	default:
		ow = int(float64(size) * float64(w) / float64(h))
	}
	if ow == w && oh == h {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, ow, oh))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// CenterCrop cuts a size x size window from the middle of img. Images
// smaller than the window are centred on a black canvas.
func CenterCrop(img *image.RGBA, size int) *image.RGBA {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	sx, dx := cropOffsets(w, size)
	sy, dy := cropOffsets(h, size)

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	r := image.Rect(dx, dy, dx+min(w, size), dy+min(h, size))
	draw.Draw(dst, r, img, img.Bounds().Min.Add(image.Pt(sx, sy)), draw.Src)
	return dst
}

// cropOffsets returns the source and destination offsets along one axis.
// The source offset rounds half to even.
func cropOffsets(n, size int) (src, dst int) {
	if n >= size {
		return int(math.RoundToEven(float64(n-size) / 2)), 0
	}
	return 0, (size - n) / 2
}

// ToTensor converts img to CHW float32 in [0,1] and normalizes each channel
// as (v - mean) / std.
func ToTensor(img *image.RGBA, mean, std [3]float32) []float32 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	plane := w * h
	data := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(img.Bounds().Min.X+x, img.Bounds().Min.Y+y)
			idx := y*w + x
			for c := 0; c < 3; c++ {
				v := float32(img.Pix[i+c]) / 255
				data[c*plane+idx] = (v - mean[c]) / std[c]
			}
		}
	}
	return data
}
