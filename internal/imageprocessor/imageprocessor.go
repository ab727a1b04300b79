package imageprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
)

// ErrUnsupportedImage is returned when the upload cannot be decoded as JPEG or PNG.
var ErrUnsupportedImage = errors.New("unsupported image")

// Channels is the number of color channels the models are trained on.
const Channels = 3

// MaxPixels caps the decoded size of an upload. A few hundred kilobytes of PNG
// can declare dimensions that need gigabytes once decoded.
const MaxPixels = 40_000_000

// Tensor is a single-sample NHWC batch with intensities scaled to [0, 1].
type Tensor struct {
	Batch    int
	Height   int
	Width    int
	Channels int
	Data     []float32
}

// Shape returns the tensor dimensions in NHWC order.
func (t *Tensor) Shape() []int64 {
	return []int64{int64(t.Batch), int64(t.Height), int64(t.Width), int64(t.Channels)}
}

// At returns the value for pixel (x, y) and channel c.
func (t *Tensor) At(x, y, c int) float32 {
	return t.Data[(y*t.Width+x)*t.Channels+c]
}

// Decode reads a JPEG or PNG image and returns it with its format name. The
// header is checked against MaxPixels before any pixel data is decoded.
func Decode(data []byte) (image.Image, string, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", fmt.Errorf("%w: empty image", ErrUnsupportedImage)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, "", fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrUnsupportedImage, cfg.Width, cfg.Height, MaxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if img.Bounds().Empty() {
		return nil, "", fmt.Errorf("%w: empty image", ErrUnsupportedImage)
	}
	return img, format, nil
}

// ToRGB flattens any color model into an opaque RGB image. Alpha is discarded
// without blending, and grayscale sources are copied into all three channels.
func ToRGB(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			out.SetRGBA(x-bounds.Min.X, y-bounds.Min.Y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
	return out
}

// Normalize converts img into the tensor a model with the given input size
// expects. The image is stretched to exactly width x height regardless of its
// aspect ratio.
func Normalize(img image.Image, width, height int) (*Tensor, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", width, height)
	}

	resized := resize.Resize(uint(width), uint(height), ToRGB(img), resize.Bicubic)
	bounds := resized.Bounds()
	if bounds.Dx() != width || bounds.Dy() != height {
		return nil, fmt.Errorf("resize produced %dx%d, want %dx%d", bounds.Dx(), bounds.Dy(), width, height)
	}

	t := &Tensor{
		Batch:    1,
		Height:   height,
		Width:    width,
		Channels: Channels,
		Data:     make([]float32, width*height*Channels),
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.RGBAModel.Convert(resized.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.RGBA)
			i := (y*width + x) * Channels
			t.Data[i] = float32(c.R) / 255
			t.Data[i+1] = float32(c.G) / 255
			t.Data[i+2] = float32(c.B) / 255
		}
	}
	return t, nil
}
