package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/image/draw"
)

// ErrDecode marks an image that could not be decoded. It is fatal for the
// batch that contains it.
var ErrDecode = errors.New("failed to decode image")

// Tensor is a single image in HWC order.
type Tensor struct {
	Data     []float32
	Height   int
	Width    int
	Channels int
	// Normalized is set once values are scaled into [0, 1].
	Normalized bool
}

// NewTensor allocates a zeroed tensor.
func NewTensor(height, width, channels int, normalized bool) *Tensor {
	return &Tensor{
		Data:       make([]float32, height*width*channels),
		Height:     height,
		Width:      width,
		Channels:   channels,
		Normalized: normalized,
	}
}

// At returns the value at row y, column x, channel c.
func (t *Tensor) At(y, x, c int) float32 {
	return t.Data[(y*t.Width+x)*t.Channels+c]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := *t
	out.Data = make([]float32, len(t.Data))
	copy(out.Data, t.Data)
	return &out
}

// Shape returns [height, width, channels].
func (t *Tensor) Shape() []int {
	return []int{t.Height, t.Width, t.Channels}
}

// ImageProcessor turns encoded images into normalized HWC tensors of a fixed size
type ImageProcessor struct {
	fs     afero.Fs
	height int
	width  int
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(fs afero.Fs, height, width int) *ImageProcessor {
	return &ImageProcessor{fs: fs, height: height, width: width}
}

// Size returns the target height and width.
func (p *ImageProcessor) Size() (height, width int) {
	return p.height, p.width
}

// Load reads, decodes, resizes and normalizes the image at path.
func (p *ImageProcessor) Load(path string) (*Tensor, error) {
	raw, err := afero.ReadFile(p.fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	t, err := p.DecodeAndPreprocess(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return t, nil
}

// DecodeAndPreprocess decodes an encoded image and returns it as a
// height×width×3 tensor with values in [0, 1].
func (p *ImageProcessor) DecodeAndPreprocess(r io.Reader) (*Tensor, error) {
	img, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return Normalize(FromImage(ResizeImage(img, p.height, p.width))), nil
}

// Decode decodes a JPEG, PNG or GIF stream. Failures wrap ErrDecode.
func Decode(r io.Reader) (image.Image, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, errors.Wrap(ErrDecode, err.Error())
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, errors.Wrapf(ErrDecode, "empty %s image", format)
	}
	return img, nil
}

// ResizeImage scales img to height×width with bilinear interpolation. The
// result is not premultiplied so that transparent pixels keep their color.
func ResizeImage(img image.Image, height, width int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return dst
	}
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// FromImage converts img to a 3-channel tensor holding raw 0-255 values.
// Alpha is dropped.
func FromImage(img image.Image) *Tensor {
	b := img.Bounds()
	t := NewTensor(b.Dy(), b.Dx(), 3, false)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			t.Data[i] = float32(c.R)
			t.Data[i+1] = float32(c.G)
			t.Data[i+2] = float32(c.B)
			i += 3
		}
	}
	return t
}

// Normalize scales raw 0-255 values into [0, 1]. Already normalized tensors
// are returned unchanged.
func Normalize(t *Tensor) *Tensor {
	if t.Normalized {
		return t
	}
	out := NewTensor(t.Height, t.Width, t.Channels, true)
	for i, v := range t.Data {
		out.Data[i] = v / 255
	}
	return out
}

// Resize scales t to height×width. A tensor that already has the target size
// is returned unchanged.
func Resize(t *Tensor, height, width int) *Tensor {
	if t.Height == height && t.Width == width {
		return t
	}
	scale := float32(1)
	if !t.Normalized {
		scale = 255
	}
	src := toRGBA64(t, scale)
	dst := image.NewRGBA64(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return fromRGBA64(dst, scale, t.Normalized)
}

// toRGBA64 packs a 3-channel tensor into an opaque 16-bit image; scale is the
// value that maps to full intensity.
func toRGBA64(t *Tensor, scale float32) *image.RGBA64 {
	img := image.NewRGBA64(image.Rect(0, 0, t.Width, t.Height))
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			img.SetRGBA64(x, y, color.RGBA64{
				R: toUint16(t.At(y, x, 0) / scale),
				G: toUint16(t.At(y, x, 1) / scale),
				B: toUint16(t.At(y, x, 2) / scale),
				A: 0xffff,
			})
		}
	}
	return img
}

func fromRGBA64(img *image.RGBA64, scale float32, normalized bool) *Tensor {
	b := img.Bounds()
	t := NewTensor(b.Dy(), b.Dx(), 3, normalized)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.RGBA64At(x, y)
			t.Data[i] = float32(c.R) / 0xffff * scale
			t.Data[i+1] = float32(c.G) / 0xffff * scale
			t.Data[i+2] = float32(c.B) / 0xffff * scale
			i += 3
		}
	}
	return t
}

func toUint16(v float32) uint16 {
	switch {
	case v != v || v <= 0:
		return 0
	case v >= 1:
		return 0xffff
	default:
		return uint16(v*0xffff + 0.5)
	}
}

// PreprocessBatch loads several images concurrently. The first failure, in
// input order, is returned.
func PreprocessBatch(p *ImageProcessor, imagePaths []string, maxWorkers int) ([]*Tensor, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*Tensor, len(imagePaths))
	errs := make([]error, len(imagePaths))

	jobs := make(chan int, len(imagePaths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i], errs[i] = p.Load(imagePaths[i])
			}
		}()
	}

	for i := range imagePaths {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, errors.Wrapf(err, "failed to process image %d", i)
		}
	}
	return results, nil
}
