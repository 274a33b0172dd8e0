package preprocessing

import (
	"image"
	"math"
	"math/rand"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// AugmentConfig bounds each random transform. Ranges are symmetric around
// the identity.
type AugmentConfig struct {
	FlipProbability float64 // chance of a horizontal mirror
	RotationFactor  float64 // max rotation as a fraction of a full turn
	ZoomFactor      float64 // max relative change of scale
	BrightnessDelta float64 // max additive shift, as a fraction of full intensity
	ContrastFactor  float64 // max relative change of contrast
}

// DefaultAugmentConfig returns the training augmentation: random flip,
// rotation up to 0.1 turn, zoom, brightness and contrast of up to 10%.
func DefaultAugmentConfig() AugmentConfig {
	return AugmentConfig{
		FlipProbability: 0.5,
		RotationFactor:  0.1,
		ZoomFactor:      0.1,
		BrightnessDelta: 0.1,
		ContrastFactor:  0.1,
	}
}

// Augmenter applies random geometric and photometric transforms to training
// images. It keeps no state between calls; all randomness comes from the rng
// passed to Apply.
type Augmenter struct {
	cfg AugmentConfig
}

// NewAugmenter creates an augmenter with the given bounds.
func NewAugmenter(cfg AugmentConfig) *Augmenter {
	return &Augmenter{cfg: cfg}
}

// Config returns the augmentation bounds.
func (a *Augmenter) Config() AugmentConfig {
	return a.cfg
}

// Apply returns an augmented copy of t. The input is never modified.
func (a *Augmenter) Apply(t *Tensor, rng *rand.Rand) *Tensor {
	out := t.Clone()
	full := float32(1)
	if !t.Normalized {
		full = 255
	}

	if rng.Float64() < a.cfg.FlipProbability {
		flipHorizontal(out)
	}

	angle := symmetric(rng, a.cfg.RotationFactor) * 2 * math.Pi
	zoom := 1 + symmetric(rng, a.cfg.ZoomFactor)
	if angle != 0 || zoom != 1 {
		out = rotateZoom(out, angle, zoom, full)
	}

	delta := float32(symmetric(rng, a.cfg.BrightnessDelta)) * full
	contrast := float32(1 + symmetric(rng, a.cfg.ContrastFactor))
	adjustBrightness(out, delta)
	adjustContrast(out, contrast)
	clip(out, full)
	return out
}

// symmetric draws uniformly from [-bound, bound]; zero bound draws nothing.
func symmetric(rng *rand.Rand, bound float64) float64 {
	if bound == 0 {
		return 0
	}
	return (rng.Float64()*2 - 1) * bound
}

func flipHorizontal(t *Tensor) {
	for y := 0; y < t.Height; y++ {
		row := t.Data[y*t.Width*t.Channels : (y+1)*t.Width*t.Channels]
		for l, r := 0, t.Width-1; l < r; l, r = l+1, r-1 {
			for c := 0; c < t.Channels; c++ {
				row[l*t.Channels+c], row[r*t.Channels+c] = row[r*t.Channels+c], row[l*t.Channels+c]
			}
		}
	}
}

// rotateZoom rotates by angle radians and scales by zoom around the image
// center. Pixels uncovered by the transform are filled with zero.
func rotateZoom(t *Tensor, angle, zoom float64, full float32) *Tensor {
	src := toRGBA64(t, full)
	dst := image.NewRGBA64(src.Bounds())

	cx, cy := float64(t.Width)/2, float64(t.Height)/2
	cos, sin := math.Cos(angle)*zoom, math.Sin(angle)*zoom
	s2d := f64.Aff3{
		cos, -sin, cx - cos*cx + sin*cy,
		sin, cos, cy - sin*cx - cos*cy,
	}
	draw.BiLinear.Transform(dst, s2d, src, src.Bounds(), draw.Src, nil)
	return fromRGBA64(dst, full, t.Normalized)
}

func adjustBrightness(t *Tensor, delta float32) {
	if delta == 0 {
		return
	}
	for i := range t.Data {
		t.Data[i] += delta
	}
}

// adjustContrast scales each channel's distance from its mean.
func adjustContrast(t *Tensor, factor float32) {
	if factor == 1 {
		return
	}
	n := t.Height * t.Width
	for c := 0; c < t.Channels; c++ {
		var sum float64
		for i := c; i < len(t.Data); i += t.Channels {
			sum += float64(t.Data[i])
		}
		mean := float32(sum / float64(n))
		for i := c; i < len(t.Data); i += t.Channels {
			t.Data[i] = (t.Data[i]-mean)*factor + mean
		}
	}
}

func clip(t *Tensor, full float32) {
	for i, v := range t.Data {
		if v < 0 {
			t.Data[i] = 0
		} else if v > full {
			t.Data[i] = full
		}
	}
}
