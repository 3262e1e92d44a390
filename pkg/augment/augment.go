// Package augment draws randomized affine transforms and applies them to 2D
// tiles. One transform is drawn per subject and passed explicitly into every
// apply call for that subject's X and Y tiles, so the geometric
// correspondence between paired tiles cannot silently drift.
package augment

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"deeprad/internal/models"
)

// ErrDegenerateAugmentation reports a transform that maps no source pixel
// into the output tile. Callers resample a fresh transform up to a bounded
// retry count and then fall back to the identity.
var ErrDegenerateAugmentation = errors.New("augmentation transform maps tile fully out of bounds")

// Interpolation selects how non-integer source coordinates are resolved.
// Bilinear is for continuous-valued input tiles; Nearest must be used for
// categorical label tiles, where interpolation would invent labels.
type Interpolation int

const (
	Bilinear Interpolation = iota
	Nearest
)

// Range bounds one augmentation parameter. Sampling is uniform in [Min, Max].
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

func (r Range) zero() bool { return r.Min == 0 && r.Max == 0 }

func (r Range) sample(rng *rand.Rand) float64 {
	if r.Max == r.Min {
		return r.Min
	}
	return r.Min + rng.Float64()*(r.Max-r.Min)
}

// Bounds is the configuration space the transform is drawn from. The zero
// value disables augmentation entirely.
type Bounds struct {
	// RotationDeg bounds the rotation angle in degrees.
	RotationDeg Range `yaml:"rotationDeg"`

	// TranslatePx bounds the per-axis translation in pixels.
	TranslatePx Range `yaml:"translatePx"`

	// ScaleDelta bounds the per-axis deviation from unit scale; a sampled
	// delta d yields the scale factor 1+d.
	ScaleDelta Range `yaml:"scale"`

	// ShearDeg bounds the per-axis shear angle in degrees.
	ShearDeg Range `yaml:"shearDeg"`

	// HFlip and VFlip enable random axis flips with probability 1/2 each.
	HFlip bool `yaml:"hflips"`
	VFlip bool `yaml:"vflips"`
}

// Enabled reports whether the bounds permit any non-identity transform.
func (b Bounds) Enabled() bool {
	return !b.RotationDeg.zero() || !b.TranslatePx.zero() || !b.ScaleDelta.zero() ||
		!b.ShearDeg.zero() || b.HFlip || b.VFlip
}

// Validate rejects inverted ranges and scale deltas that could collapse an
// axis to zero extent.
func (b Bounds) Validate() error {
	for _, r := range []struct {
		name string
		r    Range
	}{
		{"rotationDeg", b.RotationDeg},
		{"translatePx", b.TranslatePx},
		{"scale", b.ScaleDelta},
		{"shearDeg", b.ShearDeg},
	} {
		if r.r.Max < r.r.Min {
			return fmt.Errorf("augmentation bound %s: max %g below min %g", r.name, r.r.Max, r.r.Min)
		}
	}
	if b.ScaleDelta.Min <= -1 {
		return fmt.Errorf("augmentation scale delta min %g would invert or collapse the image", b.ScaleDelta.Min)
	}
	return nil
}

// Transform is a single affine augmentation, stored as the 3x3 homogeneous
// pull matrix mapping centre-relative output coordinates to centre-relative
// source coordinates. It is drawn once per subject and never persisted.
type Transform struct {
	m *mat.Dense
}

// Identity returns the no-op transform.
func Identity() Transform {
	return Transform{m: eye()}
}

// IsIdentity reports whether the transform leaves tiles untouched.
func (t Transform) IsIdentity() bool {
	want := eye()
	return t.m == nil || mat.EqualApprox(t.m, want, 1e-12)
}

// Sample draws one transform uniformly within bounds using the supplied
// random state. The engine never reads ambient randomness; the caller owns
// seeding so draws stay reproducible and scheduling-independent.
func Sample(rng *rand.Rand, b Bounds) Transform {
	m := eye()

	if b.HFlip && rng.Float64() < 0.5 {
		m = matmul(m, diag(-1, 1))
	}
	if b.VFlip && rng.Float64() < 0.5 {
		m = matmul(m, diag(1, -1))
	}
	if !b.RotationDeg.zero() {
		theta := b.RotationDeg.sample(rng) * math.Pi / 180
		r := eye()
		r.Set(0, 0, math.Cos(theta))
		r.Set(0, 1, math.Sin(theta))
		r.Set(1, 0, -math.Sin(theta))
		r.Set(1, 1, math.Cos(theta))
		m = matmul(m, r)
	}
	if !b.ShearDeg.zero() {
		sh := eye()
		sh.Set(0, 1, math.Tan(b.ShearDeg.sample(rng)*math.Pi/180))
		sh.Set(1, 0, math.Tan(b.ShearDeg.sample(rng)*math.Pi/180))
		m = matmul(m, sh)
	}
	if !b.ScaleDelta.zero() {
		m = matmul(m, diag(1+b.ScaleDelta.sample(rng), 1+b.ScaleDelta.sample(rng)))
	}
	if !b.TranslatePx.zero() {
		tr := eye()
		tr.Set(0, 2, b.TranslatePx.sample(rng))
		tr.Set(1, 2, b.TranslatePx.sample(rng))
		m = matmul(m, tr)
	}
	return Transform{m: m}
}

// Apply resamples the tile under the transform. Source coordinates that fall
// outside the tile contribute zero. A transform under which no output pixel
// receives any in-bounds source sample fails with ErrDegenerateAugmentation.
func Apply(tile models.Tile, tf Transform, interp Interpolation) (models.Tile, error) {
	if tf.IsIdentity() {
		return tile.Clone(), nil
	}

	out := models.NewTile(tile.Width, tile.Height)
	cx := float64(tile.Width-1) / 2
	cy := float64(tile.Height-1) / 2

	covered := 0
	for y := 0; y < tile.Height; y++ {
		for x := 0; x < tile.Width; x++ {
			ox := float64(x) - cx
			oy := float64(y) - cy
			sx := tf.m.At(0, 0)*ox + tf.m.At(0, 1)*oy + tf.m.At(0, 2) + cx
			sy := tf.m.At(1, 0)*ox + tf.m.At(1, 1)*oy + tf.m.At(1, 2) + cy

			var v float64
			var ok bool
			if interp == Nearest {
				v, ok = sampleNearest(tile, sx, sy)
			} else {
				v, ok = sampleBilinear(tile, sx, sy)
			}
			if ok {
				covered++
				out.Pix[x+out.Width*y] = v
			}
		}
	}
	if covered == 0 && len(tile.Pix) > 0 {
		return models.Tile{}, ErrDegenerateAugmentation
	}
	return out, nil
}

func sampleNearest(tile models.Tile, sx, sy float64) (float64, bool) {
	x := int(math.Round(sx))
	y := int(math.Round(sy))
	if x < 0 || x >= tile.Width || y < 0 || y >= tile.Height {
		return 0, false
	}
	return tile.Pix[x+tile.Width*y], true
}

func sampleBilinear(tile models.Tile, sx, sy float64) (float64, bool) {
	x0 := int(math.Floor(sx))
	y0 := int(math.Floor(sy))
	fx := sx - float64(x0)
	fy := sy - float64(y0)

	var acc, wsum float64
	for dy := 0; dy <= 1; dy++ {
		for dx := 0; dx <= 1; dx++ {
			x := x0 + dx
			y := y0 + dy
			w := (fx*float64(dx) + (1-fx)*float64(1-dx)) * (fy*float64(dy) + (1-fy)*float64(1-dy))
			if w == 0 || x < 0 || x >= tile.Width || y < 0 || y >= tile.Height {
				continue
			}
			acc += w * tile.Pix[x+tile.Width*y]
			wsum += w
		}
	}
	if wsum == 0 {
		return 0, false
	}
	return acc, true
}

func eye() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

func diag(a, b float64) *mat.Dense {
	return mat.NewDense(3, 3, []float64{a, 0, 0, 0, b, 0, 0, 0, 1})
}

func matmul(a, b *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Mul(a, b)
	return &out
}
