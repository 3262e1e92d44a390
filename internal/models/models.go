// Package models holds the data types shared by the deeprad pipeline stages.
package models

// Volume is an n-dimensional array of intensity samples together with the
// voxel-to-world affine read from the source file. Data is stored in NIfTI
// order: the first axis varies fastest, so the sample at coordinate
// (i0, i1, i2, ...) lives at index i0 + Dims[0]*(i1 + Dims[1]*(i2 + ...)).
type Volume struct {
	// Data is the intensity samples as a flat array.
	Data []float64

	// Dims are the axis extents, first (fastest-varying) axis first.
	Dims []int

	// Affine is the 4x4 voxel-to-world transform in row-major order.
	Affine [16]float64
}

// NumVoxels returns the total sample count implied by Dims.
func (v *Volume) NumVoxels() int {
	n := 1
	for _, d := range v.Dims {
		n *= d
	}
	return n
}

// Tile is a single 2D floating-point image extracted from a reshaped volume.
// The pixel at (x, y) lives at Pix[x + Width*y].
type Tile struct {
	Pix    []float64
	Width  int
	Height int
}

// NewTile allocates a zero-filled tile of the given shape.
func NewTile(width, height int) Tile {
	return Tile{
		Pix:    make([]float64, width*height),
		Width:  width,
		Height: height,
	}
}

// Clone returns a deep copy of the tile.
func (t Tile) Clone() Tile {
	out := Tile{
		Pix:    make([]float64, len(t.Pix)),
		Width:  t.Width,
		Height: t.Height,
	}
	copy(out.Pix, t.Pix)
	return out
}

// NormMethod identifies how a NormalizationRecord was computed.
type NormMethod string

const (
	// NormMinMax rescales by the full intensity range: (v-min)/(max-min).
	NormMinMax NormMethod = "minmax"

	// NormZScore standardizes by mean and standard deviation.
	NormZScore NormMethod = "zscore"

	// NormPercentile rescales by the range between two crop percentiles.
	NormPercentile NormMethod = "percentile"

	// NormCustom applies a user-supplied shift and scale.
	NormCustom NormMethod = "custom"
)

// NormalizationRecord is the persisted scale/offset statistics for one
// volume. Downstream consumers rescale intensities as (v - Offset) / Scale.
// It is computed once by the normalization pass and stored in the volume's
// sidecar metadata store; it is read, never recomputed, afterwards.
type NormalizationRecord struct {
	Method NormMethod `json:"method"`
	Offset float64    `json:"offset"`
	Scale  float64    `json:"scale"`
}

// Apply rescales a raw intensity sample into normalized range.
func (r NormalizationRecord) Apply(v float64) float64 {
	return (v - r.Offset) / r.Scale
}

// Split names a dataset partition.
type Split string

const (
	SplitTrain Split = "train"
	SplitVal   Split = "val"
	SplitTest  Split = "test"

	// SplitNone marks subjects left out when the fractions sum below 1.0.
	SplitNone Split = ""
)

// Subject is the unit of dataset partitioning: the paired X and Y volume
// files belonging to one observation. A subject is never split across
// train/val/test.
type Subject struct {
	// Key is the stable identifier derived from the first X file's name.
	Key string

	// XFiles and YFiles are the matched input and target volume paths,
	// one per --X and --Y folder respectively.
	XFiles []string
	YFiles []string
}
