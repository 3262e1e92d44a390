// Package split deterministically partitions subjects into train, val and
// test groups. The assignment is a pure function of (subject key, seed,
// fractions): repeated runs with identical inputs reproduce identical
// partitions, and no subject ever lands in more than one group.
package split

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"

	"deeprad/internal/models"
)

// ErrConfiguration reports invalid split fractions.
var ErrConfiguration = errors.New("invalid split configuration")

// Fractions holds the requested partition sizes. All zero means splitting is
// disabled and the output layout collapses to the flat X/Y form. Fractions
// may sum below 1.0; the remainder of subjects is left unassigned.
type Fractions struct {
	Train float64
	Val   float64
	Test  float64
}

// Enabled reports whether any partitioning was requested.
func (f Fractions) Enabled() bool {
	return f.Train != 0 || f.Val != 0 || f.Test != 0
}

// Validate rejects negative fractions and sums above 1.0.
func (f Fractions) Validate() error {
	if f.Train < 0 || f.Val < 0 || f.Test < 0 {
		return fmt.Errorf("%w: negative fraction", ErrConfiguration)
	}
	if sum := f.Train + f.Val + f.Test; sum > 1.0+1e-9 {
		return fmt.Errorf("%w: fractions sum to %.3f, must not exceed 1.0", ErrConfiguration, sum)
	}
	return nil
}

// Assign maps every subject key to a split. Keys are visited in
// lexicographic order; each is hashed together with the seed into a uniform
// [0,1) value and compared against the cumulative fraction boundaries:
// train below Train, val below Train+Val, test below Train+Val+Test, and
// SplitNone beyond that when the fractions sum below 1.0.
func Assign(keys []string, fractions Fractions, seed int64) (map[string]models.Split, error) {
	if err := fractions.Validate(); err != nil {
		return nil, err
	}

	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	out := make(map[string]models.Split, len(sorted))
	for _, key := range sorted {
		u := hashUnit(key, seed)
		switch {
		case u < fractions.Train:
			out[key] = models.SplitTrain
		case u < fractions.Train+fractions.Val:
			out[key] = models.SplitVal
		case u < fractions.Train+fractions.Val+fractions.Test:
			out[key] = models.SplitTest
		default:
			out[key] = models.SplitNone
		}
	}
	return out, nil
}

// hashUnit folds (seed, key) through FNV-1a into a uniform value in [0,1).
func hashUnit(key string, seed int64) float64 {
	h := fnv.New64a()
	var seedBytes [8]byte
	for i := 0; i < 8; i++ {
		seedBytes[i] = byte(uint64(seed) >> (8 * i))
	}
	h.Write(seedBytes[:])
	h.Write([]byte(key))
	// 53 bits keeps the quotient exactly representable as a float64.
	return float64(h.Sum64()>>11) / float64(uint64(1)<<53)
}
