package split

import (
	"errors"
	"fmt"
	"testing"

	"deeprad/internal/models"
)

func subjectKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("subject_%03d", i)
	}
	return keys
}

// TestDeterminism verifies that identical (keys, fractions, seed) always
// yield an identical mapping.
func TestDeterminism(t *testing.T) {
	keys := subjectKeys(25)
	fractions := Fractions{Train: 0.8, Val: 0.1, Test: 0.1}

	first, err := Assign(keys, fractions, 42)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	second, err := Assign(keys, fractions, 42)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("Mapping sizes differ: %d vs %d", len(first), len(second))
	}
	for key, sp := range first {
		if second[key] != sp {
			t.Errorf("Key %s moved between runs: %q vs %q", key, sp, second[key])
		}
	}
}

// TestNoLeakageAndFullCoverage checks that with fractions summing to 1.0
// every subject lands in exactly one of the three splits.
func TestNoLeakageAndFullCoverage(t *testing.T) {
	keys := subjectKeys(10)
	fractions := Fractions{Train: 0.8, Val: 0.1, Test: 0.1}

	assignment, err := Assign(keys, fractions, 42)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if len(assignment) != len(keys) {
		t.Fatalf("Expected %d assignments, got %d", len(keys), len(assignment))
	}

	counts := map[models.Split]int{}
	for _, key := range keys {
		sp, ok := assignment[key]
		if !ok {
			t.Fatalf("Key %s missing from assignment", key)
		}
		if sp == models.SplitNone {
			t.Errorf("Key %s left unassigned despite fractions summing to 1.0", key)
		}
		counts[sp]++
	}

	total := counts[models.SplitTrain] + counts[models.SplitVal] + counts[models.SplitTest]
	if total != len(keys) {
		t.Fatalf("Split counts sum to %d, expected %d", total, len(keys))
	}
}

// TestSeedSensitivity verifies that changing the seed changes at least one
// assignment for a reasonable key population.
func TestSeedSensitivity(t *testing.T) {
	keys := subjectKeys(10)
	fractions := Fractions{Train: 0.8, Val: 0.1, Test: 0.1}

	base, err := Assign(keys, fractions, 0)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}

	for seed := int64(1); seed <= 30; seed++ {
		other, err := Assign(keys, fractions, seed)
		if err != nil {
			t.Fatalf("Assign failed: %v", err)
		}
		for _, key := range keys {
			if base[key] != other[key] {
				return
			}
		}
	}
	t.Fatalf("30 different seeds produced the identical assignment")
}

// TestUnassignedRemainder checks that fractions summing below 1.0 leave the
// remainder of subjects unassigned rather than failing.
func TestUnassignedRemainder(t *testing.T) {
	keys := subjectKeys(100)
	assignment, err := Assign(keys, Fractions{Train: 0.3}, 7)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}

	var train, none int
	for _, sp := range assignment {
		switch sp {
		case models.SplitTrain:
			train++
		case models.SplitNone:
			none++
		default:
			t.Fatalf("Unexpected split %q with train-only fractions", sp)
		}
	}
	if train == 0 || none == 0 {
		t.Fatalf("Expected both assigned and unassigned subjects, got train=%d none=%d", train, none)
	}
}

// TestInvalidFractions verifies the configuration guard rails.
func TestInvalidFractions(t *testing.T) {
	if _, err := Assign(subjectKeys(3), Fractions{Train: 0.8, Val: 0.3, Test: 0.2}, 1); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("Expected ErrConfiguration for sum > 1.0, got %v", err)
	}
	if _, err := Assign(subjectKeys(3), Fractions{Train: -0.1}, 1); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("Expected ErrConfiguration for negative fraction, got %v", err)
	}
}
