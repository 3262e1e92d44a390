package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"deeprad/internal/models"
	"deeprad/pkg/nifti"
	"deeprad/pkg/normalize"
	"deeprad/pkg/reshape"
	"deeprad/pkg/split"
	"deeprad/pkg/tiff"
)

// writeSubject creates one NIfTI volume with a deterministic intensity ramp.
func writeSubject(t *testing.T, dir, name string, dims []int) string {
	t.Helper()
	n := 1
	for _, d := range dims {
		n *= d
	}
	vol := &models.Volume{Dims: dims, Data: make([]float64, n)}
	for i := range vol.Data {
		vol.Data[i] = float64(i)
	}
	path := filepath.Join(dir, name)
	if err := nifti.Save(path, vol); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

// fixture builds paired X/Y folders with n subjects and runs the
// normalization pass over both.
func fixture(t *testing.T, n int, dims []int) (xDir, yDir string) {
	t.Helper()
	root := t.TempDir()
	xDir = filepath.Join(root, "x")
	yDir = filepath.Join(root, "y")
	for _, dir := range []string{xDir, yDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	for i := 0; i < n; i++ {
		writeSubject(t, xDir, fmt.Sprintf("sub%02d.nii", i), dims)
		writeSubject(t, yDir, fmt.Sprintf("sub%02d.nii", i), dims)
	}
	for _, dir := range []string{xDir, yDir} {
		if _, err := normalize.Run([]string{dir}, normalize.Options{Method: models.NormMinMax}); err != nil {
			t.Fatalf("normalize.Run failed: %v", err)
		}
	}
	return xDir, yDir
}

func baseParams(xDir, yDir, out string) *Params {
	return &Params{
		XDirs:      []string{xDir},
		YDirs:      []string{yDir},
		OutFolder:  out,
		AugFactor:  1,
		AugRetries: 3,
		GridX:      1,
		GridY:      1,
		NumCores:   2,
	}
}

// TestRunFlatLayout converts three subjects without split fractions and
// checks the flat X/Y layout, the tile count and the normalized range.
func TestRunFlatLayout(t *testing.T) {
	xDir, yDir := fixture(t, 3, []int{4, 4, 2})
	out := filepath.Join(t.TempDir(), "out")

	summary, err := New(baseParams(xDir, yDir, out)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(summary.Succeeded) != 3 || len(summary.Skipped) != 0 {
		t.Fatalf("Expected 3 succeeded / 0 skipped, got %d / %d", len(summary.Succeeded), len(summary.Skipped))
	}
	// 2 depth slabs per subject with a 1x1 in-plane grid.
	if summary.TilesWritten != 3*2 {
		t.Fatalf("Expected 6 tile pairs, got %d", summary.TilesWritten)
	}

	for _, side := range []string{"X", "Y"} {
		files, err := filepath.Glob(filepath.Join(out, side, "*.tiff"))
		if err != nil {
			t.Fatalf("glob: %v", err)
		}
		if len(files) != 6 {
			t.Fatalf("Expected 6 %s tiles, got %d", side, len(files))
		}
	}

	// The first tile of sub00 holds voxels 0..15 of a 0..31 ramp,
	// min-max normalized by (v-0)/31.
	tile, err := tiff.DecodeFile(filepath.Join(out, "X", "X_sub00_p00_t0000.tiff"))
	if err != nil {
		t.Fatalf("DecodeFile failed: %v", err)
	}
	if tile.Width != 4 || tile.Height != 4 {
		t.Fatalf("Tile shape %dx%d, want 4x4", tile.Width, tile.Height)
	}
	want := float64(float32(5.0 / 31.0))
	if tile.Pix[5] != want {
		t.Fatalf("Tile pixel 5 is %v, want %v", tile.Pix[5], want)
	}
}

// TestMissingNormalization verifies the checked precondition: a subject
// without a stored record is skipped with the right reason while the
// remaining subjects still convert.
func TestMissingNormalization(t *testing.T) {
	xDir, yDir := fixture(t, 2, []int{4, 4, 2})
	// Drop sub01's record on the X side only.
	if err := os.Remove(nifti.SidecarPath(filepath.Join(xDir, "sub01.nii"))); err != nil {
		t.Fatalf("remove sidecar: %v", err)
	}
	out := filepath.Join(t.TempDir(), "out")

	summary, err := New(baseParams(xDir, yDir, out)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(summary.Succeeded) != 1 || summary.Succeeded[0] != "sub00" {
		t.Fatalf("Expected only sub00 to succeed, got %v", summary.Succeeded)
	}
	if len(summary.Skipped) != 1 || summary.Skipped[0].Key != "sub01" {
		t.Fatalf("Expected sub01 skipped, got %+v", summary.Skipped)
	}
	if !errors.Is(summary.Skipped[0].Err, ErrMissingNormalization) {
		t.Fatalf("Skip reason is %v, expected ErrMissingNormalization", summary.Skipped[0].Err)
	}

	// All-or-nothing: the skipped subject left no tiles behind.
	files, _ := filepath.Glob(filepath.Join(out, "*", "*sub01*"))
	if len(files) != 0 {
		t.Fatalf("Skipped subject left %d files behind", len(files))
	}
}

// TestShapeMismatchSkipsSubject checks that mismatched X/Y geometry is a
// per-subject failure, not a run failure.
func TestShapeMismatchSkipsSubject(t *testing.T) {
	xDir, yDir := fixture(t, 2, []int{4, 4, 2})
	// Replace sub01's target with a differently shaped volume.
	writeSubject(t, yDir, "sub01.nii", []int{6, 6, 2})
	if _, err := normalize.Run([]string{yDir}, normalize.Options{Method: models.NormMinMax}); err != nil {
		t.Fatalf("normalize.Run failed: %v", err)
	}
	out := filepath.Join(t.TempDir(), "out")

	summary, err := New(baseParams(xDir, yDir, out)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(summary.Succeeded) != 1 || len(summary.Skipped) != 1 {
		t.Fatalf("Expected 1 succeeded / 1 skipped, got %d / %d", len(summary.Succeeded), len(summary.Skipped))
	}
	if !errors.Is(summary.Skipped[0].Err, reshape.ErrShapeMismatch) {
		t.Fatalf("Skip reason is %v, expected ErrShapeMismatch", summary.Skipped[0].Err)
	}
}

// TestDepthMismatchSkipsSubject verifies that every spatial axis of the
// paired volumes must match, depth included: a subject whose X and Y depths
// differ would emit tile sequences of different lengths and silently break
// the positional pairing.
func TestDepthMismatchSkipsSubject(t *testing.T) {
	xDir, yDir := fixture(t, 2, []int{4, 4, 4})
	// Same in-plane shape, shallower target.
	writeSubject(t, yDir, "sub01.nii", []int{4, 4, 2})
	if _, err := normalize.Run([]string{yDir}, normalize.Options{Method: models.NormMinMax}); err != nil {
		t.Fatalf("normalize.Run failed: %v", err)
	}
	out := filepath.Join(t.TempDir(), "out")

	summary, err := New(baseParams(xDir, yDir, out)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(summary.Succeeded) != 1 || summary.Succeeded[0] != "sub00" {
		t.Fatalf("Expected only sub00 to succeed, got %v", summary.Succeeded)
	}
	if len(summary.Skipped) != 1 || !errors.Is(summary.Skipped[0].Err, reshape.ErrShapeMismatch) {
		t.Fatalf("Expected sub01 skipped with ErrShapeMismatch, got %+v", summary.Skipped)
	}
	if files, _ := filepath.Glob(filepath.Join(out, "*", "*sub01*")); len(files) != 0 {
		t.Fatalf("Skipped subject left %d files behind", len(files))
	}
}

// TestSplitLayoutNoLeakage converts ten subjects with split fractions and
// verifies every subject's tiles live in exactly one split, the same one on
// the X and Y sides.
func TestSplitLayoutNoLeakage(t *testing.T) {
	xDir, yDir := fixture(t, 10, []int{4, 4, 2})
	out := filepath.Join(t.TempDir(), "out")

	params := baseParams(xDir, yDir, out)
	params.Fractions = split.Fractions{Train: 0.8, Val: 0.1, Test: 0.1}
	params.Seed = 42

	summary, err := New(params).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(summary.Succeeded) != 10 {
		t.Fatalf("Expected 10 subjects, got %d succeeded (%d skipped)",
			len(summary.Succeeded), len(summary.Skipped))
	}
	if len(summary.Unassigned) != 0 {
		t.Fatalf("Fractions sum to 1.0 but %d subjects unassigned", len(summary.Unassigned))
	}

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("sub%02d", i)
		var xSplits, ySplits []string
		for _, sp := range []string{"train", "val", "test"} {
			if m, _ := filepath.Glob(filepath.Join(out, "X", sp, "*"+key+"*")); len(m) > 0 {
				xSplits = append(xSplits, sp)
			}
			if m, _ := filepath.Glob(filepath.Join(out, "Y", sp, "*"+key+"*")); len(m) > 0 {
				ySplits = append(ySplits, sp)
			}
		}
		if len(xSplits) != 1 || len(ySplits) != 1 {
			t.Fatalf("Subject %s appears in X splits %v and Y splits %v", key, xSplits, ySplits)
		}
		if xSplits[0] != ySplits[0] {
			t.Fatalf("Subject %s leaked: X in %s, Y in %s", key, xSplits[0], ySplits[0])
		}
	}
}

// TestConfigurationErrors verifies fatal pre-flight validation.
func TestConfigurationErrors(t *testing.T) {
	xDir, yDir := fixture(t, 1, []int{4, 4, 2})
	out := filepath.Join(t.TempDir(), "out")

	params := baseParams(xDir, yDir, out)
	params.Fractions = split.Fractions{Train: 0.8, Val: 0.4, Test: 0.2}
	if _, err := New(params).Run(context.Background()); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("Expected ErrConfiguration for fraction sum > 1, got %v", err)
	}

	params = baseParams(xDir, yDir, out)
	params.XDirs = nil
	if _, err := New(params).Run(context.Background()); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("Expected ErrConfiguration for missing X folders, got %v", err)
	}
}

// TestDegenerateDrawFallsBackToIdentity drives the orchestrator through
// bounds that can only produce out-of-bounds transforms: after the bounded
// retries the pass falls back to the identity and still emits the full,
// unaugmented tile set.
func TestDegenerateDrawFallsBackToIdentity(t *testing.T) {
	xDir, yDir := fixture(t, 1, []int{4, 4, 2})
	out := filepath.Join(t.TempDir(), "out")

	params := baseParams(xDir, yDir, out)
	params.AugRetries = 2
	// A fixed 100-pixel translation maps every 4x4 tile fully out of bounds.
	params.Bounds.TranslatePx.Min = 100
	params.Bounds.TranslatePx.Max = 100

	summary, err := New(params).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(summary.Succeeded) != 1 || summary.TilesWritten != 2 {
		t.Fatalf("Expected 1 subject / 2 tile pairs, got %d / %d",
			len(summary.Succeeded), summary.TilesWritten)
	}

	// The identity fallback passes the normalized pixels through unchanged.
	tile, err := tiff.DecodeFile(filepath.Join(out, "X", "X_sub00_p00_t0000.tiff"))
	if err != nil {
		t.Fatalf("DecodeFile failed: %v", err)
	}
	if want := float64(float32(5.0 / 31.0)); tile.Pix[5] != want {
		t.Fatalf("Tile pixel 5 is %v, want untransformed %v", tile.Pix[5], want)
	}
}

// TestCancelledRunLeavesNoPartialSubject verifies cancellation semantics: a
// cancelled context stops new subjects from starting and every subject that
// does appear in the output tree is complete.
func TestCancelledRunLeavesNoPartialSubject(t *testing.T) {
	xDir, yDir := fixture(t, 6, []int{4, 4, 2})

	// Already-cancelled context: nothing is scheduled, nothing is written.
	out := filepath.Join(t.TempDir(), "out")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := New(baseParams(xDir, yDir, out)).Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(summary.Succeeded) != 0 || len(summary.Skipped) != 0 {
		t.Fatalf("Cancelled run processed subjects: %+v", summary)
	}
	if files, _ := filepath.Glob(filepath.Join(out, "*", "*.tiff")); len(files) != 0 {
		t.Fatalf("Cancelled run wrote %d files", len(files))
	}

	// Cancellation racing a serial run: whatever completes must be whole.
	out = filepath.Join(t.TempDir(), "out")
	ctx, cancel = context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	params := baseParams(xDir, yDir, out)
	params.NumCores = 1
	summary, err = New(params).Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for _, side := range []string{"X", "Y"} {
		for _, key := range summary.Succeeded {
			files, _ := filepath.Glob(filepath.Join(out, side, "*"+key+"*"))
			if len(files) != 2 {
				t.Fatalf("Subject %s has %d %s tiles, want 2", key, len(files), side)
			}
		}
		files, _ := filepath.Glob(filepath.Join(out, side, "*.tiff"))
		if len(files) != 2*len(summary.Succeeded) {
			t.Fatalf("%s tree holds %d tiles for %d completed subjects",
				side, len(files), len(summary.Succeeded))
		}
	}
}

// TestDisabledAugmentationEmitsSinglePass verifies that without augmentation
// bounds the pipeline writes one pass regardless of the configured factor,
// never byte-identical duplicates.
func TestDisabledAugmentationEmitsSinglePass(t *testing.T) {
	xDir, yDir := fixture(t, 1, []int{4, 4, 2})
	out := filepath.Join(t.TempDir(), "out")

	params := baseParams(xDir, yDir, out)
	params.AugFactor = 3

	summary, err := New(params).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.TilesWritten != 2 {
		t.Fatalf("Expected 2 tile pairs from a single pass, got %d", summary.TilesWritten)
	}
	files, err := filepath.Glob(filepath.Join(out, "X", "*.tiff"))
	if err != nil || len(files) != 2 {
		t.Fatalf("Expected 2 X tiles, got %d (%v)", len(files), err)
	}
	for _, f := range files {
		if matched, _ := filepath.Match("X_sub00_p00_*", filepath.Base(f)); !matched {
			t.Fatalf("Unexpected pass in file name %s", filepath.Base(f))
		}
	}
}

// TestAugmentedRunIsReproducible runs the augmented pipeline twice with the
// same seed and expects byte-identical tiles: transform draws are seeded by
// (seed, subject, pass), independent of worker scheduling.
func TestAugmentedRunIsReproducible(t *testing.T) {
	xDir, yDir := fixture(t, 4, []int{8, 8, 2})

	runOnce := func(out string) {
		params := baseParams(xDir, yDir, out)
		params.Seed = 813
		params.AugFactor = 2
		params.NumCores = 4
		params.Bounds.TranslatePx.Min = -2
		params.Bounds.TranslatePx.Max = 2
		params.Bounds.RotationDeg.Min = -10
		params.Bounds.RotationDeg.Max = 10
		summary, err := New(params).Run(context.Background())
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if len(summary.Succeeded) != 4 {
			t.Fatalf("Expected 4 subjects, got %d", len(summary.Succeeded))
		}
	}

	outA := filepath.Join(t.TempDir(), "a")
	outB := filepath.Join(t.TempDir(), "b")
	runOnce(outA)
	runOnce(outB)

	files, err := filepath.Glob(filepath.Join(outA, "X", "*.tiff"))
	if err != nil || len(files) == 0 {
		t.Fatalf("No tiles produced: %v", err)
	}
	// Both passes of every subject must appear.
	if len(files) != 4*2*2 {
		t.Fatalf("Expected 16 X tiles (4 subjects x 2 passes x 2 slabs), got %d", len(files))
	}
	for _, fileA := range files {
		fileB := filepath.Join(outB, "X", filepath.Base(fileA))
		a, err := os.ReadFile(fileA)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		b, err := os.ReadFile(fileB)
		if err != nil {
			t.Fatalf("Matching tile missing in second run: %v", err)
		}
		if string(a) != string(b) {
			t.Fatalf("Tile %s differs between identically seeded runs", filepath.Base(fileA))
		}
	}
}
