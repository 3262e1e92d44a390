// Package pipeline sequences the deeprad conversion: per subject it loads
// the paired X and Y volumes, applies the persisted normalization records,
// reshapes each volume into 2D tiles, optionally applies one randomized
// affine augmentation consistently to the pair, assigns the subject to a
// dataset split and writes the tiles as float32 TIFF files.
//
// Subjects carry no cross-subject dependency, so they are processed by a
// bounded worker pool. Per-subject failures are collected into the run
// summary and the remaining subjects continue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"deeprad/internal/models"
	"deeprad/pkg/augment"
	"deeprad/pkg/nifti"
	"deeprad/pkg/normalize"
	"deeprad/pkg/reshape"
	"deeprad/pkg/split"
	"deeprad/pkg/tiff"
)

// ErrMissingNormalization reports a volume whose metadata store holds no
// normalization record. Running deeprad_normalize first is a checked
// precondition, never silently defaulted.
var ErrMissingNormalization = errors.New("no normalization record; run deeprad_normalize first")

// ErrConfiguration reports an invalid pipeline configuration. Configuration
// errors are fatal and abort before any subject is processed.
var ErrConfiguration = errors.New("invalid pipeline configuration")

// Params holds the conversion configuration.
type Params struct {
	// XDirs and YDirs are the input and target NIfTI folders. Multiple
	// folders are stacked as an extra channel axis per subject.
	XDirs []string
	YDirs []string

	// OutFolder receives the X/ and Y/ tile trees.
	OutFolder string

	// Fractions control the train/val/test partitioning; all zero disables
	// splitting and collapses the layout to flat X/ and Y/ folders.
	Fractions split.Fractions

	// Seed drives both the split assignment and the augmentation draws.
	Seed int64

	// Bounds configures augmentation; the zero value disables it.
	Bounds augment.Bounds

	// AugFactor is the number of passes per subject. Each pass draws a
	// fresh transform; with augmentation disabled one pass is emitted.
	AugFactor int

	// AugRetries bounds resampling of degenerate transforms before the
	// identity fallback.
	AugRetries int

	// GridX and GridY partition the in-plane axes into tiles.
	GridX int
	GridY int

	// YCategorical marks target tiles as label data so augmentation
	// resamples them with nearest-neighbor instead of bilinear.
	YCategorical bool

	// NumCores bounds the number of subjects processed concurrently.
	NumCores int

	// Force permits writing into an existing, non-empty output tree.
	Force bool
}

// SubjectFailure records one skipped subject and the reason.
type SubjectFailure struct {
	Key string
	Err error
}

// Summary is the final report of a conversion run.
type Summary struct {
	Succeeded    []string
	Skipped      []SubjectFailure
	Unassigned   []string
	TilesWritten int

	mu sync.Mutex
}

func (s *Summary) addSuccess(key string, tiles int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Succeeded = append(s.Succeeded, key)
	s.TilesWritten += tiles
}

func (s *Summary) addFailure(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Skipped = append(s.Skipped, SubjectFailure{Key: key, Err: err})
}

// Pipeline converts paired NIfTI folders into deep-learning-ready tiles.
type Pipeline struct {
	params *Params
}

// New creates a pipeline for the given parameters.
func New(params *Params) *Pipeline {
	return &Pipeline{params: params}
}

// Run executes the conversion. Cancelling the context stops new subjects
// from starting; in-flight subjects finish, so no half-written X/Y pair is
// left on disk. The returned error covers configuration and setup failures
// only; per-subject failures live in the summary.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	subjects, err := p.discoverSubjects()
	if err != nil {
		return nil, err
	}
	log.Printf("%d input folder(s) matched to %d target folder(s) across %d subject(s)",
		len(p.params.XDirs), len(p.params.YDirs), len(subjects))

	keys := make([]string, len(subjects))
	for i, s := range subjects {
		keys[i] = s.Key
	}
	assignment := map[string]models.Split{}
	if p.params.Fractions.Enabled() {
		assignment, err = split.Assign(keys, p.params.Fractions, p.params.Seed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
	}

	if err := p.prepareOutputDirs(); err != nil {
		return nil, err
	}

	summary := &Summary{}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.params.NumCores)

	for _, subject := range subjects {
		if ctx.Err() != nil {
			break
		}
		subject := subject
		sp := assignment[subject.Key]
		if p.params.Fractions.Enabled() && sp == models.SplitNone {
			summary.mu.Lock()
			summary.Unassigned = append(summary.Unassigned, subject.Key)
			summary.mu.Unlock()
			continue
		}
		g.Go(func() error {
			tiles, err := p.processSubject(subject, sp)
			if err != nil {
				summary.addFailure(subject.Key, err)
				log.Printf("subject %s skipped: %v", subject.Key, err)
				return nil
			}
			summary.addSuccess(subject.Key, tiles)
			log.Printf("subject %s: %d tile pair(s) written", subject.Key, tiles)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}
	return summary, nil
}

func (p *Pipeline) validate() error {
	switch {
	case len(p.params.XDirs) == 0:
		return fmt.Errorf("%w: no --X input folders", ErrConfiguration)
	case len(p.params.YDirs) == 0:
		return fmt.Errorf("%w: no --Y target folders", ErrConfiguration)
	case p.params.OutFolder == "":
		return fmt.Errorf("%w: no output folder", ErrConfiguration)
	case p.params.AugFactor < 1:
		return fmt.Errorf("%w: augmentation factor %d below 1", ErrConfiguration, p.params.AugFactor)
	case p.params.AugRetries < 0:
		return fmt.Errorf("%w: negative augmentation retry count", ErrConfiguration)
	case p.params.GridX < 1 || p.params.GridY < 1:
		return fmt.Errorf("%w: tile grid %dx%d", ErrConfiguration, p.params.GridX, p.params.GridY)
	case p.params.NumCores < 1:
		return fmt.Errorf("%w: core count %d below 1", ErrConfiguration, p.params.NumCores)
	}
	if err := p.params.Fractions.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if err := p.params.Bounds.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return nil
}

// discoverSubjects pairs the sorted folder listings by position, the same
// matching rule the file naming conventions of paired datasets rely on. A
// folder with a deviating file count is a configuration error.
func (p *Pipeline) discoverSubjects() ([]models.Subject, error) {
	xLists, err := listAll(p.params.XDirs)
	if err != nil {
		return nil, err
	}
	yLists, err := listAll(p.params.YDirs)
	if err != nil {
		return nil, err
	}

	n := len(xLists[0])
	if n == 0 {
		return nil, fmt.Errorf("%w: no NIfTI volumes in %s", ErrConfiguration, p.params.XDirs[0])
	}
	for i, list := range xLists {
		if len(list) != n {
			return nil, fmt.Errorf("%w: folder %s holds %d volumes, expected %d",
				ErrConfiguration, p.params.XDirs[i], len(list), n)
		}
	}
	for i, list := range yLists {
		if len(list) != n {
			return nil, fmt.Errorf("%w: folder %s holds %d volumes, expected %d",
				ErrConfiguration, p.params.YDirs[i], len(list), n)
		}
	}

	subjects := make([]models.Subject, n)
	for i := 0; i < n; i++ {
		s := models.Subject{Key: nifti.BaseName(filepath.Base(xLists[0][i]))}
		for _, list := range xLists {
			s.XFiles = append(s.XFiles, list[i])
		}
		for _, list := range yLists {
			s.YFiles = append(s.YFiles, list[i])
		}
		subjects[i] = s
	}
	return subjects, nil
}

func listAll(dirs []string) ([][]string, error) {
	lists := make([][]string, len(dirs))
	for i, dir := range dirs {
		list, err := normalize.ListVolumes(dir)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		lists[i] = list
	}
	return lists, nil
}

// prepareOutputDirs creates the X/ and Y/ trees, refusing to reuse a
// non-empty tree unless forced.
func (p *Pipeline) prepareOutputDirs() error {
	for _, side := range []string{"X", "Y"} {
		root := filepath.Join(p.params.OutFolder, side)
		if !p.params.Force {
			if entries, err := os.ReadDir(root); err == nil && len(entries) > 0 {
				return fmt.Errorf("%w: output folder %s is not empty (use --force)", ErrConfiguration, root)
			}
		}
		dirs := []string{root}
		if p.params.Fractions.Enabled() {
			dirs = nil
			if p.params.Fractions.Train > 0 {
				dirs = append(dirs, filepath.Join(root, string(models.SplitTrain)))
			}
			if p.params.Fractions.Val > 0 {
				dirs = append(dirs, filepath.Join(root, string(models.SplitVal)))
			}
			if p.params.Fractions.Test > 0 {
				dirs = append(dirs, filepath.Join(root, string(models.SplitTest)))
			}
		}
		for _, dir := range dirs {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("create output folder: %w", err)
			}
		}
	}
	return nil
}

// stagedTile is one encoded output file, held in memory until the whole
// subject succeeded so a failed subject never leaves partial output behind.
type stagedTile struct {
	path string
	tile models.Tile
}

// processSubject converts one subject and returns the number of tile pairs
// written. Either all of the subject's tiles reach disk or none do.
func (p *Pipeline) processSubject(subject models.Subject, sp models.Split) (int, error) {
	xVol, err := p.loadStacked(subject.XFiles)
	if err != nil {
		return 0, err
	}
	yVol, err := p.loadStacked(subject.YFiles)
	if err != nil {
		return 0, err
	}
	if !sameDims(spatialDims(xVol.Dims, len(subject.XFiles)), spatialDims(yVol.Dims, len(subject.YFiles))) {
		return 0, fmt.Errorf("%w: X is %v, Y is %v", reshape.ErrShapeMismatch, xVol.Dims, yVol.Dims)
	}

	xPlan, err := reshape.NewPlan(xVol.Dims, p.params.GridX, p.params.GridY)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", reshape.ErrShapeMismatch, err)
	}
	yPlan, err := reshape.NewPlan(yVol.Dims, p.params.GridX, p.params.GridY)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", reshape.ErrShapeMismatch, err)
	}

	xTiles, err := reshape.ToTiles(xVol, xPlan)
	if err != nil {
		return 0, err
	}
	yTiles, err := reshape.ToTiles(yVol, yPlan)
	if err != nil {
		return 0, err
	}

	yInterp := augment.Bilinear
	if p.params.YCategorical {
		yInterp = augment.Nearest
	}

	passes := p.params.AugFactor
	if !p.params.Bounds.Enabled() {
		passes = 1
	}

	var staged []stagedTile
	for pass := 0; pass < passes; pass++ {
		xOut, yOut, err := p.augmentPass(subject.Key, pass, xTiles, yTiles, yInterp)
		if err != nil {
			return 0, err
		}
		for t, tile := range xOut {
			staged = append(staged, stagedTile{path: p.tilePath("X", sp, subject.Key, pass, t), tile: tile})
		}
		for t, tile := range yOut {
			staged = append(staged, stagedTile{path: p.tilePath("Y", sp, subject.Key, pass, t), tile: tile})
		}
	}

	written := make([]string, 0, len(staged))
	for _, st := range staged {
		if err := tiff.EncodeFile(st.path, st.tile); err != nil {
			for _, done := range written {
				os.Remove(done)
			}
			return 0, fmt.Errorf("write %s: %w", st.path, err)
		}
		written = append(written, st.path)
	}

	pairs := len(xTiles)
	if len(yTiles) < pairs {
		pairs = len(yTiles)
	}
	return pairs * passes, nil
}

// augmentPass draws the pass transform and applies it identically to the X
// and Y tile sequences. A degenerate draw is retried up to the bounded
// count, then the identity is used.
func (p *Pipeline) augmentPass(key string, pass int, xTiles, yTiles []models.Tile, yInterp augment.Interpolation) ([]models.Tile, []models.Tile, error) {
	if !p.params.Bounds.Enabled() {
		return xTiles, yTiles, nil
	}

	// Seeding by (seed, key, pass) keeps draws reproducible and independent
	// of worker scheduling order.
	rng := rand.New(rand.NewSource(transformSeed(p.params.Seed, key, pass)))

	for attempt := 0; ; attempt++ {
		tf := augment.Identity()
		if attempt <= p.params.AugRetries {
			tf = augment.Sample(rng, p.params.Bounds)
		}

		xOut, err := applyAll(xTiles, tf, augment.Bilinear)
		if errors.Is(err, augment.ErrDegenerateAugmentation) && attempt <= p.params.AugRetries {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		yOut, err := applyAll(yTiles, tf, yInterp)
		if errors.Is(err, augment.ErrDegenerateAugmentation) && attempt <= p.params.AugRetries {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return xOut, yOut, nil
	}
}

func applyAll(tiles []models.Tile, tf augment.Transform, interp augment.Interpolation) ([]models.Tile, error) {
	out := make([]models.Tile, len(tiles))
	for i, tile := range tiles {
		applied, err := augment.Apply(tile, tf, interp)
		if err != nil {
			return nil, err
		}
		out[i] = applied
	}
	return out, nil
}

// loadStacked loads one or more volume files of a subject, applies each
// file's persisted normalization record and stacks multiple files along an
// appended channel axis.
func (p *Pipeline) loadStacked(paths []string) (*models.Volume, error) {
	vols := make([]*models.Volume, len(paths))
	for i, path := range paths {
		vol, err := nifti.Load(path)
		if err != nil {
			return nil, err
		}
		if len(vol.Dims) > 3 {
			return nil, fmt.Errorf("%w: %s has %d axes, at most 3 supported",
				reshape.ErrShapeMismatch, filepath.Base(path), len(vol.Dims))
		}

		meta, err := nifti.LoadMeta(path)
		if err != nil {
			return nil, err
		}
		rec, ok, err := meta.Normalization()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w (%s)", ErrMissingNormalization, filepath.Base(path))
		}
		for j, v := range vol.Data {
			vol.Data[j] = rec.Apply(v)
		}
		vols[i] = vol
	}

	if len(vols) == 1 {
		return vols[0], nil
	}
	for _, vol := range vols[1:] {
		if !sameDims(vol.Dims, vols[0].Dims) {
			return nil, fmt.Errorf("%w: stacked inputs %v vs %v",
				reshape.ErrShapeMismatch, vol.Dims, vols[0].Dims)
		}
	}
	stacked := &models.Volume{
		Dims:   append(append([]int{}, vols[0].Dims...), len(vols)),
		Affine: vols[0].Affine,
	}
	for _, vol := range vols {
		stacked.Data = append(stacked.Data, vol.Data...)
	}
	return stacked, nil
}

// spatialDims strips the appended channel axis of a volume stacked from
// multiple folders. The X and Y channel counts may differ; every spatial
// axis, depth included, must match exactly.
func spatialDims(dims []int, files int) []int {
	if files > 1 {
		return dims[:len(dims)-1]
	}
	return dims
}

func sameDims(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (p *Pipeline) tilePath(side string, sp models.Split, key string, pass, tile int) string {
	dir := filepath.Join(p.params.OutFolder, side)
	if p.params.Fractions.Enabled() {
		dir = filepath.Join(dir, string(sp))
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s_p%02d_t%04d.tiff", side, key, pass, tile))
}

// transformSeed folds the run seed, subject key and pass index into the
// seed of the per-subject augmentation RNG.
func transformSeed(seed int64, key string, pass int) int64 {
	h := fnv.New64a()
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(uint64(seed) >> (8 * i))
	}
	h.Write(b[:])
	h.Write([]byte(key))
	for i := 0; i < 8; i++ {
		b[i] = byte(uint64(pass) >> (8 * i))
	}
	h.Write(b[:])
	return int64(h.Sum64())
}
