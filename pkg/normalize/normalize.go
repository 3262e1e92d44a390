// Package normalize computes per-volume normalization statistics and
// persists them into each volume's sidecar metadata store. Running this pass
// is a prerequisite for the conversion pipeline, which reads the stored
// records and never recomputes them.
package normalize

import (
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/stat"

	"deeprad/internal/models"
	"deeprad/pkg/nifti"
)

// ErrDegenerateDistribution reports an intensity distribution whose scale
// statistic is zero (empty or all-constant data). No record is written for
// such a volume: persisting a zero divisor would corrupt every consumer.
var ErrDegenerateDistribution = errors.New("degenerate intensity distribution")

// Options selects the normalization method and its parameters.
type Options struct {
	Method models.NormMethod

	// Global pools the statistics across all volumes and writes one shared
	// record to every sidecar. Requires two passes over the data.
	Global bool

	// CropBelow and CropAbove are the percentile bounds for the percentile
	// method, in [0,100].
	CropBelow float64
	CropAbove float64

	// Shift and Scale are the user-supplied factors for the custom method.
	Shift float64
	Scale float64
}

// Validate rejects unusable option combinations before any file is touched.
func (o Options) Validate() error {
	switch o.Method {
	case models.NormMinMax, models.NormZScore:
	case models.NormPercentile:
		if o.CropBelow < 0 || o.CropAbove > 100 || o.CropBelow >= o.CropAbove {
			return fmt.Errorf("percentile crop [%g,%g] is not an ascending range within [0,100]",
				o.CropBelow, o.CropAbove)
		}
	case models.NormCustom:
		if o.Scale == 0 {
			return fmt.Errorf("custom normalization requires a nonzero scale")
		}
		if o.Global {
			return fmt.Errorf("custom normalization is already global")
		}
	default:
		return fmt.Errorf("unknown normalization method %q", o.Method)
	}
	return nil
}

// Failure records one volume that was skipped and why.
type Failure struct {
	Subject string
	Path    string
	Err     error
}

// Report summarizes a normalization run.
type Report struct {
	Written int
	Skipped []Failure
}

// Run scans the folders for NIfTI volumes, computes a NormalizationRecord
// per volume (or one pooled record with Options.Global), and persists each
// into the volume's metadata store. The intensity data is never modified.
// Degenerate volumes are skipped and reported; the run continues.
func Run(folders []string, opts Options) (*Report, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(folders) == 0 {
		return nil, fmt.Errorf("no input folders specified")
	}

	var paths []string
	for _, folder := range folders {
		found, err := ListVolumes(folder)
		if err != nil {
			return nil, err
		}
		paths = append(paths, found...)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no NIfTI volumes found in %d folder(s)", len(folders))
	}
	log.Printf("found %d volume(s) in %d folder(s)", len(paths), len(folders))

	if opts.Global {
		return runGlobal(paths, opts)
	}

	report := &Report{}
	for _, path := range paths {
		rec, err := recordForFile(path, opts)
		if err == nil {
			err = writeRecord(path, rec)
		}
		if err != nil {
			report.Skipped = append(report.Skipped, Failure{
				Subject: nifti.BaseName(filepath.Base(path)),
				Path:    path,
				Err:     err,
			})
			log.Printf("skipping %s: %v", path, err)
			continue
		}
		report.Written++
	}
	return report, nil
}

// runGlobal pools per-volume statistics into one record and writes it to
// every sidecar. Pooling follows the method: minmax and percentile take the
// widest range seen, zscore averages the per-volume moments.
func runGlobal(paths []string, opts Options) (*Report, error) {
	report := &Report{}
	var offsets, scales []float64
	var pooled []string

	for _, path := range paths {
		rec, err := recordForFile(path, opts)
		if err != nil {
			report.Skipped = append(report.Skipped, Failure{
				Subject: nifti.BaseName(filepath.Base(path)),
				Path:    path,
				Err:     err,
			})
			log.Printf("skipping %s: %v", path, err)
			continue
		}
		offsets = append(offsets, rec.Offset)
		scales = append(scales, rec.Scale)
		pooled = append(pooled, path)
	}
	if len(pooled) == 0 {
		return report, fmt.Errorf("no usable volumes for global normalization")
	}

	var global models.NormalizationRecord
	global.Method = opts.Method
	switch opts.Method {
	case models.NormZScore:
		global.Offset = stat.Mean(offsets, nil)
		global.Scale = stat.Mean(scales, nil)
	default:
		// Range methods: widest bounds across the dataset.
		lo := offsets[0]
		hi := offsets[0] + scales[0]
		for i := range offsets {
			lo = math.Min(lo, offsets[i])
			hi = math.Max(hi, offsets[i]+scales[i])
		}
		global.Offset = lo
		global.Scale = hi - lo
	}
	if global.Scale == 0 {
		return report, fmt.Errorf("global statistics: %w", ErrDegenerateDistribution)
	}

	for _, path := range pooled {
		if err := writeRecord(path, global); err != nil {
			report.Skipped = append(report.Skipped, Failure{
				Subject: nifti.BaseName(filepath.Base(path)),
				Path:    path,
				Err:     err,
			})
			continue
		}
		report.Written++
	}
	return report, nil
}

// recordForFile loads a volume and computes its NormalizationRecord.
func recordForFile(path string, opts Options) (models.NormalizationRecord, error) {
	if opts.Method == models.NormCustom {
		return models.NormalizationRecord{
			Method: models.NormCustom,
			Offset: opts.Shift,
			Scale:  opts.Scale,
		}, nil
	}
	vol, err := nifti.Load(path)
	if err != nil {
		return models.NormalizationRecord{}, err
	}
	return Compute(vol.Data, opts)
}

// Compute derives a NormalizationRecord from raw intensity samples.
func Compute(data []float64, opts Options) (models.NormalizationRecord, error) {
	if len(data) == 0 {
		return models.NormalizationRecord{}, fmt.Errorf("empty volume: %w", ErrDegenerateDistribution)
	}

	rec := models.NormalizationRecord{Method: opts.Method}
	switch opts.Method {
	case models.NormZScore:
		rec.Offset = stat.Mean(data, nil)
		rec.Scale = stat.StdDev(data, nil)
	case models.NormMinMax:
		lo, hi := data[0], data[0]
		for _, v := range data {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		rec.Offset = lo
		rec.Scale = hi - lo
	case models.NormPercentile:
		sorted := make([]float64, len(data))
		copy(sorted, data)
		sort.Float64s(sorted)
		lo := stat.Quantile(opts.CropBelow/100, stat.Empirical, sorted, nil)
		hi := stat.Quantile(opts.CropAbove/100, stat.Empirical, sorted, nil)
		rec.Offset = lo
		rec.Scale = hi - lo
	}

	if rec.Scale == 0 || math.IsNaN(rec.Scale) {
		return models.NormalizationRecord{}, fmt.Errorf("scale statistic is %v: %w",
			rec.Scale, ErrDegenerateDistribution)
	}
	return rec, nil
}

// writeRecord merges the record into the volume's metadata store with a
// read-modify-write transaction; unrelated store keys are preserved.
func writeRecord(path string, rec models.NormalizationRecord) error {
	meta, err := nifti.LoadMeta(path)
	if err != nil {
		return err
	}
	if err := meta.SetNormalization(rec); err != nil {
		return err
	}
	return nifti.SaveMeta(path, meta)
}

// ListVolumes returns the sorted NIfTI files directly inside folder.
func ListVolumes(folder string) ([]string, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("read input folder: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !nifti.IsNIfTI(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(folder, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}
