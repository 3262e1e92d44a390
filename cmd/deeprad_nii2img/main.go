// deeprad_nii2img converts organized folders of NIfTI volumes into paired
// float32 TIFF tiles for image-based deep-learning pipelines, with optional
// randomized affine augmentation and deterministic train/val/test splitting.
//
// Output layout with split fractions:
//
//	OUTFOLDER/X/{train,val,test}/... and OUTFOLDER/Y/{train,val,test}/...
//
// and without:
//
//	OUTFOLDER/X/... and OUTFOLDER/Y/...
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deeprad/pkg/augment"
	"deeprad/pkg/config"
	"deeprad/pkg/pipeline"
	"deeprad/pkg/split"
)

// folderList collects repeated folder flags.
type folderList []string

func (f *folderList) String() string { return fmt.Sprint(*f) }

func (f *folderList) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func main() {
	var xDirs, yDirs folderList
	flag.Var(&xDirs, "X", "Folder of input (X) NIfTI volumes (repeatable)")
	flag.Var(&yDirs, "Y", "Folder of target (Y) NIfTI volumes (repeatable)")
	outFolder := flag.String("outfolder", "", "Output folder for the tile tree")
	configPath := flag.String("config", "", "Optional YAML configuration file")
	valFraction := flag.Float64("val-fraction", 0, "Fraction of subjects used for validation")
	testFraction := flag.Float64("test-fraction", 0, "Fraction of subjects used for testing")
	seed := flag.Int64("seed", 813, "Seed for splitting and augmentation")
	augFactor := flag.Int("augfactor", 0, "Augmented passes per subject")
	rotations := flag.Float64("rotations", 0, "Random rotations up to this angle (degrees)")
	translations := flag.Float64("translations", 0, "Random translations up to this many pixels")
	scalings := flag.Float64("scalings", 0, "Random scalings within [(1-s),(1+s)]")
	shears := flag.Float64("shears", 0, "Random shears up to this angle (degrees)")
	hflips := flag.Bool("hflips", false, "Perform random horizontal flips")
	vflips := flag.Bool("vflips", false, "Perform random vertical flips")
	yCategorical := flag.Bool("ycategorical", false, "Treat Y tiles as labels (nearest-neighbor resampling)")
	gridX := flag.Int("gridx", 0, "In-plane tile grid columns")
	gridY := flag.Int("gridy", 0, "In-plane tile grid rows")
	cores := flag.Int("cores", 0, "Number of subjects converted concurrently")
	force := flag.Bool("force", false, "Write into an existing non-empty output folder")
	flag.Parse()

	if len(xDirs) == 0 || len(yDirs) == 0 || *outFolder == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	bounds := cfg.Augmentation
	if *rotations != 0 {
		bounds.RotationDeg = augment.Range{Min: -*rotations, Max: *rotations}
	}
	if *translations != 0 {
		bounds.TranslatePx = augment.Range{Min: -*translations, Max: *translations}
	}
	if *scalings != 0 {
		bounds.ScaleDelta = augment.Range{Min: -*scalings, Max: *scalings}
	}
	if *shears != 0 {
		bounds.ShearDeg = augment.Range{Min: -*shears, Max: *shears}
	}
	bounds.HFlip = bounds.HFlip || *hflips
	bounds.VFlip = bounds.VFlip || *vflips

	params := &pipeline.Params{
		XDirs:     xDirs,
		YDirs:     yDirs,
		OutFolder: *outFolder,
		Fractions: split.Fractions{
			Val:  *valFraction,
			Test: *testFraction,
		},
		Seed:         *seed,
		Bounds:       bounds,
		AugFactor:    pick(*augFactor, cfg.Processing.AugFactor),
		AugRetries:   cfg.Processing.AugRetries,
		GridX:        pick(*gridX, cfg.Processing.GridX),
		GridY:        pick(*gridY, cfg.Processing.GridY),
		YCategorical: *yCategorical || cfg.Output.YCategorical,
		NumCores:     pick(*cores, cfg.Processing.NumCores),
		Force:        *force || cfg.Output.Force,
	}
	if params.Fractions.Enabled() {
		params.Fractions.Train = 1.0 - *valFraction - *testFraction
	}

	// Stop scheduling new subjects on SIGINT/SIGTERM; in-flight subjects
	// complete so no half-written tile pair is left behind.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Println("deeprad_nii2img -- converts NIfTI volumes to float32 TIFF tiles")
	start := time.Now()
	summary, err := pipeline.New(params).Run(ctx)
	if err != nil {
		log.Fatalf("Conversion failed: %v", err)
	}

	fmt.Printf("\nCompleted in %.2f seconds\n", time.Since(start).Seconds())
	fmt.Printf("Subjects succeeded: %d\n", len(summary.Succeeded))
	fmt.Printf("Tile pairs written: %d\n", summary.TilesWritten)
	if len(summary.Unassigned) > 0 {
		fmt.Printf("Subjects left unassigned by split fractions: %d\n", len(summary.Unassigned))
	}
	if len(summary.Skipped) > 0 {
		fmt.Printf("Subjects skipped: %d\n", len(summary.Skipped))
		for _, failure := range summary.Skipped {
			fmt.Printf("  %s: %v\n", failure.Key, failure.Err)
		}
	}
	if len(summary.Succeeded) == 0 {
		os.Exit(1)
	}
}

// pick prefers a flag value over the configuration default.
func pick(flagValue, cfgValue int) int {
	if flagValue > 0 {
		return flagValue
	}
	return cfgValue
}
