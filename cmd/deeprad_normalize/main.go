// deeprad_normalize computes normalization statistics for folders of NIfTI
// volumes and persists them into each volume's sidecar metadata store.
// Running it is a prerequisite for deeprad_nii2img, which reads the stored
// records instead of recomputing them.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"deeprad/internal/models"
	"deeprad/pkg/config"
	"deeprad/pkg/normalize"
)

// folderList collects repeated --folder flags.
type folderList []string

func (f *folderList) String() string { return fmt.Sprint(*f) }

func (f *folderList) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func main() {
	var folders folderList
	flag.Var(&folders, "folder", "Folder of .nii/.nii.gz volumes (repeatable)")
	configPath := flag.String("config", "", "Optional YAML configuration file")
	method := flag.String("method", "", "Normalization method: minmax, zscore, percentile, custom")
	global := flag.Bool("global", false, "Pool statistics across all volumes (two passes)")
	cropBelow := flag.Float64("cropbelow", -1, "Crop pixel values below this percentile (percentile method)")
	cropAbove := flag.Float64("cropabove", -1, "Crop pixel values above this percentile (percentile method)")
	shift := flag.Float64("shift", 0.0, "User-specified shift (custom method)")
	scale := flag.Float64("scale", 1.0, "User-specified scale (custom method)")
	flag.Parse()

	if len(folders) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *method == "" {
		*method = cfg.Normalization.Method
	}
	if *cropBelow < 0 {
		*cropBelow = cfg.Normalization.CropBelow
	}
	if *cropAbove < 0 {
		*cropAbove = cfg.Normalization.CropAbove
	}

	opts := normalize.Options{
		Method:    models.NormMethod(*method),
		Global:    *global,
		CropBelow: *cropBelow,
		CropAbove: *cropAbove,
		Shift:     *shift,
		Scale:     *scale,
	}

	fmt.Println("deeprad_normalize -- writes normalization records into volume metadata stores")
	report, err := normalize.Run(folders, opts)
	if err != nil {
		log.Fatalf("Normalization failed: %v", err)
	}

	fmt.Printf("\n%d record(s) written\n", report.Written)
	if len(report.Skipped) > 0 {
		fmt.Printf("%d volume(s) skipped:\n", len(report.Skipped))
		for _, failure := range report.Skipped {
			fmt.Printf("  %s: %v\n", failure.Subject, failure.Err)
		}
		os.Exit(1)
	}
}
