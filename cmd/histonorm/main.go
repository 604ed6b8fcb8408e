package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"histonorm/pkg/config"
	"histonorm/pkg/pipeline"
)

func main() {
	// Parse command line arguments
	inputDir := flag.String("input", "", "Directory containing source patch images")
	targetPath := flag.String("target", "", "Reference image whose staining the patches are normalized to")
	outputDir := flag.String("output", "normalized", "Directory to write normalized patches")
	configPath := flag.String("config", "", "Optional YAML configuration file (missing file falls back to defaults)")
	writeConfig := flag.String("write-config", "", "Write a default configuration file to this path and exit")
	numCores := flag.Int("cores", runtime.NumCPU(), "Number of CPU cores to use (default: all available)")
	ioLevel := flag.Float64("io", 255, "Transmitted-light intensity of a stain-free pixel")
	beta := flag.Float64("beta", 0.15, "Optical-density threshold separating tissue from background")
	alpha := flag.Float64("alpha", 1, "Robust percentile for the angular stain extremes, in (0, 50)")
	intensityNorm := flag.Bool("intensity-norm", true, "Match stain strength to the target as well as stain color")
	format := flag.String("format", "png", "Output image format: png, jpg, tif or bmp")
	quality := flag.Int("quality", 95, "JPEG quality from 1 to 100 (jpg output only)")
	flag.Parse()

	if *writeConfig != "" {
		if err := config.CreateDefaultConfigFile(*writeConfig); err != nil {
			log.Fatalf("Failed to write configuration file: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *writeConfig)
		return
	}

	// Validate inputs
	if *inputDir == "" || *targetPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	// Load the configuration file, then let explicitly set flags override it
	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "cores":
			cfg.Processing.NumCores = *numCores
		case "io":
			cfg.Normalization.Io = *ioLevel
		case "beta":
			cfg.Normalization.Beta = *beta
		case "alpha":
			cfg.Normalization.Alpha = *alpha
		case "intensity-norm":
			cfg.Normalization.IntensityNorm = *intensityNorm
		case "format":
			cfg.Output.Format = *format
		case "quality":
			cfg.Output.JPEGQuality = *quality
		}
	})

	fmt.Println("================================")
	fmt.Println("STAIN COLOR NORMALIZATION OF HISTOLOGY PATCHES BY PARALLEL PROCESSING")
	fmt.Println("Based on the method by Macenko et al. (ISBI 2009)")
	fmt.Println("================================")

	// Initialize pipeline parameters
	params := &pipeline.Params{
		InputDir:     *inputDir,
		TargetPath:   *targetPath,
		OutputDir:    *outputDir,
		NumCores:     cfg.Processing.NumCores,
		OutputFormat: cfg.Output.Format,
		JPEGQuality:  cfg.Output.JPEGQuality,
		Norm:         cfg.NormParams(),
	}

	// Create runner instance
	runner := pipeline.NewRunner(params)

	// Run the normalization pipeline
	fmt.Println("Starting batch normalization with parallel processing...")
	startTime := time.Now()
	if err := runner.Process(); err != nil {
		log.Fatalf("Normalization failed: %v", err)
	}
	processingTime := time.Since(startTime)

	// Get and display the color transfer metrics
	metrics := runner.Metrics()
	fmt.Printf("\nNormalization completed successfully in %.2f seconds!\n", processingTime.Seconds())
	fmt.Printf("Normalized patches saved to: %s\n\n", *outputDir)

	fmt.Printf("Color transfer metrics (mean channel distance to target):\n")
	fmt.Printf("=========================================================\n")
	fmt.Printf("Patches processed: %d\n", metrics.Processed)
	fmt.Printf("Patches failed: %d\n", metrics.Failed)
	fmt.Printf("Before: R=%.2f G=%.2f B=%.2f\n",
		metrics.SourceDistance[0], metrics.SourceDistance[1], metrics.SourceDistance[2])
	fmt.Printf("After:  R=%.2f G=%.2f B=%.2f\n",
		metrics.OutputDistance[0], metrics.OutputDistance[1], metrics.OutputDistance[2])

	fmt.Println("\nParallel processing performance:")
	fmt.Printf("- Used %d cores for processing\n", cfg.Processing.NumCores)
	fmt.Printf("- Total processing time: %.2f seconds\n", processingTime.Seconds())
}
