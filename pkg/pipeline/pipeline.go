// Package pipeline batches stain normalization over a directory of patches,
// fanning the work out across CPU cores and aggregating color transfer
// metrics for the run.
package pipeline

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gonum.org/v1/gonum/stat"

	"histonorm/internal/models"
	"histonorm/pkg/imgio"
	"histonorm/pkg/stainnorm"
)

// Params holds the settings for a batch normalization run.
type Params struct {
	// InputDir is the directory holding the source patch images.
	InputDir string

	// TargetPath is the reference image whose staining every patch is
	// normalized to.
	TargetPath string

	// OutputDir receives the normalized images. It is created when missing.
	OutputDir string

	// NumCores caps the number of patches normalized concurrently. Zero or
	// a negative value means all available cores.
	NumCores int

	// OutputFormat selects the encoding of the written files: png, jpg,
	// jpeg, tif, tiff or bmp. Empty means png.
	OutputFormat string

	// JPEGQuality is the encoder quality for jpg output.
	JPEGQuality int

	// Norm are the stain normalization parameters applied to every patch.
	Norm stainnorm.Params
}

// Metrics summarizes a finished batch run.
type Metrics struct {
	// Processed and Failed count the patches that normalized cleanly and
	// the ones that errored.
	Processed int
	Failed    int

	// SourceDistance and OutputDistance hold the average per-channel
	// absolute distance between patch means and the target's means, before
	// and after normalization. Output below Source means the batch moved
	// toward the target palette.
	SourceDistance [3]float64
	OutputDistance [3]float64
}

// Runner drives a batch run. Create one with NewRunner, then call Process.
type Runner struct {
	params  *Params
	format  string
	target  *stainnorm.Image
	results []models.Result
	metrics Metrics
}

// NewRunner returns a Runner for the given parameters.
func NewRunner(params *Params) *Runner {
	return &Runner{params: params}
}

// Results returns the per-patch outcomes of the last Process call, in input
// order.
func (r *Runner) Results() []models.Result {
	return r.results
}

// Metrics returns the aggregate metrics of the last Process call.
func (r *Runner) Metrics() Metrics {
	return r.metrics
}

// Process runs the batch: it loads the target, lists the patches, normalizes
// them concurrently and writes the outputs. A patch that fails is reported
// and counted but does not stop the run; Process itself fails only on setup
// problems such as an unreadable target or an empty input directory.
func (r *Runner) Process() error {
	p := r.params

	r.format = strings.ToLower(p.OutputFormat)
	if r.format == "" {
		r.format = "png"
	}
	switch r.format {
	case "png", "jpg", "jpeg", "tif", "tiff", "bmp":
	default:
		return fmt.Errorf("unsupported output format %q", p.OutputFormat)
	}

	fmt.Println("Step 1: Loading target image...")
	target, err := imgio.Load(p.TargetPath)
	if err != nil {
		return fmt.Errorf("failed to load target image: %w", err)
	}
	// Estimating the target basis up front surfaces an unusable reference
	// once instead of failing every patch later.
	if _, err := stainnorm.EstimateStainBasis(target, p.Norm); err != nil {
		return fmt.Errorf("target is unusable as a staining reference: %w", err)
	}
	r.target = target

	fmt.Println("Step 2: Scanning input directory...")
	paths, err := imgio.ListImages(p.InputDir)
	if err != nil {
		return fmt.Errorf("failed to scan input directory: %w", err)
	}
	if len(paths) == 0 {
		return fmt.Errorf("no image files found in %s", p.InputDir)
	}
	patches := make([]models.Patch, len(paths))
	for i, path := range paths {
		patches[i] = models.Patch{Index: i, Path: path, Name: filepath.Base(path)}
	}

	if err := os.MkdirAll(p.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	fmt.Printf("Step 3: Normalizing %d patches...\n", len(patches))
	r.results = r.runWorkers(patches)

	fmt.Println("Step 4: Computing color transfer metrics...")
	r.metrics = r.aggregate()

	for _, res := range r.results {
		if res.Err != nil {
			fmt.Printf("Warning: skipped %s: %v\n", res.Patch.Name, res.Err)
		}
	}
	return nil
}

// runWorkers fans the patches out to a bounded worker pool and collects the
// results back into input order.
func (r *Runner) runWorkers(patches []models.Patch) []models.Result {
	workers := r.params.NumCores
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(patches) {
		workers = len(patches)
	}

	jobs := make(chan models.Patch)
	done := make(chan models.Result)

	for w := 0; w < workers; w++ {
		go func() {
			for patch := range jobs {
				done <- r.processPatch(patch)
			}
		}()
	}
	go func() {
		for _, patch := range patches {
			jobs <- patch
		}
		close(jobs)
	}()

	results := make([]models.Result, len(patches))
	for completed := 1; completed <= len(patches); completed++ {
		res := <-done
		results[res.Patch.Index] = res
		fmt.Printf("\rProgress: %d/%d patches (%.1f%%)", completed, len(patches),
			float64(completed)/float64(len(patches))*100)
	}
	fmt.Println()
	return results
}

// processPatch normalizes a single patch and writes the result.
func (r *Runner) processPatch(patch models.Patch) models.Result {
	res := models.Result{Patch: patch}

	img, err := imgio.Load(patch.Path)
	if err != nil {
		res.Err = err
		return res
	}

	out, err := stainnorm.Normalize(img, r.target, r.params.Norm)
	if err != nil {
		res.Err = err
		return res
	}

	res.SourceMeans = imageMeans(img)
	res.OutputMeans = imageMeans(out)

	res.OutputPath = filepath.Join(r.params.OutputDir, r.outputName(patch.Name))
	if err := imgio.Save(res.OutputPath, out, r.params.JPEGQuality); err != nil {
		res.Err = err
		res.OutputPath = ""
		return res
	}
	return res
}

// outputName swaps the source extension for the configured output format.
func (r *Runner) outputName(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name)) + "." + r.format
}

// imageMeans returns the per-channel mean intensity of img.
func imageMeans(img *stainnorm.Image) [3]float64 {
	n := img.Width * img.Height
	channel := make([]float64, n)
	var means [3]float64
	for c := 0; c < 3; c++ {
		for i := 0; i < n; i++ {
			channel[i] = float64(img.Pix[i*3+c])
		}
		means[c] = stat.Mean(channel, nil)
	}
	return means
}

// aggregate folds the per-patch outcomes into batch metrics against the
// target's channel means.
func (r *Runner) aggregate() Metrics {
	var m Metrics
	targetMeans := imageMeans(r.target)

	for _, res := range r.results {
		if res.Err != nil {
			m.Failed++
			continue
		}
		m.Processed++
		for c := 0; c < 3; c++ {
			m.SourceDistance[c] += math.Abs(res.SourceMeans[c] - targetMeans[c])
			m.OutputDistance[c] += math.Abs(res.OutputMeans[c] - targetMeans[c])
		}
	}
	if m.Processed > 0 {
		for c := 0; c < 3; c++ {
			m.SourceDistance[c] /= float64(m.Processed)
			m.OutputDistance[c] /= float64(m.Processed)
		}
	}
	return m
}
