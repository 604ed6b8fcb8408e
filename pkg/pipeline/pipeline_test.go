package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"histonorm/pkg/imgio"
	"histonorm/pkg/stainnorm"
)

// writePatch writes a 16x16 two-block test image with mild texture so the
// stain estimation has a full-rank sample cloud to work with.
func writePatch(t *testing.T, path string, a, b [3]uint8) {
	t.Helper()
	img := stainnorm.NewImage(16, 16)
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			c := a
			if x >= 8 {
				c = b
			}
			jitter := uint8((x*5 + y*11) % 12)
			img.Set(x, y, 0, c[0]+jitter)
			img.Set(x, y, 1, c[1]+jitter)
			img.Set(x, y, 2, c[2]+jitter)
		}
	}
	if err := imgio.Save(path, img, 95); err != nil {
		t.Fatalf("Failed to write test image: %v", err)
	}
}

func writeUniform(t *testing.T, path string, c [3]uint8) {
	t.Helper()
	img := stainnorm.NewImage(16, 16)
	for i := 0; i < len(img.Pix); i += 3 {
		img.Pix[i] = c[0]
		img.Pix[i+1] = c[1]
		img.Pix[i+2] = c[2]
	}
	if err := imgio.Save(path, img, 95); err != nil {
		t.Fatalf("Failed to write test image: %v", err)
	}
}

// writeBatch lays down n pale patches and a saturated target, returning the
// input dir and target path.
func writeBatch(t *testing.T, n int) (string, string) {
	t.Helper()
	inputDir := t.TempDir()
	for i := 0; i < n; i++ {
		name := filepath.Join(inputDir, "patch_"+string(rune('a'+i))+".png")
		writePatch(t, name, [3]uint8{230, 180, 210}, [3]uint8{200, 190, 235})
	}
	targetPath := filepath.Join(t.TempDir(), "target.png")
	writePatch(t, targetPath, [3]uint8{90, 30, 80}, [3]uint8{40, 60, 110})
	return inputDir, targetPath
}

func TestRunnerProcess(t *testing.T) {
	inputDir, targetPath := writeBatch(t, 3)
	outputDir := filepath.Join(t.TempDir(), "normalized")

	runner := NewRunner(&Params{
		InputDir:   inputDir,
		TargetPath: targetPath,
		OutputDir:  outputDir,
		NumCores:   2,
		Norm:       stainnorm.DefaultParams(),
	})
	if err := runner.Process(); err != nil {
		t.Fatalf("Failed to process batch: %v", err)
	}

	results := runner.Results()
	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	for i, res := range results {
		if res.Err != nil {
			t.Errorf("Expected patch %d to succeed, got %v", i, res.Err)
			continue
		}
		if res.Patch.Index != i {
			t.Errorf("Expected results in input order, got index %d at position %d", res.Patch.Index, i)
		}
		if _, err := os.Stat(res.OutputPath); err != nil {
			t.Errorf("Expected output file for patch %d: %v", i, err)
		}
	}

	m := runner.Metrics()
	if m.Processed != 3 || m.Failed != 0 {
		t.Errorf("Expected 3 processed and 0 failed, got %d and %d", m.Processed, m.Failed)
	}

	var before, after float64
	for c := 0; c < 3; c++ {
		before += m.SourceDistance[c]
		after += m.OutputDistance[c]
	}
	if after >= before {
		t.Errorf("Expected the batch to move toward the target palette: before=%.2f after=%.2f", before, after)
	}
}

func TestRunnerContinuesPastFailedPatch(t *testing.T) {
	inputDir, targetPath := writeBatch(t, 2)
	// A blank slide has no foreground and cannot yield a stain basis.
	writeUniform(t, filepath.Join(inputDir, "zz_blank.png"), [3]uint8{255, 255, 255})

	runner := NewRunner(&Params{
		InputDir:   inputDir,
		TargetPath: targetPath,
		OutputDir:  filepath.Join(t.TempDir(), "normalized"),
		NumCores:   4,
		Norm:       stainnorm.DefaultParams(),
	})
	if err := runner.Process(); err != nil {
		t.Fatalf("Expected the run to survive a degenerate patch, got %v", err)
	}

	m := runner.Metrics()
	if m.Processed != 2 {
		t.Errorf("Expected 2 processed patches, got %d", m.Processed)
	}
	if m.Failed != 1 {
		t.Errorf("Expected 1 failed patch, got %d", m.Failed)
	}

	results := runner.Results()
	blank := results[len(results)-1]
	if !errors.Is(blank.Err, stainnorm.ErrDegenerateStain) {
		t.Errorf("Expected ErrDegenerateStain for the blank patch, got %v", blank.Err)
	}
	if blank.OutputPath != "" {
		t.Errorf("Expected no output path for the failed patch, got %s", blank.OutputPath)
	}
}

func TestRunnerOutputFormat(t *testing.T) {
	inputDir, targetPath := writeBatch(t, 1)

	runner := NewRunner(&Params{
		InputDir:     inputDir,
		TargetPath:   targetPath,
		OutputDir:    filepath.Join(t.TempDir(), "normalized"),
		OutputFormat: "jpg",
		JPEGQuality:  90,
		Norm:         stainnorm.DefaultParams(),
	})
	if err := runner.Process(); err != nil {
		t.Fatalf("Failed to process batch: %v", err)
	}

	res := runner.Results()[0]
	if filepath.Ext(res.OutputPath) != ".jpg" {
		t.Errorf("Expected a .jpg output, got %s", res.OutputPath)
	}
	if _, err := os.Stat(res.OutputPath); err != nil {
		t.Errorf("Expected output file to exist: %v", err)
	}
}

func TestRunnerSetupErrors(t *testing.T) {
	inputDir, targetPath := writeBatch(t, 1)

	t.Run("missing target", func(t *testing.T) {
		runner := NewRunner(&Params{
			InputDir:   inputDir,
			TargetPath: filepath.Join(t.TempDir(), "absent.png"),
			OutputDir:  t.TempDir(),
			Norm:       stainnorm.DefaultParams(),
		})
		if err := runner.Process(); err == nil {
			t.Error("Expected an error for a missing target image")
		}
	})

	t.Run("degenerate target", func(t *testing.T) {
		blankPath := filepath.Join(t.TempDir(), "blank.png")
		writeUniform(t, blankPath, [3]uint8{255, 255, 255})
		runner := NewRunner(&Params{
			InputDir:   inputDir,
			TargetPath: blankPath,
			OutputDir:  t.TempDir(),
			Norm:       stainnorm.DefaultParams(),
		})
		err := runner.Process()
		if !errors.Is(err, stainnorm.ErrDegenerateStain) {
			t.Errorf("Expected ErrDegenerateStain for a blank target, got %v", err)
		}
	})

	t.Run("empty input directory", func(t *testing.T) {
		runner := NewRunner(&Params{
			InputDir:   t.TempDir(),
			TargetPath: targetPath,
			OutputDir:  t.TempDir(),
			Norm:       stainnorm.DefaultParams(),
		})
		if err := runner.Process(); err == nil {
			t.Error("Expected an error for an input directory with no images")
		}
	})

	t.Run("unsupported output format", func(t *testing.T) {
		runner := NewRunner(&Params{
			InputDir:     inputDir,
			TargetPath:   targetPath,
			OutputDir:    t.TempDir(),
			OutputFormat: "webp",
			Norm:         stainnorm.DefaultParams(),
		})
		if err := runner.Process(); err == nil {
			t.Error("Expected an error for an unsupported output format")
		}
	})

	t.Run("invalid parameters", func(t *testing.T) {
		p := stainnorm.DefaultParams()
		p.Alpha = 60
		runner := NewRunner(&Params{
			InputDir:   inputDir,
			TargetPath: targetPath,
			OutputDir:  t.TempDir(),
			Norm:       p,
		})
		err := runner.Process()
		if !errors.Is(err, stainnorm.ErrInvalidParameter) {
			t.Errorf("Expected ErrInvalidParameter, got %v", err)
		}
	})
}
