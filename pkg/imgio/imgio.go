// Package imgio bridges image files on disk and the pixel buffers the
// normalizer works on. PNG, JPEG, TIFF and BMP are supported on both the
// decode and the encode side.
package imgio

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"histonorm/pkg/stainnorm"
)

// DefaultJPEGQuality is used when a caller passes a quality outside [1, 100].
const DefaultJPEGQuality = 95

// Load reads and decodes the image file at path into a 3-channel buffer.
func Load(path string) (*stainnorm.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return FromImage(img), nil
}

// FromImage flattens any decoded image into the interleaved 3-channel
// buffer, discarding alpha.
func FromImage(src image.Image) *stainnorm.Image {
	bounds := src.Bounds()
	out := stainnorm.NewImage(bounds.Dx(), bounds.Dy())
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := src.At(x, y).RGBA()
			out.Pix[i] = uint8(r >> 8)
			out.Pix[i+1] = uint8(g >> 8)
			out.Pix[i+2] = uint8(b >> 8)
			i += 3
		}
	}
	return out
}

// ToImage converts a 3-channel buffer back to an opaque RGBA image for
// encoding.
func ToImage(img *stainnorm.Image) (image.Image, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	rgba := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	i := 0
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			rgba.SetRGBA(x, y, color.RGBA{R: img.Pix[i], G: img.Pix[i+1], B: img.Pix[i+2], A: 255})
			i += 3
		}
	}
	return rgba, nil
}

// Save encodes img to path. The encoder is chosen by the file extension;
// jpegQuality applies to JPEG output only.
func Save(path string, img *stainnorm.Image, jpegQuality int) error {
	frame, err := ToImage(img)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return png.Encode(f, frame)
	case ".jpg", ".jpeg":
		if jpegQuality < 1 || jpegQuality > 100 {
			jpegQuality = DefaultJPEGQuality
		}
		return jpeg.Encode(f, frame, &jpeg.Options{Quality: jpegQuality})
	case ".tif", ".tiff":
		return tiff.Encode(f, frame, nil)
	case ".bmp":
		return bmp.Encode(f, frame)
	default:
		return fmt.Errorf("unsupported output format %q", filepath.Ext(path))
	}
}

// ListImages returns the full paths of the image files directly inside dir,
// sorted by name. Subdirectories and non-image files are skipped.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !isImagePath(entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

func isImagePath(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".bmp":
		return true
	}
	return false
}
