package stainnorm

import "fmt"

// expectedChannels is the number of intensity samples per pixel the
// normalizer operates on: three light-absorption channels.
const expectedChannels = 3

// Image is an interleaved 8-bit pixel buffer of transmitted-light intensity
// samples. It is the raw in-memory form exchanged with image I/O code: the
// normalizer neither decodes nor encodes files.
type Image struct {
	// Pix holds the samples in row-major order with Channels samples per
	// pixel: the sample for channel c at (x, y) lives at PixOffset(x, y)+c.
	Pix []uint8

	// Width and Height are the image dimensions in pixels.
	Width  int
	Height int

	// Channels is the number of samples per pixel. The normalization entry
	// points require exactly 3; the field exists so malformed buffers are
	// rejected instead of silently misread.
	Channels int
}

// NewImage returns a zeroed 3-channel image of the given dimensions.
func NewImage(width, height int) *Image {
	return &Image{
		Pix:      make([]uint8, width*height*expectedChannels),
		Width:    width,
		Height:   height,
		Channels: expectedChannels,
	}
}

// Clone returns a deep copy of the image. The returned buffer shares no
// memory with the original.
func (im *Image) Clone() *Image {
	pix := make([]uint8, len(im.Pix))
	copy(pix, im.Pix)
	return &Image{Pix: pix, Width: im.Width, Height: im.Height, Channels: im.Channels}
}

// PixOffset returns the index of the first sample of the pixel at (x, y).
func (im *Image) PixOffset(x, y int) int {
	return (y*im.Width + x) * im.Channels
}

// At returns the sample for channel c of the pixel at (x, y).
func (im *Image) At(x, y, c int) uint8 {
	return im.Pix[im.PixOffset(x, y)+c]
}

// Set stores v as the sample for channel c of the pixel at (x, y).
func (im *Image) Set(x, y, c int, v uint8) {
	im.Pix[im.PixOffset(x, y)+c] = v
}

// Validate checks that the buffer is a well-formed, non-empty 3-channel
// image. It returns an error wrapping ErrInvalidImageShape otherwise.
func (im *Image) Validate() error {
	if im == nil {
		return fmt.Errorf("%w: image is nil", ErrInvalidImageShape)
	}
	if im.Channels != expectedChannels {
		return fmt.Errorf("%w: got %d channels, want %d", ErrInvalidImageShape, im.Channels, expectedChannels)
	}
	if im.Width <= 0 || im.Height <= 0 {
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidImageShape, im.Width, im.Height)
	}
	if want := im.Width * im.Height * im.Channels; len(im.Pix) != want {
		return fmt.Errorf("%w: buffer holds %d samples, want %d", ErrInvalidImageShape, len(im.Pix), want)
	}
	return nil
}
