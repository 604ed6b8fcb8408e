// Package stainnorm implements stain-color normalization of histology image
// patches using the method of Macenko et al. ("A method for normalizing
// histology slides for quantitative analysis", ISBI 2009).
//
// The normalizer estimates the 3x3 stain matrix of a patch from the
// eigenstructure of its optical-density samples, unmixes the patch into
// per-pixel stain concentrations, and reconstructs it with the stain matrix
// of a reference image so that a whole batch of patches renders in one
// consistent palette.
package stainnorm

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"
)

// Errors returned by the normalization entry points. They are matched with
// errors.Is; the returned errors carry additional context via wrapping.
var (
	// ErrInvalidImageShape reports an input buffer that is not a non-empty
	// 3-channel image.
	ErrInvalidImageShape = errors.New("stainnorm: invalid image shape")

	// ErrInvalidParameter reports a parameter outside its documented domain.
	ErrInvalidParameter = errors.New("stainnorm: invalid parameter")

	// ErrDegenerateStain reports an image whose optical-density samples do
	// not support a stain basis estimate, such as a patch with fewer than
	// two tissue samples above the foreground threshold.
	ErrDegenerateStain = errors.New("stainnorm: degenerate stain estimation")

	// ErrZeroColumn reports an attempt to rescale a zero column to unit
	// length. During estimation it is the symptom of a collapsed stain
	// basis, for example when all tissue samples share one color.
	ErrZeroColumn = errors.New("stainnorm: cannot normalize zero column")
)

// Params holds the tunable parameters of the Macenko method.
type Params struct {
	// Io is the transmitted-light intensity of an empty (stain-free) pixel,
	// the reference white level of the Beer-Lambert conversion. Must be
	// positive. 255 suits standard 8-bit brightfield scans.
	Io float64

	// Beta is the optical-density threshold separating tissue from
	// background: a pixel joins the estimation set when at least one of its
	// channels exceeds Beta. Must not be negative.
	Beta float64

	// Alpha is the robust percentile, in percent, used to pick the extreme
	// stain directions: the angular extremes are read at the Alpha-th and
	// (100-Alpha)-th percentiles instead of the outlier-prone min and max.
	// Must lie strictly between 0 and 50.
	Alpha float64

	// IntensityNorm rescales the unmixed stain concentrations so that the
	// patch's 99th-percentile concentration per stain matches the target's
	// before reconstruction, aligning stain strength as well as stain color.
	IntensityNorm bool
}

// DefaultParams returns the parameter values of the reference method:
// Io=255, Beta=0.15, Alpha=1, with intensity normalization enabled.
func DefaultParams() Params {
	return Params{Io: 255, Beta: 0.15, Alpha: 1, IntensityNorm: true}
}

func (p Params) validate() error {
	if math.IsNaN(p.Io) || p.Io <= 0 {
		return fmt.Errorf("%w: Io must be positive, got %g", ErrInvalidParameter, p.Io)
	}
	if math.IsNaN(p.Beta) || p.Beta < 0 {
		return fmt.Errorf("%w: beta must not be negative, got %g", ErrInvalidParameter, p.Beta)
	}
	if math.IsNaN(p.Alpha) || p.Alpha <= 0 || p.Alpha >= 50 {
		return fmt.Errorf("%w: alpha must lie in (0, 50), got %g", ErrInvalidParameter, p.Alpha)
	}
	return nil
}

// NormalizeColumns returns a copy of m with every column rescaled to unit
// Euclidean length. The input is left untouched. It returns an error
// wrapping ErrZeroColumn if any column has zero norm.
func NormalizeColumns(m mat.Matrix) (*mat.Dense, error) {
	rows, cols := m.Dims()
	out := mat.DenseCopyOf(m)
	col := make([]float64, rows)
	for j := 0; j < cols; j++ {
		mat.Col(col, j, out)
		norm := floats.Norm(col, 2)
		if norm == 0 {
			return nil, fmt.Errorf("%w: column %d", ErrZeroColumn, j)
		}
		for i := 0; i < rows; i++ {
			out.Set(i, j, col[i]/norm)
		}
	}
	return out, nil
}

// EstimateStainBasis computes the 3x3 stain matrix of img: one unit-length
// optical-density direction per column for the two dominant stains plus
// their cross product as a residual third direction. Column 0 is the stain
// with the larger red-channel absorption, so the ordering is stable across
// images regardless of which angular extreme found which stain.
func EstimateStainBasis(img *Image, p Params) (*mat.Dense, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if err := img.Validate(); err != nil {
		return nil, err
	}
	return stainBasisFromOD(opticalDensity(img, p.Io), p)
}

// opticalDensity converts img to an N x 3 matrix of optical densities via
// Beer-Lambert: od = -log(v/io). Zero samples are read as 1 so the logarithm
// stays finite; the substitution happens at read time and never touches the
// caller's buffer.
func opticalDensity(img *Image, io float64) *mat.Dense {
	n := img.Width * img.Height
	od := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		for c := 0; c < 3; c++ {
			v := float64(img.Pix[i*3+c])
			if v == 0 {
				v = 1
			}
			od.Set(i, c, -math.Log(v/io))
		}
	}
	return od
}

// foregroundSamples returns the rows of od that exceed beta in at least one
// channel, the tissue samples the stain basis is estimated from. Background
// pixels absorb too little to carry stain information. Returns nil when no
// row qualifies.
func foregroundSamples(od *mat.Dense, beta float64) *mat.Dense {
	n, _ := od.Dims()
	var idx []int
	for i := 0; i < n; i++ {
		if od.At(i, 0) > beta || od.At(i, 1) > beta || od.At(i, 2) > beta {
			idx = append(idx, i)
		}
	}
	if idx == nil {
		return nil
	}
	fg := mat.NewDense(len(idx), 3, nil)
	for k, i := range idx {
		fg.Set(k, 0, od.At(i, 0))
		fg.Set(k, 1, od.At(i, 1))
		fg.Set(k, 2, od.At(i, 2))
	}
	return fg
}

// stainBasisFromOD runs the geometric core of the Macenko method on an
// N x 3 optical-density matrix.
func stainBasisFromOD(od *mat.Dense, p Params) (*mat.Dense, error) {
	// Step 1: keep only tissue samples. The sample covariance needs at
	// least two of them to be defined at all.
	fg := foregroundSamples(od, p.Beta)
	if fg == nil {
		return nil, fmt.Errorf("%w: no optical-density sample exceeds beta=%g", ErrDegenerateStain, p.Beta)
	}
	if n, _ := fg.Dims(); n < 2 {
		return nil, fmt.Errorf("%w: only %d foreground sample(s)", ErrDegenerateStain, n)
	}

	// Step 2: eigendecompose the covariance of the tissue samples. The two
	// largest eigenvalues span the plane the stain vectors live in.
	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, fg, nil)
	var eig mat.EigenSym
	if !eig.Factorize(&cov, true) {
		return nil, fmt.Errorf("%w: eigendecomposition of the foreground covariance failed", ErrDegenerateStain)
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// Eigenvalues come back in ascending order, so the dominant plane is
	// spanned by columns 2 and 1. Eigenvector sign is an arbitrary artifact
	// of the factorization; force a non-negative first entry per column so
	// the angles below are reproducible.
	plane := mat.NewDense(3, 2, nil)
	for r := 0; r < 3; r++ {
		plane.Set(r, 0, vecs.At(r, 2))
		plane.Set(r, 1, vecs.At(r, 1))
	}
	for j := 0; j < 2; j++ {
		if plane.At(0, j) < 0 {
			for r := 0; r < 3; r++ {
				plane.Set(r, j, -plane.At(r, j))
			}
		}
	}

	// Step 3: project the tissue samples onto the plane and measure each
	// sample's angle in it.
	var proj mat.Dense
	proj.Mul(fg, plane)
	n, _ := fg.Dims()
	phi := make([]float64, n)
	for i := range phi {
		phi[i] = math.Atan2(proj.At(i, 1), proj.At(i, 0))
	}

	// Step 4: the robust angular extremes are the stain directions.
	minPhi := percentile(phi, p.Alpha)
	maxPhi := percentile(phi, 100-p.Alpha)
	v1 := planeDirection(plane, minPhi)
	v2 := planeDirection(plane, maxPhi)
	v3 := r3.Cross(v1, v2)

	// Step 5: assemble the basis. The extremes carry no stain identity, so
	// order the first two columns by their red-absorption component; the
	// cross-product residual stays third.
	he := mat.NewDense(3, 3, nil)
	if v1.X > v2.X {
		setColumns(he, v1, v2, v3)
	} else {
		setColumns(he, v2, v1, v3)
	}
	return NormalizeColumns(he)
}

// planeDirection maps an in-plane angle back to a 3-dimensional
// optical-density direction.
func planeDirection(plane *mat.Dense, phi float64) r3.Vec {
	c, s := math.Cos(phi), math.Sin(phi)
	return r3.Vec{
		X: plane.At(0, 0)*c + plane.At(0, 1)*s,
		Y: plane.At(1, 0)*c + plane.At(1, 1)*s,
		Z: plane.At(2, 0)*c + plane.At(2, 1)*s,
	}
}

func setColumns(m *mat.Dense, c0, c1, c2 r3.Vec) {
	m.SetCol(0, []float64{c0.X, c0.Y, c0.Z})
	m.SetCol(1, []float64{c1.X, c1.Y, c1.Z})
	m.SetCol(2, []float64{c2.X, c2.Y, c2.Z})
}

// percentile returns the q-th percentile (0 to 100) of values, linearly
// interpolating between order statistics. The input slice is not modified.
func percentile(values []float64, q float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	pos := q / 100 * float64(len(sorted)-1)
	lo := int(pos)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[lo+1]*frac
}

// concentrations solves the unmixing system basis * C = od^T for C in the
// least-squares sense. Row i of the result holds the per-pixel concentration
// of basis column i.
func concentrations(basis *mat.Dense, od *mat.Dense) (*mat.Dense, error) {
	var qr mat.QR
	qr.Factorize(basis)
	var c mat.Dense
	if err := qr.SolveTo(&c, false, od.T()); err != nil {
		return nil, fmt.Errorf("%w: stain basis is numerically singular: %v", ErrDegenerateStain, err)
	}
	return &c, nil
}

// concentrationScale returns the 99th-percentile concentration of each stain
// row of c. The residual third row is not a physical stain and its scale is
// pinned to 1 so intensity normalization never amplifies reconstruction
// noise.
func concentrationScale(c *mat.Dense) ([3]float64, error) {
	var scale [3]float64
	_, n := c.Dims()
	row := make([]float64, n)
	for i := 0; i < 2; i++ {
		mat.Row(row, i, c)
		scale[i] = percentile(row, 99)
		if scale[i] <= 0 || math.IsNaN(scale[i]) {
			return scale, fmt.Errorf("%w: stain %d has non-positive concentration scale %g", ErrDegenerateStain, i, scale[i])
		}
	}
	scale[2] = 1
	return scale, nil
}

// Normalize re-renders patch in the staining characteristics of target and
// returns the result as a new image of the same dimensions. Neither input is
// modified. Both images must be non-empty 3-channel buffers; the parameters
// must satisfy the domains documented on Params.
//
// The patch is converted to optical density, unmixed against its own
// estimated stain basis, optionally rescaled so its stain strength matches
// the target's, and reconstructed through the target's basis.
func Normalize(patch, target *Image, p Params) (*Image, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if err := patch.Validate(); err != nil {
		return nil, fmt.Errorf("patch: %w", err)
	}
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}

	od := opticalDensity(patch, p.Io)
	odTarget := opticalDensity(target, p.Io)

	basis, err := stainBasisFromOD(od, p)
	if err != nil {
		return nil, fmt.Errorf("patch basis: %w", err)
	}
	basisTarget, err := stainBasisFromOD(odTarget, p)
	if err != nil {
		return nil, fmt.Errorf("target basis: %w", err)
	}

	conc, err := concentrations(basis, od)
	if err != nil {
		return nil, fmt.Errorf("patch unmixing: %w", err)
	}

	if p.IntensityNorm {
		scale, err := concentrationScale(conc)
		if err != nil {
			return nil, fmt.Errorf("patch concentrations: %w", err)
		}
		concTarget, err := concentrations(basisTarget, odTarget)
		if err != nil {
			return nil, fmt.Errorf("target unmixing: %w", err)
		}
		scaleTarget, err := concentrationScale(concTarget)
		if err != nil {
			return nil, fmt.Errorf("target concentrations: %w", err)
		}
		_, n := conc.Dims()
		for i := 0; i < 3; i++ {
			ratio := scaleTarget[i] / scale[i]
			for j := 0; j < n; j++ {
				conc.Set(i, j, conc.At(i, j)*ratio)
			}
		}
	}

	return reconstruct(basisTarget, conc, p.Io, patch.Width, patch.Height), nil
}

// reconstruct recombines stain concentrations with a stain basis and inverts
// Beer-Lambert back to transmitted-light intensities, clipped to [0, 255].
func reconstruct(basis, conc *mat.Dense, io float64, width, height int) *Image {
	var od mat.Dense
	od.Mul(basis, conc)

	out := NewImage(width, height)
	n := width * height
	for i := 0; i < n; i++ {
		for c := 0; c < 3; c++ {
			v := io * math.Exp(-od.At(c, i))
			if v < 0 {
				v = 0
			} else if v > 255 {
				v = 255
			}
			out.Pix[i*3+c] = uint8(v)
		}
	}
	return out
}
