package align

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// DegeneracyTolerance is the relative singular-value floor below which a
// cross-covariance matrix is treated as rank deficient.
const DegeneracyTolerance = 1e-12

// PointCloud is an ordered set of D-dimensional points, one row per point.
type PointCloud [][]float64

// Dim returns the dimensionality of the cloud, or 0 if it is empty.
func (pc PointCloud) Dim() int {
	if len(pc) == 0 {
		return 0
	}
	return len(pc[0])
}

// ICPConfig holds configuration for the iterative solver.
type ICPConfig struct {
	MaxIterations int        // Maximum number of iterations
	Tolerance     float64    // Stop when the mean error changes by less than this
	Init          *mat.Dense // Optional (D+1)x(D+1) initial guess
}

// DefaultICPConfig returns the defaults used by the module aligner.
func DefaultICPConfig() ICPConfig {
	return ICPConfig{
		MaxIterations: 50,
		Tolerance:     1e-7,
	}
}

// ICPResult contains the result of a rigid fit
type ICPResult struct {
	Transform           *mat.Dense // (D+1)x(D+1) homogeneous transform mapping source onto target
	Dim                 int        // 2 or 3
	Iterations          int        // Number of iterations performed (0 for the closed form)
	Converged           bool       // Whether the mean error settled within tolerance
	MeanError           float64    // Mean nearest-neighbour distance after the final transform
	RMS                 float64    // Root-mean-square residual of the last closed-form fit
	ReflectionCorrected bool       // Whether the reflection guard fired
}

// BestFitTransform computes the least-squares rigid transform that maps the
// points of a onto the corresponding points of b: b[i] ≈ R·a[i] + t.
// Correspondence is by index.
func BestFitTransform(a, b PointCloud) (ICPResult, error) {
	if len(a) == 0 || len(b) == 0 {
		return ICPResult{}, fmt.Errorf("%w: empty point cloud", ErrDegenerateInput)
	}
	if len(a) != len(b) {
		return ICPResult{}, fmt.Errorf("%w: %d source points, %d target points", ErrShapeMismatch, len(a), len(b))
	}
	d, err := cloudDims(a, b)
	if err != nil {
		return ICPResult{}, err
	}

	ca := centroid(a, d)
	cb := centroid(b, d)

	// H = Σ (a_i − ca)(b_i − cb)ᵀ
	h := mat.NewDense(d, d, nil)
	for i := range a {
		for r := 0; r < d; r++ {
			ar := a[i][r] - ca[r]
			for c := 0; c < d; c++ {
				h.Set(r, c, h.At(r, c)+ar*(b[i][c]-cb[c]))
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return ICPResult{}, fmt.Errorf("%w: SVD did not converge", ErrDegenerateInput)
	}
	s := svd.Values(nil)
	if s[0] == 0 || s[d-2] <= DegeneracyTolerance*s[0] {
		return ICPResult{}, fmt.Errorf("%w: point set does not determine a rotation (singular values %v)", ErrDegenerateInput, s)
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var rot mat.Dense
	rot.Mul(&v, u.T())

	reflected := false
	if mat.Det(&rot) < 0 {
		reflected = true
		for r := 0; r < d; r++ {
			v.Set(r, d-1, -v.At(r, d-1))
		}
		rot.Mul(&v, u.T())
	}

	// t = cb − R·ca
	t := make([]float64, d)
	for r := 0; r < d; r++ {
		t[r] = cb[r]
		for c := 0; c < d; c++ {
			t[r] -= rot.At(r, c) * ca[c]
		}
	}

	transform := mat.NewDense(d+1, d+1, nil)
	for r := 0; r < d; r++ {
		for c := 0; c < d; c++ {
			transform.Set(r, c, rot.At(r, c))
		}
		transform.Set(r, d, t[r])
	}
	transform.Set(d, d, 1)

	return ICPResult{
		Transform:           transform,
		Dim:                 d,
		Converged:           true,
		MeanError:           meanPairDistance(transform, a, b),
		RMS:                 pairRMS(transform, a, b),
		ReflectionCorrected: reflected,
	}, nil
}

// bestFitTranslation is the rotation-free fit t = cb − ca, used for ICP
// steps whose matched set cannot determine a rotation.
func bestFitTranslation(a, b PointCloud, d int) ICPResult {
	ca := centroid(a, d)
	cb := centroid(b, d)
	transform := eye(d + 1)
	for r := 0; r < d; r++ {
		transform.Set(r, d, cb[r]-ca[r])
	}
	return ICPResult{
		Transform: transform,
		Dim:       d,
		MeanError: meanPairDistance(transform, a, b),
		RMS:       pairRMS(transform, a, b),
	}
}

// IterativeClosestPoint aligns src onto dst without known correspondence.
// Each iteration pairs every transformed source point with its nearest
// target point, solves the closed form on those pairs and composes the
// increment onto the running transform. Iteration stops when the mean
// nearest-neighbour error changes by less than cfg.Tolerance, or after
// cfg.MaxIterations with Converged left false. A step whose nearest
// neighbours collapse onto too few target points to fix a rotation (a
// source far from the target, say) moves by translation only.
func IterativeClosestPoint(src, dst PointCloud, cfg ICPConfig) (ICPResult, error) {
	if len(src) == 0 || len(dst) == 0 {
		return ICPResult{}, fmt.Errorf("%w: empty point cloud", ErrDegenerateInput)
	}
	d, err := cloudDims(src, dst)
	if err != nil {
		return ICPResult{}, err
	}
	if cfg.MaxIterations <= 0 {
		return ICPResult{}, fmt.Errorf("%w: max iterations must be positive, got %d", ErrInvalidInput, cfg.MaxIterations)
	}

	total := eye(d + 1)
	if cfg.Init != nil {
		r, c := cfg.Init.Dims()
		if r != d+1 || c != d+1 {
			return ICPResult{}, fmt.Errorf("%w: initial guess is %dx%d, want %dx%d", ErrShapeMismatch, r, c, d+1, d+1)
		}
		total.Copy(cfg.Init)
	}

	index := newNeighborIndex(dst)
	current := TransformCloud(src, total)
	matched := make(PointCloud, len(src))

	result := ICPResult{Dim: d}
	prevErr := math.Inf(1)

	for iter := 0; iter < cfg.MaxIterations; iter++ {
		result.Iterations = iter + 1

		var sum float64
		for i, p := range current {
			q, dist := index.nearest(p)
			matched[i] = q
			sum += dist
		}
		meanErr := sum / float64(len(current))

		if math.Abs(prevErr-meanErr) < cfg.Tolerance {
			result.Converged = true
			break
		}
		prevErr = meanErr

		step, err := BestFitTransform(current, matched)
		if errors.Is(err, ErrDegenerateInput) {
			step = bestFitTranslation(current, matched, d)
		} else if err != nil {
			return ICPResult{}, fmt.Errorf("icp iteration %d: %w", iter+1, err)
		}
		result.RMS = step.RMS
		result.ReflectionCorrected = result.ReflectionCorrected || step.ReflectionCorrected

		var next mat.Dense
		next.Mul(step.Transform, total)
		total = &next
		current = TransformCloud(src, total)
	}

	var sum float64
	for _, p := range current {
		_, dist := index.nearest(p)
		sum += dist
	}
	result.MeanError = sum / float64(len(current))
	result.Transform = total
	return result, nil
}

// TransformCloud applies a (D+1)x(D+1) homogeneous transform to every point.
func TransformCloud(pc PointCloud, t mat.Matrix) PointCloud {
	out := make(PointCloud, len(pc))
	for i, p := range pc {
		out[i] = applyDense(t, p)
	}
	return out
}

func applyDense(t mat.Matrix, p []float64) []float64 {
	d := len(p)
	out := make([]float64, d)
	for r := 0; r < d; r++ {
		v := t.At(r, d)
		for c := 0; c < d; c++ {
			v += t.At(r, c) * p[c]
		}
		out[r] = v
	}
	return out
}

func cloudDims(a, b PointCloud) (int, error) {
	d := a.Dim()
	if d != 2 && d != 3 {
		return 0, fmt.Errorf("%w: unsupported dimension %d", ErrInvalidInput, d)
	}
	for _, pc := range []PointCloud{a, b} {
		for i, p := range pc {
			if len(p) != d {
				return 0, fmt.Errorf("%w: point %d has %d coordinates, want %d", ErrShapeMismatch, i, len(p), d)
			}
		}
	}
	return d, nil
}

func centroid(pc PointCloud, d int) []float64 {
	c := make([]float64, d)
	for _, p := range pc {
		for i := 0; i < d; i++ {
			c[i] += p[i]
		}
	}
	for i := range c {
		c[i] /= float64(len(pc))
	}
	return c
}

func pairRMS(t mat.Matrix, a, b PointCloud) float64 {
	var sq float64
	for i := range a {
		p := applyDense(t, a[i])
		for c := range p {
			diff := p[c] - b[i][c]
			sq += diff * diff
		}
	}
	return math.Sqrt(sq / float64(len(a)))
}

func meanPairDistance(t mat.Matrix, a, b PointCloud) float64 {
	var sum float64
	for i := range a {
		p := applyDense(t, a[i])
		var sq float64
		for c := range p {
			diff := p[c] - b[i][c]
			sq += diff * diff
		}
		sum += math.Sqrt(sq)
	}
	return sum / float64(len(a))
}
