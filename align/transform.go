package align

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Translation creates a translation-only transform
func Translation(tx, ty, tz float64) Matrix {
	m := Identity()
	m[3], m[7], m[11] = tx, ty, tz
	return m
}

// RotationZ creates a rotation about the z axis (angle in radians, around origin)
func RotationZ(angle float64) Matrix {
	cos := math.Cos(angle)
	sin := math.Sin(angle)
	m := Identity()
	m[0], m[1] = cos, -sin
	m[4], m[5] = sin, cos
	return m
}

// Mul composes two transforms: result = m * n.
// Applying the result is equivalent to applying n first, then m.
func (m Matrix) Mul(n Matrix) Matrix {
	var out Matrix
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += m[4*i+k] * n[4*k+j]
			}
			out[4*i+j] = sum
		}
	}
	return out
}

// Inverse returns the inverse transform. Nominal placement matrices are
// rigid, but the general inverse is used so that arbitrary affine inputs
// still round-trip.
func (m Matrix) Inverse() (Matrix, error) {
	var inv mat.Dense
	if err := inv.Inverse(m.Dense()); err != nil {
		return Matrix{}, fmt.Errorf("%w: inverting transform: %v", ErrDegenerateInput, err)
	}
	return matrixFromDense(&inv)
}

// ApplyPoint transforms a point (w = 1) and de-homogenizes the result.
// A matrix that sends the point to w = 0 has no finite image for it.
func (m Matrix) ApplyPoint(p r3.Vec) (r3.Vec, error) {
	return Dehomogenize([4]float64{
		m[0]*p.X + m[1]*p.Y + m[2]*p.Z + m[3],
		m[4]*p.X + m[5]*p.Y + m[6]*p.Z + m[7],
		m[8]*p.X + m[9]*p.Y + m[10]*p.Z + m[11],
		m[12]*p.X + m[13]*p.Y + m[14]*p.Z + m[15],
	})
}

// ApplyVector transforms a free vector (w = 0); translation does not apply.
func (m Matrix) ApplyVector(v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m[0]*v.X + m[1]*v.Y + m[2]*v.Z,
		Y: m[4]*v.X + m[5]*v.Y + m[6]*v.Z,
		Z: m[8]*v.X + m[9]*v.Y + m[10]*v.Z,
	}
}

// Rotation returns the upper-left 3x3 block.
func (m Matrix) Rotation() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		m[0], m[1], m[2],
		m[4], m[5], m[6],
		m[8], m[9], m[10],
	})
}

// TranslationVec returns the translation column.
func (m Matrix) TranslationVec() r3.Vec {
	return r3.Vec{X: m[3], Y: m[7], Z: m[11]}
}

// IsRigid reports whether the rotation block is orthonormal with
// determinant +1 and the bottom row is [0 0 0 1], all within tol.
func (m Matrix) IsRigid(tol float64) bool {
	if math.Abs(m[12]) > tol || math.Abs(m[13]) > tol || math.Abs(m[14]) > tol || math.Abs(m[15]-1) > tol {
		return false
	}
	r := m.Rotation()
	var rtr mat.Dense
	rtr.Mul(r.T(), r)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(rtr.At(i, j)-want) > tol {
				return false
			}
		}
	}
	return math.Abs(mat.Det(r)-1) <= tol
}

// Dense returns a 4x4 gonum copy of the transform.
func (m Matrix) Dense() *mat.Dense {
	data := make([]float64, len(m))
	copy(data, m[:])
	return mat.NewDense(4, 4, data)
}

func matrixFromDense(d mat.Matrix) (Matrix, error) {
	r, c := d.Dims()
	if r != 4 || c != 4 {
		return Matrix{}, fmt.Errorf("%w: want 4x4, got %dx%d", ErrShapeMismatch, r, c)
	}
	var m Matrix
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			m[4*i+j] = d.At(i, j)
		}
	}
	return m, nil
}

// MakeHomogeneous embeds a 3x3 rotation in an identity-padded 4x4 transform.
func MakeHomogeneous(r mat.Matrix) (Matrix, error) {
	rows, cols := r.Dims()
	if rows != 3 || cols != 3 {
		return Matrix{}, fmt.Errorf("%w: want 3x3 rotation, got %dx%d", ErrShapeMismatch, rows, cols)
	}
	m := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[4*i+j] = r.At(i, j)
		}
	}
	return m, nil
}

// Lift2D embeds a 3x3 planar homogeneous transform (x, y, w) in a 4x4
// transform that leaves z untouched.
func Lift2D(t mat.Matrix) (Matrix, error) {
	rows, cols := t.Dims()
	if rows != 3 || cols != 3 {
		return Matrix{}, fmt.Errorf("%w: want 3x3 planar transform, got %dx%d", ErrShapeMismatch, rows, cols)
	}
	m := Identity()
	m[0], m[1], m[3] = t.At(0, 0), t.At(0, 1), t.At(0, 2)
	m[4], m[5], m[7] = t.At(1, 0), t.At(1, 1), t.At(1, 2)
	return m, nil
}

// HomogeneousPoint lifts a point to 4 components with w = 1.
func HomogeneousPoint(p r3.Vec) [4]float64 {
	return [4]float64{p.X, p.Y, p.Z, 1}
}

// HomogeneousVector lifts a free vector to 4 components with w = 0.
func HomogeneousVector(v r3.Vec) [4]float64 {
	return [4]float64{v.X, v.Y, v.Z, 0}
}

// Dehomogenize divides by w. Free vectors (w = 0) cannot be de-homogenized.
func Dehomogenize(h [4]float64) (r3.Vec, error) {
	if h[3] == 0 {
		return r3.Vec{}, fmt.Errorf("%w: cannot de-homogenize a vector with w = 0", ErrInvalidInput)
	}
	return r3.Vec{X: h[0] / h[3], Y: h[1] / h[3], Z: h[2] / h[3]}, nil
}

// EulerAngles decomposes a rotation R = Rz·Ry·Rx into (rx, ry, rz) radians.
// Used for diagnostics only; the decomposition is ambiguous near ry = ±π/2.
func EulerAngles(r mat.Matrix) (rx, ry, rz float64) {
	rx = math.Atan2(r.At(2, 1), r.At(2, 2))
	ry = math.Atan2(-r.At(2, 0), math.Hypot(r.At(2, 1), r.At(2, 2)))
	rz = math.Atan2(r.At(1, 0), r.At(0, 0))
	return rx, ry, rz
}

// RotationBetween returns the rotation that turns the direction of apparent
// onto the direction of actual, using R = I + K + K²/(1+cosθ) with
// K = b·aᵀ − a·bᵀ on the normalized inputs. Both vectors must have the same
// dimension, 2 or 3, and be non-zero. Anti-parallel inputs are degenerate.
func RotationBetween(apparent, actual []float64) (*mat.Dense, error) {
	a, b, err := unitPair(apparent, actual)
	if err != nil {
		return nil, err
	}
	d := len(a)

	cos := mat.Dot(mat.NewVecDense(d, a), mat.NewVecDense(d, b))
	if 1+cos <= DegeneracyTolerance {
		return nil, fmt.Errorf("%w: vectors are anti-parallel", ErrDegenerateInput)
	}

	var ba, ab, k mat.Dense
	ba.Outer(1, mat.NewVecDense(d, b), mat.NewVecDense(d, a))
	ab.Outer(1, mat.NewVecDense(d, a), mat.NewVecDense(d, b))
	k.Sub(&ba, &ab)

	var k2 mat.Dense
	k2.Mul(&k, &k)
	k2.Scale(1/(1+cos), &k2)

	r := eye(d)
	r.Add(r, &k)
	r.Add(r, &k2)
	return r, nil
}

// RotationBetweenAxisAngle builds the same rotation as RotationBetween from
// the explicit axis a×b and angle acos(a·b). 3D only.
func RotationBetweenAxisAngle(apparent, actual []float64) (*mat.Dense, error) {
	a, b, err := unitPair(apparent, actual)
	if err != nil {
		return nil, err
	}
	if len(a) != 3 {
		return nil, fmt.Errorf("%w: axis-angle form needs 3D vectors, got %dD", ErrInvalidInput, len(a))
	}

	va := r3.Vec{X: a[0], Y: a[1], Z: a[2]}
	vb := r3.Vec{X: b[0], Y: b[1], Z: b[2]}
	cos := r3.Dot(va, vb)
	if 1+cos <= DegeneracyTolerance {
		return nil, fmt.Errorf("%w: vectors are anti-parallel", ErrDegenerateInput)
	}
	axis := r3.Cross(va, vb)
	sin := r3.Norm(axis)
	if sin == 0 {
		return eye(3), nil
	}
	axis = r3.Scale(1/sin, axis)

	// Rodrigues: R = I + sinθ·[u]× + (1−cosθ)·[u]×²
	ux := mat.NewDense(3, 3, []float64{
		0, -axis.Z, axis.Y,
		axis.Z, 0, -axis.X,
		-axis.Y, axis.X, 0,
	})
	var ux2 mat.Dense
	ux2.Mul(ux, ux)

	r := eye(3)
	var term mat.Dense
	term.Scale(sin, ux)
	r.Add(r, &term)
	term.Scale(1-cos, &ux2)
	r.Add(r, &term)
	return r, nil
}

func unitPair(apparent, actual []float64) ([]float64, []float64, error) {
	if len(apparent) != len(actual) {
		return nil, nil, fmt.Errorf("%w: vector lengths %d and %d", ErrShapeMismatch, len(apparent), len(actual))
	}
	if d := len(apparent); d != 2 && d != 3 {
		return nil, nil, fmt.Errorf("%w: unsupported dimension %d", ErrInvalidInput, d)
	}
	a, err := normalized(apparent)
	if err != nil {
		return nil, nil, err
	}
	b, err := normalized(actual)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

func normalized(v []float64) ([]float64, error) {
	n := mat.Norm(mat.NewVecDense(len(v), v), 2)
	if n == 0 {
		return nil, fmt.Errorf("%w: zero-length vector", ErrDegenerateInput)
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / n
	}
	return out, nil
}

func eye(d int) *mat.Dense {
	m := mat.NewDense(d, d, nil)
	for i := 0; i < d; i++ {
		m.Set(i, i, 1)
	}
	return m
}
