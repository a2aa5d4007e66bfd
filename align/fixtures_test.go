package align

import (
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

const testRoot = "/cave_1/lmd_root_0"

// approx compares floats (and Matrix elements) within 1e-9
var approx = cmpopts.EquateApprox(0, 1e-9)

func modulePath(half, plane, module int) string {
	return fmt.Sprintf("%s/half_%d/plane_%d/module_%d", testRoot, half, plane, module)
}

func sensorPath(half, plane, module, sensor int) string {
	return fmt.Sprintf("%s/sensor_%d", modulePath(half, plane, module), sensor)
}

// sensorID numbers the two sensors of every (half, plane, module)
func sensorID(half, plane, module, sensor int) int {
	return ((half*NumPlanes+plane)*DefaultModulesPerHalf+module)*2 + sensor
}

// testGeometry builds a detector with the given halves and modules per
// plane, two sensors per module and one overlap between them. placement
// returns the nominal matrix of a path; nil means identity everywhere.
func testGeometry(t *testing.T, halves, modules int, placement func(path string) Matrix) *Geometry {
	t.Helper()
	if placement == nil {
		placement = func(string) Matrix { return Identity() }
	}

	matrices := MatrixMap{testRoot: placement(testRoot)}
	overlaps := make(map[string]Overlap)
	for h := 0; h < halves; h++ {
		for p := 0; p < NumPlanes; p++ {
			for m := 0; m < modules; m++ {
				mod := modulePath(h, p, m)
				s0 := sensorPath(h, p, m, 0)
				s1 := sensorPath(h, p, m, 1)
				matrices[mod] = placement(mod)
				matrices[s0] = placement(s0)
				matrices[s1] = placement(s1)

				id := fmt.Sprintf("%d%d%d0", h, p, m)
				overlaps[id] = Overlap{
					ID:         id,
					ID1:        sensorID(h, p, m, 0),
					ID2:        sensorID(h, p, m, 1),
					Path1:      s0,
					Path2:      s1,
					PathModule: mod,
					Matrix1:    matrices[s0],
					Matrix2:    matrices[s1],
				}
			}
		}
	}

	g, err := NewGeometry(matrices, overlaps)
	require.NoError(t, err)
	return g
}

// applyPoint transforms a fixture point with an affine matrix.
func applyPoint(m Matrix, p r3.Vec) r3.Vec {
	q, err := m.ApplyPoint(p)
	if err != nil {
		panic(err)
	}
	return q
}

func assertMatrixNear(t *testing.T, want, got Matrix, tol float64) {
	t.Helper()
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, tol)); diff != "" {
		t.Errorf("matrix mismatch (-want +got):\n%s", diff)
	}
}

func assertDenseNear(t *testing.T, want, got mat.Matrix, tol float64) {
	t.Helper()
	if !mat.EqualApprox(want, got, tol) {
		t.Errorf("matrix mismatch:\nwant %v\n got %v", mat.Formatted(want), mat.Formatted(got))
	}
}

func rotX(a float64) *mat.Dense {
	c, s := math.Cos(a), math.Sin(a)
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, c, -s, 0, s, c})
}

func rotY(a float64) *mat.Dense {
	c, s := math.Cos(a), math.Sin(a)
	return mat.NewDense(3, 3, []float64{c, 0, s, 0, 1, 0, -s, 0, c})
}

func rotZ(a float64) *mat.Dense {
	c, s := math.Cos(a), math.Sin(a)
	return mat.NewDense(3, 3, []float64{c, -s, 0, s, c, 0, 0, 0, 1})
}

// planar returns a 3x3 homogeneous 2D transform
func planar(angle, tx, ty float64) *mat.Dense {
	c, s := math.Cos(angle), math.Sin(angle)
	return mat.NewDense(3, 3, []float64{c, -s, tx, s, c, ty, 0, 0, 1})
}
