package align

import (
	"encoding/json"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrDegenerateInput is returned for zero-norm vectors, anti-parallel
	// rotation requests, empty clouds and point sets that do not determine a
	// rotation.
	ErrDegenerateInput = errors.New("degenerate input")
	// ErrShapeMismatch is returned when two inputs that must correspond differ
	// in length or dimensionality.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrInvalidInput is returned for out-of-range parameters.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnknownPath is returned when a detector path or sensor ID has no
	// entry in the geometry tables.
	ErrUnknownPath = errors.New("unknown detector path")
	// ErrMalformedData is returned for unreadable upstream files.
	ErrMalformedData = errors.New("malformed data")
)

// Matrix is a 4x4 homogeneous transform stored row-major, the same layout as
// the flattened 16-element arrays of the matrix JSON files:
// m00,m01,m02,m03, m10,m11,...
type Matrix [16]float64

// Identity returns the identity transform
func Identity() Matrix {
	return Matrix{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// At returns element (i, j).
func (m Matrix) At(i, j int) float64 {
	return m[4*i+j]
}

// UnmarshalJSON rejects arrays that are not exactly 16 elements long; the
// default array decoding would silently zero-fill or truncate them.
func (m *Matrix) UnmarshalJSON(data []byte) error {
	var values []float64
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("%w: matrix: %v", ErrMalformedData, err)
	}
	if len(values) != len(m) {
		return fmt.Errorf("%w: matrix has %d elements, want %d", ErrMalformedData, len(values), len(m))
	}
	copy(m[:], values)
	return nil
}

// HitPair is one track crossing two overlapping sensors: the hit on the
// first sensor, the hit on the second, and the squared planar (x,y) distance
// between them.
type HitPair struct {
	P1   r3.Vec
	P2   r3.Vec
	Dist float64
}

// planarDist2 is the squared (x,y) distance between the two hits
func (hp HitPair) planarDist2() float64 {
	dx := hp.P2.X - hp.P1.X
	dy := hp.P2.Y - hp.P1.Y
	return dx*dx + dy*dy
}

// Hit is a reconstructed hit on a sensor.
type Hit struct {
	Index    int
	Pos      r3.Vec
	Err      [2]float64 // x and y uncertainty
	SensorID int
}

// Track is a reconstructed straight track and the hits it produced.
// Dir is always unit length.
type Track struct {
	Origin r3.Vec
	Dir    r3.Vec
	Hits   []Hit
}

// Axis selects the measurement direction of an observation row
type Axis int

const (
	AxisX Axis = iota
	AxisY
)

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	default:
		return fmt.Sprintf("Axis(%d)", int(a))
	}
}

// Observation is one row of the generalized least-squares system.
type Observation struct {
	Global   []float64 // ParamsPerPlane derivatives per plane, NumPlanes blocks
	Local    []float64 // track line-fit derivatives
	Residual float64
	Sigma    float64
	Sector   int
	Plane    int
	Axis     Axis
	Track    int // index of the track the row came from
}
