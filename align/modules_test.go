package align

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

// gridTracks shoots straight tracks through a grid on the z=0 plane of the
// module frame and reports each hit displaced by d.
func gridTracks(placement, d Matrix, sensor int, n int) []Track {
	var tracks []Track
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			at := r3.Vec{X: float64(i) - float64(n)/2, Y: float64(j) - float64(n)/2}
			slope := r3.Unit(r3.Vec{X: 0.01 * float64(i%3), Y: -0.01 * float64(j%2), Z: 1})
			origin := r3.Sub(at, r3.Scale(10, slope))
			tracks = append(tracks, Track{
				Origin: applyPoint(placement, origin),
				Dir:    placement.ApplyVector(slope),
				Hits:   []Hit{{Pos: applyPoint(placement, applyPoint(d, at)), Err: [2]float64{0.01, 0.01}, SensorID: sensor}},
			})
		}
	}
	return tracks
}

func TestModuleAligner_RecoversPlanarShift(t *testing.T) {
	placement := Translation(20, -5, 300).Mul(RotationZ(1.2))
	g := testGeometry(t, 1, 1, func(string) Matrix { return placement })
	d := Translation(0.05, -0.03, 0).Mul(RotationZ(0.002))
	dInv, err := d.Inverse()
	require.NoError(t, err)

	tracks := gridTracks(placement, d, sensorID(0, 1, 0, 0), 12)
	ma := NewModuleAligner(g, ModuleAlignConfig{})
	out, err := ma.Align(tracks)
	require.NoError(t, err)
	require.Len(t, out, 1)

	got := out[modulePath(0, 1, 0)]
	assertMatrixNear(t, dInv, got, 1e-8)
	assert.True(t, got.IsRigid(1e-9))
}

func TestModuleAligner_BuildClouds(t *testing.T) {
	g := testGeometry(t, 1, 2, nil)
	tracks := gridTracks(Identity(), Identity(), sensorID(0, 0, 1, 1), 5)
	tracks = append(tracks, Track{
		Origin: r3.Vec{Z: -1},
		Dir:    r3.Vec{X: 1},
		Hits:   []Hit{{Pos: r3.Vec{X: 1}, SensorID: sensorID(0, 2, 0, 0)}},
	})

	ma := NewModuleAligner(g, ModuleAlignConfig{MaxHitsPerModule: 10})
	clouds, err := ma.BuildClouds(tracks)
	require.NoError(t, err)

	c := clouds[modulePath(0, 0, 1)]
	require.NotNil(t, c)
	assert.Len(t, c.Reco, 10, "cloud must be capped")
	assert.Len(t, c.Predicted, 10)
	for i := range c.Reco {
		assert.InDeltaSlice(t, c.Predicted[i], c.Reco[i], 1e-12)
	}

	parallel := clouds[modulePath(0, 2, 0)]
	require.NotNil(t, parallel)
	assert.Empty(t, parallel.Reco, "tracks parallel to the plane are skipped")
}

func TestModuleAligner_PredictedIntercept(t *testing.T) {
	g := testGeometry(t, 1, 1, nil)
	dir := r3.Unit(r3.Vec{X: 1, Z: 2})
	tracks := []Track{{
		Origin: r3.Vec{Z: -4},
		Dir:    dir,
		Hits:   []Hit{{Pos: r3.Vec{X: 2.1, Y: 0.3, Z: 0}, SensorID: sensorID(0, 0, 0, 0)}},
	}}

	clouds, err := NewModuleAligner(g, ModuleAlignConfig{}).BuildClouds(tracks)
	require.NoError(t, err)
	c := clouds[modulePath(0, 0, 0)]
	require.Len(t, c.Predicted, 1)
	assert.InDeltaSlice(t, []float64{2, 0}, c.Predicted[0], 1e-12)
	assert.InDeltaSlice(t, []float64{2.1, 0.3}, c.Reco[0], 1e-12)
}

func TestModuleAligner_SkipsDegenerateModule(t *testing.T) {
	g := testGeometry(t, 1, 2, nil)
	tracks := gridTracks(Identity(), Translation(0.01, 0, 0), sensorID(0, 0, 0, 0), 6)
	tracks = append(tracks, Track{
		Dir:  r3.Vec{Z: 1},
		Hits: []Hit{{Pos: r3.Vec{X: 1}, SensorID: sensorID(0, 0, 1, 0)}},
	})

	out, err := NewModuleAligner(g, ModuleAlignConfig{}).Align(tracks)
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Contains(t, out, modulePath(0, 0, 0))
}

func TestModuleAligner_UnknownSensor(t *testing.T) {
	g := testGeometry(t, 1, 1, nil)
	_, err := NewModuleAligner(g, ModuleAlignConfig{}).Align([]Track{{
		Dir:  r3.Vec{Z: 1},
		Hits: []Hit{{SensorID: 4242}},
	}})
	assert.ErrorIs(t, err, ErrUnknownPath)
}
