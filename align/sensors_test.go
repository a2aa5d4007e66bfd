package align

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

// common nominal placement for every path of the test detector
var sensorPlacement = Translation(3, -2, 100).Mul(RotationZ(0.3))

// overlapPairs simulates an overlap where sensor 2 is displaced by q in the
// sensor-1 frame: a point seen at l by sensor 1 is reported at q·l by
// sensor 2.
func overlapPairs(n int, q Matrix, rng *rand.Rand) []HitPair {
	pairs := make([]HitPair, n)
	for i := range pairs {
		l := r3.Vec{X: rng.Float64()*2 - 1, Y: rng.Float64()*2 - 1}
		pairs[i] = HitPair{
			P1: applyPoint(sensorPlacement, l),
			P2: applyPoint(sensorPlacement, applyPoint(q, l)),
		}
		pairs[i].Dist = pairs[i].planarDist2()
	}
	return pairs
}

func TestSensorAligner_RecoversOverlapMisalignment(t *testing.T) {
	g := testGeometry(t, 1, 2, func(string) Matrix { return sensorPlacement })
	q := Translation(0.01, -0.02, 0).Mul(RotationZ(0.002))
	qInv, err := q.Inverse()
	require.NoError(t, err)

	sa := NewSensorAligner(g, SensorAlignConfig{Seed: 42})
	rng := rand.New(rand.NewSource(1))
	pairs := map[string][]HitPair{"0000": overlapPairs(200, q, rng)}

	overlaps, err := sa.AlignOverlaps(pairs)
	require.NoError(t, err)
	require.Len(t, overlaps, 1, "overlaps without pairs are left out")
	assertMatrixNear(t, qInv, overlaps["0000"], 1e-9)

	sensors, err := sa.CombineAlignmentMatrices(overlaps)
	require.NoError(t, err)
	require.Len(t, sensors, 2)
	assertMatrixNear(t, Identity(), sensors[sensorPath(0, 0, 0, 0)], 1e-12)
	assertMatrixNear(t, qInv, sensors[sensorPath(0, 0, 0, 1)], 1e-6)
	assert.True(t, sensors[sensorPath(0, 0, 0, 1)].IsRigid(1e-9))
}

func TestSensorAligner_ThreeDimensional(t *testing.T) {
	g := testGeometry(t, 1, 1, nil)
	q := Translation(0.01, 0.02, 0.03)
	qInv, err := q.Inverse()
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(2))
	pairs := make([]HitPair, 100)
	for i := range pairs {
		l := r3.Vec{X: rng.Float64(), Y: rng.Float64(), Z: rng.Float64()}
		pairs[i] = HitPair{P1: l, P2: applyPoint(q, l)}
	}

	sa := NewSensorAligner(g, SensorAlignConfig{Dimension: 3, Seed: 1})
	m, err := sa.AlignOverlap(g.Overlaps["0000"], pairs)
	require.NoError(t, err)
	assertMatrixNear(t, qInv, m, 1e-9)
}

func TestSensorAligner_SeedIsComposed(t *testing.T) {
	g := testGeometry(t, 1, 1, nil)
	q := Translation(0.05, 0, 0)
	qInv, err := q.Inverse()
	require.NoError(t, err)
	seed := Translation(0, 0, 5)

	sa := NewSensorAligner(g, SensorAlignConfig{Seed: 3})
	sa.SetSeeds(MatrixMap{"0000": seed})
	pairs := overlapPairsIdentity(50, q, rand.New(rand.NewSource(3)))

	m, err := sa.AlignOverlap(g.Overlaps["0000"], pairs)
	require.NoError(t, err)

	// the planar fit leaves z alone, so the seed's z shift must survive
	assertMatrixNear(t, qInv.Mul(seed), m, 1e-9)
}

func TestSensorAligner_SeedWithoutFiniteImage(t *testing.T) {
	g := testGeometry(t, 1, 1, nil)
	seed := Identity()
	seed[12], seed[15] = 1, 0 // w = x

	sa := NewSensorAligner(g, SensorAlignConfig{Seed: 3})
	sa.SetSeeds(MatrixMap{"0000": seed})
	pairs := overlapPairsIdentity(20, Identity(), rand.New(rand.NewSource(4)))
	pairs[7].P2.X = 0

	_, err := sa.AlignOverlap(g.Overlaps["0000"], pairs)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func overlapPairsIdentity(n int, q Matrix, rng *rand.Rand) []HitPair {
	pairs := make([]HitPair, n)
	for i := range pairs {
		l := r3.Vec{X: rng.Float64(), Y: rng.Float64()}
		pairs[i] = HitPair{P1: l, P2: applyPoint(q, l)}
	}
	return pairs
}

func TestSensorAligner_LoadExternalMatrices(t *testing.T) {
	g := testGeometry(t, 1, 1, nil)
	path := filepath.Join(t.TempDir(), "seeds.json")
	require.NoError(t, SaveMatrixMap(path, MatrixMap{"0000": Translation(0, 0, 1)}))

	sa := NewSensorAligner(g, SensorAlignConfig{ExternalMatrices: path, Seed: 1})
	require.NoError(t, sa.LoadExternalMatrices())
	assert.Equal(t, Translation(0, 0, 1), sa.seeds["0000"])

	sa = NewSensorAligner(g, SensorAlignConfig{ExternalMatrices: filepath.Join(t.TempDir(), "none.json")})
	assert.Error(t, sa.LoadExternalMatrices())

	sa = NewSensorAligner(g, SensorAlignConfig{})
	assert.NoError(t, sa.LoadExternalMatrices(), "no external matrices configured")
}

func TestSensorAligner_LoadPairsSkipsMissing(t *testing.T) {
	g := testGeometry(t, 1, 2, nil)
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(4))
	require.NoError(t, WritePairFile(filepath.Join(dir, "pairs-0010.bin"), overlapPairsIdentity(10, Identity(), rng)))

	sa := NewSensorAligner(g, SensorAlignConfig{PairsDir: dir, Seed: 1})
	pairs, err := sa.LoadPairs()
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Len(t, pairs["0010"], 10)
}

func TestSensorAligner_SkipsDegenerateOverlap(t *testing.T) {
	g := testGeometry(t, 1, 2, nil)
	same := make([]HitPair, 20)
	for i := range same {
		same[i] = HitPair{P1: r3.Vec{X: 1, Y: 1}, P2: r3.Vec{X: 1, Y: 1}}
	}
	rng := rand.New(rand.NewSource(5))

	sa := NewSensorAligner(g, SensorAlignConfig{Seed: 1})
	out, err := sa.AlignOverlaps(map[string][]HitPair{
		"0000": same,
		"0010": overlapPairsIdentity(20, Identity(), rng),
	})
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Contains(t, out, "0010")
}

// chainGeometry builds one module with six sensors: 0-1 and 1-2 overlap
// forward, 3 overlaps 0 backward, and 4-5 form an island.
func chainGeometry(t *testing.T) *Geometry {
	t.Helper()
	mod := modulePath(0, 0, 0)
	matrices := MatrixMap{mod: Identity()}
	for s := 0; s <= 5; s++ {
		matrices[sensorPath(0, 0, 0, s)] = Identity()
	}
	link := func(id string, a, b int) Overlap {
		return Overlap{
			ID: id, ID1: a, ID2: b,
			Path1: sensorPath(0, 0, 0, a), Path2: sensorPath(0, 0, 0, b),
			PathModule: mod,
			Matrix1:    Identity(), Matrix2: Identity(),
		}
	}
	g, err := NewGeometry(matrices, map[string]Overlap{
		"0000": link("0000", 0, 1),
		"0001": link("0001", 1, 2),
		"0002": link("0002", 3, 0),
		"0003": link("0003", 4, 5),
	})
	require.NoError(t, err)
	return g
}

func TestCombineAlignmentMatrices_Chain(t *testing.T) {
	g := chainGeometry(t)
	a := Translation(0.1, 0, 0)
	b := RotationZ(0.01)
	c := Translation(0, 0.2, 0)

	sa := NewSensorAligner(g, SensorAlignConfig{Seed: 1})
	out, err := sa.CombineAlignmentMatrices(MatrixMap{
		"0000": a,
		"0001": b,
		"0002": c,
		"0003": Translation(1, 1, 0),
	})
	require.NoError(t, err)

	cInv, err := c.Inverse()
	require.NoError(t, err)

	assert.Len(t, out, 4, "the island 4-5 is not connected to sensor 0")
	assertMatrixNear(t, Identity(), out[sensorPath(0, 0, 0, 0)], 1e-12)
	assertMatrixNear(t, a, out[sensorPath(0, 0, 0, 1)], 1e-12)
	assertMatrixNear(t, a.Mul(b), out[sensorPath(0, 0, 0, 2)], 1e-12)
	assertMatrixNear(t, cInv, out[sensorPath(0, 0, 0, 3)], 1e-12)
	assert.NotContains(t, out, sensorPath(0, 0, 0, 4))
}

func TestCombineAlignmentMatrices_ReferenceIsLowestIndex(t *testing.T) {
	mod := modulePath(0, 0, 0)
	s2, s10 := sensorPath(0, 0, 0, 2), sensorPath(0, 0, 0, 10)
	g, err := NewGeometry(
		MatrixMap{mod: Identity(), s2: Identity(), s10: Identity()},
		map[string]Overlap{"0000": {
			ID: "0000", ID1: 10, ID2: 2,
			Path1: s10, Path2: s2,
			PathModule: mod,
			Matrix1:    Identity(), Matrix2: Identity(),
		}},
	)
	require.NoError(t, err)

	a := Translation(0.1, 0, 0)
	aInv, err := a.Inverse()
	require.NoError(t, err)

	sa := NewSensorAligner(g, SensorAlignConfig{Seed: 1})
	out, err := sa.CombineAlignmentMatrices(MatrixMap{"0000": a})
	require.NoError(t, err)

	// sensor_2 is the reference even though "sensor_10" sorts first as text
	assertMatrixNear(t, Identity(), out[s2], 1e-12)
	assertMatrixNear(t, aInv, out[s10], 1e-12)
}

func TestCombineAlignmentMatrices_UnknownOverlap(t *testing.T) {
	g := testGeometry(t, 1, 1, nil)
	sa := NewSensorAligner(g, SensorAlignConfig{Seed: 1})
	_, err := sa.CombineAlignmentMatrices(MatrixMap{"9999": Identity()})
	assert.ErrorIs(t, err, ErrUnknownPath)
}

func TestCombineAlignmentMatrices_PerModule(t *testing.T) {
	g := testGeometry(t, 2, 2, nil)
	sa := NewSensorAligner(g, SensorAlignConfig{Seed: 1})

	in := make(MatrixMap)
	for i, id := range g.OverlapIDs() {
		in[id] = Translation(float64(i)*0.001, 0, 0)
	}
	out, err := sa.CombineAlignmentMatrices(in)
	require.NoError(t, err)
	assert.Len(t, out, 2*len(in))

	for i, id := range g.OverlapIDs() {
		ov := g.Overlaps[id]
		assertMatrixNear(t, Identity(), out[ov.Path1], 1e-12)
		assertMatrixNear(t, Translation(float64(i)*0.001, 0, 0), out[ov.Path2], 1e-12)
	}
}
