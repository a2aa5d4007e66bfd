package align

import (
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// SensorAligner estimates the relative misalignment of overlapping sensors
// from hit pairs and chains the overlap results into per-sensor corrections.
type SensorAligner struct {
	cfg      SensorAlignConfig
	geometry *Geometry
	rng      *rand.Rand
	seeds    MatrixMap
}

// NewSensorAligner creates an aligner. A zero cfg.Seed seeds the outlier
// cut from the clock.
func NewSensorAligner(g *Geometry, cfg SensorAlignConfig) *SensorAligner {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = 2
	}
	if cfg.PairFilePattern == "" {
		cfg.PairFilePattern = "pairs-%s.bin"
	}
	return &SensorAligner{
		cfg:      cfg,
		geometry: g,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// SetSeeds installs per-overlap starting matrices, keyed by overlap ID.
func (sa *SensorAligner) SetSeeds(seeds MatrixMap) {
	sa.seeds = seeds
}

// LoadExternalMatrices reads the configured seed matrices, if any.
func (sa *SensorAligner) LoadExternalMatrices() error {
	if sa.cfg.ExternalMatrices == "" {
		return nil
	}
	seeds, err := LoadMatrixMap(sa.cfg.ExternalMatrices)
	if err != nil {
		return fmt.Errorf("loading external matrices: %w", err)
	}
	log.Printf("Loaded %d external overlap matrices from %s", len(seeds), sa.cfg.ExternalMatrices)
	sa.seeds = seeds
	return nil
}

// LoadPairs reads the pair file of every known overlap. Overlaps without a
// file are logged and skipped; unreadable files are an error.
func (sa *SensorAligner) LoadPairs() (map[string][]HitPair, error) {
	pairs := make(map[string][]HitPair)
	missing := 0
	for _, id := range sa.geometry.OverlapIDs() {
		path := filepath.Join(sa.cfg.PairsDir, fmt.Sprintf(sa.cfg.PairFilePattern, id))
		hp, err := ReadPairFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				missing++
				continue
			}
			return nil, err
		}
		pairs[id] = hp
	}
	if missing > 0 {
		log.Printf("No pair file for %d of %d overlaps, skipping them", missing, len(sa.geometry.Overlaps))
	}
	return pairs, nil
}

// AlignOverlap fits the transform that maps sensor-2 hits onto sensor-1
// hits, both expressed in the sensor-1 frame.
func (sa *SensorAligner) AlignOverlap(ov Overlap, pairs []HitPair) (Matrix, error) {
	cut, err := DynamicCut(pairs, sa.cfg.CutPercent, sa.rng)
	if err != nil {
		return Matrix{}, err
	}
	framed, err := PairsToFrame(cut, ov.Matrix1)
	if err != nil {
		return Matrix{}, fmt.Errorf("overlap %s sensor frame: %w", ov.ID, err)
	}

	seed := Identity()
	if m, ok := sa.seeds[ov.ID]; ok {
		seed = m
	}

	d := sa.cfg.Dimension
	first := make(PointCloud, len(framed))
	second := make(PointCloud, len(framed))
	for i, p := range framed {
		p2, err := seed.ApplyPoint(p.P2)
		if err != nil {
			return Matrix{}, fmt.Errorf("overlap %s seed: %w", ov.ID, err)
		}
		if d == 2 {
			first[i] = []float64{p.P1.X, p.P1.Y}
			second[i] = []float64{p2.X, p2.Y}
		} else {
			first[i] = []float64{p.P1.X, p.P1.Y, p.P1.Z}
			second[i] = []float64{p2.X, p2.Y, p2.Z}
		}
	}

	res, err := BestFitTransform(second, first)
	if err != nil {
		return Matrix{}, fmt.Errorf("overlap %s: %w", ov.ID, err)
	}
	if res.ReflectionCorrected {
		log.Printf("Overlap %s: reflection corrected in fit", ov.ID)
	}

	var fit Matrix
	if d == 2 {
		fit, err = Lift2D(res.Transform)
	} else {
		fit, err = matrixFromDense(res.Transform)
	}
	if err != nil {
		return Matrix{}, err
	}

	residuals := fitResiduals(res.Transform, second, first)
	mean, std := stat.MeanStdDev(residuals, nil)
	log.Printf("Overlap %s: %d/%d pairs, residual mean=%.2e std=%.2e",
		ov.ID, len(cut), len(pairs), mean, std)

	return fit.Mul(seed), nil
}

// AlignOverlaps aligns every overlap that has pairs, keyed by overlap ID.
// Overlaps whose pairs do not determine a transform are logged and skipped.
func (sa *SensorAligner) AlignOverlaps(pairs map[string][]HitPair) (MatrixMap, error) {
	out := make(MatrixMap)
	skipped := 0
	for _, id := range sa.geometry.OverlapIDs() {
		hp, ok := pairs[id]
		if !ok {
			continue
		}
		m, err := sa.AlignOverlap(sa.geometry.Overlaps[id], hp)
		if errors.Is(err, ErrDegenerateInput) {
			log.Printf("Skipping overlap %s: %v", id, err)
			skipped++
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = m
	}
	log.Printf("Aligned %d overlaps (%d skipped)", len(out), skipped)
	return out, nil
}

type overlapEdge struct {
	to        string
	transform Matrix // sensor correction step in the lmd frame
}

// CombineAlignmentMatrices chains overlap matrices into one correction per
// sensor, keyed by sensor path and expressed in that sensor's frame.
// Within each module the sensor with the lowest index is the reference and
// keeps the identity; the others are reached breadth-first along overlaps.
// Sensors not connected to the reference are logged and left out.
func (sa *SensorAligner) CombineAlignmentMatrices(overlapMatrices MatrixMap) (MatrixMap, error) {
	graphs := make(map[string]map[string][]overlapEdge) // module → sensor → edges
	for _, id := range overlapMatrices.Paths() {
		ov, ok := sa.geometry.Overlaps[id]
		if !ok {
			return nil, fmt.Errorf("%w: overlap %s", ErrUnknownPath, id)
		}
		inv1, err := ov.Matrix1.Inverse()
		if err != nil {
			return nil, fmt.Errorf("overlap %s: %w", id, err)
		}
		forward := ov.Matrix1.Mul(overlapMatrices[id]).Mul(inv1)
		backward, err := forward.Inverse()
		if err != nil {
			return nil, fmt.Errorf("overlap %s: %w", id, err)
		}

		g, ok := graphs[ov.PathModule]
		if !ok {
			g = make(map[string][]overlapEdge)
			graphs[ov.PathModule] = g
		}
		g[ov.Path1] = append(g[ov.Path1], overlapEdge{to: ov.Path2, transform: forward})
		g[ov.Path2] = append(g[ov.Path2], overlapEdge{to: ov.Path1, transform: backward})
	}

	out := make(MatrixMap)
	modules := make([]string, 0, len(graphs))
	for m := range graphs {
		modules = append(modules, m)
	}
	sort.Strings(modules)

	for _, module := range modules {
		g := graphs[module]
		sensors, err := sensorsByIndex(g)
		if err != nil {
			return nil, err
		}

		corrections := map[string]Matrix{sensors[0]: Identity()}
		queue := []string{sensors[0]}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, e := range g[cur] {
				if _, seen := corrections[e.to]; seen {
					continue
				}
				corrections[e.to] = corrections[cur].Mul(e.transform)
				queue = append(queue, e.to)
			}
		}
		if len(corrections) < len(sensors) {
			log.Printf("Module %s: %d of %d sensors not connected to %s", module, len(sensors)-len(corrections), len(sensors), sensors[0])
		}

		for sensor, x := range corrections {
			p, err := ParseDetectorPath(sensor)
			if err != nil {
				return nil, err
			}
			nominal, err := sa.geometry.Nominal(p)
			if err != nil {
				return nil, err
			}
			inv, err := nominal.Inverse()
			if err != nil {
				return nil, fmt.Errorf("sensor %s: %w", sensor, err)
			}
			out[sensor] = inv.Mul(x).Mul(nominal)
		}
	}
	return out, nil
}

// sensorsByIndex orders the sensors of one module graph by sensor number,
// so that sensor_2 comes before sensor_10.
func sensorsByIndex(g map[string][]overlapEdge) ([]string, error) {
	index := make(map[string]int, len(g))
	sensors := make([]string, 0, len(g))
	for s := range g {
		p, err := ParseDetectorPath(s)
		if err != nil {
			return nil, err
		}
		index[s] = p.Sensor
		sensors = append(sensors, s)
	}
	sort.Slice(sensors, func(i, j int) bool {
		a, b := sensors[i], sensors[j]
		if index[a] != index[b] {
			return index[a] < index[b]
		}
		return a < b
	})
	return sensors, nil
}

func fitResiduals(t mat.Matrix, src, dst PointCloud) []float64 {
	moved := TransformCloud(src, t)
	out := make([]float64, len(moved))
	for i := range moved {
		var sq float64
		for c := range moved[i] {
			diff := moved[i][c] - dst[i][c]
			sq += diff * diff
		}
		out[i] = math.Sqrt(sq)
	}
	return out
}
