package align

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Overlap describes two sensors on the same module whose active areas
// overlap, so that a single track leaves a hit in both.
type Overlap struct {
	ID         string `json:"id"`
	ID1        int    `json:"id1"`
	ID2        int    `json:"id2"`
	Path1      string `json:"path1"`
	Path2      string `json:"path2"`
	PathModule string `json:"pathModule"`
	Matrix1    Matrix `json:"matrix1"`
	Matrix2    Matrix `json:"matrix2"`
}

// Geometry holds the nominal (ideal) detector description.
type Geometry struct {
	Matrices MatrixMap
	Overlaps map[string]Overlap

	sensorModules map[int]DetectorPath
	sensorPaths   map[int]DetectorPath
}

// LoadGeometry reads the nominal matrix and overlap JSON files.
func LoadGeometry(matricesPath, overlapsPath string) (*Geometry, error) {
	matrices, err := LoadMatrixMap(matricesPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(overlapsPath)
	if err != nil {
		return nil, fmt.Errorf("reading overlaps file: %w", err)
	}
	var overlaps map[string]Overlap
	if err := json.Unmarshal(data, &overlaps); err != nil {
		return nil, fmt.Errorf("parsing overlaps file %s: %w", overlapsPath, err)
	}

	return NewGeometry(matrices, overlaps)
}

// NewGeometry validates the overlap table against the matrix table and
// builds the sensor ID lookups.
func NewGeometry(matrices MatrixMap, overlaps map[string]Overlap) (*Geometry, error) {
	g := &Geometry{
		Matrices:      matrices,
		Overlaps:      make(map[string]Overlap, len(overlaps)),
		sensorModules: make(map[int]DetectorPath),
		sensorPaths:   make(map[int]DetectorPath),
	}

	for id, ov := range overlaps {
		if ov.ID == "" {
			ov.ID = id
		}
		mod, err := ParseDetectorPath(ov.PathModule)
		if err != nil {
			return nil, fmt.Errorf("overlap %s: %w", id, err)
		}
		if mod.Level != LevelModule {
			return nil, fmt.Errorf("%w: overlap %s pathModule %s is not a module", ErrMalformedData, id, ov.PathModule)
		}
		for _, s := range []struct {
			id   int
			path string
		}{{ov.ID1, ov.Path1}, {ov.ID2, ov.Path2}} {
			p, err := ParseDetectorPath(s.path)
			if err != nil {
				return nil, fmt.Errorf("overlap %s: %w", id, err)
			}
			if p.Level != LevelSensor {
				return nil, fmt.Errorf("%w: overlap %s path %s is not a sensor", ErrMalformedData, id, s.path)
			}
			g.sensorModules[s.id] = mod
			g.sensorPaths[s.id] = p
		}
		g.Overlaps[id] = ov
	}

	return g, nil
}

// Nominal returns the nominal placement matrix for a path.
func (g *Geometry) Nominal(path DetectorPath) (Matrix, error) {
	m, ok := g.Matrices[path.String()]
	if !ok {
		return Matrix{}, fmt.Errorf("%w: no nominal matrix for %s", ErrUnknownPath, path)
	}
	return m, nil
}

// ModuleOfSensor returns the module a sensor ID is mounted on.
func (g *Geometry) ModuleOfSensor(sensorID int) (DetectorPath, error) {
	p, ok := g.sensorModules[sensorID]
	if !ok {
		return DetectorPath{}, fmt.Errorf("%w: sensor id %d", ErrUnknownPath, sensorID)
	}
	return p, nil
}

// SensorPath returns the full path of a sensor ID.
func (g *Geometry) SensorPath(sensorID int) (DetectorPath, error) {
	p, ok := g.sensorPaths[sensorID]
	if !ok {
		return DetectorPath{}, fmt.Errorf("%w: sensor id %d", ErrUnknownPath, sensorID)
	}
	return p, nil
}

// OverlapIDs returns the overlap identifiers in sorted order.
func (g *Geometry) OverlapIDs() []string {
	ids := make([]string, 0, len(g.Overlaps))
	for id := range g.Overlaps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Modules returns every module path in the matrix table, sorted.
func (g *Geometry) Modules() []DetectorPath {
	var mods []DetectorPath
	for _, key := range g.Matrices.Paths() {
		p, err := ParseDetectorPath(key)
		if err != nil || p.Level != LevelModule {
			continue
		}
		mods = append(mods, p)
	}
	return mods
}
