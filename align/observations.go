package align

import (
	"fmt"
	"iter"

	"gonum.org/v1/gonum/spatial/r3"
)

const (
	NumPlanes      = 4 // detector planes along the beam axis
	ParamsPerPlane = 3 // dx, dy, dθz
	LocalParams    = 4 // x0, x', y0, y' of the straight-line track model

	// DefaultModulesPerHalf is the number of modules on each half-plane.
	DefaultModulesPerHalf = 5
)

// GlobalLabel returns the fitter label of one global parameter. Labels
// start at 1 and are unique across sectors.
func GlobalLabel(sector, plane, param int) int {
	return sector*NumPlanes*ParamsPerPlane + plane*ParamsPerPlane + param + 1
}

// LabelParam is the inverse of GlobalLabel.
func LabelParam(label int) (sector, plane, param int, err error) {
	if label < 1 {
		return 0, 0, 0, fmt.Errorf("%w: label %d", ErrInvalidInput, label)
	}
	i := label - 1
	perSector := NumPlanes * ParamsPerPlane
	return i / perSector, i % perSector / ParamsPerPlane, i % ParamsPerPlane, nil
}

// ObservationGenerator turns tracks and their hits into least-squares rows.
type ObservationGenerator struct {
	geometry       *Geometry
	modulesPerHalf int
}

// NewObservationGenerator creates a generator over the nominal geometry.
func NewObservationGenerator(g *Geometry, modulesPerHalf int) *ObservationGenerator {
	if modulesPerHalf <= 0 {
		modulesPerHalf = DefaultModulesPerHalf
	}
	return &ObservationGenerator{geometry: g, modulesPerHalf: modulesPerHalf}
}

// Observations yields two rows (x then y) per hit, track by track. Every
// iteration starts from the first track. The sequence stops after yielding
// the first error.
func (og *ObservationGenerator) Observations(tracks []Track) iter.Seq2[Observation, error] {
	return og.observations(tracks, -1)
}

// SectorObservations is like Observations but only yields rows of one sector.
func (og *ObservationGenerator) SectorObservations(tracks []Track, sector int) iter.Seq2[Observation, error] {
	return og.observations(tracks, sector)
}

func (og *ObservationGenerator) observations(tracks []Track, sector int) iter.Seq2[Observation, error] {
	return func(yield func(Observation, error) bool) {
		inverses := make(map[DetectorPath]Matrix)

		for ti, trk := range tracks {
			for _, hit := range trk.Hits {
				rows, err := og.hitRows(trk, ti, hit, sector, inverses)
				if err != nil {
					yield(Observation{}, err)
					return
				}
				for _, row := range rows {
					if !yield(row, nil) {
						return
					}
				}
			}
		}
	}
}

// hitRows builds the x and y rows of one hit, or nothing if the hit is
// outside the requested sector (sector < 0 means all).
func (og *ObservationGenerator) hitRows(trk Track, ti int, hit Hit, want int, inverses map[DetectorPath]Matrix) ([]Observation, error) {
	mod, err := og.geometry.ModuleOfSensor(hit.SensorID)
	if err != nil {
		return nil, fmt.Errorf("track %d hit %d: %w", ti, hit.Index, err)
	}
	if mod.Plane < 0 || mod.Plane >= NumPlanes {
		return nil, fmt.Errorf("%w: track %d hit %d on plane %d", ErrInvalidInput, ti, hit.Index, mod.Plane)
	}
	sector, err := mod.Sector(og.modulesPerHalf)
	if err != nil {
		return nil, err
	}
	if want >= 0 && sector != want {
		return nil, nil
	}

	first, err := mod.FirstModuleInSector()
	if err != nil {
		return nil, err
	}
	inv, ok := inverses[first]
	if !ok {
		nominal, err := og.geometry.Nominal(first)
		if err != nil {
			return nil, err
		}
		if inv, err = nominal.Inverse(); err != nil {
			return nil, fmt.Errorf("sector frame %s: %w", first, err)
		}
		inverses[first] = inv
	}

	origin, dir, err := trackInFrame(trk, inv)
	if err != nil {
		return nil, fmt.Errorf("track %d: %w", ti, err)
	}
	p, err := inv.ApplyPoint(hit.Pos)
	if err != nil {
		return nil, fmt.Errorf("track %d hit %d: %w", ti, hit.Index, err)
	}

	// perpendicular displacement from the hit to the track line
	oh := r3.Sub(origin, p)
	d := r3.Sub(oh, r3.Scale(r3.Dot(oh, dir), dir))

	base := mod.Plane * ParamsPerPlane
	xRow := Observation{
		Global:   make([]float64, NumPlanes*ParamsPerPlane),
		Local:    []float64{1, p.Z, 0, 0},
		Residual: d.X,
		Sigma:    hit.Err[0],
		Sector:   sector,
		Plane:    mod.Plane,
		Axis:     AxisX,
		Track:    ti,
	}
	xRow.Global[base], xRow.Global[base+2] = -1, -p.Y

	yRow := Observation{
		Global:   make([]float64, NumPlanes*ParamsPerPlane),
		Local:    []float64{0, 0, 1, p.Z},
		Residual: d.Y,
		Sigma:    hit.Err[1],
		Sector:   sector,
		Plane:    mod.Plane,
		Axis:     AxisY,
		Track:    ti,
	}
	yRow.Global[base+1], yRow.Global[base+2] = -1, p.X

	return []Observation{xRow, yRow}, nil
}
