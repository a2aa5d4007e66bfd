package align

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"
)

// parallelTolerance is the smallest |dir.z| for which a track is considered
// to cross a module plane.
const parallelTolerance = 1e-9

// ModuleClouds holds, for one module, the reconstructed hits and the
// matching track intercepts in the module frame.
type ModuleClouds struct {
	Reco      PointCloud
	Predicted PointCloud
}

// ModuleAligner aligns whole modules by matching reconstructed hits against
// the positions predicted by the tracks.
type ModuleAligner struct {
	cfg      ModuleAlignConfig
	geometry *Geometry
}

// NewModuleAligner creates an aligner. Zero limits take their defaults.
func NewModuleAligner(g *Geometry, cfg ModuleAlignConfig) *ModuleAligner {
	def := DefaultICPConfig()
	if cfg.MaxHitsPerModule == 0 {
		cfg.MaxHitsPerModule = 1000
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.Tolerance == 0 {
		cfg.Tolerance = def.Tolerance
	}
	return &ModuleAligner{cfg: cfg, geometry: g}
}

// BuildClouds groups hits by module and computes the planar reco and
// predicted clouds, capped at MaxHitsPerModule each. Tracks parallel to the
// module plane cannot be intersected and are counted and skipped.
func (ma *ModuleAligner) BuildClouds(tracks []Track) (map[string]*ModuleClouds, error) {
	clouds := make(map[string]*ModuleClouds)
	inverses := make(map[string]Matrix)
	parallel := 0

	for ti, trk := range tracks {
		for _, hit := range trk.Hits {
			mod, err := ma.geometry.ModuleOfSensor(hit.SensorID)
			if err != nil {
				return nil, fmt.Errorf("track %d hit %d: %w", ti, hit.Index, err)
			}
			key := mod.String()

			c, ok := clouds[key]
			if !ok {
				c = &ModuleClouds{}
				clouds[key] = c
			}
			if len(c.Reco) >= ma.cfg.MaxHitsPerModule {
				continue
			}

			inv, ok := inverses[key]
			if !ok {
				nominal, err := ma.geometry.Nominal(mod)
				if err != nil {
					return nil, err
				}
				if inv, err = nominal.Inverse(); err != nil {
					return nil, fmt.Errorf("module %s: %w", key, err)
				}
				inverses[key] = inv
			}

			origin, dir, err := trackInFrame(trk, inv)
			if err != nil {
				return nil, fmt.Errorf("track %d: %w", ti, err)
			}
			p, err := inv.ApplyPoint(hit.Pos)
			if err != nil {
				return nil, fmt.Errorf("track %d hit %d: %w", ti, hit.Index, err)
			}
			if math.Abs(dir.Z) < parallelTolerance {
				parallel++
				continue
			}
			at := r3.Add(origin, r3.Scale((p.Z-origin.Z)/dir.Z, dir))

			c.Reco = append(c.Reco, []float64{p.X, p.Y})
			c.Predicted = append(c.Predicted, []float64{at.X, at.Y})
		}
	}

	if parallel > 0 {
		log.Printf("Skipped %d hits on tracks parallel to their module plane", parallel)
	}
	return clouds, nil
}

// AlignModule runs the iterative solver from the reco cloud onto the
// predicted cloud and lifts the planar result to a 4x4 correction.
func (ma *ModuleAligner) AlignModule(module string, c *ModuleClouds) (Matrix, ICPResult, error) {
	res, err := IterativeClosestPoint(c.Reco, c.Predicted, ICPConfig{
		MaxIterations: ma.cfg.MaxIterations,
		Tolerance:     ma.cfg.Tolerance,
	})
	if err != nil {
		return Matrix{}, ICPResult{}, fmt.Errorf("module %s: %w", module, err)
	}
	m, err := Lift2D(res.Transform)
	if err != nil {
		return Matrix{}, ICPResult{}, err
	}
	return m, res, nil
}

// Align produces one correction matrix per module that has hits.
func (ma *ModuleAligner) Align(tracks []Track) (MatrixMap, error) {
	clouds, err := ma.BuildClouds(tracks)
	if err != nil {
		return nil, err
	}

	modules := make([]string, 0, len(clouds))
	for m := range clouds {
		modules = append(modules, m)
	}
	sort.Strings(modules)

	out := make(MatrixMap, len(modules))
	errs := make([]float64, 0, len(modules))
	for _, module := range modules {
		m, res, err := ma.AlignModule(module, clouds[module])
		if errors.Is(err, ErrDegenerateInput) {
			log.Printf("Skipping module %s: %v", module, err)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !res.Converged {
			log.Printf("Module %s: ICP did not converge after %d iterations (mean error %.3e)", module, res.Iterations, res.MeanError)
		}
		out[module] = m
		errs = append(errs, res.MeanError)
	}

	if len(errs) > 0 {
		mean, std := stat.MeanStdDev(errs, nil)
		log.Printf("Aligned %d modules, mean ICP error %.3e (std %.3e)", len(out), mean, std)
	}
	return out, nil
}
