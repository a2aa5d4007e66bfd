package align

import (
	"fmt"
	"log"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ApparentIP returns the point closest, in the least-squares sense, to all
// track lines: the solution of Σ(I − d·dᵀ)·p = Σ(I − d·dᵀ)·o.
func ApparentIP(tracks []Track) (r3.Vec, error) {
	if len(tracks) == 0 {
		return r3.Vec{}, fmt.Errorf("%w: no tracks", ErrDegenerateInput)
	}

	a := mat.NewDense(3, 3, nil)
	b := mat.NewVecDense(3, nil)
	for _, trk := range tracks {
		d := []float64{trk.Dir.X, trk.Dir.Y, trk.Dir.Z}
		o := []float64{trk.Origin.X, trk.Origin.Y, trk.Origin.Z}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				proj := -d[i] * d[j]
				if i == j {
					proj++
				}
				a.Set(i, j, a.At(i, j)+proj)
				b.SetVec(i, b.AtVec(i)+proj*o[j])
			}
		}
	}

	var p mat.VecDense
	if err := p.SolveVec(a, b); err != nil {
		return r3.Vec{}, fmt.Errorf("%w: track lines do not determine a point: %v", ErrDegenerateInput, err)
	}
	return r3.Vec{X: p.AtVec(0), Y: p.AtVec(1), Z: p.AtVec(2)}, nil
}

// IPAligner derives the rotation of the whole luminosity monitor from the
// offset between the interaction point it sees and the true one.
type IPAligner struct {
	root   DetectorPath
	lumi   r3.Vec
	actual r3.Vec
}

// NewIPAligner creates an aligner keyed by root. Nil lumi or actual take
// DefaultLumiPosition and the origin.
func NewIPAligner(root DetectorPath, cfg IPAlignConfig) (*IPAligner, error) {
	ia := &IPAligner{root: root.RootPath(), lumi: DefaultLumiPosition}
	if cfg.LumiPosition != nil {
		v, err := vec3(cfg.LumiPosition)
		if err != nil {
			return nil, fmt.Errorf("lumi position: %w", err)
		}
		ia.lumi = v
	}
	if cfg.Actual != nil {
		v, err := vec3(cfg.Actual)
		if err != nil {
			return nil, fmt.Errorf("actual IP: %w", err)
		}
		ia.actual = v
	}
	return ia, nil
}

// Align returns the correction that rotates the apparent IP direction, as
// seen from the luminosity monitor, onto the actual one.
func (ia *IPAligner) Align(apparent r3.Vec) (MatrixMap, error) {
	from := r3.Sub(apparent, ia.lumi)
	to := r3.Sub(ia.actual, ia.lumi)

	r, err := RotationBetween([]float64{from.X, from.Y, from.Z}, []float64{to.X, to.Y, to.Z})
	if err != nil {
		return nil, fmt.Errorf("ip rotation: %w", err)
	}
	m, err := MakeHomogeneous(r)
	if err != nil {
		return nil, err
	}

	rx, ry, rz := EulerAngles(r)
	log.Printf("IP apparent (%.4f, %.4f, %.4f): angles x=%.4f y=%.4f z=%.4f mrad",
		apparent.X, apparent.Y, apparent.Z, rx*1e3, ry*1e3, rz*1e3)

	return MatrixMap{ia.root.String(): m}, nil
}

// AlignTracks estimates the apparent IP from tracks, then aligns.
func (ia *IPAligner) AlignTracks(tracks []Track) (MatrixMap, error) {
	apparent, err := ApparentIP(tracks)
	if err != nil {
		return nil, err
	}
	return ia.Align(apparent)
}
