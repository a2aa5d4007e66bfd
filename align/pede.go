package align

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// PedeParameter is one line of a millepede.res result file.
type PedeParameter struct {
	Label    int
	Value    float64
	PreSigma float64
	Diff     float64 // zero when pede did not report it
	Error    float64 // zero when pede did not report it
}

// ReadPedeResult reads a millepede.res file.
func ReadPedeResult(path string) ([]PedeParameter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening pede result: %w", err)
	}
	defer f.Close()

	params, err := ParsePedeResult(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return params, nil
}

// ParsePedeResult parses "label value presigma [difference error]" lines.
// The "Parameter" header line and blank lines are skipped.
func ParsePedeResult(r io.Reader) ([]PedeParameter, error) {
	var params []PedeParameter
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "Parameter") {
			continue
		}
		if len(fields) < 3 {
			return nil, fmt.Errorf("%w: line %d has %d fields", ErrMalformedData, line, len(fields))
		}

		label, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%w: line %d label: %v", ErrMalformedData, line, err)
		}
		nums := make([]float64, 0, 4)
		for _, f := range fields[1:min(len(fields), 5)] {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedData, line, err)
			}
			nums = append(nums, v)
		}
		p := PedeParameter{Label: label, Value: nums[0], PreSigma: nums[1]}
		if len(nums) > 2 {
			p.Diff = nums[2]
		}
		if len(nums) > 3 {
			p.Error = nums[3]
		}
		params = append(params, p)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading pede result: %w", err)
	}
	return params, nil
}

// MatricesFromPede converts fitted (dx, dy, dθz) per plane and sector into
// correction matrices keyed by module path under root, in the same sense as
// the module aligner's output. Labels that were not fitted are treated as
// zero.
//
// The rows are linear in the measured hit position p: to first order the
// track meets the module at p − (dx, dy) + dθz·(−py, px). The correction,
// which maps measured onto true positions, is therefore
// Translation(−dx, −dy, 0)·RotationZ(dθz).
func MatricesFromPede(params []PedeParameter, root DetectorPath, modulesPerHalf int) (MatrixMap, error) {
	if modulesPerHalf <= 0 {
		return nil, fmt.Errorf("%w: modules per half %d", ErrInvalidInput, modulesPerHalf)
	}

	type key struct{ sector, plane int }
	values := make(map[key][ParamsPerPlane]float64)
	for _, p := range params {
		sector, plane, param, err := LabelParam(p.Label)
		if err != nil {
			return nil, err
		}
		v := values[key{sector, plane}]
		v[param] = p.Value
		values[key{sector, plane}] = v
	}

	out := make(MatrixMap, len(values))
	for k, v := range values {
		path := DetectorPath{
			Cave:   root.Cave,
			Root:   root.Root,
			Half:   k.sector / modulesPerHalf,
			Plane:  k.plane,
			Module: k.sector % modulesPerHalf,
			Level:  LevelModule,
		}
		out[path.String()] = Translation(-v[0], -v[1], 0).Mul(RotationZ(v[2]))
	}
	return out, nil
}
