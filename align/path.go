package align

import (
	"fmt"
	"regexp"
	"strconv"
)

// Detector hierarchy depth of a path
const (
	LevelRoot = iota + 1
	LevelHalf
	LevelPlane
	LevelModule
	LevelSensor
)

var pathPattern = regexp.MustCompile(`^/cave_(\d+)/lmd_root_(\d+)(?:/half_(\d+)(?:/plane_(\d+)(?:/module_(\d+)(?:/sensor_(\d+))?)?)?)?$`)

// DetectorPath identifies a node in the detector hierarchy,
// e.g. /cave_1/lmd_root_0/half_1/plane_0/module_3/sensor_2.
// Fields below Level are meaningless.
type DetectorPath struct {
	Cave   int
	Root   int
	Half   int
	Plane  int
	Module int
	Sensor int
	Level  int
}

// ParseDetectorPath parses and validates a detector path string.
func ParseDetectorPath(s string) (DetectorPath, error) {
	m := pathPattern.FindStringSubmatch(s)
	if m == nil {
		return DetectorPath{}, fmt.Errorf("%w: malformed path %q", ErrInvalidInput, s)
	}
	var p DetectorPath
	fields := []*int{&p.Cave, &p.Root, &p.Half, &p.Plane, &p.Module, &p.Sensor}
	for i, dst := range fields {
		group := m[i+1]
		if group == "" {
			break
		}
		v, err := strconv.Atoi(group)
		if err != nil {
			return DetectorPath{}, fmt.Errorf("%w: path %q: %v", ErrInvalidInput, s, err)
		}
		*dst = v
		p.Level = i
	}
	return p, nil
}

// MustParseDetectorPath is like ParseDetectorPath but panics on error.
// Intended for constants and tests.
func MustParseDetectorPath(s string) DetectorPath {
	p, err := ParseDetectorPath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String formats the path back to its canonical form.
func (p DetectorPath) String() string {
	s := fmt.Sprintf("/cave_%d/lmd_root_%d", p.Cave, p.Root)
	if p.Level >= LevelHalf {
		s += fmt.Sprintf("/half_%d", p.Half)
	}
	if p.Level >= LevelPlane {
		s += fmt.Sprintf("/plane_%d", p.Plane)
	}
	if p.Level >= LevelModule {
		s += fmt.Sprintf("/module_%d", p.Module)
	}
	if p.Level >= LevelSensor {
		s += fmt.Sprintf("/sensor_%d", p.Sensor)
	}
	return s
}

// Sanitized returns p with the fields below its level zeroed.
func (p DetectorPath) Sanitized() DetectorPath {
	if p.Level < LevelSensor {
		p.Sensor = 0
	}
	if p.Level < LevelModule {
		p.Module = 0
	}
	if p.Level < LevelPlane {
		p.Plane = 0
	}
	if p.Level < LevelHalf {
		p.Half = 0
	}
	return p
}

// RootPath returns the lmd_root node above p.
func (p DetectorPath) RootPath() DetectorPath {
	return DetectorPath{Cave: p.Cave, Root: p.Root, Level: LevelRoot}
}

// ModulePath truncates a sensor path to its module.
func (p DetectorPath) ModulePath() (DetectorPath, error) {
	if p.Level < LevelModule {
		return DetectorPath{}, fmt.Errorf("%w: %s is above module level", ErrInvalidInput, p)
	}
	p.Level = LevelModule
	return p.Sanitized(), nil
}

// SensorPath returns the path of a sensor on the module p.
func (p DetectorPath) SensorPath(sensor int) (DetectorPath, error) {
	mod, err := p.ModulePath()
	if err != nil {
		return DetectorPath{}, err
	}
	mod.Sensor = sensor
	mod.Level = LevelSensor
	return mod, nil
}

// FirstModuleInSector returns the module on plane 0 with the same half and
// module index, whose frame is the reference for the whole sector.
func (p DetectorPath) FirstModuleInSector() (DetectorPath, error) {
	mod, err := p.ModulePath()
	if err != nil {
		return DetectorPath{}, err
	}
	mod.Plane = 0
	return mod, nil
}

// Sector returns module + half·modulesPerHalf.
func (p DetectorPath) Sector(modulesPerHalf int) (int, error) {
	if p.Level < LevelModule {
		return 0, fmt.Errorf("%w: %s has no sector", ErrInvalidInput, p)
	}
	return p.Module + p.Half*modulesPerHalf, nil
}

// OverlapID is the decoded form of a four digit overlap identifier:
// half in the thousands, plane in the hundreds, module in the tens and the
// overlap index within the module in the ones.
type OverlapID struct {
	Half    int
	Plane   int
	Module  int
	Overlap int
}

// DecodeOverlapID splits an overlap identifier such as "1327".
func DecodeOverlapID(id string) (OverlapID, error) {
	n, err := strconv.Atoi(id)
	if err != nil || n < 0 || n > 9999 {
		return OverlapID{}, fmt.Errorf("%w: overlap id %q", ErrInvalidInput, id)
	}
	return OverlapID{
		Half:    n / 1000,
		Plane:   n / 100 % 10,
		Module:  n / 10 % 10,
		Overlap: n % 10,
	}, nil
}

// ModulePath returns the module path the overlap lies on, under root.
func (o OverlapID) ModulePath(root DetectorPath) DetectorPath {
	return DetectorPath{
		Cave:   root.Cave,
		Root:   root.Root,
		Half:   o.Half,
		Plane:  o.Plane,
		Module: o.Module,
		Level:  LevelModule,
	}
}
