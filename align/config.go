package align

import (
	"fmt"
	"os"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"
)

// RunConfig describes one alignment run. It is loaded once and passed by
// value into each aligner.
type RunConfig struct {
	MisalignType   string             `yaml:"misalignType" json:"misalignType"`
	MisalignFactor float64            `yaml:"misalignFactor" json:"misalignFactor"`
	OutputDir      string             `yaml:"outputDir" json:"outputDir"`
	ModulesPerHalf int                `yaml:"modulesPerHalf,omitempty" json:"modulesPerHalf,omitempty"` // default 5
	RootPath       string             `yaml:"rootPath,omitempty" json:"rootPath,omitempty"`             // default /cave_1/lmd_root_0
	Geometry       GeometryConfig     `yaml:"geometry" json:"geometry"`
	Sensors        *SensorAlignConfig `yaml:"sensors,omitempty" json:"sensors,omitempty"`
	Modules        *ModuleAlignConfig `yaml:"modules,omitempty" json:"modules,omitempty"`
	IP             *IPAlignConfig     `yaml:"ip,omitempty" json:"ip,omitempty"`
	Mille          *MilleConfig       `yaml:"mille,omitempty" json:"mille,omitempty"`
	MQTT           MQTTConfig         `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
}

// GeometryConfig points at the nominal geometry tables.
type GeometryConfig struct {
	Matrices string `yaml:"matrices" json:"matrices"`
	Overlaps string `yaml:"overlaps" json:"overlaps"`
}

// SensorAlignConfig configures the sensor-overlap aligner.
type SensorAlignConfig struct {
	PairsDir         string  `yaml:"pairsDir" json:"pairsDir"`
	PairFilePattern  string  `yaml:"pairFilePattern,omitempty" json:"pairFilePattern,omitempty"` // fmt pattern taking the overlap ID, default pairs-%s.bin
	CutPercent       float64 `yaml:"cutPercent" json:"cutPercent"`
	Dimension        int     `yaml:"dimension,omitempty" json:"dimension,omitempty"` // 2 (default) or 3
	ExternalMatrices string  `yaml:"externalMatrices,omitempty" json:"externalMatrices,omitempty"`
	Seed             int64   `yaml:"seed,omitempty" json:"seed,omitempty"` // 0 seeds from the clock
}

// ModuleAlignConfig configures the module aligner.
type ModuleAlignConfig struct {
	Tracks           string  `yaml:"tracks" json:"tracks"`
	MaxHitsPerModule int     `yaml:"maxHitsPerModule,omitempty" json:"maxHitsPerModule,omitempty"` // default 1000
	MaxIterations    int     `yaml:"maxIterations,omitempty" json:"maxIterations,omitempty"`
	Tolerance        float64 `yaml:"tolerance,omitempty" json:"tolerance,omitempty"`
}

// IPAlignConfig configures the interaction-point aligner. Either Tracks or
// Apparent must be set.
type IPAlignConfig struct {
	Tracks       string    `yaml:"tracks,omitempty" json:"tracks,omitempty"`
	Apparent     []float64 `yaml:"apparent,omitempty" json:"apparent,omitempty"`
	Actual       []float64 `yaml:"actual,omitempty" json:"actual,omitempty"`             // default origin
	LumiPosition []float64 `yaml:"lumiPosition,omitempty" json:"lumiPosition,omitempty"` // default DefaultLumiPosition
}

// MilleConfig configures the observation export.
type MilleConfig struct {
	Tracks     string  `yaml:"tracks" json:"tracks"`
	Output     string  `yaml:"output" json:"output"`
	SigmaScale float64 `yaml:"sigmaScale,omitempty" json:"sigmaScale,omitempty"` // default 10
	Sector     *int    `yaml:"sector,omitempty" json:"sector,omitempty"`         // restrict to one sector
	PedeResult string  `yaml:"pedeResult,omitempty" json:"pedeResult,omitempty"` // millepede.res to convert
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// DefaultRootPath is the lmd_root node the IP correction is keyed by.
const DefaultRootPath = "/cave_1/lmd_root_0"

// DefaultLumiPosition is the nominal position of the luminosity monitor in
// the global frame.
var DefaultLumiPosition = r3.Vec{X: 25.37812835, Y: 0, Z: 1109.13}

// LoadRunConfig loads and validates a run configuration from a YAML file.
func LoadRunConfig(path string) (RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RunConfig{}, fmt.Errorf("config file not found: %s", path)
		}
		return RunConfig{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RunConfig{}, fmt.Errorf("parsing config YAML: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}

func (c *RunConfig) applyDefaults() {
	if c.ModulesPerHalf == 0 {
		c.ModulesPerHalf = DefaultModulesPerHalf
	}
	if c.RootPath == "" {
		c.RootPath = DefaultRootPath
	}
	if c.OutputDir == "" {
		c.OutputDir = "."
	}
	if s := c.Sensors; s != nil {
		if s.PairFilePattern == "" {
			s.PairFilePattern = "pairs-%s.bin"
		}
		if s.Dimension == 0 {
			s.Dimension = 2
		}
	}
	if m := c.Modules; m != nil {
		def := DefaultICPConfig()
		if m.MaxHitsPerModule == 0 {
			m.MaxHitsPerModule = 1000
		}
		if m.MaxIterations == 0 {
			m.MaxIterations = def.MaxIterations
		}
		if m.Tolerance == 0 {
			m.Tolerance = def.Tolerance
		}
	}
	if ml := c.Mille; ml != nil && ml.SigmaScale == 0 {
		ml.SigmaScale = DefaultSigmaScale
	}
}

// Validate checks required fields and value ranges.
func (c RunConfig) Validate() error {
	if c.MisalignType == "" {
		return fmt.Errorf("misalignType is required")
	}
	if c.Geometry.Matrices == "" {
		return fmt.Errorf("geometry.matrices is required")
	}
	if c.Geometry.Overlaps == "" {
		return fmt.Errorf("geometry.overlaps is required")
	}
	if c.ModulesPerHalf < 0 {
		return fmt.Errorf("modulesPerHalf must be positive, got %d", c.ModulesPerHalf)
	}
	if root, err := ParseDetectorPath(c.RootPath); err != nil {
		return fmt.Errorf("rootPath: %w", err)
	} else if root.Level != LevelRoot {
		return fmt.Errorf("rootPath %s is not an lmd_root path", c.RootPath)
	}

	if s := c.Sensors; s != nil {
		if s.PairsDir == "" {
			return fmt.Errorf("sensors.pairsDir is required")
		}
		if s.CutPercent < 0 || s.CutPercent >= 100 {
			return fmt.Errorf("sensors.cutPercent must be in [0, 100), got %v", s.CutPercent)
		}
		if s.Dimension != 2 && s.Dimension != 3 {
			return fmt.Errorf("sensors.dimension must be 2 or 3, got %d", s.Dimension)
		}
	}
	if m := c.Modules; m != nil {
		if m.Tracks == "" {
			return fmt.Errorf("modules.tracks is required")
		}
		if m.MaxHitsPerModule < 0 || m.MaxIterations < 0 || m.Tolerance < 0 {
			return fmt.Errorf("modules limits must not be negative")
		}
	}
	if ip := c.IP; ip != nil {
		if ip.Tracks == "" && ip.Apparent == nil {
			return fmt.Errorf("ip.tracks or ip.apparent is required")
		}
		for name, v := range map[string][]float64{"apparent": ip.Apparent, "actual": ip.Actual, "lumiPosition": ip.LumiPosition} {
			if v != nil && len(v) != 3 {
				return fmt.Errorf("ip.%s must have 3 components, got %d", name, len(v))
			}
		}
	}
	if ml := c.Mille; ml != nil {
		if ml.Tracks == "" {
			return fmt.Errorf("mille.tracks is required")
		}
		if ml.Output == "" {
			return fmt.Errorf("mille.output is required")
		}
		if ml.SigmaScale < 0 {
			return fmt.Errorf("mille.sigmaScale must be positive, got %v", ml.SigmaScale)
		}
	}
	return nil
}

// FactorTag formats the misalignment factor as it appears in file names.
func (c RunConfig) FactorTag() string {
	return fmt.Sprintf("%.2f", c.MisalignFactor)
}

// Root returns the parsed lmd_root path.
func (c RunConfig) Root() DetectorPath {
	root, err := ParseDetectorPath(c.RootPath)
	if err != nil {
		return MustParseDetectorPath(DefaultRootPath)
	}
	return root
}
