package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/kwv/lmdalign/align"
	"gonum.org/v1/gonum/spatial/r3"
)

// Result file kinds, in merge order. Later kinds win on shared paths.
const (
	kindSensorOverlaps  = "sensorOverlaps"
	kindSensorAlignment = "sensorAlignment"
	kindModuleAlignment = "moduleAlignment"
	kindMillepede       = "millepede"
	kindIPAlignment     = "IPalignment"
)

var mergeOrder = []string{kindSensorAlignment, kindModuleAlignment, kindMillepede, kindIPAlignment}

// App encapsulates the application state and dependencies
type App struct {
	Config    align.RunConfig
	Geometry  *align.Geometry
	Publisher *align.Publisher
	RunID     string

	// CLI Flags (effectively dependencies)
	ConfigFile string
	OutputDir  string
	Seed       int64
	Sector     int
	Publish    bool

	loaded bool
}

// NewApp creates a new App instance with a fresh run ID
func NewApp() *App {
	return &App{
		RunID:  uuid.NewString(),
		Sector: -1,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.OutputDir = opts.OutputDir
	a.Seed = opts.Seed
	a.Sector = opts.Sector
	a.Publish = opts.Publish
}

// load reads the run configuration and nominal geometry on first use.
func (a *App) load() error {
	if a.loaded {
		return nil
	}

	cfg, err := align.LoadRunConfig(a.ConfigFile)
	if err != nil {
		return err
	}
	if a.OutputDir != "" {
		cfg.OutputDir = a.OutputDir
	}
	if a.Seed != 0 && cfg.Sensors != nil {
		cfg.Sensors.Seed = a.Seed
	}
	if a.Sector >= 0 && cfg.Mille != nil {
		sector := a.Sector
		cfg.Mille.Sector = &sector
	}

	g, err := align.LoadGeometry(cfg.Geometry.Matrices, cfg.Geometry.Overlaps)
	if err != nil {
		return fmt.Errorf("loading geometry: %w", err)
	}
	log.Printf("Run %s: %s misalignment, factor %s, %d overlaps, %d modules",
		a.RunID, cfg.MisalignType, cfg.FactorTag(), len(g.Overlaps), len(g.Modules()))

	a.Config = cfg
	a.Geometry = g
	a.loaded = true
	return nil
}

func (a *App) resultPath(kind string) string {
	return filepath.Join(a.Config.OutputDir, fmt.Sprintf("alMat-%s-%s.json", kind, a.Config.FactorTag()))
}

func (a *App) save(kind string, mm align.MatrixMap) error {
	path := a.resultPath(kind)
	if err := align.SaveMatrixMap(path, mm); err != nil {
		return err
	}
	log.Printf("Wrote %d matrices to %s", len(mm), path)
	return nil
}

// RunSensors aligns every sensor overlap and combines the results into
// per-sensor corrections.
func (a *App) RunSensors() error {
	if err := a.load(); err != nil {
		return err
	}
	if a.Config.Sensors == nil {
		return fmt.Errorf("sensors stage is not configured")
	}

	sa := align.NewSensorAligner(a.Geometry, *a.Config.Sensors)
	if err := sa.LoadExternalMatrices(); err != nil {
		return err
	}
	pairs, err := sa.LoadPairs()
	if err != nil {
		return err
	}

	overlaps, err := sa.AlignOverlaps(pairs)
	if err != nil {
		return err
	}
	if err := a.save(kindSensorOverlaps, overlaps); err != nil {
		return err
	}

	sensors, err := sa.CombineAlignmentMatrices(overlaps)
	if err != nil {
		return err
	}
	return a.save(kindSensorAlignment, sensors)
}

// RunModules aligns modules against the configured tracks.
func (a *App) RunModules() error {
	if err := a.load(); err != nil {
		return err
	}
	if a.Config.Modules == nil {
		return fmt.Errorf("modules stage is not configured")
	}

	tracks, err := align.ReadTracks(a.Config.Modules.Tracks)
	if err != nil {
		return err
	}
	log.Printf("Loaded %d tracks from %s", len(tracks), a.Config.Modules.Tracks)

	modules, err := align.NewModuleAligner(a.Geometry, *a.Config.Modules).Align(tracks)
	if err != nil {
		return err
	}
	return a.save(kindModuleAlignment, modules)
}

// RunIP derives the luminosity-monitor rotation from the interaction point.
func (a *App) RunIP() error {
	if err := a.load(); err != nil {
		return err
	}
	cfg := a.Config.IP
	if cfg == nil {
		return fmt.Errorf("ip stage is not configured")
	}

	ia, err := align.NewIPAligner(a.Config.Root(), *cfg)
	if err != nil {
		return err
	}

	var ip align.MatrixMap
	if cfg.Tracks != "" {
		tracks, err := align.ReadTracks(cfg.Tracks)
		if err != nil {
			return err
		}
		ip, err = ia.AlignTracks(tracks)
		if err != nil {
			return err
		}
	} else {
		apparent := r3.Vec{X: cfg.Apparent[0], Y: cfg.Apparent[1], Z: cfg.Apparent[2]}
		if ip, err = ia.Align(apparent); err != nil {
			return err
		}
	}
	return a.save(kindIPAlignment, ip)
}

// RunMille exports the observation equations of the configured tracks as a
// Millepede-II binary file.
func (a *App) RunMille() error {
	if err := a.load(); err != nil {
		return err
	}
	cfg := a.Config.Mille
	if cfg == nil {
		return fmt.Errorf("mille stage is not configured")
	}

	tracks, err := align.ReadTracks(cfg.Tracks)
	if err != nil {
		return err
	}

	og := align.NewObservationGenerator(a.Geometry, a.Config.ModulesPerHalf)
	rows := og.Observations(tracks)
	if cfg.Sector != nil {
		rows = og.SectorObservations(tracks, *cfg.Sector)
	}

	out := cfg.Output
	if !filepath.IsAbs(out) {
		out = filepath.Join(a.Config.OutputDir, out)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return fmt.Errorf("creating mille output directory: %w", err)
	}

	records, err := align.WriteMilleFile(out, rows, cfg.SigmaScale)
	if err != nil {
		return err
	}
	log.Printf("Wrote %d mille records for %d tracks to %s", records, len(tracks), out)
	return nil
}

// RunPede converts a pede result file into module corrections.
func (a *App) RunPede() error {
	if err := a.load(); err != nil {
		return err
	}
	if a.Config.Mille == nil || a.Config.Mille.PedeResult == "" {
		return fmt.Errorf("mille.pedeResult is not configured")
	}

	params, err := align.ReadPedeResult(a.Config.Mille.PedeResult)
	if err != nil {
		return err
	}
	mm, err := align.MatricesFromPede(params, a.Config.Root(), a.Config.ModulesPerHalf)
	if err != nil {
		return err
	}
	return a.save(kindMillepede, mm)
}

// RunMerge merges the result files present in the output directory and,
// when requested, publishes the merged map.
func (a *App) RunMerge() error {
	if err := a.load(); err != nil {
		return err
	}

	counts := make(map[string]int)
	var maps []align.MatrixMap
	for _, kind := range mergeOrder {
		mm, err := align.LoadMatrixMap(a.resultPath(kind))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		counts[kind] = len(mm)
		maps = append(maps, mm)
	}
	if len(maps) == 0 {
		return fmt.Errorf("no alignment results found in %s", a.Config.OutputDir)
	}

	merged := align.MergeMatrixMaps(maps...)
	path := filepath.Join(a.Config.OutputDir, "alMat-merged.json")
	if err := align.SaveMatrixMap(path, merged); err != nil {
		return err
	}
	log.Printf("Merged %d result files into %s (%d matrices)", len(maps), path, len(merged))

	if !a.Publish {
		return nil
	}
	return a.publish(counts, merged)
}

func (a *App) publish(counts map[string]int, merged align.MatrixMap) error {
	if a.Publisher == nil {
		client, err := align.ConnectMQTT(a.Config.MQTT)
		if err != nil {
			return err
		}
		a.Publisher = align.NewPublisher(client, a.Config.MQTT.PublishPrefix)
	}
	defer a.Publisher.Disconnect()

	return a.Publisher.PublishRun(align.RunSummary{
		RunID:          a.RunID,
		MisalignType:   a.Config.MisalignType,
		MisalignFactor: a.Config.MisalignFactor,
		Counts:         counts,
	}, merged)
}

// RunAll runs every configured stage, then merges.
func (a *App) RunAll() error {
	if err := a.load(); err != nil {
		return err
	}

	cfg := a.Config
	stages := []struct {
		name    string
		enabled bool
		run     func() error
	}{
		{"sensors", cfg.Sensors != nil, a.RunSensors},
		{"modules", cfg.Modules != nil, a.RunModules},
		{"mille", cfg.Mille != nil, a.RunMille},
		{"pede", cfg.Mille != nil && cfg.Mille.PedeResult != "", a.RunPede},
		{"ip", cfg.IP != nil, a.RunIP},
	}
	for _, s := range stages {
		if !s.enabled {
			continue
		}
		log.Printf("Running %s stage", s.name)
		if err := s.run(); err != nil {
			return fmt.Errorf("%s stage: %w", s.name, err)
		}
	}
	return a.RunMerge()
}
