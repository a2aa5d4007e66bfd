package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line.
type AppOptions struct {
	ConfigFile string
	Mode       string
	OutputDir  string
	Seed       int64
	Sector     int
	Publish    bool
}

// Runner is the set of stages the command line can dispatch to.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunSensors() error
	RunModules() error
	RunIP() error
	RunMille() error
	RunPede() error
	RunMerge() error
	RunAll() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatalf("Error: %v", err)
	}
}

func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("lmdalign", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "lmdalign.yaml", "Path to run configuration file")
	fs.StringVar(&opts.Mode, "mode", "all", "Stage to run: sensors, modules, ip, mille, pede, merge or all")
	fs.StringVar(&opts.OutputDir, "output-dir", "", "Override the configured output directory")
	fs.Int64Var(&opts.Seed, "seed", 0, "Seed for the sensor outlier cut (0 keeps the configured seed)")
	fs.IntVar(&opts.Sector, "sector", -1, "Restrict the mille export to one sector (-1 keeps the config)")
	fs.BoolVar(&opts.Publish, "publish", false, "Publish the merged matrices over MQTT")

	if err := fs.Parse(args); err != nil {
		return err
	}
	fmt.Fprintf(out, "lmdalign version: %s\n", Version)

	app.ApplyOptions(opts)

	stages := map[string]func() error{
		"sensors": app.RunSensors,
		"modules": app.RunModules,
		"ip":      app.RunIP,
		"mille":   app.RunMille,
		"pede":    app.RunPede,
		"merge":   app.RunMerge,
		"all":     app.RunAll,
	}
	stage, ok := stages[opts.Mode]
	if !ok {
		fs.Usage()
		return fmt.Errorf("unknown mode %q", opts.Mode)
	}
	return stage()
}
