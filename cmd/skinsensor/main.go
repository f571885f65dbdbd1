// Command skinsensor runs the tactile-skin sensor core as a long-running
// daemon: load a YAML config, open the device, start ingest, and block
// until an operator or the OS asks it to stop.
//
// Flags:
//
//	-config: path to the YAML sensor configuration (default ./skin.yaml)
//	-version: print the build version and exit
//
// The CLI surface itself is not part of the sensor core's tested
// behavior; it exists only to wire the facade up for a real deployment.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bhharris/skinsensor/layout"
	"github.com/bhharris/skinsensor/skin"
	"github.com/bhharris/skinsensor/skinconfig"
	"github.com/bhharris/skinsensor/ui"
)

var (
	AppVersion = "dev"
	AppBuild   = "local"
)

func main() {
	var (
		configPath = flag.String("config", "./skin.yaml", "path to sensor YAML config")
		version    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s [build %s]\n", AppVersion, AppBuild)
		return
	}

	if err := run(*configPath); err != nil {
		ui.Warningf("skinsensor: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := skinconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	lf, err := os.Open(cfg.LayoutPath)
	if err != nil {
		return fmt.Errorf("open layout %s: %w", cfg.LayoutPath, err)
	}
	l, err := layout.LoadNamed(lf, cfg.LayoutPath)
	lf.Close()
	if err != nil {
		return fmt.Errorf("parse layout %s: %w", cfg.LayoutPath, err)
	}

	s, err := skin.Open(cfg.Config, l)
	if err != nil {
		return fmt.Errorf("open device %s: %w", cfg.DevicePath, err)
	}
	defer s.Close()

	if cfg.ProfilePath != "" {
		if warnings, err := s.ReadProfile(cfg.ProfilePath); err != nil {
			ui.Warningf("load profile %s: %v (continuing with identity calibration)\n", cfg.ProfilePath, err)
		} else {
			for _, w := range warnings {
				ui.Warningf("profile: %s\n", w)
			}
		}
	}
	if cfg.SampleLogPath != "" {
		if err := s.Log(cfg.SampleLogPath); err != nil {
			return fmt.Errorf("open sample log %s: %w", cfg.SampleLogPath, err)
		}
	}
	if cfg.DebugLogPath != "" {
		if err := s.DebugLog(cfg.DebugLogPath); err != nil {
			return fmt.Errorf("open debug log %s: %w", cfg.DebugLogPath, err)
		}
	}

	if err := s.Start(); err != nil {
		return fmt.Errorf("start ingest: %w", err)
	}
	ui.Greenf("skinsensor running: device=%s layout=%s patches=%d\n", cfg.DevicePath, cfg.LayoutPath, l.NumPatches())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	ui.Greenf("shutting down\n")
	if err := s.Stop(); err != nil {
		return fmt.Errorf("stop ingest: %w", err)
	}
	if err := s.LastError(); err != nil {
		ui.Warningf("reader thread last error: %v\n", err)
	}
	return nil
}
