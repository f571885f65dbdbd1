// Package skinconfig loads the sensor facade's configuration from a YAML
// file, with individual fields overridable by environment variables —
// the same "file plus best-effort override" shape the teacher used for
// its JSON port cache and calibration config, generalized from JSON to
// YAML for this package's daemon-style entrypoint.
package skinconfig

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/bhharris/skinsensor/skin"
)

// Config is the on-disk/env-sourced sensor configuration: skin.Config
// plus the file paths the CLI entrypoint needs to open before it can
// construct a skin.Skin.
type Config struct {
	skin.Config `yaml:",inline"`

	LayoutPath    string `yaml:"layout"`
	ProfilePath   string `yaml:"profile"`
	SampleLogPath string `yaml:"sample_log"`
	DebugLogPath  string `yaml:"debug_log"`
}

// file mirrors Config's shape for YAML decoding; skin.Config's fields are
// unexported-incompatible with yaml's default inline tag behavior on an
// embedded exported struct, so they are decoded through this shadow type
// instead and copied across.
type file struct {
	Device          string  `yaml:"device"`
	Baud            int     `yaml:"baud"`
	HistoryCapacity int     `yaml:"history_capacity"`
	Alpha           float64 `yaml:"alpha"`
	PressureAlpha   float64 `yaml:"pressure_alpha"`
	TargetPressure  float64 `yaml:"target_pressure"`

	Layout    string `yaml:"layout"`
	Profile   string `yaml:"profile"`
	SampleLog string `yaml:"sample_log"`
	DebugLog  string `yaml:"debug_log"`
}

// Load reads a YAML configuration file at path and applies any matching
// environment-variable overrides on top of it. A missing alpha or
// pressure_alpha is left at 0, which skin.Open replaces with 1
// (smoothing disabled).
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("skinconfig: read %s: %w", path, err)
	}

	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("skinconfig: parse %s: %w", path, err)
	}

	cfg := &Config{
		Config: skin.Config{
			DevicePath:      f.Device,
			Baud:            f.Baud,
			HistoryCapacity: f.HistoryCapacity,
			Alpha:           f.Alpha,
			PressureAlpha:   f.PressureAlpha,
			TargetPressure:  f.TargetPressure,
		},
		LayoutPath:    f.Layout,
		ProfilePath:   f.Profile,
		SampleLogPath: f.SampleLog,
		DebugLogPath:  f.DebugLog,
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// envOverrides lists the environment variables that override a config
// field when set, applied after the YAML file so a deployment can tweak
// one value (e.g. SKIN_DEVICE for a container-specific device path)
// without templating the whole file.
var envOverrides = []struct {
	name  string
	apply func(*Config, string) error
}{
	{"SKIN_DEVICE", func(c *Config, v string) error { c.DevicePath = v; return nil }},
	{"SKIN_BAUD", func(c *Config, v string) error { return setInt(&c.Baud, v) }},
	{"SKIN_HISTORY_CAPACITY", func(c *Config, v string) error { return setInt(&c.HistoryCapacity, v) }},
	{"SKIN_ALPHA", func(c *Config, v string) error { return setFloat(&c.Alpha, v) }},
	{"SKIN_PRESSURE_ALPHA", func(c *Config, v string) error { return setFloat(&c.PressureAlpha, v) }},
	{"SKIN_TARGET_PRESSURE", func(c *Config, v string) error { return setFloat(&c.TargetPressure, v) }},
	{"SKIN_LAYOUT", func(c *Config, v string) error { c.LayoutPath = v; return nil }},
	{"SKIN_PROFILE", func(c *Config, v string) error { c.ProfilePath = v; return nil }},
	{"SKIN_SAMPLE_LOG", func(c *Config, v string) error { c.SampleLogPath = v; return nil }},
	{"SKIN_DEBUG_LOG", func(c *Config, v string) error { c.DebugLogPath = v; return nil }},
}

func applyEnvOverrides(cfg *Config) {
	for _, o := range envOverrides {
		v, ok := os.LookupEnv(o.name)
		if !ok || v == "" {
			continue
		}
		_ = o.apply(cfg, v) // malformed override is ignored, file value stands
	}
}

func setInt(dst *int, raw string) error {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func setFloat(dst *float64, raw string) error {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}
