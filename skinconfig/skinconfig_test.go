package skinconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "skin.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadParsesYAMLFile(t *testing.T) {
	path := writeConfig(t, `
device: /dev/ttyUSB0
baud: 9600
history_capacity: 64
alpha: 0.2
pressure_alpha: 0.3
target_pressure: 5
layout: layout.txt
profile: profile.csv
sample_log: samples.csv
debug_log: debug.log
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", cfg.DevicePath)
	assert.Equal(t, 9600, cfg.Baud)
	assert.Equal(t, 64, cfg.HistoryCapacity)
	assert.Equal(t, 0.2, cfg.Alpha)
	assert.Equal(t, 0.3, cfg.PressureAlpha)
	assert.Equal(t, 5.0, cfg.TargetPressure)
	assert.Equal(t, "layout.txt", cfg.LayoutPath)
	assert.Equal(t, "profile.csv", cfg.ProfilePath)
	assert.Equal(t, "samples.csv", cfg.SampleLogPath)
	assert.Equal(t, "debug.log", cfg.DebugLogPath)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := writeConfig(t, "device: /dev/ttyUSB0\nbaud: 9600\nalpha: 0.2\n")

	t.Setenv("SKIN_DEVICE", "/dev/ttyUSB9")
	t.Setenv("SKIN_ALPHA", "0.8")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB9", cfg.DevicePath)
	assert.Equal(t, 9600, cfg.Baud) // untouched by env
	assert.Equal(t, 0.8, cfg.Alpha)
}

func TestMalformedEnvOverrideIsIgnored(t *testing.T) {
	path := writeConfig(t, "device: /dev/ttyUSB0\nbaud: 9600\n")

	t.Setenv("SKIN_BAUD", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9600, cfg.Baud)
}
