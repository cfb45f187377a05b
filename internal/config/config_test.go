package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileFallsBackToDefaults(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, "emulated", cfg.Bench.Type)
	assert.Equal(t, uint16(58), cfg.Engine.ToothCount)
	assert.True(t, cfg.ClosedLoop.Enabled)
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	t.Setenv("BENCH_TYPE", "serial")
	t.Setenv("BENCH_BAUD", "57600")
	t.Setenv("CLOSED_LOOP_ENABLED", "false")
	t.Setenv("LISTEN_ADDR", ":9999")

	cfg := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))

	assert.Equal(t, "serial", cfg.Bench.Type)
	assert.Equal(t, 57600, cfg.Bench.BaudRate)
	assert.False(t, cfg.ClosedLoop.Enabled)
	assert.Equal(t, ":9999", cfg.Telemetry.ListenAddr)
}

func TestLoadConfigParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := "bench:\n  type: serial\n  port_path: /dev/ttyUSB1\nengine:\n  tooth_count: 36\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0644))

	cfg := LoadConfig(path)
	assert.Equal(t, "serial", cfg.Bench.Type)
	assert.Equal(t, "/dev/ttyUSB1", cfg.Bench.PortPath)
	assert.Equal(t, uint16(36), cfg.Engine.ToothCount)
	// Fields absent from the YAML keep their defaults.
	assert.Equal(t, 115200, cfg.Bench.BaudRate)
}

func TestSnapshotReturnsEngineSafetyClosedLoop(t *testing.T) {
	cfg := DefaultConfig()
	eng, safetyCfg, clCfg := cfg.Snapshot()
	assert.Equal(t, cfg.Engine, eng)
	assert.Equal(t, cfg.Safety, safetyCfg)
	assert.Equal(t, cfg.ClosedLoop, clCfg)
}

func TestUpdateFromJSONPreservesUntouchedFields(t *testing.T) {
	cfg := DefaultConfig()
	originalPort := cfg.Bench.PortPath

	err := cfg.UpdateFromJSON([]byte(`{"closedLoop":{"enabled":false}}`))
	require.NoError(t, err)

	assert.False(t, cfg.ClosedLoop.Enabled)
	assert.Equal(t, originalPort, cfg.Bench.PortPath) // untouched, deep-merge preserved it
	assert.Equal(t, 14.7, cfg.ClosedLoop.StoichLambda) // sibling field untouched
}

func TestUpdateFromJSONRejectsMalformedPatch(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.UpdateFromJSON([]byte(`not json`))
	assert.Error(t, err)
}

func TestToJSONRoundTripsThroughUpdateFromJSON(t *testing.T) {
	cfg := DefaultConfig()
	data, err := cfg.ToJSON()
	require.NoError(t, err)

	other := DefaultConfig()
	other.Engine.ToothCount = 1 // perturb so we can tell the update actually applied
	require.NoError(t, other.UpdateFromJSON(data))
	assert.Equal(t, cfg.Engine.ToothCount, other.Engine.ToothCount)
}
