// Package config holds the tuning constants, thresholds and transport
// settings that parameterize the ECU core, loaded from YAML with .env and
// environment-variable overrides, and mutable at runtime through a
// JSON deep-merge update (exposed by internal/telemetry over the
// diagnostic API).
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config holds all core configuration.
type Config struct {
	mu sync.RWMutex

	// Bench transport (tooth/cam/sensor event source)
	Bench BenchConfig `yaml:"bench" json:"bench"`

	// Engine geometry and scheduling constants
	Engine EngineConfig `yaml:"engine" json:"engine"`

	// Safety thresholds
	Safety SafetyConfig `yaml:"safety" json:"safety"`

	// Closed-loop lambda trim
	ClosedLoop ClosedLoopConfig `yaml:"closed_loop" json:"closedLoop"`

	// Persisted-table store
	Store StoreConfig `yaml:"store" json:"store"`

	// Telemetry
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`

	path string // file path for save/load
}

// BenchConfig selects and configures the tooth/sensor event source.
type BenchConfig struct {
	Type     string `yaml:"type" json:"type"`          // "serial" or "emulated"
	PortPath string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyBenchRig
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// EngineConfig holds crank/table geometry and pulse-width constants that
// spec.md names but leaves as implementation constants.
type EngineConfig struct {
	ToothCount    uint16  `yaml:"tooth_count" json:"toothCount"`       // N, physical teeth (gap = 2 missing)
	ReqFuelUs     float64 `yaml:"req_fuel_us" json:"reqFuelUs"`        // REQ_FUEL_US
	TargetEOIDeg  float64 `yaml:"target_eoi_deg" json:"targetEoiDeg"`  // end-of-injection angle
	RPMMaxSafe    uint32  `yaml:"rpm_max_safe" json:"rpmMaxSafe"`      // RPM_MAX_SAFE
	MinLeadUs     uint32  `yaml:"min_lead_us" json:"minLeadUs"`        // MIN_LEAD_US
	RearmGuardUs  uint32  `yaml:"rearm_guard_us" json:"rearmGuardUs"`  // refuse-rearm window
	LimpAdvanceX1 int32   `yaml:"limp_advance_x10" json:"limpAdvX10"` // limp_advance, degrees x10
}

// SafetyConfig mirrors the teacher's ThresholdConfig shape.
type SafetyConfig struct {
	RPMTripHigh  uint32  `yaml:"rpm_trip_high" json:"rpmTripHigh"`
	RPMResetLow  uint32  `yaml:"rpm_reset_low" json:"rpmResetLow"`
	CLTTripC     float64 `yaml:"clt_trip_c" json:"cltTripC"`
	VBatMinDv    uint16  `yaml:"vbat_min_dv" json:"vbatMinDv"`
	VBatMaxDv    uint16  `yaml:"vbat_max_dv" json:"vbatMaxDv"`
	ClearDelayMs uint32  `yaml:"clear_delay_ms" json:"clearDelayMs"`
}

// ClosedLoopConfig mirrors spec.md's "closed_loop_cfg" persisted record.
type ClosedLoopConfig struct {
	Enabled        bool    `yaml:"enabled" json:"enabled"`
	StoichLambda   float64 `yaml:"stoich_lambda" json:"stoichLambda"`
	Kp             float64 `yaml:"kp" json:"kp"`
	Ki             float64 `yaml:"ki" json:"ki"`
	Kd             float64 `yaml:"kd" json:"kd"`
	LTFTAlpha      float64 `yaml:"ltft_alpha" json:"ltftAlpha"`
	LTFTApplyAbs   float64 `yaml:"ltft_apply_abs" json:"ltftApplyAbs"`
	StableWindowMs uint32  `yaml:"stable_window_ms" json:"stableWindowMs"`
}

// StoreConfig configures the key/value persistence backing store.
type StoreConfig struct {
	Path              string `yaml:"path" json:"path"`
	PersistIntervalMs uint32 `yaml:"persist_interval_ms" json:"persistIntervalMs"`
}

// TelemetryConfig configures the diagnostic websocket/CSV surface.
type TelemetryConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
	LogEnabled bool   `yaml:"log_enabled" json:"logEnabled"`
	LogPath    string `yaml:"log_path" json:"logPath"`
	LogEveryN  int    `yaml:"log_every_n" json:"logEveryN"` // cycles between CSV rows
}

// DefaultConfig returns a config with sensible defaults matching spec.md's
// named constants and glossary values.
func DefaultConfig() *Config {
	return &Config{
		Bench: BenchConfig{
			Type:     "emulated",
			PortPath: "/dev/ttyBenchRig",
			BaudRate: 115200,
		},
		Engine: EngineConfig{
			ToothCount:   58,
			ReqFuelUs:    7730,
			TargetEOIDeg: 355,
			RPMMaxSafe:   12000,
			MinLeadUs:    50,
			RearmGuardUs: 200,
			LimpAdvanceX1: 100, // 10.0 degrees
		},
		Safety: SafetyConfig{
			RPMTripHigh:  7500,
			RPMResetLow:  6800,
			CLTTripC:     120,
			VBatMinDv:    70,
			VBatMaxDv:    170,
			ClearDelayMs: 2000,
		},
		ClosedLoop: ClosedLoopConfig{
			Enabled:        true,
			StoichLambda:   14.7,
			Kp:             0.6,
			Ki:             0.08,
			Kd:             0.01,
			LTFTAlpha:      0.01,
			LTFTApplyAbs:   0.03,
			StableWindowMs: 500,
		},
		Store: StoreConfig{
			Path:              "/var/lib/ecucore/tables.kv",
			PersistIntervalMs: 5000,
		},
		Telemetry: TelemetryConfig{
			ListenAddr: ":8090",
			LogEnabled: false,
			LogPath:    "/var/log/ecucore",
			LogEveryN:  20,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		val = strings.Trim(val, `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: BENCH_TYPE, BENCH_PORT, BENCH_BAUD, CLOSED_LOOP_ENABLED,
// STOICH, LISTEN_ADDR, LOG_ENABLED, LOG_PATH, LOG_EVERY_N.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BENCH_TYPE"); v != "" {
		c.Bench.Type = v
	}
	if v := os.Getenv("BENCH_PORT"); v != "" {
		c.Bench.PortPath = v
	}
	if v := os.Getenv("BENCH_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Bench.BaudRate = n
		}
	}
	if v := os.Getenv("CLOSED_LOOP_ENABLED"); v != "" {
		c.ClosedLoop.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("STOICH"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.ClosedLoop.StoichLambda = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Telemetry.ListenAddr = v
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Telemetry.LogEnabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Telemetry.LogPath = v
	}
	if v := os.Getenv("LOG_EVERY_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Telemetry.LogEveryN = n
		}
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/ecucore/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the diagnostic API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// Snapshot returns a copy of the engine/safety/closed-loop tuning values
// under the read lock, safe to pass to components that poll it.
func (c *Config) Snapshot() (EngineConfig, SafetyConfig, ClosedLoopConfig) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Engine, c.Safety, c.ClosedLoop
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved (e.g. bench port, store path).
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
