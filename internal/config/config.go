// Package config loads the host configuration file (rayavm.yaml): worker
// count, nursery size, GC thresholds, AOT pre-warm settings, trace filters,
// and native-registry plugin paths. Absent file or absent keys fall back to
// the built-in defaults, so a bare `rayavm run mod.rbin` needs no config at
// all.
package config

import (
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config is the full host configuration.
type Config struct {
	// Workers is the scheduler's worker thread count; 0 means available
	// parallelism.
	Workers int `yaml:"workers"`

	// NurserySize is the per-task bump-allocation budget in bytes.
	NurserySize uint32 `yaml:"nursery_size"`

	// GC tuning.
	GC GCConfig `yaml:"gc"`

	// AOT pre-warm tuning.
	AOT AOTConfig `yaml:"aot"`

	// Trace enables the tracer with optional category glob filters.
	Trace TraceConfig `yaml:"trace"`

	// TickLimit bounds the instruction budget of a single task; 0 disables
	// the limit. Exceeding it raises a recoverable resource-limit fault at
	// the task's root frame.
	TickLimit uint64 `yaml:"tick_limit"`

	// NativePlugins lists shared-object paths whose exported registries are
	// merged into the native-function table at startup.
	NativePlugins []string `yaml:"native_plugins"`
}

type GCConfig struct {
	// ThresholdBytes is the shared heap's initial collection threshold.
	ThresholdBytes uint64 `yaml:"threshold_bytes"`
	// HardMaxBytes aborts the VM with an out-of-memory fatal when exceeded;
	// 0 means unbounded.
	HardMaxBytes uint64 `yaml:"hard_max_bytes"`
}

type AOTConfig struct {
	// Candidates is how many top-scoring functions the pre-warmer compiles.
	Candidates int `yaml:"candidates"`
	// BudgetMillis is the per-function compile time budget.
	BudgetMillis int `yaml:"budget_millis"`
}

type TraceConfig struct {
	Enabled bool     `yaml:"enabled"`
	Filters []string `yaml:"filters"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Workers:     runtime.NumCPU(),
		NurserySize: 64 * 1024,
		GC: GCConfig{
			ThresholdBytes: 1 << 20,
		},
		AOT: AOTConfig{
			Candidates:   16,
			BudgetMillis: 100,
		},
	}
}

// Load reads path and overlays it on the defaults. A missing file is not an
// error; a malformed file is.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.NurserySize == 0 {
		cfg.NurserySize = 64 * 1024
	}
	if cfg.AOT.Candidates <= 0 {
		cfg.AOT.Candidates = 16
	}
	if cfg.AOT.BudgetMillis <= 0 {
		cfg.AOT.BudgetMillis = 100
	}
	return cfg, nil
}
