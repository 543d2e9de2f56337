package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Workers <= 0 {
		t.Fatalf("default workers should be positive, got %d", cfg.Workers)
	}
	if cfg.NurserySize != 64*1024 {
		t.Fatalf("default nursery size wrong: %d", cfg.NurserySize)
	}
	if cfg.AOT.Candidates != 16 || cfg.AOT.BudgetMillis != 100 {
		t.Fatalf("default AOT settings wrong: %+v", cfg.AOT)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rayavm.yaml")
	body := `
workers: 2
nursery_size: 4096
gc:
  threshold_bytes: 2097152
  hard_max_bytes: 8388608
aot:
  candidates: 4
  budget_millis: 25
trace:
  enabled: true
  filters: ["gc.*", "task.*"]
tick_limit: 500000
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workers != 2 || cfg.NurserySize != 4096 {
		t.Fatalf("overlay failed: %+v", cfg)
	}
	if cfg.GC.ThresholdBytes != 2<<20 || cfg.GC.HardMaxBytes != 8<<20 {
		t.Fatalf("gc overlay failed: %+v", cfg.GC)
	}
	if cfg.AOT.Candidates != 4 || cfg.AOT.BudgetMillis != 25 {
		t.Fatalf("aot overlay failed: %+v", cfg.AOT)
	}
	if !cfg.Trace.Enabled || len(cfg.Trace.Filters) != 2 {
		t.Fatalf("trace overlay failed: %+v", cfg.Trace)
	}
	if cfg.TickLimit != 500000 {
		t.Fatalf("tick limit overlay failed: %d", cfg.TickLimit)
	}
}

func TestLoadMalformedFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("workers: [not an int"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
