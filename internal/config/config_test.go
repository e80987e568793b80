package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parsecworks/orbit-engine/core"
	"github.com/parsecworks/orbit-engine/origin"
	"github.com/parsecworks/orbit-engine/replication"
	"github.com/parsecworks/orbit-engine/timectrl"
)

func TestDefaultMatchesPackageDefaults(t *testing.T) {
	cfg := Default()

	if got, want := cfg.Origin.ManagerConfig(), origin.DefaultManagerConfig(); got != want {
		t.Errorf("Origin defaults = %+v, want %+v", got, want)
	}
	if got, want := cfg.Scaling.ServiceConfig(), core.DefaultScalingConfig(); got != want {
		t.Errorf("Scaling defaults = %+v, want %+v", got, want)
	}
	if got, want := cfg.Gravity.ServiceConfig(), core.DefaultGravityConfig(); got != want {
		t.Errorf("Gravity defaults = %+v, want %+v", got, want)
	}
	if got, want := cfg.Replication.AuthorityConfig(), replication.DefaultAuthorityConfig(); got != want {
		t.Errorf("Replication defaults = %+v, want %+v", got, want)
	}
	if cfg.Replication.SnapshotEveryNTicks != 3 {
		t.Errorf("SnapshotEveryNTicks = %d, want 3", cfg.Replication.SnapshotEveryNTicks)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	raw := `
tick:
  interval_ms: 10
  accelerated: true
scaling:
  min_scale: 0.01
replication:
  include_bodies: false
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.Tick.Interval(); got != 10*time.Millisecond {
		t.Errorf("Tick.Interval() = %v, want 10ms", got)
	}
	if got := cfg.Tick.Mode(); got != timectrl.Accelerated {
		t.Errorf("Tick.Mode() = %v, want Accelerated", got)
	}
	if cfg.Scaling.MinScale != 0.01 {
		t.Errorf("Scaling.MinScale = %v, want 0.01", cfg.Scaling.MinScale)
	}
	if cfg.Replication.IncludeBodies {
		t.Error("Replication.IncludeBodies = true, want explicit false to survive the overlay")
	}

	// Keys the file never mentions keep their defaults.
	if got, want := cfg.Origin.ManagerConfig(), origin.DefaultManagerConfig(); got != want {
		t.Errorf("Origin after overlay = %+v, want untouched defaults %+v", got, want)
	}
	if cfg.Scaling.ScaleDivisor != core.DefaultScalingConfig().ScaleDivisor {
		t.Errorf("ScaleDivisor = %v, want default", cfg.Scaling.ScaleDivisor)
	}
}

func TestLoadEnvFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte("catalog_path: bodies.json\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ORBIT_CONFIG", path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CatalogPath != "bodies.json" {
		t.Errorf("CatalogPath = %q, want %q", cfg.CatalogPath, "bodies.json")
	}
}

func TestLoadUnsetReturnsDefaults(t *testing.T) {
	t.Setenv("ORBIT_CONFIG", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if *cfg != want {
		t.Errorf("Load(\"\") = %+v, want defaults %+v", *cfg, want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load of a missing file succeeded, want error")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("tick: [not a mapping"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load of malformed YAML succeeded, want error")
	}
}

func TestMetricsPortPrecedence(t *testing.T) {
	t.Setenv("ORBIT_METRICS_PORT", "9999")

	if got := (ServerConfig{MetricsPort: 3000}).GetMetricsPort(); got != 3000 {
		t.Errorf("config port should win, got %d", got)
	}
	if got := (ServerConfig{}).GetMetricsPort(); got != 9999 {
		t.Errorf("env port should win over default, got %d", got)
	}

	t.Setenv("ORBIT_METRICS_PORT", "")
	if got := (ServerConfig{}).GetMetricsPort(); got != 2112 {
		t.Errorf("default port = %d, want 2112", got)
	}
}
