// Package config loads engine configuration from YAML. Files are
// overlaid on Default(), so a config only needs the keys it changes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parsecworks/orbit-engine/core"
	"github.com/parsecworks/orbit-engine/origin"
	"github.com/parsecworks/orbit-engine/replication"
	"github.com/parsecworks/orbit-engine/sim"
	"github.com/parsecworks/orbit-engine/timectrl"
)

// Config is the root configuration for an engine process.
type Config struct {
	// CatalogPath points at the celestial body catalog JSON; blank means
	// the caller supplies bodies programmatically.
	CatalogPath string `yaml:"catalog_path"`

	Tick        TickConfig        `yaml:"tick"`
	Origin      OriginConfig      `yaml:"origin"`
	Scaling     ScalingConfig     `yaml:"scaling"`
	Gravity     GravityConfig     `yaml:"gravity"`
	Replication ReplicationConfig `yaml:"replication"`
	Sampler     SamplerConfig     `yaml:"sampler"`
	Server      ServerConfig      `yaml:"server"`
}

// TickConfig drives the simulation clock.
type TickConfig struct {
	IntervalMS  int  `yaml:"interval_ms"`
	Accelerated bool `yaml:"accelerated"`
}

// Interval returns the tick interval, falling back to 50ms when unset.
func (t TickConfig) Interval() time.Duration {
	if t.IntervalMS <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(t.IntervalMS) * time.Millisecond
}

// Mode maps the accelerated flag onto a clock mode.
func (t TickConfig) Mode() timectrl.Mode {
	if t.Accelerated {
		return timectrl.Accelerated
	}
	return timectrl.RealTime
}

// OriginConfig tunes the floating-origin manager.
type OriginConfig struct {
	SectorSizeM         float64 `yaml:"sector_size_m"`
	PrecisionThresholdM float64 `yaml:"precision_threshold_m"`
	MaxDeltaPerTickM    float64 `yaml:"max_delta_per_tick_m"`
}

// ManagerConfig converts to the origin package's config type.
func (o OriginConfig) ManagerConfig() origin.ManagerConfig {
	return origin.ManagerConfig{
		SectorSizeM:         o.SectorSizeM,
		PrecisionThresholdM: o.PrecisionThresholdM,
		MaxDeltaPerTickM:    o.MaxDeltaPerTickM,
	}
}

// ScalingConfig tunes the visual scaling pass.
type ScalingConfig struct {
	ScaleDivisor    float64 `yaml:"scale_divisor"`
	MinScale        float64 `yaml:"min_scale"`
	MaxScale        float64 `yaml:"max_scale"`
	ScaleRatePerSec float64 `yaml:"scale_rate_per_sec"`
}

// ServiceConfig converts to the core package's config type.
func (s ScalingConfig) ServiceConfig() core.ScalingConfig {
	return core.ScalingConfig{
		ScaleDivisor:    s.ScaleDivisor,
		MinScale:        s.MinScale,
		MaxScale:        s.MaxScale,
		ScaleRatePerSec: s.ScaleRatePerSec,
	}
}

// GravityConfig tunes the gravity pass.
type GravityConfig struct {
	CutoffRadiusM float64 `yaml:"cutoff_radius_m"`
}

// ServiceConfig converts to the core package's config type.
func (g GravityConfig) ServiceConfig() core.GravityConfig {
	return core.GravityConfig{CutoffRadiusM: g.CutoffRadiusM}
}

// ReplicationConfig tunes the state replication authority.
type ReplicationConfig struct {
	MoveRatePerSec      float64 `yaml:"move_rate_per_sec"`
	MoveBurst           int     `yaml:"move_burst"`
	IncludeBodies       bool    `yaml:"include_bodies"`
	SnapshotEveryNTicks int     `yaml:"snapshot_every_n_ticks"`
}

// AuthorityConfig converts to the replication package's config type.
func (r ReplicationConfig) AuthorityConfig() replication.AuthorityConfig {
	return replication.AuthorityConfig{
		MoveRatePerSec: r.MoveRatePerSec,
		MoveBurst:      r.MoveBurst,
		IncludeBodies:  r.IncludeBodies,
	}
}

// SamplerConfig tunes the orbit path sampler.
type SamplerConfig struct {
	Samples int `yaml:"samples"`
	Workers int `yaml:"workers"`
}

// ServiceConfig converts to the sim package's config type.
func (s SamplerConfig) ServiceConfig() sim.OrbitSamplerConfig {
	return sim.OrbitSamplerConfig{Samples: s.Samples, Workers: s.Workers}
}

// ServerConfig holds process-level listen settings.
type ServerConfig struct {
	MetricsPort int `yaml:"metrics_port"`
}

// GetMetricsPort returns the metrics port with priority config -> env ->
// default.
func (s ServerConfig) GetMetricsPort() int {
	return portWithEnvFallback(s.MetricsPort, "ORBIT_METRICS_PORT", 2112)
}

func portWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	if configPort > 0 {
		return configPort
	}
	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}
	return defaultPort
}

// Default returns a fully populated configuration built from each
// package's own defaults.
func Default() Config {
	mc := origin.DefaultManagerConfig()
	sc := core.DefaultScalingConfig()
	gc := core.DefaultGravityConfig()
	ac := replication.DefaultAuthorityConfig()
	oc := sim.DefaultOrbitSamplerConfig()

	return Config{
		Tick: TickConfig{IntervalMS: 50},
		Origin: OriginConfig{
			SectorSizeM:         mc.SectorSizeM,
			PrecisionThresholdM: mc.PrecisionThresholdM,
			MaxDeltaPerTickM:    mc.MaxDeltaPerTickM,
		},
		Scaling: ScalingConfig{
			ScaleDivisor:    sc.ScaleDivisor,
			MinScale:        sc.MinScale,
			MaxScale:        sc.MaxScale,
			ScaleRatePerSec: sc.ScaleRatePerSec,
		},
		Gravity: GravityConfig{CutoffRadiusM: gc.CutoffRadiusM},
		Replication: ReplicationConfig{
			MoveRatePerSec:      ac.MoveRatePerSec,
			MoveBurst:           ac.MoveBurst,
			IncludeBodies:       ac.IncludeBodies,
			SnapshotEveryNTicks: 3,
		},
		Sampler: SamplerConfig{Samples: oc.Samples, Workers: oc.Workers},
		Server:  ServerConfig{MetricsPort: 2112},
	}
}

// Load reads a YAML configuration file and overlays it on Default().
// If path is empty it falls back to the ORBIT_CONFIG environment
// variable, and when that is also unset returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("ORBIT_CONFIG")
		if path == "" {
			return &cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}
