package core

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/parsecworks/orbit-engine/model"
	"github.com/parsecworks/orbit-engine/registry"
)

var ErrScalingConfig = errors.New("invalid scaling config")

// ScalingConfig tunes the logarithmic distance-to-scale curve and how
// fast rendered scale may chase its target.
type ScalingConfig struct {
	// ScaleDivisor divides log10(distance in km); larger values shrink
	// bodies more gradually with distance.
	ScaleDivisor float64
	// MinScale and MaxScale clamp the target scale.
	MinScale float64
	MaxScale float64
	// ScaleRatePerSec bounds how much CurrentScale may change per
	// second of simulation time.
	ScaleRatePerSec float64
}

// DefaultScalingConfig returns the standard tuning.
func DefaultScalingConfig() ScalingConfig {
	return ScalingConfig{
		ScaleDivisor:    7.0,
		MinScale:        0.001,
		MaxScale:        1.0,
		ScaleRatePerSec: 0.5,
	}
}

func (c ScalingConfig) validate() error {
	if c.ScaleDivisor <= 0 {
		return fmt.Errorf("%w: ScaleDivisor %v must be > 0", ErrScalingConfig, c.ScaleDivisor)
	}
	if c.MinScale <= 0 || c.MinScale > c.MaxScale {
		return fmt.Errorf("%w: MinScale %v must be in (0, MaxScale %v]", ErrScalingConfig, c.MinScale, c.MaxScale)
	}
	if c.ScaleRatePerSec <= 0 {
		return fmt.Errorf("%w: ScaleRatePerSec %v must be > 0", ErrScalingConfig, c.ScaleRatePerSec)
	}
	return nil
}

// ScalingService recomputes per-body visual scales from observer
// distance once per tick. The target grows logarithmically with
// distance so far-off giants keep visual presence; the current scale
// chases the target at a bounded rate so a recenter or fast flyby never
// pops a planet between sizes.
type ScalingService struct {
	reg *registry.Registry
	cfg ScalingConfig
}

// NewScalingService validates cfg and builds the service. A zero-value
// cfg selects DefaultScalingConfig.
func NewScalingService(reg *registry.Registry, cfg ScalingConfig) (*ScalingService, error) {
	if cfg == (ScalingConfig{}) {
		cfg = DefaultScalingConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &ScalingService{reg: reg, cfg: cfg}, nil
}

// TargetScale maps a separation in metres onto the clamped logarithmic
// scale curve. Distances under one kilometre are treated as one
// kilometre so the logarithm never goes negative.
func (s *ScalingService) TargetScale(distanceM float64) float64 {
	distKm := distanceM / 1000.0
	if distKm < 1 {
		distKm = 1
	}
	raw := math.Log10(distKm) / s.cfg.ScaleDivisor
	return clampScale(raw, s.cfg.MinScale, s.cfg.MaxScale)
}

// Update advances every body's scale state for one tick: recompute the
// target from the observer's world position, then move the current
// scale toward it by at most ScaleRatePerSec·dt.
func (s *ScalingService) Update(observer model.Vec3, dt time.Duration) {
	maxStep := s.cfg.ScaleRatePerSec * dt.Seconds()
	for _, id := range s.reg.AllIDs() {
		b, ok := s.reg.Get(id)
		if !ok {
			continue // unregistered mid-sweep
		}
		target := s.TargetScale(b.Position.DistanceTo(observer))
		current := moveToward(b.CurrentScale, target, maxStep)
		_ = s.reg.SetScales(id, current, target)
	}
}

// Prime snaps every body's current scale straight to its target for the
// given observer position. Called once at startup so a freshly loaded
// catalog does not spend its first seconds scaling up from zero.
func (s *ScalingService) Prime(observer model.Vec3) {
	for _, id := range s.reg.AllIDs() {
		b, ok := s.reg.Get(id)
		if !ok {
			continue
		}
		target := s.TargetScale(b.Position.DistanceTo(observer))
		_ = s.reg.SetScales(id, target, target)
	}
}

// moveToward advances current toward target by at most maxStep with
// exact arrival: it lands on target rather than oscillating around it.
func moveToward(current, target, maxStep float64) float64 {
	diff := target - current
	if math.Abs(diff) <= maxStep {
		return target
	}
	if diff > 0 {
		return current + maxStep
	}
	return current - maxStep
}

func clampScale(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
