package core

import (
	"errors"
	"fmt"
	"math"

	"github.com/parsecworks/orbit-engine/model"
	"github.com/parsecworks/orbit-engine/registry"
)

// GravitationalConstant in m³·kg⁻¹·s⁻².
const GravitationalConstant = 6.674e-11

// minGravityDistanceM guards the inverse-square singularity: a body
// closer than this to the sample point contributes nothing.
const minGravityDistanceM = 1.0

var (
	ErrOrbitMissing  = errors.New("body has no orbital elements")
	ErrParentMissing = errors.New("orbit parent not found")
	ErrParentMass    = errors.New("orbit parent must be heavier than the body")
)

// GravityConfig tunes the gravity pass.
type GravityConfig struct {
	// CutoffRadiusM bounds the registry query; bodies beyond it are
	// ignored. Large enough by default to cover a full planetary
	// system around the observer.
	CutoffRadiusM float64
}

// DefaultGravityConfig returns the standard tuning.
func DefaultGravityConfig() GravityConfig {
	return GravityConfig{CutoffRadiusM: 1e12}
}

// GravityService answers point-mass gravity queries against the
// registry. It never mutates registry state.
type GravityService struct {
	reg *registry.Registry
	cfg GravityConfig
}

// NewGravityService creates a gravity service over the given registry.
func NewGravityService(reg *registry.Registry, cfg GravityConfig) *GravityService {
	if cfg.CutoffRadiusM <= 0 {
		cfg.CutoffRadiusM = DefaultGravityConfig().CutoffRadiusM
	}
	return &GravityService{reg: reg, cfg: cfg}
}

// AccelerationAt sums G·M/r² contributions from every body within the
// cutoff radius of p. The registry returns bodies in a fixed
// distance-then-ID order, so the float sum is reproducible run to run.
func (g *GravityService) AccelerationAt(p model.Vec3) model.GravitySample {
	bodies := g.reg.QueryInRadius(p, g.cfg.CutoffRadiusM)

	var sample model.GravitySample
	strongest := 0.0
	for _, b := range bodies {
		toBody := b.Position.Sub(p)
		r := toBody.Norm()
		if r < minGravityDistanceM {
			continue
		}
		aMag := GravitationalConstant * b.MassKg / (r * r)
		sample.Acceleration = sample.Acceleration.Add(toBody.Scale(aMag / r))
		sample.Contributions++
		if aMag > strongest {
			strongest = aMag
			sample.DominantBodyID = b.ID
		}
	}
	return sample
}

// SphereOfInfluence returns the patched-conic SOI radius in metres for
// an orbiting body: r_soi = a·(m/M)^(2/5) with a the orbit semi-major
// axis, m the body mass and M the parent mass.
func (g *GravityService) SphereOfInfluence(bodyID string) (float64, error) {
	body, ok := g.reg.Get(bodyID)
	if !ok {
		return 0, fmt.Errorf("%w: %q", registry.ErrBodyNotFound, bodyID)
	}
	if body.Orbit == nil {
		return 0, fmt.Errorf("%w: %q", ErrOrbitMissing, bodyID)
	}
	parent, ok := g.reg.Get(body.Orbit.ParentID)
	if !ok {
		return 0, fmt.Errorf("%w: %q orbits %q", ErrParentMissing, bodyID, body.Orbit.ParentID)
	}
	if parent.MassKg <= body.MassKg {
		return 0, fmt.Errorf("%w: %q (%.3g kg) vs %q (%.3g kg)",
			ErrParentMass, parent.ID, parent.MassKg, bodyID, body.MassKg)
	}
	return body.Orbit.SemiMajorAxisM * math.Pow(body.MassKg/parent.MassKg, 0.4), nil
}

// DominantBody attributes a point to the body whose sphere of influence
// it falls inside, picking the tightest SOI when several nest (a point
// near a moon belongs to the moon, not its planet). Points outside
// every SOI fall back to the strongest inverse-square contributor.
func (g *GravityService) DominantBody(p model.Vec3) (*model.CelestialBody, bool) {
	var best *model.CelestialBody
	bestSOI := math.Inf(1)

	for _, b := range g.reg.All() {
		if b.Orbit == nil {
			continue
		}
		soi, err := g.SphereOfInfluence(b.ID)
		if err != nil {
			continue
		}
		if b.Position.DistanceTo(p) <= soi && soi < bestSOI {
			best = b
			bestSOI = soi
		}
	}
	if best != nil {
		return best, true
	}

	sample := g.AccelerationAt(p)
	if sample.DominantBodyID == "" {
		return nil, false
	}
	return g.getByID(sample.DominantBodyID)
}

func (g *GravityService) getByID(id string) (*model.CelestialBody, bool) {
	return g.reg.Get(id)
}
