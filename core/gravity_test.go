package core

import (
	"errors"
	"math"
	"testing"

	"github.com/parsecworks/orbit-engine/model"
	"github.com/parsecworks/orbit-engine/registry"
)

const (
	sunMassKg   = 1.989e30
	earthMassKg = 5.972e24
	moonMassKg  = 7.342e22
	moonOrbitM  = 3.844e8  // 384,400 km
	earthAUM    = 1.496e11 // 1 AU
)

func newGravityFixture(t *testing.T) (*registry.Registry, *GravityService) {
	t.Helper()
	reg := registry.New()
	return reg, NewGravityService(reg, DefaultGravityConfig())
}

func mustRegister(t *testing.T, reg *registry.Registry, b *model.CelestialBody) {
	t.Helper()
	if err := reg.Register(b); err != nil {
		t.Fatalf("Register(%s) failed: %v", b.ID, err)
	}
}

func TestAccelerationAtEarthMoonDistance(t *testing.T) {
	reg, g := newGravityFixture(t)
	mustRegister(t, reg, &model.CelestialBody{
		ID: "earth", MassKg: earthMassKg, RadiusKm: 6371,
	})

	sample := g.AccelerationAt(model.Vec3{X: moonOrbitM})

	if sample.Contributions != 1 {
		t.Fatalf("contributions = %d, want 1", sample.Contributions)
	}
	if sample.DominantBodyID != "earth" {
		t.Errorf("dominant = %q, want earth", sample.DominantBodyID)
	}

	// The acceleration must point back toward Earth.
	if sample.Acceleration.X >= 0 {
		t.Errorf("acceleration X = %v, want negative (toward the origin)", sample.Acceleration.X)
	}

	// F = m_moon · |a| should land on the published Earth-Moon figure.
	force := moonMassKg * sample.Acceleration.Norm()
	want := 1.982e20
	if rel := math.Abs(force-want) / want; rel > 0.005 {
		t.Errorf("force = %.4e N, want %.4e N within 0.5%% (off by %.2f%%)", force, want, rel*100)
	}
}

func TestAccelerationSymmetricBodiesCancel(t *testing.T) {
	reg, g := newGravityFixture(t)
	mustRegister(t, reg, &model.CelestialBody{ID: "a", MassKg: 1e24, RadiusKm: 1000, Position: model.Vec3{X: -1e9}})
	mustRegister(t, reg, &model.CelestialBody{ID: "b", MassKg: 1e24, RadiusKm: 1000, Position: model.Vec3{X: 1e9}})

	sample := g.AccelerationAt(model.Vec3{})

	if sample.Contributions != 2 {
		t.Fatalf("contributions = %d, want 2", sample.Contributions)
	}
	if n := sample.Acceleration.Norm(); n > 1e-18 {
		t.Errorf("symmetric pulls did not cancel: |a| = %v", n)
	}
	// Equal magnitudes: the first body in deterministic order keeps the
	// dominant slot.
	if sample.DominantBodyID != "a" {
		t.Errorf("dominant = %q, want a (distance/ID ordering)", sample.DominantBodyID)
	}
}

func TestAccelerationSingularityGuard(t *testing.T) {
	reg, g := newGravityFixture(t)
	mustRegister(t, reg, &model.CelestialBody{ID: "rock", MassKg: 1e20, RadiusKm: 10, Position: model.Vec3{X: 0.5}})

	sample := g.AccelerationAt(model.Vec3{})
	if sample.Contributions != 0 {
		t.Errorf("body within 1 m contributed: %+v", sample)
	}
	if !sample.Acceleration.IsZero() {
		t.Errorf("acceleration = %+v, want zero", sample.Acceleration)
	}
}

func TestAccelerationRespectsCutoff(t *testing.T) {
	reg := registry.New()
	g := NewGravityService(reg, GravityConfig{CutoffRadiusM: 1e9})
	mustRegister(t, reg, &model.CelestialBody{ID: "near", MassKg: 1e24, RadiusKm: 100, Position: model.Vec3{X: 5e8}})
	mustRegister(t, reg, &model.CelestialBody{ID: "far", MassKg: 1e30, RadiusKm: 100, Position: model.Vec3{X: 5e9}})

	sample := g.AccelerationAt(model.Vec3{})
	if sample.Contributions != 1 {
		t.Fatalf("contributions = %d, want 1 (far body outside cutoff)", sample.Contributions)
	}
	if sample.DominantBodyID != "near" {
		t.Errorf("dominant = %q, want near", sample.DominantBodyID)
	}
}

func TestAccelerationRepeatCallsBitIdentical(t *testing.T) {
	// The contribution sum runs in the registry's fixed order, so two
	// queries against the same state must agree to the last bit; any
	// unordered iteration would reorder the float additions.
	reg, g := newGravityFixture(t)
	mustRegister(t, reg, &model.CelestialBody{ID: "sun", MassKg: sunMassKg, RadiusKm: 696_340, Position: model.Vec3{X: -earthAUM}})
	mustRegister(t, reg, &model.CelestialBody{ID: "earth", MassKg: earthMassKg, RadiusKm: 6371, Position: model.Vec3{Y: 1e7, Z: -3e6}})
	mustRegister(t, reg, &model.CelestialBody{ID: "moon", MassKg: moonMassKg, RadiusKm: 1737, Position: model.Vec3{X: moonOrbitM, Y: 2e7}})

	p := model.Vec3{X: 1234.5, Y: -6789.25, Z: 42}
	first := g.AccelerationAt(p)
	second := g.AccelerationAt(p)

	if first != second {
		t.Errorf("repeat query diverged:\n  %+v\n  %+v", first, second)
	}
	if first.Contributions != 3 {
		t.Errorf("contributions = %d, want 3", first.Contributions)
	}
}

func TestSphereOfInfluenceEarth(t *testing.T) {
	reg, g := newGravityFixture(t)
	mustRegister(t, reg, &model.CelestialBody{ID: "sun", MassKg: sunMassKg, RadiusKm: 696_340})
	mustRegister(t, reg, &model.CelestialBody{
		ID: "earth", MassKg: earthMassKg, RadiusKm: 6371,
		Position: model.Vec3{X: earthAUM},
		Orbit:    &model.OrbitElements{ParentID: "sun", SemiMajorAxisM: earthAUM},
	})

	soi, err := g.SphereOfInfluence("earth")
	if err != nil {
		t.Fatalf("SphereOfInfluence failed: %v", err)
	}
	// a·(m/M)^(2/5) ≈ 0.925e9 m for Earth around the Sun.
	if soi < 9.0e8 || soi > 9.5e8 {
		t.Errorf("earth SOI = %.4e m, want ≈ 9.25e8", soi)
	}
}

func TestSphereOfInfluenceErrors(t *testing.T) {
	reg, g := newGravityFixture(t)
	mustRegister(t, reg, &model.CelestialBody{ID: "sun", MassKg: sunMassKg, RadiusKm: 696_340})
	mustRegister(t, reg, &model.CelestialBody{ID: "rogue", MassKg: 1e24, RadiusKm: 5000})
	mustRegister(t, reg, &model.CelestialBody{
		ID: "orphan", MassKg: 1e22, RadiusKm: 1000,
		Orbit: &model.OrbitElements{ParentID: "missing", SemiMajorAxisM: 1e9},
	})
	mustRegister(t, reg, &model.CelestialBody{
		ID: "heavy-child", MassKg: sunMassKg, RadiusKm: 1000,
		Orbit: &model.OrbitElements{ParentID: "rogue", SemiMajorAxisM: 1e9},
	})

	if _, err := g.SphereOfInfluence("ghost"); !errors.Is(err, registry.ErrBodyNotFound) {
		t.Errorf("unknown body error = %v, want ErrBodyNotFound", err)
	}
	if _, err := g.SphereOfInfluence("rogue"); !errors.Is(err, ErrOrbitMissing) {
		t.Errorf("orbitless body error = %v, want ErrOrbitMissing", err)
	}
	if _, err := g.SphereOfInfluence("orphan"); !errors.Is(err, ErrParentMissing) {
		t.Errorf("missing parent error = %v, want ErrParentMissing", err)
	}
	if _, err := g.SphereOfInfluence("heavy-child"); !errors.Is(err, ErrParentMass) {
		t.Errorf("heavy child error = %v, want ErrParentMass", err)
	}
}

func TestDominantBodyPrefersTightestSOI(t *testing.T) {
	reg, g := newGravityFixture(t)
	mustRegister(t, reg, &model.CelestialBody{ID: "sun", MassKg: sunMassKg, RadiusKm: 696_340})
	mustRegister(t, reg, &model.CelestialBody{
		ID: "earth", MassKg: earthMassKg, RadiusKm: 6371,
		Position: model.Vec3{X: earthAUM},
		Orbit:    &model.OrbitElements{ParentID: "sun", SemiMajorAxisM: earthAUM},
	})
	mustRegister(t, reg, &model.CelestialBody{
		ID: "moon", MassKg: moonMassKg, RadiusKm: 1737,
		Position: model.Vec3{X: earthAUM + moonOrbitM},
		Orbit:    &model.OrbitElements{ParentID: "earth", SemiMajorAxisM: moonOrbitM},
	})

	// 10,000 km sunward of the Moon: inside the Moon's SOI (~66,000 km),
	// which nests inside Earth's. The tightest SOI must win.
	probe := model.Vec3{X: earthAUM + moonOrbitM - 1e7}
	b, ok := g.DominantBody(probe)
	if !ok {
		t.Fatal("DominantBody found nothing")
	}
	if b.ID != "moon" {
		t.Errorf("dominant = %q, want moon", b.ID)
	}

	// Far outside every SOI the strongest pull (the Sun) wins.
	b, ok = g.DominantBody(model.Vec3{Y: 5e11})
	if !ok {
		t.Fatal("DominantBody fallback found nothing")
	}
	if b.ID != "sun" {
		t.Errorf("fallback dominant = %q, want sun", b.ID)
	}
}

func TestDominantBodyEmptyRegistry(t *testing.T) {
	_, g := newGravityFixture(t)
	if _, ok := g.DominantBody(model.Vec3{}); ok {
		t.Error("DominantBody reported a body in an empty registry")
	}
}
