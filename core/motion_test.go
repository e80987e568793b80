package core

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/parsecworks/orbit-engine/model"
	"github.com/parsecworks/orbit-engine/registry"
)

const (
	issTLE1 = "1 25544U 98067A   21275.59097222  .00000204  00000-0  10270-4 0  9990"
	issTLE2 = "2 25544  51.6459 115.9059 0001817  61.3028  35.9198 15.49370953257760"
)

func vecClose(a, b model.Vec3, tol float64) bool {
	return math.Abs(a.X-b.X) <= tol && math.Abs(a.Y-b.Y) <= tol && math.Abs(a.Z-b.Z) <= tol
}

func TestStaticMotionModelKeepsPosition(t *testing.T) {
	m := &StaticMotionModel{}
	b := &model.CelestialBody{ID: "beacon", Position: model.Vec3{X: 1, Y: 2, Z: 3}}

	t1 := time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)
	got, err := m.Position(t1, b, model.Vec3{})
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if got != (model.Vec3{X: 1, Y: 2, Z: 3}) {
		t.Fatalf("static motion should not change the position, got %+v", got)
	}

	// An hour later, with a parent offset: static bodies ignore both.
	got, err = m.Position(t1.Add(time.Hour), b, model.Vec3{X: 500})
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if got != (model.Vec3{X: 1, Y: 2, Z: 3}) {
		t.Fatalf("static motion should not change the position after a second update, got %+v", got)
	}
}

func TestKeplerianMotionModelCircularOrbit(t *testing.T) {
	epoch := time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)
	b := &model.CelestialBody{
		ID:           "moonlet",
		MotionSource: model.MotionSourceKeplerian,
		Orbit: &model.OrbitElements{
			ParentID:       "planet",
			SemiMajorAxisM: 1000,
			Eccentricity:   0,
			PeriodSec:      3600,
			Epoch:          epoch,
		},
	}
	m := &KeplerianMotionModel{}
	parent := model.Vec3{X: 10_000}

	// A circular equatorial orbit traces the parent-centred circle at a
	// quarter of the period per right angle.
	cases := []struct {
		after time.Duration
		want  model.Vec3
	}{
		{0, model.Vec3{X: 11_000}},
		{900 * time.Second, model.Vec3{X: 10_000, Y: 1000}},
		{1800 * time.Second, model.Vec3{X: 9_000}},
		{2700 * time.Second, model.Vec3{X: 10_000, Y: -1000}},
		{3600 * time.Second, model.Vec3{X: 11_000}},
	}
	for _, tc := range cases {
		got, err := m.Position(epoch.Add(tc.after), b, parent)
		if err != nil {
			t.Fatalf("Position(+%v): %v", tc.after, err)
		}
		if !vecClose(got, tc.want, 1e-6) {
			t.Errorf("Position(+%v) = %+v, want %+v", tc.after, got, tc.want)
		}
	}
}

func TestKeplerianMotionModelMissingOrbit(t *testing.T) {
	b := &model.CelestialBody{
		ID:           "stray",
		MotionSource: model.MotionSourceKeplerian,
		Position:     model.Vec3{X: 42},
	}
	got, err := (&KeplerianMotionModel{}).Position(time.Now().UTC(), b, model.Vec3{})
	if !errors.Is(err, ErrOrbitMissing) {
		t.Fatalf("err = %v, want ErrOrbitMissing", err)
	}
	if got != b.Position {
		t.Fatalf("failed propagation must return the prior position, got %+v", got)
	}
}

// We don't assert exact orbital values (those belong to go-satellite);
// we just ensure positions differ at distinct times and stay at a
// plausible low-orbit distance from the parent.
func TestTLEMotionModelChangesOverTime(t *testing.T) {
	m := NewTLEModel(issTLE1, issTLE2)
	b := &model.CelestialBody{ID: "iss"}
	parent := model.Vec3{X: 5000}

	t1 := time.Date(2021, time.October, 2, 0, 0, 0, 0, time.UTC)
	first, err := m.Position(t1, b, parent)
	if err != nil {
		t.Fatalf("Position(t1): %v", err)
	}
	second, err := m.Position(t1.Add(5*time.Minute), b, parent)
	if err != nil {
		t.Fatalf("Position(t2): %v", err)
	}

	if first == second {
		t.Fatalf("expected the propagated position to change over time, got %+v at both times", first)
	}
	for _, p := range []model.Vec3{first, second} {
		d := p.Sub(parent).Norm()
		if d < 6.4e6 || d > 7.5e6 {
			t.Errorf("propagated distance from parent = %.0f m, want a low-orbit radius", d)
		}
	}
}

func TestNewMotionModelSelection(t *testing.T) {
	epoch := time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)
	orbit := &model.OrbitElements{ParentID: "planet", SemiMajorAxisM: 1000, PeriodSec: 3600, Epoch: epoch}

	cases := []struct {
		name string
		body *model.CelestialBody
		want string
	}{
		{"tle", &model.CelestialBody{MotionSource: model.MotionSourceTLE, TLELine1: issTLE1, TLELine2: issTLE2}, "tle"},
		{"keplerian", &model.CelestialBody{MotionSource: model.MotionSourceKeplerian, Orbit: orbit}, "keplerian"},
		{"keplerian without elements", &model.CelestialBody{MotionSource: model.MotionSourceKeplerian}, "static"},
		{"tle missing a line", &model.CelestialBody{MotionSource: model.MotionSourceTLE, TLELine1: issTLE1}, "static"},
		{"static", &model.CelestialBody{MotionSource: model.MotionSourceStatic}, "static"},
	}
	for _, tc := range cases {
		var got string
		switch NewMotionModel(tc.body).(type) {
		case *TLEMotionModel:
			got = "tle"
		case *KeplerianMotionModel:
			got = "keplerian"
		case *StaticMotionModel:
			got = "static"
		}
		if got != tc.want {
			t.Errorf("%s: selected %s model, want %s", tc.name, got, tc.want)
		}
	}
}

func TestMotionServiceParentsBeforeChildren(t *testing.T) {
	reg := registry.New()
	epoch := time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)

	// IDs chosen so the child sorts before its parent alphabetically:
	// the propagation order must come from orbit depth, not from ID.
	mustRegister(t, reg, &model.CelestialBody{
		ID: "z-star", MassKg: sunMassKg, RadiusKm: 696_000,
		Position: model.Vec3{X: 5000},
	})
	mustRegister(t, reg, &model.CelestialBody{
		ID: "m-planet", MassKg: earthMassKg, RadiusKm: 6371,
		MotionSource: model.MotionSourceKeplerian,
		Orbit: &model.OrbitElements{
			ParentID:       "z-star",
			SemiMajorAxisM: 100_000,
			PeriodSec:      86_400,
			Epoch:          epoch,
		},
	})
	mustRegister(t, reg, &model.CelestialBody{
		ID: "a-moon", MassKg: moonMassKg, RadiusKm: 1737,
		MotionSource: model.MotionSourceKeplerian,
		Orbit: &model.OrbitElements{
			ParentID:              "m-planet",
			SemiMajorAxisM:        2000,
			MeanAnomalyAtEpochRad: math.Pi / 2,
			PeriodSec:             3600,
			Epoch:                 epoch,
		},
	})

	svc := NewMotionService(reg)
	svc.UpdateAll(epoch)

	planet, _ := reg.Get("m-planet")
	if !vecClose(planet.Position, model.Vec3{X: 105_000}, 1e-6) {
		t.Fatalf("planet = %+v, want anchored at the star plus its orbit radius", planet.Position)
	}
	moon, _ := reg.Get("a-moon")
	if !vecClose(moon.Position, model.Vec3{X: 105_000, Y: 2000}, 1e-6) {
		t.Fatalf("moon = %+v; it must ride the planet position computed this same pass", moon.Position)
	}

	// One full planet period is 24 moon periods: everything returns to
	// the epoch configuration.
	svc.UpdateAll(epoch.Add(86_400 * time.Second))
	planet, _ = reg.Get("m-planet")
	moon, _ = reg.Get("a-moon")
	if !vecClose(planet.Position, model.Vec3{X: 105_000}, 1e-6) {
		t.Errorf("planet after a full period = %+v, want %+v", planet.Position, model.Vec3{X: 105_000})
	}
	if !vecClose(moon.Position, model.Vec3{X: 105_000, Y: 2000}, 1e-6) {
		t.Errorf("moon after a full period = %+v, want %+v", moon.Position, model.Vec3{X: 105_000, Y: 2000})
	}
}

func TestMotionServicePropagationFailureKeepsPosition(t *testing.T) {
	reg := registry.New()
	epoch := time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)
	mustRegister(t, reg, &model.CelestialBody{
		ID: "anchor", MassKg: earthMassKg, RadiusKm: 6371,
	})
	// Hyperbolic eccentricity never converges in the elliptic solver.
	mustRegister(t, reg, &model.CelestialBody{
		ID: "wild", MassKg: 1e12, RadiusKm: 1,
		Position:     model.Vec3{X: 777},
		MotionSource: model.MotionSourceKeplerian,
		Orbit: &model.OrbitElements{
			ParentID:       "anchor",
			SemiMajorAxisM: 50_000,
			Eccentricity:   1.5,
			PeriodSec:      3600,
			Epoch:          epoch,
		},
	})

	var failedID string
	var failedErr error
	svc := NewMotionService(reg, WithPropagationFailureHook(func(bodyID string, err error) {
		failedID = bodyID
		failedErr = err
	}))
	svc.UpdateAll(epoch.Add(10 * time.Second))

	if failedID != "wild" {
		t.Fatalf("failure hook fired for %q, want \"wild\"", failedID)
	}
	if !errors.Is(failedErr, ErrKeplerDiverged) {
		t.Fatalf("failure hook err = %v, want ErrKeplerDiverged", failedErr)
	}
	wild, _ := reg.Get("wild")
	if wild.Position != (model.Vec3{X: 777}) {
		t.Fatalf("failed body moved to %+v; it must keep its previous position", wild.Position)
	}
}

func TestMotionServiceForgetRebuildsModel(t *testing.T) {
	reg := registry.New()
	epoch := time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)
	mustRegister(t, reg, &model.CelestialBody{
		ID: "hub", MassKg: earthMassKg, RadiusKm: 6371,
		Position: model.Vec3{X: 9000},
	})
	mustRegister(t, reg, &model.CelestialBody{
		ID: "relay", MassKg: 1e6, RadiusKm: 0.01,
		Position: model.Vec3{X: 100},
	})

	svc := NewMotionService(reg)
	svc.UpdateAll(epoch)

	// Replace the relay with an orbiting version of itself, the way a
	// catalog reload does: unregister, re-register under the same ID.
	if err := reg.Unregister("relay"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	mustRegister(t, reg, &model.CelestialBody{
		ID: "relay", MassKg: 1e6, RadiusKm: 0.01,
		Position:     model.Vec3{X: 100},
		MotionSource: model.MotionSourceKeplerian,
		Orbit: &model.OrbitElements{
			ParentID:       "hub",
			SemiMajorAxisM: 500,
			PeriodSec:      3600,
			Epoch:          epoch,
		},
	})

	// The cached model is keyed by ID, so until Forget the relay is
	// still propagated as static.
	svc.UpdateAll(epoch)
	relay, _ := reg.Get("relay")
	if relay.Position != (model.Vec3{X: 100}) {
		t.Fatalf("relay moved to %+v before Forget; the stale model should still apply", relay.Position)
	}

	svc.Forget("relay")
	svc.UpdateAll(epoch)
	relay, _ = reg.Get("relay")
	if !vecClose(relay.Position, model.Vec3{X: 9500}, 1e-6) {
		t.Fatalf("relay = %+v after Forget, want on its orbit around the hub", relay.Position)
	}
}
