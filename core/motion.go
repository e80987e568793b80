package core

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/parsecworks/orbit-engine/model"
	"github.com/parsecworks/orbit-engine/registry"
)

var ErrKeplerDiverged = errors.New("kepler solver did not converge")

// MotionModel computes a body's world-frame position for a simulation
// time. parentPos is the already-updated world position of the body's
// orbit parent (zero vector for root bodies).
type MotionModel interface {
	Position(simTime time.Time, b *model.CelestialBody, parentPos model.Vec3) (model.Vec3, error)
}

// StaticMotionModel keeps the body where the catalog put it. Recenter
// translations still apply through the registry sweep.
type StaticMotionModel struct{}

// Position for static motion returns the current position unchanged.
func (m *StaticMotionModel) Position(simTime time.Time, b *model.CelestialBody, parentPos model.Vec3) (model.Vec3, error) {
	return b.Position, nil
}

// KeplerianMotionModel places the body on a two-body rail around its
// orbit parent: mean anomaly from the elements, Kepler's equation for
// the eccentric anomaly, then the perifocal-to-inertial rotation.
type KeplerianMotionModel struct{}

func (m *KeplerianMotionModel) Position(simTime time.Time, b *model.CelestialBody, parentPos model.Vec3) (model.Vec3, error) {
	oe := b.Orbit
	if oe == nil {
		return b.Position, fmt.Errorf("%w: %q", ErrOrbitMissing, b.ID)
	}

	meanAnomaly := oe.MeanAnomalyAt(simTime)
	eccAnomaly, converged := SolveKepler(oe.Eccentricity, meanAnomaly)
	if !converged {
		return b.Position, fmt.Errorf("%w: %q (e=%v, M=%v)", ErrKeplerDiverged, b.ID, oe.Eccentricity, meanAnomaly)
	}

	return parentPos.Add(RelativeOrbitPosition(oe, eccAnomaly)), nil
}

// RelativeOrbitPosition returns the parent-relative position on an
// orbit at the given eccentric anomaly: perifocal coordinates, then the
// rotation by argument of periapsis, inclination and ascending node.
func RelativeOrbitPosition(oe *model.OrbitElements, eccAnomaly float64) model.Vec3 {
	nu := TrueAnomalyFromEccentric(oe.Eccentricity, eccAnomaly)
	r := OrbitalRadius(oe.SemiMajorAxisM, oe.Eccentricity, eccAnomaly)

	xp := r * math.Cos(nu)
	yp := r * math.Sin(nu)

	cosO, sinO := math.Cos(oe.AscendingNodeRad), math.Sin(oe.AscendingNodeRad)
	cosW, sinW := math.Cos(oe.ArgPeriapsisRad), math.Sin(oe.ArgPeriapsisRad)
	cosI, sinI := math.Cos(oe.InclinationRad), math.Sin(oe.InclinationRad)

	return model.Vec3{
		X: xp*(cosO*cosW-sinO*sinW*cosI) - yp*(cosO*sinW+sinO*cosW*cosI),
		Y: xp*(sinO*cosW+cosO*sinW*cosI) - yp*(sinO*sinW-cosO*cosW*cosI),
		Z: xp*(sinW*sinI) + yp*(cosW*sinI),
	}
}

// TLEMotionModel propagates a near-planet object (station, debris) with
// SGP4 and places the result relative to the parent body's centre.
type TLEMotionModel struct {
	sat satellite.Satellite
}

// NewTLEModel constructs a TLE-backed model from the two element lines.
func NewTLEModel(line1, line2 string) *TLEMotionModel {
	sat := satellite.TLEToSat(line1, line2, satellite.GravityWGS72)
	return &TLEMotionModel{sat: sat}
}

// Position propagates to simTime. go-satellite works in kilometres in
// an inertial planet-centred frame; the world frame is inertial too, so
// the offset converts straight to metres.
func (m *TLEMotionModel) Position(simTime time.Time, b *model.CelestialBody, parentPos model.Vec3) (model.Vec3, error) {
	year, month, day := simTime.Date()
	hour, min, sec := simTime.Clock()

	posECI, _ := satellite.Propagate(m.sat, year, int(month), day, hour, min, sec)

	const kmToM = 1000.0
	rel := model.Vec3{
		X: posECI.X * kmToM,
		Y: posECI.Y * kmToM,
		Z: posECI.Z * kmToM,
	}
	return parentPos.Add(rel), nil
}

// NewMotionModel chooses an appropriate MotionModel for the body:
// SGP4 when TLE lines are present, Keplerian when elements are present,
// otherwise static.
func NewMotionModel(b *model.CelestialBody) MotionModel {
	switch {
	case b.MotionSource == model.MotionSourceTLE && b.TLELine1 != "" && b.TLELine2 != "":
		return NewTLEModel(b.TLELine1, b.TLELine2)
	case b.MotionSource == model.MotionSourceKeplerian && b.Orbit != nil:
		return &KeplerianMotionModel{}
	default:
		return &StaticMotionModel{}
	}
}

// MotionService propagates every registered body once per tick,
// parents before children so a moon reads its planet's position from
// the same tick.
type MotionService struct {
	reg *registry.Registry

	mu     sync.Mutex
	models map[string]MotionModel

	onFailure func(bodyID string, err error)
}

// MotionOption configures a MotionService.
type MotionOption func(*MotionService)

// WithPropagationFailureHook installs a callback for soft propagation
// failures (Kepler non-convergence, bad elements). The body keeps its
// previous position; the hook is for logging and counters.
func WithPropagationFailureHook(fn func(bodyID string, err error)) MotionOption {
	return func(s *MotionService) { s.onFailure = fn }
}

// NewMotionService creates the per-tick propagator.
func NewMotionService(reg *registry.Registry, opts ...MotionOption) *MotionService {
	s := &MotionService{
		reg:    reg,
		models: make(map[string]MotionModel),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UpdateAll recomputes world positions for all bodies at simTime.
// Bodies are visited in hierarchy order (orbit depth, then ID) so the
// pass is deterministic and parents are always current.
func (s *MotionService) UpdateAll(simTime time.Time) {
	bodies := s.reg.All()

	byID := make(map[string]*model.CelestialBody, len(bodies))
	for _, b := range bodies {
		byID[b.ID] = b
	}

	sort.Slice(bodies, func(i, j int) bool {
		di, dj := orbitDepth(byID, bodies[i]), orbitDepth(byID, bodies[j])
		if di != dj {
			return di < dj
		}
		return bodies[i].ID < bodies[j].ID
	})

	positions := make(map[string]model.Vec3, len(bodies))
	for _, b := range bodies {
		positions[b.ID] = b.Position
	}

	for _, b := range bodies {
		var parentPos model.Vec3
		if b.Orbit != nil {
			parentPos = positions[b.Orbit.ParentID]
		}

		newPos, err := s.modelFor(b).Position(simTime, b, parentPos)
		if err != nil {
			if s.onFailure != nil {
				s.onFailure(b.ID, err)
			}
			continue
		}
		positions[b.ID] = newPos
		if newPos != b.Position {
			_ = s.reg.SetPosition(b.ID, newPos)
		}
	}
}

// modelFor returns the cached model for a body, building it on first
// use (TLE parsing is not free). Unregistered bodies fall out of the
// cache lazily via Forget.
func (s *MotionService) modelFor(b *model.CelestialBody) MotionModel {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.models[b.ID]; ok {
		return m
	}
	m := NewMotionModel(b)
	s.models[b.ID] = m
	return m
}

// Forget drops the cached model for a body, forcing a rebuild on next
// use. Call after replacing a body's orbit or TLE data.
func (s *MotionService) Forget(bodyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.models, bodyID)
}

// Reset drops every cached model so a fresh catalog can be loaded
// without leftover rails.
func (s *MotionService) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models = make(map[string]MotionModel)
}

// orbitDepth counts parent hops to a root body. Broken or cyclic parent
// chains are cut off at the body count so the sort stays total.
func orbitDepth(byID map[string]*model.CelestialBody, b *model.CelestialBody) int {
	depth := 0
	cur := b
	for cur.Orbit != nil && depth <= len(byID) {
		parent, ok := byID[cur.Orbit.ParentID]
		if !ok {
			break
		}
		depth++
		cur = parent
	}
	return depth
}
