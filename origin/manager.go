// Package origin implements the floating-origin position manager. It
// owns the observer's two-tier virtual position, measures how far the
// observer has drifted through the world frame since the last origin
// shift, and recenters the world by translating every registered body
// and tracked actor once that drift threatens float precision.
package origin

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parsecworks/orbit-engine/model"
	"github.com/parsecworks/orbit-engine/registry"
)

var (
	ErrInvalidMovement = errors.New("movement delta exceeds per-tick limit")
	ErrInvalidConfig   = errors.New("invalid origin config")
	ErrInvalidActor    = errors.New("invalid actor")
	ErrDuplicateActor  = errors.New("actor already tracked")
	ErrActorNotFound   = errors.New("actor not tracked")
)

// ManagerConfig tunes the precision guardrails. Distances are metres.
type ManagerConfig struct {
	// SectorSizeM is the coarse grid cell edge for the observer's
	// virtual position.
	SectorSizeM float64
	// PrecisionThresholdM is how far the observer may drift from the
	// world origin before a recenter is due. Chosen well below where
	// 32-bit render math starts losing sub-centimetre precision.
	PrecisionThresholdM float64
	// MaxDeltaPerTickM rejects movement deltas larger than the fastest
	// legitimate ship could cover in one tick, plus latency slack.
	MaxDeltaPerTickM float64
}

// DefaultManagerConfig returns the standard tuning: 100 km sectors,
// recenter past 10 km, reject single-tick jumps over 5 km.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		SectorSizeM:         100_000,
		PrecisionThresholdM: 10_000,
		MaxDeltaPerTickM:    5_000,
	}
}

func (c ManagerConfig) validate() error {
	if c.SectorSizeM <= 0 {
		return fmt.Errorf("%w: SectorSizeM %v must be > 0", ErrInvalidConfig, c.SectorSizeM)
	}
	if c.PrecisionThresholdM <= 0 {
		return fmt.Errorf("%w: PrecisionThresholdM %v must be > 0", ErrInvalidConfig, c.PrecisionThresholdM)
	}
	if c.PrecisionThresholdM >= c.SectorSizeM/2 {
		return fmt.Errorf("%w: PrecisionThresholdM %v must be below half a sector (%v)",
			ErrInvalidConfig, c.PrecisionThresholdM, c.SectorSizeM/2)
	}
	if c.MaxDeltaPerTickM <= 0 {
		return fmt.Errorf("%w: MaxDeltaPerTickM %v must be > 0", ErrInvalidConfig, c.MaxDeltaPerTickM)
	}
	return nil
}

type recenterListener struct {
	id int
	fn func(model.RecenterEvent)
}

// Manager tracks the observer's position with two-tier precision and
// orchestrates universe recentering.
//
// Two frames are in play. The virtual position (sector + local offset)
// is the observer's absolute truth; recentering never rewrites it. The
// world frame is what the renderer and physics passes see: the observer
// starts each recenter epoch at the world origin and drifts away from
// it as it moves. Recenter translates the whole world back by that
// drift and zeroes it, so nothing ever strays far from float-safe
// magnitudes.
//
// All tick-pipeline mutation happens on the simulation goroutine; the
// mutex exists so the replication authority and metrics scrapes can
// call in from their own goroutines.
type Manager struct {
	mu  sync.RWMutex
	cfg ManagerConfig
	reg *registry.Registry

	position       model.VirtualPosition
	drift          model.Vec3
	totalDistanceM float64
	recenterSeq    uint64

	actors map[string]*model.Actor

	listeners  []recenterListener
	nextListID int
}

// NewManager validates cfg and builds a manager over the given
// registry. A zero-value cfg selects DefaultManagerConfig.
func NewManager(reg *registry.Registry, cfg ManagerConfig) (*Manager, error) {
	if cfg == (ManagerConfig{}) {
		cfg = DefaultManagerConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:      cfg,
		reg:      reg,
		position: model.NewVirtualPosition(cfg.SectorSizeM),
		actors:   make(map[string]*model.Actor),
	}, nil
}

// Config returns the manager's tuning.
func (m *Manager) Config() ManagerConfig {
	return m.cfg
}

//
// ---------- Observer movement ----------
//

// Move applies a movement delta to the observer. This is the
// authoritative application path: deltas above the per-tick limit are
// rejected with ErrInvalidMovement and leave all state untouched, so
// the caller can issue a correction instead.
func (m *Manager) Move(delta model.Vec3) error {
	step := delta.Norm()
	if step > m.cfg.MaxDeltaPerTickM {
		return fmt.Errorf("%w: |delta| %.1f m > %.1f m", ErrInvalidMovement, step, m.cfg.MaxDeltaPerTickM)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.position.AddDelta(delta)
	m.drift = m.drift.Add(delta)
	m.totalDistanceM += step
	return nil
}

// Position returns the observer's absolute virtual position.
func (m *Manager) Position() model.VirtualPosition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.position
}

// WorldPosition returns the observer's position in the current world
// frame: its drift since the last recenter. This is the position the
// scaling and gravity passes measure distances from.
func (m *Manager) WorldPosition() model.Vec3 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.drift
}

// TotalDistance returns the cumulative path length the observer has
// moved, in metres. Telemetry only; recentering never touches it.
func (m *Manager) TotalDistance() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalDistanceM
}

// RecenterSequence returns how many recenters have happened. Replicas
// compare it to detect origin shifts between snapshots.
func (m *Manager) RecenterSequence() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recenterSeq
}

// Restore overwrites the observer's absolute position, typically from a
// persistence load or a full resync snapshot. The world frame restarts
// at the new position, so drift resets; the travel odometer keeps
// counting.
func (m *Manager) Restore(vp model.VirtualPosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if vp.SectorSize <= 0 {
		vp.SectorSize = m.cfg.SectorSizeM
	}
	vp.Normalize()
	m.position = vp
	m.drift = model.Vec3{}
}

//
// ---------- Recentering ----------
//

// ShouldRecenter reports whether the observer has drifted past the
// precision threshold since the last recenter.
func (m *Manager) ShouldRecenter() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.drift.Norm() > m.cfg.PrecisionThresholdM
}

// Recenter translates the world so the observer returns to the world
// origin, if the drift threshold has been crossed. It returns the event
// describing the shift and whether one happened.
//
// The shift is fully synchronous: every registered body, every tracked
// actor and every listener has been translated/notified by the time
// Recenter returns, so the rest of the tick never sees a half-shifted
// world. The observer's absolute position and odometer are untouched.
func (m *Manager) Recenter(simTime time.Time) (model.RecenterEvent, bool) {
	return m.recenter(simTime, false)
}

// ForceRecenter recenters unconditionally, threshold or not. Used when
// handing state to a resyncing replica or shutting a scene down with a
// clean frame.
func (m *Manager) ForceRecenter(simTime time.Time) model.RecenterEvent {
	ev, _ := m.recenter(simTime, true)
	return ev
}

func (m *Manager) recenter(simTime time.Time, force bool) (model.RecenterEvent, bool) {
	m.mu.Lock()
	if !force && m.drift.Norm() <= m.cfg.PrecisionThresholdM {
		m.mu.Unlock()
		return model.RecenterEvent{}, false
	}

	offset := m.drift.Neg()
	for _, a := range m.actors {
		a.Position = a.Position.Add(offset)
	}
	m.drift = model.Vec3{}
	m.recenterSeq++
	event := model.RecenterEvent{
		Offset:   offset,
		Sequence: m.recenterSeq,
		SimTime:  simTime,
	}
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	// Sweep the registry and notify listeners outside the manager lock:
	// both may call back into the manager (a subscriber reading
	// WorldPosition, say) and must not deadlock. The sweep still
	// completes before Recenter returns, which is the ordering the tick
	// pipeline relies on.
	m.reg.ApplyOffset(offset)
	for _, l := range listeners {
		l.fn(event)
	}
	return event, true
}

// AddListener registers a callback invoked synchronously inside every
// recenter, after bodies and actors have been translated. Returns an
// unsubscribe function. Listeners run in subscription order.
func (m *Manager) AddListener(fn func(model.RecenterEvent)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextListID++
	id := m.nextListID
	m.listeners = append(m.listeners, recenterListener{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// snapshotListenersLocked copies the listener list so callbacks run
// after the lock is dropped. Caller must hold m.mu.
func (m *Manager) snapshotListenersLocked() []recenterListener {
	if len(m.listeners) == 0 {
		return nil
	}
	return append([]recenterListener(nil), m.listeners...)
}

//
// ---------- Tracked actors ----------
//

// TrackActor registers a movable entity (ship, probe) whose world-frame
// position must shift together with the bodies on recenter. The manager
// keeps its own copy.
func (m *Manager) TrackActor(a *model.Actor) error {
	if a == nil || strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: actor needs a non-empty ID", ErrInvalidActor)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.actors[a.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateActor, a.ID)
	}
	stored := *a
	m.actors[a.ID] = &stored
	return nil
}

// UntrackActor stops translating the actor on recenter.
func (m *Manager) UntrackActor(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actors[id]; !ok {
		return fmt.Errorf("%w: %q", ErrActorNotFound, id)
	}
	delete(m.actors, id)
	return nil
}

// Actor returns a copy of a tracked actor's state.
func (m *Manager) Actor(id string) (model.Actor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.actors[id]
	if !ok {
		return model.Actor{}, false
	}
	return *a, true
}

// Actors returns copies of all tracked actors, sorted by ID so the
// flight integrator walks them in a reproducible order.
func (m *Manager) Actors() []model.Actor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Actor, 0, len(m.actors))
	for _, a := range m.actors {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetActorState writes an actor's integrated position and velocity back
// after a physics step.
func (m *Manager) SetActorState(id string, position, velocity model.Vec3) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrActorNotFound, id)
	}
	a.Position = position
	a.Velocity = velocity
	return nil
}

// ActorCount returns the number of tracked actors.
func (m *Manager) ActorCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.actors)
}
