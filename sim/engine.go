// Package sim composes the body registry, origin manager and physics
// services into a deterministic tick pipeline. Every tick runs on one
// goroutine in a fixed order (movement, propagation, recenter, gravity,
// scaling, publish) so the same catalog and the same scripted inputs
// always produce the same sequence of positions, scales and recenters.
package sim

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/parsecworks/orbit-engine/core"
	"github.com/parsecworks/orbit-engine/internal/logging"
	"github.com/parsecworks/orbit-engine/model"
	"github.com/parsecworks/orbit-engine/origin"
	"github.com/parsecworks/orbit-engine/registry"
)

// MetricsRecorder receives per-tick engine measurements. Implemented by
// observability.EngineCollector.
type MetricsRecorder interface {
	ObserveTickDuration(d time.Duration)
	RecordRecenter(offsetM float64)
	RecordRejectedMoves(n int)
	SetEntityCounts(bodies, actors int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveTickDuration(time.Duration) {}
func (noopMetrics) RecordRecenter(float64)            {}
func (noopMetrics) RecordRejectedMoves(int)           {}
func (noopMetrics) SetEntityCounts(int, int)          {}

// SnapshotFunc is called at the publish stage of every tick, after all
// state for the tick has settled. The replication authority's broadcast
// hangs off this hook.
type SnapshotFunc func(tick uint64, simTime time.Time) error

// TickReport summarises one pipeline pass.
type TickReport struct {
	Tick          uint64
	Recentered    bool
	RejectedMoves int
	Duration      time.Duration
}

// Engine drives the simulation. Tick must be called from a single
// goroutine; QueueMove is the one inbox other goroutines may write to.
type Engine struct {
	reg *registry.Registry
	mgr *origin.Manager

	motion  *core.MotionService
	gravity *core.GravityService
	scaling *core.ScalingService
	sampler *OrbitSampler

	snapshotFn SnapshotFunc
	log        logging.Logger
	metrics    MetricsRecorder

	inboxMu sync.Mutex
	inbox   []model.Vec3

	tick uint64

	sampleMu   sync.RWMutex
	lastSample model.GravitySample
}

// Option customises Engine construction.
type Option func(*Engine)

// WithLogger attaches a structured logger.
func WithLogger(log logging.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithMotionService attaches the on-rails propagator; without it bodies
// keep their catalog positions.
func WithMotionService(m *core.MotionService) Option {
	return func(e *Engine) { e.motion = m }
}

// WithGravity attaches the gravity service used for the observer sample
// and for probe flight integration.
func WithGravity(g *core.GravityService) Option {
	return func(e *Engine) { e.gravity = g }
}

// WithScaling attaches the distance-based visual scaling sweep.
func WithScaling(s *core.ScalingService) Option {
	return func(e *Engine) { e.scaling = s }
}

// WithOrbitSampler attaches the background orbit path precomputation.
func WithOrbitSampler(s *OrbitSampler) Option {
	return func(e *Engine) { e.sampler = s }
}

// WithSnapshotFunc installs the publish-stage callback.
func WithSnapshotFunc(fn SnapshotFunc) Option {
	return func(e *Engine) { e.snapshotFn = fn }
}

// NewEngine wires the pipeline around an existing registry and origin
// manager. Optional stages are simply skipped when absent.
func NewEngine(reg *registry.Registry, mgr *origin.Manager, opts ...Option) *Engine {
	e := &Engine{
		reg:     reg,
		mgr:     mgr,
		log:     logging.Noop(),
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// QueueMove enqueues an observer movement delta for the next tick. Safe
// to call from any goroutine; deltas apply in arrival order at the
// start of the tick, each validated independently.
func (e *Engine) QueueMove(delta model.Vec3) {
	e.inboxMu.Lock()
	e.inbox = append(e.inbox, delta)
	e.inboxMu.Unlock()
}

// Prime runs the stages that give the world a consistent first frame:
// one propagation pass, the observer gravity sample, and initial scale
// assignment without the rate limit, so a freshly loaded catalog does
// not animate from zero.
func (e *Engine) Prime(simTime time.Time) {
	if e.motion != nil {
		e.motion.UpdateAll(simTime)
	}
	if e.gravity != nil {
		e.setGravitySample(e.gravity.AccelerationAt(e.mgr.WorldPosition()))
	}
	if e.scaling != nil {
		e.scaling.Prime(e.mgr.WorldPosition())
	}
	if e.sampler != nil {
		e.sampler.Kick()
	}
}

// ReplaceCatalog swaps the registered body set for the contents of a
// new catalog: the registry is emptied, cached motion models and
// sampled orbit paths are dropped, then the new catalog is loaded and
// the scene is re-primed at simTime. Call between ticks, on the tick
// goroutine. Observer position, drift and tracked actors persist
// across the swap. On a load error the registry holds whatever entries
// preceded the bad one; retry with a fixed catalog.
func (e *Engine) ReplaceCatalog(r io.Reader, simTime time.Time) (*core.BodyCatalog, error) {
	before := e.reg.Len()
	e.reg.Clear()
	if e.motion != nil {
		e.motion.Reset()
	}
	if e.sampler != nil {
		e.sampler.Invalidate()
	}

	catalog, err := core.LoadBodyCatalog(e.reg, r)
	if err != nil {
		return nil, err
	}

	e.Prime(simTime)
	e.log.Info(context.Background(), "body catalog replaced",
		logging.Int("bodies_before", before),
		logging.Int("bodies", len(catalog.BodyIDs)),
		logging.Int("keplerian", catalog.Orbits),
		logging.Int("tle", catalog.TLEs),
	)
	return catalog, nil
}

// Tick advances the simulation by dt ending at simTime.
func (e *Engine) Tick(simTime time.Time, dt time.Duration) TickReport {
	start := time.Now()
	e.tick++

	rejected := e.applyQueuedMoves()
	e.integrateActors(dt)
	if e.motion != nil {
		e.motion.UpdateAll(simTime)
	}

	recentered := false
	if e.mgr.ShouldRecenter() {
		event, ok := e.mgr.Recenter(simTime)
		if ok {
			recentered = true
			e.metrics.RecordRecenter(event.Offset.Norm())
			e.log.Info(context.Background(), "universe recentered",
				logging.Uint64("sequence", event.Sequence),
				logging.Float64("offset_m", event.Offset.Norm()),
			)
		}
	}

	if e.gravity != nil {
		e.setGravitySample(e.gravity.AccelerationAt(e.mgr.WorldPosition()))
	}
	if e.scaling != nil {
		e.scaling.Update(e.mgr.WorldPosition(), dt)
	}

	if e.sampler != nil {
		e.sampler.PublishReady()
		e.sampler.Kick()
	}
	if e.snapshotFn != nil {
		if err := e.snapshotFn(e.tick, simTime); err != nil {
			e.log.Error(context.Background(), "snapshot publish failed",
				logging.Uint64("tick", e.tick),
				logging.Any("error", err),
			)
		}
	}

	duration := time.Since(start)
	e.metrics.ObserveTickDuration(duration)
	e.metrics.SetEntityCounts(e.reg.Len(), e.mgr.ActorCount())
	if rejected > 0 {
		e.metrics.RecordRejectedMoves(rejected)
	}

	return TickReport{
		Tick:          e.tick,
		Recentered:    recentered,
		RejectedMoves: rejected,
		Duration:      duration,
	}
}

// applyQueuedMoves drains the inbox and applies each delta through the
// origin manager. Oversized deltas are dropped and counted; the rest of
// the batch still applies.
func (e *Engine) applyQueuedMoves() int {
	e.inboxMu.Lock()
	moves := e.inbox
	e.inbox = nil
	e.inboxMu.Unlock()

	rejected := 0
	for _, delta := range moves {
		if err := e.mgr.Move(delta); err != nil {
			if errors.Is(err, origin.ErrInvalidMovement) {
				rejected++
				e.log.Warn(context.Background(), "queued move rejected",
					logging.Float64("delta_m", delta.Norm()),
				)
				continue
			}
			e.log.Error(context.Background(), "queued move failed",
				logging.Any("error", err),
			)
		}
	}
	return rejected
}

// integrateActors advances free-flying probes with one semi-implicit
// Euler step: velocity from the local gravity sample first, then
// position from the new velocity. Stable for orbital motion at the
// tick rates the engine runs at.
func (e *Engine) integrateActors(dt time.Duration) {
	if e.gravity == nil {
		return
	}
	dtSec := dt.Seconds()
	for _, a := range e.mgr.Actors() {
		sample := e.gravity.AccelerationAt(a.Position)
		vel := a.Velocity.Add(sample.Acceleration.Scale(dtSec))
		pos := a.Position.Add(vel.Scale(dtSec))
		if err := e.mgr.SetActorState(a.ID, pos, vel); err != nil {
			// Actor untracked mid-tick by another goroutine; skip.
			continue
		}
	}
}

func (e *Engine) setGravitySample(s model.GravitySample) {
	e.sampleMu.Lock()
	e.lastSample = s
	e.sampleMu.Unlock()
}

// GravitySample returns the observer-position sample from the most
// recent tick.
func (e *Engine) GravitySample() model.GravitySample {
	e.sampleMu.RLock()
	defer e.sampleMu.RUnlock()
	return e.lastSample
}
