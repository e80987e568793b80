package sim

import (
	"math"
	"sync"

	"github.com/parsecworks/orbit-engine/core"
	"github.com/parsecworks/orbit-engine/model"
	"github.com/parsecworks/orbit-engine/registry"
)

// OrbitSamplerConfig tunes the path precomputation batch.
type OrbitSamplerConfig struct {
	// Samples is the number of points per orbit polyline.
	Samples int
	// Workers bounds the goroutines used per batch.
	Workers int
}

// DefaultOrbitSamplerConfig returns the standard batch tuning.
func DefaultOrbitSamplerConfig() OrbitSamplerConfig {
	return OrbitSamplerConfig{Samples: 64, Workers: 4}
}

// OrbitSampler precomputes closed orbit polylines for every body on a
// Keplerian rail, spreading the Kepler solves across a bounded worker
// pool. The batch runs off the simulation goroutine and its results are
// staged; the engine adopts them at the next tick boundary via
// PublishReady, so readers never observe a half-built path set.
//
// Paths are parent-relative, which makes them immune to recentering:
// a rendered orbit line follows its parent body wherever the origin
// shifts take it.
type OrbitSampler struct {
	reg *registry.Registry
	cfg OrbitSamplerConfig

	mu           sync.Mutex
	published    map[string][]model.Vec3
	staged       map[string][]model.Vec3
	stagedSet    bool
	inFlight     bool
	dirty        bool
	nonConverged uint64

	unsubscribe func()
}

// NewOrbitSampler builds a sampler over the registry. It watches for
// body registration changes and marks itself dirty so the next Kick
// recomputes; position updates do not invalidate paths because the
// polylines are parent-relative.
func NewOrbitSampler(reg *registry.Registry, cfg OrbitSamplerConfig) *OrbitSampler {
	if cfg.Samples <= 0 {
		cfg.Samples = DefaultOrbitSamplerConfig().Samples
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultOrbitSamplerConfig().Workers
	}
	s := &OrbitSampler{
		reg:   reg,
		cfg:   cfg,
		dirty: true,
	}
	s.unsubscribe = reg.Subscribe(func(ev registry.Event) {
		switch ev.Type {
		case registry.EventBodyRegistered, registry.EventBodyUnregistered:
			s.Invalidate()
		}
	})
	return s
}

// Close detaches the sampler from the registry. In-flight work is left
// to finish; its results are simply never published.
func (s *OrbitSampler) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// Invalidate marks the published paths stale; the next Kick rebuilds.
func (s *OrbitSampler) Invalidate() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// Kick starts a sampling batch if the paths are stale and no batch is
// already running. Returns true when a batch was started.
func (s *OrbitSampler) Kick() bool {
	s.mu.Lock()
	if s.inFlight || !s.dirty {
		s.mu.Unlock()
		return false
	}
	s.inFlight = true
	s.dirty = false
	s.mu.Unlock()

	var onRails []*model.CelestialBody
	for _, b := range s.reg.All() {
		if b.Orbit != nil {
			onRails = append(onRails, b)
		}
	}

	if len(onRails) == 0 {
		s.mu.Lock()
		s.staged = map[string][]model.Vec3{}
		s.stagedSet = true
		s.inFlight = false
		s.mu.Unlock()
		return true
	}

	go s.run(onRails)
	return true
}

// run fans the bodies out over the worker pool and stages the results.
func (s *OrbitSampler) run(bodies []*model.CelestialBody) {
	n := len(bodies)
	workers := min(s.cfg.Workers, n)
	chunk := (n + workers - 1) / workers

	paths := make([][]model.Vec3, n)
	misses := make([]uint64, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := min(lo+chunk, n)
		if lo >= hi {
			continue
		}
		wg.Add(1)
		go func(w, lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				paths[i] = samplePath(bodies[i].Orbit, s.cfg.Samples, &misses[w])
			}
		}(w, lo, hi)
	}
	wg.Wait()

	staged := make(map[string][]model.Vec3, n)
	for i, b := range bodies {
		staged[b.ID] = paths[i]
	}
	var missed uint64
	for _, m := range misses {
		missed += m
	}

	s.mu.Lock()
	s.staged = staged
	s.stagedSet = true
	s.inFlight = false
	s.nonConverged += missed
	s.mu.Unlock()
}

// samplePath walks one full orbit in uniform mean anomaly steps and
// returns a closed polyline (last point repeats the first exactly).
func samplePath(oe *model.OrbitElements, samples int, misses *uint64) []model.Vec3 {
	path := make([]model.Vec3, samples+1)
	for i := 0; i < samples; i++ {
		meanAnomaly := 2 * math.Pi * float64(i) / float64(samples)
		eccAnomaly, converged := core.SolveKepler(oe.Eccentricity, meanAnomaly)
		if !converged {
			*misses++
		}
		path[i] = core.RelativeOrbitPosition(oe, eccAnomaly)
	}
	path[samples] = path[0]
	return path
}

// PublishReady adopts a finished batch, if any. Called by the engine at
// the tick boundary. Returns true when new paths became visible.
func (s *OrbitSampler) PublishReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stagedSet {
		return false
	}
	s.published = s.staged
	s.staged = nil
	s.stagedSet = false
	return true
}

// PathFor returns the published parent-relative polyline for a body.
// The slice is shared; callers must treat it as read-only.
func (s *OrbitSampler) PathFor(bodyID string) ([]model.Vec3, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.published[bodyID]
	return p, ok
}

// PathCount returns how many bodies have published paths.
func (s *OrbitSampler) PathCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.published)
}

// NonConverged reports how many sample points hit the Kepler iteration
// cap across all batches so far.
func (s *OrbitSampler) NonConverged() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonConverged
}
