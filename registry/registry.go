// Package registry holds the canonical set of celestial bodies known to
// the simulation: identity, mass, world-frame position and visual scale
// state. It is the single source the physics passes read from and write
// back to each tick.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/parsecworks/orbit-engine/model"
)

var (
	ErrDuplicateBody = errors.New("body already registered")
	ErrBodyNotFound  = errors.New("body not found")
	ErrInvalidBody   = errors.New("invalid body")
)

// EventType indicates what kind of change happened in the registry.
type EventType int

const (
	EventBodyRegistered EventType = iota
	EventBodyUnregistered
	EventBodyMoved
	EventOriginShifted
)

// Event is emitted to subscribers when registry state changes. Body is
// a copy; Offset is only set for EventOriginShifted.
type Event struct {
	Type   EventType
	Body   model.CelestialBody
	Offset model.Vec3
}

type subscriber struct {
	id int
	fn func(Event)
}

// Registry is an in-memory, thread-safe store of celestial bodies.
//
// All mutation during a tick happens on the simulation goroutine; the
// RWMutex exists so observers (metrics scrapes, replication snapshot
// assembly, debug tooling) can read concurrently without coordinating
// with the tick.
type Registry struct {
	mu sync.RWMutex

	bodies map[string]*model.CelestialBody

	subs   []subscriber
	nextID int
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		bodies: make(map[string]*model.CelestialBody),
	}
}

//
// ---------- Registration ----------
//

// Register adds a body. The registry keeps its own copy, so later
// changes to the caller's struct do not leak into the store.
func (r *Registry) Register(b *model.CelestialBody) error {
	if err := validateBody(b); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.bodies[b.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDuplicateBody, b.ID)
	}
	stored := b.Clone()
	r.bodies[stored.ID] = stored
	event := Event{Type: EventBodyRegistered, Body: *stored}
	subs := r.snapshotSubsLocked()
	r.mu.Unlock()

	notify(subs, event)
	return nil
}

// Unregister removes a body by ID. Copies handed out earlier stay valid
// as plain values; later registry calls with the stale ID report
// ErrBodyNotFound.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	b, ok := r.bodies[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrBodyNotFound, id)
	}
	delete(r.bodies, id)
	event := Event{Type: EventBodyUnregistered, Body: *b}
	subs := r.snapshotSubsLocked()
	r.mu.Unlock()

	notify(subs, event)
	return nil
}

// Clear removes every body. Used by catalog reloads and client resyncs.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.bodies = make(map[string]*model.CelestialBody)
	r.mu.Unlock()
}

//
// ---------- Queries ----------
//

// Get returns a copy of the body with the given ID.
func (r *Registry) Get(id string) (*model.CelestialBody, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bodies[id]
	if !ok {
		return nil, false
	}
	return b.Clone(), true
}

// Len returns the number of registered bodies.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bodies)
}

// AllIDs returns every registered ID in ascending order.
func (r *Registry) AllIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.bodies))
	for id := range r.bodies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns copies of every body, sorted by ID so iteration order is
// reproducible across runs.
func (r *Registry) All() []*model.CelestialBody {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*model.CelestialBody, 0, len(r.bodies))
	for _, b := range r.bodies {
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// QueryInRadius returns copies of all bodies within radiusM metres of
// center, sorted by distance ascending with ID as the tie-breaker. The
// fixed ordering keeps downstream sums (gravity in particular)
// bit-for-bit deterministic.
func (r *Registry) QueryInRadius(center model.Vec3, radiusM float64) []*model.CelestialBody {
	r.mu.RLock()

	type hit struct {
		body *model.CelestialBody
		dist float64
	}
	hits := make([]hit, 0, len(r.bodies))
	for _, b := range r.bodies {
		d := b.Position.DistanceTo(center)
		if d <= radiusM {
			hits = append(hits, hit{body: b.Clone(), dist: d})
		}
	}
	r.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].dist != hits[j].dist {
			return hits[i].dist < hits[j].dist
		}
		return hits[i].body.ID < hits[j].body.ID
	})

	out := make([]*model.CelestialBody, len(hits))
	for i, h := range hits {
		out[i] = h.body
	}
	return out
}

//
// ---------- Tick-pipeline mutation ----------
//

// SetPosition moves a body to a new world-frame position and notifies
// subscribers.
func (r *Registry) SetPosition(id string, p model.Vec3) error {
	r.mu.Lock()
	b, ok := r.bodies[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrBodyNotFound, id)
	}
	b.Position = p
	event := Event{Type: EventBodyMoved, Body: *b}
	subs := r.snapshotSubsLocked()
	r.mu.Unlock()

	notify(subs, event)
	return nil
}

// SetScales writes the scaling pass's result for a body. No event is
// emitted: scale updates touch every body every tick and subscribers
// that care read the registry directly.
func (r *Registry) SetScales(id string, current, target float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bodies[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrBodyNotFound, id)
	}
	b.CurrentScale = current
	b.TargetScale = target
	return nil
}

// ApplyOffset translates every body position by offset in one sweep.
// This is the origin-recenter hook: the whole world moves together, so
// relative geometry is untouched. A single EventOriginShifted is
// emitted afterwards.
func (r *Registry) ApplyOffset(offset model.Vec3) {
	r.mu.Lock()
	for _, b := range r.bodies {
		b.Position = b.Position.Add(offset)
	}
	event := Event{Type: EventOriginShifted, Offset: offset}
	subs := r.snapshotSubsLocked()
	r.mu.Unlock()

	notify(subs, event)
}

//
// ---------- Subscriptions ----------
//

// Subscribe registers a callback for registry events and returns an
// unsubscribe function. Callbacks run outside the registry lock, in
// subscription order.
func (r *Registry) Subscribe(fn func(Event)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.subs = append(r.subs, subscriber{id: id, fn: fn})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.subs {
			if s.id == id {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				return
			}
		}
	}
}

// snapshotSubsLocked copies the subscriber list so callbacks can be
// invoked after the lock is dropped. Caller must hold r.mu.
func (r *Registry) snapshotSubsLocked() []subscriber {
	if len(r.subs) == 0 {
		return nil
	}
	return append([]subscriber(nil), r.subs...)
}

func notify(subs []subscriber, event Event) {
	for _, s := range subs {
		s.fn(event)
	}
}

func validateBody(b *model.CelestialBody) error {
	if b == nil {
		return fmt.Errorf("%w: nil body", ErrInvalidBody)
	}
	if strings.TrimSpace(b.ID) == "" {
		return fmt.Errorf("%w: empty ID", ErrInvalidBody)
	}
	if b.MassKg <= 0 {
		return fmt.Errorf("%w: %q has non-positive mass %v", ErrInvalidBody, b.ID, b.MassKg)
	}
	if b.RadiusKm <= 0 {
		return fmt.Errorf("%w: %q has non-positive radius %v", ErrInvalidBody, b.ID, b.RadiusKm)
	}
	return nil
}
