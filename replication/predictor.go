package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/parsecworks/orbit-engine/internal/logging"
	"github.com/parsecworks/orbit-engine/model"
	"github.com/parsecworks/orbit-engine/origin"
)

// ErrNotWelcomed is returned when a predictor is used before it has
// adopted a SessionWelcome.
var ErrNotWelcomed = errors.New("predictor has no session")

// PredictorConfig tunes client-side reconciliation. Distances are
// metres.
type PredictorConfig struct {
	// SnapToleranceM is the divergence below which the rebased
	// authoritative state is adopted silently.
	SnapToleranceM float64
	// BlendThresholdM is the divergence below which the prediction is
	// blended toward the rebased state instead of snapped; anything
	// larger forces a hard resync so error growth stays bounded.
	BlendThresholdM float64
	// BlendFactor is the fraction of the remaining gap closed per
	// snapshot while blending.
	BlendFactor float64
	// MaxPending bounds the unacknowledged move buffer. Overflow drops
	// the oldest move and flags that a full resync is needed.
	MaxPending int
	// TickInterval, when set, is stamped on outgoing move requests.
	TickInterval time.Duration
}

// DefaultPredictorConfig returns the standard reconciliation tuning.
func DefaultPredictorConfig() PredictorConfig {
	return PredictorConfig{
		SnapToleranceM:  0.5,
		BlendThresholdM: 50,
		BlendFactor:     0.2,
		MaxPending:      256,
	}
}

// PredictorStats counts reconciliation outcomes.
type PredictorStats struct {
	MovesSent   uint64
	Snaps       uint64
	Blends      uint64
	HardResyncs uint64
	Corrections uint64
	Overflows   uint64
}

type pendingMove struct {
	seq   uint64
	delta model.Vec3
}

// Predictor is the replica side of the movement contract. Local moves
// apply immediately to a shadow copy of the observer state so input
// never waits on the network; authoritative snapshots are reconciled by
// rebasing onto the authority's position and replaying the moves it has
// not yet processed. Authoritative data always wins: divergence is
// snapped, blended, or hard-resynced, never merged.
//
// The predictor is a pure state machine; framing and transport belong
// to the caller. Feeding it the same messages in the same order always
// yields the same state.
type Predictor struct {
	cfg PredictorConfig
	log logging.Logger

	mu        sync.Mutex
	sessionID string
	maxDeltaM float64

	position    model.VirtualPosition
	drift       model.Vec3
	recenterSeq uint64

	pending      []pendingMove
	nextSeq      uint64
	outSeq       uint64
	resyncNeeded bool

	bodies       []BodyState
	snapshotTick uint64

	stats PredictorStats
}

// PredictorOption customises Predictor construction.
type PredictorOption func(*Predictor)

// WithPredictorConfig overrides DefaultPredictorConfig.
func WithPredictorConfig(cfg PredictorConfig) PredictorOption {
	return func(p *Predictor) { p.cfg = cfg }
}

// WithPredictorLogger attaches a structured logger.
func WithPredictorLogger(log logging.Logger) PredictorOption {
	return func(p *Predictor) { p.log = log }
}

// NewPredictor builds an unwelcomed predictor. It becomes usable after
// OnWelcome.
func NewPredictor(opts ...PredictorOption) *Predictor {
	p := &Predictor{
		cfg: DefaultPredictorConfig(),
		log: logging.Noop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cfg.MaxPending <= 0 {
		p.cfg.MaxPending = DefaultPredictorConfig().MaxPending
	}
	if p.cfg.BlendFactor <= 0 || p.cfg.BlendFactor > 1 {
		p.cfg.BlendFactor = DefaultPredictorConfig().BlendFactor
	}
	return p
}

// OnWelcome adopts the session id, the validation limits the authority
// enforces, and the authoritative starting state.
func (p *Predictor) OnWelcome(w SessionWelcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionID = w.SessionID
	p.maxDeltaM = w.MaxDeltaPerTickM
	p.position = w.Observer
	p.drift = w.Drift
	p.recenterSeq = w.RecenterSeq
	p.pending = p.pending[:0]
	p.resyncNeeded = false
}

// SessionID returns the session adopted from the welcome, or "".
func (p *Predictor) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

//
// ---------- Local prediction ----------
//

// Move applies delta to the shadow state immediately and returns the
// request to send to the authority. Deltas the authority would reject
// are refused here with origin.ErrInvalidMovement and change nothing,
// so an honest client never earns a correction.
func (p *Predictor) Move(delta model.Vec3) (MoveRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessionID == "" {
		return MoveRequest{}, ErrNotWelcomed
	}
	if step := delta.Norm(); p.maxDeltaM > 0 && step > p.maxDeltaM {
		return MoveRequest{}, fmt.Errorf("%w: delta %.1fm exceeds %.1fm",
			origin.ErrInvalidMovement, step, p.maxDeltaM)
	}

	p.position.AddDelta(delta)
	p.drift = p.drift.Add(delta)

	p.nextSeq++
	if len(p.pending) >= p.cfg.MaxPending {
		// Oldest prediction is lost; only a full resync can make the
		// replay history whole again.
		p.pending = p.pending[1:]
		p.resyncNeeded = true
		p.stats.Overflows++
		p.log.Warn(context.Background(), "pending move buffer overflow",
			logging.Int("max_pending", p.cfg.MaxPending),
		)
	}
	p.pending = append(p.pending, pendingMove{seq: p.nextSeq, delta: delta})
	p.stats.MovesSent++

	req := MoveRequest{Sequence: p.nextSeq, Delta: delta}
	if p.cfg.TickInterval > 0 {
		req.TickMillis = p.cfg.TickInterval.Milliseconds()
	}
	return req, nil
}

// MoveEnvelope wraps a move request for the wire.
func (p *Predictor) MoveEnvelope(req MoveRequest, simTime time.Time) (Envelope, error) {
	p.mu.Lock()
	session := p.sessionID
	p.outSeq++
	seq := p.outSeq
	p.mu.Unlock()
	if session == "" {
		return Envelope{}, ErrNotWelcomed
	}
	return NewEnvelope(MessageMoveRequest, session, seq, simTime, req)
}

// ResyncEnvelope builds a client-initiated full resync request.
func (p *Predictor) ResyncEnvelope(simTime time.Time) (Envelope, error) {
	p.mu.Lock()
	session := p.sessionID
	p.outSeq++
	seq := p.outSeq
	p.mu.Unlock()
	if session == "" {
		return Envelope{}, ErrNotWelcomed
	}
	return NewEnvelope(MessageFullResync, session, seq, simTime, nil)
}

//
// ---------- Reconciliation ----------
//

// OnEnvelope routes one authority message.
func (p *Predictor) OnEnvelope(env Envelope) error {
	switch env.Type {
	case MessageSessionWelcome:
		var w SessionWelcome
		if err := env.DecodePayload(&w); err != nil {
			return err
		}
		p.OnWelcome(w)
		return nil
	case MessageStateSnapshot:
		var s StateSnapshot
		if err := env.DecodePayload(&s); err != nil {
			return err
		}
		p.OnSnapshot(s)
		return nil
	case MessageCorrection:
		var c Correction
		if err := env.DecodePayload(&c); err != nil {
			return err
		}
		p.OnCorrection(c)
		return nil
	case MessageFullResync:
		var s StateSnapshot
		if err := env.DecodePayload(&s); err != nil {
			return err
		}
		p.onResync(s)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

// OnSnapshot reconciles against one authoritative snapshot: prune the
// moves the authority has incorporated, rebase its observer state,
// replay the rest, then snap, blend, or hard-resync depending on how
// far the prediction drifted from the replayed truth.
func (p *Predictor) OnSnapshot(s StateSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneLocked(s.LastProcessedSeq)

	rebased := s.Observer
	rebasedDrift := s.Drift
	for _, pm := range p.pending {
		rebased.AddDelta(pm.delta)
		rebasedDrift = rebasedDrift.Add(pm.delta)
	}

	if s.RecenterSeq != p.recenterSeq {
		// New recenter epoch: the local drift is measured in a world
		// frame that no longer exists, so the old shadow is discarded
		// and the replayed state adopted outright.
		p.position = rebased
		p.drift = rebasedDrift
		p.recenterSeq = s.RecenterSeq
		p.adoptBodiesLocked(s)
		return
	}

	errM := p.position.Sub(rebased).Norm()
	switch {
	case errM <= p.cfg.SnapToleranceM:
		p.position = rebased
		p.drift = rebasedDrift
		p.stats.Snaps++
	case errM <= p.cfg.BlendThresholdM:
		inc := rebased.Sub(p.position).Scale(p.cfg.BlendFactor)
		p.position.AddDelta(inc)
		p.drift = p.drift.Add(inc)
		p.stats.Blends++
	default:
		p.pending = p.pending[:0]
		p.position = s.Observer
		p.drift = s.Drift
		p.resyncNeeded = false
		p.stats.HardResyncs++
		p.log.Warn(context.Background(), "prediction diverged, hard resync",
			logging.Float64("error_m", errM),
			logging.Uint64("tick", s.Tick),
		)
	}
	p.adoptBodiesLocked(s)
}

// OnCorrection hard-resyncs to the authoritative reset state. Pending
// moves at or after the rejected sequence were never applied; the ones
// before it are already folded into ResetTo. Either way the shadow
// history is spent.
func (p *Predictor) OnCorrection(c Correction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = p.pending[:0]
	p.position = c.ResetTo
	p.drift = c.Drift
	p.recenterSeq = c.RecenterSeq
	p.resyncNeeded = false
	p.stats.Corrections++
	p.stats.HardResyncs++
}

// onResync adopts a full authoritative snapshot, discarding all shadow
// state.
func (p *Predictor) onResync(s StateSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = p.pending[:0]
	p.position = s.Observer
	p.drift = s.Drift
	p.recenterSeq = s.RecenterSeq
	p.resyncNeeded = false
	p.stats.HardResyncs++
	p.adoptBodiesLocked(s)
}

func (p *Predictor) pruneLocked(ack uint64) {
	keep := p.pending[:0]
	for _, pm := range p.pending {
		if pm.seq > ack {
			keep = append(keep, pm)
		}
	}
	p.pending = keep
}

func (p *Predictor) adoptBodiesLocked(s StateSnapshot) {
	if s.Bodies != nil {
		p.bodies = s.Bodies
	}
	if s.Tick > 0 {
		p.snapshotTick = s.Tick
	}
}

//
// ---------- State access ----------
//

// Position returns the predicted observer position.
func (p *Predictor) Position() model.VirtualPosition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

// WorldPosition returns the predicted world-frame drift since the last
// recenter; this is where the observer renders.
func (p *Predictor) WorldPosition() model.Vec3 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drift
}

// RecenterSeq returns the recenter epoch the shadow state belongs to.
func (p *Predictor) RecenterSeq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recenterSeq
}

// PendingLen returns how many moves await acknowledgement.
func (p *Predictor) PendingLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// NeedsResync reports whether prediction history was lost to overflow
// and a full resync should be requested.
func (p *Predictor) NeedsResync() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resyncNeeded
}

// Bodies returns the most recently replicated body states.
func (p *Predictor) Bodies() []BodyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]BodyState, len(p.bodies))
	copy(out, p.bodies)
	return out
}

// SnapshotTick returns the tick of the last adopted snapshot.
func (p *Predictor) SnapshotTick() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotTick
}

// Stats returns reconciliation counters.
func (p *Predictor) Stats() PredictorStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
