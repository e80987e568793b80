package replication

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/parsecworks/orbit-engine/internal/logging"
	"github.com/parsecworks/orbit-engine/origin"
	"github.com/parsecworks/orbit-engine/registry"
)

const tracerName = "github.com/parsecworks/orbit-engine/replication"

// AuthorityConfig tunes the server side of the movement contract.
type AuthorityConfig struct {
	// MoveRatePerSec bounds how many move requests per second a single
	// session may submit; bursts up to MoveBurst are tolerated so a
	// jittery connection is not punished.
	MoveRatePerSec float64
	MoveBurst      int
	// IncludeBodies controls whether snapshots carry per-body state.
	IncludeBodies bool
}

// DefaultAuthorityConfig allows double a 60 Hz tick rate with a one
// second burst window.
func DefaultAuthorityConfig() AuthorityConfig {
	return AuthorityConfig{
		MoveRatePerSec: 120,
		MoveBurst:      120,
		IncludeBodies:  true,
	}
}

// Metrics is the slice of collector surface the authority drives.
// Implemented by observability.EngineCollector; a no-op stands in when
// nothing is wired.
type Metrics interface {
	RecordSnapshotBroadcast(sessions int)
	RecordMoveRejected(reason string)
	RecordCorrection()
}

type noopMetrics struct{}

func (noopMetrics) RecordSnapshotBroadcast(int) {}
func (noopMetrics) RecordMoveRejected(string)   {}
func (noopMetrics) RecordCorrection()           {}

// Session is one replica's registration with the authority.
type Session struct {
	ID string

	mu          sync.Mutex
	remote      Transport
	limiter     *rate.Limiter
	lastMoveSeq uint64 // highest move sequence seen, accepted or rejected
	outSeq      uint64 // authority->client envelope counter
}

func (s *Session) nextOutSeq() uint64 {
	s.outSeq++
	return s.outSeq
}

// LastMoveSeq returns the highest move sequence this session has
// settled (applied or rejected-with-correction).
func (s *Session) LastMoveSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMoveSeq
}

// Authority owns ground truth for observer movement. Replicas register
// a session, stream move requests through HandleFrame/HandleEnvelope,
// and receive periodic snapshots plus corrections when a request fails
// validation. Rejected requests never mutate simulation state.
type Authority struct {
	cfg     AuthorityConfig
	mgr     *origin.Manager
	reg     *registry.Registry
	codec   *Codec
	log     logging.Logger
	metrics Metrics
	tracer  trace.Tracer

	mu       sync.RWMutex
	sessions map[string]*Session
}

// AuthorityOption customises Authority construction.
type AuthorityOption func(*Authority)

// WithLogger attaches a structured logger.
func WithLogger(log logging.Logger) AuthorityOption {
	return func(a *Authority) { a.log = log }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m Metrics) AuthorityOption {
	return func(a *Authority) { a.metrics = m }
}

// WithConfig overrides DefaultAuthorityConfig.
func WithConfig(cfg AuthorityConfig) AuthorityOption {
	return func(a *Authority) { a.cfg = cfg }
}

// NewAuthority builds the server side over an origin manager and the
// body registry.
func NewAuthority(mgr *origin.Manager, reg *registry.Registry, opts ...AuthorityOption) (*Authority, error) {
	codec, err := NewCodec()
	if err != nil {
		return nil, err
	}
	a := &Authority{
		cfg:      DefaultAuthorityConfig(),
		mgr:      mgr,
		reg:      reg,
		codec:    codec,
		log:      logging.Noop(),
		metrics:  noopMetrics{},
		tracer:   otel.Tracer(tracerName),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.cfg.MoveRatePerSec <= 0 {
		a.cfg.MoveRatePerSec = DefaultAuthorityConfig().MoveRatePerSec
	}
	if a.cfg.MoveBurst <= 0 {
		a.cfg.MoveBurst = DefaultAuthorityConfig().MoveBurst
	}
	return a, nil
}

// Codec exposes the wire codec so in-process clients can share it.
func (a *Authority) Codec() *Codec { return a.codec }

// Close releases codec state. Sessions are forgotten; remotes are the
// caller's to shut down.
func (a *Authority) Close() {
	a.mu.Lock()
	a.sessions = make(map[string]*Session)
	a.mu.Unlock()
	a.codec.Close()
}

//
// ---------- Sessions ----------
//

// RegisterSession admits a replica reachable via remote and immediately
// sends it a SessionWelcome carrying the session id, the validation
// limits the predictor must mirror, and the authoritative starting
// state.
func (a *Authority) RegisterSession(remote Transport, simTime time.Time) (*Session, error) {
	if remote == nil {
		return nil, fmt.Errorf("register session: nil transport")
	}

	s := &Session{
		ID:      uuid.NewString(),
		remote:  remote,
		limiter: rate.NewLimiter(rate.Limit(a.cfg.MoveRatePerSec), a.cfg.MoveBurst),
	}

	a.mu.Lock()
	a.sessions[s.ID] = s
	count := len(a.sessions)
	a.mu.Unlock()

	if err := a.sendWelcome(s, simTime); err != nil {
		a.mu.Lock()
		delete(a.sessions, s.ID)
		a.mu.Unlock()
		return nil, fmt.Errorf("send welcome: %w", err)
	}

	a.log.Info(context.Background(), "session registered",
		logging.String("session_id", s.ID),
		logging.Int("sessions", count),
	)
	return s, nil
}

// UnregisterSession forgets a replica.
func (a *Authority) UnregisterSession(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sessions[id]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSession, id)
	}
	delete(a.sessions, id)
	return nil
}

// SessionCount returns the number of registered replicas.
func (a *Authority) SessionCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.sessions)
}

func (a *Authority) session(id string) (*Session, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.sessions[id]
	return s, ok
}

//
// ---------- Inbound handling ----------
//

// HandleFrame decodes one wire frame and routes it.
func (a *Authority) HandleFrame(ctx context.Context, frame []byte) error {
	env, err := a.codec.Decode(frame)
	if err != nil {
		return err
	}
	return a.HandleEnvelope(ctx, env)
}

// HandleEnvelope routes one decoded envelope. Validation failures that
// have a defined recovery (oversized delta, rate limiting) are handled
// by sending the session a correction and returning nil; only
// structural problems (unknown session, unknown type) surface as
// errors.
func (a *Authority) HandleEnvelope(ctx context.Context, env Envelope) error {
	ctx, span := a.tracer.Start(ctx, "replication.handle_envelope",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("message.type", string(env.Type)),
			attribute.String("session.id", env.SessionID),
		),
	)
	defer span.End()

	ctx, log := logging.WithSessionLogger(ctx, a.log, env.SessionID)

	err := a.routeEnvelope(ctx, log, env)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (a *Authority) routeEnvelope(ctx context.Context, log logging.Logger, env Envelope) error {
	if env.SessionID == "" {
		return ErrSessionRequired
	}
	s, ok := a.session(env.SessionID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSession, env.SessionID)
	}

	switch env.Type {
	case MessageSessionHello:
		// Re-welcome an established session: a reconnecting client uses
		// this to refresh the validation limits and authoritative state.
		var hello SessionHello
		if len(env.Payload) > 0 {
			if err := env.DecodePayload(&hello); err != nil {
				return err
			}
		}
		if hello.ClientName != "" {
			log.Info(ctx, "session hello", logging.String("client_name", hello.ClientName))
		}
		return a.sendWelcome(s, env.SimTime)
	case MessageMoveRequest:
		var req MoveRequest
		if err := env.DecodePayload(&req); err != nil {
			return err
		}
		return a.handleMove(ctx, log, s, req, env.SimTime)
	case MessageFullResync:
		// Client-initiated resync: answer with a fresh full snapshot.
		return a.sendResync(s, env.SimTime)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

// handleMove validates and applies one movement request. Ordering per
// session is by the client's move sequence: duplicates and reordered
// stragglers are dropped so a retransmitting transport cannot apply a
// delta twice.
func (a *Authority) handleMove(ctx context.Context, log logging.Logger, s *Session, req MoveRequest, simTime time.Time) error {
	s.mu.Lock()
	if req.Sequence <= s.lastMoveSeq {
		s.mu.Unlock()
		return fmt.Errorf("%w: seq %d <= %d", ErrStaleSequence, req.Sequence, s.lastMoveSeq)
	}
	s.lastMoveSeq = req.Sequence
	allowed := s.limiter.Allow()
	s.mu.Unlock()

	if !allowed {
		a.metrics.RecordMoveRejected("rate_limited")
		log.Warn(ctx, "move rate limited", logging.Uint64("sequence", req.Sequence))
		return a.sendCorrection(s, req.Sequence, "rate_limited", simTime)
	}

	if err := a.mgr.Move(req.Delta); err != nil {
		if errors.Is(err, origin.ErrInvalidMovement) {
			a.metrics.RecordMoveRejected("max_delta_exceeded")
			log.Warn(ctx, "move rejected",
				logging.Uint64("sequence", req.Sequence),
				logging.Float64("delta_m", req.Delta.Norm()),
			)
			return a.sendCorrection(s, req.Sequence, "max_delta_exceeded", simTime)
		}
		return err
	}
	return nil
}

//
// ---------- Outbound ----------
//

// BroadcastSnapshot assembles the authoritative state once and sends a
// snapshot to every session. Per-session fields (the processed-move
// watermark) ride in the envelope, so the body payload is built a
// single time. Returns how many sessions were reached.
func (a *Authority) BroadcastSnapshot(tick uint64, simTime time.Time) (int, error) {
	snapshot := StateSnapshot{
		Tick:        tick,
		Observer:    a.mgr.Position(),
		Drift:       a.mgr.WorldPosition(),
		RecenterSeq: a.mgr.RecenterSequence(),
	}
	if a.cfg.IncludeBodies {
		snapshot.Bodies = a.bodyStates()
	}

	a.mu.RLock()
	sessions := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.RUnlock()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })

	sent := 0
	var firstErr error
	for _, s := range sessions {
		snapshot.LastProcessedSeq = s.LastMoveSeq()
		if err := a.sendToSession(s, MessageStateSnapshot, simTime, snapshot); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("session %s: %w", s.ID, err)
			}
			continue
		}
		sent++
	}
	if sent > 0 {
		a.metrics.RecordSnapshotBroadcast(sent)
	}
	return sent, firstErr
}

// bodyStates snapshots replicated body fields in ID order.
func (a *Authority) bodyStates() []BodyState {
	bodies := a.reg.All()
	out := make([]BodyState, len(bodies))
	for i, b := range bodies {
		out[i] = BodyState{ID: b.ID, Position: b.Position, CurrentScale: b.CurrentScale}
	}
	return out
}

func (a *Authority) sendCorrection(s *Session, rejectedSeq uint64, reason string, simTime time.Time) error {
	correction := Correction{
		ResetTo:     a.mgr.Position(),
		Drift:       a.mgr.WorldPosition(),
		RecenterSeq: a.mgr.RecenterSequence(),
		RejectedSeq: rejectedSeq,
		Reason:      reason,
	}
	a.metrics.RecordCorrection()
	return a.sendToSession(s, MessageCorrection, simTime, correction)
}

// sendWelcome hands the session its id, the validation limits the
// predictor must mirror, and the authoritative starting state.
func (a *Authority) sendWelcome(s *Session, simTime time.Time) error {
	cfg := a.mgr.Config()
	welcome := SessionWelcome{
		SessionID:           s.ID,
		SectorSizeM:         cfg.SectorSizeM,
		PrecisionThresholdM: cfg.PrecisionThresholdM,
		MaxDeltaPerTickM:    cfg.MaxDeltaPerTickM,
		Observer:            a.mgr.Position(),
		Drift:               a.mgr.WorldPosition(),
		RecenterSeq:         a.mgr.RecenterSequence(),
	}
	return a.sendToSession(s, MessageSessionWelcome, simTime, welcome)
}

// sendResync pushes a full snapshot marked as a resync so the client
// discards all shadow state before adopting it.
func (a *Authority) sendResync(s *Session, simTime time.Time) error {
	snapshot := StateSnapshot{
		Observer:         a.mgr.Position(),
		Drift:            a.mgr.WorldPosition(),
		RecenterSeq:      a.mgr.RecenterSequence(),
		LastProcessedSeq: s.LastMoveSeq(),
		Bodies:           a.bodyStates(),
	}
	return a.sendToSession(s, MessageFullResync, simTime, snapshot)
}

func (a *Authority) sendToSession(s *Session, t MessageType, simTime time.Time, payload any) error {
	s.mu.Lock()
	seq := s.nextOutSeq()
	lastMove := s.lastMoveSeq
	remote := s.remote
	s.mu.Unlock()

	env, err := NewEnvelope(t, s.ID, seq, simTime, payload)
	if err != nil {
		return err
	}
	env.Ack = lastMove

	frame, err := a.codec.Encode(env)
	if err != nil {
		return err
	}
	return remote.Send(frame)
}
