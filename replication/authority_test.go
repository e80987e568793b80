package replication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parsecworks/orbit-engine/model"
	"github.com/parsecworks/orbit-engine/origin"
	"github.com/parsecworks/orbit-engine/registry"
)

var testSimTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newAuthorityFixture(t *testing.T, opts ...AuthorityOption) (*Authority, *origin.Manager, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	mgr, err := origin.NewManager(reg, origin.ManagerConfig{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	auth, err := NewAuthority(mgr, reg, opts...)
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	t.Cleanup(auth.Close)
	return auth, mgr, reg
}

func register(t *testing.T, auth *Authority) (*Session, *Loopback, SessionWelcome) {
	t.Helper()
	lb := NewLoopback()
	s, err := auth.RegisterSession(lb, testSimTime)
	if err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}
	envs := drainEnvelopes(t, auth.Codec(), lb)
	if len(envs) != 1 || envs[0].Type != MessageSessionWelcome {
		t.Fatalf("after registration got %d envelopes, want one welcome", len(envs))
	}
	var w SessionWelcome
	if err := envs[0].DecodePayload(&w); err != nil {
		t.Fatalf("decode welcome: %v", err)
	}
	return s, lb, w
}

func drainEnvelopes(t *testing.T, c *Codec, lb *Loopback) []Envelope {
	t.Helper()
	frames := lb.Drain()
	envs := make([]Envelope, len(frames))
	for i, f := range frames {
		env, err := c.Decode(f)
		if err != nil {
			t.Fatalf("decode frame %d: %v", i, err)
		}
		envs[i] = env
	}
	return envs
}

func sendMove(t *testing.T, auth *Authority, sessionID string, seq uint64, delta model.Vec3) error {
	t.Helper()
	env, err := NewEnvelope(MessageMoveRequest, sessionID, seq, testSimTime,
		MoveRequest{Sequence: seq, Delta: delta})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return auth.HandleEnvelope(context.Background(), env)
}

func TestRegisterSessionSendsWelcome(t *testing.T) {
	auth, mgr, _ := newAuthorityFixture(t)

	s, _, w := register(t, auth)
	if w.SessionID != s.ID || w.SessionID == "" {
		t.Errorf("welcome session id = %q, want %q", w.SessionID, s.ID)
	}
	cfg := mgr.Config()
	if w.SectorSizeM != cfg.SectorSizeM || w.MaxDeltaPerTickM != cfg.MaxDeltaPerTickM {
		t.Errorf("welcome limits = %+v, want manager config %+v", w, cfg)
	}
	if got := auth.SessionCount(); got != 1 {
		t.Errorf("SessionCount = %d, want 1", got)
	}

	if err := auth.UnregisterSession(s.ID); err != nil {
		t.Fatalf("UnregisterSession: %v", err)
	}
	if err := auth.UnregisterSession(s.ID); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("second unregister error = %v, want ErrUnknownSession", err)
	}
}

func TestAuthorityAppliesValidMove(t *testing.T) {
	auth, mgr, _ := newAuthorityFixture(t)
	s, lb, _ := register(t, auth)

	if err := sendMove(t, auth, s.ID, 1, model.Vec3{X: 1200, Y: -400}); err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}

	want := model.Vec3{X: 1200, Y: -400}
	if got := mgr.WorldPosition(); got.Sub(want).Norm() > 1e-9 {
		t.Errorf("drift after move = %+v, want %+v", got, want)
	}
	if lb.Len() != 0 {
		t.Errorf("valid move produced %d unsolicited frames", lb.Len())
	}
	if got := s.LastMoveSeq(); got != 1 {
		t.Errorf("LastMoveSeq = %d, want 1", got)
	}
}

func TestAuthorityRejectsOversizedMoveWithCorrection(t *testing.T) {
	auth, mgr, _ := newAuthorityFixture(t)
	s, lb, _ := register(t, auth)

	if err := sendMove(t, auth, s.ID, 1, model.Vec3{X: 3000}); err != nil {
		t.Fatalf("legitimate move: %v", err)
	}
	before := mgr.Position()

	// 50,000 m in one tick against a 5,000 m limit: state must not
	// move, and the session gets a correction instead of an error.
	if err := sendMove(t, auth, s.ID, 2, model.Vec3{X: 50_000}); err != nil {
		t.Fatalf("oversized move should be handled, got error: %v", err)
	}

	if mgr.Position() != before {
		t.Errorf("rejected move changed position: %+v -> %+v", before, mgr.Position())
	}

	envs := drainEnvelopes(t, auth.Codec(), lb)
	if len(envs) != 1 || envs[0].Type != MessageCorrection {
		t.Fatalf("got %d envelopes, want one correction", len(envs))
	}
	var c Correction
	if err := envs[0].DecodePayload(&c); err != nil {
		t.Fatalf("decode correction: %v", err)
	}
	if c.RejectedSeq != 2 || c.Reason != "max_delta_exceeded" {
		t.Errorf("correction = %+v, want rejected seq 2 / max_delta_exceeded", c)
	}
	if c.ResetTo != before {
		t.Errorf("correction resets to %+v, want %+v", c.ResetTo, before)
	}
	if got := s.LastMoveSeq(); got != 2 {
		t.Errorf("LastMoveSeq = %d, want 2 (rejected moves still settle)", got)
	}
}

func TestAuthorityDropsStaleSequences(t *testing.T) {
	auth, mgr, _ := newAuthorityFixture(t)
	s, _, _ := register(t, auth)

	if err := sendMove(t, auth, s.ID, 3, model.Vec3{X: 100}); err != nil {
		t.Fatalf("first move: %v", err)
	}
	if err := sendMove(t, auth, s.ID, 3, model.Vec3{X: 100}); !errors.Is(err, ErrStaleSequence) {
		t.Errorf("duplicate error = %v, want ErrStaleSequence", err)
	}
	if err := sendMove(t, auth, s.ID, 2, model.Vec3{X: 100}); !errors.Is(err, ErrStaleSequence) {
		t.Errorf("reordered error = %v, want ErrStaleSequence", err)
	}
	if got := mgr.WorldPosition().X; got != 100 {
		t.Errorf("drift = %v, want 100 (stale moves must not apply)", got)
	}
}

func TestAuthorityRateLimitsMoves(t *testing.T) {
	cfg := DefaultAuthorityConfig()
	cfg.MoveRatePerSec = 1
	cfg.MoveBurst = 1
	auth, mgr, _ := newAuthorityFixture(t, WithConfig(cfg))
	s, lb, _ := register(t, auth)

	if err := sendMove(t, auth, s.ID, 1, model.Vec3{X: 10}); err != nil {
		t.Fatalf("first move: %v", err)
	}
	if err := sendMove(t, auth, s.ID, 2, model.Vec3{X: 10}); err != nil {
		t.Fatalf("limited move should be handled, got error: %v", err)
	}

	envs := drainEnvelopes(t, auth.Codec(), lb)
	if len(envs) != 1 || envs[0].Type != MessageCorrection {
		t.Fatalf("got %d envelopes, want one correction", len(envs))
	}
	var c Correction
	if err := envs[0].DecodePayload(&c); err != nil {
		t.Fatalf("decode correction: %v", err)
	}
	if c.Reason != "rate_limited" || c.RejectedSeq != 2 {
		t.Errorf("correction = %+v, want rate_limited seq 2", c)
	}
	if got := mgr.WorldPosition().X; got != 10 {
		t.Errorf("drift = %v, want 10 (limited move must not apply)", got)
	}
}

func TestAuthorityRequiresKnownSession(t *testing.T) {
	auth, _, _ := newAuthorityFixture(t)

	err := sendMove(t, auth, "no-such-session", 1, model.Vec3{X: 1})
	if !errors.Is(err, ErrUnknownSession) {
		t.Errorf("unknown session error = %v, want ErrUnknownSession", err)
	}

	env, err := NewEnvelope(MessageMoveRequest, "", 1, testSimTime, MoveRequest{Sequence: 1})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := auth.HandleEnvelope(context.Background(), env); !errors.Is(err, ErrSessionRequired) {
		t.Errorf("missing session error = %v, want ErrSessionRequired", err)
	}
}

func TestAuthorityRejectsUnknownMessageType(t *testing.T) {
	auth, _, _ := newAuthorityFixture(t)
	s, _, _ := register(t, auth)

	env, err := NewEnvelope(MessageType("telemetry"), s.ID, 1, testSimTime, nil)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := auth.HandleEnvelope(context.Background(), env); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("error = %v, want ErrUnknownMessage", err)
	}
}

func TestBroadcastSnapshotCarriesPerSessionWatermark(t *testing.T) {
	auth, _, reg := newAuthorityFixture(t)
	if err := reg.Register(&model.CelestialBody{ID: "earth", MassKg: 5.972e24, RadiusKm: 6371, CurrentScale: 1}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	sa, la, _ := register(t, auth)
	_, lbB, _ := register(t, auth)

	for seq := uint64(1); seq <= 3; seq++ {
		if err := sendMove(t, auth, sa.ID, seq, model.Vec3{X: 50}); err != nil {
			t.Fatalf("move %d: %v", seq, err)
		}
	}

	sent, err := auth.BroadcastSnapshot(7, testSimTime)
	if err != nil {
		t.Fatalf("BroadcastSnapshot: %v", err)
	}
	if sent != 2 {
		t.Fatalf("sent = %d, want 2", sent)
	}

	decode := func(lb *Loopback) StateSnapshot {
		envs := drainEnvelopes(t, auth.Codec(), lb)
		if len(envs) != 1 || envs[0].Type != MessageStateSnapshot {
			t.Fatalf("got %d envelopes, want one snapshot", len(envs))
		}
		var snap StateSnapshot
		if err := envs[0].DecodePayload(&snap); err != nil {
			t.Fatalf("decode snapshot: %v", err)
		}
		return snap
	}

	snapA, snapB := decode(la), decode(lbB)
	if snapA.LastProcessedSeq != 3 {
		t.Errorf("session A watermark = %d, want 3", snapA.LastProcessedSeq)
	}
	if snapB.LastProcessedSeq != 0 {
		t.Errorf("session B watermark = %d, want 0", snapB.LastProcessedSeq)
	}
	if snapA.Tick != 7 || snapB.Tick != 7 {
		t.Errorf("ticks = %d, %d, want 7", snapA.Tick, snapB.Tick)
	}
	if len(snapA.Bodies) != 1 || snapA.Bodies[0].ID != "earth" {
		t.Errorf("snapshot bodies = %+v, want earth", snapA.Bodies)
	}
	if snapA.Observer != snapB.Observer {
		t.Errorf("observers differ between sessions: %+v vs %+v", snapA.Observer, snapB.Observer)
	}
}

func TestFullResyncRequestAnsweredWithSnapshot(t *testing.T) {
	auth, _, reg := newAuthorityFixture(t)
	if err := reg.Register(&model.CelestialBody{ID: "moon", MassKg: 7.342e22, RadiusKm: 1737, CurrentScale: 1}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s, lb, _ := register(t, auth)

	env, err := NewEnvelope(MessageFullResync, s.ID, 1, testSimTime, nil)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := auth.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}

	envs := drainEnvelopes(t, auth.Codec(), lb)
	if len(envs) != 1 || envs[0].Type != MessageFullResync {
		t.Fatalf("got %d envelopes, want one full_resync", len(envs))
	}
	var snap StateSnapshot
	if err := envs[0].DecodePayload(&snap); err != nil {
		t.Fatalf("decode resync: %v", err)
	}
	if len(snap.Bodies) != 1 || snap.Bodies[0].ID != "moon" {
		t.Errorf("resync bodies = %+v, want moon", snap.Bodies)
	}
}

func TestSessionHelloAnsweredWithFreshWelcome(t *testing.T) {
	auth, mgr, _ := newAuthorityFixture(t)
	s, lb, first := register(t, auth)

	// State moves on after the initial welcome.
	if err := sendMove(t, auth, s.ID, 1, model.Vec3{X: 900}); err != nil {
		t.Fatalf("move: %v", err)
	}

	env, err := NewEnvelope(MessageSessionHello, s.ID, 2, testSimTime, SessionHello{ClientName: "probe-ui"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := auth.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}

	envs := drainEnvelopes(t, auth.Codec(), lb)
	if len(envs) != 1 || envs[0].Type != MessageSessionWelcome {
		t.Fatalf("got %d envelopes, want one welcome", len(envs))
	}
	var again SessionWelcome
	if err := envs[0].DecodePayload(&again); err != nil {
		t.Fatalf("decode welcome: %v", err)
	}
	if again.SessionID != first.SessionID {
		t.Errorf("re-welcome session id = %q, want %q", again.SessionID, first.SessionID)
	}
	if again.Observer != mgr.Position() {
		t.Errorf("re-welcome observer %+v, want current authoritative %+v", again.Observer, mgr.Position())
	}

	// A hello with no payload is also fine.
	env, err = NewEnvelope(MessageSessionHello, s.ID, 3, testSimTime, nil)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := auth.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("HandleEnvelope(bare hello): %v", err)
	}
	if envs := drainEnvelopes(t, auth.Codec(), lb); len(envs) != 1 || envs[0].Type != MessageSessionWelcome {
		t.Fatalf("bare hello: got %d envelopes, want one welcome", len(envs))
	}
}
