// Package replication carries observer movement between the authority
// and predicting replicas: the message contract, a compressed wire
// codec, the authority-side session registry with movement validation,
// and the client-side predictor with snap-or-blend reconciliation.
//
// The transport itself is an external collaborator; this package only
// defines the Transport interface and ships an in-process loopback for
// tests and demos.
package replication

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/parsecworks/orbit-engine/model"
)

var (
	ErrUnknownSession  = errors.New("unknown session")
	ErrRateLimited     = errors.New("move requests rate limited")
	ErrStaleSequence   = errors.New("stale move sequence")
	ErrUnknownMessage  = errors.New("unknown message type")
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrMissingPayload  = errors.New("missing payload")
	ErrSessionRequired = errors.New("envelope carries no session id")
)

// MessageType discriminates envelope payloads.
type MessageType string

const (
	// MessageSessionHello is the first client message; the authority
	// answers with MessageSessionWelcome carrying the session id and
	// validation limits.
	MessageSessionHello   MessageType = "session_hello"
	MessageSessionWelcome MessageType = "session_welcome"
	// MessageMoveRequest asks the authority to apply a movement delta
	// the client has already applied predictively.
	MessageMoveRequest MessageType = "move_request"
	// MessageStateSnapshot is the authority's periodic broadcast of
	// observer and body state.
	MessageStateSnapshot MessageType = "state_snapshot"
	// MessageCorrection rejects one move and resets the client to the
	// authoritative position.
	MessageCorrection MessageType = "correction"
	// MessageFullResync requests (client->authority) or delivers
	// (authority->client) a complete state reset.
	MessageFullResync MessageType = "full_resync"
)

// Envelope frames every message. Sequence numbers the sender's stream;
// Ack echoes the highest move sequence the authority has processed for
// the destination session.
type Envelope struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Sequence  uint64          `json:"sequence"`
	Ack       uint64          `json:"ack,omitempty"`
	SimTime   time.Time       `json:"sim_time"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into a typed envelope. A nil payload
// produces an envelope with no payload field.
func NewEnvelope(t MessageType, sessionID string, seq uint64, simTime time.Time, payload any) (Envelope, error) {
	env := Envelope{Type: t, SessionID: sessionID, Sequence: seq, SimTime: simTime}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Payload = raw
	return env, nil
}

// DecodePayload unmarshals the envelope payload into dst.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s", ErrMissingPayload, e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// SessionHello opens a session.
type SessionHello struct {
	ClientName string `json:"client_name,omitempty"`
}

// SessionWelcome hands the client its session id, the validation limits
// it must mirror, and the authoritative starting state.
type SessionWelcome struct {
	SessionID           string                `json:"session_id"`
	SectorSizeM         float64               `json:"sector_size_m"`
	PrecisionThresholdM float64               `json:"precision_threshold_m"`
	MaxDeltaPerTickM    float64               `json:"max_delta_per_tick_m"`
	Observer            model.VirtualPosition `json:"observer"`
	Drift               model.Vec3            `json:"drift"`
	RecenterSeq         uint64                `json:"recenter_seq"`
}

// MoveRequest is one predictively-applied movement delta. Sequence is
// the client's own move counter; the authority processes requests in
// ascending order and drops stale or duplicate sequences.
type MoveRequest struct {
	Sequence   uint64     `json:"sequence"`
	Delta      model.Vec3 `json:"delta"`
	TickMillis int64      `json:"tick_millis,omitempty"`
}

// BodyState is one body's replicated position and visual scale.
type BodyState struct {
	ID           string     `json:"id"`
	Position     model.Vec3 `json:"position"`
	CurrentScale float64    `json:"current_scale"`
}

// StateSnapshot is the authority's view at one tick: the observer's
// absolute position, its world-frame drift, the recenter epoch, and the
// replicated bodies. LastProcessedSeq tells the destination session
// which of its pending moves are already incorporated.
type StateSnapshot struct {
	Tick             uint64                `json:"tick"`
	Observer         model.VirtualPosition `json:"observer"`
	Drift            model.Vec3            `json:"drift"`
	LastProcessedSeq uint64                `json:"last_processed_seq"`
	RecenterSeq      uint64                `json:"recenter_seq"`
	Bodies           []BodyState           `json:"bodies,omitempty"`
}

// Correction rejects the move with RejectedSeq and resets the client to
// the authoritative state. The client must discard its shadow history.
type Correction struct {
	ResetTo     model.VirtualPosition `json:"reset_to"`
	Drift       model.Vec3            `json:"drift"`
	RecenterSeq uint64                `json:"recenter_seq"`
	RejectedSeq uint64                `json:"rejected_seq"`
	Reason      string                `json:"reason"`
}
