package replication

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Frame flags: first byte of every wire frame.
const (
	frameRaw  byte = 0 // JSON envelope as-is
	frameZstd byte = 1 // zstd-compressed JSON envelope
)

// defaultCompressionThreshold is the encoded size below which
// compression is not worth the frame overhead. Move requests and
// corrections stay raw; body-bearing snapshots compress.
const defaultCompressionThreshold = 512

// Codec turns envelopes into wire frames and back. Frames are a 1-byte
// flag followed by the (optionally zstd-compressed) JSON envelope. One
// codec is safe for concurrent use; EncodeAll/DecodeAll on shared
// zstd instances are documented concurrency-safe.
type Codec struct {
	enc       *zstd.Encoder
	dec       *zstd.Decoder
	threshold int
}

// NewCodec builds a codec with the default compression threshold.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec, threshold: defaultCompressionThreshold}, nil
}

// Encode marshals env and compresses it when that shrinks the frame.
func (c *Codec) Encode(env Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	if len(body) >= c.threshold {
		compressed := c.enc.EncodeAll(body, make([]byte, 0, len(body)/2))
		if len(compressed) < len(body) {
			frame := make([]byte, 0, len(compressed)+1)
			frame = append(frame, frameZstd)
			return append(frame, compressed...), nil
		}
	}

	frame := make([]byte, 0, len(body)+1)
	frame = append(frame, frameRaw)
	return append(frame, body...), nil
}

// Decode reverses Encode.
func (c *Codec) Decode(frame []byte) (Envelope, error) {
	if len(frame) < 2 {
		return Envelope{}, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(frame))
	}

	body := frame[1:]
	switch frame[0] {
	case frameRaw:
	case frameZstd:
		decompressed, err := c.dec.DecodeAll(body, nil)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: zstd: %v", ErrMalformedFrame, err)
		}
		body = decompressed
	default:
		return Envelope{}, fmt.Errorf("%w: unknown flag 0x%02x", ErrMalformedFrame, frame[0])
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return env, nil
}

// Close releases the zstd state. The codec must not be used afterwards.
func (c *Codec) Close() {
	c.enc.Close()
	c.dec.Close()
}
