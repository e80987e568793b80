package replication

import "sync"

// Transport delivers one encoded frame toward a peer. Real transports
// (UDP, reliable channels, engine RPC) live outside this module; the
// authority and predictor only ever see this interface.
type Transport interface {
	Send(frame []byte) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(frame []byte) error

// Send implements Transport.
func (f TransportFunc) Send(frame []byte) error { return f(frame) }

// Loopback is an in-process Transport that queues frames until the
// receiving side drains them. Delivery is explicit and ordered, which
// keeps tests and demos deterministic: nothing moves until the test
// pumps the queue.
type Loopback struct {
	mu     sync.Mutex
	frames [][]byte
}

// NewLoopback returns an empty queue.
func NewLoopback() *Loopback {
	return &Loopback{}
}

// Send appends a copy of the frame to the queue.
func (l *Loopback) Send(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, append([]byte(nil), frame...))
	return nil
}

// Drain removes and returns all queued frames in send order.
func (l *Loopback) Drain() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.frames
	l.frames = nil
	return out
}

// Len reports how many frames are queued.
func (l *Loopback) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}
