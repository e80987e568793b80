// Package timectrl drives simulation time. A TimeController steps sim
// time by a fixed tick, paced by the wall clock or as fast as the loop
// allows, and fans each step out to listeners; the engine's tick
// pipeline hangs off one of those listeners.
package timectrl

import (
	"sync"
	"time"
)

// SimClock is an interface for accessing simulation time, so components
// can depend on a clock abstraction rather than the concrete controller
// type.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
	// After returns a channel that receives the simulation time once it
	// has advanced by at least d. Delivery happens on the tick boundary
	// that crosses the deadline.
	After(d time.Duration) <-chan time.Time
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime advances one tick per tick of wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as the loop can run while still
	// stepping by Tick.
	Accelerated
)

type waiter struct {
	at time.Time
	ch chan time.Time
}

// TimeController drives simulation time and notifies registered
// listeners. It implements SimClock.
type TimeController struct {
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	mu          sync.RWMutex
	currentTime time.Time
	listeners   []func(time.Time)
	waiters     []waiter
	stop        chan struct{}
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// After returns a channel that receives the simulation time once it has
// advanced by at least d. A non-positive duration fires immediately.
// Implements SimClock.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	tc.mu.Lock()
	if d <= 0 {
		ch <- tc.currentTime
		tc.mu.Unlock()
		return ch
	}
	tc.waiters = append(tc.waiters, waiter{at: tc.currentTime.Add(d), ch: ch})
	tc.mu.Unlock()
	return ch
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// SetTime jumps simulation time to t without ticking. Waiters whose
// deadline the jump crosses fire with the new time; listeners do not,
// because no tick elapsed. Meant for tests and scenario setup.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	due := tc.takeDueWaitersLocked(t)
	tc.mu.Unlock()

	for _, w := range due {
		w.ch <- t
	}
}

// Start runs the controller for the given simulation duration in a
// separate goroutine; a non-positive duration runs until Stop. The
// returned channel is closed when the loop finishes.
func (tc *TimeController) Start(duration time.Duration) <-chan struct{} {
	done := make(chan struct{})

	tc.mu.Lock()
	tc.currentTime = tc.StartTime
	stop := make(chan struct{})
	tc.stop = stop
	tick, mode := tc.Tick, tc.Mode
	tc.mu.Unlock()

	go func() {
		defer close(done)

		var ticker *time.Ticker
		if mode == RealTime {
			ticker = time.NewTicker(tick)
			defer ticker.Stop()
		}

		elapsed := time.Duration(0)
		for {
			if duration > 0 && elapsed >= duration {
				return
			}

			if ticker != nil {
				select {
				case <-ticker.C:
				case <-stop:
					return
				}
			} else {
				select {
				case <-stop:
					return
				default:
				}
			}

			tc.step(tick)
			elapsed += tick
		}
	}()
	return done
}

// Stop halts a running controller. Safe to call when not running or
// more than once.
func (tc *TimeController) Stop() {
	tc.mu.Lock()
	if tc.stop != nil {
		close(tc.stop)
		tc.stop = nil
	}
	tc.mu.Unlock()
}

// step advances one tick and delivers to waiters and listeners outside
// the lock.
func (tc *TimeController) step(tick time.Duration) {
	tc.mu.Lock()
	tc.currentTime = tc.currentTime.Add(tick)
	simTime := tc.currentTime
	due := tc.takeDueWaitersLocked(simTime)
	listeners := make([]func(time.Time), len(tc.listeners))
	copy(listeners, tc.listeners)
	tc.mu.Unlock()

	for _, w := range due {
		w.ch <- simTime
	}
	for _, fn := range listeners {
		fn(simTime)
	}
}

// takeDueWaitersLocked removes and returns every waiter whose deadline
// is at or before now. Channels are buffered, so delivery never blocks
// the caller.
func (tc *TimeController) takeDueWaitersLocked(now time.Time) []waiter {
	var due []waiter
	keep := tc.waiters[:0]
	for _, w := range tc.waiters {
		if !w.at.After(now) {
			due = append(due, w)
		} else {
			keep = append(keep, w)
		}
	}
	tc.waiters = keep
	return due
}
