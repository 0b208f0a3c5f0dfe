package mirror

import (
	"math"
	"math/rand"
	"time"
)

// State is the reconnect lifecycle position of a client session.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateResyncing    State = "resyncing"
	StateGaveUp       State = "gave_up"
)

// Backoff computes bounded exponential reconnect delays with jitter.
type Backoff struct {
	Initial      time.Duration
	Max          time.Duration
	Multiplier   float64
	JitterFactor float64
	MaxAttempts  int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:      500 * time.Millisecond,
		Max:          30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.3,
		MaxAttempts:  8,
	}
}

// Delay returns the wait before the given 0-based attempt, and whether the
// attempt budget allows it.
func (b Backoff) Delay(attempt int) (time.Duration, bool) {
	if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
		return 0, false
	}
	delay := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt))
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.JitterFactor > 0 {
		delay += delay * b.JitterFactor * (2*rand.Float64() - 1)
		if delay < 0 {
			delay = float64(b.Initial)
		}
	}
	return time.Duration(delay), true
}

// Reconnector is the explicit state machine a client session drives when
// its channel drops:
//
//	connected -> disconnected -> reconnecting -> resyncing -> connected
//
// Spending the whole attempt budget lands in the terminal gave_up state.
// The caller owns the actual dialing and timer; this only tracks
// where in the lifecycle the session is and how long to wait next.
type Reconnector struct {
	backoff Backoff
	state   State
	attempt int
}

func NewReconnector(backoff Backoff) *Reconnector {
	return &Reconnector{backoff: backoff, state: StateConnected}
}

func (r *Reconnector) State() State { return r.state }

// ConnectionLost marks the channel as dropped. A no-op unless the session
// was connected.
func (r *Reconnector) ConnectionLost() {
	if r.state == StateConnected {
		r.state = StateDisconnected
	}
}

// NextAttempt moves into reconnecting and returns the delay to wait before
// dialing. When the attempt budget is spent it transitions to gave_up and
// returns false.
func (r *Reconnector) NextAttempt() (time.Duration, bool) {
	switch r.state {
	case StateDisconnected, StateReconnecting:
	default:
		return 0, false
	}
	delay, ok := r.backoff.Delay(r.attempt)
	if !ok {
		r.state = StateGaveUp
		return 0, false
	}
	r.attempt++
	r.state = StateReconnecting
	return delay, true
}

// DialFailed records an unsuccessful dial; the session stays in
// reconnecting and the next attempt backs off further.
func (r *Reconnector) DialFailed() {
	if r.state == StateReconnecting {
		r.state = StateDisconnected
	}
}

// DialSucceeded marks the transport as up; the session now waits for the
// snapshot event before it is usable.
func (r *Reconnector) DialSucceeded() {
	if r.state == StateReconnecting {
		r.state = StateResyncing
	}
}

// SnapshotApplied completes the resync; the mirror has been rebuilt from
// the snapshot and the attempt counter resets.
func (r *Reconnector) SnapshotApplied() {
	if r.state == StateResyncing {
		r.state = StateConnected
		r.attempt = 0
	}
}
