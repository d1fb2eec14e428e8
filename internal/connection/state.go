// Package connection tracks the lifecycle of a display's socket connection
// and reconnects it with exponential backoff.
package connection

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

var (
	ErrNotConnected      = errors.New("not connected")
	ErrAuthRejected      = errors.New("authentication rejected")
	ErrAttemptsExhausted = errors.New("reconnection attempts exhausted")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Backoff computes reconnection delays. MaxAttempts 0 means unlimited.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	MaxAttempts  int
}

func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       1.5,
		MaxAttempts:  10,
	}
}

// Delay returns the wait before the given 1-based attempt:
// InitialDelay * Factor^(attempt-1), capped at MaxDelay.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.InitialDelay) * math.Pow(b.Factor, float64(attempt-1))
	if d > float64(b.MaxDelay) || math.IsInf(d, 1) {
		return b.MaxDelay
	}
	return time.Duration(d)
}

type Stats struct {
	State                      State
	Authenticated              bool
	FirstConnectAt             time.Time
	LastConnectAt              time.Time
	LastErrorAt                time.Time
	LastErrorMessage           string
	TotalReconnectionAttempts  int
	CurrentReconnectionAttempt int
}

// StateListener is notified after every transition, outside the machine's lock.
type StateListener func(from, to State)

// Machine is the client-side connection state machine. Safe for concurrent use.
type Machine struct {
	mu            sync.Mutex
	backoff       Backoff
	state         State
	authenticated bool
	stats         Stats
	listeners     []StateListener
	now           func() time.Time
}

func NewMachine(backoff Backoff) *Machine {
	return &Machine{
		backoff: backoff,
		state:   StateDisconnected,
		now:     time.Now,
	}
}

func (m *Machine) OnStateChange(l StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Ready reports whether the connection is up and authenticated.
func (m *Machine) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected && m.authenticated
}

func (m *Machine) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.State = m.state
	s.Authenticated = m.authenticated
	return s
}

// Connect starts a connection attempt. Allowed from Disconnected, and from
// Error so an operator can retry by hand.
func (m *Machine) Connect() error {
	return m.transition(StateConnecting, func(from State) error {
		if from != StateDisconnected && from != StateError {
			return fmt.Errorf("%w: connect from %s", ErrInvalidTransition, from)
		}
		m.stats.CurrentReconnectionAttempt = 0
		return nil
	})
}

// Connected records a successful transport connect. The attempt count is kept
// until the server accepts the connection.
func (m *Machine) Connected() error {
	return m.transition(StateConnected, func(from State) error {
		if from != StateConnecting && from != StateReconnecting {
			return fmt.Errorf("%w: connected from %s", ErrInvalidTransition, from)
		}
		now := m.now()
		if m.stats.FirstConnectAt.IsZero() {
			m.stats.FirstConnectAt = now
		}
		m.stats.LastConnectAt = now
		m.authenticated = false
		return nil
	})
}

// Authenticated marks the connected transport as accepted by the server and
// resets the current attempt count.
func (m *Machine) Authenticated() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return fmt.Errorf("%w: authenticate in %s", ErrInvalidTransition, m.state)
	}
	m.authenticated = true
	m.stats.CurrentReconnectionAttempt = 0
	return nil
}

// ConnectFailed moves a first connection attempt to Error.
func (m *Machine) ConnectFailed(err error) error {
	return m.transition(StateError, func(from State) error {
		if from != StateConnecting {
			return fmt.Errorf("%w: connect failure in %s", ErrInvalidTransition, from)
		}
		m.recordError(err)
		return nil
	})
}

// Dropped moves a live connection to Reconnecting.
func (m *Machine) Dropped(err error) error {
	return m.transition(StateReconnecting, func(from State) error {
		if from != StateConnected {
			return fmt.Errorf("%w: drop in %s", ErrInvalidTransition, from)
		}
		m.authenticated = false
		m.recordError(err)
		return nil
	})
}

// NextDelay returns the wait before the next reconnection attempt. When the
// attempt budget is spent the machine moves to Error and ok is false.
func (m *Machine) NextDelay() (time.Duration, bool) {
	m.mu.Lock()
	if m.state != StateReconnecting {
		m.mu.Unlock()
		return 0, false
	}
	next := m.stats.CurrentReconnectionAttempt + 1
	if m.backoff.MaxAttempts > 0 && next > m.backoff.MaxAttempts {
		m.mu.Unlock()
		m.exhausted()
		return 0, false
	}
	d := m.backoff.Delay(next)
	m.mu.Unlock()
	return d, true
}

// AttemptFailed records a failed reconnection attempt.
func (m *Machine) AttemptFailed(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReconnecting {
		return
	}
	m.stats.TotalReconnectionAttempts++
	m.stats.CurrentReconnectionAttempt++
	m.recordError(err)
}

// AuthRejected moves to Error. Callers must not retry.
func (m *Machine) AuthRejected(reason string) error {
	return m.transition(StateError, func(from State) error {
		if from != StateConnected {
			return fmt.Errorf("%w: auth rejected in %s", ErrInvalidTransition, from)
		}
		m.authenticated = false
		m.recordError(fmt.Errorf("%w: %s", ErrAuthRejected, reason))
		return nil
	})
}

// Disconnect is valid from any state.
func (m *Machine) Disconnect() {
	_ = m.transition(StateDisconnected, func(State) error {
		m.authenticated = false
		return nil
	})
}

func (m *Machine) exhausted() {
	_ = m.transition(StateError, func(from State) error {
		if from != StateReconnecting {
			return ErrInvalidTransition
		}
		m.recordError(ErrAttemptsExhausted)
		return nil
	})
}

func (m *Machine) recordError(err error) {
	if err == nil {
		return
	}
	m.stats.LastErrorAt = m.now()
	m.stats.LastErrorMessage = err.Error()
}

func (m *Machine) transition(to State, apply func(from State) error) error {
	m.mu.Lock()
	from := m.state
	if err := apply(from); err != nil {
		m.mu.Unlock()
		return err
	}
	m.state = to
	listeners := append([]StateListener(nil), m.listeners...)
	m.mu.Unlock()

	if from != to {
		for _, l := range listeners {
			l(from, to)
		}
	}
	return nil
}
