package broker

import (
	"fmt"
	"sync"

	"mtf-feed/internal/domain"
)

// allowedTransitions lists the named states reachable from each state.
// CONNECTING -> CONNECTING records another attempt.
var allowedTransitions = map[domain.ConnState][]domain.ConnState{
	domain.ConnStateDisconnected: {
		domain.ConnStateConnecting,
	},
	domain.ConnStateConnecting: {
		domain.ConnStateConnecting,
		domain.ConnStateConnected,
		domain.ConnStateReconnectRequired,
		domain.ConnStateDisconnected,
	},
	domain.ConnStateConnected: {
		domain.ConnStateConnecting,
		domain.ConnStateReconnectRequired,
		domain.ConnStateDisconnected,
	},
	domain.ConnStateReconnectRequired: {
		domain.ConnStateConnecting,
		domain.ConnStateDisconnected,
	},
}

// StateChangeFunc observes connectivity transitions. It runs after the
// state machine lock is released.
type StateChangeFunc func(prev, next domain.ConnectivityState)

// StateMachine owns a link's ConnectivityState. All mutations go through
// named transitions; anything not in allowedTransitions fails with
// ErrInvalidTransition and leaves the state untouched.
type StateMachine struct {
	mu       sync.Mutex
	state    domain.ConnectivityState
	onChange StateChangeFunc
}

// NewStateMachine creates a state machine in DISCONNECTED.
func NewStateMachine(onChange StateChangeFunc) *StateMachine {
	return &StateMachine{
		state:    domain.ConnectivityState{State: domain.ConnStateDisconnected},
		onChange: onChange,
	}
}

// Snapshot returns a copy of the current state.
func (m *StateMachine) Snapshot() domain.ConnectivityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// BeginConnect moves to CONNECTING. Entering from DISCONNECTED starts a
// fresh attempt series; any other origin counts as a retry.
func (m *StateMachine) BeginConnect() error {
	return m.transition(domain.ConnStateConnecting, func(s *domain.ConnectivityState) {
		if s.State == domain.ConnStateDisconnected {
			s.RetryCount = 0
			s.LastStatus = 0
			s.LastError = ""
		} else {
			s.RetryCount++
		}
		s.TransportConnected = false
	})
}

// SessionEstablished records a successful upstream login while CONNECTING.
func (m *StateMachine) SessionEstablished() error {
	return m.transition(domain.ConnStateConnecting, func(s *domain.ConnectivityState) {
		s.Connected = true
	}, domain.ConnStateConnecting)
}

// AttemptFailed records a failed connect attempt and stays in CONNECTING.
func (m *StateMachine) AttemptFailed(status int, err error) error {
	return m.transition(domain.ConnStateConnecting, func(s *domain.ConnectivityState) {
		s.TransportConnected = false
		s.LastStatus = status
		s.LastError = errString(err)
	}, domain.ConnStateConnecting)
}

// Established moves CONNECTING to CONNECTED with the transport up.
func (m *StateMachine) Established() error {
	return m.transition(domain.ConnStateConnected, func(s *domain.ConnectivityState) {
		s.Connected = true
		s.TransportConnected = true
		s.RetryCount = 0
		s.LastStatus = 0
		s.LastError = ""
	}, domain.ConnStateConnecting)
}

// TransportLost moves CONNECTED back to CONNECTING after the stream dropped.
func (m *StateMachine) TransportLost(err error) error {
	return m.transition(domain.ConnStateConnecting, func(s *domain.ConnectivityState) {
		s.TransportConnected = false
		s.RetryCount = 1
		s.LastError = errString(err)
	}, domain.ConnStateConnected)
}

// CredentialsExpired moves to RECONNECT_REQUIRED. Reconnecting needs new credentials.
func (m *StateMachine) CredentialsExpired(status int, err error) error {
	return m.transition(domain.ConnStateReconnectRequired, func(s *domain.ConnectivityState) {
		s.TransportConnected = false
		s.LastStatus = status
		s.LastError = errString(err)
	}, domain.ConnStateConnected, domain.ConnStateConnecting)
}

// Disconnected moves to DISCONNECTED. keepSession leaves Connected as is so a
// canceled reconnect still reports a valid upstream session.
func (m *StateMachine) Disconnected(keepSession bool, status int, err error) {
	m.mu.Lock()
	prev := m.state
	m.state.State = domain.ConnStateDisconnected
	m.state.TransportConnected = false
	if !keepSession {
		m.state.Connected = false
	}
	if status != 0 {
		m.state.LastStatus = status
	}
	if err != nil {
		m.state.LastError = err.Error()
	}
	next := m.state
	m.mu.Unlock()

	m.notify(prev, next)
}

// transition applies mutate and moves to `to`. When from is non-empty the
// current state must be one of them.
func (m *StateMachine) transition(to domain.ConnState, mutate func(*domain.ConnectivityState), from ...domain.ConnState) error {
	m.mu.Lock()
	prev := m.state

	if len(from) > 0 && !containsState(from, prev.State) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.State, to)
	}
	if !containsState(allowedTransitions[prev.State], to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.State, to)
	}

	mutate(&m.state)
	m.state.State = to
	next := m.state
	m.mu.Unlock()

	m.notify(prev, next)
	return nil
}

func (m *StateMachine) notify(prev, next domain.ConnectivityState) {
	if m.onChange != nil && prev != next {
		m.onChange(prev, next)
	}
}

func containsState(states []domain.ConnState, s domain.ConnState) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
