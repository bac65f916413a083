package broker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtf-feed/internal/domain"
)

func TestStateMachine_HappyPath(t *testing.T) {
	var changes []domain.ConnState
	sm := NewStateMachine(func(_, next domain.ConnectivityState) {
		changes = append(changes, next.State)
	})

	require.NoError(t, sm.BeginConnect())
	require.NoError(t, sm.SessionEstablished())
	require.NoError(t, sm.Established())

	s := sm.Snapshot()
	assert.Equal(t, domain.ConnStateConnected, s.State)
	assert.True(t, s.Connected)
	assert.True(t, s.TransportConnected)
	assert.Equal(t, FeedConnected, DeriveFeedStatus(FeedInputsFrom(s)))
	assert.Equal(t, []domain.ConnState{
		domain.ConnStateConnecting, domain.ConnStateConnecting, domain.ConnStateConnected,
	}, changes)
}

func TestStateMachine_RetriesAndStatus(t *testing.T) {
	sm := NewStateMachine(nil)

	require.NoError(t, sm.BeginConnect())
	require.NoError(t, sm.SessionEstablished())
	require.NoError(t, sm.AttemptFailed(503, errors.New("unavailable")))
	require.NoError(t, sm.BeginConnect())

	s := sm.Snapshot()
	assert.Equal(t, 1, s.RetryCount)
	assert.Equal(t, 503, s.LastStatus)
	assert.Equal(t, FeedDown503, DeriveFeedStatus(FeedInputsFrom(s)))

	require.NoError(t, sm.Established())
	s = sm.Snapshot()
	assert.Zero(t, s.RetryCount)
	assert.Zero(t, s.LastStatus)
}

func TestStateMachine_CredentialExpiry(t *testing.T) {
	sm := NewStateMachine(nil)
	require.NoError(t, sm.BeginConnect())
	require.NoError(t, sm.SessionEstablished())
	require.NoError(t, sm.Established())

	require.NoError(t, sm.CredentialsExpired(401, errors.New("token expired")))
	s := sm.Snapshot()
	assert.Equal(t, domain.ConnStateReconnectRequired, s.State)
	assert.Equal(t, FeedReconnectRequired, DeriveFeedStatus(FeedInputsFrom(s)))

	// RECONNECT_REQUIRED -> CONNECTING
	require.NoError(t, sm.BeginConnect())
	assert.Equal(t, domain.ConnStateConnecting, sm.Snapshot().State)
}

func TestStateMachine_InvalidTransitions(t *testing.T) {
	sm := NewStateMachine(nil)

	err := sm.Established()
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, domain.ConnStateDisconnected, sm.Snapshot().State)

	err = sm.TransportLost(errors.New("eof"))
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	err = sm.CredentialsExpired(401, nil)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestStateMachine_CanceledReconnectIsDisconnected(t *testing.T) {
	sm := NewStateMachine(nil)
	require.NoError(t, sm.BeginConnect())
	require.NoError(t, sm.SessionEstablished())
	require.NoError(t, sm.Established())
	require.NoError(t, sm.TransportLost(errors.New("eof")))

	sm.Disconnected(true, 0, errors.New("canceled"))
	s := sm.Snapshot()
	assert.Equal(t, domain.ConnStateDisconnected, s.State)
	assert.False(t, s.TransportConnected)
	assert.Equal(t, FeedDisconnected, DeriveFeedStatus(FeedInputsFrom(s)))

	sm.Disconnected(false, 0, nil)
	assert.Equal(t, FeedLoginRequired, DeriveFeedStatus(FeedInputsFrom(sm.Snapshot())))
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, CategoryAuth, ClassifyStatus(401))
	assert.Equal(t, CategoryAuth, ClassifyStatus(403))
	assert.Equal(t, CategoryServer, ClassifyStatus(503))
	assert.Equal(t, CategoryClient, ClassifyStatus(404))
	assert.Equal(t, CategoryNone, ClassifyStatus(0))

	err := &StatusError{Op: "login", StatusCode: 403}
	assert.True(t, IsAuthError(err))
	assert.False(t, err.Retryable())
	assert.Equal(t, 403, StatusCode(err))
}

func TestBackoff_Next(t *testing.T) {
	b := Backoff{Min: 100, Max: 1000, Factor: 2}
	assert.EqualValues(t, 100, b.Next(1))
	assert.EqualValues(t, 200, b.Next(2))
	assert.EqualValues(t, 1000, b.Next(10))

	jittered := Backoff{Min: 1000, Max: 1000, Factor: 2, Jitter: 0.5}
	for i := 0; i < 20; i++ {
		d := jittered.Next(1)
		assert.GreaterOrEqual(t, int64(d), int64(500))
		assert.LessOrEqual(t, int64(d), int64(1500))
	}
}
