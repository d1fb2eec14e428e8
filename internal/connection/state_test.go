package connection

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff_Delay(t *testing.T) {
	b := DefaultBackoff()

	want := []time.Duration{
		1000 * time.Millisecond,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
		3375 * time.Millisecond,
		5062500 * time.Microsecond,
	}
	for i, w := range want {
		assert.Equal(t, w, b.Delay(i+1), "attempt %d", i+1)
	}

	assert.Equal(t, 30*time.Second, b.Delay(10))
	assert.Equal(t, 30*time.Second, b.Delay(500))
	assert.Equal(t, time.Second, b.Delay(0))
}

func dropped(t *testing.T, m *Machine) {
	t.Helper()
	require.NoError(t, m.Connect())
	require.NoError(t, m.Connected())
	require.NoError(t, m.Authenticated())
	require.NoError(t, m.Dropped(errors.New("read: connection reset")))
}

func TestMachine_ReconnectBackoffSequence(t *testing.T) {
	m := NewMachine(DefaultBackoff())
	dropped(t, m)
	assert.Equal(t, StateReconnecting, m.State())

	var delays []time.Duration
	for i := 0; i < 3; i++ {
		d, ok := m.NextDelay()
		require.True(t, ok)
		delays = append(delays, d)
		m.AttemptFailed(errors.New("dial: refused"))
	}
	assert.Equal(t, []time.Duration{1000 * time.Millisecond, 1500 * time.Millisecond, 2250 * time.Millisecond}, delays)

	stats := m.Stats()
	assert.Equal(t, 3, stats.TotalReconnectionAttempts)
	assert.Equal(t, 3, stats.CurrentReconnectionAttempt)
	assert.Equal(t, "dial: refused", stats.LastErrorMessage)
	assert.False(t, stats.LastErrorAt.IsZero())

	require.NoError(t, m.Connected())
	stats = m.Stats()
	assert.Equal(t, StateConnected, stats.State)
	assert.Equal(t, 3, stats.CurrentReconnectionAttempt, "transport connect alone does not reset the budget")

	require.NoError(t, m.Authenticated())
	stats = m.Stats()
	assert.Equal(t, 0, stats.CurrentReconnectionAttempt)
	assert.Equal(t, 3, stats.TotalReconnectionAttempts)

	require.NoError(t, m.Dropped(errors.New("again")))
	d, ok := m.NextDelay()
	require.True(t, ok)
	assert.Equal(t, time.Second, d, "backoff restarts after a successful reconnect")
}

func TestMachine_UnauthenticatedConnectsSpendBudget(t *testing.T) {
	m := NewMachine(Backoff{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1, MaxAttempts: 2})
	require.NoError(t, m.Connect())
	require.NoError(t, m.Connected())
	require.NoError(t, m.Dropped(errors.New("await auth reply: timeout")))

	for i := 0; i < 2; i++ {
		_, ok := m.NextDelay()
		require.True(t, ok)
		require.NoError(t, m.Connected())
		require.NoError(t, m.Dropped(errors.New("await auth reply: timeout")))
		m.AttemptFailed(errors.New("await auth reply: timeout"))
	}

	_, ok := m.NextDelay()
	assert.False(t, ok)
	assert.Equal(t, StateError, m.State())
	assert.Equal(t, 2, m.Stats().TotalReconnectionAttempts)
}

func TestMachine_Exhaustion(t *testing.T) {
	b := DefaultBackoff()
	b.MaxAttempts = 3
	m := NewMachine(b)
	dropped(t, m)

	for i := 0; i < 3; i++ {
		_, ok := m.NextDelay()
		require.True(t, ok)
		m.AttemptFailed(errors.New("dial: refused"))
	}

	_, ok := m.NextDelay()
	assert.False(t, ok)
	assert.Equal(t, StateError, m.State())
	assert.Equal(t, ErrAttemptsExhausted.Error(), m.Stats().LastErrorMessage)
}

func TestMachine_UnlimitedAttempts(t *testing.T) {
	b := DefaultBackoff()
	b.MaxAttempts = 0
	m := NewMachine(b)
	dropped(t, m)

	for i := 0; i < 100; i++ {
		_, ok := m.NextDelay()
		require.True(t, ok)
		m.AttemptFailed(errors.New("dial: refused"))
	}
	d, ok := m.NextDelay()
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, d)
	assert.Equal(t, StateReconnecting, m.State())
}

func TestMachine_Transitions(t *testing.T) {
	t.Run("first connect failure goes to error", func(t *testing.T) {
		m := NewMachine(DefaultBackoff())
		require.NoError(t, m.Connect())
		require.NoError(t, m.ConnectFailed(errors.New("dial: refused")))
		assert.Equal(t, StateError, m.State())

		require.NoError(t, m.Connect(), "manual retry from error")
		assert.Equal(t, StateConnecting, m.State())
	})

	t.Run("auth rejection is terminal and not retried", func(t *testing.T) {
		m := NewMachine(DefaultBackoff())
		require.NoError(t, m.Connect())
		require.NoError(t, m.Connected())
		require.NoError(t, m.AuthRejected("invalid_token"))

		assert.Equal(t, StateError, m.State())
		assert.False(t, m.Ready())
		assert.Contains(t, m.Stats().LastErrorMessage, "invalid_token")

		_, ok := m.NextDelay()
		assert.False(t, ok)
	})

	t.Run("ready requires authentication", func(t *testing.T) {
		m := NewMachine(DefaultBackoff())
		require.NoError(t, m.Connect())
		require.NoError(t, m.Connected())
		assert.False(t, m.Ready())
		require.NoError(t, m.Authenticated())
		assert.True(t, m.Ready())
	})

	t.Run("disconnect from any state", func(t *testing.T) {
		for _, setup := range []func(m *Machine){
			func(m *Machine) {},
			func(m *Machine) { _ = m.Connect() },
			func(m *Machine) { _ = m.Connect(); _ = m.Connected() },
			func(m *Machine) { dropped(t, m) },
			func(m *Machine) { _ = m.Connect(); _ = m.ConnectFailed(errors.New("x")) },
		} {
			m := NewMachine(DefaultBackoff())
			setup(m)
			m.Disconnect()
			assert.Equal(t, StateDisconnected, m.State())
		}
	})

	t.Run("invalid transitions are refused", func(t *testing.T) {
		m := NewMachine(DefaultBackoff())
		assert.ErrorIs(t, m.Connected(), ErrInvalidTransition)
		assert.ErrorIs(t, m.Dropped(nil), ErrInvalidTransition)
		assert.ErrorIs(t, m.Authenticated(), ErrInvalidTransition)

		require.NoError(t, m.Connect())
		assert.ErrorIs(t, m.Connect(), ErrInvalidTransition)
		assert.Equal(t, StateConnecting, m.State())
	})
}

func TestMachine_Listeners(t *testing.T) {
	m := NewMachine(DefaultBackoff())

	var seen [][2]State
	m.OnStateChange(func(from, to State) {
		seen = append(seen, [2]State{from, to})
	})

	require.NoError(t, m.Connect())
	require.NoError(t, m.Connected())
	m.Disconnect()

	assert.Equal(t, [][2]State{
		{StateDisconnected, StateConnecting},
		{StateConnecting, StateConnected},
		{StateConnected, StateDisconnected},
	}, seen)
}

func TestMachine_FirstConnectAtIsSticky(t *testing.T) {
	m := NewMachine(DefaultBackoff())
	clock := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	require.NoError(t, m.Connect())
	require.NoError(t, m.Connected())
	first := m.Stats().FirstConnectAt

	clock = clock.Add(time.Minute)
	require.NoError(t, m.Dropped(errors.New("drop")))
	require.NoError(t, m.Connected())

	stats := m.Stats()
	assert.Equal(t, first, stats.FirstConnectAt)
	assert.Equal(t, clock, stats.LastConnectAt)
}
