package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	cb := New(DefaultConfig("test"))

	for i := 0; i < 3; i++ {
		err := cb.Execute(func() error { return errors.New("boom") })
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(func() error { return nil })
	assert.True(t, errors.Is(err, ErrCircuitOpen))
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	cb := New(DefaultConfig("test"))

	require.Error(t, cb.Execute(func() error { return errors.New("boom") }))
	require.Error(t, cb.Execute(func() error { return errors.New("boom") }))
	require.NoError(t, cb.Execute(func() error { return nil }))
	require.Error(t, cb.Execute(func() error { return errors.New("boom") }))

	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenRecovery(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.Timeout = 10 * time.Millisecond
	cfg.MaxRequests = 1
	cb := New(cfg)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errors.New("boom") })
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.Timeout = 10 * time.Millisecond
	cb := New(cfg)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errors.New("boom") })
	}
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	_ = cb.Execute(func() error { return errors.New("still down") })
	assert.Equal(t, StateOpen, cb.State())
}

func TestManagerCreatesPerName(t *testing.T) {
	m := NewManager(nil)
	a := m.Get("openrouter")
	b := m.Get("deepgram")
	assert.NotSame(t, a, b)
	assert.Same(t, a, m.Get("openrouter"))

	_ = a.Execute(func() error { return errors.New("boom") })
	stats := m.Stats()
	assert.Equal(t, uint32(1), stats["openrouter"].Counts.TotalFailures)
	assert.Equal(t, uint32(0), stats["deepgram"].Counts.TotalFailures)
}
