package setup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleInProgressPerBotSession(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	first, err := m.Start(ctx, "bs-1", "wopr-plugin-discord")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, first.Status)

	_, err = m.Start(ctx, "bs-1", "wopr-plugin-slack")
	assert.ErrorIs(t, err, ErrSetupInProgress)

	// Other bot sessions are unaffected.
	_, err = m.Start(ctx, "bs-2", "wopr-plugin-slack")
	require.NoError(t, err)

	// After completion a new setup may start.
	require.NoError(t, m.Complete(ctx, first.ID))
	_, err = m.Start(ctx, "bs-1", "wopr-plugin-slack")
	require.NoError(t, err)
}

func TestTerminalTransitionsReturn404(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	s, err := m.Start(ctx, "bs-1", "p1")
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, s.ID))

	assert.ErrorIs(t, m.Complete(ctx, s.ID), ErrSessionNotFound)
	assert.ErrorIs(t, m.Rollback(ctx, s.ID), ErrSessionNotFound)
	_, err = m.RecordError(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.Get(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestThirdErrorRollsBack(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	s, err := m.Start(ctx, "bs-1", "p1")
	require.NoError(t, err)

	rolledBack, err := m.RecordError(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, rolledBack)

	rolledBack, err = m.RecordError(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, rolledBack)

	rolledBack, err = m.RecordError(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, rolledBack)

	_, err = m.Get(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// The slot is free again.
	_, err = m.Start(ctx, "bs-1", "p1")
	require.NoError(t, err)
}

func TestCheckForResumable(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	found, err := m.CheckForResumable(ctx, "bs-1")
	require.NoError(t, err)
	assert.Nil(t, found)

	s, err := m.Start(ctx, "bs-1", "p1")
	require.NoError(t, err)

	found, err = m.CheckForResumable(ctx, "bs-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, s.ID, found.ID)
	assert.Equal(t, "p1", found.PluginID)

	require.NoError(t, m.Rollback(ctx, s.ID))
	found, err = m.CheckForResumable(ctx, "bs-1")
	require.NoError(t, err)
	assert.Nil(t, found)
}
