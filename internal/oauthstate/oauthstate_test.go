package oauthstate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateTokenShape(t *testing.T) {
	s1 := NewState()
	s2 := NewState()
	assert.Len(t, s1, 32) // 128 bits hex
	assert.NotEqual(t, s1, s2)
}

func TestConsumePendingIsSingleUse(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	state := NewState()
	require.NoError(t, store.CreatePending(ctx, &PendingState{State: state, Provider: "slack", UserID: "u1"}))

	p, err := store.ConsumePending(ctx, state)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "slack", p.Provider)

	p, err = store.ConsumePending(ctx, state)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestConsumePendingExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	store.now = func() time.Time { return now }
	state := NewState()
	require.NoError(t, store.CreatePending(ctx, &PendingState{State: state, Provider: "slack"}))

	store.now = func() time.Time { return now.Add(PendingTTL + time.Minute) }
	p, err := store.ConsumePending(ctx, state)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestConsumeCompletedEnforcesOwnership(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	state := NewState()
	require.NoError(t, store.CompleteWithToken(ctx, state, "xoxb-token", "userB"))

	// The wrong user gets nothing, and the token survives for the owner.
	token, err := store.ConsumeCompleted(ctx, state, "userA")
	require.NoError(t, err)
	assert.Empty(t, token)

	token, err = store.ConsumeCompleted(ctx, state, "userB")
	require.NoError(t, err)
	assert.Equal(t, "xoxb-token", token)

	// One-shot.
	token, err = store.ConsumeCompleted(ctx, state, "userB")
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestPurgeExpiredCounts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	store.now = func() time.Time { return now }
	require.NoError(t, store.CreatePending(ctx, &PendingState{State: "a"}))
	require.NoError(t, store.CreatePending(ctx, &PendingState{State: "b"}))
	require.NoError(t, store.CompleteWithToken(ctx, "c", "tok", "u1"))

	store.now = func() time.Time { return now.Add(time.Hour) }
	removed, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
}

func TestRedisStoreSingleUseAndOwnership(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client)
	ctx := context.Background()

	state := NewState()
	require.NoError(t, store.CreatePending(ctx, &PendingState{State: state, Provider: "discord", UserID: "u1"}))

	p, err := store.ConsumePending(ctx, state)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "discord", p.Provider)

	p, err = store.ConsumePending(ctx, state)
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NoError(t, store.CompleteWithToken(ctx, state, "tok-1", "u1"))
	token, err := store.ConsumeCompleted(ctx, state, "intruder")
	require.NoError(t, err)
	assert.Empty(t, token)

	token, err = store.ConsumeCompleted(ctx, state, "u1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	token, err = store.ConsumeCompleted(ctx, state, "u1")
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestRedisPendingExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client)
	ctx := context.Background()

	state := NewState()
	require.NoError(t, store.CreatePending(ctx, &PendingState{State: state}))

	mr.FastForward(PendingTTL + time.Minute)
	p, err := store.ConsumePending(ctx, state)
	require.NoError(t, err)
	assert.Nil(t, p)
}
