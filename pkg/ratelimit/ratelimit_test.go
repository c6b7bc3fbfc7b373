package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket_Burst(t *testing.T) {
	tb := NewTokenBucket(time.Hour, 2)
	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow())
}

func TestTokenBucket_WaitHonoursContext(t *testing.T) {
	tb := NewTokenBucket(time.Hour, 1)
	require.True(t, tb.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, tb.Wait(ctx))
}

func TestNewPerSecond_ZeroIsUnlimited(t *testing.T) {
	tb := NewPerSecond(0)
	for i := 0; i < 100; i++ {
		require.True(t, tb.Allow())
	}
}

func TestNoop(t *testing.T) {
	var n Noop
	assert.True(t, n.Allow())
	assert.NoError(t, n.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, n.Wait(ctx), context.Canceled)
}
