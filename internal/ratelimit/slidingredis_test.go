package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/oakline/posbridge/internal/ratelimit"
)

func TestAllowProviderWithinLimit(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	limiter := ratelimit.Limiter{Client: client, Prefix: "test:"}

	for i := 0; i < 3; i++ {
		allowed, err := limiter.AllowProvider(context.Background(), "square", 3)
		require.NoError(t, err)
		require.True(t, allowed, "request %d should be allowed", i)
	}
	allowed, err := limiter.AllowProvider(context.Background(), "square", 3)
	require.NoError(t, err)
	require.False(t, allowed)

	// Other providers keep their own window.
	allowed, err = limiter.AllowProvider(context.Background(), "stripe", 3)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestAllowProviderDisabled(t *testing.T) {
	limiter := ratelimit.Limiter{}
	allowed, err := limiter.AllowProvider(context.Background(), "square", 0)
	require.NoError(t, err)
	require.True(t, allowed)
}
