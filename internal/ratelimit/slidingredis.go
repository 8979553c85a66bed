// Package ratelimit implements a sliding window rate limiter backed by Redis
// sorted sets, keyed per webhook provider.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Limiter enforces per-provider ingress limits over a sliding window.
type Limiter struct {
	Client *redis.Client
	Prefix string
}

// AllowProvider registers one request for the provider and reports whether it
// stays within maxPerMinute. A nil client or non-positive limit disables the
// limiter (always allowed).
func (l Limiter) AllowProvider(ctx context.Context, providerCode string, maxPerMinute int) (bool, error) {
	if l.Client == nil || maxPerMinute <= 0 {
		return true, nil
	}
	window := time.Minute
	now := time.Now()
	score := float64(now.UnixNano())
	cutoff := float64(now.Add(-window).UnixNano())

	key := l.Prefix + "rl:provider:" + providerCode
	member := fmt.Sprintf("%s:%s", providerCode, uuid.NewString())

	pipe := l.Client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%f", cutoff))
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	countCmd := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return int(countCmd.Val()) <= maxPerMinute, nil
}
