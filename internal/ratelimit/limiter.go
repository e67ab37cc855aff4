// Package ratelimit implements a Redis fixed-window request limiter.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit"

type Limiter struct {
	client *redis.Client
	scope  string
	limit  int64
	window time.Duration
	now    func() time.Time
}

func NewLimiter(client *redis.Client, scope string, limit int, window time.Duration) *Limiter {
	return &Limiter{
		client: client,
		scope:  scope,
		limit:  int64(limit),
		window: window,
		now:    time.Now,
	}
}

// Connect accepts either a redis:// URL or a bare host:port address.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts := &redis.Options{Addr: redisURL}
	if strings.Contains(redisURL, "://") {
		parsed, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// Allow counts one request for subject in the current window and reports
// whether it is within the limit.
func (l *Limiter) Allow(ctx context.Context, subject string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}

	key := windowKey(l.scope, subject, l.now(), l.window)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.Expire(ctx, key, l.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("count request: %w", err)
	}

	return incr.Val() <= l.limit, nil
}

func windowKey(scope, subject string, now time.Time, window time.Duration) string {
	bucket := now.Truncate(window).Unix()
	return fmt.Sprintf("%s:%s:%s:%d", keyPrefix, scope, subject, bucket)
}
