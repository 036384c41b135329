// Package ratelimit throttles repeated login failures per identifier and per client IP using Redis counters.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrRateLimited        = errors.New("login rate limited")
	ErrLimiterUnavailable = errors.New("login limiter unavailable")
)

// Config bounds failed logins: after MaxAttempts failures a key is blocked until Cooldown
// has passed since its first failure.
type Config struct {
	MaxAttempts int
	Cooldown    time.Duration
}

// LoginLimiter counts failed logins. A nil *LoginLimiter allows everything.
type LoginLimiter struct {
	redis       redis.UniversalClient
	maxAttempts int
	cooldown    time.Duration
}

// NewLoginLimiter returns a limiter backed by redisClient.
func NewLoginLimiter(redisClient redis.UniversalClient, cfg Config) *LoginLimiter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Minute
	}
	return &LoginLimiter{redis: redisClient, maxAttempts: cfg.MaxAttempts, cooldown: cfg.Cooldown}
}

// NewRedisClient parses a redis:// URL and returns a client. The connection is not checked.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func identifierKey(identifier string) string {
	return "login:id:" + strings.ToLower(identifier)
}

func ipKey(ip string) string {
	return "login:ip:" + ip
}

// Check returns ErrRateLimited if the identifier or ip has reached the failure limit.
func (l *LoginLimiter) Check(ctx context.Context, identifier, ip string) error {
	if l == nil || l.redis == nil {
		return nil
	}
	for _, key := range l.keys(identifier, ip) {
		count, err := l.redis.Get(ctx, key).Int64()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
		}
		if int(count) >= l.maxAttempts {
			return ErrRateLimited
		}
	}
	return nil
}

// RecordFailure counts one failed login for identifier and ip. The window starts at the first failure.
func (l *LoginLimiter) RecordFailure(ctx context.Context, identifier, ip string) error {
	if l == nil || l.redis == nil {
		return nil
	}
	for _, key := range l.keys(identifier, ip) {
		count, err := l.redis.Incr(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
		}
		if count == 1 {
			if err := l.redis.Expire(ctx, key, l.cooldown).Err(); err != nil {
				return fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
			}
		}
	}
	return nil
}

// Reset clears the identifier's failures after a successful login. The ip counter is kept.
func (l *LoginLimiter) Reset(ctx context.Context, identifier string) error {
	if l == nil || l.redis == nil {
		return nil
	}
	if err := l.redis.Del(ctx, identifierKey(identifier)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}
	return nil
}

func (l *LoginLimiter) keys(identifier, ip string) []string {
	keys := []string{identifierKey(identifier)}
	if ip != "" && ip != "unknown" {
		keys = append(keys, ipKey(ip))
	}
	return keys
}
