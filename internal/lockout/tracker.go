// Package lockout tracks consecutive authentication failures per account
// and the resulting temporary lock. State is two Redis keys per user: a
// failure counter and a lock marker whose TTL is the lockout duration, so
// unlock happens lazily on key expiry with no background sweep.
//
// Lockout is deliberately per-account, not per-IP: rotating source
// addresses must not bypass it. Per-IP defense is the rate limiter's job.
package lockout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable indicates the lockout backend is unreachable. Callers on
// credential paths must treat this as a denial, never as "unlocked".
var ErrUnavailable = errors.New("lockout backend unavailable")

// Config holds the lockout state machine parameters.
type Config struct {
	Enabled   bool
	Threshold int           // failures before the account locks
	Duration  time.Duration // how long a lock lasts
}

// Status is the observed lock state of one account.
type Status struct {
	Locked         bool
	Remaining      time.Duration // time until lazy unlock, zero when not locked
	FailedAttempts int
}

// Tracker counts failures and transitions accounts between active and
// locked. All mutations are single Redis commands, atomic per user.
type Tracker struct {
	redis  redis.UniversalClient
	config Config
}

func New(client redis.UniversalClient, cfg Config) *Tracker {
	return &Tracker{redis: client, config: cfg}
}

func failKey(userID string) string { return "alk:f:" + userID }
func lockKey(userID string) string { return "alk:l:" + userID }
func seenKey(userID string) string { return "alk:s:" + userID }

// Status reports whether the account is currently locked and how many
// failures it has accumulated in the active window.
func (t *Tracker) Status(ctx context.Context, userID string) (Status, error) {
	if !t.config.Enabled || userID == "" {
		return Status{}, nil
	}

	ttl, err := t.redis.PTTL(ctx, lockKey(userID)).Result()
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ttl > 0 {
		return Status{Locked: true, Remaining: ttl}, nil
	}

	count, err := t.redis.Get(ctx, failKey(userID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Status{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return Status{FailedAttempts: int(count)}, nil
}

// RecordFailure registers one failed authentication. When the counter
// crosses the threshold the account locks for the configured duration,
// the counter clears (a post-lock failure restarts from 1, not from the
// pre-lock value), and locked=true is returned exactly once.
func (t *Tracker) RecordFailure(ctx context.Context, userID string) (locked bool, attempts int, lockedUntil time.Time, err error) {
	if !t.config.Enabled || userID == "" {
		return false, 0, time.Time{}, nil
	}

	count, err := t.redis.Incr(ctx, failKey(userID)).Result()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if count == 1 && t.config.Duration > 0 {
		// Counter decays after one lockout duration of quiet, so stale
		// failures from hours ago do not accumulate forever.
		if err := t.redis.Expire(ctx, failKey(userID), t.config.Duration).Err(); err != nil {
			return false, int(count), time.Time{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	if count < int64(t.config.Threshold) {
		return false, int(count), time.Time{}, nil
	}

	until := time.Now().Add(t.config.Duration)
	_, err = t.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, lockKey(userID), "1", t.config.Duration)
		// Marker outlives the lock so the first post-expiry success can
		// be reported as an unlock. TTL bounds it: no manual cleanup.
		pipe.Set(ctx, seenKey(userID), "1", t.config.Duration*2)
		pipe.Del(ctx, failKey(userID))
		return nil
	})
	if err != nil {
		return false, int(count), time.Time{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return true, int(count), until, nil
}

// Reset clears all failure and lock state after a successful
// authentication or an administrative unlock. wasLocked reports whether
// this account had been locked recently, letting the caller emit an
// unlock event for the first success after a lock ran out.
func (t *Tracker) Reset(ctx context.Context, userID string) (wasLocked bool, err error) {
	if !t.config.Enabled || userID == "" {
		return false, nil
	}

	removed, err := t.redis.Del(ctx, seenKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := t.redis.Del(ctx, failKey(userID), lockKey(userID)).Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return removed > 0, nil
}
