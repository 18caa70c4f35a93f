package rate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRateLimited is returned by Check when the window budget is spent.
	ErrRateLimited = errors.New("rate limited")
	// ErrStoreUnavailable indicates the backing window store is unreachable.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")
)

// Store is the backing table of fixed windows. Incr must be atomic
// per key: two concurrent calls may never both observe the same count.
// Implementations exist for Redis (shared, multi-instance) and an
// in-process map (tests, single instance); the limiter algorithm is
// identical against either.
type Store interface {
	// Incr starts a fresh window for key if none exists or the current
	// one has elapsed, then increments and returns the count together
	// with the instant the window resets.
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)

	// Delete removes the windows for the given keys.
	Delete(ctx context.Context, keys ...string) error

	// Cleanup removes windows that elapsed beyond their grace period.
	// A no-op for stores with native expiry.
	Cleanup(ctx context.Context) error
}

// RedisStore keeps windows as Redis counters with a TTL set on the
// first hit, which gives fixed-window semantics without a sweep.
type RedisStore struct {
	redis redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{redis: client}
}

func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	count, err := s.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := s.redis.Expire(ctx, key, window).Err(); err != nil {
			return 0, time.Time{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return count, time.Now().Add(window), nil
	}

	ttl, err := s.redis.PTTL(ctx, key).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if ttl < 0 {
		// Counter without TTL (Expire lost between INCR and crash).
		// Repair rather than let the window live forever.
		if err := s.redis.Expire(ctx, key, window).Err(); err != nil {
			return 0, time.Time{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		ttl = window
	}

	return count, time.Now().Add(ttl), nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Cleanup is a no-op: Redis expires windows natively.
func (s *RedisStore) Cleanup(context.Context) error { return nil }

type memoryWindow struct {
	count       int64
	windowStart time.Time
	window      time.Duration
}

// MemoryStore is a mutex-guarded window table for single-instance
// deployments and tests. Windows reset lazily on access; Cleanup
// removes entries one full window past their reset.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryWindow
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryWindow),
		now:     time.Now,
	}
}

func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || now.Sub(entry.windowStart) >= entry.window {
		entry = &memoryWindow{count: 0, windowStart: now, window: window}
		s.entries[key] = entry
	}

	entry.count++
	return entry.count, entry.windowStart.Add(entry.window), nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) Cleanup(context.Context) error {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.entries {
		if now.Sub(entry.windowStart) > entry.window*2 {
			delete(s.entries, key)
		}
	}
	return nil
}

// SetClock overrides the time source. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Len reports the number of live windows. Test hook.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
