package rate

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_FixedWindow(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		count, resetAt, err := store.Incr(ctx, "k", time.Minute)
		if err != nil {
			t.Fatalf("Incr failed: %v", err)
		}
		if count != want {
			t.Fatalf("count = %d, want %d", count, want)
		}
		if got := resetAt.Sub(now); got != time.Minute {
			t.Fatalf("resetAt offset = %v, want 1m", got)
		}
	}

	// Window elapses, counter restarts.
	now = now.Add(time.Minute)
	count, _, err := store.Incr(ctx, "k", time.Minute)
	if err != nil || count != 1 {
		t.Fatalf("expected fresh window count=1, got %d err=%v", count, err)
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Incr(ctx, "a", time.Minute)
	store.Incr(ctx, "b", time.Minute)
	if err := store.Delete(ctx, "a", "missing"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("Len = %d, want 1", store.Len())
	}

	count, _, _ := store.Incr(ctx, "a", time.Minute)
	if count != 1 {
		t.Fatalf("deleted key should restart at 1, got %d", count)
	}
}

func TestMemoryStore_Cleanup(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	ctx := context.Background()

	store.Incr(ctx, "old", time.Minute)
	now = now.Add(90 * time.Second)
	store.Incr(ctx, "young", time.Minute)

	// "old" is 90s past start, within the 2x grace period.
	if err := store.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if store.Len() != 2 {
		t.Fatalf("Len = %d, want 2", store.Len())
	}

	now = now.Add(time.Minute)
	if err := store.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("Len = %d, want 1 after sweep", store.Len())
	}
}

func TestRedisStore_TTLRepair(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client)
	ctx := context.Background()

	// A counter that lost its TTL must get one on the next hit.
	if err := client.Set(ctx, "k", "7", 0).Err(); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	count, resetAt, err := store.Incr(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("Incr failed: %v", err)
	}
	if count != 8 {
		t.Fatalf("count = %d, want 8", count)
	}
	if resetAt.Before(time.Now()) {
		t.Fatal("resetAt must be in the future")
	}
	if ttl := mr.TTL("k"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected repaired TTL, got %v", ttl)
	}
}

func TestLimiterOnMemoryStore(t *testing.T) {
	limiter := New(NewMemoryStore(), testPolicies())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if result, err := limiter.Check(ctx, PurposeLogin, "ip:1.2.3.4"); err != nil || !result.Allowed {
			t.Fatalf("check %d: %+v err=%v", i+1, result, err)
		}
	}
	if _, err := limiter.Check(ctx, PurposeLogin, "ip:1.2.3.4"); err != ErrRateLimited {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}
