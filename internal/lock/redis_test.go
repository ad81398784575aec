package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T, wait time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	locker, err := NewRedis("redis://"+s.Addr(), 10*time.Second, wait)
	if err != nil {
		t.Fatalf("NewRedis() error = %v", err)
	}
	t.Cleanup(func() { _ = locker.Close() })
	return locker, s
}

func TestRedisAcquireAndRelease(t *testing.T) {
	locker, s := setupTestRedis(t, 0)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "template/5")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !s.Exists("wiser:lock:template/5") {
		t.Fatal("expected lock key to exist")
	}
	if ttl := s.TTL("wiser:lock:template/5"); ttl <= 0 {
		t.Fatalf("lock key ttl = %v, want > 0", ttl)
	}

	if _, err := locker.Acquire(ctx, "template/5"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("second Acquire() error = %v, want ErrNotAcquired", err)
	}

	release()
	if s.Exists("wiser:lock:template/5") {
		t.Fatal("expected lock key to be deleted on release")
	}
}

func TestRedisLockExpires(t *testing.T) {
	locker, s := setupTestRedis(t, 0)
	ctx := context.Background()

	if _, err := locker.Acquire(ctx, "k"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	s.FastForward(11 * time.Second)

	release, err := locker.Acquire(ctx, "k")
	if err != nil {
		t.Fatalf("Acquire() after expiry error = %v", err)
	}
	release()
}

func TestRedisReleaseKeepsForeignLock(t *testing.T) {
	locker, s := setupTestRedis(t, 0)
	ctx := context.Background()

	staleRelease, err := locker.Acquire(ctx, "k")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	s.FastForward(11 * time.Second)

	if _, err := locker.Acquire(ctx, "k"); err != nil {
		t.Fatalf("Acquire() by new holder error = %v", err)
	}
	staleRelease()
	if !s.Exists("wiser:lock:k") {
		t.Fatal("stale release must not delete the new holder's lock")
	}
}

func TestRedisAcquireWaitsForRelease(t *testing.T) {
	locker, _ := setupTestRedis(t, time.Second)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "k")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		release()
	}()

	second, err := locker.Acquire(ctx, "k")
	if err != nil {
		t.Fatalf("waiting Acquire() error = %v", err)
	}
	second()
}
