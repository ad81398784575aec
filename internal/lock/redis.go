package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still carries our token, so an
// expired lock re-taken by another instance is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis implements Locker with SET NX PX. Locks expire after ttl so a crashed
// holder cannot block an entity forever.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(redisURL string, ttl, wait time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisWithClient(client, ttl, wait), nil
}

func NewRedisWithClient(client *redis.Client, ttl, wait time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if wait < 0 {
		wait = 0
	}
	return &Redis{
		client: client,
		prefix: "wiser:lock:",
		ttl:    ttl,
		wait:   wait,
		retry:  25 * time.Millisecond,
	}
}

func (r *Redis) key(name string) string {
	return r.prefix + name
}

// Acquire polls until the key is free, the wait budget is spent or ctx ends.
func (r *Redis) Acquire(ctx context.Context, name string) (func(), error) {
	key := r.key(name)
	token := uuid.NewString()
	deadline := time.Now().Add(r.wait)

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", name, err)
		}
		if ok {
			return r.releaser(key, token), nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s is held elsewhere", ErrNotAcquired, name)
		}

		timer := time.NewTimer(r.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, name, ctx.Err())
		case <-timer.C:
		}
	}
}

func (r *Redis) releaser(key, token string) func() {
	released := false
	return func() {
		if released {
			return
		}
		released = true
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, r.client, []string{key}, token).Err()
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
