// Package lock serializes writers per key, either inside one process or
// across instances sharing a Redis server.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotAcquired is returned when the lock could not be taken before the
// context or wait budget ran out.
var ErrNotAcquired = errors.New("lock: not acquired")

// Locker hands out exclusive per-key locks. The returned release func must be
// called exactly once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Local is an in-process Locker.
type Local struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewLocal() *Local {
	return &Local{locks: map[string]chan struct{}{}}
}

func (l *Local) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	return ch
}

func (l *Local) Acquire(ctx context.Context, key string) (func(), error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}, nil
}
