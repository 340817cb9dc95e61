// Package keyedlock provides per-key mutual exclusion with bounded waits.
// Operations on different keys never contend with each other.
package keyedlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"huddle/internal/domain"
)

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Locker serializes callers per key. Lock waits at most the configured
// timeout and then fails with domain.ErrBusy.
type Locker[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
	timeout time.Duration
}

func New[K comparable](timeout time.Duration) *Locker[K] {
	return &Locker[K]{
		entries: make(map[K]*entry),
		timeout: timeout,
	}
}

// Lock acquires the lock for key. The returned release func must be called
// exactly once.
func (l *Locker[K]) Lock(ctx context.Context, key K) (func(), error) {
	return l.LockWithin(ctx, key, l.timeout)
}

// LockWithin is Lock with an explicit wait bound.
func (l *Locker[K]) LockWithin(ctx context.Context, key K, wait time.Duration) (func(), error) {
	e := l.ref(key)

	acquireCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	if err := e.sem.Acquire(acquireCtx, 1); err != nil {
		l.unref(key)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("lock %v: %w", key, domain.ErrBusy)
		}
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.unref(key)
		})
	}, nil
}

// Len reports how many keys are currently held or awaited.
func (l *Locker[K]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Locker[K]) ref(key K) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Locker[K]) unref(key K) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[key]; ok {
		e.refs--
		if e.refs == 0 {
			delete(l.entries, key)
		}
	}
}
