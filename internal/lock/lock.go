// Package lock provides per-key mutual exclusion for ticket processing.
package lock

import (
	"context"
	"sync"
	"time"
)

// TicketKey and JobKey namespace the keys so ticket ids and job names
// never collide in a shared Redis.
func TicketKey(id string) string { return "ticket:" + id }

func JobKey(name string) string { return "job:" + name }

// Locker grants exclusive ownership of a key without blocking.
// ok is false when another holder owns the key.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

// Keyed is an in-process set of mutexes indexed by key.
// Entries are dropped once no goroutine holds or waits on them.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyed creates an empty keyed mutex set.
func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is held and returns the release func.
func (k *Keyed) Lock(key string) func() {
	e := k.acquire(key)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.release(key, e)
	}
}

// TryLock implements Locker for a single process.
func (k *Keyed) TryLock(_ context.Context, key string) (func(), bool, error) {
	e := k.acquire(key)
	if !e.mu.TryLock() {
		k.release(key, e)
		return nil, false, nil
	}
	return func() {
		e.mu.Unlock()
		k.release(key, e)
	}, true, nil
}

// Acquire blocks until key is held or ctx is done. A Keyed locker blocks on
// the mutex; other lockers are polled every poll interval.
func Acquire(ctx context.Context, l Locker, key string, poll time.Duration) (func(), error) {
	if k, ok := l.(*Keyed); ok {
		return k.Lock(key), nil
	}
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	for {
		unlock, ok, err := l.TryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}

// Len returns the number of keys currently tracked.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func (k *Keyed) acquire(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *Keyed) release(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}
