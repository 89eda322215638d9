package service

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/semaphore"
)

// keyedMutex hands out one lock per key and forgets keys nobody holds or
// waits for. Waiting honors the caller's context.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

// Lock blocks until key is free or ctx is done. On success it returns the
// unlock function; otherwise ctx's error and nothing to release.
func (k *keyedMutex) Lock(ctx context.Context, key string) (unlock func(), err error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{sem: semaphore.NewWeighted(1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		k.forget(key, l)
		return nil, err
	}
	return func() {
		l.sem.Release(1)
		k.forget(key, l)
	}, nil
}

func (k *keyedMutex) forget(key string, l *refLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// Template locks are always taken before artifact locks.
func templateKey(id int64) string { return "template:" + strconv.FormatInt(id, 10) }
func artifactKey(id string) string { return "artifact:" + id }
