package engine

import (
	"context"
	"sync"
)

// KeyedMutex is the in-process RunLocker. Locks for different runs never contend.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an in-process run locker.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until the run lock is held or ctx is done.
func (k *KeyedMutex) Lock(ctx context.Context, run string) (func(), error) {
	k.mu.Lock()
	entry, ok := k.locks[run]
	if !ok {
		entry = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[run] = entry
	}
	entry.refs++
	k.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(run, entry, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { k.release(run, entry, true) })
	}, nil
}

func (k *KeyedMutex) release(run string, entry *keyedEntry, held bool) {
	if held {
		<-entry.ch
	}
	k.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, run)
	}
	k.mu.Unlock()
}
