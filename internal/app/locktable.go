package app

import (
	"context"
	"sync"

	"github.com/example/operator/internal/errkind"
)

// LockTable hands out one exclusive lock per key. Entries are dropped when no
// holder or waiter references them, so the table does not grow with every
// sandbox ever created.
type LockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

// NewLockTable creates an empty table.
func NewLockTable() *LockTable {
	return &LockTable{entries: map[string]*lockEntry{}}
}

func (t *LockTable) ref(key string) *lockEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		t.entries[key] = e
	}
	e.refs++
	return e
}

func (t *LockTable) unref(key string, e *lockEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
	}
}

func (t *LockTable) releaser(key string, e *lockEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			t.unref(key, e)
		})
	}
}

// Acquire blocks until key is free or ctx is done.
func (t *LockTable) Acquire(ctx context.Context, key string) (func(), error) {
	e := t.ref(key)
	select {
	case e.sem <- struct{}{}:
		return t.releaser(key, e), nil
	case <-ctx.Done():
		t.unref(key, e)
		return nil, ctx.Err()
	}
}

// TryAcquire takes key only if it is free; otherwise it fails with
// LockContended.
func (t *LockTable) TryAcquire(key string) (func(), error) {
	e := t.ref(key)
	select {
	case e.sem <- struct{}{}:
		return t.releaser(key, e), nil
	default:
		t.unref(key, e)
		return nil, errkind.New(errkind.LockContended, "%s is locked", key)
	}
}

// Len returns the number of live entries.
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
