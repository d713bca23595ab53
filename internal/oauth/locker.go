package oauth

import "sync"

// RefreshLocker is a keyed mutex. Entries are dropped once no goroutine holds or waits for them.
type RefreshLocker struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func NewRefreshLocker() *RefreshLocker {
	return &RefreshLocker{locks: make(map[string]*refLock)}
}

// Lock blocks until key is free and returns the function releasing it
func (l *RefreshLocker) Lock(key string) func() {
	l.mu.Lock()
	lk, ok := l.locks[key]
	if !ok {
		lk = &refLock{}
		l.locks[key] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()
	return func() {
		lk.mu.Unlock()
		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Len returns the number of keys currently held or waited on
func (l *RefreshLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
