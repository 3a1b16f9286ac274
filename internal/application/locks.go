package application

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type lockEntry struct {
	slot chan struct{}
	refs int
}

// LocalUserLocker is an in-process keyed mutex. Entries are dropped once no caller holds or
// waits on them.
type LocalUserLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*lockEntry
}

func NewLocalUserLocker() *LocalUserLocker {
	return &LocalUserLocker{locks: make(map[uuid.UUID]*lockEntry)}
}

func (l *LocalUserLocker) Lock(ctx context.Context, userID uuid.UUID) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[userID]
	if !ok {
		entry = &lockEntry{slot: make(chan struct{}, 1)}
		l.locks[userID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.slot <- struct{}{}:
	case <-ctx.Done():
		l.release(userID, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.slot
			l.release(userID, entry)
		})
	}, nil
}

func (l *LocalUserLocker) release(userID uuid.UUID, entry *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, userID)
	}
}

// held reports how many keys currently have holders or waiters.
func (l *LocalUserLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
