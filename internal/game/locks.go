package game

import (
	"sort"
	"sync"
)

// UserLocks serializes mutations per user. Multi-user callers lock in
// ascending id order so two crossing trades cannot deadlock.
type UserLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func NewUserLocks() *UserLocks {
	return &UserLocks{locks: make(map[string]*userLock)}
}

// Lock blocks until every listed user is held and returns the release
// function. Duplicate ids are locked once.
func (l *UserLocks) Lock(userIDs ...string) func() {
	ids := sortedUnique(userIDs)
	held := make([]*userLock, 0, len(ids))
	for _, id := range ids {
		ul := l.acquire(id)
		ul.mu.Lock()
		held = append(held, ul)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			l.release(ids[i])
		}
	}
}

func (l *UserLocks) acquire(id string) *userLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	ul, ok := l.locks[id]
	if !ok {
		ul = &userLock{}
		l.locks[id] = ul
	}
	ul.refs++
	return ul
}

func (l *UserLocks) release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ul := l.locks[id]
	ul.refs--
	if ul.refs == 0 {
		delete(l.locks, id)
	}
}

func (l *UserLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func sortedUnique(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	n := 0
	for i, id := range out {
		if id == "" || (i > 0 && id == out[i-1]) {
			continue
		}
		out[n] = id
		n++
	}
	return out[:n]
}
