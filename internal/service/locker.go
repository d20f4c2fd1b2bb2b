package service

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultLockShards = 64

type accountLock struct {
	mu   sync.Mutex
	refs int
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*accountLock
}

// Locker serializes work per account. Entries are reference counted and
// removed once nobody holds or waits for them, so memory tracks the number of
// accounts with in-flight work rather than every account ever seen.
type Locker struct {
	shards []lockShard
}

func NewLocker(shards int) *Locker {
	if shards <= 0 {
		shards = defaultLockShards
	}
	l := &Locker{shards: make([]lockShard, shards)}
	for i := range l.shards {
		l.shards[i].locks = make(map[string]*accountLock)
	}
	return l
}

func (l *Locker) shard(accountID string) *lockShard {
	return &l.shards[xxhash.Sum64String(accountID)%uint64(len(l.shards))]
}

// Lock blocks until the caller holds the critical section for accountID and
// returns the function that releases it.
func (l *Locker) Lock(accountID string) (unlock func()) {
	s := l.shard(accountID)

	s.mu.Lock()
	al, ok := s.locks[accountID]
	if !ok {
		al = &accountLock{}
		s.locks[accountID] = al
	}
	al.refs++
	s.mu.Unlock()

	al.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			al.mu.Unlock()

			s.mu.Lock()
			al.refs--
			if al.refs == 0 {
				delete(s.locks, accountID)
			}
			s.mu.Unlock()
		})
	}
}

// Held returns the number of accounts currently locked or awaited.
func (l *Locker) Held() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}
