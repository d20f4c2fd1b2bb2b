package dedup

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type entry struct {
	key       string
	outcome   Outcome
	expiresAt time.Time
}

// Memory is a TTL-bounded, size-bounded deduplicator. When full, the oldest
// record is evicted first.
type Memory struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	order      *list.List
	index      map[string]*list.Element
	now        func() time.Time
}

func NewMemory(ttl time.Duration, maxEntries int) *Memory {
	return &Memory{
		ttl:        ttl,
		maxEntries: maxEntries,
		order:      list.New(),
		index:      make(map[string]*list.Element),
		now:        time.Now,
	}
}

func (m *Memory) Seen(ctx context.Context, key string) (Outcome, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expire()
	el, ok := m.index[key]
	if !ok {
		return "", false, nil
	}
	return el.Value.(*entry).outcome, true, nil
}

func (m *Memory) Record(ctx context.Context, key string, outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expire()
	if _, ok := m.index[key]; ok {
		return nil
	}

	el := m.order.PushBack(&entry{key: key, outcome: outcome, expiresAt: m.now().Add(m.ttl)})
	m.index[key] = el

	for m.maxEntries > 0 && m.order.Len() > m.maxEntries {
		m.remove(m.order.Front())
	}
	return nil
}

// Len returns the number of live records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expire()
	return m.order.Len()
}

// expire drops records past their TTL. Records are appended in expiry order
// so the scan stops at the first live one.
func (m *Memory) expire() {
	now := m.now()
	for el := m.order.Front(); el != nil; el = m.order.Front() {
		if el.Value.(*entry).expiresAt.After(now) {
			return
		}
		m.remove(el)
	}
}

func (m *Memory) remove(el *list.Element) {
	m.order.Remove(el)
	delete(m.index, el.Value.(*entry).key)
}
