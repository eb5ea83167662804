package cache

import (
	"container/list"
	"sync"
)

// Memory is a size-bounded LRU cache.
type Memory struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	items    map[string]*list.Element
	order    *list.List // front is most recently used
	stats    Stats
}

type memoryEntry struct {
	key   string
	value []byte
}

// NewMemory returns an empty LRU holding at most capacity bytes.
func NewMemory(capacity int64) *Memory {
	return &Memory{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns the value for key and marks it recently used.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		m.stats.Misses++
		return nil, false
	}
	m.order.MoveToFront(elem)
	m.stats.Hits++
	return elem.Value.(*memoryEntry).value, true
}

// Put stores value, evicting least recently used entries as needed.
func (m *Memory) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := int64(len(value))
	if n > m.capacity {
		return ErrTooLarge
	}

	if elem, ok := m.items[key]; ok {
		m.remove(elem)
	}
	for m.size+n > m.capacity && m.order.Len() > 0 {
		m.remove(m.order.Back())
		m.stats.Evictions++
	}

	m.items[key] = m.order.PushFront(&memoryEntry{key: key, value: value})
	m.size += n
	return nil
}

// Delete removes key if present.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[key]; ok {
		m.remove(elem)
	}
}

// Contains reports whether key is cached without touching recency.
func (m *Memory) Contains(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[key]
	return ok
}

// Clear empties the cache.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[string]*list.Element)
	m.order.Init()
	m.size = 0
}

// Stats returns a snapshot of the counters.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats
	s.Capacity = m.capacity
	s.Size = m.size
	s.Items = len(m.items)
	return s
}

// remove must be called with the lock held.
func (m *Memory) remove(elem *list.Element) {
	e := m.order.Remove(elem).(*memoryEntry)
	delete(m.items, e.key)
	m.size -= int64(len(e.value))
}
