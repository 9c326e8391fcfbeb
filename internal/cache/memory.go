// Package cache provides a generic, concurrency-safe in-process LRU cache
// with optional TTL expiration. The policy evaluator uses it to memoize
// compiled expressions.
package cache

import (
	"container/list"
	"sync"
	"time"
)

type memoryEntry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// Memory is a thread-safe in-memory LRU cache. A zero ttl disables
// expiration.
type Memory[K comparable, V any] struct {
	mu        sync.Mutex
	capacity  int
	ttl       time.Duration
	items     map[K]*list.Element
	evictList *list.List
	hits      uint64
	misses    uint64
}

// NewMemory creates a new in-memory LRU cache. Capacity below 1 is raised
// to 1.
func NewMemory[K comparable, V any](capacity int, ttl time.Duration) *Memory[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &Memory[K, V]{
		capacity:  capacity,
		ttl:       ttl,
		items:     make(map[K]*list.Element),
		evictList: list.New(),
	}
}

// Get returns the cached value for key, or false if missing or expired.
func (m *Memory[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero V
	elem, ok := m.items[key]
	if !ok {
		m.misses++
		return zero, false
	}
	entry := elem.Value.(*memoryEntry[K, V])
	if m.ttl > 0 && time.Now().After(entry.expiresAt) {
		m.removeElement(elem)
		m.misses++
		return zero, false
	}
	m.evictList.MoveToFront(elem)
	m.hits++
	return entry.value, true
}

// Set stores a value, evicting the least recently used entry when full.
func (m *Memory[K, V]) Set(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[key]; ok {
		m.evictList.MoveToFront(elem)
		entry := elem.Value.(*memoryEntry[K, V])
		entry.value = value
		entry.expiresAt = m.expiry()
		return
	}

	if m.evictList.Len() >= m.capacity {
		m.removeOldest()
	}
	elem := m.evictList.PushFront(&memoryEntry[K, V]{
		key:       key,
		value:     value,
		expiresAt: m.expiry(),
	})
	m.items[key] = elem
}

// GetOrLoad returns the cached value for key or stores the result of load.
// Load errors are returned and nothing is cached.
func (m *Memory[K, V]) GetOrLoad(key K, load func(K) (V, error)) (V, error) {
	if v, ok := m.Get(key); ok {
		return v, nil
	}
	v, err := load(key)
	if err != nil {
		return v, err
	}
	m.Set(key, v)
	return v, nil
}

// Delete removes an entry from the cache.
func (m *Memory[K, V]) Delete(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if elem, ok := m.items[key]; ok {
		m.removeElement(elem)
	}
}

// Len returns the number of entries currently in the cache.
func (m *Memory[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictList.Len()
}

// Stats returns the hit and miss counters.
func (m *Memory[K, V]) Stats() (hits, misses uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits, m.misses
}

// Clear removes all entries from the cache.
func (m *Memory[K, V]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[K]*list.Element)
	m.evictList.Init()
}

func (m *Memory[K, V]) expiry() time.Time {
	if m.ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(m.ttl)
}

func (m *Memory[K, V]) removeOldest() {
	if elem := m.evictList.Back(); elem != nil {
		m.removeElement(elem)
	}
}

func (m *Memory[K, V]) removeElement(elem *list.Element) {
	m.evictList.Remove(elem)
	entry := elem.Value.(*memoryEntry[K, V])
	delete(m.items, entry.key)
}
