package session

import "sync"

const nilSlot = -1

// node is one arena slot. prev/next are slot indices forming the recency list.
type node[K comparable, V any] struct {
	key   K
	value V
	prev  int32
	next  int32
}

// Stats holds cache counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Len       int   `json:"len"`
	Capacity  int   `json:"capacity"`
}

// LRU is a fixed-capacity cache stored in a preallocated arena of nodes.
// A map indexes keys to slots and an intrusive doubly linked list of slot
// indices tracks recency (head = most recent, tail = least recent).
//
// All methods are safe for concurrent use. Eviction happens under the same
// lock as the insertion that triggers it, so the cache never exceeds its capacity.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	nodes    []node[K, V]
	index    map[K]int32
	head     int32
	tail     int32
	free     int32 // head of the free slot list, chained through next
	onEvict  func(K, V)
	capacity int

	hits      int64
	misses    int64
	evictions int64
}

// NewLRU creates a cache holding at most capacity entries. onEvict, if not nil,
// is called with the lock held for every entry pushed out by capacity pressure;
// it must not call back into the cache.
func NewLRU[K comparable, V any](capacity int, onEvict func(K, V)) *LRU[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	c := &LRU[K, V]{
		nodes:    make([]node[K, V], capacity),
		index:    make(map[K]int32, capacity),
		head:     nilSlot,
		tail:     nilSlot,
		onEvict:  onEvict,
		capacity: capacity,
	}
	for i := range c.nodes {
		c.nodes[i].prev = nilSlot
		c.nodes[i].next = int32(i + 1)
	}
	c.nodes[capacity-1].next = nilSlot
	c.free = 0
	return c
}

// Get returns the value for key and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot, ok := c.index[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	c.moveToFront(slot)
	return c.nodes[slot].value, true
}

// Peek returns the value for key without touching recency or counters.
func (c *LRU[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot, ok := c.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	return c.nodes[slot].value, true
}

// Put inserts or replaces key. It returns the evicted key, if any.
func (c *LRU[K, V]) Put(key K, value V) (evicted K, didEvict bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slot, ok := c.index[key]; ok {
		c.nodes[slot].value = value
		c.moveToFront(slot)
		return evicted, false
	}

	if c.free == nilSlot {
		evicted = c.evictTail()
		didEvict = true
	}

	slot := c.free
	c.free = c.nodes[slot].next
	c.nodes[slot] = node[K, V]{key: key, value: value, prev: nilSlot, next: nilSlot}
	c.pushFront(slot)
	c.index[key] = slot
	return evicted, didEvict
}

// Delete removes key. It reports whether the key was present.
func (c *LRU[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot, ok := c.index[key]
	if !ok {
		return false
	}
	c.unlink(slot)
	c.release(slot)
	delete(c.index, key)
	return true
}

// Len returns the number of entries.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Capacity returns the maximum number of entries.
func (c *LRU[K, V]) Capacity() int {
	return c.capacity
}

// Keys returns the keys from most to least recently used.
func (c *LRU[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, len(c.index))
	for slot := c.head; slot != nilSlot; slot = c.nodes[slot].next {
		keys = append(keys, c.nodes[slot].key)
	}
	return keys
}

// Stats returns a snapshot of the counters.
func (c *LRU[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Len:       len(c.index),
		Capacity:  c.capacity,
	}
}

func (c *LRU[K, V]) evictTail() K {
	slot := c.tail
	n := c.nodes[slot]
	c.unlink(slot)
	delete(c.index, n.key)
	c.release(slot)
	c.evictions++
	if c.onEvict != nil {
		c.onEvict(n.key, n.value)
	}
	return n.key
}

// release clears the slot so the arena does not pin evicted values, and returns it to the free list.
func (c *LRU[K, V]) release(slot int32) {
	c.nodes[slot] = node[K, V]{prev: nilSlot, next: c.free}
	c.free = slot
}

func (c *LRU[K, V]) moveToFront(slot int32) {
	if c.head == slot {
		return
	}
	c.unlink(slot)
	c.pushFront(slot)
}

func (c *LRU[K, V]) pushFront(slot int32) {
	n := &c.nodes[slot]
	n.prev = nilSlot
	n.next = c.head
	if c.head != nilSlot {
		c.nodes[c.head].prev = slot
	}
	c.head = slot
	if c.tail == nilSlot {
		c.tail = slot
	}
}

func (c *LRU[K, V]) unlink(slot int32) {
	n := &c.nodes[slot]
	if n.prev != nilSlot {
		c.nodes[n.prev].next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nilSlot {
		c.nodes[n.next].prev = n.prev
	} else {
		c.tail = n.prev
	}
	n.prev = nilSlot
	n.next = nilSlot
}
