// Package session holds the bounded in-memory store of preprocessed portraits.
package session

import (
	"github.com/google/uuid"

	"github.com/kozaktomas/facepoke/internal/portrait"
)

// DefaultCapacity is the number of portraits kept when no capacity is configured.
const DefaultCapacity = 10

// Store maps session ids to preprocessed portraits. When full, inserting a
// new portrait evicts the least recently accessed one.
type Store struct {
	lru *LRU[string, *portrait.Portrait]
}

// Option configures a Store.
type Option func(*storeOptions)

type storeOptions struct {
	onEvict func(id string, p *portrait.Portrait)
}

// WithEvictHook registers a callback invoked for each evicted session.
// It runs under the store lock and must not call back into the store.
func WithEvictHook(fn func(id string, p *portrait.Portrait)) Option {
	return func(o *storeOptions) {
		o.onEvict = fn
	}
}

// NewStore creates a store holding at most capacity portraits.
// A non-positive capacity selects DefaultCapacity.
func NewStore(capacity int, opts ...Option) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	var o storeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Store{lru: NewLRU(capacity, o.onEvict)}
}

// Put stores p and returns its session id. A portrait without an id gets a
// fresh one.
func (s *Store) Put(p *portrait.Portrait) string {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	s.lru.Put(p.ID, p)
	return p.ID
}

// Get returns the portrait for id and marks it most recently used.
func (s *Store) Get(id string) (*portrait.Portrait, error) {
	p, ok := s.lru.Get(id)
	if !ok {
		return nil, portrait.NewSessionNotFoundError(id)
	}
	return p, nil
}

// Contains reports whether id is cached, without refreshing it.
func (s *Store) Contains(id string) bool {
	_, ok := s.lru.Peek(id)
	return ok
}

// Delete drops a session.
func (s *Store) Delete(id string) bool {
	return s.lru.Delete(id)
}

// Len returns the number of cached sessions.
func (s *Store) Len() int {
	return s.lru.Len()
}

// Capacity returns the maximum number of cached sessions.
func (s *Store) Capacity() int {
	return s.lru.Capacity()
}

// IDs returns the cached session ids, most recently used first.
func (s *Store) IDs() []string {
	return s.lru.Keys()
}

// Stats returns hit, miss and eviction counters.
func (s *Store) Stats() Stats {
	return s.lru.Stats()
}
