// Package buffer implements the fixed-capacity in-memory event store.
package buffer

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/geraldohisao/alertpipe/internal/event"
)

// Store is a fixed-capacity circular log of recent events. The newest
// event is always admitted; at capacity the oldest is evicted (FIFO).
// Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	ring     []event.Event
	head     int // index of the oldest entry
	size     int
	lastTS   time.Time
	snapshot []event.Event

	subs   map[int]func([]event.Event)
	nextID int
}

// New creates a Store holding at most capacity events. Capacity must be
// positive; values below 1 are clamped to 1.
func New(capacity int) *Store {
	if capacity < 1 {
		capacity = 1
	}
	return &Store{
		ring: make([]event.Event, capacity),
		subs: make(map[int]func([]event.Event)),
	}
}

// Log appends ev to the store, assigning an ID and timestamp when unset,
// evicting the oldest entry if the ring is full. Subscribers are notified
// exactly once with the post-append snapshot.
func (s *Store) Log(ev event.Event) event.Event {
	s.mu.Lock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	// Timestamps are non-decreasing in insertion order.
	if ev.Timestamp.Before(s.lastTS) {
		ev.Timestamp = s.lastTS
	}
	s.lastTS = ev.Timestamp

	capacity := len(s.ring)
	if s.size == capacity {
		// Evict the oldest.
		s.ring[s.head] = ev
		s.head = (s.head + 1) % capacity
	} else {
		s.ring[(s.head+s.size)%capacity] = ev
		s.size++
	}

	s.rebuildSnapshot()
	snap, subs := s.snapshot, s.subscribers()
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
	return ev
}

// Events returns a snapshot of the stored events in insertion order,
// oldest first. The returned slice is the caller's to keep.
func (s *Store) Events() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Event, len(s.snapshot))
	copy(out, s.snapshot)
	return out
}

// Count returns the number of stored events.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Clear wipes the store and notifies subscribers once with the empty
// snapshot.
func (s *Store) Clear() {
	s.mu.Lock()
	s.head = 0
	s.size = 0
	s.rebuildSnapshot()
	snap, subs := s.snapshot, s.subscribers()
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

// Subscribe registers fn to receive the event snapshot after every
// mutation. The returned function removes the subscription.
func (s *Store) Subscribe(fn func([]event.Event)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// rebuildSnapshot recomputes the immutable snapshot. Caller holds s.mu.
func (s *Store) rebuildSnapshot() {
	snap := make([]event.Event, s.size)
	for i := 0; i < s.size; i++ {
		snap[i] = s.ring[(s.head+i)%len(s.ring)]
	}
	s.snapshot = snap
}

// subscribers copies the current callback set. Caller holds s.mu; the
// copy lets notification run outside the critical section.
func (s *Store) subscribers() []func([]event.Event) {
	out := make([]func([]event.Event), 0, len(s.subs))
	for _, fn := range s.subs {
		out = append(out, fn)
	}
	return out
}
