// Package ratelimit bounds how many alerts per incident may be sent per
// time window.
package ratelimit

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limiter maintains one token bucket per incident hash (or category, when
// no hash is available yet). Buckets are created lazily and evicted
// least-recently-used once maxKeys is exceeded, bounding memory for
// long-running processes. Safe for concurrent use.
type Limiter struct {
	tokens  int
	window  time.Duration
	maxKeys int

	mu      sync.Mutex
	buckets map[string]*list.Element
	order   *list.List // front = most recently used

	rejected atomic.Uint64
	bypassed atomic.Uint64
}

type entry struct {
	key     string
	limiter *rate.Limiter
}

// New creates a Limiter admitting at most tokens events per key per
// window, tracking at most maxKeys distinct keys.
func New(tokens int, window time.Duration, maxKeys int) *Limiter {
	if tokens < 1 {
		tokens = 1
	}
	if maxKeys < 1 {
		maxKeys = 1
	}
	return &Limiter{
		tokens:  tokens,
		window:  window,
		maxKeys: maxKeys,
		buckets: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Allow reports whether an event for key may proceed, consuming one token
// when it may. Critical events bypass the bucket entirely; a storm of
// critical events can still flood the sink, an accepted tradeoff.
func (l *Limiter) Allow(key string, critical bool) bool {
	if critical {
		l.bypassed.Add(1)
		return true
	}

	l.mu.Lock()
	elem, ok := l.buckets[key]
	if !ok {
		elem = l.order.PushFront(&entry{
			key:     key,
			limiter: rate.NewLimiter(rate.Limit(float64(l.tokens)/l.window.Seconds()), l.tokens),
		})
		l.buckets[key] = elem
		l.evictLocked()
	} else {
		l.order.MoveToFront(elem)
	}
	bucket := elem.Value.(*entry).limiter
	l.mu.Unlock()

	if !bucket.Allow() {
		l.rejected.Add(1)
		return false
	}
	return true
}

// Rejected returns the number of events dropped by rate limiting.
func (l *Limiter) Rejected() uint64 {
	return l.rejected.Load()
}

// Bypassed returns the number of critical events that skipped the bucket.
func (l *Limiter) Bypassed() uint64 {
	return l.bypassed.Load()
}

// Keys returns the number of tracked buckets.
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// evictLocked drops least-recently-used buckets beyond maxKeys.
// Caller holds l.mu.
func (l *Limiter) evictLocked() {
	for len(l.buckets) > l.maxKeys {
		oldest := l.order.Back()
		if oldest == nil {
			return
		}
		l.order.Remove(oldest)
		delete(l.buckets, oldest.Value.(*entry).key)
	}
}
