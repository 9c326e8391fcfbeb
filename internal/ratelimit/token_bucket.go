// Package ratelimit implements token buckets keyed by caller identity. The
// rate-limit plugin keeps one Store per configured scope (user, tenant or
// server) and asks it once per hook call.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Limiter is a single token bucket.
type Limiter struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	burst      float64
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// New creates a full bucket refilling at rate tokens per second. A burst
// below 1 defaults to max(1, rate).
func New(rate, burst float64) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate, burst float64, now func() time.Time) *Limiter {
	if burst < 1 {
		burst = math.Max(1, rate)
	}
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     burst,
		lastRefill: now(),
		now:        now,
	}
}

// Allow takes one token if available.
func (l *Limiter) Allow() bool {
	ok, _ := l.Reserve()
	return ok
}

// Reserve takes one token if available. When the bucket is empty it
// reports how long until the next token.
func (l *Limiter) Reserve() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.tokens = math.Min(l.burst, l.tokens+elapsed*l.rate)
	l.lastRefill = now

	if l.tokens >= 1 {
		l.tokens--
		return true, 0
	}
	if l.rate <= 0 {
		return false, 0
	}
	wait := time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
	return false, wait
}

// full reports whether the bucket has refilled completely.
func (l *Limiter) full() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	elapsed := l.now().Sub(l.lastRefill).Seconds()
	return l.tokens+elapsed*l.rate >= l.burst
}

type entry struct {
	limiter  *Limiter
	lastSeen time.Time
}

// Store holds one Limiter per key, created on first use.
type Store struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     float64
	burst    float64
	now      func() time.Time
}

// NewStore creates an empty store whose buckets share rate and burst.
func NewStore(rate, burst float64) *Store {
	return &Store{
		limiters: make(map[string]*entry),
		rate:     rate,
		burst:    burst,
		now:      time.Now,
	}
}

// Allow takes a token from key's bucket.
func (s *Store) Allow(key string) bool {
	ok, _ := s.Reserve(key)
	return ok
}

// Reserve takes a token from key's bucket and reports the retry delay when
// none is left.
func (s *Store) Reserve(key string) (bool, time.Duration) {
	s.mu.Lock()
	e, ok := s.limiters[key]
	if !ok {
		e = &entry{limiter: newLimiter(s.rate, s.burst, s.now)}
		s.limiters[key] = e
	}
	e.lastSeen = s.now()
	s.mu.Unlock()

	return e.limiter.Reserve()
}

// Prune drops buckets that have not been used for idle and are full again,
// so dropping them changes no caller's budget. It returns the number
// removed.
func (s *Store) Prune(idle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-idle)
	n := 0
	for key, e := range s.limiters {
		if e.lastSeen.Before(cutoff) && e.limiter.full() {
			delete(s.limiters, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}
