// Package ratelimit provides per-key token bucket limiting for the observer
// HTTP surface.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter keeps one token bucket per key, such as a client IP, and
// forgets buckets that have been idle for the cleanup interval.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	limit    rate.Limit
	burst    int
	cleanup  time.Duration
	now      func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyed creates a per-key limiter allowing perSecond events with bursts
// up to burst. A cleanup interval of zero disables idle eviction.
func NewKeyed(perSecond float64, burst int, cleanup time.Duration) *KeyedLimiter {
	kl := &KeyedLimiter{
		limiters: make(map[string]*entry),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		cleanup:  cleanup,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	if cleanup > 0 {
		go kl.cleanupLoop()
	}
	return kl
}

// Allow reports whether an event for key may happen now.
func (kl *KeyedLimiter) Allow(key string) bool {
	now := kl.now()

	kl.mu.Lock()
	e, ok := kl.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(kl.limit, kl.burst)}
		kl.limiters[key] = e
	}
	e.lastSeen = now
	kl.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// Len returns the number of tracked keys.
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.limiters)
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (kl *KeyedLimiter) Close() {
	kl.stopOnce.Do(func() { close(kl.stopCh) })
}

// evict removes buckets idle for longer than the cleanup interval.
func (kl *KeyedLimiter) evict() int {
	cutoff := kl.now().Add(-kl.cleanup)

	kl.mu.Lock()
	defer kl.mu.Unlock()
	removed := 0
	for key, e := range kl.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(kl.limiters, key)
			removed++
		}
	}
	return removed
}

func (kl *KeyedLimiter) cleanupLoop() {
	ticker := time.NewTicker(kl.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-kl.stopCh:
			return
		case <-ticker.C:
			if n := kl.evict(); n > 0 {
				log.WithField("evicted", n).Debug("evicted idle rate limiters")
			}
		}
	}
}
