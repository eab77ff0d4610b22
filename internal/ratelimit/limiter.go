package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds configuration for the rate limiter.
type Config struct {
	// RequestsPerSecond is the sustained rate per key. <= 0 disables limiting.
	RequestsPerSecond float64
	// Burst is the bucket capacity per key (default 10).
	Burst int

	// IdleTTL drops a key's limiter after it has been unused this long
	// (default 10m). CleanupInterval <= 0 disables the background sweep.
	IdleTTL         time.Duration
	CleanupInterval time.Duration

	Now func() time.Time
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per caller key.
type Limiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry

	stop chan struct{}
	once sync.Once
}

// NewLimiter creates a limiter and starts its cleanup loop when configured.
func NewLimiter(cfg Config) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	l := &Limiter{
		limit:   rate.Limit(cfg.RequestsPerSecond),
		burst:   cfg.Burst,
		idle:    cfg.IdleTTL,
		now:     cfg.Now,
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		go l.cleanupLoop(cfg.CleanupInterval)
	}
	return l
}

// Enabled reports whether requests are limited at all.
func (l *Limiter) Enabled() bool { return l != nil && l.limit > 0 }

// Limit returns the configured burst, used for the X-RateLimit-Limit header.
func (l *Limiter) Limit() int { return l.burst }

// Allow consumes one token for key and reports whether the request may proceed.
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	now := l.now()
	e := l.get(key, now)
	return e.lim.AllowN(now, 1)
}

// Remaining returns the whole tokens left for key.
func (l *Limiter) Remaining(key string) int {
	if !l.Enabled() {
		return l.burst
	}
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if !ok {
		return l.burst
	}
	n := int(e.lim.TokensAt(l.now()))
	if n < 0 {
		n = 0
	}
	return n
}

// RetryAfter estimates how long key must wait for the next token.
func (l *Limiter) RetryAfter(key string) time.Duration {
	if !l.Enabled() {
		return 0
	}
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if !ok {
		return 0
	}
	missing := 1 - e.lim.TokensAt(l.now())
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / float64(l.limit) * float64(time.Second))
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Close stops background cleanup.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) get(key string, now time.Time) *entry {
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if ok {
		l.mu.Lock()
		e.lastSeen = now
		l.mu.Unlock()
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Double-check after acquiring write lock
	if e, ok = l.entries[key]; ok {
		e.lastSeen = now
		return e
	}
	e = &entry{lim: rate.NewLimiter(l.limit, l.burst), lastSeen: now}
	l.entries[key] = e
	return e
}

func (l *Limiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

// cleanup removes limiters idle longer than IdleTTL and returns how many.
func (l *Limiter) cleanup() int {
	cutoff := l.now().Add(-l.idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}
