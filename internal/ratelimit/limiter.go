package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limit settings. A zero Rate disables limiting.
type Config struct {
	Rate  float64 // requests per second refill rate
	Burst int     // maximum burst size (bucket capacity)
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks per-user token buckets for chat requests.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	entries map[string]*entry
}

func NewLimiter(cfg Config) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Limiter{
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
}

// Allow reports whether key may start another request now.
func (l *Limiter) Allow(key string) bool {
	if l == nil || l.cfg.Rate <= 0 {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(l.cfg.Rate), l.cfg.Burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// Prune drops buckets idle for longer than maxIdle so the map tracks only
// recently active users.
func (l *Limiter) Prune(maxIdle time.Duration) int {
	if l == nil {
		return 0
	}
	cutoff := time.Now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, k)
			n++
		}
	}
	return n
}
