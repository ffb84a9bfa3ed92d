package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per key. Buckets idle for longer than ttl
// are dropped by a background sweep; Stop ends the sweep.
type Limiter struct {
	burst int
	every rate.Limit
	ttl   time.Duration
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[string]*entry

	stop chan struct{}
	once sync.Once
}

// New creates a limiter allowing burst requests per key, refilled at
// perSecond tokens per second. ttl of 0 keeps buckets forever.
func New(burst int, perSecond float64, ttl time.Duration, clock clockwork.Clock) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	l := &Limiter{
		burst:   burst,
		every:   rate.Limit(perSecond),
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
	if ttl > 0 {
		go l.sweep()
	}
	return l
}

// Allow consumes one token for key, reporting false when the bucket is empty.
func (l *Limiter) Allow(key string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.every, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// Reset forgets the bucket for key, restoring full burst.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) sweep() {
	ticker := l.clock.NewTicker(l.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.Chan():
			l.evictIdle()
		}
	}
}

func (l *Limiter) evictIdle() {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.entries {
		if now.Sub(e.lastSeen) > l.ttl {
			delete(l.entries, key)
		}
	}
}
