// Package ratelimit keeps one token bucket per key.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultTTL           = 10 * time.Minute
	DefaultCleanupPeriod = time.Minute
)

type entry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// Pool hands out a limiter per key and forgets keys idle for longer than
// its TTL. A Pool with rps <= 0 allows everything.
type Pool struct {
	rps   rate.Limit
	burst int

	mu    sync.Mutex
	m     map[string]*entry
	now   func() time.Time
	ttl   time.Duration
	start sync.Once
	stop  chan struct{}
	once  sync.Once
}

func New(rps float64, burst int) *Pool {
	if burst <= 0 {
		burst = 1
	}
	return &Pool{
		rps:   rate.Limit(rps),
		burst: burst,
		m:     make(map[string]*entry),
		now:   time.Now,
		ttl:   DefaultTTL,
		stop:  make(chan struct{}),
	}
}

// Allow reports whether a request for key may proceed now.
func (p *Pool) Allow(key string) bool {
	if p == nil || p.rps <= 0 {
		return true
	}
	p.start.Do(func() { go p.cleanupLoop(DefaultCleanupPeriod) })
	return p.get(key).AllowN(p.now(), 1)
}

func (p *Pool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if e, ok := p.m[key]; ok {
		e.lastSeen = now
		return e.l
	}
	l := rate.NewLimiter(p.rps, p.burst)
	p.m[key] = &entry{l: l, lastSeen: now}
	return l
}

// Len returns the number of tracked keys.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// Stop ends the cleanup goroutine.
func (p *Pool) Stop() {
	if p == nil {
		return
	}
	p.once.Do(func() { close(p.stop) })
}

func (p *Pool) cleanupLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stop:
			return
		}
	}
}

// sweep drops limiters unused for longer than the TTL.
func (p *Pool) sweep() {
	cutoff := p.now().Add(-p.ttl)
	p.mu.Lock()
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
		}
	}
	p.mu.Unlock()
}
