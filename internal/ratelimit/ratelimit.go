// Package ratelimit provides token buckets for socket frames and HTTP
// callers.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket refilled at rate tokens per second up to burst.
type Limiter struct {
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
	now    func() time.Time
	mu     sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rate:   rate,
		burst:  float64(burst),
		tokens: float64(burst),
		last:   now(),
		now:    now,
	}
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

// AllowN takes n tokens if they are all available.
func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}
	return false
}

// Tokens reports the tokens currently available.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.tokens
}

func (l *Limiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.last).Seconds()
	l.last = now
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
}

// KeyedLimiters hands out one Limiter per key, such as a caller address.
type KeyedLimiters struct {
	limiters map[string]*Limiter
	seen     map[string]time.Time
	rate     float64
	burst    int
	idle     time.Duration
	mu       sync.Mutex
	stop     chan struct{}
	once     sync.Once
}

// NewKeyedLimiters starts a janitor that drops limiters idle for longer
// than idle.
func NewKeyedLimiters(rate float64, burst int, idle time.Duration) *KeyedLimiters {
	kl := &KeyedLimiters{
		limiters: make(map[string]*Limiter),
		seen:     make(map[string]time.Time),
		rate:     rate,
		burst:    burst,
		idle:     idle,
		stop:     make(chan struct{}),
	}
	if idle > 0 {
		go kl.cleanup()
	}
	return kl
}

func (kl *KeyedLimiters) Get(key string) *Limiter {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	kl.seen[key] = time.Now()
	if l, ok := kl.limiters[key]; ok {
		return l
	}
	l := NewLimiter(kl.rate, kl.burst)
	kl.limiters[key] = l
	return l
}

// Allow is shorthand for Get(key).Allow().
func (kl *KeyedLimiters) Allow(key string) bool {
	return kl.Get(key).Allow()
}

func (kl *KeyedLimiters) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.limiters)
}

func (kl *KeyedLimiters) Stop() {
	kl.once.Do(func() { close(kl.stop) })
}

func (kl *KeyedLimiters) cleanup() {
	ticker := time.NewTicker(kl.idle)
	defer ticker.Stop()

	for {
		select {
		case <-kl.stop:
			return
		case now := <-ticker.C:
			kl.evict(now)
		}
	}
}

func (kl *KeyedLimiters) evict(now time.Time) {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	for key, at := range kl.seen {
		if now.Sub(at) > kl.idle {
			delete(kl.seen, key)
			delete(kl.limiters, key)
		}
	}
}
