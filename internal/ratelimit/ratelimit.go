package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a per-connection token bucket that also counts rejected frames.
// Not safe for concurrent use; each connection owns its limiter.
type Limiter struct {
	limiter    *rate.Limiter
	violations int
	max        int
}

// DefaultMaxViolations is how many rejected frames a connection may send before
// it is considered abusive.
const DefaultMaxViolations = 1000

func NewLimiter(perSecond float64, burst int) *Limiter {
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		max:     DefaultMaxViolations,
	}
}

// Allow consumes one token. When it returns false the violation counter is
// incremented; Violations reports the running total.
func (l *Limiter) Allow() bool {
	if l.limiter.Allow() {
		return true
	}
	l.violations++
	return false
}

func (l *Limiter) Violations() int {
	return l.violations
}

// ShouldWarn is true on the first violation and every 100th after it.
func (l *Limiter) ShouldWarn() bool {
	return l.violations%100 == 1
}

// Exceeded reports whether the connection should be dropped.
func (l *Limiter) Exceeded() bool {
	return l.violations > l.max
}

// KeyedLimiters hands out one rate.Limiter per key (e.g. remote address).
type KeyedLimiters struct {
	limiters        map[string]*rate.Limiter
	rate            rate.Limit
	burst           int
	mu              sync.Mutex
	cleanupInterval time.Duration
	maxKeys         int
	stop            chan struct{}
	stopOnce        sync.Once
}

func NewKeyedLimiters(perSecond float64, burst int) *KeyedLimiters {
	kl := &KeyedLimiters{
		limiters:        make(map[string]*rate.Limiter),
		rate:            rate.Limit(perSecond),
		burst:           burst,
		cleanupInterval: 5 * time.Minute,
		maxKeys:         10000,
		stop:            make(chan struct{}),
	}
	go kl.cleanup()
	return kl
}

func (kl *KeyedLimiters) Allow(key string) bool {
	return kl.get(key).Allow()
}

func (kl *KeyedLimiters) get(key string) *rate.Limiter {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	limiter, ok := kl.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(kl.rate, kl.burst)
		kl.limiters[key] = limiter
	}
	return limiter
}

func (kl *KeyedLimiters) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.limiters)
}

func (kl *KeyedLimiters) Stop() {
	kl.stopOnce.Do(func() { close(kl.stop) })
}

func (kl *KeyedLimiters) cleanup() {
	ticker := time.NewTicker(kl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-kl.stop:
			return
		case <-ticker.C:
			kl.mu.Lock()
			if len(kl.limiters) > kl.maxKeys {
				kl.limiters = make(map[string]*rate.Limiter)
			}
			kl.mu.Unlock()
		}
	}
}
