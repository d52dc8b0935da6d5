package util

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter allows at most one event per key per interval. Callers pass
// the current time explicitly so behavior is deterministic under test.
type KeyedLimiter struct {
	interval time.Duration
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewKeyedLimiter creates a limiter with the given minimum interval between
// allowed events for the same key. A non-positive interval allows everything.
func NewKeyedLimiter(interval time.Duration) *KeyedLimiter {
	return &KeyedLimiter{
		interval: interval,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether an event for key may happen at now, consuming the
// allowance if so.
func (k *KeyedLimiter) Allow(key string, now time.Time) bool {
	if k == nil || k.interval <= 0 {
		return true
	}
	return k.limiter(key).AllowN(now, 1)
}

// Ready reports whether Allow would succeed at now without consuming it.
func (k *KeyedLimiter) Ready(key string, now time.Time) bool {
	if k == nil || k.interval <= 0 {
		return true
	}
	return k.limiter(key).TokensAt(now) >= 1
}

// Forget drops the state for key.
func (k *KeyedLimiter) Forget(key string) {
	if k == nil {
		return
	}
	k.mu.Lock()
	delete(k.limiters, key)
	k.mu.Unlock()
}

func (k *KeyedLimiter) limiter(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	lim, ok := k.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(k.interval), 1)
		k.limiters[key] = lim
	}
	return lim
}
