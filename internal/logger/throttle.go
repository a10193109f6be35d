package logger

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// Throttle gates repeated log lines per key. Allow returns true at most
// once per interval for a key; suppressed calls are counted and the count
// is handed back on the next allowed call.
type Throttle struct {
	interval time.Duration
	seen     *cache.Cache
}

// NewThrottle creates a throttle. Expired keys are evicted lazily, so no
// janitor goroutine is started.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{
		interval: interval,
		seen:     cache.New(interval, 0),
	}
}

// Allow reports whether a line for key may be logged now.
func (t *Throttle) Allow(key string) bool {
	if err := t.seen.Add(key, 0, t.interval); err == nil {
		t.seen.Delete(suppressedKey(key))
		return true
	}
	if _, err := t.seen.IncrementInt(suppressedKey(key), 1); err != nil {
		t.seen.Set(suppressedKey(key), 1, cache.NoExpiration)
	}
	return false
}

// AllowWithCount is Allow, but returns the number of calls suppressed
// while the key was gated.
func (t *Throttle) AllowWithCount(key string) (bool, int) {
	suppressed := 0
	if v, ok := t.seen.Get(suppressedKey(key)); ok {
		if n, ok := v.(int); ok {
			suppressed = n
		}
	}
	if !t.Allow(key) {
		return false, 0
	}
	return true, suppressed
}

func suppressedKey(key string) string {
	return key + "#suppressed"
}
