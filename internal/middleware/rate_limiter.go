package middleware

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter controls how frequently a caller may perform an action.
type RateLimiter interface {
	Allow(key string) bool
}

// Policy shapes a token bucket: Requests per Window, with up to Burst at once.
type Policy struct {
	Requests int
	Window   time.Duration
	Burst    int
}

func (p Policy) normalized() Policy {
	if p.Requests <= 0 {
		p.Requests = 1
	}
	if p.Window <= 0 {
		p.Window = time.Second
	}
	if p.Burst <= 0 {
		p.Burst = 1
	}
	return p
}

type bucket struct {
	tokens   *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter keeps one token bucket per key. Keys look like "scope:client"; the
// scope picks the policy and unknown scopes use the fallback. Buckets idle for longer
// than the idle period are dropped, at most once per idle period.
type KeyedLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	policies  map[string]Policy
	fallback  Policy
	idle      time.Duration
	lastSweep time.Time
	clock     func() time.Time
}

// NewKeyedLimiter returns a limiter applying fallback to every scope.
func NewKeyedLimiter(fallback Policy, idle time.Duration) *KeyedLimiter {
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	now := time.Now()
	return &KeyedLimiter{
		buckets:   make(map[string]*bucket),
		policies:  make(map[string]Policy),
		fallback:  fallback.normalized(),
		idle:      idle,
		lastSweep: now,
		clock:     time.Now,
	}
}

// WithScope sets the policy used for keys prefixed with scope.
func (l *KeyedLimiter) WithScope(scope string, p Policy) *KeyedLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policies[scope] = p.normalized()
	return l
}

// Allow reports whether key may act now, spending a token if so.
func (l *KeyedLimiter) Allow(key string) bool {
	if key == "" {
		key = "unknown"
	}

	l.mu.Lock()
	now := l.clock()
	b, ok := l.buckets[key]
	if !ok {
		p := l.policyFor(key)
		b = &bucket{tokens: rate.NewLimiter(rate.Every(p.Window/time.Duration(p.Requests)), p.Burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	if now.Sub(l.lastSweep) >= l.idle {
		l.sweepLocked(now)
	}
	l.mu.Unlock()

	return b.tokens.AllowN(now, 1)
}

// Len reports how many keys hold a bucket.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// SetClock replaces the time source. Used by tests.
func (l *KeyedLimiter) SetClock(clock func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = clock
	l.lastSweep = clock()
}

func (l *KeyedLimiter) policyFor(key string) Policy {
	scope, _, found := strings.Cut(key, ":")
	if !found {
		return l.fallback
	}
	if p, ok := l.policies[scope]; ok {
		return p
	}
	return l.fallback
}

func (l *KeyedLimiter) sweepLocked(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idle {
			delete(l.buckets, key)
		}
	}
	l.lastSweep = now
}
