// Package ratelimit keeps a token bucket per caller for the AI endpoints.
package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const idleAfter = 10 * time.Minute

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	limit     rate.Limit
	burst     int
	perMinute int
	now       func() time.Time
}

type bucket struct {
	tokens   *rate.Limiter
	lastSeen time.Time
}

// New allows perMinute requests per key with the given burst.
func New(perMinute, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		buckets:   make(map[string]*bucket),
		limit:     rate.Limit(float64(perMinute) / 60),
		burst:     burst,
		perMinute: perMinute,
		now:       time.Now,
	}
}

func (l *Limiter) Allow(key string) Decision {
	now := l.now()
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	r := b.tokens.ReserveN(now, 1)
	d := Decision{Limit: l.perMinute}
	if r.OK() && r.DelayFrom(now) == 0 {
		d.Allowed = true
	} else {
		if r.OK() {
			d.RetryAfter = r.DelayFrom(now)
			r.CancelAt(now)
		}
		if d.RetryAfter < time.Second {
			d.RetryAfter = time.Second
		}
	}
	d.Remaining = max(int(b.tokens.TokensAt(now)), 0)
	return d
}

// Sweep drops buckets that have been idle and refilled.
func (l *Limiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > idleAfter && b.tokens.TokensAt(now) >= float64(l.burst) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Run sweeps periodically until ctx ends.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(idleAfter)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// WriteHeaders sets the X-RateLimit headers, plus Retry-After when refused.
func WriteHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
	}
}
