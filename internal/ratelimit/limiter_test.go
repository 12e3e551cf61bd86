package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"
)

func fixed(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestAllowWithinBurstThenRefuse(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(20, 5)
	l.now = fixed(start)

	for i := range 5 {
		if d := l.Allow("user:a"); !d.Allowed {
			t.Fatalf("request %d refused", i+1)
		}
	}
	d := l.Allow("user:a")
	if d.Allowed {
		t.Fatal("sixth request should be refused")
	}
	// 20/min refills one token every 3s
	if d.RetryAfter < 2900*time.Millisecond || d.RetryAfter > 3100*time.Millisecond {
		t.Fatalf("RetryAfter = %v, want about 3s", d.RetryAfter)
	}

	if d := l.Allow("user:b"); !d.Allowed {
		t.Fatal("other keys have their own bucket")
	}

	l.now = fixed(start.Add(4 * time.Second))
	if d := l.Allow("user:a"); !d.Allowed {
		t.Fatal("a token should have refilled")
	}
}

func TestSweepDropsIdleBuckets(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(60, 2)
	l.now = fixed(start)
	l.Allow("user:a")

	if n := l.Sweep(); n != 0 {
		t.Fatalf("swept %d fresh buckets", n)
	}
	l.now = fixed(start.Add(idleAfter + time.Minute))
	if n := l.Sweep(); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
}

func TestWriteHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteHeaders(rec, Decision{Allowed: false, Limit: 20, Remaining: 0, RetryAfter: 2500 * time.Millisecond})
	if got := rec.Header().Get("Retry-After"); got != "3" {
		t.Fatalf("Retry-After = %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "20" {
		t.Fatalf("X-RateLimit-Limit = %q", got)
	}
}
