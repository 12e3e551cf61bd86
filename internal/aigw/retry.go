package aigw

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/openai/openai-go"
)

type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// DefaultRetryPolicy: 4 attempts, 1s/2s/4s between them, never more than 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  1000 * time.Millisecond,
		Multiplier: 2,
		MaxDelay:   30000 * time.Millisecond,
	}
}

// Delay returns the pause before retry number attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

var transientMarkers = []string{
	"503",
	"Service Unavailable",
	"overloaded",
	"429",
	"Too Many Requests",
	"ECONNRESET",
	"ETIMEDOUT",
}

// IsTransient reports whether err is worth another attempt: overload, rate
// limiting, connection resets and timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := err.Error()
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "timeout") || strings.Contains(lower, "connection reset")
}
