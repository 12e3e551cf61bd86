package aigw

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/openai/openai-go"
)

type fakeProvider struct {
	calls    atomic.Int32
	generate func(call int, req Request) (string, error)
}

func (f *fakeProvider) Generate(_ context.Context, req Request) (string, error) {
	n := int(f.calls.Add(1))
	return f.generate(n, req)
}

func staticFactory(p Provider) Factory {
	return func(context.Context) (Provider, error) { return p, nil }
}

type recordedSleeps struct {
	delays []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func TestGenerateRetriesTransientErrorsFourTimes(t *testing.T) {
	provider := &fakeProvider{generate: func(int, Request) (string, error) {
		return "", errors.New("503 Service Unavailable: model overloaded")
	}}
	sleeps := &recordedSleeps{}
	gw := New(staticFactory(provider), WithSleep(sleeps.sleep))

	_, err := gw.Generate(context.Background(), "Content generation", "hi", Params{})
	if err == nil {
		t.Fatal("expected error")
	}

	if n := provider.calls.Load(); n != 4 {
		t.Fatalf("calls = %d, want 4", n)
	}
	if want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}; !slices.Equal(sleeps.delays, want) {
		t.Fatalf("delays = %v, want %v", sleeps.delays, want)
	}

	var retryErr *RetryError
	if !errors.As(err, &retryErr) || retryErr.Attempts != 4 {
		t.Fatalf("error = %#v", err)
	}
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("error %v should wrap ErrServiceUnavailable", err)
	}
	if want := "Content generation failed after 4 attempts. Last error: 503 Service Unavailable: model overloaded"; err.Error() != want {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestGenerateDoesNotRetryPermanentErrors(t *testing.T) {
	provider := &fakeProvider{generate: func(int, Request) (string, error) {
		return "", errors.New("invalid api key")
	}}
	sleeps := &recordedSleeps{}
	gw := New(staticFactory(provider), WithSleep(sleeps.sleep))

	_, err := gw.Generate(context.Background(), "Content generation", "hi", Params{})
	if err == nil || !strings.Contains(err.Error(), "invalid api key") {
		t.Fatalf("error = %v", err)
	}
	if n := provider.calls.Load(); n != 1 || len(sleeps.delays) != 0 {
		t.Fatalf("calls = %d, sleeps = %v", n, sleeps.delays)
	}
}

func TestGenerateSucceedsAfterTransientFailure(t *testing.T) {
	provider := &fakeProvider{generate: func(call int, req Request) (string, error) {
		if call < 3 {
			return "", fmt.Errorf("read: %w", syscall.ECONNRESET)
		}
		return "done", nil
	}}
	sleeps := &recordedSleeps{}
	gw := New(staticFactory(provider), WithSleep(sleeps.sleep))

	res, err := gw.Generate(context.Background(), "op", "hi", Params{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Text != "done" || res.Attempts != 3 || len(sleeps.delays) != 2 {
		t.Fatalf("result = %+v, sleeps = %v", res, sleeps.delays)
	}
}

func TestGenerateAppliesDefaultParams(t *testing.T) {
	var got Params
	provider := &fakeProvider{generate: func(_ int, req Request) (string, error) {
		got = req.Params
		return "ok", nil
	}}
	gw := New(staticFactory(provider))

	if _, err := gw.Generate(context.Background(), "op", "hi", Params{Temperature: 0.4, MaxOutputTokens: 4096}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if want := (Params{Temperature: 0.4, MaxOutputTokens: 4096, TopK: 40, TopP: 0.95}); got != want {
		t.Fatalf("params = %+v, want %+v", got, want)
	}
}

func TestEmptyResponseIsAnError(t *testing.T) {
	provider := &fakeProvider{generate: func(int, Request) (string, error) { return "   ", nil }}
	gw := New(staticFactory(provider), WithSleep((&recordedSleeps{}).sleep))

	_, err := gw.Generate(context.Background(), "op", "hi", Params{})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("error = %v", err)
	}
	if n := provider.calls.Load(); n != 1 {
		t.Fatalf("calls = %d", n)
	}
}

func TestLazyInitFailureFailsFast(t *testing.T) {
	var factoryCalls atomic.Int32
	gw := New(func(context.Context) (Provider, error) {
		factoryCalls.Add(1)
		return nil, errors.New("missing credentials")
	})
	if gw.State() != StateUninitialized {
		t.Fatalf("state = %v", gw.State())
	}

	for range 3 {
		_, err := gw.Generate(context.Background(), "op", "hi", Params{})
		var initErr *InitError
		if !errors.Is(err, ErrServiceUnavailable) || !errors.As(err, &initErr) {
			t.Fatalf("error = %v", err)
		}
	}
	if n := factoryCalls.Load(); n != 1 {
		t.Fatalf("factory calls = %d", n)
	}
	if gw.State() != StateFailed {
		t.Fatalf("state = %v", gw.State())
	}
}

func TestLazyInitHappensOnFirstUse(t *testing.T) {
	var built atomic.Bool
	provider := &fakeProvider{generate: func(int, Request) (string, error) { return "ok", nil }}
	gw := New(func(context.Context) (Provider, error) {
		built.Store(true)
		return provider, nil
	})
	if built.Load() {
		t.Fatal("provider built before first use")
	}

	if _, err := gw.Generate(context.Background(), "op", "hi", Params{}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !built.Load() || gw.State() != StateReady {
		t.Fatalf("built = %v, state = %v", built.Load(), gw.State())
	}
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	provider := &fakeProvider{generate: func(int, Request) (string, error) {
		cancel()
		return "", errors.New("429 Too Many Requests")
	}}
	gw := New(staticFactory(provider))

	if _, err := gw.Generate(ctx, "op", "hi", Params{}); err == nil {
		t.Fatal("expected error")
	}
	if n := provider.calls.Load(); n != 1 {
		t.Fatalf("calls = %d", n)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "overloaded", err: errors.New("model is overloaded"), want: true},
		{name: "rate limit text", err: errors.New("Too Many Requests"), want: true},
		{name: "timeout text", err: errors.New("i/o timeout"), want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "econnreset", err: fmt.Errorf("write: %w", syscall.ECONNRESET), want: true},
		{name: "api 429", err: &openai.Error{StatusCode: http.StatusTooManyRequests}, want: true},
		{name: "api 503", err: &openai.Error{StatusCode: http.StatusServiceUnavailable}, want: true},
		{name: "api 401", err: &openai.Error{StatusCode: http.StatusUnauthorized}, want: false},
		{name: "bad request", err: errors.New("malformed request"), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestRetryPolicyDelayIsCapped(t *testing.T) {
	p := DefaultRetryPolicy()
	for attempt, want := range map[int]time.Duration{0: time.Second, 3: 8 * time.Second, 5: 30 * time.Second, 20: 30 * time.Second} {
		if got := p.Delay(attempt); got != want {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, want)
		}
	}
}
