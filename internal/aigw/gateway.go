// Package aigw is the single entry point to the upstream text-generation
// provider. It owns lazy client initialisation and the retry/backoff policy.
package aigw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cowrite/api/internal/telemetry"
)

type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "uninitialized"
	}
}

var (
	ErrServiceUnavailable = errors.New("AI service is not available")
	ErrEmptyResponse      = errors.New("No response generated from AI service")
)

// Params are the sampling knobs passed through to the provider. Zero values
// take the defaults below.
type Params struct {
	Temperature     float64
	MaxOutputTokens int
	TopK            int
	TopP            float64
}

func (p Params) withDefaults() Params {
	if p.Temperature == 0 {
		p.Temperature = 0.7
	}
	if p.MaxOutputTokens == 0 {
		p.MaxOutputTokens = 2048
	}
	if p.TopK == 0 {
		p.TopK = 40
	}
	if p.TopP == 0 {
		p.TopP = 0.95
	}
	return p
}

type Request struct {
	Prompt     string
	Params     Params
	SchemaName string
	Schema     any
}

type Provider interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Factory builds the upstream provider. It runs at most once per Gateway.
type Factory func(ctx context.Context) (Provider, error)

type Result struct {
	Text     string
	Attempts int
}

// InitError is returned for every call after the factory failed.
type InitError struct {
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("AI service is not initialized: %v", e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

func (e *InitError) Is(target error) bool { return target == ErrServiceUnavailable }

// RetryError is the terminal failure of a gateway call.
type RetryError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts. Last error: %v", e.Op, e.Attempts, e.Last)
}

func (e *RetryError) Unwrap() error { return e.Last }

func (e *RetryError) Is(target error) bool { return target == ErrServiceUnavailable }

type Gateway struct {
	factory        Factory
	policy         RetryPolicy
	sleep          func(context.Context, time.Duration) error
	attemptTimeout time.Duration
	logger         *slog.Logger

	once     sync.Once
	provider Provider
	initErr  error
	state    atomic.Int32
}

type Option func(*Gateway)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(g *Gateway) { g.policy = p }
}

// WithSleep replaces the backoff sleep. Tests use it to record delays.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(g *Gateway) { g.sleep = fn }
}

func WithAttemptTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.attemptTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

func New(factory Factory, opts ...Option) *Gateway {
	g := &Gateway{
		factory: factory,
		policy:  DefaultRetryPolicy(),
		sleep:   sleepContext,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) State() State {
	return State(g.state.Load())
}

func (g *Gateway) ensureReady(ctx context.Context) (Provider, error) {
	g.once.Do(func() {
		if g.factory == nil {
			g.initErr = errors.New("no provider configured")
		} else {
			g.provider, g.initErr = g.factory(context.WithoutCancel(ctx))
			if g.initErr == nil && g.provider == nil {
				g.initErr = errors.New("provider factory returned nil")
			}
		}
		if g.initErr != nil {
			g.state.Store(int32(StateFailed))
			g.logger.ErrorContext(ctx, "AI gateway initialization failed", "error", g.initErr)
			return
		}
		g.state.Store(int32(StateReady))
		g.logger.InfoContext(ctx, "AI gateway initialized")
	})
	if g.initErr != nil {
		return nil, &InitError{Err: g.initErr}
	}
	return g.provider, nil
}

// Generate runs prompt through the provider with the retry policy. op names the
// operation in logs and in the terminal error message.
func (g *Gateway) Generate(ctx context.Context, op, prompt string, params Params) (Result, error) {
	return g.do(ctx, op, Request{Prompt: prompt, Params: params.withDefaults()})
}

// GenerateStructured asks the provider for JSON matching schema.
func (g *Gateway) GenerateStructured(ctx context.Context, op, prompt string, params Params, schemaName string, schema any) (Result, error) {
	return g.do(ctx, op, Request{
		Prompt:     prompt,
		Params:     params.withDefaults(),
		SchemaName: schemaName,
		Schema:     schema,
	})
}

// HealthCheck sends a tiny prompt and reports whether text came back.
func (g *Gateway) HealthCheck(ctx context.Context) bool {
	res, err := g.Generate(ctx, "Health check", "Hello, this is a test message.", Params{
		Temperature:     0.1,
		MaxOutputTokens: 50,
	})
	if err != nil {
		g.logger.WarnContext(ctx, "AI health check failed", "error", err)
		return false
	}
	return res.Text != ""
}

func (g *Gateway) do(ctx context.Context, op string, req Request) (Result, error) {
	provider, err := g.ensureReady(ctx)
	if err != nil {
		return Result{}, err
	}

	maxAttempts := g.policy.MaxRetries + 1
	var last error
	attempts := 0
	for attempt := 0; attempt < maxAttempts; attempt++ {
		attempts = attempt + 1
		text, err := g.attempt(ctx, op, attempt, provider, req)
		if err == nil {
			if attempt > 0 {
				g.logger.InfoContext(ctx, "AI call succeeded after retry", "op", op, "attempt", attempts)
			}
			return Result{Text: text, Attempts: attempts}, nil
		}
		last = err
		g.logger.WarnContext(ctx, "AI call failed", "op", op, "attempt", attempts, "error", err)

		if ctx.Err() != nil || attempt == maxAttempts-1 || !IsTransient(err) {
			break
		}
		delay := g.policy.Delay(attempt)
		g.logger.InfoContext(ctx, "retrying AI call", "op", op, "delay_ms", delay.Milliseconds())
		if err := g.sleep(ctx, delay); err != nil {
			last = err
			break
		}
	}
	return Result{}, &RetryError{Op: op, Attempts: attempts, Last: last}
}

func (g *Gateway) attempt(ctx context.Context, op string, attempt int, provider Provider, req Request) (string, error) {
	if g.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.attemptTimeout)
		defer cancel()
	}
	ctx, span := telemetry.StartSpan(ctx, "aigw.attempt", trace.WithAttributes(
		attribute.String("op", op),
		attribute.Int("attempt", attempt+1),
	))
	defer span.End()

	text, err := provider.Generate(ctx, req)
	if err == nil && strings.TrimSpace(text) == "" {
		err = ErrEmptyResponse
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return text, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
