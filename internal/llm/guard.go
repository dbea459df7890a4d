package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/chatflow/internal/circuitbreaker"
	"github.com/Kocoro-lab/chatflow/internal/metrics"
)

// GuardOptions tunes a Guard.
type GuardOptions struct {
	Provider string
	Timeout  time.Duration
	// RequestsPerSecond <= 0 disables local rate limiting.
	RequestsPerSecond float64
	Burst             int
	Breaker           circuitbreaker.Settings
}

// Guard bounds calls to an inner Generator with a per-call timeout, a token
// bucket and a circuit breaker. It records generation metrics but never retries.
type Guard struct {
	inner    Generator
	provider string
	timeout  time.Duration
	limiter  *rate.Limiter
	breaker  *circuitbreaker.Guard
	logger   *zap.Logger
}

// NewGuard wraps inner.
func NewGuard(inner Generator, opts GuardOptions, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Provider == "" {
		opts.Provider = "unknown"
	}
	g := &Guard{
		inner:    inner,
		provider: opts.Provider,
		timeout:  opts.Timeout,
		breaker:  circuitbreaker.NewGuard(opts.Provider, "generation", opts.Breaker, logger),
		logger:   logger,
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return g
}

// BreakerState reports the breaker in front of the provider.
func (g *Guard) BreakerState() circuitbreaker.State { return g.breaker.State() }

func (g *Guard) Generate(ctx context.Context, req Request) (*Response, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			metrics.RecordGeneration(g.provider, "rate_limited", 0, 0)
			return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
	}

	start := time.Now()
	var resp *Response
	err := g.breaker.Do(ctx, func() error {
		var callErr error
		resp, callErr = g.inner.Generate(ctx, req)
		return callErr
	})
	elapsed := time.Since(start).Seconds()

	if err != nil {
		metrics.RecordGeneration(g.provider, "error", elapsed, 0)
		g.logger.Warn("Generation failed",
			zap.String("provider", g.provider),
			zap.Float64("elapsed_s", elapsed),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%s generation: %w", g.provider, err)
	}
	if resp == nil {
		metrics.RecordGeneration(g.provider, "error", elapsed, 0)
		return nil, ErrNoChoices
	}
	metrics.RecordGeneration(g.provider, "ok", elapsed, resp.TokensUsed)
	return resp, nil
}
