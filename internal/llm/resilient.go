package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixgeelhaar/fortify/bulkhead"
	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/felixgeelhaar/fortify/ratelimit"
	"github.com/felixgeelhaar/fortify/retry"

	"github.com/felixgeelhaar/proctor/internal/domain"
)

// attempt carries a provider result through the resilience stack. Content
// errors ride in err so they neither trip the breaker nor get retried.
type attempt struct {
	resp *Response
	err  error
}

// ResilientProvider wraps an LLM provider with resilience patterns from fortify
type ResilientProvider struct {
	provider       Provider
	circuitBreaker circuitbreaker.CircuitBreaker[*attempt]
	retrier        retry.Retry[*attempt]
	bulkhead       bulkhead.Bulkhead[*attempt]
	rateLimit      ratelimit.RateLimiter
	rateInterval   time.Duration
	logger         *slog.Logger
	name           string
}

// ResilientConfig holds configuration for resilient provider wrapper
type ResilientConfig struct {
	EnableCircuitBreaker bool `yaml:"circuit_breaker"`
	EnableRetry          bool `yaml:"retry"`
	EnableBulkhead       bool `yaml:"bulkhead"`
	EnableRateLimit      bool `yaml:"rate_limit"`

	// MaxAttempts for retry (default: 3)
	MaxAttempts int `yaml:"max_attempts" validate:"gte=0"`

	// InitialDelay before the first retry (default: 2s)
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxConcurrent for bulkhead (default: 5)
	MaxConcurrent int `yaml:"max_concurrent" validate:"gte=0"`

	// RatePerSecond for rate limiting (default: 2)
	RatePerSecond int `yaml:"rate_per_second" validate:"gte=0"`

	// Logger for resilience events
	Logger *slog.Logger `yaml:"-"`
}

// DefaultResilientConfig returns sensible defaults for LLM resilience
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		EnableCircuitBreaker: true,
		EnableRetry:          true,
		EnableBulkhead:       true,
		EnableRateLimit:      true,
		MaxAttempts:          3,
		InitialDelay:         2 * time.Second,
		MaxConcurrent:        5,
		RatePerSecond:        2,
	}
}

// NewResilientProvider wraps a provider with resilience patterns using fortify
func NewResilientProvider(provider Provider, cfg ResilientConfig) *ResilientProvider {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rp := &ResilientProvider{
		provider: provider,
		logger:   logger,
		name:     provider.Name(),
	}

	if cfg.EnableCircuitBreaker {
		rp.circuitBreaker = circuitbreaker.New[*attempt](circuitbreaker.Config{
			MaxRequests: 2,
			Interval:    10 * time.Second,
			Timeout:     60 * time.Second,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(from, to circuitbreaker.State) {
				rp.logger.Warn("circuit breaker state change",
					"provider", provider.Name(),
					"from", from.String(),
					"to", to.String())
			},
		})
	}

	if cfg.EnableRetry {
		attempts := cfg.MaxAttempts
		if attempts <= 0 {
			attempts = 3
		}
		delay := cfg.InitialDelay
		if delay <= 0 {
			delay = 2 * time.Second
		}
		rp.retrier = retry.New[*attempt](retry.Config{
			MaxAttempts:   attempts,
			InitialDelay:  delay,
			MaxDelay:      60 * time.Second,
			Multiplier:    2.0,
			BackoffPolicy: retry.BackoffExponential,
			Jitter:        true,
			IsRetryable:   isRetryable,
		})
	}

	if cfg.EnableBulkhead {
		maxConcurrent := cfg.MaxConcurrent
		if maxConcurrent <= 0 {
			maxConcurrent = 5
		}
		rp.bulkhead = bulkhead.New[*attempt](bulkhead.Config{
			MaxConcurrent: maxConcurrent,
			MaxQueue:      maxConcurrent * 2,
			QueueTimeout:  30 * time.Second,
		})
	}

	if cfg.EnableRateLimit {
		rate := cfg.RatePerSecond
		if rate <= 0 {
			rate = 2
		}
		rp.rateLimit = ratelimit.New(&ratelimit.Config{
			Rate:     rate,
			Burst:    rate * 3,
			Interval: time.Second,
		})
		rp.rateInterval = time.Second / time.Duration(rate)
	}

	return rp
}

func (p *ResilientProvider) Name() string {
	return p.provider.Name()
}

// Generate runs the request through rate limit, breaker, retry and bulkhead.
// A service failure that escapes the stack, including an open breaker, is
// reported as a service error.
func (p *ResilientProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	if err := p.waitForToken(ctx); err != nil {
		return nil, err
	}

	call := func(ctx context.Context) (*attempt, error) {
		resp, err := p.provider.Generate(ctx, req)
		if err != nil && !domain.IsServiceError(err) && !isContextErr(err) {
			return &attempt{err: err}, nil
		}
		return &attempt{resp: resp}, err
	}

	operation := call
	if p.bulkhead != nil {
		operation = func(ctx context.Context) (*attempt, error) {
			return p.bulkhead.Execute(ctx, call)
		}
	}

	var (
		a   *attempt
		err error
	)
	switch {
	case p.circuitBreaker != nil && p.retrier != nil:
		a, err = p.circuitBreaker.Execute(ctx, func(ctx context.Context) (*attempt, error) {
			return p.retrier.Do(ctx, operation)
		})
	case p.circuitBreaker != nil:
		a, err = p.circuitBreaker.Execute(ctx, operation)
	case p.retrier != nil:
		a, err = p.retrier.Do(ctx, operation)
	default:
		a, err = operation(ctx)
	}

	if err != nil {
		if isContextErr(err) || domain.IsTagged(err) {
			return nil, err
		}
		return nil, domain.ServiceError(p.name, fmt.Errorf("provider %s unavailable: %w", p.name, err))
	}
	if a == nil {
		return nil, domain.ContentError(p.name, domain.ErrEmptyResponse)
	}
	return a.resp, a.err
}

// waitForToken blocks until the rate limiter admits a call or ctx ends.
func (p *ResilientProvider) waitForToken(ctx context.Context) error {
	if p.rateLimit == nil {
		return nil
	}
	for !p.rateLimit.Allow(ctx, p.name) {
		timer := time.NewTimer(p.rateInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// Close releases resources held by the resilient provider
func (p *ResilientProvider) Close() error {
	if p.rateLimit != nil {
		return p.rateLimit.Close()
	}
	return nil
}

// isRetryable retries transient service failures: rate limiting, server
// errors and connection failures. Credential and input problems are final.
func isRetryable(err error) bool {
	if err == nil || isContextErr(err) {
		return false
	}
	switch StatusCode(err) {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	case 0:
		return domain.IsServiceError(err)
	default:
		return false
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
