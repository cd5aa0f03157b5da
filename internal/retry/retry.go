// Package retry wraps store writes in the configured persistence policy:
// a single attempt, bounded exponential backoff, or a circuit breaker.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/trapkeeper/internal/metrics"
	"github.com/sony/gobreaker"
)

// Mode selects the persistence retry policy.
type Mode string

// Retry modes
const (
	ModeNone           Mode = "none"
	ModeRetry          Mode = "retry"
	ModeCircuitBreaker Mode = "circuit_breaker"
)

// ErrCircuitOpen is returned without calling the operation while the breaker
// is open or saturated in half-open state.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// RetryConfig holds configuration for the retry mechanism
type RetryConfig struct {
	Mode              Mode                 `json:"mode"`
	MaxAttempts       int                  `json:"max_attempts"`
	InitialDelay      time.Duration        `json:"initial_delay"`
	MaxDelay          time.Duration        `json:"max_delay"`
	BackoffMultiplier float64              `json:"backoff_multiplier"`
	Jitter            bool                 `json:"jitter"`
	CircuitBreaker    CircuitBreakerConfig `json:"circuit_breaker"`
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	Timeout          time.Duration `json:"timeout"`
	HalfOpenMaxCalls int           `json:"half_open_max_calls"`
	Interval         time.Duration `json:"interval"`
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		Mode:              ModeNone,
		MaxAttempts:       3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			Timeout:          30 * time.Second,
			HalfOpenMaxCalls: 1,
			Interval:         0,
		},
	}
}

// RetryableFunc represents a function that can be retried. attempt starts at 1.
type RetryableFunc func(ctx context.Context, attempt int) error

// RetryResult represents the result of a retry operation
type RetryResult struct {
	Attempts     int           `json:"attempts"`
	TotalTime    time.Duration `json:"total_time"`
	Err          error         `json:"-"`
	CircuitState string        `json:"circuit_state,omitempty"`
}

// RetryStats tracks retry statistics
type RetryStats struct {
	Calls               int64 `json:"calls"`
	Retries             int64 `json:"retries"`
	Failures            int64 `json:"failures"`
	CircuitBreakerTrips int64 `json:"circuit_breaker_trips"`
	CircuitRejections   int64 `json:"circuit_rejections"`
}

// Retryer applies the configured policy to an operation.
type Retryer struct {
	config    *RetryConfig
	breaker   *gobreaker.CircuitBreaker
	permanent func(error) bool
	metrics   metrics.Sink
	logger    logging.Logger

	mu    sync.Mutex
	stats RetryStats
}

// Option configures a Retryer.
type Option func(*Retryer)

// WithPermanent marks errors that are final outcomes rather than faults.
// They are never retried and do not count against the breaker.
func WithPermanent(fn func(error) bool) Option {
	return func(r *Retryer) {
		if fn != nil {
			r.permanent = fn
		}
	}
}

// NewRetryer creates a retryer from the retry.* configuration.
func NewRetryer(cfg config.Provider, sink metrics.Sink, logger logging.Logger, opts ...Option) (*Retryer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration provider cannot be nil")
	}

	retryConfig := DefaultRetryConfig()

	if mode, err := cfg.GetString("retry.mode", string(retryConfig.Mode)); err == nil {
		retryConfig.Mode = Mode(mode)
	}

	if maxAttempts, err := cfg.GetInt("retry.max_attempts", retryConfig.MaxAttempts); err == nil {
		retryConfig.MaxAttempts = maxAttempts
	}

	if initialDelay, err := cfg.GetDuration("retry.initial_delay", retryConfig.InitialDelay); err == nil {
		retryConfig.InitialDelay = initialDelay
	}

	if maxDelay, err := cfg.GetDuration("retry.max_delay", retryConfig.MaxDelay); err == nil {
		retryConfig.MaxDelay = maxDelay
	}

	if backoffMultiplier, err := cfg.GetFloat("retry.backoff_multiplier", retryConfig.BackoffMultiplier); err == nil {
		retryConfig.BackoffMultiplier = backoffMultiplier
	}

	if jitter, err := cfg.GetBool("retry.jitter", retryConfig.Jitter); err == nil {
		retryConfig.Jitter = jitter
	}

	if threshold, err := cfg.GetInt("retry.circuit_breaker.failure_threshold", retryConfig.CircuitBreaker.FailureThreshold); err == nil {
		retryConfig.CircuitBreaker.FailureThreshold = threshold
	}

	if timeout, err := cfg.GetDuration("retry.circuit_breaker.timeout", retryConfig.CircuitBreaker.Timeout); err == nil {
		retryConfig.CircuitBreaker.Timeout = timeout
	}

	if halfOpen, err := cfg.GetInt("retry.circuit_breaker.half_open_max_calls", retryConfig.CircuitBreaker.HalfOpenMaxCalls); err == nil {
		retryConfig.CircuitBreaker.HalfOpenMaxCalls = halfOpen
	}

	return New(retryConfig, sink, logger, opts...)
}

// New creates a retryer from an explicit configuration.
func New(retryConfig *RetryConfig, sink metrics.Sink, logger logging.Logger, opts ...Option) (*Retryer, error) {
	if retryConfig == nil {
		retryConfig = DefaultRetryConfig()
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if sink == nil {
		sink = metrics.Discard
	}

	switch retryConfig.Mode {
	case "", ModeNone:
		retryConfig.Mode = ModeNone
	case ModeRetry:
		if retryConfig.MaxAttempts < 1 {
			return nil, fmt.Errorf("retry.max_attempts must be at least 1, got %d", retryConfig.MaxAttempts)
		}
	case ModeCircuitBreaker:
		if retryConfig.CircuitBreaker.FailureThreshold < 1 {
			return nil, fmt.Errorf("retry.circuit_breaker.failure_threshold must be at least 1")
		}
	default:
		return nil, fmt.Errorf("unknown retry mode %q", retryConfig.Mode)
	}

	r := &Retryer{
		config:    retryConfig,
		permanent: func(error) bool { return false },
		metrics:   sink,
		logger:    logger.With("component", "retry"),
	}
	for _, opt := range opts {
		opt(r)
	}

	if retryConfig.Mode == ModeCircuitBreaker {
		r.breaker = r.newBreaker()
	}

	return r, nil
}

func (r *Retryer) newBreaker() *gobreaker.CircuitBreaker {
	cbConfig := r.config.CircuitBreaker
	threshold := uint32(cbConfig.FailureThreshold)

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store",
		MaxRequests: uint32(max(cbConfig.HalfOpenMaxCalls, 1)),
		Interval:    cbConfig.Interval,
		Timeout:     cbConfig.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				r.mu.Lock()
				r.stats.CircuitBreakerTrips++
				r.mu.Unlock()
			}
			r.logger.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// Do runs fn under the configured policy. Errors accepted by the permanent
// classifier are returned unchanged after a single attempt.
func (r *Retryer) Do(ctx context.Context, fn RetryableFunc) *RetryResult {
	start := time.Now()
	r.mu.Lock()
	r.stats.Calls++
	r.mu.Unlock()

	var result *RetryResult
	switch r.config.Mode {
	case ModeRetry:
		result = r.doRetry(ctx, fn)
	case ModeCircuitBreaker:
		result = r.doBreaker(ctx, fn)
	default:
		result = &RetryResult{Attempts: 1, Err: fn(ctx, 1)}
	}

	result.TotalTime = time.Since(start)
	if result.Err != nil && !r.permanent(result.Err) {
		r.mu.Lock()
		r.stats.Failures++
		r.mu.Unlock()
	}
	return result
}

func (r *Retryer) doRetry(ctx context.Context, fn RetryableFunc) *RetryResult {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.config.InitialDelay
	bo.MaxInterval = r.config.MaxDelay
	bo.Multiplier = r.config.BackoffMultiplier
	bo.MaxElapsedTime = 0
	if !r.config.Jitter {
		bo.RandomizationFactor = 0
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(r.config.MaxAttempts-1)), ctx)

	attempts := 0
	operation := func() error {
		attempts++
		err := fn(ctx, attempts)
		if err != nil && r.permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		r.metrics.Incr(metrics.DBWriteRetried, 1)
		r.mu.Lock()
		r.stats.Retries++
		r.mu.Unlock()
		r.logger.DebugContext(ctx, "Retrying operation", "attempt", attempts, "wait", wait.String(), "error", err.Error())
	}

	err := backoff.RetryNotify(operation, policy, notify)
	return &RetryResult{Attempts: attempts, Err: err}
}

func (r *Retryer) doBreaker(ctx context.Context, fn RetryableFunc) *RetryResult {
	var permanentErr error
	called := false

	_, err := r.breaker.Execute(func() (any, error) {
		called = true
		err := fn(ctx, 1)
		if err != nil && r.permanent(err) {
			permanentErr = err
			return nil, nil
		}
		return nil, err
	})

	result := &RetryResult{CircuitState: r.breaker.State().String()}
	if called {
		result.Attempts = 1
	}

	switch {
	case permanentErr != nil:
		result.Err = permanentErr
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		r.metrics.Incr(metrics.DBCircuitOpen, 1)
		r.mu.Lock()
		r.stats.CircuitRejections++
		r.mu.Unlock()
		result.Err = fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	default:
		result.Err = err
	}
	return result
}

// Mode returns the active policy.
func (r *Retryer) Mode() Mode {
	return r.config.Mode
}

// CircuitState returns the breaker state, or "" when no breaker is configured.
func (r *Retryer) CircuitState() string {
	if r.breaker == nil {
		return ""
	}
	return r.breaker.State().String()
}

// GetStats returns retry statistics
func (r *Retryer) GetStats() RetryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// GetConfig returns the current retry configuration
func (r *Retryer) GetConfig() *RetryConfig {
	return r.config
}
