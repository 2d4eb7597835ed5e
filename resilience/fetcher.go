package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"

	"github.com/quantflow/tradeguard/exchange"
	"github.com/quantflow/tradeguard/internal/config"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RESILIENT FETCHER - Retry, backoff and circuit breaking for exchange calls
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every exchange call goes through Call():
//   - each attempt bounded by its own timeout
//   - exponential backoff between attempts, extra buffer on rate limits
//   - non-retryable rejections (insufficient margin, filter breaches)
//     fail fast without burning retries
//   - after 2×maxRetries consecutive failures the exchange is disabled
//     for min(60, failures×5) minutes and calls short-circuit
//   - one success resets the failure counter and re-enables immediately
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrExchangeDisabled is returned without attempting network I/O while
// an exchange is inside its circuit-breaker cooldown
var ErrExchangeDisabled = errors.New("exchange disabled by circuit breaker")

// Health tracks the circuit-breaker state for one exchange
type Health struct {
	Name                string
	Enabled             bool
	FailureCount        int
	ConsecutiveFailures int
	LastSuccess         time.Time
	LastFailure         time.Time
	DisabledUntil       time.Time
}

// Operation is a single exchange call to execute under retry protection
type Operation func(ctx context.Context) (any, error)

// Fetcher wraps exchange calls with retry and per-exchange circuit breaking
type Fetcher struct {
	mu     sync.Mutex
	cfg    *config.FetchConfig
	health map[string]*Health
}

// NewFetcher creates a resilient fetcher
func NewFetcher(cfg *config.FetchConfig) *Fetcher {
	log.Info().
		Int("max_retries", cfg.MaxRetries).
		Dur("retry_delay", cfg.RetryDelay).
		Float64("backoff_multiplier", cfg.BackoffMultiplier).
		Msg("🛡️ Resilient fetcher initialized")

	return &Fetcher{
		cfg:    cfg,
		health: make(map[string]*Health),
	}
}

// Call executes op with retry and backoff, tracking health for exchangeName.
// opName is used only for logging.
func (f *Fetcher) Call(ctx context.Context, exchangeName, opName string, op Operation) (any, error) {
	if !f.available(exchangeName) {
		log.Debug().Str("exchange", exchangeName).Str("op", opName).Msg("Skipping call - exchange disabled")
		return nil, ErrExchangeDisabled
	}

	b := &backoff.Backoff{
		Min:    f.cfg.RetryDelay,
		Max:    f.cfg.Timeout,
		Factor: f.cfg.BackoffMultiplier,
	}

	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
		result, err := op(attemptCtx)
		cancel()

		if err == nil {
			f.recordSuccess(exchangeName)
			return result, nil
		}
		lastErr = err

		if exchange.IsFatal(err) {
			log.Error().Err(err).
				Str("exchange", exchangeName).
				Str("op", opName).
				Msg("Fatal exchange error - not retrying")
			f.disable(exchangeName)
			return nil, err
		}
		if !exchange.IsTransient(err) {
			// A rejection the exchange will repeat identically. The
			// exchange itself is healthy, so the breaker is untouched.
			log.Warn().Err(err).
				Str("exchange", exchangeName).
				Str("op", opName).
				Msg("Non-retryable exchange error")
			return nil, err
		}

		delay := b.Duration()
		if exchange.IsRateLimit(err) {
			delay = time.Duration(float64(delay) * f.cfg.RateLimitBuffer)
		}

		log.Warn().Err(err).
			Str("exchange", exchangeName).
			Str("op", opName).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("Exchange call failed")

		if attempt == f.cfg.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	f.recordFailure(exchangeName)
	return nil, fmt.Errorf("%s %s failed after %d attempts: %w",
		exchangeName, opName, f.cfg.MaxRetries, lastErr)
}

// available checks the circuit breaker, optimistically re-enabling the
// exchange once its cooldown has expired
func (f *Fetcher) available(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	h := f.get(name)
	if h.Enabled {
		return true
	}
	if time.Now().After(h.DisabledUntil) {
		h.Enabled = true
		h.DisabledUntil = time.Time{}
		h.ConsecutiveFailures = 0
		log.Info().Str("exchange", name).Msg("✅ Exchange re-enabled after cooldown")
		return true
	}
	return false
}

func (f *Fetcher) recordSuccess(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	h := f.get(name)
	h.LastSuccess = time.Now()
	h.ConsecutiveFailures = 0
	if !h.Enabled {
		h.Enabled = true
		h.DisabledUntil = time.Time{}
		log.Info().Str("exchange", name).Msg("✅ Exchange re-enabled after success")
	}
}

// recordFailure counts one exhausted retry sequence; enough of them in a
// row trips the breaker
func (f *Fetcher) recordFailure(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	h := f.get(name)
	h.FailureCount++
	h.ConsecutiveFailures++
	h.LastFailure = time.Now()

	if h.ConsecutiveFailures >= f.cfg.MaxRetries*2 {
		f.tripLocked(h)
	}
}

// disable trips the breaker immediately (fatal errors)
func (f *Fetcher) disable(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	h := f.get(name)
	h.FailureCount++
	h.ConsecutiveFailures++
	h.LastFailure = time.Now()
	f.tripLocked(h)
}

func (f *Fetcher) tripLocked(h *Health) {
	cooldown := time.Duration(min(60, h.ConsecutiveFailures*5)) * time.Minute
	h.Enabled = false
	h.DisabledUntil = time.Now().Add(cooldown)

	log.Error().
		Str("exchange", h.Name).
		Int("consecutive_failures", h.ConsecutiveFailures).
		Dur("cooldown", cooldown).
		Msg("🚨 Exchange disabled by circuit breaker")
}

// get returns the health tracker for an exchange, creating it on first use.
// Caller must hold f.mu.
func (f *Fetcher) get(name string) *Health {
	h, ok := f.health[name]
	if !ok {
		h = &Health{Name: name, Enabled: true}
		f.health[name] = h
	}
	return h
}

// IsAvailable reports whether calls to an exchange would be attempted
func (f *Fetcher) IsAvailable(name string) bool {
	return f.available(name)
}

// Reset clears the health state for an exchange
func (f *Fetcher) Reset(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	h := f.get(name)
	h.Enabled = true
	h.ConsecutiveFailures = 0
	h.DisabledUntil = time.Time{}
	log.Info().Str("exchange", name).Msg("Exchange health reset")
}

// HealthReport returns a snapshot of all tracked exchanges
func (f *Fetcher) HealthReport() map[string]Health {
	f.mu.Lock()
	defer f.mu.Unlock()

	report := make(map[string]Health, len(f.health))
	for name, h := range f.health {
		report[name] = *h
	}
	return report
}

// Fetch is a typed convenience wrapper around Fetcher.Call
func Fetch[T any](ctx context.Context, f *Fetcher, exchangeName, opName string, op func(ctx context.Context) (T, error)) (T, error) {
	result, err := f.Call(ctx, exchangeName, opName, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}
