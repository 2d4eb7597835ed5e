package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantflow/tradeguard/internal/config"
)

func testFetchConfig() *config.FetchConfig {
	return &config.FetchConfig{
		MaxRetries:        2,
		RetryDelay:        time.Millisecond,
		BackoffMultiplier: 2.0,
		RateLimitBuffer:   1.2,
		Timeout:           100 * time.Millisecond,
	}
}

var errFlaky = errors.New("connection reset")

func TestCallRetriesThenSucceeds(t *testing.T) {
	f := NewFetcher(testFetchConfig())

	calls := 0
	result, err := f.Call(context.Background(), "binance", "fetch_price", func(ctx context.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, errFlaky
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 2, calls)

	h := f.HealthReport()["binance"]
	assert.True(t, h.Enabled)
	assert.Equal(t, 0, h.ConsecutiveFailures)
	assert.False(t, h.LastSuccess.IsZero())
}

func TestCallFailsFastOnNonRetryableError(t *testing.T) {
	f := NewFetcher(testFetchConfig())

	rejection := &common.APIError{Code: -2019, Message: "Margin is insufficient."}
	calls := 0
	_, err := f.Call(context.Background(), "binance", "place_order", func(ctx context.Context) (any, error) {
		calls++
		return nil, rejection
	})

	// One attempt, no retries, and the exchange stays healthy
	require.Error(t, err)
	assert.ErrorIs(t, err, rejection)
	assert.Equal(t, 1, calls)
	assert.True(t, f.IsAvailable("binance"))
	assert.Equal(t, 0, f.HealthReport()["binance"].ConsecutiveFailures)
}

func TestCallExhaustsRetries(t *testing.T) {
	f := NewFetcher(testFetchConfig())

	calls := 0
	_, err := f.Call(context.Background(), "binance", "fetch_price", func(ctx context.Context) (any, error) {
		calls++
		return nil, errFlaky
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 2, calls)

	h := f.HealthReport()["binance"]
	assert.Equal(t, 1, h.ConsecutiveFailures)
	assert.True(t, h.Enabled)
}

func failNTimes(t *testing.T, f *Fetcher, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.Call(context.Background(), "binance", "op", func(ctx context.Context) (any, error) {
			return nil, errFlaky
		})
		require.Error(t, err)
	}
}

func TestCircuitBreakerTrips(t *testing.T) {
	f := NewFetcher(testFetchConfig())

	// 2x max_retries exhausted sequences trip the breaker
	failNTimes(t, f, 4)
	assert.False(t, f.IsAvailable("binance"))

	// Short-circuits without touching the operation
	invoked := false
	_, err := f.Call(context.Background(), "binance", "op", func(ctx context.Context) (any, error) {
		invoked = true
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrExchangeDisabled)
	assert.False(t, invoked)
}

func TestCircuitBreakerReenablesAfterCooldown(t *testing.T) {
	f := NewFetcher(testFetchConfig())

	failNTimes(t, f, 4)
	require.False(t, f.IsAvailable("binance"))

	// Expire the cooldown
	f.mu.Lock()
	f.health["binance"].DisabledUntil = time.Now().Add(-time.Second)
	f.mu.Unlock()

	assert.True(t, f.IsAvailable("binance"))

	h := f.HealthReport()["binance"]
	assert.True(t, h.Enabled)
	assert.Equal(t, 0, h.ConsecutiveFailures)
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	f := NewFetcher(testFetchConfig())

	failNTimes(t, f, 3)

	_, err := f.Call(context.Background(), "binance", "op", func(ctx context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)

	// Three more failures stay under the threshold again
	failNTimes(t, f, 3)
	assert.True(t, f.IsAvailable("binance"))
}

func TestFatalErrorDisablesImmediately(t *testing.T) {
	f := NewFetcher(testFetchConfig())

	calls := 0
	_, err := f.Call(context.Background(), "binance", "op", func(ctx context.Context) (any, error) {
		calls++
		return nil, &common.APIError{Code: -2015, Message: "Invalid API-key"}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "fatal errors must not be retried")
	assert.False(t, f.IsAvailable("binance"))
}

func TestReset(t *testing.T) {
	f := NewFetcher(testFetchConfig())

	failNTimes(t, f, 4)
	require.False(t, f.IsAvailable("binance"))

	f.Reset("binance")
	assert.True(t, f.IsAvailable("binance"))
}

func TestHealthIsPerExchange(t *testing.T) {
	f := NewFetcher(testFetchConfig())

	failNTimes(t, f, 4)
	assert.False(t, f.IsAvailable("binance"))
	assert.True(t, f.IsAvailable("bybit"))
}

func TestFetchTyped(t *testing.T) {
	f := NewFetcher(testFetchConfig())

	n, err := Fetch(context.Background(), f, "binance", "op", func(ctx context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	s, err := Fetch(context.Background(), f, "binance", "op", func(ctx context.Context) (string, error) {
		return "", errFlaky
	})
	require.Error(t, err)
	assert.Empty(t, s)
}

func TestCallRespectsContextCancellation(t *testing.T) {
	f := NewFetcher(testFetchConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Call(ctx, "binance", "op", func(ctx context.Context) (any, error) {
		return nil, errFlaky
	})
	assert.ErrorIs(t, err, context.Canceled)
}
