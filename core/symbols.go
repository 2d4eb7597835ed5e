package core

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/quantflow/tradeguard/exchange"
	"github.com/quantflow/tradeguard/resilience"
	"github.com/quantflow/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SYMBOLS - Exchange limit cache and leverage setup
// ═══════════════════════════════════════════════════════════════════════════════
//
// Exchange limits change rarely, so they are fetched once per symbol
// through the resilient path and cached for the life of the process.
//
// ═══════════════════════════════════════════════════════════════════════════════

// SymbolManager caches per-symbol exchange limits
type SymbolManager struct {
	mu       sync.RWMutex
	client   exchange.Client
	fetcher  *resilience.Fetcher
	limits   map[string]types.ExchangeLimits
	leverage map[string]int // leverage already applied on the exchange
}

// NewSymbolManager creates a symbol manager
func NewSymbolManager(client exchange.Client, fetcher *resilience.Fetcher) *SymbolManager {
	return &SymbolManager{
		client:   client,
		fetcher:  fetcher,
		limits:   make(map[string]types.ExchangeLimits),
		leverage: make(map[string]int),
	}
}

// Limits returns the cached limits for a symbol, fetching on first use
func (sm *SymbolManager) Limits(ctx context.Context, symbol string) (types.ExchangeLimits, error) {
	sm.mu.RLock()
	limits, ok := sm.limits[symbol]
	sm.mu.RUnlock()
	if ok {
		return limits, nil
	}

	fetched, err := resilience.Fetch(ctx, sm.fetcher, sm.client.Name(), "fetch_limits",
		func(ctx context.Context) (*types.ExchangeLimits, error) {
			return sm.client.FetchLimits(ctx, symbol)
		})
	if err != nil {
		return types.ExchangeLimits{}, err
	}
	limits = *fetched

	sm.mu.Lock()
	sm.limits[symbol] = limits
	sm.mu.Unlock()

	log.Info().
		Str("symbol", symbol).
		Str("min_notional", limits.MinNotional.String()).
		Str("qty_step", limits.QtyStep.String()).
		Int("max_leverage", limits.MaxLeverage).
		Msg("📊 Exchange limits cached")
	return limits, nil
}

// EnsureLeverage applies the leverage setting on the exchange once per
// symbol
func (sm *SymbolManager) EnsureLeverage(ctx context.Context, symbol string, leverage int) error {
	sm.mu.RLock()
	applied := sm.leverage[symbol]
	sm.mu.RUnlock()
	if applied == leverage {
		return nil
	}

	_, err := resilience.Fetch(ctx, sm.fetcher, sm.client.Name(), "set_leverage",
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, sm.client.SetLeverage(ctx, symbol, leverage)
		})
	if err != nil {
		return err
	}

	sm.mu.Lock()
	sm.leverage[symbol] = leverage
	sm.mu.Unlock()

	log.Info().Str("symbol", symbol).Int("leverage", leverage).Msg("Leverage applied")
	return nil
}

// Known returns the symbols with cached limits
func (sm *SymbolManager) Known() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	out := make([]string, 0, len(sm.limits))
	for symbol := range sm.limits {
		out = append(out, symbol)
	}
	return out
}
