package core

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/quantflow/tradeguard/strategy"
	"github.com/quantflow/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ROUTER - Routes market data to signal generators by subscription
// ═══════════════════════════════════════════════════════════════════════════════

type Router struct {
	mu            sync.RWMutex
	subscriptions map[string][]strategy.Generator // symbol -> generators
}

// NewRouter creates a new signal router
func NewRouter() *Router {
	return &Router{
		subscriptions: make(map[string][]strategy.Generator),
	}
}

// Subscribe registers a generator for one symbol
func (r *Router) Subscribe(symbol string, gen strategy.Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscriptions[symbol] = append(r.subscriptions[symbol], gen)
}

// SubscribeAll registers a generator for every symbol
func (r *Router) SubscribeAll(gen strategy.Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscriptions["*"] = append(r.subscriptions["*"], gen)
}

// Route asks every generator subscribed to the symbol for signals
func (r *Router) Route(symbol string, candles []types.Candle, price decimal.Decimal) []types.Signal {
	r.mu.RLock()
	generators := make([]strategy.Generator, 0,
		len(r.subscriptions[symbol])+len(r.subscriptions["*"]))
	generators = append(generators, r.subscriptions[symbol]...)
	generators = append(generators, r.subscriptions["*"]...)
	r.mu.RUnlock()

	var signals []types.Signal
	for _, gen := range generators {
		if !gen.Enabled() {
			continue
		}
		signals = append(signals, gen.Generate(symbol, candles, price)...)
	}
	return signals
}
