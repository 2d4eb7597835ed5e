package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/quantflow/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY INTERFACE - Plug-in pattern for signal generators
// ═══════════════════════════════════════════════════════════════════════════════
//
// The engine calls Generate with recent candles and the current price on
// every evaluation tick; the generator returns raw BUY/SELL/HOLD signals.
// Position-state validation and sizing happen downstream, so generators
// stay pure: no account state, no exchange access.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Generator is the interface all signal generators implement
type Generator interface {
	// Name returns the generator identifier
	Name() string

	// Generate produces signals for one symbol from recent market data.
	// Returning an empty slice means no opinion.
	Generate(symbol string, candles []types.Candle, currentPrice decimal.Decimal) []types.Signal

	// Enabled reports whether the generator is active
	Enabled() bool
}
