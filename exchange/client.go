package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/quantflow/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXCHANGE CLIENT - Uniform adapter surface
// ═══════════════════════════════════════════════════════════════════════════════
//
// One implementation per exchange, selected by explicit construction.
// All methods take a context; callers own timeouts and cancellation.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Client is the uniform surface every exchange adapter implements
type Client interface {
	// Name returns the exchange identifier used for health tracking
	Name() string

	// FetchPrice returns the latest traded price for a symbol
	FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// FetchLimits returns the trading constraints for a symbol
	FetchLimits(ctx context.Context, symbol string) (*types.ExchangeLimits, error)

	// FetchCandles returns up to limit recent closed candles
	FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error)

	// FetchBalance returns the available balance for an asset
	FetchBalance(ctx context.Context, asset string) (decimal.Decimal, error)

	// PlaceOrder submits an order and translates the raw response
	PlaceOrder(ctx context.Context, req *types.OrderRequest) (*types.OrderResult, error)

	// CancelOrder cancels an open order
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// FetchOrder returns the live status of an order
	FetchOrder(ctx context.Context, symbol, orderID string) (*types.OrderResult, error)

	// SetLeverage configures leverage for a symbol before opening
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}
