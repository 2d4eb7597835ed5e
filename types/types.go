package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// PositionState is the tracked state for a symbol
type PositionState string

const (
	PositionFlat  PositionState = "FLAT"
	PositionLong  PositionState = "LONG"
	PositionShort PositionState = "SHORT"
)

// SignalType is a raw direction enriched with position context
type SignalType string

const (
	SignalBuyOpen   SignalType = "BUY_OPEN"   // Open long (from FLAT)
	SignalSellClose SignalType = "SELL_CLOSE" // Close long (LONG -> FLAT)
	SignalSellOpen  SignalType = "SELL_OPEN"  // Open short (from FLAT)
	SignalBuyClose  SignalType = "BUY_CLOSE"  // Close short (SHORT -> FLAT)
	SignalHold      SignalType = "HOLD"       // No action
	SignalInvalid   SignalType = "INVALID"    // Rejected (e.g. BUY while LONG)
)

// Position represents the tracked position for one symbol.
// EntryPrice/Quantity are zero iff State is FLAT.
type Position struct {
	Symbol        string          `json:"symbol"`
	State         PositionState   `json:"state"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	EntryTime     time.Time       `json:"entry_time"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	StopLoss      decimal.Decimal `json:"stop_loss"`
	TakeProfit    decimal.Decimal `json:"take_profit"`
}

// IsActive reports whether the position holds exposure
func (p *Position) IsActive() bool {
	return p.State != PositionFlat
}

// Notional returns the position value at entry
func (p *Position) Notional() decimal.Decimal {
	return p.EntryPrice.Mul(p.Quantity)
}

// Signal is the raw directional output of a strategy
type Signal struct {
	Symbol     string
	Direction  string // "BUY", "SELL" or "HOLD"
	Price      decimal.Decimal
	Confidence decimal.Decimal // 0..1
	Strategy   string
	Reason     string
	Timestamp  time.Time
}

// EnhancedSignal is a Signal validated against the current position state
type EnhancedSignal struct {
	Symbol          string
	Type            SignalType
	CurrentPosition PositionState
	TargetPosition  PositionState
	Price           decimal.Decimal
	Confidence      decimal.Decimal
	Strategy        string
	Reason          string
	Timestamp       time.Time
}

// IsValid reports whether the signal passed position-state validation
func (s *EnhancedSignal) IsValid() bool {
	return s.Type != SignalInvalid
}

// IsActionable reports whether the signal requires an order
func (s *EnhancedSignal) IsActionable() bool {
	switch s.Type {
	case SignalBuyOpen, SignalSellClose, SignalSellOpen, SignalBuyClose:
		return true
	}
	return false
}

// IsOpen reports whether the signal opens new exposure
func (s *EnhancedSignal) IsOpen() bool {
	return s.Type == SignalBuyOpen || s.Type == SignalSellOpen
}

// IsLong reports whether the signal buys (opens long or closes short)
func (s *EnhancedSignal) IsLong() bool {
	return s.Type == SignalBuyOpen || s.Type == SignalBuyClose
}

// ExchangeLimits is a per-symbol snapshot of exchange trading constraints
type ExchangeLimits struct {
	Symbol                string
	Exchange              string
	MinNotional           decimal.Decimal
	MinQty                decimal.Decimal
	MaxQty                decimal.Decimal
	QtyStep               decimal.Decimal
	PriceStep             decimal.Decimal
	MaxLeverage           int
	MaintenanceMarginRate decimal.Decimal
}

// TradeRecord is an immutable record of an executed or closed trade
type TradeRecord struct {
	Symbol     string          `json:"symbol"`
	SignalType SignalType      `json:"signal_type"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price,omitempty"`
	Quantity   decimal.Decimal `json:"quantity"`
	Margin     decimal.Decimal `json:"margin"`
	RiskAmount decimal.Decimal `json:"risk_amount"`
	PnL        decimal.Decimal `json:"pnl"`
	PnLPercent decimal.Decimal `json:"pnl_percent"`
	Strategy   string          `json:"strategy"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Candle is one OHLCV bar
type Candle struct {
	Symbol   string
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
	Trades   int64
}
