package strategy

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantflow/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MOMENTUM - Moving-average crossover signals
// ═══════════════════════════════════════════════════════════════════════════════
//
// BUY when the fast SMA crosses above the slow SMA, SELL when it crosses
// below. Confidence scales with the separation between the averages,
// capped at 0.95. Deliberately simple: the risk and portfolio layers do
// the real work, this just exercises them.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Momentum generates signals from a fast/slow SMA crossover
type Momentum struct {
	fastPeriod int
	slowPeriod int
	enabled    bool
}

// NewMomentum creates a momentum generator. Defaults: 7/25 periods.
func NewMomentum(fastPeriod, slowPeriod int) *Momentum {
	if fastPeriod <= 0 {
		fastPeriod = 7
	}
	if slowPeriod <= fastPeriod {
		slowPeriod = 25
	}

	log.Info().
		Int("fast", fastPeriod).
		Int("slow", slowPeriod).
		Msg("📊 Momentum generator initialized")

	return &Momentum{
		fastPeriod: fastPeriod,
		slowPeriod: slowPeriod,
		enabled:    true,
	}
}

// Name returns the generator identifier
func (m *Momentum) Name() string { return "momentum" }

// Enabled reports whether the generator is active
func (m *Momentum) Enabled() bool { return m.enabled }

// SetEnabled toggles the generator
func (m *Momentum) SetEnabled(on bool) { m.enabled = on }

// Generate emits at most one signal per call
func (m *Momentum) Generate(symbol string, candles []types.Candle, currentPrice decimal.Decimal) []types.Signal {
	// Need one extra candle to detect the crossover
	if len(candles) < m.slowPeriod+1 || currentPrice.Sign() <= 0 {
		return nil
	}

	fastNow := sma(candles, m.fastPeriod, 0)
	slowNow := sma(candles, m.slowPeriod, 0)
	fastPrev := sma(candles, m.fastPeriod, 1)
	slowPrev := sma(candles, m.slowPeriod, 1)

	var direction string
	switch {
	case fastPrev.LessThanOrEqual(slowPrev) && fastNow.GreaterThan(slowNow):
		direction = "BUY"
	case fastPrev.GreaterThanOrEqual(slowPrev) && fastNow.LessThan(slowNow):
		direction = "SELL"
	default:
		return nil
	}

	confidence := crossConfidence(fastNow, slowNow)
	sig := types.Signal{
		Symbol:     symbol,
		Direction:  direction,
		Price:      currentPrice,
		Confidence: confidence,
		Strategy:   m.Name(),
		Reason: fmt.Sprintf("SMA%d/%d crossover: fast %s slow %s",
			m.fastPeriod, m.slowPeriod, fastNow.StringFixed(4), slowNow.StringFixed(4)),
		Timestamp: time.Now(),
	}

	log.Debug().
		Str("symbol", symbol).
		Str("direction", direction).
		Str("confidence", confidence.StringFixed(2)).
		Msg("Signal generated")
	return []types.Signal{sig}
}

// sma averages the closes of `period` candles ending `offset` bars back
func sma(candles []types.Candle, period, offset int) decimal.Decimal {
	end := len(candles) - offset
	sum := decimal.Zero
	for _, c := range candles[end-period : end] {
		sum = sum.Add(c.Close)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}

// crossConfidence maps the relative SMA separation into [0.5, 0.95]
func crossConfidence(fast, slow decimal.Decimal) decimal.Decimal {
	if slow.Sign() <= 0 {
		return decimal.NewFromFloat(0.5)
	}
	// 0.1% separation adds 0.05 confidence
	separation := fast.Sub(slow).Abs().Div(slow)
	conf := decimal.NewFromFloat(0.5).Add(separation.Mul(decimal.NewFromInt(50)))
	cap := decimal.NewFromFloat(0.95)
	if conf.GreaterThan(cap) {
		return cap
	}
	return conf
}
