package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantflow/tradeguard/internal/config"
	"github.com/quantflow/tradeguard/types"
)

func defaultRiskConfig() *config.RiskConfig {
	return &config.RiskConfig{
		MaxRiskPerTrade:      decimal.NewFromFloat(0.002),
		MinSafetyRatio:       decimal.NewFromFloat(1.5),
		DefaultLeverage:      5,
		MaxPositionPercent:   decimal.NewFromFloat(0.1),
		StopLossPercent:      decimal.NewFromFloat(0.02),
		TakeProfitPercent:    decimal.NewFromFloat(0.04),
		MaxMarginFraction:    decimal.NewFromFloat(0.8),
		MaxPositions:         5,
		MaxPortfolioRisk:     decimal.NewFromFloat(0.05),
		MaxConcentration:     decimal.NewFromFloat(0.4),
		MaxMarginUtilization: decimal.NewFromFloat(0.8),
		MinAccountBalance:    decimal.NewFromInt(10),
	}
}

func btcLimits() types.ExchangeLimits {
	return types.ExchangeLimits{
		Symbol:                "BTCUSDT",
		MinNotional:           decimal.NewFromInt(5),
		MinQty:                decimal.NewFromFloat(0.001),
		QtyStep:               decimal.NewFromFloat(0.001),
		MaxLeverage:           125,
		MaintenanceMarginRate: decimal.NewFromFloat(0.004),
	}
}

func openSignal(symbol string, sigType types.SignalType) types.EnhancedSignal {
	target := types.PositionLong
	if sigType == types.SignalSellOpen {
		target = types.PositionShort
	}
	return types.EnhancedSignal{
		Symbol:          symbol,
		Type:            sigType,
		CurrentPosition: types.PositionFlat,
		TargetPosition:  target,
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestCalculateLongBaseCase(t *testing.T) {
	calc := NewCalculator(defaultRiskConfig())

	// $1000 account, 0.2% risk = $2. Entry 50000, default 2% stop = 49000,
	// so $1000 per unit and 0.002 BTC sized.
	result := calc.Calculate(
		openSignal("BTCUSDT", types.SignalBuyOpen),
		decimal.NewFromInt(50000),
		decimal.NewFromInt(1000),
		5,
		btcLimits(),
	)

	require.True(t, result.IsSafeToTrade, "rejected: %s", result.RejectionReason)
	assert.True(t, result.RiskAmount.Equal(decimal.NewFromInt(2)), "risk=%s", result.RiskAmount)
	assert.True(t, result.StopLoss.Equal(decimal.NewFromInt(49000)), "stop=%s", result.StopLoss)
	assert.True(t, result.TakeProfit.Equal(decimal.NewFromInt(52000)), "tp=%s", result.TakeProfit)
	assert.True(t, result.PositionSize.Equal(dec("0.002")), "size=%s", result.PositionSize)
	assert.True(t, result.PositionValue.Equal(decimal.NewFromInt(100)), "value=%s", result.PositionValue)
	assert.True(t, result.RequiredMargin.Equal(decimal.NewFromInt(20)), "margin=%s", result.RequiredMargin)
	assert.True(t, result.LiquidationPrice.Equal(decimal.NewFromInt(40200)), "liq=%s", result.LiquidationPrice)
	assert.True(t, result.SafetyRatio.Equal(dec("9.8")), "safety=%s", result.SafetyRatio)
	assert.True(t, result.RewardRiskRatio.Equal(decimal.NewFromInt(2)), "rr=%s", result.RewardRiskRatio)
	assert.False(t, result.AdjustedForLimits)
	assert.Empty(t, result.RejectionReason)
}

func TestCalculateShortStopAboveEntry(t *testing.T) {
	calc := NewCalculator(defaultRiskConfig())

	result := calc.Calculate(
		openSignal("BTCUSDT", types.SignalSellOpen),
		decimal.NewFromInt(50000),
		decimal.NewFromInt(1000),
		5,
		btcLimits(),
	)

	require.True(t, result.IsSafeToTrade, "rejected: %s", result.RejectionReason)
	assert.True(t, result.StopLoss.Equal(decimal.NewFromInt(51000)), "stop=%s", result.StopLoss)
	assert.True(t, result.TakeProfit.Equal(decimal.NewFromInt(48000)), "tp=%s", result.TakeProfit)
	// Short liquidation sits above entry
	assert.True(t, result.LiquidationPrice.GreaterThan(decimal.NewFromInt(50000)),
		"liq=%s", result.LiquidationPrice)
}

func TestCalculateRaisesToMinNotional(t *testing.T) {
	cfg := defaultRiskConfig()
	cfg.MaxPositionPercent = decimal.NewFromFloat(0.5)
	calc := NewCalculator(cfg)

	limits := btcLimits()
	limits.MinQty = dec("0.00001")
	limits.QtyStep = dec("0.00001")

	// $20 account risks $0.04, sizing 0.00004 BTC = $2 notional. The $5
	// minimum notional forces 0.0001 BTC, risking $0.10 -- within the 3x
	// allowance of $0.12.
	result := calc.Calculate(
		openSignal("BTCUSDT", types.SignalBuyOpen),
		decimal.NewFromInt(50000),
		decimal.NewFromInt(20),
		5,
		limits,
	)

	require.True(t, result.IsSafeToTrade, "rejected: %s", result.RejectionReason)
	assert.True(t, result.AdjustedForLimits)
	assert.True(t, result.PositionSize.Equal(dec("0.0001")), "size=%s", result.PositionSize)
	assert.True(t, result.PositionValue.Equal(decimal.NewFromInt(5)), "value=%s", result.PositionValue)
	assert.True(t, result.RiskAmount.Equal(dec("0.1")), "risk=%s", result.RiskAmount)
	assert.True(t, result.RiskPercentage.Equal(dec("0.5")), "risk%%=%s", result.RiskPercentage)
	assert.NotEmpty(t, result.Warnings)
}

func TestCalculateRejectsOversizedMinimum(t *testing.T) {
	cfg := defaultRiskConfig()
	cfg.MaxPositionPercent = decimal.NewFromFloat(0.5)
	calc := NewCalculator(cfg)

	limits := btcLimits()
	limits.MinQty = dec("0.00001")
	limits.QtyStep = dec("0.00001")

	// $10 account risks $0.02; the minimum notional forces $0.10 of risk,
	// past the 3x allowance of $0.06.
	result := calc.Calculate(
		openSignal("BTCUSDT", types.SignalBuyOpen),
		decimal.NewFromInt(50000),
		decimal.NewFromInt(10),
		5,
		limits,
	)

	assert.False(t, result.IsSafeToTrade)
	assert.Contains(t, result.RejectionReason, "3x")
	assert.True(t, result.RiskAmount.Equal(dec("0.1")), "risk=%s", result.RiskAmount)
}

func TestCalculateLiquidationPrice(t *testing.T) {
	calc := NewCalculator(defaultRiskConfig())

	limits := btcLimits()
	limits.MinNotional = decimal.Zero
	limits.MinQty = decimal.Zero
	limits.QtyStep = decimal.Zero

	// entry 100, 5x, mmr 0.004: 100 * (1 - 0.2 + 0.004) = 80.4
	result := calc.Calculate(
		openSignal("BTCUSDT", types.SignalBuyOpen),
		decimal.NewFromInt(100),
		decimal.NewFromInt(1000),
		5,
		limits,
	)

	require.True(t, result.IsSafeToTrade, "rejected: %s", result.RejectionReason)
	assert.True(t, result.LiquidationPrice.Equal(dec("80.4")), "liq=%s", result.LiquidationPrice)
}

func TestCalculateRejectsUnsafeLeverage(t *testing.T) {
	calc := NewCalculator(defaultRiskConfig())

	// At 100x the liquidation price is 49700, only $300 beyond entry while
	// the stop sits $1000 away: safety ratio 0.3 < 1.5.
	result := calc.Calculate(
		openSignal("BTCUSDT", types.SignalBuyOpen),
		decimal.NewFromInt(50000),
		decimal.NewFromInt(1000),
		100,
		btcLimits(),
	)

	assert.False(t, result.IsSafeToTrade)
	assert.Contains(t, result.RejectionReason, "safety ratio")
	assert.True(t, result.SafetyRatio.Equal(dec("0.3")), "safety=%s", result.SafetyRatio)
}

func TestCalculateRejectsExcessiveMargin(t *testing.T) {
	cfg := defaultRiskConfig()
	cfg.MaxMarginFraction = decimal.NewFromFloat(0.05)
	calc := NewCalculator(cfg)

	// Unlevered, the $100 notional needs $100 margin -- over 5% of $1000.
	result := calc.Calculate(
		openSignal("BTCUSDT", types.SignalBuyOpen),
		decimal.NewFromInt(50000),
		decimal.NewFromInt(1000),
		1,
		btcLimits(),
	)

	assert.False(t, result.IsSafeToTrade)
	assert.Contains(t, result.RejectionReason, "margin")
}

func TestCalculateCapsPositionValue(t *testing.T) {
	cfg := defaultRiskConfig()
	cfg.StopLossPercent = decimal.NewFromFloat(0.001) // tight stop inflates size
	calc := NewCalculator(cfg)

	limits := btcLimits()

	result := calc.Calculate(
		openSignal("BTCUSDT", types.SignalBuyOpen),
		decimal.NewFromInt(50000),
		decimal.NewFromInt(1000),
		5,
		limits,
	)

	require.True(t, result.IsSafeToTrade, "rejected: %s", result.RejectionReason)
	// Tight stop would size 0.04 BTC ($2000); the 10% cap holds it at $100.
	assert.True(t, result.PositionValue.LessThanOrEqual(decimal.NewFromInt(100)),
		"value=%s", result.PositionValue)
	assert.True(t, result.PositionSize.Equal(dec("0.002")), "size=%s", result.PositionSize)
	assert.NotEmpty(t, result.Warnings)
}

func TestCalculateRejectsLowBalance(t *testing.T) {
	calc := NewCalculator(defaultRiskConfig())

	result := calc.Calculate(
		openSignal("BTCUSDT", types.SignalBuyOpen),
		decimal.NewFromInt(50000),
		decimal.NewFromInt(5),
		5,
		btcLimits(),
	)

	assert.False(t, result.IsSafeToTrade)
	assert.Contains(t, result.RejectionReason, "below minimum")
}

func TestCalculateRejectsNonOpenSignals(t *testing.T) {
	calc := NewCalculator(defaultRiskConfig())

	for _, sigType := range []types.SignalType{
		types.SignalHold, types.SignalInvalid, types.SignalSellClose, types.SignalBuyClose,
	} {
		result := calc.Calculate(
			types.EnhancedSignal{Symbol: "BTCUSDT", Type: sigType},
			decimal.NewFromInt(50000),
			decimal.NewFromInt(1000),
			5,
			btcLimits(),
		)
		assert.False(t, result.IsSafeToTrade, "signal %s", sigType)
	}
}

func TestCalculateRejectsLeverageAboveExchangeMax(t *testing.T) {
	calc := NewCalculator(defaultRiskConfig())

	limits := btcLimits()
	limits.MaxLeverage = 20

	result := calc.Calculate(
		openSignal("BTCUSDT", types.SignalBuyOpen),
		decimal.NewFromInt(50000),
		decimal.NewFromInt(1000),
		50,
		limits,
	)

	assert.False(t, result.IsSafeToTrade)
	assert.Contains(t, result.RejectionReason, "exchange max")
}

func TestRoundToStep(t *testing.T) {
	step := dec("0.001")
	assert.True(t, roundToStep(dec("0.0025"), step, false).Equal(dec("0.002")))
	assert.True(t, roundToStep(dec("0.0025"), step, true).Equal(dec("0.003")))
	assert.True(t, roundToStep(dec("0.002"), step, false).Equal(dec("0.002")))
}
