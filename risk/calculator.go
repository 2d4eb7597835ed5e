package risk

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantflow/tradeguard/internal/config"
	"github.com/quantflow/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK CALCULATOR - Fixed-fractional position sizing
// ═══════════════════════════════════════════════════════════════════════════════
//
// The core formula:
//
//   positionSize = riskAmount / |entry - stopLoss|
//
// so every trade risks the same fraction of the account, regardless of
// leverage or symbol. Exchange minimums can force the size up; if the
// resulting risk exceeds 3x the configured maximum, the trade is rejected
// rather than silently oversized.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Result is the full audit trail of one sizing decision. It is never
// mutated after Calculate returns.
type Result struct {
	Symbol     string
	SignalType types.SignalType

	// Inputs
	EntryPrice     decimal.Decimal
	AccountBalance decimal.Decimal
	Leverage       int

	// Core sizing
	RiskAmount     decimal.Decimal // dollars at risk
	PositionSize   decimal.Decimal // units to trade
	PositionValue  decimal.Decimal // notional in USD
	RequiredMargin decimal.Decimal

	// Risk metrics
	RiskPercentage  decimal.Decimal // % of account at risk after adjustments
	RewardRiskRatio decimal.Decimal
	StopLoss        decimal.Decimal
	TakeProfit      decimal.Decimal

	// Liquidation analysis
	LiquidationPrice decimal.Decimal
	SafetyRatio      decimal.Decimal // liquidation distance / stop distance

	// Exchange compliance
	AdjustedForLimits bool

	// Verdict
	IsSafeToTrade   bool
	RejectionReason string
	Warnings        []string
}

func (r *Result) reject(format string, args ...any) *Result {
	r.RejectionReason = fmt.Sprintf(format, args...)
	return r
}

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Calculator sizes positions against a risk configuration
type Calculator struct {
	cfg *config.RiskConfig
}

// NewCalculator creates a calculator
func NewCalculator(cfg *config.RiskConfig) *Calculator {
	log.Info().
		Str("max_risk_per_trade", cfg.MaxRiskPerTrade.Mul(hundred).String()+"%").
		Str("min_safety_ratio", cfg.MinSafetyRatio.String()).
		Msg("🛡️ Risk calculator initialized")
	return &Calculator{cfg: cfg}
}

// Calculate sizes a position for an open signal. Each step can
// short-circuit to a rejection; the returned Result always carries the
// values computed up to that point.
func (c *Calculator) Calculate(sig types.EnhancedSignal, currentPrice, balance decimal.Decimal, leverage int, limits types.ExchangeLimits) *Result {
	result := &Result{
		Symbol:         sig.Symbol,
		SignalType:     sig.Type,
		EntryPrice:     currentPrice,
		AccountBalance: balance,
		Leverage:       leverage,
	}

	if !sig.IsOpen() {
		return result.reject("signal %s does not open a position", sig.Type)
	}
	if currentPrice.Sign() <= 0 {
		return result.reject("invalid price %s", currentPrice)
	}
	if leverage < 1 {
		return result.reject("invalid leverage %d", leverage)
	}
	if limits.MaxLeverage > 0 && leverage > limits.MaxLeverage {
		return result.reject("leverage %d exceeds exchange max %d", leverage, limits.MaxLeverage)
	}
	if balance.LessThan(c.cfg.MinAccountBalance) {
		return result.reject("account balance %s below minimum %s", balance, c.cfg.MinAccountBalance)
	}

	// Step 1: dollars at risk
	result.RiskAmount = balance.Mul(c.cfg.MaxRiskPerTrade)
	result.RiskPercentage = c.cfg.MaxRiskPerTrade.Mul(hundred)

	// Step 2: stop loss, default a fixed adverse move from entry
	isLong := sig.IsLong()
	result.StopLoss = c.stopLossPrice(currentPrice, isLong)
	result.TakeProfit = c.takeProfitPrice(currentPrice, isLong)

	// Step 3: per-unit risk
	priceDiff := currentPrice.Sub(result.StopLoss).Abs()
	if priceDiff.Sign() <= 0 {
		return result.reject("entry equals stop loss")
	}

	// Step 4: the core formula
	result.PositionSize = result.RiskAmount.Div(priceDiff)

	// Step 5: round down to the exchange quantity step
	if limits.QtyStep.Sign() > 0 {
		result.PositionSize = roundToStep(result.PositionSize, limits.QtyStep, false)
	}

	// Step 6: raise to the exchange minimum quantity
	if limits.MinQty.Sign() > 0 && result.PositionSize.LessThan(limits.MinQty) {
		result.PositionSize = limits.MinQty
		result.AdjustedForLimits = true
		result.warn("size raised to exchange minimum quantity %s", limits.MinQty)
	}

	// Step 7: raise to the exchange minimum notional
	result.PositionValue = result.PositionSize.Mul(currentPrice)
	if limits.MinNotional.Sign() > 0 && result.PositionValue.LessThan(limits.MinNotional) {
		required := limits.MinNotional.Div(currentPrice)
		if limits.QtyStep.Sign() > 0 {
			required = roundToStep(required, limits.QtyStep, true)
		}
		result.PositionSize = required
		result.PositionValue = result.PositionSize.Mul(currentPrice)
		result.AdjustedForLimits = true
		result.warn("size raised to meet minimum notional $%s", limits.MinNotional)
	}

	// Step 8: recompute risk after minimum adjustments. Exchange minimums
	// can force oversized risk on small accounts; beyond 3x the configured
	// max the trade is rejected instead.
	if result.AdjustedForLimits {
		adjustedRisk := result.PositionSize.Mul(priceDiff)
		maxAllowed := balance.Mul(c.cfg.MaxRiskPerTrade).Mul(decimal.NewFromInt(3))
		if adjustedRisk.GreaterThan(maxAllowed) {
			result.RiskAmount = adjustedRisk
			return result.reject("exchange minimums force risk $%s beyond 3x limit $%s",
				adjustedRisk.StringFixed(2), maxAllowed.StringFixed(2))
		}
		result.RiskAmount = adjustedRisk
		result.RiskPercentage = adjustedRisk.Div(balance).Mul(hundred)
	}

	// Step 9: cap notional at the configured fraction of the account
	maxValue := balance.Mul(c.cfg.MaxPositionPercent)
	if result.PositionValue.GreaterThan(maxValue) {
		capped := maxValue.Div(currentPrice)
		if limits.QtyStep.Sign() > 0 {
			capped = roundToStep(capped, limits.QtyStep, false)
		}
		if limits.MinQty.Sign() > 0 && capped.LessThan(limits.MinQty) {
			return result.reject("position cap %s conflicts with exchange minimum quantity %s", capped, limits.MinQty)
		}
		result.warn("size reduced from %s to %s by position cap", result.PositionSize, capped)
		result.PositionSize = capped
		result.PositionValue = result.PositionSize.Mul(currentPrice)
		result.RiskAmount = result.PositionSize.Mul(priceDiff)
		result.RiskPercentage = result.RiskAmount.Div(balance).Mul(hundred)
	}
	if limits.MaxQty.Sign() > 0 && result.PositionSize.GreaterThan(limits.MaxQty) {
		result.PositionSize = limits.MaxQty
		result.PositionValue = result.PositionSize.Mul(currentPrice)
		result.RiskAmount = result.PositionSize.Mul(priceDiff)
		result.AdjustedForLimits = true
	}

	// Step 10: margin must leave headroom in the account
	result.RequiredMargin = result.PositionValue.Div(decimal.NewFromInt(int64(leverage)))
	maxMargin := balance.Mul(c.cfg.MaxMarginFraction)
	if result.RequiredMargin.GreaterThan(maxMargin) {
		return result.reject("required margin $%s exceeds %s%% of account",
			result.RequiredMargin.StringFixed(2), c.cfg.MaxMarginFraction.Mul(hundred))
	}

	// Step 11: liquidation must sit well beyond the stop
	if leverage > 1 {
		result.LiquidationPrice = liquidationPrice(currentPrice, leverage, limits.MaintenanceMarginRate, isLong)
		result.SafetyRatio = currentPrice.Sub(result.LiquidationPrice).Abs().Div(priceDiff)
		if result.SafetyRatio.LessThan(c.cfg.MinSafetyRatio) {
			return result.reject("liquidation safety ratio %s below minimum %s",
				result.SafetyRatio.StringFixed(2), c.cfg.MinSafetyRatio)
		}
	}

	// Reward/risk is advisory only
	potentialProfit := result.TakeProfit.Sub(currentPrice).Abs().Mul(result.PositionSize)
	if result.RiskAmount.Sign() > 0 {
		result.RewardRiskRatio = potentialProfit.Div(result.RiskAmount)
		if result.RewardRiskRatio.LessThan(one) {
			result.warn("low reward/risk ratio %s", result.RewardRiskRatio.StringFixed(2))
		}
	}

	result.IsSafeToTrade = true
	log.Info().
		Str("symbol", sig.Symbol).
		Str("size", result.PositionSize.String()).
		Str("notional", result.PositionValue.StringFixed(2)).
		Str("risk", result.RiskAmount.StringFixed(2)).
		Str("margin", result.RequiredMargin.StringFixed(2)).
		Msg("✅ Position sized")
	return result
}

// stopLossPrice places the default stop a fixed adverse move from entry
func (c *Calculator) stopLossPrice(entry decimal.Decimal, isLong bool) decimal.Decimal {
	if isLong {
		return entry.Mul(one.Sub(c.cfg.StopLossPercent))
	}
	return entry.Mul(one.Add(c.cfg.StopLossPercent))
}

func (c *Calculator) takeProfitPrice(entry decimal.Decimal, isLong bool) decimal.Decimal {
	if isLong {
		return entry.Mul(one.Add(c.cfg.TakeProfitPercent))
	}
	return entry.Mul(one.Sub(c.cfg.TakeProfitPercent))
}

// liquidationPrice estimates the isolated-margin liquidation level:
//
//	long:  entry * (1 - 1/leverage + mmr)
//	short: entry * (1 + 1/leverage - mmr)
func liquidationPrice(entry decimal.Decimal, leverage int, mmr decimal.Decimal, isLong bool) decimal.Decimal {
	inverse := one.Div(decimal.NewFromInt(int64(leverage)))
	if isLong {
		return entry.Mul(one.Sub(inverse).Add(mmr))
	}
	return entry.Mul(one.Add(inverse).Sub(mmr))
}

// roundToStep snaps qty to a multiple of step, down by default, up when
// ceil is set
func roundToStep(qty, step decimal.Decimal, ceil bool) decimal.Decimal {
	steps := qty.Div(step)
	if ceil {
		steps = steps.Ceil()
	} else {
		steps = steps.Floor()
	}
	return steps.Mul(step)
}
