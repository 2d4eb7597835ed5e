package portfolio

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantflow/tradeguard/internal/config"
	"github.com/quantflow/tradeguard/position"
	"github.com/quantflow/tradeguard/risk"
	"github.com/quantflow/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PORTFOLIO MANAGER - Account-level risk gates and bookkeeping
// ═══════════════════════════════════════════════════════════════════════════════
//
// Sits between the risk calculator (per-trade) and the order path. A trade
// approved in isolation can still be rejected here:
//
//   - too many concurrent positions
//   - duplicate position on the same symbol
//   - concentration above the per-symbol cap
//   - not enough margin headroom
//   - aggregate portfolio risk above the ceiling
//
// A rejection never partially applies: balance, positions and history only
// change on a full execute or close.
//
// ═══════════════════════════════════════════════════════════════════════════════

var hundred = decimal.NewFromInt(100)

// Metrics is a derived snapshot of portfolio health, recomputed on demand
type Metrics struct {
	AvailableBalance   decimal.Decimal            `json:"available_balance"`
	Equity             decimal.Decimal            `json:"equity"`
	TotalPositionValue decimal.Decimal            `json:"total_position_value"`
	TotalMargin        decimal.Decimal            `json:"total_margin"`
	MarginUtilization  decimal.Decimal            `json:"margin_utilization"`
	TotalRiskPercent   decimal.Decimal            `json:"total_risk_percent"`
	UnrealizedPnL      decimal.Decimal            `json:"unrealized_pnl"`
	PositionCount      int                        `json:"position_count"`
	LongCount          int                        `json:"long_count"`
	ShortCount         int                        `json:"short_count"`
	Concentration      map[string]decimal.Decimal `json:"concentration"`
}

// Stats summarizes realized performance from the trade history
type Stats struct {
	TotalTrades int             `json:"total_trades"`
	Wins        int             `json:"wins"`
	Losses      int             `json:"losses"`
	WinRate     decimal.Decimal `json:"win_rate"`
	TotalPnL    decimal.Decimal `json:"total_pnl"`
	BestTrade   decimal.Decimal `json:"best_trade"`
	WorstTrade  decimal.Decimal `json:"worst_trade"`
}

// openState is the portfolio-side bookkeeping for one open position
type openState struct {
	Margin     decimal.Decimal `json:"margin"`
	RiskAmount decimal.Decimal `json:"risk_amount"`
	Value      decimal.Decimal `json:"value"`
	Strategy   string          `json:"strategy"`
	SignalType types.SignalType `json:"signal_type"`
}

// Manager owns the account balance and enforces portfolio-level limits
type Manager struct {
	mu sync.RWMutex

	cfg            *config.RiskConfig
	tracker        *position.Tracker
	calc           *risk.Calculator
	initialBalance decimal.Decimal
	balance        decimal.Decimal // available (margin already debited)
	open           map[string]*openState
	history        []types.TradeRecord
}

// NewManager creates a portfolio manager with the given starting balance
func NewManager(cfg *config.RiskConfig, tracker *position.Tracker, calc *risk.Calculator, initialBalance decimal.Decimal) *Manager {
	log.Info().
		Str("balance", initialBalance.StringFixed(2)).
		Int("max_positions", cfg.MaxPositions).
		Msg("💼 Portfolio manager initialized")

	return &Manager{
		cfg:            cfg,
		tracker:        tracker,
		calc:           calc,
		initialBalance: initialBalance,
		balance:        initialBalance,
		open:           make(map[string]*openState),
	}
}

// CanOpen applies the portfolio-level gates to a proposed position.
// Returns false with a specific reason on the first failed check.
func (m *Manager) CanOpen(symbol string, proposedValue, proposedMargin, proposedRisk decimal.Decimal) (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.canOpenLocked(symbol, proposedValue, proposedMargin, proposedRisk)
}

func (m *Manager) canOpenLocked(symbol string, proposedValue, proposedMargin, proposedRisk decimal.Decimal) (bool, string) {
	if len(m.open) >= m.cfg.MaxPositions {
		return false, fmt.Sprintf("max positions reached (%d)", m.cfg.MaxPositions)
	}
	if _, exists := m.open[symbol]; exists {
		return false, fmt.Sprintf("position already open for %s", symbol)
	}

	// Concentration: proposed share of total exposure including itself
	exposure := decimal.Zero
	totalMargin := decimal.Zero
	totalRisk := decimal.Zero
	for _, s := range m.open {
		exposure = exposure.Add(s.Value)
		totalMargin = totalMargin.Add(s.Margin)
		totalRisk = totalRisk.Add(s.RiskAmount)
	}

	// The first position is always 100% of its own exposure, so the
	// concentration cap only applies once something else is open
	if exposure.Sign() > 0 {
		share := proposedValue.Div(exposure.Add(proposedValue))
		if share.GreaterThan(m.cfg.MaxConcentration) {
			return false, fmt.Sprintf("concentration %s%% exceeds %s%% cap",
				share.Mul(hundred).StringFixed(1), m.cfg.MaxConcentration.Mul(hundred).StringFixed(0))
		}
	}

	// Margin headroom against total equity
	equity := m.balance.Add(totalMargin)
	if equity.Sign() > 0 {
		utilization := totalMargin.Add(proposedMargin).Div(equity)
		if utilization.GreaterThan(m.cfg.MaxMarginUtilization) {
			return false, fmt.Sprintf("margin utilization %s%% exceeds %s%% cap",
				utilization.Mul(hundred).StringFixed(1), m.cfg.MaxMarginUtilization.Mul(hundred).StringFixed(0))
		}

		riskPct := totalRisk.Add(proposedRisk).Div(equity)
		if riskPct.GreaterThan(m.cfg.MaxPortfolioRisk) {
			return false, fmt.Sprintf("portfolio risk %s%% exceeds %s%% cap",
				riskPct.Mul(hundred).StringFixed(2), m.cfg.MaxPortfolioRisk.Mul(hundred).StringFixed(1))
		}
	}

	if proposedMargin.GreaterThan(m.balance) {
		return false, fmt.Sprintf("insufficient balance: margin $%s > available $%s",
			proposedMargin.StringFixed(2), m.balance.StringFixed(2))
	}

	return true, ""
}

// Evaluate runs per-trade sizing then the portfolio gates. A portfolio
// rejection is folded into the returned Result.
func (m *Manager) Evaluate(sig types.EnhancedSignal, price decimal.Decimal, leverage int, limits types.ExchangeLimits) *risk.Result {
	m.mu.RLock()
	balance := m.balance
	m.mu.RUnlock()

	result := m.calc.Calculate(sig, price, balance, leverage, limits)
	if !result.IsSafeToTrade {
		return result
	}

	ok, reason := m.CanOpen(sig.Symbol, result.PositionValue, result.RequiredMargin, result.RiskAmount)
	if !ok {
		result.IsSafeToTrade = false
		result.RejectionReason = reason
		log.Warn().Str("symbol", sig.Symbol).Str("reason", reason).Msg("❌ Trade rejected by portfolio gates")
	}
	return result
}

// Execute commits an approved trade: debits margin, opens the tracked
// position and records the entry. The gates are re-checked under the
// write lock so concurrent executes cannot both pass.
func (m *Manager) Execute(sig types.EnhancedSignal, result *risk.Result) error {
	if !result.IsSafeToTrade {
		return fmt.Errorf("cannot execute rejected trade: %s", result.RejectionReason)
	}

	m.mu.Lock()
	ok, reason := m.canOpenLocked(sig.Symbol, result.PositionValue, result.RequiredMargin, result.RiskAmount)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("portfolio gate: %s", reason)
	}

	m.balance = m.balance.Sub(result.RequiredMargin)
	m.open[sig.Symbol] = &openState{
		Margin:     result.RequiredMargin,
		RiskAmount: result.RiskAmount,
		Value:      result.PositionValue,
		Strategy:   sig.Strategy,
		SignalType: sig.Type,
	}
	m.mu.Unlock()

	if err := m.tracker.Open(sig, result.EntryPrice, result.PositionSize, result.StopLoss, result.TakeProfit); err != nil {
		// Roll back the debit; the tracker refused the transition
		m.mu.Lock()
		m.balance = m.balance.Add(result.RequiredMargin)
		delete(m.open, sig.Symbol)
		m.mu.Unlock()
		return err
	}

	log.Info().
		Str("symbol", sig.Symbol).
		Str("margin", result.RequiredMargin.StringFixed(2)).
		Str("balance", m.Balance().StringFixed(2)).
		Msg("💰 Margin allocated")
	return nil
}

// Close flattens a symbol at exitPrice, realizes PnL and credits the
// margin back. Closing an already-FLAT symbol is a no-op returning
// ok=false and no trade record.
func (m *Manager) Close(symbol string, exitPrice decimal.Decimal) (types.TradeRecord, bool) {
	closed, ok := m.tracker.Close(symbol)
	if !ok {
		return types.TradeRecord{}, false
	}

	var pnl decimal.Decimal
	switch closed.State {
	case types.PositionLong:
		pnl = exitPrice.Sub(closed.EntryPrice).Mul(closed.Quantity)
	case types.PositionShort:
		pnl = closed.EntryPrice.Sub(exitPrice).Mul(closed.Quantity)
	}

	m.mu.Lock()
	state := m.open[symbol]
	margin := decimal.Zero
	strategy := ""
	var sigType types.SignalType
	riskAmount := decimal.Zero
	if state != nil {
		margin = state.Margin
		strategy = state.Strategy
		sigType = state.SignalType
		riskAmount = state.RiskAmount
	}
	m.balance = m.balance.Add(margin).Add(pnl)
	delete(m.open, symbol)

	record := types.TradeRecord{
		Symbol:     symbol,
		SignalType: sigType,
		EntryPrice: closed.EntryPrice,
		ExitPrice:  exitPrice,
		Quantity:   closed.Quantity,
		Margin:     margin,
		RiskAmount: riskAmount,
		PnL:        pnl,
		Strategy:   strategy,
		Timestamp:  time.Now(),
	}
	if margin.Sign() > 0 {
		record.PnLPercent = pnl.Div(margin).Mul(hundred)
	}
	m.history = append(m.history, record)
	balance := m.balance
	m.mu.Unlock()

	log.Info().
		Str("symbol", symbol).
		Str("pnl", pnl.StringFixed(4)).
		Str("balance", balance.StringFixed(2)).
		Msg("💰 Position closed, balance updated")
	return record, true
}

// EmergencyStop force-flattens every active position at the given prices,
// bypassing signal validation. Symbols without a price close at entry.
func (m *Manager) EmergencyStop(prices map[string]decimal.Decimal) []types.TradeRecord {
	active := m.tracker.Active()
	log.Error().Int("positions", len(active)).Msg("🚨 EMERGENCY STOP - flattening all positions")

	records := make([]types.TradeRecord, 0, len(active))
	for _, pos := range active {
		price, ok := prices[pos.Symbol]
		if !ok || price.Sign() <= 0 {
			price = pos.EntryPrice
		}
		if rec, closed := m.Close(pos.Symbol, price); closed {
			records = append(records, rec)
		}
	}
	return records
}

// Balance returns the available balance
func (m *Manager) Balance() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balance
}

// InitialBalance returns the starting balance
func (m *Manager) InitialBalance() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialBalance
}

// ComputeMetrics derives the current portfolio health snapshot
func (m *Manager) ComputeMetrics() Metrics {
	positions := m.tracker.Active()

	m.mu.RLock()
	defer m.mu.RUnlock()

	metrics := Metrics{
		AvailableBalance: m.balance,
		PositionCount:    len(positions),
		Concentration:    make(map[string]decimal.Decimal, len(positions)),
	}

	for _, pos := range positions {
		metrics.TotalPositionValue = metrics.TotalPositionValue.Add(pos.Notional())
		metrics.UnrealizedPnL = metrics.UnrealizedPnL.Add(pos.UnrealizedPnL)
		if pos.State == types.PositionLong {
			metrics.LongCount++
		} else {
			metrics.ShortCount++
		}
	}
	totalRisk := decimal.Zero
	for _, s := range m.open {
		metrics.TotalMargin = metrics.TotalMargin.Add(s.Margin)
		totalRisk = totalRisk.Add(s.RiskAmount)
	}

	metrics.Equity = m.balance.Add(metrics.TotalMargin).Add(metrics.UnrealizedPnL)
	if equity := m.balance.Add(metrics.TotalMargin); equity.Sign() > 0 {
		metrics.MarginUtilization = metrics.TotalMargin.Div(equity)
		metrics.TotalRiskPercent = totalRisk.Div(equity).Mul(hundred)
	}
	if metrics.TotalPositionValue.Sign() > 0 {
		for _, pos := range positions {
			metrics.Concentration[pos.Symbol] = pos.Notional().Div(metrics.TotalPositionValue)
		}
	}
	return metrics
}

// ComputeStats summarizes realized performance
func (m *Manager) ComputeStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{}
	for i, rec := range m.history {
		stats.TotalTrades++
		stats.TotalPnL = stats.TotalPnL.Add(rec.PnL)
		if rec.PnL.Sign() > 0 {
			stats.Wins++
		} else if rec.PnL.Sign() < 0 {
			stats.Losses++
		}
		if i == 0 || rec.PnL.GreaterThan(stats.BestTrade) {
			stats.BestTrade = rec.PnL
		}
		if i == 0 || rec.PnL.LessThan(stats.WorstTrade) {
			stats.WorstTrade = rec.PnL
		}
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = decimal.NewFromInt(int64(stats.Wins)).
			Div(decimal.NewFromInt(int64(stats.TotalTrades))).Mul(hundred)
	}
	return stats
}

// History returns a copy of the trade history
func (m *Manager) History() []types.TradeRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.TradeRecord, len(m.history))
	copy(out, m.history)
	return out
}

// Drawdown returns the current loss fraction versus the initial balance.
// Positive values mean the account is under water.
func (m *Manager) Drawdown() decimal.Decimal {
	positions := m.tracker.Active()

	m.mu.RLock()
	defer m.mu.RUnlock()

	equity := m.balance
	for _, s := range m.open {
		equity = equity.Add(s.Margin)
	}
	for _, pos := range positions {
		equity = equity.Add(pos.UnrealizedPnL)
	}

	if m.initialBalance.Sign() <= 0 {
		return decimal.Zero
	}
	return m.initialBalance.Sub(equity).Div(m.initialBalance)
}
