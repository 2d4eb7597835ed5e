package core

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantflow/tradeguard/feeds"
	"github.com/quantflow/tradeguard/internal/config"
	"github.com/quantflow/tradeguard/orders"
	"github.com/quantflow/tradeguard/portfolio"
	"github.com/quantflow/tradeguard/position"
	"github.com/quantflow/tradeguard/risk"
	"github.com/quantflow/tradeguard/storage"
	"github.com/quantflow/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Central orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   Feed → Router → State machine → Risk → Portfolio → Orders
//
// One goroutine consumes price updates and drives signal evaluation; a
// second periodically refreshes PnL, persists state and watches the
// drawdown kill switch. Exchange I/O always happens outside engine locks.
//
// ═══════════════════════════════════════════════════════════════════════════════

// TradeEvent is emitted on every executed trade
type TradeEvent struct {
	Timestamp    time.Time
	Symbol       string
	SignalType   types.SignalType
	Price        decimal.Decimal
	PositionSize decimal.Decimal
	RiskAmount   decimal.Decimal
	PnL          decimal.Decimal
}

// TradeNotifier receives trade events (Telegram, logging)
type TradeNotifier interface {
	NotifyTrade(event TradeEvent)
}

// Status is a point-in-time view of the engine for monitoring
type Status struct {
	Running          bool
	Halted           bool
	PaperTrading     bool
	SignalsGenerated int
	TradesExecuted   int
	Portfolio        portfolio.Metrics
	Stats            portfolio.Stats
	FeedConnected    bool
	FeedErrored      bool
	Orders           orders.Summary
}

// Summary is the portfolio view exposed to collaborators
type Summary struct {
	Balance        decimal.Decimal
	InitialBalance decimal.Decimal
	Positions      []types.Position
	Metrics        portfolio.Metrics
	IsWithinLimits bool
}

// pendingEntry is an accepted entry order still waiting for its fill.
// Bookkeeping is deferred until the fill callback reports a terminal
// status.
type pendingEntry struct {
	signal types.EnhancedSignal
	sized  *risk.Result
}

// pendingExit is an accepted exit order still waiting for its fill
type pendingExit struct {
	symbol   string
	reason   string
	sigType  types.SignalType
	fallback decimal.Decimal
}

// Engine wires the feed, state machine, risk, portfolio and order layers
type Engine struct {
	mu sync.RWMutex

	cfg       *config.Config
	feed      *feeds.MarketFeed
	router    *Router
	tracker   *position.Tracker
	portfolio *portfolio.Manager
	orders    *orders.Manager
	symbols   *SymbolManager
	store     *storage.Store

	running bool
	halted  bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// Live orders accepted by the exchange but not yet filled, keyed by
	// order ID. Settled by handleOrderUpdate when reconciliation reports
	// a terminal status.
	pendingEntries map[string]pendingEntry
	pendingExits   map[string]pendingExit

	// Stats
	signalsGenerated int
	tradesExecuted   int

	notifier TradeNotifier
}

// NewEngine creates the trading engine
func NewEngine(
	cfg *config.Config,
	feed *feeds.MarketFeed,
	router *Router,
	tracker *position.Tracker,
	pf *portfolio.Manager,
	om *orders.Manager,
	symbols *SymbolManager,
	store *storage.Store,
) *Engine {
	e := &Engine{
		cfg:            cfg,
		feed:           feed,
		router:         router,
		tracker:        tracker,
		portfolio:      pf,
		orders:         om,
		symbols:        symbols,
		store:          store,
		stopCh:         make(chan struct{}),
		pendingEntries: make(map[string]pendingEntry),
		pendingExits:   make(map[string]pendingExit),
	}
	om.OnFill(e.handleOrderUpdate)
	return e
}

// SetTradeNotifier registers the trade event consumer. Must be called
// before Start.
func (e *Engine) SetTradeNotifier(n TradeNotifier) {
	e.notifier = n
}

// Start restores persisted state and launches the worker goroutines
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	if snap, ok, err := e.store.Load(); err != nil {
		log.Warn().Err(err).Msg("Could not restore saved state, starting clean")
	} else if ok {
		e.portfolio.Restore(snap)
		log.Info().
			Str("balance", snap.Balance.StringFixed(2)).
			Int("positions", len(snap.Positions)).
			Msg("💰 Portfolio state restored")
	}

	e.feed.Start()
	e.orders.Start()

	updates := e.feed.Subscribe()
	e.wg.Add(2)
	go e.evaluateLoop(updates)
	go e.monitorLoop()

	log.Info().
		Strs("symbols", e.cfg.Symbols).
		Bool("paper", e.cfg.PaperTrading).
		Msg("⚡ Engine started")
	return nil
}

// Stop shuts the engine down: workers are signalled and joined, then
// state is persisted. No worker may still mutate shared state after
// Stop returns.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.feed.Stop()
	e.orders.Stop()
	e.wg.Wait()

	if err := e.store.Save(e.portfolio.Snapshot()); err != nil {
		log.Error().Err(err).Msg("Failed to save state on shutdown")
	}
	log.Info().Msg("Engine stopped")
}

// evaluateLoop drives signal evaluation from price updates
func (e *Engine) evaluateLoop(updates <-chan feeds.PriceUpdate) {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			return
		case update := <-updates:
			e.evaluate(update)
		}
	}
}

// evaluate runs the full decision path for one price update
func (e *Engine) evaluate(update feeds.PriceUpdate) {
	if e.isHalted() {
		return
	}

	symbol := update.Symbol

	if !e.tracker.IsSignalAllowed(symbol) {
		return
	}
	if !e.feed.IsFresh(symbol) {
		log.Debug().Str("symbol", symbol).Msg("Skipping evaluation on stale data")
		return
	}

	candles := e.feed.Candles(symbol, e.cfg.Feed.CandleBuffer)
	signals := e.router.Route(symbol, candles, update.Price)

	for _, sig := range signals {
		e.mu.Lock()
		e.signalsGenerated++
		e.mu.Unlock()

		if sig.Confidence.LessThan(e.cfg.MinSignalStrength) {
			log.Debug().
				Str("symbol", symbol).
				Str("confidence", sig.Confidence.StringFixed(2)).
				Msg("Signal below confidence floor")
			continue
		}

		enhanced := e.tracker.Validate(sig)
		if !enhanced.IsActionable() {
			continue
		}

		if enhanced.IsOpen() {
			e.openPosition(enhanced)
		} else {
			e.closePosition(symbol, enhanced.Price, string(enhanced.Type))
		}
	}
}

// openPosition sizes, gates and executes an open signal
func (e *Engine) openPosition(sig types.EnhancedSignal) {
	if e.hasPendingOrder(sig.Symbol) {
		log.Debug().Str("symbol", sig.Symbol).Msg("Order already in flight, skipping signal")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Fetch.Timeout)
	defer cancel()

	limits, err := e.symbols.Limits(ctx, sig.Symbol)
	if err != nil {
		log.Error().Err(err).Str("symbol", sig.Symbol).Msg("Cannot size without exchange limits")
		return
	}

	leverage := e.cfg.Risk.DefaultLeverage
	result := e.portfolio.Evaluate(sig, sig.Price, leverage, limits)
	if !result.IsSafeToTrade {
		log.Warn().
			Str("symbol", sig.Symbol).
			Str("reason", result.RejectionReason).
			Msg("❌ Trade rejected")
		return
	}

	if !e.cfg.PaperTrading {
		if err := e.symbols.EnsureLeverage(ctx, sig.Symbol, leverage); err != nil {
			log.Error().Err(err).Str("symbol", sig.Symbol).Msg("Leverage setup failed")
			return
		}
	}

	side := types.OrderSell
	if sig.IsLong() {
		side = types.OrderBuy
	}
	orderResult, err := e.orders.Place(ctx, types.OrderRequest{
		Symbol:   sig.Symbol,
		Side:     side,
		Type:     types.OrderMarket,
		Quantity: result.PositionSize,
		Price:    sig.Price,
		Leverage: leverage,
	})
	if err != nil {
		log.Error().Err(err).Str("symbol", sig.Symbol).Msg("Entry order failed")
		return
	}
	if orderResult.Status != types.OrderFilled {
		if orderResult.Status.IsTerminal() {
			log.Warn().
				Str("symbol", sig.Symbol).
				Str("status", string(orderResult.Status)).
				Msg("Entry order finished unfilled, no position opened")
			return
		}
		// Accepted but not yet filled. Reconciliation will report the
		// terminal status and handleOrderUpdate books the position then.
		e.mu.Lock()
		e.pendingEntries[orderResult.OrderID] = pendingEntry{signal: sig, sized: result}
		e.mu.Unlock()
		log.Info().
			Str("symbol", sig.Symbol).
			Str("order_id", orderResult.OrderID).
			Str("status", string(orderResult.Status)).
			Msg("Entry order resting, awaiting fill")
		return
	}

	e.bookEntry(sig, result, orderResult)
}

// bookEntry commits portfolio bookkeeping for a filled entry order.
// Partial fills scale the sized result down to the filled quantity.
func (e *Engine) bookEntry(sig types.EnhancedSignal, sized *risk.Result, order types.OrderResult) {
	fillPrice := order.AveragePrice
	if fillPrice.Sign() <= 0 {
		fillPrice = sig.Price
	}

	booked := *sized
	booked.EntryPrice = fillPrice
	if filled := order.FilledQuantity; filled.Sign() > 0 &&
		sized.PositionSize.Sign() > 0 && !filled.Equal(sized.PositionSize) {
		scale := filled.Div(sized.PositionSize)
		booked.PositionSize = filled
		booked.PositionValue = sized.PositionValue.Mul(scale)
		booked.RequiredMargin = sized.RequiredMargin.Mul(scale)
		booked.RiskAmount = sized.RiskAmount.Mul(scale)
	}

	if err := e.portfolio.Execute(sig, &booked); err != nil {
		log.Error().Err(err).Str("symbol", sig.Symbol).Msg("Trade bookkeeping failed")
		return
	}

	e.tracker.MarkSignal(sig.Symbol)
	e.recordTrade(TradeEvent{
		Timestamp:    time.Now(),
		Symbol:       sig.Symbol,
		SignalType:   sig.Type,
		Price:        fillPrice,
		PositionSize: booked.PositionSize,
		RiskAmount:   booked.RiskAmount,
	})
}

// closePosition flattens a symbol through a reduce-only market order
func (e *Engine) closePosition(symbol string, price decimal.Decimal, reason string) bool {
	pos := e.tracker.Get(symbol)
	if !pos.IsActive() {
		return false
	}
	if e.hasPendingOrder(symbol) {
		log.Debug().Str("symbol", symbol).Msg("Exit already in flight, not resubmitting")
		return false
	}

	side := types.OrderBuy
	sigType := types.SignalBuyClose
	if pos.State == types.PositionLong {
		side = types.OrderSell
		sigType = types.SignalSellClose
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Fetch.Timeout)
	defer cancel()

	orderResult, err := e.orders.Place(ctx, types.OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Type:       types.OrderMarket,
		Quantity:   pos.Quantity,
		Price:      price,
		ReduceOnly: true,
	})
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("Exit order failed")
		return false
	}
	if orderResult.Status != types.OrderFilled {
		if orderResult.Status.IsTerminal() {
			log.Warn().
				Str("symbol", symbol).
				Str("status", string(orderResult.Status)).
				Msg("Exit order finished unfilled, position still open")
			return false
		}
		// PnL is realized only once the fill is confirmed.
		e.mu.Lock()
		e.pendingExits[orderResult.OrderID] = pendingExit{
			symbol:   symbol,
			reason:   reason,
			sigType:  sigType,
			fallback: price,
		}
		e.mu.Unlock()
		log.Info().
			Str("symbol", symbol).
			Str("order_id", orderResult.OrderID).
			Str("status", string(orderResult.Status)).
			Msg("Exit order resting, awaiting fill")
		return true
	}

	exitPrice := orderResult.AveragePrice
	if exitPrice.Sign() <= 0 {
		exitPrice = price
	}
	return e.bookExit(symbol, reason, sigType, exitPrice)
}

// bookExit realizes PnL and credits margin back for a filled exit order
func (e *Engine) bookExit(symbol, reason string, sigType types.SignalType, exitPrice decimal.Decimal) bool {
	record, closed := e.portfolio.Close(symbol, exitPrice)
	if !closed {
		return false
	}

	e.tracker.MarkSignal(symbol)
	log.Info().
		Str("symbol", symbol).
		Str("reason", reason).
		Str("pnl", record.PnL.StringFixed(4)).
		Msg("📊 Position closed")

	e.recordTrade(TradeEvent{
		Timestamp:    time.Now(),
		Symbol:       symbol,
		SignalType:   sigType,
		Price:        exitPrice,
		PositionSize: record.Quantity,
		RiskAmount:   record.RiskAmount,
		PnL:          record.PnL,
	})
	return true
}

// handleOrderUpdate is the order manager fill callback. Orders that
// reach a terminal status through reconciliation settle their deferred
// portfolio bookkeeping here.
func (e *Engine) handleOrderUpdate(result types.OrderResult) {
	if !result.Status.IsTerminal() {
		return
	}

	e.mu.Lock()
	entry, isEntry := e.pendingEntries[result.OrderID]
	exit, isExit := e.pendingExits[result.OrderID]
	delete(e.pendingEntries, result.OrderID)
	delete(e.pendingExits, result.OrderID)
	e.mu.Unlock()

	switch {
	case isEntry:
		if result.FilledQuantity.Sign() <= 0 {
			log.Warn().
				Str("symbol", result.Symbol).
				Str("order_id", result.OrderID).
				Str("status", string(result.Status)).
				Msg("Entry order finished unfilled, no position opened")
			return
		}
		e.bookEntry(entry.signal, entry.sized, result)
	case isExit:
		if result.FilledQuantity.Sign() <= 0 {
			log.Warn().
				Str("symbol", result.Symbol).
				Str("order_id", result.OrderID).
				Str("status", string(result.Status)).
				Msg("Exit order finished unfilled, position still open")
			return
		}
		exitPrice := result.AveragePrice
		if exitPrice.Sign() <= 0 {
			exitPrice = exit.fallback
		}
		e.bookExit(exit.symbol, exit.reason, exit.sigType, exitPrice)
	}
}

// hasPendingOrder reports whether symbol has an order awaiting fill
func (e *Engine) hasPendingOrder(symbol string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, p := range e.pendingEntries {
		if p.signal.Symbol == symbol {
			return true
		}
	}
	for _, p := range e.pendingExits {
		if p.symbol == symbol {
			return true
		}
	}
	return false
}

// recordTrade updates stats and fans the event out
func (e *Engine) recordTrade(event TradeEvent) {
	e.mu.Lock()
	e.tradesExecuted++
	notifier := e.notifier
	e.mu.Unlock()

	if notifier != nil {
		notifier.NotifyTrade(event)
	}
}

// monitorLoop refreshes PnL, checks exits, persists state and watches
// the drawdown kill switch
func (e *Engine) monitorLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.monitorTick()
		}
	}
}

// monitorTick runs one monitoring pass. Monitoring keeps running after
// the kill switch fires so the flat state stays enforced and persisted.
func (e *Engine) monitorTick() {
	if e.isHalted() {
		if len(e.tracker.Active()) > 0 {
			e.EmergencyStop()
		}
	} else {
		e.refreshPositions()

		if drawdown := e.portfolio.Drawdown(); drawdown.GreaterThan(e.cfg.MaxDrawdownPct) {
			log.Error().
				Str("drawdown", drawdown.Mul(decimal.NewFromInt(100)).StringFixed(1)+"%").
				Msg("🚨 Max drawdown breached, halting trading")
			e.Halt()
		}
	}

	if err := e.store.Save(e.portfolio.Snapshot()); err != nil {
		log.Warn().Err(err).Msg("Periodic state save failed")
	}
}

// Halt flattens everything and stops opening new positions. The engine
// keeps running so monitoring, persistence and status surfaces stay up.
func (e *Engine) Halt() {
	e.mu.Lock()
	already := e.halted
	e.halted = true
	e.mu.Unlock()
	if already {
		return
	}
	e.EmergencyStop()
}

func (e *Engine) isHalted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.halted
}

// refreshPositions marks open positions to market and triggers stop-loss
// and take-profit exits
func (e *Engine) refreshPositions() {
	for _, pos := range e.tracker.Active() {
		price, ok := e.feed.Price(pos.Symbol)
		if !ok || price.Sign() <= 0 {
			continue
		}

		updated, _ := e.tracker.UpdatePnL(pos.Symbol, price)

		switch updated.State {
		case types.PositionLong:
			if updated.StopLoss.Sign() > 0 && price.LessThanOrEqual(updated.StopLoss) {
				e.closePosition(pos.Symbol, price, "STOP_LOSS")
			} else if updated.TakeProfit.Sign() > 0 && price.GreaterThanOrEqual(updated.TakeProfit) {
				e.closePosition(pos.Symbol, price, "TAKE_PROFIT")
			}
		case types.PositionShort:
			if updated.StopLoss.Sign() > 0 && price.GreaterThanOrEqual(updated.StopLoss) {
				e.closePosition(pos.Symbol, price, "STOP_LOSS")
			} else if updated.TakeProfit.Sign() > 0 && price.LessThanOrEqual(updated.TakeProfit) {
				e.closePosition(pos.Symbol, price, "TAKE_PROFIT")
			}
		}
	}
}

// ForceClosePosition flattens one symbol at the current market price
func (e *Engine) ForceClosePosition(symbol string) bool {
	price, ok := e.feed.Price(symbol)
	if !ok {
		price = e.tracker.Get(symbol).EntryPrice
	}
	return e.closePosition(symbol, price, "FORCE_CLOSE")
}

// EmergencyStop flattens everything immediately, bypassing signal
// validation, and leaves the engine running flat
func (e *Engine) EmergencyStop() {
	prices := make(map[string]decimal.Decimal)
	for _, pos := range e.tracker.Active() {
		if price, ok := e.feed.Price(pos.Symbol); ok {
			prices[pos.Symbol] = price
		}
	}

	records := e.portfolio.EmergencyStop(prices)
	for _, rec := range records {
		e.recordTrade(TradeEvent{
			Timestamp:    time.Now(),
			Symbol:       rec.Symbol,
			SignalType:   rec.SignalType,
			Price:        rec.ExitPrice,
			PositionSize: rec.Quantity,
			RiskAmount:   rec.RiskAmount,
			PnL:          rec.PnL,
		})
	}

	if err := e.store.Save(e.portfolio.Snapshot()); err != nil {
		log.Error().Err(err).Msg("State save after emergency stop failed")
	}
}

// GetStatus returns the engine view for monitoring surfaces
func (e *Engine) GetStatus() Status {
	e.mu.RLock()
	running := e.running
	halted := e.halted
	signals := e.signalsGenerated
	trades := e.tradesExecuted
	e.mu.RUnlock()

	return Status{
		Running:          running,
		Halted:           halted,
		PaperTrading:     e.cfg.PaperTrading,
		SignalsGenerated: signals,
		TradesExecuted:   trades,
		Portfolio:        e.portfolio.ComputeMetrics(),
		Stats:            e.portfolio.ComputeStats(),
		FeedConnected:    e.feed.IsConnected(),
		FeedErrored:      e.feed.IsErrored(),
		Orders:           e.orders.Summarize(),
	}
}

// GetPortfolioSummary returns balance, positions and limit compliance
func (e *Engine) GetPortfolioSummary() Summary {
	metrics := e.portfolio.ComputeMetrics()

	withinLimits := metrics.PositionCount <= e.cfg.Risk.MaxPositions &&
		metrics.MarginUtilization.LessThanOrEqual(e.cfg.Risk.MaxMarginUtilization) &&
		metrics.TotalRiskPercent.LessThanOrEqual(e.cfg.Risk.MaxPortfolioRisk.Mul(decimal.NewFromInt(100)))

	return Summary{
		Balance:        e.portfolio.Balance(),
		InitialBalance: e.portfolio.InitialBalance(),
		Positions:      e.tracker.Active(),
		Metrics:        metrics,
		IsWithinLimits: withinLimits,
	}
}

// GetRecentTrades returns the last n realized trades, newest first
func (e *Engine) GetRecentTrades(n int) []types.TradeRecord {
	history := e.portfolio.History()
	if n > len(history) {
		n = len(history)
	}

	out := make([]types.TradeRecord, 0, n)
	for i := len(history) - 1; i >= len(history)-n; i-- {
		out = append(out, history[i])
	}
	return out
}

// IsRunning reports whether the engine is active
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}
