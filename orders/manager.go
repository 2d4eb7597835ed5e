package orders

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantflow/tradeguard/exchange"
	"github.com/quantflow/tradeguard/resilience"
	"github.com/quantflow/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER MANAGER - Placement, tracking and reconciliation
// ═══════════════════════════════════════════════════════════════════════════════
//
// Owns every order from placement to terminal status:
//
//   PENDING -> {OPEN, FILLED, REJECTED}
//   OPEN    -> {FILLED, PARTIALLY_FILLED, CANCELLED, EXPIRED}
//   PARTIALLY_FILLED -> {FILLED, CANCELLED, EXPIRED}
//
// Terminal orders move from the active map to an append-only history.
// A background loop re-fetches live order status and fires fill
// callbacks on change; callbacks are the only way position bookkeeping
// learns about externally-filled orders.
//
// In paper mode no network calls are made: market orders fill
// immediately at the request price, limit orders rest OPEN.
//
// ═══════════════════════════════════════════════════════════════════════════════

// FillCallback is invoked on every order status change
type FillCallback func(types.OrderResult)

// Summary counts tracked orders by status
type Summary struct {
	Active   int
	History  int
	ByStatus map[types.OrderStatus]int
}

// Manager tracks active orders and reconciles them with the exchange
type Manager struct {
	mu sync.RWMutex

	paper   bool
	client  exchange.Client
	fetcher *resilience.Fetcher

	active    map[string]types.OrderResult
	history   []types.OrderResult
	callbacks []FillCallback

	reconcileEvery time.Duration
	running        bool
	stopCh         chan struct{}
	wg             sync.WaitGroup
}

// NewManager creates an order manager. With paper=true all orders are
// simulated and the exchange is never called.
func NewManager(client exchange.Client, fetcher *resilience.Fetcher, paper bool, reconcileEvery time.Duration) *Manager {
	mode := "live"
	if paper {
		mode = "paper"
	}
	log.Info().Str("mode", mode).Dur("reconcile_every", reconcileEvery).Msg("📋 Order manager initialized")

	return &Manager{
		paper:          paper,
		client:         client,
		fetcher:        fetcher,
		active:         make(map[string]types.OrderResult),
		reconcileEvery: reconcileEvery,
		stopCh:         make(chan struct{}),
	}
}

// OnFill registers a callback for order status changes. Must be called
// before Start.
func (m *Manager) OnFill(cb FillCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Start launches the reconciliation loop
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.reconcileLoop()
}

// Stop halts reconciliation and joins the worker
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	log.Info().Msg("Order manager stopped")
}

// validate checks request preconditions before any network call
func validate(req *types.OrderRequest) error {
	if strings.TrimSpace(req.Symbol) == "" {
		return fmt.Errorf("order rejected: empty symbol")
	}
	if req.Side != types.OrderBuy && req.Side != types.OrderSell {
		return fmt.Errorf("order rejected: invalid side %q", req.Side)
	}
	switch req.Type {
	case types.OrderMarket:
	case types.OrderLimit:
		if req.Price.Sign() <= 0 {
			return fmt.Errorf("order rejected: limit order requires positive price")
		}
	case types.OrderStopMarket:
		if req.StopPrice.Sign() <= 0 {
			return fmt.Errorf("order rejected: stop order requires positive stop price")
		}
	default:
		return fmt.Errorf("order rejected: invalid type %q", req.Type)
	}
	if req.Quantity.Sign() <= 0 {
		return fmt.Errorf("order rejected: quantity must be positive")
	}
	if req.TimeInForce == "" {
		req.TimeInForce = "GTC"
	}
	return nil
}

// Place validates and submits an order. The returned result is also
// tracked internally until the order reaches a terminal status.
func (m *Manager) Place(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	if err := validate(&req); err != nil {
		result := types.OrderResult{
			Symbol:       req.Symbol,
			Side:         req.Side,
			Status:       types.OrderRejected,
			Quantity:     req.Quantity,
			ErrorMessage: err.Error(),
			Timestamp:    time.Now(),
		}
		m.record(result)
		return result, err
	}

	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}

	if m.paper {
		return m.placePaper(req), nil
	}
	return m.placeLive(ctx, req)
}

// placePaper simulates the order locally
func (m *Manager) placePaper(req types.OrderRequest) types.OrderResult {
	result := types.OrderResult{
		Success:   true,
		OrderID:   "paper-" + uuid.NewString(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Quantity:  req.Quantity,
		Timestamp: time.Now(),
	}

	if req.Type == types.OrderMarket {
		result.Status = types.OrderFilled
		result.FilledQuantity = req.Quantity
		result.AveragePrice = req.Price
	} else {
		result.Status = types.OrderOpen
	}

	log.Info().
		Str("order_id", result.OrderID).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("type", string(req.Type)).
		Str("quantity", req.Quantity.String()).
		Str("status", string(result.Status)).
		Msg("📝 Paper order placed")

	m.record(result)
	return result
}

// placeLive submits the order through the resilient exchange path
func (m *Manager) placeLive(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	placed, err := resilience.Fetch(ctx, m.fetcher, m.client.Name(), "place_order",
		func(ctx context.Context) (*types.OrderResult, error) {
			return m.client.PlaceOrder(ctx, &req)
		})
	if err != nil {
		result := types.OrderResult{
			Symbol:       req.Symbol,
			Side:         req.Side,
			Status:       types.OrderRejected,
			Quantity:     req.Quantity,
			ErrorMessage: err.Error(),
			Timestamp:    time.Now(),
		}
		m.record(result)
		return result, err
	}
	result := *placed

	log.Info().
		Str("order_id", result.OrderID).
		Str("symbol", result.Symbol).
		Str("status", string(result.Status)).
		Msg("⚡ Order placed")

	m.record(result)
	return result, nil
}

// Cancel cancels an active order. In paper mode non-terminal orders are
// cancelled locally.
func (m *Manager) Cancel(ctx context.Context, orderID, symbol string) error {
	m.mu.RLock()
	order, exists := m.active[orderID]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("order %s not active", orderID)
	}
	if order.Status.IsTerminal() {
		return fmt.Errorf("order %s already %s", orderID, order.Status)
	}

	if !m.paper {
		_, err := resilience.Fetch(ctx, m.fetcher, m.client.Name(), "cancel_order",
			func(ctx context.Context) (struct{}, error) {
				return struct{}{}, m.client.CancelOrder(ctx, symbol, orderID)
			})
		if err != nil {
			return err
		}
	}

	order.Status = types.OrderCancelled
	order.Timestamp = time.Now()
	m.record(order)

	log.Info().Str("order_id", orderID).Str("symbol", symbol).Msg("Order cancelled")
	return nil
}

// Status returns the current view of an order, active or historical
func (m *Manager) Status(orderID string) (types.OrderResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if order, ok := m.active[orderID]; ok {
		return order, true
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].OrderID == orderID {
			return m.history[i], true
		}
	}
	return types.OrderResult{}, false
}

// Active returns copies of all non-terminal orders
func (m *Manager) Active() []types.OrderResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.OrderResult, 0, len(m.active))
	for _, order := range m.active {
		out = append(out, order)
	}
	return out
}

// Summarize counts orders by status across active and history
func (m *Manager) Summarize() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Summary{
		Active:   len(m.active),
		History:  len(m.history),
		ByStatus: make(map[types.OrderStatus]int),
	}
	for _, order := range m.active {
		s.ByStatus[order.Status]++
	}
	for _, order := range m.history {
		s.ByStatus[order.Status]++
	}
	return s
}

// record stores an order's latest state, moving terminal orders to
// history, and notifies callbacks on status change
func (m *Manager) record(result types.OrderResult) {
	m.mu.Lock()
	prev, existed := m.active[result.OrderID]
	changed := !existed || prev.Status != result.Status

	if result.Status.IsTerminal() {
		delete(m.active, result.OrderID)
		m.history = append(m.history, result)
	} else if result.OrderID != "" {
		m.active[result.OrderID] = result
	} else {
		// Rejected before an ID was assigned
		m.history = append(m.history, result)
	}
	callbacks := m.callbacks
	m.mu.Unlock()

	if changed {
		for _, cb := range callbacks {
			cb(result)
		}
	}
}

// reconcileLoop periodically re-fetches live order status
func (m *Manager) reconcileLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.reconcileEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if !m.paper {
				m.reconcile()
			}
		}
	}
}

// reconcile polls the exchange for each active order and applies changes
func (m *Manager) reconcile() {
	for _, order := range m.Active() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		fetched, err := resilience.Fetch(ctx, m.fetcher, m.client.Name(), "fetch_order",
			func(ctx context.Context) (*types.OrderResult, error) {
				return m.client.FetchOrder(ctx, order.Symbol, order.OrderID)
			})
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("order_id", order.OrderID).Msg("Order reconciliation failed")
			continue
		}
		latest := *fetched

		if latest.Status != order.Status || !latest.FilledQuantity.Equal(order.FilledQuantity) {
			log.Info().
				Str("order_id", order.OrderID).
				Str("from", string(order.Status)).
				Str("to", string(latest.Status)).
				Str("filled", latest.FilledQuantity.String()).
				Msg("Order status changed")
			m.record(latest)
		}
	}
}

// FillPaperOrder force-fills a resting paper order at the given price,
// used to simulate limit order execution
func (m *Manager) FillPaperOrder(orderID string, price decimal.Decimal) bool {
	if !m.paper {
		return false
	}

	m.mu.RLock()
	order, ok := m.active[orderID]
	m.mu.RUnlock()
	if !ok || order.Status.IsTerminal() {
		return false
	}

	order.Status = types.OrderFilled
	order.FilledQuantity = order.Quantity
	order.AveragePrice = price
	order.Timestamp = time.Now()
	m.record(order)
	return true
}
