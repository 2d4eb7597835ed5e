package position

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantflow/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION TRACKER - Per-symbol state machine
// ═══════════════════════════════════════════════════════════════════════════════
//
// Each symbol is always in exactly one of FLAT, LONG or SHORT. Signals are
// validated against the current state before any order is considered:
//
//   FLAT  + BUY  -> BUY_OPEN   (target LONG)
//   FLAT  + SELL -> SELL_OPEN  (target SHORT)
//   LONG  + SELL -> SELL_CLOSE (target FLAT)
//   SHORT + BUY  -> BUY_CLOSE  (target FLAT)
//   LONG  + BUY  -> INVALID    (no pyramiding)
//   SHORT + SELL -> INVALID    (no pyramiding)
//   any   + HOLD -> HOLD
//
// INVALID and HOLD never mutate state and never reach the order path.
//
// ═══════════════════════════════════════════════════════════════════════════════

// transition is one row of the state machine table
type transition struct {
	signalType types.SignalType
	target     types.PositionState
}

var transitions = map[types.PositionState]map[string]transition{
	types.PositionFlat: {
		"BUY":  {types.SignalBuyOpen, types.PositionLong},
		"SELL": {types.SignalSellOpen, types.PositionShort},
	},
	types.PositionLong: {
		"BUY":  {types.SignalInvalid, types.PositionLong},
		"SELL": {types.SignalSellClose, types.PositionFlat},
	},
	types.PositionShort: {
		"BUY":  {types.SignalBuyClose, types.PositionFlat},
		"SELL": {types.SignalInvalid, types.PositionShort},
	},
}

// entry holds one symbol's state behind its own lock, so activity on one
// symbol never serializes against another
type entry struct {
	mu         sync.Mutex
	pos        types.Position
	lastSignal time.Time
}

// Tracker maintains position state for all symbols
type Tracker struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	cooldown time.Duration
}

// NewTracker creates a tracker. cooldown is the minimum spacing between
// actionable signals per symbol; zero disables it.
func NewTracker(cooldown time.Duration) *Tracker {
	return &Tracker{
		entries:  make(map[string]*entry),
		cooldown: cooldown,
	}
}

// get returns the entry for a symbol, creating a FLAT one on first use
func (t *Tracker) get(symbol string) *entry {
	t.mu.RLock()
	e, ok := t.entries[symbol]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok = t.entries[symbol]; ok {
		return e
	}
	e = &entry{pos: types.Position{Symbol: symbol, State: types.PositionFlat}}
	t.entries[symbol] = e
	return e
}

// Validate classifies a raw signal against the current position state.
// It never mutates state.
func (t *Tracker) Validate(sig types.Signal) types.EnhancedSignal {
	e := t.get(sig.Symbol)
	e.mu.Lock()
	current := e.pos.State
	e.mu.Unlock()

	enhanced := types.EnhancedSignal{
		Symbol:          sig.Symbol,
		CurrentPosition: current,
		TargetPosition:  current,
		Price:           sig.Price,
		Confidence:      sig.Confidence,
		Strategy:        sig.Strategy,
		Reason:          sig.Reason,
		Timestamp:       sig.Timestamp,
	}

	if sig.Direction == "HOLD" {
		enhanced.Type = types.SignalHold
		return enhanced
	}

	tr, ok := transitions[current][sig.Direction]
	if !ok {
		enhanced.Type = types.SignalInvalid
		enhanced.Reason = fmt.Sprintf("unknown direction %q", sig.Direction)
		return enhanced
	}

	enhanced.Type = tr.signalType
	enhanced.TargetPosition = tr.target

	if tr.signalType == types.SignalInvalid {
		log.Warn().
			Str("symbol", sig.Symbol).
			Str("direction", sig.Direction).
			Str("state", string(current)).
			Msg("Signal rejected by state machine")
	}

	return enhanced
}

// IsSignalAllowed reports whether the per-symbol cooldown has elapsed
func (t *Tracker) IsSignalAllowed(symbol string) bool {
	if t.cooldown == 0 {
		return true
	}

	e := t.get(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSignal.IsZero() || time.Since(e.lastSignal) >= t.cooldown
}

// MarkSignal records that an actionable signal was processed for a symbol
func (t *Tracker) MarkSignal(symbol string) {
	e := t.get(symbol)
	e.mu.Lock()
	e.lastSignal = time.Now()
	e.mu.Unlock()
}

// Open records a filled entry. The signal must target LONG or SHORT;
// opening over an existing position is an error.
func (t *Tracker) Open(sig types.EnhancedSignal, fillPrice, quantity, stopLoss, takeProfit decimal.Decimal) error {
	if !sig.IsOpen() {
		return fmt.Errorf("signal %s does not open a position", sig.Type)
	}

	e := t.get(sig.Symbol)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pos.State != types.PositionFlat {
		return fmt.Errorf("%s already has an open %s position", sig.Symbol, e.pos.State)
	}

	e.pos = types.Position{
		Symbol:     sig.Symbol,
		State:      sig.TargetPosition,
		EntryPrice: fillPrice,
		EntryTime:  time.Now(),
		Quantity:   quantity,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
	}

	log.Info().
		Str("symbol", sig.Symbol).
		Str("state", string(sig.TargetPosition)).
		Str("entry", fillPrice.String()).
		Str("quantity", quantity.String()).
		Msg("✅ Position opened")
	return nil
}

// Close flattens a symbol and returns the closed position. Closing a FLAT
// symbol is a no-op and returns ok=false.
func (t *Tracker) Close(symbol string) (types.Position, bool) {
	e := t.get(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pos.State == types.PositionFlat {
		return types.Position{}, false
	}

	closed := e.pos
	e.pos = types.Position{Symbol: symbol, State: types.PositionFlat}

	log.Info().
		Str("symbol", symbol).
		Str("state", string(closed.State)).
		Str("pnl", closed.UnrealizedPnL.String()).
		Msg("Position closed")
	return closed, true
}

// UpdatePnL marks a position to the given price and returns the updated
// copy. FLAT symbols return ok=false.
func (t *Tracker) UpdatePnL(symbol string, price decimal.Decimal) (types.Position, bool) {
	e := t.get(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.pos.State {
	case types.PositionLong:
		e.pos.UnrealizedPnL = price.Sub(e.pos.EntryPrice).Mul(e.pos.Quantity)
	case types.PositionShort:
		e.pos.UnrealizedPnL = e.pos.EntryPrice.Sub(price).Mul(e.pos.Quantity)
	default:
		return types.Position{}, false
	}
	return e.pos, true
}

// Get returns a copy of the position for a symbol
func (t *Tracker) Get(symbol string) types.Position {
	e := t.get(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos
}

// Active returns copies of all non-FLAT positions
func (t *Tracker) Active() []types.Position {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	active := make([]types.Position, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.pos.State != types.PositionFlat {
			active = append(active, e.pos)
		}
		e.mu.Unlock()
	}
	return active
}

// Restore overwrites a symbol's position, used when loading saved state
func (t *Tracker) Restore(pos types.Position) {
	e := t.get(pos.Symbol)
	e.mu.Lock()
	e.pos = pos
	e.mu.Unlock()
}
