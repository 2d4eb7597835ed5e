package portfolio

import (
	"github.com/quantflow/tradeguard/storage"
	"github.com/quantflow/tradeguard/types"
)

// Snapshot captures the whole portfolio state for persistence
func (m *Manager) Snapshot() storage.Snapshot {
	positions := m.tracker.Active()

	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := storage.Snapshot{
		InitialBalance: m.initialBalance,
		Balance:        m.balance,
		Positions:      positions,
		Open:           make(map[string]storage.OpenState, len(m.open)),
		History:        make([]types.TradeRecord, len(m.history)),
	}
	copy(snap.History, m.history)
	for symbol, s := range m.open {
		snap.Open[symbol] = storage.OpenState{
			Margin:     s.Margin,
			RiskAmount: s.RiskAmount,
			Value:      s.Value,
			Strategy:   s.Strategy,
			SignalType: s.SignalType,
		}
	}
	return snap
}

// Restore replaces the portfolio state with a loaded snapshot
func (m *Manager) Restore(snap storage.Snapshot) {
	for _, pos := range snap.Positions {
		m.tracker.Restore(pos)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.InitialBalance.Sign() > 0 {
		m.initialBalance = snap.InitialBalance
	}
	m.balance = snap.Balance
	m.history = append(m.history[:0], snap.History...)
	m.open = make(map[string]*openState, len(snap.Open))
	for symbol, s := range snap.Open {
		m.open[symbol] = &openState{
			Margin:     s.Margin,
			RiskAmount: s.RiskAmount,
			Value:      s.Value,
			Strategy:   s.Strategy,
			SignalType: s.SignalType,
		}
	}
}
