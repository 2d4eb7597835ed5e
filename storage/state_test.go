package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantflow/tradeguard/types"
)

func sampleSnapshot() Snapshot {
	return Snapshot{
		InitialBalance: decimal.NewFromInt(1000),
		Balance:        decimal.NewFromInt(980),
		Positions: []types.Position{
			{
				Symbol:     "BTCUSDT",
				State:      types.PositionLong,
				EntryPrice: decimal.NewFromInt(50000),
				Quantity:   decimal.NewFromFloat(0.002),
				StopLoss:   decimal.NewFromInt(49000),
				TakeProfit: decimal.NewFromInt(52000),
			},
		},
		Open: map[string]OpenState{
			"BTCUSDT": {
				Margin:     decimal.NewFromInt(20),
				RiskAmount: decimal.NewFromInt(2),
				Value:      decimal.NewFromInt(100),
				Strategy:   "momentum",
				SignalType: types.SignalBuyOpen,
			},
		},
		History: []types.TradeRecord{
			{Symbol: "ETHUSDT", PnL: decimal.NewFromInt(5)},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "portfolio.json")
	store := NewStore(path)
	require.True(t, store.Enabled())

	require.NoError(t, store.Save(sampleSnapshot()))

	loaded, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, loaded.Balance.Equal(decimal.NewFromInt(980)))
	assert.True(t, loaded.InitialBalance.Equal(decimal.NewFromInt(1000)))
	assert.False(t, loaded.SavedAt.IsZero())

	require.Len(t, loaded.Positions, 1)
	assert.Equal(t, types.PositionLong, loaded.Positions[0].State)
	assert.True(t, loaded.Positions[0].Quantity.Equal(decimal.NewFromFloat(0.002)))

	state, exists := loaded.Open["BTCUSDT"]
	require.True(t, exists)
	assert.True(t, state.Margin.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, types.SignalBuyOpen, state.SignalType)

	require.Len(t, loaded.History, 1)
	assert.True(t, loaded.History[0].PnL.Equal(decimal.NewFromInt(5)))
}

func TestSaveOverwritesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portfolio.json")
	store := NewStore(path)

	snap := sampleSnapshot()
	require.NoError(t, store.Save(snap))

	snap.Balance = decimal.NewFromInt(500)
	require.NoError(t, store.Save(snap))

	loaded, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, loaded.Balance.Equal(decimal.NewFromInt(500)))

	// No temp file left behind
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestLoadMissingFileStartsClean(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "nope.json"))

	_, ok, err := store.Load()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadCorruptFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portfolio.json")
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o644))

	store := NewStore(path)
	_, ok, err := store.Load()
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestDisabledStore(t *testing.T) {
	store := NewStore("")
	assert.False(t, store.Enabled())

	require.NoError(t, store.Save(sampleSnapshot()))
	_, ok, err := store.Load()
	require.NoError(t, err)
	assert.False(t, ok)
}
