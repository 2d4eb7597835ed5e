package position

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantflow/tradeguard/types"
)

func signal(symbol, direction string) types.Signal {
	return types.Signal{
		Symbol:    symbol,
		Direction: direction,
		Price:     decimal.NewFromInt(50000),
		Timestamp: time.Now(),
	}
}

func TestValidateTransitionTable(t *testing.T) {
	tests := []struct {
		name      string
		state     types.PositionState
		direction string
		wantType  types.SignalType
		wantNext  types.PositionState
	}{
		{"flat buy opens long", types.PositionFlat, "BUY", types.SignalBuyOpen, types.PositionLong},
		{"flat sell opens short", types.PositionFlat, "SELL", types.SignalSellOpen, types.PositionShort},
		{"long sell closes", types.PositionLong, "SELL", types.SignalSellClose, types.PositionFlat},
		{"short buy closes", types.PositionShort, "BUY", types.SignalBuyClose, types.PositionFlat},
		{"long buy invalid", types.PositionLong, "BUY", types.SignalInvalid, types.PositionLong},
		{"short sell invalid", types.PositionShort, "SELL", types.SignalInvalid, types.PositionShort},
		{"hold is hold", types.PositionLong, "HOLD", types.SignalHold, types.PositionLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(0)
			tr.Restore(types.Position{Symbol: "BTCUSDT", State: tt.state})

			enhanced := tr.Validate(signal("BTCUSDT", tt.direction))
			assert.Equal(t, tt.wantType, enhanced.Type)
			assert.Equal(t, tt.state, enhanced.CurrentPosition)
			assert.Equal(t, tt.wantNext, enhanced.TargetPosition)
		})
	}
}

func TestInvalidSignalDoesNotMutate(t *testing.T) {
	tr := NewTracker(0)
	entry := decimal.NewFromInt(50000)
	qty := decimal.NewFromFloat(0.01)

	open := tr.Validate(signal("BTCUSDT", "BUY"))
	require.NoError(t, tr.Open(open, entry, qty, decimal.NewFromInt(49000), decimal.NewFromInt(52000)))

	// Pyramiding attempt while LONG
	enhanced := tr.Validate(signal("BTCUSDT", "BUY"))
	assert.Equal(t, types.SignalInvalid, enhanced.Type)
	assert.False(t, enhanced.IsValid())
	assert.False(t, enhanced.IsActionable())

	pos := tr.Get("BTCUSDT")
	assert.Equal(t, types.PositionLong, pos.State)
	assert.True(t, pos.EntryPrice.Equal(entry))
	assert.True(t, pos.Quantity.Equal(qty))
}

func TestUnknownDirectionIsInvalid(t *testing.T) {
	tr := NewTracker(0)
	enhanced := tr.Validate(signal("BTCUSDT", "SIDEWAYS"))
	assert.Equal(t, types.SignalInvalid, enhanced.Type)
}

func TestOpenRejectsNonOpenSignal(t *testing.T) {
	tr := NewTracker(0)
	enhanced := tr.Validate(signal("BTCUSDT", "HOLD"))
	err := tr.Open(enhanced, decimal.NewFromInt(50000), decimal.NewFromFloat(0.01), decimal.Zero, decimal.Zero)
	assert.Error(t, err)
}

func TestOpenRejectsDoubleOpen(t *testing.T) {
	tr := NewTracker(0)
	open := tr.Validate(signal("BTCUSDT", "BUY"))
	require.NoError(t, tr.Open(open, decimal.NewFromInt(50000), decimal.NewFromFloat(0.01), decimal.Zero, decimal.Zero))

	// Stale enhanced signal applied twice
	err := tr.Open(open, decimal.NewFromInt(50100), decimal.NewFromFloat(0.01), decimal.Zero, decimal.Zero)
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	tr := NewTracker(0)
	open := tr.Validate(signal("BTCUSDT", "BUY"))
	require.NoError(t, tr.Open(open, decimal.NewFromInt(50000), decimal.NewFromFloat(0.01), decimal.Zero, decimal.Zero))

	closed, ok := tr.Close("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, types.PositionLong, closed.State)

	// Second close is a no-op
	_, ok = tr.Close("BTCUSDT")
	assert.False(t, ok)
	assert.Equal(t, types.PositionFlat, tr.Get("BTCUSDT").State)
}

func TestCloseUnknownSymbolIsNoop(t *testing.T) {
	tr := NewTracker(0)
	_, ok := tr.Close("NOPEUSDT")
	assert.False(t, ok)
}

func TestUpdatePnL(t *testing.T) {
	tr := NewTracker(0)
	qty := decimal.NewFromFloat(0.5)

	long := tr.Validate(signal("BTCUSDT", "BUY"))
	require.NoError(t, tr.Open(long, decimal.NewFromInt(50000), qty, decimal.Zero, decimal.Zero))

	pos, ok := tr.UpdatePnL("BTCUSDT", decimal.NewFromInt(51000))
	require.True(t, ok)
	assert.True(t, pos.UnrealizedPnL.Equal(decimal.NewFromInt(500)), "got %s", pos.UnrealizedPnL)

	short := tr.Validate(signal("ETHUSDT", "SELL"))
	require.NoError(t, tr.Open(short, decimal.NewFromInt(3000), decimal.NewFromInt(2), decimal.Zero, decimal.Zero))

	pos, ok = tr.UpdatePnL("ETHUSDT", decimal.NewFromInt(2900))
	require.True(t, ok)
	assert.True(t, pos.UnrealizedPnL.Equal(decimal.NewFromInt(200)), "got %s", pos.UnrealizedPnL)

	_, ok = tr.UpdatePnL("SOLUSDT", decimal.NewFromInt(100))
	assert.False(t, ok)
}

func TestCooldown(t *testing.T) {
	tr := NewTracker(time.Hour)

	assert.True(t, tr.IsSignalAllowed("BTCUSDT"))
	tr.MarkSignal("BTCUSDT")
	assert.False(t, tr.IsSignalAllowed("BTCUSDT"))

	// Other symbols are unaffected
	assert.True(t, tr.IsSignalAllowed("ETHUSDT"))

	// Zero cooldown always allows
	assert.True(t, NewTracker(0).IsSignalAllowed("BTCUSDT"))
}

func TestActiveReturnsOnlyOpenPositions(t *testing.T) {
	tr := NewTracker(0)

	open := tr.Validate(signal("BTCUSDT", "BUY"))
	require.NoError(t, tr.Open(open, decimal.NewFromInt(50000), decimal.NewFromFloat(0.01), decimal.Zero, decimal.Zero))
	tr.Validate(signal("ETHUSDT", "HOLD")) // creates a FLAT entry

	active := tr.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "BTCUSDT", active[0].Symbol)
}
