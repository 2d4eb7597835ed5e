package orders

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantflow/tradeguard/types"
)

func paperManager() *Manager {
	return NewManager(nil, nil, true, time.Minute)
}

func marketBuy(symbol string) types.OrderRequest {
	return types.OrderRequest{
		Symbol:   symbol,
		Side:     types.OrderBuy,
		Type:     types.OrderMarket,
		Quantity: decimal.NewFromFloat(0.002),
		Price:    decimal.NewFromInt(50000),
	}
}

func limitSell(symbol string) types.OrderRequest {
	return types.OrderRequest{
		Symbol:   symbol,
		Side:     types.OrderSell,
		Type:     types.OrderLimit,
		Quantity: decimal.NewFromFloat(0.002),
		Price:    decimal.NewFromInt(52000),
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.OrderRequest)
	}{
		{"empty symbol", func(r *types.OrderRequest) { r.Symbol = " " }},
		{"invalid side", func(r *types.OrderRequest) { r.Side = "LONG" }},
		{"invalid type", func(r *types.OrderRequest) { r.Type = "ICEBERG" }},
		{"zero quantity", func(r *types.OrderRequest) { r.Quantity = decimal.Zero }},
		{"negative quantity", func(r *types.OrderRequest) { r.Quantity = decimal.NewFromInt(-1) }},
		{"limit without price", func(r *types.OrderRequest) {
			r.Type = types.OrderLimit
			r.Price = decimal.Zero
		}},
		{"stop without stop price", func(r *types.OrderRequest) {
			r.Type = types.OrderStopMarket
			r.StopPrice = decimal.Zero
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := paperManager()
			req := marketBuy("BTCUSDT")
			tt.mutate(&req)

			result, err := m.Place(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, types.OrderRejected, result.Status)
			assert.False(t, result.Success)
			assert.NotEmpty(t, result.ErrorMessage)

			// Rejections land in history, not the active map
			assert.Empty(t, m.Active())
			assert.Equal(t, 1, m.Summarize().History)
		})
	}
}

func TestValidateDefaultsTimeInForce(t *testing.T) {
	req := limitSell("BTCUSDT")
	require.NoError(t, validate(&req))
	assert.Equal(t, "GTC", req.TimeInForce)

	req.TimeInForce = "IOC"
	require.NoError(t, validate(&req))
	assert.Equal(t, "IOC", req.TimeInForce)
}

func TestPaperMarketOrderFillsImmediately(t *testing.T) {
	m := paperManager()

	result, err := m.Place(context.Background(), marketBuy("BTCUSDT"))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, types.OrderFilled, result.Status)
	assert.True(t, result.FilledQuantity.Equal(decimal.NewFromFloat(0.002)))
	assert.True(t, result.AveragePrice.Equal(decimal.NewFromInt(50000)))
	assert.NotEmpty(t, result.OrderID)

	// Filled is terminal: straight to history
	assert.Empty(t, m.Active())
	summary := m.Summarize()
	assert.Equal(t, 1, summary.History)
	assert.Equal(t, 1, summary.ByStatus[types.OrderFilled])
}

func TestPaperLimitOrderRestsOpen(t *testing.T) {
	m := paperManager()

	result, err := m.Place(context.Background(), limitSell("BTCUSDT"))
	require.NoError(t, err)

	assert.Equal(t, types.OrderOpen, result.Status)
	assert.True(t, result.FilledQuantity.IsZero())
	require.Len(t, m.Active(), 1)

	status, ok := m.Status(result.OrderID)
	require.True(t, ok)
	assert.Equal(t, types.OrderOpen, status.Status)
}

func TestFillPaperOrder(t *testing.T) {
	m := paperManager()

	result, err := m.Place(context.Background(), limitSell("BTCUSDT"))
	require.NoError(t, err)

	filled := m.FillPaperOrder(result.OrderID, decimal.NewFromInt(52100))
	require.True(t, filled)

	status, ok := m.Status(result.OrderID)
	require.True(t, ok)
	assert.Equal(t, types.OrderFilled, status.Status)
	assert.True(t, status.AveragePrice.Equal(decimal.NewFromInt(52100)))
	assert.True(t, status.FilledQuantity.Equal(status.Quantity))
	assert.Empty(t, m.Active())

	// Already terminal
	assert.False(t, m.FillPaperOrder(result.OrderID, decimal.NewFromInt(52200)))
	assert.False(t, m.FillPaperOrder("unknown", decimal.NewFromInt(1)))
}

func TestCancel(t *testing.T) {
	m := paperManager()

	result, err := m.Place(context.Background(), limitSell("BTCUSDT"))
	require.NoError(t, err)

	require.NoError(t, m.Cancel(context.Background(), result.OrderID, "BTCUSDT"))

	status, ok := m.Status(result.OrderID)
	require.True(t, ok)
	assert.Equal(t, types.OrderCancelled, status.Status)
	assert.Empty(t, m.Active())

	// Cancelled orders are no longer active
	assert.Error(t, m.Cancel(context.Background(), result.OrderID, "BTCUSDT"))
	assert.Error(t, m.Cancel(context.Background(), "unknown", "BTCUSDT"))
}

func TestStatusSearchesHistory(t *testing.T) {
	m := paperManager()

	first, err := m.Place(context.Background(), marketBuy("BTCUSDT"))
	require.NoError(t, err)
	second, err := m.Place(context.Background(), marketBuy("ETHUSDT"))
	require.NoError(t, err)

	status, ok := m.Status(first.OrderID)
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", status.Symbol)

	status, ok = m.Status(second.OrderID)
	require.True(t, ok)
	assert.Equal(t, "ETHUSDT", status.Symbol)

	_, ok = m.Status("missing")
	assert.False(t, ok)
}

func TestCallbacksFireOnStatusChange(t *testing.T) {
	m := paperManager()

	var events []types.OrderResult
	m.OnFill(func(r types.OrderResult) {
		events = append(events, r)
	})

	placed, err := m.Place(context.Background(), limitSell("BTCUSDT"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.OrderOpen, events[0].Status)

	require.True(t, m.FillPaperOrder(placed.OrderID, decimal.NewFromInt(52000)))
	require.Len(t, events, 2)
	assert.Equal(t, types.OrderFilled, events[1].Status)
}

func TestStartStopIdempotent(t *testing.T) {
	m := paperManager()
	m.Start()
	m.Start()
	m.Stop()
	m.Stop()
}
