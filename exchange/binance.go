package exchange

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantflow/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BINANCE FUTURES ADAPTER
// ═══════════════════════════════════════════════════════════════════════════════

// Binance adapts the Binance USD-M futures API to the Client interface
type Binance struct {
	client *futures.Client
}

// NewBinance creates a Binance futures adapter. Keys may be empty for
// public-data-only use (prices, limits, candles).
func NewBinance(apiKey, apiSecret string, testnet bool) *Binance {
	futures.UseTestnet = testnet

	client := futures.NewClient(apiKey, apiSecret)

	log.Info().
		Bool("testnet", testnet).
		Bool("authenticated", apiKey != "").
		Msg("🔌 Binance futures client initialized")

	return &Binance{client: client}
}

// Name returns the exchange identifier
func (b *Binance) Name() string { return "binance" }

// FetchPrice returns the latest traded price for a symbol
func (b *Binance) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch price %s: %w", symbol, err)
	}
	if len(prices) == 0 {
		return decimal.Zero, fmt.Errorf("fetch price %s: empty response", symbol)
	}
	return decimal.NewFromString(prices[0].Price)
}

// FetchLimits builds an ExchangeLimits snapshot from exchange info and
// the symbol's first leverage bracket
func (b *Binance) FetchLimits(ctx context.Context, symbol string) (*types.ExchangeLimits, error) {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch exchange info: %w", err)
	}

	var sym *futures.Symbol
	for i := range info.Symbols {
		if info.Symbols[i].Symbol == symbol {
			sym = &info.Symbols[i]
			break
		}
	}
	if sym == nil {
		return nil, fmt.Errorf("symbol %s not listed", symbol)
	}

	limits := &types.ExchangeLimits{
		Symbol:   symbol,
		Exchange: b.Name(),
	}

	if f := sym.LotSizeFilter(); f != nil {
		limits.MinQty = mustDecimal(f.MinQuantity)
		limits.MaxQty = mustDecimal(f.MaxQuantity)
		limits.QtyStep = mustDecimal(f.StepSize)
	}
	if f := sym.PriceFilter(); f != nil {
		limits.PriceStep = mustDecimal(f.TickSize)
	}
	if f := sym.MinNotionalFilter(); f != nil {
		limits.MinNotional = mustDecimal(f.Notional)
	}

	brackets, err := b.client.NewGetLeverageBracketService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch leverage brackets %s: %w", symbol, err)
	}
	if len(brackets) > 0 && len(brackets[0].Brackets) > 0 {
		first := brackets[0].Brackets[0]
		limits.MaxLeverage = first.InitialLeverage
		limits.MaintenanceMarginRate = decimal.NewFromFloat(first.MaintMarginRatio)
	}

	return limits, nil
}

// FetchCandles returns recent closed klines for a symbol
func (b *Binance) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error) {
	klines, err := b.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch klines %s: %w", symbol, err)
	}

	candles := make([]types.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, types.Candle{
			Symbol:   symbol,
			OpenTime: time.UnixMilli(k.OpenTime),
			Open:     mustDecimal(k.Open),
			High:     mustDecimal(k.High),
			Low:      mustDecimal(k.Low),
			Close:    mustDecimal(k.Close),
			Volume:   mustDecimal(k.Volume),
			Trades:   k.TradeNum,
		})
	}
	return candles, nil
}

// FetchBalance returns the available balance for an asset
func (b *Binance) FetchBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	balances, err := b.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch balance: %w", err)
	}
	for _, bal := range balances {
		if bal.Asset == asset {
			return decimal.NewFromString(bal.AvailableBalance)
		}
	}
	return decimal.Zero, nil
}

// PlaceOrder submits an order and translates the response
func (b *Binance) PlaceOrder(ctx context.Context, req *types.OrderRequest) (*types.OrderResult, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		Quantity(req.Quantity.String())

	if req.Type == types.OrderLimit {
		tif := req.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		svc = svc.Price(req.Price.String()).TimeInForce(futures.TimeInForceType(tif))
	}
	if req.Type == types.OrderStopMarket {
		svc = svc.StopPrice(req.StopPrice.String())
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("place order %s %s: %w", req.Symbol, req.Side, err)
	}

	return &types.OrderResult{
		Success:        true,
		OrderID:        strconv.FormatInt(resp.OrderID, 10),
		Symbol:         resp.Symbol,
		Side:           req.Side,
		Status:         translateStatus(resp.Status),
		Quantity:       req.Quantity,
		FilledQuantity: mustDecimal(resp.ExecutedQuantity),
		AveragePrice:   mustDecimal(resp.AvgPrice),
		Timestamp:      time.Now(),
	}, nil
}

// CancelOrder cancels an open order
func (b *Binance) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", orderID, err)
	}
	if _, err := b.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

// FetchOrder returns the live status of an order
func (b *Binance) FetchOrder(ctx context.Context, symbol, orderID string) (*types.OrderResult, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid order id %q: %w", orderID, err)
	}

	order, err := b.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch order %s: %w", orderID, err)
	}

	return &types.OrderResult{
		Success:        true,
		OrderID:        orderID,
		Symbol:         order.Symbol,
		Side:           types.OrderSide(order.Side),
		Status:         translateStatus(order.Status),
		Quantity:       mustDecimal(order.OrigQuantity),
		FilledQuantity: mustDecimal(order.ExecutedQuantity),
		AveragePrice:   mustDecimal(order.AvgPrice),
		Timestamp:      time.UnixMilli(order.UpdateTime),
	}, nil
}

// SetLeverage configures leverage for a symbol
func (b *Binance) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if _, err := b.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx); err != nil {
		return fmt.Errorf("set leverage %s %dx: %w", symbol, leverage, err)
	}
	return nil
}

// translateStatus maps Binance order states onto the lifecycle enum
func translateStatus(s futures.OrderStatusType) types.OrderStatus {
	switch s {
	case futures.OrderStatusTypeNew:
		return types.OrderOpen
	case futures.OrderStatusTypePartiallyFilled:
		return types.OrderPartiallyFilled
	case futures.OrderStatusTypeFilled:
		return types.OrderFilled
	case futures.OrderStatusTypeCanceled:
		return types.OrderCancelled
	case futures.OrderStatusTypeRejected:
		return types.OrderRejected
	case futures.OrderStatusTypeExpired:
		return types.OrderExpired
	}
	return types.OrderPending
}

// mustDecimal parses exchange-formatted numbers, treating garbage as zero
func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
