package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order
type OrderSide string

const (
	OrderBuy  OrderSide = "BUY"
	OrderSell OrderSide = "SELL"
)

// OrderType selects how an order executes
type OrderType string

const (
	OrderMarket     OrderType = "MARKET"
	OrderLimit      OrderType = "LIMIT"
	OrderStopMarket OrderType = "STOP_MARKET"
)

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderOpen            OrderStatus = "OPEN"
	OrderFilled          OrderStatus = "FILLED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the status admits no further transitions
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// OrderRequest describes an order to be placed
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal // required for LIMIT
	StopPrice     decimal.Decimal // required for STOP_MARKET
	Leverage      int
	ReduceOnly    bool
	TimeInForce   string // default GTC
	ClientOrderID string
}

// OrderResult is the translated exchange response for an order
type OrderResult struct {
	Success        bool
	OrderID        string
	Symbol         string
	Side           OrderSide
	Status         OrderStatus
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	AveragePrice   decimal.Decimal
	Commission     decimal.Decimal
	ErrorMessage   string
	Timestamp      time.Time
}
