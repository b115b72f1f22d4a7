package common

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// OrderType denotes the order types the gateway places.
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC      TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC      TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK      TimeInForce = "FOK" // Fill Or Kill
	TIFPostOnly TimeInForce = "PostOnly"
)

// OrderStatus normalizes venue status into a small set.
type OrderStatus string

const (
	StatusNew             OrderStatus = "New"
	StatusPartiallyFilled OrderStatus = "PartiallyFilled"
	StatusFilled          OrderStatus = "Filled"
	StatusCancelled       OrderStatus = "Cancelled"
	StatusRejected        OrderStatus = "Rejected"
)

// IsTerminal reports whether the order can no longer change on the venue.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Rank orders statuses by precedence: terminal > PartiallyFilled > New.
func (s OrderStatus) Rank() int {
	switch {
	case s.IsTerminal():
		return 3
	case s == StatusPartiallyFilled:
		return 2
	case s == StatusNew:
		return 1
	}
	return 0
}

// Source records which path last wrote an order record.
type Source string

const (
	SourcePush            Source = "Push"
	SourceReconciliation  Source = "Reconciliation"
	SourceLocalOptimistic Source = "LocalOptimistic"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "Long"
	PositionShort PositionSide = "Short"
)

// Order is the gateway's view of a venue order.
type Order struct {
	OrderID       string          `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Price         decimal.Decimal `json:"price"`
	Qty           decimal.Decimal `json:"qty"`
	CumExecQty    decimal.Decimal `json:"cumExecQty"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	Status        OrderStatus     `json:"status"`
	RejectReason  string          `json:"rejectReason,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	Source        Source          `json:"source"`
}

// Position is an absolute position snapshot for one side.
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Size          decimal.Decimal `json:"size"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	UnrealisedPnl decimal.Decimal `json:"unrealisedPnl"`
	Leverage      decimal.Decimal `json:"leverage"`
	LiqPrice      decimal.Decimal `json:"liqPrice"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Balance is the available margin in one coin.
type Balance struct {
	Coin      string          `json:"coin"`
	Available decimal.Decimal `json:"available"`
	Wallet    decimal.Decimal `json:"wallet"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Execution is a single trade reported by the venue.
type Execution struct {
	ExecID    string          `json:"execId"`
	OrderID   string          `json:"orderId"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Qty       decimal.Decimal `json:"qty"`
	Price     decimal.Decimal `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	IsMaker   bool            `json:"isMaker"`
	Timestamp time.Time       `json:"timestamp"`
}

// Fill records an order that reached Filled.
type Fill struct {
	OrderID       string          `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	Price         decimal.Decimal `json:"price"`
	FilledAt      time.Time       `json:"filledAt"`
}

// PlaceParams are the venue parameters for a new order.
type PlaceParams struct {
	Category      string
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           decimal.Decimal
	Price         decimal.Decimal // ignored for market orders
	TimeInForce   TimeInForce
	ClientOrderID string
	ReduceOnly    bool
}

// AmendParams change price and/or quantity of an open order.
type AmendParams struct {
	Category      string
	Symbol        string
	OrderID       string
	ClientOrderID string
	Price         *decimal.Decimal
	Qty           *decimal.Decimal
}

// CancelParams identify one order to cancel.
type CancelParams struct {
	Category      string
	Symbol        string
	OrderID       string
	ClientOrderID string
}

// OrderAck is the venue acknowledgement of a place/amend/cancel.
type OrderAck struct {
	OrderID       string `json:"orderId"`
	ClientOrderID string `json:"orderLinkId"`
}
