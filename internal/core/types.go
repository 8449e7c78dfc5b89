package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type OrderStatus string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Limit      OrderType = "LIMIT"
	Market     OrderType = "MARKET"
	StopMarket OrderType = "STOP_MARKET"
)

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// PositionSide is the side of the held position, not of an order.
type PositionSide string

const (
	PositionNone  PositionSide = "NONE"
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// TradeDirection governs which sides of the ladder are armed.
type TradeDirection string

const (
	DirectionLong  TradeDirection = "LONG"
	DirectionShort TradeDirection = "SHORT"
	DirectionBoth  TradeDirection = "BOTH"
)

func (d TradeDirection) Valid() bool {
	switch d {
	case DirectionLong, DirectionShort, DirectionBoth:
		return true
	}
	return false
}

// Arms reports whether entries on the given position side are allowed.
func (d TradeDirection) Arms(side PositionSide) bool {
	switch d {
	case DirectionBoth:
		return side == PositionLong || side == PositionShort
	case DirectionLong:
		return side == PositionLong
	case DirectionShort:
		return side == PositionShort
	}
	return false
}

// OrderKind labels the logical slot an order occupies in the ladder.
type OrderKind string

const (
	KindEntry OrderKind = "ENTRY"
	KindTP    OrderKind = "TP"
	KindBE    OrderKind = "BE"
	KindSL    OrderKind = "SL"
)

// Order is the venue-facing view of a resting order.
type Order struct {
	ID            string
	ClientID      string
	Symbol        string
	Side          Side
	Type          OrderType
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	Qty           decimal.Decimal
	ReduceOnly    bool
	ClosePosition bool
	Status        OrderStatus
	CreatedAt     time.Time
}

// Position is the venue's authoritative view of the held position.
type Position struct {
	Symbol        string
	Side          PositionSide
	Qty           decimal.Decimal
	AvgPrice      decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

func (p Position) Flat() bool {
	return p.Side == PositionNone || p.Qty.Cmp(decimal.Zero) == 0
}

// Bar is a closed kline.
type Bar struct {
	Symbol    string
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CloseTime time.Time
}
