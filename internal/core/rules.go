package core

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrBelowMinQty      = errors.New("qty below min")
	ErrBelowMinNotional = errors.New("notional below min")
)

// Rules are the venue filters for one symbol.
type Rules struct {
	MinQty      decimal.Decimal `json:"min_qty"`
	MinNotional decimal.Decimal `json:"min_notional"`
	PriceTick   decimal.Decimal `json:"price_tick"`
	QtyStep     decimal.Decimal `json:"qty_step"`
}

// RoundDown truncates value to a multiple of step toward zero.
func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// RoundUp rounds value to a multiple of step away from zero.
func RoundUp(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Ceil().Mul(step)
}

// RoundPriceForEntry rounds a ladder price to the tick toward the worse side
// of the trade so a printed level is always reachable: down for LONG entries,
// up for SHORT entries.
func RoundPriceForEntry(price, tick decimal.Decimal, side PositionSide) decimal.Decimal {
	if side == PositionShort {
		return RoundUp(price, tick)
	}
	return RoundDown(price, tick)
}

// TruncateQty rounds a quantity down to the venue step. Closes round toward
// smaller size so reduce-only orders never exceed the position.
func TruncateQty(qty, step decimal.Decimal) decimal.Decimal {
	return RoundDown(qty, step)
}

// NormalizeOrder snaps an order onto the venue filters and rejects orders
// that fall below them.
func NormalizeOrder(order Order, rules Rules) (Order, error) {
	if order.Qty.Cmp(decimal.Zero) <= 0 && order.Type != StopMarket {
		return order, ErrInvalidOrder
	}
	if rules.QtyStep.Cmp(decimal.Zero) > 0 {
		order.Qty = RoundDown(order.Qty, rules.QtyStep)
	}
	switch order.Type {
	case StopMarket:
		if order.StopPrice.Cmp(decimal.Zero) <= 0 {
			return order, ErrInvalidOrder
		}
		if rules.PriceTick.Cmp(decimal.Zero) > 0 {
			order.StopPrice = RoundDown(order.StopPrice, rules.PriceTick)
		}
		return order, nil
	case Market:
		if order.Qty.Cmp(decimal.Zero) <= 0 {
			return order, ErrInvalidOrder
		}
		return order, nil
	}
	if rules.MinQty.Cmp(decimal.Zero) > 0 && order.Qty.Cmp(rules.MinQty) < 0 {
		return order, ErrBelowMinQty
	}
	if order.Qty.Cmp(decimal.Zero) <= 0 {
		return order, ErrInvalidOrder
	}
	if order.Price.Cmp(decimal.Zero) <= 0 {
		return order, ErrInvalidOrder
	}
	if rules.PriceTick.Cmp(decimal.Zero) > 0 {
		order.Price = RoundDown(order.Price, rules.PriceTick)
	}
	if rules.MinNotional.Cmp(decimal.Zero) > 0 {
		notional := order.Price.Mul(order.Qty)
		if notional.Cmp(rules.MinNotional) < 0 {
			return order, ErrBelowMinNotional
		}
	}
	return order, nil
}
