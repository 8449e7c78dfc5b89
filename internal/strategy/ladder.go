package strategy

import (
	"github.com/shopspring/decimal"

	"grid-martingale/internal/core"
	"grid-martingale/internal/params"
)

var one = decimal.NewFromInt(1)

// LevelPrice returns the entry price of the 1-based ladder level for the
// given side, snapped to the tick toward the worse side of the trade so a
// printed level is always reachable.
func LevelPrice(center decimal.Decimal, p params.Params, rules core.Rules, side core.PositionSide, level int) decimal.Decimal {
	dist := p.LevelDistances[level-1]
	var price decimal.Decimal
	if side == core.PositionShort {
		price = center.Mul(one.Add(dist))
	} else {
		price = center.Mul(one.Sub(dist))
	}
	return core.RoundPriceForEntry(price, rules.PriceTick, side)
}

// SLPrice returns the stop trigger for the given side.
func SLPrice(center decimal.Decimal, p params.Params, rules core.Rules, side core.PositionSide) decimal.Decimal {
	var price decimal.Decimal
	if side == core.PositionShort {
		price = center.Mul(one.Add(p.SLDistance))
	} else {
		price = center.Mul(one.Sub(p.SLDistance))
	}
	return core.RoundPriceForEntry(price, rules.PriceTick, side)
}

// TPPrice returns the full-exit limit price from the average entry.
func TPPrice(avg decimal.Decimal, p params.Params, rules core.Rules, side core.PositionSide) decimal.Decimal {
	return exitPrice(avg, p.TPPct, rules, side)
}

// BEPrice returns the partial-exit limit price from the average entry.
func BEPrice(avg decimal.Decimal, p params.Params, rules core.Rules, side core.PositionSide) decimal.Decimal {
	return exitPrice(avg, p.BEPct, rules, side)
}

func exitPrice(avg, pct decimal.Decimal, rules core.Rules, side core.PositionSide) decimal.Decimal {
	var price decimal.Decimal
	if side == core.PositionShort {
		price = avg.Mul(one.Sub(pct))
		return core.RoundUp(price, rules.PriceTick)
	}
	price = avg.Mul(one.Add(pct))
	return core.RoundDown(price, rules.PriceTick)
}

// RecenterFromAvg derives the grid center that would put Level 1 at the
// given average price. Used after a partial break-even exit.
func RecenterFromAvg(avg decimal.Decimal, p params.Params, side core.PositionSide) decimal.Decimal {
	d1 := p.LevelDistances[0]
	if side == core.PositionShort {
		return avg.Div(one.Add(d1))
	}
	return avg.Div(one.Sub(d1))
}

// EntryQty sizes the 1-based level from capital, per-level ratio and
// leverage, truncated onto the venue step.
func EntryQty(capital decimal.Decimal, p params.Params, rules core.Rules, side core.PositionSide, level int, price decimal.Decimal) decimal.Decimal {
	if price.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero
	}
	leverage := decimal.NewFromInt(int64(p.Leverage(side)))
	notional := capital.Mul(p.EntryRatios[level-1]).Mul(leverage)
	return core.TruncateQty(notional.Div(price), rules.QtyStep)
}

// entrySide maps the position side onto the order side that opens it.
func entrySide(side core.PositionSide) core.Side {
	if side == core.PositionShort {
		return core.Sell
	}
	return core.Buy
}

// closeSide maps the position side onto the order side that closes it.
func closeSide(side core.PositionSide) core.Side {
	if side == core.PositionShort {
		return core.Buy
	}
	return core.Sell
}
