package strategy

import (
	"github.com/shopspring/decimal"

	"grid-martingale/internal/core"
	"grid-martingale/internal/params"
	"grid-martingale/internal/store"
)

// DesiredOrders computes the full set of orders the strategy intends to hold
// at the venue for the given state. It is a deterministic function of
// (position_side, current_level, avg_price, grid_center) plus the parameter
// snapshot; the reconciler owns turning it into venue mutations.
//
// TP and BE are mutually exclusive: TP exists only at level 1, BE at level
// >= 2. The SL exists exactly when the deepest level is filled.
func DesiredOrders(st store.StrategyState, p params.Params, rules core.Rules) []store.DesiredOrder {
	if st.GridCenter.Cmp(decimal.Zero) <= 0 {
		return nil
	}
	if st.PositionSide == core.PositionNone {
		var out []store.DesiredOrder
		for _, side := range armedSides(p.Direction) {
			for level := 1; level <= p.MaxEntryLevel; level++ {
				if o, ok := entryOrder(st, p, rules, side, level); ok {
					out = append(out, o)
				}
			}
		}
		return out
	}

	side := st.PositionSide
	var out []store.DesiredOrder
	for level := st.CurrentLevel + 1; level <= p.MaxEntryLevel; level++ {
		if o, ok := entryOrder(st, p, rules, side, level); ok {
			out = append(out, o)
		}
	}
	if st.CurrentLevel == 1 {
		qty := core.TruncateQty(st.TotalSize, rules.QtyStep)
		if qty.Cmp(decimal.Zero) > 0 {
			out = append(out, store.DesiredOrder{
				Kind:       core.KindTP,
				Side:       closeSide(side),
				Type:       core.Limit,
				Price:      TPPrice(st.AvgPrice, p, rules, side),
				Qty:        qty,
				ReduceOnly: true,
			})
		}
	} else if st.CurrentLevel >= 2 {
		qty := core.TruncateQty(st.TotalSize.Sub(st.Level1Qty), rules.QtyStep)
		if qty.Cmp(decimal.Zero) > 0 {
			out = append(out, store.DesiredOrder{
				Kind:       core.KindBE,
				Side:       closeSide(side),
				Type:       core.Limit,
				Price:      BEPrice(st.AvgPrice, p, rules, side),
				Qty:        qty,
				ReduceOnly: true,
			})
		}
	}
	if st.CurrentLevel >= p.MaxEntryLevel {
		out = append(out, store.DesiredOrder{
			Kind:          core.KindSL,
			Side:          closeSide(side),
			Type:          core.StopMarket,
			StopPrice:     SLPrice(st.GridCenter, p, rules, side),
			ClosePosition: true,
		})
	}
	return out
}

func entryOrder(st store.StrategyState, p params.Params, rules core.Rules, side core.PositionSide, level int) (store.DesiredOrder, bool) {
	price := LevelPrice(st.GridCenter, p, rules, side, level)
	qty := EntryQty(st.Capital, p, rules, side, level, price)
	if price.Cmp(decimal.Zero) <= 0 || qty.Cmp(decimal.Zero) <= 0 {
		return store.DesiredOrder{}, false
	}
	return store.DesiredOrder{
		Kind:  core.KindEntry,
		Level: level,
		Side:  entrySide(side),
		Type:  core.Limit,
		Price: price,
		Qty:   qty,
	}, true
}

func armedSides(d core.TradeDirection) []core.PositionSide {
	switch d {
	case core.DirectionShort:
		return []core.PositionSide{core.PositionShort}
	case core.DirectionBoth:
		return []core.PositionSide{core.PositionLong, core.PositionShort}
	default:
		return []core.PositionSide{core.PositionLong}
	}
}

// carryOrderIDs preserves venue ids for desired orders that survived a
// transition unchanged, so the reconciler does not churn resting orders.
func carryOrderIDs(next, prev []store.DesiredOrder) []store.DesiredOrder {
	for i := range next {
		for _, old := range prev {
			if old.OrderID == "" {
				continue
			}
			if sameSlot(next[i], old) {
				next[i].OrderID = old.OrderID
				next[i].ClientID = old.ClientID
				break
			}
		}
	}
	return next
}

func sameSlot(a, b store.DesiredOrder) bool {
	return a.Kind == b.Kind &&
		a.Level == b.Level &&
		a.Side == b.Side &&
		a.Type == b.Type &&
		a.Price.Cmp(b.Price) == 0 &&
		a.StopPrice.Cmp(b.StopPrice) == 0 &&
		a.Qty.Cmp(b.Qty) == 0
}
