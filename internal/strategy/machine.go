package strategy

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"grid-martingale/internal/core"
	"grid-martingale/internal/journal"
	"grid-martingale/internal/params"
	"grid-martingale/internal/store"
)

// Machine is the pure decision core. It never touches the venue, the disk
// or the clock beyond timestamps handed in with events; the reconciler
// applies its results.
type Machine struct {
	Params params.Params
	Rules  core.Rules
}

// Result is one transition: the next state, journal entries to append, and
// whether every resting order must be cancelled before the new desired set
// is placed (full exits and regrids).
type Result struct {
	State     store.StrategyState
	Journal   []journal.Entry
	Warnings  []string
	CancelAll bool
}

func unchanged(st store.StrategyState) Result {
	return Result{State: st}
}

// OnBarClose handles the first-bar grid bootstrap and, while flat, the
// out-of-range regrid. Position management is driven by fills, not bars.
func (m Machine) OnBarClose(st store.StrategyState, bar core.Bar) Result {
	if st.GridCenter.Cmp(decimal.Zero) <= 0 {
		st.GridCenter = bar.Close
		st.Desired = DesiredOrders(st, m.Params, m.Rules)
		return Result{State: st}
	}
	if st.PositionSide != core.PositionNone {
		return unchanged(st)
	}
	if !m.rangeBreached(st.GridCenter, bar.Close) {
		return unchanged(st)
	}
	entry := journal.Entry{
		Time:            bar.CloseTime,
		Symbol:          st.Symbol,
		Event:           journal.EventCancelAll,
		Price:           bar.Close,
		Capital:         st.Capital,
		GridCenter:      st.GridCenter,
		StartGridCenter: st.StartGridCenter,
	}
	st.GridCenter = bar.Close
	st.Desired = DesiredOrders(st, m.Params, m.Rules)
	return Result{State: st, Journal: []journal.Entry{entry}, CancelAll: true}
}

// rangeBreached reports a flat-state close outside the grid band on the
// side where the armed direction can no longer enter: upward for LONG-only,
// downward for SHORT-only, either way when both sides are armed.
func (m Machine) rangeBreached(center, close decimal.Decimal) bool {
	half := m.Params.GridRangePct.Div(decimal.NewFromInt(2))
	upper := center.Mul(one.Add(half))
	lower := center.Mul(one.Sub(half))
	switch m.Params.Direction {
	case core.DirectionLong:
		return close.Cmp(upper) > 0
	case core.DirectionShort:
		return close.Cmp(lower) < 0
	default:
		return close.Cmp(upper) > 0 || close.Cmp(lower) < 0
	}
}

// OnEntryFill applies a filled ladder level. The venue position is
// authoritative for size and average once it reflects the fill.
func (m Machine) OnEntryFill(st store.StrategyState, side core.PositionSide, level int, price, qty decimal.Decimal, venue core.Position, at time.Time) Result {
	prev := st.Desired
	if st.PositionSide == core.PositionNone {
		st.PositionSide = side
		st.StartGridCenter = st.GridCenter
	}
	st.Entries = append(st.Entries, store.EntryFill{
		Level:    level,
		Price:    price,
		Qty:      qty,
		Notional: price.Mul(qty),
	})
	sort.Slice(st.Entries, func(i, j int) bool { return st.Entries[i].Level < st.Entries[j].Level })
	if level > st.CurrentLevel {
		st.CurrentLevel = level
	}
	if level == 1 {
		st.Level1Qty = qty
	}
	st.EntryFees = st.EntryFees.Add(price.Mul(qty).Mul(m.Params.MakerFee))

	var warnings []string
	if !venue.Flat() {
		localSize := sumQty(st.Entries)
		if !withinStep(venue.Qty, localSize, m.Rules.QtyStep) {
			warnings = append(warnings, fmt.Sprintf("venue size %s differs from local %s, adopting venue", venue.Qty, localSize))
		}
		st.TotalSize = venue.Qty
		st.AvgPrice = venue.AvgPrice
	} else {
		st.TotalSize = sumQty(st.Entries)
		st.AvgPrice = weightedAvg(st.Entries)
	}

	st.Desired = carryOrderIDs(DesiredOrders(st, m.Params, m.Rules), prev)
	entry := journal.Entry{
		Time:            at,
		Symbol:          st.Symbol,
		Event:           journal.EventEntry(level),
		Level:           level,
		Price:           price,
		Qty:             qty,
		Capital:         st.Capital,
		GridCenter:      st.GridCenter,
		StartGridCenter: st.StartGridCenter,
	}
	return Result{State: st, Journal: []journal.Entry{entry}, Warnings: warnings}
}

// OnTPFill closes the whole single-level position at the take-profit price
// and re-grids from it. realized, when non-nil, is the venue's own net PnL
// for the exit and overrides the local estimate.
func (m Machine) OnTPFill(st store.StrategyState, price decimal.Decimal, realized *decimal.Decimal, at time.Time) Result {
	net := m.netPnL(st, price, st.TotalSize, st.EntryFees, m.Params.MakerFee)
	if realized != nil {
		net = *realized
	}
	st.Capital = st.Capital.Add(net)
	entry := journal.Entry{
		Time:            at,
		Symbol:          st.Symbol,
		Event:           journal.EventTP,
		Level:           st.CurrentLevel,
		Price:           price,
		Qty:             st.TotalSize,
		RealizedPnL:     net,
		Capital:         st.Capital,
		GridCenter:      st.GridCenter,
		StartGridCenter: st.StartGridCenter,
	}
	st = resetPosition(st, price)
	st.Desired = DesiredOrders(st, m.Params, m.Rules)
	return Result{State: st, Journal: []journal.Entry{entry}, CancelAll: true}
}

// OnSLFill closes the whole position at the stop price (taker) and
// re-grids from it.
func (m Machine) OnSLFill(st store.StrategyState, price decimal.Decimal, realized *decimal.Decimal, at time.Time) Result {
	net := m.netPnL(st, price, st.TotalSize, st.EntryFees, m.Params.TakerFee)
	if realized != nil {
		net = *realized
	}
	st.Capital = st.Capital.Add(net)
	entry := journal.Entry{
		Time:            at,
		Symbol:          st.Symbol,
		Event:           journal.EventSL,
		Level:           st.CurrentLevel,
		Price:           price,
		Qty:             st.TotalSize,
		RealizedPnL:     net,
		Capital:         st.Capital,
		GridCenter:      st.GridCenter,
		StartGridCenter: st.StartGridCenter,
	}
	st = resetPosition(st, price)
	st.Desired = DesiredOrders(st, m.Params, m.Rules)
	return Result{State: st, Journal: []journal.Entry{entry}, CancelAll: true}
}

// OnBEFill applies the partial break-even exit: everything above the Level 1
// quantity is closed, the grid re-centers so the surviving position sits at
// Level 1, and deeper entries re-arm together with a fresh TP.
func (m Machine) OnBEFill(st store.StrategyState, price decimal.Decimal, venue core.Position, realized *decimal.Decimal, at time.Time) Result {
	closeQty := st.TotalSize.Sub(st.Level1Qty)
	feeShare := decimal.Zero
	if st.TotalSize.Cmp(decimal.Zero) > 0 {
		feeShare = st.EntryFees.Mul(closeQty).Div(st.TotalSize)
	}
	net := m.netPnL(st, price, closeQty, feeShare, m.Params.MakerFee)
	if realized != nil {
		net = *realized
	}
	st.Capital = st.Capital.Add(net)
	entry := journal.Entry{
		Time:            at,
		Symbol:          st.Symbol,
		Event:           journal.EventPartialBE,
		Level:           st.CurrentLevel,
		Price:           price,
		Qty:             closeQty,
		RealizedPnL:     net,
		Capital:         st.Capital,
		GridCenter:      st.GridCenter,
		StartGridCenter: st.StartGridCenter,
	}

	var warnings []string
	survivor := st.Level1Qty
	avg := st.AvgPrice
	if !venue.Flat() {
		if !withinStep(venue.Qty, st.Level1Qty, m.Rules.QtyStep) {
			warnings = append(warnings, fmt.Sprintf("post-BE venue size %s differs from level-1 %s, adopting venue", venue.Qty, st.Level1Qty))
		}
		survivor = venue.Qty
		if venue.AvgPrice.Cmp(decimal.Zero) > 0 {
			avg = venue.AvgPrice
		}
	}

	st.EntryFees = st.EntryFees.Sub(feeShare)
	st.Entries = []store.EntryFill{{Level: 1, Price: avg, Qty: survivor, Notional: avg.Mul(survivor)}}
	st.CurrentLevel = 1
	st.TotalSize = survivor
	st.Level1Qty = survivor
	st.AvgPrice = avg
	st.GridCenter = RecenterFromAvg(avg, m.Params, st.PositionSide)
	st.Desired = DesiredOrders(st, m.Params, m.Rules)
	return Result{State: st, Journal: []journal.Entry{entry}, Warnings: warnings, CancelAll: true}
}

// netPnL computes gross direction-aware PnL minus the given share of entry
// fees and the exit fee at the configured rate.
func (m Machine) netPnL(st store.StrategyState, price, qty, entryFees, exitFeeRate decimal.Decimal) decimal.Decimal {
	var gross decimal.Decimal
	if st.PositionSide == core.PositionShort {
		gross = st.AvgPrice.Sub(price).Mul(qty)
	} else {
		gross = price.Sub(st.AvgPrice).Mul(qty)
	}
	exitFee := price.Mul(qty).Mul(exitFeeRate)
	return gross.Sub(entryFees).Sub(exitFee)
}

func resetPosition(st store.StrategyState, newCenter decimal.Decimal) store.StrategyState {
	st.PositionSide = core.PositionNone
	st.CurrentLevel = 0
	st.Entries = nil
	st.AvgPrice = decimal.Zero
	st.TotalSize = decimal.Zero
	st.Level1Qty = decimal.Zero
	st.EntryFees = decimal.Zero
	st.StartGridCenter = decimal.Zero
	st.GridCenter = newCenter
	return st
}

func sumQty(entries []store.EntryFill) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Qty)
	}
	return total
}

func weightedAvg(entries []store.EntryFill) decimal.Decimal {
	total := sumQty(entries)
	if total.Cmp(decimal.Zero) == 0 {
		return decimal.Zero
	}
	value := decimal.Zero
	for _, e := range entries {
		value = value.Add(e.Price.Mul(e.Qty))
	}
	return value.Div(total)
}

// withinStep reports whether two quantities agree within one venue step.
func withinStep(a, b, step decimal.Decimal) bool {
	diff := a.Sub(b).Abs()
	if step.Cmp(decimal.Zero) <= 0 {
		return diff.Cmp(decimal.Zero) == 0
	}
	return diff.Cmp(step) <= 0
}

// CheckInvariants validates the structural invariants that must hold after
// every successful reconciliation. It returns the first violation found.
func CheckInvariants(st store.StrategyState, p params.Params) error {
	flat := st.PositionSide == core.PositionNone
	if flat != (st.CurrentLevel == 0) || flat != (len(st.Entries) == 0) || flat != (st.TotalSize.Cmp(decimal.Zero) == 0) {
		return fmt.Errorf("flat-state invariant violated: side=%s level=%d entries=%d size=%s",
			st.PositionSide, st.CurrentLevel, len(st.Entries), st.TotalSize)
	}
	if st.CurrentLevel != len(st.Entries) {
		return fmt.Errorf("current level %d does not match %d recorded entries", st.CurrentLevel, len(st.Entries))
	}
	hasTP, hasBE, hasSL := false, false, false
	for _, d := range st.Desired {
		switch d.Kind {
		case core.KindTP:
			hasTP = true
		case core.KindBE:
			hasBE = true
		case core.KindSL:
			hasSL = true
		}
	}
	if hasTP && hasBE {
		return fmt.Errorf("TP and BE coexist in desired orders")
	}
	if !flat && !hasTP && !hasBE {
		return fmt.Errorf("open position at level %d without TP or BE", st.CurrentLevel)
	}
	if wantSL := st.CurrentLevel >= p.MaxEntryLevel && !flat; wantSL != hasSL {
		return fmt.Errorf("SL presence %v does not match level %d of %d", hasSL, st.CurrentLevel, p.MaxEntryLevel)
	}
	return nil
}
