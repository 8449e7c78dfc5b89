package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"grid-martingale/internal/core"
	"grid-martingale/internal/store"
)

var testTime = time.Date(2025, 11, 3, 12, 0, 0, 0, time.UTC)

func testMachine() Machine {
	return Machine{Params: testParams(), Rules: testRules()}
}

func flatState(capital string) store.StrategyState {
	st := store.Empty("BTCUSDC")
	st.Capital = d(capital)
	return st
}

func bar(close string) core.Bar {
	return core.Bar{Symbol: "BTCUSDC", Close: d(close), CloseTime: testTime}
}

func desiredByKind(st store.StrategyState, kind core.OrderKind) []store.DesiredOrder {
	var out []store.DesiredOrder
	for _, o := range st.Desired {
		if o.Kind == kind {
			out = append(out, o)
		}
	}
	return out
}

func entryAtLevel(t *testing.T, st store.StrategyState, level int) store.DesiredOrder {
	t.Helper()
	for _, o := range st.Desired {
		if o.Kind == core.KindEntry && o.Level == level {
			return o
		}
	}
	t.Fatalf("no desired entry at level %d: %+v", level, st.Desired)
	return store.DesiredOrder{}
}

// fillLevels applies entry fills 1..n using the ladder's own desired orders.
func fillLevels(t *testing.T, m Machine, st store.StrategyState, n int) store.StrategyState {
	t.Helper()
	for level := 1; level <= n; level++ {
		e := entryAtLevel(t, st, level)
		res := m.OnEntryFill(st, core.PositionLong, level, e.Price, e.Qty, core.Position{}, testTime)
		st = res.State
		if err := CheckInvariants(st, m.Params); err != nil {
			t.Fatalf("invariants after level %d: %v", level, err)
		}
	}
	return st
}

func TestFirstBarCreatesLadder(t *testing.T) {
	m := testMachine()
	res := m.OnBarClose(flatState("1000"), bar("100000"))
	st := res.State
	if st.GridCenter.Cmp(d("100000")) != 0 {
		t.Fatalf("grid center = %s", st.GridCenter)
	}
	if res.CancelAll {
		t.Fatalf("first bar must not cancel anything")
	}
	entries := desiredByKind(st, core.KindEntry)
	if len(entries) != 4 {
		t.Fatalf("desired entries = %d, want 4", len(entries))
	}
	if len(desiredByKind(st, core.KindTP))+len(desiredByKind(st, core.KindBE))+len(desiredByKind(st, core.KindSL)) != 0 {
		t.Fatalf("flat ladder must hold entries only: %+v", st.Desired)
	}
	for _, e := range entries {
		if e.Side != core.Buy {
			t.Fatalf("long entry side = %s", e.Side)
		}
	}
}

func TestBothDirectionArmsBothSides(t *testing.T) {
	m := testMachine()
	m.Params.Direction = core.DirectionBoth
	res := m.OnBarClose(flatState("1000"), bar("100000"))
	entries := desiredByKind(res.State, core.KindEntry)
	if len(entries) != 8 {
		t.Fatalf("desired entries = %d, want 8 across both sides", len(entries))
	}
}

func TestLevel1FillArmsTP(t *testing.T) {
	m := testMachine()
	st := m.OnBarClose(flatState("1000"), bar("100000")).State
	st = fillLevels(t, m, st, 1)

	if st.PositionSide != core.PositionLong || st.CurrentLevel != 1 {
		t.Fatalf("state = %s level %d", st.PositionSide, st.CurrentLevel)
	}
	if st.StartGridCenter.Cmp(d("100000")) != 0 {
		t.Fatalf("start grid center = %s", st.StartGridCenter)
	}
	tps := desiredByKind(st, core.KindTP)
	if len(tps) != 1 {
		t.Fatalf("tp orders = %d", len(tps))
	}
	if tps[0].Price.Cmp(d("99997.5")) != 0 {
		t.Fatalf("tp price = %s, want 99997.5", tps[0].Price)
	}
	if tps[0].Qty.Cmp(st.TotalSize) != 0 {
		t.Fatalf("tp qty = %s, want full size %s", tps[0].Qty, st.TotalSize)
	}
	if len(desiredByKind(st, core.KindBE)) != 0 || len(desiredByKind(st, core.KindSL)) != 0 {
		t.Fatalf("level 1 must hold TP only: %+v", st.Desired)
	}
	if got := len(desiredByKind(st, core.KindEntry)); got != 3 {
		t.Fatalf("remaining entries = %d, want 3", got)
	}
}

func TestTPFillResetsAndRecenters(t *testing.T) {
	m := testMachine()
	st := m.OnBarClose(flatState("1000"), bar("100000")).State
	st = fillLevels(t, m, st, 1)
	size := st.TotalSize
	capitalBefore := st.Capital

	res := m.OnTPFill(st, d("99997.5"), nil, testTime)
	st = res.State
	if !res.CancelAll {
		t.Fatalf("tp fill must cancel the stale ladder")
	}
	wantPnL := d("99997.5").Sub(d("99500")).Mul(size)
	if st.Capital.Sub(capitalBefore).Cmp(wantPnL) != 0 {
		t.Fatalf("capital delta = %s, want %s", st.Capital.Sub(capitalBefore), wantPnL)
	}
	if st.PositionSide != core.PositionNone || st.CurrentLevel != 0 || len(st.Entries) != 0 {
		t.Fatalf("state not reset: %+v", st)
	}
	if st.GridCenter.Cmp(d("99997.5")) != 0 {
		t.Fatalf("grid center = %s, want tp price", st.GridCenter)
	}
	if got := len(desiredByKind(st, core.KindEntry)); got != 4 {
		t.Fatalf("fresh ladder entries = %d, want 4", got)
	}
	if len(res.Journal) != 1 || res.Journal[0].Event != "TP" {
		t.Fatalf("journal = %+v", res.Journal)
	}
	if err := CheckInvariants(st, m.Params); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestLevel3HoldsBENotTP(t *testing.T) {
	m := testMachine()
	st := m.OnBarClose(flatState("1000"), bar("100000")).State
	st = fillLevels(t, m, st, 3)

	bes := desiredByKind(st, core.KindBE)
	if len(bes) != 1 {
		t.Fatalf("be orders = %d", len(bes))
	}
	if len(desiredByKind(st, core.KindTP)) != 0 {
		t.Fatalf("TP and BE may never coexist")
	}
	if len(desiredByKind(st, core.KindSL)) != 0 {
		t.Fatalf("SL before level 4")
	}
	wantQty := st.TotalSize.Sub(st.Level1Qty)
	if bes[0].Qty.Cmp(wantQty) != 0 {
		t.Fatalf("be qty = %s, want %s", bes[0].Qty, wantQty)
	}
	wantPrice := core.RoundDown(st.AvgPrice.Mul(d("1.001")), testRules().PriceTick)
	if bes[0].Price.Cmp(wantPrice) != 0 {
		t.Fatalf("be price = %s, want %s", bes[0].Price, wantPrice)
	}
}

func TestBEFillKeepsLevel1AndRecenters(t *testing.T) {
	m := testMachine()
	st := m.OnBarClose(flatState("1000"), bar("100000")).State
	st = fillLevels(t, m, st, 3)
	level1 := st.Level1Qty
	avg := st.AvgPrice
	bePrice := desiredByKind(st, core.KindBE)[0].Price

	venue := core.Position{Side: core.PositionLong, Qty: level1, AvgPrice: avg}
	res := m.OnBEFill(st, bePrice, venue, nil, testTime)
	st = res.State
	if !res.CancelAll {
		t.Fatalf("be fill must cancel all and re-place")
	}
	if st.CurrentLevel != 1 || st.TotalSize.Cmp(level1) != 0 || st.Level1Qty.Cmp(level1) != 0 {
		t.Fatalf("post-BE position: level=%d size=%s", st.CurrentLevel, st.TotalSize)
	}
	wantCenter := avg.Div(decimal.NewFromInt(1).Sub(m.Params.LevelDistances[0]))
	if st.GridCenter.Sub(wantCenter).Abs().Cmp(d("0.0001")) > 0 {
		t.Fatalf("grid center = %s, want %s", st.GridCenter, wantCenter)
	}
	// Desired: deeper entries re-armed plus a fresh TP, no BE left.
	if got := len(desiredByKind(st, core.KindEntry)); got != 3 {
		t.Fatalf("re-armed entries = %d, want 3", got)
	}
	if len(desiredByKind(st, core.KindTP)) != 1 || len(desiredByKind(st, core.KindBE)) != 0 {
		t.Fatalf("post-BE desired: %+v", st.Desired)
	}
	if len(res.Journal) != 1 || res.Journal[0].Event != "PARTIAL_BE" {
		t.Fatalf("journal = %+v", res.Journal)
	}
	if err := CheckInvariants(st, m.Params); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestBEFillAdoptsVenueSizeWithWarning(t *testing.T) {
	m := testMachine()
	st := m.OnBarClose(flatState("1000"), bar("100000")).State
	st = fillLevels(t, m, st, 2)
	bePrice := desiredByKind(st, core.KindBE)[0].Price

	// Venue reports noticeably more than the recorded level-1 quantity.
	venueQty := st.Level1Qty.Mul(d("1.5"))
	venue := core.Position{Side: core.PositionLong, Qty: venueQty, AvgPrice: st.AvgPrice}
	res := m.OnBEFill(st, bePrice, venue, nil, testTime)
	if len(res.Warnings) == 0 {
		t.Fatalf("expected a reconciliation warning")
	}
	if res.State.TotalSize.Cmp(venueQty) != 0 {
		t.Fatalf("venue values must win: size = %s, want %s", res.State.TotalSize, venueQty)
	}
}

func TestLevel4ArmsSL(t *testing.T) {
	m := testMachine()
	st := m.OnBarClose(flatState("1000"), bar("100000")).State
	st = fillLevels(t, m, st, 4)

	sls := desiredByKind(st, core.KindSL)
	if len(sls) != 1 {
		t.Fatalf("sl orders = %d, want 1", len(sls))
	}
	sl := sls[0]
	if sl.Type != core.StopMarket || !sl.ClosePosition {
		t.Fatalf("sl must be a close-position stop market: %+v", sl)
	}
	if sl.StopPrice.Cmp(d("95000")) != 0 {
		t.Fatalf("sl stop = %s, want 95000", sl.StopPrice)
	}
	if sl.Qty.Cmp(decimal.Zero) != 0 {
		t.Fatalf("close-position stop carries no quantity, got %s", sl.Qty)
	}
	if len(desiredByKind(st, core.KindBE)) != 1 {
		t.Fatalf("level 4 keeps the BE close")
	}
	if len(desiredByKind(st, core.KindEntry)) != 0 {
		t.Fatalf("no entries remain at the deepest level")
	}
}

func TestSLFillResetsToStopPrice(t *testing.T) {
	m := testMachine()
	st := m.OnBarClose(flatState("1000"), bar("100000")).State
	st = fillLevels(t, m, st, 4)
	avg := st.AvgPrice
	size := st.TotalSize
	capitalBefore := st.Capital

	res := m.OnSLFill(st, d("95000"), nil, testTime)
	st = res.State
	gross := d("95000").Sub(avg).Mul(size)
	exitFee := d("95000").Mul(size).Mul(m.Params.TakerFee)
	wantDelta := gross.Sub(exitFee)
	if st.Capital.Sub(capitalBefore).Cmp(wantDelta) != 0 {
		t.Fatalf("capital delta = %s, want %s", st.Capital.Sub(capitalBefore), wantDelta)
	}
	if wantDelta.Sign() >= 0 {
		t.Fatalf("an SL four levels deep must realize a loss, got %s", wantDelta)
	}
	if st.GridCenter.Cmp(d("95000")) != 0 {
		t.Fatalf("grid center = %s, want stop price", st.GridCenter)
	}
	if st.PositionSide != core.PositionNone {
		t.Fatalf("not flat after SL")
	}
	if err := CheckInvariants(st, m.Params); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestRangeBreachRecentersWhileFlat(t *testing.T) {
	m := testMachine()
	st := m.OnBarClose(flatState("1000"), bar("100000")).State

	// Within the band: nothing happens.
	res := m.OnBarClose(st, bar("101900"))
	if res.CancelAll || res.State.GridCenter.Cmp(d("100000")) != 0 {
		t.Fatalf("in-band close must not regrid")
	}

	// Upward breach with LONG arming.
	res = m.OnBarClose(st, bar("102100"))
	if !res.CancelAll {
		t.Fatalf("breach must cancel the stale ladder")
	}
	if res.State.GridCenter.Cmp(d("102100")) != 0 {
		t.Fatalf("grid center = %s, want 102100", res.State.GridCenter)
	}
	if len(res.Journal) != 1 || res.Journal[0].Event != "CANCEL_ALL" {
		t.Fatalf("journal = %+v", res.Journal)
	}

	// Downward move is where LONG entries live: no breach.
	res = m.OnBarClose(st, bar("97900"))
	if res.CancelAll {
		t.Fatalf("downward move must not regrid a LONG-armed flat grid")
	}
}

func TestRangeBreachNeverFiresWithPosition(t *testing.T) {
	m := testMachine()
	st := m.OnBarClose(flatState("1000"), bar("100000")).State
	st = fillLevels(t, m, st, 1)
	res := m.OnBarClose(st, bar("103000"))
	if res.CancelAll || res.State.GridCenter.Cmp(d("100000")) != 0 {
		t.Fatalf("breach fired while a position is open")
	}
}

func TestRangeBreachBothDirections(t *testing.T) {
	m := testMachine()
	m.Params.Direction = core.DirectionBoth
	st := m.OnBarClose(flatState("1000"), bar("100000")).State
	if res := m.OnBarClose(st, bar("102100")); !res.CancelAll {
		t.Fatalf("upward breach must fire for BOTH")
	}
	if res := m.OnBarClose(st, bar("97900")); !res.CancelAll {
		t.Fatalf("downward breach must fire for BOTH")
	}
}

func TestEntryFillAdoptsVenueTotals(t *testing.T) {
	m := testMachine()
	st := m.OnBarClose(flatState("1000"), bar("100000")).State
	e := entryAtLevel(t, st, 1)
	venue := core.Position{
		Side:     core.PositionLong,
		Qty:      e.Qty.Mul(d("0.95")),
		AvgPrice: e.Price.Add(d("1.5")),
	}
	res := m.OnEntryFill(st, core.PositionLong, 1, e.Price, e.Qty, venue, testTime)
	if res.State.TotalSize.Cmp(venue.Qty) != 0 || res.State.AvgPrice.Cmp(venue.AvgPrice) != 0 {
		t.Fatalf("venue values must be authoritative: %+v", res.State)
	}
	if len(res.Warnings) == 0 {
		t.Fatalf("size mismatch beyond the step must warn")
	}
}

func TestTransitionsPreserveRestingOrderIDs(t *testing.T) {
	m := testMachine()
	st := m.OnBarClose(flatState("1000"), bar("100000")).State
	for i := range st.Desired {
		st.Desired[i].OrderID = "id-" + string(rune('a'+i))
	}
	e := entryAtLevel(t, st, 1)
	res := m.OnEntryFill(st, core.PositionLong, 1, e.Price, e.Qty, core.Position{}, testTime)
	for _, o := range desiredByKind(res.State, core.KindEntry) {
		if o.OrderID == "" {
			t.Fatalf("surviving entry level %d lost its venue id", o.Level)
		}
	}
	for _, o := range desiredByKind(res.State, core.KindTP) {
		if o.OrderID != "" {
			t.Fatalf("new TP must not inherit an id")
		}
	}
}
