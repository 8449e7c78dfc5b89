package strategy

import (
	"testing"

	"github.com/shopspring/decimal"

	"grid-martingale/internal/core"
	"grid-martingale/internal/params"
)

func testParams() params.Params {
	return params.Params{
		InitialCapital: decimal.NewFromInt(1000),
		LeverageLong:   15,
		LeverageShort:  5,
		Direction:      core.DirectionLong,
		GridRangePct:   decimal.RequireFromString("0.04"),
		MaxEntryLevel:  4,
		EntryRatios: []decimal.Decimal{
			decimal.RequireFromString("0.05"),
			decimal.RequireFromString("0.20"),
			decimal.RequireFromString("0.25"),
			decimal.RequireFromString("0.50"),
		},
		LevelDistances: []decimal.Decimal{
			decimal.RequireFromString("0.005"),
			decimal.RequireFromString("0.010"),
			decimal.RequireFromString("0.040"),
			decimal.RequireFromString("0.045"),
		},
		SLDistance: decimal.RequireFromString("0.05"),
		TPPct:      decimal.RequireFromString("0.005"),
		BEPct:      decimal.RequireFromString("0.001"),
		MakerFee:   decimal.Zero,
		TakerFee:   decimal.RequireFromString("0.000275"),
	}
}

func testRules() core.Rules {
	return core.Rules{
		PriceTick: decimal.RequireFromString("0.1"),
		QtyStep:   decimal.RequireFromString("0.00001"),
	}
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestLevelPricesLong(t *testing.T) {
	p, rules := testParams(), testRules()
	center := d("100000")
	want := []string{"99500", "99000", "96000", "95500"}
	var prev decimal.Decimal
	for i := 1; i <= 4; i++ {
		got := LevelPrice(center, p, rules, core.PositionLong, i)
		if got.Cmp(d(want[i-1])) != 0 {
			t.Fatalf("level %d = %s, want %s", i, got, want[i-1])
		}
		if i > 1 && got.Cmp(prev) >= 0 {
			t.Fatalf("levels not strictly decreasing: %s then %s", prev, got)
		}
		prev = got
	}
	if got := SLPrice(center, p, rules, core.PositionLong); got.Cmp(d("95000")) != 0 {
		t.Fatalf("sl = %s, want 95000", got)
	}
}

func TestLevelPricesShortMirror(t *testing.T) {
	p, rules := testParams(), testRules()
	center := d("100000")
	want := []string{"100500", "101000", "104000", "104500"}
	var prev decimal.Decimal
	for i := 1; i <= 4; i++ {
		got := LevelPrice(center, p, rules, core.PositionShort, i)
		if got.Cmp(d(want[i-1])) != 0 {
			t.Fatalf("level %d = %s, want %s", i, got, want[i-1])
		}
		if i > 1 && got.Cmp(prev) <= 0 {
			t.Fatalf("levels not strictly increasing: %s then %s", prev, got)
		}
		prev = got
	}
	if got := SLPrice(center, p, rules, core.PositionShort); got.Cmp(d("105000")) != 0 {
		t.Fatalf("sl = %s, want 105000", got)
	}
}

func TestLadderRoundingTowardWorseSide(t *testing.T) {
	p, rules := testParams(), testRules()
	center := d("100001")
	// 100001 * 0.995 = 99500.995: a LONG entry must round down to stay reachable.
	if got := LevelPrice(center, p, rules, core.PositionLong, 1); got.Cmp(d("99500.9")) != 0 {
		t.Fatalf("long level 1 = %s, want 99500.9", got)
	}
	// 100001 * 1.005 = 100501.005: a SHORT entry rounds up.
	if got := LevelPrice(center, p, rules, core.PositionShort, 1); got.Cmp(d("100501.1")) != 0 {
		t.Fatalf("short level 1 = %s, want 100501.1", got)
	}
}

func TestExitPrices(t *testing.T) {
	p, rules := testParams(), testRules()
	avg := d("99500")
	if got := TPPrice(avg, p, rules, core.PositionLong); got.Cmp(d("99997.5")) != 0 {
		t.Fatalf("tp = %s, want 99997.5", got)
	}
	if got := BEPrice(avg, p, rules, core.PositionLong); got.Cmp(d("99599.5")) != 0 {
		t.Fatalf("be = %s, want 99599.5", got)
	}
	short := TPPrice(avg, p, rules, core.PositionShort)
	if short.Cmp(d("99002.5")) != 0 {
		t.Fatalf("short tp = %s, want 99002.5", short)
	}
}

func TestRecenterFromAvg(t *testing.T) {
	p := testParams()
	avg := d("99500")
	got := RecenterFromAvg(avg, p, core.PositionLong)
	// avg / (1 - d1) puts Level 1 back exactly at avg.
	back := got.Mul(decimal.NewFromInt(1).Sub(p.LevelDistances[0]))
	if back.Sub(avg).Abs().Cmp(d("0.0001")) > 0 {
		t.Fatalf("recenter round trip: avg %s -> center %s -> level1 %s", avg, got, back)
	}
	shortCenter := RecenterFromAvg(avg, p, core.PositionShort)
	if shortCenter.Cmp(got) >= 0 {
		t.Fatalf("short recenter %s should sit below long recenter %s", shortCenter, got)
	}
}

func TestEntryQtySizing(t *testing.T) {
	p, rules := testParams(), testRules()
	price := d("99500")
	got := EntryQty(d("1000"), p, rules, core.PositionLong, 1, price)
	// 1000 * 0.05 * 15 / 99500, truncated onto the step.
	want := core.TruncateQty(d("750").Div(price), rules.QtyStep)
	if got.Cmp(want) != 0 {
		t.Fatalf("qty = %s, want %s", got, want)
	}
	if got.Mod(rules.QtyStep).Cmp(decimal.Zero) != 0 {
		t.Fatalf("qty %s not on step", got)
	}
}
