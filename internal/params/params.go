package params

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"grid-martingale/internal/core"
)

// Params is one immutable snapshot of the hot-reloadable strategy
// parameters. Callers read a snapshot per tick and never mutate it.
type Params struct {
	InitialCapital decimal.Decimal
	LeverageLong   int
	LeverageShort  int
	Direction      core.TradeDirection
	GridRangePct   decimal.Decimal
	MaxEntryLevel  int
	EntryRatios    []decimal.Decimal
	LevelDistances []decimal.Decimal
	SLDistance     decimal.Decimal
	TPPct          decimal.Decimal
	BEPct          decimal.Decimal
	MakerFee       decimal.Decimal
	TakerFee       decimal.Decimal
}

var requiredKeys = []string{
	"INITIAL_CAPITAL",
	"LEVERAGE_LONG",
	"LEVERAGE_SHORT",
	"TRADE_DIRECTION",
	"GRID_RANGE_PCT",
	"MAX_ENTRY_LEVEL",
	"ENTRY_RATIOS",
	"LEVEL_DISTANCES",
	"SL_DISTANCE",
	"TP_PCT",
	"BE_PCT",
	"MAKER_FEE",
	"TAKER_FEE",
}

// Leverage returns the configured leverage for the given position side.
func (p Params) Leverage(side core.PositionSide) int {
	if side == core.PositionShort {
		return p.LeverageShort
	}
	return p.LeverageLong
}

// ParseFile reads a KEY=VALUE parameter file. Lines starting with # and
// blank lines are skipped. Unknown keys are returned so the caller can warn;
// missing required keys reject the snapshot.
func ParseFile(path string) (Params, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return Params{}, nil, err
	}
	defer f.Close()

	raw := make(map[string]string)
	var unknown []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			return Params{}, nil, fmt.Errorf("malformed line %q", line)
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if !isKnownKey(key) {
			unknown = append(unknown, key)
			continue
		}
		raw[key] = value
	}
	if err := scanner.Err(); err != nil {
		return Params{}, nil, err
	}

	for _, key := range requiredKeys {
		if _, ok := raw[key]; !ok {
			return Params{}, unknown, fmt.Errorf("missing required key %s", key)
		}
	}

	p, err := fromRaw(raw)
	if err != nil {
		return Params{}, unknown, err
	}
	if err := p.Validate(); err != nil {
		return Params{}, unknown, err
	}
	return p, unknown, nil
}

func isKnownKey(key string) bool {
	for _, k := range requiredKeys {
		if k == key {
			return true
		}
	}
	return false
}

func fromRaw(raw map[string]string) (Params, error) {
	var p Params
	var err error
	if p.InitialCapital, err = parseDecimal(raw, "INITIAL_CAPITAL"); err != nil {
		return p, err
	}
	if p.LeverageLong, err = parseInt(raw, "LEVERAGE_LONG"); err != nil {
		return p, err
	}
	if p.LeverageShort, err = parseInt(raw, "LEVERAGE_SHORT"); err != nil {
		return p, err
	}
	p.Direction = core.TradeDirection(strings.ToUpper(raw["TRADE_DIRECTION"]))
	if p.GridRangePct, err = parseDecimal(raw, "GRID_RANGE_PCT"); err != nil {
		return p, err
	}
	if p.MaxEntryLevel, err = parseInt(raw, "MAX_ENTRY_LEVEL"); err != nil {
		return p, err
	}
	if p.EntryRatios, err = parseDecimalList(raw, "ENTRY_RATIOS"); err != nil {
		return p, err
	}
	if p.LevelDistances, err = parseDecimalList(raw, "LEVEL_DISTANCES"); err != nil {
		return p, err
	}
	if p.SLDistance, err = parseDecimal(raw, "SL_DISTANCE"); err != nil {
		return p, err
	}
	if p.TPPct, err = parseDecimal(raw, "TP_PCT"); err != nil {
		return p, err
	}
	if p.BEPct, err = parseDecimal(raw, "BE_PCT"); err != nil {
		return p, err
	}
	if p.MakerFee, err = parseDecimal(raw, "MAKER_FEE"); err != nil {
		return p, err
	}
	if p.TakerFee, err = parseDecimal(raw, "TAKER_FEE"); err != nil {
		return p, err
	}
	return p, nil
}

func parseDecimal(raw map[string]string, key string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw[key])
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q", key, raw[key])
	}
	return d, nil
}

func parseInt(raw map[string]string, key string) (int, error) {
	n, err := strconv.Atoi(raw[key])
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, raw[key])
	}
	return n, nil
}

func parseDecimalList(raw map[string]string, key string) ([]decimal.Decimal, error) {
	parts := strings.Split(raw[key], ",")
	out := make([]decimal.Decimal, 0, len(parts))
	for _, part := range parts {
		d, err := decimal.NewFromString(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("%s: invalid decimal %q", key, part)
		}
		out = append(out, d)
	}
	return out, nil
}

// Validate rejects out-of-range parameter combinations.
func (p Params) Validate() error {
	one := decimal.NewFromInt(1)
	if p.InitialCapital.Cmp(decimal.Zero) <= 0 {
		return errors.New("INITIAL_CAPITAL must be > 0")
	}
	if p.LeverageLong < 1 || p.LeverageShort < 1 {
		return errors.New("leverage must be a positive integer")
	}
	if !p.Direction.Valid() {
		return fmt.Errorf("TRADE_DIRECTION must be LONG, SHORT or BOTH")
	}
	if p.GridRangePct.Cmp(decimal.Zero) <= 0 {
		return errors.New("GRID_RANGE_PCT must be > 0")
	}
	if p.MaxEntryLevel < 1 {
		return errors.New("MAX_ENTRY_LEVEL must be >= 1")
	}
	if len(p.EntryRatios) != p.MaxEntryLevel {
		return fmt.Errorf("ENTRY_RATIOS needs %d entries, got %d", p.MaxEntryLevel, len(p.EntryRatios))
	}
	if len(p.LevelDistances) != p.MaxEntryLevel {
		return fmt.Errorf("LEVEL_DISTANCES needs %d entries, got %d", p.MaxEntryLevel, len(p.LevelDistances))
	}
	sum := decimal.Zero
	for i, r := range p.EntryRatios {
		if r.Cmp(decimal.Zero) <= 0 {
			return fmt.Errorf("ENTRY_RATIOS[%d] must be > 0", i)
		}
		sum = sum.Add(r)
	}
	if sum.Cmp(one) > 0 {
		return errors.New("ENTRY_RATIOS must sum to <= 1")
	}
	prev := decimal.Zero
	for i, d := range p.LevelDistances {
		if d.Cmp(decimal.Zero) <= 0 {
			return fmt.Errorf("LEVEL_DISTANCES[%d] must be > 0", i)
		}
		if d.Cmp(prev) <= 0 {
			return errors.New("LEVEL_DISTANCES must be strictly increasing")
		}
		prev = d
	}
	if p.SLDistance.Cmp(p.LevelDistances[p.MaxEntryLevel-1]) <= 0 {
		return errors.New("SL_DISTANCE must exceed the deepest level distance")
	}
	if p.TPPct.Cmp(decimal.Zero) <= 0 || p.BEPct.Cmp(decimal.Zero) <= 0 {
		return errors.New("TP_PCT and BE_PCT must be > 0")
	}
	if p.BEPct.Cmp(p.TPPct) >= 0 {
		return errors.New("BE_PCT must be < TP_PCT")
	}
	if p.MakerFee.Cmp(decimal.Zero) < 0 || p.TakerFee.Cmp(decimal.Zero) < 0 {
		return errors.New("fees must be >= 0")
	}
	return nil
}

// CheckLadderTicks verifies no two ladder prices collide once snapped onto
// the venue tick. Called on every reload once the symbol filters are known.
func (p Params) CheckLadderTicks(center, tick decimal.Decimal, side core.PositionSide) error {
	if center.Cmp(decimal.Zero) <= 0 || tick.Cmp(decimal.Zero) <= 0 {
		return nil
	}
	one := decimal.NewFromInt(1)
	seen := make(map[string]int, len(p.LevelDistances))
	for i, dist := range p.LevelDistances {
		var price decimal.Decimal
		if side == core.PositionShort {
			price = center.Mul(one.Add(dist))
		} else {
			price = center.Mul(one.Sub(dist))
		}
		price = core.RoundPriceForEntry(price, tick, side)
		key := price.String()
		if j, ok := seen[key]; ok {
			return fmt.Errorf("levels %d and %d collide at %s after tick rounding", j+1, i+1, key)
		}
		seen[key] = i
	}
	return nil
}
