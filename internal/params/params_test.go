package params

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"grid-martingale/internal/core"
)

const goodParams = `# strategy parameters
INITIAL_CAPITAL=1000
LEVERAGE_LONG=15
LEVERAGE_SHORT=5
TRADE_DIRECTION=LONG
GRID_RANGE_PCT=0.04
MAX_ENTRY_LEVEL=4
ENTRY_RATIOS=0.05,0.20,0.25,0.50
LEVEL_DISTANCES=0.005,0.010,0.040,0.045
SL_DISTANCE=0.05
TP_PCT=0.005
BE_PCT=0.001
MAKER_FEE=0
TAKER_FEE=0.000275
`

func writeParams(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "params_btcusdc.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write params: %v", err)
	}
	return path
}

func TestParseFileGood(t *testing.T) {
	p, unknown, err := ParseFile(writeParams(t, goodParams))
	if err != nil {
		t.Fatalf("ParseFile() error = %v", err)
	}
	if len(unknown) != 0 {
		t.Fatalf("unexpected unknown keys %v", unknown)
	}
	if p.LeverageLong != 15 || p.LeverageShort != 5 {
		t.Fatalf("leverage = %d/%d", p.LeverageLong, p.LeverageShort)
	}
	if p.Direction != core.DirectionLong {
		t.Fatalf("direction = %s", p.Direction)
	}
	if len(p.EntryRatios) != 4 || len(p.LevelDistances) != 4 {
		t.Fatalf("list lengths = %d/%d", len(p.EntryRatios), len(p.LevelDistances))
	}
	if p.EntryRatios[3].Cmp(decimal.RequireFromString("0.50")) != 0 {
		t.Fatalf("entry ratio 4 = %s", p.EntryRatios[3])
	}
	if p.Leverage(core.PositionShort) != 5 {
		t.Fatalf("short leverage = %d", p.Leverage(core.PositionShort))
	}
}

func TestParseFileUnknownKeyWarns(t *testing.T) {
	content := goodParams + "SOME_FUTURE_KNOB=1\n"
	_, unknown, err := ParseFile(writeParams(t, content))
	if err != nil {
		t.Fatalf("ParseFile() error = %v", err)
	}
	if len(unknown) != 1 || unknown[0] != "SOME_FUTURE_KNOB" {
		t.Fatalf("unknown = %v", unknown)
	}
}

func TestParseFileMissingKey(t *testing.T) {
	content := strings.Replace(goodParams, "TP_PCT=0.005\n", "", 1)
	_, _, err := ParseFile(writeParams(t, content))
	if err == nil || !strings.Contains(err.Error(), "TP_PCT") {
		t.Fatalf("ParseFile() error = %v, want missing TP_PCT", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "sl equal to deepest level",
			mutate:  func(s string) string { return strings.Replace(s, "SL_DISTANCE=0.05", "SL_DISTANCE=0.045", 1) },
			wantErr: "SL_DISTANCE",
		},
		{
			name:    "ratios sum above one",
			mutate:  func(s string) string { return strings.Replace(s, "0.05,0.20,0.25,0.50", "0.30,0.30,0.30,0.30", 1) },
			wantErr: "sum",
		},
		{
			name:    "distances not increasing",
			mutate:  func(s string) string { return strings.Replace(s, "0.005,0.010,0.040,0.045", "0.005,0.005,0.040,0.045", 1) },
			wantErr: "strictly increasing",
		},
		{
			name:    "be above tp",
			mutate:  func(s string) string { return strings.Replace(s, "BE_PCT=0.001", "BE_PCT=0.006", 1) },
			wantErr: "BE_PCT",
		},
		{
			name:    "negative fee",
			mutate:  func(s string) string { return strings.Replace(s, "MAKER_FEE=0", "MAKER_FEE=-0.001", 1) },
			wantErr: "fees",
		},
		{
			name:    "bad direction",
			mutate:  func(s string) string { return strings.Replace(s, "TRADE_DIRECTION=LONG", "TRADE_DIRECTION=SIDEWAYS", 1) },
			wantErr: "TRADE_DIRECTION",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ParseFile(writeParams(t, tc.mutate(goodParams)))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestCheckLadderTicks(t *testing.T) {
	p, _, err := ParseFile(writeParams(t, goodParams))
	if err != nil {
		t.Fatalf("ParseFile() error = %v", err)
	}
	center := decimal.NewFromInt(100000)
	if err := p.CheckLadderTicks(center, decimal.RequireFromString("0.1"), core.PositionLong); err != nil {
		t.Fatalf("CheckLadderTicks() error = %v", err)
	}
	// A tick coarser than the gap between adjacent levels collapses them.
	coarse := decimal.NewFromInt(1000)
	if err := p.CheckLadderTicks(center, coarse, core.PositionLong); err == nil {
		t.Fatalf("CheckLadderTicks() with coarse tick should fail")
	}
}

func TestWatcherKeepsLastGoodOnParseError(t *testing.T) {
	path := writeParams(t, goodParams)
	var reported []error
	w, err := NewWatcher(path, WatcherOptions{
		OnError: func(err error) { reported = append(reported, err) },
	})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	before := w.Current()

	// Corrupt the file with a future mtime so the watcher re-reads it.
	if err := os.WriteFile(path, []byte("LEVERAGE_LONG=nope"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if w.Reload() {
		t.Fatalf("Reload() = true, want false on parse error")
	}
	if len(reported) == 0 {
		t.Fatalf("parse error not reported")
	}
	after := w.Current()
	if after.LeverageLong != before.LeverageLong {
		t.Fatalf("snapshot changed after failed reload")
	}
}

func TestWatcherPicksUpChanges(t *testing.T) {
	path := writeParams(t, goodParams)
	w, err := NewWatcher(path, WatcherOptions{})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	updated := strings.Replace(goodParams, "LEVERAGE_LONG=15", "LEVERAGE_LONG=20", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if !w.Reload() {
		t.Fatalf("Reload() = false, want true")
	}
	if got := w.Current().LeverageLong; got != 20 {
		t.Fatalf("LeverageLong = %d, want 20", got)
	}
}
