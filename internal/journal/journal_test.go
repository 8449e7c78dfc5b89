package journal

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestAppendWritesHeaderOnce(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, "BTCUSDC")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	entry := Entry{
		Time:            time.Date(2025, 11, 3, 12, 0, 0, 0, time.UTC),
		Symbol:          "BTCUSDC",
		Event:           EventEntry(1),
		Level:           1,
		Price:           decimal.RequireFromString("99500"),
		Qty:             decimal.RequireFromString("0.00754"),
		Capital:         decimal.RequireFromString("1000"),
		GridCenter:      decimal.RequireFromString("100000"),
		StartGridCenter: decimal.RequireFromString("100000"),
	}
	if err := j.Append(entry); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Reopening must append, not rewrite the header.
	j2, err := Open(dir, "BTCUSDC")
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	entry.Event = EventTP
	entry.RealizedPnL = decimal.RequireFromString("3.75")
	if err := j2.Append(entry); err != nil {
		t.Fatalf("Append() after reopen error = %v", err)
	}
	_ = j2.Close()

	f, err := os.Open(filepath.Join(dir, "trades_btcusdc.csv"))
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2 entries", len(rows))
	}
	if strings.Join(rows[0], ",") != strings.Join(header, ",") {
		t.Fatalf("header = %v", rows[0])
	}
	if rows[1][2] != "ENTRY_L1" || rows[2][2] != "TP" {
		t.Fatalf("events = %s, %s", rows[1][2], rows[2][2])
	}
	if rows[2][6] != "3.75" {
		t.Fatalf("realized pnl column = %s", rows[2][6])
	}
}

func TestEventEntryNames(t *testing.T) {
	if got := EventEntry(4); got != "ENTRY_L4" {
		t.Fatalf("EventEntry(4) = %s", got)
	}
}
