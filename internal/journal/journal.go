package journal

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Event kinds recorded in the journal.
const (
	EventTP        = "TP"
	EventPartialBE = "PARTIAL_BE"
	EventSL        = "SL"
	EventCancelAll = "CANCEL_ALL"
)

// EventEntry names an entry fill at the given 1-based level, e.g. ENTRY_L1.
func EventEntry(level int) string {
	return fmt.Sprintf("ENTRY_L%d", level)
}

var header = []string{
	"timestamp", "symbol", "event", "level", "price", "qty",
	"realized_pnl", "capital", "grid_center", "start_grid_center",
}

// Entry is one realized event appended to the journal.
type Entry struct {
	Time            time.Time
	Symbol          string
	Event           string
	Level           int
	Price           decimal.Decimal
	Qty             decimal.Decimal
	RealizedPnL     decimal.Decimal
	Capital         decimal.Decimal
	GridCenter      decimal.Decimal
	StartGridCenter decimal.Decimal
}

// Journal is an append-only CSV trade record, one file per symbol. Every
// append is flushed; losing the last line is acceptable only on power loss.
type Journal struct {
	path string
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
}

func Open(dir, symbol string) (*Journal, error) {
	if dir == "" {
		return nil, errors.New("journal dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "trades_"+strings.ToLower(symbol)+".csv")
	info, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr) || (statErr == nil && info.Size() == 0)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	j := &Journal{path: path, file: f, w: csv.NewWriter(f)}
	if fresh {
		if err := j.w.Write(header); err != nil {
			_ = f.Close()
			return nil, err
		}
		j.w.Flush()
		if err := j.w.Error(); err != nil {
			_ = f.Close()
			return nil, err
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return j, nil
}

func (j *Journal) Append(e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	record := []string{
		e.Time.UTC().Format(time.RFC3339),
		e.Symbol,
		e.Event,
		fmt.Sprintf("%d", e.Level),
		e.Price.String(),
		e.Qty.String(),
		e.RealizedPnL.String(),
		e.Capital.String(),
		e.GridCenter.String(),
		e.StartGridCenter.String(),
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return errors.New("journal closed")
	}
	if err := j.w.Write(record); err != nil {
		return err
	}
	j.w.Flush()
	if err := j.w.Error(); err != nil {
		return err
	}
	return j.file.Sync()
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	j.w.Flush()
	err := j.file.Close()
	j.file = nil
	return err
}
