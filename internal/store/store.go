package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"grid-martingale/internal/core"
)

// SchemaVersion is bumped when the snapshot layout changes; Load rejects
// versions it does not know how to migrate.
const SchemaVersion = 1

var ErrCorrupt = errors.New("state file corrupt")

// EntryFill is one filled ladder level of the open position.
type EntryFill struct {
	Level    int             `json:"level"`
	Price    decimal.Decimal `json:"price"`
	Qty      decimal.Decimal `json:"qty"`
	Notional decimal.Decimal `json:"notional"`
}

// DesiredOrder is one order the strategy intends to hold at the venue.
// OrderID is filled in once the reconciler has placed it.
type DesiredOrder struct {
	Kind          core.OrderKind  `json:"kind"`
	Level         int             `json:"level,omitempty"`
	Side          core.Side       `json:"side"`
	Type          core.OrderType  `json:"type"`
	Price         decimal.Decimal `json:"price"`
	StopPrice     decimal.Decimal `json:"stop_price"`
	Qty           decimal.Decimal `json:"qty"`
	ReduceOnly    bool            `json:"reduce_only,omitempty"`
	ClosePosition bool            `json:"close_position,omitempty"`
	OrderID       string          `json:"order_id,omitempty"`
	ClientID      string          `json:"client_id,omitempty"`
}

// StrategyState is the crash-safe snapshot of the strategy. A zero
// GridCenter means no bar has closed yet.
type StrategyState struct {
	Version         int               `json:"version"`
	Symbol          string            `json:"symbol"`
	GridCenter      decimal.Decimal   `json:"grid_center"`
	StartGridCenter decimal.Decimal   `json:"start_grid_center"`
	PositionSide    core.PositionSide `json:"position_side"`
	CurrentLevel    int               `json:"current_level"`
	Entries         []EntryFill       `json:"entries"`
	AvgPrice        decimal.Decimal   `json:"avg_price"`
	TotalSize       decimal.Decimal   `json:"total_size"`
	Level1Qty       decimal.Decimal   `json:"level1_qty"`
	EntryFees       decimal.Decimal   `json:"entry_fees"`
	Capital         decimal.Decimal   `json:"capital"`
	Desired         []DesiredOrder    `json:"desired_orders"`
	LastSyncedAt    time.Time         `json:"last_synced_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Empty returns the default state for a fresh start.
func Empty(symbol string) StrategyState {
	return StrategyState{
		Version:      SchemaVersion,
		Symbol:       symbol,
		PositionSide: core.PositionNone,
	}
}

type RuntimeStatus struct {
	Mode              string     `json:"mode"`
	Symbol            string     `json:"symbol"`
	InstanceID        string     `json:"instance_id"`
	PID               int        `json:"pid"`
	State             string     `json:"state"`
	StartedAt         time.Time  `json:"started_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	LastError         string     `json:"last_error,omitempty"`
	ReconnectAttempts int        `json:"reconnect_attempts,omitempty"`
	DisconnectedAt    *time.Time `json:"disconnected_at,omitempty"`
}

// Store is the single-writer persistence root for one symbol process.
type Store struct {
	root   string
	symbol string
	mu     sync.Mutex
}

func New(root, symbol string) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if symbol == "" {
		return nil, errors.New("symbol required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, symbol: strings.ToLower(symbol)}, nil
}

func (s *Store) statePath() string {
	return filepath.Join(s.root, "state_"+s.symbol+".json")
}

func (s *Store) runtimeStatusPath() string {
	return filepath.Join(s.root, "runtime_"+s.symbol+".json")
}

// Save writes the snapshot with atomic-rename semantics: serialize to a
// temporary file, fsync, rename over the destination.
func (s *Store) Save(state StrategyState) error {
	if state.Version == 0 {
		state.Version = SchemaVersion
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.statePath(), state)
}

// Load returns the parsed snapshot, or (Empty, false, nil) when no file
// exists. A file that exists but cannot be parsed is reported as ErrCorrupt:
// the operator must inspect, not silently reset.
func (s *Store) Load() (StrategyState, bool, error) {
	data, err := os.ReadFile(s.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return Empty(s.symbol), false, nil
		}
		return StrategyState{}, false, err
	}
	var state StrategyState
	if err := json.Unmarshal(data, &state); err != nil {
		return StrategyState{}, false, errors.Join(ErrCorrupt, err)
	}
	if state.Version != SchemaVersion {
		return StrategyState{}, false, errors.Join(ErrCorrupt, errors.New("unsupported schema version"))
	}
	return state, true, nil
}

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.runtimeStatusPath(), status)
}

func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
