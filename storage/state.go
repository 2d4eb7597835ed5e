package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantflow/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STATE STORE - Portfolio snapshot persistence
// ═══════════════════════════════════════════════════════════════════════════════
//
// Whole-state JSON snapshots for restart recovery. Written atomically
// (temp file + rename) so a crash mid-write never corrupts the last
// good snapshot.
//
// ═══════════════════════════════════════════════════════════════════════════════

// OpenState is the persisted portfolio bookkeeping for one open position
type OpenState struct {
	Margin     decimal.Decimal  `json:"margin"`
	RiskAmount decimal.Decimal  `json:"risk_amount"`
	Value      decimal.Decimal  `json:"value"`
	Strategy   string           `json:"strategy"`
	SignalType types.SignalType `json:"signal_type"`
}

// Snapshot is the whole persisted portfolio state
type Snapshot struct {
	SavedAt        time.Time            `json:"saved_at"`
	InitialBalance decimal.Decimal      `json:"initial_balance"`
	Balance        decimal.Decimal      `json:"balance"`
	Positions      []types.Position     `json:"positions"`
	Open           map[string]OpenState `json:"open"`
	History        []types.TradeRecord  `json:"history"`
}

// Store reads and writes portfolio snapshots at a fixed path
type Store struct {
	path string
}

// NewStore creates a store. An empty path disables persistence.
func NewStore(path string) *Store {
	if path == "" {
		log.Warn().Msg("State path not set, running without persistence")
	} else {
		log.Info().Str("path", path).Msg("💾 State store ready")
	}
	return &Store{path: path}
}

// Enabled reports whether the store persists anything
func (s *Store) Enabled() bool {
	return s.path != ""
}

// Save writes a snapshot atomically
func (s *Store) Save(snap Snapshot) error {
	if !s.Enabled() {
		return nil
	}

	snap.SavedAt = time.Now()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}

	log.Debug().Str("path", s.path).Int("positions", len(snap.Positions)).Msg("Snapshot saved")
	return nil
}

// Load reads the latest snapshot. A missing file returns ok=false with
// no error so a first run starts clean.
func (s *Store) Load() (Snapshot, bool, error) {
	if !s.Enabled() {
		return Snapshot{}, false, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("parse snapshot: %w", err)
	}

	log.Info().
		Str("path", s.path).
		Time("saved_at", snap.SavedAt).
		Int("positions", len(snap.Positions)).
		Msg("💾 Snapshot loaded")
	return snap, true, nil
}
