package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// TripKind records which rule tripped the breaker
type TripKind string

const (
	TripNone                TripKind = ""
	TripDailyLoss           TripKind = "daily_loss"
	TripConsecutiveFailures TripKind = "consecutive_failures"
	TripManual              TripKind = "manual"
)

// State is the durable circuit breaker record
type State struct {
	Wallet              string          `json:"wallet"`
	Active              bool            `json:"active"`
	Reason              string          `json:"reason,omitempty"`
	Kind                TripKind        `json:"kind,omitempty"`
	DailyLoss           decimal.Decimal `json:"daily_loss"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	ActivatedAt         time.Time       `json:"activated_at"`
	Cooldown            time.Duration   `json:"cooldown"`
	DayOpen             time.Time       `json:"day_open"`
	Timezone            string          `json:"timezone"`
	TripsToday          int             `json:"trips_today"`
	UpdatedAt           time.Time       `json:"updated_at"`
	Version             uint64          `json:"version"`
}

// CooldownEndsAt returns when an active breaker resets on its own. Zero when inactive.
func (s State) CooldownEndsAt() time.Time {
	if !s.Active || s.Cooldown <= 0 {
		return time.Time{}
	}
	return s.ActivatedAt.Add(s.Cooldown)
}

// StateStore persists breaker state across restarts
type StateStore interface {
	// Load returns found=false when nothing has been stored yet
	Load(ctx context.Context) (state State, found bool, err error)
	Save(ctx context.Context, state State) error
}

// FileStateStore keeps the state in a JSON file next to a .bak copy.
// Writes go through a temp file, fsync and rename.
type FileStateStore struct {
	Path string
}

// NewFileStateStore returns a store writing to path, creating its directory if needed
func NewFileStateStore(path string) (*FileStateStore, error) {
	if path == "" {
		return nil, errors.New("state path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStateStore{Path: path}, nil
}

// Load reads the state file, falling back to the .bak copy when the primary is
// missing or unreadable
func (f *FileStateStore) Load(_ context.Context) (State, bool, error) {
	s, err := readStateFile(f.Path)
	if err == nil {
		return s, true, nil
	}
	primaryErr := err

	s, err = readStateFile(f.Path + ".bak")
	if err == nil {
		return s, true, nil
	}
	if errors.Is(primaryErr, os.ErrNotExist) && errors.Is(err, os.ErrNotExist) {
		return State{}, false, nil
	}
	return State{}, false, fmt.Errorf("load breaker state %s: %w", f.Path, primaryErr)
}

// Save writes the state atomically
func (f *FileStateStore) Save(_ context.Context, s State) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode breaker state: %w", err)
	}
	// best-effort .bak
	_ = os.WriteFile(f.Path+".bak", b, 0o600)
	if err := writeFileAtomic(f.Path, b, 0o600); err != nil {
		return fmt.Errorf("write breaker state %s: %w", f.Path, err)
	}
	return nil
}

func readStateFile(path string) (State, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return State{}, err
	}
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return State{}, err
	}
	return s, nil
}

// writeFileAtomic writes data to path atomically (tmp file + fsync + rename).
// It also fsyncs the parent directory to harden the rename.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// MemoryStateStore keeps the state in memory. Used in tests and dry runs.
type MemoryStateStore struct {
	mu    sync.Mutex
	state *State
	saves int
}

// NewMemoryStateStore returns an empty store
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{}
}

func (m *MemoryStateStore) Load(_ context.Context) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return State{}, false, nil
	}
	return *m.state, true, nil
}

func (m *MemoryStateStore) Save(_ context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = &s
	m.saves++
	return nil
}

// Saves returns how many times Save was called
func (m *MemoryStateStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
