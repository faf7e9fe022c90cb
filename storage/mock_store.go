package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/winder87-stack/-polymarket-copy-bot-sub001/models"
)

// MockStore is an in-memory Journal for tests and for running without a database
type MockStore struct {
	mu sync.RWMutex

	Executions []ExecutionRecord
	Open       map[string]models.Position // position ID -> position
	Closed     []models.PositionClose

	// Call tracking for assertions
	Calls map[string]int

	// Error injection for testing error paths
	ErrorOnNext map[string]error
}

// NewMockStore creates an empty store
func NewMockStore() *MockStore {
	return &MockStore{
		Open:        make(map[string]models.Position),
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
	}
}

func (m *MockStore) trackCall(name string) error {
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

// CallCount returns how often method was called
func (m *MockStore) CallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Calls[method]
}

// FailNext makes the next call to method return err
func (m *MockStore) FailNext(method string, err error) {
	m.mu.Lock()
	m.ErrorOnNext[method] = err
	m.mu.Unlock()
}

func (m *MockStore) Close() error { return nil }

func (m *MockStore) SaveExecution(_ context.Context, rec ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("SaveExecution"); err != nil {
		return err
	}
	m.Executions = append(m.Executions, rec)
	return nil
}

func (m *MockStore) ListExecutions(_ context.Context, limit int) ([]ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("ListExecutions"); err != nil {
		return nil, err
	}
	out := make([]ExecutionRecord, 0, len(m.Executions))
	for i := len(m.Executions) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, m.Executions[i])
	}
	return out, nil
}

func (m *MockStore) SavePositionOpen(_ context.Context, pos models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("SavePositionOpen"); err != nil {
		return err
	}
	m.Open[pos.ID] = pos
	return nil
}

func (m *MockStore) SavePositionClose(_ context.Context, c models.PositionClose) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("SavePositionClose"); err != nil {
		return err
	}
	delete(m.Open, c.Position.ID)
	m.Closed = append(m.Closed, c)
	return nil
}

func (m *MockStore) ListOpenPositions(_ context.Context) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("ListOpenPositions"); err != nil {
		return nil, err
	}
	out := make([]models.Position, 0, len(m.Open))
	for _, p := range m.Open {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ClosedPositions returns a copy of every recorded close
func (m *MockStore) ClosedPositions() []models.PositionClose {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.PositionClose(nil), m.Closed...)
}

// ExecutionCount returns the number of journalled executions
func (m *MockStore) ExecutionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.Executions)
}
