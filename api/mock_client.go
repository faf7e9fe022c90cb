package api

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MockClobClient is a mock exchange for testing
type MockClobClient struct {
	mu sync.RWMutex

	// Response data
	Balance  *decimal.Decimal
	Prices   map[string]decimal.Decimal // tokenID -> midpoint
	Markets  map[string]*MarketInfo     // lowercase conditionID -> market
	OrderIDs func(p OrderRequestParams) string
	// OrderStatus is reported for placed orders, default "matched"
	OrderStatus string

	// Delay applied to every call, honouring ctx
	Delay time.Duration

	// Call tracking
	Calls map[string]int

	// Error injection: one-shot per method, or every call
	ErrorOnNext   map[string]error
	ErrorAlways   map[string]error
	PlaceOrderLog []OrderRequestParams
	CancelLog     []string

	seq int
}

// NewMockClobClient creates a new mock client with a 1000 USDC balance
func NewMockClobClient() *MockClobClient {
	balance := decimal.NewFromInt(1000)
	return &MockClobClient{
		Balance:     &balance,
		Prices:      make(map[string]decimal.Decimal),
		Markets:     make(map[string]*MarketInfo),
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
		ErrorAlways: make(map[string]error),
	}
}

// AddMarket registers a binary Yes/No market with the given token ids
func (m *MockClobClient) AddMarket(conditionID, yesToken, noToken string) *MarketInfo {
	market := &MarketInfo{
		ConditionID:     conditionID,
		Active:          true,
		AcceptingOrders: true,
		MinimumTickSize: decimal.New(1, -2),
		Tokens: []ClobTokenInfo{
			{TokenID: yesToken, Outcome: "Yes"},
			{TokenID: noToken, Outcome: "No"},
		},
	}
	m.mu.Lock()
	m.Markets[strings.ToLower(conditionID)] = market
	m.mu.Unlock()
	return market
}

// SetPrice sets the midpoint returned for tokenID
func (m *MockClobClient) SetPrice(tokenID string, price decimal.Decimal) {
	m.mu.Lock()
	m.Prices[tokenID] = price
	m.mu.Unlock()
}

// SetBalance sets the balance; nil means unavailable
func (m *MockClobClient) SetBalance(b *decimal.Decimal) {
	m.mu.Lock()
	m.Balance = b
	m.mu.Unlock()
}

// FailNext makes the next call to method return err
func (m *MockClobClient) FailNext(method string, err error) {
	m.mu.Lock()
	m.ErrorOnNext[method] = err
	m.mu.Unlock()
}

// FailAlways makes every call to method return err; nil clears it
func (m *MockClobClient) FailAlways(method string, err error) {
	m.mu.Lock()
	if err == nil {
		delete(m.ErrorAlways, method)
	} else {
		m.ErrorAlways[method] = err
	}
	m.mu.Unlock()
}

// CallCount returns how often method was called
func (m *MockClobClient) CallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Calls[method]
}

// PlacedOrders returns a copy of every PlaceOrder request
func (m *MockClobClient) PlacedOrders() []OrderRequestParams {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]OrderRequestParams(nil), m.PlaceOrderLog...)
}

func (m *MockClobClient) trackCall(ctx context.Context, name string) error {
	m.mu.Lock()
	m.Calls[name]++
	delay := m.Delay
	var err error
	if e, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		err = e
	} else if e, ok := m.ErrorAlways[name]; ok {
		err = e
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &NetworkError{Op: name, Err: ctx.Err()}
		}
	}
	return err
}

func (m *MockClobClient) GetBalance(ctx context.Context) (*decimal.Decimal, error) {
	if err := m.trackCall(ctx, "GetBalance"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Balance == nil {
		return nil, nil
	}
	b := *m.Balance
	return &b, nil
}

func (m *MockClobClient) GetCurrentPrice(ctx context.Context, tokenID string) (*decimal.Decimal, error) {
	if err := m.trackCall(ctx, "GetCurrentPrice"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.Prices[tokenID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MockClobClient) GetMarket(ctx context.Context, conditionID string) (*MarketInfo, error) {
	if err := m.trackCall(ctx, "GetMarket"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	market, ok := m.Markets[strings.ToLower(conditionID)]
	if !ok {
		return nil, fmt.Errorf("get market %s: %w", conditionID, ErrNotFound)
	}
	return market, nil
}

func (m *MockClobClient) PlaceOrder(ctx context.Context, p OrderRequestParams) (*OrderResult, error) {
	if err := m.trackCall(ctx, "PlaceOrder"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PlaceOrderLog = append(m.PlaceOrderLog, p)
	m.seq++

	id := fmt.Sprintf("mock-order-%d", m.seq)
	if m.OrderIDs != nil {
		id = m.OrderIDs(p)
	}
	status := m.OrderStatus
	if status == "" {
		status = "matched"
	}
	return &OrderResult{OrderID: id, Status: status, Size: p.Size, Price: p.Price}, nil
}

func (m *MockClobClient) CancelOrder(ctx context.Context, orderID string) error {
	if err := m.trackCall(ctx, "CancelOrder"); err != nil {
		return err
	}
	m.mu.Lock()
	m.CancelLog = append(m.CancelLog, orderID)
	m.mu.Unlock()
	return nil
}
