package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PositionKey identifies one open position: market + side, optionally tagged
// with a strategy variant so two variants can hold the same market/side.
type PositionKey struct {
	ConditionID string `json:"condition_id"`
	Side        Side   `json:"side"`
	Strategy    string `json:"strategy,omitempty"`
}

func (k PositionKey) String() string {
	var b strings.Builder
	b.WriteString(k.ConditionID)
	b.WriteByte(':')
	b.WriteString(string(k.Side))
	if k.Strategy != "" {
		b.WriteByte(':')
		b.WriteString(k.Strategy)
	}
	return b.String()
}

// Position is a copied stake we currently hold.
// Positions are never edited in place: closing removes them from the open-position cache.
type Position struct {
	ID         string          `json:"id"`
	Key        PositionKey     `json:"key"`
	TokenID    string          `json:"token_id"`
	Amount     decimal.Decimal `json:"amount"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	CreatedAt  time.Time       `json:"created_at"`
	OrderID    string          `json:"order_id"`
	Source     CandidateTrade  `json:"source"`
}

// NewPosition builds a position from a filled order
func NewPosition(key PositionKey, tokenID string, amount, entryPrice decimal.Decimal, orderID string, source CandidateTrade, now time.Time) *Position {
	return &Position{
		ID:         uuid.NewString(),
		Key:        key,
		TokenID:    tokenID,
		Amount:     Quantize(amount),
		EntryPrice: Quantize(entryPrice),
		CreatedAt:  now,
		OrderID:    orderID,
		Source:     source,
	}
}

// Age returns how long the position has been open at now
func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(p.CreatedAt)
}

// ExitReason names the rule that closed a position
type ExitReason string

const (
	ExitNone       ExitReason = ""
	ExitTakeProfit ExitReason = "TAKE_PROFIT"
	ExitStopLoss   ExitReason = "STOP_LOSS"
	ExitTime       ExitReason = "TIME_EXIT"
)

// PositionClose records a closed position and its realized PnL
type PositionClose struct {
	Position    Position        `json:"position"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	Reason      ExitReason      `json:"reason"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	OrderID     string          `json:"order_id"`
	ClosedAt    time.Time       `json:"closed_at"`
}
