package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/winder87-stack/-polymarket-copy-bot-sub001/models"
)

// ExecutionRecord is one row of the execution journal
type ExecutionRecord struct {
	ID          string                 `json:"id"`
	TxHash      string                 `json:"tx_hash"`
	Wallet      string                 `json:"wallet"`
	ConditionID string                 `json:"condition_id"`
	TokenID     string                 `json:"token_id"`
	Side        models.Side            `json:"side"`
	Status      models.ExecutionStatus `json:"status"`
	Reason      string                 `json:"reason,omitempty"`
	OrderID     string                 `json:"order_id,omitempty"`
	Amount      decimal.Decimal        `json:"amount"`
	Price       decimal.Decimal        `json:"price"`
	LatencyMS   int64                  `json:"latency_ms"`
	Closing     bool                   `json:"closing"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Journal records executions and the position history. Writes are best effort
// from the executor's point of view: a failed write is logged, never fatal.
type Journal interface {
	Close() error

	SaveExecution(ctx context.Context, rec ExecutionRecord) error
	ListExecutions(ctx context.Context, limit int) ([]ExecutionRecord, error)

	// Position history
	SavePositionOpen(ctx context.Context, pos models.Position) error
	SavePositionClose(ctx context.Context, c models.PositionClose) error
	ListOpenPositions(ctx context.Context) ([]models.Position, error)
}

// Ensure every implementation satisfies the interface
var _ Journal = (*PostgresStore)(nil)
var _ Journal = (*MockStore)(nil)
var _ Journal = NopJournal{}

// NopJournal discards everything
type NopJournal struct{}

func (NopJournal) Close() error                                            { return nil }
func (NopJournal) SaveExecution(context.Context, ExecutionRecord) error    { return nil }
func (NopJournal) SavePositionOpen(context.Context, models.Position) error { return nil }
func (NopJournal) SavePositionClose(context.Context, models.PositionClose) error {
	return nil
}

func (NopJournal) ListExecutions(context.Context, int) ([]ExecutionRecord, error) {
	return nil, nil
}

func (NopJournal) ListOpenPositions(context.Context) ([]models.Position, error) {
	return nil, nil
}
