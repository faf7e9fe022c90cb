package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionStatus is the outcome of one execute or close attempt
type ExecutionStatus string

const (
	StatusSuccess  ExecutionStatus = "success"
	StatusFailed   ExecutionStatus = "failed"   // order not placed (exchange/network)
	StatusRejected ExecutionStatus = "rejected" // local risk rule declined
	StatusInvalid  ExecutionStatus = "invalid"  // malformed candidate
	StatusSkipped  ExecutionStatus = "skipped"  // nothing to do (duplicate, market closed, slippage, busy)
	StatusBlocked  ExecutionStatus = "blocked"  // circuit breaker active
	StatusError    ExecutionStatus = "error"    // unexpected internal fault
)

// ExecutionResult is returned for every candidate trade or close attempt
type ExecutionResult struct {
	Status      ExecutionStatus `json:"status"`
	OrderID     string          `json:"order_id,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Latency     time.Duration   `json:"latency"`
	Amount      decimal.Decimal `json:"amount"`
	Price       decimal.Decimal `json:"price"`
	PositionKey string          `json:"position_key,omitempty"`
}

// Succeeded reports whether an order was placed
func (r ExecutionResult) Succeeded() bool {
	return r.Status == StatusSuccess
}
