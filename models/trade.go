package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents buy or sell
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide converts a raw side string (any case) into a Side
func ParseSide(raw string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(raw))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	default:
		return "", fmt.Errorf("unknown side %q", raw)
	}
}

// Valid reports whether s is BUY or SELL
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the side that closes a position opened on s
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// CandidateTrade is a trade detected on a monitored wallet that may be copied.
// It is produced by the scanner and must not be modified after it is received.
type CandidateTrade struct {
	TxHash        string          `json:"tx_hash"`
	Timestamp     time.Time       `json:"timestamp"`
	WalletAddress string          `json:"wallet_address"`
	ConditionID   string          `json:"condition_id"`
	Side          Side            `json:"side"`
	Amount        decimal.Decimal `json:"amount"`
	Price         decimal.Decimal `json:"price"`
	Confidence    float64         `json:"confidence"`

	// Optional fields
	TokenID  string `json:"token_id,omitempty"`
	Outcome  string `json:"outcome,omitempty"`  // "Yes" / "No"; used to resolve the token when TokenID is empty
	Strategy string `json:"strategy,omitempty"` // variant tag, part of the position key
}

// Key returns the composite position key this trade opens or closes
func (t CandidateTrade) Key() PositionKey {
	return PositionKey{
		ConditionID: strings.ToLower(t.ConditionID),
		Side:        t.Side,
		Strategy:    t.Strategy,
	}
}

// Notional returns amount * price
func (t CandidateTrade) Notional() decimal.Decimal {
	return Quantize(t.Amount.Mul(t.Price))
}
