// Package alerts delivers execution, error and critical notifications.
// Delivery is best effort: a failed alert never fails the trade that raised it.
package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/winder87-stack/-polymarket-copy-bot-sub001/models"
)

// ExecutionAlert describes one execute or close attempt
type ExecutionAlert struct {
	Status      models.ExecutionStatus
	Side        models.Side
	ConditionID string
	Wallet      string // source wallet of the copied trade
	Amount      decimal.Decimal
	Price       decimal.Decimal
	OrderID     string
	Reason      string
	Latency     time.Duration
	Closing     bool
	ExitReason  models.ExitReason
	PnL         *decimal.Decimal // realized, closes only
}

// ErrorAlert reports a failure that an operator should look at
type ErrorAlert struct {
	Component   string
	ConditionID string
	Err         error
}

// Notifier delivers alerts. Implementations must be safe for concurrent use.
type Notifier interface {
	NotifyExecution(ctx context.Context, a ExecutionAlert) error
	NotifyError(ctx context.Context, a ErrorAlert) error
	NotifyCritical(ctx context.Context, title, msg string) error
}

// FormatExecution renders an execution alert as plain text. Addresses are masked
// and the market id is shortened.
func FormatExecution(a ExecutionAlert) string {
	var b strings.Builder
	action := "COPY"
	if a.Closing {
		action = "CLOSE"
	}
	fmt.Fprintf(&b, "%s %s %s\n", action, a.Side, strings.ToUpper(string(a.Status)))
	fmt.Fprintf(&b, "market: %s\n", MarketFragment(a.ConditionID))
	if a.Wallet != "" {
		fmt.Fprintf(&b, "source: %s\n", MaskAddress(a.Wallet))
	}
	fmt.Fprintf(&b, "amount: %s @ %s\n", a.Amount.String(), a.Price.String())
	if a.OrderID != "" {
		fmt.Fprintf(&b, "order: %s\n", MarketFragment(a.OrderID))
	}
	if a.ExitReason != models.ExitNone {
		fmt.Fprintf(&b, "exit: %s\n", a.ExitReason)
	}
	if a.PnL != nil {
		fmt.Fprintf(&b, "pnl: %s\n", a.PnL.StringFixed(2))
	}
	if a.Reason != "" {
		fmt.Fprintf(&b, "reason: %s\n", SanitizeText(a.Reason))
	}
	fmt.Fprintf(&b, "latency: %s", a.Latency.Round(time.Millisecond))
	return b.String()
}

// FormatError renders an error alert as plain text
func FormatError(a ErrorAlert) string {
	msg := "unknown error"
	if a.Err != nil {
		msg = SanitizeError(a.Err)
	}
	if a.ConditionID != "" {
		return fmt.Sprintf("ERROR [%s] market %s: %s", a.Component, MarketFragment(a.ConditionID), msg)
	}
	return fmt.Sprintf("ERROR [%s] %s", a.Component, msg)
}

// FormatCritical renders a critical alert as plain text
func FormatCritical(title, msg string) string {
	return fmt.Sprintf("CRITICAL %s\n%s", title, SanitizeText(msg))
}
