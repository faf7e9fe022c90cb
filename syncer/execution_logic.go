package syncer

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/winder87-stack/-polymarket-copy-bot-sub001/models"
)

var (
	hash32Re  = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	tokenIDRe = regexp.MustCompile(`^[0-9]{1,80}$`)
)

var (
	// ErrCannotSize means the limits leave no room for a trade of the minimum size
	ErrCannotSize = errors.New("position ceiling below minimum trade amount")
	// ErrBelowMinimum means the fallback size is under the minimum trade amount
	ErrBelowMinimum = errors.New("size below minimum trade amount")
)

// ValidateCandidate checks required fields and value ranges.
// It is a pure function: the same input always gives the same answer.
func ValidateCandidate(c models.CandidateTrade) error {
	if !c.Side.Valid() {
		return fmt.Errorf("invalid side %q", c.Side)
	}
	if !c.Price.IsPositive() || c.Price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("price %s outside (0,1)", c.Price)
	}
	if !c.Amount.IsPositive() {
		return fmt.Errorf("amount %s must be positive", c.Amount)
	}
	if math.IsNaN(c.Confidence) || c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", c.Confidence)
	}
	if !hash32Re.MatchString(c.TxHash) {
		return errors.New("malformed transaction hash")
	}
	if len(c.WalletAddress) != 42 || !common.IsHexAddress(c.WalletAddress) {
		return errors.New("malformed wallet address")
	}
	if !hash32Re.MatchString(c.ConditionID) {
		return errors.New("malformed condition id")
	}
	if c.TokenID != "" && !tokenIDRe.MatchString(c.TokenID) {
		return errors.New("malformed token id")
	}
	return nil
}

// SizingParams are the account-level limits applied to every new position
type SizingParams struct {
	MinTradeAmount         decimal.Decimal
	MaxPositionSize        decimal.Decimal
	RiskFraction           decimal.Decimal // share of balance risked per trade, default 0.01
	MaxAccountRiskFraction decimal.Decimal // share of balance one position may reach, default 0.05
	PriceRiskEpsilon       decimal.Decimal // floor of the price risk, default 0.01
	FallbackFraction       decimal.Decimal // share of the copied amount when inputs are missing, default 0.1
}

// DefaultSizingParams returns the documented defaults
func DefaultSizingParams() SizingParams {
	return SizingParams{
		MinTradeAmount:         decimal.NewFromInt(1),
		MaxPositionSize:        decimal.NewFromInt(100),
		RiskFraction:           decimal.New(1, -2),
		MaxAccountRiskFraction: decimal.New(5, -2),
		PriceRiskEpsilon:       decimal.New(1, -2),
		FallbackFraction:       decimal.New(1, -1),
	}
}

// SizingResult is a computed position size
type SizingResult struct {
	Size     decimal.Decimal
	Ceiling  decimal.Decimal
	Fallback bool // true when balance or price was missing
}

// CalculatePositionSize sizes a new position from the balance B, the live price
// and the copied trade:
//
//	price_risk   = max(|P_now - P_entry|, epsilon)
//	account_risk = B * risk_fraction
//	size         = clamp(account_risk / price_risk, min_trade_amount, ceiling)
//	ceiling      = min(max_position_size, B * max_account_risk_fraction)
//
// Without a usable balance or price it falls back to
// min(amount * fallback_fraction, max_position_size), still capped by the
// ceiling when the balance is known.
func CalculatePositionSize(balance, currentPrice *decimal.Decimal, c models.CandidateTrade, p SizingParams) (SizingResult, error) {
	balanceKnown := balance != nil && balance.IsPositive()
	priceKnown := currentPrice != nil && currentPrice.IsPositive() && currentPrice.LessThan(decimal.NewFromInt(1))

	ceiling := p.MaxPositionSize
	if balanceKnown {
		ceiling = decimal.Min(ceiling, models.Quantize(balance.Mul(p.MaxAccountRiskFraction)))
	}
	if ceiling.LessThan(p.MinTradeAmount) {
		return SizingResult{Ceiling: ceiling}, fmt.Errorf("%w: ceiling %s, minimum %s", ErrCannotSize, ceiling, p.MinTradeAmount)
	}

	if !balanceKnown || !priceKnown {
		size := decimal.Min(models.Quantize(c.Amount.Mul(p.FallbackFraction)), p.MaxPositionSize)
		if balanceKnown {
			size = decimal.Min(size, ceiling)
		}
		size = roundWithin(size, ceiling)
		res := SizingResult{Size: size, Ceiling: ceiling, Fallback: true}
		if size.LessThan(p.MinTradeAmount) {
			return res, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, size, p.MinTradeAmount)
		}
		return res, nil
	}

	priceRisk := decimal.Max(currentPrice.Sub(c.Price).Abs(), p.PriceRiskEpsilon)
	if !priceRisk.IsPositive() {
		// epsilon configured as zero and no price move
		return CalculatePositionSize(balance, nil, c, p)
	}
	accountRisk := models.Quantize(balance.Mul(p.RiskFraction))
	raw := models.Div(accountRisk, priceRisk)

	size := decimal.Min(decimal.Max(raw, p.MinTradeAmount), ceiling)
	return SizingResult{Size: roundWithin(size, ceiling), Ceiling: ceiling}, nil
}

// roundWithin rounds half-up to the order scale without crossing the ceiling
func roundWithin(size, ceiling decimal.Decimal) decimal.Decimal {
	rounded := models.RoundAmount(size)
	if rounded.GreaterThan(ceiling) {
		return ceiling.Truncate(models.AmountScale)
	}
	return rounded
}

// ExitRules decide when an open position is closed
type ExitRules struct {
	TakeProfit decimal.Decimal // fraction, e.g. 0.15
	StopLoss   decimal.Decimal // fraction, e.g. 0.10
	MaxAge     time.Duration   // default 24h
}

// ProfitFraction is the signed return of pos at current:
// (current-entry)/entry for BUY and (entry-current)/entry for SELL
func ProfitFraction(pos models.Position, current decimal.Decimal) decimal.Decimal {
	if !pos.EntryPrice.IsPositive() {
		return decimal.Zero
	}
	diff := current.Sub(pos.EntryPrice)
	if pos.Key.Side == models.SideSell {
		diff = diff.Neg()
	}
	return models.Div(diff, pos.EntryPrice)
}

// EvaluateExit returns the first matching exit rule, or ExitNone
func EvaluateExit(pos models.Position, current decimal.Decimal, now time.Time, rules ExitRules) models.ExitReason {
	pf := ProfitFraction(pos, current)
	if rules.TakeProfit.IsPositive() && pf.GreaterThanOrEqual(rules.TakeProfit) {
		return models.ExitTakeProfit
	}
	if rules.StopLoss.IsPositive() && pf.LessThanOrEqual(rules.StopLoss.Neg()) {
		return models.ExitStopLoss
	}
	maxAge := rules.MaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	if pos.Age(now) >= maxAge {
		return models.ExitTime
	}
	return models.ExitNone
}

// RealizedPnL of closing pos at exit
func RealizedPnL(pos models.Position, exit decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(pos.EntryPrice)
	if pos.Key.Side == models.SideSell {
		diff = diff.Neg()
	}
	return models.Quantize(diff.Mul(pos.Amount))
}

// MaxSlippageForPrice returns the allowed price move for a copied price.
// Cheap outcomes move a lot in relative terms, so they get more room.
func MaxSlippageForPrice(price decimal.Decimal) decimal.Decimal {
	switch {
	case price.LessThan(decimal.New(10, -2)):
		return decimal.NewFromInt(2) // 200%
	case price.LessThan(decimal.New(20, -2)):
		return decimal.New(80, -2)
	case price.LessThan(decimal.New(30, -2)):
		return decimal.New(50, -2)
	case price.LessThan(decimal.New(40, -2)):
		return decimal.New(30, -2)
	default:
		return decimal.New(20, -2)
	}
}

// SlippageExceeded reports whether live moved against side by more than maxSlippage
// relative to the copied price. A zero maxSlippage uses the price tiers.
func SlippageExceeded(side models.Side, copied, live, maxSlippage decimal.Decimal) bool {
	if !maxSlippage.IsPositive() {
		maxSlippage = MaxSlippageForPrice(copied)
	}
	one := decimal.NewFromInt(1)
	if side == models.SideBuy {
		return live.GreaterThan(copied.Mul(one.Add(maxSlippage)))
	}
	return live.LessThan(copied.Mul(one.Sub(maxSlippage)))
}
