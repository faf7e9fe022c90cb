package api

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/winder87-stack/-polymarket-copy-bot-sub001/models"
)

// APICreds holds API credentials for CLOB
type APICreds struct {
	APIKey        string `json:"apiKey"`
	APISecret     string `json:"secret"`
	APIPassphrase string `json:"passphrase"`
}

// Valid reports whether all three parts are present
func (c *APICreds) Valid() bool {
	return c != nil && c.APIKey != "" && c.APISecret != "" && c.APIPassphrase != ""
}

// MarketInfo represents market information from CLOB
type MarketInfo struct {
	ConditionID      string          `json:"condition_id"`
	QuestionID       string          `json:"question_id"`
	Question         string          `json:"question"`
	Tokens           []ClobTokenInfo `json:"tokens"`
	MinimumOrderSize decimal.Decimal `json:"minimum_order_size"`
	MinimumTickSize  decimal.Decimal `json:"minimum_tick_size"`
	EndDateISO       string          `json:"end_date_iso"`
	Active           bool            `json:"active"`
	Closed           bool            `json:"closed"`
	AcceptingOrders  bool            `json:"accepting_orders"`
	MarketSlug       string          `json:"market_slug"`
	NegRisk          bool            `json:"neg_risk"`
}

// ClobTokenInfo represents token information from CLOB
type ClobTokenInfo struct {
	TokenID string          `json:"token_id"`
	Outcome string          `json:"outcome"`
	Price   decimal.Decimal `json:"price"`
	Winner  bool            `json:"winner"`
}

// Tradable reports whether orders can be placed on the market
func (m *MarketInfo) Tradable() bool {
	return m.Active && !m.Closed
}

// TickSize returns the price increment, 0.01 when the market does not say
func (m *MarketInfo) TickSize() decimal.Decimal {
	if m.MinimumTickSize.IsPositive() {
		return m.MinimumTickSize
	}
	return defaultTickSize
}

// ResolveToken picks the outcome token a trade refers to. An explicit outcome
// wins; otherwise BUY maps to the "Yes" token and SELL to the "No" token, falling
// back to token order for markets with other outcome labels.
func (m *MarketInfo) ResolveToken(outcome string, side models.Side) (ClobTokenInfo, bool) {
	if outcome != "" {
		for _, t := range m.Tokens {
			if strings.EqualFold(t.Outcome, outcome) {
				return t, true
			}
		}
		return ClobTokenInfo{}, false
	}

	want, idx := "yes", 0
	if side == models.SideSell {
		want, idx = "no", 1
	}
	for _, t := range m.Tokens {
		if strings.EqualFold(t.Outcome, want) {
			return t, true
		}
	}
	if idx < len(m.Tokens) {
		return m.Tokens[idx], true
	}
	return ClobTokenInfo{}, false
}

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled
	OrderTypeGTD OrderType = "GTD" // Good-Til-Date
)

// OrderRequestParams is what the executor asks the exchange to do
type OrderRequestParams struct {
	MarketID  string
	TokenID   string
	Side      models.Side
	Size      decimal.Decimal // outcome shares
	Price     decimal.Decimal // limit price in (0,1)
	TickSize  decimal.Decimal // zero means 0.01
	NegRisk   bool
	OrderType OrderType // empty means GTC
}

// OrderResult is a placed order. An empty OrderID means nothing was placed.
type OrderResult struct {
	OrderID string          `json:"order_id"`
	Status  string          `json:"status"` // matched, live, delayed, unmatched
	Size    decimal.Decimal `json:"size"`
	Price   decimal.Decimal `json:"price"`
}

// Order represents a signed order
type Order struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
	SideInt       int    `json:"-"` // Internal use for EIP-712 signing
}

// OrderRequest is the payload for placing an order
type OrderRequest struct {
	Order     Order     `json:"order"`
	Owner     string    `json:"owner"`
	OrderType OrderType `json:"orderType"`
}

// OrderResponse is the response from placing an order
type OrderResponse struct {
	Success     bool     `json:"success"`
	ErrorMsg    string   `json:"errorMsg"`
	OrderID     string   `json:"orderId"`
	OrderHashes []string `json:"orderHashes"`
	Status      string   `json:"status"`
}

type balanceResponse struct {
	Balance   string `json:"balance"`
	Allowance string `json:"allowance"`
}

type midpointResponse struct {
	Mid string `json:"mid"`
}
