package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/winder87-stack/-polymarket-copy-bot-sub001/cache"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/models"
)

const (
	DefaultClobURL        = "https://clob.polymarket.com"
	defaultRequestTimeout = 10 * time.Second
	usdcDecimals          = 6

	ctfExchange        = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	negRiskCTFExchange = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
	zeroAddress        = "0x0000000000000000000000000000000000000000"
)

var (
	defaultTickSize = decimal.New(1, -2)
	minOrderSize    = decimal.New(1, -2)
)

// PriceSource serves recent midpoints without a round trip
type PriceSource interface {
	Midpoint(tokenID string) (decimal.Decimal, bool)
}

// ClobOptions configures a ClobClient
type ClobOptions struct {
	BaseURL        string
	ChainID        int64
	RequestTimeout time.Duration
	Funder         string // profile address holding USDC, for Magic/proxy wallets
	SignatureType  int    // 0=EOA, 1=Magic/Email, 2=Browser proxy
	Creds          *APICreds
	MarketCacheTTL time.Duration
	Prices         PriceSource
	Logger         *zap.Logger
}

// ClobClient handles CLOB API interactions for trading
type ClobClient struct {
	baseURL        string
	httpClient     *http.Client
	auth           *Auth
	chainID        int64
	funder         common.Address
	signatureType  int
	requestTimeout time.Duration
	prices         PriceSource
	markets        *cache.BoundedCache[string, *MarketInfo]
	log            *zap.Logger

	credsMu  sync.Mutex
	apiCreds *APICreds
}

// NewClobClient creates a new CLOB API client
func NewClobClient(auth *Auth, opts ClobOptions) (*ClobClient, error) {
	if auth == nil {
		return nil, errors.New("clob client needs an auth key")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultClobURL
	}
	if opts.ChainID == 0 {
		opts.ChainID = 137 // Polygon mainnet
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.MarketCacheTTL <= 0 {
		opts.MarketCacheTTL = 5 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &ClobClient{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: opts.RequestTimeout + 5*time.Second,
		},
		auth:           auth,
		chainID:        opts.ChainID,
		funder:         auth.GetAddress(),
		signatureType:  opts.SignatureType,
		requestTimeout: opts.RequestTimeout,
		prices:         opts.Prices,
		log:            logger.Named("clob"),
		markets: cache.New(cache.Options[string, *MarketInfo]{
			Name:    "markets",
			MaxSize: 2000,
			TTL:     opts.MarketCacheTTL,
			Logger:  logger,
		}),
	}
	if opts.Funder != "" {
		c.funder = common.HexToAddress(opts.Funder)
	}
	if opts.Creds.Valid() {
		c.apiCreds = opts.Creds
	}
	return c, nil
}

// DeriveAPICreds derives existing API credentials, creating new ones when the
// wallet has none yet
func (c *ClobClient) DeriveAPICreds(ctx context.Context) (*APICreds, error) {
	var creds APICreds
	err := c.doL1(ctx, "derive api key", http.MethodGet, "/auth/derive-api-key", nil, &creds)
	if err == nil && creds.Valid() {
		c.log.Info("derived existing API credentials")
		return &creds, nil
	}
	c.log.Info("deriving API credentials failed, creating new ones", zap.Error(err))

	body := []byte(`{"nonce":0}`)
	if err := c.doL1(ctx, "create api key", http.MethodPost, "/auth/api-key", body, &creds); err != nil {
		return nil, errors.Wrap(err, "failed to obtain API creds")
	}
	if !creds.Valid() {
		return nil, errors.New("exchange returned incomplete API creds")
	}
	c.log.Info("created new API credentials")
	return &creds, nil
}

// GetBalance returns the collateral (USDC) balance
func (c *ClobClient) GetBalance(ctx context.Context) (*decimal.Decimal, error) {
	if _, err := c.ensureCreds(ctx); err != nil {
		return nil, err
	}

	values := url.Values{}
	values.Set("asset_type", "COLLATERAL")
	values.Set("signature_type", strconv.Itoa(c.signatureType))

	var resp balanceResponse
	if err := c.do(ctx, "get balance", http.MethodGet, "/balance-allowance", values, nil, true, &resp); err != nil {
		return nil, err
	}
	raw, err := decimal.NewFromString(resp.Balance)
	if err != nil {
		return nil, errors.Wrapf(err, "get balance: bad balance %q", resp.Balance)
	}
	balance := raw.Shift(-usdcDecimals)
	return &balance, nil
}

// GetCurrentPrice returns the midpoint for an outcome token, served from the
// price stream when it has a fresh value
func (c *ClobClient) GetCurrentPrice(ctx context.Context, tokenID string) (*decimal.Decimal, error) {
	if c.prices != nil {
		if mid, ok := c.prices.Midpoint(tokenID); ok {
			return &mid, nil
		}
	}

	values := url.Values{}
	values.Set("token_id", tokenID)

	var resp midpointResponse
	if err := c.do(ctx, "get midpoint", http.MethodGet, "/midpoint", values, nil, false, &resp); err != nil {
		return nil, err
	}
	if resp.Mid == "" {
		return nil, nil
	}
	mid, err := decimal.NewFromString(resp.Mid)
	if err != nil {
		return nil, errors.Wrapf(err, "get midpoint: bad mid %q", resp.Mid)
	}
	return &mid, nil
}

// GetMarket fetches market information, cached for a few minutes
func (c *ClobClient) GetMarket(ctx context.Context, conditionID string) (*MarketInfo, error) {
	key := strings.ToLower(conditionID)
	if m, ok := c.markets.Get(key); ok {
		return m, nil
	}

	var market MarketInfo
	if err := c.do(ctx, "get market", http.MethodGet, "/markets/"+conditionID, nil, nil, false, &market); err != nil {
		return nil, err
	}
	c.markets.Set(key, &market)
	return &market, nil
}

// PlaceOrder signs and posts a limit order. It is never retried here.
func (c *ClobClient) PlaceOrder(ctx context.Context, p OrderRequestParams) (*OrderResult, error) {
	const op = "place order"

	creds, err := c.ensureCreds(ctx)
	if err != nil {
		return nil, err
	}

	order, size, price, err := c.createSignedOrder(p)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}

	orderType := p.OrderType
	if orderType == "" {
		orderType = OrderTypeGTC
	}
	body, err := json.Marshal(OrderRequest{
		Order:     *order,
		Owner:     creds.APIKey, // Owner is the API key
		OrderType: orderType,
	})
	if err != nil {
		return nil, errors.Wrap(err, op)
	}

	var resp OrderResponse
	if err := c.do(ctx, op, http.MethodPost, "/order", nil, body, true, &resp); err != nil {
		var ae *APIError
		if errors.As(err, &ae) && ae.StatusCode == http.StatusBadRequest {
			if msg := errorMessage(ae.Body); msg != "" {
				return nil, &TradingError{Op: op, Message: msg}
			}
		}
		return nil, err
	}
	if !resp.Success || resp.ErrorMsg != "" {
		return nil, &TradingError{Op: op, Message: resp.ErrorMsg, Status: resp.Status}
	}

	c.log.Info("order placed",
		zap.String("order_id", resp.OrderID),
		zap.String("side", string(p.Side)),
		zap.String("size", size.String()),
		zap.String("price", price.String()),
		zap.String("status", resp.Status))

	return &OrderResult{OrderID: resp.OrderID, Status: resp.Status, Size: size, Price: price}, nil
}

// CancelOrder cancels one open order
func (c *ClobClient) CancelOrder(ctx context.Context, orderID string) error {
	if _, err := c.ensureCreds(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(map[string]string{"orderID": orderID})
	if err != nil {
		return errors.Wrap(err, "cancel order")
	}
	return c.do(ctx, "cancel order", http.MethodDelete, "/order", nil, body, true, nil)
}

func (c *ClobClient) ensureCreds(ctx context.Context) (*APICreds, error) {
	c.credsMu.Lock()
	defer c.credsMu.Unlock()
	if c.apiCreds.Valid() {
		return c.apiCreds, nil
	}
	creds, err := c.DeriveAPICreds(ctx)
	if err != nil {
		return nil, err
	}
	c.apiCreds = creds
	return creds, nil
}

func (c *ClobClient) currentCreds() *APICreds {
	c.credsMu.Lock()
	defer c.credsMu.Unlock()
	return c.apiCreds
}

// createSignedOrder converts size and price into 6-decimal base units and signs the order.
// Price is rounded to the tick, size down to 2 decimals.
func (c *ClobClient) createSignedOrder(p OrderRequestParams) (*Order, decimal.Decimal, decimal.Decimal, error) {
	if !p.Side.Valid() {
		return nil, decimal.Zero, decimal.Zero, errors.Errorf("invalid side %q", p.Side)
	}
	tokenID, ok := new(big.Int).SetString(p.TokenID, 10)
	if !ok {
		return nil, decimal.Zero, decimal.Zero, errors.Errorf("invalid token id %q", p.TokenID)
	}

	tick := p.TickSize
	if !tick.IsPositive() {
		tick = defaultTickSize
	}
	price := p.Price.Div(tick).Round(0).Mul(tick)
	if !price.IsPositive() || price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, decimal.Zero, decimal.Zero, errors.Errorf("price %s outside (0,1) after tick rounding", price)
	}
	size := p.Size.Truncate(2)
	if size.LessThan(minOrderSize) {
		return nil, decimal.Zero, decimal.Zero, errors.Errorf("size %s below minimum %s", p.Size, minOrderSize)
	}

	// MakerAmount: what we give (USDC for buy, tokens for sell)
	// TakerAmount: what we get (tokens for buy, USDC for sell)
	sizeUnits := size.Shift(usdcDecimals).Truncate(0).BigInt()
	usdcUnits := size.Mul(price).Shift(usdcDecimals).Truncate(0).BigInt()

	order := &Order{
		Salt:          generateSalt(),
		Maker:         c.funder.Hex(),
		Signer:        c.auth.GetAddress().Hex(),
		Taker:         zeroAddress,
		TokenID:       tokenID.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		SignatureType: c.signatureType,
	}
	if p.Side == models.SideBuy {
		order.MakerAmount, order.TakerAmount = usdcUnits.String(), sizeUnits.String()
		order.Side, order.SideInt = "BUY", 0
	} else {
		order.MakerAmount, order.TakerAmount = sizeUnits.String(), usdcUnits.String()
		order.Side, order.SideInt = "SELL", 1
	}

	signature, err := c.signOrder(order, p.NegRisk)
	if err != nil {
		return nil, decimal.Zero, decimal.Zero, errors.Wrap(err, "failed to sign order")
	}
	order.Signature = signature
	return order, size, price, nil
}

func (c *ClobClient) signOrder(order *Order, negRisk bool) (string, error) {
	// neg_risk markets settle on a different exchange contract
	verifyingContract := ctfExchange
	if negRisk {
		verifyingContract = negRiskCTFExchange
	}

	toBig := func(s string) *big.Int {
		n, _ := new(big.Int).SetString(s, 10)
		if n == nil {
			return big.NewInt(0)
		}
		return n
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": []apitypes.Type{
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(c.chainID),
			VerifyingContract: verifyingContract,
		},
		Message: map[string]interface{}{
			"salt":          big.NewInt(order.Salt),
			"maker":         order.Maker,
			"signer":        order.Signer,
			"taker":         order.Taker,
			"tokenId":       toBig(order.TokenID),
			"makerAmount":   toBig(order.MakerAmount),
			"takerAmount":   toBig(order.TakerAmount),
			"expiration":    toBig(order.Expiration),
			"nonce":         toBig(order.Nonce),
			"feeRateBps":    toBig(order.FeeRateBps),
			"side":          big.NewInt(int64(order.SideInt)),
			"signatureType": big.NewInt(int64(order.SignatureType)),
		},
	}
	return c.auth.signTypedData(typedData)
}

// do sends one request with its own timeout and maps failures into the error taxonomy
func (c *ClobClient) do(ctx context.Context, op, method, path string, query url.Values, body []byte, l2 bool, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return errors.Wrap(err, op)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if l2 {
		if err := c.addL2Headers(req, path, body); err != nil {
			return errors.Wrap(err, op)
		}
	}
	return c.send(req, op, out)
}

// doL1 sends a request authenticated with the wallet signature instead of API creds
func (c *ClobClient) doL1(ctx context.Context, op, method, path string, body []byte, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	headers, err := c.auth.SignRequest()
	if err != nil {
		return errors.Wrap(err, op)
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return errors.Wrap(err, op)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, op, out)
}

func (c *ClobClient) send(req *http.Request, op string, out interface{}) error {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return classifyTransport(op, err)
	}
	c.log.Debug("clob request",
		zap.String("op", op),
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode == http.StatusNotFound {
		return errors.Wrapf(ErrNotFound, "%s %s", op, req.URL.Path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return errors.Wrapf(err, "%s: decode response", op)
	}
	return nil
}

// addL2Headers signs timestamp + method + path + body with the API secret
func (c *ClobClient) addL2Headers(req *http.Request, path string, body []byte) error {
	creds := c.currentCreds()
	if !creds.Valid() {
		return errors.New("no API credentials")
	}
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	message := timestamp + req.Method + path + string(body)

	req.Header.Set("POLY_ADDRESS", c.auth.GetAddress().Hex())
	req.Header.Set("POLY_API_KEY", creds.APIKey)
	req.Header.Set("POLY_PASSPHRASE", creds.APIPassphrase)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_SIGNATURE", hmacSign(message, creds.APISecret))
	return nil
}

func hmacSign(message string, secret string) string {
	// Decode URL-safe base64 secret
	key, err := base64.URLEncoding.DecodeString(secret)
	if err != nil {
		key, err = base64.StdEncoding.DecodeString(secret)
		if err != nil {
			key = []byte(secret)
		}
	}
	h := hmac.New(sha256.New, key)
	h.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

func generateSalt() int64 {
	return time.Now().UnixNano() % 1000000000
}

// errorMessage pulls errorMsg or error out of a JSON error body
func errorMessage(body string) string {
	var payload struct {
		ErrorMsg string `json:"errorMsg"`
		Error    string `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return ""
	}
	if payload.ErrorMsg != "" {
		return payload.ErrorMsg
	}
	return payload.Error
}
