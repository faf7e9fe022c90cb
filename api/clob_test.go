package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winder87-stack/-polymarket-copy-bot-sub001/models"
)

// well-known throwaway key from the web3 documentation
const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testCreds() *APICreds {
	return &APICreds{APIKey: "key-1", APISecret: "c2VjcmV0LXNlY3JldC1zZWNyZXQ=", APIPassphrase: "pass"}
}

func newTestClient(t *testing.T, url string) *ClobClient {
	t.Helper()
	auth, err := NewAuth(testKey, 137)
	require.NoError(t, err)
	c, err := NewClobClient(auth, ClobOptions{
		BaseURL:        url,
		RequestTimeout: time.Second,
		Creds:          testCreds(),
	})
	require.NoError(t, err)
	return c
}

func TestNewAuth(t *testing.T) {
	auth, err := NewAuth(testKey, 0)
	require.NoError(t, err)
	assert.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", auth.GetAddress().Hex())

	_, err = NewAuth("not-hex", 137)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "not-hex")

	_, err = NewAuth("", 137)
	assert.Error(t, err)
}

func TestAuth_SignRequest(t *testing.T) {
	auth, err := NewAuth(testKey, 137)
	require.NoError(t, err)

	headers, err := auth.SignRequest()
	require.NoError(t, err)
	assert.Equal(t, auth.GetAddress().Hex(), headers["POLY_ADDRESS"])
	assert.Equal(t, "0", headers["POLY_NONCE"])
	assert.NotEmpty(t, headers["POLY_TIMESTAMP"])
	assert.Len(t, headers["POLY_SIGNATURE"], 132) // 0x + 65 bytes hex
}

func TestClobClient_GetMarketIsCached(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, "/markets/0xABC", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"condition_id":"0xabc","active":true,"closed":false,"neg_risk":true,
			"minimum_tick_size":0.001,
			"tokens":[{"token_id":"111","outcome":"Yes","price":0.6},{"token_id":"222","outcome":"No","price":0.4}]
		}`))
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	m, err := c.GetMarket(context.Background(), "0xABC")
	require.NoError(t, err)
	assert.True(t, m.Tradable())
	assert.True(t, m.NegRisk)
	assert.Equal(t, "0.001", m.TickSize().String())
	require.Len(t, m.Tokens, 2)
	assert.Equal(t, "111", m.Tokens[0].TokenID)

	_, err = c.GetMarket(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestClobClient_ErrorTaxonomy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/markets/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/markets/broken":
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
		case "/markets/bad":
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.GetMarket(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = c.GetMarket(ctx, "broken")
	assert.Equal(t, http.StatusBadGateway, StatusCode(err))
	assert.True(t, IsRetryable(err))

	_, err = c.GetMarket(ctx, "bad")
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))
	assert.False(t, IsRetryable(err))

	srv.Close()
	_, err = c.GetMarket(ctx, "gone")
	assert.True(t, IsNetworkError(err))
	assert.True(t, IsRetryable(err))
}

func TestClobClient_GetBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/balance-allowance", r.URL.Path)
		assert.Equal(t, "COLLATERAL", r.URL.Query().Get("asset_type"))
		assert.Equal(t, "key-1", r.Header.Get("POLY_API_KEY"))
		assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))
		_, _ = w.Write([]byte(`{"balance":"1234567890","allowance":"0"}`))
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	b, err := c.GetBalance(context.Background())
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "1234.56789", b.String())
}

type staticPrices map[string]decimal.Decimal

func (s staticPrices) Midpoint(id string) (decimal.Decimal, bool) {
	p, ok := s[id]
	return p, ok
}

func TestClobClient_GetCurrentPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/midpoint", r.URL.Path)
		if r.URL.Query().Get("token_id") == "empty" {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		_, _ = w.Write([]byte(`{"mid":"0.655"}`))
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)
	c.prices = staticPrices{"streamed": decimal.RequireFromString("0.41")}
	ctx := context.Background()

	p, err := c.GetCurrentPrice(ctx, "111")
	require.NoError(t, err)
	assert.Equal(t, "0.655", p.String())

	p, err = c.GetCurrentPrice(ctx, "streamed")
	require.NoError(t, err)
	assert.Equal(t, "0.41", p.String())

	p, err = c.GetCurrentPrice(ctx, "empty")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestClobClient_PlaceOrder(t *testing.T) {
	var got OrderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/order", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("POLY_API_KEY"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"success":true,"orderId":"0xorder","status":"matched"}`))
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	res, err := c.PlaceOrder(context.Background(), OrderRequestParams{
		TokenID: "12345",
		Side:    models.SideBuy,
		Size:    decimal.RequireFromString("10.129"),
		Price:   decimal.RequireFromString("0.654"),
	})
	require.NoError(t, err)
	assert.Equal(t, "0xorder", res.OrderID)
	assert.Equal(t, "10.12", res.Size.String())
	assert.Equal(t, "0.65", res.Price.String())

	assert.Equal(t, "key-1", got.Owner)
	assert.Equal(t, OrderTypeGTC, got.OrderType)
	assert.Equal(t, "BUY", got.Order.Side)
	assert.Equal(t, "6578000", got.Order.MakerAmount) // 10.12 * 0.65 USDC
	assert.Equal(t, "10120000", got.Order.TakerAmount)
	assert.Len(t, got.Order.Signature, 132)
}

func TestClobClient_PlaceOrderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"errorMsg":"INVALID_ORDER_MIN_SIZE"}`))
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	_, err := c.PlaceOrder(context.Background(), OrderRequestParams{
		TokenID: "12345",
		Side:    models.SideSell,
		Size:    decimal.NewFromInt(5),
		Price:   decimal.RequireFromString("0.5"),
	})
	require.Error(t, err)
	assert.True(t, IsTradingError(err))
	assert.False(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "INVALID_ORDER_MIN_SIZE")
}

func TestClobClient_PlaceOrderBadRequestIsTradingError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"not enough balance / allowance"}`))
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	_, err := c.PlaceOrder(context.Background(), OrderRequestParams{
		TokenID: "12345",
		Side:    models.SideBuy,
		Size:    decimal.NewFromInt(5),
		Price:   decimal.RequireFromString("0.5"),
	})
	require.Error(t, err)
	assert.True(t, IsTradingError(err))
	assert.Contains(t, err.Error(), "not enough balance")
}

func TestClobClient_PlaceOrderRejectsBadInput(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	ctx := context.Background()

	_, err := c.PlaceOrder(ctx, OrderRequestParams{TokenID: "abc", Side: models.SideBuy, Size: decimal.NewFromInt(1), Price: decimal.RequireFromString("0.5")})
	assert.Error(t, err)

	_, err = c.PlaceOrder(ctx, OrderRequestParams{TokenID: "1", Side: models.SideBuy, Size: decimal.RequireFromString("0.001"), Price: decimal.RequireFromString("0.5")})
	assert.Error(t, err)

	_, err = c.PlaceOrder(ctx, OrderRequestParams{TokenID: "1", Side: models.SideBuy, Size: decimal.NewFromInt(1), Price: decimal.RequireFromString("0.999")})
	assert.Error(t, err)
}

func TestMarketInfo_ResolveToken(t *testing.T) {
	m := &MarketInfo{Tokens: []ClobTokenInfo{
		{TokenID: "1", Outcome: "Yes"},
		{TokenID: "2", Outcome: "No"},
	}}

	tok, ok := m.ResolveToken("", models.SideBuy)
	require.True(t, ok)
	assert.Equal(t, "1", tok.TokenID)

	tok, ok = m.ResolveToken("", models.SideSell)
	require.True(t, ok)
	assert.Equal(t, "2", tok.TokenID)

	tok, ok = m.ResolveToken("no", models.SideBuy)
	require.True(t, ok)
	assert.Equal(t, "2", tok.TokenID)

	_, ok = m.ResolveToken("Maybe", models.SideBuy)
	assert.False(t, ok)

	teams := &MarketInfo{Tokens: []ClobTokenInfo{{TokenID: "7", Outcome: "Lakers"}, {TokenID: "8", Outcome: "Celtics"}}}
	tok, ok = teams.ResolveToken("", models.SideSell)
	require.True(t, ok)
	assert.Equal(t, "8", tok.TokenID)
}
