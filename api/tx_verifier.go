package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/winder87-stack/-polymarket-copy-bot-sub001/cache"
)

// DefaultPolygonRPC is the public endpoint used when none is configured
const DefaultPolygonRPC = "https://polygon-rpc.com"

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcResponse struct {
	Result *struct {
		Hash string `json:"hash"`
		From string `json:"from"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// TxVerifier looks up the sender of a Polygon transaction so a candidate can be
// checked against the wallet it claims to come from
type TxVerifier struct {
	httpClient  *http.Client
	rpcURL      string
	senders     *cache.BoundedCache[string, string] // txHash -> from
	rateLimiter *time.Ticker
	log         *zap.Logger
}

// NewTxVerifier creates a verifier; rpcURL defaults to the public Polygon RPC
func NewTxVerifier(rpcURL string, timeout time.Duration, logger *zap.Logger) *TxVerifier {
	if rpcURL == "" {
		rpcURL = DefaultPolygonRPC
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TxVerifier{
		httpClient: &http.Client{Timeout: timeout},
		rpcURL:     rpcURL,
		senders: cache.New(cache.Options[string, string]{
			Name:    "tx_senders",
			MaxSize: 10000,
			TTL:     time.Hour,
			Logger:  logger,
		}),
		rateLimiter: time.NewTicker(100 * time.Millisecond), // 10 req/sec max
		log:         logger.Named("tx_verifier"),
	}
}

// TransactionSender fetches the lowercase 'from' address of txHash
func (v *TxVerifier) TransactionSender(ctx context.Context, txHash string) (string, error) {
	const op = "get transaction"
	txHash = strings.ToLower(txHash)
	if from, ok := v.senders.Get(txHash); ok {
		return from, nil
	}

	select {
	case <-v.rateLimiter.C:
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), op)
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "eth_getTransactionByHash",
		Params:  []interface{}{txHash},
		ID:      1,
	})
	if err != nil {
		return "", errors.Wrap(err, op)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.rpcURL, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, op)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return "", classifyTransport(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", classifyTransport(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return "", errors.Wrapf(err, "%s: decode response", op)
	}
	if rpcResp.Error != nil {
		return "", errors.Errorf("%s: rpc error %d: %s", op, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if rpcResp.Result == nil || rpcResp.Result.From == "" {
		return "", errors.Wrapf(ErrNotFound, "%s %s", op, truncate(txHash, 10))
	}

	from := strings.ToLower(rpcResp.Result.From)
	v.senders.Set(txHash, from)
	return from, nil
}

// VerifySender reports whether txHash was sent by wallet. Lookup failures are
// returned as errors, not as a mismatch.
func (v *TxVerifier) VerifySender(ctx context.Context, txHash, wallet string) (bool, error) {
	from, err := v.TransactionSender(ctx, txHash)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(from, wallet), nil
}

// Close stops the rate limiter
func (v *TxVerifier) Close() {
	v.rateLimiter.Stop()
}
