package api

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Exchange is the part of the CLOB the trading core depends on
type Exchange interface {
	GetBalance(ctx context.Context) (*decimal.Decimal, error)
	GetCurrentPrice(ctx context.Context, tokenID string) (*decimal.Decimal, error)
	GetMarket(ctx context.Context, conditionID string) (*MarketInfo, error)
	PlaceOrder(ctx context.Context, p OrderRequestParams) (*OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
}

var (
	_ Exchange = (*ClobClient)(nil)
	_ Exchange = (*RetryingClient)(nil)
	_ Exchange = (*MockClobClient)(nil)
)

// RetryOptions bounds the retries of read-only calls
type RetryOptions struct {
	MaxAttempts int           // including the first call, default 3
	BaseDelay   time.Duration // default 200ms, doubled per attempt
	MaxDelay    time.Duration // default 2s
	Logger      *zap.Logger
}

// RetryingClient retries balance, price and market lookups on network, 429 and 5xx
// errors. Order placement and cancellation pass straight through.
type RetryingClient struct {
	inner Exchange
	opts  RetryOptions
	log   *zap.Logger
}

// NewRetryingClient wraps inner
func NewRetryingClient(inner Exchange, opts RetryOptions) *RetryingClient {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 200 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingClient{inner: inner, opts: opts, log: logger.Named("exchange_retry")}
}

func (r *RetryingClient) GetBalance(ctx context.Context) (*decimal.Decimal, error) {
	return retryCall(ctx, r, "get balance", func() (*decimal.Decimal, error) {
		return r.inner.GetBalance(ctx)
	})
}

func (r *RetryingClient) GetCurrentPrice(ctx context.Context, tokenID string) (*decimal.Decimal, error) {
	return retryCall(ctx, r, "get price", func() (*decimal.Decimal, error) {
		return r.inner.GetCurrentPrice(ctx, tokenID)
	})
}

func (r *RetryingClient) GetMarket(ctx context.Context, conditionID string) (*MarketInfo, error) {
	return retryCall(ctx, r, "get market", func() (*MarketInfo, error) {
		return r.inner.GetMarket(ctx, conditionID)
	})
}

// PlaceOrder is not idempotent and is never retried
func (r *RetryingClient) PlaceOrder(ctx context.Context, p OrderRequestParams) (*OrderResult, error) {
	return r.inner.PlaceOrder(ctx, p)
}

func (r *RetryingClient) CancelOrder(ctx context.Context, orderID string) error {
	return r.inner.CancelOrder(ctx, orderID)
}

func retryCall[T any](ctx context.Context, r *RetryingClient, op string, fn func() (T, error)) (T, error) {
	delay := r.opts.BaseDelay
	for attempt := 1; ; attempt++ {
		v, err := fn()
		if err == nil || !IsRetryable(err) || attempt >= r.opts.MaxAttempts {
			return v, err
		}
		r.log.Warn("retrying exchange call",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return v, err
		case <-timer.C:
		}
		delay *= 2
		if delay > r.opts.MaxDelay {
			delay = r.opts.MaxDelay
		}
	}
}
