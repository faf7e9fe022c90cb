package syncer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/winder87-stack/-polymarket-copy-bot-sub001/alerts"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/api"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/cache"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/models"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/risk"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/storage"
)

// ExchangeClient is the exchange surface the executor needs
type ExchangeClient interface {
	GetBalance(ctx context.Context) (*decimal.Decimal, error)
	GetCurrentPrice(ctx context.Context, tokenID string) (*decimal.Decimal, error)
	GetMarket(ctx context.Context, conditionID string) (*api.MarketInfo, error)
	PlaceOrder(ctx context.Context, p api.OrderRequestParams) (*api.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// SenderVerifier confirms a candidate's transaction was sent by its wallet
type SenderVerifier interface {
	VerifySender(ctx context.Context, txHash, wallet string) (bool, error)
}

// PriceWatcher is told about every token we hold so it can stream its price
type PriceWatcher interface {
	Subscribe(tokenIDs ...string) error
}

// ExecutorConfig holds the local risk rules and timeouts
type ExecutorConfig struct {
	Sizing                 SizingParams
	Exits                  ExitRules
	MinConfidence          float64
	MaxConcurrentPositions int // capped at the position cache size; 0 means the cache size
	MaxSlippage            decimal.Decimal // zero uses the price tiers
	LockTimeout            time.Duration   // default 30s
	CallTimeout            time.Duration   // per exchange call, default 10s
	SweepConcurrency       int             // default 8
	CloseFailureAlertAfter int             // consecutive close failures before a critical alert, default 3
	OrderType              api.OrderType
}

func (c *ExecutorConfig) setDefaults() {
	if c.LockTimeout <= 0 {
		c.LockTimeout = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = 8
	}
	if c.CloseFailureAlertAfter <= 0 {
		c.CloseFailureAlertAfter = 3
	}
	if c.Exits.MaxAge <= 0 {
		c.Exits.MaxAge = 24 * time.Hour
	}
}

// ExecutorDeps are the collaborators of a TradeExecutor. Exchange, Breaker,
// Positions and Locks are required.
type ExecutorDeps struct {
	Exchange  ExchangeClient
	Breaker   *risk.CircuitBreaker
	Positions *cache.BoundedCache[models.PositionKey, *models.Position]
	Locks     *cache.LockRegistry
	Alerts    *alerts.Dispatcher
	Journal   storage.Journal
	Verifier  SenderVerifier // optional
	Prices    PriceWatcher   // optional
	Logger    *zap.Logger
	Now       func() time.Time
}

// TradeExecutor handles trade execution for copy trading (critical path)
type TradeExecutor struct {
	exchange  ExchangeClient
	breaker   *risk.CircuitBreaker
	positions *cache.BoundedCache[models.PositionKey, *models.Position]
	locks     *cache.LockRegistry
	alerts    *alerts.Dispatcher
	journal   storage.Journal
	verifier  SenderVerifier
	prices    PriceWatcher
	log       *zap.Logger
	now       func() time.Time
	cfg       ExecutorConfig

	mu            sync.Mutex
	reserved      map[models.PositionKey]struct{} // keys with an open in flight
	closeFailures map[models.PositionKey]int
}

// NewTradeExecutor creates a new trade executor
func NewTradeExecutor(deps ExecutorDeps, cfg ExecutorConfig) (*TradeExecutor, error) {
	if deps.Exchange == nil || deps.Breaker == nil || deps.Positions == nil || deps.Locks == nil {
		return nil, errors.New("trade executor: exchange, breaker, positions and locks are required")
	}
	cfg.setDefaults()
	// a position past the cache capacity would evict a live one
	if limit := deps.Positions.Stats().MaxSize; cfg.MaxConcurrentPositions <= 0 || cfg.MaxConcurrentPositions > limit {
		cfg.MaxConcurrentPositions = limit
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Alerts == nil {
		deps.Alerts = alerts.NewDispatcher(alerts.NewLog(logger), 0, logger)
	}
	if deps.Journal == nil {
		deps.Journal = storage.NopJournal{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &TradeExecutor{
		exchange:      deps.Exchange,
		breaker:       deps.Breaker,
		positions:     deps.Positions,
		locks:         deps.Locks,
		alerts:        deps.Alerts,
		journal:       deps.Journal,
		verifier:      deps.Verifier,
		prices:        deps.Prices,
		log:           logger.Named("trade_executor"),
		now:           deps.Now,
		cfg:           cfg,
		reserved:      make(map[models.PositionKey]struct{}),
		closeFailures: make(map[models.PositionKey]int),
	}, nil
}

// ExecuteCopyTrade runs one candidate through validation, the breaker, the risk
// rules, sizing and order placement. It never panics and never returns an error:
// every outcome is an ExecutionResult.
func (te *TradeExecutor) ExecuteCopyTrade(ctx context.Context, c models.CandidateTrade) (res models.ExecutionResult) {
	start := te.now()
	span, ctx := opentracing.StartSpanFromContext(ctx, "ExecuteCopyTrade")
	span.SetTag("side", string(c.Side))
	span.SetTag("market", alerts.MarketFragment(c.ConditionID))

	defer func() {
		if r := recover(); r != nil {
			res = te.recovered("execute", c.ConditionID, r)
		}
		res.Latency = te.now().Sub(start)
		executionsTotal.WithLabelValues("open", string(res.Status)).Inc()
		executionLatency.WithLabelValues("open").Observe(res.Latency.Seconds())
		span.SetTag("status", string(res.Status))
		if res.Status == models.StatusError || res.Status == models.StatusFailed {
			ext.Error.Set(span, true)
		}
		span.Finish()
	}()

	return te.execute(ctx, c, start)
}

func (te *TradeExecutor) execute(ctx context.Context, c models.CandidateTrade, start time.Time) models.ExecutionResult {
	key := c.Key()
	log := te.log.With(
		zap.String("key", key.String()),
		zap.String("wallet", alerts.MaskAddress(c.WalletAddress)),
	)

	// 1. validate
	if err := ValidateCandidate(c); err != nil {
		log.Debug("candidate rejected as invalid", zap.Error(err))
		return result(models.StatusInvalid, "invalid candidate: "+err.Error())
	}
	if te.verifier != nil {
		ok, err := te.verifier.VerifySender(ctx, c.TxHash, c.WalletAddress)
		if err != nil {
			log.Warn("sender verification unavailable", zap.Error(err))
			return result(models.StatusSkipped, "sender verification unavailable")
		}
		if !ok {
			return result(models.StatusInvalid, "transaction was not sent by the candidate wallet")
		}
	}

	// 2. circuit breaker
	if allowed, reason := te.breaker.Check(ctx); !allowed {
		log.Info("trade blocked", zap.String("reason", reason))
		return result(models.StatusBlocked, reason)
	}

	// 3. local risk rules
	if c.Confidence < te.cfg.MinConfidence {
		return result(models.StatusRejected, fmt.Sprintf("confidence %.2f below minimum %.2f", c.Confidence, te.cfg.MinConfidence))
	}
	if _, open := te.positions.Get(key); open {
		return result(models.StatusSkipped, "position already open for "+key.String())
	}
	if te.atCapacity() {
		return result(models.StatusRejected, fmt.Sprintf("max concurrent positions (%d) reached", te.cfg.MaxConcurrentPositions))
	}

	// 4. per-key lock
	lockCtx, cancel := context.WithTimeout(ctx, te.cfg.LockTimeout)
	release, err := te.locks.Acquire(lockCtx, key.String())
	cancel()
	if err != nil {
		return result(models.StatusSkipped, "position busy: "+key.String())
	}
	defer release()

	// the lock wait can outlast a trip
	if allowed, reason := te.breaker.Check(ctx); !allowed {
		log.Info("trade blocked after lock wait", zap.String("reason", reason))
		return result(models.StatusBlocked, reason)
	}
	if _, open := te.positions.Get(key); open {
		return result(models.StatusSkipped, "position already open for "+key.String())
	}
	if !te.reserve(key) {
		return result(models.StatusRejected, fmt.Sprintf("max concurrent positions (%d) reached", te.cfg.MaxConcurrentPositions))
	}
	defer te.unreserve(key)

	// 5. market and token
	market, token, res, ok := te.resolveToken(ctx, c)
	if !ok {
		return res
	}

	// 6. live price and slippage
	livePrice := te.currentPrice(ctx, token.TokenID, log)
	if livePrice != nil && SlippageExceeded(c.Side, c.Price, *livePrice, te.cfg.MaxSlippage) {
		return result(models.StatusSkipped, fmt.Sprintf("price moved too far: copied %s, now %s", c.Price, livePrice))
	}

	// 7. sizing
	balance := te.balance(ctx, log)
	sizing, err := CalculatePositionSize(balance, livePrice, c, te.cfg.Sizing)
	if err != nil {
		return result(models.StatusRejected, "cannot size position: "+err.Error())
	}
	if sizing.Fallback {
		log.Info("using fallback position size", zap.String("size", sizing.Size.String()))
	}
	if market.MinimumOrderSize.IsPositive() && sizing.Size.LessThan(market.MinimumOrderSize) {
		return result(models.StatusRejected, fmt.Sprintf("size %s below market minimum %s", sizing.Size, market.MinimumOrderSize))
	}

	orderPrice := c.Price
	if livePrice != nil {
		orderPrice = *livePrice
	}

	// 8. place
	placed, res := te.place(ctx, c, api.OrderRequestParams{
		MarketID:  c.ConditionID,
		TokenID:   token.TokenID,
		Side:      c.Side,
		Size:      sizing.Size,
		Price:     orderPrice,
		TickSize:  market.TickSize(),
		NegRisk:   market.NegRisk,
		OrderType: te.cfg.OrderType,
	}, start, false)
	if placed == nil {
		return res
	}

	// 9. track
	pos := models.NewPosition(key, token.TokenID, placed.Size, placed.Price, placed.OrderID, c, te.now())
	te.positions.Set(key, pos)
	openPositionsGauge.Set(float64(te.positions.Len()))
	te.breaker.RecordTradeResult(ctx, true)
	if te.prices != nil {
		if err := te.prices.Subscribe(token.TokenID); err != nil {
			log.Debug("price subscription failed", zap.Error(err))
		}
	}
	if err := te.journal.SavePositionOpen(ctx, *pos); err != nil {
		log.Warn("journal position open failed", zap.Error(err))
	}

	log.Info("copy trade placed",
		zap.String("order_id", placed.OrderID),
		zap.String("size", placed.Size.String()),
		zap.String("price", placed.Price.String()))

	res = models.ExecutionResult{
		Status:      models.StatusSuccess,
		OrderID:     placed.OrderID,
		Amount:      placed.Size,
		Price:       placed.Price,
		PositionKey: key.String(),
	}
	te.record(ctx, c, token.TokenID, res, start, false)
	return res
}

// resolveToken loads the market and picks the outcome token
func (te *TradeExecutor) resolveToken(ctx context.Context, c models.CandidateTrade) (*api.MarketInfo, api.ClobTokenInfo, models.ExecutionResult, bool) {
	callCtx, cancel := context.WithTimeout(ctx, te.cfg.CallTimeout)
	market, err := te.exchange.GetMarket(callCtx, c.ConditionID)
	cancel()
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return nil, api.ClobTokenInfo{}, result(models.StatusSkipped, "market not found"), false
		}
		te.log.Warn("market lookup failed", zap.String("market", alerts.MarketFragment(c.ConditionID)), zap.Error(err))
		return nil, api.ClobTokenInfo{}, result(models.StatusFailed, "market lookup failed: "+alerts.SanitizeError(err)), false
	}
	if !market.Tradable() {
		return nil, api.ClobTokenInfo{}, result(models.StatusSkipped, "market closed/resolved"), false
	}

	if c.TokenID != "" {
		for _, t := range market.Tokens {
			if t.TokenID == c.TokenID {
				return market, t, models.ExecutionResult{}, true
			}
		}
		return nil, api.ClobTokenInfo{}, result(models.StatusInvalid, "token does not belong to market"), false
	}
	token, ok := market.ResolveToken(c.Outcome, c.Side)
	if !ok {
		return nil, api.ClobTokenInfo{}, result(models.StatusSkipped, "cannot resolve outcome token"), false
	}
	return market, token, models.ExecutionResult{}, true
}

// place sends the order and maps failures to results. A nil OrderResult means
// nothing was placed; the failure has been recorded with the breaker.
func (te *TradeExecutor) place(ctx context.Context, c models.CandidateTrade, p api.OrderRequestParams, start time.Time, closing bool) (*api.OrderResult, models.ExecutionResult) {
	callCtx, cancel := context.WithTimeout(ctx, te.cfg.CallTimeout)
	placed, err := te.exchange.PlaceOrder(callCtx, p)
	cancel()

	var reason string
	switch {
	case err != nil && api.IsTradingError(err):
		reason = "exchange rejected order: " + alerts.SanitizeError(err)
	case err != nil && api.IsNetworkError(err):
		reason = "network error: " + alerts.SanitizeError(err)
	case err != nil:
		reason = "order failed: " + alerts.SanitizeError(err)
	case placed == nil || placed.OrderID == "":
		reason = "order not placed: no order id returned"
	default:
		if !placed.Size.IsPositive() {
			placed.Size = p.Size
		}
		if !placed.Price.IsPositive() {
			placed.Price = p.Price
		}
		return placed, models.ExecutionResult{}
	}

	te.breaker.RecordTradeResult(ctx, false)
	te.log.Warn("order placement failed",
		zap.String("market", alerts.MarketFragment(p.MarketID)),
		zap.String("side", string(p.Side)),
		zap.Bool("closing", closing),
		zap.String("reason", reason))
	te.alerts.Error(alerts.ErrorAlert{Component: "trade_executor", ConditionID: p.MarketID, Err: errors.New(reason)})

	res := result(models.StatusFailed, reason)
	te.record(ctx, c, p.TokenID, res, start, closing)
	return nil, res
}

func (te *TradeExecutor) currentPrice(ctx context.Context, tokenID string, log *zap.Logger) *decimal.Decimal {
	callCtx, cancel := context.WithTimeout(ctx, te.cfg.CallTimeout)
	defer cancel()
	p, err := te.exchange.GetCurrentPrice(callCtx, tokenID)
	if err != nil {
		log.Warn("price unavailable, sizing without it", zap.Error(err))
		return nil
	}
	return p
}

func (te *TradeExecutor) balance(ctx context.Context, log *zap.Logger) *decimal.Decimal {
	callCtx, cancel := context.WithTimeout(ctx, te.cfg.CallTimeout)
	defer cancel()
	b, err := te.exchange.GetBalance(callCtx)
	if err != nil {
		log.Warn("balance unavailable, sizing falls back", zap.Error(err))
		return nil
	}
	return b
}

func (te *TradeExecutor) atCapacity() bool {
	if te.cfg.MaxConcurrentPositions <= 0 {
		return false
	}
	te.mu.Lock()
	defer te.mu.Unlock()
	return te.positions.Len()+len(te.reserved) >= te.cfg.MaxConcurrentPositions
}

// reserve claims a slot for key while its order is in flight
func (te *TradeExecutor) reserve(key models.PositionKey) bool {
	te.mu.Lock()
	defer te.mu.Unlock()
	if te.cfg.MaxConcurrentPositions > 0 && te.positions.Len()+len(te.reserved) >= te.cfg.MaxConcurrentPositions {
		return false
	}
	te.reserved[key] = struct{}{}
	return true
}

func (te *TradeExecutor) unreserve(key models.PositionKey) {
	te.mu.Lock()
	delete(te.reserved, key)
	te.mu.Unlock()
}

// record journals the attempt and sends the execution alert. Neither may fail the trade.
func (te *TradeExecutor) record(ctx context.Context, c models.CandidateTrade, tokenID string, res models.ExecutionResult, start time.Time, closing bool) {
	res.Latency = te.now().Sub(start)
	rec := storage.ExecutionRecord{
		ID:          uuid.NewString(),
		TxHash:      c.TxHash,
		Wallet:      strings.ToLower(c.WalletAddress),
		ConditionID: strings.ToLower(c.ConditionID),
		TokenID:     tokenID,
		Side:        c.Side,
		Status:      res.Status,
		Reason:      res.Reason,
		OrderID:     res.OrderID,
		Amount:      res.Amount,
		Price:       res.Price,
		LatencyMS:   res.Latency.Milliseconds(),
		Closing:     closing,
		CreatedAt:   te.now().UTC(),
	}
	if err := te.journal.SaveExecution(ctx, rec); err != nil {
		te.log.Warn("journal execution failed", zap.Error(err))
	}
	if res.Status == models.StatusSuccess && !closing {
		te.alerts.Execution(alerts.ExecutionAlert{
			Status:      res.Status,
			Side:        c.Side,
			ConditionID: c.ConditionID,
			Wallet:      c.WalletAddress,
			Amount:      res.Amount,
			Price:       res.Price,
			OrderID:     res.OrderID,
			Latency:     res.Latency,
		})
	}
}

func (te *TradeExecutor) recovered(op, conditionID string, r interface{}) models.ExecutionResult {
	te.log.Error("panic in trade executor",
		zap.String("op", op),
		zap.String("market", alerts.MarketFragment(conditionID)),
		zap.Any("panic", r),
		zap.ByteString("stack", debug.Stack()))
	te.alerts.Critical("trade executor panic", fmt.Sprintf("%s on market %s: %v", op, alerts.MarketFragment(conditionID), r))
	return result(models.StatusError, fmt.Sprintf("internal error: %v", r))
}

// OpenPositions returns a snapshot of tracked positions
func (te *TradeExecutor) OpenPositions() []models.Position {
	snap := te.positions.Snapshot()
	out := make([]models.Position, 0, len(snap))
	for _, p := range snap {
		out = append(out, *p)
	}
	return out
}

// RestorePositions reloads positions the journal still lists as open, e.g. after a restart
func (te *TradeExecutor) RestorePositions(ctx context.Context) (int, error) {
	open, err := te.journal.ListOpenPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore positions: %w", err)
	}
	for i := range open {
		pos := open[i]
		te.positions.Set(pos.Key, &pos)
		if te.prices != nil {
			_ = te.prices.Subscribe(pos.TokenID)
		}
	}
	openPositionsGauge.Set(float64(te.positions.Len()))
	if len(open) > 0 {
		te.log.Info("restored open positions", zap.Int("count", len(open)))
	}
	return len(open), nil
}

// Breaker exposes the circuit breaker for the operational API
func (te *TradeExecutor) Breaker() *risk.CircuitBreaker {
	return te.breaker
}

// CacheStats returns the stats of the position and lock caches
func (te *TradeExecutor) CacheStats() []cache.Stats {
	return []cache.Stats{te.positions.Stats(), te.locks.Stats()}
}

func result(status models.ExecutionStatus, reason string) models.ExecutionResult {
	return models.ExecutionResult{Status: status, Reason: reason}
}
