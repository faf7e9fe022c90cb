package syncer

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/winder87-stack/-polymarket-copy-bot-sub001/alerts"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/api"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/cache"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/models"
)

// PositionCacheConfig bounds the open-position cache
type PositionCacheConfig struct {
	MaxSize           int           // default 1000
	TTL               time.Duration // default 48h, longer than the time exit
	CleanupInterval   time.Duration // default 1m
	MemoryThresholdMB float64
}

// NewPositionCache builds the open-position cache. A position leaving the cache
// by expiry or eviction is no longer managed, so every such drop is logged and
// raised as a critical alert.
func NewPositionCache(cfg PositionCacheConfig, dispatcher *alerts.Dispatcher, logger *zap.Logger) *cache.BoundedCache[models.PositionKey, *models.Position] {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 48 * time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("positions")

	return cache.New(cache.Options[models.PositionKey, *models.Position]{
		Name:              "open_positions",
		MaxSize:           cfg.MaxSize,
		TTL:               cfg.TTL,
		CleanupInterval:   cfg.CleanupInterval,
		MemoryThresholdMB: cfg.MemoryThresholdMB,
		Logger:            logger,
		OnEvict: func(key models.PositionKey, pos *models.Position, reason cache.EvictReason) {
			log.Error("open position dropped from tracking",
				zap.String("key", key.String()),
				zap.String("position_id", pos.ID),
				zap.String("reason", string(reason)))
			openPositionsGauge.Dec()
			if dispatcher != nil {
				dispatcher.Critical("position no longer managed",
					fmt.Sprintf("%s %s position %s dropped (%s), close it manually",
						pos.Key.Side, alerts.MarketFragment(key.ConditionID), pos.ID, reason))
			}
		},
	})
}

// midpointSource is implemented by api.PriceStream
type midpointSource interface {
	Midpoint(tokenID string) (decimal.Decimal, bool)
}

// ClosePosition sells back (or buys back) pos. A nil price uses the live price.
// Closes go through even while the circuit breaker is tripped.
func (te *TradeExecutor) ClosePosition(ctx context.Context, pos models.Position, reason models.ExitReason, price *decimal.Decimal) (res models.ExecutionResult) {
	start := te.now()
	span, ctx := opentracing.StartSpanFromContext(ctx, "ClosePosition")
	span.SetTag("market", alerts.MarketFragment(pos.Key.ConditionID))
	span.SetTag("exit_reason", string(reason))

	defer func() {
		if r := recover(); r != nil {
			res = te.recovered("close", pos.Key.ConditionID, r)
		}
		res.Latency = te.now().Sub(start)
		res.PositionKey = pos.Key.String()
		executionsTotal.WithLabelValues("close", string(res.Status)).Inc()
		executionLatency.WithLabelValues("close").Observe(res.Latency.Seconds())
		span.SetTag("status", string(res.Status))
		if res.Status == models.StatusError || res.Status == models.StatusFailed {
			ext.Error.Set(span, true)
		}
		span.Finish()
	}()

	return te.close(ctx, pos, reason, price, start)
}

func (te *TradeExecutor) close(ctx context.Context, pos models.Position, reason models.ExitReason, price *decimal.Decimal, start time.Time) models.ExecutionResult {
	key := pos.Key
	log := te.log.With(zap.String("key", key.String()), zap.String("position_id", pos.ID))

	lockCtx, cancel := context.WithTimeout(ctx, te.cfg.LockTimeout)
	release, err := te.locks.Acquire(lockCtx, key.String())
	cancel()
	if err != nil {
		return result(models.StatusSkipped, "position busy: "+key.String())
	}
	defer release()

	current, ok := te.positions.Get(key)
	if !ok || current.ID != pos.ID {
		return result(models.StatusSkipped, "position not open")
	}

	exit := price
	if exit == nil {
		exit = te.currentPrice(ctx, pos.TokenID, log)
	}
	if exit == nil || !exit.IsPositive() {
		return result(models.StatusSkipped, "no price to close at")
	}

	src := closeCandidate(pos, *exit)

	placed, res := te.place(ctx, src, api.OrderRequestParams{
		MarketID:  key.ConditionID,
		TokenID:   pos.TokenID,
		Side:      key.Side.Opposite(),
		Size:      pos.Amount,
		Price:     *exit,
		OrderType: te.cfg.OrderType,
	}, start, true)
	if placed == nil {
		te.closeFailed(key, pos, res.Reason)
		return res
	}
	if !filled(placed) {
		res = te.cancelUnfilled(ctx, src, pos, placed, start)
		te.closeFailed(key, pos, res.Reason)
		return res
	}

	te.positions.CompareAndDelete(key, func(p *models.Position) bool { return p.ID == pos.ID })
	openPositionsGauge.Set(float64(te.positions.Len()))
	te.mu.Lock()
	delete(te.closeFailures, key)
	te.mu.Unlock()

	pnl := RealizedPnL(pos, placed.Price)
	if pnl.IsNegative() {
		te.breaker.RecordLoss(ctx, pnl.Abs())
	} else {
		te.breaker.RecordProfit(ctx, pnl)
	}
	te.breaker.RecordTradeResult(ctx, true)

	closed := models.PositionClose{
		Position:    pos,
		ExitPrice:   placed.Price,
		Reason:      reason,
		RealizedPnL: pnl,
		OrderID:     placed.OrderID,
		ClosedAt:    te.now(),
	}
	if err := te.journal.SavePositionClose(ctx, closed); err != nil {
		log.Warn("journal position close failed", zap.Error(err))
	}

	res = models.ExecutionResult{
		Status:  models.StatusSuccess,
		OrderID: placed.OrderID,
		Amount:  placed.Size,
		Price:   placed.Price,
		Reason:  string(reason),
	}
	te.record(ctx, src, pos.TokenID, res, start, true)
	te.alerts.Execution(alerts.ExecutionAlert{
		Status:      models.StatusSuccess,
		Side:        src.Side,
		ConditionID: key.ConditionID,
		Wallet:      pos.Source.WalletAddress,
		Amount:      placed.Size,
		Price:       placed.Price,
		OrderID:     placed.OrderID,
		Latency:     te.now().Sub(start),
		Closing:     true,
		ExitReason:  reason,
		PnL:         &pnl,
	})

	log.Info("position closed",
		zap.String("reason", string(reason)),
		zap.String("exit_price", placed.Price.String()),
		zap.String("pnl", pnl.String()))
	return res
}

// closeCandidate is the order a close places, expressed as a candidate for the journal
func closeCandidate(pos models.Position, exit decimal.Decimal) models.CandidateTrade {
	src := pos.Source
	src.ConditionID = pos.Key.ConditionID
	src.TokenID = pos.TokenID
	src.Side = pos.Key.Side.Opposite()
	src.Amount = pos.Amount
	src.Price = exit
	src.Confidence = 1
	return src
}

// filled reports whether the exchange matched the order. A close that rests on
// the book or went unmatched leaves the position open.
func filled(o *api.OrderResult) bool {
	switch strings.ToLower(o.Status) {
	case "live", "unmatched":
		return false
	}
	return true
}

// cancelUnfilled pulls a close order that did not match so the next sweep can
// retry at a fresh price.
func (te *TradeExecutor) cancelUnfilled(ctx context.Context, src models.CandidateTrade, pos models.Position, o *api.OrderResult, start time.Time) models.ExecutionResult {
	callCtx, cancel := context.WithTimeout(ctx, te.cfg.CallTimeout)
	err := te.exchange.CancelOrder(callCtx, o.OrderID)
	cancel()
	if err != nil {
		te.log.Warn("cancel unfilled close order failed",
			zap.String("position_id", pos.ID),
			zap.String("order_id", o.OrderID),
			zap.String("error", alerts.SanitizeError(err)))
	}

	te.breaker.RecordTradeResult(ctx, false)
	res := result(models.StatusFailed, "close order not filled: "+o.Status)
	res.OrderID = o.OrderID
	te.record(ctx, src, pos.TokenID, res, start, true)
	return res
}

// closeFailed counts consecutive close failures and escalates at the threshold
func (te *TradeExecutor) closeFailed(key models.PositionKey, pos models.Position, reason string) {
	te.mu.Lock()
	te.closeFailures[key]++
	n := te.closeFailures[key]
	te.mu.Unlock()

	if n == te.cfg.CloseFailureAlertAfter {
		te.alerts.Critical("position close keeps failing",
			fmt.Sprintf("%s %s position %s: %d failed close attempts, last: %s",
				key.Side, alerts.MarketFragment(key.ConditionID), pos.ID, n, alerts.SanitizeText(reason)))
	}
}

// SweepReport summarises one exit sweep
type SweepReport struct {
	Evaluated int `json:"evaluated"`
	Skipped   int `json:"skipped"` // no price
	Closed    int `json:"closed"`
	Failed    int `json:"failed"`
}

// ManagePositions checks every open position against the exit rules and closes
// the ones that hit. Positions are processed concurrently, bounded by SweepConcurrency.
func (te *TradeExecutor) ManagePositions(ctx context.Context) SweepReport {
	start := te.now()
	span, ctx := opentracing.StartSpanFromContext(ctx, "ManagePositions")
	defer span.Finish()

	open := te.OpenPositions()
	var evaluated, skipped, closed, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(te.cfg.SweepConcurrency)
	for _, pos := range open {
		pos := pos
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			current := te.sweepPrice(gctx, pos)
			if current == nil {
				skipped.Add(1)
				sweepPositions.WithLabelValues("skipped").Inc()
				return nil
			}
			evaluated.Add(1)

			reason := EvaluateExit(pos, *current, te.now(), te.cfg.Exits)
			if reason == models.ExitNone {
				sweepPositions.WithLabelValues("held").Inc()
				return nil
			}
			res := te.ClosePosition(gctx, pos, reason, current)
			switch res.Status {
			case models.StatusSuccess:
				closed.Add(1)
				sweepPositions.WithLabelValues("closed").Inc()
			case models.StatusSkipped:
				sweepPositions.WithLabelValues("skipped").Inc()
			default:
				failed.Add(1)
				sweepPositions.WithLabelValues("failed").Inc()
			}
			return nil
		})
	}
	_ = g.Wait()

	report := SweepReport{
		Evaluated: int(evaluated.Load()),
		Skipped:   int(skipped.Load()),
		Closed:    int(closed.Load()),
		Failed:    int(failed.Load()),
	}
	sweepDuration.Observe(te.now().Sub(start).Seconds())
	if report.Closed > 0 || report.Failed > 0 {
		te.log.Info("exit sweep finished",
			zap.Int("positions", len(open)),
			zap.Int("closed", report.Closed),
			zap.Int("failed", report.Failed),
			zap.Int("skipped", report.Skipped))
	}
	return report
}

// sweepPrice prefers the streamed midpoint and falls back to the REST price
func (te *TradeExecutor) sweepPrice(ctx context.Context, pos models.Position) *decimal.Decimal {
	if ms, ok := te.prices.(midpointSource); ok {
		if mid, ok := ms.Midpoint(pos.TokenID); ok {
			return &mid
		}
	}
	return te.currentPrice(ctx, pos.TokenID, te.log.With(zap.String("key", pos.Key.String())))
}
