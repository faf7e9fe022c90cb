package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/winder87-stack/-polymarket-copy-bot-sub001/cache"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/models"
)

// CopyTraderConfig holds configuration for copy trading
type CopyTraderConfig struct {
	Workers               int           // concurrent executions, default 8
	DedupTTL              time.Duration // how long a tx hash is remembered, default 10m
	DedupMaxSize          int           // default 10000
	PositionCheckInterval time.Duration // exit sweep period, default 30s
	MetricsFlushInterval  time.Duration // 0 disables the Redis flush
}

func (c *CopyTraderConfig) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 10 * time.Minute
	}
	if c.DedupMaxSize <= 0 {
		c.DedupMaxSize = 10000
	}
	if c.PositionCheckInterval <= 0 {
		c.PositionCheckInterval = 30 * time.Second
	}
}

// CopyTrader consumes candidate trades, runs them through the executor and
// periodically sweeps open positions for exits
type CopyTrader struct {
	executor *TradeExecutor
	store    *MetricsStore // optional
	config   CopyTraderConfig
	log      *zap.Logger
	now      func() time.Time

	seen *cache.BoundedCache[string, struct{}]

	mu      sync.Mutex
	metrics CopyTraderMetrics
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewCopyTrader creates a new copy trader. store may be nil.
func NewCopyTrader(executor *TradeExecutor, store *MetricsStore, config CopyTraderConfig, logger *zap.Logger) *CopyTrader {
	config.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CopyTrader{
		executor: executor,
		store:    store,
		config:   config,
		log:      logger.Named("copy_trader"),
		now:      executor.now,
		seen: cache.New(cache.Options[string, struct{}]{
			Name:            "seen_trades",
			MaxSize:         config.DedupMaxSize,
			TTL:             config.DedupTTL,
			CleanupInterval: config.DedupTTL / 2,
			Logger:          logger,
		}),
	}
}

// Start begins consuming trades. It returns immediately; Stop or cancelling ctx
// ends every loop.
func (ct *CopyTrader) Start(ctx context.Context, trades <-chan models.CandidateTrade) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.running {
		return errors.New("copy trader already running")
	}
	ctx, ct.cancel = context.WithCancel(ctx)
	ct.running = true

	ct.seen.Start(ctx)

	for i := 0; i < ct.config.Workers; i++ {
		ct.wg.Add(1)
		go ct.worker(ctx, trades)
	}
	ct.wg.Add(1)
	go ct.sweepLoop(ctx)
	if ct.store != nil && ct.config.MetricsFlushInterval > 0 {
		ct.wg.Add(1)
		go ct.flushLoop(ctx)
	}

	ct.log.Info("copy trader started",
		zap.Int("workers", ct.config.Workers),
		zap.Duration("position_check_interval", ct.config.PositionCheckInterval))
	return nil
}

// Stop halts the copy trader and waits for in-flight trades
func (ct *CopyTrader) Stop() {
	ct.mu.Lock()
	if !ct.running {
		ct.mu.Unlock()
		return
	}
	ct.running = false
	ct.cancel()
	ct.mu.Unlock()

	ct.wg.Wait()
	ct.seen.Stop()
	ct.flush(context.Background())
	ct.log.Info("copy trader stopped")
}

func (ct *CopyTrader) worker(ctx context.Context, trades <-chan models.CandidateTrade) {
	defer ct.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-trades:
			if !ok {
				return
			}
			ct.Process(ctx, c)
		}
	}
}

// Process handles one candidate trade. A tx hash seen within DedupTTL is
// dropped as a duplicate without reaching the executor.
func (ct *CopyTrader) Process(ctx context.Context, c models.CandidateTrade) models.ExecutionResult {
	if c.TxHash != "" {
		if _, loaded := ct.seen.GetOrSet(dedupKey(c), func() struct{} { return struct{}{} }); loaded {
			ct.mu.Lock()
			ct.metrics.Duplicates++
			ct.mu.Unlock()
			return result(models.StatusSkipped, "duplicate trade")
		}
	}

	res := ct.executor.ExecuteCopyTrade(ctx, c)

	ct.mu.Lock()
	switch res.Status {
	case models.StatusSuccess:
		latency := res.Latency
		if !c.Timestamp.IsZero() {
			latency = ct.now().Sub(c.Timestamp)
		}
		ct.metrics.observeCopy(latency, ct.now())
	case models.StatusFailed, models.StatusError:
		ct.metrics.TradesFailed++
	default:
		ct.metrics.TradesSkipped++
	}
	ct.mu.Unlock()
	return res
}

func dedupKey(c models.CandidateTrade) string {
	return c.TxHash + "|" + c.Key().String()
}

func (ct *CopyTrader) sweepLoop(ctx context.Context) {
	defer ct.wg.Done()
	ticker := time.NewTicker(ct.config.PositionCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := ct.executor.ManagePositions(ctx)
			if report.Closed > 0 {
				ct.mu.Lock()
				ct.metrics.PositionsClosed += int64(report.Closed)
				ct.mu.Unlock()
			}
		}
	}
}

func (ct *CopyTrader) flushLoop(ctx context.Context) {
	defer ct.wg.Done()
	ticker := time.NewTicker(ct.config.MetricsFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ct.flush(ctx)
		}
	}
}

func (ct *CopyTrader) flush(ctx context.Context) {
	if ct.store == nil {
		return
	}
	if err := ct.store.SaveCopyTraderMetrics(ctx, ct.GetMetrics()); err != nil {
		ct.log.Warn("failed to save copy trader metrics", zap.Error(err))
	}
}

// GetMetrics returns a copy of the running metrics
func (ct *CopyTrader) GetMetrics() CopyTraderMetrics {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.metrics
}

// Executor returns the trade executor
func (ct *CopyTrader) Executor() *TradeExecutor {
	return ct.executor
}
