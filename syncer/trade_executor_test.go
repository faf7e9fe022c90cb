package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winder87-stack/-polymarket-copy-bot-sub001/alerts"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/api"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/cache"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/models"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/risk"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/storage"
)

// recordingNotifier keeps every alert it is asked to deliver
type recordingNotifier struct {
	mu         sync.Mutex
	executions []alerts.ExecutionAlert
	errs       []alerts.ErrorAlert
	criticals  []string
}

func (r *recordingNotifier) NotifyExecution(_ context.Context, a alerts.ExecutionAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions = append(r.executions, a)
	return nil
}

func (r *recordingNotifier) NotifyError(_ context.Context, a alerts.ErrorAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, a)
	return nil
}

func (r *recordingNotifier) NotifyCritical(_ context.Context, title, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.criticals = append(r.criticals, title+": "+msg)
	return nil
}

func (r *recordingNotifier) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.executions), len(r.errs), len(r.criticals)
}

type testHarness struct {
	exec     *TradeExecutor
	mock     *api.MockClobClient
	journal  *storage.MockStore
	breaker  *risk.CircuitBreaker
	notifier *recordingNotifier
	alerts   *alerts.Dispatcher
	locks    *cache.LockRegistry
}

func (h *testHarness) waitAlerts() { h.alerts.Wait() }

func defaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Sizing:                 DefaultSizingParams(),
		Exits:                  ExitRules{TakeProfit: dec("0.15"), StopLoss: dec("0.10"), MaxAge: 24 * time.Hour},
		MinConfidence:          0.7,
		MaxConcurrentPositions: 100,
		LockTimeout:            time.Second,
		CallTimeout:            time.Second,
	}
}

func newHarness(t *testing.T, mutate func(cfg *ExecutorConfig, deps *ExecutorDeps)) *testHarness {
	t.Helper()
	ctx := context.Background()

	mock := api.NewMockClobClient()
	mock.AddMarket(testCondition, "111", "222")
	mock.SetPrice("111", dec("0.66"))
	mock.SetPrice("222", dec("0.34"))

	breaker, err := risk.NewCircuitBreaker(ctx, risk.Config{
		Wallet:                 testWallet,
		MaxDailyLoss:           decimal.NewFromInt(100),
		MaxConsecutiveFailures: 5,
		Cooldown:               time.Hour,
	}, risk.NewMemoryStateStore(), nil)
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	dispatcher := alerts.NewDispatcher(notifier, time.Second, nil)
	journal := storage.NewMockStore()
	locks := cache.NewLockRegistry(cache.LockOptions{MaxSize: 1000, TTL: time.Minute, CleanupInterval: time.Minute})

	deps := ExecutorDeps{
		Exchange:  mock,
		Breaker:   breaker,
		Positions: NewPositionCache(PositionCacheConfig{MaxSize: 1000}, dispatcher, nil),
		Locks:     locks,
		Alerts:    dispatcher,
		Journal:   journal,
	}
	cfg := defaultExecutorConfig()
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	exec, err := NewTradeExecutor(deps, cfg)
	require.NoError(t, err)
	return &testHarness{
		exec:     exec,
		mock:     mock,
		journal:  journal,
		breaker:  breaker,
		notifier: notifier,
		alerts:   dispatcher,
		locks:    locks,
	}
}

func TestNewTradeExecutor_RequiresDependencies(t *testing.T) {
	_, err := NewTradeExecutor(ExecutorDeps{}, ExecutorConfig{})
	assert.Error(t, err)
}

func TestExecuteCopyTrade_Success(t *testing.T) {
	h := newHarness(t, nil)
	c := validCandidate()

	res := h.exec.ExecuteCopyTrade(context.Background(), c)

	require.Equal(t, models.StatusSuccess, res.Status, res.Reason)
	assert.Equal(t, "mock-order-1", res.OrderID)
	assert.True(t, res.Amount.IsPositive())
	assert.True(t, res.Amount.LessThanOrEqual(dec("100")))
	assert.True(t, res.Amount.Equal(dec("50")), "amount %s", res.Amount)
	assert.Equal(t, c.Key().String(), res.PositionKey)

	orders := h.mock.PlacedOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, "111", orders[0].TokenID)
	assert.Equal(t, models.SideBuy, orders[0].Side)
	assert.True(t, orders[0].Price.Equal(dec("0.66")))

	pos, ok := h.exec.positions.Get(models.PositionKey{ConditionID: testCondition, Side: models.SideBuy})
	require.True(t, ok)
	assert.Equal(t, "111", pos.TokenID)
	assert.True(t, pos.Amount.Equal(dec("50")))
	assert.True(t, pos.EntryPrice.Equal(dec("0.66")))
	assert.Equal(t, c.TxHash, pos.Source.TxHash)

	assert.Equal(t, 0, h.breaker.State().ConsecutiveFailures)
	assert.Equal(t, 1, h.journal.ExecutionCount())
	open, err := h.journal.ListOpenPositions(context.Background())
	require.NoError(t, err)
	assert.Len(t, open, 1)

	h.waitAlerts()
	execs, errs, _ := h.notifier.counts()
	assert.Equal(t, 1, execs)
	assert.Equal(t, 0, errs)
}

func TestExecuteCopyTrade_InvalidHasNoSideEffects(t *testing.T) {
	h := newHarness(t, nil)
	c := validCandidate()
	c.Amount = dec("-5")

	before := h.breaker.State()
	res := h.exec.ExecuteCopyTrade(context.Background(), c)

	assert.Equal(t, models.StatusInvalid, res.Status)
	assert.Contains(t, res.Reason, "amount")
	after := h.breaker.State()
	assert.Equal(t, before.ConsecutiveFailures, after.ConsecutiveFailures)
	assert.True(t, before.DailyLoss.Equal(after.DailyLoss))
	assert.Equal(t, 0, h.exec.positions.Len())
	assert.Equal(t, 0, h.mock.CallCount("GetMarket"))
	assert.Equal(t, 0, h.mock.CallCount("PlaceOrder"))
}

func TestExecuteCopyTrade_BlockedByBreaker(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.breaker.RecordLoss(ctx, decimal.NewFromInt(100))

	res := h.exec.ExecuteCopyTrade(ctx, validCandidate())

	assert.Equal(t, models.StatusBlocked, res.Status)
	assert.Contains(t, res.Reason, "circuit breaker")
	assert.Equal(t, 0, h.mock.CallCount("PlaceOrder"))
}

func TestExecuteCopyTrade_BalanceNetworkErrorFallsBack(t *testing.T) {
	h := newHarness(t, nil)
	h.mock.FailNext("GetBalance", &api.NetworkError{Op: "get balance", Err: errors.New("connection reset")})

	res := h.exec.ExecuteCopyTrade(context.Background(), validCandidate())

	require.Equal(t, models.StatusSuccess, res.Status, res.Reason)
	// min(10 * 0.1, 100)
	assert.True(t, res.Amount.Equal(dec("1")), "amount %s", res.Amount)
}

func TestExecuteCopyTrade_LowConfidenceRejected(t *testing.T) {
	h := newHarness(t, nil)
	c := validCandidate()
	c.Confidence = 0.5

	res := h.exec.ExecuteCopyTrade(context.Background(), c)

	assert.Equal(t, models.StatusRejected, res.Status)
	assert.Contains(t, res.Reason, "confidence")
}

func TestExecuteCopyTrade_DuplicateKeySkipped(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.Equal(t, models.StatusSuccess, h.exec.ExecuteCopyTrade(ctx, validCandidate()).Status)
	res := h.exec.ExecuteCopyTrade(ctx, validCandidate())

	assert.Equal(t, models.StatusSkipped, res.Status)
	assert.Contains(t, res.Reason, "already open")
	assert.Len(t, h.mock.PlacedOrders(), 1)
}

func TestExecuteCopyTrade_StrategyTagOpensSecondPosition(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.Equal(t, models.StatusSuccess, h.exec.ExecuteCopyTrade(ctx, validCandidate()).Status)
	c := validCandidate()
	c.Strategy = "momentum"
	require.Equal(t, models.StatusSuccess, h.exec.ExecuteCopyTrade(ctx, c).Status)
	assert.Equal(t, 2, h.exec.positions.Len())
}

func TestExecuteCopyTrade_MaxConcurrentPositions(t *testing.T) {
	h := newHarness(t, func(cfg *ExecutorConfig, _ *ExecutorDeps) {
		cfg.MaxConcurrentPositions = 1
	})
	ctx := context.Background()

	require.Equal(t, models.StatusSuccess, h.exec.ExecuteCopyTrade(ctx, validCandidate()).Status)
	c := validCandidate()
	c.Side = models.SideSell

	res := h.exec.ExecuteCopyTrade(ctx, c)
	assert.Equal(t, models.StatusRejected, res.Status)
	assert.Contains(t, res.Reason, "max concurrent positions")
}

func TestExecuteCopyTrade_MarketProblems(t *testing.T) {
	t.Run("unknown market", func(t *testing.T) {
		h := newHarness(t, nil)
		c := validCandidate()
		c.ConditionID = "0x" + strings.Repeat("3", 64)

		res := h.exec.ExecuteCopyTrade(context.Background(), c)
		assert.Equal(t, models.StatusSkipped, res.Status)
		assert.Contains(t, res.Reason, "market not found")
	})

	t.Run("closed market", func(t *testing.T) {
		h := newHarness(t, nil)
		h.mock.Markets[testCondition].Closed = true

		res := h.exec.ExecuteCopyTrade(context.Background(), validCandidate())
		assert.Equal(t, models.StatusSkipped, res.Status)
		assert.Contains(t, res.Reason, "closed")
	})

	t.Run("lookup failure is not a trade failure", func(t *testing.T) {
		h := newHarness(t, nil)
		h.mock.FailNext("GetMarket", &api.NetworkError{Op: "get market", Err: errors.New("timeout")})

		res := h.exec.ExecuteCopyTrade(context.Background(), validCandidate())
		assert.Equal(t, models.StatusFailed, res.Status)
		assert.Equal(t, 0, h.breaker.State().ConsecutiveFailures)
	})

	t.Run("token from another market", func(t *testing.T) {
		h := newHarness(t, nil)
		c := validCandidate()
		c.TokenID = "999"

		res := h.exec.ExecuteCopyTrade(context.Background(), c)
		assert.Equal(t, models.StatusInvalid, res.Status)
	})

	t.Run("sell resolves to the No token", func(t *testing.T) {
		h := newHarness(t, nil)
		c := validCandidate()
		c.Side = models.SideSell
		c.Price = dec("0.35")

		res := h.exec.ExecuteCopyTrade(context.Background(), c)
		require.Equal(t, models.StatusSuccess, res.Status, res.Reason)
		assert.Equal(t, "222", h.mock.PlacedOrders()[0].TokenID)
	})
}

func TestExecuteCopyTrade_SlippageSkipped(t *testing.T) {
	h := newHarness(t, nil)
	h.mock.SetPrice("111", dec("0.90"))

	res := h.exec.ExecuteCopyTrade(context.Background(), validCandidate())

	assert.Equal(t, models.StatusSkipped, res.Status)
	assert.Contains(t, res.Reason, "price moved")
	assert.Equal(t, 0, h.mock.CallCount("PlaceOrder"))
}

func TestExecuteCopyTrade_OrderFailureRecorded(t *testing.T) {
	h := newHarness(t, nil)
	h.mock.FailNext("PlaceOrder", &api.TradingError{Op: "place order", Message: "not enough balance"})

	res := h.exec.ExecuteCopyTrade(context.Background(), validCandidate())

	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Contains(t, res.Reason, "exchange rejected order")
	assert.Equal(t, 1, h.breaker.State().ConsecutiveFailures)
	assert.Equal(t, 0, h.exec.positions.Len())

	h.waitAlerts()
	_, errs, _ := h.notifier.counts()
	assert.Equal(t, 1, errs)
}

func TestExecuteCopyTrade_EmptyOrderIDIsFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.mock.OrderIDs = func(api.OrderRequestParams) string { return "" }

	res := h.exec.ExecuteCopyTrade(context.Background(), validCandidate())

	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, 1, h.breaker.State().ConsecutiveFailures)
	assert.Equal(t, 0, h.exec.positions.Len())
}

func TestExecuteCopyTrade_FailuresTripBreaker(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.mock.FailAlways("PlaceOrder", &api.APIError{Op: "place order", StatusCode: 500, Body: "boom"})

	for i := 0; i < 5; i++ {
		c := validCandidate()
		c.Strategy = fmt.Sprintf("s%d", i)
		assert.Equal(t, models.StatusFailed, h.exec.ExecuteCopyTrade(ctx, c).Status)
	}

	res := h.exec.ExecuteCopyTrade(ctx, validCandidate())
	assert.Equal(t, models.StatusBlocked, res.Status)
}

type panickingExchange struct {
	*api.MockClobClient
}

func (panickingExchange) GetMarket(context.Context, string) (*api.MarketInfo, error) {
	panic("market decoder exploded")
}

func TestExecuteCopyTrade_PanicBecomesError(t *testing.T) {
	h := newHarness(t, func(_ *ExecutorConfig, deps *ExecutorDeps) {
		deps.Exchange = panickingExchange{api.NewMockClobClient()}
	})

	var res models.ExecutionResult
	require.NotPanics(t, func() {
		res = h.exec.ExecuteCopyTrade(context.Background(), validCandidate())
	})
	assert.Equal(t, models.StatusError, res.Status)
	assert.Contains(t, res.Reason, "internal error")
	assert.Equal(t, 0, h.locks.Len(), "lock must be released after a panic")

	h.waitAlerts()
	_, _, criticals := h.notifier.counts()
	assert.Equal(t, 1, criticals)
}

func TestExecuteCopyTrade_PositionLimitCappedByCache(t *testing.T) {
	h := newHarness(t, func(cfg *ExecutorConfig, deps *ExecutorDeps) {
		cfg.MaxConcurrentPositions = 0
		deps.Positions = NewPositionCache(PositionCacheConfig{MaxSize: 1}, deps.Alerts, nil)
	})
	ctx := context.Background()

	require.Equal(t, models.StatusSuccess, h.exec.ExecuteCopyTrade(ctx, validCandidate()).Status)
	c := validCandidate()
	c.Side = models.SideSell

	res := h.exec.ExecuteCopyTrade(ctx, c)
	assert.Equal(t, models.StatusRejected, res.Status)
	assert.Contains(t, res.Reason, "max concurrent positions (1)")
	require.Len(t, h.exec.OpenPositions(), 1, "the first position is still managed")

	h.waitAlerts()
	_, _, criticals := h.notifier.counts()
	assert.Zero(t, criticals)
}

func TestExecuteCopyTrade_BreakerTripDuringLockWait(t *testing.T) {
	h := newHarness(t, func(cfg *ExecutorConfig, _ *ExecutorDeps) {
		cfg.LockTimeout = 2 * time.Second
	})
	ctx := context.Background()
	c := validCandidate()
	release, err := h.locks.Acquire(ctx, c.Key().String())
	require.NoError(t, err)

	done := make(chan models.ExecutionResult, 1)
	go func() { done <- h.exec.ExecuteCopyTrade(ctx, c) }()

	// let the trade pass the first breaker check and queue on the lock
	time.Sleep(50 * time.Millisecond)
	h.breaker.Trip(ctx, "operator halt")
	release()

	res := <-done
	assert.Equal(t, models.StatusBlocked, res.Status)
	assert.Equal(t, 0, h.mock.CallCount("PlaceOrder"))
}

func TestExecuteCopyTrade_BusyKeySkipped(t *testing.T) {
	h := newHarness(t, func(cfg *ExecutorConfig, _ *ExecutorDeps) {
		cfg.LockTimeout = 20 * time.Millisecond
	})
	c := validCandidate()
	release, err := h.locks.Acquire(context.Background(), c.Key().String())
	require.NoError(t, err)
	defer release()

	res := h.exec.ExecuteCopyTrade(context.Background(), c)
	assert.Equal(t, models.StatusSkipped, res.Status)
	assert.Contains(t, res.Reason, "position busy")
}

type fakeVerifier struct {
	ok  bool
	err error
}

func (f fakeVerifier) VerifySender(context.Context, string, string) (bool, error) {
	return f.ok, f.err
}

func TestExecuteCopyTrade_SenderVerification(t *testing.T) {
	h := newHarness(t, func(_ *ExecutorConfig, deps *ExecutorDeps) {
		deps.Verifier = fakeVerifier{ok: false}
	})
	res := h.exec.ExecuteCopyTrade(context.Background(), validCandidate())
	assert.Equal(t, models.StatusInvalid, res.Status)

	h = newHarness(t, func(_ *ExecutorConfig, deps *ExecutorDeps) {
		deps.Verifier = fakeVerifier{err: errors.New("rpc down")}
	})
	res = h.exec.ExecuteCopyTrade(context.Background(), validCandidate())
	assert.Equal(t, models.StatusSkipped, res.Status)
}

func TestExecuteCopyTrade_ConcurrentSameKey(t *testing.T) {
	h := newHarness(t, nil)
	h.mock.Delay = 5 * time.Millisecond

	var wg sync.WaitGroup
	results := make(chan models.ExecutionResult, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- h.exec.ExecuteCopyTrade(context.Background(), validCandidate())
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for r := range results {
		if r.Status == models.StatusSuccess {
			successes++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Len(t, h.mock.PlacedOrders(), 1)
	assert.Equal(t, 0, h.locks.Len())
}

func TestExecuteCopyTrade_ManyTradesFewKeys(t *testing.T) {
	h := newHarness(t, nil)
	const keys = 50

	conditions := make([]string, keys)
	for i := range conditions {
		conditions[i] = fmt.Sprintf("0x%064x", i+1)
		yes, no := fmt.Sprintf("%d", 1000+i), fmt.Sprintf("%d", 2000+i)
		h.mock.AddMarket(conditions[i], yes, no)
	}

	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := validCandidate()
			c.TxHash = fmt.Sprintf("0x%064x", i)
			c.ConditionID = conditions[i%keys]
			res := h.exec.ExecuteCopyTrade(context.Background(), c)
			assert.NotEqual(t, models.StatusError, res.Status)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, h.exec.positions.Len(), keys)
	assert.Equal(t, keys, h.exec.positions.Len())
	assert.Equal(t, 0, h.locks.Len(), "no lock may outlive its trade")
	assert.Len(t, h.mock.PlacedOrders(), keys)
}

func TestClosePosition_TakeProfitSweep(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.mock.SetPrice("111", dec("0.50"))
	c := validCandidate()
	c.Price = dec("0.50")

	require.Equal(t, models.StatusSuccess, h.exec.ExecuteCopyTrade(ctx, c).Status)
	h.mock.SetPrice("111", dec("0.60"))

	report := h.exec.ManagePositions(ctx)

	assert.Equal(t, SweepReport{Evaluated: 1, Closed: 1}, report)
	orders := h.mock.PlacedOrders()
	require.Len(t, orders, 2)
	closeOrder := orders[1]
	assert.Equal(t, models.SideSell, closeOrder.Side)
	assert.Equal(t, "111", closeOrder.TokenID)
	assert.True(t, closeOrder.Size.Equal(orders[0].Size))
	assert.True(t, closeOrder.Price.Equal(dec("0.60")))
	assert.Equal(t, 0, h.exec.positions.Len())

	closed := h.journal.ClosedPositions()
	require.Len(t, closed, 1)
	assert.Equal(t, models.ExitTakeProfit, closed[0].Reason)
	assert.True(t, closed[0].RealizedPnL.Equal(dec("5")), "pnl %s", closed[0].RealizedPnL) // 0.10 * 50
	assert.True(t, h.breaker.State().DailyLoss.Equal(dec("-5")), "profit offsets the daily loss")
}

func TestClosePosition_LossFeedsBreaker(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.mock.SetPrice("111", dec("0.50"))
	c := validCandidate()
	c.Price = dec("0.50")
	require.Equal(t, models.StatusSuccess, h.exec.ExecuteCopyTrade(ctx, c).Status)

	h.mock.SetPrice("111", dec("0.40"))
	report := h.exec.ManagePositions(ctx)

	assert.Equal(t, 1, report.Closed)
	closed := h.journal.ClosedPositions()
	require.Len(t, closed, 1)
	assert.Equal(t, models.ExitStopLoss, closed[0].Reason)
	assert.True(t, h.breaker.State().DailyLoss.Equal(dec("5")), "loss %s", h.breaker.State().DailyLoss)
}

func TestClosePosition_AllowedWhileBreakerTripped(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.Equal(t, models.StatusSuccess, h.exec.ExecuteCopyTrade(ctx, validCandidate()).Status)
	h.breaker.Trip(ctx, "operator halt")

	pos := h.exec.OpenPositions()[0]
	res := h.exec.ClosePosition(ctx, pos, models.ExitTime, nil)

	assert.Equal(t, models.StatusSuccess, res.Status, res.Reason)
	assert.Equal(t, 0, h.exec.positions.Len())
}

func TestClosePosition_NotOpen(t *testing.T) {
	h := newHarness(t, nil)
	pos := openPosition(models.SideBuy, "0.50", time.Now())

	res := h.exec.ClosePosition(context.Background(), pos, models.ExitTime, decPtr("0.5"))
	assert.Equal(t, models.StatusSkipped, res.Status)
	assert.Equal(t, 0, h.mock.CallCount("PlaceOrder"))
}

func TestClosePosition_RepeatedFailuresEscalate(t *testing.T) {
	h := newHarness(t, func(cfg *ExecutorConfig, _ *ExecutorDeps) {
		cfg.CloseFailureAlertAfter = 3
	})
	ctx := context.Background()
	require.Equal(t, models.StatusSuccess, h.exec.ExecuteCopyTrade(ctx, validCandidate()).Status)
	pos := h.exec.OpenPositions()[0]

	h.mock.FailAlways("PlaceOrder", &api.NetworkError{Op: "place order", Err: errors.New("connection refused")})
	for i := 0; i < 3; i++ {
		res := h.exec.ClosePosition(ctx, pos, models.ExitTime, nil)
		assert.Equal(t, models.StatusFailed, res.Status)
	}
	assert.Equal(t, 1, h.exec.positions.Len(), "failed close keeps the position")

	h.waitAlerts()
	_, _, criticals := h.notifier.counts()
	assert.Equal(t, 1, criticals)
}

func TestClosePosition_UnfilledOrderCancelled(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.Equal(t, models.StatusSuccess, h.exec.ExecuteCopyTrade(ctx, validCandidate()).Status)
	pos := h.exec.OpenPositions()[0]

	h.mock.OrderStatus = "live"
	res := h.exec.ClosePosition(ctx, pos, models.ExitTime, decPtr("0.70"))

	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Contains(t, res.Reason, "not filled")
	assert.Equal(t, []string{res.OrderID}, h.mock.CancelLog)
	assert.Equal(t, 1, h.exec.positions.Len(), "position stays open for the next sweep")
	assert.Empty(t, h.journal.ClosedPositions())

	h.mock.OrderStatus = "matched"
	res = h.exec.ClosePosition(ctx, pos, models.ExitTime, decPtr("0.70"))
	assert.Equal(t, models.StatusSuccess, res.Status, res.Reason)
	assert.Equal(t, 0, h.exec.positions.Len())
}

func TestCloseCandidate_MatchesCloseOrder(t *testing.T) {
	pos := openPosition(models.SideBuy, "0.50", time.Now())

	c := closeCandidate(pos, dec("0.62"))

	assert.Equal(t, models.SideSell, c.Side)
	assert.True(t, c.Price.Equal(dec("0.62")))
	assert.True(t, c.Amount.Equal(pos.Amount))
	assert.Equal(t, 1.0, c.Confidence)
	assert.Equal(t, pos.TokenID, c.TokenID)
	assert.Equal(t, pos.Source.TxHash, c.TxHash)
	assert.True(t, pos.Source.Price.Equal(dec("0.65")), "the stored source trade is untouched")
}

func TestManagePositions_SkipsWithoutPrice(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.Equal(t, models.StatusSuccess, h.exec.ExecuteCopyTrade(ctx, validCandidate()).Status)
	h.mock.FailAlways("GetCurrentPrice", &api.NetworkError{Op: "price", Err: errors.New("timeout")})

	report := h.exec.ManagePositions(ctx)

	assert.Equal(t, SweepReport{Skipped: 1}, report)
	assert.Equal(t, 1, h.exec.positions.Len())
}

type streamedPrices struct {
	mu     sync.Mutex
	mids   map[string]decimal.Decimal
	subbed []string
}

func (s *streamedPrices) Subscribe(ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subbed = append(s.subbed, ids...)
	return nil
}

func (s *streamedPrices) Midpoint(id string) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mids[id]
	return m, ok
}

func TestManagePositions_PrefersStreamedMidpoint(t *testing.T) {
	prices := &streamedPrices{mids: map[string]decimal.Decimal{}}
	h := newHarness(t, func(_ *ExecutorConfig, deps *ExecutorDeps) {
		deps.Prices = prices
	})
	ctx := context.Background()
	require.Equal(t, models.StatusSuccess, h.exec.ExecuteCopyTrade(ctx, validCandidate()).Status)
	assert.Equal(t, []string{"111"}, prices.subbed)

	prices.mu.Lock()
	prices.mids["111"] = dec("0.90")
	prices.mu.Unlock()
	h.mock.FailAlways("GetCurrentPrice", errors.New("should not be called"))

	report := h.exec.ManagePositions(ctx)
	assert.Equal(t, 1, report.Closed)
}

func TestRestorePositions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	pos := openPosition(models.SideBuy, "0.50", time.Now())
	require.NoError(t, h.journal.SavePositionOpen(ctx, pos))

	n, err := h.exec.RestorePositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, h.exec.OpenPositions(), 1)

	// a restored key is not opened twice
	res := h.exec.ExecuteCopyTrade(ctx, validCandidate())
	assert.Equal(t, models.StatusSkipped, res.Status)
}

func TestPositionCache_EvictionRaisesCritical(t *testing.T) {
	notifier := &recordingNotifier{}
	dispatcher := alerts.NewDispatcher(notifier, time.Second, nil)
	positions := NewPositionCache(PositionCacheConfig{MaxSize: 1}, dispatcher, nil)

	a := openPosition(models.SideBuy, "0.50", time.Now())
	b := openPosition(models.SideSell, "0.50", time.Now())
	positions.Set(a.Key, &a)
	positions.Set(b.Key, &b)
	dispatcher.Wait()

	_, _, criticals := notifier.counts()
	assert.Equal(t, 1, criticals)
	notifier.mu.Lock()
	assert.Contains(t, notifier.criticals[0], "capacity")
	assert.NotContains(t, notifier.criticals[0], testCondition)
	notifier.mu.Unlock()
}
