package syncer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winder87-stack/-polymarket-copy-bot-sub001/models"
)

// fakeRedis implements the two commands MetricsStore uses
type fakeRedis struct {
	redis.Cmdable
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := value.([]byte); ok {
		f.data[key] = string(b)
	}
	f.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func TestMetricsStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	store := NewMetricsStore(rdb)

	empty, err := store.GetMetrics(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.CopyTrader.TradesCopied)

	var m CopyTraderMetrics
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.observeCopy(100*time.Millisecond, at)
	m.observeCopy(300*time.Millisecond, at.Add(time.Second))
	require.NoError(t, store.SaveCopyTraderMetrics(ctx, m))
	assert.Equal(t, 24*time.Hour, rdb.ttls[metricsKey])

	stats, err := store.GetLatencyStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, stats.CopyAvg)
	assert.Equal(t, 100*time.Millisecond, stats.CopyFast)
	assert.Equal(t, 300*time.Millisecond, stats.CopySlow)
}

func TestCopyTraderMetrics_ObserveCopy(t *testing.T) {
	var m CopyTraderMetrics
	now := time.Now()
	for _, ms := range []int{10, 20, 30, 40} {
		m.observeCopy(time.Duration(ms)*time.Millisecond, now)
	}
	assert.Equal(t, int64(4), m.TradesCopied)
	assert.Equal(t, 25*time.Millisecond, m.AvgCopyLatency)
	assert.Equal(t, 10*time.Millisecond, m.FastestCopy)
	assert.Equal(t, 40*time.Millisecond, m.SlowestCopy)
}

func TestCopyTrader_ProcessDeduplicatesTxHash(t *testing.T) {
	h := newHarness(t, nil)
	ct := NewCopyTrader(h.exec, nil, CopyTraderConfig{}, nil)
	ctx := context.Background()

	first := ct.Process(ctx, validCandidate())
	second := ct.Process(ctx, validCandidate())

	assert.Equal(t, models.StatusSuccess, first.Status)
	assert.Equal(t, models.StatusSkipped, second.Status)
	assert.Equal(t, "duplicate trade", second.Reason)
	assert.Equal(t, 1, h.mock.CallCount("GetMarket"))

	m := ct.GetMetrics()
	assert.Equal(t, int64(1), m.TradesCopied)
	assert.Equal(t, int64(1), m.Duplicates)
}

func TestCopyTrader_ProcessCountsOutcomes(t *testing.T) {
	h := newHarness(t, nil)
	ct := NewCopyTrader(h.exec, nil, CopyTraderConfig{}, nil)
	ctx := context.Background()

	low := validCandidate()
	low.TxHash = fmt.Sprintf("0x%064x", 1)
	low.Confidence = 0.1
	ct.Process(ctx, low)

	h.mock.FailNext("PlaceOrder", fmt.Errorf("boom"))
	failing := validCandidate()
	failing.TxHash = fmt.Sprintf("0x%064x", 2)
	ct.Process(ctx, failing)

	m := ct.GetMetrics()
	assert.Equal(t, int64(1), m.TradesSkipped)
	assert.Equal(t, int64(1), m.TradesFailed)
	assert.Zero(t, m.TradesCopied)
}

func TestCopyTrader_StartConsumesAndStops(t *testing.T) {
	h := newHarness(t, nil)
	rdb := newFakeRedis()
	ct := NewCopyTrader(h.exec, NewMetricsStore(rdb), CopyTraderConfig{
		Workers:               4,
		PositionCheckInterval: 10 * time.Millisecond,
		MetricsFlushInterval:  10 * time.Millisecond,
	}, nil)

	trades := make(chan models.CandidateTrade, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, ct.Start(ctx, trades))
	assert.Error(t, ct.Start(ctx, trades), "second start must fail")

	h.mock.SetPrice("111", dec("0.65"))
	trades <- validCandidate()
	require.Eventually(t, func() bool { return ct.GetMetrics().TradesCopied == 1 }, time.Second, 5*time.Millisecond)

	// price jumps, the sweep closes the position
	h.mock.SetPrice("111", dec("0.90"))
	require.Eventually(t, func() bool { return ct.GetMetrics().PositionsClosed == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.exec.OpenPositions())

	ct.Stop()
	ct.Stop()

	stored, err := NewMetricsStore(rdb).GetMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.CopyTrader.TradesCopied)
	assert.Equal(t, int64(1), stored.CopyTrader.PositionsClosed)
}
