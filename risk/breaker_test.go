package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func testConfig() Config {
	return Config{
		Wallet:                 "0x1111111111111111111111111111111111111111",
		MaxDailyLoss:           decimal.NewFromInt(100),
		MaxConsecutiveFailures: 3,
		Cooldown:               time.Hour,
		Timezone:               "UTC",
	}
}

func newTestBreaker(t *testing.T, clock *testClock, store StateStore, opts ...Option) *CircuitBreaker {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	b, err := NewCircuitBreaker(context.Background(), testConfig(), store, nil, opts...)
	require.NoError(t, err)
	return b
}

func TestBreaker_StartsNormal(t *testing.T) {
	b := newTestBreaker(t, newClock(), NewMemoryStateStore())

	ok, reason := b.Check(context.Background())
	assert.True(t, ok)
	assert.Empty(t, reason)
	assert.False(t, b.IsActive())
	assert.True(t, b.State().DailyLoss.IsZero())
}

func TestBreaker_TripsOnConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(t, newClock(), NewMemoryStateStore())

	b.RecordTradeResult(ctx, false)
	b.RecordTradeResult(ctx, false)
	ok, _ := b.Check(ctx)
	require.True(t, ok)

	b.RecordTradeResult(ctx, false)
	ok, reason := b.Check(ctx)
	assert.False(t, ok)
	assert.Contains(t, reason, "circuit breaker")
	assert.Contains(t, reason, "consecutive")
	assert.Equal(t, TripConsecutiveFailures, b.State().Kind)
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(t, newClock(), NewMemoryStateStore())

	b.RecordTradeResult(ctx, false)
	b.RecordTradeResult(ctx, false)
	b.RecordTradeResult(ctx, true)
	b.RecordTradeResult(ctx, false)
	b.RecordTradeResult(ctx, false)

	assert.False(t, b.IsActive())
	assert.Equal(t, 2, b.State().ConsecutiveFailures)
}

func TestBreaker_LossAtCeilingBlocks(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(t, newClock(), NewMemoryStateStore())

	b.RecordLoss(ctx, decimal.NewFromInt(60))
	assert.False(t, b.IsActive())
	b.RecordLoss(ctx, decimal.NewFromInt(40))

	ok, reason := b.Check(ctx)
	assert.False(t, ok)
	assert.Contains(t, reason, "circuit breaker active")
	assert.Contains(t, reason, "daily loss")
	assert.True(t, b.State().DailyLoss.Equal(decimal.NewFromInt(100)))
}

func TestBreaker_ProfitOffsetsLoss(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(t, newClock(), NewMemoryStateStore())

	b.RecordLoss(ctx, decimal.RequireFromString("80.5"))
	b.RecordProfit(ctx, decimal.RequireFromString("30.25"))
	b.RecordLoss(ctx, decimal.RequireFromString("40"))

	assert.False(t, b.IsActive())
	assert.Equal(t, "90.25", b.State().DailyLoss.String())

	b.RecordProfit(ctx, decimal.NewFromInt(200))
	assert.Equal(t, "-109.75", b.State().DailyLoss.String())
}

func TestBreaker_CooldownAutoReset(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	b := newTestBreaker(t, clock, NewMemoryStateStore())

	for i := 0; i < 3; i++ {
		b.RecordTradeResult(ctx, false)
	}
	require.True(t, b.IsActive())

	clock.Advance(59 * time.Minute)
	ok, _ := b.Check(ctx)
	assert.False(t, ok)

	clock.Advance(time.Minute)
	ok, _ = b.Check(ctx)
	assert.True(t, ok)
	assert.Equal(t, 0, b.State().ConsecutiveFailures)
}

func TestBreaker_LossTripOutlastsCooldownUntilNextDay(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	b := newTestBreaker(t, clock, NewMemoryStateStore())

	b.RecordLoss(ctx, decimal.NewFromInt(150))
	require.True(t, b.IsActive())

	clock.Advance(2 * time.Hour)
	ok, _ := b.Check(ctx)
	assert.False(t, ok, "loss budget is still spent")

	clock.Advance(12 * time.Hour) // 2024-03-02 02:00 UTC
	ok, _ = b.Check(ctx)
	assert.True(t, ok)
	s := b.State()
	assert.True(t, s.DailyLoss.IsZero())
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), s.DayOpen.UTC())
}

func TestBreaker_ManualResetAndTrip(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	b := newTestBreaker(t, clock, NewMemoryStateStore())

	b.RecordLoss(ctx, decimal.NewFromInt(100))
	require.True(t, b.IsActive())

	s := b.Reset(ctx, "operator reviewed")
	assert.False(t, s.Active)
	assert.True(t, s.DailyLoss.IsZero())
	ok, _ := b.Check(ctx)
	assert.True(t, ok)

	b.Trip(ctx, "maintenance")
	clock.Advance(3 * time.Hour)
	ok, reason := b.Check(ctx)
	assert.False(t, ok, "manual trips ignore the cooldown")
	assert.Contains(t, reason, "maintenance")

	b.Reset(ctx, "done")
	ok, _ = b.Check(ctx)
	assert.True(t, ok)
}

func TestBreaker_OnTripCalledOncePerTrip(t *testing.T) {
	ctx := context.Background()
	var (
		mu    sync.Mutex
		trips []State
	)
	b := newTestBreaker(t, newClock(), NewMemoryStateStore(), WithOnTrip(func(s State) {
		mu.Lock()
		trips = append(trips, s)
		mu.Unlock()
	}))

	b.RecordLoss(ctx, decimal.NewFromInt(120))
	b.RecordLoss(ctx, decimal.NewFromInt(5))
	b.Check(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, trips, 1)
	assert.Equal(t, TripDailyLoss, trips[0].Kind)
	assert.True(t, trips[0].Active)
}

func TestBreaker_StateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := NewMemoryStateStore()

	b := newTestBreaker(t, clock, store)
	b.RecordLoss(ctx, decimal.NewFromInt(100))
	require.True(t, b.IsActive())
	activatedAt := b.State().ActivatedAt

	clock.Advance(10 * time.Minute)
	restarted := newTestBreaker(t, clock, store)

	ok, reason := restarted.Check(ctx)
	assert.False(t, ok)
	assert.Contains(t, reason, "daily loss")
	s := restarted.State()
	assert.True(t, s.DailyLoss.Equal(decimal.NewFromInt(100)))
	assert.True(t, s.ActivatedAt.Equal(activatedAt))
}

func TestBreaker_RestartOnNewDayDropsYesterdaysLoss(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := NewMemoryStateStore()

	b := newTestBreaker(t, clock, store)
	b.RecordLoss(ctx, decimal.NewFromInt(70))

	clock.Advance(24 * time.Hour)
	restarted := newTestBreaker(t, clock, store)
	assert.True(t, restarted.State().DailyLoss.IsZero())

	saved, found, err := store.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, saved.DailyLoss.IsZero())
}

func TestBreaker_PersistsEveryMutation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStateStore()
	b := newTestBreaker(t, newClock(), store)

	base := store.Saves()
	b.RecordLoss(ctx, decimal.NewFromInt(1))
	b.RecordProfit(ctx, decimal.NewFromInt(1))
	b.RecordTradeResult(ctx, false)
	b.Check(ctx) // no change, no write

	assert.Equal(t, base+3, store.Saves())
}

func TestBreaker_ConcurrentLossesAreNotLost(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStateStore()
	cfg := testConfig()
	cfg.MaxDailyLoss = decimal.NewFromInt(1_000_000)
	b, err := NewCircuitBreaker(ctx, cfg, store, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.RecordLoss(ctx, decimal.RequireFromString("0.5"))
			b.Check(ctx)
		}()
	}
	wg.Wait()

	assert.Equal(t, "100", b.State().DailyLoss.String())

	saved, _, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.State().Version, saved.Version, "latest version reached the store")
	assert.Equal(t, "100", saved.DailyLoss.String())
}

func TestBreaker_StartStop(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Cooldown = 20 * time.Millisecond
	cfg.CheckInterval = 5 * time.Millisecond
	cfg.MaxConsecutiveFailures = 1
	b, err := NewCircuitBreaker(ctx, cfg, NewMemoryStateStore(), nil)
	require.NoError(t, err)

	b.RecordTradeResult(ctx, false)
	require.True(t, b.IsActive())

	b.Start(ctx)
	defer b.Stop()
	require.Eventually(t, func() bool { return !b.IsActive() }, time.Second, 5*time.Millisecond)
	b.Stop()
}

func TestTradingDayHelpers(t *testing.T) {
	a := time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC)
	b := time.Date(2024, 3, 2, 0, 30, 0, 0, time.UTC)

	assert.False(t, SameTradingDay("UTC", a, b))
	assert.True(t, SameTradingDay("America/New_York", a, b))
	// unknown zones fall back to UTC
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), TodayOpen("Mars/Base", a))
}
