// Package risk holds the circuit breaker that gates every new trade for a wallet,
// together with the stores that keep its state durable across restarts.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/winder87-stack/-polymarket-copy-bot-sub001/models"
)

const persistTimeout = 5 * time.Second

// Config defines the limits of one wallet's breaker
type Config struct {
	Wallet                 string
	MaxDailyLoss           decimal.Decimal // non-positive disables the loss rule
	MaxConsecutiveFailures int             // default 5
	Cooldown               time.Duration   // default 1h
	CheckInterval          time.Duration   // default 1m
	Timezone               string          // trading day anchor, default UTC
}

// Option customises a CircuitBreaker
type Option func(*CircuitBreaker)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(b *CircuitBreaker) { b.now = now }
}

// WithOnTrip registers a callback invoked, outside the breaker lock, after every trip
func WithOnTrip(fn func(State)) Option {
	return func(b *CircuitBreaker) { b.onTrip = fn }
}

// CircuitBreaker tracks daily realized loss and the consecutive failure streak.
// While tripped it blocks every new trade until the cooldown elapses or an operator resets it.
// All state sits behind one mutex; persistence runs after the lock is released.
type CircuitBreaker struct {
	cfg    Config
	store  StateStore
	log    *zap.Logger
	now    func() time.Time
	onTrip func(State)

	mu    sync.Mutex
	state State

	persistMu sync.Mutex
	persisted uint64 // highest version written to the store

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewCircuitBreaker loads the persisted state, rolls it to the current trading day
// and writes it back. A store that cannot be read is an error.
func NewCircuitBreaker(ctx context.Context, cfg Config, store StateStore, logger *zap.Logger, opts ...Option) (*CircuitBreaker, error) {
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Hour
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if store == nil {
		store = NewMemoryStateStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &CircuitBreaker{
		cfg:    cfg,
		store:  store,
		log:    logger.Named("circuit_breaker").With(zap.String("wallet", maskWallet(cfg.Wallet))),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	loaded, found, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load circuit breaker state: %w", err)
	}
	now := b.now()
	if found {
		b.state = loaded
		b.persisted = loaded.Version
		b.log.Info("circuit breaker state restored",
			zap.Bool("active", loaded.Active),
			zap.String("daily_loss", loaded.DailyLoss.String()),
			zap.Int("consecutive_failures", loaded.ConsecutiveFailures))
	} else {
		b.state = State{DailyLoss: decimal.Zero, DayOpen: TodayOpen(cfg.Timezone, now)}
		b.log.Info("circuit breaker state seeded for today", zap.String("timezone", cfg.Timezone))
	}
	b.state.Wallet = cfg.Wallet
	b.state.Timezone = cfg.Timezone
	b.state.Cooldown = cfg.Cooldown

	// force a write so the store always reflects the rolled, re-evaluated state
	b.apply(ctx, func(time.Time) bool { return true })
	return b, nil
}

// Check reports whether a new trade may proceed. It also performs the cooldown
// auto-reset and the day rollover when they are due.
func (b *CircuitBreaker) Check(ctx context.Context) (bool, string) {
	s := b.apply(ctx, nil)
	if s.Active {
		return false, "circuit breaker active: " + s.Reason
	}
	return true, ""
}

// RecordTradeResult updates the consecutive failure streak
func (b *CircuitBreaker) RecordTradeResult(ctx context.Context, success bool) {
	b.apply(ctx, func(time.Time) bool {
		if success {
			if b.state.ConsecutiveFailures == 0 {
				return false
			}
			b.state.ConsecutiveFailures = 0
			return true
		}
		b.state.ConsecutiveFailures++
		return true
	})
}

// RecordLoss adds a realized loss to the daily total
func (b *CircuitBreaker) RecordLoss(ctx context.Context, amount decimal.Decimal) {
	if amount.IsZero() {
		return
	}
	b.apply(ctx, func(time.Time) bool {
		b.state.DailyLoss = models.Quantize(b.state.DailyLoss.Add(amount.Abs()))
		return true
	})
}

// RecordProfit subtracts a realized profit from the daily total. The total may go negative.
func (b *CircuitBreaker) RecordProfit(ctx context.Context, amount decimal.Decimal) {
	if amount.IsZero() {
		return
	}
	b.apply(ctx, func(time.Time) bool {
		b.state.DailyLoss = models.Quantize(b.state.DailyLoss.Sub(amount.Abs()))
		return true
	})
}

// Trip activates the breaker by hand. Manual trips ignore the cooldown and stay
// until Reset.
func (b *CircuitBreaker) Trip(ctx context.Context, reason string) {
	b.apply(ctx, func(now time.Time) bool {
		if b.state.Active && b.state.Kind == TripManual {
			return false
		}
		b.tripLocked(now, TripManual, "manual: "+reason)
		return true
	})
}

// Reset returns the breaker to normal and clears the daily counters
func (b *CircuitBreaker) Reset(ctx context.Context, reason string) State {
	var prev State
	s := b.apply(ctx, func(time.Time) bool {
		prev = b.state
		b.clearLocked()
		b.state.ConsecutiveFailures = 0
		b.state.DailyLoss = decimal.Zero
		return true
	})
	b.log.Warn("circuit breaker reset by operator",
		zap.String("reason", reason),
		zap.Bool("was_active", prev.Active),
		zap.String("previous_reason", prev.Reason),
		zap.String("previous_daily_loss", prev.DailyLoss.String()))
	return s
}

// State returns a copy of the current state without applying pending transitions
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsActive reports whether the breaker is tripped right now
func (b *CircuitBreaker) IsActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Active
}

// Limits returns the effective configuration
func (b *CircuitBreaker) Limits() Config {
	return b.cfg
}

// Start runs the periodic cooldown and day rollover check
func (b *CircuitBreaker) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			ticker := time.NewTicker(b.cfg.CheckInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-b.stopCh:
					return
				case <-ticker.C:
					b.apply(ctx, nil)
				}
			}
		}()
	})
}

// Stop halts the periodic check. Safe to call more than once.
func (b *CircuitBreaker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

// apply runs the pending automatic transitions, then fn, then the trip rules.
// When anything changed the new state is versioned, published and persisted.
func (b *CircuitBreaker) apply(ctx context.Context, fn func(now time.Time) bool) State {
	b.mu.Lock()
	now := b.now()

	changed := b.rolloverLocked(now)
	if b.cooldownLocked(now) {
		changed = true
	}
	if fn != nil && fn(now) {
		changed = true
	}
	tripped := b.evaluateLocked(now)

	if !changed && !tripped {
		s := b.state
		b.mu.Unlock()
		return s
	}

	b.state.Version++
	b.state.UpdatedAt = now
	s := b.state
	b.mu.Unlock()

	b.publish(s)
	b.persist(ctx, s)

	if tripped {
		metricTrips.WithLabelValues(maskWallet(s.Wallet), string(s.Kind)).Inc()
		b.log.Error("circuit breaker tripped",
			zap.String("reason", s.Reason),
			zap.String("daily_loss", s.DailyLoss.String()),
			zap.Int("consecutive_failures", s.ConsecutiveFailures),
			zap.Duration("cooldown", s.Cooldown))
		if b.onTrip != nil {
			b.onTrip(s)
		}
	}
	return s
}

func (b *CircuitBreaker) rolloverLocked(now time.Time) bool {
	if SameTradingDay(b.cfg.Timezone, b.state.DayOpen, now) {
		return false
	}
	b.log.Info("new trading day, daily counters reset",
		zap.String("previous_daily_loss", b.state.DailyLoss.String()),
		zap.Int("previous_trips", b.state.TripsToday))
	b.state.DayOpen = TodayOpen(b.cfg.Timezone, now)
	b.state.DailyLoss = decimal.Zero
	b.state.ConsecutiveFailures = 0
	b.state.TripsToday = 0
	if b.state.Active && b.state.Kind == TripDailyLoss {
		b.clearLocked()
	}
	return true
}

func (b *CircuitBreaker) cooldownLocked(now time.Time) bool {
	if !b.state.Active || b.state.Kind == TripManual {
		return false
	}
	end := b.state.CooldownEndsAt()
	if end.IsZero() || now.Before(end) {
		return false
	}
	b.log.Info("circuit breaker cooldown elapsed",
		zap.String("reason", b.state.Reason),
		zap.Time("activated_at", b.state.ActivatedAt))
	b.clearLocked()
	b.state.ConsecutiveFailures = 0
	return true
}

// evaluateLocked trips the breaker when a rule is breached. A loss at the ceiling
// counts as breached.
func (b *CircuitBreaker) evaluateLocked(now time.Time) bool {
	if b.state.Active {
		return false
	}
	if b.cfg.MaxDailyLoss.IsPositive() && b.state.DailyLoss.GreaterThanOrEqual(b.cfg.MaxDailyLoss) {
		b.tripLocked(now, TripDailyLoss, fmt.Sprintf("daily loss %s reached limit %s",
			b.state.DailyLoss.StringFixed(2), b.cfg.MaxDailyLoss.StringFixed(2)))
		return true
	}
	if b.state.ConsecutiveFailures >= b.cfg.MaxConsecutiveFailures {
		b.tripLocked(now, TripConsecutiveFailures, fmt.Sprintf("%d consecutive failed trades",
			b.state.ConsecutiveFailures))
		return true
	}
	return false
}

func (b *CircuitBreaker) tripLocked(now time.Time, kind TripKind, reason string) {
	b.state.Active = true
	b.state.Kind = kind
	b.state.Reason = reason
	b.state.ActivatedAt = now
	b.state.Cooldown = b.cfg.Cooldown
	b.state.TripsToday++
}

func (b *CircuitBreaker) clearLocked() {
	b.state.Active = false
	b.state.Kind = TripNone
	b.state.Reason = ""
	b.state.ActivatedAt = time.Time{}
}

// persist writes s unless a newer version already reached the store
func (b *CircuitBreaker) persist(ctx context.Context, s State) {
	b.persistMu.Lock()
	defer b.persistMu.Unlock()
	if s.Version <= b.persisted {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := b.store.Save(ctx, s); err != nil {
		metricPersistErrors.Inc()
		b.log.Error("failed to persist circuit breaker state",
			zap.Uint64("version", s.Version), zap.Error(err))
		return
	}
	b.persisted = s.Version
}

func (b *CircuitBreaker) publish(s State) {
	label := maskWallet(s.Wallet)
	if s.Active {
		metricBreakerActive.WithLabelValues(label).Set(1)
	} else {
		metricBreakerActive.WithLabelValues(label).Set(0)
	}
	loss, _ := s.DailyLoss.Float64()
	metricDailyLoss.WithLabelValues(label).Set(loss)
}

// maskWallet keeps the first 6 and last 4 characters of an address
func maskWallet(w string) string {
	if len(w) <= 12 {
		return w
	}
	return w[:6] + "..." + w[len(w)-4:]
}
