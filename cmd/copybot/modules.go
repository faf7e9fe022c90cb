package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/winder87-stack/-polymarket-copy-bot-sub001/alerts"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/api"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/cache"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/config"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/feed"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/handlers"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/logger"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/middleware"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/models"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/risk"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/storage"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/syncer"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/tracing"
)

func observabilityModule() fx.Option {
	return fx.Module("observability",
		fx.Provide(
			newAppContext,
			func(cfg *config.Config) (*zap.Logger, error) {
				return logger.New(cfg.Log.Level, cfg.Log.Format, zap.String("service", cfg.Tracing.ServiceName))
			},
			newTracer,
			newRedis,
			newAlerts,
			newJournal,
		),
		// spans go to the global tracer, nothing injects it
		fx.Invoke(func(opentracing.Tracer) {}),
	)
}

func newTracer(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (opentracing.Tracer, error) {
	tracer, closer, err := tracing.InitTracer(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Host:        cfg.Tracing.Host,
		Port:        cfg.Tracing.Port,
	}, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(closer))
	return tracer, nil
}

// newRedis returns nil when no address is configured
func newRedis(lc fx.Lifecycle, cfg *config.Config) *redis.Client {
	if cfg.Redis.Addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return rdb.Close()
		},
	})
	return rdb
}

func newAlerts(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*alerts.Dispatcher, error) {
	notifiers := alerts.Multi{alerts.NewLog(log)}
	if cfg.Secrets.TelegramToken != "" && cfg.Alerts.TelegramChatID != 0 {
		tg, err := alerts.NewTelegram(cfg.Secrets.TelegramToken, cfg.Alerts.TelegramChatID)
		if err != nil {
			return nil, fmt.Errorf("telegram alerts: %w", err)
		}
		notifiers = append(notifiers, tg)
	}
	if cfg.Alerts.DiscordWebhookURL != "" {
		notifiers = append(notifiers, alerts.NewDiscord(cfg.Alerts.DiscordWebhookURL, cfg.Alerts.Timeout))
	}
	d := alerts.NewDispatcher(notifiers, cfg.Alerts.Timeout, log)
	lc.Append(fx.StopHook(d.Close))
	return d, nil
}

func newJournal(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (storage.Journal, error) {
	if cfg.Postgres.DSN == "" {
		log.Warn("postgres.dsn not set, execution journal disabled")
		return storage.NopJournal{}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	pg, err := storage.NewPostgres(ctx, storage.PoolConfig{
		DSN:      cfg.Postgres.DSN,
		MaxConns: cfg.Postgres.MaxConns,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(pg.Close))
	return pg, nil
}

func exchangeModule() fx.Option {
	return fx.Module("exchange",
		fx.Provide(
			func(cfg *config.Config) (*api.Auth, error) {
				if cfg.Secrets.PrivateKey == "" {
					return nil, fmt.Errorf("%s is not set", api.PrivateKeyEnv)
				}
				return api.NewAuth(cfg.Secrets.PrivateKey, cfg.Exchange.ChainID)
			},
			newPriceStream,
			newExchange,
			newVerifier,
		),
	)
}

// newPriceStream returns nil when streaming is disabled
func newPriceStream(lc fx.Lifecycle, app *appContext, cfg *config.Config, log *zap.Logger) *api.PriceStream {
	if !cfg.Exchange.StreamPrices {
		return nil
	}
	ps := api.NewPriceStream(api.PriceStreamOptions{URL: cfg.Exchange.WSURL, Logger: log})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ps.Start(app.ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			ps.Stop()
			return nil
		},
	})
	return ps
}

func newExchange(cfg *config.Config, auth *api.Auth, prices *api.PriceStream, log *zap.Logger) (syncer.ExchangeClient, error) {
	opts := api.ClobOptions{
		BaseURL:        cfg.Exchange.ClobURL,
		ChainID:        cfg.Exchange.ChainID,
		RequestTimeout: cfg.Exchange.RequestTimeout,
		Funder:         cfg.Exchange.FunderAddress,
		SignatureType:  cfg.Exchange.SignatureType,
		Logger:         log,
	}
	if prices != nil {
		opts.Prices = prices
	}
	clob, err := api.NewClobClient(auth, opts)
	if err != nil {
		return nil, err
	}
	log.Info("exchange client ready", zap.String("signer", alerts.MaskAddress(auth.GetAddress().Hex())))
	return api.NewRetryingClient(clob, api.RetryOptions{MaxAttempts: cfg.Exchange.Retries, Logger: log}), nil
}

// newVerifier returns nil when no RPC endpoint is configured
func newVerifier(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) *api.TxVerifier {
	if cfg.Exchange.PolygonRPCURL == "" {
		return nil
	}
	v := api.NewTxVerifier(cfg.Exchange.PolygonRPCURL, cfg.Exchange.RequestTimeout, log)
	lc.Append(fx.StopHook(v.Close))
	return v
}

func riskModule() fx.Option {
	return fx.Module("risk",
		fx.Provide(newBreaker),
	)
}

func newBreaker(lc fx.Lifecycle, app *appContext, cfg *config.Config, auth *api.Auth, rdb *redis.Client, d *alerts.Dispatcher, log *zap.Logger) (*risk.CircuitBreaker, error) {
	wallet := cfg.State.Wallet
	if wallet == "" {
		wallet = auth.GetAddress().Hex()
	}
	wallet = strings.ToLower(wallet)

	var store risk.StateStore
	switch cfg.State.Backend {
	case "redis":
		if rdb == nil {
			return nil, errors.New("state.backend redis needs redis.addr")
		}
		store = risk.NewRedisStateStore(rdb, wallet)
	case "memory":
		log.Warn("breaker state is in memory only, a restart resets the daily loss")
		store = risk.NewMemoryStateStore()
	default:
		fs, err := risk.NewFileStateStore(cfg.State.Path)
		if err != nil {
			return nil, err
		}
		store = fs
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b, err := risk.NewCircuitBreaker(ctx, risk.Config{
		Wallet:                 wallet,
		MaxDailyLoss:           cfg.Risk.MaxDailyLossDecimal(),
		MaxConsecutiveFailures: cfg.Risk.MaxConsecutiveFailures,
		Cooldown:               cfg.Risk.BreakerCooldown,
		CheckInterval:          cfg.Risk.BreakerCheckInterval,
		Timezone:               cfg.Risk.Timezone,
	}, store, log, risk.WithOnTrip(func(s risk.State) {
		d.Critical("circuit breaker tripped", s.Reason)
	}))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			b.Start(app.ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			b.Stop()
			return nil
		},
	})
	return b, nil
}

func executorModule() fx.Option {
	return fx.Module("executor",
		fx.Provide(
			newExecutor,
			newCopyTrader,
		),
		fx.Invoke(runCopyTrader),
	)
}

type executorParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	App       *appContext
	Config    *config.Config
	Exchange  syncer.ExchangeClient
	Breaker   *risk.CircuitBreaker
	Alerts    *alerts.Dispatcher
	Journal   storage.Journal
	Verifier  *api.TxVerifier
	Prices    *api.PriceStream
	Logger    *zap.Logger
}

func newExecutor(p executorParams) (*syncer.TradeExecutor, error) {
	cfg := p.Config
	positions := syncer.NewPositionCache(syncer.PositionCacheConfig{
		MaxSize:           cfg.Cache.PositionMaxSize,
		TTL:               cfg.Cache.PositionTTL,
		CleanupInterval:   cfg.Cache.CleanupInterval,
		MemoryThresholdMB: cfg.Cache.MemoryThresholdMB,
	}, p.Alerts, p.Logger)
	locks := cache.NewLockRegistry(cache.LockOptions{
		MaxSize:         cfg.Cache.LockMaxSize,
		TTL:             cfg.Cache.LockTTL,
		CleanupInterval: cfg.Cache.CleanupInterval,
		Logger:          p.Logger,
	})

	deps := syncer.ExecutorDeps{
		Exchange:  p.Exchange,
		Breaker:   p.Breaker,
		Positions: positions,
		Locks:     locks,
		Alerts:    p.Alerts,
		Journal:   p.Journal,
		Logger:    p.Logger,
	}
	// typed nils must not reach the optional interfaces
	if p.Verifier != nil {
		deps.Verifier = p.Verifier
	}
	if p.Prices != nil {
		deps.Prices = p.Prices
	}

	exec, err := syncer.NewTradeExecutor(deps, syncer.ExecutorConfig{
		Sizing: syncer.SizingParams{
			MinTradeAmount:         cfg.Risk.MinTradeAmountDecimal(),
			MaxPositionSize:        cfg.Risk.MaxPositionSizeDecimal(),
			RiskFraction:           cfg.Risk.RiskFractionDecimal(),
			MaxAccountRiskFraction: cfg.Risk.MaxAccountRiskFractionDecimal(),
			PriceRiskEpsilon:       cfg.Risk.PriceRiskEpsilonDecimal(),
			FallbackFraction:       cfg.Risk.FallbackFractionDecimal(),
		},
		Exits: syncer.ExitRules{
			TakeProfit: cfg.Risk.TakeProfitDecimal(),
			StopLoss:   cfg.Risk.StopLossDecimal(),
			MaxAge:     cfg.Risk.MaxPositionAge,
		},
		MinConfidence:          cfg.Risk.MinConfidenceScore,
		MaxConcurrentPositions: cfg.Risk.MaxConcurrentPositions,
		MaxSlippage:            cfg.Risk.MaxSlippageDecimal(),
		LockTimeout:            cfg.Executor.LockTimeout,
		CallTimeout:            cfg.Executor.CallTimeout,
		SweepConcurrency:       cfg.Executor.SweepConcurrency,
		CloseFailureAlertAfter: cfg.Executor.CloseFailureAlert,
		OrderType:              api.OrderType(strings.ToUpper(cfg.Executor.OrderType)),
	})
	if err != nil {
		return nil, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			positions.Start(p.App.ctx)
			locks.Start(p.App.ctx)
			n, err := exec.RestorePositions(ctx)
			if err != nil {
				// journal trouble must not keep the bot from trading
				p.Logger.Error("restoring open positions failed", zap.Error(err))
			} else if n > 0 {
				p.Logger.Info("open positions restored", zap.Int("count", n))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			positions.Stop()
			locks.Stop()
			return nil
		},
	})
	return exec, nil
}

func newCopyTrader(cfg *config.Config, exec *syncer.TradeExecutor, rdb *redis.Client, log *zap.Logger) *syncer.CopyTrader {
	var store *syncer.MetricsStore
	if rdb != nil {
		store = syncer.NewMetricsStore(rdb)
	}
	return syncer.NewCopyTrader(exec, store, syncer.CopyTraderConfig{
		Workers:               cfg.Executor.Workers,
		DedupTTL:              cfg.Executor.DedupTTL,
		PositionCheckInterval: cfg.Executor.PositionCheckInterval,
		MetricsFlushInterval:  cfg.Executor.MetricsFlushInterval,
	}, log)
}

func runCopyTrader(lc fx.Lifecycle, app *appContext, cfg *config.Config, ct *syncer.CopyTrader, rdb *redis.Client, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			var trades <-chan models.CandidateTrade
			if cfg.Feed.Enabled {
				f := feed.NewRedisFeed(rdb, feed.Options{
					Key:    cfg.Feed.QueueKey,
					Block:  cfg.Feed.Block,
					Logger: log,
				})
				ch, err := f.Subscribe(app.ctx)
				if err != nil {
					return fmt.Errorf("candidate feed: %w", err)
				}
				trades = ch
			} else {
				log.Warn("feed disabled, candidates arrive through POST /api/execute only")
				trades = make(chan models.CandidateTrade)
			}
			return ct.Start(app.ctx, trades)
		},
		OnStop: func(context.Context) error {
			ct.Stop()
			return nil
		},
	})
}

func httpModule() fx.Option {
	return fx.Module("http",
		fx.Invoke(runHTTP),
	)
}

func runHTTP(lc fx.Lifecycle, cfg *config.Config, ct *syncer.CopyTrader, log *zap.Logger) {
	exec := ct.Executor()
	h := handlers.NewHandler(ct, exec, exec.Breaker(), log.Named("http"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           h.Router(middleware.BasicAuthFromEnv()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info("http server listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	})
}
