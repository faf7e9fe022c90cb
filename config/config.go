// Package config loads the bot configuration from defaults, an optional YAML
// file and COPYBOT_ environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

const (
	// EnvPrefix prefixes every override, e.g. COPYBOT_RISK_MAX_DAILY_LOSS
	EnvPrefix = "COPYBOT"
	// ConfigPathEnv names the YAML file to load when no path is given
	ConfigPathEnv = "COPYBOT_CONFIG"

	privateKeyEnv    = "POLYMARKET_PRIVATE_KEY"
	telegramTokenEnv = "TELEGRAM_BOT_TOKEN"
	redisPasswordEnv = "REDIS_PASSWORD"
)

// ServerConfig controls the operational HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RiskConfig holds the trading limits. Money and fractions are plain numbers
// here and turned into decimals by the accessors.
type RiskConfig struct {
	MaxDailyLoss           float64       `mapstructure:"max_daily_loss"`
	MaxPositionSize        float64       `mapstructure:"max_position_size"`
	MinTradeAmount         float64       `mapstructure:"min_trade_amount"`
	MaxConcurrentPositions int           `mapstructure:"max_concurrent_positions"`
	StopLossPercentage     float64       `mapstructure:"stop_loss_percentage"`
	TakeProfitPercentage   float64       `mapstructure:"take_profit_percentage"`
	MinConfidenceScore     float64       `mapstructure:"min_confidence_score"`
	MaxSlippage            float64       `mapstructure:"max_slippage"` // 0 uses the price tiers
	RiskFraction           float64       `mapstructure:"risk_fraction"`
	MaxAccountRiskFraction float64       `mapstructure:"max_account_risk_fraction"`
	PriceRiskEpsilon       float64       `mapstructure:"price_risk_epsilon"`
	FallbackFraction       float64       `mapstructure:"fallback_fraction"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	BreakerCooldown        time.Duration `mapstructure:"breaker_cooldown"`
	BreakerCheckInterval   time.Duration `mapstructure:"breaker_check_interval"`
	MaxPositionAge         time.Duration `mapstructure:"max_position_age"`
	Timezone               string        `mapstructure:"timezone"`
}

// CacheConfig bounds the in-memory caches.
type CacheConfig struct {
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	LockMaxSize       int           `mapstructure:"lock_max_size"`
	PositionTTL       time.Duration `mapstructure:"position_ttl"`
	PositionMaxSize   int           `mapstructure:"position_max_size"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
	MemoryThresholdMB float64       `mapstructure:"memory_threshold_mb"`
}

// ExchangeConfig points at the CLOB.
type ExchangeConfig struct {
	ClobURL        string        `mapstructure:"clob_url"`
	WSURL          string        `mapstructure:"ws_url"`
	ChainID        int64         `mapstructure:"chain_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Retries        int           `mapstructure:"retries"`
	FunderAddress  string        `mapstructure:"funder_address"`
	SignatureType  int           `mapstructure:"signature_type"`
	PolygonRPCURL  string        `mapstructure:"polygon_rpc_url"` // enables sender verification
	StreamPrices   bool          `mapstructure:"stream_prices"`
}

// ExecutorConfig tunes the copy pipeline.
type ExecutorConfig struct {
	Workers               int           `mapstructure:"workers"`
	PositionCheckInterval time.Duration `mapstructure:"position_check_interval"`
	SweepConcurrency      int           `mapstructure:"sweep_concurrency"`
	LockTimeout           time.Duration `mapstructure:"lock_timeout"`
	CallTimeout           time.Duration `mapstructure:"call_timeout"`
	DedupTTL              time.Duration `mapstructure:"dedup_ttl"`
	OrderType             string        `mapstructure:"order_type"`
	MetricsFlushInterval  time.Duration `mapstructure:"metrics_flush_interval"`
	CloseFailureAlert     int           `mapstructure:"close_failure_alert"`
}

// StateConfig selects where the circuit breaker persists.
type StateConfig struct {
	Backend string `mapstructure:"backend"` // file | redis | memory
	Path    string `mapstructure:"path"`
	Wallet  string `mapstructure:"wallet"` // breaker key; defaults to the signer address
}

// RedisConfig for breaker state and shared metrics.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"-"`
}

// FeedConfig selects the Redis list the scanner pushes candidates to.
type FeedConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	QueueKey string        `mapstructure:"queue_key"`
	Block    time.Duration `mapstructure:"block"`
}

// PostgresConfig for the execution journal. An empty DSN disables it.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// AlertsConfig selects the notification channels.
type AlertsConfig struct {
	TelegramChatID    int64         `mapstructure:"telegram_chat_id"`
	DiscordWebhookURL string        `mapstructure:"discord_webhook_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// TracingConfig for the jaeger agent.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
}

// LogConfig for zap.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

// Secrets are only ever read from the environment.
type Secrets struct {
	PrivateKey    string
	TelegramToken string
}

// String keeps secrets out of logs and panics
func (s Secrets) String() string {
	return fmt.Sprintf("Secrets{PrivateKey:%s TelegramToken:%s}", redacted(s.PrivateKey), redacted(s.TelegramToken))
}

// GoString covers %#v
func (s Secrets) GoString() string { return s.String() }

func redacted(s string) string {
	if s == "" {
		return "unset"
	}
	return "set"
}

// Config aggregates all app configuration knobs.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Executor ExecutorConfig `mapstructure:"executor"`
	State    StateConfig    `mapstructure:"state"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Log      LogConfig      `mapstructure:"log"`

	Secrets Secrets `mapstructure:"-"`
}

// Default returns baseline configuration values.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Risk: RiskConfig{
			MaxDailyLoss:           100,
			MaxPositionSize:        100,
			MinTradeAmount:         1,
			MaxConcurrentPositions: 10,
			StopLossPercentage:     0.10,
			TakeProfitPercentage:   0.15,
			MinConfidenceScore:     0.7,
			RiskFraction:           0.01,
			MaxAccountRiskFraction: 0.05,
			PriceRiskEpsilon:       0.01,
			FallbackFraction:       0.1,
			MaxConsecutiveFailures: 5,
			BreakerCooldown:        time.Hour,
			BreakerCheckInterval:   time.Minute,
			MaxPositionAge:         24 * time.Hour,
			Timezone:               "UTC",
		},
		Cache: CacheConfig{
			LockTTL:         30 * time.Minute,
			LockMaxSize:     10000,
			PositionTTL:     48 * time.Hour,
			PositionMaxSize: 1000,
			CleanupInterval: time.Minute,
		},
		Exchange: ExchangeConfig{
			ClobURL:        "https://clob.polymarket.com",
			WSURL:          "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			ChainID:        137,
			RequestTimeout: 10 * time.Second,
			Retries:        3,
			StreamPrices:   true,
		},
		Executor: ExecutorConfig{
			Workers:               8,
			PositionCheckInterval: 30 * time.Second,
			SweepConcurrency:      8,
			LockTimeout:           30 * time.Second,
			CallTimeout:           10 * time.Second,
			DedupTTL:              10 * time.Minute,
			OrderType:             "GTC",
			MetricsFlushInterval:  30 * time.Second,
			CloseFailureAlert:     3,
		},
		State: StateConfig{
			Backend: "file",
			Path:    "data/breaker_state.json",
		},
		Feed: FeedConfig{
			QueueKey: "copybot:candidates",
			Block:    5 * time.Second,
		},
		Postgres: PostgresConfig{
			MaxConns: 10,
		},
		Alerts: AlertsConfig{
			Timeout: 10 * time.Second,
		},
		Tracing: TracingConfig{
			ServiceName: "copybot",
			Host:        "localhost",
			Port:        6831,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from path (or $COPYBOT_CONFIG), falling back to
// defaults when the file does not exist. Environment variables win over the file.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}

	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: unable to stat %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unable to decode: %w", err)
	}

	cfg.Secrets = Secrets{
		PrivateKey:    os.Getenv(privateKeyEnv),
		TelegramToken: os.Getenv(telegramTokenEnv),
	}
	cfg.Redis.Password = os.Getenv(redisPasswordEnv)
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" && cfg.Alerts.TelegramChatID == 0 {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Alerts.TelegramChatID = id
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("risk.max_daily_loss", d.Risk.MaxDailyLoss)
	v.SetDefault("risk.max_position_size", d.Risk.MaxPositionSize)
	v.SetDefault("risk.min_trade_amount", d.Risk.MinTradeAmount)
	v.SetDefault("risk.max_concurrent_positions", d.Risk.MaxConcurrentPositions)
	v.SetDefault("risk.stop_loss_percentage", d.Risk.StopLossPercentage)
	v.SetDefault("risk.take_profit_percentage", d.Risk.TakeProfitPercentage)
	v.SetDefault("risk.min_confidence_score", d.Risk.MinConfidenceScore)
	v.SetDefault("risk.max_slippage", d.Risk.MaxSlippage)
	v.SetDefault("risk.risk_fraction", d.Risk.RiskFraction)
	v.SetDefault("risk.max_account_risk_fraction", d.Risk.MaxAccountRiskFraction)
	v.SetDefault("risk.price_risk_epsilon", d.Risk.PriceRiskEpsilon)
	v.SetDefault("risk.fallback_fraction", d.Risk.FallbackFraction)
	v.SetDefault("risk.max_consecutive_failures", d.Risk.MaxConsecutiveFailures)
	v.SetDefault("risk.breaker_cooldown", d.Risk.BreakerCooldown)
	v.SetDefault("risk.breaker_check_interval", d.Risk.BreakerCheckInterval)
	v.SetDefault("risk.max_position_age", d.Risk.MaxPositionAge)
	v.SetDefault("risk.timezone", d.Risk.Timezone)

	v.SetDefault("cache.lock_ttl", d.Cache.LockTTL)
	v.SetDefault("cache.lock_max_size", d.Cache.LockMaxSize)
	v.SetDefault("cache.position_ttl", d.Cache.PositionTTL)
	v.SetDefault("cache.position_max_size", d.Cache.PositionMaxSize)
	v.SetDefault("cache.cleanup_interval", d.Cache.CleanupInterval)
	v.SetDefault("cache.memory_threshold_mb", d.Cache.MemoryThresholdMB)

	v.SetDefault("exchange.clob_url", d.Exchange.ClobURL)
	v.SetDefault("exchange.ws_url", d.Exchange.WSURL)
	v.SetDefault("exchange.chain_id", d.Exchange.ChainID)
	v.SetDefault("exchange.request_timeout", d.Exchange.RequestTimeout)
	v.SetDefault("exchange.retries", d.Exchange.Retries)
	v.SetDefault("exchange.funder_address", d.Exchange.FunderAddress)
	v.SetDefault("exchange.signature_type", d.Exchange.SignatureType)
	v.SetDefault("exchange.polygon_rpc_url", d.Exchange.PolygonRPCURL)
	v.SetDefault("exchange.stream_prices", d.Exchange.StreamPrices)

	v.SetDefault("executor.workers", d.Executor.Workers)
	v.SetDefault("executor.position_check_interval", d.Executor.PositionCheckInterval)
	v.SetDefault("executor.sweep_concurrency", d.Executor.SweepConcurrency)
	v.SetDefault("executor.lock_timeout", d.Executor.LockTimeout)
	v.SetDefault("executor.call_timeout", d.Executor.CallTimeout)
	v.SetDefault("executor.dedup_ttl", d.Executor.DedupTTL)
	v.SetDefault("executor.order_type", d.Executor.OrderType)
	v.SetDefault("executor.metrics_flush_interval", d.Executor.MetricsFlushInterval)
	v.SetDefault("executor.close_failure_alert", d.Executor.CloseFailureAlert)

	v.SetDefault("state.backend", d.State.Backend)
	v.SetDefault("state.path", d.State.Path)
	v.SetDefault("state.wallet", d.State.Wallet)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.db", d.Redis.DB)

	v.SetDefault("feed.enabled", d.Feed.Enabled)
	v.SetDefault("feed.queue_key", d.Feed.QueueKey)
	v.SetDefault("feed.block", d.Feed.Block)

	v.SetDefault("postgres.dsn", d.Postgres.DSN)
	v.SetDefault("postgres.max_conns", d.Postgres.MaxConns)

	v.SetDefault("alerts.telegram_chat_id", d.Alerts.TelegramChatID)
	v.SetDefault("alerts.discord_webhook_url", d.Alerts.DiscordWebhookURL)
	v.SetDefault("alerts.timeout", d.Alerts.Timeout)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.host", d.Tracing.Host)
	v.SetDefault("tracing.port", d.Tracing.Port)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Validate rejects inconsistent limits. Every problem is reported, not just the first.
func (c *Config) Validate() error {
	var err error
	r := c.Risk

	positive := func(name string, v float64) {
		if !(v > 0) {
			err = multierr.Append(err, fmt.Errorf("risk.%s must be positive, got %v", name, v))
		}
	}
	fraction := func(name string, v float64) {
		if !(v > 0 && v <= 1) {
			err = multierr.Append(err, fmt.Errorf("risk.%s must be in (0,1], got %v", name, v))
		}
	}

	positive("max_daily_loss", r.MaxDailyLoss)
	positive("max_position_size", r.MaxPositionSize)
	positive("min_trade_amount", r.MinTradeAmount)
	positive("price_risk_epsilon", r.PriceRiskEpsilon)
	fraction("stop_loss_percentage", r.StopLossPercentage)
	fraction("take_profit_percentage", r.TakeProfitPercentage)
	fraction("risk_fraction", r.RiskFraction)
	fraction("max_account_risk_fraction", r.MaxAccountRiskFraction)
	fraction("fallback_fraction", r.FallbackFraction)

	if r.MinTradeAmount > r.MaxPositionSize {
		err = multierr.Append(err, fmt.Errorf("risk.min_trade_amount (%v) exceeds risk.max_position_size (%v)", r.MinTradeAmount, r.MaxPositionSize))
	}
	if r.MinConfidenceScore < 0 || r.MinConfidenceScore > 1 {
		err = multierr.Append(err, fmt.Errorf("risk.min_confidence_score must be in [0,1], got %v", r.MinConfidenceScore))
	}
	if r.MaxSlippage < 0 {
		err = multierr.Append(err, fmt.Errorf("risk.max_slippage must not be negative, got %v", r.MaxSlippage))
	}
	if r.MaxConcurrentPositions <= 0 {
		err = multierr.Append(err, errors.New("risk.max_concurrent_positions must be positive"))
	}
	if r.MaxConsecutiveFailures <= 0 {
		err = multierr.Append(err, errors.New("risk.max_consecutive_failures must be positive"))
	}
	if r.MaxPositionAge <= 0 {
		err = multierr.Append(err, errors.New("risk.max_position_age must be positive"))
	}
	if _, lerr := time.LoadLocation(r.Timezone); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("risk.timezone %q: %w", r.Timezone, lerr))
	}

	if c.Cache.PositionTTL < r.MaxPositionAge {
		err = multierr.Append(err, fmt.Errorf("cache.position_ttl (%s) must not be shorter than risk.max_position_age (%s)", c.Cache.PositionTTL, r.MaxPositionAge))
	}
	if c.Cache.LockMaxSize <= 0 || c.Cache.PositionMaxSize <= 0 {
		err = multierr.Append(err, errors.New("cache sizes must be positive"))
	}
	// a full position cache evicts live positions, so the open limit has to fit in it
	if r.MaxConcurrentPositions > c.Cache.PositionMaxSize {
		err = multierr.Append(err, fmt.Errorf("risk.max_concurrent_positions (%d) exceeds cache.position_max_size (%d)", r.MaxConcurrentPositions, c.Cache.PositionMaxSize))
	}
	if need := c.Executor.Workers + c.Executor.SweepConcurrency; c.Cache.LockMaxSize < need {
		err = multierr.Append(err, fmt.Errorf("cache.lock_max_size (%d) must cover executor.workers + executor.sweep_concurrency (%d)", c.Cache.LockMaxSize, need))
	}

	switch c.State.Backend {
	case "file":
		if c.State.Path == "" {
			err = multierr.Append(err, errors.New("state.path is required for the file backend"))
		}
	case "redis":
		if c.Redis.Addr == "" {
			err = multierr.Append(err, errors.New("redis.addr is required for the redis backend"))
		}
	case "memory":
	default:
		err = multierr.Append(err, fmt.Errorf("state.backend must be file, redis or memory, got %q", c.State.Backend))
	}

	if c.Feed.Enabled && c.Redis.Addr == "" {
		err = multierr.Append(err, errors.New("redis.addr is required when feed.enabled"))
	}

	switch strings.ToUpper(c.Executor.OrderType) {
	case "GTC", "FOK", "GTD":
	default:
		err = multierr.Append(err, fmt.Errorf("executor.order_type must be GTC, FOK or GTD, got %q", c.Executor.OrderType))
	}
	if c.Executor.Workers <= 0 {
		err = multierr.Append(err, errors.New("executor.workers must be positive"))
	}
	if c.Executor.SweepConcurrency <= 0 {
		err = multierr.Append(err, errors.New("executor.sweep_concurrency must be positive"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	if err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// MaxDailyLossDecimal as a decimal
func (r RiskConfig) MaxDailyLossDecimal() decimal.Decimal { return d(r.MaxDailyLoss) }

// MaxPositionSizeDecimal as a decimal
func (r RiskConfig) MaxPositionSizeDecimal() decimal.Decimal { return d(r.MaxPositionSize) }

// MinTradeAmountDecimal as a decimal
func (r RiskConfig) MinTradeAmountDecimal() decimal.Decimal { return d(r.MinTradeAmount) }

// TakeProfitDecimal as a decimal fraction
func (r RiskConfig) TakeProfitDecimal() decimal.Decimal { return d(r.TakeProfitPercentage) }

// StopLossDecimal as a decimal fraction
func (r RiskConfig) StopLossDecimal() decimal.Decimal { return d(r.StopLossPercentage) }

// MaxSlippageDecimal as a decimal fraction
func (r RiskConfig) MaxSlippageDecimal() decimal.Decimal { return d(r.MaxSlippage) }

// RiskFractionDecimal as a decimal fraction
func (r RiskConfig) RiskFractionDecimal() decimal.Decimal { return d(r.RiskFraction) }

// MaxAccountRiskFractionDecimal as a decimal fraction
func (r RiskConfig) MaxAccountRiskFractionDecimal() decimal.Decimal {
	return d(r.MaxAccountRiskFraction)
}

// PriceRiskEpsilonDecimal as a decimal
func (r RiskConfig) PriceRiskEpsilonDecimal() decimal.Decimal { return d(r.PriceRiskEpsilon) }

// FallbackFractionDecimal as a decimal fraction
func (r RiskConfig) FallbackFractionDecimal() decimal.Decimal { return d(r.FallbackFraction) }
