// Package syncer runs the copy-trade pipeline: it executes candidate trades,
// tracks the resulting positions and closes them when an exit rule fires.
package syncer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

const metricsKey = "copybot:copytrader:metrics"

var (
	executionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "copybot_executions_total",
		Help: "Execute and close attempts by kind and status.",
	}, []string{"kind", "status"})

	executionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "copybot_execution_latency_seconds",
		Help:    "Latency of execute and close attempts.",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"kind"})

	openPositionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "copybot_open_positions",
		Help: "Positions currently tracked in the open-position cache.",
	})

	sweepPositions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "copybot_sweep_positions_total",
		Help: "Positions visited by exit sweeps, by outcome.",
	}, []string{"outcome"})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "copybot_sweep_duration_seconds",
		Help:    "Duration of one exit sweep.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(executionsTotal, executionLatency, openPositionsGauge, sweepPositions, sweepDuration)
}

// CopyTraderMetrics tracks copy performance
type CopyTraderMetrics struct {
	TradesCopied    int64         `json:"trades_copied"`
	TradesSkipped   int64         `json:"trades_skipped"` // skipped, rejected, blocked, invalid
	TradesFailed    int64         `json:"trades_failed"`  // failed and error
	Duplicates      int64         `json:"duplicates"`
	PositionsClosed int64         `json:"positions_closed"`
	AvgCopyLatency  time.Duration `json:"avg_copy_latency"` // detection to placed order
	FastestCopy     time.Duration `json:"fastest_copy"`
	SlowestCopy     time.Duration `json:"slowest_copy"`
	LastCopyTime    time.Time     `json:"last_copy_time"`
}

// observeCopy folds one successful copy latency into the running stats
func (m *CopyTraderMetrics) observeCopy(latency time.Duration, at time.Time) {
	m.TradesCopied++
	m.LastCopyTime = at
	if m.FastestCopy == 0 || latency < m.FastestCopy {
		m.FastestCopy = latency
	}
	if latency > m.SlowestCopy {
		m.SlowestCopy = latency
	}
	if m.AvgCopyLatency == 0 {
		m.AvgCopyLatency = latency
	} else {
		// running mean
		m.AvgCopyLatency += (latency - m.AvgCopyLatency) / time.Duration(m.TradesCopied)
	}
}

// SystemMetrics is what gets stored in Redis
type SystemMetrics struct {
	CopyTrader CopyTraderMetrics `json:"copy_trader"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// MetricsStore keeps the latest CopyTraderMetrics in Redis so other processes can read them
type MetricsStore struct {
	redis redis.Cmdable
	ttl   time.Duration
}

// NewMetricsStore creates a new metrics store
func NewMetricsStore(client redis.Cmdable) *MetricsStore {
	return &MetricsStore{redis: client, ttl: 24 * time.Hour}
}

// SaveCopyTraderMetrics saves copy trader metrics to Redis
func (m *MetricsStore) SaveCopyTraderMetrics(ctx context.Context, metrics CopyTraderMetrics) error {
	data, err := json.Marshal(SystemMetrics{CopyTrader: metrics, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return m.redis.Set(ctx, metricsKey, data, m.ttl).Err()
}

// GetMetrics retrieves the stored metrics; missing metrics are not an error
func (m *MetricsStore) GetMetrics(ctx context.Context) (*SystemMetrics, error) {
	data, err := m.redis.Get(ctx, metricsKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			return &SystemMetrics{}, nil
		}
		return nil, err
	}

	var metrics SystemMetrics
	if err := json.Unmarshal(data, &metrics); err != nil {
		return nil, err
	}
	return &metrics, nil
}

// LatencyStats summarises copy latency
type LatencyStats struct {
	CopyAvg  time.Duration `json:"copy_avg_ms"`
	CopyFast time.Duration `json:"copy_fastest_ms"`
	CopySlow time.Duration `json:"copy_slowest_ms"`
}

// GetLatencyStats computes latency statistics from stored metrics
func (m *MetricsStore) GetLatencyStats(ctx context.Context) (*LatencyStats, error) {
	metrics, err := m.GetMetrics(ctx)
	if err != nil {
		return nil, err
	}
	return &LatencyStats{
		CopyAvg:  metrics.CopyTrader.AvgCopyLatency,
		CopyFast: metrics.CopyTrader.FastestCopy,
		CopySlow: metrics.CopyTrader.SlowestCopy,
	}, nil
}
