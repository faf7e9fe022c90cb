package risk

import "github.com/prometheus/client_golang/prometheus"

var (
	metricBreakerActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "copybot_breaker_active",
		Help: "1 while the circuit breaker blocks new trades",
	}, []string{"wallet"})
	metricDailyLoss = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "copybot_breaker_daily_loss_usd",
		Help: "Running realized loss for the current trading day",
	}, []string{"wallet"})
	metricTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "copybot_breaker_trips_total",
		Help: "Circuit breaker trips by rule",
	}, []string{"wallet", "kind"})
	metricPersistErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "copybot_breaker_persist_errors_total",
		Help: "Failed writes of the breaker state",
	})
)

func init() {
	prometheus.MustRegister(metricBreakerActive, metricDailyLoss, metricTrips, metricPersistErrors)
}
