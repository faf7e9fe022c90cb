package cache

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "copybot",
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Number of entries held by a bounded cache",
	}, []string{"cache"})
	cacheMemory = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "copybot",
		Subsystem: "cache",
		Name:      "memory_bytes",
		Help:      "Approximate memory held by a bounded cache",
	}, []string{"cache"})
	cacheEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "copybot",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Entries removed from a bounded cache, by reason",
	}, []string{"cache", "reason"})
)

func init() {
	prometheus.MustRegister(cacheSize, cacheMemory, cacheEvictions)
}
