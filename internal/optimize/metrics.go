package optimize

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cloid",
			Subsystem: "request_cache",
			Name:      "lookups_total",
			Help:      "Request cache lookups by result (hit|miss)",
		},
		[]string{"result"},
	)

	cacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cloid",
			Subsystem: "request_cache",
			Name:      "evictions_total",
			Help:      "Entries evicted from the request cache",
		},
	)

	warmupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cloid",
			Subsystem: "warmup",
			Name:      "runs_total",
			Help:      "Warmup outcomes (ok|failed|skipped)",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(cacheLookupsTotal, cacheEvictionsTotal, warmupsTotal)
}
