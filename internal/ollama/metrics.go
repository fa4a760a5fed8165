package ollama

import "github.com/prometheus/client_golang/prometheus"

var (
	attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cloid",
			Subsystem: "inference",
			Name:      "attempts_total",
			Help:      "Generate attempts by outcome (ok|error)",
		},
		[]string{"outcome"},
	)

	exhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cloid",
			Subsystem: "inference",
			Name:      "exhausted_total",
			Help:      "Calls that failed after every retry",
		},
	)

	malformedFragmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cloid",
			Subsystem: "inference",
			Name:      "malformed_fragments_total",
			Help:      "Stream lines skipped because they were not valid JSON",
		},
	)

	queryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "cloid",
			Subsystem: "inference",
			Name:      "query_duration_seconds",
			Help:      "Wall time of Query including retries",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)
)

func init() {
	prometheus.MustRegister(attemptsTotal, exhaustedTotal, malformedFragmentsTotal, queryDuration)
}
