package payments

import "github.com/prometheus/client_golang/prometheus"

var (
	verifyDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "baggo",
		Subsystem: "payment",
		Name:      "verify_duration_seconds",
		Help:      "Time spent asking a provider for a payment outcome.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
	}, []string{"provider"})

	providerCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "baggo",
		Subsystem: "payment",
		Name:      "provider_calls_total",
		Help:      "Total calls to payment providers by operation and result.",
	}, []string{"provider", "op", "result"})

	webhooksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "baggo",
		Subsystem: "payment",
		Name:      "webhooks_total",
		Help:      "Total provider webhooks received by result.",
	}, []string{"provider", "result"})
)

func init() {
	prometheus.MustRegister(verifyDuration, providerCalls, webhooksTotal)
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
