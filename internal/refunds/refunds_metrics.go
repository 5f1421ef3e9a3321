package refunds

import "github.com/prometheus/client_golang/prometheus"

var refundsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "baggo",
	Subsystem: "refund",
	Name:      "transitions_total",
	Help:      "Total refunds entering each status.",
}, []string{"status"})

func init() {
	prometheus.MustRegister(refundsTotal)
}
