package escrow

import "github.com/prometheus/client_golang/prometheus"

// OpsTotal counts escrow engine calls by operation and result.
var OpsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "baggo",
		Name:      "escrow_operations_total",
		Help:      "Escrow operations by op (hold, release, remove) and result.",
	},
	[]string{"op", "result"},
)

func init() {
	prometheus.MustRegister(OpsTotal)
}

func observe(op, result string) {
	OpsTotal.WithLabelValues(op, result).Inc()
}
