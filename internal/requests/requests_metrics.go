package requests

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "baggo",
		Subsystem: "request",
		Name:      "transitions_total",
		Help:      "Total request status transitions.",
	}, []string{"from", "to"})

	paymentConfirmations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "baggo",
		Subsystem: "payment",
		Name:      "confirmations_total",
		Help:      "Total payment outcomes applied to requests.",
	}, []string{"provider", "outcome"})
)

func init() {
	prometheus.MustRegister(transitionsTotal, paymentConfirmations)
}

func observeTransition(from, to Status) {
	transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func observePayment(method PaymentMethod, outcome PaymentStatus) {
	paymentConfirmations.WithLabelValues(string(method), string(outcome)).Inc()
}
