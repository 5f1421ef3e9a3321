package ledger

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OpsTotal counts ledger operations by type.
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "baggo",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// OpFailures counts rejected ledger operations by type and reason.
	OpFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "baggo",
			Name:      "ledger_operation_failures_total",
			Help:      "Ledger operations rejected, by type and reason.",
		},
		[]string{"type", "reason"},
	)

	// OpDuration observes operation latency by type.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "baggo",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(OpsTotal, OpFailures, OpDuration)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	OpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		OpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}

func observeFailure(opType string, err error) {
	reason := "error"
	switch {
	case errors.Is(err, ErrInvalidAmount):
		reason = "invalid_amount"
	case errors.Is(err, ErrInsufficientFunds):
		reason = "insufficient_funds"
	case errors.Is(err, ErrInsufficientEscrow):
		reason = "insufficient_escrow"
	case errors.Is(err, ErrDuplicateReference):
		reason = "duplicate_reference"
	case errors.Is(err, ErrAccountNotFound):
		reason = "account_not_found"
	}
	OpFailures.WithLabelValues(opType, reason).Inc()
}
