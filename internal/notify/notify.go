// Package notify fans request lifecycle events out to email and realtime
// subscribers.
//
// Delivery is best effort. Notify never blocks the caller on a sink and
// never reports a sink failure; failures are logged and counted.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/baggo/baggo/internal/idgen"
)

// EventType names a lifecycle event.
type EventType string

const (
	RequestCreated       EventType = "request.created"
	RequestAccepted      EventType = "request.accepted"
	RequestStatusChanged EventType = "request.status_changed"
	RequestCompleted     EventType = "request.completed"
	RequestCancelled     EventType = "request.cancelled"
	PaymentConfirmed     EventType = "payment.confirmed"
	PaymentFailed        EventType = "payment.failed"
	DisputeRaised        EventType = "dispute.raised"
	DisputeResolved      EventType = "dispute.resolved"
	RefundUpdated        EventType = "refund.updated"
)

// Event is one notification about a request.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	RequestID  string         `json:"requestId"`
	Recipients []string       `json:"-"`
	Status     string         `json:"status,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Notifier accepts events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Sink delivers events to one channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

var (
	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "baggo",
		Subsystem: "notify",
		Name:      "events_total",
		Help:      "Total notification events dispatched by type.",
	}, []string{"type"})

	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "baggo",
		Subsystem: "notify",
		Name:      "errors_total",
		Help:      "Total notification delivery failures by sink.",
	}, []string{"sink"})
)

func init() {
	prometheus.MustRegister(eventsTotal, errorsTotal)
}

// DefaultTimeout bounds one event's delivery across all sinks.
const DefaultTimeout = 30 * time.Second

// Dispatcher delivers each event to every sink concurrently in the
// background.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher over sinks.
func NewDispatcher(logger *slog.Logger, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{sinks: sinks, timeout: timeout, logger: logger}
}

// Notify schedules delivery and returns immediately. It always returns nil.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = idgen.New(idgen.Event)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	eventsTotal.WithLabelValues(string(ev.Type)).Inc()

	// The caller's request may finish before delivery does.
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(ctx, ev)
	}()
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var g errgroup.Group
	for _, s := range d.sinks {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					errorsTotal.WithLabelValues(s.Name()).Inc()
					d.logger.Error("notification sink panicked", "sink", s.Name(), "event", ev.Type, "panic", r)
				}
			}()
			if err := s.Send(ctx, ev); err != nil {
				errorsTotal.WithLabelValues(s.Name()).Inc()
				d.logger.Warn("notification failed", "sink", s.Name(), "event", ev.Type,
					"request_id", ev.RequestID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Wait blocks until every scheduled delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
