package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"escrowd/core/events"
	"escrowd/native/escrow"
)

// EventMetrics counts structured engine events and tracks the open dispute
// gauge. It implements the engine's emitter contract, so it slots directly
// into the event fanout.
type EventMetrics struct {
	events       *prometheus.CounterVec
	openDisputes prometheus.Gauge
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *EventMetrics
)

// Events returns the metrics registry tracking structured engine events.
func Events() *EventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &EventMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "engine",
				Name:      "events_total",
				Help:      "Count of engine events segmented by event type.",
			}, []string{"type"}),
			openDisputes: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrowd",
				Subsystem: "engine",
				Name:      "open_disputes",
				Help:      "Number of disputes raised and not yet resolved.",
			}),
		}
		prometheus.MustRegister(eventRegistry.events, eventRegistry.openDisputes)
	})
	return eventRegistry
}

// Emit implements the emitter contract.
func (m *EventMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	eventType := strings.TrimSpace(evt.EventType())
	if eventType == "" {
		eventType = "unknown"
	}
	m.events.WithLabelValues(eventType).Inc()

	switch eventType {
	case escrow.EventTypeDisputeRaised:
		m.openDisputes.Inc()
	case escrow.EventTypeTransactionResolved:
		carrier, ok := evt.(events.Carrier)
		if !ok {
			return
		}
		payload := carrier.Event()
		if payload == nil {
			return
		}
		if _, disputed := payload.Attributes["disputeId"]; disputed {
			m.openDisputes.Dec()
		}
	}
}
