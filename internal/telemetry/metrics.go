package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/victornm/quizhub/internal/domain"
	"github.com/victornm/quizhub/internal/event"
)

var (
	// EventsDelivered counts events fanned out to local connections.
	EventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quizhub_events_delivered_total",
		Help: "Events delivered to local connections.",
	})

	// EventsGapSkipped counts sequence gaps abandoned by the reorder buffer.
	EventsGapSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quizhub_events_gap_skipped_total",
		Help: "Sequence gaps abandoned after the reorder window.",
	})

	// ConnectionsDropped counts connections closed for a full send queue.
	ConnectionsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quizhub_connections_dropped_total",
		Help: "Connections closed because their send queue stayed full.",
	})

	// ConnectionsEvicted counts connections reaped by the heartbeat monitor.
	ConnectionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quizhub_connections_evicted_total",
		Help: "Connections evicted after missed heartbeats.",
	})

	// ScoresApplied counts individual score updates committed at question close.
	ScoresApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quizhub_scores_applied_total",
		Help: "Score updates applied when questions closed.",
	})
)

// RegisterConnectionGauge exposes the live local connection count.
func RegisterConnectionGauge(count func() int) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "quizhub_connections",
		Help: "Currently registered local connections.",
	}, func() float64 {
		return float64(count())
	})
}

// ObserveBus counts score updates flowing through the in-process event bus.
func ObserveBus(eb *event.Bus) {
	eb.Subscribe(domain.EventNameScoreUpdated, func(ctx context.Context, e event.Event) error {
		ScoresApplied.Inc()
		return nil
	})
}
