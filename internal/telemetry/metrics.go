package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Metrics struct {
	eventsTotal       *prometheus.CounterVec
	eventDuration     *prometheus.HistogramVec
	broadcastsTotal   prometheus.Counter
	droppedTotal      prometheus.Counter
	reconciledTotal   prometheus.Counter
	activeConnections prometheus.Gauge
	activeRooms       prometheus.Gauge
	occupiedSeats     prometheus.Gauge
	logger            *zap.Logger
}

func NewMetrics(logger *zap.Logger) *Metrics {
	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sonara_rooms_events_total",
				Help: "Total inbound events by type and outcome",
			},
			[]string{"type", "status"},
		),
		eventDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sonara_rooms_event_duration_seconds",
				Help:    "Event dispatch duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
			},
			[]string{"type"},
		),
		broadcastsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sonara_rooms_broadcasts_total",
				Help: "Total room broadcasts emitted",
			},
		),
		droppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sonara_rooms_history_dropped_total",
				Help: "Total events dropped by the history sink on overflow",
			},
		),
		reconciledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sonara_rooms_reconciled_connections_total",
				Help: "Total connections cleaned up by the presence reconciler",
			},
		),
		activeConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sonara_rooms_active_connections",
				Help: "Current registered connections",
			},
		),
		activeRooms: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sonara_rooms_active_rooms",
				Help: "Current live rooms",
			},
		),
		occupiedSeats: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sonara_rooms_occupied_seats",
				Help: "Seats currently held across all rooms",
			},
		),
		logger: logger,
	}

	prometheus.MustRegister(
		m.eventsTotal,
		m.eventDuration,
		m.broadcastsTotal,
		m.droppedTotal,
		m.reconciledTotal,
		m.activeConnections,
		m.activeRooms,
		m.occupiedSeats,
	)

	return m
}

func (m *Metrics) RecordEvent(eventType, status string, duration time.Duration) {
	m.eventsTotal.WithLabelValues(eventType, status).Inc()
	m.eventDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordBroadcast() {
	m.broadcastsTotal.Inc()
}

func (m *Metrics) RecordHistoryDrop() {
	m.droppedTotal.Inc()
}

func (m *Metrics) RecordReconciled() {
	m.reconciledTotal.Inc()
}

func (m *Metrics) SetActiveConnections(count int) {
	m.activeConnections.Set(float64(count))
}

func (m *Metrics) SetActiveRooms(count int) {
	m.activeRooms.Set(float64(count))
}

func (m *Metrics) SetOccupiedSeats(count int) {
	m.occupiedSeats.Set(float64(count))
}

func (m *Metrics) Start(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	m.logger.Info("metrics server starting", zap.Int("port", port))

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
