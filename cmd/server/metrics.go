package main

import (
	"context"
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/yourorg/autocompound-apr-ea/internal/circuitbreaker"
	"github.com/yourorg/autocompound-apr-ea/internal/fetch"
	"github.com/yourorg/autocompound-apr-ea/internal/model"
)

// serverMetrics holds Prometheus metrics for the server
type serverMetrics struct {
	registry *prometheus.Registry

	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	fetchErrors     *prometheus.CounterVec
	poolAPR         *prometheus.GaugeVec
	eventCount      prometheus.Gauge
}

// registerMetrics sets up Prometheus metrics collection on a dedicated registry
func registerMetrics(breaker *circuitbreaker.CircuitBreaker) *serverMetrics {
	m := &serverMetrics{
		registry: prometheus.NewRegistry(),
		requestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autocompound_apr_requests_total",
				Help: "Total number of requests processed",
			},
			[]string{"status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autocompound_apr_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		fetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autocompound_apr_fetch_errors_total",
				Help: "Total number of event fetch errors",
			},
			[]string{"event_type"},
		),
		poolAPR: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "autocompound_apr_pool_apr",
				Help: "Last computed APR per pool, in percent",
			},
			[]string{"pool"},
		),
		eventCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "autocompound_apr_events_processed",
				Help: "Number of compounding events processed by the last request",
			},
		),
	}

	m.registry.MustRegister(
		m.requestCounter,
		m.requestDuration,
		m.fetchErrors,
		m.poolAPR,
		m.eventCount,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if breaker != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "autocompound_apr_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			func() float64 { return float64(breaker.GetState()) },
		))
	}

	return m
}

func (m *serverMetrics) observeResult(result model.AprResult, events int) {
	for pool, apr := range result {
		m.poolAPR.WithLabelValues(string(pool)).Set(apr)
	}
	m.eventCount.Set(float64(events))
}

// instrumentedSource counts fetch errors per event type. Calls rejected by an open circuit
// breaker never reached the node and are not counted.
type instrumentedSource struct {
	source fetch.EventSource
	errors *prometheus.CounterVec
}

func (s *instrumentedSource) FetchEvents(ctx context.Context, eventTypes []string, startTime, endTime int64) (model.EventBatch, error) {
	events, err := s.source.FetchEvents(ctx, eventTypes, startTime, endTime)
	if err != nil && ctx.Err() == nil && !errors.Is(err, circuitbreaker.ErrOpen) {
		s.errors.WithLabelValues(strings.Join(eventTypes, ",")).Inc()
	}
	return events, err
}
