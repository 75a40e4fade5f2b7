package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/cwsl/vizctl/vizstate"
)

// PrometheusMetrics holds all Prometheus metric collectors for the
// controller. All methods are safe on a nil receiver so callers need not
// check whether metrics are enabled.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Mutation pipeline metrics
	mutationsStarted  *prometheus.CounterVec   // by kind
	mutationsSettled  *prometheus.CounterVec   // by kind and result
	mutationsInFlight prometheus.Gauge         // started but not settled
	mutationDuration  *prometheus.HistogramVec // start to settle, by kind

	// Remote transport metrics
	remoteRequests        *prometheus.CounterVec   // by operation and result
	remoteRequestDuration *prometheus.HistogramVec // by operation

	// Cached state
	parameterValue *prometheus.GaugeVec // by field
	filterGain     *prometheus.GaugeVec // by channel and level
	filterTao      *prometheus.GaugeVec // by channel and level

	// Profiles
	profileOperations *prometheus.CounterVec // by operation and result

	// Local surfaces
	websocketClients prometheus.Gauge

	// Pushgateway metrics
	pushgatewayPushesTotal   prometheus.Counter
	pushgatewayFailuresTotal prometheus.Counter
	pushgatewayLastPushTime  prometheus.Gauge

	startTime prometheus.Gauge
}

// NewPrometheusMetrics creates the collectors on a private registry
func NewPrometheusMetrics() *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	pm := &PrometheusMetrics{
		registry: reg,
		mutationsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vizctl_mutations_started_total",
				Help: "Mutations sent to the display process",
			},
			[]string{"kind"},
		),
		mutationsSettled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vizctl_mutations_settled_total",
				Help: "Mutations confirmed or failed",
			},
			[]string{"kind", "result"},
		),
		mutationsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vizctl_mutations_in_flight",
				Help: "Mutations awaiting a response",
			},
		),
		mutationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vizctl_mutation_duration_seconds",
				Help:    "Time from optimistic merge to settle",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"kind"},
		),
		remoteRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vizctl_remote_requests_total",
				Help: "GraphQL requests sent to the display process",
			},
			[]string{"operation", "result"},
		),
		remoteRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vizctl_remote_request_duration_seconds",
				Help:    "GraphQL request round-trip time",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"operation"},
		),
		parameterValue: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vizctl_parameter_value",
				Help: "Cached value of each display parameter",
			},
			[]string{"field"},
		),
		filterGain: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vizctl_filter_gain",
				Help: "Cached gain of each filter level",
			},
			[]string{"channel", "level"},
		),
		filterTao: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vizctl_filter_tao",
				Help: "Cached time constant of each filter level",
			},
			[]string{"channel", "level"},
		),
		profileOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vizctl_profile_operations_total",
				Help: "Profile saves, loads and deletes",
			},
			[]string{"operation", "result"},
		),
		websocketClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vizctl_websocket_clients",
				Help: "Connected websocket clients",
			},
		),
		pushgatewayPushesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vizctl_pushgateway_pushes_total",
				Help: "Total number of push attempts to Pushgateway",
			},
		),
		pushgatewayFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vizctl_pushgateway_failures_total",
				Help: "Total number of failed pushes to Pushgateway",
			},
		),
		pushgatewayLastPushTime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vizctl_pushgateway_last_push_timestamp_seconds",
				Help: "Unix timestamp of last successful push to Pushgateway",
			},
		),
		startTime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vizctl_start_time_seconds",
				Help: "Unix timestamp when the controller started",
			},
		),
	}

	pm.startTime.Set(float64(time.Now().Unix()))
	return pm
}

// Gatherer exposes the private registry
func (pm *PrometheusMetrics) Gatherer() prometheus.Gatherer {
	if pm == nil {
		return prometheus.NewRegistry()
	}
	return pm.registry
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// MutationStarted implements vizstate.MutationObserver
func (pm *PrometheusMetrics) MutationStarted(m *vizstate.PendingMutation) {
	if pm == nil {
		return
	}
	pm.mutationsStarted.WithLabelValues(string(m.Kind)).Inc()
	pm.mutationsInFlight.Inc()
}

// MutationSettled implements vizstate.MutationObserver
func (pm *PrometheusMetrics) MutationSettled(m *vizstate.PendingMutation, snap vizstate.Snapshot) {
	if pm == nil {
		return
	}
	pm.mutationsInFlight.Dec()
	pm.mutationsSettled.WithLabelValues(string(m.Kind), m.State().String()).Inc()
	pm.mutationDuration.WithLabelValues(string(m.Kind)).Observe(m.Duration().Seconds())
	pm.UpdateState(snap)
}

// UpdateState copies the cached parameters and filter bank into gauges
func (pm *PrometheusMetrics) UpdateState(snap vizstate.Snapshot) {
	if pm == nil {
		return
	}
	for field, v := range snap.Params.Values() {
		pm.parameterValue.WithLabelValues(string(field)).Set(v)
	}
	for _, ch := range vizstate.Channels {
		for i, c := range snap.Filter.Channel(ch) {
			view := vizstate.ViewOf(c)
			level := strconv.Itoa(i)
			pm.filterGain.WithLabelValues(string(ch), level).Set(view.Gain)
			pm.filterTao.WithLabelValues(string(ch), level).Set(view.Tao)
		}
	}

	if DebugMode {
		log.Printf("DEBUG: Updated Prometheus state metrics: %d parameters, %d amp levels, %d diff levels",
			len(snap.Params.Present()), len(snap.Filter.Amp), len(snap.Filter.Diff))
	}
}

// RecordRemoteRequest counts one GraphQL round trip
func (pm *PrometheusMetrics) RecordRemoteRequest(operation string, d time.Duration, err error) {
	if pm == nil {
		return
	}
	pm.remoteRequests.WithLabelValues(operation, resultLabel(err)).Inc()
	pm.remoteRequestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordProfileOperation counts one profile save, load or delete
func (pm *PrometheusMetrics) RecordProfileOperation(operation string, err error) {
	if pm == nil {
		return
	}
	pm.profileOperations.WithLabelValues(operation, resultLabel(err)).Inc()
}

// SetWebSocketClients records the number of connected websocket clients
func (pm *PrometheusMetrics) SetWebSocketClients(n int) {
	if pm == nil {
		return
	}
	pm.websocketClients.Set(float64(n))
}

// Handler serves the registry with IP-based access control
func (pm *PrometheusMetrics) Handler(config *PrometheusConfig) http.Handler {
	metrics := promhttp.HandlerFor(pm.Gatherer(), promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := r.RemoteAddr
		if host, _, err := net.SplitHostPort(clientIP); err == nil {
			clientIP = host
		}

		if !config.IsIPAllowed(clientIP) {
			w.WriteHeader(http.StatusForbidden)
			if _, err := w.Write([]byte("403 Forbidden: Access denied\n")); err != nil {
				log.Printf("Error writing forbidden response: %v", err)
			}
			log.Printf("Prometheus metrics access denied for IP: %s", clientIP)
			return
		}

		metrics.ServeHTTP(w, r)
	})
}

// StartPushgatewayWorker starts a goroutine that periodically pushes metrics to Pushgateway
func (pm *PrometheusMetrics) StartPushgatewayWorker(ctx context.Context, config *PushgatewayConfig) {
	if pm == nil || !config.Enabled {
		return
	}

	log.Printf("Starting Pushgateway worker: URL=%s, Job=%s, Interval=%ds", config.URL, config.Job, config.Interval)

	go func() {
		ticker := time.NewTicker(time.Duration(config.Interval) * time.Second)
		defer ticker.Stop()

		for {
			pm.pushgatewayPushesTotal.Inc()
			if err := push.New(config.URL, config.Job).Gatherer(pm.registry).PushContext(ctx); err != nil {
				pm.pushgatewayFailuresTotal.Inc()
				log.Printf("ERROR: Failed to push metrics to Pushgateway: %v", err)
			} else {
				pm.pushgatewayLastPushTime.Set(float64(time.Now().Unix()))
				if DebugMode {
					log.Printf("DEBUG: Successfully pushed metrics to Pushgateway")
				}
			}

			select {
			case <-ctx.Done():
				log.Println("Pushgateway worker stopped")
				return
			case <-ticker.C:
			}
		}
	}()
}
