// Package metrics exposes Prometheus collectors for one terminal session.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "mt5"
	subsystem = "session"
)

// Collector holds the session metrics on its own registry
type Collector struct {
	registry *prometheus.Registry

	state            prometheus.Gauge
	degraded         prometheus.Gauge
	pending          prometheus.Gauge
	subscriptions    prometheus.Gauge
	framesReceived   prometheus.Counter
	framesDispatched *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec
	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	reconnects       prometheus.Counter
	connectionLosses prometheus.Counter
}

// New creates a collector; session is attached as a constant label
func New(session string) *Collector {
	labels := prometheus.Labels{"session": session}
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}
	}

	c := &Collector{
		registry:       prometheus.NewRegistry(),
		state:          prometheus.NewGauge(prometheus.GaugeOpts(opts("state", "Connection state (0 disconnected, 1 connected, 2 connecting, 3 redirected)"))),
		degraded:       prometheus.NewGauge(prometheus.GaugeOpts(opts("degraded", "1 while the connection is lost and being restored"))),
		pending:        prometheus.NewGauge(prometheus.GaugeOpts(opts("pending_requests", "Requests waiting for a reply"))),
		subscriptions:  prometheus.NewGauge(prometheus.GaugeOpts(opts("subscriptions", "Live subscriptions"))),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts(opts("frames_received_total", "Frames read from the terminal"))),
		framesDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts(opts("frames_dispatched_total", "Frames routed to a request or subscription")),
			[]string{"command"},
		),
		framesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts(opts("frames_dropped_total", "Frames dropped by reason")),
			[]string{"reason"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts(opts("requests_total", "Finished requests by command and outcome")),
			[]string{"command", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "request_duration_seconds",
			Help:        "Time from issuing a request to its resolution",
			ConstLabels: labels,
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"command"}),
		reconnects:       prometheus.NewCounter(prometheus.CounterOpts(opts("reconnects_total", "Successful reconnects"))),
		connectionLosses: prometheus.NewCounter(prometheus.CounterOpts(opts("connection_losses_total", "Detected connection losses"))),
	}

	c.registry.MustRegister(
		c.state,
		c.degraded,
		c.pending,
		c.subscriptions,
		c.framesReceived,
		c.framesDispatched,
		c.framesDropped,
		c.requests,
		c.requestDuration,
		c.reconnects,
		c.connectionLosses,
		collectors.NewGoCollector(),
	)
	return c
}

// Registry returns the underlying Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (c *Collector) SetState(state int) {
	if c == nil {
		return
	}
	c.state.Set(float64(state))
}

func (c *Collector) SetDegraded(degraded bool) {
	if c == nil {
		return
	}
	if degraded {
		c.degraded.Set(1)
	} else {
		c.degraded.Set(0)
	}
}

func (c *Collector) SetPending(n int) {
	if c == nil {
		return
	}
	c.pending.Set(float64(n))
}

func (c *Collector) SetSubscriptions(n int) {
	if c == nil {
		return
	}
	c.subscriptions.Set(float64(n))
}

// FrameReceived counts a frame read off the transport
func (c *Collector) FrameReceived() {
	if c == nil {
		return
	}
	c.framesReceived.Inc()
}

// FrameDispatched counts a routed frame
func (c *Collector) FrameDispatched(command string) {
	if c == nil {
		return
	}
	c.framesDispatched.WithLabelValues(command).Inc()
}

// FrameDropped counts a dropped frame
func (c *Collector) FrameDropped(reason string) {
	if c == nil {
		return
	}
	c.framesDropped.WithLabelValues(reason).Inc()
}

// RequestFinished records the outcome and latency of one request
func (c *Collector) RequestFinished(command, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(command, outcome).Inc()
	c.requestDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

func (c *Collector) ConnectionLost() {
	if c == nil {
		return
	}
	c.connectionLosses.Inc()
	c.degraded.Set(1)
}

func (c *Collector) Reconnected() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}
