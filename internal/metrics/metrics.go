// Package metrics exposes gateway counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the gateway, fanout engine and sweeper report to.
type Recorder interface {
	ConnectionOpened(channel string)
	ConnectionClosed(channel string)
	AuthAttempt(channel string, ok bool)
	EventHandled(channel, event string)
	Delivery(result string)
	FanoutDegraded()
	SweepCompleted(removed int, took time.Duration)
}

// Collector is the Prometheus implementation of Recorder.
type Collector struct {
	connections   *prometheus.GaugeVec
	authAttempts  *prometheus.CounterVec
	events        *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	degraded      prometheus.Counter
	sweepRemoved  prometheus.Counter
	sweepDuration prometheus.Histogram
}

// NewCollector registers the gateway metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pulse_connections",
			Help: "Open websocket connections by channel",
		}, []string{"channel"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_auth_attempts_total",
			Help: "Authentication attempts by channel and result",
		}, []string{"channel", "result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_events_total",
			Help: "Inbound events handled by channel and event name",
		}, []string{"channel", "event"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_deliveries_total",
			Help: "Per-connection deliveries by result",
		}, []string{"result"}),
		degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulse_fanout_degraded_total",
			Help: "Status changes not fanned out because the reverse relation could not be resolved",
		}),
		sweepRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulse_sweep_removed_total",
			Help: "Sessions removed by the idle sweep",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pulse_sweep_duration_seconds",
			Help:    "Duration of idle sweeps",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.connections,
		c.authAttempts,
		c.events,
		c.deliveries,
		c.degraded,
		c.sweepRemoved,
		c.sweepDuration,
	)
	return c
}

func (c *Collector) ConnectionOpened(channel string) {
	c.connections.WithLabelValues(channel).Inc()
}

func (c *Collector) ConnectionClosed(channel string) {
	c.connections.WithLabelValues(channel).Dec()
}

func (c *Collector) AuthAttempt(channel string, ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	c.authAttempts.WithLabelValues(channel, result).Inc()
}

func (c *Collector) EventHandled(channel, event string) {
	c.events.WithLabelValues(channel, event).Inc()
}

func (c *Collector) Delivery(result string) {
	c.deliveries.WithLabelValues(result).Inc()
}

func (c *Collector) FanoutDegraded() {
	c.degraded.Inc()
}

func (c *Collector) SweepCompleted(removed int, took time.Duration) {
	c.sweepRemoved.Add(float64(removed))
	c.sweepDuration.Observe(took.Seconds())
}

// Nop discards everything.
type Nop struct{}

func (Nop) ConnectionOpened(string) {}
func (Nop) ConnectionClosed(string) {}
func (Nop) AuthAttempt(string, bool) {}
func (Nop) EventHandled(string, string) {}
func (Nop) Delivery(string) {}
func (Nop) FanoutDegraded() {}
func (Nop) SweepCompleted(int, time.Duration) {}

// Handler serves the registry in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
