// Package metrics exposes service counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Admission results.
const (
	AdmissionFree     = "free"
	AdmissionUnlocked = "unlocked"
	AdmissionDenied   = "denied"
)

// Stream results.
const (
	StreamCompleted = "completed"
	StreamFailed    = "failed"
	StreamCancelled = "cancelled"
)

type Collector struct {
	admissions    *prometheus.CounterVec
	streams       *prometheus.CounterVec
	fallbacks     *prometheus.CounterVec
	dailyResets   prometheus.Counter
	activeStreams prometheus.Gauge
}

// NewCollector creates the collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatpal_admissions_total",
			Help: "Quota admission decisions by result.",
		}, []string{"result"}),
		streams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatpal_streams_total",
			Help: "Model streams by outcome.",
		}, []string{"result"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatpal_store_fallbacks_total",
			Help: "Store operations served by the in-memory fallback.",
		}, []string{"op"}),
		dailyResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatpal_daily_resets_total",
			Help: "Daily quota resets that actually ran.",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatpal_active_streams",
			Help: "Model streams currently in flight.",
		}),
	}

	reg.MustRegister(c.admissions, c.streams, c.fallbacks, c.dailyResets, c.activeStreams)
	return c
}

func (c *Collector) RecordAdmission(result string) {
	c.admissions.WithLabelValues(result).Inc()
}

func (c *Collector) StreamStarted() {
	c.activeStreams.Inc()
}

// RecordStream marks a stream as finished with the given outcome.
func (c *Collector) RecordStream(result string) {
	c.activeStreams.Dec()
	c.streams.WithLabelValues(result).Inc()
}

func (c *Collector) RecordStoreFallback(op string) {
	c.fallbacks.WithLabelValues(op).Inc()
}

func (c *Collector) RecordDailyReset() {
	c.dailyResets.Inc()
}

// Handler returns the scrape endpoint for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
