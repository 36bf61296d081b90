package api

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the pipeline's private prometheus registry and instrument set.
// ResyncsAccepted and JournalDropped are registered, but nothing in the
// pipeline increments them, so they always read zero.
type Metrics struct {
	Registry       *prometheus.Registry
	EventsPublished *prometheus.CounterVec
	GapsDetected   prometheus.Counter
	ResyncsAccepted prometheus.Counter
	JournalDropped prometheus.Counter
	Confidence     *prometheus.GaugeVec
}

// NewMetrics creates and registers all instruments.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpipe_events_published_total",
			Help: "Events published on the bus, by topic.",
		}, []string{"topic"}),
		GapsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketpipe_gaps_detected_total",
			Help: "Sequence gaps detected across streams.",
		}),
		ResyncsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketpipe_resyncs_accepted_total",
			Help: "Resync requests that survived coalescing.",
		}),
		JournalDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketpipe_journal_dropped_total",
			Help: "Journal records dropped on queue overflow.",
		}),
		Confidence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketpipe_block_confidence",
			Help: "Latest per-block confidence score.",
		}, []string{"symbol", "block"}),
	}
	m.Registry.MustRegister(
		m.EventsPublished,
		m.GapsDetected,
		m.ResyncsAccepted,
		m.JournalDropped,
		m.Confidence,
	)
	return m
}
