// Package metrics holds the ingestion pipeline's prometheus collectors.
// Every method is safe on a nil *Ingest so components can run unmetered in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Ingest groups the domain metrics for polling, mapping outcomes and batch writes.
type Ingest struct {
	outcomes      *prometheus.CounterVec
	pollDuration  *prometheus.HistogramVec
	polls         prometheus.Counter
	batchRows     *prometheus.CounterVec
	bulkFallbacks prometheus.Counter
	flushDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Ingest, error) {
	m := &Ingest{
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_outcomes_total",
				Help: "Terminal ingestion outcomes by kind.",
			},
			[]string{"kind"},
		),
		pollDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "extraction_poll_duration_seconds",
				Help:    "Wall-clock time spent waiting for extraction jobs, by final status.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 540, 600},
			},
			[]string{"status"},
		),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "extraction_polls_total",
			Help: "Status calls issued against the extraction service.",
		}),
		batchRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batch_rows_total",
				Help: "Rows flushed by the batch writer, by result.",
			},
			[]string{"result"},
		),
		bulkFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batch_bulk_fallbacks_total",
			Help: "Flushes where the bulk path failed and rows were written one by one.",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "batch_flush_duration_seconds",
			Help:    "Duration of batch writer flushes.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	for _, c := range []prometheus.Collector{
		m.outcomes, m.pollDuration, m.polls, m.batchRows, m.bulkFallbacks, m.flushDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Ingest) ObserveOutcome(kind string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(kind).Inc()
}

func (m *Ingest) ObservePoll(status string, waited time.Duration, polls int) {
	if m == nil {
		return
	}
	m.pollDuration.WithLabelValues(status).Observe(waited.Seconds())
	m.polls.Add(float64(polls))
}

func (m *Ingest) ObserveFlush(committed, rejected, duplicates int, fellBack bool, took time.Duration) {
	if m == nil {
		return
	}
	m.batchRows.WithLabelValues("committed").Add(float64(committed))
	m.batchRows.WithLabelValues("rejected").Add(float64(rejected))
	m.batchRows.WithLabelValues("duplicate").Add(float64(duplicates))
	if fellBack {
		m.bulkFallbacks.Inc()
	}
	m.flushDuration.Observe(took.Seconds())
}
