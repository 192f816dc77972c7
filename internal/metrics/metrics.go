package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the ingestion collectors plus a few process-wide totals
// served by the ops status endpoint.
type Metrics struct {
	ticks         *prometheus.CounterVec
	tickDuration  *prometheus.HistogramVec
	fetchAttempts *prometheus.CounterVec
	writes        *prometheus.CounterVec
	fieldsAdded   *prometheus.CounterVec
	errors        *prometheus.CounterVec
	mode          *prometheus.GaugeVec

	ticksOK     int64
	ticksFailed int64
	written     int64
}

// Snapshot is a read-only view of the totals.
type Snapshot struct {
	TicksSucceeded int64 `json:"ticks_succeeded"`
	TicksFailed    int64 `json:"ticks_failed"`
	RecordsWritten int64 `json:"records_written"`
}

// New registers the collectors with reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridingest_ticks_total",
			Help: "Pipeline ticks by source and result.",
		}, []string{"source", "result"}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gridingest_tick_duration_seconds",
			Help:    "Wall time of one pipeline tick.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridingest_fetch_attempts_total",
			Help: "Upstream HTTP attempts including retries.",
		}, []string{"source"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridingest_writes_total",
			Help: "Records handled by outcome (inserted, updated, touched, skipped).",
		}, []string{"source", "outcome"}),
		fieldsAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridingest_schema_fields_added_total",
			Help: "Fields added to store targets at runtime.",
		}, []string{"target"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridingest_errors_total",
			Help: "Abandoned ticks by stage.",
		}, []string{"source", "stage"}),
		mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gridingest_source_realtime",
			Help: "1 once a source has switched from backfill to realtime polling.",
		}, []string{"source"}),
	}
	if reg != nil {
		reg.MustRegister(m.ticks, m.tickDuration, m.fetchAttempts, m.writes, m.fieldsAdded, m.errors, m.mode)
	}
	return m
}

func (m *Metrics) ObserveTick(source string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		atomic.AddInt64(&m.ticksFailed, 1)
	} else {
		atomic.AddInt64(&m.ticksOK, 1)
	}
	m.ticks.WithLabelValues(source, result).Inc()
	m.tickDuration.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Metrics) FetchAttempts(source string, n int) {
	m.fetchAttempts.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) Write(source, outcome string) {
	if outcome == "inserted" || outcome == "updated" {
		atomic.AddInt64(&m.written, 1)
	}
	m.writes.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) FieldAdded(target string) {
	m.fieldsAdded.WithLabelValues(target).Inc()
}

func (m *Metrics) Error(source, stage string) {
	m.errors.WithLabelValues(source, stage).Inc()
}

func (m *Metrics) Realtime(source string, on bool) {
	v := 0.0
	if on {
		v = 1
	}
	m.mode.WithLabelValues(source).Set(v)
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		TicksSucceeded: atomic.LoadInt64(&m.ticksOK),
		TicksFailed:    atomic.LoadInt64(&m.ticksFailed),
		RecordsWritten: atomic.LoadInt64(&m.written),
	}
}
