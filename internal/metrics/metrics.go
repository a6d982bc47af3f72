package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	JobsSubmitted     prometheus.Counter
	JobsFinished      *prometheus.CounterVec
	JobDuration       *prometheus.HistogramVec
	ActiveJobs        prometheus.Gauge
	TransfersInFlight prometheus.Gauge
	TransferBytes     prometheus.Counter
	CacheLookups      *prometheus.CounterVec
	QuotaDecisions    *prometheus.CounterVec

	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediafetch_jobs_submitted_total",
			Help: "Total number of submitted download jobs",
		}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediafetch_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal state",
		}, []string{"state", "kind"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediafetch_job_duration_seconds",
			Help:    "Time from submission to terminal state",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 900, 1800},
		}, []string{"state"}),
		ActiveJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediafetch_active_jobs",
			Help: "Jobs currently tracked in the active table",
		}),
		TransfersInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediafetch_transfers_in_flight",
			Help: "Transfers currently running, one per fingerprint",
		}),
		TransferBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediafetch_transfer_bytes_total",
			Help: "Bytes written by completed transfers",
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediafetch_cache_lookups_total",
			Help: "Dedup cache decisions",
		}, []string{"result"}),
		QuotaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediafetch_quota_decisions_total",
			Help: "Quota reservation outcomes",
		}, []string{"result"}),
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	if reg != nil {
		m.JobsSubmitted = registerOrGet(reg, m.JobsSubmitted).(prometheus.Counter)
		m.JobsFinished = registerOrGet(reg, m.JobsFinished).(*prometheus.CounterVec)
		m.JobDuration = registerOrGet(reg, m.JobDuration).(*prometheus.HistogramVec)
		m.ActiveJobs = registerOrGet(reg, m.ActiveJobs).(prometheus.Gauge)
		m.TransfersInFlight = registerOrGet(reg, m.TransfersInFlight).(prometheus.Gauge)
		m.TransferBytes = registerOrGet(reg, m.TransferBytes).(prometheus.Counter)
		m.CacheLookups = registerOrGet(reg, m.CacheLookups).(*prometheus.CounterVec)
		m.QuotaDecisions = registerOrGet(reg, m.QuotaDecisions).(*prometheus.CounterVec)
		m.HTTPRequestTotal = registerOrGet(reg, m.HTTPRequestTotal).(*prometheus.CounterVec)
		m.HTTPRequestDuration = registerOrGet(reg, m.HTTPRequestDuration).(*prometheus.HistogramVec)
	}
	return m
}

// registerOrGet registers c, returning the already registered collector on a clash.
func registerOrGet(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

func (m *Metrics) JobSubmitted() {
	if m == nil {
		return
	}
	m.JobsSubmitted.Inc()
	m.ActiveJobs.Inc()
}

func (m *Metrics) JobFinished(state, kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(state, kind).Inc()
	m.JobDuration.WithLabelValues(state).Observe(elapsed.Seconds())
	m.ActiveJobs.Dec()
}

func (m *Metrics) TransferStarted() {
	if m == nil {
		return
	}
	m.TransfersInFlight.Inc()
}

func (m *Metrics) TransferFinished(bytes int64) {
	if m == nil {
		return
	}
	m.TransfersInFlight.Dec()
	if bytes > 0 {
		m.TransferBytes.Add(float64(bytes))
	}
}

// CacheLookup records "hit", "miss" or "coalesced".
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// QuotaDecision records "granted" or "denied".
func (m *Metrics) QuotaDecision(result string) {
	if m == nil {
		return
	}
	m.QuotaDecisions.WithLabelValues(result).Inc()
}

func (m *Metrics) HTTPRequest(method, path, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(elapsed.Seconds())
}
