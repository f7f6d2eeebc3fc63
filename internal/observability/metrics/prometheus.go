package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	// Remote API
	RemoteRequests  *prometheus.CounterVec
	RemoteDuration  *prometheus.HistogramVec
	CredentialFlows *prometheus.CounterVec

	// Daily
	Pushes       *prometheus.CounterVec
	PushDuration prometheus.Histogram
	Mints        *prometheus.CounterVec

	// Auto-solve
	Solves      *prometheus.CounterVec
	SolveRounds prometheus.Histogram

	// Catalog
	CatalogSize      prometheus.Gauge
	CatalogRefreshes *prometheus.CounterVec

	// Chat
	Commands      *prometheus.CounterVec
	Notifications *prometheus.CounterVec
}

// New creates the metrics on a private registry (plus Go and process collectors).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		RemoteRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geodaily_remote_requests_total",
				Help: "Remote API requests by operation and outcome",
			},
			[]string{"op", "code"},
		),
		RemoteDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "geodaily_remote_request_duration_seconds",
				Help:    "Remote API request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		CredentialFlows: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geodaily_credential_refreshes_total",
				Help: "Credential refresh attempts by set and result",
			},
			[]string{"set", "result"},
		),

		Pushes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geodaily_pushes_total",
				Help: "Daily pushes by trigger and result",
			},
			[]string{"trigger", "result"},
		),
		PushDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "geodaily_push_duration_seconds",
				Help:    "Duration of one tenant push",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		Mints: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geodaily_challenges_minted_total",
				Help: "Challenge mint attempts by result",
			},
			[]string{"result"},
		),

		Solves: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geodaily_autosolve_runs_total",
				Help: "Auto-solve runs by result",
			},
			[]string{"result"},
		),
		SolveRounds: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "geodaily_autosolve_rounds",
				Help:    "Rounds played per auto-solve run",
				Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
			},
		),

		CatalogSize: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "geodaily_catalog_maps",
				Help: "Maps in the current catalog",
			},
		),
		CatalogRefreshes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geodaily_catalog_refreshes_total",
				Help: "Catalog refreshes by result",
			},
			[]string{"result"},
		),

		Commands: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geodaily_commands_total",
				Help: "Chat commands by name and result",
			},
			[]string{"command", "result"},
		),
		Notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geodaily_notifications_total",
				Help: "Announcement deliveries by result",
			},
			[]string{"result"},
		),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordRemote records one remote API request. code is the HTTP status or a
// short failure class ("transport").
func (m *Metrics) RecordRemote(op, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.RemoteRequests.WithLabelValues(op, code).Inc()
	m.RemoteDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) RecordCredentialRefresh(set string, err error) {
	if m == nil {
		return
	}
	m.CredentialFlows.WithLabelValues(set, result(err)).Inc()
}

func (m *Metrics) RecordPush(trigger string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.Pushes.WithLabelValues(trigger, result(err)).Inc()
	m.PushDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordMint(err error) {
	if m == nil {
		return
	}
	m.Mints.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) RecordSolve(rounds int, err error) {
	if m == nil {
		return
	}
	m.Solves.WithLabelValues(result(err)).Inc()
	m.SolveRounds.Observe(float64(rounds))
}

func (m *Metrics) RecordCatalogRefresh(size int, err error) {
	if m == nil {
		return
	}
	m.CatalogRefreshes.WithLabelValues(result(err)).Inc()
	if err == nil {
		m.CatalogSize.Set(float64(size))
	}
}

func (m *Metrics) RecordCommand(command string, err error) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(command, result(err)).Inc()
}

func (m *Metrics) RecordNotification(err error) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(result(err)).Inc()
}
