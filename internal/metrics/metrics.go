// Package metrics provides Prometheus metrics for the bot and the HTTP
// endpoint that exposes them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	TurnsTotal         *prometheus.CounterVec
	TurnDuration       *prometheus.HistogramVec
	TurnsInFlight      prometheus.Gauge
	SearchesTotal      *prometheus.CounterVec
	GenerationFailures *prometheus.CounterVec
	RepliesTotal       *prometheus.CounterVec
	CommandsTotal      *prometheus.CounterVec
	UpdatesTotal       prometheus.Counter
	PollErrorsTotal    prometheus.Counter
	DeniedTotal        prometheus.Counter
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TurnsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verabot_turns_total",
				Help: "Conversation turns by input kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		TurnDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "verabot_turn_duration_seconds",
				Help:    "Duration of conversation turns in seconds",
				Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 40, 80, 160},
			},
			[]string{"kind"},
		),
		TurnsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "verabot_turns_in_flight",
				Help: "Turns currently being processed",
			},
		),
		SearchesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verabot_searches_total",
				Help: "Search lookups by outcome",
			},
			[]string{"outcome"},
		),
		GenerationFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verabot_generation_failures_total",
				Help: "Backend failures converted to fallbacks, by operation",
			},
			[]string{"operation"},
		),
		RepliesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verabot_replies_total",
				Help: "Delivered replies by markup mode",
			},
			[]string{"mode"},
		),
		CommandsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verabot_commands_total",
				Help: "Handled slash commands",
			},
			[]string{"command"},
		),
		UpdatesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "verabot_updates_total",
				Help: "Telegram updates received",
			},
		),
		PollErrorsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "verabot_poll_errors_total",
				Help: "Failed getUpdates calls",
			},
		),
		DeniedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "verabot_denied_total",
				Help: "Messages refused by the allow-list",
			},
		),
	}
}

// RecordTurn records a finished turn.
func (m *Metrics) RecordTurn(kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(kind, outcome).Inc()
	m.TurnDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// TurnStarted increments the in-flight gauge and returns its decrement.
func (m *Metrics) TurnStarted() func() {
	if m == nil {
		return func() {}
	}
	m.TurnsInFlight.Inc()
	return m.TurnsInFlight.Dec
}

func (m *Metrics) RecordSearch(outcome string) {
	if m == nil {
		return
	}
	m.SearchesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordGenerationFailure(operation string) {
	if m == nil {
		return
	}
	m.GenerationFailures.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordReply(mode string) {
	if m == nil {
		return
	}
	m.RepliesTotal.WithLabelValues(mode).Inc()
}

func (m *Metrics) RecordCommand(command string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(command).Inc()
}

func (m *Metrics) RecordUpdates(n int) {
	if m == nil {
		return
	}
	m.UpdatesTotal.Add(float64(n))
}

func (m *Metrics) RecordPollError() {
	if m == nil {
		return
	}
	m.PollErrorsTotal.Inc()
}

func (m *Metrics) RecordDenied() {
	if m == nil {
		return
	}
	m.DeniedTotal.Inc()
}
