// Package metrics exports update engine and mailbox counters to Prometheus.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/muurk/securedfu/internal/dfu"
	"github.com/muurk/securedfu/internal/mailbox"
)

const namespace = "securedfu"

// Metrics implements dfu.Observer. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	reg *prometheus.Registry

	commands        *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	verifications   *prometheus.CounterVec
	inactivityReset prometheus.Counter
	transitions     *prometheus.CounterVec
	state           prometheus.Gauge
}

// New creates the collectors and registers them, with the Go runtime
// collector, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Host commands handled, by command.",
		}, []string{"command"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_rejections_total",
			Help:      "Host commands that failed, by command and wire status.",
		}, []string{"command", "status"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Candidate image verifications, by result.",
		}, []string{"result"}),
		inactivityReset: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inactivity_resets_total",
			Help:      "Transfers abandoned after the inactivity window.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Update state transitions, by target state.",
		}, []string{"to"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Current update state (0 none, 1 updating, 2 finished, 3 failed).",
		}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		m.commands,
		m.rejections,
		m.verifications,
		m.inactivityReset,
		m.transitions,
		m.state,
	)
	return m
}

// Registry returns the registry holding the collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// WatchMailbox exports the delivery and overwrite counts of mb
func (m *Metrics) WatchMailbox(mb *mailbox.Mailbox) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"mailbox": mb.Name()}
	m.reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "mailbox_received_total",
			Help:        "Words delivered to the mailbox.",
			ConstLabels: labels,
		}, func() float64 { return float64(mb.Received()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "mailbox_overwrites_total",
			Help:        "Unread words lost to a newer word.",
			ConstLabels: labels,
		}, func() float64 { return float64(mb.Overwrites()) }),
	)
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// CommandHandled implements dfu.Observer
func (m *Metrics) CommandHandled(op dfu.Opcode, status byte) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(op.String()).Inc()
	if status != 0 {
		m.rejections.WithLabelValues(op.String(), fmt.Sprintf("0x%02x", status)).Inc()
	}
}

// StateChanged implements dfu.Observer
func (m *Metrics) StateChanged(_, to dfu.State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to.String()).Inc()
	m.state.Set(float64(to))
}

// VerifyFinished implements dfu.Observer
func (m *Metrics) VerifyFinished(status byte) {
	if m == nil {
		return
	}
	result := "valid"
	if status != 0 {
		result = fmt.Sprintf("0x%02x", status)
	}
	m.verifications.WithLabelValues(result).Inc()
}

// InactivityReset implements dfu.Observer
func (m *Metrics) InactivityReset() {
	if m == nil {
		return
	}
	m.inactivityReset.Inc()
}
