// Package telemetry wires up the structured logger and Prometheus
// collectors shared by every component of the client.
package telemetry

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// NewLogger builds a zerolog.Logger. In dev mode it writes human-readable
// console output; otherwise it emits structured JSON to stdout.
func NewLogger(dev bool, level zerolog.Level) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	var w = os.Stdout
	logger := zerolog.New(w).With().Timestamp().Logger().Level(level)
	if dev {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).
			With().Timestamp().Logger().Level(level)
	}
	return logger
}

// Metrics holds the Prometheus collectors registered for a Client instance.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionState    prometheus.Gauge
	ReconnectAttempts  prometheus.Counter
	QueueDepth         prometheus.Gauge
	MessagesRetried    prometheus.Counter
	MessagesExpired    prometheus.Counter
	CallbackErrors     prometheus.Counter
	MessagesSent       prometheus.Counter
	MessagesReceived   prometheus.Counter
	ResponseTimeouts   prometheus.Counter
}

// NewMetrics registers and returns a fresh set of collectors on a private
// registry, so multiple Client instances in the same process don't collide.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hydrogen_client",
			Name:      "connection_state",
			Help:      "Current connection state: 0=disconnected 1=connected 2=reconnecting 3=exhausted.",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hydrogen_client",
			Name:      "reconnect_attempts_total",
			Help:      "Number of reconnect attempts made.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hydrogen_client",
			Name:      "queue_depth",
			Help:      "Number of messages currently pending in the retry queue.",
		}),
		MessagesRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hydrogen_client",
			Name:      "messages_retried_total",
			Help:      "Number of message retry attempts.",
		}),
		MessagesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hydrogen_client",
			Name:      "messages_expired_total",
			Help:      "Number of queued messages dropped after expiry.",
		}),
		CallbackErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hydrogen_client",
			Name:      "callback_errors_total",
			Help:      "Number of subscription callbacks that panicked.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hydrogen_client",
			Name:      "messages_sent_total",
			Help:      "Number of messages written to the transport.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hydrogen_client",
			Name:      "messages_received_total",
			Help:      "Number of messages read from the transport.",
		}),
		ResponseTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hydrogen_client",
			Name:      "response_timeouts_total",
			Help:      "Number of sendAndWaitForResponse calls that timed out.",
		}),
	}

	reg.MustRegister(
		m.ConnectionState, m.ReconnectAttempts, m.QueueDepth, m.MessagesRetried,
		m.MessagesExpired, m.CallbackErrors, m.MessagesSent, m.MessagesReceived,
		m.ResponseTimeouts,
	)
	return m
}
