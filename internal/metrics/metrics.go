// Package metrics exposes the Prometheus counters shared by the
// daemons.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ImapSessions counts accepted IMAP connections.
	ImapSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aox_imap_sessions_total",
		Help: "Accepted IMAP connections.",
	})

	// ImapCommands counts retired IMAP commands by verb.
	ImapCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aox_imap_commands_total",
		Help: "Retired IMAP commands.",
	}, []string{"command"})

	// SmtpSessions counts accepted inbound SMTP/LMTP/Submit
	// connections by dialect.
	SmtpSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aox_smtp_sessions_total",
		Help: "Accepted inbound SMTP connections.",
	}, []string{"dialect"})

	// DeliveryAttempts counts delivery agent runs.
	DeliveryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aox_delivery_attempts_total",
		Help: "Delivery agent runs.",
	})

	// RecipientOutcomes counts per-recipient delivery outcomes.
	RecipientOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aox_delivery_recipients_total",
		Help: "Per-recipient delivery outcomes.",
	}, []string{"action"})

	// Bounces counts injected bounce messages.
	Bounces = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aox_bounces_total",
		Help: "Injected bounce messages.",
	})
)

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
