// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Envelope outcomes.
const (
	OutcomeOK               = "ok"
	OutcomeSignatureInvalid = "signature_invalid"
	OutcomeDecryptError     = "decrypt_error"
	OutcomeSessionNotFound  = "session_not_found"
	OutcomeBadRequest       = "bad_request"
	OutcomeInternalError    = "internal_error"
)

var (
	// EnvelopesTotal counts handled envelopes by outcome class.
	EnvelopesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowgate",
		Name:      "envelopes_total",
		Help:      "Encrypted envelopes handled, labeled by outcome.",
	}, []string{"outcome"})

	// AutomationSubmissions counts calls to the automation backend.
	AutomationSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowgate",
		Name:      "automation_submissions_total",
		Help:      "Submissions to the automation backend, by kind and status.",
	}, []string{"kind", "status"})

	// SessionsCompleted counts flows that reached SUCCESS, by mode.
	SessionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowgate",
		Name:      "sessions_completed_total",
		Help:      "Flow sessions that reached the terminal SUCCESS screen, by mode.",
	}, []string{"mode"})
)

// RegisterLiveSessions installs a gauge fed by the session store's count.
func RegisterLiveSessions(count func() float64) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "flowgate",
		Name:      "live_sessions",
		Help:      "Flow sessions currently held by the session store.",
	}, count)
}

// Handler returns the /metrics scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
