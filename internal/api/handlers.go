package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/taskweek/flowgate/internal/envelope"
	"github.com/taskweek/flowgate/internal/metrics"
	"github.com/taskweek/flowgate/internal/models"
)

// flowHandler is the envelope endpoint (POST /). It authenticates the raw
// body, decrypts the envelope, advances the flow engine, and returns the
// encrypted next screen. Error statuses follow the platform's endpoint
// contract: 432 bad signature, 421 undecryptable (prompts a public-key
// refresh), 427 invalidated flow token, 400 other validation failures.
func (s *Server) flowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		slog.Warn("Server.flowHandler: failed to read request body", "error", err)
		writeError(w, http.StatusBadRequest, "failed to read body")
		metrics.EnvelopesTotal.WithLabelValues(metrics.OutcomeBadRequest).Inc()
		return
	}

	if err := s.crypto.VerifySignature(rawBody, r.Header.Get(envelope.SignatureHeader)); err != nil {
		slog.Warn("Server.flowHandler: signature verification failed", "error", err)
		writeError(w, statusSignatureInvalid, "invalid signature")
		metrics.EnvelopesTotal.WithLabelValues(metrics.OutcomeSignatureInvalid).Inc()
		return
	}

	var env models.EncryptedEnvelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		slog.Warn("Server.flowHandler: body is not a valid envelope", "error", err)
		writeError(w, http.StatusBadRequest, "invalid envelope JSON")
		metrics.EnvelopesTotal.WithLabelValues(metrics.OutcomeBadRequest).Inc()
		return
	}

	msg, aesKey, iv, err := s.crypto.DecryptMessage(&env)
	if err != nil {
		slog.Warn("Server.flowHandler: decryption failed", "error", err)
		writeError(w, statusDecryptFailed, "failed to decrypt")
		metrics.EnvelopesTotal.WithLabelValues(metrics.OutcomeDecryptError).Inc()
		return
	}
	slog.Debug("Server.flowHandler: envelope decrypted", "action", msg.Action, "screen", msg.Screen, "flow_token", msg.FlowToken)

	next, err := s.engine.Handle(r.Context(), msg)
	if err != nil {
		status, outcome := classifyFlowError(err)
		slog.Warn("Server.flowHandler: flow engine rejected message",
			"error", err, "action", msg.Action, "screen", msg.Screen, "flow_token", msg.FlowToken, "status", status)
		writeError(w, status, err.Error())
		metrics.EnvelopesTotal.WithLabelValues(outcome).Inc()
		return
	}

	encrypted, err := s.crypto.EncryptScreen(next, aesKey, iv)
	if err != nil {
		slog.Error("Server.flowHandler: failed to encrypt response", "error", err, "flow_token", msg.FlowToken)
		writeError(w, http.StatusInternalServerError, "failed to encrypt response")
		metrics.EnvelopesTotal.WithLabelValues(metrics.OutcomeInternalError).Inc()
		return
	}

	metrics.EnvelopesTotal.WithLabelValues(metrics.OutcomeOK).Inc()
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(encrypted)); err != nil {
		slog.Error("Server.flowHandler: failed to write response", "error", err)
	}
}

// healthHandler reports liveness plus the live session count (GET /health).
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if count, err := s.store.Count(r.Context()); err != nil {
		slog.Warn("Server.healthHandler: failed to count sessions", "error", err)
		health["status"] = "degraded"
	} else {
		health["live_sessions"] = count
	}

	status := http.StatusOK
	if health["status"] == "degraded" {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, health)
}
