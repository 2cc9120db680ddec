package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/taskweek/flowgate/internal/metrics"
	"github.com/taskweek/flowgate/internal/models"
)

// Non-standard status codes from the platform's endpoint error-code
// contract.
const (
	// statusDecryptFailed tells the platform to re-fetch the endpoint's
	// public key before retrying.
	statusDecryptFailed = 421

	// statusFlowInvalidated tells the platform the flow_token no longer
	// identifies a live conversation.
	statusFlowInvalidated = 427

	// statusSignatureInvalid rejects a request whose body failed HMAC
	// verification.
	statusSignatureInvalid = 432
)

// classifyFlowError maps an engine error onto its HTTP status and metrics
// outcome label. Client-input failures are 400s; an unknown or expired
// flow_token gets its own distinguishable status.
func classifyFlowError(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrSessionNotFound):
		return statusFlowInvalidated, metrics.OutcomeSessionNotFound
	case errors.Is(err, models.ErrInvalidDay), errors.Is(err, models.ErrUnhandledScreen):
		return http.StatusBadRequest, metrics.OutcomeBadRequest
	default:
		return http.StatusBadRequest, metrics.OutcomeBadRequest
	}
}

// writeError writes a small JSON error body alongside the status code.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSONResponse(w, statusCode, map[string]string{"error": message})
}

// writeJSONResponse writes a JSON response with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response any) {
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		statusCode = http.StatusInternalServerError
		jsonData = []byte(`{"error":"internal server error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(jsonData); err != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", err)
	}
}
