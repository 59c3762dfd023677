package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"policygateway/internal/approval"
	"policygateway/internal/audit"
	"policygateway/internal/gatewaysvc"
	"policygateway/internal/manifest"
	"policygateway/internal/vault"
)

// apiError is the {error:{code,message,details}} envelope required by the
// gateway's HTTP surface, grounded on the teacher's handleTransitionError
// switch but generalized into a table since this surface has many more
// distinct failure codes than a single invoice state machine.
type apiError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: message, Details: details}})
}

func writeErrorf(w http.ResponseWriter, status int, code, message string) {
	writeError(w, status, code, message, nil)
}

// handleServiceError maps an error from gatewaysvc/approval/manifest/vault
// to the appropriate HTTP status and error code, per the gateway's status
// code table: 400 malformed, 404 not found, 409 conflict, 422 semantic,
// 500 internal.
func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, manifest.ErrNotFound):
		writeErrorf(w, http.StatusNotFound, "MANIFEST_NOT_FOUND", err.Error())
	case errors.Is(err, approval.ErrNotFound):
		writeErrorf(w, http.StatusNotFound, "APPROVAL_NOT_FOUND", err.Error())
	case errors.Is(err, approval.ErrNotPending):
		writeErrorf(w, http.StatusConflict, "APPROVAL_NOT_PENDING", err.Error())
	case errors.Is(err, gatewaysvc.ErrIdempotencyConflict):
		writeErrorf(w, http.StatusConflict, "IDEMPOTENCY_KEY_CONFLICT", err.Error())
	case errors.Is(err, vault.ErrNotFound):
		writeErrorf(w, http.StatusUnprocessableEntity, "SECRET_NOT_FOUND", err.Error())
	case errors.Is(err, audit.ErrChainEmpty):
		writeErrorf(w, http.StatusNotFound, "AUDIT_CHAIN_EMPTY", err.Error())
	default:
		writeErrorf(w, http.StatusInternalServerError, "INTERNAL_ERROR", "an internal error occurred")
	}
}
