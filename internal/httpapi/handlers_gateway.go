package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"policygateway/internal/manifest"
)

func decodeGatewayRequest(w http.ResponseWriter, r *http.Request) (gatewayRequestWire, bool) {
	var body gatewayRequestWire
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeErrorf(w, http.StatusBadRequest, "MALFORMED_REQUEST", "invalid JSON body: "+err.Error())
		return gatewayRequestWire{}, false
	}
	if msg := body.validate(); msg != "" {
		writeErrorf(w, http.StatusBadRequest, "MALFORMED_REQUEST", msg)
		return gatewayRequestWire{}, false
	}
	return body, true
}

// policyVersionFor resolves the manifest content hash used as
// DecisionResponse.policy_version, tolerating a missing manifest (a DENY
// decision from stage 1 still gets an empty policy_version rather than a
// transport-level error).
func (s *Server) policyVersionFor(r *http.Request, orgID, uapkID string) string {
	m, err := s.Manifests.GetActiveManifest(r.Context(), orgID, uapkID)
	if err != nil {
		if !errors.Is(err, manifest.ErrNotFound) {
			s.Logger.Warn("policy version lookup failed", "component", "httpapi", "error", err)
		}
		return ""
	}
	return manifestContentHashHex(m.ContentHash)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	wireReq, ok := decodeGatewayRequest(w, r)
	if !ok {
		return
	}
	resp, err := s.Service.Evaluate(r.Context(), wireReq.toServiceRequest())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if principal := principalFromContext(r.Context()); principal != nil {
		s.Logger.Info("gateway request authenticated", "component", "httpapi", "route", "evaluate", "api_key", principal.APIKey)
	}
	policyVersion := s.policyVersionFor(r, wireReq.OrgID, wireReq.UAPKID)
	body := newDecisionResponseWire(uuid.NewString(), resp.Decision, policyVersion)
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	wireReq, ok := decodeGatewayRequest(w, r)
	if !ok {
		return
	}
	idempotencyKey := r.Header.Get("Idempotency-Key")
	resp, err := s.Service.Execute(r.Context(), wireReq.toServiceRequest(), idempotencyKey)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if principal := principalFromContext(r.Context()); principal != nil {
		s.Logger.Info("gateway request authenticated", "component", "httpapi", "route", "execute", "api_key", principal.APIKey)
	}
	policyVersion := s.policyVersionFor(r, wireReq.OrgID, wireReq.UAPKID)
	body := executeResponseWire{
		decisionResponseWire: newDecisionResponseWire(resp.RecordID, resp.Decision, policyVersion),
		Executed:             resp.Executed,
		Result:               resultToWire(resp.Result),
	}
	writeJSON(w, http.StatusOK, body)
}
