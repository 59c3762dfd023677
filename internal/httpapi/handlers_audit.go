package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"policygateway/internal/domain"
)

type interactionRecordWire struct {
	RecordID           string       `json:"record_id"`
	OrgID              string       `json:"org_id"`
	UAPKID             string       `json:"uapk_id"`
	AgentID            string       `json:"agent_id"`
	Action             actionWire   `json:"action"`
	RequestHash        string       `json:"request_hash"`
	Decision           string       `json:"decision"`
	Reasons            []reasonWire `json:"reasons,omitempty"`
	Executed           bool         `json:"executed"`
	Result             *resultWire  `json:"result,omitempty"`
	ApprovalID         string       `json:"approval_id,omitempty"`
	PreviousRecordHash string       `json:"previous_record_hash"`
	RecordHash         string       `json:"record_hash"`
	GatewaySignature   string       `json:"gateway_signature"`
	PolicyVersion      string       `json:"policy_version,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
}

func interactionRecordToWire(rec domain.InteractionRecord) interactionRecordWire {
	return interactionRecordWire{
		RecordID: rec.RecordID, OrgID: rec.OrgID, UAPKID: rec.UAPKID, AgentID: rec.AgentID,
		Action: actionToWire(rec.Action), RequestHash: rec.RequestHash, Decision: string(rec.Decision),
		Reasons: reasonsToWire(rec.Reasons), Executed: rec.Executed, Result: resultToWire(rec.Result),
		ApprovalID: rec.ApprovalID, PreviousRecordHash: rec.PreviousRecordHash, RecordHash: rec.RecordHash,
		GatewaySignature: rec.GatewaySignature, PolicyVersion: rec.PolicyVersion, CreatedAt: rec.CreatedAt,
	}
}

func parseRFC3339Query(r *http.Request, key string) (time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func (s *Server) handleListInteractionRecords(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org_id")
	uapkID := r.URL.Query().Get("uapk_id")
	from, err := parseRFC3339Query(r, "from")
	if err != nil {
		writeErrorf(w, http.StatusBadRequest, "MALFORMED_REQUEST", "from must be RFC3339")
		return
	}
	to, err := parseRFC3339Query(r, "to")
	if err != nil {
		writeErrorf(w, http.StatusBadRequest, "MALFORMED_REQUEST", "to must be RFC3339")
		return
	}
	records, err := s.Chain.ListRecords(r.Context(), orgID, uapkID, from, to)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	out := make([]interactionRecordWire, len(records))
	for i, rec := range records {
		out[i] = interactionRecordToWire(rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": out})
}

type verifyChainResponse struct {
	ChainValid          bool   `json:"chain_valid"`
	SignatureValidCount int    `json:"signature_valid_count"`
	RecordCount         int    `json:"record_count"`
	MismatchIndex       int    `json:"mismatch_index,omitempty"`
	ExpectedHash        string `json:"expected_hash,omitempty"`
	GotHash             string `json:"got_hash,omitempty"`
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org_id")
	uapkID := r.URL.Query().Get("uapk_id")
	if uapkID == "" {
		writeErrorf(w, http.StatusBadRequest, "MALFORMED_REQUEST", "uapk_id query parameter is required")
		return
	}
	result, err := s.Chain.VerifyChain(r.Context(), orgID, uapkID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyChainResponse{
		ChainValid: result.ChainValid, SignatureValidCount: result.SignatureValidCount,
		RecordCount: result.RecordCount, MismatchIndex: result.MismatchIndex,
		ExpectedHash: result.ExpectedHash, GotHash: result.GotHash,
	})
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org_id")
	uapkID := r.URL.Query().Get("uapk_id")
	if uapkID == "" {
		writeErrorf(w, http.StatusBadRequest, "MALFORMED_REQUEST", "uapk_id query parameter is required")
		return
	}
	from, err := parseRFC3339Query(r, "from")
	if err != nil {
		writeErrorf(w, http.StatusBadRequest, "MALFORMED_REQUEST", "from must be RFC3339")
		return
	}
	to, err := parseRFC3339Query(r, "to")
	if err != nil {
		writeErrorf(w, http.StatusBadRequest, "MALFORMED_REQUEST", "to must be RFC3339")
		return
	}
	bundle, err := s.Chain.Export(r.Context(), orgID, uapkID, from, to)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="audit-export-%s-%s.tar.gz"`, orgID, uapkID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(bundle)
}

func (s *Server) handleGetManifestVersions(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org_id")
	uapkID := chi.URLParam(r, "uapk_id")
	manifests, err := s.Manifests.GetByUAPKID(r.Context(), orgID, uapkID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	out := make([]manifestWire, len(manifests))
	for i, m := range manifests {
		out[i] = manifestToWire(m)
	}
	writeJSON(w, http.StatusOK, map[string]any{"manifests": out})
}
