package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"policygateway/internal/domain"
)

type approvalWire struct {
	ApprovalID            string     `json:"approval_id"`
	OrgID                 string     `json:"org_id"`
	UAPKID                string     `json:"uapk_id"`
	AgentID               string     `json:"agent_id"`
	Action                actionWire `json:"action"`
	ActionHash            string     `json:"action_hash"`
	Status                string     `json:"status"`
	CreatedAt             time.Time  `json:"created_at"`
	ExpiresAt             time.Time  `json:"expires_at"`
	DecidedAt             *time.Time `json:"decided_at,omitempty"`
	DecidedBy             string     `json:"decided_by,omitempty"`
	ConsumedAt            *time.Time `json:"consumed_at,omitempty"`
	ConsumedInteractionID string     `json:"consumed_interaction_id,omitempty"`
	OverrideTokenHash     string     `json:"override_token_hash,omitempty"`
	OverrideToken         string     `json:"override_token,omitempty"`
}

func approvalToWire(a domain.Approval) approvalWire {
	return approvalWire{
		ApprovalID: a.ApprovalID, OrgID: a.OrgID, UAPKID: a.UAPKID, AgentID: a.AgentID,
		Action: actionToWire(a.Action), ActionHash: a.ActionHash, Status: string(a.Status),
		CreatedAt: a.CreatedAt, ExpiresAt: a.ExpiresAt, DecidedAt: a.DecidedAt, DecidedBy: a.DecidedBy,
		ConsumedAt: a.ConsumedAt, ConsumedInteractionID: a.ConsumedInteractionID,
		OverrideTokenHash: a.OverrideTokenHash,
	}
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org_id")
	status := r.URL.Query().Get("status")
	approvals, err := s.Approvals.List(r.Context(), orgID, status)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	out := make([]approvalWire, len(approvals))
	for i, a := range approvals {
		out[i] = approvalToWire(a)
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": out})
}

type decideApprovalRequest struct {
	DecidedBy string `json:"decided_by"`
}

func (s *Server) handleApproveApproval(w http.ResponseWriter, r *http.Request) {
	approvalID := chi.URLParam(r, "approval_id")
	var req decideApprovalRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorf(w, http.StatusBadRequest, "MALFORMED_REQUEST", "invalid JSON body: "+err.Error())
			return
		}
	}
	approval, token, err := s.Approvals.Approve(r.Context(), approvalID, req.DecidedBy)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	out := approvalToWire(approval)
	out.OverrideToken = token
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDenyApproval(w http.ResponseWriter, r *http.Request) {
	approvalID := chi.URLParam(r, "approval_id")
	var req decideApprovalRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorf(w, http.StatusBadRequest, "MALFORMED_REQUEST", "invalid JSON body: "+err.Error())
			return
		}
	}
	approval, err := s.Approvals.Deny(r.Context(), approvalID, req.DecidedBy)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approvalToWire(approval))
}
