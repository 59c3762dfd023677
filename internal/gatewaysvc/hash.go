package gatewaysvc

import (
	"encoding/hex"

	"policygateway/internal/canon"
)

// requestPart is the subset of a Request that participates in its
// request_hash: the shape the agent sent minus org_id and the bearer
// tokens, which authenticate the call but aren't part of what was requested.
type requestPart struct {
	UAPKID       string         `json:"uapk_id"`
	AgentID      string         `json:"agent_id"`
	Action       any            `json:"action"`
	Counterparty any            `json:"counterparty,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

func requestHash(req Request) (string, error) {
	part := requestPart{
		UAPKID:       req.UAPKID,
		AgentID:      req.AgentID,
		Action:       req.Action,
		Counterparty: req.Counterparty,
		Context:      req.Context,
	}
	sum, err := canon.HashCanonical(part)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:]), nil
}

