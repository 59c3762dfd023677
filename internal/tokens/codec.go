// Package tokens implements the capability and override token codec (C3):
// Ed25519-signed, base64url `header.payload.sig` tokens distinct from the
// JWTs used at the external operator/viewer auth boundary (internal/agentauth).
// Capability and override tokens intentionally do not share a parser code
// path with JWT: different token algorithms must never be accepted
// interchangeably at the same endpoint.
package tokens

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"policygateway/internal/domain"
	"policygateway/internal/keys"
)

const (
	typCapability = "CAP"
	typOverride   = "OVR"

	// DefaultCapabilityLifetime bounds a delegation token when the caller
	// doesn't ask for a shorter one; manifests may further restrict this.
	DefaultCapabilityLifetime = 1 * time.Hour
	// DefaultOverrideLifetime: an override token exists only to carry one
	// approved action across one request.
	DefaultOverrideLifetime = 5 * time.Minute
)

var (
	ErrMalformed      = errors.New("tokens: malformed token")
	ErrBadSignature   = errors.New("tokens: signature verification failed")
	ErrExpired        = errors.New("tokens: token expired")
	ErrNotYetValid    = errors.New("tokens: token not yet valid")
	ErrWrongType      = errors.New("tokens: wrong token type")
)

type header struct {
	Typ string `json:"typ"`
	Alg string `json:"alg"`
}

// encodeSegment returns the base64url (no padding) encoding of v's JSON form.
func encodeSegment(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeSegment(s string, v any) error {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return json.Unmarshal(raw, v)
}

func signingInput(headerSeg, payloadSeg string) []byte {
	return []byte(headerSeg + "." + payloadSeg)
}

// IssueCapability signs a new capability token for the given payload.
func IssueCapability(mgr *keys.Manager, payload domain.CapabilityPayload) (string, error) {
	payload.TokenType = domain.TokenCapability
	return sign(mgr, typCapability, payload)
}

// IssueOverride signs a new override token binding approvalID to actionHash.
func IssueOverride(mgr *keys.Manager, payload domain.OverridePayload) (string, error) {
	payload.TokenType = domain.TokenOverride
	return sign(mgr, typOverride, payload)
}

func sign(mgr *keys.Manager, typ string, payload any) (string, error) {
	h := header{Typ: typ, Alg: "EdDSA"}
	headerSeg, err := encodeSegment(h)
	if err != nil {
		return "", err
	}
	payloadSeg, err := encodeSegment(payload)
	if err != nil {
		return "", err
	}
	sig := mgr.Sign(signingInput(headerSeg, payloadSeg))
	sigSeg := base64.RawURLEncoding.EncodeToString(sig)
	return strings.Join([]string{headerSeg, payloadSeg, sigSeg}, "."), nil
}

// ParseCapability verifies and decodes a capability token. It rejects any
// token whose header typ or payload token_type is not CAP/capability —
// an override token presented here fails with ErrWrongType, never silently
// parses as a capability.
func ParseCapability(publicKey ed25519.PublicKey, token string, now time.Time) (domain.CapabilityPayload, error) {
	var payload domain.CapabilityPayload
	h, err := parseAndVerify(publicKey, token, typCapability, &payload)
	if err != nil {
		return payload, err
	}
	if h.Typ != typCapability || payload.TokenType != domain.TokenCapability {
		return payload, ErrWrongType
	}
	if now.Unix() < payload.NotBefore {
		return payload, ErrNotYetValid
	}
	if now.Unix() >= payload.Expiry {
		return payload, ErrExpired
	}
	return payload, nil
}

// ParseOverride verifies and decodes an override token. It rejects any
// token whose header typ or payload token_type is not OVR/override.
func ParseOverride(publicKey ed25519.PublicKey, token string, now time.Time) (domain.OverridePayload, error) {
	var payload domain.OverridePayload
	h, err := parseAndVerify(publicKey, token, typOverride, &payload)
	if err != nil {
		return payload, err
	}
	if h.Typ != typOverride || payload.TokenType != domain.TokenOverride {
		return payload, ErrWrongType
	}
	if payload.ApprovalID == "" || payload.ActionHash == "" {
		return payload, fmt.Errorf("%w: override token missing approval_id/action_hash", ErrMalformed)
	}
	if now.Unix() >= payload.Expiry {
		return payload, ErrExpired
	}
	return payload, nil
}

func parseAndVerify(publicKey ed25519.PublicKey, token string, expectedTyp string, payload any) (header, error) {
	var h header
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return h, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformed, len(parts))
	}
	headerSeg, payloadSeg, sigSeg := parts[0], parts[1], parts[2]

	if err := decodeSegment(headerSeg, &h); err != nil {
		return h, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigSeg)
	if err != nil {
		return h, fmt.Errorf("%w: bad signature segment: %v", ErrMalformed, err)
	}
	if !keys.VerifyWith(publicKey, signingInput(headerSeg, payloadSeg), sig) {
		return h, ErrBadSignature
	}
	if err := decodeSegment(payloadSeg, payload); err != nil {
		return h, err
	}
	if h.Typ != expectedTyp {
		return h, ErrWrongType
	}
	return h, nil
}
