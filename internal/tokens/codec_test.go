package tokens

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"policygateway/internal/domain"
	"policygateway/internal/keys"
)

func testManager(t *testing.T) *keys.Manager {
	t.Helper()
	m, err := keys.NewManager("", keys.EnvDevelopment, nil)
	require.NoError(t, err)
	return m
}

func TestCapabilityIssueParseRoundTrip(t *testing.T) {
	mgr := testManager(t)
	now := time.Now()
	payload := domain.CapabilityPayload{
		Issuer: "gw", Subject: "agent-1", OrgID: "org1", UAPKID: "uapk1",
		NotBefore: now.Add(-time.Minute).Unix(),
		Expiry:    now.Add(time.Hour).Unix(),
		JTI:       "jti-1",
	}
	tok, err := IssueCapability(mgr, payload)
	require.NoError(t, err)

	parsed, err := ParseCapability(mgr.PublicKey(), tok, now)
	require.NoError(t, err)
	require.Equal(t, payload.OrgID, parsed.OrgID)
	require.Equal(t, domain.TokenCapability, parsed.TokenType)
}

func TestOverrideIssueParseRoundTrip(t *testing.T) {
	mgr := testManager(t)
	now := time.Now()
	payload := domain.OverridePayload{
		ApprovalID: "appr-1", ActionHash: "deadbeef",
		IssuedAt: now.Unix(), Expiry: now.Add(DefaultOverrideLifetime).Unix(), JTI: "jti-2",
	}
	tok, err := IssueOverride(mgr, payload)
	require.NoError(t, err)

	parsed, err := ParseOverride(mgr.PublicKey(), tok, now)
	require.NoError(t, err)
	require.Equal(t, "appr-1", parsed.ApprovalID)
	require.Equal(t, "deadbeef", parsed.ActionHash)
}

func TestCapabilityTokenRejectedByOverrideParser(t *testing.T) {
	mgr := testManager(t)
	now := time.Now()
	capTok, err := IssueCapability(mgr, domain.CapabilityPayload{
		OrgID: "org1", NotBefore: now.Unix(), Expiry: now.Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	_, err = ParseOverride(mgr.PublicKey(), capTok, now)
	require.ErrorIs(t, err, ErrWrongType)
}

func TestOverrideTokenRejectedByCapabilityParser(t *testing.T) {
	mgr := testManager(t)
	now := time.Now()
	ovrTok, err := IssueOverride(mgr, domain.OverridePayload{
		ApprovalID: "a", ActionHash: "h", Expiry: now.Add(time.Minute).Unix(),
	})
	require.NoError(t, err)

	_, err = ParseCapability(mgr.PublicKey(), ovrTok, now)
	require.ErrorIs(t, err, ErrWrongType)
}

func TestExpiredCapabilityRejected(t *testing.T) {
	mgr := testManager(t)
	now := time.Now()
	tok, err := IssueCapability(mgr, domain.CapabilityPayload{
		NotBefore: now.Add(-time.Hour).Unix(), Expiry: now.Add(-time.Minute).Unix(),
	})
	require.NoError(t, err)

	_, err = ParseCapability(mgr.PublicKey(), tok, now)
	require.ErrorIs(t, err, ErrExpired)
}

func TestTamperedSignatureRejected(t *testing.T) {
	mgr := testManager(t)
	now := time.Now()
	tok, err := IssueCapability(mgr, domain.CapabilityPayload{
		NotBefore: now.Unix(), Expiry: now.Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	tampered := tok[:len(tok)-2] + "AA"
	_, err = ParseCapability(mgr.PublicKey(), tampered, now)
	require.Error(t, err)
}

func TestWrongSignerRejected(t *testing.T) {
	mgr := testManager(t)
	other := testManager(t)
	now := time.Now()
	tok, err := IssueCapability(mgr, domain.CapabilityPayload{
		NotBefore: now.Unix(), Expiry: now.Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	_, err = ParseCapability(other.PublicKey(), tok, now)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestMalformedTokenRejected(t *testing.T) {
	mgr := testManager(t)
	_, err := ParseCapability(mgr.PublicKey(), "not.a.validtoken", time.Now())
	require.Error(t, err)
}
