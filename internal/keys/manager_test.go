package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewManagerFromHexSeed(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	seed := priv.Seed()

	m, err := NewManagerFromHex(hex.EncodeToString(seed))
	require.NoError(t, err)
	require.Len(t, m.PublicKey(), ed25519.PublicKeySize)
}

func TestNewManagerRejectsEmptyKeyOutsideDevelopment(t *testing.T) {
	_, err := NewManager("", EnvProduction, nil)
	require.Error(t, err)

	_, err = NewManager("", EnvStaging, nil)
	require.Error(t, err)
}

func TestNewManagerGeneratesInDevelopment(t *testing.T) {
	m, err := NewManager("", EnvDevelopment, nil)
	require.NoError(t, err)
	require.Len(t, m.PublicKey(), ed25519.PublicKeySize)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	m, err := NewManager("", EnvDevelopment, nil)
	require.NoError(t, err)

	msg := []byte("hello gateway")
	sig := m.Sign(msg)
	require.True(t, m.Verify(msg, sig))
	require.False(t, m.Verify([]byte("tampered"), sig))
}

func TestVerifyWithRejectsMalformedInputs(t *testing.T) {
	require.False(t, VerifyWith(nil, []byte("x"), []byte("y")))
}

func TestNewManagerInvalidHex(t *testing.T) {
	_, err := NewManagerFromHex("not-hex")
	require.Error(t, err)
}

func TestNewManagerWrongLength(t *testing.T) {
	_, err := NewManagerFromHex(hex.EncodeToString([]byte("short")))
	require.Error(t, err)
}
