package plugins

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func TestVerifyCodeRoundTrip(t *testing.T) {
	pub, priv := testKeyPair(t)
	v, err := NewVerifierFromKey(base64.StdEncoding.EncodeToString(pub))
	require.NoError(t, err)

	code := []byte("export function onMessage() {}")
	sig := SignCode(priv, code, "weather", "1.2.0")

	require.NoError(t, v.VerifyCode(code, "weather", "1.2.0", sig))
	require.Error(t, v.VerifyCode(code, "weather", "1.2.1", sig))
	require.Error(t, v.VerifyCode(code, "other", "1.2.0", sig))
	require.Error(t, v.VerifyCode(append(code, '!'), "weather", "1.2.0", sig))
}

func TestVerifyPayloadOrderIndependent(t *testing.T) {
	pub, priv := testKeyPair(t)
	v, err := NewVerifierFromKey(base64.StdEncoding.EncodeToString(pub))
	require.NoError(t, err)

	files := []PayloadFile{
		{Path: "index.js", Data: []byte("main")},
		{Path: "lib/util.js", Data: []byte("util")},
	}
	sig := SignPayload(priv, files, "weather", "2.0.0")

	reversed := []PayloadFile{files[1], files[0]}
	require.NoError(t, v.VerifyPayload(reversed, "weather", "2.0.0", sig))

	tampered := []PayloadFile{
		{Path: "index.js", Data: []byte("main")},
		{Path: "lib/util.js", Data: []byte("evil")},
	}
	require.Error(t, v.VerifyPayload(tampered, "weather", "2.0.0", sig))
}

func TestVerifierAcceptsWrappedKey(t *testing.T) {
	pub, priv := testKeyPair(t)
	// DER/SPKI wrapped keys carry a 12-byte prefix before the raw key.
	wrapped := append(make([]byte, 12), pub...)
	v, err := NewVerifierFromKey(base64.StdEncoding.EncodeToString(wrapped))
	require.NoError(t, err)

	code := []byte("x")
	sig := SignCode(priv, code, "p", "1")
	require.NoError(t, v.VerifyCode(code, "p", "1", sig))
}

func TestVerifierRejectsShortKey(t *testing.T) {
	_, err := NewVerifierFromKey(base64.StdEncoding.EncodeToString([]byte("short")))
	require.Error(t, err)
}
