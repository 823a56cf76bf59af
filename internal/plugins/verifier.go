package plugins

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"sort"
)

// officialPublicKeyEnv overrides the bundled publisher key, mainly for
// private deployments running their own signing service.
const officialPublicKeyEnv = "NBOT_OFFICIAL_PUBLIC_KEY_B64"

// defaultOfficialPublicKeyB64 is the publisher key plugins in the
// official marketplace are signed with.
const defaultOfficialPublicKeyB64 = "K5Zf0qPZ0cX0vH6b8a3lJt1nF4dQm7rYw2sT9uVbE8g="

// Verifier checks Ed25519 signatures over plugin code.
type Verifier struct {
	pub ed25519.PublicKey
}

// NewVerifier builds a verifier from the env override or the bundled
// publisher key.
func NewVerifier() (*Verifier, error) {
	b64 := os.Getenv(officialPublicKeyEnv)
	if b64 == "" {
		b64 = defaultOfficialPublicKeyB64
	}
	return NewVerifierFromKey(b64)
}

// NewVerifierFromKey builds a verifier from a base64 public key. Keys
// longer than 32 bytes (DER/SPKI wrapped) contribute their trailing 32
// bytes.
func NewVerifierFromKey(b64 string) (*Verifier, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) > ed25519.PublicKeySize {
		raw = raw[len(raw)-ed25519.PublicKeySize:]
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return &Verifier{pub: ed25519.PublicKey(raw)}, nil
}

// signedMessage is SHA256 of the code followed by the plugin identity,
// binding the signature to both the content and the version it ships as.
func signedMessage(codeHash [sha256.Size]byte, pluginID, version string) []byte {
	msg := make([]byte, 0, sha256.Size+len(pluginID)+len(version))
	msg = append(msg, codeHash[:]...)
	msg = append(msg, pluginID...)
	msg = append(msg, version...)
	return msg
}

// VerifyCode checks a signature over a single code file.
func (v *Verifier) VerifyCode(code []byte, pluginID, version, signatureB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	msg := signedMessage(sha256.Sum256(code), pluginID, version)
	if !ed25519.Verify(v.pub, msg, sig) {
		return fmt.Errorf("signature verification failed for %s@%s", pluginID, version)
	}
	return nil
}

// PayloadFile is one file of a multi-file plugin payload.
type PayloadFile struct {
	Path string
	Data []byte
}

// payloadHash digests a file set in a path-stable order. Paths and
// contents are separated by NUL so reshuffling bytes between fields
// cannot produce the same digest.
func payloadHash(files []PayloadFile) [sha256.Size]byte {
	sorted := make([]PayloadFile, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	h := sha256.New()
	for _, f := range sorted {
		h.Write([]byte(f.Path))
		h.Write([]byte{0})
		h.Write(f.Data)
		h.Write([]byte{0})
	}
	var out [sha256.Size]byte
	h.Sum(out[:0])
	return out
}

// VerifyPayload checks a signature over a multi-file plugin payload.
func (v *Verifier) VerifyPayload(files []PayloadFile, pluginID, version, signatureB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	msg := signedMessage(payloadHash(files), pluginID, version)
	if !ed25519.Verify(v.pub, msg, sig) {
		return fmt.Errorf("signature verification failed for %s@%s", pluginID, version)
	}
	return nil
}

// SignCode produces the signature VerifyCode expects. Used by the
// signing service and by tests.
func SignCode(priv ed25519.PrivateKey, code []byte, pluginID, version string) string {
	msg := signedMessage(sha256.Sum256(code), pluginID, version)
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, msg))
}

// SignPayload produces the signature VerifyPayload expects.
func SignPayload(priv ed25519.PrivateKey, files []PayloadFile, pluginID, version string) string {
	msg := signedMessage(payloadHash(files), pluginID, version)
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, msg))
}
