package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonicalize serializes v to RFC 8785 (JCS) canonical JSON: object keys
// sorted by codepoint, no insignificant whitespace, minimal number forms.
// Two structurally equal values always canonicalize to identical bytes,
// which is what makes signatures and replay fingerprints stable across
// client runtimes.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal for canonicalization: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize: %w", err)
	}
	return out, nil
}

// CanonicalFingerprint computes the replay-cache fingerprint for a command:
// hex SHA-256 over the command id concatenated with the canonical form of
// its data payload.
func CanonicalFingerprint(commandID string, data any) (string, error) {
	canonical, err := Canonicalize(data)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(append([]byte(commandID), canonical...))
	return hex.EncodeToString(digest[:]), nil
}

// RandomToken returns n bytes of cryptographic randomness encoded with the
// unpadded URL-safe base64 alphabet.
func RandomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// RandomHex returns n random bytes hex-encoded. Session identifiers use
// RandomHex(16) for 128 bits of entropy.
func RandomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}
