// Package identity manages the bridge's long-lived RSA keypair and the
// cryptographic primitives the command protocol is built on: PKCS#1 v1.5
// signatures over canonical JSON, replay fingerprints, and random tokens.
package identity

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	keyBits        = 2048
	privateKeyFile = "private.pem"
	publicKeyFile  = "public.pem"
)

// ErrKeyPermissions is returned when the private key file is readable by
// group or world. The daemon refuses to start rather than sign with a key
// another local user may have copied.
var ErrKeyPermissions = errors.New("private key file must not be group or world readable")

// Identity is the bridge's persistent keypair. The private key never leaves
// this process; the public key PEM is shared with clients during pairing so
// they can verify bridge signatures.
type Identity struct {
	private *rsa.PrivateKey
	pubPEM  string
}

// LoadOrCreate loads the keypair from dir, generating and persisting a new
// RSA-2048 pair on first start. The keys directory is created 0700 and both
// PEM files are written 0600.
func LoadOrCreate(dir string) (*Identity, error) {
	keyDir := filepath.Join(dir, "keys")
	privPath := filepath.Join(keyDir, privateKeyFile)

	if _, err := os.Stat(privPath); err == nil {
		return load(keyDir)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat private key: %w", err)
	}

	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}

	pubPEM, err := EncodePublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(keyDir, publicKeyFile), []byte(pubPEM), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write public key: %w", err)
	}

	slog.Info("[Identity] Generated new bridge keypair", "dir", keyDir)
	return &Identity{private: priv, pubPEM: pubPEM}, nil
}

func load(keyDir string) (*Identity, error) {
	privPath := filepath.Join(keyDir, privateKeyFile)

	info, err := os.Stat(privPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat private key: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("%w: %s has mode %04o", ErrKeyPermissions, privPath, info.Mode().Perm())
	}

	raw, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM block")
	}

	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	pubPEM, err := EncodePublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, err
	}

	slog.Info("[Identity] Loaded bridge keypair", "dir", keyDir)
	return &Identity{private: priv, pubPEM: pubPEM}, nil
}

// PublicKeyPEM returns the bridge public key in PKIX PEM form.
func (id *Identity) PublicKeyPEM() string {
	return id.pubPEM
}

// Sign signs payload with the bridge private key using PKCS#1 v1.5 over
// SHA-256 and returns the signature base64 (standard alphabet) encoded.
func (id *Identity) Sign(payload []byte) (string, error) {
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, id.private, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 PKCS#1 v1.5 signature over payload against a
// PEM-encoded RSA public key. Invalid keys, encodings, and signatures all
// report false; the signature bytes are never logged.
func Verify(payload []byte, signatureB64, publicKeyPEM string) bool {
	pub, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}

	digest := sha256.Sum256(payload)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
}

// ParsePublicKeyPEM parses a PEM-encoded RSA public key. Both PKIX
// ("PUBLIC KEY") and PKCS#1 ("RSA PUBLIC KEY") encodings are accepted since
// client crypto libraries disagree about which to emit.
func ParsePublicKeyPEM(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaPub, nil
	}

	rsaPub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return rsaPub, nil
}

// EncodePublicKeyPEM encodes an RSA public key in PKIX PEM form.
func EncodePublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// SecureCompare performs a constant-time comparison of two strings.
func SecureCompare(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
