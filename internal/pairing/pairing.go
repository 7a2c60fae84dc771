// Package pairing issues and redeems the short-lived single-use codes that
// bind a remote app identity to the bridge public key.
package pairing

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// CodeTTL is how long an issued code stays redeemable.
const CodeTTL = 5 * time.Minute

// Code is one issued pairing code. The code string is the secret; it is
// redeemable exactly once before ExpiresAt.
type Code struct {
	Code            string
	AppName         string
	AppURL          string
	BridgePublicKey string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	Used            bool
}

// Redemption is the successful outcome of redeeming a code.
type Redemption struct {
	Code            string
	AppName         string
	AppURL          string
	ClientPublicKey string
}

// Registry stores pending codes. All operations sweep expired entries first.
type Registry struct {
	mu    sync.Mutex
	codes map[string]*Code
	now   func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		codes: make(map[string]*Code),
		now:   time.Now,
	}
}

// Issue creates and stores a fresh code bound to the app identity and the
// bridge public key.
func (r *Registry) Issue(appName, appURL, bridgePublicKey string) (*Code, error) {
	if appName == "" || appURL == "" {
		return nil, fmt.Errorf("appName and appUrl are required")
	}

	code, err := generateCode()
	if err != nil {
		return nil, err
	}

	now := r.now()
	entry := &Code{
		Code:            code,
		AppName:         appName,
		AppURL:          appURL,
		BridgePublicKey: bridgePublicKey,
		CreatedAt:       now,
		ExpiresAt:       now.Add(CodeTTL),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(now)
	r.codes[code] = entry

	slog.Info("[Pairing] Issued code", "app_name", appName, "expires_at", entry.ExpiresAt)
	return entry, nil
}

// Redeem consumes a code. It succeeds at most once per code, and only while
// the code exists, is unexpired, unused, and a client public key was
// presented. The entry is removed in the same critical section, so a
// concurrent second redemption observes absence.
func (r *Registry) Redeem(code, clientPublicKey string) (*Redemption, bool) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(now)

	entry, ok := r.codes[code]
	if !ok || entry.Used || now.After(entry.ExpiresAt) || clientPublicKey == "" {
		return nil, false
	}

	entry.Used = true
	delete(r.codes, code)

	slog.Info("[Pairing] Code redeemed", "app_name", entry.AppName)
	return &Redemption{
		Code:            entry.Code,
		AppName:         entry.AppName,
		AppURL:          entry.AppURL,
		ClientPublicKey: clientPublicKey,
	}, true
}

// Pending returns the number of live codes.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(r.now())
	return len(r.codes)
}

func (r *Registry) sweepLocked(now time.Time) {
	for code, entry := range r.codes {
		if now.After(entry.ExpiresAt) {
			delete(r.codes, code)
		}
	}
}

// generateCode builds three groups of four uppercase hex characters,
// e.g. A1B2-C3D4-E5F6.
func generateCode() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate pairing code: %w", err)
	}
	raw := strings.ToUpper(hex.EncodeToString(buf))
	return raw[0:4] + "-" + raw[4:8] + "-" + raw[8:12], nil
}
