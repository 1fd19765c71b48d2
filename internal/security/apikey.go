package security

import (
	"crypto/subtle"

	"github.com/auxproto/aux-go/internal/types"
)

// Authenticator performs constant-time API key comparison. A zero-value
// Authenticator with Enabled=false accepts every credential.
type Authenticator struct {
	enabled bool
	secret  []byte
}

// NewAuthenticator creates an authenticator for the configured secret.
func NewAuthenticator(enabled bool, apiKey string) *Authenticator {
	return &Authenticator{enabled: enabled, secret: []byte(apiKey)}
}

// Enabled reports whether authentication is required.
func (a *Authenticator) Enabled() bool { return a.enabled }

// Authenticate compares the presented key against the configured secret in
// constant time.
func (a *Authenticator) Authenticate(apiKey string) error {
	if !a.enabled {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), a.secret) != 1 {
		return types.ErrAuthFailed
	}
	return nil
}
