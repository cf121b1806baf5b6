// Package auth implements the auth resolver from spec §4.2: public-path
// bypass, an internal-header shared secret, API-key lookup by SHA-256, an
// OAuth/bearer-token backend, default-deny when neither backend is
// configured, and per-route required-scope enforcement. The shape mirrors
// the teacher's (github.com/oriys/nova) Authenticator-chain middleware;
// the resolver below replaces nova's tenant/namespace PolicyBinding scheme
// with the flatter route-scopes list the gateway's routes need.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/loadstub/gateway/internal/errs"
)

// Identity represents an authenticated principal.
type Identity struct {
	Subject string         // "internal", "apikey:<name>", or "user:<id>"
	KeyHint string         // "****<last4>" — never the raw credential
	Tier    string         // rate-limit tier: "default", "premium", etc.
	Scopes  []string       // granted scopes, checked against a route's requirements
	Claims  map[string]any // OAuth claims or API-key metadata
}

// HasScope reports whether the identity carries scope s, or the "*" wildcard.
func (id *Identity) HasScope(s string) bool {
	for _, g := range id.Scopes {
		if g == "*" || g == s {
			return true
		}
	}
	return false
}

// HasAllScopes reports whether the identity carries every scope in want.
func (id *Identity) HasAllScopes(want []string) bool {
	for _, w := range want {
		if !id.HasScope(w) {
			return false
		}
	}
	return true
}

type contextKey struct{}

var identityKey = contextKey{}

// WithIdentity attaches an Identity to ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity retrieves the Identity set by the resolver, nil if unauthenticated.
func GetIdentity(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

// Authenticator validates a credential already extracted from the request
// and returns the Identity it resolves to, or nil if it doesn't recognize
// the credential (not "invalid" — just "not mine to judge").
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) *Identity
}

// Backend pairs an Authenticator with the predicate that decides whether a
// given credential belongs to it (e.g. API keys carry a recognizable
// prefix; everything else falls through to OAuth).
type Backend struct {
	Authenticator Authenticator
	Owns          func(credential string) bool
}

// apiKeyPrefixes are the recognized API-key prefixes from spec §4.2 step 4.
var apiKeyPrefixes = []string{"sk_", "pk_", "fn_", "api_", "key_"}

// LooksLikeAPIKey reports whether credential carries a known API-key prefix.
func LooksLikeAPIKey(credential string) bool {
	for _, p := range apiKeyPrefixes {
		if strings.HasPrefix(credential, p) {
			return true
		}
	}
	return false
}

// keyHint renders "****<last4>" for logging/audit without the raw secret.
func keyHint(credential string) string {
	if len(credential) <= 4 {
		return "****"
	}
	return "****" + credential[len(credential)-4:]
}

func isPublicPath(path string, publicSet map[string]bool) bool {
	if publicSet[path] {
		return true
	}
	for p := range publicSet {
		if strings.HasSuffix(p, "/*") {
			prefix := strings.TrimSuffix(p, "*")
			if strings.HasPrefix(path, prefix) {
				return true
			}
		}
	}
	return false
}

func unauthorized(w http.ResponseWriter, correlationID, message string) {
	errs.Write(w, correlationID, errs.New(errs.KindAuthentication, message))
}

func forbidden(w http.ResponseWriter, correlationID string, missing []string) {
	errs.Write(w, correlationID, errs.New(errs.KindAuthorization, "insufficient scope").
		WithContext("required", missing))
}
