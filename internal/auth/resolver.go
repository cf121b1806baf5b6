package auth

import (
	"net/http"
	"strings"
)

// RouteScopes maps a "METHOD path-pattern" key (the same pattern string
// passed to router.Get/Post/...) to the scopes required to access it. A
// route with no entry requires no scopes once authenticated.
type RouteScopes map[string][]string

// Resolver implements the seven-step auth pipeline from spec §4.2.
type Resolver struct {
	PublicPaths    []string
	InternalHeader string // header name carrying the internal shared secret
	InternalSecret string
	APIKeys        Authenticator // consulted when the credential looks like an API key
	OAuth          Authenticator // consulted otherwise
	Scopes         RouteScopes
}

// NewResolver builds a Resolver. PublicPaths is stored as given; Resolve
// builds its lookup set from it on each call.
func NewResolver(publicPaths []string, internalHeader, internalSecret string, apiKeys, oauth Authenticator, scopes RouteScopes) *Resolver {
	return &Resolver{
		PublicPaths:    publicPaths,
		InternalHeader: internalHeader,
		InternalSecret: internalSecret,
		APIKeys:        apiKeys,
		OAuth:          oauth,
		Scopes:         scopes,
	}
}

// Resolve runs steps 1-6 of the auth resolver and returns the resolved
// Identity, or writes a 401 envelope and returns nil. Scope enforcement
// (step 7) is not done here; call RequireScopes separately once the route
// is known.
func (res *Resolver) Resolve(w http.ResponseWriter, r *http.Request, correlationID string) *Identity {
	publicSet := make(map[string]bool, len(res.PublicPaths))
	for _, p := range res.PublicPaths {
		publicSet[p] = true
	}
	if isPublicPath(r.URL.Path, publicSet) {
		return &Identity{Subject: "anonymous", Scopes: nil}
	}

	if res.InternalHeader != "" && res.InternalSecret != "" {
		if r.Header.Get(res.InternalHeader) == res.InternalSecret {
			return &Identity{Subject: "internal", Scopes: []string{"*"}}
		}
	}

	credential := extractCredential(r)
	if credential == "" {
		unauthorized(w, correlationID, "missing credential")
		return nil
	}

	if (LooksLikeAPIKey(credential) || res.APIKeys != nil) && res.APIKeys != nil {
		if id := res.APIKeys.Authenticate(r.Context(), credential); id != nil {
			id.KeyHint = keyHint(credential)
			return id
		}
		unauthorized(w, correlationID, "invalid, inactive, or expired API key")
		return nil
	}

	if res.OAuth != nil {
		if id := res.OAuth.Authenticate(r.Context(), credential); id != nil {
			return id
		}
		unauthorized(w, correlationID, "invalid bearer token")
		return nil
	}

	unauthorized(w, correlationID, "no authentication backend configured")
	return nil
}

// RequireScopes enforces step 7: if routeKey has a scope requirement, the
// identity must carry every listed scope or the request is rejected 403.
func (res *Resolver) RequireScopes(w http.ResponseWriter, correlationID, routeKey string, id *Identity) bool {
	required, ok := res.Scopes[routeKey]
	if !ok || len(required) == 0 {
		return true
	}
	if id.HasAllScopes(required) {
		return true
	}
	forbidden(w, correlationID, required)
	return false
}

// extractCredential implements step 3: custom header (X-Gateway-Auth,
// matching the teacher's single custom-header precedent), then X-API-Key,
// then "Authorization: Bearer <token>".
func extractCredential(r *http.Request) string {
	if v := r.Header.Get("X-Gateway-Auth"); v != "" {
		return v
	}
	if v := r.Header.Get("X-API-Key"); v != "" {
		return v
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
