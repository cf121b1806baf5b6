package auth

import (
	"net/http"

	"github.com/loadstub/gateway/internal/router"
)

// Middleware adapts Resolver into a router.Middleware: it runs steps 1-6 of
// the auth pipeline, attaches the resolved Identity to the request context,
// then enforces routeKey's required scopes (step 7). routeKey is the
// "METHOD path-pattern" string registered for this route in Resolver.Scopes;
// pass "" for routes with no scope requirement.
func Middleware(resolver *Resolver, routeKey string) router.Middleware {
	return func(next router.Handler) router.Handler {
		return func(w http.ResponseWriter, r *http.Request) error {
			correlationID := router.CorrelationID(r)
			id := resolver.Resolve(w, r, correlationID)
			if id == nil {
				return nil // Resolve already wrote the 401 envelope
			}
			if routeKey != "" && !resolver.RequireScopes(w, correlationID, routeKey, id) {
				return nil // RequireScopes already wrote the 403 envelope
			}
			return next(w, r.WithContext(WithIdentity(r.Context(), id)))
		}
	}
}
