// Package server wires the tagged-error router, auth/rate-limit/dedup
// middleware stack, and the spec §6 route table into one http.Server,
// mirroring the teacher's internal/api/server.go wiring (build a mux,
// register routes, wrap the whole thing in tracing, start it in the
// background and hand the caller the *http.Server to manage shutdown).
package server

import (
	"net/http"
	"time"

	"github.com/loadstub/gateway/internal/audit"
	"github.com/loadstub/gateway/internal/auth"
	"github.com/loadstub/gateway/internal/cache"
	"github.com/loadstub/gateway/internal/dedup"
	"github.com/loadstub/gateway/internal/dispatcher"
	"github.com/loadstub/gateway/internal/loader"
	"github.com/loadstub/gateway/internal/logging"
	"github.com/loadstub/gateway/internal/metrics"
	"github.com/loadstub/gateway/internal/observability"
	"github.com/loadstub/gateway/internal/ratelimit"
	"github.com/loadstub/gateway/internal/registry"
	"github.com/loadstub/gateway/internal/router"
)

// Dependencies aggregates everything a request handler needs. Nil-able
// fields (Limiter, AuthResolver, Dedup, Audit) disable the concern they back
// rather than requiring a caller to supply a no-op stand-in.
type Dependencies struct {
	Registry   registry.Registry
	CodeStore  registry.CodeStore
	Loader     *loader.Loader
	Dispatcher *dispatcher.Dispatcher

	Limiter         ratelimit.RateLimiter
	RateLimitPolicy ratelimit.Policy

	AuthResolver *auth.Resolver
	Dedup        *dedup.Map
	Audit        *audit.Recorder
	Invalidator  *cache.CacheInvalidator
}

type api struct {
	deps Dependencies
}

// NewRouter builds the full spec §6 route table over deps.
func NewRouter(deps Dependencies) *router.Router {
	a := &api{deps: deps}
	rt := router.New()

	if deps.Limiter != nil {
		rt.Use(ratelimit.Middleware(deps.Limiter, deps.RateLimitPolicy, organizationKey, functionIDKey))
	}

	rt.Get("/health", a.health)
	rt.Get("/", a.health)

	rt.Get("/metrics", asHandler(metrics.PrometheusHandler()))
	rt.Get("/v1/api/metrics", asHandler(metrics.Global().JSONHandler()))
	rt.Get("/v1/api/metrics/timeseries", asHandler(metrics.Global().TimeSeriesHandler()))

	rt.Post("/v1/api/functions", a.deploy, a.authMW("POST /v1/api/functions"))
	rt.Post("/api/functions", a.deploy, a.authMW("POST /v1/api/functions")) // legacy alias
	rt.Get("/v1/api/functions", a.list, a.authMW("GET /v1/api/functions"))
	rt.Get("/v1/api/functions/:id", a.info, a.authMW("GET /v1/api/functions/:id"))
	rt.Patch("/v1/api/functions/:id", a.update, a.authMW("PATCH /v1/api/functions/:id"))
	rt.Delete("/v1/api/functions/:id", a.delete, a.authMW("DELETE /v1/api/functions/:id"))

	rt.Post("/v1/functions/:id", a.invoke, a.authMW("POST /v1/functions/:id"), a.dedupMW())
	rt.Post("/v1/functions/:id/invoke", a.invoke, a.authMW("POST /v1/functions/:id/invoke"), a.dedupMW())
	rt.Get("/v1/functions/:id/logs", a.logs, a.authMW("GET /v1/functions/:id/logs"))
	rt.Post("/v1/cascade/:id", a.invoke, a.authMW("POST /v1/cascade/:id"), a.dedupMW())

	rt.Get("/v1/api/auth/validate", a.authValidate, a.authMW("GET /v1/api/auth/validate"))
	rt.Get("/v1/api/auth/me", a.authMe, a.authMW("GET /v1/api/auth/me"))
	rt.Get("/v1/api/auth/orgs", a.authOrgs, a.authMW("GET /v1/api/auth/orgs"))

	return rt
}

// StartHTTPServer builds the router, wraps it in the tracing middleware, and
// starts serving in the background, returning the *http.Server immediately
// so the caller owns its graceful shutdown.
func StartHTTPServer(addr string, deps Dependencies) *http.Server {
	rt := NewRouter(deps)
	srv := &http.Server{
		Addr:         addr,
		Handler:      observability.HTTPMiddleware(rt),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // tier 4 (human) invocations may sit for up to 24h
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("http server stopped", "error", err)
		}
	}()
	return srv
}

func (a *api) authMW(routeKey string) router.Middleware {
	if a.deps.AuthResolver == nil {
		return func(next router.Handler) router.Handler {
			return func(w http.ResponseWriter, r *http.Request) error {
				id := &auth.Identity{Subject: "anonymous"}
				return next(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
			}
		}
	}
	return auth.Middleware(a.deps.AuthResolver, routeKey)
}

func (a *api) dedupMW() router.Middleware {
	if a.deps.Dedup == nil {
		return func(next router.Handler) router.Handler { return next }
	}
	return dedup.Middleware(a.deps.Dedup, dedup.DefaultFingerprintFunc)
}

// organizationKey derives the ratelimit "custom" category key from the
// X-Organization header (spec §6 "Headers consumed").
func organizationKey(r *http.Request) string {
	return r.Header.Get("X-Organization")
}

func functionIDKey(r *http.Request) string {
	return router.Params(r)["id"]
}

// asHandler adapts a plain http.Handler (e.g. metrics exposition, which owns
// its own content-type/status writing) into a router.Handler.
func asHandler(h http.Handler) router.Handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		h.ServeHTTP(w, r)
		return nil
	}
}
