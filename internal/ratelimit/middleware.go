package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loadstub/gateway/internal/auth"
	"github.com/loadstub/gateway/internal/errs"
	"github.com/loadstub/gateway/internal/metrics"
	"github.com/loadstub/gateway/internal/router"
)

// CategoryConfig is a category's configuration plus whatever keying the
// caller wants for it (e.g. the custom category's key is app-specific).
type CategoryConfig struct {
	Config  Config
	Enabled bool
}

// Policy configures the four categories plus bypass/whitelist exceptions.
type Policy struct {
	Endpoint  CategoryConfig
	Custom    CategoryConfig
	Function  CategoryConfig
	IP        CategoryConfig
	BypassSet map[string]bool // exact or "/*"-suffixed path prefixes
	Whitelist map[string]bool // client addresses that are always allowed
}

// CustomKeyFunc derives the "custom" category key for a request, e.g. from
// an org header; returning "" disables the custom check for that request.
type CustomKeyFunc func(r *http.Request) string

// FunctionKeyFunc derives the "function" category key (the invoked
// function's id) from route params; returning "" disables that check.
type FunctionKeyFunc func(r *http.Request) string

// Middleware enforces Policy in the evaluation order endpoint -> custom ->
// function -> ip, first denial wins, for use as router.Middleware. l may be
// the per-instance Limiter or a durable, cross-instance RateLimiter.
func Middleware(l RateLimiter, policy Policy, customKey CustomKeyFunc, functionKey FunctionKeyFunc) router.Middleware {
	return func(next router.Handler) router.Handler {
		return func(w http.ResponseWriter, r *http.Request) error {
			if policy.BypassSet[r.URL.Path] || hasWildcardBypass(r.URL.Path, policy.BypassSet) {
				return next(w, r)
			}
			if policy.Whitelist[clientAddress(r)] {
				return next(w, r)
			}

			checks := buildChecks(r, policy, customKey, functionKey)
			for _, c := range checks {
				res := l.Allow(c.category, c.key, c.cfg)
				writeRateLimitHeaders(w, res, c.cfg)
				if !res.Allowed {
					metrics.Global().RecordRateLimitDenied(string(c.category))
					retryAfter := int(res.ResetAt.Sub(time.Now()).Seconds())
					if retryAfter < 1 {
						retryAfter = 1
					}
					return errs.New(errs.KindRateLimit, "rate limit exceeded for "+string(c.category)).
						WithContext("retryAfter", retryAfter).
						WithRetryAfter(retryAfter)
				}
			}
			return next(w, r)
		}
	}
}

type check struct {
	category Category
	key      string
	cfg      Config
}

func buildChecks(r *http.Request, policy Policy, customKey CustomKeyFunc, functionKey FunctionKeyFunc) []check {
	var checks []check

	if policy.Endpoint.Enabled {
		checks = append(checks, check{CategoryEndpoint, r.Method + ":" + r.URL.Path, policy.Endpoint.Config})
	}
	if policy.Custom.Enabled && customKey != nil {
		if key := customKey(r); key != "" {
			checks = append(checks, check{CategoryCustom, key, policy.Custom.Config})
		}
	}
	if policy.Function.Enabled && functionKey != nil {
		if key := functionKey(r); key != "" {
			checks = append(checks, check{CategoryFunction, key, policy.Function.Config})
		}
	}
	if policy.IP.Enabled {
		checks = append(checks, check{CategoryIP, clientAddress(r), policy.IP.Config})
	}
	return checks
}

func writeRateLimitHeaders(w http.ResponseWriter, res Result, cfg Config) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.MaxRequests))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}

func hasWildcardBypass(path string, bypass map[string]bool) bool {
	for p := range bypass {
		if strings.HasSuffix(p, "/*") && strings.HasPrefix(path, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

// clientAddress extracts the caller's address, preferring the principal's
// identity (authenticated callers are keyed by subject, not IP) and
// otherwise falling back through the proxy headers spec §6 names.
func clientAddress(r *http.Request) string {
	if id := auth.GetIdentity(r.Context()); id != nil && id.Subject != "anonymous" {
		return id.Subject
	}
	return clientIP(r)
}

func clientIP(r *http.Request) string {
	if cf := r.Header.Get("CF-Connecting-IP"); cf != "" {
		return strings.TrimSpace(cf)
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return strings.TrimSuffix(strings.TrimPrefix(ip, "["), "]")
}
