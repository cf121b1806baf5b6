package main

import (
	"context"
	"net/http"
	"os"

	goredis "github.com/go-redis/redis/v8"

	"github.com/loadstub/gateway/internal/aiclient"
	"github.com/loadstub/gateway/internal/audit"
	"github.com/loadstub/gateway/internal/auth"
	"github.com/loadstub/gateway/internal/cache"
	"github.com/loadstub/gateway/internal/circuitbreaker"
	"github.com/loadstub/gateway/internal/config"
	"github.com/loadstub/gateway/internal/dedup"
	"github.com/loadstub/gateway/internal/dispatcher"
	"github.com/loadstub/gateway/internal/domain"
	"github.com/loadstub/gateway/internal/executor"
	"github.com/loadstub/gateway/internal/loader"
	"github.com/loadstub/gateway/internal/metrics"
	"github.com/loadstub/gateway/internal/ratelimit"
	"github.com/loadstub/gateway/internal/registry"
	"github.com/loadstub/gateway/internal/server"
)

// coreDeps bundles every long-lived collaborator the CLI and the HTTP
// server build on top of config.Config, so `serve` and the direct-dispatch
// CLI subcommands (deploy/invoke/rollback) share one construction path.
type coreDeps struct {
	cfg        *config.Config
	registry   registry.Registry
	codeStore  registry.CodeStore
	loader      *loader.Loader
	dispatcher  *dispatcher.Dispatcher
	limiter     ratelimit.RateLimiter
	resolver    *auth.Resolver
	dedup       *dedup.Map
	audit       *audit.Recorder
	invalidator *cache.CacheInvalidator
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

// buildCore wires storage, the loader, the AI-backed executors, and the
// dispatcher from cfg. Storage backs onto Redis when cfg.Cache.UseRedis is
// set and falls back to the in-memory adapters otherwise, so a single
// binary serves both a quick local run and a durable deployment.
func buildCore(cfg *config.Config) *coreDeps {
	if cfg.Observability.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
	}

	var backend cache.Cache
	var redisClient *goredis.Client
	redis := func() *goredis.Client {
		if redisClient == nil {
			redisClient = goredis.NewClient(&goredis.Options{
				Addr: cfg.Cache.RedisAddr,
				DB:   cfg.Cache.RedisDB,
			})
		}
		return redisClient
	}
	if cfg.Cache.UseRedis {
		backend = cache.NewRedisCacheFromClient(redis(), cfg.Cache.KeyPrefix)
	} else {
		backend = cache.NewInMemoryCache()
	}
	if cfg.RateLimit.UseRedis {
		redis() // ensure the shared client exists even if Cache.UseRedis is false
	}

	var reg registry.Registry
	var codeStore registry.CodeStore
	if cfg.Cache.UseRedis {
		cs := registry.NewCacheStore(backend)
		reg, codeStore = cs, cs
	} else {
		ms := registry.NewMemoryStore()
		reg, codeStore = ms, ms
	}

	l1 := cache.NewInMemoryCache()
	tiered := cache.NewTieredCache(l1, backend, cfg.Loader.CacheTTL)
	breakers := circuitbreaker.NewRegistry()
	ld := loader.New(reg, codeStore, tiered, breakers, cfg.Loader)

	var invalidator *cache.CacheInvalidator
	if cfg.Cache.UseRedis {
		invalidator = cache.NewCacheInvalidator(l1, redis())
		ld.SetInvalidator(invalidator)
		go invalidator.Start(context.Background())
	}

	var anthropicClient aiclient.Client
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		anthropicClient = aiclient.NewAnthropicClient(key)
	}
	var openaiClient aiclient.Client
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		openaiClient = aiclient.NewOpenAIClient(key)
	}
	aiResolver := aiclient.NewResolver(anthropicClient, openaiClient)

	executors := map[domain.Kind]executor.Executor{
		domain.KindCode:       executor.NewCodeExecutor(),
		domain.KindGenerative: executor.NewGenerativeExecutor(aiResolver),
	}
	dp := dispatcher.New(ld, executors, cfg.Tiers, nil)
	// The agentic executor's function-kind tool dispatches back through dp
	// itself; executors is the same map dp holds, so inserting here after
	// construction closes the loop without a setter on Dispatcher.
	executors[domain.KindAgentic] = executor.NewAgenticExecutor(aiResolver, dp, nil, http.DefaultClient)
	executors[domain.KindHuman] = executor.NewHumanExecutor(nil)

	var resolver *auth.Resolver
	if cfg.Auth.Enabled {
		var apiKeyAuth auth.Authenticator
		if cfg.Auth.APIKeys.Enabled {
			keys := make([]auth.StaticKeyConfig, 0, len(cfg.Auth.APIKeys.StaticKeys))
			for _, k := range cfg.Auth.APIKeys.StaticKeys {
				keys = append(keys, auth.StaticKeyConfig{Name: k.Name, Key: k.Key, Tier: k.Tier, Scopes: k.Scopes})
			}
			apiKeyAuth = auth.NewAPIKeyAuthenticator(auth.APIKeyAuthConfig{Redis: redisClient, StaticKeys: keys})
		}
		var oauthAuth auth.Authenticator
		if cfg.Auth.OAuth.Enabled {
			oa, err := auth.NewOAuthAuthenticator(auth.OAuthConfig{
				Algorithm:     cfg.Auth.OAuth.Algorithm,
				Secret:        cfg.Auth.OAuth.Secret,
				PublicKeyFile: cfg.Auth.OAuth.PublicKeyFile,
				Issuer:        cfg.Auth.OAuth.Issuer,
			})
			if err == nil {
				oauthAuth = oa
			}
		}
		resolver = auth.NewResolver(cfg.Auth.PublicPaths, cfg.Auth.InternalHeader, cfg.Auth.InternalSecret,
			apiKeyAuth, oauthAuth, auth.RouteScopes(cfg.Auth.RouteScopes))
	}

	var limiter ratelimit.RateLimiter
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.UseRedis {
			backend := ratelimit.NewFallbackBackend(ratelimit.NewRedisBackend(redis()))
			limiter = ratelimit.NewDurableLimiter(backend)
		} else {
			limiter = ratelimit.New(cfg.RateLimit.InstanceCap, cfg.RateLimit.SweepInterval)
		}
	}

	dd := dedup.New(cfg.Dedup.Enabled, cfg.Dedup.TTL)
	rec := audit.New(true, true, nil)

	return &coreDeps{
		cfg:         cfg,
		registry:    reg,
		codeStore:   codeStore,
		loader:      ld,
		dispatcher:  dp,
		limiter:     limiter,
		resolver:    resolver,
		dedup:       dd,
		audit:       rec,
		invalidator: invalidator,
	}
}

func ratelimitPolicy(cfg config.RateLimitConfig) ratelimit.Policy {
	toCategory := func(w config.WindowConfig) ratelimit.CategoryConfig {
		return ratelimit.CategoryConfig{
			Enabled: w.Enabled,
			Config:  ratelimit.Config{WindowMs: w.WindowMs, MaxRequests: w.MaxRequests},
		}
	}
	bypass := make(map[string]bool, len(cfg.BypassPaths))
	for _, p := range cfg.BypassPaths {
		bypass[p] = true
	}
	whitelist := make(map[string]bool, len(cfg.Whitelist))
	for _, addr := range cfg.Whitelist {
		whitelist[addr] = true
	}
	return ratelimit.Policy{
		Endpoint:  toCategory(cfg.Endpoint),
		Custom:    toCategory(cfg.Custom),
		Function:  toCategory(cfg.Function),
		IP:        toCategory(cfg.IP),
		BypassSet: bypass,
		Whitelist: whitelist,
	}
}

func (c *coreDeps) serverDeps() server.Dependencies {
	return server.Dependencies{
		Registry:        c.registry,
		CodeStore:       c.codeStore,
		Loader:          c.loader,
		Dispatcher:      c.dispatcher,
		Limiter:         c.limiter,
		RateLimitPolicy: ratelimitPolicy(c.cfg.RateLimit),
		AuthResolver:    c.resolver,
		Dedup:           c.dedup,
		Audit:           c.audit,
		Invalidator:     c.invalidator,
	}
}
