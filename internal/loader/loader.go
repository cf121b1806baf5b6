// Package loader implements the function loader (C6): the component that
// turns a deployed (metadata, artifact) pair into a cacheable FunctionStub
// the dispatcher can invoke, per spec §4.5.
//
// The happy path is a shared-cache hit. On a miss, a single loader instance
// coalesces concurrent loads for the same id via singleflight, consults the
// function's circuit breaker before touching the registry/code store at
// all, retries transient failures with jittered exponential backoff, and —
// when every retry is exhausted and the caller opted in — degrades to a
// configured fallback version rather than failing the invocation outright.
package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/loadstub/gateway/internal/cache"
	"github.com/loadstub/gateway/internal/circuitbreaker"
	"github.com/loadstub/gateway/internal/config"
	"github.com/loadstub/gateway/internal/domain"
	"github.com/loadstub/gateway/internal/errs"
	"github.com/loadstub/gateway/internal/logging"
	"github.com/loadstub/gateway/internal/metrics"
	"github.com/loadstub/gateway/internal/registry"
)

const latestTag = "latest"

// Loader resolves deployed functions into FunctionStubs, backed by a shared
// edge cache in front of a Registry/CodeStore pair.
type Loader struct {
	registry  registry.Registry
	codeStore registry.CodeStore
	cache       cache.Cache
	breakers    *circuitbreaker.Registry
	group       singleflight.Group
	cfg         config.LoaderConfig
	metrics     *Metrics
	invalidator *cache.CacheInvalidator
}

// New constructs a Loader. breakers may be shared with other components
// that need to observe the same per-function breaker state (e.g. the
// dispatcher's health surface); pass circuitbreaker.NewRegistry() if the
// caller has no existing one.
func New(reg registry.Registry, codeStore registry.CodeStore, c cache.Cache, breakers *circuitbreaker.Registry, cfg config.LoaderConfig) *Loader {
	return &Loader{
		registry:  reg,
		codeStore: codeStore,
		cache:     c,
		breakers:  breakers,
		cfg:       cfg,
		metrics:   NewMetrics(),
	}
}

// Metrics exposes the loader's counters and load-time samples.
func (l *Loader) Metrics() *Metrics { return l.metrics }

// SetInvalidator wires a cross-instance cache invalidator: Rollback
// publishes the latest-pointer key to it after deleting from the local
// cache, so other instances evict their copy instead of serving the
// rolled-back version out of L1 until TTL expiry. Nil disables cross
// instance invalidation (single-instance or no-Redis deployments).
func (l *Loader) SetInvalidator(ci *cache.CacheInvalidator) { l.invalidator = ci }

// LatestCacheKey returns the cache key the loader uses for id's latest
// pointer, so callers that mutate a function's metadata out of band (the
// deploy/update/delete handlers) can invalidate it with the exact key this
// loader would otherwise serve stale.
func (l *Loader) LatestCacheKey(id string) string { return stubCacheKey(id, latestTag) }

// LoadOptions tunes a single Load call's graceful-degradation behavior.
// FallbackVersion is a per-function concern (it names a specific prior
// deploy), so it travels with the call rather than the Loader's config.
type LoadOptions struct {
	GracefulDegradation bool
	FallbackVersion     string
}

// cachedRecord is the JSON shape written to/read from the shared stub
// cache. FunctionStub.Entry is never cached — per spec §4.5 it is bound by
// the loader's caller (the code executor), not the loader itself.
type cachedRecord struct {
	Metadata *domain.FunctionMetadata `json:"metadata"`
	Artifact *domain.CodeArtifact    `json:"artifact,omitempty"`
	Version  string                  `json:"version"`
	LoadedAt time.Time               `json:"loadedAt"`
}

func stubCacheKey(id, version string) string {
	return fmt.Sprintf("loader-cache.internal/stubs/%s/%s", id, version)
}

// Load resolves id, optionally with an explicit LoadOptions for graceful
// degradation. A bare id resolves to the latest published version.
func (l *Loader) Load(ctx context.Context, id string, opts ...LoadOptions) (*domain.LoadResult, error) {
	return l.load(ctx, id, "", false, firstOptions(opts))
}

// LoadVersion resolves id pinned to version.
func (l *Loader) LoadVersion(ctx context.Context, id, version string, opts ...LoadOptions) (*domain.LoadResult, error) {
	return l.load(ctx, id, version, true, firstOptions(opts))
}

func firstOptions(opts []LoadOptions) LoadOptions {
	if len(opts) == 0 {
		return LoadOptions{}
	}
	return opts[0]
}

func (l *Loader) load(ctx context.Context, id, version string, pinned bool, opts LoadOptions) (*domain.LoadResult, error) {
	tag := latestTag
	if pinned {
		tag = version
	}

	start := time.Now()
	if rec, ok := l.tryCache(ctx, id, tag); ok {
		l.metrics.CacheHits.Add(1)
		return &domain.LoadResult{
			Stub:       stubFromRecord(rec),
			Success:    true,
			FromCache:  true,
			LoadTimeMs: time.Since(start).Milliseconds(),
		}, nil
	}
	l.metrics.CacheMiss.Add(1)

	res, err := l.loadLeader(ctx, id, version, pinned)
	if err == nil {
		return res, nil
	}

	if opts.GracefulDegradation && opts.FallbackVersion != "" && opts.FallbackVersion != version {
		logging.Op().Warn("load failed, attempting graceful degradation",
			"function_id", id, "failed_version", version, "fallback_version", opts.FallbackVersion, "error", err)
		fallback, fbErr := l.loadLeader(ctx, id, opts.FallbackVersion, true)
		if fbErr == nil {
			fallback.Degraded = true
			fallback.DegradationReason = err.Error()
			return fallback, nil
		}
	}

	return nil, err
}

func (l *Loader) tryCache(ctx context.Context, id, tag string) (*cachedRecord, bool) {
	raw, err := l.cache.Get(ctx, stubCacheKey(id, tag))
	if err != nil {
		return nil, false
	}
	var rec cachedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

func stubFromRecord(rec *cachedRecord) *domain.FunctionStub {
	return &domain.FunctionStub{
		Metadata: rec.Metadata,
		Artifact: rec.Artifact,
		LoadedAt: rec.LoadedAt,
		Version:  rec.Version,
	}
}

// loadLeader is the cache-miss path: breaker check, local in-flight
// coalescing, retrying fetch.
func (l *Loader) loadLeader(ctx context.Context, id, version string, pinned bool) (*domain.LoadResult, error) {
	breaker := l.breakers.Get(id, l.breakerConfig())
	if !breaker.Allow() {
		l.metrics.Failures.Add(1)
		metrics.Global().RecordBreakerTrip(id, breaker.State().String())
		return nil, &BreakerOpenError{FunctionID: id, State: breaker.State()}
	}

	key := id
	if pinned {
		key = id + "@" + version
	}

	v, err, shared := l.group.Do(key, func() (interface{}, error) {
		return l.loadOnceWithRetry(ctx, id, version, pinned, breaker)
	})

	if err != nil {
		var fle *FunctionLoadError
		if e, ok := err.(*FunctionLoadError); ok {
			fle = e
			fle.IsCoalescedRequest = shared
			return nil, fle
		}
		return nil, err
	}
	return v.(*domain.LoadResult), nil
}

// loadOnceWithRetry performs the fetch-retry-backoff loop and records the
// breaker/metrics outcome exactly once, regardless of how many callers are
// coalesced onto this singleflight call.
func (l *Loader) loadOnceWithRetry(ctx context.Context, id, version string, pinned bool, breaker *circuitbreaker.Breaker) (*domain.LoadResult, error) {
	start := time.Now()
	retryCfg := l.cfg.Retry

	var lastErr error
	attempt := 0
	for ; attempt <= retryCfg.MaxAttempts; attempt++ {
		meta, artifact, err := l.fetchOnce(ctx, id, version, pinned)
		if err == nil {
			l.writeThrough(ctx, id, version, pinned, meta, artifact)
			breaker.RecordSuccess()
			metrics.SetCircuitBreakerState(id, int(breaker.State()))
			l.metrics.Loads.Add(1)
			l.metrics.Successes.Add(1)
			elapsed := time.Since(start).Milliseconds()
			l.metrics.recordLoadTime(elapsed)
			return &domain.LoadResult{
				Stub: &domain.FunctionStub{
					Metadata: meta,
					Artifact: artifact,
					LoadedAt: time.Now(),
					Version:  meta.Version,
				},
				Success:    true,
				LoadTimeMs: elapsed,
				RetryCount: attempt,
			}, nil
		}

		lastErr = err
		if isNonTransient(err) || attempt == retryCfg.MaxAttempts {
			break
		}

		l.metrics.Retries.Add(1)
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt++
			goto exhausted
		case <-time.After(backoffDelay(retryCfg, attempt)):
		}
	}

exhausted:
	breaker.RecordFailure()
	metrics.SetCircuitBreakerState(id, int(breaker.State()))
	l.metrics.Loads.Add(1)
	l.metrics.Failures.Add(1)
	return nil, &FunctionLoadError{
		FunctionID:   id,
		Cause:        lastErr,
		RetryCount:   attempt,
		BreakerState: breaker.State(),
	}
}

func (l *Loader) fetchOnce(ctx context.Context, id, version string, pinned bool) (*domain.FunctionMetadata, *domain.CodeArtifact, error) {
	loadCtx := ctx
	var cancel context.CancelFunc
	if l.cfg.LoadTimeout > 0 {
		loadCtx, cancel = context.WithTimeout(ctx, l.cfg.LoadTimeout)
		defer cancel()
	}

	var meta *domain.FunctionMetadata
	var err error
	if pinned {
		meta, err = l.registry.GetMetadataVersion(loadCtx, id, version)
	} else {
		meta, err = l.registry.GetMetadata(loadCtx, id)
	}
	if err != nil {
		return nil, nil, err
	}

	if meta.Kind != domain.KindCode {
		return meta, nil, nil
	}

	var artifact *domain.CodeArtifact
	if pinned {
		artifact, err = l.codeStore.GetCodeVersion(loadCtx, id, meta.Version)
	} else {
		artifact, err = l.codeStore.GetCode(loadCtx, id)
	}
	if err != nil {
		return nil, nil, err
	}
	return meta, artifact, nil
}

func (l *Loader) writeThrough(ctx context.Context, id, version string, pinned bool, meta *domain.FunctionMetadata, artifact *domain.CodeArtifact) {
	rec := cachedRecord{Metadata: meta, Artifact: artifact, Version: meta.Version, LoadedAt: time.Now()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	ttl := l.cfg.CacheTTL
	_ = l.cache.Set(ctx, stubCacheKey(id, meta.Version), raw, ttl)
	if !pinned {
		_ = l.cache.Set(ctx, stubCacheKey(id, latestTag), raw, ttl)
	}
}

func (l *Loader) breakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold:    l.cfg.Breaker.FailureThreshold,
		SuccessThreshold:    l.cfg.Breaker.SuccessThreshold,
		ResetTimeout:        l.cfg.Breaker.ResetTimeout,
		MaxHalfOpenRequests: l.cfg.Breaker.MaxHalfOpenRequests,
	}
}

// backoffDelay computes base*2^attempt capped at MaxDelay, jittered by
// ±JitterFactor (spec §4.5 step 5: "exponential backoff with jitter").
func backoffDelay(cfg config.RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay << uint(attempt)
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.JitterFactor <= 0 {
		return delay
	}
	jitterRange := float64(delay) * cfg.JitterFactor
	offset := (rand.Float64()*2 - 1) * jitterRange
	jittered := time.Duration(float64(delay) + offset)
	if jittered < 0 {
		jittered = 0
	}
	return jittered
}

// Rollback invalidates the cached latest pointer, resets the function's
// breaker, loads the target version, and republishes it as both the
// version-pinned and latest cache entries.
func (l *Loader) Rollback(ctx context.Context, id, version string) (*domain.LoadResult, error) {
	_ = l.cache.Delete(ctx, stubCacheKey(id, latestTag))
	if l.invalidator != nil {
		_ = l.invalidator.PublishInvalidation(ctx, stubCacheKey(id, latestTag))
	}
	l.breakers.Reset(id, l.breakerConfig())

	meta, err := l.registry.GetMetadataVersion(ctx, id, version)
	if err != nil {
		return nil, errs.Wrap(errs.KindNotFound, "rollback: version not found", err).WithContext("function_id", id).WithContext("version", version)
	}

	var artifact *domain.CodeArtifact
	if meta.Kind == domain.KindCode {
		artifact, err = l.codeStore.GetCodeVersion(ctx, id, version)
		if err != nil {
			return nil, errs.Wrap(errs.KindNotFound, "rollback: code artifact not found", err).WithContext("function_id", id).WithContext("version", version)
		}
	}

	// Republish as the new latest pointer, not just the version record —
	// a rollback is a deploy of an old version as the current one.
	if err := l.registry.SaveMetadata(ctx, meta); err != nil {
		return nil, err
	}
	l.writeThrough(ctx, id, version, false, meta, artifact)
	l.metrics.Rollbacks.Add(1)

	return &domain.LoadResult{
		Stub: &domain.FunctionStub{
			Metadata: meta,
			Artifact: artifact,
			LoadedAt: time.Now(),
			Version:  meta.Version,
		},
		Success: true,
	}, nil
}

// HealthState enumerates the loader's self-reported health.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthStatus is the loader's health-check response body.
type HealthStatus struct {
	State             HealthState `json:"state"`
	BreakerOpenRatio  float64     `json:"breakerOpenRatio"`
	RegistryReachable bool        `json:"registryReachable"`
	CodeStoreReachable bool       `json:"codeStoreReachable"`
	Detail            string      `json:"detail,omitempty"`
}

// healthProbeID never collides with a deployed function id (registry and
// code store keys are validated non-empty identifiers; this one is reserved
// for probing only), so GetCode/GetMetadata on it always takes the "not
// found" path on a reachable backend and any other error means the backend
// itself is down.
const healthProbeID = "__health_probe__"

// Health probes the registry and code store for reachability and combines
// that with the fraction of open breakers to decide
// healthy/degraded/unhealthy: unhealthy only when both dependencies are
// down, degraded when either one is down or more than half of tracked
// breakers are open.
func (l *Loader) Health(ctx context.Context) HealthStatus {
	registryOK := probeReachable(func() error {
		_, err := l.registry.GetMetadata(ctx, healthProbeID)
		return err
	})
	codeStoreOK := probeReachable(func() error {
		_, err := l.codeStore.GetCode(ctx, healthProbeID)
		return err
	})

	openRatio := l.breakers.OpenRatio()

	status := HealthStatus{
		BreakerOpenRatio:   openRatio,
		RegistryReachable:  registryOK,
		CodeStoreReachable: codeStoreOK,
	}

	switch {
	case !registryOK && !codeStoreOK:
		status.State = HealthUnhealthy
		status.Detail = "registry and code store both unreachable"
	case !registryOK:
		status.State = HealthDegraded
		status.Detail = "registry unreachable, code store still serving"
	case !codeStoreOK:
		status.State = HealthDegraded
		status.Detail = "code store unreachable, metadata-only functions still serving"
	case openRatio > 0.5:
		status.State = HealthDegraded
		status.Detail = "more than half of tracked breakers are open"
	default:
		status.State = HealthHealthy
	}
	return status
}

// probeReachable treats errs.KindNotFound as a healthy backend (it answered
// the query, the probe id just doesn't exist) and any other error,
// including a raw transport error from a backend not wired through errs, as
// unreachable.
func probeReachable(probe func() error) bool {
	err := probe()
	if err == nil {
		return true
	}
	var terr *errs.Error
	if errors.As(err, &terr) && terr.Kind == errs.KindNotFound {
		return true
	}
	return false
}
