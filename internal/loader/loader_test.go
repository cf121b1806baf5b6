package loader

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadstub/gateway/internal/cache"
	"github.com/loadstub/gateway/internal/circuitbreaker"
	"github.com/loadstub/gateway/internal/config"
	"github.com/loadstub/gateway/internal/domain"
	"github.com/loadstub/gateway/internal/registry"
)

func testConfig() config.LoaderConfig {
	return config.LoaderConfig{
		CacheTTL:    time.Minute,
		NegativeTTL: time.Second,
		LoadTimeout: time.Second,
		Retry: config.RetryConfig{
			MaxAttempts:  2,
			BaseDelay:    time.Millisecond,
			MaxDelay:     10 * time.Millisecond,
			JitterFactor: 0.1,
		},
		Breaker: config.BreakerConfig{
			FailureThreshold:    3,
			SuccessThreshold:    1,
			ResetTimeout:        20 * time.Millisecond,
			MaxHalfOpenRequests: 1,
		},
	}
}

func newTestLoader(t *testing.T, reg registry.Registry, store registry.CodeStore) *Loader {
	t.Helper()
	return New(reg, store, cache.NewInMemoryCache(), circuitbreaker.NewRegistry(), testConfig())
}

func seedFunction(t *testing.T, reg registry.Registry, store registry.CodeStore, id, version string) {
	t.Helper()
	meta := &domain.FunctionMetadata{ID: id, Version: version, Kind: domain.KindCode, Code: &domain.CodeSpec{Language: domain.LanguageJavaScript, EntryPoint: "index.js"}}
	require.NoError(t, reg.SaveMetadata(context.Background(), meta))
	require.NoError(t, store.SaveCode(context.Background(), id, version, &domain.CodeArtifact{Text: &domain.TextBlob{Source: "export default () => {}"}}))
}

func TestLoad_CacheHit(t *testing.T) {
	reg := registry.NewMemoryStore()
	l := newTestLoader(t, reg, reg)
	seedFunction(t, reg, reg, "fn-1", "v1")

	ctx := context.Background()
	first, err := l.Load(ctx, "fn-1")
	require.NoError(t, err)
	require.True(t, first.Success)
	assert.False(t, first.FromCache)

	second, err := l.Load(ctx, "fn-1")
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, int64(1), l.Metrics().CacheHits.Load())
}

func TestLoad_LeaderPathSuccess(t *testing.T) {
	reg := registry.NewMemoryStore()
	l := newTestLoader(t, reg, reg)
	seedFunction(t, reg, reg, "fn-2", "v1")

	res, err := l.Load(context.Background(), "fn-2")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "v1", res.Stub.Version)
	assert.Equal(t, int64(1), l.Metrics().Successes.Load())
}

// failingStore wraps a MemoryStore and fails GetMetadata a fixed number of
// times before succeeding, to exercise the retry path.
type flakyRegistry struct {
	*registry.MemoryStore
	failuresRemaining int32
}

func (f *flakyRegistry) GetMetadata(ctx context.Context, id string) (*domain.FunctionMetadata, error) {
	if atomic.AddInt32(&f.failuresRemaining, -1) >= 0 {
		return nil, errors.New("temporarily unreachable")
	}
	return f.MemoryStore.GetMetadata(ctx, id)
}

func TestLoad_RetriesTransientFailureThenSucceeds(t *testing.T) {
	reg := registry.NewMemoryStore()
	seedFunction(t, reg, reg, "fn-3", "v1")
	flaky := &flakyRegistry{MemoryStore: reg, failuresRemaining: 1}
	l := newTestLoader(t, flaky, reg)

	res, err := l.Load(context.Background(), "fn-3")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 1, res.RetryCount)
	assert.Equal(t, int64(1), l.Metrics().Retries.Load())
}

func TestLoad_NonTransientErrorSkipsRetry(t *testing.T) {
	reg := registry.NewMemoryStore()
	l := newTestLoader(t, reg, reg)

	_, err := l.Load(context.Background(), "missing-fn")
	require.Error(t, err)
	var fle *FunctionLoadError
	require.ErrorAs(t, err, &fle)
	assert.Equal(t, 0, fle.RetryCount)
	assert.Equal(t, int64(0), l.Metrics().Retries.Load())
}

type alwaysFailRegistry struct {
	*registry.MemoryStore
}

func (a *alwaysFailRegistry) GetMetadata(ctx context.Context, id string) (*domain.FunctionMetadata, error) {
	return nil, errors.New("backend unreachable")
}

func TestLoad_CircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	reg := registry.NewMemoryStore()
	failing := &alwaysFailRegistry{MemoryStore: reg}
	l := newTestLoader(t, failing, reg)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := l.Load(ctx, "fn-4")
		require.Error(t, err)
	}

	_, err := l.Load(ctx, "fn-4")
	require.Error(t, err)
	var breakerErr *BreakerOpenError
	require.ErrorAs(t, err, &breakerErr)
	assert.Equal(t, circuitbreaker.StateOpen, breakerErr.State)
}

func TestLoad_CircuitBreakerSelfHealsAfterResetTimeout(t *testing.T) {
	reg := registry.NewMemoryStore()
	seedFunction(t, reg, reg, "fn-5", "v1")
	failing := &alwaysFailRegistry{MemoryStore: reg}
	l := newTestLoader(t, failing, reg)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = l.Load(ctx, "fn-5")
	}
	_, err := l.Load(ctx, "fn-5")
	var breakerErr *BreakerOpenError
	require.ErrorAs(t, err, &breakerErr)

	time.Sleep(testConfig().Breaker.ResetTimeout + 5*time.Millisecond)

	// The breaker now allows a half-open probe; swap in a registry that
	// succeeds to confirm it closes again.
	l.registry = reg
	res, err := l.Load(ctx, "fn-5")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestLoad_GracefulDegradationFallsBackToPriorVersion(t *testing.T) {
	reg := registry.NewMemoryStore()
	seedFunction(t, reg, reg, "fn-6", "v1")
	seedFunction(t, reg, reg, "fn-6", "v2")

	flaky := &alwaysFailLatestRegistry{MemoryStore: reg}
	l := newTestLoader(t, flaky, reg)

	res, err := l.Load(context.Background(), "fn-6", LoadOptions{GracefulDegradation: true, FallbackVersion: "v1"})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, "v1", res.Stub.Version)
}

type alwaysFailLatestRegistry struct {
	*registry.MemoryStore
}

func (a *alwaysFailLatestRegistry) GetMetadata(ctx context.Context, id string) (*domain.FunctionMetadata, error) {
	return nil, errors.New("latest pointer unreachable")
}

func TestRollback_ResetsBreakerAndRepublishesVersion(t *testing.T) {
	reg := registry.NewMemoryStore()
	seedFunction(t, reg, reg, "fn-7", "v1")
	seedFunction(t, reg, reg, "fn-7", "v2")
	l := newTestLoader(t, reg, reg)

	_, err := l.Load(context.Background(), "fn-7")
	require.NoError(t, err)

	res, err := l.Rollback(context.Background(), "fn-7", "v1")
	require.NoError(t, err)
	assert.Equal(t, "v1", res.Stub.Version)
	assert.Equal(t, int64(1), l.Metrics().Rollbacks.Load())

	latest, err := reg.GetMetadata(context.Background(), "fn-7")
	require.NoError(t, err)
	assert.Equal(t, "v1", latest.Version)
}

func TestHealth_HealthyWithNoBreakersTripped(t *testing.T) {
	reg := registry.NewMemoryStore()
	l := newTestLoader(t, reg, reg)

	status := l.Health(context.Background())
	assert.Equal(t, HealthHealthy, status.State)
	assert.True(t, status.RegistryReachable)
	assert.True(t, status.CodeStoreReachable)
}

func TestHealth_HealthyWhenMinorityOfBreakersOpen(t *testing.T) {
	reg := registry.NewMemoryStore()
	l := newTestLoader(t, reg, reg)
	seedFunction(t, reg, reg, "fn-healthy-1", "v1")
	seedFunction(t, reg, reg, "fn-healthy-2", "v1")

	ctx := context.Background()
	_, err := l.Load(ctx, "fn-healthy-1")
	require.NoError(t, err)
	_, err = l.Load(ctx, "fn-healthy-2")
	require.NoError(t, err)

	// Trip a third function's breaker open without affecting the other two.
	failing := &alwaysFailRegistry{MemoryStore: reg}
	l.registry = failing
	for i := 0; i < 3; i++ {
		_, _ = l.Load(ctx, "fn-8")
	}
	l.registry = reg

	status := l.Health(ctx)
	assert.Equal(t, HealthHealthy, status.State)
	assert.Greater(t, status.BreakerOpenRatio, 0.0)
	assert.Less(t, status.BreakerOpenRatio, 0.5)
}
