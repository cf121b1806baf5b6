package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadstub/gateway/internal/cache"
	"github.com/loadstub/gateway/internal/circuitbreaker"
	"github.com/loadstub/gateway/internal/config"
	"github.com/loadstub/gateway/internal/domain"
	"github.com/loadstub/gateway/internal/errs"
	"github.com/loadstub/gateway/internal/executor"
	"github.com/loadstub/gateway/internal/loader"
	"github.com/loadstub/gateway/internal/registry"
)

func testTiers() config.TierConfig {
	return config.TierConfig{
		CodeTimeout:       50 * time.Millisecond,
		GenerativeTimeout: 50 * time.Millisecond,
		AgenticTimeout:    50 * time.Millisecond,
		HumanTimeout:      50 * time.Millisecond,
	}
}

func testLoader(t *testing.T, reg registry.Registry, store registry.CodeStore) *loader.Loader {
	t.Helper()
	cfg := config.LoaderConfig{
		CacheTTL:    time.Minute,
		NegativeTTL: time.Second,
		LoadTimeout: time.Second,
		Retry:       config.RetryConfig{MaxAttempts: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, JitterFactor: 0},
		Breaker:     config.BreakerConfig{FailureThreshold: 5, SuccessThreshold: 1, ResetTimeout: time.Second, MaxHalfOpenRequests: 1},
	}
	return loader.New(reg, store, cache.NewInMemoryCache(), circuitbreaker.NewRegistry(), cfg)
}

// fakeExecutor returns a scripted result/meta/err, recording the Request it saw.
type fakeExecutor struct {
	result *domain.TierResult
	meta   *domain.Meta
	err    error
	delay  time.Duration
	got    executor.Request
}

func (f *fakeExecutor) Execute(ctx context.Context, req executor.Request) (*domain.TierResult, *domain.Meta, error) {
	f.got = req
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	return f.result, f.meta, f.err
}

func saveCascade(t *testing.T, reg registry.Registry, id string, steps []domain.CascadeStep, handling domain.ErrorHandling) {
	t.Helper()
	meta := &domain.FunctionMetadata{
		ID: id, Version: "v1", Kind: domain.KindCascade,
		Cascade: &domain.CascadeSpec{Steps: steps, ErrorHandling: handling},
	}
	require.NoError(t, reg.SaveMetadata(context.Background(), meta))
}

func saveGenerative(t *testing.T, reg registry.Registry, id string) {
	t.Helper()
	meta := &domain.FunctionMetadata{ID: id, Version: "v1", Kind: domain.KindGenerative, Generative: &domain.GenerativeSpec{Model: "claude-sonnet-4-5", UserPrompt: "go"}}
	require.NoError(t, reg.SaveMetadata(context.Background(), meta))
}

func TestDispatch_RoutesToMatchingExecutor(t *testing.T) {
	reg := registry.NewMemoryStore()
	saveGenerative(t, reg, "fn-gen")
	l := testLoader(t, reg, reg)

	fe := &fakeExecutor{result: &domain.TierResult{Status: 200, Body: json.RawMessage(`{"ok":true}`)}, meta: &domain.Meta{Tier: 2}}
	d := New(l, map[domain.Kind]executor.Executor{domain.KindGenerative: fe}, testTiers(), nil)

	result, meta, err := d.Dispatch(context.Background(), "fn-gen", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 200, result.Status)
	assert.Equal(t, 2, meta.Tier)
	assert.Equal(t, "fn-gen", fe.got.Metadata.ID)
}

func TestDispatch_UnknownKindReturnsNotImplemented(t *testing.T) {
	reg := registry.NewMemoryStore()
	saveGenerative(t, reg, "fn-gen")
	l := testLoader(t, reg, reg)

	d := New(l, map[domain.Kind]executor.Executor{}, testTiers(), nil)
	_, _, err := d.Dispatch(context.Background(), "fn-gen", nil)
	var ge *errs.Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, errs.KindNotImplemented, ge.Kind)
}

func TestDispatch_MissingFunctionReturnsError(t *testing.T) {
	reg := registry.NewMemoryStore()
	l := testLoader(t, reg, reg)
	d := New(l, map[domain.Kind]executor.Executor{}, testTiers(), nil)

	_, _, err := d.Dispatch(context.Background(), "does-not-exist", nil)
	require.Error(t, err)
}

func TestDispatch_TierBudgetExceededReturnsTimeout(t *testing.T) {
	reg := registry.NewMemoryStore()
	saveGenerative(t, reg, "fn-slow")
	l := testLoader(t, reg, reg)

	fe := &fakeExecutor{delay: 200 * time.Millisecond, err: context.DeadlineExceeded}
	tiers := testTiers()
	tiers.GenerativeTimeout = 10 * time.Millisecond
	d := New(l, map[domain.Kind]executor.Executor{domain.KindGenerative: fe}, tiers, nil)

	_, _, err := d.Dispatch(context.Background(), "fn-slow", nil)
	var ge *errs.Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, errs.KindTimeout, ge.Kind)
}

func TestDispatch_CodeKindUsesCodeSandboxWhenStubHasNoEntry(t *testing.T) {
	reg := registry.NewMemoryStore()
	meta := &domain.FunctionMetadata{ID: "fn-code", Version: "v1", Kind: domain.KindCode, Code: &domain.CodeSpec{Language: domain.LanguageJavaScript, EntryPoint: "index.js"}}
	require.NoError(t, reg.SaveMetadata(context.Background(), meta))
	require.NoError(t, reg.SaveCode(context.Background(), "fn-code", "v1", &domain.CodeArtifact{Text: &domain.TextBlob{Source: "export default () => 1"}}))
	l := testLoader(t, reg, reg)

	sandbox := &fakeSandbox{result: &domain.TierResult{Status: 200, Body: json.RawMessage(`{"n":1}`)}}
	d := New(l, map[domain.Kind]executor.Executor{domain.KindCode: executor.NewCodeExecutor()}, testTiers(), sandbox)

	result, _, err := d.Dispatch(context.Background(), "fn-code", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 200, result.Status)
	assert.True(t, sandbox.called)
}

type fakeSandbox struct {
	result *domain.TierResult
	err    error
	called bool
}

func (f *fakeSandbox) Invoke(ctx context.Context, artifact *domain.CodeArtifact, spec *domain.CodeSpec, input json.RawMessage) (*domain.TierResult, error) {
	f.called = true
	return f.result, f.err
}

func TestDispatch_CascadeChainsStepOutputIntoNextInput(t *testing.T) {
	reg := registry.NewMemoryStore()
	saveGenerative(t, reg, "step-a")
	saveGenerative(t, reg, "step-b")
	saveCascade(t, reg, "chain", []domain.CascadeStep{{FunctionID: "step-a", Tier: "generative"}, {FunctionID: "step-b", Tier: "generative"}}, domain.ErrorHandlingFailFast)
	l := testLoader(t, reg, reg)

	execA := &fakeExecutor{result: &domain.TierResult{Status: 200, Body: json.RawMessage(`{"output":"A"}`)}, meta: &domain.Meta{Tier: 2}}
	execB := &fakeExecutor{result: &domain.TierResult{Status: 200, Body: json.RawMessage(`{"output":"B"}`)}, meta: &domain.Meta{Tier: 2}}

	routed := &routingExecutor{byID: map[string]executor.Executor{"step-a": execA, "step-b": execB}}
	d := New(l, map[domain.Kind]executor.Executor{domain.KindGenerative: routed}, testTiers(), nil)

	result, meta, err := d.Dispatch(context.Background(), "chain", json.RawMessage(`{"input":"seed"}`))
	require.NoError(t, err)
	assert.Equal(t, 2, meta.Cascade.StepsExecuted)
	assert.JSONEq(t, `{"output":"B"}`, string(result.Body))
	assert.Contains(t, string(execB.got.Input), `"output":"A"`)
}

// routingExecutor dispatches by function id so a cascade test can give each
// step its own scripted executor while still registering under one Kind.
type routingExecutor struct {
	byID map[string]executor.Executor
}

func (r *routingExecutor) Execute(ctx context.Context, req executor.Request) (*domain.TierResult, *domain.Meta, error) {
	return r.byID[req.Metadata.ID].Execute(ctx, req)
}

func TestDispatch_CascadeFailFastAbortsOnFirstStepError(t *testing.T) {
	reg := registry.NewMemoryStore()
	saveGenerative(t, reg, "step-a")
	saveGenerative(t, reg, "step-b")
	saveCascade(t, reg, "chain-ff", []domain.CascadeStep{{FunctionID: "step-a", Tier: "generative"}, {FunctionID: "step-b", Tier: "generative"}}, domain.ErrorHandlingFailFast)
	l := testLoader(t, reg, reg)

	execA := &fakeExecutor{err: errs.New(errs.KindInvocation, "boom")}
	execB := &fakeExecutor{result: &domain.TierResult{Status: 200, Body: json.RawMessage(`{}`)}}
	routed := &routingExecutor{byID: map[string]executor.Executor{"step-a": execA, "step-b": execB}}
	d := New(l, map[domain.Kind]executor.Executor{domain.KindGenerative: routed}, testTiers(), nil)

	_, meta, err := d.Dispatch(context.Background(), "chain-ff", nil)
	require.Error(t, err)
	assert.Equal(t, 0, meta.Cascade.StepsExecuted)
	assert.Nil(t, execB.got.Metadata)
}

func TestDispatch_CascadeContinueSkipsFailedStep(t *testing.T) {
	reg := registry.NewMemoryStore()
	saveGenerative(t, reg, "step-a")
	saveGenerative(t, reg, "step-b")
	saveCascade(t, reg, "chain-cont", []domain.CascadeStep{{FunctionID: "step-a", Tier: "generative"}, {FunctionID: "step-b", Tier: "generative"}}, domain.ErrorHandlingContinue)
	l := testLoader(t, reg, reg)

	execA := &fakeExecutor{err: errs.New(errs.KindInvocation, "boom")}
	execB := &fakeExecutor{result: &domain.TierResult{Status: 200, Body: json.RawMessage(`{"output":"B"}`)}}
	routed := &routingExecutor{byID: map[string]executor.Executor{"step-a": execA, "step-b": execB}}
	d := New(l, map[domain.Kind]executor.Executor{domain.KindGenerative: routed}, testTiers(), nil)

	result, meta, err := d.Dispatch(context.Background(), "chain-cont", json.RawMessage(`{"seed":true}`))
	require.NoError(t, err)
	assert.Equal(t, 1, meta.Cascade.StepsExecuted)
	assert.JSONEq(t, `{"output":"B"}`, string(result.Body))
	assert.Contains(t, string(execB.got.Input), "seed")
}

func TestInvoke_ImplementsFunctionInvokerForAgenticTools(t *testing.T) {
	reg := registry.NewMemoryStore()
	saveGenerative(t, reg, "helper")
	l := testLoader(t, reg, reg)

	fe := &fakeExecutor{result: &domain.TierResult{Status: 200, Body: json.RawMessage(`{"ok":true}`)}, meta: &domain.Meta{Tier: 2}}
	d := New(l, map[domain.Kind]executor.Executor{domain.KindGenerative: fe}, testTiers(), nil)

	var invoker executor.FunctionInvoker = d
	result, err := invoker.Invoke(context.Background(), "helper", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 200, result.Status)
}
