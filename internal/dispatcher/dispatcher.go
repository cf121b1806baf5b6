// Package dispatcher implements the tier dispatcher (C8, spec §4.7): given a
// function id it resolves the function via the loader, selects the executor
// matching its kind, enforces that tier's fixed timeout budget via context
// cancellation, and — for cascade-kind functions — drives a linear pipeline
// of steps, threading each step's output into the next and aggregating a
// _meta envelope across the whole chain.
package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loadstub/gateway/internal/config"
	"github.com/loadstub/gateway/internal/domain"
	"github.com/loadstub/gateway/internal/errs"
	"github.com/loadstub/gateway/internal/executor"
	"github.com/loadstub/gateway/internal/loader"
	"github.com/loadstub/gateway/internal/logging"
	"github.com/loadstub/gateway/internal/metrics"
	"github.com/loadstub/gateway/internal/observability"
)

// maxCascadeDepth bounds nested cascade-of-cascades pipelines so a
// misconfigured deploy can't recurse the dispatcher forever.
const maxCascadeDepth = 8

// CodeSandbox is the host sandbox external collaborator a code-kind function
// is executed by (spec §9: "the core's contract with it is invoke(code,
// request) -> response; it is the host's job to provide isolation"). The
// dispatcher wraps it into a domain.Fetcher per invocation so the code
// executor sees a uniform Entry regardless of backend.
type CodeSandbox interface {
	Invoke(ctx context.Context, artifact *domain.CodeArtifact, spec *domain.CodeSpec, input json.RawMessage) (*domain.TierResult, error)
}

// Dispatcher resolves and executes a single invocation, dispatching to the
// tier executor matching the function's kind.
type Dispatcher struct {
	loader    *loader.Loader
	executors map[domain.Kind]executor.Executor
	tiers     config.TierConfig
	sandbox   CodeSandbox
}

// New builds a Dispatcher. executors must have an entry for every non-cascade
// Kind the deployment accepts; a missing entry yields errs.KindNotImplemented
// at dispatch time rather than a nil-pointer panic. sandbox may be nil, in
// which case code-kind invocations fail with a missing-binding 503 unless
// the stub already carries an Entry (the loader itself never sets one).
func New(l *loader.Loader, executors map[domain.Kind]executor.Executor, tiers config.TierConfig, sandbox CodeSandbox) *Dispatcher {
	return &Dispatcher{loader: l, executors: executors, tiers: tiers, sandbox: sandbox}
}

// Dispatch resolves id's latest deployed version and executes it, returning
// the tier result and its _meta envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, id string, input json.RawMessage) (*domain.TierResult, *domain.Meta, error) {
	return d.dispatchDepth(ctx, id, input, 0)
}

// Invoke implements executor.FunctionInvoker, letting the agentic executor's
// function-kind tools dispatch back through the same pipeline without
// internal/executor importing this package.
func (d *Dispatcher) Invoke(ctx context.Context, functionID string, input json.RawMessage) (*domain.TierResult, error) {
	result, _, err := d.Dispatch(ctx, functionID, input)
	return result, err
}

func (d *Dispatcher) dispatchDepth(ctx context.Context, id string, input json.RawMessage, depth int) (*domain.TierResult, *domain.Meta, error) {
	if depth >= maxCascadeDepth {
		return nil, nil, errs.New(errs.KindValidation, "cascade nesting too deep").
			WithContext("function_id", id, "depth", depth)
	}

	loadResult, err := d.loader.Load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !loadResult.Success {
		return nil, nil, errs.Classify(loadResult.Error)
	}
	stub := loadResult.Stub
	meta := stub.Metadata

	if meta.Kind == domain.KindCascade {
		return d.dispatchCascade(ctx, meta, input, depth)
	}

	exec, ok := d.executors[meta.Kind]
	if !ok {
		return nil, nil, errs.New(errs.KindNotImplemented, "no executor bound for function kind").
			WithContext("function_id", id, "kind", string(meta.Kind))
	}

	tierCtx, cancel := context.WithTimeout(ctx, d.timeoutForKind(meta.Kind))
	defer cancel()

	spanCtx, span := observability.StartSpan(tierCtx, "dispatch."+string(meta.Kind),
		observability.AttrFunctionID.String(id),
		observability.AttrKind.String(string(meta.Kind)),
		observability.AttrFromCache.Bool(loadResult.FromCache),
	)
	defer span.End()

	entry := stub.Entry
	if entry == nil && meta.Kind == domain.KindCode && d.sandbox != nil {
		entry = &sandboxFetcher{sandbox: d.sandbox, artifact: stub.Artifact, spec: meta.Code}
	}

	start := time.Now()
	result, execMeta, err := exec.Execute(spanCtx, executor.Request{
		Metadata: meta,
		Artifact: stub.Artifact,
		Entry:    entry,
		Input:    input,
	})
	durationMs := time.Since(start).Milliseconds()
	metrics.Global().RecordInvocation(id, string(meta.Kind), durationMs, loadResult.FromCache, err == nil)
	span.SetAttributes(observability.AttrDurationMs.Int64(durationMs))
	if execMeta != nil {
		span.SetAttributes(observability.AttrTier.Int(execMeta.Tier))
	}

	if err != nil {
		observability.SetSpanError(span, err)
		if tierCtx.Err() == context.DeadlineExceeded {
			return nil, execMeta, errs.Wrap(errs.KindTimeout, "tier budget exceeded", err).
				WithContext("function_id", id, "kind", string(meta.Kind))
		}
		return nil, execMeta, err
	}
	observability.SetSpanOK(span)
	return result, execMeta, nil
}

func (d *Dispatcher) timeoutForKind(kind domain.Kind) time.Duration {
	switch kind {
	case domain.KindGenerative:
		return d.tiers.GenerativeTimeout
	case domain.KindAgentic:
		return d.tiers.AgenticTimeout
	case domain.KindHuman:
		return d.tiers.HumanTimeout
	default:
		return d.tiers.CodeTimeout
	}
}

// dispatchCascade runs a cascade's steps in sequence: step N's output (with
// _meta stripped) becomes step N+1's input. ErrorHandling controls what
// happens when a step fails:
//   - fail-fast: abort immediately, return the step's error.
//   - continue and best-effort (handled identically): skip the failed
//     step's output mutation and re-feed the prior input to the next step.
//     The cascade reports success with the last successful step's output,
//     or returns the first step error if no step succeeded.
func (d *Dispatcher) dispatchCascade(ctx context.Context, meta *domain.FunctionMetadata, input json.RawMessage, depth int) (*domain.TierResult, *domain.Meta, error) {
	spec := meta.Cascade
	if spec == nil || len(spec.Steps) == 0 {
		return nil, nil, errs.New(errs.KindValidation, "cascade function has no steps").
			WithContext("function_id", meta.ID)
	}
	errorHandling := spec.ErrorHandling
	if errorHandling == "" {
		errorHandling = domain.ErrorHandlingFailFast
	}

	cascadeMeta := &domain.CascadeMeta{}
	var lastResult *domain.TierResult
	current := input
	var firstErr error

	for _, step := range spec.Steps {
		stepResult, stepMeta, err := d.dispatchDepth(ctx, step.FunctionID, current, depth+1)
		if stepMeta != nil {
			cascadeMeta.TiersAttempted = append(cascadeMeta.TiersAttempted, stepMeta.Tier)
		}
		if err != nil {
			logging.Op().Warn("cascade step failed",
				"function_id", meta.ID, "step_function_id", step.FunctionID, "error_handling", string(errorHandling), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			switch errorHandling {
			case domain.ErrorHandlingFailFast:
				return nil, cascadeMeta, err
			case domain.ErrorHandlingContinue, domain.ErrorHandlingBestEffort:
				continue // re-feed `current` unchanged to the next step
			}
			continue
		}

		cascadeMeta.StepsExecuted++
		lastResult = stepResult
		current = stripMeta(stepResult.Body)
	}

	if lastResult == nil {
		if firstErr != nil {
			return nil, cascadeMeta, firstErr
		}
		return nil, cascadeMeta, errs.New(errs.KindInvocation, "cascade produced no successful step").
			WithContext("function_id", meta.ID)
	}

	return &domain.TierResult{Status: lastResult.Status, Body: lastResult.Body, Headers: lastResult.Headers},
		&domain.Meta{ExecutorType: "cascade", Tier: 0, Cascade: cascadeMeta}, nil
}

// sandboxFetcher adapts a CodeSandbox into the domain.Fetcher the code
// executor expects, closing over the artifact/spec resolved for this call.
type sandboxFetcher struct {
	sandbox CodeSandbox
	artifact *domain.CodeArtifact
	spec     *domain.CodeSpec
}

func (f *sandboxFetcher) Fetch(ctx context.Context, input json.RawMessage) (*domain.TierResult, error) {
	return f.sandbox.Invoke(ctx, f.artifact, f.spec, input)
}

// stripMeta removes a top-level "_meta" field from a step's JSON body before
// it is threaded into the next step's input, per spec §4.7.
func stripMeta(body json.RawMessage) json.RawMessage {
	if len(body) == 0 {
		return body
	}
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(body, &asMap); err != nil {
		return body // not a JSON object; pass through unchanged
	}
	if _, ok := asMap["_meta"]; !ok {
		return body
	}
	delete(asMap, "_meta")
	stripped, err := json.Marshal(asMap)
	if err != nil {
		return body
	}
	return stripped
}
