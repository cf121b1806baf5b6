package executor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/loadstub/gateway/internal/aiclient"
	"github.com/loadstub/gateway/internal/domain"
	"github.com/loadstub/gateway/internal/errs"
)

// GenerativeExecutor drives tier 2: a single templated completion call,
// optionally parsed as structured JSON when the function declares an
// outputSchema.
type GenerativeExecutor struct {
	resolver *aiclient.Resolver
}

func NewGenerativeExecutor(resolver *aiclient.Resolver) *GenerativeExecutor {
	return &GenerativeExecutor{resolver: resolver}
}

func (e *GenerativeExecutor) Execute(ctx context.Context, req Request) (*domain.TierResult, *domain.Meta, error) {
	start := time.Now()
	spec := req.Metadata.Generative
	if spec == nil {
		return nil, nil, errs.New(errs.KindValidation, "generative function missing its spec").
			WithContext("function_id", req.Metadata.ID)
	}

	model := spec.Model
	if model == "" {
		model = aiclient.DefaultGenerativeModel
	}

	client, err := e.resolver.Resolve(model)
	if err != nil {
		if errors.Is(err, aiclient.ErrBindingMissing) {
			return nil, nil, errs.New(errs.KindServiceUnavailable, "no AI client bound for model "+model).
				WithCode("missing-binding").WithContext("function_id", req.Metadata.ID, "model", model)
		}
		return nil, nil, err
	}

	prompt := renderTemplate(spec.UserPrompt, req.Input)
	genReq := aiclient.GenerateRequest{
		Model:       model,
		System:      spec.SystemPrompt,
		Messages:    []aiclient.Message{{Role: aiclient.RoleUser, Text: prompt}},
		MaxTokens:   spec.MaxTokens,
		Temperature: spec.Temperature,
	}

	resp, err := client.Generate(ctx, genReq)
	meta := &domain.Meta{ExecutorType: "generative", Tier: 2, DurationMs: elapsedMs(start)}
	if err != nil {
		return nil, meta, errs.Wrap(errs.KindInvocation, "generative call failed", err).
			WithContext("function_id", req.Metadata.ID, "model", model)
	}

	meta.Generative = &domain.GenerativeMeta{Model: resp.Model, StopReason: resp.StopReason}
	meta.Generative.Tokens.Input = resp.InputTokens
	meta.Generative.Tokens.Output = resp.OutputTokens
	if meta.Generative.Model == "" {
		meta.Generative.Model = model
	}

	var body json.RawMessage
	if len(spec.OutputSchema) > 0 {
		if !json.Valid([]byte(resp.Text)) {
			return nil, meta, errs.New(errs.KindInvocation, "generative output failed to parse as JSON").
				WithContext("function_id", req.Metadata.ID)
		}
		body = json.RawMessage(resp.Text)
	} else {
		encoded, err := json.Marshal(resp.Text)
		if err != nil {
			return nil, meta, errs.Wrap(errs.KindInvocation, "failed to encode generative output", err)
		}
		body = encoded
	}

	return &domain.TierResult{Status: 200, Body: body}, meta, nil
}
