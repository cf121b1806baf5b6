package executor

import (
	"context"
	"time"

	"github.com/loadstub/gateway/internal/domain"
	"github.com/loadstub/gateway/internal/errs"
)

// CodeExecutor drives tier 1: the host sandbox's loader binding, treated as
// an opaque external service per spec §1 Non-goals (no sandbox, runtime, or
// language-toolchain behavior is modeled here).
type CodeExecutor struct{}

func NewCodeExecutor() *CodeExecutor { return &CodeExecutor{} }

func (e *CodeExecutor) Execute(ctx context.Context, req Request) (*domain.TierResult, *domain.Meta, error) {
	start := time.Now()

	if req.Entry == nil {
		return nil, nil, errs.New(errs.KindServiceUnavailable, "code executor binding missing").
			WithCode("missing-binding").WithContext("function_id", req.Metadata.ID)
	}
	if req.Artifact == nil {
		return nil, nil, errs.New(errs.KindNotFound, "code artifact missing").
			WithContext("function_id", req.Metadata.ID)
	}

	result, err := req.Entry.Fetch(ctx, req.Input)
	meta := &domain.Meta{ExecutorType: "code", Tier: 1, DurationMs: elapsedMs(start)}

	if err != nil {
		return nil, meta, errs.Wrap(errs.KindInvocation, "code function raised an error", err).
			WithContext("function_id", req.Metadata.ID)
	}
	if result == nil {
		return nil, meta, errs.New(errs.KindInvocation, "code function returned no result").
			WithContext("function_id", req.Metadata.ID)
	}
	if result.Status == 0 {
		result.Status = 200
	}
	return result, meta, nil
}
