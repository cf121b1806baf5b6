package executor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loadstub/gateway/internal/domain"
	"github.com/loadstub/gateway/internal/errs"
)

// HumanTaskRequest is what HumanExecutor hands the injected task backend.
type HumanTaskRequest struct {
	InteractionType domain.InteractionType
	UI              json.RawMessage
	Assignees       []domain.Assignee
	Input           json.RawMessage
	SLA             string
}

// HumanTaskRecord is the backend's response to creating a task.
type HumanTaskRecord struct {
	TaskID     string
	TaskURL    string
	TaskStatus string
	ExpiresAt  time.Time
}

// HumanTaskService is the injected external collaborator that creates and
// tracks human-in-the-loop tasks. Out of scope per spec §1: this package
// only specifies the interface the human executor calls.
type HumanTaskService interface {
	CreateTask(ctx context.Context, req HumanTaskRequest) (*HumanTaskRecord, error)
}

// HumanExecutor drives tier 4: it never blocks on task completion — it
// creates the task and immediately returns 202 with the task's identity.
type HumanExecutor struct {
	service HumanTaskService
}

func NewHumanExecutor(service HumanTaskService) *HumanExecutor {
	return &HumanExecutor{service: service}
}

type humanResponseBody struct {
	TaskID     string    `json:"taskId"`
	TaskURL    string    `json:"taskUrl"`
	TaskStatus string    `json:"taskStatus"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty"`
}

func (e *HumanExecutor) Execute(ctx context.Context, req Request) (*domain.TierResult, *domain.Meta, error) {
	start := time.Now()
	spec := req.Metadata.Human
	if spec == nil {
		return nil, nil, errs.New(errs.KindValidation, "human function missing its spec").
			WithContext("function_id", req.Metadata.ID)
	}
	if e.service == nil {
		return nil, nil, errs.New(errs.KindServiceUnavailable, "human task service binding missing").
			WithCode("missing-binding").WithContext("function_id", req.Metadata.ID)
	}

	interactionType := spec.InteractionType
	if interactionType == "" {
		interactionType = domain.InteractionApproval
	}

	record, err := e.service.CreateTask(ctx, HumanTaskRequest{
		InteractionType: interactionType,
		UI:              spec.UI,
		Assignees:       spec.Assignees,
		Input:           req.Input,
		SLA:             spec.SLA,
	})
	meta := &domain.Meta{ExecutorType: "human", Tier: 4, DurationMs: elapsedMs(start)}
	if err != nil {
		return nil, meta, errs.Wrap(errs.KindInvocation, "human task creation failed", err).
			WithCode("human-task-create-failed").
			WithContext("function_id", req.Metadata.ID)
	}

	status := record.TaskStatus
	if status == "" {
		status = "pending"
	}

	meta.Human = &domain.HumanMeta{
		TaskID:     record.TaskID,
		TaskURL:    record.TaskURL,
		TaskStatus: status,
		ExpiresAt:  record.ExpiresAt,
	}

	body, err := json.Marshal(humanResponseBody{
		TaskID:     record.TaskID,
		TaskURL:    record.TaskURL,
		TaskStatus: status,
		ExpiresAt:  record.ExpiresAt,
	})
	if err != nil {
		return nil, meta, errs.Wrap(errs.KindInvocation, "failed to encode human task response", err)
	}

	return &domain.TierResult{Status: 202, Body: body}, meta, nil
}
