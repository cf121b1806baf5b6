package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadstub/gateway/internal/domain"
	"github.com/loadstub/gateway/internal/errs"
)

type fakeTaskService struct {
	record *HumanTaskRecord
	err    error
	got    HumanTaskRequest
}

func (f *fakeTaskService) CreateTask(ctx context.Context, req HumanTaskRequest) (*HumanTaskRecord, error) {
	f.got = req
	return f.record, f.err
}

func TestHumanExecutor_ReturnsAcceptedWithTaskFields(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	svc := &fakeTaskService{record: &HumanTaskRecord{TaskID: "t-1", TaskURL: "https://tasks/t-1", TaskStatus: "pending", ExpiresAt: expires}}
	e := NewHumanExecutor(svc)

	meta := &domain.FunctionMetadata{
		ID:    "fn-approve",
		Kind:  domain.KindHuman,
		Human: &domain.HumanSpec{},
	}

	result, m, err := e.Execute(context.Background(), Request{Metadata: meta, Input: json.RawMessage(`{"x":1}`)})
	require.NoError(t, err)
	assert.Equal(t, 202, result.Status)
	assert.Equal(t, domain.InteractionApproval, svc.got.InteractionType)

	var body map[string]any
	require.NoError(t, json.Unmarshal(result.Body, &body))
	assert.Equal(t, "t-1", body["taskId"])
	assert.Equal(t, "pending", m.Human.TaskStatus)
}

func TestHumanExecutor_BackendFailurePropagatesAs500(t *testing.T) {
	svc := &fakeTaskService{err: errors.New("backend down")}
	e := NewHumanExecutor(svc)
	meta := &domain.FunctionMetadata{ID: "fn-approve", Kind: domain.KindHuman, Human: &domain.HumanSpec{}}

	_, _, err := e.Execute(context.Background(), Request{Metadata: meta})
	var ge *errs.Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, errs.KindInvocation, ge.Kind)
	assert.Equal(t, 500, ge.Kind.Status())
}

func TestHumanExecutor_MissingBindingReturns503(t *testing.T) {
	e := NewHumanExecutor(nil)
	meta := &domain.FunctionMetadata{ID: "fn-approve", Kind: domain.KindHuman, Human: &domain.HumanSpec{}}

	_, _, err := e.Execute(context.Background(), Request{Metadata: meta})
	var ge *errs.Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, errs.KindServiceUnavailable, ge.Kind)
}
