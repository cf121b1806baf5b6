package domain

import (
	"context"
	"encoding/json"
	"time"
)

// TierResult is the uniform shape every tier executor returns.
type TierResult struct {
	Status  int             `json:"status"`
	Body    json.RawMessage `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Meta is the envelope every invocation response carries under "_meta".
type Meta struct {
	ExecutorType string         `json:"executorType"`
	Tier         int            `json:"tier"`
	DurationMs   int64          `json:"duration"`
	Generative   *GenerativeMeta `json:"generativeExecution,omitempty"`
	Agentic      *AgenticMeta    `json:"agenticExecution,omitempty"`
	Human        *HumanMeta      `json:"humanExecution,omitempty"`
	Cascade      *CascadeMeta    `json:"cascade,omitempty"`
}

type GenerativeMeta struct {
	Model  string `json:"model"`
	Tokens struct {
		Input  int `json:"input"`
		Output int `json:"output"`
	} `json:"tokens"`
	StopReason string `json:"stopReason,omitempty"`
}

type AgenticMeta struct {
	Model      string   `json:"model"`
	Iterations int      `json:"iterations"`
	ToolsUsed  []string `json:"toolsUsed,omitempty"`
}

type HumanMeta struct {
	TaskID     string    `json:"taskId"`
	TaskURL    string    `json:"taskUrl"`
	TaskStatus string    `json:"taskStatus"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty"`
}

type CascadeMeta struct {
	TiersAttempted []int `json:"tiersAttempted"`
	StepsExecuted  int   `json:"stepsExecuted"`
}

// Fetcher is the narrow contract a FunctionStub's entrypoint exposes: take a
// request-shaped input and produce a response-shaped output. For code-kind
// functions this is bound to the host sandbox's loader binding (external);
// for the other kinds the dispatcher never calls it directly — it drives
// the matching tier executor instead.
type Fetcher interface {
	Fetch(ctx context.Context, input json.RawMessage) (*TierResult, error)
}

// FunctionStub is the cacheable runtime view of (metadata, artifact)
// produced by the loader and consumed by the dispatcher per invocation.
type FunctionStub struct {
	Metadata  *FunctionMetadata `json:"metadata"`
	Artifact  *CodeArtifact     `json:"artifact,omitempty"`
	LoadedAt  time.Time         `json:"loadedAt"`
	Version   string            `json:"version"`

	// Entry is populated for code-kind stubs only; it is the host sandbox's
	// callable entrypoint, supplied by the loader's caller (the dispatcher's
	// code executor is the only consumer).
	Entry Fetcher `json:"-"`
}

// LoadResult is the outcome of a single Loader.Load call.
type LoadResult struct {
	Stub               *FunctionStub `json:"stub,omitempty"`
	Success            bool          `json:"success"`
	Error              error         `json:"-"`
	FromCache          bool          `json:"fromCache"`
	LoadTimeMs         int64         `json:"loadTimeMs"`
	RetryCount         int           `json:"retryCount"`
	Degraded           bool          `json:"degraded,omitempty"`
	DegradationReason  string        `json:"degradationReason,omitempty"`
}
