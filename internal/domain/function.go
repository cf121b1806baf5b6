// Package domain defines the wire and storage shape of deployable functions:
// the sum-typed FunctionMetadata discriminated by Kind, the CodeArtifact a
// code-kind function is backed by, and the runtime FunctionStub the loader
// produces from the two.
package domain

import (
	"encoding/json"
	"time"
)

// Kind discriminates the four execution tiers plus the cascade pipeline kind.
type Kind string

const (
	KindCode       Kind = "code"
	KindGenerative Kind = "generative"
	KindAgentic    Kind = "agentic"
	KindHuman      Kind = "human"
	KindCascade    Kind = "cascade"
)

func (k Kind) IsValid() bool {
	switch k {
	case KindCode, KindGenerative, KindAgentic, KindHuman, KindCascade:
		return true
	}
	return false
}

// Tier returns the numeric budget bucket for a kind; code defaults tier 1.
func (k Kind) Tier() int {
	switch k {
	case KindGenerative:
		return 2
	case KindAgentic:
		return 3
	case KindHuman:
		return 4
	default:
		return 1
	}
}

// Language enumerates supported code-kind languages.
type Language string

const (
	LanguageTypeScript     Language = "typescript"
	LanguageJavaScript     Language = "javascript"
	LanguageRust           Language = "rust"
	LanguageGo             Language = "go"
	LanguageZig            Language = "zig"
	LanguageAssemblyScript Language = "assemblyscript"
	LanguagePython         Language = "python"
	LanguageCSharp         Language = "csharp"
)

func (l Language) IsValid() bool {
	switch l {
	case LanguageTypeScript, LanguageJavaScript, LanguageRust, LanguageGo,
		LanguageZig, LanguageAssemblyScript, LanguagePython, LanguageCSharp:
		return true
	}
	return false
}

// CodeSpec is the code-kind variant body.
type CodeSpec struct {
	Language     Language          `json:"language"`
	EntryPoint   string            `json:"entryPoint"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// ToolImplementationType discriminates how an agentic tool is backed.
type ToolImplementationType string

const (
	ToolImplBuiltin  ToolImplementationType = "builtin"
	ToolImplAPI      ToolImplementationType = "api"
	ToolImplInline   ToolImplementationType = "inline"
	ToolImplFunction ToolImplementationType = "function"
)

// ToolImplementation is a tagged union keyed by Type.
type ToolImplementation struct {
	Type ToolImplementationType `json:"type"`

	// ToolImplAPI
	Endpoint string            `json:"endpoint,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`

	// ToolImplInline — rejected at dispatch time, kept only so validation
	// can produce a descriptive error rather than an unknown-field one.
	Code string `json:"code,omitempty"`

	// ToolImplFunction
	FunctionID string `json:"functionId,omitempty"`
}

// Tool is one entry in an agentic function's tool registry.
type Tool struct {
	Name           string                 `json:"name"`
	Description    string                 `json:"description"`
	InputSchema    json.RawMessage        `json:"inputSchema,omitempty"`
	Implementation ToolImplementation     `json:"implementation"`
}

// GenerativeSpec is the generative-kind variant body.
type GenerativeSpec struct {
	Model        string          `json:"model"`
	UserPrompt   string          `json:"userPrompt"`
	SystemPrompt string          `json:"systemPrompt,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	Temperature  *float64        `json:"temperature,omitempty"`
	MaxTokens    int             `json:"maxTokens,omitempty"`
	Examples     []GenerativeExample `json:"examples,omitempty"`
}

type GenerativeExample struct {
	Input  json.RawMessage `json:"input"`
	Output json.RawMessage `json:"output"`
}

// AgenticSpec is the agentic-kind variant body.
type AgenticSpec struct {
	Model         string          `json:"model"`
	SystemPrompt  string          `json:"systemPrompt"`
	Goal          string          `json:"goal"`
	Tools         []Tool          `json:"tools,omitempty"`
	MaxIterations int             `json:"maxIterations,omitempty"`
	TokenBudget   int             `json:"tokenBudget,omitempty"`
	OutputSchema  json.RawMessage `json:"outputSchema,omitempty"`
}

// InteractionType enumerates human-kind interaction shapes.
type InteractionType string

const (
	InteractionApproval     InteractionType = "approval"
	InteractionReview       InteractionType = "review"
	InteractionInput        InteractionType = "input"
	InteractionSelection    InteractionType = "selection"
	InteractionAnnotation   InteractionType = "annotation"
	InteractionVerification InteractionType = "verification"
	InteractionCustom       InteractionType = "custom"
)

// Assignee targets a human or group for a human-kind task.
type Assignee struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// HumanSpec is the human-kind variant body.
type HumanSpec struct {
	InteractionType InteractionType `json:"interactionType,omitempty"`
	UI              json.RawMessage `json:"ui,omitempty"`
	Assignees       []Assignee      `json:"assignees,omitempty"`
	SLA             string          `json:"sla,omitempty"`
	Reminders       []string        `json:"reminders,omitempty"`
	Escalation      json.RawMessage `json:"escalation,omitempty"`
}

// ErrorHandling controls how a cascade tolerates step failures.
type ErrorHandling string

const (
	ErrorHandlingFailFast   ErrorHandling = "fail-fast"
	ErrorHandlingContinue   ErrorHandling = "continue"
	ErrorHandlingBestEffort ErrorHandling = "best-effort"
)

// CascadeStep references one function invocation in a cascade pipeline.
type CascadeStep struct {
	FunctionID string `json:"functionId"`
	Tier       string `json:"tier"`
}

// CascadeSpec is the cascade-kind variant body.
type CascadeSpec struct {
	Steps         []CascadeStep `json:"steps"`
	ErrorHandling ErrorHandling `json:"errorHandling,omitempty"`
}

// FunctionMetadata is the sum-typed deploy record keyed by (ID, Version).
// Exactly one of the *Spec fields is populated, selected by Kind.
type FunctionMetadata struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Kind    Kind   `json:"kind"`

	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	OwnerID     string    `json:"ownerId,omitempty"`
	OrgID       string    `json:"orgId,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`

	Code       *CodeSpec       `json:"code,omitempty"`
	Generative *GenerativeSpec `json:"generative,omitempty"`
	Agentic    *AgenticSpec    `json:"agentic,omitempty"`
	Human      *HumanSpec      `json:"human,omitempty"`
	Cascade    *CascadeSpec    `json:"cascade,omitempty"`
}

// Clone returns a deep-enough copy for safe cache storage (the loader must
// never hand out a pointer another goroutine can mutate in place).
func (m *FunctionMetadata) Clone() *FunctionMetadata {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Tags = append([]string(nil), m.Tags...)
	return &cp
}

// CodeArtifact is the immutable code blob a CodeStore returns for a
// (id, version) code-kind function. Exactly one of Text/Binary is set.
type CodeArtifact struct {
	Text   *TextBlob   `json:"text,omitempty"`
	Binary *BinaryBlob `json:"binary,omitempty"`
}

type TextBlob struct {
	Source    string `json:"source"`
	Compiled  string `json:"compiled,omitempty"`
	SourceMap string `json:"sourceMap,omitempty"`
}

type BinaryBlob struct {
	Bytes           []byte   `json:"bytes"`
	ExportedSymbols []string `json:"exportedSymbols,omitempty"`
}

// InvokeRequest is the deserialized body of an invoke call.
type InvokeRequest struct {
	Input json.RawMessage `json:"input,omitempty"`
}
