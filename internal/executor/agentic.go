package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/loadstub/gateway/internal/aiclient"
	"github.com/loadstub/gateway/internal/domain"
	"github.com/loadstub/gateway/internal/errs"
)

// defaultMaxIterations is spec §4.6's agentic tier default.
const defaultMaxIterations = 10

// maxWebFetchBytes bounds how much of a fetched page is handed back to the
// model, so one tool call can't exhaust the tier's token/time budget.
const maxWebFetchBytes = 16 * 1024

// FunctionInvoker lets the agentic executor dispatch a `function`-kind tool
// to another deployed function without importing the dispatcher (which
// itself depends on this package) — the dependency points the other way.
type FunctionInvoker interface {
	Invoke(ctx context.Context, functionID string, input json.RawMessage) (*domain.TierResult, error)
}

// SearchProvider backs the web_search builtin tool. Nil means unconfigured;
// calling web_search then reports a structured error to the model rather
// than failing the whole turn.
type SearchProvider interface {
	Search(ctx context.Context, query string) (json.RawMessage, error)
}

// toolHandler executes one tool call and returns its result as the JSON
// fed back to the model. Returning a Go error aborts the whole iteration;
// a recoverable/business failure should instead be returned as a
// structuredError result so the model can see and react to it.
type toolHandler func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

type toolSet struct {
	defs     []aiclient.ToolDefinition
	handlers map[string]toolHandler
}

// AgenticExecutor drives tier 3: a bounded tool-call loop against a chat-
// capable AI client.
type AgenticExecutor struct {
	resolver   *aiclient.Resolver
	invoker    FunctionInvoker
	search     SearchProvider
	httpClient *http.Client

	cacheMu sync.Mutex
	cache   map[string]*toolSet // keyed by id@version, per spec "cache the executor instance per id"
}

func NewAgenticExecutor(resolver *aiclient.Resolver, invoker FunctionInvoker, search SearchProvider, httpClient *http.Client) *AgenticExecutor {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &AgenticExecutor{
		resolver:   resolver,
		invoker:    invoker,
		search:     search,
		httpClient: httpClient,
		cache:      map[string]*toolSet{},
	}
}

func (e *AgenticExecutor) Execute(ctx context.Context, req Request) (*domain.TierResult, *domain.Meta, error) {
	start := time.Now()
	spec := req.Metadata.Agentic
	if spec == nil {
		return nil, nil, errs.New(errs.KindValidation, "agentic function missing its spec").
			WithContext("function_id", req.Metadata.ID)
	}

	model := spec.Model
	if model == "" {
		model = aiclient.DefaultAgenticModel
	}
	client, err := e.resolver.Resolve(model)
	if err != nil {
		if errors.Is(err, aiclient.ErrBindingMissing) {
			return nil, nil, errs.New(errs.KindServiceUnavailable, "no AI client bound for model "+model).
				WithCode("missing-binding").WithContext("function_id", req.Metadata.ID, "model", model)
		}
		return nil, nil, err
	}

	tools := e.toolsFor(req.Metadata)
	maxIterations := spec.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	messages := []aiclient.Message{{Role: aiclient.RoleUser, Text: renderTemplate(spec.Goal, req.Input)}}
	toolsUsed := []string{}
	seen := map[string]bool{}
	finalText := ""
	iterations := 0

	for iterations < maxIterations {
		iterations++
		resp, err := client.Chat(ctx, aiclient.ChatRequest{
			Model:    model,
			System:   spec.SystemPrompt,
			Messages: messages,
			Tools:    tools.defs,
		})
		if err != nil {
			meta := &domain.Meta{ExecutorType: "agentic", Tier: 3, DurationMs: elapsedMs(start),
				Agentic: &domain.AgenticMeta{Model: model, Iterations: iterations, ToolsUsed: toolsUsed}}
			return nil, meta, errs.Wrap(errs.KindInvocation, "agentic chat call failed", err).
				WithContext("function_id", req.Metadata.ID, "model", model)
		}

		finalText = resp.Text
		if len(resp.ToolCalls) == 0 {
			messages = append(messages, aiclient.Message{Role: aiclient.RoleAssistant, Text: resp.Text})
			break
		}

		messages = append(messages, aiclient.Message{Role: aiclient.RoleAssistant, Text: resp.Text})
		for _, call := range resp.ToolCalls {
			if !seen[call.Name] {
				seen[call.Name] = true
				toolsUsed = append(toolsUsed, call.Name)
			}

			handler, ok := tools.handlers[call.Name]
			var resultJSON json.RawMessage
			if !ok {
				resultJSON = structuredError("unknown tool: " + call.Name)
			} else {
				out, herr := handler(ctx, call.Input)
				if herr != nil {
					resultJSON = structuredError(herr.Error())
				} else {
					resultJSON = out
				}
			}
			messages = append(messages, aiclient.Message{Role: aiclient.RoleTool, ToolCallID: call.ID, Text: string(resultJSON)})
		}
	}

	meta := &domain.Meta{
		ExecutorType: "agentic",
		Tier:         3,
		DurationMs:   elapsedMs(start),
		Agentic:      &domain.AgenticMeta{Model: model, Iterations: iterations, ToolsUsed: toolsUsed},
	}

	var body json.RawMessage
	if len(spec.OutputSchema) > 0 && json.Valid([]byte(finalText)) {
		body = json.RawMessage(finalText)
	} else {
		encoded, err := json.Marshal(finalText)
		if err != nil {
			return nil, meta, errs.Wrap(errs.KindInvocation, "failed to encode agentic output", err)
		}
		body = encoded
	}

	return &domain.TierResult{Status: 200, Body: body}, meta, nil
}

func structuredError(msg string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return b
}

// toolsFor returns the cached tool set for (id, version), building it on
// first use. Per spec §4.6 the executor instance is cached per id across
// dispatches, so the factory/registration work happens once.
func (e *AgenticExecutor) toolsFor(meta *domain.FunctionMetadata) *toolSet {
	key := meta.ID + "@" + meta.Version

	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if ts, ok := e.cache[key]; ok {
		return ts
	}

	ts := &toolSet{handlers: map[string]toolHandler{}}
	if meta.Agentic != nil {
		for _, tool := range meta.Agentic.Tools {
			handler := e.buildHandler(tool)
			if handler == nil {
				continue // unknown implementation.type: tool silently unregistered (spec §4.7)
			}
			ts.defs = append(ts.defs, aiclient.ToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			})
			ts.handlers[tool.Name] = handler
		}
	}
	e.cache[key] = ts
	return ts
}

// buildHandler is the factory keyed by implementation.type per spec §4.7.
func (e *AgenticExecutor) buildHandler(tool domain.Tool) toolHandler {
	switch tool.Implementation.Type {
	case domain.ToolImplBuiltin:
		return e.builtinHandler(tool.Name)
	case domain.ToolImplAPI:
		return e.apiHandler(tool.Implementation)
	case domain.ToolImplFunction:
		return e.functionHandler(tool.Implementation.FunctionID)
	case domain.ToolImplInline:
		return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			return structuredError("inline tool implementations are not supported; use a function-kind tool instead"), nil
		}
	default:
		return nil
	}
}

func (e *AgenticExecutor) builtinHandler(name string) toolHandler {
	switch name {
	case "web_search":
		return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			if e.search == nil {
				return structuredError("web_search is not configured"), nil
			}
			var params struct {
				Query string `json:"query"`
			}
			_ = json.Unmarshal(input, &params)
			result, err := e.search.Search(ctx, params.Query)
			if err != nil {
				return structuredError(err.Error()), nil
			}
			return result, nil
		}
	case "web_fetch":
		return e.webFetchHandler
	default:
		return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			return structuredError("unknown builtin tool: " + name), nil
		}
	}
}

func (e *AgenticExecutor) webFetchHandler(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(input, &params); err != nil || params.URL == "" {
		return structuredError("web_fetch requires a url field"), nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
	if err != nil {
		return structuredError("invalid url: " + err.Error()), nil
	}
	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return structuredError("fetch failed: " + err.Error()), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebFetchBytes))
	if err != nil {
		return structuredError("failed reading response: " + err.Error()), nil
	}

	return json.Marshal(map[string]any{"status": resp.StatusCode, "content": string(body)})
}

func (e *AgenticExecutor) apiHandler(impl domain.ToolImplementation) toolHandler {
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, impl.Endpoint, bytes.NewReader(input))
		if err != nil {
			return structuredError("invalid endpoint: " + err.Error()), nil
		}
		httpReq.Header.Set("Content-Type", "application/json")
		for k, v := range impl.Headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := e.httpClient.Do(httpReq)
		if err != nil {
			return structuredError("api tool call failed: " + err.Error()), nil
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebFetchBytes))
		if err != nil {
			return structuredError("failed reading api tool response: " + err.Error()), nil
		}
		if resp.StatusCode >= 400 {
			return structuredError(fmt.Sprintf("api tool returned status %d", resp.StatusCode)), nil
		}
		if json.Valid(body) {
			return body, nil
		}
		return json.Marshal(map[string]string{"content": string(body)})
	}
}

func (e *AgenticExecutor) functionHandler(functionID string) toolHandler {
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		if e.invoker == nil {
			return structuredError("function-tool dispatch is not configured"), nil
		}
		result, err := e.invoker.Invoke(ctx, functionID, input)
		if err != nil {
			return structuredError(err.Error()), nil
		}
		return result.Body, nil
	}
}
