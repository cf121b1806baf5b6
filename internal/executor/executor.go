// Package executor implements the four tier executors (spec §4.6): code,
// generative, agentic, human. Each takes a resolved function plus its
// caller's input and produces a uniform {status, body, meta} outcome; the
// dispatcher (C8) selects which executor runs and enforces the tier's
// timeout budget externally.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/loadstub/gateway/internal/domain"
)

// Request is the uniform input every executor takes.
type Request struct {
	Metadata *domain.FunctionMetadata
	Artifact *domain.CodeArtifact
	Entry    domain.Fetcher // code-kind only, bound by the dispatcher's caller
	Input    json.RawMessage
}

// Executor is the per-kind execution seam the dispatcher drives.
type Executor interface {
	Execute(ctx context.Context, req Request) (*domain.TierResult, *domain.Meta, error)
}

// templateVar matches {{name}} placeholders in a generative/agentic prompt.
var templateVar = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// renderTemplate substitutes {{var}} in tmpl with the JSON-stringified
// value of the matching top-level field of input, per spec §4.6
// ("Template userPrompt by substituting {{var}} with JSON-stringified
// input fields"). A placeholder with no matching field is left untouched.
func renderTemplate(tmpl string, input json.RawMessage) string {
	fields := map[string]json.RawMessage{}
	if len(input) > 0 {
		_ = json.Unmarshal(input, &fields)
	}
	return templateVar.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := templateVar.FindStringSubmatch(match)[1]
		raw, ok := fields[name]
		if !ok {
			return match
		}
		return stringifyJSONValue(raw)
	})
}

// stringifyJSONValue renders a JSON value the way a template substitution
// should: a JSON string unwraps to its bare text, everything else is
// re-serialized verbatim.
func stringifyJSONValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

func elapsedMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
