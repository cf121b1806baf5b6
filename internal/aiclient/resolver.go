package aiclient

import "strings"

// Resolver selects a concrete Client for a declared model name. Functions
// never carry a client reference themselves — the generative/agentic
// executors resolve one per invocation, so swapping or adding a backend
// never touches deployed function metadata.
type Resolver struct {
	anthropic Client
	openai    Client
	byPrefix  map[string]Client
	fallback  Client
}

// NewResolver builds a Resolver defaulting "claude-"-prefixed models to
// anthropic and "gpt-"/"o1-"/"o3-"-prefixed models to openai, per
// SPEC_FULL's binding-resolution path. Either client may be nil if that
// provider isn't configured; resolving a model with no matching, non-nil
// client returns ErrBindingMissing.
func NewResolver(anthropicClient, openaiClient Client) *Resolver {
	return &Resolver{
		anthropic: anthropicClient,
		openai:    openaiClient,
		byPrefix:  map[string]Client{},
	}
}

// Register binds an explicit model-name prefix to a client, overriding the
// anthropic-vs-openai default for that prefix. Useful for custom or
// self-hosted model names that don't fit either vendor's naming scheme.
func (r *Resolver) Register(prefix string, client Client) {
	r.byPrefix[prefix] = client
}

// SetFallback sets the client used when no prefix matches.
func (r *Resolver) SetFallback(client Client) { r.fallback = client }

// Resolve returns the Client bound to model, or ErrBindingMissing if none
// is configured.
func (r *Resolver) Resolve(model string) (Client, error) {
	for prefix, client := range r.byPrefix {
		if client != nil && strings.HasPrefix(model, prefix) {
			return client, nil
		}
	}

	switch {
	case strings.HasPrefix(model, "claude-"):
		if r.anthropic != nil {
			return r.anthropic, nil
		}
	case strings.HasPrefix(model, "gpt-"), strings.HasPrefix(model, "o1-"), strings.HasPrefix(model, "o3-"):
		if r.openai != nil {
			return r.openai, nil
		}
	}

	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, ErrBindingMissing
}
