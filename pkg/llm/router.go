package llm

import (
	"context"
	"fmt"
	"strings"
)

// Router picks a provider by model name prefix. Models starting with
// "claude" go to Anthropic, everything else to the OpenAI-compatible
// endpoint.
type Router struct {
	anthropic Client
	openai    Client
}

// NewRouter wires the providers. Either may be nil when the matching API
// key is not configured; requests routed to a nil provider fail.
func NewRouter(anthropicClient, openaiClient Client) *Router {
	return &Router{anthropic: anthropicClient, openai: openaiClient}
}

// Complete dispatches to the provider owning the requested model.
func (r *Router) Complete(ctx context.Context, req Request, stream StreamFunc) (*Response, error) {
	client := r.openai
	provider := "openai"
	if strings.HasPrefix(req.Model, "claude") {
		client = r.anthropic
		provider = "anthropic"
	}
	if client == nil {
		return nil, fmt.Errorf("model %q: no %s credentials configured", req.Model, provider)
	}
	return client.Complete(ctx, req, stream)
}
