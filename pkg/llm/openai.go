package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/brigadehq/brigade/pkg/models"
)

// OpenAIClient talks to the OpenAI chat completions API, or any endpoint
// speaking the same protocol when baseURL is set.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient builds a client from an API key and optional base URL.
func NewOpenAIClient(apiKey, baseURL string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}
}

// Complete runs one streaming chat completion turn. Tool call arguments
// arrive in fragments keyed by index and are assembled before return.
func (o *OpenAIClient) Complete(ctx context.Context, req Request, stream StreamFunc) (*Response, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: o.convertMessages(req),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	for _, tool := range req.Tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("tool %s: invalid schema: %w", tool.Name, err)
		}
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		})
	}

	sse, err := o.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}
	defer sse.Close()

	resp := &Response{}
	var text strings.Builder
	type partial struct {
		id, name string
		args     strings.Builder
	}
	calls := make(map[int]*partial)
	maxIndex := -1

	for {
		chunk, err := sse.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("openai stream: %w", err)
		}
		if chunk.Usage != nil {
			resp.Usage.InputTokens = int64(chunk.Usage.PromptTokens)
			resp.Usage.OutputTokens = int64(chunk.Usage.CompletionTokens)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			text.WriteString(delta.Content)
			if stream != nil {
				stream(delta.Content)
			}
		}
		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			p := calls[index]
			if p == nil {
				p = &partial{}
				calls[index] = p
			}
			if index > maxIndex {
				maxIndex = index
			}
			if tc.ID != "" {
				p.id = tc.ID
			}
			if tc.Function.Name != "" {
				p.name = tc.Function.Name
			}
			p.args.WriteString(tc.Function.Arguments)
		}
	}

	for i := 0; i <= maxIndex; i++ {
		p := calls[i]
		if p == nil || p.id == "" || p.name == "" {
			continue
		}
		args := p.args.String()
		if args == "" {
			args = "{}"
		}
		resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
			ID:   p.id,
			Name: p.name,
			Args: json.RawMessage(args),
		})
	}

	resp.Content = text.String()
	return resp, nil
}

func (o *OpenAIClient) convertMessages(req Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			out = append(out, m)
		case RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return out
}
