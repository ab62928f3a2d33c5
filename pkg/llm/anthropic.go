package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/brigadehq/brigade/pkg/models"
)

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient builds a client from an API key.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Complete runs one streaming Messages turn. Tool input JSON arrives in
// fragments across delta events and is assembled per content block.
func (a *AnthropicClient) Complete(ctx context.Context, req Request, stream StreamFunc) (*Response, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}

	sse := a.client.Messages.NewStreaming(ctx, params)

	resp := &Response{}
	var text strings.Builder
	var currentTool *models.ToolCall
	var currentInput strings.Builder

	for sse.Next() {
		event := sse.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			resp.Usage.InputTokens = start.Message.Usage.InputTokens

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				currentTool = &models.ToolCall{ID: use.ID, Name: use.Name}
				currentInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					text.WriteString(delta.Text)
					if stream != nil {
						stream(delta.Text)
					}
				}
			case "input_json_delta":
				currentInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentTool != nil {
				args := currentInput.String()
				if args == "" {
					args = "{}"
				}
				currentTool.Args = json.RawMessage(args)
				resp.ToolCalls = append(resp.ToolCalls, *currentTool)
				currentTool = nil
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				resp.Usage.OutputTokens = delta.Usage.OutputTokens
			}
		}
	}
	if err := sse.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}

	resp.Content = text.String()
	return resp, nil
}

func (a *AnthropicClient) buildParams(req Request) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			// System prompts live in params.System, not the turn list.
			continue
		case RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal(tc.Args, &input); err != nil {
					return params, fmt.Errorf("tool call %s: invalid args: %w", tc.ID, err)
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(content) == 0 {
				continue
			}
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(content...))
		case RoleTool:
			block := anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	for _, tool := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return params, fmt.Errorf("tool %s: invalid schema: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		params.Tools = append(params.Tools, param)
	}

	return params, nil
}
