package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/harun/nyra/pkg/accounting"
	"github.com/harun/nyra/pkg/toolexecutor"
)

// AnthropicClient implements ModelClient for Anthropic Claude.
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Provider returns the provider name.
func (c *AnthropicClient) Provider() string {
	return "anthropic"
}

// ExecuteTurn makes one inference call and runs every tool call the
// model requested through req.Dispatch before returning.
func (c *AnthropicClient) ExecuteTurn(ctx context.Context, req TurnRequest) TurnResult {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  convertAnthropicMessages(req.Messages),
		MaxTokens: int64(req.MaxTokens),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(req.TopP)
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return failedTurn(StatusError, 0, err)
		}
		params.Tools = tools
	}

	start := time.Now()
	response, err := c.client.Messages.New(ctx, params)
	latency := time.Since(start)
	if err != nil {
		statusCode := 0
		retryAfter := time.Duration(0)
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			statusCode = apiErr.StatusCode
			if apiErr.Response != nil {
				retryAfter = retryAfterHeader(apiErr.Response.Header.Get("retry-after"))
			}
		}
		result := failedTurn(classifyAttemptError(ctx, err, statusCode), latency, err)
		result.RetryAfter = retryAfter
		return result
	}

	content := ""
	var calls []toolexecutor.ToolCall
	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content += b.Text
		case anthropic.ThinkingBlock:
			if req.OnThinking != nil && b.Thinking != "" {
				req.OnThinking(b.Thinking)
			}
		case anthropic.ToolUseBlock:
			calls = append(calls, toolexecutor.ToolCall{
				ID:   b.ID,
				Name: b.Name,
				Args: json.RawMessage(b.JSON.Input.Raw()),
			})
		}
	}

	result := TurnResult{
		Status:     StatusSuccess,
		Latency:    latency,
		StopReason: string(response.StopReason),
		ToolCalls:  len(calls),
		Tokens: accounting.TokenUsage{
			Input:      response.Usage.InputTokens,
			Output:     response.Usage.OutputTokens,
			CacheRead:  response.Usage.CacheReadInputTokens,
			CacheWrite: response.Usage.CacheCreationInputTokens,
		},
	}

	result.Messages = append(result.Messages, Message{
		Role:      "assistant",
		Content:   content,
		ToolCalls: calls,
	})
	for _, call := range calls {
		res := req.Dispatch(ctx, call)
		result.Messages = append(result.Messages, Message{
			Role:       "tool",
			Content:    res.Content,
			ToolCallID: call.ID,
		})
		if res.Terminal != nil {
			result.Terminal = res.Terminal
		}
	}
	return result
}

func convertAnthropicMessages(messages []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			// carried separately as the system parameter
		case "tool":
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		case "assistant":
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var args map[string]any
				if err := json.Unmarshal(tc.Args, &args); err != nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return out
}

func convertAnthropicTools(descs []toolexecutor.ToolDescriptor) ([]anthropic.ToolUnionParam, error) {
	tools := make([]anthropic.ToolUnionParam, 0, len(descs))
	for _, desc := range descs {
		tool := anthropic.ToolParam{
			Name:        desc.Name,
			Description: anthropic.String(desc.Description),
		}
		if len(desc.InputSchema) > 0 {
			var schema struct {
				Properties any      `json:"properties"`
				Required   []string `json:"required"`
			}
			if err := json.Unmarshal(desc.InputSchema, &schema); err != nil {
				return nil, err
			}
			tool.InputSchema = anthropic.ToolInputSchemaParam{
				Properties: schema.Properties,
				Required:   schema.Required,
			}
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return tools, nil
}
