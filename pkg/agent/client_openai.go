package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/harun/nyra/pkg/accounting"
	"github.com/harun/nyra/pkg/toolexecutor"
)

// OpenAIClient implements ModelClient for OpenAI chat completions.
type OpenAIClient struct {
	client openai.Client
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(apiKey string) *OpenAIClient {
	return &OpenAIClient{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Provider returns the provider name.
func (c *OpenAIClient) Provider() string {
	return "openai"
}

// ExecuteTurn makes one inference call and runs every tool call the
// model requested through req.Dispatch before returning.
func (c *OpenAIClient) ExecuteTurn(ctx context.Context, req TurnRequest) TurnResult {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	converted, err := convertOpenAIMessages(req.Messages)
	if err != nil {
		return failedTurn(StatusError, 0, err)
	}
	messages = append(messages, converted...)

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = openai.Float(req.TopP)
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, desc := range req.Tools {
			var schema map[string]any
			if len(desc.InputSchema) > 0 {
				if err := json.Unmarshal(desc.InputSchema, &schema); err != nil {
					return failedTurn(StatusError, 0, fmt.Errorf("tool %s schema: %w", desc.Name, err))
				}
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        desc.Name,
					Description: openai.String(desc.Description),
					Parameters:  openai.FunctionParameters(schema),
				},
			})
		}
		params.Tools = tools
	}

	start := time.Now()
	response, err := c.client.Chat.Completions.New(ctx, params)
	latency := time.Since(start)
	if err != nil {
		statusCode := 0
		retryAfter := time.Duration(0)
		var apiErr *openai.Error
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
	if len(response.Choices) == 0 {
		return failedTurn(StatusError, latency, fmt.Errorf("no response choices returned"))
	}
	choice := response.Choices[0]

	var calls []toolexecutor.ToolCall
	for _, tc := range choice.Message.ToolCalls {
		calls = append(calls, toolexecutor.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}

	result := TurnResult{
		Status:     StatusSuccess,
		Latency:    latency,
		StopReason: string(choice.FinishReason),
		ToolCalls:  len(calls),
		Tokens: accounting.TokenUsage{
			Input:     response.Usage.PromptTokens,
			Output:    response.Usage.CompletionTokens,
			CacheRead: response.Usage.PromptTokensDetails.CachedTokens,
		},
	}

	result.Messages = append(result.Messages, Message{
		Role:      "assistant",
		Content:   choice.Message.Content,
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

func convertOpenAIMessages(messages []Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	var out []openai.ChatCompletionMessageParamUnion
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			// carried separately as the leading system message
		case "user":
			out = append(out, openai.UserMessage(msg.Content))
		case "assistant":
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCall, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			assistantMsg := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Content,
				ToolCalls: toolCalls,
			}
			out = append(out, assistantMsg.ToParam())
		case "tool":
			out = append(out, openai.ToolMessage(msg.ToolCallID, msg.Content))
		default:
			return nil, fmt.Errorf("unknown message role %q", msg.Role)
		}
	}
	return out, nil
}
