package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/harun/nyra/pkg/accounting"
	"github.com/harun/nyra/pkg/toolexecutor"
)

// TurnStatus classifies one inference attempt.
type TurnStatus string

const (
	StatusSuccess       TurnStatus = "success"
	StatusRateLimit     TurnStatus = "rate_limit"
	StatusAuthError     TurnStatus = "auth_error"
	StatusQuotaExceeded TurnStatus = "quota_exceeded"
	StatusTimeout       TurnStatus = "timeout"
	StatusNetworkError  TurnStatus = "network_error"
	StatusError         TurnStatus = "error"
)

// DispatchFunc executes one tool call requested by the model. The
// session supplies it; clients must route every requested call through
// it before returning.
type DispatchFunc func(ctx context.Context, call toolexecutor.ToolCall) toolexecutor.Result

// TurnRequest is one inference attempt.
type TurnRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []toolexecutor.ToolDescriptor
	Temperature  float64
	TopP         float64
	MaxTokens    int
	Timeout      time.Duration
	Dispatch     DispatchFunc
	// OnThinking receives reasoning content as the model produces it,
	// for providers that surface it. Optional.
	OnThinking func(text string)
}

// TurnResult is the typed outcome of one inference attempt. Messages
// holds everything appended during the attempt (assistant message with
// its tool calls, then one tool message per call). Terminal is set
// when a dispatched call concluded the session.
type TurnResult struct {
	Status     TurnStatus
	Messages   []Message
	ToolCalls  int
	Tokens     accounting.TokenUsage
	Latency    time.Duration
	StopReason string
	RetryAfter time.Duration
	Terminal   *toolexecutor.Report
	Err        error
}

// ModelClient issues one inference request per ExecuteTurn call and
// runs the model's tool calls through req.Dispatch before returning.
type ModelClient interface {
	Provider() string
	ExecuteTurn(ctx context.Context, req TurnRequest) TurnResult
}

// NewModelClient builds a client for the given provider type. The API
// key is read verbatim; resolving it from the environment is the
// config layer's job.
func NewModelClient(provider, apiKey string) (ModelClient, error) {
	switch provider {
	case "anthropic":
		return NewAnthropicClient(apiKey), nil
	case "openai":
		return NewOpenAIClient(apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

// failedTurn wraps an attempt error into a TurnResult.
func failedTurn(status TurnStatus, latency time.Duration, err error) TurnResult {
	return TurnResult{Status: status, Latency: latency, Err: err}
}

// classifyAttemptError maps transport and API errors onto the turn
// status taxonomy. statusCode is the HTTP status when known, 0
// otherwise.
func classifyAttemptError(ctx context.Context, err error, statusCode int) TurnStatus {
	if err == nil {
		return StatusSuccess
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusTimeout
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return StatusError
	}

	switch statusCode {
	case 401, 403:
		return StatusAuthError
	case 402:
		return StatusQuotaExceeded
	case 429:
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "quota") || strings.Contains(msg, "billing") ||
			strings.Contains(msg, "credit") {
			return StatusQuotaExceeded
		}
		return StatusRateLimit
	}
	if statusCode >= 500 {
		return StatusError
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return StatusTimeout
		}
		return StatusNetworkError
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return StatusNetworkError
	}

	return StatusError
}

// retryAfterHeader parses a Retry-After value, seconds only.
func retryAfterHeader(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}
