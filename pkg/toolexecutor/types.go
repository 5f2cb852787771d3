package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
)

// Tool names the dispatcher treats specially.
const (
	// FinalReportTool concludes the session with a structured report.
	FinalReportTool = "agent__final_report"
	// FinalReportShort is the tolerated short alias for the same tool.
	FinalReportShort = "final_report"
	// TaskStatusTool posts a progress update without ending the session.
	TaskStatusTool = "agent__task_status"
	// BatchTool runs several tool calls concurrently as one call.
	BatchTool = "agent__batch"
)

// Sentinel errors for dispatch failures. The dispatcher renders each
// of them into a tool-role message; callers can still classify with
// errors.Is.
var (
	ErrToolNotFound      = errors.New("tool_not_found")
	ErrToolNotPermitted  = errors.New("tool_not_permitted")
	ErrPerTurnLimit      = errors.New("tool_calls_per_turn_limit_exceeded")
	ErrToolTimeout       = errors.New("tool_timeout")
	ErrStopRequested     = errors.New("stop_requested")
	ErrCanceled          = errors.New("canceled")
	ErrNestedBatch       = errors.New("batch_cannot_nest")
	ErrNestedFinalReport = errors.New("final_report_not_allowed_in_batch")
)

// ToolDescriptor describes one callable tool as advertised to the
// model. InputSchema is a JSON Schema document; nil means the tool
// accepts any object.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolCall is one call as issued by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"arguments"`
}

// Report is the structured final report delivered through the final
// report tool.
type Report struct {
	Status  string          `json:"status"`
	Format  string          `json:"format"`
	Content string          `json:"content"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// Result is the outcome of one dispatched call. Content always holds
// the tool-role message text, including the rendered failure text when
// Failed is set. Terminal carries the final report when the call ended
// the session; no hidden side channel exists.
type Result struct {
	Content   string
	Failed    bool
	Truncated bool
	Terminal  *Report
}

// Provider serves a set of tools. Name doubles as the accounting
// server label.
type Provider interface {
	Name() string
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	Execute(ctx context.Context, tool string, args map[string]any) (string, error)
}
