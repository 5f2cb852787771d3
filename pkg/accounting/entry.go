package accounting

import (
	"time"

	"github.com/harun/nyra/internal/tracing"
)

// EntryKind discriminates the two accounting record shapes.
type EntryKind string

const (
	// KindLLM records one model invocation attempt.
	KindLLM EntryKind = "llm"
	// KindTool records one tool execution.
	KindTool EntryKind = "tool"
)

// EntryStatus marks whether the recorded operation succeeded.
type EntryStatus string

const (
	StatusOK     EntryStatus = "ok"
	StatusFailed EntryStatus = "failed"
)

// TokenUsage carries the token counts of one model invocation.
type TokenUsage struct {
	Input      int64 `json:"inputTokens"`
	Output     int64 `json:"outputTokens"`
	CacheRead  int64 `json:"cacheReadInputTokens"`
	CacheWrite int64 `json:"cacheWriteInputTokens"`
}

// Total sums all token classes.
func (u TokenUsage) Total() int64 {
	return u.Input + u.Output + u.CacheRead + u.CacheWrite
}

// Add returns the element-wise sum of two usages.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		Input:      u.Input + o.Input,
		Output:     u.Output + o.Output,
		CacheRead:  u.CacheRead + o.CacheRead,
		CacheWrite: u.CacheWrite + o.CacheWrite,
	}
}

// Entry is one immutable accounting record. Kind selects which field
// group is meaningful: the LLM group for KindLLM, the tool group for
// KindTool. Entries are value types; once recorded they are never
// mutated.
type Entry struct {
	Kind       EntryKind     `json:"type"`
	Timestamp  time.Time     `json:"timestamp"`
	Trace      tracing.Trace `json:"trace"`
	SessionKey string        `json:"sessionKey,omitempty"`
	Turn       int           `json:"turn"`
	Status     EntryStatus   `json:"status"`
	Latency    time.Duration `json:"latency"`

	// LLM fields
	Provider       string     `json:"provider,omitempty"`
	Model          string     `json:"model,omitempty"`
	ActualProvider string     `json:"actualProvider,omitempty"`
	ActualModel    string     `json:"actualModel,omitempty"`
	Tokens         TokenUsage `json:"tokens,omitzero"`
	CostUSD        float64    `json:"costUsd,omitempty"`
	StopReason     string     `json:"stopReason,omitempty"`

	// Tool fields
	Server    string `json:"server,omitempty"`
	Command   string `json:"command,omitempty"`
	CharsIn   int64  `json:"charactersIn,omitempty"`
	CharsOut  int64  `json:"charactersOut,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// PairKey renders the provider/model identity of an LLM entry,
// including the actual provider when a gateway routed the request
// somewhere other than the requested provider.
func (e Entry) PairKey() string {
	provider := e.Provider
	if e.ActualProvider != "" && e.ActualProvider != e.Provider {
		provider = e.Provider + "/" + e.ActualProvider
	}
	model := e.Model
	if e.ActualModel != "" {
		model = e.ActualModel
	}
	return provider + ":" + model
}

// ToolKey renders the server/command identity of a tool entry.
func (e Entry) ToolKey() string {
	return e.Server + ":" + e.Command
}
