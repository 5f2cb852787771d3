package agent

import (
	"time"

	"github.com/harun/nyra/pkg/accounting"
	"github.com/harun/nyra/pkg/optree"
	"github.com/harun/nyra/pkg/toolexecutor"
)

// ExitCode is the single typed reason a session ended. Every
// termination path produces exactly one.
type ExitCode string

const (
	ExitFinalAnswer        ExitCode = "EXIT-FINAL-ANSWER"
	ExitMaxTurnsNoResponse ExitCode = "EXIT-MAX-TURNS-NO-RESPONSE"
	ExitNoLLMResponse      ExitCode = "EXIT-NO-LLM-RESPONSE"
	ExitAuthFailure        ExitCode = "EXIT-AUTH-FAILURE"
	ExitQuotaExceeded      ExitCode = "EXIT-QUOTA-EXCEEDED"
	ExitInactivityTimeout  ExitCode = "EXIT-INACTIVITY-TIMEOUT"
	ExitCanceled           ExitCode = "EXIT-CANCELED"
	ExitStopped            ExitCode = "EXIT-STOPPED"
)

// Message is one entry of the session conversation. The sequence is
// append-only and owned exclusively by the session.
type Message struct {
	Role       string                  `json:"role"` // system|user|assistant|tool
	Content    string                  `json:"content"`
	ToolCalls  []toolexecutor.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string                  `json:"tool_call_id,omitempty"`
}

// Target is one provider/model candidate the loop fails over across.
type Target struct {
	Provider string `json:"provider" mapstructure:"provider"`
	Model    string `json:"model" mapstructure:"model"`
}

func (t Target) String() string {
	return t.Provider + ":" + t.Model
}

// Limits bounds the turn loop.
type Limits struct {
	MaxTurns    int
	MaxRetries  int
	MaxTokens   int
	Temperature float64
	TopP        float64
	LLMTimeout  time.Duration
}

const (
	defaultMaxTurns   = 10
	defaultMaxRetries = 3
	defaultMaxTokens  = 4096
	defaultLLMTimeout = 2 * time.Minute
)

func (l Limits) withDefaults() Limits {
	if l.MaxTurns < 1 {
		l.MaxTurns = defaultMaxTurns
	}
	if l.MaxRetries < 1 {
		l.MaxRetries = defaultMaxRetries
	}
	if l.MaxTokens < 1 {
		l.MaxTokens = defaultMaxTokens
	}
	if l.LLMTimeout <= 0 {
		l.LLMTimeout = defaultLLMTimeout
	}
	return l
}

// LifecycleEvent is emitted on session state changes for external
// observers. Best effort, at least once.
type LifecycleEvent struct {
	Kind      string        `json:"kind"` // started|updated|finished|failed
	Agent     string        `json:"agent"`
	TxnID     string        `json:"txnId"`
	CallPath  string        `json:"callPath"`
	ExitCode  ExitCode      `json:"exitCode,omitempty"`
	Update    string        `json:"update,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Turns     int           `json:"turns,omitempty"`
	Tokens    int64         `json:"tokens,omitempty"`
	CostUSD   float64       `json:"costUsd,omitempty"`
	ToolsRun  int           `json:"toolsRun,omitempty"`
	AgentsRun int           `json:"agentsRun,omitempty"`
}

// Callbacks are optional observer hooks. Nil members are skipped.
type Callbacks struct {
	OnOutput     func(text string)
	OnThinking   func(text string)
	OnLog        func(line optree.LogLine)
	OnAccounting func(entry accounting.Entry)
	OnOpTree     func(snapshot *optree.Session)
	OnLifecycle  func(event LifecycleEvent)
}

// Result is what a finished session returns. Exactly one of
// Report-set / failure exit code holds.
type Result struct {
	Success  bool
	ExitCode ExitCode
	Report   *toolexecutor.Report
	Turns    int
	Duration time.Duration
	Summary  accounting.Summary
	Snapshot *optree.Session
}
