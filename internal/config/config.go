package config

import (
	"fmt"
	"time"

	"github.com/harun/nyra/pkg/accounting"
	"github.com/harun/nyra/pkg/agent"
	"github.com/harun/nyra/pkg/subagent"
	"github.com/harun/nyra/pkg/toolexecutor"
)

// Config represents the main Nyra configuration
type Config struct {
	// Agent identity
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// LLM providers
	Providers []ProviderConfig `json:"providers" mapstructure:"providers"`

	// Failover targets, tried in order
	Targets []agent.Target `json:"targets" mapstructure:"targets"`

	// Execution limits
	Limits LimitsConfig `json:"limits" mapstructure:"limits"`

	// Tool access policy
	ToolPolicy toolexecutor.ToolPolicy `json:"tool_policy" mapstructure:"tool_policy"`

	// Declarative HTTP tools
	RESTTools []toolexecutor.RESTToolConfig `json:"rest_tools" mapstructure:"rest_tools"`

	// External stdio tool servers
	ToolServers []ToolServerConfig `json:"tool_servers" mapstructure:"tool_servers"`

	// Delegatable sub-agents
	SubAgents []subagent.Definition `json:"sub_agents" mapstructure:"sub_agents"`

	// Per-model pricing
	Pricing accounting.PriceTable `json:"pricing" mapstructure:"pricing"`

	// Snapshot and billing persistence
	Persistence PersistenceConfig `json:"persistence" mapstructure:"persistence"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// AgentConfig identifies the root agent and its prompt.
type AgentConfig struct {
	Name         string `json:"name" mapstructure:"name"`
	SystemPrompt string `json:"system_prompt" mapstructure:"system_prompt"`
}

// ProviderConfig declares an LLM provider and where its key comes
// from. APIKeyEnv wins over APIKey when both are set.
type ProviderConfig struct {
	Name      string `json:"name" mapstructure:"name"` // anthropic, openai
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	APIKeyEnv string `json:"api_key_env" mapstructure:"api_key_env"`
}

// LimitsConfig bounds the session loop and tool execution.
// Durations are in seconds; zero means the built-in default.
type LimitsConfig struct {
	MaxTurns            int     `json:"max_turns" mapstructure:"max_turns"`
	MaxRetries          int     `json:"max_retries" mapstructure:"max_retries"`
	MaxTokens           int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature         float64 `json:"temperature" mapstructure:"temperature"`
	TopP                float64 `json:"top_p" mapstructure:"top_p"`
	LLMTimeoutSeconds   int     `json:"llm_timeout_seconds" mapstructure:"llm_timeout_seconds"`
	MaxToolCallsPerTurn int     `json:"max_tool_calls_per_turn" mapstructure:"max_tool_calls_per_turn"`
	MaxConcurrentTools  int     `json:"max_concurrent_tools" mapstructure:"max_concurrent_tools"`
	ParallelToolCalls   *bool   `json:"parallel_tool_calls" mapstructure:"parallel_tool_calls"`
	ToolTimeoutSeconds  int     `json:"tool_timeout_seconds" mapstructure:"tool_timeout_seconds"`
	ToolResponseMax     int     `json:"tool_response_max_bytes" mapstructure:"tool_response_max_bytes"`
}

// AgentLimits converts the loop-side limits to their runtime form.
func (l LimitsConfig) AgentLimits() agent.Limits {
	return agent.Limits{
		MaxTurns:    l.MaxTurns,
		MaxRetries:  l.MaxRetries,
		MaxTokens:   l.MaxTokens,
		Temperature: l.Temperature,
		TopP:        l.TopP,
		LLMTimeout:  time.Duration(l.LLMTimeoutSeconds) * time.Second,
	}
}

// ToolLimits converts the tool-side limits to their runtime form.
func (l LimitsConfig) ToolLimits() toolexecutor.Limits {
	parallelDisabled := false
	if l.ParallelToolCalls != nil {
		parallelDisabled = !*l.ParallelToolCalls
	}
	return toolexecutor.Limits{
		MaxCallsPerTurn:  l.MaxToolCallsPerTurn,
		MaxConcurrent:    l.MaxConcurrentTools,
		ParallelDisabled: parallelDisabled,
		Timeout:          time.Duration(l.ToolTimeoutSeconds) * time.Second,
		ResponseMaxBytes: l.ToolResponseMax,
	}
}

// ToolServerConfig declares an external tool server spoken to over
// stdio JSON-RPC.
type ToolServerConfig struct {
	Name           string   `json:"name" mapstructure:"name"`
	Command        string   `json:"command" mapstructure:"command"`
	Args           []string `json:"args" mapstructure:"args"`
	TimeoutSeconds int      `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// PersistenceConfig holds snapshot and billing output paths.
type PersistenceConfig struct {
	SnapshotDir string `json:"snapshot_dir" mapstructure:"snapshot_dir"`
	BillingFile string `json:"billing_file" mapstructure:"billing_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// Validate performs fail-fast validation of the assembled config. The
// first problem found is returned; the full list is available through
// Validator.ValidateConfig.
func (c *Config) Validate() error {
	errs := NewValidator().ValidateConfig(c)
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errs[0])
	}
	return nil
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Name: "nyra",
		},
		Limits: LimitsConfig{
			MaxTurns:            10,
			MaxRetries:          3,
			MaxTokens:           4096,
			MaxToolCallsPerTurn: 10,
			MaxConcurrentTools:  3,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   10,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}
