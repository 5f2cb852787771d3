package config

import (
	"fmt"
	"os"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateProvider validates a provider declaration including its key
// material.
func (v *Validator) ValidateProvider(p ProviderConfig) error {
	switch p.Name {
	case "anthropic", "openai":
	case "":
		return fmt.Errorf("provider name cannot be empty")
	default:
		return fmt.Errorf("unsupported provider: %s (must be one of: anthropic, openai)", p.Name)
	}

	key := p.APIKey
	if p.APIKeyEnv != "" {
		key = os.Getenv(p.APIKeyEnv)
		if key == "" {
			return fmt.Errorf("%s: environment variable %s is not set", p.Name, p.APIKeyEnv)
		}
	}
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", p.Name)
	}

	switch p.Name {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	providers := make(map[string]bool, len(cfg.Providers))
	for i, p := range cfg.Providers {
		if err := v.ValidateProvider(p); err != nil {
			errors = append(errors, fmt.Errorf("provider %d: %w", i, err))
			continue
		}
		if providers[p.Name] {
			errors = append(errors, fmt.Errorf("provider %d: duplicate provider %s", i, p.Name))
		}
		providers[p.Name] = true
	}

	if len(cfg.Targets) == 0 {
		errors = append(errors, fmt.Errorf("at least one target is required"))
	}
	for i, t := range cfg.Targets {
		if t.Provider == "" || t.Model == "" {
			errors = append(errors, fmt.Errorf("target %d: provider and model are required", i))
			continue
		}
		if !providers[t.Provider] {
			errors = append(errors, fmt.Errorf("target %d: provider %s is not configured", i, t.Provider))
		}
	}

	if cfg.Limits.MaxTurns < 0 {
		errors = append(errors, fmt.Errorf("limits.max_turns must be >= 0"))
	}
	if cfg.Limits.MaxRetries < 0 {
		errors = append(errors, fmt.Errorf("limits.max_retries must be >= 0"))
	}
	if cfg.Limits.Temperature != 0 {
		if err := v.ValidateTemperature(cfg.Limits.Temperature); err != nil {
			errors = append(errors, err)
		}
	}
	if cfg.Limits.MaxTokens != 0 {
		if err := v.ValidateMaxTokens(cfg.Limits.MaxTokens); err != nil {
			errors = append(errors, err)
		}
	}
	if cfg.Limits.LLMTimeoutSeconds < 0 {
		errors = append(errors, fmt.Errorf("limits.llm_timeout_seconds must be >= 0"))
	}
	if cfg.Limits.ToolTimeoutSeconds < 0 {
		errors = append(errors, fmt.Errorf("limits.tool_timeout_seconds must be >= 0"))
	}
	if cfg.Limits.ToolResponseMax < 0 {
		errors = append(errors, fmt.Errorf("limits.tool_response_max_bytes must be >= 0"))
	}

	for i, srv := range cfg.ToolServers {
		if strings.TrimSpace(srv.Name) == "" {
			errors = append(errors, fmt.Errorf("tool server %d: name is required", i))
		}
		if strings.TrimSpace(srv.Command) == "" {
			errors = append(errors, fmt.Errorf("tool server %d: command is required", i))
		}
	}

	names := make(map[string]bool, len(cfg.SubAgents))
	for i, def := range cfg.SubAgents {
		if strings.TrimSpace(def.Name) == "" {
			errors = append(errors, fmt.Errorf("sub-agent %d: name is required", i))
			continue
		}
		if names[def.Name] {
			errors = append(errors, fmt.Errorf("sub-agent %d: duplicate name %s", i, def.Name))
		}
		names[def.Name] = true
		if strings.TrimSpace(def.Description) == "" {
			errors = append(errors, fmt.Errorf("sub-agent %d (%s): description is required", i, def.Name))
		}
	}

	// Validate logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
