package config

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/harun/nyra/pkg/agent"
)

func TestValidateProvider(t *testing.T) {
	v := NewValidator()

	t.Run("valid anthropic key", func(t *testing.T) {
		err := v.ValidateProvider(ProviderConfig{Name: "anthropic", APIKey: "sk-ant-abc123"})
		assert.NoError(t, err)
	})

	t.Run("valid openai key", func(t *testing.T) {
		err := v.ValidateProvider(ProviderConfig{Name: "openai", APIKey: "sk-abc123"})
		assert.NoError(t, err)
	})

	t.Run("empty key", func(t *testing.T) {
		err := v.ValidateProvider(ProviderConfig{Name: "anthropic"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "cannot be empty")
	})

	t.Run("wrong anthropic prefix", func(t *testing.T) {
		err := v.ValidateProvider(ProviderConfig{Name: "anthropic", APIKey: "sk-abc123"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "sk-ant-")
	})

	t.Run("unsupported provider", func(t *testing.T) {
		err := v.ValidateProvider(ProviderConfig{Name: "cohere", APIKey: "xyz"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported provider")
	})

	t.Run("key from environment", func(t *testing.T) {
		t.Setenv("NYRA_TEST_API_KEY", "sk-ant-from-env")
		err := v.ValidateProvider(ProviderConfig{Name: "anthropic", APIKeyEnv: "NYRA_TEST_API_KEY"})
		assert.NoError(t, err)
	})

	t.Run("missing environment variable", func(t *testing.T) {
		err := v.ValidateProvider(ProviderConfig{Name: "anthropic", APIKeyEnv: "NYRA_TEST_MISSING_KEY"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "is not set")
	})
}

func TestValidateTemperature(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateTemperature(0))
	assert.NoError(t, v.ValidateTemperature(0.7))
	assert.NoError(t, v.ValidateTemperature(1))
	assert.Error(t, v.ValidateTemperature(-0.1))
	assert.Error(t, v.ValidateTemperature(1.1))
}

func TestValidateMaxTokens(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateMaxTokens(4096))
	assert.Error(t, v.ValidateMaxTokens(0))
	assert.Error(t, v.ValidateMaxTokens(-1))
	assert.Error(t, v.ValidateMaxTokens(300000))
}

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()

	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level))
	}
	assert.Error(t, v.ValidateLogLevel("verbose"))
	assert.Error(t, v.ValidateLogLevel(""))
}

func TestValidateConfigCollectsErrors(t *testing.T) {
	v := NewValidator()

	cfg := DefaultConfig()
	cfg.Providers = []ProviderConfig{
		{Name: "anthropic", APIKey: "bad-key"},
	}
	cfg.Targets = []agent.Target{
		{Provider: "openai", Model: "gpt-4-turbo"},
	}
	cfg.Limits.Temperature = 2
	cfg.Logging.Level = "loud"

	errs := v.ValidateConfig(cfg)
	assert.GreaterOrEqual(t, len(errs), 4)
}

func TestValidateConfigToolServers(t *testing.T) {
	v := NewValidator()

	cfg := DefaultConfig()
	cfg.Providers = []ProviderConfig{{Name: "anthropic", APIKey: "sk-ant-ok"}}
	cfg.Targets = []agent.Target{{Provider: "anthropic", Model: "claude-sonnet-4"}}
	cfg.ToolServers = []ToolServerConfig{
		{Name: "search"},
	}

	errs := v.ValidateConfig(cfg)
	assert.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "command is required")
}
