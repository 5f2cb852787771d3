package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.configPath)
}

func TestLoaderLoad(t *testing.T) {
	t.Run("load default config when file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "nonexistent.json")

		loader := NewLoader(configPath)
		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.NotNil(t, cfg)
		assert.Equal(t, 10, cfg.Limits.MaxTurns)
	})

	t.Run("load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		// Create a test config file
		testConfig := `{
			"providers": [
				{"name": "anthropic", "api_key": "sk-ant-test"}
			],
			"targets": [
				{"provider": "anthropic", "model": "claude-sonnet-4"}
			],
			"limits": {
				"max_turns": 6,
				"max_tool_calls_per_turn": 4
			},
			"sub_agents": [
				{"name": "researcher", "description": "looks things up", "max_turns": 3}
			],
			"pricing": {
				"anthropic:claude-sonnet-4": {"input": 3, "output": 15}
			}
		}`
		err := os.WriteFile(configPath, []byte(testConfig), 0644)
		require.NoError(t, err)

		loader := NewLoader(configPath)
		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.NotNil(t, cfg)
		require.Len(t, cfg.Providers, 1)
		assert.Equal(t, "anthropic", cfg.Providers[0].Name)
		assert.Equal(t, "sk-ant-test", cfg.Providers[0].APIKey)
		require.Len(t, cfg.Targets, 1)
		assert.Equal(t, "claude-sonnet-4", cfg.Targets[0].Model)
		assert.Equal(t, 6, cfg.Limits.MaxTurns)
		assert.Equal(t, 4, cfg.Limits.MaxToolCallsPerTurn)
		require.Len(t, cfg.SubAgents, 1)
		assert.Equal(t, "researcher", cfg.SubAgents[0].Name)
		assert.Equal(t, 3, cfg.SubAgents[0].MaxTurns)
		price, ok := cfg.Pricing["anthropic:claude-sonnet-4"]
		require.True(t, ok)
		assert.Equal(t, 3.0, price.Input)
		assert.Equal(t, 15.0, price.Output)
	})

	t.Run("unset fields keep defaults", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		testConfig := `{
			"providers": [
				{"name": "anthropic", "api_key_env": "ANTHROPIC_API_KEY"}
			]
		}`
		err := os.WriteFile(configPath, []byte(testConfig), 0644)
		require.NoError(t, err)

		loader := NewLoader(configPath)
		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.Equal(t, 3, cfg.Limits.MaxRetries)
		assert.Equal(t, "info", cfg.Logging.Level)
	})

	t.Run("set default paths", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		testConfig := `{
			"providers": [
				{"name": "anthropic", "api_key": "sk-ant-test"}
			]
		}`
		err := os.WriteFile(configPath, []byte(testConfig), 0644)
		require.NoError(t, err)

		loader := NewLoader(configPath)
		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.NotEmpty(t, cfg.DataDir)
		assert.NotEmpty(t, cfg.Logging.File)
		assert.NotEmpty(t, cfg.Persistence.SnapshotDir)
		assert.NotEmpty(t, cfg.Persistence.BillingFile)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "invalid.json")

		err := os.WriteFile(configPath, []byte("invalid json"), 0644)
		require.NoError(t, err)

		loader := NewLoader(configPath)
		_, err = loader.Load()

		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	t.Run("save config to file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		cfg := DefaultConfig()
		cfg.Providers = []ProviderConfig{{Name: "anthropic", APIKey: "sk-ant-test"}}

		loader := NewLoader(configPath)
		err := loader.Save(cfg)

		require.NoError(t, err)

		// Verify file was created
		_, err = os.Stat(configPath)
		assert.NoError(t, err)

		// Load and verify
		loader2 := NewLoader(configPath)
		loadedCfg, err := loader2.Load()
		require.NoError(t, err)
		require.Len(t, loadedCfg.Providers, 1)
		assert.Equal(t, "sk-ant-test", loadedCfg.Providers[0].APIKey)
	})

	t.Run("create directory if not exists", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "subdir", "config.json")

		cfg := DefaultConfig()

		loader := NewLoader(configPath)
		err := loader.Save(cfg)

		require.NoError(t, err)

		// Verify directory was created
		_, err = os.Stat(filepath.Dir(configPath))
		assert.NoError(t, err)
	})
}

func TestLoaderGetConfigPath(t *testing.T) {
	t.Run("custom path", func(t *testing.T) {
		loader := NewLoader("/custom/path/config.json")
		path := loader.GetConfigPath()
		assert.Equal(t, "/custom/path/config.json", path)
	})

	t.Run("default path", func(t *testing.T) {
		loader := NewLoader("")
		path := loader.GetConfigPath()
		assert.NotEmpty(t, path)
		assert.Contains(t, path, ".nyra")
	})
}

func TestResolveAPIKey(t *testing.T) {
	t.Run("env wins over literal", func(t *testing.T) {
		t.Setenv("NYRA_TEST_RESOLVE_KEY", "sk-ant-env")
		p := ProviderConfig{Name: "anthropic", APIKey: "sk-ant-literal", APIKeyEnv: "NYRA_TEST_RESOLVE_KEY"}
		assert.Equal(t, "sk-ant-env", p.ResolveAPIKey())
	})

	t.Run("falls back to literal", func(t *testing.T) {
		p := ProviderConfig{Name: "anthropic", APIKey: "sk-ant-literal", APIKeyEnv: "NYRA_TEST_UNSET_KEY"}
		assert.Equal(t, "sk-ant-literal", p.ResolveAPIKey())
	})
}
