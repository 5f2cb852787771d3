package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/harun/nyra/pkg/agent"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
}

// NewWizard creates a new configuration wizard
func NewWizard() *Wizard {
	return &Wizard{
		reader: bufio.NewReader(os.Stdin),
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	fmt.Println("=== Nyra Configuration Wizard ===")
	fmt.Println()

	cfg := DefaultConfig()
	validator := NewValidator()

	// API Keys
	fmt.Println("API Keys (at least one provider is required):")
	fmt.Println()

	// Anthropic API Key
	for {
		fmt.Print("Anthropic API Key (press Enter to skip): ")
		key, err := w.readLine()
		if err != nil {
			return nil, err
		}

		if key == "" {
			break
		}

		p := ProviderConfig{Name: "anthropic", APIKey: key}
		if err := validator.ValidateProvider(p); err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}

		cfg.Providers = append(cfg.Providers, p)
		break
	}

	// OpenAI API Key
	for {
		fmt.Print("OpenAI API Key (press Enter to skip): ")
		key, err := w.readLine()
		if err != nil {
			return nil, err
		}

		if key == "" {
			break
		}

		p := ProviderConfig{Name: "openai", APIKey: key}
		if err := validator.ValidateProvider(p); err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}

		cfg.Providers = append(cfg.Providers, p)
		break
	}

	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("at least one API key is required")
	}

	fmt.Println()

	// Targets, one per configured provider
	fmt.Println("Models (tried in order when a provider fails):")
	for _, p := range cfg.Providers {
		def := defaultModelFor(p.Name)
		fmt.Printf("Model for %s [%s]: ", p.Name, def)
		model, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if model == "" {
			model = def
		}
		cfg.Targets = append(cfg.Targets, agent.Target{Provider: p.Name, Model: model})
	}

	fmt.Println()

	// Turn budget
	fmt.Printf("Max turns [%d]: ", cfg.Limits.MaxTurns)
	turns, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if turns != "" {
		var n int
		if _, err := fmt.Sscanf(turns, "%d", &n); err != nil || n < 1 {
			fmt.Printf("Warning: invalid turn count, using default (%d)\n", cfg.Limits.MaxTurns)
		} else {
			cfg.Limits.MaxTurns = n
		}
	}

	fmt.Println()

	// Log Level
	fmt.Println("Logging:")
	fmt.Print("Log level (debug/info/warn/error) [info]: ")
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Printf("Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Println()
	fmt.Println("Configuration complete!")

	return cfg, nil
}

func defaultModelFor(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4"
	case "openai":
		return "gpt-4-turbo"
	default:
		return ""
	}
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
