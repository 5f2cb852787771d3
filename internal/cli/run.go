package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/nyra/internal/config"
	"github.com/harun/nyra/internal/logger"
	"github.com/harun/nyra/internal/observability"
	"github.com/harun/nyra/internal/tracing"
	"github.com/harun/nyra/pkg/accounting"
	"github.com/harun/nyra/pkg/agent"
	"github.com/harun/nyra/pkg/subagent"
	"github.com/harun/nyra/pkg/toolexecutor"
)

var (
	runSystemPrompt string
	runMaxTurns     int
	runSessionKey   string
	runQuiet        bool
	runMetricsAddr  string
)

var runCmd = &cobra.Command{
	Use:   "run <prompt>",
	Short: "Run an agent session to completion",
	Long: `Run one agent session: the prompt is handed to the configured model
targets and the loop runs until the agent files its final report or a
failure budget is exhausted. The final report is printed to stdout.

The first interrupt requests a graceful stop (the session finishes its
current work and exits); a second interrupt aborts immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runSystemPrompt, "system-prompt", "", "system prompt override")
	runCmd.Flags().IntVar(&runMaxTurns, "max-turns", 0, "turn budget override")
	runCmd.Flags().StringVar(&runSessionKey, "session-key", "", "session key recorded on accounting entries")
	runCmd.Flags().BoolVar(&runQuiet, "quiet", false, "suppress intermediate assistant output")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if runMaxTurns > 0 {
		cfg.Limits.MaxTurns = runMaxTurns
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    true,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lg.Close()

	if err := tracing.InitOpenTelemetry("nyra", nil); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer tracing.ShutdownOpenTelemetry(context.Background())

	if err := os.MkdirAll(cfg.DataDir, 0700); err == nil {
		if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.jsonl")); err != nil {
			lg.Warn().Err(err).Msg("Audit log unavailable, events go to stderr")
		}
	}

	if runMetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", observability.MetricsHandler())
			if err := http.ListenAndServe(runMetricsAddr, mux); err != nil {
				lg.Warn().Err(err).Msg("Metrics endpoint stopped")
			}
		}()
	}

	ledger, err := accounting.NewLedger(cfg.Persistence.BillingFile)
	if err != nil {
		return fmt.Errorf("failed to open billing ledger: %w", err)
	}

	clients := make(map[string]agent.ModelClient, len(cfg.Providers))
	for _, p := range cfg.Providers {
		client, err := agent.NewModelClient(p.Name, p.ResolveAPIKey())
		if err != nil {
			return err
		}
		clients[p.Name] = client
	}

	providers, stop, err := buildToolProviders(cfg)
	if err != nil {
		return err
	}
	defer stop()

	var policy *toolexecutor.ToolPolicy
	if len(cfg.ToolPolicy.Allow) > 0 || len(cfg.ToolPolicy.Deny) > 0 {
		policy = &cfg.ToolPolicy
	}

	registry := subagent.NewRegistry()
	for _, def := range cfg.SubAgents {
		if err := registry.Add(def); err != nil {
			return fmt.Errorf("invalid sub-agent configuration: %w", err)
		}
	}

	spawn := func(ctx context.Context, def subagent.Definition, task string, trace tracing.Trace) (*agent.Session, error) {
		limits := cfg.Limits.AgentLimits()
		if def.MaxTurns > 0 {
			limits.MaxTurns = def.MaxTurns
		}
		return agent.New(ctx, agent.SessionParams{
			AgentName:    def.Name,
			Prompt:       task,
			SystemPrompt: def.SystemPrompt,
			SessionKey:   runSessionKey,
			Targets:      cfg.Targets,
			Limits:       limits,
			ToolLimits:   cfg.Limits.ToolLimits(),
			ToolPolicy:   policy,
			Providers:    providers,
			Clients:      clients,
			Prices:       cfg.Pricing,
			Ledger:       ledger,
			Trace:        trace,
			Logger:       lg.GetZerolog(),
		})
	}

	callbacks := agent.Callbacks{}
	if !runQuiet {
		callbacks.OnOutput = func(text string) {
			fmt.Fprintln(cmd.ErrOrStderr(), text)
		}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sess, err := agent.New(ctx, agent.SessionParams{
		AgentName:    cfg.Agent.Name,
		Prompt:       args[0],
		SystemPrompt: systemPrompt(cfg),
		SessionKey:   runSessionKey,
		Targets:      cfg.Targets,
		Limits:       cfg.Limits.AgentLimits(),
		ToolLimits:   cfg.Limits.ToolLimits(),
		ToolPolicy:   policy,
		Providers:    providers,
		Clients:      clients,
		Prices:       cfg.Pricing,
		SnapshotDir:  cfg.Persistence.SnapshotDir,
		Ledger:       ledger,
		Callbacks:    callbacks,
		Logger:       lg.GetZerolog(),
	})
	if err != nil {
		return err
	}

	if len(cfg.SubAgents) > 0 {
		delegator := subagent.NewProvider(registry, spawn, sess, lg.GetZerolog())
		if err := sess.AddProvider(ctx, delegator); err != nil {
			return fmt.Errorf("failed to register sub-agents: %w", err)
		}
	}

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case <-sigs:
		case <-ctx.Done():
			return
		}
		lg.Warn().Msg("Interrupt received, requesting graceful stop (interrupt again to abort)")
		sess.RequestStop()
		select {
		case <-sigs:
			cancel()
		case <-ctx.Done():
		}
	}()

	result := sess.Run(ctx)

	if result.Report != nil {
		fmt.Fprintln(cmd.OutOrStdout(), result.Report.Content)
	}
	if !result.Success {
		return fmt.Errorf("session ended without a final answer: %s", result.ExitCode)
	}
	return nil
}

func buildToolProviders(cfg *config.Config) ([]toolexecutor.Provider, func(), error) {
	var providers []toolexecutor.Provider
	var stdios []*toolexecutor.StdioProvider

	if len(cfg.RESTTools) > 0 {
		timeout := time.Duration(cfg.Limits.ToolTimeoutSeconds) * time.Second
		rest, err := toolexecutor.NewRESTProvider("rest", timeout, cfg.RESTTools)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid rest_tools configuration: %w", err)
		}
		providers = append(providers, rest)
	}

	for _, srv := range cfg.ToolServers {
		timeout := time.Duration(srv.TimeoutSeconds) * time.Second
		p := toolexecutor.NewStdioProvider(srv.Name, srv.Command, srv.Args, timeout)
		providers = append(providers, p)
		stdios = append(stdios, p)
	}

	stop := func() {
		for _, p := range stdios {
			if err := p.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "failed to stop tool server %s: %v\n", p.Name(), err)
			}
		}
	}
	return providers, stop, nil
}

func systemPrompt(cfg *config.Config) string {
	if runSystemPrompt != "" {
		return runSystemPrompt
	}
	return cfg.Agent.SystemPrompt
}
