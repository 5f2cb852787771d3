package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/nyra/internal/observability"
	"github.com/harun/nyra/internal/tracing"
	"github.com/harun/nyra/pkg/accounting"
	"github.com/harun/nyra/pkg/agent"
	"github.com/harun/nyra/pkg/optree"
	"github.com/harun/nyra/pkg/toolexecutor"
)

// ToolPrefix prefixes every delegation tool name.
const ToolPrefix = "agent__run_"

// SpawnFunc builds a ready-to-run child session for a definition. The
// wiring layer supplies it so this package needs no knowledge of model
// clients or tool servers; trace carries the child's identifiers.
type SpawnFunc func(ctx context.Context, def Definition, task string, trace tracing.Trace) (*agent.Session, error)

// Provider exposes each registry definition as a tool
// agent__run_<name>. One provider serves one parent session.
type Provider struct {
	registry *Registry
	spawn    SpawnFunc
	trace    tracing.Trace
	recorder *accounting.Recorder
	tree     *optree.Tree
	stopping func() bool
	persist  func()
	logger   zerolog.Logger
}

// NewProvider wires a provider to its parent session.
func NewProvider(registry *Registry, spawn SpawnFunc, parent *agent.Session, logger zerolog.Logger) *Provider {
	return &Provider{
		registry: registry,
		spawn:    spawn,
		trace:    parent.Trace(),
		recorder: parent.Recorder(),
		tree:     parent.Tree(),
		stopping: parent.Stopping,
		persist:  parent.PersistSnapshot,
		logger:   tracing.TraceLogger(parent.Trace(), logger),
	}
}

// Name implements toolexecutor.Provider.
func (p *Provider) Name() string {
	return "subagent"
}

// ListTools implements toolexecutor.Provider.
func (p *Provider) ListTools(context.Context) ([]toolexecutor.ToolDescriptor, error) {
	defs := p.registry.List()
	descs := make([]toolexecutor.ToolDescriptor, 0, len(defs))
	for _, def := range defs {
		schema, err := json.Marshal(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task": map[string]any{
					"type":        "string",
					"description": "The task to delegate, self-contained: the agent sees nothing of this conversation.",
				},
			},
			"required": []string{"task"},
		})
		if err != nil {
			return nil, err
		}
		descs = append(descs, toolexecutor.ToolDescriptor{
			Name:        ToolPrefix + def.Name,
			Description: "Delegate a task to the " + def.Name + " agent. " + def.Description,
			InputSchema: schema,
		})
	}
	return descs, nil
}

// Execute implements toolexecutor.Provider. It runs the child session
// to completion, merges its accounting into the parent, grafts its
// session tree under the spawning op, and returns the child's final
// report content.
func (p *Provider) Execute(ctx context.Context, tool string, args map[string]any) (string, error) {
	name := strings.TrimPrefix(tool, ToolPrefix)
	def, ok := p.registry.Get(name)
	if !ok {
		return "", fmt.Errorf("unknown sub-agent %s", name)
	}
	task, _ := args["task"].(string)
	if strings.TrimSpace(task) == "" {
		return "", fmt.Errorf("sub-agent %s requires a task", name)
	}

	childTrace := p.trace.Child(def.Name)
	child, err := p.spawn(ctx, def, task, childTrace)
	if err != nil {
		return "", fmt.Errorf("failed to spawn sub-agent %s: %w", name, err)
	}

	p.logger.Info().Str("agent", def.Name).Str("child_txn_id", childTrace.TxnID).
		Msg("Sub-agent session spawned")

	// a parent graceful stop must reach the child before we await it
	if p.stopping() {
		child.RequestStop()
	}
	watcherDone := make(chan struct{})
	go p.watchStop(child, watcherDone)

	result := child.Run(ctx)
	close(watcherDone)

	p.recorder.Merge(child.Accounting())
	p.tree.AttachChild(toolexecutor.OpIDFromContext(ctx), result.Snapshot)
	p.persist()
	observability.RecordSubAgentRun(def.Name, result.Success)
	auditStatus := "success"
	if !result.Success {
		auditStatus = "failure"
	}
	observability.RecordDelegationAudit(ctx, def.Name, p.trace.TxnID, auditStatus, map[string]interface{}{
		"child_txn_id": childTrace.TxnID,
		"exit_code":    string(result.ExitCode),
	})

	if !result.Success {
		return "", fmt.Errorf("sub-agent %s failed: %s", name, result.ExitCode)
	}
	p.logger.Info().Str("agent", def.Name).Int("turns", result.Turns).
		Dur("duration", result.Duration).Msg("Sub-agent session finished")
	return result.Report.Content, nil
}

// watchStop forwards a parent graceful stop to a running child.
func (p *Provider) watchStop(child *agent.Session, done <-chan struct{}) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if p.stopping() {
				child.RequestStop()
				return
			}
		}
	}
}
