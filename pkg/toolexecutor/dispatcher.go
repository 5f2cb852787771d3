package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/nyra/internal/observability"
	"github.com/harun/nyra/internal/tracing"
	"github.com/harun/nyra/pkg/accounting"
	"github.com/harun/nyra/pkg/optree"
)

// Limits bounds tool execution for one session.
type Limits struct {
	MaxCallsPerTurn  int
	MaxConcurrent    int
	ParallelDisabled bool
	Timeout          time.Duration
	ResponseMaxBytes int
}

const (
	defaultMaxCallsPerTurn = 10
	defaultMaxConcurrent   = 3
	defaultToolTimeout     = 60 * time.Second
)

func (l Limits) withDefaults() Limits {
	if l.MaxCallsPerTurn < 1 {
		l.MaxCallsPerTurn = defaultMaxCallsPerTurn
	}
	if l.MaxConcurrent < 1 {
		l.MaxConcurrent = defaultMaxConcurrent
	}
	if l.ParallelDisabled {
		l.MaxConcurrent = 1
	}
	if l.Timeout <= 0 {
		l.Timeout = defaultToolTimeout
	}
	return l
}

// Hooks are optional callbacks into the surrounding session.
type Hooks struct {
	// OnProgress receives the message of each progress report.
	OnProgress func(message string)
}

// Dispatcher routes tool calls to providers and enforces the session's
// execution constraints. One dispatcher serves one session.
type Dispatcher struct {
	mu          sync.RWMutex
	providers   map[string]Provider // tool name -> provider
	descriptors []ToolDescriptor

	policy  *ToolPolicy
	limits  Limits
	gate    *Gate
	control *Control
	trace   tracing.Trace
	logger  zerolog.Logger
	hooks   Hooks

	recorder *accounting.Recorder
	tree     *optree.Tree

	turn          atomic.Int64
	subturn       atomic.Int64
	taskCompleted atomic.Bool
}

// NewDispatcher builds a dispatcher with the built-in agent tools
// already registered.
func NewDispatcher(
	policy *ToolPolicy,
	limits Limits,
	control *Control,
	trace tracing.Trace,
	recorder *accounting.Recorder,
	tree *optree.Tree,
	logger zerolog.Logger,
	hooks Hooks,
) *Dispatcher {
	observability.EnsureRegistered()
	limits = limits.withDefaults()

	d := &Dispatcher{
		providers: make(map[string]Provider),
		policy:    policy,
		limits:    limits,
		gate:      NewGate(limits.MaxConcurrent),
		control:   control,
		trace:     trace,
		logger:    tracing.TraceLogger(trace, logger),
		hooks:     hooks,
		recorder:  recorder,
		tree:      tree,
	}
	d.descriptors = append(d.descriptors, builtinDescriptors()...)
	return d
}

// RegisterProvider queries the provider's tools and binds them. A name
// already taken stays with its first owner and the duplicate is
// skipped with a warning.
func (d *Dispatcher) RegisterProvider(ctx context.Context, p Provider) error {
	tools, err := p.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tools of %s: %w", p.Name(), err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, tool := range tools {
		if isBuiltinTool(tool.Name) {
			d.logger.Warn().Str("tool", tool.Name).Str("server", p.Name()).
				Msg("Provider tool shadows a built-in tool, skipped")
			continue
		}
		if _, taken := d.providers[tool.Name]; taken {
			d.logger.Warn().Str("tool", tool.Name).Str("server", p.Name()).
				Msg("Tool name already registered, skipped")
			continue
		}
		d.providers[tool.Name] = p
		d.descriptors = append(d.descriptors, tool)
	}
	d.logger.Info().Str("server", p.Name()).Int("tools", len(tools)).Msg("Tool provider registered")
	return nil
}

// Tools returns the descriptors to advertise to the model. On the
// final turn only the final report tool is offered.
func (d *Dispatcher) Tools(finalTurnOnly bool) []ToolDescriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if finalTurnOnly {
		for _, desc := range d.descriptors {
			if desc.Name == FinalReportTool {
				return []ToolDescriptor{desc}
			}
		}
		return nil
	}

	out := make([]ToolDescriptor, 0, len(d.descriptors))
	for _, desc := range d.descriptors {
		if d.policy.IsToolAllowed(desc.Name) {
			out = append(out, desc)
		}
	}
	return out
}

// BeginTurn resets the per-turn call counter.
func (d *Dispatcher) BeginTurn(turn int) {
	d.turn.Store(int64(turn))
	d.subturn.Store(0)
}

// TaskCompleted reports whether a progress report marked the task as
// completed, which lets the loop jump straight to the final turn.
func (d *Dispatcher) TaskCompleted() bool {
	return d.taskCompleted.Load()
}

// Dispatch runs one tool call end to end. It never returns a Go error
// to the model path: every failure is rendered into Result.Content as
// a tool-role message. Terminal is set when the call concluded the
// session via the final report tool.
func (d *Dispatcher) Dispatch(ctx context.Context, call ToolCall) Result {
	if err := d.control.Err(ctx); err != nil {
		return failure(err.Error())
	}

	name := normalizeToolName(call.Name)

	if name == FinalReportTool {
		return d.dispatchFinalReport(ctx, call)
	}

	subturn := int(d.subturn.Add(1))
	turn := int(d.turn.Load())

	if subturn > d.limits.MaxCallsPerTurn {
		err := fmt.Errorf(
			"%w: per-turn tool limit (%d) was reached; retry this tool on the next turn or call %s to conclude",
			ErrPerTurnLimit, d.limits.MaxCallsPerTurn, FinalReportTool,
		)
		d.logger.Warn().Int("turn", turn).Int("subturn", subturn).Err(err).
			Msg("Tool calls per turn exceeded")
		return failure(err.Error())
	}

	if !d.policy.IsToolAllowed(name) {
		d.logger.Warn().Str("tool", name).Msg("Tool is not permitted for this session")
		return failure(ErrToolNotPermitted.Error())
	}

	switch name {
	case TaskStatusTool:
		return d.dispatchTaskStatus(call, turn)
	case BatchTool:
		return d.dispatchBatch(ctx, call, turn, subturn)
	}

	return d.dispatchProviderTool(ctx, name, call, turn, subturn, true)
}

// dispatchProviderTool runs one provider-backed call: gate slot,
// timeout race, size cap, accounting, op tree bookkeeping.
func (d *Dispatcher) dispatchProviderTool(ctx context.Context, name string, call ToolCall, turn, subturn int, useGate bool) Result {
	d.mu.RLock()
	provider := d.providers[name]
	d.mu.RUnlock()
	if provider == nil {
		d.logger.Warn().Str("tool", name).Msg("Tool not found")
		return failure(ErrToolNotFound.Error())
	}

	args, err := decodeArgs(call.Args)
	if err != nil {
		return failure(fmt.Sprintf("invalid tool arguments: %v", err))
	}

	if useGate {
		observability.SetToolGate(d.gate.Live(), d.gate.Waiting()+1)
		if err := d.gate.Acquire(ctx); err != nil {
			observability.SetToolGate(d.gate.Live(), d.gate.Waiting())
			return failure(ErrCanceled.Error())
		}
		defer func() {
			d.gate.Release()
			observability.SetToolGate(d.gate.Live(), d.gate.Waiting())
		}()
		observability.SetToolGate(d.gate.Live(), d.gate.Waiting())

		// A slot may have been granted long after the call was issued.
		if err := d.control.Err(ctx); err != nil {
			return failure(err.Error())
		}
	}

	opID := d.tree.BeginOp(turn, optree.OpTool, provider.Name()+":"+name)
	d.tree.Log(opID, "VRB", fmt.Sprintf("executing %s (subturn %d)", name, subturn))

	start := time.Now()
	output, execErr := d.executeWithTimeout(WithOpID(ctx, opID), provider, name, args)
	latency := time.Since(start)

	capped := false
	if execErr == nil {
		output, capped = CapBytes(output, d.limits.ResponseMaxBytes)
		if capped {
			observability.RecordToolTruncation()
			d.logger.Warn().Str("tool", name).Int("limit_bytes", d.limits.ResponseMaxBytes).
				Msg("Tool response exceeded max size, truncated")
		}
	}

	status := accounting.StatusOK
	if execErr != nil {
		status = accounting.StatusFailed
	}
	d.recorder.Record(accounting.Entry{
		Kind:      accounting.KindTool,
		Trace:     d.trace,
		Turn:      turn,
		Status:    status,
		Latency:   latency,
		Server:    provider.Name(),
		Command:   name,
		CharsIn:   int64(len(call.Args)),
		CharsOut:  int64(len(output)),
		Truncated: capped,
	})
	observability.RecordToolExecution(provider.Name(), name, latency, execErr == nil)
	observability.RecordToolAudit(ctx, name, d.trace.TxnID, string(status), map[string]interface{}{
		"server":  provider.Name(),
		"turn":    turn,
		"latency": latency.String(),
	})

	if execErr != nil {
		d.tree.Log(opID, "ERR", execErr.Error())
		d.tree.EndOp(opID, optree.StatusFailed, execErr.Error())
		d.logger.Warn().Str("tool", name).Dur("latency", latency).Err(execErr).Msg("Tool execution failed")
		return failure(execErr.Error())
	}

	d.tree.EndOp(opID, optree.StatusOK, "")
	d.logger.Debug().Str("tool", name).Dur("latency", latency).Bool("truncated", capped).
		Msg("Tool execution completed")

	if output == "" {
		output = "(tool produced no output)"
	}
	return Result{Content: output, Truncated: capped}
}

func (d *Dispatcher) executeWithTimeout(ctx context.Context, p Provider, name string, args map[string]any) (string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, d.limits.Timeout)
	defer cancel()

	type outcome struct {
		output string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		output, err := p.Execute(timeoutCtx, name, args)
		done <- outcome{output, err}
	}()

	select {
	case res := <-done:
		return res.output, res.err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return "", ErrCanceled
		}
		return "", fmt.Errorf("%w: tool execution timeout after %s", ErrToolTimeout, d.limits.Timeout)
	}
}

func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

type opIDKey struct{}

// WithOpID tags a context with the op the call runs under so providers
// that spawn nested work can anchor it in the tree.
func WithOpID(ctx context.Context, opID string) context.Context {
	return context.WithValue(ctx, opIDKey{}, opID)
}

// OpIDFromContext returns the op the current tool call runs under, or
// empty outside a dispatch.
func OpIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(opIDKey{}).(string); ok {
		return v
	}
	return ""
}

func normalizeToolName(name string) string {
	if name == FinalReportShort {
		return FinalReportTool
	}
	return name
}

// failure renders an error into the tool-role message the model sees.
func failure(detail string) Result {
	return Result{
		Content: fmt.Sprintf("(tool failed: %s)", detail),
		Failed:  true,
	}
}
