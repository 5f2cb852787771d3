package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/nyra/internal/observability"
	"github.com/harun/nyra/internal/tracing"
	"github.com/harun/nyra/pkg/accounting"
	"github.com/harun/nyra/pkg/optree"
	"github.com/harun/nyra/pkg/toolexecutor"
)

// SessionParams configures one agent session. Clients is keyed by
// provider name; every target's provider must have a client.
type SessionParams struct {
	AgentName    string
	Prompt       string
	SystemPrompt string
	SessionKey   string

	Targets    []Target
	Limits     Limits
	ToolLimits toolexecutor.Limits
	ToolPolicy *toolexecutor.ToolPolicy
	Providers  []toolexecutor.Provider
	Clients    map[string]ModelClient

	Prices      accounting.PriceTable
	SnapshotDir string
	Ledger      *accounting.Ledger

	// Trace, when set, makes this a child session; when zero a fresh
	// root trace is assigned.
	Trace tracing.Trace

	Callbacks Callbacks
	Logger    zerolog.Logger
}

// Session drives one task to completion. Construct with New, run once
// with Run. All mutable loop state is owned by this instance; nothing
// is shared across sessions.
type Session struct {
	params SessionParams
	limits Limits
	trace  tracing.Trace
	logger zerolog.Logger

	control    *toolexecutor.Control
	recorder   *accounting.Recorder
	tree       *optree.Tree
	dispatcher *toolexecutor.Dispatcher
	clients    map[string]ModelClient

	invalidFinal atomic.Bool
	started      time.Time
}

// New validates the configuration and assembles the session. Bad
// configuration fails here, before any turn runs.
func New(ctx context.Context, params SessionParams) (*Session, error) {
	observability.EnsureRegistered()

	if err := validateParams(params); err != nil {
		return nil, fmt.Errorf("invalid session configuration: %w", err)
	}

	if params.AgentName == "" {
		params.AgentName = "agent"
	}
	trace := params.Trace.Normalize(params.AgentName)
	logger := tracing.TraceLogger(trace, params.Logger)

	sinks := []accounting.Sink{}
	if params.Callbacks.OnAccounting != nil {
		sinks = append(sinks, accounting.Sink(params.Callbacks.OnAccounting))
	}
	recorder := accounting.NewRecorder(sinks...)
	recorder.SetSessionKey(params.SessionKey)

	s := &Session{
		params:   params,
		limits:   params.Limits.withDefaults(),
		trace:    trace,
		logger:   logger,
		control:  toolexecutor.NewControl(),
		recorder: recorder,
		tree:     optree.New(params.AgentName, trace),
		clients:  params.Clients,
	}
	if params.Callbacks.OnLog != nil {
		s.tree.SetLogSink(params.Callbacks.OnLog)
	}

	s.dispatcher = toolexecutor.NewDispatcher(
		params.ToolPolicy, params.ToolLimits, s.control, trace,
		s.recorder, s.tree, params.Logger,
		toolexecutor.Hooks{OnProgress: s.onProgress},
	)
	for _, provider := range params.Providers {
		if err := s.dispatcher.RegisterProvider(ctx, provider); err != nil {
			return nil, fmt.Errorf("invalid session configuration: %w", err)
		}
	}

	return s, nil
}

func validateParams(params SessionParams) error {
	if strings.TrimSpace(params.Prompt) == "" {
		return fmt.Errorf("prompt cannot be empty")
	}
	if len(params.Targets) == 0 {
		return fmt.Errorf("at least one provider/model target is required")
	}
	for _, target := range params.Targets {
		if target.Provider == "" || target.Model == "" {
			return fmt.Errorf("target %q is incomplete", target.String())
		}
		if _, ok := params.Clients[target.Provider]; !ok {
			return fmt.Errorf("no model client for provider %s", target.Provider)
		}
	}
	if params.Limits.MaxTurns < 0 || params.Limits.MaxRetries < 0 {
		return fmt.Errorf("turn and retry budgets cannot be negative")
	}
	if params.Limits.Temperature < 0 || params.Limits.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0 and 1")
	}
	return nil
}

// Trace returns the session's immutable trace identifiers.
func (s *Session) Trace() tracing.Trace {
	return s.trace
}

// RequestStop asks the loop to stop at the next suspension point
// without cancelling in-flight work.
func (s *Session) RequestStop() {
	s.control.RequestStop()
}

// Stopping reports whether a graceful stop was requested.
func (s *Session) Stopping() bool {
	return s.control.Stopping()
}

// Accounting returns a copy of the entries recorded so far.
func (s *Session) Accounting() []accounting.Entry {
	return s.recorder.Entries()
}

// Recorder exposes the session's accounting recorder so collaborators
// like the sub-agent provider can merge child entries.
func (s *Session) Recorder() *accounting.Recorder {
	return s.recorder
}

// Tree exposes the session's op tree for child snapshot grafting.
func (s *Session) Tree() *optree.Tree {
	return s.tree
}

// AddProvider registers an extra tool provider after construction.
// Needed for providers that reference the session itself.
func (s *Session) AddProvider(ctx context.Context, p toolexecutor.Provider) error {
	return s.dispatcher.RegisterProvider(ctx, p)
}

// turnOutcome is the verdict of one turn's attempt loop.
type turnOutcome struct {
	ok         bool
	terminal   *toolexecutor.Report
	lastStatus TurnStatus
	ctlErr     error
}

// Run executes the session to completion. Every termination path goes
// through finish: typed exit code, summary lines, finalized tree,
// snapshot, billing flush, lifecycle event.
func (s *Session) Run(ctx context.Context) Result {
	s.started = time.Now()
	ctx = tracing.WithTrace(ctx, s.trace)
	if s.params.SessionKey != "" {
		ctx = tracing.WithSessionKey(ctx, s.params.SessionKey)
	}
	ctx, span := tracing.StartSpan(ctx, "nyra.agent", "agent.run",
		attribute.String("agent", s.params.AgentName),
	)
	defer span.End()

	s.emitLifecycle("started", "", 0, 0)
	s.logger.Info().Str("agent", s.params.AgentName).Int("max_turns", s.limits.MaxTurns).
		Int("targets", len(s.params.Targets)).Msg("Agent session started")

	conversation := []Message{{Role: "user", Content: s.params.Prompt}}
	maxTurns := s.limits.MaxTurns
	cursor := 0
	graceUsed := false

	turn := 0
	for turn = 1; turn <= maxTurns; turn++ {
		if err := s.control.Err(ctx); err != nil {
			return s.finish(exitForControl(err), nil, turn-1)
		}

		finalTurn := turn == maxTurns || s.dispatcher.TaskCompleted()
		s.invalidFinal.Store(false)
		s.dispatcher.BeginTurn(turn)
		s.tree.BeginTurn(turn)
		s.logger.Debug().Int("turn", turn).Bool("final", finalTurn).Msg("Turn started")

		outcome := s.runTurn(ctx, turn, finalTurn, &cursor, &conversation)
		switch {
		case outcome.ctlErr != nil:
			s.tree.EndTurn(turn, optree.StatusFailed, "")
			return s.finish(exitForControl(outcome.ctlErr), nil, turn)

		case outcome.terminal != nil:
			s.tree.EndTurn(turn, optree.StatusOK, outcome.terminal.Content)
			return s.finish(ExitFinalAnswer, outcome.terminal, turn)

		case outcome.ok:
			s.tree.EndTurn(turn, optree.StatusOK, lastAssistantContent(conversation))
			if finalTurn && s.invalidFinal.Load() && !graceUsed {
				// the model is actively trying to conclude, give it
				// exactly one more turn
				graceUsed = true
				maxTurns++
				s.extendTurnBudget(turn, maxTurns)
			}

		default:
			// attempts exhausted
			if finalTurn && s.invalidFinal.Load() && !graceUsed {
				graceUsed = true
				maxTurns++
				s.extendTurnBudget(turn, maxTurns)
				s.tree.EndTurn(turn, optree.StatusFailed, "")
				continue
			}
			s.tree.EndTurn(turn, optree.StatusFailed, "")
			if finalTurn {
				return s.finish(ExitMaxTurnsNoResponse, nil, turn)
			}
			return s.finish(exitForStatus(outcome.lastStatus), nil, turn)
		}
	}

	// every turn succeeded but the model never concluded
	return s.finish(ExitMaxTurnsNoResponse, nil, maxTurns)
}

// runTurn burns through the turn's attempt budget, cycling the pair
// cursor across targets. Rate-limited pairs accumulate suggested
// waits; a fully rate-limited cycle sleeps once for the cycle maximum.
// Auth and quota failures abandon the pair for the rest of the turn.
func (s *Session) runTurn(ctx context.Context, turn int, finalTurn bool, cursor *int, conversation *[]Message) turnOutcome {
	targets := s.params.Targets
	abandoned := make([]bool, len(targets))
	cycleWaits := make([]time.Duration, len(targets))
	rateLimitedStreak := 0

	var out turnOutcome
	for attempt := 1; attempt <= s.limits.MaxRetries; attempt++ {
		if err := s.control.Err(ctx); err != nil {
			out.ctlErr = err
			return out
		}

		idx, found := nextPair(*cursor, abandoned)
		if !found {
			return out
		}
		*cursor = idx + 1
		target := targets[idx]

		res := s.attempt(ctx, turn, attempt, target, finalTurn, *conversation)
		out.lastStatus = res.Status

		switch res.Status {
		case StatusSuccess:
			*conversation = append(*conversation, res.Messages...)
			if res.Terminal != nil {
				out.terminal = res.Terminal
				out.ok = true
				return out
			}
			if res.ToolCalls == 0 {
				// a plain or empty answer is never valid progress
				reason := "content without tool calls or final report"
				if strings.TrimSpace(lastAssistantContent(*conversation)) == "" {
					reason = "empty response"
				}
				s.logger.Warn().Int("turn", turn).Int("attempt", attempt).
					Str("target", target.String()).Msg("Synthetic failure: " + reason)
				// the attempt's op is already closed; anchor to the
				// latest llm op of this turn
				s.tree.Log(s.tree.LastOpID(turn, optree.OpLLM), "WRN", "synthetic failure: "+reason)
				*conversation = append(*conversation, Message{
					Role:    "user",
					Content: toolReminderMessage,
				})
				continue
			}
			out.ok = true
			return out

		case StatusRateLimit:
			wait := clampBackoff(res.RetryAfter, attempt)
			cycleWaits[idx] = wait
			rateLimitedStreak++
			s.logger.Warn().Int("turn", turn).Str("target", target.String()).
				Dur("suggested_wait", wait).Msg("Rate limited")
			s.tree.Log(s.tree.LastOpID(turn, optree.OpLLM), "WRN",
				fmt.Sprintf("rate limited, suggested wait %s", wait))
			if rateLimitedStreak >= activePairs(abandoned) {
				if err := s.sleepCycleMax(ctx, cycleWaits); err != nil {
					out.ctlErr = err
					return out
				}
				rateLimitedStreak = 0
				clearWaits(cycleWaits)
			}

		case StatusAuthError, StatusQuotaExceeded:
			abandoned[idx] = true
			rateLimitedStreak = 0
			s.logger.Warn().Int("turn", turn).Str("target", target.String()).
				Str("status", string(res.Status)).Msg("Pair abandoned for this turn")
			if activePairs(abandoned) == 0 {
				return out
			}

		default:
			rateLimitedStreak = 0
			s.logger.Warn().Int("turn", turn).Int("attempt", attempt).
				Str("target", target.String()).Str("status", string(res.Status)).
				Err(res.Err).Msg("Attempt failed")
		}
	}
	return out
}

// attempt makes one inference call and records its op and accounting
// entry, success or not.
func (s *Session) attempt(ctx context.Context, turn, attempt int, target Target, finalTurn bool, conversation []Message) TurnResult {
	opID := s.tree.BeginOp(turn, optree.OpLLM, target.String())
	s.tree.Log(opID, "VRB", fmt.Sprintf("attempt %d/%d", attempt, s.limits.MaxRetries))

	client := s.clients[target.Provider]
	messages := conversation
	if finalTurn {
		messages = append(append([]Message{}, conversation...), Message{
			Role:    "user",
			Content: finalTurnMessage,
		})
	}

	res := client.ExecuteTurn(ctx, TurnRequest{
		Model:        target.Model,
		SystemPrompt: s.params.SystemPrompt,
		Messages:     messages,
		Tools:        s.dispatcher.Tools(finalTurn),
		Temperature:  s.limits.Temperature,
		TopP:         s.limits.TopP,
		MaxTokens:    s.limits.MaxTokens,
		Timeout:      s.limits.LLMTimeout,
		Dispatch:     s.dispatch,
		OnThinking:   s.params.Callbacks.OnThinking,
	})

	status := accounting.StatusOK
	if res.Status != StatusSuccess {
		status = accounting.StatusFailed
	}
	cost := s.params.Prices.Cost(target.Provider, target.Model, res.Tokens)
	entry := accounting.Entry{
		Kind:       accounting.KindLLM,
		Trace:      s.trace,
		Turn:       turn,
		Status:     status,
		Latency:    res.Latency,
		Provider:   target.Provider,
		Model:      target.Model,
		Tokens:     res.Tokens,
		CostUSD:    cost,
		StopReason: res.StopReason,
	}
	s.recorder.Record(entry)
	s.tree.Account(opID, entry)

	observability.RecordLLMAttempt(target.Provider, target.Model, string(res.Status), res.Latency)
	observability.RecordLLMTokens(target.Provider, target.Model,
		res.Tokens.Input, res.Tokens.Output, res.Tokens.CacheRead, res.Tokens.CacheWrite)
	if cost > 0 {
		observability.RecordLLMCost(target.Provider, target.Model, cost)
	}

	if res.Status != StatusSuccess {
		msg := string(res.Status)
		if res.Err != nil {
			msg = res.Err.Error()
		}
		s.tree.EndOp(opID, optree.StatusFailed, msg)
		return res
	}

	s.tree.EndOp(opID, optree.StatusOK, "")
	if text := assistantContent(res.Messages); text != "" && s.params.Callbacks.OnOutput != nil {
		s.params.Callbacks.OnOutput(text)
	}
	return res
}

// dispatch routes one tool call and watches for rejected final-report
// attempts, which arm the one-shot turn budget extension.
func (s *Session) dispatch(ctx context.Context, call toolexecutor.ToolCall) toolexecutor.Result {
	res := s.dispatcher.Dispatch(ctx, call)
	if res.Failed && isFinalReportName(call.Name) {
		s.invalidFinal.Store(true)
	}
	return res
}

func (s *Session) onProgress(message string) {
	s.emitLifecycle("updated", message, 0, 0)
}

// extendTurnBudget records the one-shot grace extension as a system op
// so the trace shows the budget change explicitly.
func (s *Session) extendTurnBudget(turn, newMax int) {
	opID := s.tree.BeginOp(turn, optree.OpSystem, "turn budget extension")
	s.tree.Log(opID, "INF", fmt.Sprintf("final report attempted but invalid; max turns extended to %d", newMax))
	s.tree.EndOp(opID, optree.StatusOK, "")
	s.logger.Warn().Int("turn", turn).Int("new_max_turns", newMax).
		Msg("Final report attempt was invalid, granting one extra turn")
}

// sleepCycleMax sleeps once for the largest suggested wait of a fully
// rate-limited pair cycle. Abortable.
func (s *Session) sleepCycleMax(ctx context.Context, waits []time.Duration) error {
	max := time.Duration(0)
	for _, w := range waits {
		if w > max {
			max = w
		}
	}
	if max <= 0 {
		max = minBackoff
	}
	observability.RecordRateLimitBackoff()
	s.logger.Info().Dur("wait", max).Msg("All pairs rate limited, backing off")

	timer := time.NewTimer(max)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return toolexecutor.ErrCanceled
	case <-timer.C:
		return s.control.Err(ctx)
	}
}

// finish is the single exit path: summary, finalize, snapshot, billing
// flush, metrics, lifecycle event.
func (s *Session) finish(exit ExitCode, report *toolexecutor.Report, turns int) Result {
	duration := time.Since(s.started)
	success := exit == ExitFinalAnswer

	summary := s.recorder.Summary()
	s.logger.Info().Str("exit_code", string(exit)).Int("turns", turns).
		Dur("duration", duration).Msg("Agent session finished")
	s.logger.Info().Msg("LLM " + summary.LLMLine())
	s.logger.Info().Msg("Tools " + summary.ToolLine())

	treeStatus := optree.StatusOK
	if !success {
		treeStatus = optree.StatusFailed
	}
	s.tree.Finalize(treeStatus, fmt.Sprintf("%s after %d turn(s)", exit, turns))

	snapshot := s.tree.Snapshot()
	s.persistSnapshot(snapshot)
	s.flushLedger()

	observability.RecordSession(string(exit), duration, turns)
	observability.RecordSessionAudit(context.Background(), s.trace.CallPath, string(exit), string(treeStatus), map[string]interface{}{
		"txn_id": s.trace.TxnID,
		"turns":  turns,
	})
	if s.params.Callbacks.OnOpTree != nil {
		s.params.Callbacks.OnOpTree(snapshot)
	}
	kind := "finished"
	if !success {
		kind = "failed"
	}
	s.emitLifecycleResult(kind, exit, duration, turns, snapshot)

	return Result{
		Success:  success,
		ExitCode: exit,
		Report:   report,
		Turns:    turns,
		Duration: duration,
		Summary:  summary,
		Snapshot: snapshot,
	}
}

// PersistSnapshot writes the current tree state to the snapshot
// directory. Used at milestones before session end, e.g. after a
// sub-agent's tree has been grafted in. No-op without a snapshot dir.
func (s *Session) PersistSnapshot() {
	if s.params.SnapshotDir == "" {
		return
	}
	s.persistSnapshot(s.tree.Snapshot())
}

func (s *Session) persistSnapshot(snapshot *optree.Session) {
	if s.params.SnapshotDir == "" {
		return
	}
	start := time.Now()
	path := filepath.Join(s.params.SnapshotDir, s.trace.TxnID+".json.gz")
	if err := optree.WriteSnapshot(path, snapshot); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("Failed to persist session snapshot")
		return
	}
	observability.RecordSnapshotSave(time.Since(start))
	s.logger.Debug().Str("path", path).Msg("Session snapshot persisted")
}

// flushLedger appends the entries this session produced itself.
// Merged sub-agent entries are skipped: the child flushed them at its
// own finish, and the ledger holds one record per entry.
func (s *Session) flushLedger() {
	if s.params.Ledger == nil {
		return
	}
	for _, entry := range s.recorder.OwnEntries() {
		if err := s.params.Ledger.Append(entry); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to append billing entry")
			return
		}
	}
}

func (s *Session) emitLifecycle(kind, update string, duration time.Duration, turns int) {
	if s.params.Callbacks.OnLifecycle == nil {
		return
	}
	s.params.Callbacks.OnLifecycle(LifecycleEvent{
		Kind:     kind,
		Agent:    s.params.AgentName,
		TxnID:    s.trace.TxnID,
		CallPath: s.trace.CallPath,
		Update:   update,
		Duration: duration,
		Turns:    turns,
	})
}

func (s *Session) emitLifecycleResult(kind string, exit ExitCode, duration time.Duration, turns int, snapshot *optree.Session) {
	if s.params.Callbacks.OnLifecycle == nil {
		return
	}
	s.params.Callbacks.OnLifecycle(LifecycleEvent{
		Kind:      kind,
		Agent:     s.params.AgentName,
		TxnID:     s.trace.TxnID,
		CallPath:  s.trace.CallPath,
		ExitCode:  exit,
		Duration:  duration,
		Turns:     turns,
		Tokens:    snapshot.Totals.Tokens.Total(),
		CostUSD:   snapshot.Totals.CostUSD,
		ToolsRun:  snapshot.Totals.ToolsRun,
		AgentsRun: snapshot.Totals.AgentsRun,
	})
}

const (
	minBackoff = time.Second
	maxBackoff = 60 * time.Second
)

// clampBackoff picks the provider-suggested wait when given, or an
// exponential fallback, clamped to [1s, 60s].
func clampBackoff(suggested time.Duration, attempt int) time.Duration {
	wait := suggested
	if wait <= 0 {
		wait = time.Duration(1<<uint(attempt-1)) * time.Second
	}
	if wait < minBackoff {
		wait = minBackoff
	}
	if wait > maxBackoff {
		wait = maxBackoff
	}
	return wait
}

func exitForStatus(status TurnStatus) ExitCode {
	switch status {
	case StatusAuthError:
		return ExitAuthFailure
	case StatusQuotaExceeded:
		return ExitQuotaExceeded
	case StatusTimeout:
		return ExitInactivityTimeout
	default:
		return ExitNoLLMResponse
	}
}

func exitForControl(err error) ExitCode {
	if errors.Is(err, toolexecutor.ErrStopRequested) {
		return ExitStopped
	}
	return ExitCanceled
}

// nextPair walks the round-robin cursor to the first pair not yet
// abandoned this turn.
func nextPair(cursor int, abandoned []bool) (int, bool) {
	n := len(abandoned)
	for i := 0; i < n; i++ {
		idx := (cursor + i) % n
		if !abandoned[idx] {
			return idx, true
		}
	}
	return 0, false
}

func activePairs(abandoned []bool) int {
	n := 0
	for _, a := range abandoned {
		if !a {
			n++
		}
	}
	return n
}

func clearWaits(waits []time.Duration) {
	for i := range waits {
		waits[i] = 0
	}
}

func isFinalReportName(name string) bool {
	return name == toolexecutor.FinalReportTool || name == toolexecutor.FinalReportShort
}

func lastAssistantContent(conversation []Message) string {
	for i := len(conversation) - 1; i >= 0; i-- {
		if conversation[i].Role == "assistant" {
			return conversation[i].Content
		}
	}
	return ""
}

func assistantContent(messages []Message) string {
	for _, msg := range messages {
		if msg.Role == "assistant" {
			return msg.Content
		}
	}
	return ""
}

const toolReminderMessage = "Your last reply contained no tool calls. Work on the task using the available tools, or call agent__final_report to conclude."

const finalTurnMessage = "This is the final turn. Call agent__final_report now with your results; no other tools are available."
