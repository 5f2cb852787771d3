package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/nyra/internal/tracing"
	"github.com/harun/nyra/pkg/accounting"
	"github.com/harun/nyra/pkg/optree"
)

type fakeProvider struct {
	name  string
	tools []ToolDescriptor
	exec  func(ctx context.Context, tool string, args map[string]any) (string, error)
	calls atomic.Int64
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) ListTools(context.Context) ([]ToolDescriptor, error) {
	return f.tools, nil
}

func (f *fakeProvider) Execute(ctx context.Context, tool string, args map[string]any) (string, error) {
	f.calls.Add(1)
	return f.exec(ctx, tool, args)
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	recorder   *accounting.Recorder
	tree       *optree.Tree
	control    *Control
	provider   *fakeProvider
	progress   []string
}

func setupDispatcher(t *testing.T, policy *ToolPolicy, limits Limits) *dispatcherFixture {
	t.Helper()

	trace := tracing.Trace{TxnID: "txn-test", OriginTxnID: "txn-test", CallPath: "orchestrator"}
	fx := &dispatcherFixture{
		recorder: accounting.NewRecorder(),
		tree:     optree.New("orchestrator", trace),
		control:  NewControl(),
	}
	fx.provider = &fakeProvider{
		name: "files",
		tools: []ToolDescriptor{
			{Name: "echo", Description: "echoes its input"},
			{Name: "slow", Description: "sleeps"},
			{Name: "boom", Description: "always fails"},
		},
		exec: func(ctx context.Context, tool string, args map[string]any) (string, error) {
			switch tool {
			case "echo":
				text, _ := args["text"].(string)
				return "echo: " + text, nil
			case "slow":
				select {
				case <-time.After(time.Second):
					return "woke up", nil
				case <-ctx.Done():
					return "", ctx.Err()
				}
			case "boom":
				return "", fmt.Errorf("disk on fire")
			}
			return "", ErrToolNotFound
		},
	}

	fx.dispatcher = NewDispatcher(
		policy, limits, fx.control, trace,
		fx.recorder, fx.tree, zerolog.Nop(),
		Hooks{OnProgress: func(msg string) { fx.progress = append(fx.progress, msg) }},
	)
	require.NoError(t, fx.dispatcher.RegisterProvider(context.Background(), fx.provider))
	fx.dispatcher.BeginTurn(1)
	return fx
}

func callArgs(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestDispatchSuccess(t *testing.T) {
	fx := setupDispatcher(t, nil, Limits{})

	res := fx.dispatcher.Dispatch(context.Background(), ToolCall{
		ID:   "call-1",
		Name: "echo",
		Args: callArgs(t, map[string]any{"text": "hello"}),
	})

	assert.False(t, res.Failed)
	assert.Nil(t, res.Terminal)
	assert.Equal(t, "echo: hello", res.Content)

	entries := fx.recorder.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, accounting.KindTool, entries[0].Kind)
	assert.Equal(t, "files", entries[0].Server)
	assert.Equal(t, "echo", entries[0].Command)
	assert.Equal(t, accounting.StatusOK, entries[0].Status)
	assert.Equal(t, 1, entries[0].Turn)
	assert.Equal(t, "txn-test", entries[0].Trace.TxnID)
	assert.Positive(t, entries[0].CharsIn)
	assert.Equal(t, int64(len("echo: hello")), entries[0].CharsOut)
}

func TestDispatchFailureRendered(t *testing.T) {
	fx := setupDispatcher(t, nil, Limits{})

	res := fx.dispatcher.Dispatch(context.Background(), ToolCall{Name: "boom", Args: callArgs(t, map[string]any{})})

	assert.True(t, res.Failed)
	assert.Equal(t, "(tool failed: disk on fire)", res.Content)

	entries := fx.recorder.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, accounting.StatusFailed, entries[0].Status)
}

func TestDispatchToolNotFound(t *testing.T) {
	fx := setupDispatcher(t, nil, Limits{})

	res := fx.dispatcher.Dispatch(context.Background(), ToolCall{Name: "no_such_tool", Args: callArgs(t, map[string]any{})})

	assert.True(t, res.Failed)
	assert.Equal(t, "(tool failed: tool_not_found)", res.Content)
}

func TestDispatchNotPermitted(t *testing.T) {
	fx := setupDispatcher(t, &ToolPolicy{Allow: []string{"echo"}}, Limits{})

	res := fx.dispatcher.Dispatch(context.Background(), ToolCall{Name: "boom", Args: callArgs(t, map[string]any{})})

	assert.True(t, res.Failed)
	assert.Equal(t, "(tool failed: tool_not_permitted)", res.Content)
	assert.Empty(t, fx.recorder.Entries())
}

func TestPerTurnLimitFailsOnlyExcessCall(t *testing.T) {
	fx := setupDispatcher(t, nil, Limits{MaxCallsPerTurn: 2})

	first := fx.dispatcher.Dispatch(context.Background(), ToolCall{Name: "echo", Args: callArgs(t, map[string]any{"text": "a"})})
	second := fx.dispatcher.Dispatch(context.Background(), ToolCall{Name: "echo", Args: callArgs(t, map[string]any{"text": "b"})})
	third := fx.dispatcher.Dispatch(context.Background(), ToolCall{Name: "echo", Args: callArgs(t, map[string]any{"text": "c"})})

	assert.False(t, first.Failed)
	assert.False(t, second.Failed)
	assert.True(t, third.Failed)
	assert.Contains(t, third.Content, ErrPerTurnLimit.Error())
	assert.Contains(t, third.Content, "per-turn tool limit (2) was reached")
	assert.Contains(t, third.Content, "retry this tool on the next turn")

	// only the two permitted calls reached the provider
	assert.Equal(t, int64(2), fx.provider.calls.Load())
}

func TestPerTurnLimitResetsEachTurn(t *testing.T) {
	fx := setupDispatcher(t, nil, Limits{MaxCallsPerTurn: 1})

	ok := fx.dispatcher.Dispatch(context.Background(), ToolCall{Name: "echo", Args: callArgs(t, map[string]any{})})
	blocked := fx.dispatcher.Dispatch(context.Background(), ToolCall{Name: "echo", Args: callArgs(t, map[string]any{})})
	assert.False(t, ok.Failed)
	assert.True(t, blocked.Failed)

	fx.dispatcher.BeginTurn(2)
	again := fx.dispatcher.Dispatch(context.Background(), ToolCall{Name: "echo", Args: callArgs(t, map[string]any{})})
	assert.False(t, again.Failed)
}

func TestDispatchTimeout(t *testing.T) {
	fx := setupDispatcher(t, nil, Limits{Timeout: 20 * time.Millisecond})

	res := fx.dispatcher.Dispatch(context.Background(), ToolCall{Name: "slow", Args: callArgs(t, map[string]any{})})

	assert.True(t, res.Failed)
	assert.Contains(t, res.Content, "tool execution timeout")

	entries := fx.recorder.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, accounting.StatusFailed, entries[0].Status)
}

func TestDispatchTruncation(t *testing.T) {
	fx := setupDispatcher(t, nil, Limits{ResponseMaxBytes: 10})

	res := fx.dispatcher.Dispatch(context.Background(), ToolCall{
		Name: "echo",
		Args: callArgs(t, map[string]any{"text": strings.Repeat("x", 100)}),
	})

	assert.False(t, res.Failed)
	assert.True(t, res.Truncated)
	assert.Contains(t, res.Content, "[response truncated:")

	entries := fx.recorder.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Truncated)
}

func TestDispatchCanceled(t *testing.T) {
	fx := setupDispatcher(t, nil, Limits{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := fx.dispatcher.Dispatch(ctx, ToolCall{Name: "echo", Args: callArgs(t, map[string]any{})})
	assert.True(t, res.Failed)
	assert.Equal(t, "(tool failed: canceled)", res.Content)
}

func TestDispatchGracefulStop(t *testing.T) {
	fx := setupDispatcher(t, nil, Limits{})
	fx.control.RequestStop()

	res := fx.dispatcher.Dispatch(context.Background(), ToolCall{Name: "echo", Args: callArgs(t, map[string]any{})})
	assert.True(t, res.Failed)
	assert.Equal(t, "(tool failed: stop_requested)", res.Content)
}

func TestFinalReportTerminal(t *testing.T) {
	fx := setupDispatcher(t, nil, Limits{})

	res := fx.dispatcher.Dispatch(context.Background(), ToolCall{
		Name: FinalReportTool,
		Args: callArgs(t, map[string]any{"status": "success", "format": "markdown", "content": "# Done"}),
	})

	assert.False(t, res.Failed)
	require.NotNil(t, res.Terminal)
	assert.Equal(t, "success", res.Terminal.Status)
	assert.Equal(t, "markdown", res.Terminal.Format)
	assert.Equal(t, "# Done", res.Terminal.Content)
	assert.Equal(t, "Final report received.", res.Content)
}

func TestFinalReportShortAlias(t *testing.T) {
	fx := setupDispatcher(t, nil, Limits{})

	res := fx.dispatcher.Dispatch(context.Background(), ToolCall{
		Name: FinalReportShort,
		Args: callArgs(t, map[string]any{"status": "failure", "content": "could not finish"}),
	})

	require.NotNil(t, res.Terminal)
	assert.Equal(t, "failure", res.Terminal.Status)
}

func TestFinalReportWithoutContentFails(t *testing.T) {
	fx := setupDispatcher(t, nil, Limits{})

	res := fx.dispatcher.Dispatch(context.Background(), ToolCall{
		Name: FinalReportTool,
		Args: callArgs(t, map[string]any{"status": "success"}),
	})

	assert.True(t, res.Failed)
	assert.Nil(t, res.Terminal)
	assert.Contains(t, res.Content, "invalid final report")
}

func TestFinalReportSchemaViolationIsLenient(t *testing.T) {
	fx := setupDispatcher(t, nil, Limits{})

	// "done" is not a valid status per the schema, finalization still happens
	res := fx.dispatcher.Dispatch(context.Background(), ToolCall{
		Name: FinalReportTool,
		Args: callArgs(t, map[string]any{"status": "done", "content": "report body"}),
	})

	assert.False(t, res.Failed)
	require.NotNil(t, res.Terminal)
	assert.Equal(t, "done", res.Terminal.Status)
	assert.Equal(t, "report body", res.Terminal.Content)
}

func TestFinalReportExemptFromPerTurnLimit(t *testing.T) {
	fx := setupDispatcher(t, nil, Limits{MaxCallsPerTurn: 1})

	fx.dispatcher.Dispatch(context.Background(), ToolCall{Name: "echo", Args: callArgs(t, map[string]any{})})
	res := fx.dispatcher.Dispatch(context.Background(), ToolCall{
		Name: FinalReportTool,
		Args: callArgs(t, map[string]any{"status": "success", "content": "done"}),
	})

	require.NotNil(t, res.Terminal)
}

func TestTaskStatus(t *testing.T) {
	fx := setupDispatcher(t, nil, Limits{})

	res := fx.dispatcher.Dispatch(context.Background(), ToolCall{
		Name: TaskStatusTool,
		Args: callArgs(t, map[string]any{"status": "in_progress", "message": "reading logs"}),
	})

	assert.False(t, res.Failed)
	assert.False(t, fx.dispatcher.TaskCompleted())
	assert.Equal(t, []string{"in_progress: reading logs"}, fx.progress)
	assert.Equal(t, "in_progress: reading logs", fx.tree.Snapshot().LatestUpdate)
}

func TestTaskStatusCompleted(t *testing.T) {
	fx := setupDispatcher(t, nil, Limits{})

	fx.dispatcher.Dispatch(context.Background(), ToolCall{
		Name: TaskStatusTool,
		Args: callArgs(t, map[string]any{"status": "completed"}),
	})

	assert.True(t, fx.dispatcher.TaskCompleted())
}

func TestToolsAdvertisesBuiltinsAndProviderTools(t *testing.T) {
	fx := setupDispatcher(t, nil, Limits{})

	names := map[string]bool{}
	for _, desc := range fx.dispatcher.Tools(false) {
		names[desc.Name] = true
	}

	assert.True(t, names[FinalReportTool])
	assert.True(t, names[TaskStatusTool])
	assert.True(t, names[BatchTool])
	assert.True(t, names["echo"])
}

func TestToolsFinalTurnRestriction(t *testing.T) {
	fx := setupDispatcher(t, nil, Limits{})

	tools := fx.dispatcher.Tools(true)
	require.Len(t, tools, 1)
	assert.Equal(t, FinalReportTool, tools[0].Name)
}

func TestToolsHonorsPolicy(t *testing.T) {
	fx := setupDispatcher(t, &ToolPolicy{Allow: []string{"echo", TaskStatusTool, BatchTool}}, Limits{})

	names := map[string]bool{}
	for _, desc := range fx.dispatcher.Tools(false) {
		names[desc.Name] = true
	}

	assert.True(t, names["echo"])
	assert.True(t, names[FinalReportTool]) // always offered
	assert.False(t, names["boom"])
}
