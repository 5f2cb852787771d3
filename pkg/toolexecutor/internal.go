package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/nyra/internal/observability"
	"github.com/harun/nyra/pkg/accounting"
	"github.com/harun/nyra/pkg/optree"
)

// builtinServer labels the built-in agent tools in accounting.
const builtinServer = "agent"

const finalReportSchemaJSON = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"status": {"type": "string", "enum": ["success", "failure"]},
		"format": {"type": "string", "enum": ["markdown", "text", "json"]},
		"content": {"type": "string", "minLength": 1}
	},
	"required": ["status", "content"]
}`

var (
	finalReportSchemaOnce sync.Once
	finalReportSchema     *gojsonschema.Schema
)

func loadFinalReportSchema() *gojsonschema.Schema {
	finalReportSchemaOnce.Do(func() {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(finalReportSchemaJSON))
		if err != nil {
			// The schema is a compile-time constant; failing to parse
			// it is a programming error.
			panic(fmt.Sprintf("final report schema invalid: %v", err))
		}
		finalReportSchema = schema
	})
	return finalReportSchema
}

func builtinDescriptors() []ToolDescriptor {
	return []ToolDescriptor{
		{
			Name:        FinalReportTool,
			Description: "Deliver the final report and conclude the session. Call exactly once, when the task is finished or cannot proceed.",
			InputSchema: json.RawMessage(finalReportSchemaJSON),
		},
		{
			Name:        TaskStatusTool,
			Description: "Report task progress without ending the session. Set status to completed when all work is done.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"status": {"type": "string", "enum": ["in_progress", "blocked", "completed"]},
					"message": {"type": "string"}
				},
				"required": ["status"]
			}`),
		},
		{
			Name:        BatchTool,
			Description: "Run several independent tool calls concurrently. Nested batches and the final report are not allowed inside a batch.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"calls": {
						"type": "array",
						"minItems": 1,
						"items": {
							"type": "object",
							"properties": {
								"id": {"type": "string"},
								"tool": {"type": "string"},
								"arguments": {"type": "object"}
							},
							"required": ["tool"]
						}
					}
				},
				"required": ["calls"]
			}`),
		},
	}
}

func isBuiltinTool(name string) bool {
	switch name {
	case FinalReportTool, FinalReportShort, TaskStatusTool, BatchTool:
		return true
	}
	return false
}

// ParseFinalReport extracts a report from final-report tool arguments.
// An error means the arguments cannot produce a report at all; schema
// violations beyond that are returned as warnings and never block
// finalization.
func ParseFinalReport(raw json.RawMessage) (*Report, []string, error) {
	args, err := decodeArgs(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("final report arguments are not an object: %w", err)
	}

	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return nil, nil, fmt.Errorf("final report has no content")
	}

	report := &Report{Content: content, Raw: raw}
	if status, ok := args["status"].(string); ok {
		report.Status = status
	}
	if report.Status == "" {
		report.Status = "success"
	}
	if format, ok := args["format"].(string); ok {
		report.Format = format
	}
	if report.Format == "" {
		report.Format = "markdown"
	}

	var warnings []string
	result, err := loadFinalReportSchema().Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("schema validation errored: %v", err))
	} else if !result.Valid() {
		for _, desc := range result.Errors() {
			warnings = append(warnings, desc.String())
		}
	}
	return report, warnings, nil
}

func (d *Dispatcher) dispatchFinalReport(ctx context.Context, call ToolCall) Result {
	turn := int(d.turn.Load())
	opID := d.tree.BeginOp(turn, optree.OpTool, builtinServer+":"+FinalReportTool)
	start := time.Now()

	report, warnings, err := ParseFinalReport(call.Args)

	status := accounting.StatusOK
	if err != nil {
		status = accounting.StatusFailed
	}
	d.recorder.Record(accounting.Entry{
		Kind:     accounting.KindTool,
		Trace:    d.trace,
		Turn:     turn,
		Status:   status,
		Latency:  time.Since(start),
		Server:   builtinServer,
		Command:  FinalReportTool,
		CharsIn:  int64(len(call.Args)),
		CharsOut: 0,
	})
	observability.RecordToolExecution(builtinServer, FinalReportTool, time.Since(start), err == nil)

	if err != nil {
		d.tree.Log(opID, "ERR", err.Error())
		d.tree.EndOp(opID, optree.StatusFailed, err.Error())
		d.logger.Warn().Err(err).Msg("Final report rejected")
		return failure(fmt.Sprintf("invalid final report: %v", err))
	}

	for _, w := range warnings {
		d.tree.Log(opID, "WRN", "final report schema: "+w)
		d.logger.Warn().Str("violation", w).Msg("Final report does not match its schema, accepting anyway")
	}
	d.tree.EndOp(opID, optree.StatusOK, "")

	return Result{
		Content:  "Final report received.",
		Terminal: report,
	}
}

func (d *Dispatcher) dispatchTaskStatus(call ToolCall, turn int) Result {
	args, err := decodeArgs(call.Args)
	if err != nil {
		return failure(fmt.Sprintf("invalid tool arguments: %v", err))
	}

	status, _ := args["status"].(string)
	message, _ := args["message"].(string)
	if status == "" {
		return failure("task status requires a status field")
	}

	update := status
	if message != "" {
		update = status + ": " + message
	}
	d.tree.SetLatestUpdate(update)

	opID := d.tree.BeginOp(turn, optree.OpTool, builtinServer+":"+TaskStatusTool)
	d.tree.EndOp(opID, optree.StatusOK, "")
	d.recorder.Record(accounting.Entry{
		Kind:     accounting.KindTool,
		Trace:    d.trace,
		Turn:     turn,
		Status:   accounting.StatusOK,
		Server:   builtinServer,
		Command:  TaskStatusTool,
		CharsIn:  int64(len(call.Args)),
		CharsOut: 0,
	})

	if d.hooks.OnProgress != nil {
		d.hooks.OnProgress(update)
	}
	if status == "completed" {
		d.taskCompleted.Store(true)
	}

	d.logger.Info().Str("status", status).Str("message", message).Msg("Progress reported")
	return Result{Content: "Progress recorded."}
}

type batchCall struct {
	ID        string          `json:"id"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

type batchResult struct {
	ID        string `json:"id,omitempty"`
	Tool      string `json:"tool"`
	OK        bool   `json:"ok"`
	ElapsedMs int64  `json:"elapsedMs"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// dispatchBatch fans the inner calls out concurrently. Each inner call
// goes through the full provider path (gate slot, timeout, cap,
// accounting); only the aggregation is exempt from the response cap,
// because the inner results are already capped individually.
func (d *Dispatcher) dispatchBatch(ctx context.Context, call ToolCall, turn, subturn int) Result {
	var args struct {
		Calls []batchCall `json:"calls"`
	}
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return failure(fmt.Sprintf("invalid batch arguments: %v", err))
	}
	if len(args.Calls) == 0 {
		return failure("batch requires at least one call")
	}

	opID := d.tree.BeginOp(turn, optree.OpTool, builtinServer+":"+BatchTool)
	results := make([]batchResult, len(args.Calls))

	var wg sync.WaitGroup
	for i, inner := range args.Calls {
		wg.Add(1)
		go func(i int, inner batchCall) {
			defer wg.Done()
			start := time.Now()
			res := d.dispatchBatchInner(ctx, inner)
			results[i] = batchResult{
				ID:        inner.ID,
				Tool:      inner.Tool,
				OK:        !res.Failed,
				ElapsedMs: time.Since(start).Milliseconds(),
			}
			if res.Failed {
				results[i].Error = res.Content
			} else {
				results[i].Result = res.Content
			}
		}(i, inner)
	}
	wg.Wait()

	failures := 0
	for _, r := range results {
		if !r.OK {
			failures++
		}
	}
	d.tree.Log(opID, "VRB", fmt.Sprintf("batch of %d calls, %d failed", len(results), failures))
	d.tree.EndOp(opID, optree.StatusOK, "")
	d.logger.Debug().Int("calls", len(results)).Int("failed", failures).Msg("Batch completed")

	payload, err := json.Marshal(map[string]any{"results": results})
	if err != nil {
		return failure(fmt.Sprintf("failed to aggregate batch results: %v", err))
	}
	return Result{Content: string(payload)}
}

func (d *Dispatcher) dispatchBatchInner(ctx context.Context, inner batchCall) Result {
	name := normalizeToolName(inner.Tool)
	switch name {
	case BatchTool:
		return failure(ErrNestedBatch.Error())
	case FinalReportTool:
		return failure(ErrNestedFinalReport.Error())
	}

	if err := d.control.Err(ctx); err != nil {
		return failure(err.Error())
	}

	subturn := int(d.subturn.Add(1))
	turn := int(d.turn.Load())
	if subturn > d.limits.MaxCallsPerTurn {
		return failure(fmt.Sprintf(
			"execution not allowed because the per-turn tool limit (%d) was reached; retry this tool on the next turn if available.",
			d.limits.MaxCallsPerTurn,
		))
	}
	if !d.policy.IsToolAllowed(name) {
		return failure(ErrToolNotPermitted.Error())
	}
	if name == TaskStatusTool {
		return d.dispatchTaskStatus(ToolCall{ID: inner.ID, Name: name, Args: inner.Arguments}, turn)
	}
	return d.dispatchProviderTool(ctx, name, ToolCall{ID: inner.ID, Name: name, Args: inner.Arguments}, turn, subturn, true)
}
