package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CallPipe/internal/models"
	"github.com/BTreeMap/CallPipe/internal/store"
	"github.com/openai/openai-go"
)

const toolArgumentsLogLimit = 1024

// ToolDispatcher routes model tool calls to tools and applies the transitions they request.
type ToolDispatcher struct {
	tools map[string]Tool
	order []Tool
	now   func() time.Time
}

// NewToolDispatcher creates a dispatcher with the given tools, in the order they are offered to the model.
func NewToolDispatcher(now func() time.Time, tools ...Tool) *ToolDispatcher {
	if now == nil {
		now = time.Now
	}
	d := &ToolDispatcher{tools: make(map[string]Tool, len(tools)), now: now}
	for _, t := range tools {
		d.tools[string(t.Name())] = t
		d.order = append(d.order, t)
	}
	return d
}

// NewDefaultToolDispatcher offers log_complaint, reschedule_call and end_call, recording
// requests to log.
func NewDefaultToolDispatcher(log store.ActionLog, now func() time.Time) *ToolDispatcher {
	return NewToolDispatcher(now,
		NewComplaintTool(log, now),
		NewRescheduleTool(log, now),
		EndCallTool{},
	)
}

// Definitions returns the tool definitions sent to the model.
func (d *ToolDispatcher) Definitions() []openai.ChatCompletionToolParam {
	defs := make([]openai.ChatCompletionToolParam, 0, len(d.order))
	for _, t := range d.order {
		defs = append(defs, t.Definition())
	}
	return defs
}

// Dispatch executes one tool call. Failures never escape: they are turned into a failure
// string for the model and an unsuccessful action record.
func (d *ToolDispatcher) Dispatch(ctx context.Context, cc models.CallContext, session SessionHandle, call models.ToolCall) models.ActionRecord {
	record := models.ActionRecord{
		Tool:      call.Function.Name,
		Arguments: normalizeArguments(call.Function.Arguments),
		Timestamp: d.now(),
	}

	slog.Info("ToolDispatcher.Dispatch: executing tool",
		"callID", cc.CallID, "tool", call.Function.Name, "toolCallID", call.ID,
		"arguments", formatToolArgumentsForLog(call.Function.Arguments))

	tool, ok := d.tools[call.Function.Name]
	if !ok {
		err := fmt.Errorf("%w: unknown tool %q", models.ErrToolExecution, call.Function.Name)
		slog.Warn("ToolDispatcher.Dispatch: unknown tool", "callID", cc.CallID, "tool", call.Function.Name)
		record.Result = failureMessage(call.Function.Name, err)
		return record
	}

	result, transition, err := tool.Execute(ctx, cc, session, call.Function)
	if err != nil {
		slog.Warn("ToolDispatcher.Dispatch: tool failed", "callID", cc.CallID, "tool", call.Function.Name, "error", err)
		record.Result = failureMessage(call.Function.Name, err)
		return record
	}

	if transition != nil {
		if err := session.RequestTransition(*transition); err != nil {
			slog.Warn("ToolDispatcher.Dispatch: transition rejected", "callID", cc.CallID, "tool", call.Function.Name, "to", transition.To, "error", err)
			record.Result = failureMessage(call.Function.Name, fmt.Errorf("%w: %v", models.ErrToolExecution, err))
			return record
		}
	}

	record.Result = result
	record.OK = true
	return record
}

func failureMessage(tool string, err error) string {
	return fmt.Sprintf("The %s action failed: %v. Tell the caller you could not record it, without technical details.", tool, err)
}

// normalizeArguments keeps arguments that are valid JSON and quotes anything else so the
// record still serializes.
func normalizeArguments(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil
	}
	if json.Valid([]byte(trimmed)) {
		return models.CompactJSON(json.RawMessage(trimmed))
	}
	quoted, _ := json.Marshal(trimmed)
	return quoted
}

func formatToolArgumentsForLog(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	argStr := strings.TrimSpace(string(raw))
	if len(argStr) > toolArgumentsLogLimit {
		return argStr[:toolArgumentsLogLimit] + "...(truncated)"
	}
	return argStr
}
