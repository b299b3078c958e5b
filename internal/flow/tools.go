package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CallPipe/internal/models"
	"github.com/BTreeMap/CallPipe/internal/store"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

// TransitionRequest is a state change a tool asks for. Only the dispatcher applies it.
type TransitionRequest struct {
	To      models.CallState
	Reason  string
	Summary string
}

// SessionHandle is the view of a running session that tools and the dispatcher get.
type SessionHandle interface {
	CallID() string
	State() models.CallState
	RequestTransition(req TransitionRequest) error
}

// Tool is one function the conversational model may call.
type Tool interface {
	Name() models.ToolType
	Definition() openai.ChatCompletionToolParam
	// Execute runs the tool and returns the text fed back to the model, plus an optional
	// transition for the dispatcher to apply.
	Execute(ctx context.Context, cc models.CallContext, session SessionHandle, call models.FunctionCall) (string, *TransitionRequest, error)
}

// ComplaintTool records customer complaints.
type ComplaintTool struct {
	log store.ActionLog
	now func() time.Time
}

// NewComplaintTool creates a complaint tool that appends to log.
func NewComplaintTool(log store.ActionLog, now func() time.Time) *ComplaintTool {
	if now == nil {
		now = time.Now
	}
	return &ComplaintTool{log: log, now: now}
}

// Name implements Tool.
func (t *ComplaintTool) Name() models.ToolType { return models.ToolTypeLogComplaint }

// Definition implements Tool.
func (t *ComplaintTool) Definition() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        string(models.ToolTypeLogComplaint),
			Description: openai.String("Record a complaint or concern the customer raised, such as a disputed charge or dissatisfaction with service."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"details": map[string]interface{}{
						"type":        "string",
						"description": "What the customer is unhappy about, in one or two sentences",
					},
				},
				"required": []string{"details"},
			},
		},
	}
}

// Execute implements Tool.
func (t *ComplaintTool) Execute(ctx context.Context, cc models.CallContext, session SessionHandle, call models.FunctionCall) (string, *TransitionRequest, error) {
	var params models.LogComplaintParams
	if err := call.Decode(&params); err != nil {
		return "", nil, fmt.Errorf("%w: %v", models.ErrToolExecution, err)
	}
	req := models.CustomerRequest{
		CallID:       cc.CallID,
		Kind:         models.RequestKindComplaint,
		PhoneNumber:  cc.PhoneNumber,
		CustomerName: cc.CustomerName,
		Details:      params.Details,
		CreatedAt:    t.now(),
	}
	if err := t.log.Append(ctx, req); err != nil {
		return "", nil, fmt.Errorf("%w: failed to record complaint: %v", models.ErrToolExecution, err)
	}
	slog.Info("ComplaintTool.Execute: complaint logged", "callID", cc.CallID, "details", params.Details)
	return "I'm sorry to hear that. I've logged your concern.", nil, nil
}

// RescheduleTool records callback requests.
type RescheduleTool struct {
	log store.ActionLog
	now func() time.Time
}

// NewRescheduleTool creates a reschedule tool that appends to log.
func NewRescheduleTool(log store.ActionLog, now func() time.Time) *RescheduleTool {
	if now == nil {
		now = time.Now
	}
	return &RescheduleTool{log: log, now: now}
}

// Name implements Tool.
func (t *RescheduleTool) Name() models.ToolType { return models.ToolTypeRescheduleCall }

// Definition implements Tool.
func (t *RescheduleTool) Definition() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        string(models.ToolTypeRescheduleCall),
			Description: openai.String("Record that the customer wants to be called back at a different time."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"new_time": map[string]interface{}{
						"type":        "string",
						"description": "When the customer wants the callback, as they said it (for example 'next Friday after 5pm')",
					},
					"reason": map[string]interface{}{
						"type":        "string",
						"description": "Optional reason the customer gave",
					},
				},
				"required": []string{"new_time"},
			},
		},
	}
}

// Execute implements Tool.
func (t *RescheduleTool) Execute(ctx context.Context, cc models.CallContext, session SessionHandle, call models.FunctionCall) (string, *TransitionRequest, error) {
	var params models.RescheduleCallParams
	if err := call.Decode(&params); err != nil {
		return "", nil, fmt.Errorf("%w: %v", models.ErrToolExecution, err)
	}
	req := models.CustomerRequest{
		CallID:        cc.CallID,
		Kind:          models.RequestKindReschedule,
		PhoneNumber:   cc.PhoneNumber,
		CustomerName:  cc.CustomerName,
		RequestedTime: params.NewTime,
		Reason:        params.Reason,
		CreatedAt:     t.now(),
	}
	if err := t.log.Append(ctx, req); err != nil {
		return "", nil, fmt.Errorf("%w: failed to record callback request: %v", models.ErrToolExecution, err)
	}
	slog.Info("RescheduleTool.Execute: callback requested", "callID", cc.CallID, "newTime", params.NewTime)
	return fmt.Sprintf("No problem. I'll mark your preferred call-back date as %s.", params.NewTime), nil, nil
}

// EndCallTool asks the session to wrap up the call.
type EndCallTool struct{}

// Name implements Tool.
func (EndCallTool) Name() models.ToolType { return models.ToolTypeEndCall }

// Definition implements Tool.
func (EndCallTool) Definition() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        string(models.ToolTypeEndCall),
			Description: openai.String("End the call once the conversation is over. Your goodbye in the same reply is spoken before the line is hung up."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"summary": map[string]interface{}{
						"type":        "string",
						"description": "One-sentence summary of the outcome of the call",
					},
				},
				"required": []string{"summary"},
			},
		},
	}
}

// Execute implements Tool.
func (EndCallTool) Execute(ctx context.Context, cc models.CallContext, session SessionHandle, call models.FunctionCall) (string, *TransitionRequest, error) {
	var params models.EndCallParams
	if err := call.Decode(&params); err != nil {
		return "", nil, fmt.Errorf("%w: %v", models.ErrToolExecution, err)
	}
	return "ok", &TransitionRequest{To: models.StateEnding, Reason: "end_call", Summary: params.Summary}, nil
}
