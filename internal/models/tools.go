// Package models defines tool structures for LLM function calling.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ToolType names a tool the conversational model may call. The names are part of the
// contract with the model, which selects tools by name.
type ToolType string

const (
	// ToolTypeLogComplaint records a complaint against the current call.
	ToolTypeLogComplaint ToolType = "log_complaint"
	// ToolTypeRescheduleCall records a callback request.
	ToolTypeRescheduleCall ToolType = "reschedule_call"
	// ToolTypeEndCall asks the session to end the call after the farewell.
	ToolTypeEndCall ToolType = "end_call"
)

// MaxToolArgumentLength bounds any single string argument a tool will accept.
const MaxToolArgumentLength = 2000

// LogComplaintParams defines the parameters for the log_complaint tool call.
type LogComplaintParams struct {
	Details string `json:"details"`
}

// Validate ensures the complaint parameters are usable.
func (p *LogComplaintParams) Validate() error {
	p.Details = strings.TrimSpace(p.Details)
	if p.Details == "" {
		return fmt.Errorf("details is required")
	}
	if len(p.Details) > MaxToolArgumentLength {
		return fmt.Errorf("details exceeds %d characters", MaxToolArgumentLength)
	}
	return nil
}

// RescheduleCallParams defines the parameters for the reschedule_call tool call.
type RescheduleCallParams struct {
	NewTime string `json:"new_time"`
	Reason  string `json:"reason,omitempty"`
}

// Validate ensures the reschedule parameters are usable. The requested time is free text
// ("next Friday after 5") and is recorded as given.
func (p *RescheduleCallParams) Validate() error {
	p.NewTime = strings.TrimSpace(p.NewTime)
	p.Reason = strings.TrimSpace(p.Reason)
	if p.NewTime == "" {
		return fmt.Errorf("new_time is required")
	}
	if len(p.NewTime) > MaxToolArgumentLength || len(p.Reason) > MaxToolArgumentLength {
		return fmt.Errorf("arguments exceed %d characters", MaxToolArgumentLength)
	}
	return nil
}

// EndCallParams defines the parameters for the end_call tool call.
type EndCallParams struct {
	Summary string `json:"summary"`
}

// Validate trims the summary. An empty summary is accepted so a call can always be ended.
func (p *EndCallParams) Validate() error {
	p.Summary = strings.TrimSpace(p.Summary)
	if len(p.Summary) > MaxToolArgumentLength {
		p.Summary = p.Summary[:MaxToolArgumentLength]
	}
	return nil
}

// ToolCall represents an LLM tool function call.
type ToolCall struct {
	ID       string       `json:"id"`       // Tool call ID from the model
	Type     string       `json:"type"`     // Always "function"
	Function FunctionCall `json:"function"` // Function details
}

// FunctionCall represents the function details within a tool call.
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Decode unmarshals the arguments into v and runs its validation.
func (fc *FunctionCall) Decode(v interface{ Validate() error }) error {
	args := fc.Arguments
	if len(strings.TrimSpace(string(args))) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("failed to parse %s arguments: %w", fc.Name, err)
	}
	if err := v.Validate(); err != nil {
		return fmt.Errorf("invalid %s arguments: %w", fc.Name, err)
	}
	return nil
}

// ToolResult represents the result of executing a tool.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Tool       string `json:"tool"`
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Error      string `json:"error,omitempty"`
}
