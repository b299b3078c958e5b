package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// Role identifies who spoke a conversation turn.
type Role string

const (
	// RoleAgent is the AI agent placing the call.
	RoleAgent Role = "agent"
	// RoleCaller is the person who answered.
	RoleCaller Role = "caller"
)

// ConversationTurn is one utterance.
type ConversationTurn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"ts"`
}

// ActionRecord is one tool invocation made by the agent during a call.
type ActionRecord struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    string          `json:"result"`
	OK        bool            `json:"ok"`
	Timestamp time.Time       `json:"ts"`
}

// UnmarshalJSON decodes the record and compacts Arguments, so a transcript read back
// from an indented file equals the one that was written.
func (a *ActionRecord) UnmarshalJSON(data []byte) error {
	type plain ActionRecord
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	p.Arguments = CompactJSON(p.Arguments)
	*a = ActionRecord(p)
	return nil
}

// CompactJSON strips insignificant whitespace from raw. Invalid input is returned unchanged.
func CompactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return json.RawMessage(buf.Bytes())
}

// Transcript is the full record of one call. Immutable once flushed.
type Transcript struct {
	CallID         string             `json:"call_id"`
	Context        CallContext        `json:"context"`
	Turns          []ConversationTurn `json:"turns"`
	Actions        []ActionRecord     `json:"actions,omitempty"`
	TerminalReason TerminalReason     `json:"terminal_reason"`
	EndSummary     string             `json:"end_summary,omitempty"`
	ProviderCallID string             `json:"provider_call_id,omitempty"`
	StartedAt      time.Time          `json:"started_at"`
	EndedAt        time.Time          `json:"ended_at"`
}

// NewTranscript creates an empty transcript for the given context.
func NewTranscript(cc CallContext, startedAt time.Time) Transcript {
	return Transcript{
		CallID:    cc.CallID,
		Context:   cc,
		Turns:     []ConversationTurn{},
		StartedAt: startedAt,
	}
}

// Clone returns a deep copy so callers cannot mutate the original's slices.
func (t Transcript) Clone() Transcript {
	c := t
	c.Turns = append([]ConversationTurn{}, t.Turns...)
	if t.Actions != nil {
		c.Actions = make([]ActionRecord, len(t.Actions))
		for i, a := range t.Actions {
			a.Arguments = append(json.RawMessage(nil), a.Arguments...)
			c.Actions[i] = a
		}
	}
	return c
}

// CountActions returns how many recorded actions used the named tool.
func (t Transcript) CountActions(tool string) int {
	n := 0
	for _, a := range t.Actions {
		if a.Tool == tool {
			n++
		}
	}
	return n
}

// TranscriptSummary is one entry of the transcript listing.
type TranscriptSummary struct {
	CallID         string         `json:"call_id"`
	File           string         `json:"file"`
	CustomerName   string         `json:"customer_name"`
	PhoneNumber    string         `json:"phone_number"`
	CreatedAt      time.Time      `json:"created_at"`
	EndedAt        time.Time      `json:"ended_at"`
	TerminalReason TerminalReason `json:"terminal_reason"`
	Turns          int            `json:"turns"`
}

// RequestKind distinguishes entries in the customer request log.
type RequestKind string

const (
	// RequestKindComplaint is a complaint logged by the agent.
	RequestKindComplaint RequestKind = "complaint"
	// RequestKindReschedule is a callback request logged by the agent.
	RequestKindReschedule RequestKind = "reschedule"
)

// CustomerRequest is one append-only entry of the complaint/reschedule log.
type CustomerRequest struct {
	CallID        string      `json:"call_id"`
	Kind          RequestKind `json:"kind"`
	PhoneNumber   string      `json:"phone_number"`
	CustomerName  string      `json:"customer_name,omitempty"`
	Details       string      `json:"details,omitempty"`
	RequestedTime string      `json:"requested_time,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}
