// Package models defines the call-session state machine vocabulary.
package models

import "time"

// CallState is the lifecycle state of one outbound call session.
type CallState string

const (
	// StateCreated is the state of a session that has not dialed yet.
	StateCreated CallState = "CREATED"
	// StateDialing means the provider accepted the dial request and the far end is ringing.
	StateDialing CallState = "DIALING"
	// StateConnected means the far end answered.
	StateConnected CallState = "CONNECTED"
	// StateConversing is the steady-state conversational loop.
	StateConversing CallState = "CONVERSING"
	// StateEnding means termination was requested; the farewell and flush are in progress.
	StateEnding CallState = "ENDING"
	// StateEnded is the normal terminal state.
	StateEnded CallState = "ENDED"
	// StateFailed is the abnormal terminal state.
	StateFailed CallState = "FAILED"
)

var validTransitions = map[CallState][]CallState{
	StateCreated:    {StateDialing},
	StateDialing:    {StateConnected, StateFailed},
	StateConnected:  {StateConversing, StateFailed},
	StateConversing: {StateConversing, StateEnding, StateFailed},
	StateEnding:     {StateEnded, StateFailed},
}

// IsTerminal reports whether no further transitions are possible.
func (s CallState) IsTerminal() bool {
	return s == StateEnded || s == StateFailed
}

// CanTransition reports whether from → to is an allowed transition.
func CanTransition(from, to CallState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TerminalReason tags a persisted transcript with how the call ended.
type TerminalReason string

const (
	// ReasonCompleted is a normal end: end_call or caller hangup.
	ReasonCompleted TerminalReason = "completed"
	// ReasonError is an unrecoverable error after the call was placed.
	ReasonError TerminalReason = "error"
	// ReasonNoAnswer means the far end never picked up.
	ReasonNoAnswer TerminalReason = "no_answer"
	// ReasonTimeout means the caller stayed silent past the idle window.
	ReasonTimeout TerminalReason = "timeout"
)

// TransitionEvent records one state change of a session.
type TransitionEvent struct {
	CallID string    `json:"call_id"`
	From   CallState `json:"from"`
	To     CallState `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// SessionInfo is a point-in-time view of a session for the API.
type SessionInfo struct {
	CallID       string    `json:"call_id"`
	PhoneNumber  string    `json:"phone_number"`
	CustomerName string    `json:"customer_name,omitempty"`
	State        CallState `json:"state"`
	StartedAt    time.Time `json:"started_at"`
	Turns        int       `json:"turns"`
}
