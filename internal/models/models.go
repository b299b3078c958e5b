// Package models defines the core data structures for CallPipe.
//
// It includes the call context handed to a session, the dispatch metadata it is parsed from,
// and the JSON envelopes returned by the API. Types here are shared across modules.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultPriorSummary is used when a dispatch request carries no previous-conversation summary.
const DefaultPriorSummary = "No previous conversation"

// Error variables for the call lifecycle, tool execution and analysis.
// Callers match them with errors.Is; producers wrap them with context.
var (
	// ErrDial is returned when a call cannot be placed. Never retried.
	ErrDial = errors.New("dial failed")
	// ErrTimeout is returned when the far end does not answer or the caller stays silent too long.
	ErrTimeout = errors.New("timed out")
	// ErrToolExecution is returned by a tool whose side effect failed. Reported into the conversation.
	ErrToolExecution = errors.New("tool execution failed")
	// ErrAnalysis is returned when a transcript cannot be analyzed.
	ErrAnalysis = errors.New("analysis failed")
	// ErrSchema is returned when the analysis model response does not match the expected schema.
	ErrSchema = errors.New("analysis response does not match schema")
	// ErrNotFound is returned on a store lookup miss.
	ErrNotFound = errors.New("not found")
	// ErrValidation is returned for malformed input at the API or dispatch boundary.
	ErrValidation = errors.New("validation failed")
)

var (
	e164Regex       = regexp.MustCompile(`^\+[1-9][0-9]{1,14}$`)
	phoneNoiseRegex = regexp.MustCompile(`[\s\-().]`)
)

// CanonicalizePhoneNumber strips common separators and validates the E.164 shape.
func CanonicalizePhoneNumber(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: phone_number is required", ErrValidation)
	}
	canonical := phoneNoiseRegex.ReplaceAllString(trimmed, "")
	if strings.HasPrefix(canonical, "00") {
		canonical = "+" + canonical[2:]
	}
	if !e164Regex.MatchString(canonical) {
		return "", fmt.Errorf("%w: phone_number %q is not a valid E.164 number", ErrValidation, raw)
	}
	return canonical, nil
}

// CallContext identifies one outbound call attempt. It is immutable once a session owns it.
type CallContext struct {
	CallID       string `json:"call_id"`
	PhoneNumber  string `json:"phone_number"`
	TrunkID      string `json:"trunk_id,omitempty"`
	CustomerName string `json:"customer_name,omitempty"`
	AmountDue    string `json:"amount_due,omitempty"`
	DueDate      string `json:"due_date,omitempty"`
	PriorSummary string `json:"summary,omitempty"`
}

// Validate checks the invariants a context must satisfy before a dial is attempted.
func (c CallContext) Validate() error {
	if c.CallID == "" {
		return fmt.Errorf("%w: call_id is required", ErrValidation)
	}
	if !e164Regex.MatchString(c.PhoneNumber) {
		return fmt.Errorf("%w: phone_number %q is not a valid E.164 number", ErrValidation, c.PhoneNumber)
	}
	return nil
}

// DispatchMetadata is the payload a new session is created from.
// It is the only channel through which a CallContext reaches a session.
type DispatchMetadata struct {
	PhoneNumber  string `json:"phone_number"`
	TrunkID      string `json:"trunk_id,omitempty"`
	CustomerName string `json:"customer_name,omitempty"`
	AmountDue    string `json:"amount_due,omitempty"`
	DueDate      string `json:"due_date,omitempty"`
	Summary      string `json:"summary,omitempty"`
}

var (
	bareKeyRegex   = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	bareValueRegex = regexp.MustCompile(`:\s*([^",{}\[\]\r\n]+?)\s*([,}\r\n])`)
)

// ParseDispatchMetadata decodes a metadata payload. Payloads that are not strict JSON get one
// repair pass that quotes bare keys and values, matching what hand-typed dispatch commands produce.
func ParseDispatchMetadata(raw []byte) (DispatchMetadata, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "{" || trimmed == "}" || trimmed == "{}" {
		return DispatchMetadata{}, fmt.Errorf("%w: empty dispatch metadata", ErrValidation)
	}

	var md DispatchMetadata
	if err := json.Unmarshal([]byte(trimmed), &md); err != nil {
		repaired := repairMetadata(trimmed)
		if repairErr := json.Unmarshal([]byte(repaired), &md); repairErr != nil {
			return DispatchMetadata{}, fmt.Errorf("%w: dispatch metadata is not valid JSON: %v", ErrValidation, err)
		}
	}

	if strings.TrimSpace(md.PhoneNumber) == "" {
		return DispatchMetadata{}, fmt.Errorf("%w: phone_number is required", ErrValidation)
	}
	return md, nil
}

func repairMetadata(s string) string {
	fixed := bareKeyRegex.ReplaceAllString(s, `"$1":`)
	return bareValueRegex.ReplaceAllString(fixed, `: "$1"$2`)
}

// CallContext builds the immutable context for a session with the given identifier.
// The phone number is canonicalized; the trunk falls back to defaultTrunk.
func (m DispatchMetadata) CallContext(callID, defaultTrunk string) (CallContext, error) {
	phone, err := CanonicalizePhoneNumber(m.PhoneNumber)
	if err != nil {
		return CallContext{}, err
	}
	trunk := strings.TrimSpace(m.TrunkID)
	if trunk == "" {
		trunk = defaultTrunk
	}
	summary := strings.TrimSpace(m.Summary)
	if summary == "" {
		summary = DefaultPriorSummary
	}
	return CallContext{
		CallID:       callID,
		PhoneNumber:  phone,
		TrunkID:      trunk,
		CustomerName: strings.TrimSpace(m.CustomerName),
		AmountDue:    strings.TrimSpace(m.AmountDue),
		DueDate:      strings.TrimSpace(m.DueDate),
		PriorSummary: summary,
	}, nil
}

// InitiateCallRequest is the body of POST /api/initiate-call.
type InitiateCallRequest struct {
	PhoneNumber  string `json:"phone_number"`
	CustomerName string `json:"customer_name,omitempty"`
	AmountDue    string `json:"amount_due,omitempty"`
	DueDate      string `json:"due_date,omitempty"`
	Summary      string `json:"summary,omitempty"`
	TrunkID      string `json:"trunk_id,omitempty"`
}

// Validate canonicalizes the phone number in place and reports malformed input.
func (r *InitiateCallRequest) Validate() error {
	phone, err := CanonicalizePhoneNumber(r.PhoneNumber)
	if err != nil {
		return err
	}
	r.PhoneNumber = phone
	return nil
}

// Metadata converts the request into the dispatch payload.
func (r InitiateCallRequest) Metadata() DispatchMetadata {
	return DispatchMetadata{
		PhoneNumber:  r.PhoneNumber,
		TrunkID:      r.TrunkID,
		CustomerName: r.CustomerName,
		AmountDue:    r.AmountDue,
		DueDate:      r.DueDate,
		Summary:      r.Summary,
	}
}

// InitiateCallResponse acknowledges an accepted dispatch.
type InitiateCallResponse struct {
	CallID string `json:"call_id"`
	Status string `json:"status"`
}

// DispatchStatusAccepted is the status returned once a call has been handed to a session.
const DispatchStatusAccepted = "accepted"

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse is the error envelope returned by the API.
type APIResponse struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithError sets the error text of the API response.
func (b *APIResponseBuilder) WithError(msg string) *APIResponseBuilder {
	b.response.Error = msg
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Error creates an error API response. The message is also exposed under "error".
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithError(message).
		WithMessage(message).
		Build()
}
