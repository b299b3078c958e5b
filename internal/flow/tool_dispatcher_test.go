package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CallPipe/internal/models"
	"github.com/BTreeMap/CallPipe/internal/store"
)

type stubSession struct {
	state    models.CallState
	requests []TransitionRequest
	reject   error
}

func (s *stubSession) CallID() string          { return "stub" }
func (s *stubSession) State() models.CallState { return s.state }
func (s *stubSession) RequestTransition(req TransitionRequest) error {
	if s.reject != nil {
		return s.reject
	}
	s.requests = append(s.requests, req)
	s.state = req.To
	return nil
}

func newTestToolDispatcher(t *testing.T) (*ToolDispatcher, store.ActionLog) {
	t.Helper()
	log, err := store.NewJSONLActionLog(store.WithDataDir(t.TempDir()))
	if err != nil {
		t.Fatalf("NewJSONLActionLog: %v", err)
	}
	now := func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return NewDefaultToolDispatcher(log, now), log
}

func toolCall(name models.ToolType, args string) models.ToolCall {
	return models.ToolCall{ID: "tc", Type: "function", Function: models.FunctionCall{Name: string(name), Arguments: []byte(args)}}
}

func TestToolDispatcherDefinitions(t *testing.T) {
	d, _ := newTestToolDispatcher(t)
	defs := d.Definitions()
	want := []models.ToolType{models.ToolTypeLogComplaint, models.ToolTypeRescheduleCall, models.ToolTypeEndCall}
	if len(defs) != len(want) {
		t.Fatalf("definitions = %d, want %d", len(defs), len(want))
	}
	for i, w := range want {
		if defs[i].Function.Name != string(w) {
			t.Errorf("definition %d = %s, want %s", i, defs[i].Function.Name, w)
		}
	}
}

func TestToolDispatcherReschedule(t *testing.T) {
	d, log := newTestToolDispatcher(t)
	cc := models.CallContext{CallID: "c1", PhoneNumber: testPhone, CustomerName: "Jane"}
	session := &stubSession{state: models.StateConversing}

	rec := d.Dispatch(context.Background(), cc, session, toolCall(models.ToolTypeRescheduleCall, `{"new_time":"next Friday","reason":"payday"}`))
	if !rec.OK {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Result != "No problem. I'll mark your preferred call-back date as next Friday." {
		t.Errorf("result = %q", rec.Result)
	}
	entries, err := log.List(context.Background(), "c1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].RequestedTime != "next Friday" || entries[0].Reason != "payday" {
		t.Errorf("entries = %+v", entries)
	}
	if len(session.requests) != 0 {
		t.Errorf("reschedule requested a transition: %+v", session.requests)
	}
}

func TestToolDispatcherEndCallRequestsEnding(t *testing.T) {
	d, _ := newTestToolDispatcher(t)
	session := &stubSession{state: models.StateConversing}

	rec := d.Dispatch(context.Background(), models.CallContext{CallID: "c1"}, session, toolCall(models.ToolTypeEndCall, `{"summary":"paid"}`))
	if !rec.OK {
		t.Fatalf("record = %+v", rec)
	}
	if len(session.requests) != 1 || session.requests[0].To != models.StateEnding || session.requests[0].Summary != "paid" {
		t.Errorf("requests = %+v", session.requests)
	}
}

func TestToolDispatcherFailures(t *testing.T) {
	d, _ := newTestToolDispatcher(t)
	cc := models.CallContext{CallID: "c1", PhoneNumber: testPhone}

	tests := []struct {
		name    string
		call    models.ToolCall
		session *stubSession
	}{
		{"unknown tool", toolCall("transfer_funds", `{}`), &stubSession{state: models.StateConversing}},
		{"malformed arguments", toolCall(models.ToolTypeLogComplaint, `{"details":`), &stubSession{state: models.StateConversing}},
		{"missing required argument", toolCall(models.ToolTypeRescheduleCall, `{}`), &stubSession{state: models.StateConversing}},
		{"rejected transition", toolCall(models.ToolTypeEndCall, `{}`), &stubSession{state: models.StateCreated, reject: errors.New("invalid transition")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := d.Dispatch(context.Background(), cc, tt.session, tt.call)
			if rec.OK {
				t.Fatalf("record = %+v, want failure", rec)
			}
			if !strings.Contains(rec.Result, "failed") {
				t.Errorf("result = %q", rec.Result)
			}
		})
	}
}

func TestNormalizeArguments(t *testing.T) {
	if got := string(normalizeArguments([]byte(` {"a":1} `))); got != `{"a":1}` {
		t.Errorf("valid JSON = %s", got)
	}
	if got := string(normalizeArguments([]byte("{\n  \"a\": 1\n}"))); got != `{"a":1}` {
		t.Errorf("indented JSON = %s", got)
	}
	if got := string(normalizeArguments([]byte(`not json`))); got != `"not json"` {
		t.Errorf("invalid JSON = %s", got)
	}
	if got := normalizeArguments(nil); got != nil {
		t.Errorf("empty = %s", got)
	}
}

func TestSystemPromptFallbacks(t *testing.T) {
	cfg := NewConfig()
	today := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	p := SystemPrompt(cfg, models.CallContext{CallID: "c", PhoneNumber: testPhone}, today)
	for _, want := range []string{"Joe", "American Express Bank", "the customer", "an unspecified amount", "Unknown", "June 01, 2024", models.DefaultPriorSummary} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}

	p = SystemPrompt(cfg, models.CallContext{CallID: "c", PhoneNumber: testPhone, CustomerName: "Jane", AmountDue: "$99", DueDate: "2024-05-01"}, today)
	for _, want := range []string{"Jane", "$99", "2024-05-01"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(p, "$$99") {
		t.Error("amount double-prefixed")
	}
}
