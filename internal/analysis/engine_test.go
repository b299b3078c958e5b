package analysis

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CallPipe/internal/genai"
	"github.com/BTreeMap/CallPipe/internal/models"
	"github.com/BTreeMap/CallPipe/internal/store"
)

const validResponse = `{
  "sentiment": "neutral",
  "customer_emotion": "confused",
  "predictions": {
    "payment_probability": 5,
    "customer_satisfaction": 60,
    "callback_needed": false,
    "escalation_risk": "low",
    "churn_risk": "Low"
  },
  "recommendations": "Verify the phone number on file before the next attempt.",
  "summary": "The agent reached the wrong person and ended the call politely."
}`

var callStart = time.Date(2024, 6, 1, 15, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, llm *genai.MockClient) (*Engine, *store.FileStore) {
	t.Helper()
	files, err := store.NewFileStore(store.WithDataDir(t.TempDir()))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	e, err := NewEngine(llm, files, files,
		WithConcurrency(2),
		WithClock(func() time.Time { return callStart.Add(time.Hour) }))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e, files
}

// wrongNumberTranscript is a three-turn call: greeting, wrong number, apology and end_call.
func wrongNumberTranscript(callID string) models.Transcript {
	cc := models.CallContext{CallID: callID, PhoneNumber: "+15550001234", CustomerName: "Jane Doe", AmountDue: "500.00", DueDate: "2025-01-15"}
	t := models.NewTranscript(cc, callStart)
	t.Turns = []models.ConversationTurn{
		{Role: models.RoleAgent, Text: "Hi, this is Joe from American Express Bank. Am I speaking with Jane Doe?", Timestamp: callStart},
		{Role: models.RoleCaller, Text: "No, you have the wrong number.", Timestamp: callStart.Add(5 * time.Second)},
		{Role: models.RoleAgent, Text: "I'm sorry for the trouble. Have a good day. Goodbye!", Timestamp: callStart.Add(9 * time.Second)},
	}
	t.Actions = []models.ActionRecord{{Tool: string(models.ToolTypeEndCall), Arguments: []byte(`{"summary":"wrong number"}`), Result: "ok", OK: true}}
	t.TerminalReason = models.ReasonCompleted
	t.EndSummary = "wrong number"
	t.EndedAt = callStart.Add(12 * time.Second)
	return t
}

func TestAnalyzeWrongNumberCall(t *testing.T) {
	llm := genai.NewMockClient()
	llm.QueueJSON(genai.MockJSON{Content: "```json\n" + validResponse + "\n```"})
	e, files := newTestEngine(t, llm)

	tr := wrongNumberTranscript("wrong-number")
	result, err := e.Analyze(context.Background(), tr)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if result.Sentiment != models.SentimentNeutral {
		t.Errorf("sentiment = %q", result.Sentiment)
	}
	if result.CallID != "wrong-number" {
		t.Errorf("call id = %q", result.CallID)
	}
	if result.Predictions["churn_risk"] != "low" {
		t.Errorf("churn_risk not normalized: %v", result.Predictions["churn_risk"])
	}
	md := result.Metadata
	if md.TotalTurns != 3 || md.CallerTurns != 1 || md.DurationSeconds != 12 || md.TerminalReason != "completed" {
		t.Errorf("metadata = %+v", md)
	}

	saved, err := files.LoadPrediction(context.Background(), "wrong-number")
	if err != nil {
		t.Fatalf("LoadPrediction: %v", err)
	}
	if saved.Recommendations != result.Recommendations {
		t.Errorf("saved = %+v", saved)
	}

	prompts := llm.JSONPrompts()
	if len(prompts) != 1 {
		t.Fatalf("prompts = %d", len(prompts))
	}
	for _, want := range []string{"Customer: No, you have the wrong number.", "end_call", "payment_probability"} {
		if !strings.Contains(prompts[0], want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestAnalyzeEmptyTranscript(t *testing.T) {
	llm := genai.NewMockClient()
	e, files := newTestEngine(t, llm)

	tr := models.NewTranscript(models.CallContext{CallID: "empty", PhoneNumber: "+15550001234"}, callStart)
	tr.TerminalReason = models.ReasonNoAnswer
	_, err := e.Analyze(context.Background(), tr)
	if !errors.Is(err, models.ErrAnalysis) || !errors.Is(err, ErrEmptyTranscript) {
		t.Fatalf("error = %v, want ErrAnalysis", err)
	}
	if files.HasPrediction("empty") {
		t.Error("prediction written for an empty transcript")
	}
	if len(llm.JSONPrompts()) != 0 {
		t.Error("model called for an empty transcript")
	}
}

func TestAnalyzeModelFailure(t *testing.T) {
	llm := genai.NewMockClient()
	llm.QueueJSON(genai.MockJSON{Err: errors.New("503 from upstream")})
	e, files := newTestEngine(t, llm)

	_, err := e.Analyze(context.Background(), wrongNumberTranscript("llm-down"))
	if !errors.Is(err, models.ErrAnalysis) {
		t.Fatalf("error = %v, want ErrAnalysis", err)
	}
	if files.HasPrediction("llm-down") {
		t.Error("prediction written after a model failure")
	}
}

func TestAnalyzeSchemaFailures(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"not json", "I think the call went well."},
		{"bad sentiment", `{"sentiment":"ecstatic","predictions":{"payment_probability":1,"customer_satisfaction":1},"recommendations":"x"}`},
		{"missing predictions", `{"sentiment":"positive","recommendations":"x"}`},
		{"missing score", `{"sentiment":"positive","predictions":{"payment_probability":50},"recommendations":"x"}`},
		{"score as text", `{"sentiment":"positive","predictions":{"payment_probability":"high","customer_satisfaction":50},"recommendations":"x"}`},
		{"score out of range", `{"sentiment":"positive","predictions":{"payment_probability":150,"customer_satisfaction":50},"recommendations":"x"}`},
		{"bad risk level", `{"sentiment":"positive","predictions":{"payment_probability":50,"customer_satisfaction":50,"churn_risk":"extreme"},"recommendations":"x"}`},
		{"callback not bool", `{"sentiment":"positive","predictions":{"payment_probability":50,"customer_satisfaction":50,"callback_needed":"yes"},"recommendations":"x"}`},
		{"missing recommendations", `{"sentiment":"positive","predictions":{"payment_probability":50,"customer_satisfaction":50}}`},
		{"empty recommendations", `{"sentiment":"positive","predictions":{"payment_probability":50,"customer_satisfaction":50},"recommendations":"  "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := genai.NewMockClient()
			llm.QueueJSON(genai.MockJSON{Content: tt.response})
			e, files := newTestEngine(t, llm)

			_, err := e.Analyze(context.Background(), wrongNumberTranscript("schema"))
			if !errors.Is(err, models.ErrSchema) {
				t.Fatalf("error = %v, want ErrSchema", err)
			}
			if files.HasPrediction("schema") {
				t.Error("partial result persisted")
			}
		})
	}
}

func TestParseResponseAcceptsRecommendationList(t *testing.T) {
	r, err := parseResponse(`{"sentiment":"Positive","predictions":{"payment_probability":80,"customer_satisfaction":90,"promise_date":"friday"},"recommendations":["Send a reminder.","Confirm Friday payment."]}`)
	if err != nil {
		t.Fatalf("parseResponse: %v", err)
	}
	if r.Sentiment != models.SentimentPositive {
		t.Errorf("sentiment = %q", r.Sentiment)
	}
	if r.Recommendations != "Send a reminder. Confirm Friday payment." {
		t.Errorf("recommendations = %q", r.Recommendations)
	}
	if r.Predictions["promise_date"] != "friday" {
		t.Error("extra prediction keys must be kept")
	}
}

func TestAnalyzeAllSkipsAnalyzedTranscripts(t *testing.T) {
	llm := genai.NewMockClient()
	llm.DefaultJSON = validResponse
	e, files := newTestEngine(t, llm)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := files.Save(ctx, wrongNumberTranscript(id)); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	empty := models.NewTranscript(models.CallContext{CallID: "d", PhoneNumber: "+15550001234"}, callStart)
	if _, err := files.Save(ctx, empty); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := e.AnalyzeByName(ctx, "a"); err != nil {
		t.Fatalf("AnalyzeByName: %v", err)
	}

	outcomes, err := e.AnalyzeAll(ctx)
	if err != nil {
		t.Fatalf("AnalyzeAll: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("outcomes = %+v, want b, c and d", outcomes)
	}
	failed := 0
	for _, o := range outcomes {
		if o.CallID == "a" {
			t.Error("already analyzed transcript was re-analyzed")
		}
		if o.Error != "" {
			failed++
			if o.CallID != "d" {
				t.Errorf("unexpected failure %+v", o)
			}
		} else if o.Result == nil || o.Result.CallID != o.CallID {
			t.Errorf("outcome = %+v", o)
		}
	}
	if failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
	if got := len(llm.JSONPrompts()); got != 3 {
		t.Errorf("model requests = %d, want 3", got)
	}
}

func TestAnalyzeByNameNotFound(t *testing.T) {
	e, _ := newTestEngine(t, genai.NewMockClient())
	if _, err := e.AnalyzeByName(context.Background(), "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestSummary(t *testing.T) {
	llm := genai.NewMockClient()
	llm.QueueJSON(
		genai.MockJSON{Content: validResponse},
		genai.MockJSON{Content: `{"sentiment":"positive","predictions":{"payment_probability":95,"customer_satisfaction":80,"callback_needed":true,"churn_risk":"high"},"recommendations":"none"}`},
	)
	e, _ := newTestEngine(t, llm)
	ctx := context.Background()
	for _, id := range []string{"one", "two"} {
		if _, err := e.Analyze(ctx, wrongNumberTranscript(id)); err != nil {
			t.Fatalf("Analyze(%s): %v", id, err)
		}
	}

	s, err := e.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if s.TotalAnalyzed != 2 {
		t.Errorf("total = %d", s.TotalAnalyzed)
	}
	if s.SentimentCounts[models.SentimentNeutral] != 1 || s.SentimentCounts[models.SentimentPositive] != 1 {
		t.Errorf("sentiments = %v", s.SentimentCounts)
	}
	if s.AveragePredictions["payment_probability"] != 50 || s.AveragePredictions["customer_satisfaction"] != 70 {
		t.Errorf("averages = %v", s.AveragePredictions)
	}
	if s.TrueCounts["callback_needed"] != 1 {
		t.Errorf("true counts = %v", s.TrueCounts)
	}
	if s.CategoryCounts["churn_risk"]["low"] != 1 || s.CategoryCounts["churn_risk"]["high"] != 1 {
		t.Errorf("categories = %v", s.CategoryCounts)
	}
	if s.TerminalReasons["completed"] != 2 {
		t.Errorf("terminal reasons = %v", s.TerminalReasons)
	}
}

func TestStripCodeFences(t *testing.T) {
	for in, want := range map[string]string{
		`{"a":1}`:                  `{"a":1}`,
		"```json\n{\"a\":1}\n```":  `{"a":1}`,
		"```\n{\"a\":1}\n```":      `{"a":1}`,
		"Here:\n```json{\"a\":1}```": `{"a":1}`,
	} {
		if got := stripCodeFences(in); got != want {
			t.Errorf("stripCodeFences(%q) = %q, want %q", in, got, want)
		}
	}
}
