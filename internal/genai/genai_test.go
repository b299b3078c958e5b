package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/CallPipe/internal/models"
	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

func TestGenerateWithTools_Content(t *testing.T) {
	mockResp := openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: "Hi Dana, this is Joe."}},
		},
	}
	svc := &mockChatService{resp: mockResp}
	client := &Client{chat: svc, model: "test-model", temperature: 0.5}

	out, err := client.GenerateWithTools(context.Background(),
		[]openai.ChatCompletionMessageParamUnion{openai.SystemMessage("sys")}, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out.Content != "Hi Dana, this is Joe." {
		t.Errorf("unexpected content %q", out.Content)
	}
	if len(out.ToolCalls) != 0 {
		t.Errorf("expected no tool calls, got %d", len(out.ToolCalls))
	}
	if string(svc.params.Model) != "test-model" {
		t.Errorf("expected model to be forwarded, got %q", svc.params.Model)
	}
	if len(svc.params.Tools) != 0 {
		t.Errorf("expected no tools to be sent")
	}
}

func TestGenerateWithTools_ToolCalls(t *testing.T) {
	mockResp := openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{
				ToolCalls: []openai.ChatCompletionMessageToolCall{{
					ID: "call_1",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      "end_call",
						Arguments: `{"summary":"done"}`,
					},
				}},
			}},
		},
	}
	client := &Client{chat: &mockChatService{resp: mockResp}}

	out, err := client.GenerateWithTools(context.Background(), nil, []openai.ChatCompletionToolParam{{}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(out.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(out.ToolCalls))
	}
	tc := out.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "end_call" || string(tc.Function.Arguments) != `{"summary":"done"}` {
		t.Errorf("tool call not converted correctly: %+v", tc)
	}
	var p models.EndCallParams
	if err := tc.Function.Decode(&p); err != nil || p.Summary != "done" {
		t.Errorf("expected decodable arguments, got %v / %q", err, p.Summary)
	}
}

func TestGenerateWithTools_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.GenerateWithTools(context.Background(), nil, nil)
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGenerateJSON_NoChoices(t *testing.T) {
	mockResp := openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}
	client := &Client{chat: &mockChatService{resp: mockResp}}
	_, err := client.GenerateJSON(context.Background(), "sys", "usr")
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestGenerateJSON_UsesJSONFormat(t *testing.T) {
	mockResp := openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: `{"sentiment":"neutral"}`}},
		},
	}
	svc := &mockChatService{resp: mockResp}
	client := &Client{chat: svc}
	out, err := client.GenerateJSON(context.Background(), "sys", "usr")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != `{"sentiment":"neutral"}` {
		t.Errorf("unexpected output %q", out)
	}
	if svc.params.ResponseFormat.OfJSONObject == nil {
		t.Error("expected JSON object response format")
	}
	if len(svc.params.Messages) != 2 {
		t.Errorf("expected system and user messages, got %d", len(svc.params.Messages))
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"), WithBaseURL("http://localhost:9999/v1"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.model != "gpt-4o" {
		t.Errorf("expected model override, got %q", cli.model)
	}
}

func TestMockClient_Script(t *testing.T) {
	m := NewMockClient(Say("hello"), Fail(errors.New("boom")))
	ctx := context.Background()

	out, err := m.GenerateWithTools(ctx, nil, nil)
	if err != nil || out.Content != "hello" {
		t.Fatalf("expected scripted reply, got %v / %v", out, err)
	}
	if _, err := m.GenerateWithTools(ctx, nil, nil); err == nil {
		t.Fatal("expected scripted error")
	}
	if _, err := m.GenerateWithTools(ctx, nil, nil); !errors.Is(err, ErrScriptExhausted) {
		t.Fatalf("expected exhausted script, got %v", err)
	}
	m.DefaultResponse = &ToolCallResponse{Content: "default"}
	if out, _ := m.GenerateWithTools(ctx, nil, nil); out.Content != "default" {
		t.Errorf("expected default reply, got %q", out.Content)
	}
	if m.ToolRequests() != 4 {
		t.Errorf("expected 4 recorded requests, got %d", m.ToolRequests())
	}
}
