package genai

import (
	"context"
	"errors"
	"sync"

	"github.com/BTreeMap/CallPipe/internal/models"
	"github.com/openai/openai-go"
)

// ErrScriptExhausted is returned by MockClient when no scripted reply is left and no default is set.
var ErrScriptExhausted = errors.New("mock: no scripted response left")

// MockTurn is one scripted reply of a MockClient.
type MockTurn struct {
	Response *ToolCallResponse
	Err      error
}

// MockClient is a scripted ClientInterface used by tests and local demos.
// Replies are consumed in order; when the script runs out the defaults are used.
type MockClient struct {
	mu sync.Mutex

	turns       []MockTurn
	jsonReplies []MockJSON

	// DefaultResponse is returned by GenerateWithTools once the script is exhausted.
	DefaultResponse *ToolCallResponse
	// DefaultJSON is returned by GenerateJSON once the script is exhausted.
	DefaultJSON string

	toolRequests [][]openai.ChatCompletionMessageParamUnion
	toolCounts   []int
	jsonPrompts  []string
}

// MockJSON is one scripted GenerateJSON reply.
type MockJSON struct {
	Content string
	Err     error
}

// NewMockClient returns a MockClient that plays back the given turns.
func NewMockClient(turns ...MockTurn) *MockClient {
	return &MockClient{turns: turns}
}

// Say builds a plain spoken reply.
func Say(text string) MockTurn {
	return MockTurn{Response: &ToolCallResponse{Content: text}}
}

// CallTool builds a reply that invokes one tool, optionally with spoken content.
func CallTool(id string, tool models.ToolType, arguments, content string) MockTurn {
	return MockTurn{Response: &ToolCallResponse{
		Content: content,
		ToolCalls: []models.ToolCall{{
			ID:       id,
			Type:     "function",
			Function: models.FunctionCall{Name: string(tool), Arguments: []byte(arguments)},
		}},
	}}
}

// Fail builds a reply that returns err.
func Fail(err error) MockTurn {
	return MockTurn{Err: err}
}

// QueueJSON appends scripted GenerateJSON replies.
func (m *MockClient) QueueJSON(replies ...MockJSON) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jsonReplies = append(m.jsonReplies, replies...)
}

// GenerateWithTools implements ClientInterface.
func (m *MockClient) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.toolRequests = append(m.toolRequests, append([]openai.ChatCompletionMessageParamUnion(nil), messages...))
	m.toolCounts = append(m.toolCounts, len(tools))

	if len(m.turns) == 0 {
		if m.DefaultResponse == nil {
			return nil, ErrScriptExhausted
		}
		resp := *m.DefaultResponse
		return &resp, nil
	}
	next := m.turns[0]
	m.turns = m.turns[1:]
	if next.Err != nil {
		return nil, next.Err
	}
	resp := *next.Response
	return &resp, nil
}

// GenerateJSON implements ClientInterface.
func (m *MockClient) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.jsonPrompts = append(m.jsonPrompts, userPrompt)
	if len(m.jsonReplies) == 0 {
		if m.DefaultJSON == "" {
			return "", ErrScriptExhausted
		}
		return m.DefaultJSON, nil
	}
	next := m.jsonReplies[0]
	m.jsonReplies = m.jsonReplies[1:]
	return next.Content, next.Err
}

// ToolRequests returns the number of GenerateWithTools calls made so far.
func (m *MockClient) ToolRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.toolRequests)
}

// ToolCountAt returns how many tools were offered on the i-th GenerateWithTools call.
func (m *MockClient) ToolCountAt(i int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.toolCounts) {
		return -1
	}
	return m.toolCounts[i]
}

// MessagesAt returns the conversation sent on the i-th GenerateWithTools call.
func (m *MockClient) MessagesAt(i int) []openai.ChatCompletionMessageParamUnion {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.toolRequests) {
		return nil
	}
	return m.toolRequests[i]
}

// JSONPrompts returns the user prompts sent to GenerateJSON.
func (m *MockClient) JSONPrompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.jsonPrompts...)
}
