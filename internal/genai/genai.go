// Package genai provides language-model operations for CallPipe using the OpenAI API.
//
// The same client drives the in-call conversational agent (tool calling) and the post-call
// analysis (JSON mode). Any OpenAI-compatible endpoint can be used by overriding the base URL.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BTreeMap/CallPipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// Default client configuration.
const (
	DefaultModel       = openai.ChatModelGPT4oMini
	DefaultTemperature = 0.8
	// DefaultAnalysisTemperature keeps analysis output stable across re-runs.
	DefaultAnalysisTemperature = 0.2
	DefaultMaxRetries          = 2
	DefaultRequestTimeout      = 30 * time.Second
)

// ErrNoChoicesReturned is returned when the model responds without any choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// ClientInterface is what the call session and the analysis engine need from a model.
type ClientInterface interface {
	// GenerateWithTools sends the conversation and the available tools and returns either
	// spoken content, tool calls, or both.
	GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error)
	// GenerateJSON returns a JSON object produced for the given prompts.
	GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// ToolCallResponse is one model turn.
type ToolCallResponse struct {
	Content   string
	ToolCalls []models.ToolCall
}

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openaiChatService adapts the SDK client to chatService.
type openaiChatService struct {
	client openai.Client
}

func (s *openaiChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey         string
	BaseURL        string
	Model          string
	Temperature    float64
	MaxRetries     int
	RequestTimeout time.Duration
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature overrides the conversational sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxRetries sets how many times the SDK retries a failed request.
func WithMaxRetries(n int) Option {
	return func(o *Opts) { o.MaxRetries = n }
}

// WithRequestTimeout bounds each model request.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RequestTimeout = d }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat           chatService
	model          string
	temperature    float64
	requestTimeout time.Duration
}

// NewClient initializes a new GenAI client. The API key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:          DefaultModel,
		Temperature:    DefaultTemperature,
		MaxRetries:     DefaultMaxRetries,
		RequestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	slog.Debug("GenAI client config loaded",
		"APIKey_set", cfg.APIKey != "", "baseURL", cfg.BaseURL, "model", cfg.Model, "maxRetries", cfg.MaxRetries)
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)

	return &Client{
		chat:           &openaiChatService{client: cli},
		model:          cfg.Model,
		temperature:    cfg.Temperature,
		requestTimeout: cfg.RequestTimeout,
	}, nil
}

// GenerateWithTools implements ClientInterface.
func (c *Client) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    messages,
		Temperature: openai.Float(c.temperature),
	}
	if len(tools) > 0 {
		params.Tools = tools
	}

	resp, err := c.create(ctx, params)
	if err != nil {
		return nil, err
	}

	msg := resp.Choices[0].Message
	out := &ToolCallResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: models.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			},
		})
	}
	slog.Debug("GenAI.GenerateWithTools: response received",
		"contentLength", len(out.Content), "toolCalls", len(out.ToolCalls))
	return out, nil
}

// GenerateJSON implements ClientInterface using the JSON object response format.
func (c *Client) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(DefaultAnalysisTemperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}

	resp, err := c.create(ctx, params)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI.create: chat completion failed", "model", c.model, "error", err)
		return openai.ChatCompletion{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return openai.ChatCompletion{}, ErrNoChoicesReturned
	}
	return resp, nil
}
