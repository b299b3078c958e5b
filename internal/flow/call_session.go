package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/CallPipe/internal/genai"
	"github.com/BTreeMap/CallPipe/internal/models"
	"github.com/BTreeMap/CallPipe/internal/telephony"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
)

// Observer is notified of every state transition.
type Observer interface {
	OnTransition(ev models.TransitionEvent)
}

// TranscriptSaver persists a finished transcript and returns the stored file name.
type TranscriptSaver interface {
	Save(ctx context.Context, t models.Transcript) (string, error)
}

// FinishedHook runs after a session's transcript has been flushed. The context is not tied
// to the session's cancellation.
type FinishedHook func(ctx context.Context, t models.Transcript, file string)

// SessionDeps are the collaborators a call session needs.
type SessionDeps struct {
	Dialer     telephony.Dialer
	LLM        genai.ClientInterface
	Tools      *ToolDispatcher
	Store      TranscriptSaver
	Observer   Observer
	OnFinished FinishedHook
}

func (d SessionDeps) validate() error {
	switch {
	case d.Dialer == nil:
		return fmt.Errorf("dialer is required")
	case d.LLM == nil:
		return fmt.Errorf("language model client is required")
	case d.Tools == nil:
		return fmt.Errorf("tool dispatcher is required")
	case d.Store == nil:
		return fmt.Errorf("transcript store is required")
	}
	return nil
}

// CallSession owns one outbound call from dial to transcript flush.
//
// Start dials; Run drives the rest of the call and returns once the transcript has been
// flushed. The conversation (model messages, the line) is only touched by the goroutine
// running Run; state and transcript are guarded by mu because the API reads them.
type CallSession struct {
	cfg  Config
	cc   models.CallContext
	deps SessionDeps

	mu         sync.Mutex
	state      models.CallState
	transcript models.Transcript
	endSummary string

	line      telephony.Line
	messages  []openai.ChatCompletionMessageParamUnion
	flushOnce sync.Once
	doneOnce  sync.Once
	done      chan struct{}
}

// NewCallSession creates a session in CREATED for the given context.
func NewCallSession(cfg Config, cc models.CallContext, deps SessionDeps) (*CallSession, error) {
	if err := cc.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &CallSession{
		cfg:        cfg,
		cc:         cc,
		deps:       deps,
		state:      models.StateCreated,
		transcript: models.NewTranscript(cc, cfg.Now()),
		done:       make(chan struct{}),
	}, nil
}

// CallID implements SessionHandle.
func (s *CallSession) CallID() string { return s.cc.CallID }

// State implements SessionHandle.
func (s *CallSession) State() models.CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session has reached a terminal state and finished its work.
func (s *CallSession) Done() <-chan struct{} { return s.done }

// Transcript returns a copy of the transcript so far.
func (s *CallSession) Transcript() models.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.Clone()
}

// Info returns a point-in-time view for the API.
func (s *CallSession) Info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SessionInfo{
		CallID:       s.cc.CallID,
		PhoneNumber:  s.cc.PhoneNumber,
		CustomerName: s.cc.CustomerName,
		State:        s.state,
		StartedAt:    s.transcript.StartedAt,
		Turns:        len(s.transcript.Turns),
	}
}

// RequestTransition implements SessionHandle. It is how tools end the conversation.
func (s *CallSession) RequestTransition(req TransitionRequest) error {
	if err := s.transition(req.To, req.Reason); err != nil {
		return err
	}
	if req.Summary != "" {
		s.mu.Lock()
		s.endSummary = req.Summary
		s.mu.Unlock()
	}
	return nil
}

// transition moves the session to a new state if the move is allowed.
func (s *CallSession) transition(to models.CallState, reason string) error {
	s.mu.Lock()
	from := s.state
	if !models.CanTransition(from, to) {
		s.mu.Unlock()
		slog.Warn("CallSession.transition: rejected", "callID", s.cc.CallID, "from", from, "to", to, "reason", reason)
		return fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	s.state = to
	s.mu.Unlock()

	if from != to {
		slog.Info("CallSession.transition: state changed", "callID", s.cc.CallID, "from", from, "to", to, "reason", reason)
	} else {
		slog.Debug("CallSession.transition: state unchanged", "callID", s.cc.CallID, "state", to, "reason", reason)
	}
	if s.deps.Observer != nil {
		s.deps.Observer.OnTransition(models.TransitionEvent{
			CallID: s.cc.CallID,
			From:   from,
			To:     to,
			Reason: reason,
			At:     s.cfg.Now(),
		})
	}
	return nil
}

// Start places the call. A rejected dial leaves the session FAILED with nothing persisted.
func (s *CallSession) Start(ctx context.Context) error {
	if err := s.transition(models.StateDialing, "dial requested"); err != nil {
		return err
	}

	if s.cc.TrunkID == "" {
		s.fail("no outbound trunk")
		return fmt.Errorf("%w: no outbound trunk configured", models.ErrDial)
	}

	line, err := s.deps.Dialer.Dial(ctx, telephony.DialRequest{
		CallID: s.cc.CallID,
		To:     s.cc.PhoneNumber,
		Trunk:  s.cc.TrunkID,
	})
	if err != nil {
		slog.Error("CallSession.Start: dial failed", "callID", s.cc.CallID, "to", s.cc.PhoneNumber, "trunk", s.cc.TrunkID, "error", err)
		s.fail("dial rejected")
		if !errors.Is(err, models.ErrDial) {
			err = fmt.Errorf("%w: %v", models.ErrDial, err)
		}
		return err
	}

	s.line = line
	s.mu.Lock()
	s.transcript.ProviderCallID = line.ProviderCallID()
	s.mu.Unlock()
	return nil
}

// fail ends a session that never got a line.
func (s *CallSession) fail(reason string) {
	_ = s.transition(models.StateFailed, reason)
	s.flushOnce.Do(func() {})
	s.markDone()
}

func (s *CallSession) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Run drives a started call to completion: answer wait, greeting, conversation, farewell,
// hangup and transcript flush. It returns the flushed transcript.
func (s *CallSession) Run(ctx context.Context) models.Transcript {
	defer s.markDone()
	if s.line == nil {
		slog.Error("CallSession.Run: session was not started", "callID", s.cc.CallID)
		return s.Transcript()
	}

	reason := s.converse(ctx)
	return s.finish(ctx, reason)
}

// converse runs the call until it ends and reports why it ended.
func (s *CallSession) converse(ctx context.Context) models.TerminalReason {
	answerCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	err := s.line.WaitAnswered(answerCtx)
	cancel()
	if err != nil {
		switch {
		case ctx.Err() != nil:
			slog.Warn("CallSession.converse: canceled while ringing", "callID", s.cc.CallID)
			return models.ReasonError
		case errors.Is(err, telephony.ErrNoAnswer), errors.Is(err, context.DeadlineExceeded):
			slog.Info("CallSession.converse: not answered", "callID", s.cc.CallID, "error", err)
			return models.ReasonNoAnswer
		default:
			slog.Error("CallSession.converse: answer wait failed", "callID", s.cc.CallID, "error", err)
			return models.ReasonError
		}
	}

	if err := s.transition(models.StateConnected, "answered"); err != nil {
		return models.ReasonError
	}

	// The greeting is the first turn, so CONVERSING is never reached with an empty transcript.
	s.messages = []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(SystemPrompt(s.cfg, s.cc, s.cfg.Now())),
	}
	if err := s.greet(ctx); err != nil {
		return s.reasonFor(ctx, err)
	}
	if err := s.transition(models.StateConversing, "greeted"); err != nil {
		return models.ReasonError
	}

	for {
		text, err := s.line.Listen(ctx, s.cfg.IdleTimeout)
		if err != nil {
			return s.reasonFor(ctx, err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		s.appendTurn(models.RoleCaller, text)
		s.messages = append(s.messages, openai.UserMessage(text))
		if err := s.transition(models.StateConversing, "caller turn"); err != nil {
			return models.ReasonError
		}

		ended, err := s.respond(ctx)
		if err != nil {
			return s.reasonFor(ctx, err)
		}
		if ended {
			return models.ReasonCompleted
		}
	}
}

// reasonFor maps an error from the conversation to a terminal reason.
func (s *CallSession) reasonFor(ctx context.Context, err error) models.TerminalReason {
	switch {
	case ctx.Err() != nil:
		slog.Warn("CallSession: shutting down mid-call", "callID", s.cc.CallID, "error", err)
		return models.ReasonError
	case errors.Is(err, telephony.ErrIdle):
		slog.Info("CallSession: caller idle", "callID", s.cc.CallID, "idleTimeout", s.cfg.IdleTimeout)
		return models.ReasonTimeout
	case errors.Is(err, telephony.ErrHungUp):
		slog.Info("CallSession: caller hung up", "callID", s.cc.CallID)
		return models.ReasonCompleted
	default:
		slog.Error("CallSession: unrecoverable error", "callID", s.cc.CallID, "error", err)
		return models.ReasonError
	}
}

// greet produces and speaks the opening utterance before any caller input is accepted.
func (s *CallSession) greet(ctx context.Context) error {
	msgs := append(append([]openai.ChatCompletionMessageParamUnion(nil), s.messages...),
		openai.SystemMessage(openingInstruction(s.cc)))
	resp, err := s.deps.LLM.GenerateWithTools(ctx, msgs, nil)
	if err != nil {
		return fmt.Errorf("greeting request failed: %w", err)
	}
	greeting := strings.TrimSpace(resp.Content)
	if greeting == "" {
		return fmt.Errorf("greeting request returned no content")
	}
	return s.speak(ctx, greeting)
}

// respond answers the latest caller turn, running tool calls for at most MaxToolRounds
// round trips. It reports whether the call is ending.
func (s *CallSession) respond(ctx context.Context) (bool, error) {
	defs := s.deps.Tools.Definitions()
	for round := 0; ; round++ {
		offered := defs
		if round >= s.cfg.MaxToolRounds {
			offered = nil
		}
		resp, err := s.deps.LLM.GenerateWithTools(ctx, s.messages, offered)
		if err != nil {
			return false, fmt.Errorf("model request failed: %w", err)
		}
		content := strings.TrimSpace(resp.Content)

		if len(resp.ToolCalls) == 0 || offered == nil {
			if content == "" {
				slog.Warn("CallSession.respond: model returned no content", "callID", s.cc.CallID)
				return false, nil
			}
			return false, s.speak(ctx, content)
		}

		s.messages = append(s.messages, assistantWithToolCalls(content, resp))
		for _, call := range resp.ToolCalls {
			record := s.deps.Tools.Dispatch(ctx, s.cc, s, call)
			s.mu.Lock()
			s.transcript.Actions = append(s.transcript.Actions, record)
			s.mu.Unlock()
			s.messages = append(s.messages, openai.ToolMessage(record.Result, call.ID))
		}

		if s.State() == models.StateEnding {
			if content == "" {
				content = s.closing(ctx)
			}
			return true, s.sayFarewell(ctx, content)
		}
		if content != "" {
			// Spoken alongside the tool calls; already part of the assistant message.
			s.appendTurn(models.RoleAgent, content)
			if err := s.line.Say(ctx, content); err != nil {
				return false, err
			}
		}
	}
}

// closing asks the model for a goodbye without tools, falling back to the configured farewell.
func (s *CallSession) closing(ctx context.Context) string {
	msgs := append(append([]openai.ChatCompletionMessageParamUnion(nil), s.messages...),
		openai.SystemMessage(closingInstruction))
	resp, err := s.deps.LLM.GenerateWithTools(ctx, msgs, nil)
	if err != nil {
		slog.Warn("CallSession.closing: farewell request failed, using default", "callID", s.cc.CallID, "error", err)
		return s.cfg.Farewell
	}
	if text := strings.TrimSpace(resp.Content); text != "" {
		return text
	}
	return s.cfg.Farewell
}

// sayFarewell records the closing utterance and queues it. The hangup in finish plays it
// out before disconnecting.
func (s *CallSession) sayFarewell(ctx context.Context, text string) error {
	s.appendTurn(models.RoleAgent, text)
	if err := s.line.Say(ctx, text); err != nil {
		slog.Warn("CallSession.sayFarewell: caller gone before farewell", "callID", s.cc.CallID, "error", err)
	}
	return nil
}

// speak appends an agent turn, adds it to the model conversation and queues it on the line.
func (s *CallSession) speak(ctx context.Context, text string) error {
	s.appendTurn(models.RoleAgent, text)
	s.messages = append(s.messages, openai.AssistantMessage(text))
	return s.line.Say(ctx, text)
}

func (s *CallSession) appendTurn(role models.Role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript.Turns = append(s.transcript.Turns, models.ConversationTurn{
		Role:      role,
		Text:      text,
		Timestamp: s.cfg.Now(),
	})
}

func assistantWithToolCalls(content string, resp *genai.ToolCallResponse) openai.ChatCompletionMessageParamUnion {
	var toolCalls []openai.ChatCompletionMessageToolCallParam
	for _, tc := range resp.ToolCalls {
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:   tc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Function.Name,
				Arguments: string(tc.Function.Arguments),
			},
		})
	}
	msg := openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
	if content != "" {
		msg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: param.NewOpt(content),
		}
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &msg}
}

// finish hangs up, flushes the transcript exactly once and moves to the terminal state.
// It runs on a context detached from the session's cancellation so shutdown still persists.
func (s *CallSession) finish(ctx context.Context, reason models.TerminalReason) models.Transcript {
	detached := context.WithoutCancel(ctx)
	fctx, cancel := context.WithTimeout(detached, s.cfg.HangupTimeout)
	defer cancel()

	// Once the conversation started every end goes through ENDING so the partial
	// transcript is flushed on the normal path; earlier ends fail outright.
	final := models.StateFailed
	switch s.State() {
	case models.StateConversing:
		if err := s.transition(models.StateEnding, string(reason)); err == nil {
			final = models.StateEnded
		}
	case models.StateEnding:
		final = models.StateEnded
	}

	if err := s.line.Hangup(fctx); err != nil {
		slog.Warn("CallSession.finish: hangup failed", "callID", s.cc.CallID, "error", err)
	}

	var (
		t    models.Transcript
		file string
	)
	s.flushOnce.Do(func() {
		s.mu.Lock()
		s.transcript.TerminalReason = reason
		s.transcript.EndedAt = s.cfg.Now()
		s.transcript.EndSummary = s.endSummary
		t = s.transcript.Clone()
		s.mu.Unlock()

		var err error
		file, err = s.deps.Store.Save(fctx, t)
		if err != nil {
			slog.Error("CallSession.finish: transcript flush failed", "callID", s.cc.CallID, "error", err)
			file = ""
			final = models.StateFailed
		}
	})

	_ = s.transition(final, string(reason))
	slog.Info("CallSession.finish: call finished", "callID", s.cc.CallID, "state", final, "reason", reason,
		"turns", len(t.Turns), "actions", len(t.Actions), "file", file)

	if s.deps.OnFinished != nil && file != "" {
		s.deps.OnFinished(detached, t, file)
	}
	return t
}
