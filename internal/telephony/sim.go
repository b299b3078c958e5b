package telephony

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CallPipe/internal/models"
)

// SimScript describes how a simulated callee behaves.
type SimScript struct {
	// RejectDial makes Dial fail as a provider rejection.
	RejectDial bool
	// NoAnswer makes WaitAnswered report busy/no-answer.
	NoAnswer bool
	// RingForever makes WaitAnswered block until its context ends.
	RingForever bool
	// Lines are the caller's utterances in order. An empty string is a silent gather.
	Lines []string
	// HangUpWhenDone makes the caller disconnect once Lines run out; otherwise they stay silent.
	HangUpWhenDone bool
	// Pace is an optional delay before each caller utterance.
	Pace time.Duration
}

// DemoScript is the caller used by the simulate mode.
var DemoScript = SimScript{
	Lines: []string{
		"Hello?",
		"Yes, speaking.",
		"I know it's late. I can pay next Friday after payday.",
		"That works. Thanks, bye.",
	},
	HangUpWhenDone: true,
	Pace:           time.Second,
}

// Simulator is an in-process Dialer that plays back scripted callees.
type Simulator struct {
	mu       sync.Mutex
	fallback SimScript
	scripts  map[string]SimScript
	lines    map[string]*SimLine
	seq      int
}

// NewSimulator creates a simulator whose callees follow fallback unless a number has its own script.
func NewSimulator(fallback SimScript) *Simulator {
	return &Simulator{
		fallback: fallback,
		scripts:  make(map[string]SimScript),
		lines:    make(map[string]*SimLine),
	}
}

// Script sets the behavior of the callee at phone.
func (s *Simulator) Script(phone string, script SimScript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[phone] = script
}

// Line returns the simulated line placed for callID, if any.
func (s *Simulator) Line(callID string) *SimLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines[callID]
}

// Dial implements Dialer.
func (s *Simulator) Dial(ctx context.Context, req DialRequest) (Line, error) {
	if req.Trunk == "" {
		return nil, fmt.Errorf("%w: no outbound trunk configured", models.ErrDial)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	script, ok := s.scripts[req.To]
	if !ok {
		script = s.fallback
	}
	if script.RejectDial {
		return nil, fmt.Errorf("%w: simulated provider rejected %s", models.ErrDial, req.To)
	}
	s.seq++
	line := &SimLine{
		id:     fmt.Sprintf("SIM%04d", s.seq),
		script: script,
		lines:  append([]string(nil), script.Lines...),
		closed: make(chan struct{}),
	}
	s.lines[req.CallID] = line
	slog.Info("Simulator.Dial: call placed", "callID", req.CallID, "to", req.To, "sid", line.id)
	return line, nil
}

// SimEventKind names what happened on a simulated line.
type SimEventKind string

const (
	SimEventSay    SimEventKind = "say"
	SimEventListen SimEventKind = "listen"
	SimEventHangup SimEventKind = "hangup"
)

// SimEvent is one recorded interaction on a simulated line.
type SimEvent struct {
	Kind SimEventKind
	Text string
}

// SimLine is a scripted Line. It records every interaction for inspection.
type SimLine struct {
	id     string
	script SimScript

	mu      sync.Mutex
	lines   []string
	events  []SimEvent
	pending []string
	hungUp  bool

	closed    chan struct{}
	closeOnce sync.Once
}

// ProviderCallID implements Line.
func (l *SimLine) ProviderCallID() string { return l.id }

// WaitAnswered implements Line.
func (l *SimLine) WaitAnswered(ctx context.Context) error {
	switch {
	case l.script.RingForever:
		<-ctx.Done()
		return ctx.Err()
	case l.script.NoAnswer:
		l.disconnect()
		return fmt.Errorf("%w: simulated callee did not pick up", ErrNoAnswer)
	}
	return nil
}

// Say implements Line.
func (l *SimLine) Say(ctx context.Context, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hungUp {
		return ErrHungUp
	}
	l.pending = append(l.pending, text)
	return nil
}

// flush plays queued speech. Callers hold l.mu.
func (l *SimLine) flush() {
	for _, text := range l.pending {
		l.events = append(l.events, SimEvent{Kind: SimEventSay, Text: text})
	}
	l.pending = nil
}

// Listen implements Line.
func (l *SimLine) Listen(ctx context.Context, idle time.Duration) (string, error) {
	l.mu.Lock()
	if l.hungUp {
		l.mu.Unlock()
		return "", ErrHungUp
	}
	l.flush()
	l.events = append(l.events, SimEvent{Kind: SimEventListen})
	l.mu.Unlock()

	if l.script.Pace > 0 {
		select {
		case <-time.After(l.script.Pace):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.lines) == 0 {
		if l.script.HangUpWhenDone {
			l.hungUp = true
			l.disconnect()
			return "", ErrHungUp
		}
		return "", ErrIdle
	}
	next := l.lines[0]
	l.lines = l.lines[1:]
	if next == "" {
		return "", ErrIdle
	}
	return next, nil
}

// Hangup implements Line.
func (l *SimLine) Hangup(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hungUp {
		l.pending = nil
		return nil
	}
	l.flush()
	l.hungUp = true
	l.events = append(l.events, SimEvent{Kind: SimEventHangup})
	l.disconnect()
	return nil
}

func (l *SimLine) disconnect() {
	l.closeOnce.Do(func() { close(l.closed) })
}

// Done is closed once the simulated call is over.
func (l *SimLine) Done() <-chan struct{} { return l.closed }

// Events returns the interactions recorded so far.
func (l *SimLine) Events() []SimEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]SimEvent(nil), l.events...)
}

// Spoken returns everything the agent said, in order.
func (l *SimLine) Spoken() []string {
	var out []string
	for _, e := range l.Events() {
		if e.Kind == SimEventSay {
			out = append(out, e.Text)
		}
	}
	return out
}
