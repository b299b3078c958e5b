// Package telephony places outbound calls and exposes each connected call as a Line.
//
// A Line carries text in both directions: the provider runs speech recognition on the
// caller's audio and speech synthesis on what the agent says. The Twilio implementation
// does this with <Gather input="speech"> and <Say>; the simulator plays back a script.
package telephony

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrHungUp is returned once the far end has disconnected.
	ErrHungUp = errors.New("line hung up")
	// ErrIdle is returned by Listen when the caller said nothing within the idle window.
	ErrIdle = errors.New("caller idle")
	// ErrNoAnswer is returned by WaitAnswered when the far end was busy, did not pick up,
	// or the attempt was canceled before answer.
	ErrNoAnswer = errors.New("no answer")
)

// DialRequest describes one outbound call attempt.
type DialRequest struct {
	CallID string
	To     string
	// Trunk is the provider-side origin of the call: a SIP trunk or caller number.
	Trunk string
}

// Dialer places outbound calls.
type Dialer interface {
	// Dial asks the provider to place the call. It returns once the provider has accepted
	// the request; a rejection is returned as an error wrapping models.ErrDial.
	Dial(ctx context.Context, req DialRequest) (Line, error)
}

// Line is one placed call.
type Line interface {
	// ProviderCallID is the provider's identifier for the call, if any.
	ProviderCallID() string
	// WaitAnswered blocks until the far end picks up.
	WaitAnswered(ctx context.Context) error
	// Say queues text to be spoken. Queued text is played before the next Listen or Hangup.
	Say(ctx context.Context, text string) error
	// Listen plays queued speech and returns the caller's next utterance.
	// It returns ErrIdle after idle of silence and ErrHungUp if the caller disconnects.
	Listen(ctx context.Context, idle time.Duration) (string, error)
	// Hangup plays queued speech, disconnects, and waits until the provider confirms the call is over.
	Hangup(ctx context.Context) error
}
