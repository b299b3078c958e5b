package telephony

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/CallPipe/internal/models"
)

func TestSimulator_Script(t *testing.T) {
	sim := NewSimulator(SimScript{Lines: []string{"hello", ""}, HangUpWhenDone: true})
	ctx := context.Background()

	line, err := sim.Dial(ctx, DialRequest{CallID: "c1", To: "+15550001234", Trunk: "trunk"})
	if err != nil {
		t.Fatalf("unexpected dial error: %v", err)
	}
	if err := line.WaitAnswered(ctx); err != nil {
		t.Fatalf("unexpected answer error: %v", err)
	}
	_ = line.Say(ctx, "greeting")

	if text, err := line.Listen(ctx, time.Second); err != nil || text != "hello" {
		t.Fatalf("expected first line, got %q / %v", text, err)
	}
	if _, err := line.Listen(ctx, time.Second); !errors.Is(err, ErrIdle) {
		t.Fatalf("expected silence as ErrIdle, got %v", err)
	}
	if _, err := line.Listen(ctx, time.Second); !errors.Is(err, ErrHungUp) {
		t.Fatalf("expected caller hangup, got %v", err)
	}
	if err := line.Say(ctx, "too late"); !errors.Is(err, ErrHungUp) {
		t.Errorf("expected say after hangup to fail, got %v", err)
	}

	sl := sim.Line("c1")
	if got := sl.Spoken(); len(got) != 1 || got[0] != "greeting" {
		t.Errorf("unexpected spoken text %v", got)
	}
}

func TestSimulator_Rejections(t *testing.T) {
	sim := NewSimulator(SimScript{})
	sim.Script("+15550000001", SimScript{RejectDial: true})
	sim.Script("+15550000002", SimScript{NoAnswer: true})
	sim.Script("+15550000003", SimScript{RingForever: true})
	ctx := context.Background()

	if _, err := sim.Dial(ctx, DialRequest{CallID: "a", To: "+15550000001", Trunk: "t"}); !errors.Is(err, models.ErrDial) {
		t.Errorf("expected ErrDial, got %v", err)
	}
	if _, err := sim.Dial(ctx, DialRequest{CallID: "b", To: "+15550000009"}); !errors.Is(err, models.ErrDial) {
		t.Errorf("expected missing trunk to fail, got %v", err)
	}

	line, _ := sim.Dial(ctx, DialRequest{CallID: "c", To: "+15550000002", Trunk: "t"})
	if err := line.WaitAnswered(ctx); !errors.Is(err, ErrNoAnswer) {
		t.Errorf("expected ErrNoAnswer, got %v", err)
	}

	line, _ = sim.Dial(ctx, DialRequest{CallID: "d", To: "+15550000003", Trunk: "t"})
	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := line.WaitAnswered(tctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestSimLine_HangupFlushesSpeech(t *testing.T) {
	sim := NewSimulator(SimScript{})
	ctx := context.Background()
	line, _ := sim.Dial(ctx, DialRequest{CallID: "c1", To: "+15550001234", Trunk: "t"})

	_ = line.Say(ctx, "goodbye")
	if err := line.Hangup(ctx); err != nil {
		t.Fatalf("unexpected hangup error: %v", err)
	}
	events := sim.Line("c1").Events()
	if len(events) != 2 || events[0].Kind != SimEventSay || events[1].Kind != SimEventHangup {
		t.Fatalf("expected say then hangup, got %+v", events)
	}
	select {
	case <-sim.Line("c1").Done():
	default:
		t.Error("expected line to be closed")
	}
	if err := line.Hangup(ctx); err != nil {
		t.Errorf("expected repeated hangup to be a no-op, got %v", err)
	}
}
