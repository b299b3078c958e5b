package monitor

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CallPipe/internal/models"
	"github.com/gorilla/websocket"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) models.TransitionEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev models.TransitionEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return ev
}

func TestHubReplaysBacklogThenStreams(t *testing.T) {
	h := NewHub(WithBacklog(2))
	srv := httptest.NewServer(h)
	defer srv.Close()

	h.OnTransition(models.TransitionEvent{CallID: "c1", From: models.StateCreated, To: models.StateDialing})
	h.OnTransition(models.TransitionEvent{CallID: "c1", From: models.StateDialing, To: models.StateConnected})
	h.OnTransition(models.TransitionEvent{CallID: "c1", From: models.StateConnected, To: models.StateConversing})

	conn := dial(t, srv)
	if ev := readEvent(t, conn); ev.To != models.StateConnected {
		t.Errorf("first backlog event = %+v", ev)
	}
	if ev := readEvent(t, conn); ev.To != models.StateConversing {
		t.Errorf("second backlog event = %+v", ev)
	}

	waitForClients(t, h, 1)
	h.OnTransition(models.TransitionEvent{CallID: "c1", From: models.StateConversing, To: models.StateEnding, Reason: "end_call"})
	if ev := readEvent(t, conn); ev.To != models.StateEnding || ev.Reason != "end_call" {
		t.Errorf("live event = %+v", ev)
	}
}

func TestHubRemovesDisconnectedClients(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv)
	waitForClients(t, h, 1)
	_ = conn.Close()
	waitForClients(t, h, 0)

	h.OnTransition(models.TransitionEvent{CallID: "c2", To: models.StateDialing})
	if got := len(h.Recent()); got != 1 {
		t.Errorf("recent = %d, want 1", got)
	}
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	h := NewHub(WithBacklog(0), WithSendBuffer(1))
	c := &client{id: "slow", send: make(chan []byte, 1)}
	h.clients[c] = struct{}{}

	h.OnTransition(models.TransitionEvent{CallID: "c3", To: models.StateDialing})
	h.OnTransition(models.TransitionEvent{CallID: "c3", To: models.StateConnected})

	if h.Clients() != 0 {
		t.Fatal("slow subscriber kept")
	}
	<-c.send
	if _, ok := <-c.send; ok {
		t.Error("send channel not closed")
	}
}

func TestHubClose(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv)
	waitForClients(t, h, 1)
	h.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to close")
	}
}
