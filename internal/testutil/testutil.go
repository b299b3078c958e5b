// Package testutil provides common test utilities and helpers for CallPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/CallPipe/internal/analysis"
	"github.com/BTreeMap/CallPipe/internal/api"
	"github.com/BTreeMap/CallPipe/internal/flow"
	"github.com/BTreeMap/CallPipe/internal/genai"
	"github.com/BTreeMap/CallPipe/internal/monitor"
	"github.com/BTreeMap/CallPipe/internal/store"
	"github.com/BTreeMap/CallPipe/internal/telephony"
)

// TestTrunk is the default trunk of stacks built by NewTestStack.
const TestTrunk = "trunk-test"

// Stack is a complete in-process CallPipe: simulated telephony, a scripted model,
// file stores in a temp dir and the API server on top.
type Stack struct {
	Server     *api.Server
	Dispatcher *flow.Dispatcher
	Engine     *analysis.Engine
	Files      *store.FileStore
	ActionLog  store.ActionLog
	Sim        *telephony.Simulator
	LLM        *genai.MockClient
	Hub        *monitor.Hub
}

// NewTestStack builds a Stack. Callees follow script unless the test scripts a number
// on Sim. Extra API options are applied after the defaults.
func NewTestStack(t *testing.T, script telephony.SimScript, opts ...api.Option) *Stack {
	t.Helper()
	dir := t.TempDir()

	files, err := store.NewFileStore(store.WithDataDir(dir))
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}
	actionLog, err := store.NewActionLog(store.WithDataDir(dir))
	if err != nil {
		t.Fatalf("failed to create action log: %v", err)
	}
	t.Cleanup(func() { _ = actionLog.Close() })

	sim := telephony.NewSimulator(script)
	llm := genai.NewMockClient()
	hub := monitor.NewHub()
	t.Cleanup(hub.Close)

	cfg := flow.NewConfig(
		flow.WithDefaultTrunk(TestTrunk),
		flow.WithDialTimeout(time.Second),
		flow.WithIdleTimeout(time.Second),
		flow.WithHangupTimeout(time.Second),
	)

	ctx, cancel := context.WithCancel(context.Background())
	dispatcher, err := flow.NewDispatcher(ctx, cfg, flow.SessionDeps{
		Dialer:   sim,
		LLM:      llm,
		Tools:    flow.NewDefaultToolDispatcher(actionLog, cfg.Now),
		Store:    files,
		Observer: hub,
	})
	if err != nil {
		cancel()
		t.Fatalf("failed to create dispatcher: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		dispatcher.Wait()
	})

	engine, err := analysis.NewEngine(llm, files, files)
	if err != nil {
		t.Fatalf("failed to create analysis engine: %v", err)
	}

	serverOpts := append([]api.Option{api.WithLiveFeed(hub), api.WithRequestLog(actionLog)}, opts...)
	server, err := api.NewServer(dispatcher, files, engine, serverOpts...)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	return &Stack{
		Server:     server,
		Dispatcher: dispatcher,
		Engine:     engine,
		Files:      files,
		ActionLog:  actionLog,
		Sim:        sim,
		LLM:        llm,
		Hub:        hub,
	}
}

// Do serves req through the stack's handler.
func (s *Stack) Do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Server.Handler().ServeHTTP(rr, req)
	return rr
}

// TestingT is the subset of testing.TB the assertion helpers use.
type TestingT interface {
	Helper()
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TestingT, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TestingT, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	switch b := body.(type) {
	case nil:
		reqBody = bytes.NewBuffer(nil)
	case string:
		reqBody = bytes.NewBufferString(b)
	default:
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.RemoteAddr = "192.0.2.1:1234"
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
