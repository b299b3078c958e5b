package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/CallPipe/internal/telephony"
)

type mockTestingT struct {
	failed   bool
	errorMsg string
}

func (m *mockTestingT) Helper() {}

func (m *mockTestingT) Errorf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func (m *mockTestingT) Error(args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprint(args...)
}

func (m *mockTestingT) Fatalf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func TestNewTestStack(t *testing.T) {
	s := NewTestStack(t, telephony.SimScript{})
	if s.Server == nil || s.Dispatcher == nil || s.Engine == nil {
		t.Fatal("stack is incomplete")
	}
	rr := s.Do(CreateHTTPRequest(t, http.MethodGet, "/api/health", nil))
	AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
}

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{"matching status codes", 200, 200, false},
		{"different status codes", 200, 404, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			AssertHTTPStatus(mockT, tt.expected, tt.actual, "test context")
			if mockT.failed != tt.shouldFail {
				t.Errorf("failed = %v, want %v", mockT.failed, tt.shouldFail)
			}
		})
	}
}

func TestAssertJSONResponse(t *testing.T) {
	tests := []struct {
		name           string
		jsonBody       string
		expectedStatus string
		shouldFail     bool
	}{
		{"valid JSON with matching status", `{"status":"ok","result":"test"}`, "ok", false},
		{"valid JSON with different status", `{"status":"error"}`, "ok", true},
		{"invalid JSON", `{"status":}`, "ok", true},
		{"missing status field", `{"result":"test"}`, "ok", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			rr := httptest.NewRecorder()
			rr.Body.WriteString(tt.jsonBody)

			response := AssertJSONResponse(mockT, rr, tt.expectedStatus)
			if mockT.failed != tt.shouldFail {
				t.Errorf("failed = %v, want %v (%s)", mockT.failed, tt.shouldFail, mockT.errorMsg)
			}
			if !tt.shouldFail && response == nil {
				t.Error("expected response map to be returned")
			}
		})
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/api/initiate-call", map[string]string{"phone_number": "+15550001234"})
	if req.Method != http.MethodPost || req.URL.Path != "/api/initiate-call" {
		t.Errorf("request = %s %s", req.Method, req.URL.Path)
	}
	var body map[string]string
	buf := make([]byte, req.ContentLength)
	if _, err := req.Body.Read(buf); err != nil {
		t.Fatalf("read body: %v", err)
	}
	MustUnmarshalJSON(t, buf, &body)
	if body["phone_number"] != "+15550001234" {
		t.Errorf("body = %v", body)
	}

	raw := CreateHTTPRequest(t, http.MethodPost, "/x", `{not json`)
	if raw.ContentLength != int64(len(`{not json`)) {
		t.Errorf("raw body length = %d", raw.ContentLength)
	}
}
