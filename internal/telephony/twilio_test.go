package telephony

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CallPipe/internal/models"
	"github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// fakeCallAPI implements callAPI for testing.
type fakeCallAPI struct {
	mu        sync.Mutex
	createErr error
	created   []*twilioApi.CreateCallParams
	updates   []string
}

func (f *fakeCallAPI) CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, params)
	sid := "CA123"
	return &twilioApi.ApiV2010Call{Sid: &sid}, nil
}

func (f *fakeCallAPI) UpdateCall(sid string, params *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if params.Status != nil {
		f.updates = append(f.updates, *params.Status)
	}
	return &twilioApi.ApiV2010Call{Sid: &sid}, nil
}

func (f *fakeCallAPI) statusUpdates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.updates...)
}

func newTestDialer(api callAPI, hold time.Duration) (*TwilioDialer, *http.ServeMux) {
	d := newTwilioDialer(api, TwilioOpts{PublicURL: "https://calls.example.com/", HoldTimeout: hold})
	mux := http.NewServeMux()
	d.RegisterRoutes(mux)
	return d, mux
}

func postWebhook(mux *http.ServeMux, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func asyncWebhook(mux *http.ServeMux, path string, form url.Values) <-chan string {
	out := make(chan string, 1)
	go func() {
		out <- postWebhook(mux, path, form).Body.String()
	}()
	return out
}

func TestTwilioDial_PlacesCall(t *testing.T) {
	api := &fakeCallAPI{}
	d, _ := newTestDialer(api, time.Second)

	line, err := d.Dial(context.Background(), DialRequest{CallID: "c1", To: "+15550001234", Trunk: "+15559990000"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if line.ProviderCallID() != "CA123" {
		t.Errorf("expected provider call id CA123, got %q", line.ProviderCallID())
	}
	if len(api.created) != 1 {
		t.Fatalf("expected one create call, got %d", len(api.created))
	}
	p := api.created[0]
	if *p.To != "+15550001234" || *p.From != "+15559990000" {
		t.Errorf("unexpected to/from: %s/%s", *p.To, *p.From)
	}
	if *p.Url != "https://calls.example.com/twilio/voice/c1" {
		t.Errorf("unexpected voice url %q", *p.Url)
	}
	if *p.StatusCallback != "https://calls.example.com/twilio/status/c1" {
		t.Errorf("unexpected status callback %q", *p.StatusCallback)
	}
}

func TestTwilioDial_Rejected(t *testing.T) {
	api := &fakeCallAPI{createErr: &client.TwilioRestError{Code: 21211, Message: "Invalid 'To' Phone Number"}}
	d, _ := newTestDialer(api, time.Second)

	_, err := d.Dial(context.Background(), DialRequest{CallID: "c1", To: "+15550001234", Trunk: "+15559990000"})
	if !errors.Is(err, models.ErrDial) {
		t.Fatalf("expected ErrDial, got %v", err)
	}
	if !strings.Contains(err.Error(), "21211") {
		t.Errorf("expected Twilio error code in message, got %v", err)
	}
	if d.line("c1") != nil {
		t.Error("expected rejected call to be unregistered")
	}
}

func TestTwilioDial_MissingTrunk(t *testing.T) {
	d, _ := newTestDialer(&fakeCallAPI{}, time.Second)
	if _, err := d.Dial(context.Background(), DialRequest{CallID: "c1", To: "+15550001234"}); !errors.Is(err, models.ErrDial) {
		t.Fatalf("expected ErrDial, got %v", err)
	}
}

func TestTwilioLine_Conversation(t *testing.T) {
	api := &fakeCallAPI{}
	d, mux := newTestDialer(api, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	line, err := d.Dial(ctx, DialRequest{CallID: "c1", To: "+15550001234", Trunk: "+15559990000"})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	voice := asyncWebhook(mux, "/twilio/voice/c1", url.Values{"CallSid": {"CA123"}})
	if err := line.WaitAnswered(ctx); err != nil {
		t.Fatalf("wait answered failed: %v", err)
	}

	if err := line.Say(ctx, "Hello, this is Joe."); err != nil {
		t.Fatalf("say failed: %v", err)
	}
	type listenResult struct {
		text string
		err  error
	}
	listened := make(chan listenResult, 1)
	go func() {
		text, err := line.Listen(ctx, 5*time.Second)
		listened <- listenResult{text, err}
	}()

	doc := <-voice
	if !strings.Contains(doc, "Hello, this is Joe.") || !strings.Contains(doc, "<Gather") {
		t.Fatalf("expected greeting and gather, got %s", doc)
	}
	if !strings.Contains(doc, "/twilio/gather/c1") {
		t.Errorf("expected gather action url, got %s", doc)
	}

	gather := asyncWebhook(mux, "/twilio/gather/c1", url.Values{"SpeechResult": {"I can pay on Friday"}})
	res := <-listened
	if res.err != nil || res.text != "I can pay on Friday" {
		t.Fatalf("unexpected listen result %q / %v", res.text, res.err)
	}

	if err := line.Say(ctx, "Thanks, goodbye."); err != nil {
		t.Fatalf("say failed: %v", err)
	}
	hungUp := make(chan error, 1)
	go func() { hungUp <- line.Hangup(ctx) }()

	doc = <-gather
	if !strings.Contains(doc, "Thanks, goodbye.") || !strings.Contains(doc, "<Hangup") {
		t.Fatalf("expected farewell followed by hangup, got %s", doc)
	}
	if strings.Index(doc, "Thanks, goodbye.") > strings.Index(doc, "<Hangup") {
		t.Errorf("farewell must precede hangup: %s", doc)
	}

	if rec := postWebhook(mux, "/twilio/status/c1", url.Values{"CallStatus": {"completed"}}); rec.Code != http.StatusNoContent {
		t.Errorf("expected 204 from status callback, got %d", rec.Code)
	}
	if err := <-hungUp; err != nil {
		t.Errorf("hangup failed: %v", err)
	}
	if len(api.statusUpdates()) != 0 {
		t.Errorf("expected hangup through TwiML, got REST updates %v", api.statusUpdates())
	}
}

func TestTwilioLine_EmptySpeechIsIdle(t *testing.T) {
	d, mux := newTestDialer(&fakeCallAPI{}, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	line, _ := d.Dial(ctx, DialRequest{CallID: "c1", To: "+15550001234", Trunk: "+15559990000"})
	voice := asyncWebhook(mux, "/twilio/voice/c1", url.Values{})
	_ = line.WaitAnswered(ctx)

	errCh := make(chan error, 1)
	go func() {
		_, err := line.Listen(ctx, time.Second)
		errCh <- err
	}()
	<-voice
	asyncWebhook(mux, "/twilio/gather/c1", url.Values{"SpeechResult": {""}})
	if err := <-errCh; !errors.Is(err, ErrIdle) {
		t.Fatalf("expected ErrIdle, got %v", err)
	}
}

func TestTwilioLine_NotAnswered(t *testing.T) {
	tests := []struct {
		status string
		want   error
	}{
		{status: "busy", want: ErrNoAnswer},
		{status: "no-answer", want: ErrNoAnswer},
		{status: "failed", want: models.ErrDial},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			d, mux := newTestDialer(&fakeCallAPI{}, time.Second)
			line, _ := d.Dial(context.Background(), DialRequest{CallID: "c1", To: "+15550001234", Trunk: "+15559990000"})
			postWebhook(mux, "/twilio/status/c1", url.Values{"CallStatus": {tt.status}})
			if err := line.WaitAnswered(context.Background()); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestTwilioLine_HoldTimeoutRedirects(t *testing.T) {
	d, mux := newTestDialer(&fakeCallAPI{}, 20*time.Millisecond)
	_, _ = d.Dial(context.Background(), DialRequest{CallID: "c1", To: "+15550001234", Trunk: "+15559990000"})

	doc := postWebhook(mux, "/twilio/voice/c1", url.Values{}).Body.String()
	if !strings.Contains(doc, "<Redirect") || !strings.Contains(doc, "/twilio/voice/c1") {
		t.Errorf("expected redirect back to voice webhook, got %s", doc)
	}
}

func TestTwilioLine_HangupWhileRinging(t *testing.T) {
	api := &fakeCallAPI{}
	d, mux := newTestDialer(api, time.Second)
	line, _ := d.Dial(context.Background(), DialRequest{CallID: "c1", To: "+15550001234", Trunk: "+15559990000"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- line.Hangup(ctx) }()

	deadline := time.After(time.Second)
	for len(api.statusUpdates()) == 0 {
		select {
		case <-deadline:
			t.Fatal("expected REST cancel of ringing call")
		case <-time.After(5 * time.Millisecond):
		}
	}
	postWebhook(mux, "/twilio/status/c1", url.Values{"CallStatus": {"canceled"}})
	if err := <-done; err != nil {
		t.Fatalf("hangup failed: %v", err)
	}
	if got := api.statusUpdates(); got[0] != "canceled" {
		t.Errorf("expected canceled update, got %v", got)
	}
}

func TestTwilioWebhook_UnknownCall(t *testing.T) {
	_, mux := newTestDialer(&fakeCallAPI{}, time.Second)
	doc := postWebhook(mux, "/twilio/voice/missing", url.Values{}).Body.String()
	if !strings.Contains(doc, "<Hangup/>") {
		t.Errorf("expected hangup for unknown call, got %s", doc)
	}
	req := httptest.NewRequest(http.MethodGet, "/twilio/voice/missing", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", rec.Code)
	}
}
