package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/CallPipe/internal/models"
	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
)

// Default Twilio settings.
const (
	// DefaultHoldTimeout is how long a webhook request is held open waiting for the agent.
	// Twilio gives up on a webhook after 15 seconds.
	DefaultHoldTimeout = 10 * time.Second
	// DefaultRingTimeout is the number of seconds Twilio lets the far end ring.
	DefaultRingTimeout = 45
	// listenGrace is added to the idle window before Listen stops waiting for Twilio's gather callback.
	listenGrace = 30 * time.Second
)

// Twilio call statuses reported to the status callback.
const (
	statusCompleted = "completed"
	statusBusy      = "busy"
	statusNoAnswer  = "no-answer"
	statusFailed    = "failed"
	statusCanceled  = "canceled"
)

const hangupTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response><Hangup/></Response>`

// callAPI is the subset of the Twilio REST API used to control calls.
type callAPI interface {
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
	UpdateCall(sid string, params *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error)
}

// TwilioOpts holds configuration options for the Twilio dialer.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	// PublicURL is the externally reachable base URL Twilio posts webhooks to.
	PublicURL          string
	HoldTimeout        time.Duration
	RingTimeout        int
	ValidateSignatures bool
}

// TwilioOption defines a configuration option for the Twilio dialer.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithPublicURL sets the base URL used for webhook callbacks.
func WithPublicURL(url string) TwilioOption {
	return func(o *TwilioOpts) { o.PublicURL = url }
}

// WithHoldTimeout sets how long webhook requests wait for the agent's next instruction.
func WithHoldTimeout(d time.Duration) TwilioOption {
	return func(o *TwilioOpts) { o.HoldTimeout = d }
}

// WithRingTimeout sets how many seconds the far end may ring.
func WithRingTimeout(seconds int) TwilioOption {
	return func(o *TwilioOpts) { o.RingTimeout = seconds }
}

// WithSignatureValidation enables X-Twilio-Signature checks on webhooks.
func WithSignatureValidation(enabled bool) TwilioOption {
	return func(o *TwilioOpts) { o.ValidateSignatures = enabled }
}

// TwilioDialer places calls through the Twilio Programmable Voice API and serves the
// webhooks Twilio uses to drive each call.
type TwilioDialer struct {
	api         callAPI
	publicURL   string
	holdTimeout time.Duration
	ringTimeout int
	validator   *client.RequestValidator

	mu    sync.Mutex
	lines map[string]*twilioLine
}

// NewTwilioDialer creates a dialer. Credentials fall back to TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN.
func NewTwilioDialer(opts ...TwilioOption) (*TwilioDialer, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	slog.Debug("Twilio dialer config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"publicURL", cfg.PublicURL)

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.PublicURL == "" {
		return nil, fmt.Errorf("public URL must be provided for Twilio webhooks")
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	d := newTwilioDialer(rest.Api, cfg)
	if cfg.ValidateSignatures {
		v := client.NewRequestValidator(cfg.AuthToken)
		d.validator = &v
	}
	return d, nil
}

func newTwilioDialer(api callAPI, cfg TwilioOpts) *TwilioDialer {
	if cfg.HoldTimeout <= 0 {
		cfg.HoldTimeout = DefaultHoldTimeout
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	return &TwilioDialer{
		api:         api,
		publicURL:   strings.TrimRight(cfg.PublicURL, "/"),
		holdTimeout: cfg.HoldTimeout,
		ringTimeout: cfg.RingTimeout,
		lines:       make(map[string]*twilioLine),
	}
}

// Dial implements Dialer.
func (d *TwilioDialer) Dial(ctx context.Context, req DialRequest) (Line, error) {
	if req.Trunk == "" {
		return nil, fmt.Errorf("%w: no outbound trunk configured", models.ErrDial)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDial, err)
	}

	line := newTwilioLine(d, req.CallID)
	d.mu.Lock()
	if _, exists := d.lines[req.CallID]; exists {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: call %s already in progress", models.ErrDial, req.CallID)
	}
	d.lines[req.CallID] = line
	d.mu.Unlock()

	params := &twilioApi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(req.Trunk)
	params.SetUrl(d.webhookURL("voice", req.CallID))
	params.SetMethod(http.MethodPost)
	params.SetStatusCallback(d.webhookURL("status", req.CallID))
	params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	params.SetStatusCallbackMethod(http.MethodPost)
	params.SetTimeout(d.ringTimeout)

	resp, err := d.api.CreateCall(params)
	if err != nil {
		d.remove(req.CallID)
		var restErr *client.TwilioRestError
		if errors.As(err, &restErr) {
			slog.Error("TwilioDialer.Dial: call rejected", "callID", req.CallID, "to", req.To, "code", restErr.Code, "error", restErr.Message)
			return nil, fmt.Errorf("%w: twilio error %d: %s", models.ErrDial, restErr.Code, restErr.Message)
		}
		slog.Error("TwilioDialer.Dial: create call failed", "callID", req.CallID, "to", req.To, "error", err)
		return nil, fmt.Errorf("%w: %v", models.ErrDial, err)
	}
	if resp != nil && resp.Sid != nil {
		line.setSID(*resp.Sid)
	}

	slog.Info("TwilioDialer.Dial: call placed", "callID", req.CallID, "to", req.To, "sid", line.ProviderCallID())
	return line, nil
}

// RegisterRoutes mounts the Twilio webhooks on mux.
func (d *TwilioDialer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/twilio/voice/{call_id}", d.voiceHandler)
	mux.HandleFunc("/twilio/gather/{call_id}", d.gatherHandler)
	mux.HandleFunc("/twilio/status/{call_id}", d.statusHandler)
}

func (d *TwilioDialer) webhookURL(kind, callID string) string {
	return d.publicURL + "/twilio/" + kind + "/" + callID
}

func (d *TwilioDialer) line(callID string) *twilioLine {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lines[callID]
}

func (d *TwilioDialer) remove(callID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lines, callID)
}

// authorize parses the form and checks the request signature when validation is enabled.
func (d *TwilioDialer) authorize(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	if err := r.ParseForm(); err != nil {
		slog.Warn("TwilioDialer.authorize: failed to parse form", "path", r.URL.Path, "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	if d.validator == nil {
		return true
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	if !d.validator.Validate(d.publicURL+r.URL.RequestURI(), params, r.Header.Get("X-Twilio-Signature")) {
		slog.Warn("TwilioDialer.authorize: invalid webhook signature", "path", r.URL.Path)
		w.WriteHeader(http.StatusForbidden)
		return false
	}
	return true
}

func (d *TwilioDialer) voiceHandler(w http.ResponseWriter, r *http.Request) {
	if !d.authorize(w, r) {
		return
	}
	callID := r.PathValue("call_id")
	line := d.line(callID)
	if line == nil {
		slog.Warn("TwilioDialer.voiceHandler: unknown call", "callID", callID)
		writeTwiML(w, hangupTwiML)
		return
	}
	line.markAnswered()
	writeTwiML(w, line.hold(r.Context()))
}

func (d *TwilioDialer) gatherHandler(w http.ResponseWriter, r *http.Request) {
	if !d.authorize(w, r) {
		return
	}
	callID := r.PathValue("call_id")
	line := d.line(callID)
	if line == nil {
		slog.Warn("TwilioDialer.gatherHandler: unknown call", "callID", callID)
		writeTwiML(w, hangupTwiML)
		return
	}
	speech := strings.TrimSpace(r.PostForm.Get("SpeechResult"))
	slog.Debug("TwilioDialer.gatherHandler: speech received", "callID", callID, "length", len(speech), "confidence", r.PostForm.Get("Confidence"))
	line.deliverUtterance(speech)
	writeTwiML(w, line.hold(r.Context()))
}

func (d *TwilioDialer) statusHandler(w http.ResponseWriter, r *http.Request) {
	if !d.authorize(w, r) {
		return
	}
	callID := r.PathValue("call_id")
	status := r.PostForm.Get("CallStatus")
	slog.Debug("TwilioDialer.statusHandler: status callback", "callID", callID, "status", status)

	if line := d.line(callID); line != nil {
		switch status {
		case "in-progress":
			line.markAnswered()
		case statusCompleted, statusBusy, statusNoAnswer, statusFailed, statusCanceled:
			line.close(status)
			d.remove(callID)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeTwiML(w http.ResponseWriter, doc string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(doc)); err != nil {
		slog.Error("TwilioDialer.writeTwiML: failed to write response", "error", err)
	}
}

func renderTwiML(verbs []twiml.Element) string {
	doc, err := twiml.Voice(verbs)
	if err != nil {
		slog.Error("TwilioDialer.renderTwiML: failed to render TwiML", "error", err)
		return hangupTwiML
	}
	return doc
}

// twilioLine is a call driven by Twilio webhooks. Each webhook request is held open until the
// session hands it the next TwiML document, which is how Say, Listen and Hangup reach the call.
type twilioLine struct {
	dialer *TwilioDialer
	callID string

	mu      sync.Mutex
	sid     string
	pending []string
	status  string

	answered     chan struct{}
	answeredOnce sync.Once
	closed       chan struct{}
	closeOnce    sync.Once

	utterances chan string
	waiters    chan chan string
}

func newTwilioLine(d *TwilioDialer, callID string) *twilioLine {
	return &twilioLine{
		dialer:     d,
		callID:     callID,
		answered:   make(chan struct{}),
		closed:     make(chan struct{}),
		utterances: make(chan string, 1),
		waiters:    make(chan chan string, 1),
	}
}

func (l *twilioLine) setSID(sid string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sid = sid
}

// ProviderCallID implements Line.
func (l *twilioLine) ProviderCallID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sid
}

func (l *twilioLine) markAnswered() {
	l.answeredOnce.Do(func() { close(l.answered) })
}

func (l *twilioLine) isAnswered() bool {
	select {
	case <-l.answered:
		return true
	default:
		return false
	}
}

func (l *twilioLine) close(status string) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.status = status
		l.mu.Unlock()
		close(l.closed)
	})
}

func (l *twilioLine) closeStatus() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// deliverUtterance hands a gather result to Listen, replacing any unread one.
func (l *twilioLine) deliverUtterance(text string) {
	select {
	case l.utterances <- text:
	default:
		select {
		case <-l.utterances:
		default:
		}
		l.utterances <- text
	}
}

// hold parks a webhook request until the session supplies TwiML. If the session is not ready in
// time, Twilio is told to pause and come back so the call stays up.
func (l *twilioLine) hold(ctx context.Context) string {
	reply := make(chan string, 1)
	select {
	case l.waiters <- reply:
	default:
		slog.Warn("twilioLine.hold: webhook already waiting, redirecting", "callID", l.callID)
		return l.redirectTwiML()
	}

	timer := time.NewTimer(l.dialer.holdTimeout)
	defer timer.Stop()

	select {
	case doc := <-reply:
		return doc
	case <-l.closed:
		return hangupTwiML
	case <-timer.C:
	case <-ctx.Done():
	}

	// Withdraw the waiter unless the session already claimed it.
	select {
	case w := <-l.waiters:
		if w == reply {
			return l.redirectTwiML()
		}
		select {
		case l.waiters <- w:
		case <-l.closed:
		}
	default:
	}
	select {
	case doc := <-reply:
		return doc
	case <-l.closed:
		return hangupTwiML
	}
}

func (l *twilioLine) redirectTwiML() string {
	return renderTwiML([]twiml.Element{
		&twiml.VoicePause{Length: "1"},
		&twiml.VoiceRedirect{Url: l.dialer.webhookURL("voice", l.callID), Method: http.MethodPost},
	})
}

// send hands doc to the parked webhook request.
func (l *twilioLine) send(ctx context.Context, doc string) error {
	select {
	case w := <-l.waiters:
		w <- doc
		return nil
	case <-l.closed:
		return ErrHungUp
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *twilioLine) takePending() []twiml.Element {
	l.mu.Lock()
	defer l.mu.Unlock()
	verbs := make([]twiml.Element, 0, len(l.pending)+1)
	for _, text := range l.pending {
		verbs = append(verbs, &twiml.VoiceSay{Message: text})
	}
	l.pending = nil
	return verbs
}

// WaitAnswered implements Line.
func (l *twilioLine) WaitAnswered(ctx context.Context) error {
	select {
	case <-l.answered:
		return nil
	case <-l.closed:
		if l.isAnswered() {
			return nil
		}
		switch status := l.closeStatus(); status {
		case statusFailed:
			return fmt.Errorf("%w: call failed before answer", models.ErrDial)
		default:
			return fmt.Errorf("%w: call ended with status %q", ErrNoAnswer, status)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Say implements Line.
func (l *twilioLine) Say(ctx context.Context, text string) error {
	select {
	case <-l.closed:
		return ErrHungUp
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, text)
	return nil
}

// Listen implements Line.
func (l *twilioLine) Listen(ctx context.Context, idle time.Duration) (string, error) {
	seconds := int(idle.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	// Discard any result left over from a previous gather.
	select {
	case <-l.utterances:
	default:
	}

	verbs := l.takePending()
	verbs = append(verbs, &twiml.VoiceGather{
		Action:              l.dialer.webhookURL("gather", l.callID),
		ActionOnEmptyResult: "true",
		Input:               "speech",
		Method:              http.MethodPost,
		Timeout:             strconv.Itoa(seconds),
		SpeechTimeout:       "auto",
	})
	if err := l.send(ctx, renderTwiML(verbs)); err != nil {
		return "", err
	}

	timer := time.NewTimer(idle + listenGrace)
	defer timer.Stop()
	select {
	case text := <-l.utterances:
		if text == "" {
			return "", ErrIdle
		}
		return text, nil
	case <-l.closed:
		return "", ErrHungUp
	case <-timer.C:
		return "", ErrIdle
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Hangup implements Line.
func (l *twilioLine) Hangup(ctx context.Context) error {
	defer l.dialer.remove(l.callID)

	select {
	case <-l.closed:
		return nil
	default:
	}

	if l.isAnswered() {
		verbs := append(l.takePending(), &twiml.VoiceHangup{})
		doc := renderTwiML(verbs)

		timer := time.NewTimer(l.dialer.holdTimeout)
		defer timer.Stop()
		select {
		case w := <-l.waiters:
			w <- doc
		case <-l.closed:
			return nil
		case <-timer.C:
			slog.Warn("twilioLine.Hangup: no pending webhook, ending call through REST", "callID", l.callID)
			if err := l.updateStatus(statusCompleted); err != nil {
				return err
			}
		case <-ctx.Done():
			return l.updateStatus(statusCompleted)
		}
	} else {
		if err := l.updateStatus(statusCanceled); err != nil {
			// The far end may have answered in the meantime.
			if err := l.updateStatus(statusCompleted); err != nil {
				return err
			}
		}
	}

	select {
	case <-l.closed:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for call %s to close: %w", l.callID, ctx.Err())
	}
}

func (l *twilioLine) updateStatus(status string) error {
	sid := l.ProviderCallID()
	if sid == "" {
		l.close(status)
		return nil
	}
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus(status)
	if _, err := l.dialer.api.UpdateCall(sid, params); err != nil {
		slog.Error("twilioLine.updateStatus: update call failed", "callID", l.callID, "sid", sid, "status", status, "error", err)
		return fmt.Errorf("failed to set call %s to %s: %w", sid, status, err)
	}
	slog.Debug("twilioLine.updateStatus: call updated", "callID", l.callID, "sid", sid, "status", status)
	return nil
}
