// Package api exposes the CallPipe HTTP surface: call dispatch, transcript and analysis
// endpoints, the live session feed and the telephony webhooks.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/CallPipe/internal/models"
	"golang.org/x/time/rate"
)

// Default server configuration.
const (
	DefaultAddr          = ":8080"
	DefaultDispatchRate  = 1.0
	DefaultDispatchBurst = 5
	readHeaderTimeout    = 10 * time.Second
	shutdownTimeout      = 10 * time.Second
	// analysisTimeout bounds synchronous analysis requests.
	analysisTimeout = 2 * time.Minute
)

// CallDispatcher starts call sessions and reports the live ones.
type CallDispatcher interface {
	DispatchMetadata(ctx context.Context, md models.DispatchMetadata) (string, error)
	Active() []models.SessionInfo
}

// TranscriptReader lists and loads stored transcripts.
type TranscriptReader interface {
	List(ctx context.Context) iter.Seq2[models.TranscriptSummary, error]
	Load(ctx context.Context, key string) (models.Transcript, error)
}

// Analyzer runs post-call analysis.
type Analyzer interface {
	AnalyzeByName(ctx context.Context, key string) (models.AnalysisResult, error)
	AnalyzeAll(ctx context.Context) ([]models.BatchOutcome, error)
	Summary(ctx context.Context) (models.AnalysisSummary, error)
}

// WebhookRoutes mounts provider callbacks on the server mux.
type WebhookRoutes interface {
	RegisterRoutes(mux *http.ServeMux)
}

// RequestLog lists the complaints and reschedule requests recorded for a call.
type RequestLog interface {
	List(ctx context.Context, callID string) ([]models.CustomerRequest, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	DispatchRate  rate.Limit
	DispatchBurst int
	Webhooks      WebhookRoutes
	LiveFeed      http.Handler
	Requests      RequestLog
	Drain         func()
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithDispatchRate limits initiate-call requests per client to perSecond with the given burst.
// A non-positive rate disables the limit.
func WithDispatchRate(perSecond float64, burst int) Option {
	return func(o *Opts) {
		o.DispatchRate = rate.Limit(perSecond)
		o.DispatchBurst = burst
	}
}

// WithWebhooks mounts telephony provider webhooks.
func WithWebhooks(w WebhookRoutes) Option {
	return func(o *Opts) { o.Webhooks = w }
}

// WithLiveFeed serves the live session feed at /api/calls/live.
func WithLiveFeed(h http.Handler) Option {
	return func(o *Opts) { o.LiveFeed = h }
}

// WithRequestLog serves a call's customer requests at /api/calls/{call_id}/requests.
func WithRequestLog(l RequestLog) Option {
	return func(o *Opts) { o.Requests = l }
}

// WithDrain sets a hook Run calls after its context is canceled and before the listener
// closes. Live calls still reach the webhooks while it runs.
func WithDrain(drain func()) Option {
	return func(o *Opts) { o.Drain = drain }
}

// Server is the HTTP API.
type Server struct {
	dispatcher  CallDispatcher
	transcripts TranscriptReader
	analyzer    Analyzer
	limiter     *RateLimiter
	opts        Opts
	handler     http.Handler

	mu       sync.Mutex
	listener net.Addr
}

// NewServer creates an API server.
func NewServer(dispatcher CallDispatcher, transcripts TranscriptReader, analyzer Analyzer, opts ...Option) (*Server, error) {
	if dispatcher == nil || transcripts == nil || analyzer == nil {
		return nil, fmt.Errorf("dispatcher, transcript store and analyzer are required")
	}
	cfg := Opts{
		Addr:          DefaultAddr,
		DispatchRate:  rate.Limit(DefaultDispatchRate),
		DispatchBurst: DefaultDispatchBurst,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DispatchBurst <= 0 {
		cfg.DispatchBurst = DefaultDispatchBurst
	}
	if cfg.DispatchRate <= 0 {
		cfg.DispatchRate = rate.Inf
	}

	s := &Server{
		dispatcher:  dispatcher,
		transcripts: transcripts,
		analyzer:    analyzer,
		limiter:     NewRateLimiter(cfg.DispatchRate, cfg.DispatchBurst),
		opts:        cfg,
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/initiate-call", s.initiateCallHandler)
	mux.HandleFunc("/api/transcripts", s.listTranscriptsHandler)
	mux.HandleFunc("/api/transcripts/{filename}", s.getTranscriptHandler)
	mux.HandleFunc("/api/analyze/{filename}", s.analyzeHandler)
	mux.HandleFunc("/api/analyze-all", s.analyzeAllHandler)
	mux.HandleFunc("/api/analysis-summary", s.analysisSummaryHandler)
	mux.HandleFunc("/api/calls", s.listCallsHandler)
	if s.opts.Requests != nil {
		mux.HandleFunc("/api/calls/{call_id}/requests", s.callRequestsHandler)
	}
	if s.opts.LiveFeed != nil {
		mux.Handle("/api/calls/live", s.opts.LiveFeed)
	}
	mux.HandleFunc("/api/health", s.healthHandler)
	if s.opts.Webhooks != nil {
		s.opts.Webhooks.RegisterRoutes(mux)
	}
	return logRequests(mux)
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAddr returns the bound address while Run is serving, or nil.
func (s *Server) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

func (s *Server) setListenAddr(addr net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = addr
}

// Run serves until ctx is canceled, runs the drain hook, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("api server failed to listen on %s: %w", s.opts.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.setListenAddr(ln.Addr())
	defer s.setListenAddr(nil)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
	}

	if s.opts.Drain != nil {
		slog.Info("Server.Run: draining before shutdown")
		s.opts.Drain()
	}
	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown failed: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack passes the live feed's websocket upgrade through.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("Server: request handled", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}
