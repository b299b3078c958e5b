package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/CallPipe/internal/analysis"
	"github.com/BTreeMap/CallPipe/internal/api"
	"github.com/BTreeMap/CallPipe/internal/flow"
	"github.com/BTreeMap/CallPipe/internal/genai"
	"github.com/BTreeMap/CallPipe/internal/lockfile"
	"github.com/BTreeMap/CallPipe/internal/models"
	"github.com/BTreeMap/CallPipe/internal/monitor"
	"github.com/BTreeMap/CallPipe/internal/store"
	"github.com/BTreeMap/CallPipe/internal/telephony"
	"github.com/BTreeMap/CallPipe/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	DefaultLogLevel = "info"
	// autoAnalyzeTimeout bounds the analysis run after each finished call.
	autoAnalyzeTimeout = 2 * time.Minute
)

// envFiles are loaded in order; variables already set are never overwritten.
var envFiles = []string{".env.local", ".env"}

func main() {
	loaded := loadDotEnv()
	config := loadEnvironmentConfig()

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	initializeLogger(os.Stderr, flags.LogLevel)
	slog.Debug("environment files loaded", "files", loaded)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flags, os.Stdout); err != nil {
		slog.Error("CallPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CallPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	LogLevel string

	APIAddr       string
	DispatchRate  float64
	DispatchBurst int

	DataDir      string
	ActionLogDSN string

	OpenAIKey     string
	OpenAIModel   string
	OpenAIBaseURL string

	TwilioAccountSID   string
	TwilioAuthToken    string
	PublicURL          string
	ValidateSignatures bool
	TrunkID            string

	AgentName     string
	OrgName       string
	DialTimeout   time.Duration
	IdleTimeout   time.Duration
	HangupTimeout time.Duration

	AutoAnalyze bool
	Simulate    bool
}

// Flags holds the effective configuration after command line overrides, plus the run mode.
type Flags struct {
	Config
	// Dispatch is a metadata payload to call once instead of serving.
	Dispatch string
	// Analyze is a transcript name, call id, or "all".
	Analyze string
}

func loadDotEnv() []string {
	var loaded []string
	for _, f := range envFiles {
		if err := godotenv.Load(f); err == nil {
			loaded = append(loaded, f)
		}
	}
	return loaded
}

// loadEnvironmentConfig reads configuration from environment variables, applying defaults.
func loadEnvironmentConfig() Config {
	config := Config{
		LogLevel:      os.Getenv("LOG_LEVEL"),
		APIAddr:       os.Getenv("API_ADDR"),
		DispatchRate:  util.ParseFloatEnv("DISPATCH_RATE", api.DefaultDispatchRate),
		DispatchBurst: util.ParseIntEnv("DISPATCH_BURST", api.DefaultDispatchBurst),

		DataDir:      os.Getenv("CALLPIPE_DATA_DIR"),
		ActionLogDSN: os.Getenv("ACTION_LOG_DSN"),

		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   os.Getenv("OPENAI_MODEL"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),

		TwilioAccountSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:    os.Getenv("TWILIO_AUTH_TOKEN"),
		PublicURL:          os.Getenv("PUBLIC_URL"),
		ValidateSignatures: util.ParseBoolEnv("TWILIO_VALIDATE_SIGNATURES", true),
		TrunkID:            os.Getenv("TRUNK_ID"),

		AgentName:     os.Getenv("AGENT_NAME"),
		OrgName:       os.Getenv("ORG_NAME"),
		DialTimeout:   util.ParseDurationEnv("DIAL_TIMEOUT", flow.DefaultDialTimeout),
		IdleTimeout:   util.ParseDurationEnv("IDLE_TIMEOUT", flow.DefaultIdleTimeout),
		HangupTimeout: util.ParseDurationEnv("HANGUP_TIMEOUT", flow.DefaultHangupTimeout),

		AutoAnalyze: util.ParseBoolEnv("AUTO_ANALYZE", true),
		Simulate:    util.ParseBoolEnv("CALLPIPE_SIMULATE", false),
	}

	if config.LogLevel == "" {
		config.LogLevel = DefaultLogLevel
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	if config.DataDir == "" {
		config.DataDir = store.DefaultDataDir
	}
	return config
}

// parseCommandLineFlags applies command line overrides on top of the environment config.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	f := Flags{Config: config}

	fs.StringVar(&f.LogLevel, "log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)")
	fs.StringVar(&f.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.Float64Var(&f.DispatchRate, "dispatch-rate", config.DispatchRate, "initiate-call requests per second per client, 0 disables (overrides $DISPATCH_RATE)")
	fs.IntVar(&f.DispatchBurst, "dispatch-burst", config.DispatchBurst, "initiate-call burst per client (overrides $DISPATCH_BURST)")
	fs.StringVar(&f.DataDir, "data-dir", config.DataDir, "directory for transcripts, predictions and the action log (overrides $CALLPIPE_DATA_DIR)")
	fs.StringVar(&f.ActionLogDSN, "action-log-dsn", config.ActionLogDSN, "SQLite path or PostgreSQL DSN for the action log (overrides $ACTION_LOG_DSN)")
	fs.StringVar(&f.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&f.OpenAIModel, "openai-model", config.OpenAIModel, "chat model (overrides $OPENAI_MODEL)")
	fs.StringVar(&f.OpenAIBaseURL, "openai-base-url", config.OpenAIBaseURL, "OpenAI-compatible endpoint (overrides $OPENAI_BASE_URL)")
	fs.StringVar(&f.TwilioAccountSID, "twilio-account-sid", config.TwilioAccountSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)")
	fs.StringVar(&f.TwilioAuthToken, "twilio-auth-token", config.TwilioAuthToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)")
	fs.StringVar(&f.PublicURL, "public-url", config.PublicURL, "public base URL Twilio reaches the webhooks on (overrides $PUBLIC_URL)")
	fs.BoolVar(&f.ValidateSignatures, "validate-signatures", config.ValidateSignatures, "reject webhooks without a valid Twilio signature (overrides $TWILIO_VALIDATE_SIGNATURES)")
	fs.StringVar(&f.TrunkID, "trunk-id", config.TrunkID, "caller id used when dispatch metadata names no trunk (overrides $TRUNK_ID)")
	fs.StringVar(&f.AgentName, "agent-name", config.AgentName, "name the agent introduces itself with (overrides $AGENT_NAME)")
	fs.StringVar(&f.OrgName, "org-name", config.OrgName, "organization the agent calls for (overrides $ORG_NAME)")
	fs.DurationVar(&f.DialTimeout, "dial-timeout", config.DialTimeout, "how long the callee may ring (overrides $DIAL_TIMEOUT)")
	fs.DurationVar(&f.IdleTimeout, "idle-timeout", config.IdleTimeout, "caller silence that ends the call (overrides $IDLE_TIMEOUT)")
	fs.DurationVar(&f.HangupTimeout, "hangup-timeout", config.HangupTimeout, "bound on farewell, hangup and flush (overrides $HANGUP_TIMEOUT)")
	fs.BoolVar(&f.AutoAnalyze, "auto-analyze", config.AutoAnalyze, "analyze each transcript when its call ends (overrides $AUTO_ANALYZE)")
	fs.BoolVar(&f.Simulate, "simulate", config.Simulate, "use the scripted simulator instead of Twilio (overrides $CALLPIPE_SIMULATE)")
	fs.StringVar(&f.Dispatch, "dispatch", "", "place one call with this metadata JSON, wait for it to end, then exit")
	fs.StringVar(&f.Analyze, "analyze", "", "analyze a transcript (file name or call id, or \"all\"), print JSON, then exit")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	if f.Dispatch != "" && f.Analyze != "" {
		return Flags{}, fmt.Errorf("-dispatch and -analyze are mutually exclusive")
	}
	if _, err := parseLogLevel(f.LogLevel); err != nil {
		return Flags{}, err
	}
	return f, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// initializeLogger installs the default structured logger at the configured level
func initializeLogger(w io.Writer, levelName string) {
	level, err := parseLogLevel(levelName)
	if err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

func (f Flags) mode() string {
	switch {
	case f.Analyze != "":
		return "analyze"
	case f.Dispatch != "":
		return "dispatch"
	default:
		return "serve " + f.APIAddr
	}
}

// app is the wired service graph.
type app struct {
	files      *store.FileStore
	actionLog  store.ActionLog
	hub        *monitor.Hub
	engine     *analysis.Engine
	dispatcher *flow.Dispatcher
	server     *api.Server
	// webhooks is set when the telephony backend needs the HTTP server to reach sessions.
	webhooks api.WebhookRoutes
}

func (a *app) Close() {
	a.hub.Close()
	if err := a.actionLog.Close(); err != nil {
		slog.Warn("app.Close: failed to close action log", "error", err)
	}
}

func run(ctx context.Context, flags Flags, out io.Writer) error {
	lock, err := lockfile.AcquireLock(flags.DataDir, flags.mode())
	if err != nil {
		return err
	}
	defer lock.Release()

	llm, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to create model client: %w", err)
	}

	if flags.Analyze != "" {
		files, err := store.NewFileStore(buildStoreOptions(flags)...)
		if err != nil {
			return fmt.Errorf("failed to open transcript store: %w", err)
		}
		engine, err := analysis.NewEngine(llm, files, files)
		if err != nil {
			return err
		}
		return runAnalyze(ctx, engine, flags.Analyze, out)
	}

	// Sessions outlive the signal context. On shutdown the server's drain hook cancels them
	// and waits for their flush while the webhooks are still being served.
	sessionCtx, cancelSessions := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSessions()

	a, err := buildApp(sessionCtx, cancelSessions, flags, llm)
	if err != nil {
		return err
	}
	defer a.Close()

	if flags.Dispatch != "" {
		stop := serveWebhooks(ctx, a, cancelSessions)
		defer stop()
		return runDispatch(ctx, a, flags.Dispatch, cancelSessions, out)
	}

	slog.Info("Bootstrapping CallPipe", "addr", flags.APIAddr, "data_dir", flags.DataDir, "simulate", flags.Simulate, "auto_analyze", flags.AutoAnalyze)
	err = a.server.Run(ctx)
	cancelSessions()
	a.dispatcher.Wait()
	return err
}

// serveWebhooks runs the API server for a single dispatch when the telephony backend
// needs its webhooks. The returned func stops the server; it is a no-op otherwise.
func serveWebhooks(ctx context.Context, a *app, cancelSessions context.CancelFunc) func() {
	if a.webhooks == nil {
		return func() {}
	}
	serverCtx, stopServer := context.WithCancel(context.WithoutCancel(ctx))
	errCh := make(chan error, 1)
	go func() {
		err := a.server.Run(serverCtx)
		if err != nil && serverCtx.Err() == nil {
			slog.Error("serveWebhooks: webhook server failed, ending call", "error", err)
			cancelSessions()
		}
		errCh <- err
	}()
	return func() {
		stopServer()
		if err := <-errCh; err != nil {
			slog.Warn("serveWebhooks: webhook server stopped with error", "error", err)
		}
	}
}

// buildApp wires storage, telephony, the model, analysis, sessions and the API.
func buildApp(sessionCtx context.Context, cancelSessions context.CancelFunc, flags Flags, llm genai.ClientInterface) (*app, error) {
	storeOpts := buildStoreOptions(flags)
	files, err := store.NewFileStore(storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript store: %w", err)
	}
	actionLog, err := store.NewActionLog(storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open action log: %w", err)
	}

	dialer, webhooks, err := buildDialer(flags)
	if err != nil {
		actionLog.Close()
		return nil, err
	}

	engine, err := analysis.NewEngine(llm, files, files)
	if err != nil {
		actionLog.Close()
		return nil, err
	}

	hub := monitor.NewHub()
	deps := flow.SessionDeps{
		Dialer:   dialer,
		LLM:      llm,
		Tools:    flow.NewDefaultToolDispatcher(actionLog, nil),
		Store:    files,
		Observer: hub,
	}
	if flags.AutoAnalyze {
		deps.OnFinished = autoAnalyze(engine)
	}
	dispatcher, err := flow.NewDispatcher(sessionCtx, flow.NewConfig(buildFlowOptions(flags)...), deps)
	if err != nil {
		actionLog.Close()
		return nil, err
	}

	apiOpts := buildAPIOptions(flags)
	apiOpts = append(apiOpts,
		api.WithLiveFeed(hub),
		api.WithRequestLog(actionLog),
		api.WithDrain(func() {
			cancelSessions()
			dispatcher.Wait()
		}),
	)
	if webhooks != nil {
		apiOpts = append(apiOpts, api.WithWebhooks(webhooks))
	}
	server, err := api.NewServer(dispatcher, files, engine, apiOpts...)
	if err != nil {
		actionLog.Close()
		return nil, err
	}

	return &app{
		files:      files,
		actionLog:  actionLog,
		hub:        hub,
		engine:     engine,
		dispatcher: dispatcher,
		server:     server,
		webhooks:   webhooks,
	}, nil
}

// buildDialer returns the telephony backend and, for Twilio, its webhook routes.
func buildDialer(flags Flags) (telephony.Dialer, api.WebhookRoutes, error) {
	if flags.Simulate {
		slog.Info("Using simulated telephony", "lines", len(telephony.DemoScript.Lines))
		return telephony.NewSimulator(telephony.DemoScript), nil, nil
	}
	d, err := telephony.NewTwilioDialer(buildTwilioOptions(flags)...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Twilio dialer (use -simulate for local runs): %w", err)
	}
	return d, d, nil
}

// autoAnalyze runs the analysis engine on every flushed transcript. Failures are logged
// only; the transcript stays on disk for a later analyze-all.
func autoAnalyze(engine *analysis.Engine) flow.FinishedHook {
	return func(ctx context.Context, t models.Transcript, file string) {
		if len(t.Turns) == 0 {
			slog.Debug("autoAnalyze: nothing to analyze", "callID", t.CallID, "file", file)
			return
		}
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), autoAnalyzeTimeout)
		defer cancel()
		res, err := engine.Analyze(actx, t)
		if err != nil {
			slog.Error("autoAnalyze: analysis failed", "callID", t.CallID, "file", file, "error", err)
			return
		}
		slog.Info("autoAnalyze: transcript analyzed", "callID", t.CallID, "sentiment", res.Sentiment)
	}
}

func runAnalyze(ctx context.Context, engine *analysis.Engine, target string, out io.Writer) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	if strings.EqualFold(target, "all") {
		outcomes, err := engine.AnalyzeAll(ctx)
		if err != nil {
			return err
		}
		return enc.Encode(outcomes)
	}
	res, err := engine.AnalyzeByName(ctx, target)
	if err != nil {
		return err
	}
	return enc.Encode(res)
}

// runDispatch places one call and blocks until its transcript is flushed. An interrupt
// ends the call early; the session still hangs up and saves what it has.
func runDispatch(ctx context.Context, a *app, payload string, cancelSessions context.CancelFunc, out io.Writer) error {
	callID, err := a.dispatcher.Dispatch(ctx, []byte(payload))
	if err != nil {
		return err
	}
	slog.Info("runDispatch: call placed", "callID", callID)

	done := make(chan struct{})
	go func() {
		a.dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("runDispatch: interrupted, ending call", "callID", callID)
		cancelSessions()
		<-done
	}

	t, err := a.files.Load(context.Background(), callID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("call %s ended without a transcript", callID)
		}
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(t)
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	storeOpts := []store.Option{store.WithDataDir(flags.DataDir)}
	if flags.ActionLogDSN == "" {
		slog.Debug("No action log DSN provided, using JSONL file in data directory")
		return storeOpts
	}
	if store.DetectDSNType(flags.ActionLogDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL action log", "dsn_set", true)
		return append(storeOpts, store.WithPostgresDSN(flags.ActionLogDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite action log", "db_path", flags.ActionLogDSN)
	return append(storeOpts, store.WithSQLiteDSN(flags.ActionLogDSN))
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if flags.OpenAIKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(flags.OpenAIKey))
	}
	if flags.OpenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(flags.OpenAIModel))
	}
	if flags.OpenAIBaseURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(flags.OpenAIBaseURL))
	}
	return genaiOpts
}

// buildTwilioOptions constructs telephony configuration options
func buildTwilioOptions(flags Flags) []telephony.TwilioOption {
	opts := []telephony.TwilioOption{
		telephony.WithPublicURL(flags.PublicURL),
		telephony.WithSignatureValidation(flags.ValidateSignatures),
		telephony.WithRingTimeout(int(flags.DialTimeout / time.Second)),
	}
	if flags.TwilioAccountSID != "" {
		opts = append(opts, telephony.WithAccountSID(flags.TwilioAccountSID))
	}
	if flags.TwilioAuthToken != "" {
		opts = append(opts, telephony.WithAuthToken(flags.TwilioAuthToken))
	}
	return opts
}

// buildFlowOptions constructs call session configuration options
func buildFlowOptions(flags Flags) []flow.Option {
	opts := []flow.Option{
		flow.WithDefaultTrunk(flags.TrunkID),
		flow.WithDialTimeout(flags.DialTimeout),
		flow.WithIdleTimeout(flags.IdleTimeout),
		flow.WithHangupTimeout(flags.HangupTimeout),
	}
	if flags.AgentName != "" {
		opts = append(opts, flow.WithAgentName(flags.AgentName))
	}
	if flags.OrgName != "" {
		opts = append(opts, flow.WithOrgName(flags.OrgName))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	return []api.Option{
		api.WithAddr(flags.APIAddr),
		api.WithDispatchRate(flags.DispatchRate, flags.DispatchBurst),
	}
}
