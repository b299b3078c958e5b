// Package analysis turns stored call transcripts into structured predictions with one
// language-model request per transcript.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"time"

	"github.com/BTreeMap/CallPipe/internal/genai"
	"github.com/BTreeMap/CallPipe/internal/models"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds parallel model requests during a batch run.
const DefaultConcurrency = 4

// ErrEmptyTranscript is returned for a transcript without conversation turns.
var ErrEmptyTranscript = fmt.Errorf("%w: transcript has no conversation turns", models.ErrAnalysis)

// TranscriptSource reads stored transcripts.
type TranscriptSource interface {
	Load(ctx context.Context, key string) (models.Transcript, error)
	List(ctx context.Context) iter.Seq2[models.TranscriptSummary, error]
}

// PredictionStore persists analysis results, one per call.
type PredictionStore interface {
	SavePrediction(ctx context.Context, r models.AnalysisResult) (string, error)
	HasPrediction(callID string) bool
	ListPredictions(ctx context.Context) ([]models.AnalysisResult, error)
}

// Opts holds configuration options for the analysis engine.
type Opts struct {
	Concurrency int
	Now         func() time.Time
}

// Option defines a configuration option for the analysis engine.
type Option func(*Opts)

// WithConcurrency bounds parallel model requests in AnalyzeAll.
func WithConcurrency(n int) Option {
	return func(o *Opts) { o.Concurrency = n }
}

// WithClock replaces the clock used for analyzed_at.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Engine analyzes transcripts and persists the results.
type Engine struct {
	llm         genai.ClientInterface
	transcripts TranscriptSource
	predictions PredictionStore
	concurrency int
	now         func() time.Time
}

// NewEngine creates an analysis engine.
func NewEngine(llm genai.ClientInterface, transcripts TranscriptSource, predictions PredictionStore, opts ...Option) (*Engine, error) {
	if llm == nil {
		return nil, fmt.Errorf("language model client is required")
	}
	if transcripts == nil || predictions == nil {
		return nil, fmt.Errorf("transcript and prediction stores are required")
	}
	cfg := Opts{Concurrency: DefaultConcurrency, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		llm:         llm,
		transcripts: transcripts,
		predictions: predictions,
		concurrency: cfg.Concurrency,
		now:         cfg.Now,
	}, nil
}

// Analyze runs one analysis request for t and persists the validated result.
// It fails with models.ErrAnalysis for empty transcripts or model failures and with
// models.ErrSchema when the response does not validate. Nothing is written on failure.
func (e *Engine) Analyze(ctx context.Context, t models.Transcript) (models.AnalysisResult, error) {
	if len(t.Turns) == 0 {
		return models.AnalysisResult{}, fmt.Errorf("%w (call %s)", ErrEmptyTranscript, t.CallID)
	}

	slog.Debug("Engine.Analyze: requesting analysis", "callID", t.CallID, "turns", len(t.Turns))
	raw, err := e.llm.GenerateJSON(ctx, systemPrompt, buildPrompt(t))
	if err != nil {
		slog.Error("Engine.Analyze: model request failed", "callID", t.CallID, "error", err)
		return models.AnalysisResult{}, fmt.Errorf("%w: model request failed: %v", models.ErrAnalysis, err)
	}

	result, err := parseResponse(raw)
	if err != nil {
		slog.Warn("Engine.Analyze: response rejected", "callID", t.CallID, "error", err)
		return models.AnalysisResult{}, err
	}
	result.CallID = t.CallID
	result.AnalyzedAt = e.now().UTC()
	result.Metadata = computeMetadata(t)

	if _, err := e.predictions.SavePrediction(ctx, result); err != nil {
		return models.AnalysisResult{}, fmt.Errorf("failed to save prediction: %w", err)
	}
	slog.Info("Engine.Analyze: analysis saved", "callID", t.CallID, "sentiment", result.Sentiment)
	return result, nil
}

// AnalyzeByName loads a transcript by call id or file name and analyzes it.
func (e *Engine) AnalyzeByName(ctx context.Context, key string) (models.AnalysisResult, error) {
	t, err := e.transcripts.Load(ctx, key)
	if err != nil {
		return models.AnalysisResult{}, err
	}
	return e.Analyze(ctx, t)
}

// AnalyzeAll analyzes every stored transcript that has no prediction yet. Per-transcript
// failures are reported in the outcomes; only listing failures and cancellation are returned.
func (e *Engine) AnalyzeAll(ctx context.Context) ([]models.BatchOutcome, error) {
	var pending []models.TranscriptSummary
	for summary, err := range e.transcripts.List(ctx) {
		if err != nil {
			return nil, fmt.Errorf("failed to list transcripts: %w", err)
		}
		if e.predictions.HasPrediction(summary.CallID) {
			continue
		}
		pending = append(pending, summary)
	}

	outcomes := make([]models.BatchOutcome, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, summary := range pending {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcome := models.BatchOutcome{File: summary.File, CallID: summary.CallID}
			result, err := e.AnalyzeByName(gctx, summary.File)
			if err != nil {
				outcome.Error = publicError(err)
			} else {
				outcome.Result = &result
			}
			outcomes[i] = outcome
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return outcomes, err
	}

	failed := 0
	for _, o := range outcomes {
		if o.Error != "" {
			failed++
		}
	}
	slog.Info("Engine.AnalyzeAll: batch complete", "analyzed", len(outcomes)-failed, "failed", failed)
	return outcomes, nil
}

// publicError keeps the sentinel class of err without upstream detail.
func publicError(err error) string {
	switch {
	case errors.Is(err, models.ErrSchema):
		return models.ErrSchema.Error()
	case errors.Is(err, models.ErrNotFound):
		return models.ErrNotFound.Error()
	default:
		return err.Error()
	}
}

// Summary aggregates every stored prediction.
func (e *Engine) Summary(ctx context.Context) (models.AnalysisSummary, error) {
	results, err := e.predictions.ListPredictions(ctx)
	if err != nil {
		return models.AnalysisSummary{}, fmt.Errorf("failed to list predictions: %w", err)
	}
	return Summarize(results), nil
}

// Summarize reduces results: sentiments and terminal reasons are counted, numeric predictions
// averaged, boolean predictions counted when true and string predictions counted per value.
func Summarize(results []models.AnalysisResult) models.AnalysisSummary {
	s := models.AnalysisSummary{
		TotalAnalyzed:      len(results),
		SentimentCounts:    make(map[models.Sentiment]int),
		AveragePredictions: make(map[string]float64),
		TrueCounts:         make(map[string]int),
		CategoryCounts:     make(map[string]map[string]int),
		TerminalReasons:    make(map[string]int),
	}
	sums := make(map[string]float64)
	counts := make(map[string]int)

	for _, r := range results {
		s.SentimentCounts[r.Sentiment]++
		if r.Metadata.TerminalReason != "" {
			s.TerminalReasons[r.Metadata.TerminalReason]++
		}
		for key, v := range r.Predictions {
			switch val := v.(type) {
			case float64:
				sums[key] += val
				counts[key]++
			case bool:
				if val {
					s.TrueCounts[key]++
				} else if _, ok := s.TrueCounts[key]; !ok {
					s.TrueCounts[key] = 0
				}
			case string:
				if s.CategoryCounts[key] == nil {
					s.CategoryCounts[key] = make(map[string]int)
				}
				s.CategoryCounts[key][val]++
			}
		}
	}
	for key, sum := range sums {
		s.AveragePredictions[key] = round(sum/float64(counts[key]), 1)
	}
	return s
}

func computeMetadata(t models.Transcript) models.AnalysisMetadata {
	md := models.AnalysisMetadata{
		TotalTurns:     len(t.Turns),
		TerminalReason: string(t.TerminalReason),
	}
	for _, turn := range t.Turns {
		if turn.Role == models.RoleCaller {
			md.CallerTurns++
		}
	}
	for _, a := range t.Actions {
		if !a.OK {
			continue
		}
		switch a.Tool {
		case string(models.ToolTypeLogComplaint):
			md.ComplaintsLogged++
		case string(models.ToolTypeRescheduleCall):
			md.RescheduleRequests++
		}
	}
	if !t.StartedAt.IsZero() && t.EndedAt.After(t.StartedAt) {
		md.DurationSeconds = round(t.EndedAt.Sub(t.StartedAt).Seconds(), 2)
	}
	return md
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
