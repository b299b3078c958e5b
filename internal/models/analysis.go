package models

import "time"

// Sentiment is the overall sentiment classification of a call.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// IsValidSentiment checks if the given sentiment is one of the known classes.
func IsValidSentiment(s Sentiment) bool {
	switch s {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
		return true
	default:
		return false
	}
}

// AnalysisMetadata holds figures computed locally from the transcript rather than by the model.
type AnalysisMetadata struct {
	TotalTurns         int     `json:"total_turns"`
	CallerTurns        int     `json:"caller_turns"`
	ComplaintsLogged   int     `json:"complaints_logged"`
	RescheduleRequests int     `json:"reschedule_requests"`
	DurationSeconds    float64 `json:"duration_seconds"`
	TerminalReason     string  `json:"terminal_reason"`
}

// AnalysisResult is derived from exactly one transcript. Re-analysis overwrites it.
type AnalysisResult struct {
	CallID          string                 `json:"call_id"`
	Sentiment       Sentiment              `json:"sentiment"`
	CustomerEmotion string                 `json:"customer_emotion,omitempty"`
	Predictions     map[string]interface{} `json:"predictions"`
	Recommendations string                 `json:"recommendations"`
	Summary         string                 `json:"summary,omitempty"`
	AnalyzedAt      time.Time              `json:"analyzed_at"`
	Metadata        AnalysisMetadata       `json:"metadata"`
}

// AnalysisSummary aggregates predictions across all stored analysis results.
type AnalysisSummary struct {
	TotalAnalyzed      int                       `json:"total_analyzed"`
	SentimentCounts    map[Sentiment]int         `json:"sentiment_counts"`
	AveragePredictions map[string]float64        `json:"average_predictions"`
	TrueCounts         map[string]int            `json:"true_counts"`
	CategoryCounts     map[string]map[string]int `json:"category_counts"`
	TerminalReasons    map[string]int            `json:"terminal_reasons"`
}

// BatchOutcome is the result of analyzing one transcript in a batch run.
type BatchOutcome struct {
	File   string          `json:"file"`
	CallID string          `json:"call_id,omitempty"`
	Result *AnalysisResult `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
