package analysis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BTreeMap/CallPipe/internal/models"
)

// Predictions that must be present as numbers in [0, 100].
var requiredScores = []string{"payment_probability", "customer_satisfaction"}

// Predictions that, when present, must be one of low, medium or high.
var riskLevels = []string{"escalation_risk", "churn_risk"}

type analysisResponse struct {
	Sentiment       string                 `json:"sentiment"`
	CustomerEmotion string                 `json:"customer_emotion"`
	Predictions     map[string]interface{} `json:"predictions"`
	Recommendations json.RawMessage        `json:"recommendations"`
	Summary         string                 `json:"summary"`
}

// stripCodeFences removes a surrounding ```json ... ``` block if the model added one.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	body := s[start+3:]
	body = strings.TrimPrefix(body, "json")
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// parseResponse validates the model output. Every failure wraps models.ErrSchema.
func parseResponse(raw string) (models.AnalysisResult, error) {
	var resp analysisResponse
	if err := json.Unmarshal([]byte(stripCodeFences(raw)), &resp); err != nil {
		return models.AnalysisResult{}, fmt.Errorf("%w: response is not a JSON object: %v", models.ErrSchema, err)
	}

	sentiment := models.Sentiment(strings.ToLower(strings.TrimSpace(resp.Sentiment)))
	if !models.IsValidSentiment(sentiment) {
		return models.AnalysisResult{}, fmt.Errorf("%w: sentiment %q is not positive, neutral or negative", models.ErrSchema, resp.Sentiment)
	}

	if resp.Predictions == nil {
		return models.AnalysisResult{}, fmt.Errorf("%w: predictions object is missing", models.ErrSchema)
	}
	for _, key := range requiredScores {
		v, ok := resp.Predictions[key].(float64)
		if !ok {
			return models.AnalysisResult{}, fmt.Errorf("%w: predictions.%s must be a number", models.ErrSchema, key)
		}
		if v < 0 || v > 100 {
			return models.AnalysisResult{}, fmt.Errorf("%w: predictions.%s = %v is outside 0-100", models.ErrSchema, key, v)
		}
	}
	if v, ok := resp.Predictions["callback_needed"]; ok {
		if _, isBool := v.(bool); !isBool {
			return models.AnalysisResult{}, fmt.Errorf("%w: predictions.callback_needed must be a boolean", models.ErrSchema)
		}
	}
	for _, key := range riskLevels {
		v, ok := resp.Predictions[key]
		if !ok {
			continue
		}
		level, _ := v.(string)
		level = strings.ToLower(strings.TrimSpace(level))
		if level != "low" && level != "medium" && level != "high" {
			return models.AnalysisResult{}, fmt.Errorf("%w: predictions.%s must be low, medium or high", models.ErrSchema, key)
		}
		resp.Predictions[key] = level
	}

	recommendations, err := flattenRecommendations(resp.Recommendations)
	if err != nil {
		return models.AnalysisResult{}, err
	}

	return models.AnalysisResult{
		Sentiment:       sentiment,
		CustomerEmotion: strings.TrimSpace(resp.CustomerEmotion),
		Predictions:     resp.Predictions,
		Recommendations: recommendations,
		Summary:         strings.TrimSpace(resp.Summary),
	}, nil
}

// flattenRecommendations accepts a string or a list of strings.
func flattenRecommendations(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("%w: recommendations are missing", models.ErrSchema)
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text = strings.TrimSpace(text); text == "" {
			return "", fmt.Errorf("%w: recommendations are empty", models.ErrSchema)
		}
		return text, nil
	}
	var items []string
	if err := json.Unmarshal(raw, &items); err != nil {
		return "", fmt.Errorf("%w: recommendations must be text", models.ErrSchema)
	}
	var kept []string
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			kept = append(kept, item)
		}
	}
	if len(kept) == 0 {
		return "", fmt.Errorf("%w: recommendations are empty", models.ErrSchema)
	}
	return strings.Join(kept, " "), nil
}
