package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/CallPipe/internal/analysis"
	"github.com/BTreeMap/CallPipe/internal/models"
)

const maxRequestBody = 64 << 10

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	slog.Warn("Server: method not allowed", "method", r.Method, "path", r.URL.Path)
	writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	return false
}

func (s *Server) initiateCallHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if !s.limiter.Allow(clientKey(r)) {
		slog.Warn("Server.initiateCallHandler: rate limited", "client", clientKey(r))
		writeError(w, http.StatusTooManyRequests, "Too many call requests, slow down")
		return
	}

	var req models.InitiateCallRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		slog.Warn("Server.initiateCallHandler: failed to decode JSON", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.initiateCallHandler: validation failed", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	callID, err := s.dispatcher.DispatchMetadata(r.Context(), req.Metadata())
	if err != nil {
		switch {
		case errors.Is(err, models.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, models.ErrDial):
			slog.Error("Server.initiateCallHandler: dial failed", "to", req.PhoneNumber, "error", err)
			writeError(w, http.StatusBadGateway, "Telephony provider rejected the call")
		default:
			slog.Error("Server.initiateCallHandler: dispatch failed", "to", req.PhoneNumber, "error", err)
			writeError(w, http.StatusServiceUnavailable, "Call could not be dispatched")
		}
		return
	}

	slog.Info("Server.initiateCallHandler: call accepted", "callID", callID, "to", req.PhoneNumber)
	writeJSONResponse(w, http.StatusOK, models.InitiateCallResponse{CallID: callID, Status: models.DispatchStatusAccepted})
}

func (s *Server) listTranscriptsHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	summaries := []models.TranscriptSummary{}
	for summary, err := range s.transcripts.List(r.Context()) {
		if err != nil {
			slog.Error("Server.listTranscriptsHandler: listing failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to list transcripts")
			return
		}
		summaries = append(summaries, summary)
	}
	writeJSONResponse(w, http.StatusOK, summaries)
}

func (s *Server) getTranscriptHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	filename := r.PathValue("filename")
	t, err := s.transcripts.Load(r.Context(), filename)
	if err != nil {
		writeLookupError(w, "Server.getTranscriptHandler", filename, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, t)
}

func (s *Server) analyzeHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	filename := r.PathValue("filename")
	ctx, cancel := context.WithTimeout(r.Context(), analysisTimeout)
	defer cancel()

	result, err := s.analyzer.AnalyzeByName(ctx, filename)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrValidation):
			writeLookupError(w, "Server.analyzeHandler", filename, err)
		case errors.Is(err, models.ErrSchema):
			slog.Warn("Server.analyzeHandler: unusable model response", "file", filename, "error", err)
			writeError(w, http.StatusUnprocessableEntity, "Analysis response did not match the expected schema")
		case errors.Is(err, analysis.ErrEmptyTranscript):
			writeError(w, http.StatusUnprocessableEntity, "Transcript has no conversation to analyze")
		case errors.Is(err, models.ErrAnalysis):
			slog.Error("Server.analyzeHandler: analysis failed", "file", filename, "error", err)
			writeError(w, http.StatusBadGateway, "Analysis model request failed")
		default:
			slog.Error("Server.analyzeHandler: analysis failed", "file", filename, "error", err)
			writeError(w, http.StatusInternalServerError, "Analysis failed")
		}
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

func (s *Server) analyzeAllHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	outcomes, err := s.analyzer.AnalyzeAll(r.Context())
	if err != nil {
		slog.Error("Server.analyzeAllHandler: batch failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Batch analysis failed")
		return
	}
	if outcomes == nil {
		outcomes = []models.BatchOutcome{}
	}
	writeJSONResponse(w, http.StatusOK, outcomes)
}

func (s *Server) analysisSummaryHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	summary, err := s.analyzer.Summary(r.Context())
	if err != nil {
		slog.Error("Server.analysisSummaryHandler: summary failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to summarize predictions")
		return
	}
	writeJSONResponse(w, http.StatusOK, summary)
}

func (s *Server) listCallsHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSONResponse(w, http.StatusOK, s.dispatcher.Active())
}

func (s *Server) callRequestsHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	callID := strings.TrimSpace(r.PathValue("call_id"))
	if callID == "" {
		writeError(w, http.StatusBadRequest, "call_id is required")
		return
	}
	requests, err := s.opts.Requests.List(r.Context(), callID)
	if err != nil {
		slog.Error("Server.callRequestsHandler: listing failed", "callID", callID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list customer requests")
		return
	}
	if requests == nil {
		requests = []models.CustomerRequest{}
	}
	writeJSONResponse(w, http.StatusOK, requests)
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"active_calls": len(s.dispatcher.Active()),
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

func writeLookupError(w http.ResponseWriter, where, key string, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		slog.Warn(where+": invalid transcript name", "file", key, "error", err)
		writeError(w, http.StatusBadRequest, "Invalid transcript name")
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "Transcript not found")
	default:
		slog.Error(where+": load failed", "file", key, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load transcript")
	}
}
