package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/nugget/bmsinsight/internal/agent"
	"github.com/nugget/bmsinsight/internal/jobs"
)

// InsightsResult is the body of a completed synchronous request.
type InsightsResult struct {
	Text       string `json:"text"`
	HTML       string `json:"html,omitempty"`
	Turns      int    `json:"turns"`
	ToolCalls  int    `json:"toolCalls"`
	DurationMs int64  `json:"durationMs"`
	WasResumed bool   `json:"wasResumed"`
}

// TimeoutDetails tells a client how to continue a yielded job.
type TimeoutDetails struct {
	JobID           string `json:"jobId"`
	CanResume       bool   `json:"canResume"`
	WasResumed      bool   `json:"wasResumed"`
	Turns           int    `json:"turns"`
	DurationMs      int64  `json:"durationMs"`
	TimeoutMs       int64  `json:"timeoutMs"`
	PartialInsights string `json:"partialInsights,omitempty"`
}

// requestErrorStatus maps request-level rejections to HTTP status
// codes.
func requestErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, agent.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound, "job_not_found"
	case errors.Is(err, jobs.ErrBusy):
		return http.StatusConflict, "job_busy"
	case errors.Is(err, jobs.ErrFinished):
		return http.StatusConflict, "job_finished"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	var req agent.Request
	if err := decodeBody(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request", "invalid request body: "+err.Error())
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		job, err := s.insights.Start(r.Context(), req)
		if err != nil {
			code, kind := requestErrorStatus(err)
			s.errorResponse(w, code, kind, err.Error())
			return
		}
		s.respond(w, http.StatusAccepted, map[string]any{
			"success": true,
			"jobId":   job.ID,
			"status":  job.Status,
		})
		return
	}

	out, err := s.insights.Generate(r.Context(), req)
	if err != nil {
		code, kind := requestErrorStatus(err)
		if code == http.StatusInternalServerError {
			s.logger.Error("insight request failed", "error", err)
		}
		s.errorResponse(w, code, kind, err.Error())
		return
	}

	switch out.Kind {
	case agent.OutcomeCompleted:
		s.respond(w, http.StatusOK, map[string]any{
			"success": true,
			"jobId":   out.JobID,
			"insights": InsightsResult{
				Text:       out.FinalText,
				HTML:       out.HTML,
				Turns:      out.Turns,
				ToolCalls:  out.ToolCalls,
				DurationMs: out.Duration.Milliseconds(),
				WasResumed: out.WasResumed,
			},
		})
	case agent.OutcomeTimedOut:
		s.respond(w, http.StatusRequestTimeout, map[string]any{
			"success": false,
			"error":   "insights_timeout",
			"message": "analysis is not finished; resume the job to continue",
			"details": TimeoutDetails{
				JobID:           out.JobID,
				CanResume:       out.Checkpointed,
				WasResumed:      out.WasResumed,
				Turns:           out.Turns,
				DurationMs:      out.Duration.Milliseconds(),
				TimeoutMs:       s.timeout.Milliseconds(),
				PartialInsights: out.Partial,
			},
		})
	default:
		s.respond(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "insights_failed",
			"message": out.Reason,
			"details": map[string]any{"jobId": out.JobID, "turns": out.Turns},
		})
	}
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.insights.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		code, kind := requestErrorStatus(err)
		s.errorResponse(w, code, kind, err.Error())
		return
	}
	s.respond(w, http.StatusOK, view)
}
