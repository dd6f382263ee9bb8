package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/nugget/bmsinsight/internal/history"
)

// SystemView is a system profile with the extent of its telemetry.
type SystemView struct {
	*history.System
	Readings      int        `json:"readings"`
	FirstReading  *time.Time `json:"firstReading,omitempty"`
	LatestReading *time.Time `json:"latestReading,omitempty"`
}

// ReadingsRequest is a batch of readings for one system, usually sent
// by the extraction service after it parses a BMS screenshot.
type ReadingsRequest struct {
	Readings []history.Reading `json:"readings"`
}

func (s *Server) handleSystemSave(w http.ResponseWriter, r *http.Request) {
	var sys history.System
	if err := decodeBody(w, r, &sys); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request", "invalid request body: "+err.Error())
		return
	}
	code := http.StatusCreated
	if sys.ID != "" {
		if _, err := s.systems.System(r.Context(), sys.ID); err == nil {
			code = http.StatusOK
		}
	}
	if err := s.systems.SaveSystem(r.Context(), &sys); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_system", err.Error())
		return
	}
	s.respond(w, code, &sys)
}

func (s *Server) handleSystemGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sys, err := s.systems.System(r.Context(), id)
	if err != nil {
		s.systemError(w, err)
		return
	}
	span, err := s.systems.Span(r.Context(), id)
	if err != nil {
		s.systemError(w, err)
		return
	}
	view := SystemView{System: sys, Readings: span.Count}
	if span.Count > 0 {
		view.FirstReading = &span.First
		view.LatestReading = &span.Last
	}
	s.respond(w, http.StatusOK, view)
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	var req ReadingsRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request", "invalid request body: "+err.Error())
		return
	}
	if len(req.Readings) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request", "no readings")
		return
	}
	n, err := s.systems.AddReadings(r.Context(), r.PathValue("id"), req.Readings)
	if err != nil {
		s.systemError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"success": true, "accepted": n})
}

func (s *Server) systemError(w http.ResponseWriter, err error) {
	if errors.Is(err, history.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "system_not_found", err.Error())
		return
	}
	s.logger.Error("system store failed", "error", err)
	s.errorResponse(w, http.StatusInternalServerError, "internal_error", err.Error())
}
