package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/slotwatch/bookerd/internal/protocol"
	"github.com/slotwatch/bookerd/internal/scheduler"
	"github.com/slotwatch/bookerd/internal/tasks"
)

// handleListBookings returns all bookings, optionally filtered by status.
// Executors that connected after a trigger fired use
// GET /v1/bookings?status=awaiting_result to catch up on outstanding work.
func (s *Server) handleListBookings(w http.ResponseWriter, r *http.Request) {
	var status tasks.Status
	if q := strings.TrimSpace(r.URL.Query().Get("status")); q != "" {
		parsed, err := tasks.ParseStatus(q)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_status", "unknown status "+q)
			return
		}
		status = parsed
	}
	list := s.scheduler.List(status)
	if list == nil {
		list = []tasks.Task{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"bookings": list})
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var req protocol.ScheduleTask
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Type = protocol.TypeScheduleTask
	if req.TargetURL == "" || req.BookingDate == "" || req.TriggerAt == "" || len(req.Slots) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request",
			"target_url, booking_date, trigger_at and slots are required")
		return
	}

	task, err := s.scheduler.Schedule(r.Context(), req)
	if err != nil {
		status := http.StatusBadRequest
		code := "schedule_failed"
		if errors.Is(err, scheduler.ErrTriggerInPast) {
			code = "trigger_in_past"
		}
		respondError(w, status, code, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	task, err := s.scheduler.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "booking_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, task)
}

// handleUpdateBooking edits a booking that has not triggered yet. The body
// carries the same fields as a create; the id stays fixed.
func (s *Server) handleUpdateBooking(w http.ResponseWriter, r *http.Request) {
	var req protocol.ScheduleTask
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Type = protocol.TypeScheduleTask
	if req.TargetURL == "" || req.BookingDate == "" || req.TriggerAt == "" || len(req.Slots) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request",
			"target_url, booking_date, trigger_at and slots are required")
		return
	}

	task, err := s.scheduler.Update(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrTaskNotFound):
			respondError(w, http.StatusNotFound, "booking_not_found", err.Error())
		case errors.Is(err, scheduler.ErrInvalidTransition):
			respondError(w, http.StatusConflict, "not_editable", err.Error())
		case errors.Is(err, scheduler.ErrTriggerInPast):
			respondError(w, http.StatusBadRequest, "trigger_in_past", err.Error())
		default:
			respondError(w, http.StatusBadRequest, "update_failed", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	task, err := s.scheduler.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrTaskNotFound):
			respondError(w, http.StatusNotFound, "booking_not_found", err.Error())
		case errors.Is(err, scheduler.ErrInvalidTransition):
			respondError(w, http.StatusConflict, "not_cancellable", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "cancel_failed", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteBooking(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, scheduler.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "booking_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "delete_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleAppendBookingLog(w http.ResponseWriter, r *http.Request) {
	var entry tasks.LogEntry
	if err := decodeJSON(r, &entry); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if entry.Message == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}
	if err := s.scheduler.AppendLog(r.Context(), chi.URLParam(r, "id"), entry); err != nil {
		if errors.Is(err, scheduler.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "booking_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "log_append_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"logged": true})
}
