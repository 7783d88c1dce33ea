package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/medicare/internal/records"
)

// userHeader carries the caller's user id. Authentication is handled upstream;
// requests without it act as the guest user.
const userHeader = "X-User-ID"

func requestUserID(r *http.Request) string {
	if v := callerUserID(r); v != "" {
		return v
	}
	return records.GuestUserID
}

// callerUserID returns the header or query user id, or "" when neither is set.
func callerUserID(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(userHeader)); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("user_id"))
}

func limitFromQuery(r *http.Request, fallback, max int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}

// respondStoreError maps record store errors onto HTTP statuses.
func (s *Server) respondStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, records.ErrValidation):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, records.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		s.internalError(w, op, err)
	}
}

func (s *Server) handleListAppointments(w http.ResponseWriter, r *http.Request) {
	items, err := s.records.ListAppointments(r.Context(), requestUserID(r))
	if err != nil {
		s.respondStoreError(w, "list_appointments", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"appointments": items})
}

func (s *Server) handleCreateAppointment(w http.ResponseWriter, r *http.Request) {
	var a records.Appointment
	if err := decodeJSON(r, &a); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	a.UserID = requestUserID(r)
	created, err := s.records.CreateAppointment(r.Context(), a)
	if err != nil {
		s.respondStoreError(w, "create_appointment", err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleDeleteAppointment(w http.ResponseWriter, r *http.Request) {
	if err := s.records.DeleteAppointment(r.Context(), requestUserID(r), chi.URLParam(r, "id")); err != nil {
		s.respondStoreError(w, "delete_appointment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListReminders(w http.ResponseWriter, r *http.Request) {
	items, err := s.records.ListReminders(r.Context(), requestUserID(r))
	if err != nil {
		s.respondStoreError(w, "list_reminders", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"reminders": items})
}

func (s *Server) handleCreateReminder(w http.ResponseWriter, r *http.Request) {
	var rem records.Reminder
	if err := decodeJSON(r, &rem); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	rem.UserID = requestUserID(r)

	created, err := s.records.CreateReminder(r.Context(), rem)
	if err != nil {
		s.respondStoreError(w, "create_reminder", err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

type setActiveRequest struct {
	Active *bool `json:"active"`
}

func (s *Server) handleSetReminderActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Active == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "active is required")
		return
	}
	updated, err := s.records.SetReminderActive(r.Context(), requestUserID(r), chi.URLParam(r, "id"), *req.Active)
	if err != nil {
		s.respondStoreError(w, "set_reminder_active", err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteReminder(w http.ResponseWriter, r *http.Request) {
	if err := s.records.DeleteReminder(r.Context(), requestUserID(r), chi.URLParam(r, "id")); err != nil {
		s.respondStoreError(w, "delete_reminder", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var f records.Feedback
	if err := decodeJSON(r, &f); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	f.UserID = requestUserID(r)
	created, err := s.records.SubmitFeedback(r.Context(), f)
	if err != nil {
		s.respondStoreError(w, "submit_feedback", err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}
