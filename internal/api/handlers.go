// Package api provides HTTP handlers for WardWatch endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/BTreeMap/WardWatch/internal/models"
	"github.com/BTreeMap/WardWatch/internal/pipeline"
	"github.com/BTreeMap/WardWatch/internal/store"
)

// patientStateView is the body of GET /patients/{id}/state.
type patientStateView struct {
	State    models.MonitoringState `json:"state"`
	Thinking bool                   `json:"thinking"`
	Severity models.Severity        `json:"severity"`
	Session  *models.PatientSession `json:"session,omitempty"`
}

type roomRequest struct {
	RoomID string `json:"room_id"`
}

type roomSeverityView struct {
	RoomID   string          `json:"room_id"`
	Severity models.Severity `json:"severity"`
}

func (s *Server) listAlertsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.AlertFilter{
		PatientID: q.Get("patient_id"),
		RoomID:    q.Get("room_id"),
		Status:    models.AlertStatus(q.Get("status")),
	}
	if f.Status != "" && !models.IsValidAlertStatus(f.Status) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid status filter"))
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid limit"))
			return
		}
		f.Limit = n
	}
	alerts, err := s.deps.Store.ListAlerts(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Debug("Server.listAlertsHandler: alerts listed", "count", len(alerts))
	writeJSONResponse(w, http.StatusOK, models.Success(alerts))
}

func (s *Server) getAlertHandler(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Store.GetAlert(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(a))
}

func (s *Server) acknowledgeHandler(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Engine.Acknowledge(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("Server.acknowledgeHandler: alert acknowledged", "alertID", a.ID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Alert acknowledged", a))
}

func (s *Server) resolveHandler(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Engine.Resolve(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("Server.resolveHandler: alert resolved", "alertID", a.ID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Alert resolved", a))
}

func (s *Server) patientStateHandler(w http.ResponseWriter, r *http.Request) {
	patientID := r.PathValue("id")
	st, ok := s.deps.Machine.State(patientID)
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No monitoring state for patient"))
		return
	}
	sev, err := s.deps.Engine.PatientSeverity(r.Context(), patientID)
	if err != nil {
		writeError(w, err)
		return
	}
	view := patientStateView{State: st, Thinking: s.deps.Machine.Thinking(patientID), Severity: sev}
	if ps, ok := s.deps.Registry.Active(patientID); ok {
		view.Session = &ps
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

type handoffView struct {
	AlertID   string `json:"alert_id"`
	MessageID string `json:"message_id"`
}

// handoffHandler queues a handoff form for an unresolved alert.
func (s *Server) handoffHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Outbox == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Notification outbox not configured"))
		return
	}
	a, err := s.deps.Store.GetAlert(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if a.Status == models.AlertStatusResolved {
		writeJSONResponse(w, http.StatusConflict, models.Error("Alert already resolved"))
		return
	}
	id, err := store.RequestHandoff(s.deps.Outbox, *a)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("Server.handoffHandler: handoff requested", "alertID", a.ID, "messageID", id)
	writeJSONResponse(w, http.StatusAccepted, models.SuccessWithMessage("Handoff queued", handoffView{AlertID: a.ID, MessageID: id}))
}

func (s *Server) notificationsHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Outbox == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Notification outbox not configured"))
		return
	}
	msgs, err := s.deps.Outbox.ListOutboxMessages(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []store.OutboxMessage{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

// decisionsHandler serves the agent decision audit trail of a patient.
func (s *Server) decisionsHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Decisions == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Decision log not configured"))
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid limit"))
			return
		}
		limit = n
	}
	recs, err := s.deps.Decisions.ListDecisions(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []store.DecisionRecord{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(recs))
}

func (s *Server) patientRoomHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req roomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.patientRoomHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	patientID := r.PathValue("id")
	if err := s.deps.Store.SetPatientRoom(r.Context(), patientID, strings.TrimSpace(req.RoomID)); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("Server.patientRoomHandler: room assigned", "patientID", patientID, "roomID", req.RoomID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Room updated", req))
}

func (s *Server) roomSeverityHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	sev, err := s.deps.Engine.RoomSeverity(r.Context(), roomID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(roomSeverityView{RoomID: roomID, Severity: sev}))
}

// wearableHandler accepts wearable samples pushed over HTTP instead of MQTT.
func (s *Server) wearableHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var sample models.MetricSample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		slog.Warn("Server.wearableHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := sample.Metrics.Validate(); err != nil {
		writeError(w, err)
		return
	}
	err := s.deps.Manager.Dispatch(r.PathValue("id"), sample, models.SourceWearable)
	switch {
	case errors.Is(err, pipeline.ErrQueueFull):
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Patient queue full, retry later"))
		return
	case err != nil:
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.SuccessWithMessage("Sample accepted", nil))
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.deps.Registry.List()))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"sessions":    len(s.deps.Registry.List()),
		"subscribers": s.deps.Bus.Subscribers(),
	}))
}
