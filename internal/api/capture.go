package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BTreeMap/WardWatch/internal/events"
	"github.com/BTreeMap/WardWatch/internal/models"
	"github.com/BTreeMap/WardWatch/internal/pipeline"
	"github.com/BTreeMap/WardWatch/internal/session"
)

// Capture message types.
const (
	msgHandshake = "handshake"
	msgMetrics   = "metrics"
	msgFrame     = "frame"
	msgPing      = "ping"
	msgAdmitted  = "admitted"
	msgPong      = "pong"
)

// captureMessage is any message a capture client sends.
type captureMessage struct {
	Type       string              `json:"type"`
	Mode       string              `json:"mode,omitempty"`
	Conditions []string            `json:"conditions,omitempty"`
	ID         string              `json:"id,omitempty"`
	Timestamp  time.Time           `json:"timestamp,omitempty"`
	Metrics    models.MetricValues `json:"metrics"`
	Flags      []string            `json:"flags,omitempty"`
}

// admittedMessage acknowledges an admitted capture session.
type admittedMessage struct {
	Type      string       `json:"type"`
	PatientID string       `json:"patient_id"`
	SessionID string       `json:"session_id"`
	Level     models.Level `json:"level"`
}

// captureConn adapts a websocket to session.Conn. WriteControl and Close
// are safe to call concurrently with the reader.
type captureConn struct {
	ws   *websocket.Conn
	once sync.Once
}

func (c *captureConn) Close(code int, reason string) error {
	var err error
	c.once.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func readHandshake(ws *websocket.Conn) (models.Handshake, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return models.Handshake{}, err
	}
	var msg captureMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return models.Handshake{}, fmt.Errorf("decode handshake: %w", err)
	}
	if msg.Type != msgHandshake {
		return models.Handshake{}, fmt.Errorf("expected handshake, got %q", msg.Type)
	}
	return models.Handshake{Mode: msg.Mode, Conditions: msg.Conditions}, nil
}

// captureHandler serves GET /ws/capture/{patientID}.
func (s *Server) captureHandler(w http.ResponseWriter, r *http.Request) {
	patientID := strings.TrimSpace(r.PathValue("patientID"))
	if patientID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrEmptyPatientID.Error()))
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Server.captureHandler: upgrade failed", "patientID", patientID, "error", err)
		return
	}
	conn := &captureConn{ws: ws}
	defer conn.Close(session.CloseNormal, "")

	ws.SetReadDeadline(time.Now().Add(s.opts.HandshakeWait))
	hs, err := readHandshake(ws)
	if err != nil {
		slog.Warn("Server.captureHandler: bad handshake", "patientID", patientID, "error", err)
		conn.Close(session.CloseBadHandshake, "handshake required")
		return
	}
	ws.SetReadDeadline(time.Time{})

	sess, err := s.deps.Registry.Admit(r.Context(), patientID, conn, hs)
	if err != nil {
		var conflict *session.AdmissionError
		if errors.As(err, &conflict) {
			slog.Info("Server.captureHandler: duplicate session denied", "patientID", patientID, "existingSessionID", conflict.ExistingSessionID)
		} else {
			slog.Error("Server.captureHandler: admission failed", "patientID", patientID, "error", err)
		}
		return
	}

	p := s.deps.Manager.Start(sess)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Run(sess.Context()); err != nil {
			slog.Error("Server.captureHandler: pipeline stopped", "patientID", patientID, "error", err)
		}
	}()

	level := models.LevelBaseline
	if st, ok := s.deps.Machine.State(patientID); ok {
		level = st.Level
	}
	if err := ws.WriteJSON(admittedMessage{Type: msgAdmitted, PatientID: patientID, SessionID: sess.SessionID, Level: level}); err != nil {
		slog.Warn("Server.captureHandler: ack failed", "patientID", patientID, "error", err)
	}

	s.readCapture(ws, sess)

	s.deps.Registry.Release(sess.SessionID)
	<-done
}

// readCapture forwards capture samples until the socket or the session ends.
func (s *Server) readCapture(ws *websocket.Conn, sess *session.Session) {
	patientID := sess.PatientID
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Server.readCapture: client closed", "patientID", patientID)
			} else if s.deps.Registry.IsCurrent(sess.SessionID) {
				slog.Info("Server.readCapture: connection lost", "patientID", patientID, "error", err)
			}
			return
		}

		var msg captureMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.warn(patientID+":decode", "Server.readCapture: malformed message dropped", "patientID", patientID, "error", err)
			continue
		}
		switch msg.Type {
		case msgMetrics, msgFrame:
			sample := models.MetricSample{ID: msg.ID, Timestamp: msg.Timestamp, Metrics: msg.Metrics, Flags: msg.Flags}
			err := s.deps.Manager.Dispatch(patientID, sample, models.SourceCV)
			if errors.Is(err, pipeline.ErrNoSession) {
				return
			}
		case msgPing:
			if err := ws.WriteJSON(map[string]string{"type": msgPong}); err != nil {
				return
			}
		default:
			s.warn(patientID+":type", "Server.readCapture: unknown message type", "patientID", patientID, "type", msg.Type)
		}
	}
}

// eventsHandler serves GET /ws/events, pushing bus events as JSON.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	patientID := r.URL.Query().Get("patient_id")
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Server.eventsHandler: upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	var filter events.Filter
	if patientID != "" {
		filter = events.ForPatient(patientID)
	}
	ch, cancel := s.deps.Bus.Subscribe(s.opts.EventBuffer, filter)
	defer cancel()
	slog.Debug("Server.eventsHandler: subscriber connected", "patientID", patientID)

	// The reader only detects the peer going away.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for ev := range ch {
		ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := ws.WriteJSON(ev); err != nil {
			slog.Debug("Server.eventsHandler: write failed", "error", err)
			return
		}
	}
}
