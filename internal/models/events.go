package models

import "time"

// EventType names a push message delivered to UI/observability consumers.
type EventType string

const (
	EventMonitoringStateChange EventType = "monitoring_state_change"
	EventAgentThinking         EventType = "agent_thinking"
	EventAgentReasoning        EventType = "agent_reasoning"
	EventAgentAlert            EventType = "agent_alert"

	// Invalidation events, published on every alert mutation.
	EventAlertCreated EventType = "alert_created"
	EventAlertUpdated EventType = "alert_updated"
	EventAlertStatus  EventType = "alert_status"

	EventSessionAdmitted EventType = "session_admitted"
	EventSessionReleased EventType = "session_released"
)

// Event is the envelope pushed on the event bus and over egress sockets.
type Event struct {
	Type      EventType `json:"type"`
	PatientID string    `json:"patient_id,omitempty"`
	RoomID    string    `json:"room_id,omitempty"`
	At        time.Time `json:"at"`
	Payload   any       `json:"payload,omitempty"`
}

// MonitoringStateChange is the payload of EventMonitoringStateChange.
type MonitoringStateChange struct {
	Level          Level      `json:"level"`
	Previous       Level      `json:"previous"`
	Reason         string     `json:"reason"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	EnabledMetrics []Metric   `json:"enabled_metrics"`
	Trigger        string     `json:"trigger"`
}

// AgentThinking is the payload of EventAgentThinking.
type AgentThinking struct {
	Message string `json:"message"`
}

// AgentReasoning is the payload of EventAgentReasoning.
type AgentReasoning struct {
	Reasoning     string   `json:"reasoning"`
	Concerns      []string `json:"concerns,omitempty"`
	Confidence    float64  `json:"confidence"`
	ProposedLevel Level    `json:"proposed_level"`
	Applied       bool     `json:"applied"`
}

// AgentAlert is the payload of EventAgentAlert.
type AgentAlert struct {
	Message    string   `json:"message"`
	Severity   Severity `json:"severity"`
	Reasoning  string   `json:"reasoning"`
	Confidence float64  `json:"confidence"`
}

// AlertChange is the payload of alert invalidation events.
type AlertChange struct {
	AlertID  string      `json:"alert_id"`
	Severity Severity    `json:"severity"`
	Status   AlertStatus `json:"status"`
}
