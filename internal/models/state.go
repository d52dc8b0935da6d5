// Package models defines monitoring state structures for WardWatch.
package models

import "time"

// MonitoringState is the single live state per patient. Only the monitor
// package mutates it.
type MonitoringState struct {
	PatientID      string     `json:"patient_id"`
	Level          Level      `json:"level"`
	EnabledMetrics []Metric   `json:"enabled_metrics"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	LastReason     string     `json:"last_reason,omitempty"`
	LastConfidence float64    `json:"last_confidence"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NewBaselineState returns the initial state for a patient.
func NewBaselineState(patientID string, now time.Time) MonitoringState {
	return MonitoringState{
		PatientID:      patientID,
		Level:          LevelBaseline,
		EnabledMetrics: EnabledMetricsFor(LevelBaseline),
		LastReason:     "initial baseline",
		UpdatedAt:      now,
	}
}

// MetricEnabled reports whether m is evaluated at the state's level.
func (s MonitoringState) MetricEnabled(m Metric) bool {
	for _, enabled := range s.EnabledMetrics {
		if enabled == m {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s MonitoringState) Clone() MonitoringState {
	out := s
	out.EnabledMetrics = append([]Metric(nil), s.EnabledMetrics...)
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		out.ExpiresAt = &t
	}
	return out
}

// TransitionTrigger names what caused a level change.
type TransitionTrigger string

const (
	TriggerRule   TransitionTrigger = "rule"
	TriggerAgent  TransitionTrigger = "agent"
	TriggerExpiry TransitionTrigger = "expiry"
	TriggerReset  TransitionTrigger = "reset"
)

// Transition records one state machine step. Extended is true when an
// elevated level was re-asserted and only the expiry moved.
type Transition struct {
	PatientID      string            `json:"patient_id"`
	From           Level             `json:"from"`
	To             Level             `json:"to"`
	Trigger        TransitionTrigger `json:"trigger"`
	Rule           string            `json:"rule,omitempty"`
	Reason         string            `json:"reason"`
	Confidence     float64           `json:"confidence"`
	At             time.Time         `json:"at"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	EnabledMetrics []Metric          `json:"enabled_metrics"`
	Extended       bool              `json:"extended,omitempty"`
}

// Escalated reports whether the transition raised the level.
func (t *Transition) Escalated() bool {
	return t != nil && t.To > t.From
}

// AgentDecision is an ephemeral proposal from the reasoning collaborator.
type AgentDecision struct {
	PatientID     string    `json:"patient_id"`
	Timestamp     time.Time `json:"timestamp"`
	ProposedLevel Level     `json:"proposed_level"`
	Reasoning     string    `json:"reasoning"`
	Concerns      []string  `json:"concerns,omitempty"`
	Confidence    float64   `json:"confidence"`
	Provider      string    `json:"provider,omitempty"`
}

// Handshake is the first message of a capture connection.
type Handshake struct {
	Mode       string   `json:"mode,omitempty"`
	Conditions []string `json:"conditions,omitempty"`
}

// PatientSession describes an admitted capture connection.
type PatientSession struct {
	PatientID string    `json:"patient_id"`
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	Mode      string    `json:"mode,omitempty"`
	Admitted  bool      `json:"admitted"`
}
