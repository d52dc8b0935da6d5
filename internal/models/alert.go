package models

import (
	"sort"
	"strings"
	"time"
)

// AlertStatus is the staff-driven lifecycle of an alert.
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
)

// IsValidAlertStatus checks if the given status is supported.
func IsValidAlertStatus(s AlertStatus) bool {
	switch s {
	case AlertStatusActive, AlertStatusAcknowledged, AlertStatusResolved:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is allowed.
// Transitions are monotonic and resolved is terminal. Re-applying the
// current status is allowed so redelivered staff actions are no-ops.
func (s AlertStatus) CanTransition(next AlertStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case AlertStatusActive:
		return next == AlertStatusAcknowledged || next == AlertStatusResolved
	case AlertStatusAcknowledged:
		return next == AlertStatusResolved
	}
	return false
}

// Notification channels tracked in Alert.DeliveryStatus.
const (
	ChannelTelephony = "telephony"
	ChannelHandoff   = "handoff"
)

// Alert is a clinical alert owned by the alert engine.
type Alert struct {
	ID             string            `json:"id"`
	PatientID      string            `json:"patient_id"`
	RoomID         string            `json:"room_id,omitempty"`
	AlertType      string            `json:"alert_type"`
	Severity       Severity          `json:"severity"`
	Title          string            `json:"title"`
	Description    string            `json:"description"`
	Status         AlertStatus       `json:"status"`
	TriggeredAt    time.Time         `json:"triggered_at"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	CauseSignature string            `json:"cause_signature"`
	Occurrences    int               `json:"occurrences"`
	FormID         string            `json:"form_id,omitempty"`
	PDFPath        string            `json:"pdf_path,omitempty"`
	Notified       bool              `json:"notified"`
	DeliveryStatus map[string]string `json:"delivery_status,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	AcknowledgedAt *time.Time        `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
}

// Causes splits the cause signature into its members.
func (a Alert) Causes() []string {
	return SplitCauses(a.CauseSignature)
}

// CauseSeparator joins causes in a signature. A cause never contains it.
const CauseSeparator = ","

// CauseSignature builds a canonical, order-independent signature.
func CauseSignature(causes []string) string {
	seen := make(map[string]struct{}, len(causes))
	out := make([]string, 0, len(causes))
	for _, c := range causes {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return strings.Join(out, CauseSeparator)
}

// SplitCauses is the inverse of CauseSignature.
func SplitCauses(signature string) []string {
	if signature == "" {
		return nil
	}
	return strings.Split(signature, CauseSeparator)
}

// CausesOverlap reports whether two signatures share at least one cause.
func CausesOverlap(a, b string) bool {
	left := SplitCauses(a)
	if len(left) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(left))
	for _, c := range left {
		set[c] = struct{}{}
	}
	for _, c := range SplitCauses(b) {
		if _, ok := set[c]; ok {
			return true
		}
	}
	return false
}

// MaxActiveSeverity returns the highest severity across active alerts,
// or SeverityInfo when none are active.
func MaxActiveSeverity(alerts []Alert) Severity {
	max := SeverityInfo
	for _, a := range alerts {
		if a.Status == AlertStatusActive && a.Severity > max {
			max = a.Severity
		}
	}
	return max
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	PatientID string
	RoomID    string
	Status    AlertStatus
	Limit     int
}
