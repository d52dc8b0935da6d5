package models

import "errors"

// Error taxonomy shared by the monitoring core. Callers classify failures with
// errors.Is against these sentinels.
var (
	// ErrAdmissionConflict: a second session was attempted for a patient that
	// already has one. User-correctable, surfaced to the capture client.
	ErrAdmissionConflict = errors.New("patient already has an active session")
	// ErrTransientIngestion: a malformed or undecodable sample. Dropped with a
	// warning; the loop continues.
	ErrTransientIngestion = errors.New("transient ingestion error")
	// ErrAgentUnavailable: the reasoning provider timed out or failed.
	ErrAgentUnavailable = errors.New("agent unavailable")
	// ErrNotificationDelivery: telephony or handoff delivery failed.
	ErrNotificationDelivery = errors.New("notification delivery failure")
	// ErrStateCorruption: per-patient state is missing or inconsistent. Fatal
	// for that patient's pipeline only.
	ErrStateCorruption = errors.New("monitoring state corruption")

	ErrAlertNotFound           = errors.New("alert not found")
	ErrInvalidStatusTransition = errors.New("invalid alert status transition")
	ErrInvalidSeverity         = errors.New("invalid severity")
	ErrInvalidLevel            = errors.New("invalid monitoring level")
	ErrEmptyPatientID          = errors.New("patient id cannot be empty")
)
