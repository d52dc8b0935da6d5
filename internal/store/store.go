// Package store provides storage backends for WardWatch.
//
// It includes an in-memory store for tests and single-node development plus
// SQLite and PostgreSQL stores for alerts, patient rooms, monitoring states,
// the agent decision audit log, the notification outbox and inbound dedup.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/WardWatch/internal/models"
)

// ErrAlertNotActive is returned by MergeAlert when the alert left the active
// status (a staff action won the race).
var ErrAlertNotActive = errors.New("alert is no longer active")

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a functional option for configuring stores.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns the database/sql driver name for a DSN:
// "postgres" for postgres URLs or key=value connection strings, otherwise
// "sqlite3".
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// AlertRepo persists alerts. Inserts and merges that request notification
// set the notified flag and enqueue the outbox messages in the same
// transaction, so a retried evaluation can never notify twice.
type AlertRepo interface {
	// InsertAlert stores a new alert. When notify is true the alert is stored
	// as notified and one outbox message per channel is enqueued atomically.
	InsertAlert(ctx context.Context, a models.Alert, notify bool) (bool, error)

	// MergeAlert persists a merge into an active alert. When notify is true
	// the notified flag is checked-and-set; the result is true only if this
	// call flipped it and enqueued the outbox messages.
	MergeAlert(ctx context.Context, a models.Alert, notify bool) (bool, error)

	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	ListAlerts(ctx context.Context, f models.AlertFilter) ([]models.Alert, error)

	// ActiveAlerts lists active alerts for a patient, optionally narrowed to
	// one alert type.
	ActiveAlerts(ctx context.Context, patientID, alertType string) ([]models.Alert, error)

	// UpdateAlertStatus applies a staff status change, enforcing the
	// monotonic lifecycle inside the transaction.
	UpdateAlertStatus(ctx context.Context, id string, status models.AlertStatus, at time.Time) (*models.Alert, error)

	AttachHandoffForm(ctx context.Context, id, formID, pdfPath string) error
	SetDeliveryStatus(ctx context.Context, id, channel, status string) error
}

// RoomRepo reads and records the patient to room assignment. The room
// layout itself is owned elsewhere.
type RoomRepo interface {
	SetPatientRoom(ctx context.Context, patientID, roomID string) error
	// PatientRoom returns "" when the patient has no assignment.
	PatientRoom(ctx context.Context, patientID string) (string, error)
}

// StateRepo persists monitoring states so escalation survives restarts.
type StateRepo interface {
	SaveState(ctx context.Context, s models.MonitoringState) error
	// LoadState returns nil when nothing is stored for the patient.
	LoadState(ctx context.Context, patientID string) (*models.MonitoringState, error)
	ListStates(ctx context.Context) ([]models.MonitoringState, error)
}

// DecisionRecord is one audited agent decision.
type DecisionRecord struct {
	models.AgentDecision
	Applied  bool      `json:"applied"`
	Note     string    `json:"note,omitempty"`
	LoggedAt time.Time `json:"logged_at"`
}

// DecisionLog is the audit trail of agent decisions, applied or not.
type DecisionLog interface {
	LogDecision(ctx context.Context, rec DecisionRecord) error
	ListDecisions(ctx context.Context, patientID string, limit int) ([]DecisionRecord, error)
}

// Store is everything the monitoring core persists.
type Store interface {
	AlertRepo
	RoomRepo
	StateRepo
	DecisionLog
	OutboxRepo
	DedupRepo
	Close() error
}

// Open picks a backend from the DSN. An empty DSN yields the in-memory store.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.DSN == "":
		return NewInMemoryStore(), nil
	case DetectDSNType(cfg.DSN) == "postgres":
		s, err := NewPostgresStore(opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := NewSQLiteStore(opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Outbox kinds, one per notification channel.
const (
	OutboxKindTelephony = models.ChannelTelephony
	OutboxKindHandoff   = models.ChannelHandoff
)

// NotificationPayload is the outbox payload for alert notifications.
type NotificationPayload struct {
	AlertID   string `json:"alert_id"`
	PatientID string `json:"patient_id"`
}

// notificationDedupeKey returns the outbox dedupe key for an alert channel.
func notificationDedupeKey(kind, alertID string) string {
	return kind + ":" + alertID
}

var notificationKinds = []string{OutboxKindTelephony, OutboxKindHandoff}

// RequestHandoff queues a handoff form for an alert on staff request. It uses
// the same dedupe key as the handoff queued for critical alerts, so an alert
// gets at most one form.
func RequestHandoff(repo OutboxRepo, a models.Alert) (string, error) {
	payload, err := json.Marshal(NotificationPayload{AlertID: a.ID, PatientID: a.PatientID})
	if err != nil {
		return "", fmt.Errorf("encode handoff payload: %w", err)
	}
	id, err := repo.EnqueueOutboxMessage(a.PatientID, OutboxKindHandoff, string(payload), notificationDedupeKey(OutboxKindHandoff, a.ID))
	if err != nil {
		return "", fmt.Errorf("request handoff for %s: %w", a.ID, err)
	}
	return id, nil
}
