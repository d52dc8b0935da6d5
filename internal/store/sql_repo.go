package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/WardWatch/internal/models"
	"github.com/BTreeMap/WardWatch/internal/util"
)

// sqlRepo implements the alert, room, state and decision repositories for
// both SQL backends. Queries are written with ? placeholders and rebound for
// PostgreSQL.
type sqlRepo struct {
	db     *sql.DB
	driver string
}

func (r *sqlRepo) q(query string) string {
	if r.driver != "postgres" {
		return query
	}
	return rebindDollar(query)
}

// rebindDollar rewrites ? placeholders as $1, $2, ...
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

const alertColumns = `id, patient_id, room_id, alert_type, severity, title, description, status, triggered_at,
	metadata, cause_signature, occurrences, form_id, pdf_path, notified, delivery_status,
	created_at, updated_at, acknowledged_at, resolved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (models.Alert, error) {
	var a models.Alert
	var roomID, metadata, formID, pdfPath, delivery sql.NullString
	var ackAt, resolvedAt sql.NullTime
	err := row.Scan(
		&a.ID, &a.PatientID, &roomID, &a.AlertType, &a.Severity, &a.Title, &a.Description, &a.Status, &a.TriggeredAt,
		&metadata, &a.CauseSignature, &a.Occurrences, &formID, &pdfPath, &a.Notified, &delivery,
		&a.CreatedAt, &a.UpdatedAt, &ackAt, &resolvedAt,
	)
	if err != nil {
		return a, err
	}
	a.RoomID = roomID.String
	a.FormID = formID.String
	a.PDFPath = pdfPath.String
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &a.Metadata); err != nil {
			slog.Warn("sqlRepo.scanAlert: bad metadata JSON", "alertID", a.ID, "error", err)
		}
	}
	if delivery.Valid && delivery.String != "" {
		if err := json.Unmarshal([]byte(delivery.String), &a.DeliveryStatus); err != nil {
			slog.Warn("sqlRepo.scanAlert: bad delivery status JSON", "alertID", a.ID, "error", err)
		}
	}
	if ackAt.Valid {
		a.AcknowledgedAt = &ackAt.Time
	}
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.Time
	}
	return a, nil
}

func (r *sqlRepo) InsertAlert(ctx context.Context, a models.Alert, notify bool) (bool, error) {
	metadata, err := encodeJSON(a.Metadata)
	if err != nil {
		return false, fmt.Errorf("encode alert metadata: %w", err)
	}
	delivery, err := encodeJSON(a.DeliveryStatus)
	if err != nil {
		return false, fmt.Errorf("encode delivery status: %w", err)
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin insert alert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, r.q(`INSERT INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.PatientID, nilIfEmpty(a.RoomID), a.AlertType, int(a.Severity), a.Title, a.Description, string(a.Status), a.TriggeredAt,
		metadata, a.CauseSignature, a.Occurrences, nilIfEmpty(a.FormID), nilIfEmpty(a.PDFPath), notify, delivery,
		a.CreatedAt, a.UpdatedAt, a.AcknowledgedAt, a.ResolvedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert alert %s: %w", a.ID, err)
	}
	if notify {
		if err := r.enqueueNotificationsTx(ctx, tx, a); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit insert alert %s: %w", a.ID, err)
	}
	slog.Debug("sqlRepo.InsertAlert", "alertID", a.ID, "patientID", a.PatientID, "severity", a.Severity, "notified", notify)
	return notify, nil
}

func (r *sqlRepo) MergeAlert(ctx context.Context, a models.Alert, notify bool) (bool, error) {
	metadata, err := encodeJSON(a.Metadata)
	if err != nil {
		return false, fmt.Errorf("encode alert metadata: %w", err)
	}
	now := time.Now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin merge alert: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, r.q(`UPDATE alerts SET room_id = ?, severity = ?, title = ?, description = ?,
		triggered_at = ?, metadata = ?, cause_signature = ?, occurrences = ?, updated_at = ?
		WHERE id = ? AND status = 'active'`),
		nilIfEmpty(a.RoomID), int(a.Severity), a.Title, a.Description,
		a.TriggeredAt, metadata, a.CauseSignature, a.Occurrences, now, a.ID,
	)
	if err != nil {
		return false, fmt.Errorf("merge alert %s: %w", a.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, fmt.Errorf("merge alert rows affected: %w", err)
	} else if n == 0 {
		return false, ErrAlertNotActive
	}

	notified := false
	if notify {
		res, err := tx.ExecContext(ctx, r.q(`UPDATE alerts SET notified = ? WHERE id = ? AND notified = ?`), true, a.ID, false)
		if err != nil {
			return false, fmt.Errorf("set notified %s: %w", a.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("set notified rows affected: %w", err)
		}
		if n == 1 {
			if err := r.enqueueNotificationsTx(ctx, tx, a); err != nil {
				return false, err
			}
			notified = true
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit merge alert %s: %w", a.ID, err)
	}
	slog.Debug("sqlRepo.MergeAlert", "alertID", a.ID, "occurrences", a.Occurrences, "severity", a.Severity, "notified", notified)
	return notified, nil
}

// enqueueNotificationsTx writes one outbox message per notification channel.
// The unique dedupe key makes a second enqueue for the same alert a no-op.
func (r *sqlRepo) enqueueNotificationsTx(ctx context.Context, tx *sql.Tx, a models.Alert) error {
	payload, err := json.Marshal(NotificationPayload{AlertID: a.ID, PatientID: a.PatientID})
	if err != nil {
		return fmt.Errorf("encode notification payload: %w", err)
	}
	now := time.Now()
	for _, kind := range notificationKinds {
		_, err := tx.ExecContext(ctx, r.q(`INSERT INTO outbox_messages (id, patient_id, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?) ON CONFLICT DO NOTHING`),
			util.GenerateRandomID("outbox_", 32), a.PatientID, kind, string(payload), notificationDedupeKey(kind, a.ID), now, now,
		)
		if err != nil {
			return fmt.Errorf("enqueue %s notification for %s: %w", kind, a.ID, err)
		}
	}
	return nil
}

func (r *sqlRepo) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	a, err := scanAlert(r.db.QueryRowContext(ctx, r.q(`SELECT `+alertColumns+` FROM alerts WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrAlertNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get alert %s: %w", id, err)
	}
	return &a, nil
}

func (r *sqlRepo) ListAlerts(ctx context.Context, f models.AlertFilter) ([]models.Alert, error) {
	var where []string
	var args []any
	if f.PatientID != "" {
		where = append(where, "patient_id = ?")
		args = append(args, f.PatientID)
	}
	if f.RoomID != "" {
		where = append(where, "room_id = ?")
		args = append(args, f.RoomID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY triggered_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryAlerts(ctx, query, args...)
}

func (r *sqlRepo) ActiveAlerts(ctx context.Context, patientID, alertType string) ([]models.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE patient_id = ? AND status = 'active'`
	args := []any{patientID}
	if alertType != "" {
		query += " AND alert_type = ?"
		args = append(args, alertType)
	}
	query += " ORDER BY triggered_at DESC, id"
	return r.queryAlerts(ctx, query, args...)
}

func (r *sqlRepo) queryAlerts(ctx context.Context, query string, args ...any) ([]models.Alert, error) {
	rows, err := r.db.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return out, nil
}

func (r *sqlRepo) UpdateAlertStatus(ctx context.Context, id string, status models.AlertStatus, at time.Time) (*models.Alert, error) {
	if !models.IsValidAlertStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrInvalidStatusTransition, status)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin status update: %w", err)
	}
	defer tx.Rollback()

	current, err := scanAlert(tx.QueryRowContext(ctx, r.q(`SELECT `+alertColumns+` FROM alerts WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrAlertNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load alert %s: %w", id, err)
	}
	if !current.Status.CanTransition(status) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidStatusTransition, current.Status, status)
	}
	if current.Status == status {
		return &current, nil
	}

	previous := current.Status
	applyStatus(&current, status, at)
	res, err := tx.ExecContext(ctx, r.q(`UPDATE alerts SET status = ?, acknowledged_at = ?, resolved_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(status), current.AcknowledgedAt, current.ResolvedAt, current.UpdatedAt, id, string(previous),
	)
	if err != nil {
		return nil, fmt.Errorf("update alert status %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: concurrent status change on %s", models.ErrInvalidStatusTransition, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit status update %s: %w", id, err)
	}
	return &current, nil
}

func (r *sqlRepo) AttachHandoffForm(ctx context.Context, id, formID, pdfPath string) error {
	res, err := r.db.ExecContext(ctx, r.q(`UPDATE alerts SET form_id = ?, pdf_path = ?, updated_at = ? WHERE id = ?`),
		nilIfEmpty(formID), nilIfEmpty(pdfPath), time.Now(), id)
	if err != nil {
		return fmt.Errorf("attach handoff form %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", models.ErrAlertNotFound, id)
	}
	return nil
}

func (r *sqlRepo) SetDeliveryStatus(ctx context.Context, id, channel, status string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delivery status: %w", err)
	}
	defer tx.Rollback()

	var raw sql.NullString
	err = tx.QueryRowContext(ctx, r.q(`SELECT delivery_status FROM alerts WHERE id = ?`), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", models.ErrAlertNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("load delivery status %s: %w", id, err)
	}
	statuses := map[string]string{}
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &statuses); err != nil {
			slog.Warn("sqlRepo.SetDeliveryStatus: resetting unreadable delivery status", "alertID", id, "error", err)
			statuses = map[string]string{}
		}
	}
	statuses[channel] = status
	encoded, err := encodeJSON(statuses)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, r.q(`UPDATE alerts SET delivery_status = ?, updated_at = ? WHERE id = ?`), encoded, time.Now(), id); err != nil {
		return fmt.Errorf("update delivery status %s: %w", id, err)
	}
	return tx.Commit()
}

func (r *sqlRepo) SetPatientRoom(ctx context.Context, patientID, roomID string) error {
	if patientID == "" {
		return models.ErrEmptyPatientID
	}
	if roomID == "" {
		_, err := r.db.ExecContext(ctx, r.q(`DELETE FROM patient_rooms WHERE patient_id = ?`), patientID)
		if err != nil {
			return fmt.Errorf("clear room for %s: %w", patientID, err)
		}
		return nil
	}
	_, err := r.db.ExecContext(ctx, r.q(`INSERT INTO patient_rooms (patient_id, room_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (patient_id) DO UPDATE SET room_id = excluded.room_id, updated_at = excluded.updated_at`),
		patientID, roomID, time.Now())
	if err != nil {
		return fmt.Errorf("set room for %s: %w", patientID, err)
	}
	return nil
}

func (r *sqlRepo) PatientRoom(ctx context.Context, patientID string) (string, error) {
	var roomID string
	err := r.db.QueryRowContext(ctx, r.q(`SELECT room_id FROM patient_rooms WHERE patient_id = ?`), patientID).Scan(&roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get room for %s: %w", patientID, err)
	}
	return roomID, nil
}

func (r *sqlRepo) SaveState(ctx context.Context, s models.MonitoringState) error {
	metrics, err := json.Marshal(s.EnabledMetrics)
	if err != nil {
		return fmt.Errorf("encode enabled metrics: %w", err)
	}
	_, err = r.db.ExecContext(ctx, r.q(`INSERT INTO monitoring_states (patient_id, level, enabled_metrics, expires_at, last_reason, last_confidence, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (patient_id) DO UPDATE SET level = excluded.level, enabled_metrics = excluded.enabled_metrics,
			expires_at = excluded.expires_at, last_reason = excluded.last_reason,
			last_confidence = excluded.last_confidence, updated_at = excluded.updated_at`),
		s.PatientID, int(s.Level), string(metrics), s.ExpiresAt, s.LastReason, s.LastConfidence, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save monitoring state for %s: %w", s.PatientID, err)
	}
	return nil
}

const stateColumns = `patient_id, level, enabled_metrics, expires_at, last_reason, last_confidence, updated_at`

func scanState(row rowScanner) (models.MonitoringState, error) {
	var s models.MonitoringState
	var metrics string
	var expiresAt sql.NullTime
	if err := row.Scan(&s.PatientID, &s.Level, &metrics, &expiresAt, &s.LastReason, &s.LastConfidence, &s.UpdatedAt); err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(metrics), &s.EnabledMetrics); err != nil {
		return s, fmt.Errorf("%w: enabled metrics for %s: %v", models.ErrStateCorruption, s.PatientID, err)
	}
	if expiresAt.Valid {
		s.ExpiresAt = &expiresAt.Time
	}
	return s, nil
}

func (r *sqlRepo) LoadState(ctx context.Context, patientID string) (*models.MonitoringState, error) {
	s, err := scanState(r.db.QueryRowContext(ctx, r.q(`SELECT `+stateColumns+` FROM monitoring_states WHERE patient_id = ?`), patientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load monitoring state for %s: %w", patientID, err)
	}
	return &s, nil
}

func (r *sqlRepo) ListStates(ctx context.Context) ([]models.MonitoringState, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+stateColumns+` FROM monitoring_states ORDER BY patient_id`)
	if err != nil {
		return nil, fmt.Errorf("list monitoring states: %w", err)
	}
	defer rows.Close()
	var out []models.MonitoringState
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *sqlRepo) LogDecision(ctx context.Context, rec DecisionRecord) error {
	concerns, err := encodeJSON(rec.Concerns)
	if err != nil {
		return fmt.Errorf("encode concerns: %w", err)
	}
	if rec.LoggedAt.IsZero() {
		rec.LoggedAt = time.Now()
	}
	_, err = r.db.ExecContext(ctx, r.q(`INSERT INTO agent_decisions (patient_id, decided_at, proposed_level, reasoning, concerns, confidence, provider, applied, note, logged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.PatientID, rec.Timestamp, int(rec.ProposedLevel), rec.Reasoning, concerns, rec.Confidence,
		nilIfEmpty(rec.Provider), rec.Applied, nilIfEmpty(rec.Note), rec.LoggedAt)
	if err != nil {
		return fmt.Errorf("log agent decision for %s: %w", rec.PatientID, err)
	}
	return nil
}

func (r *sqlRepo) ListDecisions(ctx context.Context, patientID string, limit int) ([]DecisionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, r.q(`SELECT patient_id, decided_at, proposed_level, reasoning, concerns, confidence, provider, applied, note, logged_at
		FROM agent_decisions WHERE patient_id = ? ORDER BY decided_at DESC, id DESC LIMIT ?`), patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list agent decisions for %s: %w", patientID, err)
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		var rec DecisionRecord
		var concerns, provider, note sql.NullString
		if err := rows.Scan(&rec.PatientID, &rec.Timestamp, &rec.ProposedLevel, &rec.Reasoning, &concerns,
			&rec.Confidence, &provider, &rec.Applied, &note, &rec.LoggedAt); err != nil {
			return nil, fmt.Errorf("scan agent decision: %w", err)
		}
		if concerns.Valid && concerns.String != "" {
			if err := json.Unmarshal([]byte(concerns.String), &rec.Concerns); err != nil {
				return nil, fmt.Errorf("decode concerns of agent decision for %s: %w", patientID, err)
			}
		}
		rec.Provider = provider.String
		rec.Note = note.String
		out = append(out, rec)
	}
	return out, rows.Err()
}
