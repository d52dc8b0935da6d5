package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/WardWatch/internal/models"
	"github.com/BTreeMap/WardWatch/internal/util"
)

// InMemoryStore keeps everything in process memory. Used when no DSN is
// configured and in tests. A single mutex gives every method the same
// atomicity the SQL stores get from transactions.
type InMemoryStore struct {
	mu        sync.Mutex
	alerts    map[string]models.Alert
	rooms     map[string]string
	states    map[string]models.MonitoringState
	decisions []DecisionRecord
	outbox    []OutboxMessage
	inbound   map[string]DedupRecord
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		alerts:  make(map[string]models.Alert),
		rooms:   make(map[string]string),
		states:  make(map[string]models.MonitoringState),
		inbound: make(map[string]DedupRecord),
	}
}

func (s *InMemoryStore) InsertAlert(_ context.Context, a models.Alert, notify bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.alerts[a.ID]; exists {
		return false, fmt.Errorf("insert alert %s: duplicate id", a.ID)
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	a.Notified = notify
	s.alerts[a.ID] = cloneAlert(a)
	if notify {
		s.enqueueNotificationsLocked(a)
	}
	return notify, nil
}

func (s *InMemoryStore) MergeAlert(_ context.Context, a models.Alert, notify bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.alerts[a.ID]
	if !ok || current.Status != models.AlertStatusActive {
		return false, ErrAlertNotActive
	}
	current.RoomID = a.RoomID
	current.Severity = a.Severity
	current.Title = a.Title
	current.Description = a.Description
	current.TriggeredAt = a.TriggeredAt
	current.Metadata = cloneMetadata(a.Metadata)
	current.CauseSignature = a.CauseSignature
	current.Occurrences = a.Occurrences
	current.UpdatedAt = time.Now()

	notified := false
	if notify && !current.Notified {
		current.Notified = true
		s.enqueueNotificationsLocked(current)
		notified = true
	}
	s.alerts[a.ID] = current
	return notified, nil
}

func (s *InMemoryStore) enqueueNotificationsLocked(a models.Alert) {
	payload, _ := json.Marshal(NotificationPayload{AlertID: a.ID, PatientID: a.PatientID})
	for _, kind := range notificationKinds {
		s.enqueueLocked(a.PatientID, kind, string(payload), notificationDedupeKey(kind, a.ID))
	}
}

func (s *InMemoryStore) GetAlert(_ context.Context, id string) (*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrAlertNotFound, id)
	}
	out := cloneAlert(a)
	return &out, nil
}

func (s *InMemoryStore) ListAlerts(_ context.Context, f models.AlertFilter) ([]models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Alert
	for _, a := range s.alerts {
		if f.PatientID != "" && a.PatientID != f.PatientID {
			continue
		}
		if f.RoomID != "" && a.RoomID != f.RoomID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, cloneAlert(a))
	}
	sortAlerts(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *InMemoryStore) ActiveAlerts(ctx context.Context, patientID, alertType string) ([]models.Alert, error) {
	all, err := s.ListAlerts(ctx, models.AlertFilter{PatientID: patientID, Status: models.AlertStatusActive})
	if err != nil || alertType == "" {
		return all, err
	}
	var out []models.Alert
	for _, a := range all {
		if a.AlertType == alertType {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *InMemoryStore) UpdateAlertStatus(_ context.Context, id string, status models.AlertStatus, at time.Time) (*models.Alert, error) {
	if !models.IsValidAlertStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrInvalidStatusTransition, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrAlertNotFound, id)
	}
	if !a.Status.CanTransition(status) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidStatusTransition, a.Status, status)
	}
	if a.Status != status {
		applyStatus(&a, status, at)
		s.alerts[id] = a
	}
	out := cloneAlert(a)
	return &out, nil
}

func (s *InMemoryStore) AttachHandoffForm(_ context.Context, id, formID, pdfPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrAlertNotFound, id)
	}
	a.FormID = formID
	a.PDFPath = pdfPath
	a.UpdatedAt = time.Now()
	s.alerts[id] = a
	return nil
}

func (s *InMemoryStore) SetDeliveryStatus(_ context.Context, id, channel, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrAlertNotFound, id)
	}
	delivery := make(map[string]string, len(a.DeliveryStatus)+1)
	for k, v := range a.DeliveryStatus {
		delivery[k] = v
	}
	delivery[channel] = status
	a.DeliveryStatus = delivery
	a.UpdatedAt = time.Now()
	s.alerts[id] = a
	return nil
}

func (s *InMemoryStore) SetPatientRoom(_ context.Context, patientID, roomID string) error {
	if patientID == "" {
		return models.ErrEmptyPatientID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if roomID == "" {
		delete(s.rooms, patientID)
		return nil
	}
	s.rooms[patientID] = roomID
	return nil
}

func (s *InMemoryStore) PatientRoom(_ context.Context, patientID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[patientID], nil
}

func (s *InMemoryStore) SaveState(_ context.Context, st models.MonitoringState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.PatientID] = st.Clone()
	return nil
}

func (s *InMemoryStore) LoadState(_ context.Context, patientID string) (*models.MonitoringState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[patientID]
	if !ok {
		return nil, nil
	}
	out := st.Clone()
	return &out, nil
}

func (s *InMemoryStore) ListStates(_ context.Context) ([]models.MonitoringState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.MonitoringState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatientID < out[j].PatientID })
	return out, nil
}

func (s *InMemoryStore) LogDecision(_ context.Context, rec DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.LoggedAt.IsZero() {
		rec.LoggedAt = time.Now()
	}
	rec.Concerns = append([]string(nil), rec.Concerns...)
	s.decisions = append(s.decisions, rec)
	return nil
}

func (s *InMemoryStore) ListDecisions(_ context.Context, patientID string, limit int) ([]DecisionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []DecisionRecord
	for i := len(s.decisions) - 1; i >= 0 && len(out) < limit; i-- {
		if s.decisions[i].PatientID == patientID {
			out = append(out, s.decisions[i])
		}
	}
	return out, nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(patientID, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(patientID, kind, payloadJSON, dedupeKey), nil
}

func (s *InMemoryStore) enqueueLocked(patientID, kind, payloadJSON, dedupeKey string) string {
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey {
				return m.ID
			}
		}
	}
	now := time.Now()
	m := OutboxMessage{
		ID:          util.GenerateRandomID("outbox_", 32),
		PatientID:   patientID,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.outbox = append(s.outbox, m)
	return m.ID
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OutboxMessage
	for i := range s.outbox {
		if len(out) >= limit {
			break
		}
		m := &s.outbox[i]
		if m.Status != OutboxStatusQueued || (m.NextAttemptAt != nil && m.NextAttemptAt.After(now)) {
			continue
		}
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) updateOutbox(id string, fn func(m *OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			fn(&s.outbox[i])
			s.outbox[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("outbox message %s not found", id)
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusSent
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		next := nextAttemptAt
		m.NextAttemptAt = &next
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) GiveUpOutboxMessage(id string, errMsg string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusFailed
		m.Attempts++
		m.LastError = errMsg
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.outbox {
		m := &s.outbox[i]
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) ListOutboxMessages(patientID string) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OutboxMessage
	for _, m := range s.outbox {
		if m.PatientID == patientID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *InMemoryStore) RecordInbound(messageID, patientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = DedupRecord{MessageID: messageID, PatientID: patientID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inbound[messageID]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.inbound[messageID] = rec
	return nil
}

func (s *InMemoryStore) PurgeInboundBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.inbound {
		if rec.ReceivedAt.Before(cutoff) {
			delete(s.inbound, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Close() error { return nil }

func sortAlerts(alerts []models.Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].TriggeredAt.Equal(alerts[j].TriggeredAt) {
			return alerts[i].TriggeredAt.After(alerts[j].TriggeredAt)
		}
		return alerts[i].ID < alerts[j].ID
	})
}

func cloneAlert(a models.Alert) models.Alert {
	a.Metadata = cloneMetadata(a.Metadata)
	if a.DeliveryStatus != nil {
		d := make(map[string]string, len(a.DeliveryStatus))
		for k, v := range a.DeliveryStatus {
			d[k] = v
		}
		a.DeliveryStatus = d
	}
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		a.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		a.ResolvedAt = &t
	}
	return a
}

// cloneMetadata copies the top level; nested values are shared and must be
// treated as immutable.
func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
