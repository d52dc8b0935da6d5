// Package alert turns snapshots and monitoring transitions into alert
// records. It creates, deduplicates and escalates alerts, resolves rooms
// from the current patient assignment, and hands critical alerts to the
// notification outbox exactly once.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/WardWatch/internal/config"
	"github.com/BTreeMap/WardWatch/internal/events"
	"github.com/BTreeMap/WardWatch/internal/metrics"
	"github.com/BTreeMap/WardWatch/internal/models"
	"github.com/BTreeMap/WardWatch/internal/store"
	"github.com/BTreeMap/WardWatch/internal/util"
)

// AlertTypeCriticalEscalation is raised when a patient reaches CRITICAL
// without any other alert in the same evaluation.
const AlertTypeCriticalEscalation = "critical_escalation"

// maxTriggerHistory bounds the trigger history kept on merged alerts.
const maxTriggerHistory = 10

// Repo is the persistence the engine needs.
type Repo interface {
	store.AlertRepo
	store.RoomRepo
}

// StateReader exposes the current monitoring state without allowing
// mutation.
type StateReader interface {
	State(patientID string) (models.MonitoringState, bool)
}

// Engine evaluates snapshots into alerts.
type Engine struct {
	cfg       *config.Config
	repo      Repo
	states    StateReader
	publisher events.Publisher
	now       func() time.Time

	locks sync.Map // patientID -> *sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher publishes alert invalidation and agent_alert events.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine.
func NewEngine(cfg *config.Config, repo Repo, states StateReader, opts ...Option) *Engine {
	e := &Engine{cfg: cfg, repo: repo, states: states, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type candidate struct {
	alertType string
	title     string
	severity  models.Severity
	causes    []string
}

// Evaluate maps the snapshot's advisory triggers, and a transition to
// CRITICAL, onto alerts. It returns the alerts that were created or merged.
// Evaluating the same snapshot again against unchanged state returns nothing
// and creates nothing.
func (e *Engine) Evaluate(ctx context.Context, snap models.MetricSnapshot, transition *models.Transition) ([]models.Alert, error) {
	if snap.PatientID == "" {
		return nil, models.ErrEmptyPatientID
	}
	unlock := e.lock(snap.PatientID)
	defer unlock()

	state, ok := e.states.State(snap.PatientID)
	if !ok {
		state = models.NewBaselineState(snap.PatientID, e.now())
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = e.now()
	}

	candidates := e.candidates(snap, state)
	if len(candidates) == 0 && transition != nil && transition.To == models.LevelCritical && transition.From < models.LevelCritical {
		candidates = append(candidates, candidate{
			alertType: AlertTypeCriticalEscalation,
			title:     "Escalated to critical monitoring",
			severity:  models.SeverityHigh,
			causes:    []string{"level:" + strings.ToLower(models.LevelCritical.String())},
		})
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	roomID, err := e.repo.PatientRoom(ctx, snap.PatientID)
	if err != nil {
		slog.Warn("Engine.Evaluate: room lookup failed", "patientID", snap.PatientID, "error", err)
	}

	var out []models.Alert
	for _, c := range candidates {
		a, err := e.apply(ctx, snap, state, roomID, c)
		if err != nil {
			return out, err
		}
		if a == nil {
			continue
		}
		out = append(out, *a)
		if transition != nil && transition.Trigger == models.TriggerAgent && !transition.Extended {
			e.publish(models.Event{
				Type:      models.EventAgentAlert,
				PatientID: a.PatientID,
				RoomID:    a.RoomID,
				Payload: models.AgentAlert{
					Message:    a.Title,
					Severity:   a.Severity,
					Reasoning:  transition.Reason,
					Confidence: transition.Confidence,
				},
			})
		}
	}
	return out, nil
}

// candidates groups the snapshot's triggers by alert type. Triggers tied to
// a metric that is disabled at the current level are ignored; external
// flags always count. At CRITICAL level a high alert is raised as critical.
func (e *Engine) candidates(snap models.MetricSnapshot, state models.MonitoringState) []candidate {
	byType := make(map[string]*candidate)
	var order []string
	for _, trig := range snap.AlertTriggers {
		m := e.cfg.AlertFor(trig)
		if m.Metric != "" && !state.MetricEnabled(m.Metric) {
			continue
		}
		sev := m.Severity
		if state.Level == models.LevelCritical && sev == models.SeverityHigh {
			sev = models.SeverityCritical
		}
		c, ok := byType[m.AlertType]
		if !ok {
			title := m.Title
			if title == "" {
				title = strings.ReplaceAll(m.AlertType, "_", " ")
			}
			c = &candidate{alertType: m.AlertType, title: title}
			byType[m.AlertType] = c
			order = append(order, m.AlertType)
		}
		c.severity = models.MaxSeverity(c.severity, sev)
		c.causes = append(c.causes, trig)
	}
	out := make([]candidate, 0, len(order))
	for _, t := range order {
		out = append(out, *byType[t])
	}
	return out
}

func (e *Engine) apply(ctx context.Context, snap models.MetricSnapshot, state models.MonitoringState, roomID string, c candidate) (*models.Alert, error) {
	sig := models.CauseSignature(c.causes)
	active, err := e.repo.ActiveAlerts(ctx, snap.PatientID, c.alertType)
	if err != nil {
		return nil, fmt.Errorf("load active %s alerts for %s: %w", c.alertType, snap.PatientID, err)
	}
	for _, existing := range active {
		if !models.CausesOverlap(existing.CauseSignature, sig) {
			continue
		}
		merged, err := e.merge(ctx, existing, snap, state, roomID, c)
		if errors.Is(err, store.ErrAlertNotActive) {
			slog.Debug("Engine.apply: alert closed during merge, creating new", "alertID", existing.ID)
			break
		}
		return merged, err
	}
	return e.create(ctx, snap, state, roomID, c, sig)
}

func (e *Engine) create(ctx context.Context, snap models.MetricSnapshot, state models.MonitoringState, roomID string, c candidate, sig string) (*models.Alert, error) {
	now := e.now()
	a := models.Alert{
		ID:             util.GenerateAlertID(),
		PatientID:      snap.PatientID,
		RoomID:         roomID,
		AlertType:      c.alertType,
		Severity:       c.severity,
		Title:          c.title,
		Description:    describe(snap, state, c.causes),
		Status:         models.AlertStatusActive,
		TriggeredAt:    snap.Timestamp,
		CauseSignature: sig,
		Occurrences:    1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	a.Metadata = metadataFor(snap, state, c.causes, nil)

	notify := a.Severity == models.SeverityCritical
	notified, err := e.repo.InsertAlert(ctx, a, notify)
	if err != nil {
		return nil, fmt.Errorf("create %s alert for %s: %w", c.alertType, snap.PatientID, err)
	}
	a.Notified = notified

	metrics.ObserveAlert("created", a.Severity.String())
	e.publishChange(models.EventAlertCreated, a)
	slog.Info("Engine.create: alert created", "alertID", a.ID, "patientID", a.PatientID, "roomID", a.RoomID, "type", a.AlertType, "severity", a.Severity, "notified", notified)
	return &a, nil
}

// merge folds a recurring cause into an existing active alert. A snapshot
// that is not newer than the alert's last trigger is ignored. Otherwise the
// trigger time and metadata are refreshed, the occurrence is appended to a
// bounded trigger history, the cause sets are unioned and the severity can
// only rise. Reaching critical notifies once.
func (e *Engine) merge(ctx context.Context, existing models.Alert, snap models.MetricSnapshot, state models.MonitoringState, roomID string, c candidate) (*models.Alert, error) {
	if !snap.Timestamp.After(existing.TriggeredAt) {
		return nil, nil
	}
	a := existing
	a.TriggeredAt = snap.Timestamp
	a.Occurrences = existing.Occurrences + 1
	a.CauseSignature = models.CauseSignature(append(existing.Causes(), c.causes...))
	a.Severity = models.MaxSeverity(existing.Severity, c.severity)
	a.Description = describe(snap, state, a.Causes())
	a.Metadata = metadataFor(snap, state, c.causes, existing.Metadata)
	if roomID != "" {
		a.RoomID = roomID
	}
	a.UpdatedAt = e.now()

	notify := a.Severity == models.SeverityCritical && !existing.Notified
	notified, err := e.repo.MergeAlert(ctx, a, notify)
	if err != nil {
		if errors.Is(err, store.ErrAlertNotActive) {
			return nil, err
		}
		return nil, fmt.Errorf("merge alert %s: %w", a.ID, err)
	}
	a.Notified = existing.Notified || notified

	action := "merged"
	if a.Severity > existing.Severity {
		action = "escalated"
	}
	metrics.ObserveAlert(action, a.Severity.String())
	e.publishChange(models.EventAlertUpdated, a)
	slog.Info("Engine.merge: alert refreshed", "alertID", a.ID, "patientID", a.PatientID, "occurrences", a.Occurrences, "severity", a.Severity, "action", action)
	return &a, nil
}

// ApplyStatus records a staff action on an alert.
func (e *Engine) ApplyStatus(ctx context.Context, alertID string, status models.AlertStatus) (*models.Alert, error) {
	if !models.IsValidAlertStatus(status) {
		return nil, fmt.Errorf("status %q: %w", status, models.ErrInvalidStatusTransition)
	}
	a, err := e.repo.UpdateAlertStatus(ctx, alertID, status, e.now())
	if err != nil {
		return nil, err
	}
	metrics.ObserveAlert(string(status), a.Severity.String())
	e.publishChange(models.EventAlertStatus, *a)
	slog.Info("Engine.ApplyStatus: alert status changed", "alertID", alertID, "status", status)
	return a, nil
}

// Acknowledge marks an alert acknowledged.
func (e *Engine) Acknowledge(ctx context.Context, alertID string) (*models.Alert, error) {
	return e.ApplyStatus(ctx, alertID, models.AlertStatusAcknowledged)
}

// Resolve marks an alert resolved. Resolved is terminal.
func (e *Engine) Resolve(ctx context.Context, alertID string) (*models.Alert, error) {
	return e.ApplyStatus(ctx, alertID, models.AlertStatusResolved)
}

// PatientSeverity is the maximum severity over the patient's active alerts.
func (e *Engine) PatientSeverity(ctx context.Context, patientID string) (models.Severity, error) {
	active, err := e.repo.ActiveAlerts(ctx, patientID, "")
	if err != nil {
		return models.SeverityUnknown, err
	}
	return models.MaxActiveSeverity(active), nil
}

// RoomSeverity is the maximum severity over the room's active alerts.
func (e *Engine) RoomSeverity(ctx context.Context, roomID string) (models.Severity, error) {
	active, err := e.repo.ListAlerts(ctx, models.AlertFilter{RoomID: roomID, Status: models.AlertStatusActive})
	if err != nil {
		return models.SeverityUnknown, err
	}
	return models.MaxActiveSeverity(active), nil
}

func (e *Engine) lock(patientID string) func() {
	v, _ := e.locks.LoadOrStore(patientID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (e *Engine) publishChange(t models.EventType, a models.Alert) {
	e.publish(models.Event{
		Type:      t,
		PatientID: a.PatientID,
		RoomID:    a.RoomID,
		Payload:   models.AlertChange{AlertID: a.ID, Severity: a.Severity, Status: a.Status},
	})
}

func (e *Engine) publish(ev models.Event) {
	if e.publisher != nil {
		e.publisher.Publish(ev)
	}
}

func describe(snap models.MetricSnapshot, state models.MonitoringState, causes []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Triggers: %s. Monitoring level %s.", strings.Join(causes, ", "), state.Level)
	present := snap.Metrics.Present()
	if len(present) > 0 {
		parts := make([]string, 0, len(present))
		for _, m := range present {
			v, _ := snap.Metrics.Value(m)
			parts = append(parts, fmt.Sprintf("%s=%.2f", m, v))
		}
		fmt.Fprintf(&b, " Latest: %s.", strings.Join(parts, ", "))
	}
	return b.String()
}

func metadataFor(snap models.MetricSnapshot, state models.MonitoringState, causes []string, previous map[string]any) map[string]any {
	values := make(map[string]any)
	for _, m := range snap.Metrics.Present() {
		v, _ := snap.Metrics.Value(m)
		values[string(m)] = v
	}
	sorted := append([]string(nil), causes...)
	sort.Strings(sorted)
	triggers := make([]any, len(sorted))
	for i, c := range sorted {
		triggers[i] = c
	}

	var history []any
	if prev, ok := previous["trigger_history"].([]any); ok {
		history = append(history, prev...)
	}
	history = append(history, map[string]any{
		"at":       snap.Timestamp.UTC().Format(time.RFC3339Nano),
		"triggers": triggers,
		"level":    state.Level.String(),
	})
	if len(history) > maxTriggerHistory {
		history = history[len(history)-maxTriggerHistory:]
	}

	return map[string]any{
		"level":           state.Level.String(),
		"source":          string(snap.Source),
		"metrics":         values,
		"triggers":        triggers,
		"trigger_history": history,
	}
}
