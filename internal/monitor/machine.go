// Package monitor implements the per-patient monitoring level state machine.
//
// Levels only rise through deterministic rules or accepted agent decisions
// and only fall through expiry back to BASELINE. Each patient's state is
// guarded by its own lock so agent decisions and metric-driven escalation
// for the same patient are serialized without blocking other patients.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/WardWatch/internal/config"
	"github.com/BTreeMap/WardWatch/internal/events"
	"github.com/BTreeMap/WardWatch/internal/metrics"
	"github.com/BTreeMap/WardWatch/internal/models"
	"github.com/BTreeMap/WardWatch/internal/store"
)

type patientState struct {
	mu    sync.Mutex
	state models.MonitoringState
	prev  *models.MetricValues
}

// Opts holds optional Machine collaborators.
type Opts struct {
	Repo      store.StateRepo
	Decisions store.DecisionLog
	Publisher events.Publisher
	Now       func() time.Time
}

// Option configures a Machine.
type Option func(*Opts)

// WithStateRepo persists every state mutation.
func WithStateRepo(r store.StateRepo) Option {
	return func(o *Opts) { o.Repo = r }
}

// WithDecisionLog audits every agent decision, applied or not.
func WithDecisionLog(l store.DecisionLog) Option {
	return func(o *Opts) { o.Decisions = l }
}

// WithPublisher publishes monitoring_state_change and agent events.
func WithPublisher(p events.Publisher) Option {
	return func(o *Opts) { o.Publisher = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Machine owns every patient's MonitoringState.
type Machine struct {
	rules      []config.Rule
	window     time.Duration
	acceptance float64

	repo      store.StateRepo
	decisions store.DecisionLog
	publisher events.Publisher
	timers    *ExpiryTimer
	now       func() time.Time

	mu       sync.Mutex
	patients map[string]*patientState
	thinking map[string]bool
}

// NewMachine creates a Machine from the rule pack.
func NewMachine(cfg *config.Config, opts ...Option) *Machine {
	o := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Machine{
		rules:      append([]config.Rule(nil), cfg.Rules...),
		window:     cfg.EscalationWindow,
		acceptance: cfg.AcceptanceThreshold,
		repo:       o.Repo,
		decisions:  o.Decisions,
		publisher:  o.Publisher,
		timers:     NewExpiryTimer(o.Now),
		now:        o.Now,
		patients:   make(map[string]*patientState),
		thinking:   make(map[string]bool),
	}
}

// Observe evaluates the escalation rules against a snapshot and returns the
// resulting transition, or nil when the level did not change and no window
// was extended. An elevated state whose window has passed is reset first.
func (m *Machine) Observe(ctx context.Context, snap models.MetricSnapshot) (*models.Transition, error) {
	ps, err := m.acquire(ctx, snap.PatientID)
	if err != nil {
		return nil, err
	}
	defer ps.mu.Unlock()

	now := m.now()
	var result *models.Transition
	if t := m.expireLocked(ctx, ps, now); t != nil {
		result = t
	}

	prev := ps.prev
	cur := snap.Metrics
	ps.prev = &cur

	var fired *config.Rule
	var reason string
	for i := range m.rules {
		rule := &m.rules[i]
		if !ps.state.MetricEnabled(rule.Metric) {
			continue
		}
		why, ok := evaluateRule(rule, prev, cur)
		if !ok {
			continue
		}
		if fired == nil || rule.Level > fired.Level {
			fired = rule
			reason = why
		}
	}
	if fired == nil {
		return result, nil
	}
	if t := m.escalateLocked(ctx, ps, fired.Level, models.TriggerRule, fired.Name, reason, 1, now); t != nil {
		result = t
	}
	return result, nil
}

// evaluateRule reports whether rule fires between prev and cur. A metric
// missing from the previous snapshot counts as not having crossed.
func evaluateRule(rule *config.Rule, prev *models.MetricValues, cur models.MetricValues) (string, bool) {
	value, ok := cur.Value(rule.Metric)
	if !ok {
		return "", false
	}
	var before float64
	var hadBefore bool
	if prev != nil {
		before, hadBefore = prev.Value(rule.Metric)
	}
	switch rule.Operator {
	case config.OpCrossAbove:
		if value >= rule.Threshold && (!hadBefore || before < rule.Threshold) {
			return fmt.Sprintf("%s: %s %.2f crossed above %.2f", rule.Name, rule.Metric, value, rule.Threshold), true
		}
	case config.OpCrossBelow:
		if value <= rule.Threshold && (!hadBefore || before > rule.Threshold) {
			return fmt.Sprintf("%s: %s %.2f crossed below %.2f", rule.Name, rule.Metric, value, rule.Threshold), true
		}
	case config.OpOnset:
		if value >= 1 && (!hadBefore || before < 1) {
			return fmt.Sprintf("%s: %s onset", rule.Name, rule.Metric), true
		}
	}
	return "", false
}

// ApplyDecision applies an agent proposal against the current state using
// only its direction: a proposal is applied when it is above the current
// level and its confidence meets the acceptance threshold. A proposal for
// the current elevated level extends the window. Every decision is audited.
func (m *Machine) ApplyDecision(ctx context.Context, d *models.AgentDecision) (*models.Transition, bool, error) {
	if d == nil {
		return nil, false, nil
	}
	m.mu.Lock()
	ps, ok := m.patients[d.PatientID]
	m.mu.Unlock()
	if !ok {
		return nil, false, fmt.Errorf("apply decision for %s: no monitoring state: %w", d.PatientID, models.ErrStateCorruption)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := m.now()
	m.expireLocked(ctx, ps, now)

	current := ps.state.Level
	var note string
	var t *models.Transition
	applied := false
	switch {
	case d.Confidence < m.acceptance:
		note = fmt.Sprintf("confidence %.2f below acceptance threshold %.2f", d.Confidence, m.acceptance)
	case d.ProposedLevel < current || (d.ProposedLevel == current && current == models.LevelBaseline):
		note = fmt.Sprintf("proposed %s does not raise current %s", d.ProposedLevel, current)
	default:
		reason := d.Reasoning
		if reason == "" {
			reason = "agent proposal"
		}
		t = m.escalateLocked(ctx, ps, d.ProposedLevel, models.TriggerAgent, d.Provider, reason, d.Confidence, now)
		applied = t != nil
	}

	if !applied {
		slog.Info("Machine.ApplyDecision: decision not applied", "patientID", d.PatientID, "proposed", d.ProposedLevel, "confidence", d.Confidence, "note", note)
	}
	if m.decisions != nil {
		rec := store.DecisionRecord{AgentDecision: *d, Applied: applied, Note: note, LoggedAt: now}
		if err := m.decisions.LogDecision(ctx, rec); err != nil {
			slog.Error("Machine.ApplyDecision: audit failed", "patientID", d.PatientID, "error", err)
		}
	}
	m.publish(models.Event{
		Type:      models.EventAgentReasoning,
		PatientID: d.PatientID,
		Payload: models.AgentReasoning{
			Reasoning:     d.Reasoning,
			Concerns:      d.Concerns,
			Confidence:    d.Confidence,
			ProposedLevel: d.ProposedLevel,
			Applied:       applied,
		},
	})
	return t, applied, nil
}

// escalateLocked moves the patient to level, or re-arms the window when
// already there. Lower targets are ignored.
func (m *Machine) escalateLocked(ctx context.Context, ps *patientState, level models.Level, trigger models.TransitionTrigger, rule, reason string, confidence float64, now time.Time) *models.Transition {
	from := ps.state.Level
	if level < from || level == models.LevelBaseline {
		return nil
	}
	expires := now.Add(m.window)
	ps.state.Level = level
	ps.state.EnabledMetrics = models.EnabledMetricsFor(level)
	ps.state.ExpiresAt = &expires
	ps.state.LastReason = reason
	ps.state.LastConfidence = confidence
	ps.state.UpdatedAt = now

	t := &models.Transition{
		PatientID:      ps.state.PatientID,
		From:           from,
		To:             level,
		Trigger:        trigger,
		Rule:           rule,
		Reason:         reason,
		Confidence:     confidence,
		At:             now,
		ExpiresAt:      &expires,
		EnabledMetrics: append([]models.Metric(nil), ps.state.EnabledMetrics...),
		Extended:       level == from,
	}
	m.commitLocked(ctx, ps, t)
	m.armExpiry(ps.state.PatientID, expires)
	if t.Extended {
		slog.Debug("Machine.escalate: window extended", "patientID", t.PatientID, "level", level, "expiresAt", expires)
	} else {
		slog.Info("Machine.escalate: level raised", "patientID", t.PatientID, "from", from, "to", level, "trigger", trigger, "reason", reason)
	}
	return t
}

// expireLocked resets an elevated state whose window has passed.
func (m *Machine) expireLocked(ctx context.Context, ps *patientState, now time.Time) *models.Transition {
	st := ps.state
	if st.Level == models.LevelBaseline || st.ExpiresAt == nil || now.Before(*st.ExpiresAt) {
		return nil
	}
	ps.state.Level = models.LevelBaseline
	ps.state.EnabledMetrics = models.EnabledMetricsFor(models.LevelBaseline)
	ps.state.ExpiresAt = nil
	ps.state.LastReason = fmt.Sprintf("%s window expired", st.Level)
	ps.state.LastConfidence = 1
	ps.state.UpdatedAt = now

	t := &models.Transition{
		PatientID:      st.PatientID,
		From:           st.Level,
		To:             models.LevelBaseline,
		Trigger:        models.TriggerExpiry,
		Reason:         ps.state.LastReason,
		Confidence:     1,
		At:             now,
		EnabledMetrics: append([]models.Metric(nil), ps.state.EnabledMetrics...),
	}
	m.commitLocked(ctx, ps, t)
	m.timers.Cancel(st.PatientID)
	slog.Info("Machine.expire: reverted to baseline", "patientID", st.PatientID, "from", st.Level)
	return t
}

// commitLocked persists the state and publishes the transition. A failed
// write is logged; the in-memory state stays authoritative.
func (m *Machine) commitLocked(ctx context.Context, ps *patientState, t *models.Transition) {
	if m.repo != nil {
		if err := m.repo.SaveState(ctx, ps.state.Clone()); err != nil {
			slog.Error("Machine.commit: persist state failed", "patientID", t.PatientID, "error", err)
		}
	}
	metrics.ObserveTransition(t.To.String(), string(t.Trigger))
	m.publish(models.Event{
		Type:      models.EventMonitoringStateChange,
		PatientID: t.PatientID,
		Payload: models.MonitoringStateChange{
			Level:          t.To,
			Previous:       t.From,
			Reason:         t.Reason,
			ExpiresAt:      t.ExpiresAt,
			EnabledMetrics: t.EnabledMetrics,
			Trigger:        string(t.Trigger),
		},
	})
}

func (m *Machine) armExpiry(patientID string, at time.Time) {
	m.timers.ScheduleAt(patientID, at, func() {
		m.expirePatient(patientID)
	})
}

func (m *Machine) expirePatient(patientID string) {
	m.mu.Lock()
	ps, ok := m.patients[patientID]
	m.mu.Unlock()
	if !ok {
		return
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	m.expireLocked(context.Background(), ps, m.now())
}

// ExpireDue resets every elevated state whose window ended at or before now.
func (m *Machine) ExpireDue(now time.Time) []*models.Transition {
	m.mu.Lock()
	all := make([]*patientState, 0, len(m.patients))
	for _, ps := range m.patients {
		all = append(all, ps)
	}
	m.mu.Unlock()

	var out []*models.Transition
	for _, ps := range all {
		ps.mu.Lock()
		if t := m.expireLocked(context.Background(), ps, now); t != nil {
			out = append(out, t)
		}
		ps.mu.Unlock()
	}
	return out
}

// acquire returns the patient's state locked, loading it from the repo or
// creating a BASELINE state on first use.
func (m *Machine) acquire(ctx context.Context, patientID string) (*patientState, error) {
	if patientID == "" {
		return nil, models.ErrEmptyPatientID
	}
	m.mu.Lock()
	ps, ok := m.patients[patientID]
	if !ok {
		ps = &patientState{state: models.NewBaselineState(patientID, m.now())}
		m.patients[patientID] = ps
	}
	ps.mu.Lock()
	m.mu.Unlock()
	if ok {
		return ps, nil
	}

	if m.repo != nil {
		saved, err := m.repo.LoadState(ctx, patientID)
		if err != nil {
			m.mu.Lock()
			delete(m.patients, patientID)
			m.mu.Unlock()
			ps.mu.Unlock()
			return nil, fmt.Errorf("load monitoring state for %s: %w", patientID, err)
		}
		if saved != nil {
			ps.state = saved.Clone()
			if ps.state.ExpiresAt != nil && ps.state.Level > models.LevelBaseline {
				m.armExpiry(patientID, *ps.state.ExpiresAt)
			}
			return ps, nil
		}
		if err := m.repo.SaveState(ctx, ps.state); err != nil {
			slog.Error("Machine.acquire: persist baseline failed", "patientID", patientID, "error", err)
		}
	}
	return ps, nil
}

// Restore installs a persisted state, typically at startup. A state whose
// window already ended is reset and the expiry transition is returned.
func (m *Machine) Restore(ctx context.Context, st models.MonitoringState) *models.Transition {
	ps := &patientState{state: st.Clone()}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	m.mu.Lock()
	m.patients[st.PatientID] = ps
	m.mu.Unlock()

	if t := m.expireLocked(ctx, ps, m.now()); t != nil {
		return t
	}
	if st.Level > models.LevelBaseline && st.ExpiresAt != nil {
		m.armExpiry(st.PatientID, *st.ExpiresAt)
	}
	return nil
}

// PendingExpiry reports when the patient's armed expiry timer fires.
func (m *Machine) PendingExpiry(patientID string) (time.Time, bool) {
	return m.timers.Pending(patientID)
}

// Forget drops the in-memory state and pending expiry for a patient. The
// persisted state is kept and reloaded on the next Observe.
func (m *Machine) Forget(patientID string) {
	m.mu.Lock()
	delete(m.patients, patientID)
	delete(m.thinking, patientID)
	m.mu.Unlock()
	m.timers.Cancel(patientID)
}

// Reset replaces the patient's state with a fresh BASELINE one, in memory and
// in the repo, so an unreadable stored row does not outlive the session that
// hit it.
func (m *Machine) Reset(ctx context.Context, patientID string) error {
	if patientID == "" {
		return models.ErrEmptyPatientID
	}
	m.Forget(patientID)
	st := models.NewBaselineState(patientID, m.now())
	if m.repo != nil {
		if err := m.repo.SaveState(ctx, st); err != nil {
			return fmt.Errorf("reset monitoring state for %s: %w", patientID, err)
		}
	}
	m.mu.Lock()
	m.patients[patientID] = &patientState{state: st}
	m.mu.Unlock()
	slog.Warn("Machine.Reset: monitoring state reset to baseline", "patientID", patientID)
	m.publish(models.Event{
		Type:      models.EventMonitoringStateChange,
		PatientID: patientID,
		Payload: models.MonitoringStateChange{
			Level:          models.LevelBaseline,
			Previous:       models.LevelBaseline,
			Reason:         "monitoring state reset",
			EnabledMetrics: st.EnabledMetrics,
			Trigger:        string(models.TriggerReset),
		},
	})
	return nil
}

// State returns a copy of the patient's current state.
func (m *Machine) State(patientID string) (models.MonitoringState, bool) {
	m.mu.Lock()
	ps, ok := m.patients[patientID]
	m.mu.Unlock()
	if !ok {
		return models.MonitoringState{}, false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.state.Clone(), true
}

// States returns copies of all known states ordered by patient id.
func (m *Machine) States() []models.MonitoringState {
	m.mu.Lock()
	ids := make([]string, 0, len(m.patients))
	for id := range m.patients {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	out := make([]models.MonitoringState, 0, len(ids))
	for _, id := range ids {
		if st, ok := m.State(id); ok {
			out = append(out, st)
		}
	}
	return out
}

// SetThinking records whether an agent call is in flight for the patient.
// It is an observability flag, not a monitoring level.
func (m *Machine) SetThinking(patientID string, thinking bool, message string) {
	m.mu.Lock()
	if thinking {
		m.thinking[patientID] = true
	} else {
		delete(m.thinking, patientID)
	}
	m.mu.Unlock()
	if thinking {
		m.publish(models.Event{
			Type:      models.EventAgentThinking,
			PatientID: patientID,
			Payload:   models.AgentThinking{Message: message},
		})
	}
}

// Thinking reports whether an agent call is in flight for the patient.
func (m *Machine) Thinking(patientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thinking[patientID]
}

// Stop cancels all pending expiry timers.
func (m *Machine) Stop() {
	m.timers.Stop()
}

func (m *Machine) publish(ev models.Event) {
	if m.publisher != nil {
		m.publisher.Publish(ev)
	}
}
