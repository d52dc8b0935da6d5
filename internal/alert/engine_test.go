package alert

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/WardWatch/internal/config"
	"github.com/BTreeMap/WardWatch/internal/events"
	"github.com/BTreeMap/WardWatch/internal/models"
	"github.com/BTreeMap/WardWatch/internal/store"
)

type stubStates map[string]models.Level

func (s stubStates) State(patientID string) (models.MonitoringState, bool) {
	level, ok := s[patientID]
	if !ok {
		return models.MonitoringState{}, false
	}
	return models.MonitoringState{PatientID: patientID, Level: level, EnabledMetrics: models.EnabledMetricsFor(level)}, true
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(states stubStates, opts ...Option) (*Engine, *store.InMemoryStore) {
	st := store.NewInMemoryStore()
	opts = append([]Option{WithClock(func() time.Time { return t0 })}, opts...)
	return NewEngine(config.Default(), st, states, opts...), st
}

func snapshot(at time.Time, triggers ...string) models.MetricSnapshot {
	return models.MetricSnapshot{
		PatientID:     "P1",
		Timestamp:     at,
		Source:        models.SourceCV,
		Metrics:       models.MetricValues{HeartRate: models.Float(125), TremorDetected: models.Bool(true)},
		AlertTriggers: triggers,
	}
}

func outboxCount(t *testing.T, st *store.InMemoryStore) int {
	t.Helper()
	msgs, err := st.ListOutboxMessages("P1")
	if err != nil {
		t.Fatal(err)
	}
	return len(msgs)
}

func TestEngine_ReevaluationIsIdempotent(t *testing.T) {
	e, st := newTestEngine(stubStates{"P1": models.LevelEnhanced})
	ctx := context.Background()
	s := snapshot(t0, "sustained_tachycardia")

	first, err := e.Evaluate(ctx, s, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 || first[0].AlertType != "tachycardia" || first[0].Severity != models.SeverityHigh {
		t.Fatalf("unexpected alerts %+v", first)
	}
	second, err := e.Evaluate(ctx, s, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 0 {
		t.Errorf("re-evaluation should not touch alerts, got %+v", second)
	}
	active, _ := st.ActiveAlerts(ctx, "P1", "")
	if len(active) != 1 || active[0].Occurrences != 1 {
		t.Errorf("expected one untouched active alert, got %+v", active)
	}
}

func TestEngine_RecurringCauseMerges(t *testing.T) {
	e, st := newTestEngine(stubStates{"P1": models.LevelEnhanced})
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		if _, err := e.Evaluate(ctx, snapshot(t0.Add(time.Duration(i)*time.Second), "sustained_tachycardia"), nil); err != nil {
			t.Fatal(err)
		}
	}
	active, _ := st.ActiveAlerts(ctx, "P1", "tachycardia")
	if len(active) != 1 {
		t.Fatalf("expected a single merged alert, got %d", len(active))
	}
	a := active[0]
	if a.Occurrences != 12 || !a.TriggeredAt.Equal(t0.Add(11*time.Second)) {
		t.Errorf("occurrences=%d triggered_at=%v", a.Occurrences, a.TriggeredAt)
	}
	history, _ := a.Metadata["trigger_history"].([]any)
	if len(history) != maxTriggerHistory {
		t.Errorf("trigger history should be bounded to %d, got %d", maxTriggerHistory, len(history))
	}
}

func TestEngine_DisabledMetricsIgnored(t *testing.T) {
	e, st := newTestEngine(stubStates{"P1": models.LevelBaseline})
	ctx := context.Background()

	got, err := e.Evaluate(ctx, snapshot(t0, "tremor", "hypoxemia"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("tremor and spo2 are not evaluated at BASELINE, got %+v", got)
	}

	got, _ = e.Evaluate(ctx, snapshot(t0, "critical_potassium"), nil)
	if len(got) != 1 || got[0].AlertType != "critical_lab" || got[0].Severity != models.SeverityCritical {
		t.Fatalf("external flag should raise a critical alert, got %+v", got)
	}
	if !got[0].Notified || outboxCount(t, st) != 2 {
		t.Errorf("critical alert should enqueue telephony and handoff once")
	}
}

func TestEngine_CriticalLevelNotifiesOnce(t *testing.T) {
	states := stubStates{"P1": models.LevelCritical}
	e, st := newTestEngine(states)
	ctx := context.Background()
	tr := &models.Transition{PatientID: "P1", From: models.LevelEnhanced, To: models.LevelCritical, Trigger: models.TriggerRule, Rule: "tremor_onset"}

	got, err := e.Evaluate(ctx, snapshot(t0, "tremor"), tr)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].AlertType != "tremor" || got[0].Severity != models.SeverityCritical {
		t.Fatalf("expected one critical tremor alert, got %+v", got)
	}

	// Retried and recurring evaluations never notify again.
	e.Evaluate(ctx, snapshot(t0, "tremor"), tr)
	e.Evaluate(ctx, snapshot(t0.Add(time.Second), "tremor"), nil)
	if n := outboxCount(t, st); n != 2 {
		t.Errorf("expected exactly one telephony and one handoff message, got %d", n)
	}
}

func TestEngine_MergeEscalatesSeverity(t *testing.T) {
	states := stubStates{"P1": models.LevelEnhanced}
	e, st := newTestEngine(states)
	ctx := context.Background()

	e.Evaluate(ctx, snapshot(t0, "sustained_tachycardia"), nil)
	if outboxCount(t, st) != 0 {
		t.Fatal("high alert must not notify")
	}

	states["P1"] = models.LevelCritical
	got, _ := e.Evaluate(ctx, snapshot(t0.Add(time.Second), "sustained_tachycardia"), nil)
	if len(got) != 1 || got[0].Severity != models.SeverityCritical || !got[0].Notified {
		t.Fatalf("merged alert should escalate to critical and notify, got %+v", got)
	}
	e.Evaluate(ctx, snapshot(t0.Add(2*time.Second), "sustained_tachycardia"), nil)
	if n := outboxCount(t, st); n != 2 {
		t.Errorf("escalation should notify once, got %d outbox rows", n)
	}

	states["P1"] = models.LevelEnhanced
	got, _ = e.Evaluate(ctx, snapshot(t0.Add(3*time.Second), "sustained_tachycardia"), nil)
	if got[0].Severity != models.SeverityCritical {
		t.Errorf("severity must never drop on merge, got %s", got[0].Severity)
	}
}

func TestEngine_CriticalEscalationAlert(t *testing.T) {
	e, _ := newTestEngine(stubStates{"P1": models.LevelCritical})
	ctx := context.Background()
	s := snapshot(t0)

	got, _ := e.Evaluate(ctx, s, &models.Transition{PatientID: "P1", From: models.LevelBaseline, To: models.LevelCritical, Trigger: models.TriggerRule})
	if len(got) != 1 || got[0].AlertType != AlertTypeCriticalEscalation || got[0].Severity != models.SeverityHigh {
		t.Fatalf("expected a critical_escalation alert, got %+v", got)
	}

	got, _ = e.Evaluate(ctx, snapshot(t0.Add(time.Second)), &models.Transition{PatientID: "P1", From: models.LevelCritical, To: models.LevelCritical, Extended: true})
	if len(got) != 0 {
		t.Errorf("an extended window is not an escalation, got %+v", got)
	}
	if got, _ := e.Evaluate(ctx, snapshot(t0), nil); len(got) != 0 {
		t.Errorf("no triggers and no transition should yield nothing, got %+v", got)
	}
}

func TestEngine_ResolvedAlertIsNotReused(t *testing.T) {
	e, st := newTestEngine(stubStates{"P1": models.LevelEnhanced})
	ctx := context.Background()

	first, _ := e.Evaluate(ctx, snapshot(t0, "tremor"), nil)
	if _, err := e.Resolve(ctx, first[0].ID); err != nil {
		t.Fatal(err)
	}
	second, _ := e.Evaluate(ctx, snapshot(t0.Add(time.Minute), "tremor"), nil)
	if len(second) != 1 || second[0].ID == first[0].ID {
		t.Fatalf("recurrence after resolution should open a new alert, got %+v", second)
	}
	all, _ := st.ListAlerts(ctx, models.AlertFilter{PatientID: "P1"})
	if len(all) != 2 {
		t.Errorf("expected two alerts, got %d", len(all))
	}
}

func TestEngine_RoomSeverityIsMaximum(t *testing.T) {
	states := stubStates{"P1": models.LevelEnhanced, "P2": models.LevelEnhanced}
	e, st := newTestEngine(states)
	ctx := context.Background()
	st.SetPatientRoom(ctx, "P1", "R1")
	st.SetPatientRoom(ctx, "P2", "R1")

	e.Evaluate(ctx, snapshot(t0, "tachypnea"), nil)
	p2 := snapshot(t0, "critical_potassium")
	p2.PatientID = "P2"
	got, _ := e.Evaluate(ctx, p2, nil)
	if len(got) != 1 || got[0].RoomID != "R1" {
		t.Fatalf("alert should carry the patient's room, got %+v", got)
	}

	sev, err := e.RoomSeverity(ctx, "R1")
	if err != nil {
		t.Fatal(err)
	}
	if sev != models.SeverityCritical {
		t.Errorf("room severity = %s, want critical", sev)
	}
	if sev, _ := e.PatientSeverity(ctx, "P1"); sev != models.SeverityMedium {
		t.Errorf("P1 severity = %s, want medium", sev)
	}

	e.Resolve(ctx, got[0].ID)
	if sev, _ := e.RoomSeverity(ctx, "R1"); sev != models.SeverityMedium {
		t.Errorf("resolved alerts should not count, got %s", sev)
	}
}

func TestEngine_ApplyStatus(t *testing.T) {
	e, _ := newTestEngine(stubStates{"P1": models.LevelEnhanced})
	ctx := context.Background()
	got, _ := e.Evaluate(ctx, snapshot(t0, "tremor"), nil)
	id := got[0].ID

	a, err := e.Acknowledge(ctx, id)
	if err != nil || a.Status != models.AlertStatusAcknowledged {
		t.Fatalf("Acknowledge = %+v, %v", a, err)
	}
	if _, err := e.ApplyStatus(ctx, id, "snoozed"); !errors.Is(err, models.ErrInvalidStatusTransition) {
		t.Errorf("unknown status should be rejected, got %v", err)
	}
	if _, err := e.Resolve(ctx, "missing"); !errors.Is(err, models.ErrAlertNotFound) {
		t.Errorf("expected ErrAlertNotFound, got %v", err)
	}
}

func TestEngine_AgentAlertEvent(t *testing.T) {
	bus := events.NewBus(time.Second)
	ch, cancel := bus.Subscribe(16, nil)
	defer cancel()
	e, _ := newTestEngine(stubStates{"P1": models.LevelCritical}, WithPublisher(bus))

	tr := &models.Transition{PatientID: "P1", From: models.LevelBaseline, To: models.LevelCritical, Trigger: models.TriggerAgent, Reason: "rising crs", Confidence: 0.8}
	if _, err := e.Evaluate(context.Background(), snapshot(t0), tr); err != nil {
		t.Fatal(err)
	}

	var sawCreated, sawAgent bool
	for len(ch) > 0 {
		ev := <-ch
		switch ev.Type {
		case models.EventAlertCreated:
			sawCreated = true
		case models.EventAgentAlert:
			p := ev.Payload.(models.AgentAlert)
			sawAgent = p.Reasoning == "rising crs" && p.Confidence == 0.8
		}
	}
	if !sawCreated || !sawAgent {
		t.Errorf("created=%v agent_alert=%v", sawCreated, sawAgent)
	}
}
