package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/BTreeMap/WardWatch/internal/models"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	return map[string]Store{
		"memory": NewInMemoryStore(),
		"sqlite": newTestSQLiteStore(t),
	}
}

func newAlert(id string, sev models.Severity, at time.Time) models.Alert {
	return models.Alert{
		ID:             id,
		PatientID:      "P1",
		RoomID:         "R1",
		AlertType:      "tremor",
		Severity:       sev,
		Title:          "Tremor detected",
		Status:         models.AlertStatusActive,
		TriggeredAt:    at,
		Metadata:       map[string]any{"level": "CRITICAL"},
		CauseSignature: "tremor",
		Occurrences:    1,
	}
}

func TestAlertRepo_InsertNotifiesOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			notified, err := s.InsertAlert(ctx, newAlert("a1", models.SeverityCritical, now), true)
			if err != nil {
				t.Fatalf("InsertAlert: %v", err)
			}
			if !notified {
				t.Fatal("expected notification on critical insert")
			}
			got, err := s.GetAlert(ctx, "a1")
			if err != nil {
				t.Fatalf("GetAlert: %v", err)
			}
			if !got.Notified || got.Severity != models.SeverityCritical || got.RoomID != "R1" {
				t.Errorf("unexpected alert %+v", got)
			}
			if got.Metadata["level"] != "CRITICAL" {
				t.Errorf("metadata lost: %v", got.Metadata)
			}

			// A merge that asks for notification again must not re-enqueue.
			merged := *got
			merged.Occurrences = 2
			again, err := s.MergeAlert(ctx, merged, true)
			if err != nil {
				t.Fatalf("MergeAlert: %v", err)
			}
			if again {
				t.Error("notified flag must only flip once")
			}

			msgs, err := s.ListOutboxMessages("P1")
			if err != nil {
				t.Fatal(err)
			}
			if len(msgs) != 2 {
				t.Fatalf("expected one telephony and one handoff message, got %d", len(msgs))
			}
			kinds := map[string]string{}
			for _, m := range msgs {
				kinds[m.Kind] = m.DedupeKey
			}
			if kinds[OutboxKindTelephony] != "telephony:a1" || kinds[OutboxKindHandoff] != "handoff:a1" {
				t.Errorf("unexpected dedupe keys %v", kinds)
			}
		})
	}
}

func TestRequestHandoff(t *testing.T) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			high := newAlert("a1", models.SeverityHigh, now)
			if _, err := s.InsertAlert(ctx, high, false); err != nil {
				t.Fatal(err)
			}
			id1, err := RequestHandoff(s, high)
			if err != nil {
				t.Fatalf("RequestHandoff: %v", err)
			}
			id2, _ := RequestHandoff(s, high)
			if id1 == "" || id1 != id2 {
				t.Errorf("repeated requests should share one message, got %q and %q", id1, id2)
			}

			// A critical alert already has its handoff queued.
			crit := newAlert("a2", models.SeverityCritical, now)
			if _, err := s.InsertAlert(ctx, crit, true); err != nil {
				t.Fatal(err)
			}
			if _, err := RequestHandoff(s, crit); err != nil {
				t.Fatal(err)
			}

			msgs, _ := s.ListOutboxMessages("P1")
			handoffs := 0
			for _, m := range msgs {
				if m.Kind == OutboxKindHandoff {
					handoffs++
				}
			}
			if len(msgs) != 3 || handoffs != 2 {
				t.Errorf("expected one handoff per alert plus one call, got %d messages (%d handoffs)", len(msgs), handoffs)
			}
		})
	}
}

func TestAlertRepo_MergeEscalationNotifies(t *testing.T) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.InsertAlert(ctx, newAlert("a1", models.SeverityHigh, now), false); err != nil {
				t.Fatal(err)
			}
			a, _ := s.GetAlert(ctx, "a1")
			a.Severity = models.SeverityCritical
			a.Occurrences = 2
			a.TriggeredAt = now.Add(time.Second)
			notified, err := s.MergeAlert(ctx, *a, true)
			if err != nil {
				t.Fatalf("MergeAlert: %v", err)
			}
			if !notified {
				t.Error("escalation to critical should notify")
			}
			got, _ := s.GetAlert(ctx, "a1")
			if got.Severity != models.SeverityCritical || got.Occurrences != 2 || !got.Notified {
				t.Errorf("merge not persisted: %+v", got)
			}
		})
	}
}

func TestAlertRepo_MergeRejectsInactive(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s.InsertAlert(ctx, newAlert("a1", models.SeverityHigh, now), false)
			if _, err := s.UpdateAlertStatus(ctx, "a1", models.AlertStatusResolved, now); err != nil {
				t.Fatal(err)
			}
			a, _ := s.GetAlert(ctx, "a1")
			if _, err := s.MergeAlert(ctx, *a, false); !errors.Is(err, ErrAlertNotActive) {
				t.Errorf("expected ErrAlertNotActive, got %v", err)
			}
		})
	}
}

func TestAlertRepo_StatusLifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s.InsertAlert(ctx, newAlert("a1", models.SeverityHigh, now), false)

			a, err := s.UpdateAlertStatus(ctx, "a1", models.AlertStatusAcknowledged, now.Add(time.Minute))
			if err != nil {
				t.Fatalf("acknowledge: %v", err)
			}
			if a.AcknowledgedAt == nil {
				t.Error("acknowledged_at not stamped")
			}
			if _, err := s.UpdateAlertStatus(ctx, "a1", models.AlertStatusAcknowledged, now); err != nil {
				t.Errorf("re-applying the same status should be a no-op: %v", err)
			}
			if _, err := s.UpdateAlertStatus(ctx, "a1", models.AlertStatusResolved, now.Add(2*time.Minute)); err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if _, err := s.UpdateAlertStatus(ctx, "a1", models.AlertStatusActive, now); !errors.Is(err, models.ErrInvalidStatusTransition) {
				t.Errorf("resolved must be terminal, got %v", err)
			}
			if _, err := s.UpdateAlertStatus(ctx, "missing", models.AlertStatusResolved, now); !errors.Is(err, models.ErrAlertNotFound) {
				t.Errorf("expected ErrAlertNotFound, got %v", err)
			}
		})
	}
}

func TestAlertRepo_ListingAndDelivery(t *testing.T) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			a1 := newAlert("a1", models.SeverityHigh, now)
			a2 := newAlert("a2", models.SeverityMedium, now.Add(time.Second))
			a2.AlertType = "tachypnea"
			a3 := newAlert("a3", models.SeverityLow, now)
			a3.PatientID = "P2"
			a3.RoomID = "R2"
			for _, a := range []models.Alert{a1, a2, a3} {
				if _, err := s.InsertAlert(ctx, a, false); err != nil {
					t.Fatal(err)
				}
			}

			active, _ := s.ActiveAlerts(ctx, "P1", "")
			if len(active) != 2 || active[0].ID != "a2" {
				t.Errorf("active alerts for P1 = %v", ids(active))
			}
			tremor, _ := s.ActiveAlerts(ctx, "P1", "tremor")
			if len(tremor) != 1 || tremor[0].ID != "a1" {
				t.Errorf("tremor alerts = %v", ids(tremor))
			}
			room, _ := s.ListAlerts(ctx, models.AlertFilter{RoomID: "R2"})
			if len(room) != 1 || room[0].ID != "a3" {
				t.Errorf("room R2 alerts = %v", ids(room))
			}
			limited, _ := s.ListAlerts(ctx, models.AlertFilter{Limit: 1})
			if len(limited) != 1 {
				t.Errorf("limit ignored: %v", ids(limited))
			}

			if err := s.SetDeliveryStatus(ctx, "a1", models.ChannelTelephony, "failed: busy"); err != nil {
				t.Fatal(err)
			}
			if err := s.SetDeliveryStatus(ctx, "a1", models.ChannelHandoff, "delivered"); err != nil {
				t.Fatal(err)
			}
			if err := s.AttachHandoffForm(ctx, "a1", "form_1", "/tmp/form_1.txt"); err != nil {
				t.Fatal(err)
			}
			got, _ := s.GetAlert(ctx, "a1")
			if got.DeliveryStatus[models.ChannelTelephony] != "failed: busy" || got.DeliveryStatus[models.ChannelHandoff] != "delivered" {
				t.Errorf("delivery status = %v", got.DeliveryStatus)
			}
			if got.FormID != "form_1" || got.PDFPath != "/tmp/form_1.txt" {
				t.Errorf("handoff form not attached: %+v", got)
			}
		})
	}
}

func TestRoomAndStateRepos(t *testing.T) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if room, _ := s.PatientRoom(ctx, "P1"); room != "" {
				t.Errorf("unassigned patient room = %q", room)
			}
			s.SetPatientRoom(ctx, "P1", "R1")
			s.SetPatientRoom(ctx, "P1", "R7")
			if room, _ := s.PatientRoom(ctx, "P1"); room != "R7" {
				t.Errorf("room = %q, want R7", room)
			}
			s.SetPatientRoom(ctx, "P1", "")
			if room, _ := s.PatientRoom(ctx, "P1"); room != "" {
				t.Errorf("cleared room = %q", room)
			}

			if st, err := s.LoadState(ctx, "P1"); err != nil || st != nil {
				t.Fatalf("LoadState of unknown patient = %v, %v", st, err)
			}
			expires := now.Add(5 * time.Minute)
			state := models.MonitoringState{
				PatientID:      "P1",
				Level:          models.LevelEnhanced,
				EnabledMetrics: models.EnabledMetricsFor(models.LevelEnhanced),
				ExpiresAt:      &expires,
				LastReason:     "crs_high_water",
				LastConfidence: 1,
				UpdatedAt:      now,
			}
			if err := s.SaveState(ctx, state); err != nil {
				t.Fatal(err)
			}
			got, err := s.LoadState(ctx, "P1")
			if err != nil || got == nil {
				t.Fatalf("LoadState: %v", err)
			}
			if got.Level != models.LevelEnhanced || got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
				t.Errorf("state round trip mismatch: %+v", got)
			}
			if len(got.EnabledMetrics) != len(state.EnabledMetrics) {
				t.Errorf("enabled metrics = %v", got.EnabledMetrics)
			}
			state.Level = models.LevelBaseline
			state.ExpiresAt = nil
			s.SaveState(ctx, state)
			all, _ := s.ListStates(ctx)
			if len(all) != 1 || all[0].Level != models.LevelBaseline || all[0].ExpiresAt != nil {
				t.Errorf("ListStates = %+v", all)
			}
		})
	}
}

func TestDecisionLog(t *testing.T) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i, applied := range []bool{false, true} {
				err := s.LogDecision(ctx, DecisionRecord{
					AgentDecision: models.AgentDecision{
						PatientID:     "P1",
						Timestamp:     now.Add(time.Duration(i) * time.Second),
						ProposedLevel: models.LevelCritical,
						Reasoning:     "rising crs",
						Concerns:      []string{"crs"},
						Confidence:    0.4 + float64(i)*0.4,
						Provider:      "rules",
					},
					Applied: applied,
				})
				if err != nil {
					t.Fatal(err)
				}
			}
			recs, err := s.ListDecisions(ctx, "P1", 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(recs) != 2 || !recs[0].Applied || recs[1].Applied {
				t.Fatalf("decisions newest first expected, got %+v", recs)
			}
			if recs[1].Concerns[0] != "crs" || recs[1].ProposedLevel != models.LevelCritical {
				t.Errorf("decision fields lost: %+v", recs[1])
			}
		})
	}
}

func TestDecisionLog_UndecodableConcernsFails(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)
	err := s.LogDecision(ctx, DecisionRecord{
		AgentDecision: models.AgentDecision{
			PatientID:     "P1",
			Timestamp:     time.Now(),
			ProposedLevel: models.LevelEnhanced,
			Concerns:      []string{"crs"},
			Confidence:    0.9,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.Exec(`UPDATE agent_decisions SET concerns = '{not json' WHERE patient_id = 'P1'`); err != nil {
		t.Fatal(err)
	}
	recs, err := s.ListDecisions(ctx, "P1", 10)
	if err == nil {
		t.Fatalf("expected decode error, got %+v", recs)
	}
	if recs != nil {
		t.Errorf("no partial records expected, got %+v", recs)
	}
}

func TestDetectDSNType(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@localhost/db":     "postgres",
		"postgresql://localhost/db":       "postgres",
		"host=localhost dbname=wardwatch": "postgres",
		"/var/lib/wardwatch/wardwatch.db": "sqlite3",
		"file:wardwatch.db?_fk=1":         "sqlite3",
	}
	for dsn, want := range tests {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestPostgresStore(t *testing.T) {
	// This test requires a running PostgreSQL instance.
	// Set the DATABASE_URL environment variable for connection string.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	pgStore, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pgStore.Close()
	pgStore.db.Exec("DELETE FROM outbox_messages WHERE patient_id = 'pg-test'")
	pgStore.db.Exec("DELETE FROM alerts WHERE patient_id = 'pg-test'")

	a := newAlert("pg-test-alert", models.SeverityCritical, time.Now())
	a.PatientID = "pg-test"
	if _, err := pgStore.InsertAlert(context.Background(), a, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msgs, err := pgStore.ListOutboxMessages("pg-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("expected 2 outbox messages, got %d", len(msgs))
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val := os.Getenv(key); val != "" {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}

func ids(alerts []models.Alert) []string {
	out := make([]string, len(alerts))
	for i, a := range alerts {
		out[i] = a.ID
	}
	return out
}
