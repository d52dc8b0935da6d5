package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/BTreeMap/WardWatch/internal/alert"
	"github.com/BTreeMap/WardWatch/internal/config"
	"github.com/BTreeMap/WardWatch/internal/events"
	"github.com/BTreeMap/WardWatch/internal/ingest"
	"github.com/BTreeMap/WardWatch/internal/metrics"
	"github.com/BTreeMap/WardWatch/internal/models"
	"github.com/BTreeMap/WardWatch/internal/monitor"
	"github.com/BTreeMap/WardWatch/internal/pipeline"
	"github.com/BTreeMap/WardWatch/internal/session"
	"github.com/BTreeMap/WardWatch/internal/store"
	"github.com/BTreeMap/WardWatch/internal/testutil"
)

type testEnv struct {
	srv     *httptest.Server
	store   *store.InMemoryStore
	bus     *events.Bus
	machine *monitor.Machine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()
	st := store.NewInMemoryStore()
	bus := events.NewBus(time.Second)
	registry := session.NewRegistry(session.WithPublisher(bus))
	machine := monitor.NewMachine(cfg, monitor.WithStateRepo(st), monitor.WithDecisionLog(st), monitor.WithPublisher(bus))
	t.Cleanup(machine.Stop)
	engine := alert.NewEngine(cfg, st, machine, alert.WithPublisher(bus))
	manager := pipeline.NewManager(pipeline.Deps{
		Registry: registry,
		Adapter:  ingest.NewAdapter(ingest.WithThresholds(cfg.Triggers)),
		Machine:  machine,
		Engine:   engine,
		Dedup:    st,
	})
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatal(err)
	}
	s := NewServer(Deps{
		Registry:  registry,
		Manager:   manager,
		Machine:   machine,
		Engine:    engine,
		Store:     st,
		Decisions: st,
		Outbox:    st,
		Bus:       bus,
	}, WithGatherer(reg), WithHandshakeWait(time.Second))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: st, bus: bus, machine: machine}
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, models.APIResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, e.srv.URL+path, &buf)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, testutil.DecodeResponse(t, resp.Body, "")
}

func admit(t *testing.T, ws *websocket.Conn) admittedMessage {
	t.Helper()
	if err := ws.WriteJSON(map[string]any{"type": "handshake", "mode": "full", "conditions": []string{"cart"}}); err != nil {
		t.Fatal(err)
	}
	var ack admittedMessage
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := ws.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != msgAdmitted || ack.SessionID == "" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	return ack
}

func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) || ce.Code != code {
			t.Fatalf("expected close %d, got %v", code, err)
		}
		return
	}
}

func TestCapture_StreamsIntoMonitoring(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t, "/ws/capture/P1")
	ack := admit(t, ws)
	if ack.Level != models.LevelBaseline {
		t.Errorf("new patient should start at BASELINE, got %s", ack.Level)
	}

	ws.WriteJSON(map[string]any{"type": "metrics", "id": "m1", "metrics": map[string]any{"crs_score": 0.8}})
	testutil.Eventually(t, "escalation", func() bool {
		st, ok := env.machine.State("P1")
		return ok && st.Level == models.LevelEnhanced
	})

	code, resp := env.do(t, http.MethodGet, "/patients/P1/state", nil)
	if code != http.StatusOK || resp.Status != string(models.APIStatusOK) {
		t.Fatalf("state: %d %+v", code, resp)
	}
	view := resp.Result.(map[string]any)
	if view["state"].(map[string]any)["level"] != "ENHANCED" || view["session"] == nil {
		t.Errorf("unexpected state view %+v", view)
	}

	code, resp = env.do(t, http.MethodGet, "/sessions", nil)
	if code != http.StatusOK || len(resp.Result.([]any)) != 1 {
		t.Errorf("sessions: %d %+v", code, resp)
	}
}

func TestCapture_DuplicateSessionRejected(t *testing.T) {
	env := newTestEnv(t)
	first := env.dial(t, "/ws/capture/P1")
	admit(t, first)

	second := env.dial(t, "/ws/capture/P1")
	second.WriteJSON(map[string]any{"type": "handshake"})
	expectClose(t, second, session.CloseDuplicateSession)

	// The first session is unaffected.
	if err := first.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatal(err)
	}
	var pong map[string]string
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := first.ReadJSON(&pong); err != nil || pong["type"] != msgPong {
		t.Errorf("first session should still be live: %v %v", pong, err)
	}
}

func TestCapture_ReconnectAfterClose(t *testing.T) {
	env := newTestEnv(t)
	first := env.dial(t, "/ws/capture/P1")
	admit(t, first)
	first.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	first.Close()

	testutil.Eventually(t, "release", func() bool {
		_, resp := env.do(t, http.MethodGet, "/sessions", nil)
		return len(resp.Result.([]any)) == 0
	})
	admit(t, env.dial(t, "/ws/capture/P1"))
}

func TestCapture_BadHandshake(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t, "/ws/capture/P1")
	ws.WriteJSON(map[string]any{"type": "metrics"})
	expectClose(t, ws, session.CloseBadHandshake)
}

func TestEventsSocket_PushesPatientEvents(t *testing.T) {
	env := newTestEnv(t)
	feed := env.dial(t, "/ws/events?patient_id=P1")
	testutil.Eventually(t, "subscription", func() bool { return env.bus.Subscribers() == 1 })

	admit(t, env.dial(t, "/ws/capture/P2"))
	admit(t, env.dial(t, "/ws/capture/P1"))

	var ev models.Event
	feed.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := feed.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != models.EventSessionAdmitted || ev.PatientID != "P1" {
		t.Errorf("expected P1 session_admitted, got %+v", ev)
	}
}

func TestAlertEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store.InsertAlert(ctx, models.Alert{
		ID: "a1", PatientID: "P1", RoomID: "R1", AlertType: "tremor", Severity: models.SeverityHigh,
		Status: models.AlertStatusActive, TriggeredAt: time.Now(), CauseSignature: "tremor", Occurrences: 1,
	}, false)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"list", http.MethodGet, "/alerts?patient_id=P1", http.StatusOK},
		{"list bad status", http.MethodGet, "/alerts?status=snoozed", http.StatusBadRequest},
		{"list bad limit", http.MethodGet, "/alerts?limit=x", http.StatusBadRequest},
		{"get", http.MethodGet, "/alerts/a1", http.StatusOK},
		{"get missing", http.MethodGet, "/alerts/nope", http.StatusNotFound},
		{"room severity", http.MethodGet, "/rooms/R1/severity", http.StatusOK},
		{"acknowledge", http.MethodPost, "/alerts/a1/acknowledge", http.StatusOK},
		{"resolve", http.MethodPost, "/alerts/a1/resolve", http.StatusOK},
		{"resolve again", http.MethodPost, "/alerts/a1/resolve", http.StatusOK},
		{"acknowledge resolved", http.MethodPost, "/alerts/a1/acknowledge", http.StatusConflict},
		{"resolve missing", http.MethodPost, "/alerts/nope/resolve", http.StatusNotFound},
		{"wrong method", http.MethodDelete, "/alerts/a1", http.StatusMethodNotAllowed},
		{"get on post route", http.MethodGet, "/alerts/a1/resolve", http.StatusMethodNotAllowed},
		{"unknown path", http.MethodGet, "/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := env.do(t, tt.method, tt.path, nil)
			if code != tt.want {
				t.Errorf("%s %s = %d (%+v), want %d", tt.method, tt.path, code, resp, tt.want)
			}
		})
	}

	a, _ := env.store.GetAlert(ctx, "a1")
	if a.Status != models.AlertStatusResolved {
		t.Errorf("status = %s", a.Status)
	}
}

func TestRoomAndWearableEndpoints(t *testing.T) {
	env := newTestEnv(t)

	if code, _ := env.do(t, http.MethodPut, "/patients/P1/room", map[string]string{"room_id": "R7"}); code != http.StatusOK {
		t.Fatalf("room update = %d", code)
	}
	if room, _ := env.store.PatientRoom(context.Background(), "P1"); room != "R7" {
		t.Errorf("room = %q", room)
	}
	code, resp := env.do(t, http.MethodGet, "/rooms/R7/severity", nil)
	if code != http.StatusOK || resp.Result.(map[string]any)["severity"] != "info" {
		t.Errorf("empty room severity: %d %+v", code, resp)
	}

	sample := map[string]any{"timestamp": time.Now().Format(time.RFC3339), "metrics": map[string]any{"heart_rate": 72}}
	if code, _ := env.do(t, http.MethodPost, "/patients/P1/wearable", sample); code != http.StatusAccepted {
		t.Errorf("wearable without session = %d, want 202", code)
	}
	bad := map[string]any{"metrics": map[string]any{"spo2": 140}}
	if code, _ := env.do(t, http.MethodPost, "/patients/P1/wearable", bad); code != http.StatusBadRequest {
		t.Errorf("invalid wearable = %d, want 400", code)
	}
	if code, _ := env.do(t, http.MethodGet, "/patients/P9/state", nil); code != http.StatusNotFound {
		t.Errorf("unknown patient state = %d, want 404", code)
	}
}

func TestOperationalEndpoints(t *testing.T) {
	env := newTestEnv(t)
	if code, resp := env.do(t, http.MethodGet, "/healthz", nil); code != http.StatusOK || resp.Status != "ok" {
		t.Errorf("healthz = %d %+v", code, resp)
	}
	resp, err := http.Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics = %d", resp.StatusCode)
	}
}

func TestDecisionsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i, applied := range []bool{false, true} {
		rec := store.DecisionRecord{
			AgentDecision: models.AgentDecision{
				PatientID:     "P1",
				ProposedLevel: models.LevelCritical,
				Confidence:    0.4 + 0.3*float64(i),
				Timestamp:     testutil.Epoch.Add(time.Duration(i) * time.Minute),
			},
			Applied:  applied,
			LoggedAt: testutil.Epoch.Add(time.Duration(i) * time.Minute),
		}
		if err := env.store.LogDecision(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	code, resp := env.do(t, http.MethodGet, "/patients/P1/decisions", nil)
	if code != http.StatusOK {
		t.Fatalf("decisions = %d %+v", code, resp)
	}
	recs := resp.Result.([]any)
	if len(recs) != 2 || recs[0].(map[string]any)["applied"] != true {
		t.Errorf("expected newest first, got %+v", recs)
	}

	code, resp = env.do(t, http.MethodGet, "/patients/P9/decisions", nil)
	if code != http.StatusOK || len(resp.Result.([]any)) != 0 {
		t.Errorf("unknown patient decisions = %d %+v", code, resp)
	}
	if code, _ := env.do(t, http.MethodGet, "/patients/P1/decisions?limit=x", nil); code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", code)
	}
	if code, _ := env.do(t, http.MethodPost, "/patients/P1/decisions", nil); code != http.StatusMethodNotAllowed {
		t.Errorf("post decisions = %d, want 405", code)
	}
}

func TestHandoffAndNotificationEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, id := range []string{"a1", "a2"} {
		env.store.InsertAlert(ctx, models.Alert{
			ID: id, PatientID: "P1", RoomID: "R1", AlertType: "tremor", Severity: models.SeverityHigh,
			Status: models.AlertStatusActive, TriggeredAt: time.Now(), CauseSignature: "tremor", Occurrences: 1,
		}, false)
	}
	env.store.UpdateAlertStatus(ctx, "a2", models.AlertStatusResolved, time.Now())

	tests := []struct {
		name string
		path string
		want int
	}{
		{"queue", "/alerts/a1/handoff", http.StatusAccepted},
		{"queue again", "/alerts/a1/handoff", http.StatusAccepted},
		{"resolved", "/alerts/a2/handoff", http.StatusConflict},
		{"missing", "/alerts/nope/handoff", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, resp := env.do(t, http.MethodPost, tt.path, nil); code != tt.want {
				t.Errorf("POST %s = %d (%+v), want %d", tt.path, code, resp, tt.want)
			}
		})
	}

	code, resp := env.do(t, http.MethodGet, "/patients/P1/notifications", nil)
	if code != http.StatusOK {
		t.Fatalf("notifications = %d %+v", code, resp)
	}
	msgs := resp.Result.([]any)
	if len(msgs) != 1 || msgs[0].(map[string]any)["kind"] != store.OutboxKindHandoff {
		t.Errorf("expected a single handoff message, got %+v", msgs)
	}
}
