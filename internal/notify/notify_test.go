package notify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/WardWatch/internal/models"
	"github.com/BTreeMap/WardWatch/internal/store"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func insertCritical(t *testing.T, st *store.InMemoryStore, id string) {
	t.Helper()
	a := models.Alert{
		ID:             id,
		PatientID:      "P1",
		RoomID:         "R12",
		AlertType:      "tremor",
		Severity:       models.SeverityCritical,
		Title:          "Tremor detected",
		Status:         models.AlertStatusActive,
		TriggeredAt:    t0,
		CauseSignature: models.CauseSignature([]string{"tremor"}),
		Occurrences:    1,
	}
	if _, err := st.InsertAlert(context.Background(), a, true); err != nil {
		t.Fatal(err)
	}
}

func getAlert(t *testing.T, st *store.InMemoryStore, id string) *models.Alert {
	t.Helper()
	a, err := st.GetAlert(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestDispatcher_DeliversBothChannels(t *testing.T) {
	st := store.NewInMemoryStore()
	insertCritical(t, st, "a1")
	phone := NewMockTelephony()
	staff := NewMockMessenger()
	dir := t.TempDir()
	d := NewDispatcher(st,
		WithTelephony(phone, "+15550100"),
		WithFormGenerator(NewFileFormGenerator(dir)),
		WithStaffMessenger(staff, "15550111"),
		WithClock(func() time.Time { return t0 }),
	)
	sender := store.NewOutboxSender(st, d.Send, time.Second)

	sender.Poll(context.Background())

	if phone.CallCount() != 1 || phone.Calls[0].To != "+15550100" {
		t.Fatalf("expected one on-call call, got %+v", phone.Calls)
	}
	if !strings.Contains(phone.Calls[0].Body, "room R12") {
		t.Errorf("call script should name the room: %q", phone.Calls[0].Body)
	}
	a := getAlert(t, st, "a1")
	if a.FormID == "" || a.PDFPath == "" {
		t.Fatalf("handoff form should be attached, got %+v", a)
	}
	data, err := os.ReadFile(a.PDFPath)
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	if !strings.Contains(string(data), "Patient: P1") {
		t.Errorf("unexpected form contents %q", data)
	}
	if filepath.Dir(a.PDFPath) != filepath.Join(dir, "handoff") {
		t.Errorf("form written to %s", a.PDFPath)
	}
	if staff.SentCount() != 1 {
		t.Errorf("expected staff summary, got %d", staff.SentCount())
	}
	if a.DeliveryStatus[models.ChannelTelephony] != DeliverySent || a.DeliveryStatus[models.ChannelHandoff] != DeliverySent {
		t.Errorf("delivery status = %v", a.DeliveryStatus)
	}
	msgs, _ := st.ListOutboxMessages("P1")
	for _, m := range msgs {
		if m.Status != store.OutboxStatusSent {
			t.Errorf("outbox %s status %s", m.Kind, m.Status)
		}
	}
}

func TestDispatcher_FailureIsRecordedAndRetried(t *testing.T) {
	st := store.NewInMemoryStore()
	insertCritical(t, st, "a1")
	phone := NewMockTelephony()
	phone.Err = errors.New("carrier down")
	d := NewDispatcher(st, WithTelephony(phone, "+15550100"), WithFormGenerator(NewFileFormGenerator(t.TempDir())))

	msgs, _ := st.ListOutboxMessages("P1")
	var call store.OutboxMessage
	for _, m := range msgs {
		if m.Kind == store.OutboxKindTelephony {
			call = m
		}
	}
	err := d.Send(context.Background(), call)
	if !errors.Is(err, models.ErrNotificationDelivery) {
		t.Fatalf("expected ErrNotificationDelivery, got %v", err)
	}
	if got := getAlert(t, st, "a1").DeliveryStatus[models.ChannelTelephony]; got != DeliveryFailed {
		t.Errorf("status = %q, want failed", got)
	}

	phone.Err = nil
	if err := d.Send(context.Background(), call); err != nil {
		t.Fatal(err)
	}
	if got := getAlert(t, st, "a1").DeliveryStatus[models.ChannelTelephony]; got != DeliverySent {
		t.Errorf("status = %q, want sent", got)
	}
}

func TestDispatcher_HandoffRetryReusesForm(t *testing.T) {
	st := store.NewInMemoryStore()
	insertCritical(t, st, "a1")
	staff := NewMockMessenger()
	staff.Err = errors.New("not linked")
	dir := t.TempDir()
	d := NewDispatcher(st, WithFormGenerator(NewFileFormGenerator(dir)), WithStaffMessenger(staff, "15550111"))
	msg := store.OutboxMessage{ID: "m1", Kind: store.OutboxKindHandoff, PayloadJSON: `{"alert_id":"a1","patient_id":"P1"}`}

	if err := d.Send(context.Background(), msg); err == nil {
		t.Fatal("expected messenger failure")
	}
	formID := getAlert(t, st, "a1").FormID

	staff.Err = nil
	if err := d.Send(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if got := getAlert(t, st, "a1").FormID; got != formID {
		t.Errorf("retry generated a new form %s, want %s", got, formID)
	}
	entries, _ := os.ReadDir(filepath.Join(dir, "handoff"))
	if len(entries) != 1 {
		t.Errorf("expected one form file, got %d", len(entries))
	}
}

func TestDispatcher_SkipsUnconfiguredAndResolved(t *testing.T) {
	st := store.NewInMemoryStore()
	insertCritical(t, st, "a1")
	d := NewDispatcher(st)
	call := store.OutboxMessage{Kind: store.OutboxKindTelephony, PayloadJSON: `{"alert_id":"a1"}`}

	if err := d.Send(context.Background(), call); err != nil {
		t.Fatalf("unconfigured channel should not be retried, got %v", err)
	}
	if got := getAlert(t, st, "a1").DeliveryStatus[models.ChannelTelephony]; got != DeliverySkipped {
		t.Errorf("status = %q, want skipped", got)
	}

	phone := NewMockTelephony()
	d = NewDispatcher(st, WithTelephony(phone, "+15550100"))
	st.UpdateAlertStatus(context.Background(), "a1", models.AlertStatusResolved, t0)
	if err := d.Send(context.Background(), call); err != nil {
		t.Fatal(err)
	}
	if phone.CallCount() != 0 {
		t.Error("resolved alert should not page")
	}
	if got := getAlert(t, st, "a1").DeliveryStatus[models.ChannelTelephony]; got != DeliverySkipped {
		t.Errorf("resolved alert status = %q, want skipped", got)
	}
}

func TestDispatcher_SkippedChannelsThroughOutbox(t *testing.T) {
	st := store.NewInMemoryStore()
	insertCritical(t, st, "a1")
	d := NewDispatcher(st)
	sender := store.NewOutboxSender(st, d.Send, time.Second)
	sender.Poll(context.Background())

	a := getAlert(t, st, "a1")
	for _, ch := range []string{models.ChannelTelephony, models.ChannelHandoff} {
		if a.DeliveryStatus[ch] != DeliverySkipped {
			t.Errorf("%s status = %q, want skipped", ch, a.DeliveryStatus[ch])
		}
	}
	if a.FormID != "" {
		t.Errorf("no form should be attached, got %s", a.FormID)
	}
	msgs, _ := st.ListOutboxMessages("P1")
	if len(msgs) != 2 {
		t.Fatalf("expected two outbox rows, got %d", len(msgs))
	}
	for _, m := range msgs {
		if m.Status != store.OutboxStatusSent || m.Attempts > 1 {
			t.Errorf("skipped %s should settle without retry, got %s after %d attempts", m.Kind, m.Status, m.Attempts)
		}
	}
}

func TestDispatcher_BadPayload(t *testing.T) {
	d := NewDispatcher(store.NewInMemoryStore())
	err := d.Send(context.Background(), store.OutboxMessage{Kind: store.OutboxKindTelephony, PayloadJSON: "{"})
	if !errors.Is(err, models.ErrNotificationDelivery) {
		t.Errorf("expected ErrNotificationDelivery, got %v", err)
	}
	err = d.Send(context.Background(), store.OutboxMessage{Kind: store.OutboxKindTelephony, PayloadJSON: `{"alert_id":"missing"}`})
	if !errors.Is(err, models.ErrAlertNotFound) {
		t.Errorf("expected ErrAlertNotFound, got %v", err)
	}
}

type fakeTwilio struct {
	callErr, smsErr error
	calls           []*twilioApi.CreateCallParams
	sms             []*twilioApi.CreateMessageParams
}

func (f *fakeTwilio) CreateCall(p *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error) {
	f.calls = append(f.calls, p)
	if f.callErr != nil {
		return nil, f.callErr
	}
	sid := "CA123"
	return &twilioApi.ApiV2010Call{Sid: &sid}, nil
}

func (f *fakeTwilio) CreateMessage(p *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.sms = append(f.sms, p)
	return &twilioApi.ApiV2010Message{}, f.smsErr
}

func TestTwilioTelephony_Call(t *testing.T) {
	tests := []struct {
		name     string
		callErr  error
		smsErr   error
		fallback bool
		wantErr  bool
		wantSMS  int
	}{
		{name: "call placed", fallback: true},
		{name: "sms fallback", callErr: errors.New("busy"), fallback: true, wantSMS: 1},
		{name: "both fail", callErr: errors.New("busy"), smsErr: errors.New("blocked"), fallback: true, wantErr: true, wantSMS: 1},
		{name: "fallback disabled", callErr: errors.New("busy"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeTwilio{callErr: tt.callErr, smsErr: tt.smsErr}
			tel := newTwilioTelephony(api, "+15550000", tt.fallback)
			err := tel.Call(context.Background(), "+15550100", "Ward Watch critical alert")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(api.calls) != 1 || *api.calls[0].To != "+15550100" || !strings.Contains(*api.calls[0].Twiml, "<Say") {
				t.Errorf("unexpected call params")
			}
			if len(api.sms) != tt.wantSMS {
				t.Errorf("sms count = %d, want %d", len(api.sms), tt.wantSMS)
			}
		})
	}
}

func TestNewTwilioTelephony_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewTwilioTelephony(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewTwilioTelephony(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
}

func TestSayTwiMLEscapes(t *testing.T) {
	got := SayTwiML("HR <130> & rising")
	if strings.Contains(got, "<130>") || !strings.Contains(got, "&lt;130&gt; &amp; rising") {
		t.Errorf("message not escaped: %s", got)
	}
}

func TestWhatsAppOptions(t *testing.T) {
	var o WhatsAppOpts
	WithDBDSN("file:wa.db?_foreign_keys=on")(&o)
	WithQRCodeOutput("/tmp/qr.txt")(&o)
	WithNumericCode()(&o)
	if o.DBDSN != "file:wa.db?_foreign_keys=on" || o.QRPath != "/tmp/qr.txt" || !o.NumericCode {
		t.Errorf("unexpected opts %+v", o)
	}
	if driverFor("postgres://u@localhost/wa") != "postgres" || driverFor("wa.db") != "sqlite3" {
		t.Error("driver detection mismatch")
	}
}
