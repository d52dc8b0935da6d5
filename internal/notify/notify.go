// Package notify delivers alert notifications queued in the durable outbox.
//
// Each critical alert enqueues one telephony and one handoff message. The
// Dispatcher is the outbox send function: it places the on-call phone call,
// generates the handoff form and optionally forwards the summary to ward
// staff over WhatsApp. Failures are recorded on the alert and retried by the
// outbox backoff.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/WardWatch/internal/metrics"
	"github.com/BTreeMap/WardWatch/internal/models"
	"github.com/BTreeMap/WardWatch/internal/store"
)

// Delivery statuses recorded per channel on the alert.
const (
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
	DeliverySkipped = "skipped"
)

// errSkipped marks a message that was intentionally not delivered.
var errSkipped = errors.New("delivery skipped")

// Telephony places the on-call notification.
type Telephony interface {
	Call(ctx context.Context, to, message string) error
}

// FormGenerator renders a handoff form for an alert.
type FormGenerator interface {
	Generate(ctx context.Context, a models.Alert, st *models.MonitoringState) (HandoffForm, error)
}

// StaffMessenger forwards handoff summaries to ward staff.
type StaffMessenger interface {
	SendMessage(ctx context.Context, to, body string) error
}

// StateReader exposes the in-memory monitoring state of a patient.
type StateReader interface {
	State(patientID string) (models.MonitoringState, bool)
}

// HandoffForm is a generated handoff document.
type HandoffForm struct {
	ID      string
	Path    string
	Summary string
}

// Opts holds optional Dispatcher collaborators.
type Opts struct {
	Telephony    Telephony
	OnCallNumber string
	Forms        FormGenerator
	Messenger    StaffMessenger
	HandoffTo    string
	States       StateReader
	Now          func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Opts)

// WithTelephony sets the telephony provider and the on-call number it dials.
func WithTelephony(t Telephony, onCall string) Option {
	return func(o *Opts) {
		o.Telephony = t
		o.OnCallNumber = onCall
	}
}

// WithFormGenerator sets the handoff form generator.
func WithFormGenerator(g FormGenerator) Option {
	return func(o *Opts) { o.Forms = g }
}

// WithStaffMessenger forwards handoff summaries to the given recipient.
func WithStaffMessenger(m StaffMessenger, to string) Option {
	return func(o *Opts) {
		o.Messenger = m
		o.HandoffTo = to
	}
}

// WithStateReader includes the patient's monitoring level in forms.
func WithStateReader(s StateReader) Option {
	return func(o *Opts) { o.States = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Dispatcher routes outbox messages to the notification channels.
type Dispatcher struct {
	alerts store.AlertRepo
	opts   Opts
}

// NewDispatcher creates a Dispatcher. Channels without a configured provider
// are marked skipped rather than retried.
func NewDispatcher(alerts store.AlertRepo, opts ...Option) *Dispatcher {
	o := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Dispatcher{alerts: alerts, opts: o}
}

// Send implements store.OutboxSendFunc.
func (d *Dispatcher) Send(ctx context.Context, msg store.OutboxMessage) error {
	var payload store.NotificationPayload
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("%w: bad outbox payload %s: %v", models.ErrNotificationDelivery, msg.ID, err)
	}
	a, err := d.alerts.GetAlert(ctx, payload.AlertID)
	if err != nil {
		return fmt.Errorf("load alert for %s: %w", msg.Kind, err)
	}

	switch msg.Kind {
	case store.OutboxKindTelephony:
		err = d.call(ctx, *a)
	case store.OutboxKindHandoff:
		err = d.handoff(ctx, *a)
	default:
		slog.Warn("Dispatcher.Send: unknown outbox kind", "kind", msg.Kind, "id", msg.ID)
		return nil
	}
	if errors.Is(err, errSkipped) {
		return nil
	}

	metrics.ObserveNotification(msg.Kind, err)
	status := DeliverySent
	if err != nil {
		status = DeliveryFailed
		slog.Error("Dispatcher.Send: delivery failed", "kind", msg.Kind, "alertID", a.ID, "attempt", msg.Attempts, "error", err)
	}
	if serr := d.alerts.SetDeliveryStatus(ctx, a.ID, msg.Kind, status); serr != nil {
		slog.Warn("Dispatcher.Send: record delivery status failed", "alertID", a.ID, "error", serr)
	}
	return err
}

func (d *Dispatcher) call(ctx context.Context, a models.Alert) error {
	if d.opts.Telephony == nil || d.opts.OnCallNumber == "" {
		slog.Warn("Dispatcher.call: no telephony configured, call skipped", "alertID", a.ID)
		return d.skip(ctx, a, store.OutboxKindTelephony)
	}
	if a.Status == models.AlertStatusResolved {
		slog.Info("Dispatcher.call: alert resolved before delivery, call skipped", "alertID", a.ID)
		return d.skip(ctx, a, store.OutboxKindTelephony)
	}
	if err := d.opts.Telephony.Call(ctx, d.opts.OnCallNumber, CallScript(a)); err != nil {
		return fmt.Errorf("%w: telephony for alert %s: %w", models.ErrNotificationDelivery, a.ID, err)
	}
	slog.Info("Dispatcher.call: on-call notified", "alertID", a.ID, "patientID", a.PatientID)
	return nil
}

func (d *Dispatcher) handoff(ctx context.Context, a models.Alert) error {
	var st *models.MonitoringState
	if d.opts.States != nil {
		if s, ok := d.opts.States.State(a.PatientID); ok {
			st = &s
		}
	}

	summary := HandoffSummary(a, st, d.opts.Now())
	// A retry after a messenger failure reuses the attached form.
	if a.FormID == "" {
		if d.opts.Forms == nil {
			slog.Warn("Dispatcher.handoff: no form generator configured, handoff skipped", "alertID", a.ID)
			return d.skip(ctx, a, store.OutboxKindHandoff)
		}
		form, err := d.opts.Forms.Generate(ctx, a, st)
		if err != nil {
			return fmt.Errorf("%w: handoff form for alert %s: %w", models.ErrNotificationDelivery, a.ID, err)
		}
		if err := d.alerts.AttachHandoffForm(ctx, a.ID, form.ID, form.Path); err != nil {
			return fmt.Errorf("attach handoff form: %w", err)
		}
		summary = form.Summary
		slog.Info("Dispatcher.handoff: form generated", "alertID", a.ID, "formID", form.ID, "path", form.Path)
	}

	if d.opts.Messenger != nil && d.opts.HandoffTo != "" {
		if err := d.opts.Messenger.SendMessage(ctx, d.opts.HandoffTo, summary); err != nil {
			return fmt.Errorf("%w: staff message for alert %s: %w", models.ErrNotificationDelivery, a.ID, err)
		}
	}
	return nil
}

// skip records the channel as skipped and returns errSkipped so Send leaves
// that status in place.
func (d *Dispatcher) skip(ctx context.Context, a models.Alert, channel string) error {
	if err := d.alerts.SetDeliveryStatus(ctx, a.ID, channel, DeliverySkipped); err != nil {
		slog.Warn("Dispatcher.skip: record delivery status failed", "alertID", a.ID, "error", err)
	}
	return errSkipped
}

// CallScript is the text read to the on-call clinician.
func CallScript(a models.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ward Watch %s alert. %s for patient %s", a.Severity, a.Title, a.PatientID)
	if a.RoomID != "" {
		fmt.Fprintf(&b, " in room %s", a.RoomID)
	}
	b.WriteString(". ")
	if a.Description != "" {
		b.WriteString(a.Description)
		b.WriteString(" ")
	}
	b.WriteString("Please review the handoff form.")
	return b.String()
}

// HandoffSummary renders the plaintext handoff summary for an alert.
func HandoffSummary(a models.Alert, st *models.MonitoringState, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "HANDOFF: %s (%s)\n", a.Title, strings.ToUpper(a.Severity.String()))
	fmt.Fprintf(&b, "Patient: %s\n", a.PatientID)
	if a.RoomID != "" {
		fmt.Fprintf(&b, "Room: %s\n", a.RoomID)
	}
	fmt.Fprintf(&b, "Alert: %s [%s] status %s\n", a.ID, a.AlertType, a.Status)
	fmt.Fprintf(&b, "Triggered: %s (occurrences %d)\n", a.TriggeredAt.UTC().Format(time.RFC3339), a.Occurrences)
	if causes := a.Causes(); len(causes) > 0 {
		fmt.Fprintf(&b, "Causes: %s\n", strings.Join(causes, ", "))
	}
	if st != nil {
		fmt.Fprintf(&b, "Monitoring level: %s\n", st.Level)
		if st.ExpiresAt != nil {
			fmt.Fprintf(&b, "Level window ends: %s\n", st.ExpiresAt.UTC().Format(time.RFC3339))
		}
	}
	if a.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", a.Description)
	}
	fmt.Fprintf(&b, "\nGenerated %s\n", at.UTC().Format(time.RFC3339))
	return b.String()
}
