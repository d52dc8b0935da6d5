package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/WardWatch/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// JIDSuffix is the WhatsApp JID suffix for regular users.
const JIDSuffix = "s.whatsapp.net"

// WhatsAppOpts configures the staff messenger's device store and login.
type WhatsAppOpts struct {
	DBDSN       string // whatsmeow device store connection string
	QRPath      string // path to write the login QR code
	NumericCode bool   // print the pairing code instead of a QR code
}

// WhatsAppOption configures a WhatsAppMessenger.
type WhatsAppOption func(*WhatsAppOpts)

// WithDBDSN sets the whatsmeow device store connection string.
func WithDBDSN(dsn string) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.QRPath = path }
}

// WithNumericCode prints the raw login code instead of a QR code.
func WithNumericCode() WhatsAppOption {
	return func(o *WhatsAppOpts) { o.NumericCode = true }
}

// WhatsAppMessenger sends handoff summaries to staff phones through a
// linked WhatsApp device.
type WhatsAppMessenger struct {
	waClient *whatsmeow.Client
}

// driverFor picks the database/sql driver for a whatsmeow store DSN.
func driverFor(dsn string) string {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres"
	}
	if !strings.Contains(dsn, "foreign_keys") {
		slog.Warn("WhatsApp device store does not enable foreign keys; consider adding '?_foreign_keys=on'", "dsn_example", "file:"+dsn+"?_foreign_keys=on")
	}
	return "sqlite3"
}

// NewWhatsAppMessenger opens the device store and connects, running the QR
// login flow when the device is not yet linked.
func NewWhatsAppMessenger(ctx context.Context, opts ...WhatsAppOption) (*WhatsAppMessenger, error) {
	var cfg WhatsAppOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("whatsapp device store DSN must be provided")
	}

	driver := driverFor(cfg.DBDSN)
	slog.Debug("NewWhatsAppMessenger: opening device store", "driver", driver)
	container, err := sqlstore.New(ctx, driver, cfg.DBDSN, waLog.Stdout("Database", "WARN", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "WARN", true))
	if waClient.Store.ID != nil {
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
		slog.Info("NewWhatsAppMessenger: connected")
		return &WhatsAppMessenger{waClient: waClient}, nil
	}

	slog.Info("NewWhatsAppMessenger: login required; starting QR code flow")
	qrChan, _ := waClient.GetQRChannel(ctx)
	if err := waClient.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, ferr := os.Create(cfg.QRPath)
		if ferr != nil {
			waClient.Disconnect()
			return nil, fmt.Errorf("failed to create QR file: %w", ferr)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event == "code" {
			if cfg.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
			continue
		}
		slog.Info("NewWhatsAppMessenger: login event", "event", evt.Event)
	}
	return &WhatsAppMessenger{waClient: waClient}, nil
}

// SendMessage implements StaffMessenger. to is a phone number in digits.
func (m *WhatsAppMessenger) SendMessage(ctx context.Context, to, body string) error {
	if m.waClient == nil || m.waClient.Store == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	to = strings.TrimPrefix(strings.TrimSpace(to), "+")
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}

	jid := types.NewJID(to, JIDSuffix)
	if _, err := m.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body}); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsAppMessenger.SendMessage: sent", "to", to, "body_length", len(body))
	return nil
}

// Close disconnects from WhatsApp.
func (m *WhatsAppMessenger) Close() {
	if m.waClient != nil {
		m.waClient.Disconnect()
	}
}
