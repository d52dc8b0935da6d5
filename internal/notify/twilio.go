package notify

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// twilioAPI is the subset of the Twilio REST API the telephony provider uses.
type twilioAPI interface {
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioOpts holds configuration for the Twilio telephony provider.
type TwilioOpts struct {
	AccountSID  string
	AuthToken   string
	From        string
	SMSFallback bool
}

// TwilioOption configures TwilioTelephony.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromNumber sets the caller id in E.164 form.
func WithFromNumber(from string) TwilioOption {
	return func(o *TwilioOpts) { o.From = from }
}

// WithoutSMSFallback disables the text message sent when a call fails.
func WithoutSMSFallback() TwilioOption {
	return func(o *TwilioOpts) { o.SMSFallback = false }
}

// TwilioTelephony places voice calls through Twilio and falls back to SMS.
type TwilioTelephony struct {
	api         twilioAPI
	from        string
	smsFallback bool
}

// NewTwilioTelephony creates the provider. Missing options fall back to
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewTwilioTelephony(opts ...TwilioOption) (*TwilioTelephony, error) {
	cfg := TwilioOpts{SMSFallback: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("NewTwilioTelephony: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newTwilioTelephony(client.Api, cfg.From, cfg.SMSFallback), nil
}

func newTwilioTelephony(api twilioAPI, from string, smsFallback bool) *TwilioTelephony {
	return &TwilioTelephony{api: api, from: from, smsFallback: smsFallback}
}

// Call dials the number and reads the message. If the call cannot be placed
// the message is sent as SMS instead; the call counts as delivered when the
// fallback succeeds.
func (t *TwilioTelephony) Call(ctx context.Context, to, message string) error {
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &twilioApi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(t.from)
	params.SetTwiml(SayTwiML(message))

	call, err := t.api.CreateCall(params)
	if err == nil {
		sid := ""
		if call != nil && call.Sid != nil {
			sid = *call.Sid
		}
		slog.Debug("TwilioTelephony.Call: call placed", "to", to, "sid", sid)
		return nil
	}
	slog.Error("TwilioTelephony.Call: call failed", "to", to, "error", err)
	if !t.smsFallback {
		return fmt.Errorf("failed to call %s: %w", to, err)
	}

	sms := &twilioApi.CreateMessageParams{}
	sms.SetTo(to)
	sms.SetFrom(t.from)
	sms.SetBody(message)
	if _, serr := t.api.CreateMessage(sms); serr != nil {
		return fmt.Errorf("failed to reach %s: %w", to, errors.Join(err, serr))
	}
	slog.Warn("TwilioTelephony.Call: delivered by SMS fallback", "to", to)
	return nil
}

// SayTwiML wraps message in a TwiML document that reads it twice.
func SayTwiML(message string) string {
	var escaped bytes.Buffer
	_ = xml.EscapeText(&escaped, []byte(message))
	return fmt.Sprintf(`<Response><Say voice="alice">%s</Say><Pause length="1"/><Say voice="alice">%s</Say></Response>`,
		escaped.String(), escaped.String())
}
