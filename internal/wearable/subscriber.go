// Package wearable subscribes to the bedside wearable vitals feed over MQTT.
package wearable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/BTreeMap/WardWatch/internal/models"
	"github.com/BTreeMap/WardWatch/internal/util"
)

// DefaultTopic matches every patient's vitals topic.
const DefaultTopic = "wardwatch/wearable/+/vitals"

// Sink receives decoded wearable samples. pipeline.Manager implements it.
type Sink interface {
	Dispatch(patientID string, sample models.MetricSample, source models.Source) error
}

// Payload is the JSON body published by wearables.
type Payload struct {
	ID              string    `json:"id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	HeartRate       *float64  `json:"heart_rate,omitempty"`
	SpO2            *float64  `json:"spo2,omitempty"`
	RespiratoryRate *float64  `json:"respiratory_rate,omitempty"`
}

// Opts holds MQTT connection settings.
type Opts struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	Topic       string
	QoS         byte
	LogThrottle time.Duration
}

// Option configures a Subscriber.
type Option func(*Opts)

// WithBroker sets the broker URL, e.g. tcp://localhost:1883.
func WithBroker(url string) Option {
	return func(o *Opts) { o.Broker = url }
}

// WithClientID sets the MQTT client id.
func WithClientID(id string) Option {
	return func(o *Opts) { o.ClientID = id }
}

// WithCredentials sets the broker username and password.
func WithCredentials(user, pass string) Option {
	return func(o *Opts) {
		o.Username = user
		o.Password = pass
	}
}

// WithTopic overrides the subscription filter.
func WithTopic(topic string) Option {
	return func(o *Opts) { o.Topic = topic }
}

// WithLogThrottle sets the minimum interval between repeated warnings for
// one patient.
func WithLogThrottle(d time.Duration) Option {
	return func(o *Opts) { o.LogThrottle = d }
}

// Subscriber forwards wearable vitals to the sink.
type Subscriber struct {
	opts Opts
	sink Sink
	warn *util.KeyedLimiter
}

// NewSubscriber creates a Subscriber. Run connects.
func NewSubscriber(sink Sink, opts ...Option) *Subscriber {
	o := Opts{
		ClientID:    "wardwatch-" + util.GenerateRandomHex(6),
		Topic:       DefaultTopic,
		QoS:         1,
		LogThrottle: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Subscriber{opts: o, sink: sink, warn: util.NewKeyedLimiter(o.LogThrottle)}
}

// Run connects to the broker and processes messages until ctx is done.
func (s *Subscriber) Run(ctx context.Context) error {
	if s.opts.Broker == "" {
		return fmt.Errorf("mqtt broker must be provided")
	}
	co := mqtt.NewClientOptions()
	co.AddBroker(s.opts.Broker)
	co.SetClientID(s.opts.ClientID)
	if s.opts.Username != "" {
		co.SetUsername(s.opts.Username)
		co.SetPassword(s.opts.Password)
	}
	co.SetAutoReconnect(true)
	co.SetCleanSession(true)
	// Resubscribe after every reconnect.
	co.SetOnConnectHandler(func(c mqtt.Client) {
		if token := c.Subscribe(s.opts.Topic, s.opts.QoS, s.onMessage); token.Wait() && token.Error() != nil {
			slog.Error("Subscriber.Run: subscribe failed", "topic", s.opts.Topic, "error", token.Error())
			return
		}
		slog.Info("Subscriber.Run: subscribed", "topic", s.opts.Topic)
	})
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("Subscriber.Run: connection lost", "error", err)
	})

	client := mqtt.NewClient(co)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	<-ctx.Done()
	client.Disconnect(250)
	slog.Info("Subscriber.Run: stopped")
	return nil
}

func (s *Subscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	err := s.HandleMessage(msg.Topic(), msg.Payload())
	if err == nil {
		return
	}
	patientID, _ := PatientIDFromTopic(msg.Topic())
	reason := "dispatch"
	if IsMalformed(err) {
		reason = "malformed"
	}
	if s.warn.Allow(patientID+":"+reason, time.Now()) {
		slog.Warn("Subscriber.onMessage: message dropped", "topic", msg.Topic(), "reason", reason, "error", err)
	}
}

// HandleMessage decodes one vitals message and dispatches it.
func (s *Subscriber) HandleMessage(topic string, payload []byte) error {
	patientID, err := PatientIDFromTopic(topic)
	if err != nil {
		return err
	}
	sample, err := DecodePayload(payload)
	if err != nil {
		return err
	}
	return s.sink.Dispatch(patientID, sample, models.SourceWearable)
}

// PatientIDFromTopic extracts the patient id from
// wardwatch/wearable/{patient_id}/vitals.
func PatientIDFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	n := len(parts)
	if n < 3 || parts[n-1] != "vitals" || strings.TrimSpace(parts[n-2]) == "" {
		return "", fmt.Errorf("%w: unexpected topic %q", models.ErrTransientIngestion, topic)
	}
	return parts[n-2], nil
}

// DecodePayload parses a vitals payload into a sample.
func DecodePayload(payload []byte) (models.MetricSample, error) {
	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return models.MetricSample{}, fmt.Errorf("%w: bad payload: %v", models.ErrTransientIngestion, err)
	}
	sample := models.MetricSample{
		ID:        p.ID,
		Timestamp: p.Timestamp,
		Metrics: models.MetricValues{
			HeartRate:       p.HeartRate,
			SpO2:            p.SpO2,
			RespiratoryRate: p.RespiratoryRate,
		},
	}
	if len(sample.Metrics.Present()) == 0 {
		return models.MetricSample{}, fmt.Errorf("%w: payload carries no vitals", models.ErrTransientIngestion)
	}
	if err := sample.Metrics.Validate(); err != nil {
		return models.MetricSample{}, err
	}
	return sample, nil
}

// IsMalformed reports whether err came from a bad message rather than the
// sink.
func IsMalformed(err error) bool {
	return errors.Is(err, models.ErrTransientIngestion)
}
