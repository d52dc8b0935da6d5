// Package agent is the asynchronous reasoning collaborator. It asks a
// provider (an LLM or a deterministic trend rule set) whether a patient's
// monitoring level should rise. A failed, slow or debounced call yields no
// proposal, which callers treat like a proposal below the acceptance
// threshold.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/BTreeMap/WardWatch/internal/metrics"
	"github.com/BTreeMap/WardWatch/internal/models"
	"github.com/BTreeMap/WardWatch/internal/util"
)

// Request is what a provider sees.
type Request struct {
	PatientID string
	Level     models.Level
	History   []models.MetricSnapshot
}

// Provider produces a proposal for one request.
type Provider interface {
	Name() string
	Propose(ctx context.Context, req Request) (*models.AgentDecision, error)
}

// StateReader exposes the patient's current level to the client.
type StateReader interface {
	State(patientID string) (models.MonitoringState, bool)
}

// Opts configures a Client.
type Opts struct {
	Timeout  time.Duration
	Debounce time.Duration
	States   StateReader
	Now      func() time.Time
}

// Option configures a Client.
type Option func(*Opts)

// WithTimeout bounds each provider call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithDebounce sets the minimum interval between calls for one patient.
func WithDebounce(d time.Duration) Option {
	return func(o *Opts) { o.Debounce = d }
}

// WithStateReader lets providers see the current level.
func WithStateReader(s StateReader) Option {
	return func(o *Opts) { o.States = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Client calls a Provider with a timeout and per-patient debounce.
type Client struct {
	provider Provider
	timeout  time.Duration
	limiter  *util.KeyedLimiter
	states   StateReader
	now      func() time.Time
}

// NewClient wraps provider. Defaults: 8s timeout, 20s debounce.
func NewClient(provider Provider, opts ...Option) *Client {
	o := Opts{Timeout: 8 * time.Second, Debounce: 20 * time.Second, Now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{
		provider: provider,
		timeout:  o.Timeout,
		limiter:  util.NewKeyedLimiter(o.Debounce),
		states:   o.States,
		now:      o.Now,
	}
}

// Provider returns the provider name.
func (c *Client) Provider() string { return c.provider.Name() }

// Due reports whether a call for patientID would pass the debounce.
func (c *Client) Due(patientID string) bool {
	return c.limiter.Ready(patientID, c.now())
}

// Forget clears the patient's debounce state.
func (c *Client) Forget(patientID string) {
	c.limiter.Forget(patientID)
}

type result struct {
	decision *models.AgentDecision
	err      error
}

// Propose asks the provider for a decision. It returns nil when the call is
// debounced, times out, fails or returns an invalid proposal.
func (c *Client) Propose(ctx context.Context, patientID string, history []models.MetricSnapshot) *models.AgentDecision {
	name := c.provider.Name()
	if !c.limiter.Allow(patientID, c.now()) {
		metrics.ObserveAgentCall(name, 0, metrics.OutcomeSkipped)
		slog.Debug("Client.Propose: debounced", "patientID", patientID)
		return nil
	}

	req := Request{PatientID: patientID, Level: models.LevelBaseline, History: history}
	if c.states != nil {
		if st, ok := c.states.State(patientID); ok {
			req.Level = st.Level
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan result, 1)
	go func() {
		d, err := c.provider.Propose(ctx, req)
		done <- result{d, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	elapsed := time.Since(start)

	if res.err != nil {
		outcome := metrics.OutcomeError
		if errors.Is(res.err, context.DeadlineExceeded) {
			outcome = metrics.OutcomeTimeout
		}
		metrics.ObserveAgentCall(name, elapsed, outcome)
		err := fmt.Errorf("%w: %s: %v", models.ErrAgentUnavailable, name, res.err)
		slog.Warn("Client.Propose: no proposal", "patientID", patientID, "provider", name, "error", err)
		return nil
	}
	d := res.decision
	if d == nil {
		metrics.ObserveAgentCall(name, elapsed, metrics.OutcomeSuccess)
		return nil
	}
	if !d.ProposedLevel.Valid() || math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
		metrics.ObserveAgentCall(name, elapsed, metrics.OutcomeError)
		slog.Warn("Client.Propose: invalid proposal discarded", "patientID", patientID, "provider", name, "level", d.ProposedLevel, "confidence", d.Confidence)
		return nil
	}
	metrics.ObserveAgentCall(name, elapsed, metrics.OutcomeSuccess)

	out := *d
	out.PatientID = patientID
	if out.Timestamp.IsZero() {
		out.Timestamp = c.now()
	}
	if out.Provider == "" {
		out.Provider = name
	}
	slog.Debug("Client.Propose: proposal", "patientID", patientID, "provider", name, "level", out.ProposedLevel, "confidence", out.Confidence)
	return &out
}
