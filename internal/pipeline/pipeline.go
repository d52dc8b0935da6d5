// Package pipeline runs one ingestion loop per admitted patient session.
//
// Each loop owns its patient's snapshot history, merges samples through the
// ingestion adapter, drives the monitoring state machine and the alert
// engine, and schedules agent calls without ever waiting on them. Agent
// results come back through the loop so they are serialized with snapshot
// processing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/WardWatch/internal/agent"
	"github.com/BTreeMap/WardWatch/internal/alert"
	"github.com/BTreeMap/WardWatch/internal/ingest"
	"github.com/BTreeMap/WardWatch/internal/metrics"
	"github.com/BTreeMap/WardWatch/internal/models"
	"github.com/BTreeMap/WardWatch/internal/monitor"
	"github.com/BTreeMap/WardWatch/internal/session"
	"github.com/BTreeMap/WardWatch/internal/store"
	"github.com/BTreeMap/WardWatch/internal/util"
)

var (
	// ErrNoSession is returned by Dispatch for a CV sample when the patient
	// has no running pipeline.
	ErrNoSession = errors.New("no active session for patient")
	// ErrQueueFull is returned by Dispatch when the patient's queue is full.
	ErrQueueFull = errors.New("patient sample queue full")
)

// Deps are the collaborators every pipeline uses. Agent and Dedup may be nil.
type Deps struct {
	Registry *session.Registry
	Adapter  *ingest.Adapter
	Machine  *monitor.Machine
	Engine   *alert.Engine
	Agent    *agent.Client
	Dedup    store.DedupRepo
}

// Opts holds optional Manager settings.
type Opts struct {
	QueueSize   int
	HistorySize int
	LogThrottle time.Duration
	Now         func() time.Time
}

// Option configures a Manager.
type Option func(*Opts)

// WithQueueSize sets the per-patient sample buffer.
func WithQueueSize(n int) Option {
	return func(o *Opts) { o.QueueSize = n }
}

// WithHistorySize sets how many snapshots are sent to the agent.
func WithHistorySize(n int) Option {
	return func(o *Opts) { o.HistorySize = n }
}

// WithLogThrottle sets the minimum interval between repeated warnings for
// the same patient and category.
func WithLogThrottle(d time.Duration) Option {
	return func(o *Opts) { o.LogThrottle = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Manager starts pipelines and routes samples to them.
type Manager struct {
	deps        Deps
	queueSize   int
	historySize int
	warnLog     *util.KeyedLimiter
	now         func() time.Time

	mu        sync.Mutex
	pipelines map[string]*Pipeline
}

// NewManager creates a Manager.
func NewManager(deps Deps, opts ...Option) *Manager {
	o := Opts{QueueSize: 64, HistorySize: 12, LogThrottle: 10 * time.Second, Now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{
		deps:        deps,
		queueSize:   o.QueueSize,
		historySize: o.HistorySize,
		warnLog:     util.NewKeyedLimiter(o.LogThrottle),
		now:         o.Now,
		pipelines:   make(map[string]*Pipeline),
	}
}

type input struct {
	sample models.MetricSample
	source models.Source
}

type decisionResult struct {
	decision *models.AgentDecision
}

// Pipeline is one patient's ingestion loop.
type Pipeline struct {
	m         *Manager
	sess      *session.Session
	inbox     chan input
	decisions chan decisionResult
	done      chan struct{}

	history   []models.MetricSnapshot
	agentBusy bool
}

// Start creates the pipeline for an admitted session. The caller runs it.
func (m *Manager) Start(sess *session.Session) *Pipeline {
	p := &Pipeline{
		m:         m,
		sess:      sess,
		inbox:     make(chan input, m.queueSize),
		decisions: make(chan decisionResult, 1),
		done:      make(chan struct{}),
	}
	m.mu.Lock()
	m.pipelines[sess.PatientID] = p
	m.mu.Unlock()
	slog.Debug("Manager.Start: pipeline created", "patientID", sess.PatientID, "sessionID", sess.SessionID)
	return p
}

// Dispatch queues a sample for the patient's pipeline without blocking.
// Wearable samples for a patient without a session are cached so the next
// session starts with fresh wearable values.
func (m *Manager) Dispatch(patientID string, sample models.MetricSample, source models.Source) error {
	m.mu.Lock()
	p, ok := m.pipelines[patientID]
	m.mu.Unlock()
	if !ok {
		if source == models.SourceWearable {
			return m.deps.Adapter.RecordWearable(patientID, sample)
		}
		metrics.ObserveDroppedSample("no_session")
		return fmt.Errorf("%w: %s", ErrNoSession, patientID)
	}
	select {
	case p.inbox <- input{sample: sample, source: source}:
		return nil
	default:
		metrics.ObserveDroppedSample("queue_full")
		m.warn(patientID, "queue_full", "Manager.Dispatch: queue full, sample dropped", "patientID", patientID)
		return fmt.Errorf("%w: %s", ErrQueueFull, patientID)
	}
}

// Active reports whether the patient has a running pipeline.
func (m *Manager) Active(patientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pipelines[patientID]
	return ok
}

func (m *Manager) remove(p *Pipeline) {
	m.mu.Lock()
	if m.pipelines[p.sess.PatientID] == p {
		delete(m.pipelines, p.sess.PatientID)
	}
	m.mu.Unlock()
}

// warn logs at most once per patient and category per throttle interval.
func (m *Manager) warn(patientID, category, msg string, args ...any) {
	if m.warnLog.Allow(patientID+":"+category, m.now()) {
		slog.Warn(msg, args...)
	}
}

// Run processes samples and agent results until the session ends or ctx is
// cancelled. A StateCorruption error resets the patient to BASELINE and
// tears the session down with a server error close code; the error is
// returned.
func (p *Pipeline) Run(ctx context.Context) error {
	patientID := p.sess.PatientID
	defer func() {
		close(p.done)
		p.m.remove(p)
		// A newer session for the patient owns the thinking flag.
		if ps, ok := p.m.deps.Registry.Active(patientID); !ok || ps.SessionID == p.sess.SessionID {
			p.m.deps.Machine.SetThinking(patientID, false, "")
		}
		slog.Debug("Pipeline.Run: stopped", "patientID", patientID, "sessionID", p.sess.SessionID)
	}()

	sessDone := p.sess.Context().Done()
	for {
		var err error
		select {
		case <-ctx.Done():
			return nil
		case <-sessDone:
			return nil
		case in := <-p.inbox:
			err = p.handle(ctx, in)
		case res := <-p.decisions:
			err = p.applyDecision(ctx, res)
		}
		if err == nil {
			continue
		}
		if errors.Is(err, models.ErrStateCorruption) {
			slog.Error("Pipeline.Run: state corruption, terminating session", "patientID", patientID, "sessionID", p.sess.SessionID, "error", err)
			p.resetPatient(ctx)
			p.m.deps.Registry.Terminate(p.sess.SessionID, session.CloseServerError, "monitoring state corrupted")
			return err
		}
		slog.Error("Pipeline.Run: processing failed", "patientID", patientID, "error", err)
	}
}

// resetPatient discards everything derived from the corrupted state so the
// next session starts from BASELINE.
func (p *Pipeline) resetPatient(ctx context.Context) {
	patientID := p.sess.PatientID
	if err := p.m.deps.Machine.Reset(context.WithoutCancel(ctx), patientID); err != nil {
		slog.Error("Pipeline.resetPatient: reset failed", "patientID", patientID, "error", err)
	}
	p.m.deps.Adapter.Forget(patientID)
	if p.m.deps.Agent != nil {
		p.m.deps.Agent.Forget(patientID)
	}
	p.history = nil
}

func (p *Pipeline) handle(ctx context.Context, in input) (err error) {
	patientID := p.sess.PatientID
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic while processing sample: %v", models.ErrStateCorruption, r)
		}
	}()

	dedupKey := ""
	if in.sample.ID != "" && p.m.deps.Dedup != nil {
		dedupKey = patientID + "/" + string(in.source) + "/" + in.sample.ID
		fresh, derr := p.m.deps.Dedup.RecordInbound(dedupKey, patientID)
		if derr != nil {
			slog.Warn("Pipeline.handle: dedup check failed", "patientID", patientID, "error", derr)
		} else if !fresh {
			metrics.ObserveDroppedSample("duplicate")
			slog.Debug("Pipeline.handle: redelivered sample dropped", "patientID", patientID, "messageID", in.sample.ID)
			return nil
		}
	}

	snap, err := p.m.deps.Adapter.Ingest(patientID, in.sample, in.source)
	if err != nil {
		if errors.Is(err, models.ErrTransientIngestion) {
			metrics.ObserveDroppedSample("invalid")
			p.m.warn(patientID, "invalid", "Pipeline.handle: malformed sample dropped", "patientID", patientID, "error", err)
			return nil
		}
		return err
	}
	metrics.ObserveSnapshot(string(in.source))

	transition, err := p.m.deps.Machine.Observe(ctx, snap)
	if err != nil {
		return fmt.Errorf("observe snapshot: %w", err)
	}
	if _, err := p.m.deps.Engine.Evaluate(ctx, snap, transition); err != nil {
		slog.Error("Pipeline.handle: alert evaluation failed", "patientID", patientID, "error", err)
	}

	p.history = append(p.history, snap)
	if len(p.history) > p.m.historySize {
		p.history = p.history[len(p.history)-p.m.historySize:]
	}
	p.maybeAskAgent()

	if dedupKey != "" {
		if err := p.m.deps.Dedup.MarkProcessed(dedupKey); err != nil {
			slog.Warn("Pipeline.handle: mark processed failed", "patientID", patientID, "error", err)
		}
	}
	return nil
}

// maybeAskAgent starts an agent call when none is in flight and the
// patient's debounce window has passed. The loop never waits for it.
func (p *Pipeline) maybeAskAgent() {
	client := p.m.deps.Agent
	patientID := p.sess.PatientID
	if client == nil || p.agentBusy || !client.Due(patientID) {
		return
	}
	p.agentBusy = true
	history := append([]models.MetricSnapshot(nil), p.history...)
	p.m.deps.Machine.SetThinking(patientID, true, fmt.Sprintf("reviewing %d recent snapshots", len(history)))

	go func() {
		d := client.Propose(context.Background(), patientID, history)
		select {
		case p.decisions <- decisionResult{decision: d}:
		case <-p.done:
			slog.Debug("Pipeline.maybeAskAgent: session ended, result discarded", "patientID", patientID)
		}
	}()
}

// applyDecision applies an agent result against the current state. Results
// for a session that is no longer current are discarded.
func (p *Pipeline) applyDecision(ctx context.Context, res decisionResult) error {
	patientID := p.sess.PatientID
	p.agentBusy = false
	p.m.deps.Machine.SetThinking(patientID, false, "")
	if res.decision == nil {
		return nil
	}
	if !p.m.deps.Registry.IsCurrent(p.sess.SessionID) {
		slog.Debug("Pipeline.applyDecision: stale session, decision discarded", "patientID", patientID)
		return nil
	}
	transition, applied, err := p.m.deps.Machine.ApplyDecision(ctx, res.decision)
	if err != nil {
		return err
	}
	if !applied || transition == nil {
		return nil
	}
	// Triggers in the latest snapshot were already evaluated; only the
	// transition itself is new.
	snap := models.MetricSnapshot{PatientID: patientID, Timestamp: transition.At, Source: models.SourceCV}
	if n := len(p.history); n > 0 {
		snap.Metrics = p.history[n-1].Metrics
		snap.Source = p.history[n-1].Source
	}
	if _, err := p.m.deps.Engine.Evaluate(ctx, snap, transition); err != nil {
		slog.Error("Pipeline.applyDecision: alert evaluation failed", "patientID", patientID, "error", err)
	}
	return nil
}
