// Package session enforces one admitted capture session per patient.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/WardWatch/internal/events"
	"github.com/BTreeMap/WardWatch/internal/metrics"
	"github.com/BTreeMap/WardWatch/internal/models"
	"github.com/BTreeMap/WardWatch/internal/util"
)

// Close codes sent to capture clients.
const (
	CloseNormal           = 1000
	CloseServerError      = 1011
	CloseBadHandshake     = 4400
	CloseDuplicateSession = 4409
)

// Conn is the capture connection as seen by the registry.
type Conn interface {
	Close(code int, reason string) error
}

// AdmissionError is returned when a patient already has an admitted session.
type AdmissionError struct {
	PatientID         string
	ExistingSessionID string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("patient %s already has an active session %s", e.PatientID, e.ExistingSessionID)
}

func (e *AdmissionError) Unwrap() error { return models.ErrAdmissionConflict }

// Session is an admitted capture session. Its context is cancelled on release.
type Session struct {
	models.PatientSession
	Handshake models.Handshake

	conn   Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// Context is cancelled when the session is released or terminated.
func (s *Session) Context() context.Context { return s.ctx }

type slot struct {
	mu      sync.Mutex
	current *Session
}

// Opts holds optional registry collaborators.
type Opts struct {
	Lease        Lease
	LeaseRefresh time.Duration
	Publisher    events.Publisher
	Now          func() time.Time
}

// Option configures a Registry.
type Option func(*Opts)

// WithLease makes admission also hold a cross-instance lease.
func WithLease(l Lease, refresh time.Duration) Option {
	return func(o *Opts) {
		o.Lease = l
		o.LeaseRefresh = refresh
	}
}

// WithPublisher publishes session_admitted / session_released events.
func WithPublisher(p events.Publisher) Option {
	return func(o *Opts) { o.Publisher = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Registry tracks admitted sessions. Admission and release are serialized
// per patient; different patients never contend on the same slot lock.
type Registry struct {
	mu        sync.Mutex // guards slots and bySession, never held while blocking
	slots     map[string]*slot
	bySession map[string]*Session

	lease        Lease
	leaseRefresh time.Duration
	publisher    events.Publisher
	now          func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	cfg := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.LeaseRefresh <= 0 {
		cfg.LeaseRefresh = 10 * time.Second
	}
	return &Registry{
		slots:        make(map[string]*slot),
		bySession:    make(map[string]*Session),
		lease:        cfg.Lease,
		leaseRefresh: cfg.LeaseRefresh,
		publisher:    cfg.Publisher,
		now:          cfg.Now,
	}
}

func (r *Registry) slotFor(patientID string) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[patientID]
	if !ok {
		s = &slot{}
		r.slots[patientID] = s
	}
	return s
}

// Admit admits conn as the session for patientID. If the patient already
// has a session, conn is closed with CloseDuplicateSession and an
// *AdmissionError is returned. The existing session is left untouched.
func (r *Registry) Admit(ctx context.Context, patientID string, conn Conn, hs models.Handshake) (*Session, error) {
	if patientID == "" {
		return nil, models.ErrEmptyPatientID
	}
	s := r.slotFor(patientID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return nil, r.deny(patientID, s.current.SessionID, conn)
	}

	sessionID := util.GenerateSessionID()
	if r.lease != nil {
		ok, err := r.lease.Acquire(ctx, patientID, sessionID)
		if err != nil {
			slog.Error("Registry.Admit: lease acquire failed", "patientID", patientID, "error", err)
			closeConn(conn, CloseServerError, "admission unavailable")
			metrics.ObserveAdmission(false)
			return nil, fmt.Errorf("acquire admission lease for %s: %w", patientID, err)
		}
		if !ok {
			holder, _ := r.lease.Holder(ctx, patientID)
			return nil, r.deny(patientID, holder, conn)
		}
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &Session{
		PatientSession: models.PatientSession{
			PatientID: patientID,
			SessionID: sessionID,
			StartedAt: r.now(),
			Mode:      hs.Mode,
			Admitted:  true,
		},
		Handshake: hs,
		conn:      conn,
		ctx:       sctx,
		cancel:    cancel,
	}
	s.current = sess

	r.mu.Lock()
	r.bySession[sessionID] = sess
	r.mu.Unlock()

	if r.lease != nil {
		go r.refreshLease(sess)
	}

	metrics.ObserveAdmission(true)
	r.publish(models.EventSessionAdmitted, sess)
	slog.Info("Registry.Admit: session admitted", "patientID", patientID, "sessionID", sessionID, "mode", hs.Mode)
	return sess, nil
}

func (r *Registry) deny(patientID, existing string, conn Conn) error {
	slog.Warn("Registry.Admit: duplicate session denied", "patientID", patientID, "existingSessionID", existing)
	closeConn(conn, CloseDuplicateSession, "patient already has an active session")
	metrics.ObserveAdmission(false)
	return &AdmissionError{PatientID: patientID, ExistingSessionID: existing}
}

// Release frees the session's slot and cancels its context. Releasing an
// unknown or already released session is a no-op. Monitoring state is not
// touched.
func (r *Registry) Release(sessionID string) {
	r.mu.Lock()
	sess, ok := r.bySession[sessionID]
	r.mu.Unlock()
	if !ok {
		slog.Debug("Registry.Release: unknown session", "sessionID", sessionID)
		return
	}

	s := r.slotFor(sess.PatientID)
	s.mu.Lock()
	defer s.mu.Unlock()

	r.mu.Lock()
	_, still := r.bySession[sessionID]
	delete(r.bySession, sessionID)
	r.mu.Unlock()
	if !still {
		return
	}
	if s.current == sess {
		s.current = nil
	}
	sess.cancel()

	if r.lease != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := r.lease.Release(ctx, sess.PatientID, sessionID); err != nil {
			slog.Warn("Registry.Release: lease release failed", "patientID", sess.PatientID, "sessionID", sessionID, "error", err)
		}
		cancel()
	}

	metrics.ObserveRelease()
	r.publish(models.EventSessionReleased, sess)
	slog.Info("Registry.Release: session released", "patientID", sess.PatientID, "sessionID", sessionID)
}

// Terminate closes the session's connection with code and releases it.
func (r *Registry) Terminate(sessionID string, code int, reason string) {
	r.mu.Lock()
	sess, ok := r.bySession[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	slog.Warn("Registry.Terminate: closing session", "patientID", sess.PatientID, "sessionID", sessionID, "code", code, "reason", reason)
	closeConn(sess.conn, code, reason)
	r.Release(sessionID)
}

// IsCurrent reports whether sessionID is still the admitted session.
func (r *Registry) IsCurrent(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bySession[sessionID]
	return ok
}

// Active returns the admitted session for patientID, if any.
func (r *Registry) Active(patientID string) (models.PatientSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sess := range r.bySession {
		if sess.PatientID == patientID {
			return sess.PatientSession, true
		}
	}
	return models.PatientSession{}, false
}

// List returns all admitted sessions ordered by patient id.
func (r *Registry) List() []models.PatientSession {
	r.mu.Lock()
	out := make([]models.PatientSession, 0, len(r.bySession))
	for _, sess := range r.bySession {
		out = append(out, sess.PatientSession)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PatientID < out[j].PatientID })
	return out
}

func (r *Registry) refreshLease(sess *Session) {
	ticker := time.NewTicker(r.leaseRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-ticker.C:
			ok, err := r.lease.Refresh(sess.ctx, sess.PatientID, sess.SessionID)
			if err != nil {
				if sess.ctx.Err() != nil {
					return
				}
				slog.Warn("Registry.refreshLease: refresh failed", "patientID", sess.PatientID, "sessionID", sess.SessionID, "error", err)
				continue
			}
			if !ok {
				r.Terminate(sess.SessionID, CloseServerError, "admission lease lost")
				return
			}
		}
	}
}

func (r *Registry) publish(t models.EventType, sess *Session) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(models.Event{Type: t, PatientID: sess.PatientID, Payload: sess.PatientSession})
}

func closeConn(conn Conn, code int, reason string) {
	if conn == nil {
		return
	}
	if err := conn.Close(code, reason); err != nil {
		slog.Debug("session.closeConn: close failed", "code", code, "error", err)
	}
}
