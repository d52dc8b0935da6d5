package monitor

import (
	"log/slog"
	"sync"
	"time"
)

type timerEntry struct {
	timer       *time.Timer
	scheduledAt time.Time
	expiresAt   time.Time
}

// ExpiryTimer keeps at most one pending expiry per patient. Scheduling a new
// expiry for a patient replaces the previous one.
type ExpiryTimer struct {
	mu     sync.Mutex
	timers map[string]*timerEntry
	now    func() time.Time
}

// NewExpiryTimer creates an ExpiryTimer using now to compute delays.
func NewExpiryTimer(now func() time.Time) *ExpiryTimer {
	if now == nil {
		now = time.Now
	}
	return &ExpiryTimer{timers: make(map[string]*timerEntry), now: now}
}

// ScheduleAt runs fn at when. A time in the past runs fn immediately on its
// own goroutine.
func (t *ExpiryTimer) ScheduleAt(patientID string, when time.Time, fn func()) {
	now := t.now()
	delay := when.Sub(now)
	if delay < 0 {
		delay = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.timers[patientID]; ok {
		prev.timer.Stop()
	}
	var entry *timerEntry
	entry = &timerEntry{
		scheduledAt: now,
		expiresAt:   when,
		timer: time.AfterFunc(delay, func() {
			t.mu.Lock()
			if t.timers[patientID] == entry {
				delete(t.timers, patientID)
			}
			t.mu.Unlock()
			fn()
		}),
	}
	t.timers[patientID] = entry
	slog.Debug("ExpiryTimer.ScheduleAt", "patientID", patientID, "expiresAt", when, "delay", delay)
}

// Cancel drops the patient's pending expiry, if any.
func (t *ExpiryTimer) Cancel(patientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.timers[patientID]; ok {
		entry.timer.Stop()
		delete(t.timers, patientID)
	}
}

// Pending returns the scheduled expiry for a patient.
func (t *ExpiryTimer) Pending(patientID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.timers[patientID]
	if !ok {
		return time.Time{}, false
	}
	return entry.expiresAt, true
}

// Stop cancels all pending expiries.
func (t *ExpiryTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.timers {
		entry.timer.Stop()
	}
	slog.Debug("ExpiryTimer stopped all timers", "count", len(t.timers))
	t.timers = make(map[string]*timerEntry)
}
