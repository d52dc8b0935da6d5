// Package ingest normalizes CV and wearable metric samples into one merged
// per-patient snapshot and computes the advisory alert triggers.
package ingest

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/WardWatch/internal/config"
	"github.com/BTreeMap/WardWatch/internal/models"
)

// Advisory trigger names produced by the adapter.
const (
	TriggerSustainedTachycardia = "sustained_tachycardia"
	TriggerBradycardia          = "bradycardia"
	TriggerTachypnea            = "tachypnea"
	TriggerBradypnea            = "bradypnea"
	TriggerHypoxemia            = "hypoxemia"
	TriggerCRSCritical          = "crs_critical"
	TriggerTremor               = "tremor"
)

// Opts configures an Adapter.
type Opts struct {
	StalenessWindow time.Duration
	Thresholds      config.TriggerThresholds
	Now             func() time.Time
}

// Option mutates Opts.
type Option func(*Opts)

// WithStalenessWindow sets the window within which a cached value is fresh.
func WithStalenessWindow(d time.Duration) Option {
	return func(o *Opts) { o.StalenessWindow = d }
}

// WithThresholds overrides the trigger thresholds.
func WithThresholds(t config.TriggerThresholds) Option {
	return func(o *Opts) { o.Thresholds = t }
}

// WithClock injects the clock used for samples without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Adapter merges samples per patient. Safe for concurrent use; different
// patients never contend beyond the short map lookup.
type Adapter struct {
	opts Opts

	mu       sync.Mutex
	patients map[string]*patientCache
}

type patientCache struct {
	mu sync.Mutex

	// wearable values are kept per field, each with its own timestamp
	wearable   models.MetricValues
	wearableAt map[models.Metric]time.Time

	// the last CV frame is kept whole; its fields are only usable together
	cv    models.MetricValues
	cvAt  time.Time
	hasCV bool

	tachycardiaRun int
}

// NewAdapter creates an Adapter with defaults from the built-in rule pack.
func NewAdapter(opts ...Option) *Adapter {
	def := config.Default()
	o := Opts{
		StalenessWindow: def.StalenessWindow,
		Thresholds:      def.Triggers,
		Now:             time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Adapter{opts: o, patients: make(map[string]*patientCache)}
}

// Ingest validates a raw sample, folds it into the patient's cache and
// returns the merged snapshot. Invalid samples return an error wrapping
// models.ErrTransientIngestion and leave the cache untouched.
func (a *Adapter) Ingest(patientID string, sample models.MetricSample, source models.Source) (models.MetricSnapshot, error) {
	ts, err := a.validate(patientID, sample, source)
	if err != nil {
		return models.MetricSnapshot{}, err
	}

	pc := a.cache(patientID)
	pc.mu.Lock()
	defer pc.mu.Unlock()

	switch source {
	case models.SourceWearable:
		pc.recordWearable(sample.Metrics, ts)
	case models.SourceCV:
		pc.cv = copyValues(sample.Metrics)
		pc.cvAt = ts
		pc.hasCV = true
	}

	snap := models.MetricSnapshot{
		PatientID: patientID,
		Timestamp: ts,
		Source:    source,
		Metrics:   pc.merge(ts, a.opts.StalenessWindow),
	}
	snap.AlertTriggers = a.triggers(pc, snap.Metrics, sample.Flags)
	return snap, nil
}

// RecordWearable caches wearable values for a patient without producing a
// snapshot. Used when the feed arrives while no capture pipeline is running.
func (a *Adapter) RecordWearable(patientID string, sample models.MetricSample) error {
	ts, err := a.validate(patientID, sample, models.SourceWearable)
	if err != nil {
		return err
	}
	pc := a.cache(patientID)
	pc.mu.Lock()
	pc.recordWearable(sample.Metrics, ts)
	pc.mu.Unlock()
	return nil
}

// Forget drops every cached value for the patient.
func (a *Adapter) Forget(patientID string) {
	a.mu.Lock()
	delete(a.patients, patientID)
	a.mu.Unlock()
}

// StalenessWindow returns the configured freshness window.
func (a *Adapter) StalenessWindow() time.Duration {
	return a.opts.StalenessWindow
}

func (a *Adapter) validate(patientID string, sample models.MetricSample, source models.Source) (time.Time, error) {
	if strings.TrimSpace(patientID) == "" {
		return time.Time{}, fmt.Errorf("%w: %v", models.ErrTransientIngestion, models.ErrEmptyPatientID)
	}
	if !models.IsValidSource(source) {
		return time.Time{}, fmt.Errorf("%w: unknown source %q", models.ErrTransientIngestion, source)
	}
	if err := sample.Metrics.Validate(); err != nil {
		return time.Time{}, err
	}
	for _, f := range sample.Flags {
		if strings.Contains(f, models.CauseSeparator) {
			return time.Time{}, fmt.Errorf("%w: flag %q contains %q", models.ErrTransientIngestion, f, models.CauseSeparator)
		}
	}
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = a.opts.Now()
	}
	return ts, nil
}

func (a *Adapter) cache(patientID string) *patientCache {
	a.mu.Lock()
	defer a.mu.Unlock()
	pc, ok := a.patients[patientID]
	if !ok {
		pc = &patientCache{wearableAt: make(map[models.Metric]time.Time)}
		a.patients[patientID] = pc
	}
	return pc
}

func (pc *patientCache) recordWearable(values models.MetricValues, ts time.Time) {
	for _, m := range values.Present() {
		if prev, ok := pc.wearableAt[m]; ok && prev.After(ts) {
			continue // keep the newer reading
		}
		pc.wearable.CopyFrom(values, m)
		pc.wearableAt[m] = ts
	}
}

// merge builds the snapshot values at ts. Per field: a fresh wearable value
// wins, otherwise the CV frame's value if that frame is fresh, otherwise the
// field is absent.
func (pc *patientCache) merge(ts time.Time, window time.Duration) models.MetricValues {
	var out models.MetricValues
	cvFresh := pc.hasCV && fresh(pc.cvAt, ts, window)
	for _, m := range models.AllMetrics {
		if at, ok := pc.wearableAt[m]; ok && fresh(at, ts, window) {
			out.CopyFrom(pc.wearable, m)
			continue
		}
		if cvFresh && pc.cv.Has(m) {
			out.CopyFrom(pc.cv, m)
		}
	}
	return out
}

// fresh reports whether a reading taken at `at` is within window of ts.
// The boundary is inclusive.
func fresh(at, ts time.Time, window time.Duration) bool {
	d := ts.Sub(at)
	if d < 0 {
		d = -d
	}
	return d <= window
}

func (a *Adapter) triggers(pc *patientCache, v models.MetricValues, flags []string) []string {
	th := a.opts.Thresholds
	var out []string

	if hr, ok := v.Value(models.MetricHeartRate); ok {
		if hr >= th.TachycardiaHR {
			pc.tachycardiaRun++
		} else {
			pc.tachycardiaRun = 0
		}
		if pc.tachycardiaRun >= th.TachycardiaConsecutive {
			out = append(out, TriggerSustainedTachycardia)
		}
		if hr < th.BradycardiaHR {
			out = append(out, TriggerBradycardia)
		}
	} else {
		pc.tachycardiaRun = 0
	}
	if rr, ok := v.Value(models.MetricRespiratoryRate); ok {
		if rr > th.TachypneaRR {
			out = append(out, TriggerTachypnea)
		}
		if rr < th.BradypneaRR {
			out = append(out, TriggerBradypnea)
		}
	}
	if spo2, ok := v.Value(models.MetricSpO2); ok && spo2 < th.HypoxemiaSpO2 {
		out = append(out, TriggerHypoxemia)
	}
	if crs, ok := v.Value(models.MetricCRSScore); ok && crs >= th.CRSCritical {
		out = append(out, TriggerCRSCritical)
	}
	if v.TremorDetected != nil && *v.TremorDetected {
		out = append(out, TriggerTremor)
	}

	seen := make(map[string]bool, len(out)+len(flags))
	for _, t := range out {
		seen[t] = true
	}
	for _, f := range flags {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func copyValues(src models.MetricValues) models.MetricValues {
	var out models.MetricValues
	for _, m := range models.AllMetrics {
		out.CopyFrom(src, m)
	}
	return out
}
