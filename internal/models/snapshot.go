package models

import (
	"math"
	"time"
)

// MetricValues carries the optional per-metric readings. A nil field means
// the metric is absent; absent fields are never zero-filled.
type MetricValues struct {
	HeartRate             *float64 `json:"heart_rate,omitempty"`
	RespiratoryRate       *float64 `json:"respiratory_rate,omitempty"`
	SpO2                  *float64 `json:"spo2,omitempty"`
	CRSScore              *float64 `json:"crs_score,omitempty"`
	FaceTouchingFrequency *float64 `json:"face_touching_frequency,omitempty"`
	RestlessnessIndex     *float64 `json:"restlessness_index,omitempty"`
	TremorDetected        *bool    `json:"tremor_detected,omitempty"`
	MovementVigor         *float64 `json:"movement_vigor,omitempty"`
}

// MetricSample is one raw reading from a producer before merging.
type MetricSample struct {
	ID        string       `json:"id,omitempty"` // optional producer message id, used for redelivery dedup
	Timestamp time.Time    `json:"timestamp"`
	Metrics   MetricValues `json:"metrics"`
	Flags     []string     `json:"flags,omitempty"` // externally supplied hard flags, e.g. lab results
}

// MetricSnapshot is the merged, immutable per-patient view produced by the
// ingestion adapter. It is superseded by the next snapshot for the patient.
type MetricSnapshot struct {
	PatientID     string       `json:"patient_id"`
	Timestamp     time.Time    `json:"timestamp"`
	Source        Source       `json:"source"`
	Metrics       MetricValues `json:"metrics"`
	AlertTriggers []string     `json:"alert_triggers,omitempty"`
}

// Float returns a pointer to v. Handy for building samples.
func Float(v float64) *float64 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// Value returns the numeric value of a metric. Boolean metrics map to 1/0.
func (v MetricValues) Value(m Metric) (float64, bool) {
	switch m {
	case MetricTremorDetected:
		if v.TremorDetected == nil {
			return 0, false
		}
		if *v.TremorDetected {
			return 1, true
		}
		return 0, true
	}
	p := v.floatPtr(m)
	if p == nil {
		return 0, false
	}
	return *p, true
}

// Has reports whether the metric is present.
func (v MetricValues) Has(m Metric) bool {
	_, ok := v.Value(m)
	return ok
}

// Present lists the metrics that carry a value, in AllMetrics order.
func (v MetricValues) Present() []Metric {
	var out []Metric
	for _, m := range AllMetrics {
		if v.Has(m) {
			out = append(out, m)
		}
	}
	return out
}

// CopyFrom copies metric m from src into v (absent in src clears it in v).
func (v *MetricValues) CopyFrom(src MetricValues, m Metric) {
	if m == MetricTremorDetected {
		if src.TremorDetected == nil {
			v.TremorDetected = nil
			return
		}
		b := *src.TremorDetected
		v.TremorDetected = &b
		return
	}
	dst := v.floatSlot(m)
	if dst == nil {
		return
	}
	p := src.floatPtr(m)
	if p == nil {
		*dst = nil
		return
	}
	f := *p
	*dst = &f
}

// Validate rejects values that cannot come from a working producer.
func (v MetricValues) Validate() error {
	for _, m := range AllMetrics {
		if m == MetricTremorDetected {
			continue
		}
		val, ok := v.Value(m)
		if !ok {
			continue
		}
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return &InvalidMetricError{Metric: m, Reason: "not a finite number"}
		}
		if val < 0 {
			return &InvalidMetricError{Metric: m, Reason: "negative value"}
		}
		switch m {
		case MetricCRSScore, MetricRestlessnessIndex:
			if val > 1 {
				return &InvalidMetricError{Metric: m, Reason: "outside [0,1]"}
			}
		case MetricSpO2:
			if val > 100 {
				return &InvalidMetricError{Metric: m, Reason: "above 100%"}
			}
		}
	}
	return nil
}

// InvalidMetricError describes a rejected metric value.
type InvalidMetricError struct {
	Metric Metric
	Reason string
}

func (e *InvalidMetricError) Error() string {
	return "invalid " + string(e.Metric) + ": " + e.Reason
}

func (e *InvalidMetricError) Unwrap() error { return ErrTransientIngestion }

func (v MetricValues) floatPtr(m Metric) *float64 {
	switch m {
	case MetricHeartRate:
		return v.HeartRate
	case MetricRespiratoryRate:
		return v.RespiratoryRate
	case MetricSpO2:
		return v.SpO2
	case MetricCRSScore:
		return v.CRSScore
	case MetricFaceTouchingFrequency:
		return v.FaceTouchingFrequency
	case MetricRestlessnessIndex:
		return v.RestlessnessIndex
	case MetricMovementVigor:
		return v.MovementVigor
	}
	return nil
}

func (v *MetricValues) floatSlot(m Metric) **float64 {
	switch m {
	case MetricHeartRate:
		return &v.HeartRate
	case MetricRespiratoryRate:
		return &v.RespiratoryRate
	case MetricSpO2:
		return &v.SpO2
	case MetricCRSScore:
		return &v.CRSScore
	case MetricFaceTouchingFrequency:
		return &v.FaceTouchingFrequency
	case MetricRestlessnessIndex:
		return &v.RestlessnessIndex
	case MetricMovementVigor:
		return &v.MovementVigor
	}
	return nil
}
