// Package models defines the core data structures for WardWatch.
//
// It includes the ranked enumerations (severity, monitoring level), metric
// snapshots, monitoring state, alerts and agent decisions shared across modules.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Severity is the total order used to rank alerts. Comparisons must use the
// integer rank, never the string form.
type Severity int

const (
	SeverityUnknown  Severity = 0
	SeverityInfo     Severity = 1
	SeverityLow      Severity = 2
	SeverityMedium   Severity = 3
	SeverityHigh     Severity = 4
	SeverityCritical Severity = 5
)

var severityNames = map[Severity]string{
	SeverityInfo:     "info",
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

// String returns the lowercase wire name of the severity.
func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether s is one of the five ranked severities.
func (s Severity) Valid() bool {
	return s >= SeverityInfo && s <= SeverityCritical
}

// ParseSeverity converts a wire name into a Severity.
func ParseSeverity(name string) (Severity, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for sev, n := range severityNames {
		if n == normalized {
			return sev, nil
		}
	}
	return SeverityUnknown, fmt.Errorf("%w: %q", ErrInvalidSeverity, name)
}

func (s Severity) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSeverity, int(s))
	}
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSeverity, string(data))
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// UnmarshalYAML lets rule packs spell severities by name.
func (s *Severity) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var name string
	if err := unmarshal(&name); err != nil {
		return err
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MaxSeverity returns the highest severity among the given values, or
// SeverityUnknown if none are supplied.
func MaxSeverity(values ...Severity) Severity {
	max := SeverityUnknown
	for _, v := range values {
		if v > max {
			max = v
		}
	}
	return max
}

// Level is the monitoring intensity tier. BASELINE < ENHANCED < CRITICAL.
type Level int

const (
	LevelBaseline Level = iota
	LevelEnhanced
	LevelCritical
)

var levelNames = map[Level]string{
	LevelBaseline: "BASELINE",
	LevelEnhanced: "ENHANCED",
	LevelCritical: "CRITICAL",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// Valid reports whether l is a known monitoring level.
func (l Level) Valid() bool {
	return l >= LevelBaseline && l <= LevelCritical
}

// ParseLevel converts a level name (case-insensitive) into a Level.
func ParseLevel(name string) (Level, error) {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	for lvl, n := range levelNames {
		if n == normalized {
			return lvl, nil
		}
	}
	return LevelBaseline, fmt.Errorf("%w: %q", ErrInvalidLevel, name)
}

func (l Level) MarshalJSON() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLevel, int(l))
	}
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidLevel, string(data))
	}
	parsed, err := ParseLevel(name)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// UnmarshalYAML lets rule packs spell levels by name.
func (l *Level) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var name string
	if err := unmarshal(&name); err != nil {
		return err
	}
	parsed, err := ParseLevel(name)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Source identifies which producer a metric sample came from.
type Source string

const (
	SourceCV       Source = "cv"
	SourceWearable Source = "wearable"
)

// IsValidSource checks if the given source is supported.
func IsValidSource(s Source) bool {
	return s == SourceCV || s == SourceWearable
}

// Metric names a derived vital or behavioral signal.
type Metric string

const (
	MetricHeartRate             Metric = "heart_rate"
	MetricRespiratoryRate       Metric = "respiratory_rate"
	MetricSpO2                  Metric = "spo2"
	MetricCRSScore              Metric = "crs_score"
	MetricFaceTouchingFrequency Metric = "face_touching_frequency"
	MetricRestlessnessIndex     Metric = "restlessness_index"
	MetricTremorDetected        Metric = "tremor_detected"
	MetricMovementVigor         Metric = "movement_vigor"
)

// AllMetrics lists every metric in a stable order.
var AllMetrics = []Metric{
	MetricHeartRate,
	MetricRespiratoryRate,
	MetricSpO2,
	MetricCRSScore,
	MetricFaceTouchingFrequency,
	MetricRestlessnessIndex,
	MetricTremorDetected,
	MetricMovementVigor,
}

var (
	baselineMetrics   = []Metric{MetricHeartRate, MetricRespiratoryRate, MetricCRSScore}
	behavioralMetrics = []Metric{MetricFaceTouchingFrequency, MetricRestlessnessIndex, MetricTremorDetected, MetricMovementVigor}
)

// EnabledMetricsFor returns the metric set evaluated at the given level.
func EnabledMetricsFor(level Level) []Metric {
	switch level {
	case LevelEnhanced:
		out := append([]Metric{}, baselineMetrics...)
		return append(out, behavioralMetrics...)
	case LevelCritical:
		return append([]Metric{}, AllMetrics...)
	default:
		return append([]Metric{}, baselineMetrics...)
	}
}

// IsValidMetric reports whether m is a known metric name.
func IsValidMetric(m Metric) bool {
	for _, known := range AllMetrics {
		if known == m {
			return true
		}
	}
	return false
}
