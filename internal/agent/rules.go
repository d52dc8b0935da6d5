package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/BTreeMap/WardWatch/internal/models"
)

// RuleProvider proposes levels from deterministic trends over the history.
// It is used when no LLM is configured.
type RuleProvider struct {
	CRSRise             float64 // minimum crs_score rise across the window
	RestlessnessLevel   float64 // restlessness_index considered sustained
	RestlessnessSamples int     // consecutive samples at or above RestlessnessLevel
	RespiratoryDrift    float64 // minimum respiratory_rate rise across the window
}

// NewRuleProvider returns a provider with the default trend thresholds.
func NewRuleProvider() *RuleProvider {
	return &RuleProvider{
		CRSRise:             0.15,
		RestlessnessLevel:   0.6,
		RestlessnessSamples: 3,
		RespiratoryDrift:    6,
	}
}

func (p *RuleProvider) Name() string { return "rules" }

func (p *RuleProvider) Propose(_ context.Context, req Request) (*models.AgentDecision, error) {
	var concerns []string
	var reasons []string

	if first, last, ok := series(req.History, models.MetricCRSScore); ok && rising(req.History, models.MetricCRSScore) && last-first >= p.CRSRise {
		concerns = append(concerns, "rising crs score")
		reasons = append(reasons, fmt.Sprintf("crs_score rose from %.2f to %.2f", first, last))
	}
	if run := trailingAtLeast(req.History, models.MetricRestlessnessIndex, p.RestlessnessLevel); run >= p.RestlessnessSamples {
		concerns = append(concerns, "sustained restlessness")
		reasons = append(reasons, fmt.Sprintf("restlessness_index at or above %.2f for %d samples", p.RestlessnessLevel, run))
	}
	if first, last, ok := series(req.History, models.MetricRespiratoryRate); ok && last-first >= p.RespiratoryDrift {
		concerns = append(concerns, "respiratory drift")
		reasons = append(reasons, fmt.Sprintf("respiratory_rate drifted from %.0f to %.0f", first, last))
	}

	d := &models.AgentDecision{PatientID: req.PatientID, Provider: p.Name(), Concerns: concerns}
	switch len(concerns) {
	case 0:
		d.ProposedLevel = req.Level
		d.Confidence = 0.5
		d.Reasoning = "no sustained trend in the recent history"
	case 1:
		d.ProposedLevel = models.LevelEnhanced
		d.Confidence = 0.7
		d.Reasoning = strings.Join(reasons, "; ")
	default:
		d.ProposedLevel = models.LevelCritical
		d.Confidence = 0.75
		d.Reasoning = strings.Join(reasons, "; ")
	}
	return d, nil
}

// series returns the first and last values of a metric across the history.
func series(history []models.MetricSnapshot, m models.Metric) (first, last float64, ok bool) {
	n := 0
	for _, s := range history {
		v, present := s.Metrics.Value(m)
		if !present {
			continue
		}
		if n == 0 {
			first = v
		}
		last = v
		n++
	}
	return first, last, n >= 2
}

// rising reports whether the metric never decreases across the history.
func rising(history []models.MetricSnapshot, m models.Metric) bool {
	prev, seen := 0.0, false
	for _, s := range history {
		v, ok := s.Metrics.Value(m)
		if !ok {
			continue
		}
		if seen && v < prev {
			return false
		}
		prev, seen = v, true
	}
	return seen
}

// trailingAtLeast counts the most recent consecutive samples with m >= threshold.
func trailingAtLeast(history []models.MetricSnapshot, m models.Metric, threshold float64) int {
	run := 0
	for i := len(history) - 1; i >= 0; i-- {
		v, ok := history[i].Metrics.Value(m)
		if !ok {
			continue
		}
		if v < threshold {
			break
		}
		run++
	}
	return run
}
