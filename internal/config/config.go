// Package config loads the WardWatch rule pack: staleness and escalation
// windows, trigger thresholds, escalation rules and the trigger to alert
// mapping. Every field has a default so a missing file means defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/WardWatch/internal/models"
	"github.com/BTreeMap/WardWatch/internal/util"
)

// Rule operators.
const (
	OpCrossAbove = "cross_above"
	OpCrossBelow = "cross_below"
	OpOnset      = "onset"
)

// Config is the full rule pack.
type Config struct {
	StalenessWindow     time.Duration           `yaml:"stalenessWindow"`
	EscalationWindow    time.Duration           `yaml:"escalationWindow"`
	AcceptanceThreshold float64                 `yaml:"acceptanceThreshold"`
	LogThrottle         time.Duration           `yaml:"logThrottle"`
	Triggers            TriggerThresholds       `yaml:"triggers"`
	Rules               []Rule                  `yaml:"rules"`
	Alerts              map[string]AlertMapping `yaml:"alerts"`
	ExternalSeverity    models.Severity         `yaml:"externalSeverity"`
	Agent               AgentConfig             `yaml:"agent"`
	Outbox              OutboxConfig            `yaml:"outbox"`
	Session             SessionConfig           `yaml:"session"`
	Maintenance         MaintenanceConfig       `yaml:"maintenance"`
}

// TriggerThresholds are the hard limits the ingestion adapter reports as
// advisory alert triggers.
type TriggerThresholds struct {
	TachycardiaHR          float64 `yaml:"tachycardiaHR"`
	TachycardiaConsecutive int     `yaml:"tachycardiaConsecutive"`
	BradycardiaHR          float64 `yaml:"bradycardiaHR"`
	TachypneaRR            float64 `yaml:"tachypneaRR"`
	BradypneaRR            float64 `yaml:"bradypneaRR"`
	HypoxemiaSpO2          float64 `yaml:"hypoxemiaSpO2"`
	CRSCritical            float64 `yaml:"crsCritical"`
}

// Rule is a deterministic escalation rule evaluated against consecutive
// snapshots.
type Rule struct {
	Name      string        `yaml:"name"`
	Metric    models.Metric `yaml:"metric"`
	Operator  string        `yaml:"operator"`
	Threshold float64       `yaml:"threshold"`
	Level     models.Level  `yaml:"level"`
}

// AlertMapping maps an advisory trigger onto an alert. Metric names the
// signal the trigger derives from; an empty Metric means the trigger counts
// at every monitoring level.
type AlertMapping struct {
	AlertType string          `yaml:"alertType"`
	Severity  models.Severity `yaml:"severity"`
	Metric    models.Metric   `yaml:"metric"`
	Title     string          `yaml:"title"`
}

// AgentConfig controls the reasoning client.
type AgentConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	Debounce    time.Duration `yaml:"debounce"`
	HistorySize int           `yaml:"historySize"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"maxTokens"`
}

// OutboxConfig controls notification delivery retries.
type OutboxConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	MaxAttempts  int           `yaml:"maxAttempts"`
	StaleAfter   time.Duration `yaml:"staleAfter"`
}

// SessionConfig controls capture session admission.
type SessionConfig struct {
	LeaseTTL      time.Duration `yaml:"leaseTTL"`
	QueueSize     int           `yaml:"queueSize"`
	HandshakeWait time.Duration `yaml:"handshakeWait"`
}

// MaintenanceConfig holds cron schedules for periodic housekeeping. An empty
// schedule disables the job. DedupRetention is how long capture message ids
// are remembered.
type MaintenanceConfig struct {
	ExpirySweep    string        `yaml:"expirySweep"`
	OutboxRequeue  string        `yaml:"outboxRequeue"`
	DedupPurge     string        `yaml:"dedupPurge"`
	DedupRetention time.Duration `yaml:"dedupRetention"`
}

// Default returns the built-in rule pack.
func Default() *Config {
	return &Config{
		StalenessWindow:     30 * time.Second,
		EscalationWindow:    5 * time.Minute,
		AcceptanceThreshold: 0.6,
		LogThrottle:         10 * time.Second,
		Triggers: TriggerThresholds{
			TachycardiaHR:          120,
			TachycardiaConsecutive: 3,
			BradycardiaHR:          40,
			TachypneaRR:            30,
			BradypneaRR:            8,
			HypoxemiaSpO2:          90,
			CRSCritical:            0.85,
		},
		Rules: []Rule{
			{Name: "crs_high_water", Metric: models.MetricCRSScore, Operator: OpCrossAbove, Threshold: 0.7, Level: models.LevelEnhanced},
			{Name: "crs_critical", Metric: models.MetricCRSScore, Operator: OpCrossAbove, Threshold: 0.9, Level: models.LevelCritical},
			{Name: "tremor_onset", Metric: models.MetricTremorDetected, Operator: OpOnset, Level: models.LevelCritical},
			{Name: "tachycardia", Metric: models.MetricHeartRate, Operator: OpCrossAbove, Threshold: 130, Level: models.LevelEnhanced},
			{Name: "restlessness", Metric: models.MetricRestlessnessIndex, Operator: OpCrossAbove, Threshold: 0.8, Level: models.LevelEnhanced},
		},
		Alerts: map[string]AlertMapping{
			"sustained_tachycardia": {AlertType: "tachycardia", Severity: models.SeverityHigh, Metric: models.MetricHeartRate, Title: "Sustained tachycardia"},
			"bradycardia":           {AlertType: "bradycardia", Severity: models.SeverityHigh, Metric: models.MetricHeartRate, Title: "Bradycardia"},
			"tachypnea":             {AlertType: "tachypnea", Severity: models.SeverityMedium, Metric: models.MetricRespiratoryRate, Title: "Tachypnea"},
			"bradypnea":             {AlertType: "bradypnea", Severity: models.SeverityHigh, Metric: models.MetricRespiratoryRate, Title: "Bradypnea"},
			"hypoxemia":             {AlertType: "hypoxemia", Severity: models.SeverityHigh, Metric: models.MetricSpO2, Title: "Low oxygen saturation"},
			"crs_critical":          {AlertType: "crs", Severity: models.SeverityHigh, Metric: models.MetricCRSScore, Title: "CRS score critical"},
			"tremor":                {AlertType: "tremor", Severity: models.SeverityHigh, Metric: models.MetricTremorDetected, Title: "Tremor detected"},
			"critical_potassium":    {AlertType: "critical_lab", Severity: models.SeverityCritical, Title: "Critical potassium"},
		},
		ExternalSeverity: models.SeverityHigh,
		Agent: AgentConfig{
			Timeout:     8 * time.Second,
			Debounce:    20 * time.Second,
			HistorySize: 12,
			Temperature: 0.1,
			MaxTokens:   400,
		},
		Outbox: OutboxConfig{
			PollInterval: 2 * time.Second,
			MaxAttempts:  8,
			StaleAfter:   2 * time.Minute,
		},
		Session: SessionConfig{
			LeaseTTL:      30 * time.Second,
			QueueSize:     64,
			HandshakeWait: 10 * time.Second,
		},
		Maintenance: MaintenanceConfig{
			ExpirySweep:    "@every 30s",
			OutboxRequeue:  "*/5 * * * *",
			DedupPurge:     "@hourly",
			DedupRetention: 24 * time.Hour,
		},
	}
}

// Load reads the rule pack at path on top of the defaults, applies
// environment overrides and validates the result. An empty path or a missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("WARDWATCH_CONFIG")
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// defaults
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.StalenessWindow = util.ParseDurationEnv("WARDWATCH_STALENESS_WINDOW", cfg.StalenessWindow)
	cfg.EscalationWindow = util.ParseDurationEnv("WARDWATCH_ESCALATION_WINDOW", cfg.EscalationWindow)
	cfg.AcceptanceThreshold = util.ParseFloatEnv("WARDWATCH_ACCEPTANCE_THRESHOLD", cfg.AcceptanceThreshold)
	cfg.Agent.Timeout = util.ParseDurationEnv("WARDWATCH_AGENT_TIMEOUT", cfg.Agent.Timeout)
	cfg.Agent.Debounce = util.ParseDurationEnv("WARDWATCH_AGENT_DEBOUNCE", cfg.Agent.Debounce)
}

// Validate rejects out-of-range values.
func (c *Config) Validate() error {
	if c.StalenessWindow <= 0 {
		return fmt.Errorf("stalenessWindow must be positive, got %s", c.StalenessWindow)
	}
	if c.EscalationWindow <= 0 {
		return fmt.Errorf("escalationWindow must be positive, got %s", c.EscalationWindow)
	}
	if c.AcceptanceThreshold < 0 || c.AcceptanceThreshold > 1 {
		return fmt.Errorf("acceptanceThreshold must be within [0,1], got %v", c.AcceptanceThreshold)
	}
	if c.LogThrottle < 0 {
		return fmt.Errorf("logThrottle cannot be negative")
	}
	if c.Maintenance.DedupPurge != "" && c.Maintenance.DedupRetention <= 0 {
		return fmt.Errorf("maintenance.dedupRetention must be positive when dedupPurge is scheduled, got %s", c.Maintenance.DedupRetention)
	}
	if c.Triggers.TachycardiaConsecutive < 1 {
		return fmt.Errorf("triggers.tachycardiaConsecutive must be at least 1")
	}
	seen := make(map[string]bool, len(c.Rules))
	for i, r := range c.Rules {
		if r.Name == "" {
			return fmt.Errorf("rules[%d]: name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("rules[%d]: duplicate rule name %q", i, r.Name)
		}
		seen[r.Name] = true
		if !models.IsValidMetric(r.Metric) {
			return fmt.Errorf("rule %s: unknown metric %q", r.Name, r.Metric)
		}
		switch r.Operator {
		case OpCrossAbove, OpCrossBelow:
		case OpOnset:
			if r.Metric != models.MetricTremorDetected {
				return fmt.Errorf("rule %s: onset only applies to boolean metrics", r.Name)
			}
		default:
			return fmt.Errorf("rule %s: unknown operator %q", r.Name, r.Operator)
		}
		if r.Level == models.LevelBaseline || !r.Level.Valid() {
			return fmt.Errorf("rule %s: target level must be ENHANCED or CRITICAL", r.Name)
		}
	}
	for trigger, m := range c.Alerts {
		if m.AlertType == "" {
			return fmt.Errorf("alerts.%s: alertType is required", trigger)
		}
		if !m.Severity.Valid() {
			return fmt.Errorf("alerts.%s: %w", trigger, models.ErrInvalidSeverity)
		}
		if m.Metric != "" && !models.IsValidMetric(m.Metric) {
			return fmt.Errorf("alerts.%s: unknown metric %q", trigger, m.Metric)
		}
	}
	if !c.ExternalSeverity.Valid() {
		return fmt.Errorf("externalSeverity: %w", models.ErrInvalidSeverity)
	}
	if c.Agent.Timeout <= 0 {
		return fmt.Errorf("agent.timeout must be positive")
	}
	if c.Agent.HistorySize < 1 {
		return fmt.Errorf("agent.historySize must be at least 1")
	}
	if c.Outbox.MaxAttempts < 1 {
		return fmt.Errorf("outbox.maxAttempts must be at least 1")
	}
	if c.Session.QueueSize < 1 {
		return fmt.Errorf("session.queueSize must be at least 1")
	}
	return nil
}

// AlertFor returns the mapping for an advisory trigger. Unknown triggers are
// external flags: they map onto an alert of the same name with the external
// severity and count at every level.
func (c *Config) AlertFor(trigger string) AlertMapping {
	if m, ok := c.Alerts[trigger]; ok {
		return m
	}
	return AlertMapping{AlertType: trigger, Severity: c.ExternalSeverity, Title: "External flag: " + trigger}
}
